// Package decomposer implements the Decomposer (C5): it turns an
// AnalyzedContext into an ordered, wave-assigned list of Steps ready
// for the Dispatcher (C6).
package decomposer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/storyctl/internal/analyzer"
	"github.com/basket/storyctl/internal/llm"
	"github.com/basket/storyctl/internal/model"
	"github.com/google/uuid"
)

// WorkItem is one unit the LLM proposes during decomposition, matching
// spec §4.5 step 1's shape exactly.
type WorkItem struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Capability  string   `json:"capability,omitempty"`
	Language    string   `json:"language,omitempty"`
	DependsOn   []string `json:"dependsOn,omitempty"`
}

// Config mirrors spec §4.5's decompose config argument.
type Config struct {
	MaxParallelism int
	IncludeTests   bool
}

var schema = json.RawMessage(`{
	"type": "array",
	"minItems": 1,
	"items": {
		"type": "object",
		"properties": {
			"id": {"type": "string"},
			"title": {"type": "string"},
			"description": {"type": "string"},
			"capability": {"type": "string"},
			"language": {"type": "string"},
			"dependsOn": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["id", "title", "description"]
	}
}`)

// Error wraps a Decomposer failure with the closed ErrorKind taxonomy.
type Error struct {
	Kind model.ErrorKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("decomposer: %s: %s", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Decomposer turns an AnalyzedContext into Steps via one LLM call,
// retried at most once against the same schema and reference-validity
// rules (grounded on the teacher's ValidateAndRetry idiom).
type Decomposer struct {
	LLM       llm.Client
	Validator *llm.StructuredValidator
}

// New builds a Decomposer whose validator allows exactly one retry,
// matching spec §4.5 step 2's "rejected and re-requested once".
func New(client llm.Client) (*Decomposer, error) {
	validator, err := llm.NewStructuredValidator(schema, 1)
	if err != nil {
		return nil, fmt.Errorf("decomposer: build validator: %w", err)
	}
	return &Decomposer{LLM: client, Validator: validator}, nil
}

// Decompose produces an ordered, wave-assigned Step list for story,
// ready to be persisted via store.CreateSteps.
func (d *Decomposer) Decompose(ctx context.Context, story model.Story, analyzed analyzer.AnalyzedContext, cfg Config) ([]model.Step, error) {
	if cfg.MaxParallelism <= 0 {
		cfg.MaxParallelism = 1
	}

	prompt := buildPrompt(story, analyzed, cfg)
	items, err := d.requestItems(ctx, prompt)
	if err != nil {
		return nil, err
	}

	if len(items) == 0 {
		return nil, &Error{Kind: model.ErrorKindLLMParseError, Err: errors.New("decomposition produced zero work items")}
	}

	ordered, err := layerByWave(items, cfg.MaxParallelism)
	if err != nil {
		return nil, &Error{Kind: model.ErrorKindLLMParseError, Err: err}
	}

	// The LLM's ids are only meaningful within its own response; Steps
	// are addressed by Store-assigned UUIDs everywhere else, so
	// dependsOn references are remapped once every item has its final
	// Step ID.
	stepID := make(map[string]string, len(ordered))
	for _, li := range ordered {
		stepID[li.item.ID] = uuid.NewString()
	}

	steps := make([]model.Step, 0, len(ordered))
	for i, li := range ordered {
		dependsOn := make([]string, 0, len(li.item.DependsOn))
		for _, dep := range li.item.DependsOn {
			dependsOn = append(dependsOn, stepID[dep])
		}
		steps = append(steps, model.Step{
			ID:          stepID[li.item.ID],
			StoryID:     story.ID,
			Order:       i + 1,
			Wave:        li.wave,
			Name:        li.item.Title,
			Description: li.item.Description,
			Capability:  li.item.Capability,
			Language:    li.item.Language,
			DependsOn:   dependsOn,
			Status:      model.StepPending,
		})
	}
	return steps, nil
}

// requestItems calls the LLM once, validates, and — on schema or
// reference-validity failure — retries exactly once with the
// validation error fed back into the prompt.
func (d *Decomposer) requestItems(ctx context.Context, prompt string) ([]WorkItem, error) {
	var lastErr error
	for attempt := 0; attempt <= 1; attempt++ {
		if attempt > 0 {
			prompt = fmt.Sprintf("%s\n\nYour previous response was rejected: %s\nRespond again with a corrected JSON array.", prompt, lastErr)
			slog.Info("decomposer: retrying after invalid decomposition response")
		}

		resp, err := d.LLM.Complete(ctx, llm.Request{SystemPrompt: systemPrompt, Prompt: prompt})
		if err != nil {
			return nil, &Error{Kind: model.ErrorKindLLMUnavailable, Err: err}
		}

		items, err := d.parseAndValidate(resp.Text)
		if err == nil {
			return items, nil
		}
		lastErr = err
	}
	return nil, &Error{Kind: model.ErrorKindLLMParseError, Err: lastErr}
}

func (d *Decomposer) parseAndValidate(text string) ([]WorkItem, error) {
	parsed, err := d.Validator.Validate(text)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(parsed)
	if err != nil {
		return nil, fmt.Errorf("remarshal validated response: %w", err)
	}
	var items []WorkItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("unmarshal validated response: %w", err)
	}
	if err := validateReferences(items); err != nil {
		return nil, err
	}
	return items, nil
}

// validateReferences enforces spec §4.5 step 2: every dependsOn entry
// must name an id that appears earlier in the response.
func validateReferences(items []WorkItem) error {
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		if it.ID == "" {
			return errors.New("work item has empty id")
		}
		if seen[it.ID] {
			return fmt.Errorf("duplicate work item id %q", it.ID)
		}
		for _, dep := range it.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("work item %q depends on %q which is not an earlier id", it.ID, dep)
			}
		}
		seen[it.ID] = true
	}
	return nil
}

const systemPrompt = `You decompose an analyzed software change into an ordered list of discrete work items.
Respond with a single JSON array only. Each item needs a unique "id", a "title", a "description",
and a "dependsOn" array naming ids of items earlier in the array that must complete first.
Order items so that every dependency appears before its dependents.`

func buildPrompt(story model.Story, analyzed analyzer.AnalyzedContext, cfg Config) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Story: %s\n\n%s\n\n", story.Title, analyzed.Summary)
	if len(analyzed.CoreRequirements) > 0 {
		fmt.Fprintf(&b, "Core requirements:\n- %s\n\n", strings.Join(analyzed.CoreRequirements, "\n- "))
	}
	if len(analyzed.TechnicalConstraints) > 0 {
		fmt.Fprintf(&b, "Technical constraints:\n- %s\n\n", strings.Join(analyzed.TechnicalConstraints, "\n- "))
	}
	if len(analyzed.AffectedFiles) > 0 {
		fmt.Fprintf(&b, "Affected files:\n- %s\n\n", strings.Join(analyzed.AffectedFiles, "\n- "))
	}
	if analyzed.SuggestedApproach != "" {
		fmt.Fprintf(&b, "Suggested approach: %s\n\n", analyzed.SuggestedApproach)
	}
	if cfg.IncludeTests {
		b.WriteString("Include explicit work items for writing or updating tests.\n")
	} else {
		b.WriteString("Do not include separate test-writing work items.\n")
	}
	fmt.Fprintf(&b, "Target at most %d concurrent work items per wave.\n", cfg.MaxParallelism)
	return b.String()
}
