// Package analyzer implements the Analyzer (C4): it turns a Story's
// title and description, plus optional retrieved code snippets, into a
// structured AnalyzedContext the Decomposer (C5) consumes.
package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/storyctl/internal/codeindex"
	"github.com/basket/storyctl/internal/llm"
	"github.com/basket/storyctl/internal/model"
)

// AnalyzedContext is the Analyzer's output. It is opaque to every
// component but the Decomposer, which reads CoreRequirements,
// TechnicalConstraints, AffectedFiles and SuggestedApproach when
// composing its own work-item prompt.
type AnalyzedContext struct {
	Summary              string   `json:"summary"`
	CoreRequirements     []string `json:"coreRequirements"`
	TechnicalConstraints []string `json:"technicalConstraints"`
	AffectedFiles        []string `json:"affectedFiles"`
	SuggestedApproach    string   `json:"suggestedApproach"`
}

// schema is the fixed JSON Schema the LLM's response must validate
// against. coreRequirements/technicalConstraints/affectedFiles default
// to an empty array when the LLM omits them entirely — only summary
// and suggestedApproach are load-bearing enough to require.
var schema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"summary": {"type": "string"},
		"coreRequirements": {"type": "array", "items": {"type": "string"}},
		"technicalConstraints": {"type": "array", "items": {"type": "string"}},
		"affectedFiles": {"type": "array", "items": {"type": "string"}},
		"suggestedApproach": {"type": "string"}
	},
	"required": ["summary", "suggestedApproach"]
}`)

const (
	defaultMaxSnippets = 5
	defaultSearchLimit = 8
)

// Error wraps an Analyzer failure with the closed ErrorKind taxonomy
// (spec §7) so the Orchestrator can transition the Story to Failed
// with the right error field without string-matching the message.
type Error struct {
	Kind model.ErrorKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("analyzer: %s: %s", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Analyzer composes a prompt from a Story and an optional code index,
// invokes an llm.Client, and validates the structured response.
type Analyzer struct {
	LLM         llm.Client
	Index       codeindex.Index
	Validator   *llm.StructuredValidator
	MaxSnippets int
}

// New builds an Analyzer. index may be nil — Search is skipped entirely
// and analysis proceeds from the Story's title/description alone, per
// spec §6.3's graceful-degradation requirement.
func New(client llm.Client, index codeindex.Index) (*Analyzer, error) {
	validator, err := llm.NewStructuredValidator(schema, 0)
	if err != nil {
		return nil, fmt.Errorf("analyzer: build validator: %w", err)
	}
	return &Analyzer{LLM: client, Index: index, Validator: validator, MaxSnippets: defaultMaxSnippets}, nil
}

// Analyze produces an AnalyzedContext for story. On LLM transport
// failure or an unparseable response it returns an *Error wrapping
// ErrorKindLLMUnavailable or ErrorKindLLMParseError respectively; the
// Analyzer never retries — the Orchestrator is responsible for
// transitioning the Story to Failed with the returned error text.
func (a *Analyzer) Analyze(ctx context.Context, story model.Story) (AnalyzedContext, error) {
	prompt := a.buildPrompt(ctx, story)

	resp, err := a.LLM.Complete(ctx, llm.Request{
		SystemPrompt: systemPrompt,
		Prompt:       prompt,
	})
	if err != nil {
		return AnalyzedContext{}, &Error{Kind: model.ErrorKindLLMUnavailable, Err: err}
	}

	parsed, err := a.Validator.Validate(resp.Text)
	if err != nil {
		var verr *llm.ValidationError
		if errors.As(err, &verr) {
			return AnalyzedContext{}, &Error{Kind: model.ErrorKindLLMParseError, Err: verr}
		}
		return AnalyzedContext{}, &Error{Kind: model.ErrorKindLLMParseError, Err: err}
	}

	raw, err := json.Marshal(parsed)
	if err != nil {
		return AnalyzedContext{}, &Error{Kind: model.ErrorKindLLMParseError, Err: fmt.Errorf("remarshal validated response: %w", err)}
	}
	var out AnalyzedContext
	if err := json.Unmarshal(raw, &out); err != nil {
		return AnalyzedContext{}, &Error{Kind: model.ErrorKindLLMParseError, Err: fmt.Errorf("unmarshal validated response: %w", err)}
	}
	return out, nil
}

const systemPrompt = `You are analyzing a software change request before any code is written.
Respond with a single JSON object only, matching the required schema exactly.
Do not propose code changes yet — describe what must be understood and built.`

func (a *Analyzer) buildPrompt(ctx context.Context, story model.Story) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n\nDescription:\n%s\n", story.Title, story.Description)
	if story.IssueURL != "" {
		fmt.Fprintf(&b, "\nReference issue: %s\n", story.IssueURL)
	}

	snippets := a.retrieveSnippets(ctx, story)
	if len(snippets) > 0 {
		b.WriteString("\nRelevant code found in the repository:\n")
		for _, hit := range snippets {
			fmt.Fprintf(&b, "- %s: %s\n", hit.Path, hit.Snippet)
		}
	}
	return b.String()
}

// retrieveSnippets consults the code index when available. Any error —
// including a nil Index, an empty repository path, or a search failure
// — degrades to no retrieved context rather than failing analysis.
func (a *Analyzer) retrieveSnippets(ctx context.Context, story model.Story) []codeindex.Hit {
	if a.Index == nil || story.RepositoryPath == "" {
		return nil
	}
	query := story.Title
	if query == "" {
		query = story.Description
	}
	hits, err := a.Index.Search(ctx, story.RepositoryPath, query, defaultSearchLimit)
	if err != nil {
		slog.Warn("analyzer: code index search failed, proceeding without retrieved context", "story_id", story.ID, "error", err)
		return nil
	}
	if len(hits) > a.MaxSnippets {
		hits = hits[:a.MaxSnippets]
	}
	return hits
}
