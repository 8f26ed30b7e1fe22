// Package dispatch implements the Dispatcher (spec component C6):
// dispatchWave spawns an Execution for every Pending Step of a given
// wave, respecting story.maxParallelism, the approval gate, and a
// shared cancellation token, then folds the results back into the
// Store and the bus.
//
// Grounded on the teacher's internal/engine/engine.go worker-pool
// Config (worker count, sync/atomic active-task counter) combined with
// internal/coordinator/executor.go's executeWave — generalized from a
// fixed-size poll-driven worker pool to a per-wave bounded fan-out,
// since a wave's membership is known upfront rather than discovered by
// polling a queue.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/storyctl/internal/bus"
	"github.com/basket/storyctl/internal/executorreg"
	"github.com/basket/storyctl/internal/model"
	storyotel "github.com/basket/storyctl/internal/otel"
	"github.com/basket/storyctl/internal/safety"
	"github.com/basket/storyctl/internal/shared"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Store is the subset of internal/store.Store the Dispatcher needs.
// It never reads the Store itself: the caller supplies the full Story
// (with Steps populated) and the Dispatcher only ever writes Steps
// back, one at a time, as each Execution settles.
type Store interface {
	UpdateStep(ctx context.Context, step model.Step) (model.Step, error)
}

// WaveOutcome is the result of one dispatchWave call (spec §4.6).
type WaveOutcome struct {
	StartedStepIDs   []string
	CompletedStepIDs []string
	FailedStepIDs    []string
	SkippedStepIDs   []string
}

// Dispatcher is the C6 implementation.
type Dispatcher struct {
	Store    Store
	Registry *executorreg.Registry
	Bus      *bus.Bus

	// Tracer and Metrics are optional observability hooks, nil-safe like Bus.
	Tracer  trace.Tracer
	Metrics *storyotel.Metrics

	// Sanitizer flags prompt-injection-shaped Step output before it is
	// persisted; nil disables the check rather than panicking, same as
	// the other optional collaborators above.
	Sanitizer *safety.Sanitizer
}

// New builds a Dispatcher with a Sanitizer already attached, since
// sanitizing Step output before persistence is not optional per spec.
func New(store Store, registry *executorreg.Registry, b *bus.Bus) *Dispatcher {
	return &Dispatcher{Store: store, Registry: registry, Bus: b, Sanitizer: safety.NewSanitizer()}
}

// DispatchWave spawns an Execution for every Step of story.Steps whose
// Wave matches wave and whose Status is Pending. story.Steps must be
// fully populated (i.e. story was loaded via GetByIDWithSteps); the
// Dispatcher only ever reads it, it never re-fetches from the Store.
func (d *Dispatcher) DispatchWave(ctx context.Context, story model.Story, wave int) (WaveOutcome, error) {
	if d.Tracer != nil {
		var span trace.Span
		ctx, span = storyotel.StartSpan(ctx, d.Tracer, "dispatch.wave",
			storyotel.AttrStoryID.String(story.ID),
			storyotel.AttrWave.Int(wave),
		)
		defer span.End()
	}
	if d.Metrics != nil {
		d.Metrics.WavesDispatched.Add(ctx, 1)
	}

	var outcome WaveOutcome
	var mu sync.Mutex

	maxParallelism := story.MaxParallelism
	if maxParallelism <= 0 {
		maxParallelism = 1
	}
	sem := make(chan struct{}, maxParallelism)

	var wg sync.WaitGroup
	for _, step := range story.Steps {
		if step.Wave != wave || step.Status != model.StepPending {
			continue
		}

		if requiresApproval(story.AutomationMode, step) && step.Approval != model.ApprovalApproved {
			mu.Lock()
			outcome.SkippedStepIDs = append(outcome.SkippedStepIDs, step.ID)
			mu.Unlock()
			if step.Approval == model.ApprovalNone {
				d.publishApprovalRequested(story.ID, step)
			}
			continue
		}

		target := step.ExecutorOverride
		if target == "" {
			target = story.DispatchTarget
		}
		executor, err := d.Registry.Get(target)
		if err != nil {
			mu.Lock()
			outcome.FailedStepIDs = append(outcome.FailedStepIDs, step.ID)
			mu.Unlock()
			d.failStep(ctx, step, fmt.Sprintf("resolve executor %q: %v", target, err))
			continue
		}

		sem <- struct{}{}

		step.Status = model.StepRunning
		now := time.Now().UTC()
		step.StartedAt = &now
		step.Attempts++
		step.AssignedAgentID = uuid.NewString()
		started, err := d.Store.UpdateStep(ctx, step)
		if err != nil {
			<-sem
			slog.Error("dispatch mark running failed", "step_id", step.ID, "error", err)
			mu.Lock()
			outcome.FailedStepIDs = append(outcome.FailedStepIDs, step.ID)
			mu.Unlock()
			continue
		}
		d.publish(bus.TopicPlanStepStarted, story.ID, started)

		mu.Lock()
		outcome.StartedStepIDs = append(outcome.StartedStepIDs, step.ID)
		mu.Unlock()

		wg.Add(1)
		go func(step model.Step, executor executorreg.Executor) {
			defer wg.Done()
			defer func() { <-sem }()

			completed, ok := d.execute(ctx, story, step, executor)
			mu.Lock()
			if ok {
				outcome.CompletedStepIDs = append(outcome.CompletedStepIDs, completed.ID)
			} else {
				outcome.FailedStepIDs = append(outcome.FailedStepIDs, completed.ID)
			}
			mu.Unlock()
		}(started, executor)
	}

	wg.Wait()
	d.invalidateDownstream(ctx, story, outcome.CompletedStepIDs)
	return outcome, nil
}

// execute runs one Step's Execution and persists its terminal state.
// It returns the persisted Step and whether it completed successfully.
func (d *Dispatcher) execute(ctx context.Context, story model.Story, step model.Step, executor executorreg.Executor) (model.Step, bool) {
	execCtx := executorreg.ExecutionContext{
		StoryID: story.ID,
		StepID:  step.ID,
		Wave:    step.Wave,
		Metadata: map[string]string{
			"capability": step.Capability,
			"language":   step.Language,
		},
	}

	prompt := step.Description
	if prompt == "" {
		prompt = step.Name
	}

	res, err := executor.Execute(ctx, story.WorktreePath, prompt, execCtx)

	now := time.Now().UTC()
	if ctx.Err() != nil {
		step.Status = model.StepFailed
		step.Error = "cancelled"
		step.CompletedAt = &now
		persisted := d.persist(ctx, step)
		d.publish(bus.TopicPlanStepFailed, story.ID, persisted)
		return persisted, false
	}

	if err != nil || !res.Success {
		step.Status = model.StepFailed
		if err != nil {
			step.Error = err.Error()
		} else {
			step.Error = res.Error
		}
		step.Output = d.sanitizeOutput(story.ID, step.ID, res.Output)
		step.CompletedAt = &now
		persisted := d.persist(ctx, step)
		d.publish(bus.TopicPlanStepFailed, story.ID, persisted)
		return persisted, false
	}

	step.Status = model.StepCompleted
	step.Error = ""
	step.Output = d.sanitizeOutput(story.ID, step.ID, res.Output)
	step.CompletedAt = &now
	persisted := d.persist(ctx, step)
	d.publish(bus.TopicPlanStepCompleted, story.ID, persisted)
	return persisted, true
}

// sanitizeOutput runs an Executor's raw output through the Sanitizer
// before it is persisted onto Step.Output, per spec: a flagged
// injection attempt is logged rather than blocking persistence (the
// Step already ran; the point is to flag what an agent echoed back,
// not to refuse storing its result), and shared.Redact strips any
// secret-shaped substrings the same way llm.GenkitClient.Complete
// already does for completion text.
func (d *Dispatcher) sanitizeOutput(storyID, stepID, output string) []byte {
	if d.Sanitizer != nil {
		if result := d.Sanitizer.Check(output); result.Action != safety.ActionAllow {
			slog.Warn("dispatch: sanitizer flagged step output", "story_id", storyID, "step_id", stepID, "reason", result.Reason)
		}
	}
	return []byte(shared.Redact(output))
}

func (d *Dispatcher) persist(ctx context.Context, step model.Step) model.Step {
	updated, err := d.Store.UpdateStep(ctx, step)
	if err != nil {
		slog.Error("dispatch persist step result failed", "step_id", step.ID, "error", err)
		return step
	}
	return updated
}

func (d *Dispatcher) failStep(ctx context.Context, step model.Step, reason string) {
	now := time.Now().UTC()
	step.Status = model.StepFailed
	step.Error = reason
	step.Attempts++
	step.CompletedAt = &now
	persisted := d.persist(ctx, step)
	d.publish(bus.TopicPlanStepFailed, step.StoryID, persisted)
}

func (d *Dispatcher) publish(topic, storyID string, step model.Step) {
	if d.Bus == nil {
		return
	}
	d.Bus.Publish(topic, bus.PlanStepEvent{
		StoryID: storyID,
		StepID:  step.ID,
		Wave:    step.Wave,
		AgentID: step.AssignedAgentID,
	})
}

func (d *Dispatcher) publishApprovalRequested(storyID string, step model.Step) {
	if d.Bus == nil {
		return
	}
	d.Bus.Publish(bus.TopicHITLApprovalRequested, bus.HITLApprovalRequest{
		RequestID: uuid.NewString(),
		StoryID:   storyID,
		StepID:    step.ID,
		Prompt:    step.Description,
	})
}

// invalidateDownstream implements spec §4.6 step 7: any Pending Step
// transitively dependent on a Step that was just re-executed (attempts
// beyond its first) has needsRework set and previousOutput copied from
// its own last output, so the remediation operator can see what it
// produced before its upstream changed underneath it.
func (d *Dispatcher) invalidateDownstream(ctx context.Context, story model.Story, completedStepIDs []string) {
	if len(completedStepIDs) == 0 {
		return
	}
	byID := make(map[string]model.Step, len(story.Steps))
	for _, s := range story.Steps {
		byID[s.ID] = s
	}

	reExecuted := make(map[string]bool)
	for _, id := range completedStepIDs {
		if s, ok := byID[id]; ok && s.Attempts > 1 {
			reExecuted[id] = true
		}
	}
	if len(reExecuted) == 0 {
		return
	}

	for _, step := range story.Steps {
		if step.Status != model.StepPending {
			continue
		}
		if !dependsTransitivelyOnAny(step, byID, reExecuted) {
			continue
		}
		step.NeedsRework = true
		step.PreviousOutput = step.Output
		if _, err := d.Store.UpdateStep(ctx, step); err != nil {
			slog.Error("dispatch invalidate downstream step failed", "step_id", step.ID, "error", err)
		}
	}
}

func dependsTransitivelyOnAny(step model.Step, byID map[string]model.Step, targets map[string]bool) bool {
	visited := make(map[string]bool)
	var walk func(id string) bool
	walk = func(id string) bool {
		if visited[id] {
			return false
		}
		visited[id] = true
		if targets[id] {
			return true
		}
		dep, ok := byID[id]
		if !ok {
			return false
		}
		for _, next := range dep.DependsOn {
			if walk(next) {
				return true
			}
		}
		return false
	}
	for _, dep := range step.DependsOn {
		if walk(dep) {
			return true
		}
	}
	return false
}
