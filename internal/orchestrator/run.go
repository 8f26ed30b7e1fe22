package orchestrator

import (
	"context"

	"github.com/basket/storyctl/internal/dispatch"
	"github.com/basket/storyctl/internal/finalize"
	"github.com/basket/storyctl/internal/model"
)

// RunStory implements the runStory request. It drives a Story through
// as many wave-dispatch/gate-evaluation cycles as a single call can
// make progress on (spec §4.8's AUTO_PROCEED path loops automatically;
// PAUSE_ALWAYS and a failing gate each stop the loop at their
// respective state), and returns the last WaveOutcome actually
// produced along with the Story's state afterward.
//
// Reentrancy (spec §4.8, §5 cancellation): the Story is locked for the
// whole call, so "run" on a Story another goroutine is currently
// running for simply blocks until that run finishes rather than
// observing Executing mid-flight; a Story found in Executing at the
// top of this call is therefore a crash artifact (the recovery sweep
// is what normally clears it) and is treated as the idempotent no-op
// the spec names ("run on an Executing-or-later Story returns the
// current state without side effects").
func (o *Orchestrator) RunStory(ctx context.Context, id string) (model.Story, dispatch.WaveOutcome, error) {
	unlock := o.lock(id)
	defer unlock()

	runCtx, cancel := context.WithCancel(ctx)
	o.cancelFuncs.Store(id, cancel)
	defer func() {
		cancel()
		o.cancelFuncs.Delete(id)
	}()

	story, err := o.Store.GetByIDWithSteps(runCtx, id)
	if err != nil {
		return model.Story{}, dispatch.WaveOutcome{}, err
	}

	var outcome dispatch.WaveOutcome

	switch story.Status {
	case model.StatusPlanned:
		story, err = o.Worktree.EnsureWorktree(runCtx, story)
		if err != nil {
			failed, ferr := o.failStory(runCtx, story, &Error{Kind: model.ErrorKindWorktreeUnavailable, Err: err})
			return failed, outcome, ferr
		}
		story.Status = model.StatusExecuting
		story.CurrentWave = 1
		if story, err = o.Store.Update(runCtx, story); err != nil {
			return model.Story{}, outcome, err
		}
	case model.StatusGateFailed:
		// Remediate: re-enter the same wave once. Whatever made the
		// gate fail is expected to have been fixed out of band (code
		// pushed to the worktree, a Step re-approved); dispatchWave
		// only ever touches Steps still Pending, so a wave with
		// nothing left Pending just re-runs the gate.
		story.Status = model.StatusExecuting
		if story, err = o.Store.Update(runCtx, story); err != nil {
			return model.Story{}, outcome, err
		}
	case model.StatusGatePending, model.StatusExecuting:
		// handled by the loop below: GatePending re-checks a possibly
		// stale gate result; Executing observed here is the crash
		// no-op case described above.
		if story.Status == model.StatusExecuting {
			return story, outcome, nil
		}
	case model.StatusCompleted, model.StatusFailed, model.StatusCancelled:
		return story, outcome, nil
	default:
		return story, outcome, invalidState("run requires status %s or later, story %s is %s", model.StatusPlanned, id, story.Status)
	}

	for {
		switch story.Status {
		case model.StatusGatePending:
			gr := o.Gate.Evaluate(runCtx, story.ID, story.CurrentWave, story.WorktreePath)
			story, err = o.applyGateResult(runCtx, story, gr, false)
			if err != nil {
				return story, outcome, err
			}
			if story.Status != model.StatusExecuting {
				return story, outcome, nil
			}
		case model.StatusExecuting:
			story, outcome, err = o.dispatchAndGate(runCtx, story)
			if err != nil {
				return story, outcome, err
			}
			if story.Status != model.StatusExecuting {
				return story, outcome, nil
			}
		default:
			return story, outcome, nil
		}
	}
}

// dispatchAndGate runs one DispatchWave against story.CurrentWave, then
// unconditionally evaluates the gate (spec §4.8: "Executing --wave
// done OK--> GatePending, always, before gate call").
func (o *Orchestrator) dispatchAndGate(ctx context.Context, story model.Story) (model.Story, dispatch.WaveOutcome, error) {
	outcome, err := o.Dispatcher.DispatchWave(ctx, story, story.CurrentWave)
	if err != nil {
		return story, outcome, err
	}

	refreshed, err := o.Store.GetByIDWithSteps(ctx, story.ID)
	if err != nil {
		return story, outcome, err
	}
	refreshed.Status = model.StatusGatePending
	refreshed, err = o.Store.Update(ctx, refreshed)
	if err != nil {
		return story, outcome, err
	}

	gr := o.Gate.Evaluate(ctx, refreshed.ID, refreshed.CurrentWave, refreshed.WorktreePath)
	final, err := o.applyGateResult(ctx, refreshed, gr, false)
	return final, outcome, err
}

// applyGateResult folds one GateResult into the Story's state machine
// (spec §4.8's GatePending transitions), auto-finalizing on the last
// wave's passing gate (spec §4.9). explicitResume is true only when the
// caller is ResumeGate: a PAUSE_ALWAYS story that passed its gate stays
// parked in GatePending for every other caller (dispatchAndGate, and
// runStory re-checking an already-pending gate) and only advances when
// the operator explicitly asked to move past the pause.
func (o *Orchestrator) applyGateResult(ctx context.Context, story model.Story, gr model.GateResult, explicitResume bool) (model.Story, error) {
	story.GateResult = &gr

	if !gr.Passed {
		story.Status = model.StatusGateFailed
		story.Error = gr.Summary
		return o.Store.Update(ctx, story)
	}
	story.Error = ""

	if story.CurrentWave >= maxWave(story.Steps) {
		finalized, ferr := o.Finalizer.Finalize(ctx, story, finalize.Options{})
		if ferr != nil {
			finalized.Status = model.StatusFailed
			finalized.Error = ferr.Error()
		}
		updated, err := o.Store.Update(ctx, finalized)
		if err != nil {
			return model.Story{}, err
		}
		if ferr != nil {
			return updated, ferr
		}
		return updated, nil
	}

	if story.GateMode == model.GateModePauseAlways && !explicitResume {
		return o.Store.Update(ctx, story)
	}
	story.CurrentWave++
	story.Status = model.StatusExecuting
	return o.Store.Update(ctx, story)
}
