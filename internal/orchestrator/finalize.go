package orchestrator

import (
	"context"

	"github.com/basket/storyctl/internal/finalize"
	"github.com/basket/storyctl/internal/model"
	"github.com/basket/storyctl/internal/verify"
)

// FinalizeStory implements the finalizeStory request: an explicit
// finalize from GatePending with an already-passing gate (spec §4.9's
// second trigger path; the first — auto-finalizing the last wave's
// passing gate — happens inside runStory via applyGateResult).
func (o *Orchestrator) FinalizeStory(ctx context.Context, id string, opts finalize.Options) (model.Story, error) {
	unlock := o.lock(id)
	defer unlock()

	story, err := o.Store.GetByIDWithSteps(ctx, id)
	if err != nil {
		return model.Story{}, err
	}
	if story.Status == model.StatusCompleted {
		return story, nil
	}
	if story.Status != model.StatusGatePending {
		return story, invalidState("finalize requires status %s, story %s is %s", model.StatusGatePending, id, story.Status)
	}
	if story.GateResult == nil || !story.GateResult.Passed {
		return story, invalidState("finalize requires a passing gate result, story %s has none", id)
	}

	finalized, ferr := o.Finalizer.Finalize(ctx, story, opts)
	if ferr != nil {
		finalized.Status = model.StatusFailed
		finalized.Error = ferr.Error()
		if _, err := o.Store.Update(ctx, finalized); err != nil {
			return model.Story{}, err
		}
		return finalized, ferr
	}
	return o.Store.Update(ctx, finalized)
}

// Verify implements the standalone verify request (spec §6.4): a
// direct passthrough to the VerificationEngine, independent of any
// Story.
func (o *Orchestrator) Verify(ctx context.Context, path string) (verify.Result, error) {
	return o.Verifier.Verify(ctx, path)
}
