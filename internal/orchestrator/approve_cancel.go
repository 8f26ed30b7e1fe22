package orchestrator

import (
	"context"

	"github.com/basket/storyctl/internal/bus"
	"github.com/basket/storyctl/internal/model"
)

// ApproveStep implements the approveStep request: it records a human
// approval decision on a Pending Step so the Dispatcher will (or will
// not) include it in the next dispatchWave call. It never dispatches
// the Step itself — that happens on the next runStory call.
func (o *Orchestrator) ApproveStep(ctx context.Context, storyID, stepID string, approved bool, feedback string) (model.Step, error) {
	unlock := o.lock(storyID)
	defer unlock()

	step, err := o.Store.GetStep(ctx, stepID)
	if err != nil {
		return model.Step{}, err
	}
	if step.StoryID != storyID {
		return model.Step{}, invalidState("step %s does not belong to story %s", stepID, storyID)
	}

	if approved {
		step.Approval = model.ApprovalApproved
	} else {
		step.Approval = model.ApprovalRejected
	}
	step.ApprovalFeedback = feedback

	updated, err := o.Store.UpdateStep(ctx, step)
	if err != nil {
		return model.Step{}, err
	}

	if o.Bus != nil {
		action := "reject"
		if approved {
			action = "approve"
		}
		o.Bus.Publish(bus.TopicHITLApprovalResponse, bus.HITLApprovalResponse{
			StoryID: storyID,
			Action:  action,
			Reason:  feedback,
		})
	}
	return updated, nil
}

// ResumeGate implements the resumeGate request: it re-evaluates a
// Story's gate and applies the result (spec §4.8's GatePending
// transitions), but — unlike runStory — never goes on to dispatch the
// next wave itself; a follow-up runStory call does that. This lets a
// caller distinguish "unblock me from PAUSE_ALWAYS" from "and also
// keep going".
func (o *Orchestrator) ResumeGate(ctx context.Context, id string) (model.Story, error) {
	unlock := o.lock(id)
	defer unlock()

	story, err := o.Store.GetByIDWithSteps(ctx, id)
	if err != nil {
		return model.Story{}, err
	}
	if story.Status.IsTerminal() {
		return story, nil
	}
	if story.Status != model.StatusGatePending {
		return story, invalidState("resumeGate requires status %s, story %s is %s", model.StatusGatePending, id, story.Status)
	}

	gr := o.Gate.Evaluate(ctx, story.ID, story.CurrentWave, story.WorktreePath)
	return o.applyGateResult(ctx, story, gr, true)
}

// CancelStory implements the cancelStory request (spec §5 cancellation
// semantics): it signals the cancellation token of any in-flight
// runStory call for this Story, waits for that call to actually finish
// (by acquiring the same per-story lock it holds for its duration, so
// no Step is ever left Running), and then marks the Story Cancelled.
func (o *Orchestrator) CancelStory(ctx context.Context, id string) (model.Story, error) {
	if v, ok := o.cancelFuncs.Load(id); ok {
		v.(context.CancelFunc)()
	}

	unlock := o.lock(id)
	defer unlock()

	story, err := o.Store.GetByIDWithSteps(ctx, id)
	if err != nil {
		return model.Story{}, err
	}
	if story.Status.IsTerminal() {
		return story, nil
	}

	story.Status = model.StatusCancelled
	return o.Store.Update(ctx, story)
}
