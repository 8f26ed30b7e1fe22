package orchestrator

import (
	"context"

	"github.com/basket/storyctl/internal/model"
	"github.com/basket/storyctl/internal/store"
)

// RecoverStories implements spec §4.8's crash-recovery rule: on
// process startup (and, per SPEC_FULL.md's addition, on every tick of
// internal/cron's periodic sweep) it enumerates Stories left in a
// non-terminal, non-stable status by a process that died mid-transition
// and resets each to a consistent state. Grounded on
// persistence.Store.RecoverRunningTasks's "still claimed/running at
// startup ⇒ force back to a requeueable state" idea, generalized from
// a single Task status column to the Story/Step pair.
func (o *Orchestrator) RecoverStories(ctx context.Context) (int, error) {
	recovered := 0
	for _, status := range []model.Status{model.StatusAnalyzing, model.StatusPlanning, model.StatusExecuting, model.StatusGatePending} {
		stories, err := o.Store.List(ctx, store.ListFilter{Status: status})
		if err != nil {
			return recovered, err
		}
		for _, story := range stories {
			if err := o.recoverStory(ctx, story); err != nil {
				return recovered, err
			}
			recovered++
		}
	}
	return recovered, nil
}

func (o *Orchestrator) recoverStory(ctx context.Context, story model.Story) error {
	unlock := o.lock(story.ID)
	defer unlock()

	// Re-read under the lock: another call may have already moved the
	// Story on between the List above and acquiring the lock.
	story, err := o.Store.GetByIDWithSteps(ctx, story.ID)
	if err != nil {
		return err
	}

	switch story.Status {
	case model.StatusAnalyzing:
		if len(story.AnalyzedContext) > 0 {
			story.Status = model.StatusAnalyzed
		} else {
			story.Status = model.StatusCreated
		}
	case model.StatusPlanning:
		if len(story.Steps) > 0 {
			story.Status = model.StatusPlanned
		} else {
			story.Status = model.StatusAnalyzed
		}
	case model.StatusExecuting:
		for _, step := range story.Steps {
			if step.Status != model.StepRunning {
				continue
			}
			step.Status = model.StepFailed
			step.Error = "interrupted"
			if _, err := o.Store.UpdateStep(ctx, step); err != nil {
				return err
			}
		}
		story.Status = model.StatusGatePending
	case model.StatusGatePending:
		// Already the recovered-to state; a fresh gate evaluation is
		// forced by clearing the possibly-stale cached result so the
		// next runStory/resumeGate call re-checks rather than trusting it.
		story.GateResult = nil
	default:
		return nil
	}

	_, err = o.Store.Update(ctx, story)
	return err
}
