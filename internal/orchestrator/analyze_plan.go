package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/basket/storyctl/internal/analyzer"
	"github.com/basket/storyctl/internal/decomposer"
	"github.com/basket/storyctl/internal/model"
)

// AnalyzeStory implements the analyzeStory request (spec §4.8:
// Created --analyze--> Analyzing --success--> Analyzed).
//
// Idempotence: calling this on an already-Analyzed Story returns the
// current state with no side effects. A Story caught mid-Analyzing by
// a crash (rather than a concurrent caller, which the per-story lock
// rules out) is treated the same way — the crash-recovery sweep
// (RecoverStories) is what resets it back to Created.
func (o *Orchestrator) AnalyzeStory(ctx context.Context, id string) (model.Story, error) {
	unlock := o.lock(id)
	defer unlock()

	story, err := o.Store.GetByID(ctx, id)
	if err != nil {
		return model.Story{}, err
	}

	switch story.Status {
	case model.StatusAnalyzed, model.StatusAnalyzing:
		return story, nil
	case model.StatusCreated:
		// proceeds below
	default:
		return story, invalidState("analyze requires status %s, story %s is %s", model.StatusCreated, id, story.Status)
	}

	story.Status = model.StatusAnalyzing
	story.Error = ""
	story, err = o.Store.Update(ctx, story)
	if err != nil {
		return model.Story{}, err
	}

	analyzed, aerr := o.Analyzer.Analyze(ctx, story)
	if aerr != nil {
		return o.failStory(ctx, story, aerr)
	}

	blob, err := json.Marshal(analyzed)
	if err != nil {
		return o.failStory(ctx, story, fmt.Errorf("marshal analyzed context: %w", err))
	}

	story.AnalyzedContext = blob
	story.Status = model.StatusAnalyzed
	return o.Store.Update(ctx, story)
}

// PlanStory implements the planStory request (spec §4.8: Analyzed
// --plan--> Planning --success--> Planned), persisting the Decomposer's
// Steps as a single batch (spec §4.1).
func (o *Orchestrator) PlanStory(ctx context.Context, id string, cfg decomposer.Config) (model.Story, error) {
	unlock := o.lock(id)
	defer unlock()

	story, err := o.Store.GetByID(ctx, id)
	if err != nil {
		return model.Story{}, err
	}

	switch story.Status {
	case model.StatusPlanned, model.StatusPlanning:
		return o.Store.GetByIDWithSteps(ctx, id)
	case model.StatusAnalyzed:
		// proceeds below
	default:
		return story, invalidState("plan requires status %s, story %s is %s", model.StatusAnalyzed, id, story.Status)
	}

	var analyzed analyzer.AnalyzedContext
	if err := json.Unmarshal(story.AnalyzedContext, &analyzed); err != nil {
		return o.failStory(ctx, story, fmt.Errorf("unmarshal analyzed context: %w", err))
	}

	story.Status = model.StatusPlanning
	story.Error = ""
	story, err = o.Store.Update(ctx, story)
	if err != nil {
		return model.Story{}, err
	}

	steps, derr := o.Decomposer.Decompose(ctx, story, analyzed, cfg)
	if derr != nil {
		return o.failStory(ctx, story, derr)
	}

	if _, err := o.Store.CreateSteps(ctx, steps); err != nil {
		return o.failStory(ctx, story, fmt.Errorf("persist decomposed steps: %w", err))
	}

	plan, err := json.Marshal(steps)
	if err != nil {
		return o.failStory(ctx, story, fmt.Errorf("marshal execution plan: %w", err))
	}
	story.ExecutionPlan = plan
	story.Status = model.StatusPlanned
	if _, err := o.Store.Update(ctx, story); err != nil {
		return model.Story{}, err
	}
	return o.Store.GetByIDWithSteps(ctx, id)
}

// failStory transitions story to Failed, recording err's text, and
// returns the persisted Story alongside the original error so callers
// can still distinguish the ErrorKind.
func (o *Orchestrator) failStory(ctx context.Context, story model.Story, cause error) (model.Story, error) {
	story.Status = model.StatusFailed
	story.Error = cause.Error()
	updated, err := o.Store.Update(ctx, story)
	if err != nil {
		return model.Story{}, err
	}
	return updated, cause
}
