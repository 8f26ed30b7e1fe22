// Package gate implements the GateController (spec component C7): it
// runs C3 (internal/verify) against a wave's worktree and classifies
// the outcome into a model.GateResult, publishing bus.TopicGateEvaluated
// so the CLI/daemon can observe it without polling the Store.
//
// Classification is grounded on internal/engine/errors.go's
// ClassifyError/ErrorClass idiom (internal/llm/errors.go in this
// module), generalized from "which LLM provider error class is this"
// to "is this failing verification run a genuine check failure or is
// the toolchain itself unavailable".
package gate

import (
	"context"
	"strings"
	"time"

	"github.com/basket/storyctl/internal/bus"
	"github.com/basket/storyctl/internal/model"
	storyotel "github.com/basket/storyctl/internal/otel"
	"github.com/basket/storyctl/internal/verify"
	"go.opentelemetry.io/otel/trace"
)

// Verifier is the subset of internal/verify.Engine the GateController
// depends on.
type Verifier interface {
	Verify(ctx context.Context, root string) (verify.Result, error)
}

// Controller is the C7 implementation.
type Controller struct {
	Verifier Verifier
	Bus      *bus.Bus

	// Tracer and Metrics are both optional; Evaluate is a no-op
	// observability-wise when either is nil, matching Init's
	// no-op-when-disabled contract.
	Tracer  trace.Tracer
	Metrics *storyotel.Metrics
}

// New builds a Controller.
func New(verifier Verifier, b *bus.Bus) *Controller {
	return &Controller{Verifier: verifier, Bus: b}
}

// unavailableMarkers are substrings of a failing step's stderr (or a
// Verify error) that indicate the toolchain itself is missing, rather
// than the project's code failing a genuine check.
var unavailableMarkers = []string{
	"executable file not found",
	"command not found",
	"no such file or directory",
	"not recognized as an internal or external command",
	"is not recognized as the name of a cmdlet",
}

// Evaluate runs verification against worktreePath and classifies the
// result per spec §4.7, publishing bus.TopicGateEvaluated.
func (c *Controller) Evaluate(ctx context.Context, storyID string, wave int, worktreePath string) model.GateResult {
	if c.Tracer != nil {
		var span trace.Span
		ctx, span = storyotel.StartSpan(ctx, c.Tracer, "gate.evaluate",
			storyotel.AttrStoryID.String(storyID),
			storyotel.AttrWave.Int(wave),
		)
		defer span.End()
	}
	if c.Metrics != nil {
		c.Metrics.GateEvaluations.Add(ctx, 1)
	}

	now := time.Now().UTC()
	result, err := c.Verifier.Verify(ctx, worktreePath)
	if err != nil {
		gr := model.GateResult{
			Passed:      false,
			ErrorKind:   string(model.ErrorKindVerificationUnavailable),
			Summary:     err.Error(),
			EvaluatedAt: now,
		}
		c.recordFailure(ctx)
		c.publish(storyID, wave, gr)
		return gr
	}

	if result.Success {
		gr := model.GateResult{Passed: true, Summary: result.Summary, EvaluatedAt: now}
		c.publish(storyID, wave, gr)
		return gr
	}

	gr := model.GateResult{
		Passed:       false,
		Summary:      result.Summary,
		FailingSteps: failingSteps(result),
		EvaluatedAt:  now,
	}
	if toolchainUnavailable(result) {
		gr.ErrorKind = string(model.ErrorKindVerificationUnavailable)
	}
	c.recordFailure(ctx)
	c.publish(storyID, wave, gr)
	return gr
}

func (c *Controller) recordFailure(ctx context.Context) {
	if c.Metrics != nil {
		c.Metrics.GateFailures.Add(ctx, 1)
	}
}

func failingSteps(result verify.Result) []model.StepFail {
	var out []model.StepFail
	for _, sr := range result.StepResults {
		if sr.Success || !sr.Required {
			continue
		}
		out = append(out, model.StepFail{
			ProjectPath: sr.Project.Path,
			StepType:    sr.Step.Type,
			Summary:     failureSummary(sr),
		})
	}
	return out
}

func failureSummary(sr verify.StepResult) string {
	if sr.TimedOut {
		return "timed out"
	}
	if sr.Stderr != "" {
		return sr.Stderr
	}
	return sr.Stdout
}

// toolchainUnavailable reports whether any required failing step looks
// like a missing toolchain rather than a genuine check failure — an
// exit code of -1 (the process never actually ran, per
// internal/verify's runHost convention) combined with an
// unavailableMarkers match in its captured output.
func toolchainUnavailable(result verify.Result) bool {
	for _, sr := range result.StepResults {
		if sr.Success || !sr.Required {
			continue
		}
		if sr.ExitCode != -1 {
			continue
		}
		combined := strings.ToLower(sr.Stdout + " " + sr.Stderr)
		for _, marker := range unavailableMarkers {
			if strings.Contains(combined, marker) {
				return true
			}
		}
	}
	return false
}

func (c *Controller) publish(storyID string, wave int, gr model.GateResult) {
	if c.Bus == nil {
		return
	}
	c.Bus.Publish(bus.TopicGateEvaluated, bus.GateEvaluatedEvent{
		StoryID: storyID,
		Wave:    wave,
		Passed:  gr.Passed,
		Summary: gr.Summary,
	})
}
