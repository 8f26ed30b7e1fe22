package executorreg

import (
	"context"

	"github.com/basket/storyctl/internal/llm"
)

// CooperativeExecutor is the in-process reference Executor (spec
// §6.2): it runs a Step by completing a single LLM prompt, grounded on
// internal/engine/brain.go's Respond call narrowed to the stateless
// internal/llm.Client.Complete this module already exposes — no local
// tool registry is wired in, since a Step's worktree edits are expected
// to come back as the completion's text output rather than live tool
// calls in this reference implementation.
type CooperativeExecutor struct {
	LLM llm.Client
}

// NewCooperativeExecutor builds a CooperativeExecutor over client.
func NewCooperativeExecutor(client llm.Client) *CooperativeExecutor {
	return &CooperativeExecutor{LLM: client}
}

// Execute completes prompt and reports the response text as output.
// workDir is informational only for this executor — it has no
// filesystem access of its own, unlike CLIExecutor.
func (c *CooperativeExecutor) Execute(ctx context.Context, workDir, prompt string, execCtx ExecutionContext) (Result, error) {
	resp, err := c.LLM.Complete(ctx, llm.Request{
		SystemPrompt: cooperativeSystemPrompt,
		Prompt:       prompt,
	})
	if err != nil {
		return Result{Success: false, Error: err.Error()}, err
	}
	return Result{Success: true, Output: resp.Text}, nil
}

const cooperativeSystemPrompt = `You are completing one work item of a larger software change.
Describe precisely what you changed and why. Assume your output is read by an automated verification step next.`
