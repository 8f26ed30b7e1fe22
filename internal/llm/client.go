// Package llm is the multi-provider completion client (spec §6.1) used
// by the Analyzer (C4) and Decomposer (C5). It is grounded on the
// teacher's internal/engine package: NewGenkitBrain's per-provider
// plugin wiring, failover.go's circuit-breaker fallback chain, and
// structured.go's JSON Schema response validation — narrowed from a
// chat-turn Brain (history, skills, tool-calling) down to a single
// stateless Complete call, since the orchestrator never carries
// multi-turn conversation state.
package llm

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when every configured provider failed to
// produce a completion (spec's llm_unavailable error kind).
var ErrUnavailable = errors.New("llm: no provider available")

// Request is one completion request.
type Request struct {
	SystemPrompt string
	Prompt       string
}

// Response is a successful completion result, including the usage
// figures the Dispatcher persists onto Step.CostUSD/PromptTokens/
// CompletionTokens (grounded on the teacher's StepResult.CostUSD and
// TaskMetricsEvent token accounting).
type Response struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
}

// Client is the completion contract every provider and the Failover
// wrapper implement.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}
