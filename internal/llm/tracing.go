package llm

import (
	"context"

	storyotel "github.com/basket/storyctl/internal/otel"
	"go.opentelemetry.io/otel/trace"
)

// TracingClient wraps a Client with a client span per Complete call,
// grounded on Failover's decorator-over-Client shape. Model is recorded
// as a span attribute rather than discovered per-call since a single
// Client only ever talks to one configured model.
type TracingClient struct {
	Client Client
	Tracer trace.Tracer
	Model  string
}

// NewTracingClient wraps client. Returns client unchanged if tracer is
// nil, so callers can wire it unconditionally.
func NewTracingClient(client Client, tracer trace.Tracer, model string) Client {
	if tracer == nil {
		return client
	}
	return &TracingClient{Client: client, Tracer: tracer, Model: model}
}

func (t *TracingClient) Complete(ctx context.Context, req Request) (Response, error) {
	ctx, span := storyotel.StartClientSpan(ctx, t.Tracer, "llm.complete",
		storyotel.AttrModel.String(t.Model),
	)
	defer span.End()

	resp, err := t.Client.Complete(ctx, req)
	span.SetAttributes(
		storyotel.AttrTokensInput.Int(resp.PromptTokens),
		storyotel.AttrTokensOutput.Int(resp.CompletionTokens),
	)
	if err != nil {
		span.RecordError(err)
	}
	return resp, err
}
