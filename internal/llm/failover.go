package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// circuitBreaker tracks consecutive failures for one provider, ported
// from internal/engine/failover.go's CircuitBreaker.
type circuitBreaker struct {
	failures    int
	lastFailure time.Time
	tripped     bool
}

type namedClient struct {
	name   string
	client Client
}

// Failover wraps a primary Client with ordered fallbacks and
// per-provider circuit breakers, grounded on the teacher's
// FailoverBrain. Auth/billing failures still count toward tripping a
// breaker, but a context-overflow failure short-circuits the whole
// chain immediately since a bigger prompt will not fit any provider.
type Failover struct {
	candidates []namedClient
	breakers   map[string]*circuitBreaker

	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
}

// NewFailover builds a Failover trying primary first, then fallbacks in
// order.
func NewFailover(primaryName string, primary Client, fallbacks map[string]Client) *Failover {
	candidates := []namedClient{{name: primaryName, client: primary}}
	for name, c := range fallbacks {
		candidates = append(candidates, namedClient{name: name, client: c})
	}
	breakers := make(map[string]*circuitBreaker, len(candidates))
	for _, c := range candidates {
		breakers[c.name] = &circuitBreaker{}
	}
	return &Failover{candidates: candidates, breakers: breakers, threshold: 5, cooldown: 5 * time.Minute}
}

// Complete tries each candidate in order, skipping any whose breaker is
// currently tripped.
func (f *Failover) Complete(ctx context.Context, req Request) (Response, error) {
	var lastErr error
	for _, c := range f.candidates {
		if f.isTripped(c.name) {
			slog.Info("llm failover: skipping tripped provider", "provider", c.name)
			continue
		}

		resp, err := c.client.Complete(ctx, req)
		if err == nil {
			f.recordSuccess(c.name)
			return resp, nil
		}

		lastErr = err
		f.recordFailure(c.name)
		class := ClassifyError(err)
		slog.Warn("llm failover: provider failed", "provider", c.name, "error_class", string(class), "error", err)

		if class == ErrorClassContextOverflow {
			return Response{}, fmt.Errorf("%w: context overflow from %s: %s", ErrUnavailable, c.name, err)
		}
	}
	if lastErr == nil {
		return Response{}, ErrUnavailable
	}
	return Response{}, fmt.Errorf("%w: all providers failed, last error: %s", ErrUnavailable, lastErr)
}

func (f *Failover) isTripped(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.breakers[name]
	if b == nil || !b.tripped {
		return false
	}
	if time.Since(b.lastFailure) > f.cooldown {
		b.tripped = false
		b.failures = 0
		return false
	}
	return true
}

func (f *Failover) recordSuccess(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b := f.breakers[name]; b != nil {
		b.failures = 0
		b.tripped = false
	}
}

func (f *Failover) recordFailure(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.breakers[name]
	if b == nil {
		return
	}
	b.failures++
	b.lastFailure = time.Now()
	if b.failures >= f.threshold {
		b.tripped = true
	}
}
