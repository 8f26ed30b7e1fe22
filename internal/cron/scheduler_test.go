package cron_test

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/storyctl/internal/cron"
)

// waitFor polls check at short intervals until it returns true or the
// deadline elapses, avoiding fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

type countingRecoverer struct {
	calls   int32
	recover int
	err     error
}

func (c *countingRecoverer) RecoverStories(ctx context.Context) (int, error) {
	atomic.AddInt32(&c.calls, 1)
	return c.recover, c.err
}

func TestScheduler_TicksOnInterval(t *testing.T) {
	rec := &countingRecoverer{}
	sched, err := cron.NewScheduler(cron.Config{
		Orchestrator: rec,
		Logger:       slog.Default(),
		Interval:     20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.Start(context.Background())
	defer sched.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return atomic.LoadInt32(&rec.calls) >= 3
	})
}

func TestScheduler_FiresImmediatelyOnStart(t *testing.T) {
	rec := &countingRecoverer{}
	sched, err := cron.NewScheduler(cron.Config{
		Orchestrator: rec,
		Logger:       slog.Default(),
		Interval:     time.Hour,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.Start(context.Background())
	defer sched.Stop()

	waitFor(t, time.Second, func() bool {
		return atomic.LoadInt32(&rec.calls) >= 1
	})
}

func TestScheduler_StopHaltsTicking(t *testing.T) {
	rec := &countingRecoverer{}
	sched, err := cron.NewScheduler(cron.Config{
		Orchestrator: rec,
		Logger:       slog.Default(),
		Interval:     20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.Start(context.Background())

	waitFor(t, time.Second, func() bool {
		return atomic.LoadInt32(&rec.calls) >= 1
	})
	sched.Stop()

	afterStop := atomic.LoadInt32(&rec.calls)
	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&rec.calls) != afterStop {
		t.Fatalf("expected no further ticks after Stop, calls went from %d to %d", afterStop, atomic.LoadInt32(&rec.calls))
	}
}

func TestScheduler_RecoveryErrorDoesNotStopTheLoop(t *testing.T) {
	rec := &countingRecoverer{err: fmt.Errorf("store unavailable")}
	sched, err := cron.NewScheduler(cron.Config{
		Orchestrator: rec,
		Logger:       slog.Default(),
		Interval:     20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.Start(context.Background())
	defer sched.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return atomic.LoadInt32(&rec.calls) >= 3
	})
}

func TestScheduler_AcceptsACronExpression(t *testing.T) {
	rec := &countingRecoverer{}
	sched, err := cron.NewScheduler(cron.Config{
		Orchestrator: rec,
		Logger:       slog.Default(),
		Schedule:     "*/1 * * * *",
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if sched == nil {
		t.Fatal("expected a non-nil scheduler")
	}
}

func TestScheduler_RejectsAnInvalidCronExpression(t *testing.T) {
	_, err := cron.NewScheduler(cron.Config{
		Orchestrator: &countingRecoverer{},
		Schedule:     "not a cron expression",
	})
	if err == nil {
		t.Fatal("expected an error for an invalid cron expression")
	}
}
