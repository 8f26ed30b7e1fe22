// Package orchestrator implements the Orchestrator (spec component C8):
// the Story state machine that threads the Store, WorktreeManager,
// Analyzer, Decomposer, Dispatcher, GateController and Finalizer
// together behind the external request surface (spec §6.4).
//
// Grounded on the teacher's internal/engine.Engine as the top-level
// component that owns a worker-pool-shaped concurrency story and wires
// every other component together, and on internal/persistence/store.go's
// lease+CAS pattern for per-Story serialization (here a per-story
// sync.Mutex plus the Store's own version CAS backstop).
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/storyctl/internal/analyzer"
	"github.com/basket/storyctl/internal/bus"
	"github.com/basket/storyctl/internal/decomposer"
	"github.com/basket/storyctl/internal/dispatch"
	"github.com/basket/storyctl/internal/finalize"
	"github.com/basket/storyctl/internal/gate"
	"github.com/basket/storyctl/internal/model"
	"github.com/basket/storyctl/internal/store"
	"github.com/basket/storyctl/internal/verify"
	"github.com/basket/storyctl/internal/worktree"
)

// Error wraps an Orchestrator failure with the closed ErrorKind
// taxonomy (spec §7), matching the Kind/Err shape used by the
// Analyzer, Decomposer and Finalizer.
type Error struct {
	Kind model.ErrorKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("orchestrator: %s: %s", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func invalidState(format string, args ...any) *Error {
	return &Error{Kind: model.ErrorKindInvalidState, Err: fmt.Errorf(format, args...)}
}

// Verifier is the subset of internal/verify.Engine the Orchestrator
// needs for the standalone `verify` request (spec §6.4), independent
// of any Story.
type Verifier interface {
	Verify(ctx context.Context, root string) (verify.Result, error)
}

// Orchestrator is the C8 implementation. Every field is a concrete
// collaborator type rather than a narrow interface, matching the
// teacher's internal/engine.Engine, which wires persistence.Store,
// policy.Checker etc. directly rather than behind local interfaces.
type Orchestrator struct {
	Store      *store.Store
	Worktree   *worktree.Manager
	Analyzer   *analyzer.Analyzer
	Decomposer *decomposer.Decomposer
	Dispatcher *dispatch.Dispatcher
	Gate       *gate.Controller
	Finalizer  *finalize.Finalizer
	Verifier   Verifier
	Bus        *bus.Bus
	Log        *slog.Logger

	locks       sync.Map // story id -> *sync.Mutex
	cancelFuncs sync.Map // story id -> context.CancelFunc, set only while a run is in flight
}

// New builds an Orchestrator. logger may be nil.
func New(s *store.Store, wt *worktree.Manager, an *analyzer.Analyzer, de *decomposer.Decomposer,
	di *dispatch.Dispatcher, ga *gate.Controller, fi *finalize.Finalizer, verifier Verifier, b *bus.Bus, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		Store: s, Worktree: wt, Analyzer: an, Decomposer: de,
		Dispatcher: di, Gate: ga, Finalizer: fi, Verifier: verifier, Bus: b, Log: logger,
	}
}

// lock acquires the in-process per-story mutex and returns a function
// that releases it. It is the single-writer-per-story enforcement
// named in spec §5; the Store's version CAS is the cross-process
// backstop behind it.
func (o *Orchestrator) lock(id string) func() {
	v, _ := o.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// CreateStoryParams mirrors the createStory request argument (spec §6.4).
type CreateStoryParams struct {
	Title          string
	Description    string
	RepositoryPath string
	AutomationMode model.AutomationMode
	IssueURL       string
	DispatchTarget string
	MaxParallelism int
	GateMode       model.GateMode
}

// defaultDispatchTarget names the executor registered under C6's
// in-process cooperative executor (spec §6.2) when a Story does not
// pick one explicitly.
const defaultDispatchTarget = "cooperative"

// CreateStory implements the createStory request.
func (o *Orchestrator) CreateStory(ctx context.Context, p CreateStoryParams) (model.Story, error) {
	dispatchTarget := p.DispatchTarget
	if dispatchTarget == "" {
		dispatchTarget = defaultDispatchTarget
	}
	story := model.Story{
		Title:          p.Title,
		Description:    p.Description,
		RepositoryPath: p.RepositoryPath,
		IssueURL:       p.IssueURL,
		AutomationMode: p.AutomationMode,
		DispatchTarget: dispatchTarget,
		MaxParallelism: p.MaxParallelism,
		GateMode:       p.GateMode,
	}
	return o.Store.Create(ctx, story)
}

// ListStories implements the listStories request.
func (o *Orchestrator) ListStories(ctx context.Context, filter store.ListFilter) ([]model.Story, error) {
	return o.Store.List(ctx, filter)
}

// GetStory implements the getStory request, always returning Steps.
func (o *Orchestrator) GetStory(ctx context.Context, id string) (model.Story, error) {
	return o.Store.GetByIDWithSteps(ctx, id)
}

// DeleteStory implements the deleteStory request: worktree teardown is
// attempted first but a failure there never blocks row deletion (spec
// §4.2 failure semantics put that entirely on the caller's plate, and
// the caller here is the Orchestrator itself).
func (o *Orchestrator) DeleteStory(ctx context.Context, id string) error {
	unlock := o.lock(id)
	defer unlock()

	story, err := o.Store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if _, err := o.Worktree.DestroyWorktree(ctx, story); err != nil {
		o.Log.Warn("orchestrator: worktree teardown failed during delete, deleting story anyway", "story_id", id, "error", err)
	}
	if err := o.Store.Delete(ctx, id); err != nil {
		return err
	}
	o.locks.Delete(id)
	return nil
}

// maxWave returns the highest Wave number across a Story's Steps, or 0
// for a Story that has not been planned yet.
func maxWave(steps []model.Step) int {
	max := 0
	for _, s := range steps {
		if s.Wave > max {
			max = s.Wave
		}
	}
	return max
}
