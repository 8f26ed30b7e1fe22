package orchestrator_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/storyctl/internal/analyzer"
	"github.com/basket/storyctl/internal/decomposer"
	"github.com/basket/storyctl/internal/dispatch"
	"github.com/basket/storyctl/internal/executorreg"
	"github.com/basket/storyctl/internal/finalize"
	"github.com/basket/storyctl/internal/gate"
	"github.com/basket/storyctl/internal/githost"
	"github.com/basket/storyctl/internal/llm"
	"github.com/basket/storyctl/internal/model"
	"github.com/basket/storyctl/internal/orchestrator"
	"github.com/basket/storyctl/internal/store"
	"github.com/basket/storyctl/internal/vcs"
	"github.com/basket/storyctl/internal/verify"
	"github.com/basket/storyctl/internal/worktree"
)

type fakeLLM struct {
	responses []string
	calls     int
}

func (f *fakeLLM) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	idx := f.calls
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	f.calls++
	return llm.Response{Text: f.responses[idx]}, nil
}

type fakeExecutor struct{}

func (fakeExecutor) Execute(ctx context.Context, workDir, prompt string, execCtx executorreg.ExecutionContext) (executorreg.Result, error) {
	return executorreg.Result{Success: true, Output: "done: " + prompt}, nil
}

type fakeVerifier struct {
	passed bool
}

func (f *fakeVerifier) Verify(ctx context.Context, root string) (verify.Result, error) {
	if f.passed {
		return verify.Result{Success: true, Summary: "2/2 steps passed"}, nil
	}
	return verify.Result{
		Success: false,
		Summary: "1 required failures",
		StepResults: []verify.StepResult{
			{Required: true, Success: false, ExitCode: 1, Stderr: "build failed"},
		},
	}, nil
}

type fakeGit struct{}

func (fakeGit) CommitAll(ctx context.Context, worktreePath, message string) (bool, error) {
	return true, nil
}
func (fakeGit) Push(ctx context.Context, worktreePath, remote, branch string) error { return nil }
func (fakeGit) DefaultBranch(ctx context.Context, repoPath string) (string, error)  { return "main", nil }
func (fakeGit) Run(ctx context.Context, dir string, args ...string) (vcs.Result, error) {
	return vcs.Result{}, nil
}

const analyzedResponse = `{
	"summary": "add a health endpoint",
	"coreRequirements": ["expose /healthz"],
	"suggestedApproach": "add a handler and wire it into the router"
}`

// testHarness wires a complete Orchestrator the way a real deployment
// would, substituting fakes only at the three external boundaries
// (LLM, Executor, Verifier) the way analyzer_test.go/dispatch_test.go
// already do individually.
type testHarness struct {
	orc  *orchestrator.Orchestrator
	repo string
	llm  *fakeLLM
	gate *fakeVerifier
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	repo := initRepo(t)

	dbPath := filepath.Join(t.TempDir(), "storyctl.db")
	s, err := store.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	wt := worktree.New(s, nil)

	fl := &fakeLLM{}
	an, err := analyzer.New(fl, nil)
	if err != nil {
		t.Fatalf("new analyzer: %v", err)
	}
	de, err := decomposer.New(fl)
	if err != nil {
		t.Fatalf("new decomposer: %v", err)
	}

	registry := executorreg.New()
	registry.Register("cooperative", fakeExecutor{})
	disp := dispatch.New(s, registry, nil)

	fv := &fakeVerifier{passed: true}
	ga := gate.New(fv, nil)

	fin := finalize.New(fakeGit{}, githost.Client(nil))

	orc := orchestrator.New(s, wt, an, de, disp, ga, fin, verify.New(), nil, nil)
	return &testHarness{orc: orc, repo: repo, llm: fl, gate: fv}
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	g := &vcs.Git{}
	ctx := context.Background()
	run := func(args ...string) {
		if _, err := g.Run(ctx, dir, args...); err != nil {
			t.Fatalf("git %v: %v", args, err)
		}
	}
	run("init", "-q")
	run("config", "user.email", "storyctl@example.com")
	run("config", "user.name", "storyctl")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("write readme: %v", err)
	}
	run("add", "-A")
	run("commit", "-q", "-m", "initial commit")
	return dir
}

func TestOrchestrator_FullLifecycleReachesCompleted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.llm.responses = []string{analyzedResponse, `[
		{"id": "a", "title": "add handler", "description": "add /healthz handler"},
		{"id": "b", "title": "wire router", "description": "register route", "dependsOn": ["a"]}
	]`}

	created, err := h.orc.CreateStory(ctx, orchestrator.CreateStoryParams{
		Title: "Add health endpoint", RepositoryPath: h.repo,
		AutomationMode: model.AutomationFullAutonomous, GateMode: model.GateModeAutoProceed,
	})
	if err != nil {
		t.Fatalf("create story: %v", err)
	}

	analyzed, err := h.orc.AnalyzeStory(ctx, created.ID)
	if err != nil {
		t.Fatalf("analyze story: %v", err)
	}
	if analyzed.Status != model.StatusAnalyzed {
		t.Fatalf("expected Analyzed, got %s", analyzed.Status)
	}

	planned, err := h.orc.PlanStory(ctx, created.ID, decomposer.Config{MaxParallelism: 2})
	if err != nil {
		t.Fatalf("plan story: %v", err)
	}
	if planned.Status != model.StatusPlanned || len(planned.Steps) != 2 {
		t.Fatalf("expected Planned with 2 steps, got %s / %d steps", planned.Status, len(planned.Steps))
	}

	final, outcome, err := h.orc.RunStory(ctx, created.ID)
	if err != nil {
		t.Fatalf("run story: %v", err)
	}
	if final.Status != model.StatusCompleted {
		t.Fatalf("expected Completed, got %s (error=%q)", final.Status, final.Error)
	}
	if final.CompletedAt == nil {
		t.Fatalf("expected completedAt to be set")
	}
	if len(outcome.CompletedStepIDs) == 0 && len(outcome.StartedStepIDs) == 0 {
		t.Fatalf("expected the final wave's outcome to be non-empty, got %+v", outcome)
	}
}

func TestOrchestrator_AnalyzeStoryIsIdempotentOnceAnalyzed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.llm.responses = []string{analyzedResponse}

	created, err := h.orc.CreateStory(ctx, orchestrator.CreateStoryParams{Title: "t", RepositoryPath: h.repo})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	first, err := h.orc.AnalyzeStory(ctx, created.ID)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}

	again, err := h.orc.AnalyzeStory(ctx, created.ID)
	if err != nil {
		t.Fatalf("analyze again: %v", err)
	}
	if again.Version != first.Version {
		t.Fatalf("expected no-op re-analyze to leave version unchanged, got %d vs %d", again.Version, first.Version)
	}
}

func TestOrchestrator_PlanStoryRejectsUnanalyzedStory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.orc.CreateStory(ctx, orchestrator.CreateStoryParams{Title: "t", RepositoryPath: h.repo})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.orc.PlanStory(ctx, created.ID, decomposer.Config{}); err == nil {
		t.Fatalf("expected plan on a Created story to fail")
	}
}

func TestOrchestrator_RunStoryRejectsUnplannedStory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.orc.CreateStory(ctx, orchestrator.CreateStoryParams{Title: "t", RepositoryPath: h.repo})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := h.orc.RunStory(ctx, created.ID); err == nil {
		t.Fatalf("expected run on a Created story to fail")
	}
}

func TestOrchestrator_ApproveStepUnblocksAssistedDispatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.llm.responses = []string{analyzedResponse, `[{"id": "a", "title": "add handler", "description": "add /healthz handler"}]`}

	created, err := h.orc.CreateStory(ctx, orchestrator.CreateStoryParams{
		Title: "t", RepositoryPath: h.repo, AutomationMode: model.AutomationAssisted,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.orc.AnalyzeStory(ctx, created.ID); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	planned, err := h.orc.PlanStory(ctx, created.ID, decomposer.Config{MaxParallelism: 1})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	if _, err := h.orc.ApproveStep(ctx, created.ID, planned.Steps[0].ID, true, "looks good"); err != nil {
		t.Fatalf("approve step: %v", err)
	}

	final, _, err := h.orc.RunStory(ctx, created.ID)
	if err != nil {
		t.Fatalf("run story: %v", err)
	}
	if final.Status != model.StatusCompleted {
		t.Fatalf("expected Completed after approval, got %s (error=%q)", final.Status, final.Error)
	}
}

func TestOrchestrator_GateFailureThenRemediationCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.llm.responses = []string{analyzedResponse, `[{"id": "a", "title": "add handler", "description": "add /healthz handler"}]`}
	h.gate.passed = false

	created, err := h.orc.CreateStory(ctx, orchestrator.CreateStoryParams{
		Title: "t", RepositoryPath: h.repo, AutomationMode: model.AutomationFullAutonomous,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.orc.AnalyzeStory(ctx, created.ID); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if _, err := h.orc.PlanStory(ctx, created.ID, decomposer.Config{MaxParallelism: 1}); err != nil {
		t.Fatalf("plan: %v", err)
	}

	failed, _, err := h.orc.RunStory(ctx, created.ID)
	if err != nil {
		t.Fatalf("run story: %v", err)
	}
	if failed.Status != model.StatusGateFailed {
		t.Fatalf("expected GateFailed, got %s", failed.Status)
	}

	h.gate.passed = true
	completed, _, err := h.orc.RunStory(ctx, created.ID)
	if err != nil {
		t.Fatalf("run story (remediate): %v", err)
	}
	if completed.Status != model.StatusCompleted {
		t.Fatalf("expected Completed after remediation, got %s", completed.Status)
	}
}

func TestOrchestrator_PauseAlwaysRequiresResumeGateBetweenWaves(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.llm.responses = []string{analyzedResponse, `[
		{"id": "a", "title": "add handler", "description": "add /healthz handler"},
		{"id": "b", "title": "wire router", "description": "register route", "dependsOn": ["a"]}
	]`}

	created, err := h.orc.CreateStory(ctx, orchestrator.CreateStoryParams{
		Title: "t", RepositoryPath: h.repo,
		AutomationMode: model.AutomationFullAutonomous, GateMode: model.GateModePauseAlways,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.orc.AnalyzeStory(ctx, created.ID); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	planned, err := h.orc.PlanStory(ctx, created.ID, decomposer.Config{MaxParallelism: 2})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(planned.Steps) != 2 {
		t.Fatalf("expected 2 steps across 2 waves, got %d", len(planned.Steps))
	}

	afterWave1, _, err := h.orc.RunStory(ctx, created.ID)
	if err != nil {
		t.Fatalf("run story (wave 1): %v", err)
	}
	if afterWave1.Status != model.StatusGatePending || afterWave1.CurrentWave != 1 {
		t.Fatalf("expected GatePending still on wave 1 after PAUSE_ALWAYS, got %s / wave %d", afterWave1.Status, afterWave1.CurrentWave)
	}

	// A plain runStory call must not itself unpause the story: only an
	// explicit resumeGate does.
	reChecked, _, err := h.orc.RunStory(ctx, created.ID)
	if err != nil {
		t.Fatalf("run story (re-check): %v", err)
	}
	if reChecked.Status != model.StatusGatePending || reChecked.CurrentWave != 1 {
		t.Fatalf("expected runStory to leave a PAUSE_ALWAYS story paused on wave 1, got %s / wave %d", reChecked.Status, reChecked.CurrentWave)
	}

	resumed, err := h.orc.ResumeGate(ctx, created.ID)
	if err != nil {
		t.Fatalf("resume gate: %v", err)
	}
	if resumed.Status != model.StatusExecuting || resumed.CurrentWave != 2 {
		t.Fatalf("expected resumeGate to advance to Executing wave 2, got %s / wave %d", resumed.Status, resumed.CurrentWave)
	}

	afterWave2, _, err := h.orc.RunStory(ctx, created.ID)
	if err != nil {
		t.Fatalf("run story (wave 2): %v", err)
	}
	if afterWave2.Status != model.StatusGatePending || afterWave2.CurrentWave != 2 {
		t.Fatalf("expected GatePending paused on the last wave, got %s / wave %d", afterWave2.Status, afterWave2.CurrentWave)
	}

	completed, err := h.orc.ResumeGate(ctx, created.ID)
	if err != nil {
		t.Fatalf("resume gate (final): %v", err)
	}
	if completed.Status != model.StatusCompleted {
		t.Fatalf("expected resumeGate on the last wave to finalize the story, got %s (error=%q)", completed.Status, completed.Error)
	}
}

func TestOrchestrator_CancelStoryIsIdempotentOnTerminalStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.orc.CreateStory(ctx, orchestrator.CreateStoryParams{Title: "t", RepositoryPath: h.repo})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	cancelled, err := h.orc.CancelStory(ctx, created.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != model.StatusCancelled {
		t.Fatalf("expected Cancelled, got %s", cancelled.Status)
	}

	again, err := h.orc.CancelStory(ctx, created.ID)
	if err != nil {
		t.Fatalf("cancel again: %v", err)
	}
	if again.Version != cancelled.Version {
		t.Fatalf("expected no-op re-cancel to leave version unchanged")
	}
}

func TestOrchestrator_FinalizeStoryRejectsWithoutPassingGate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.llm.responses = []string{analyzedResponse, `[{"id": "a", "title": "add handler", "description": "add /healthz handler"}]`}
	h.gate.passed = false

	created, err := h.orc.CreateStory(ctx, orchestrator.CreateStoryParams{
		Title: "t", RepositoryPath: h.repo, AutomationMode: model.AutomationFullAutonomous,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.orc.AnalyzeStory(ctx, created.ID); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if _, err := h.orc.PlanStory(ctx, created.ID, decomposer.Config{MaxParallelism: 1}); err != nil {
		t.Fatalf("plan: %v", err)
	}
	if _, _, err := h.orc.RunStory(ctx, created.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	if _, err := h.orc.FinalizeStory(ctx, created.ID, finalize.Options{}); err == nil {
		t.Fatalf("expected finalize to fail without a passing gate")
	}
}

func TestOrchestrator_RecoverStoriesResetsInterruptedExecution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.llm.responses = []string{analyzedResponse, `[{"id": "a", "title": "add handler", "description": "add /healthz handler"}]`}

	created, err := h.orc.CreateStory(ctx, orchestrator.CreateStoryParams{
		Title: "t", RepositoryPath: h.repo, AutomationMode: model.AutomationFullAutonomous,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.orc.AnalyzeStory(ctx, created.ID); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	planned, err := h.orc.PlanStory(ctx, created.ID, decomposer.Config{MaxParallelism: 1})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	// Simulate a crash mid-wave: Story Executing, its one Step Running.
	planned.Status = model.StatusExecuting
	if _, err := storeFor(h).Update(ctx, planned); err != nil {
		t.Fatalf("force executing: %v", err)
	}
	step := planned.Steps[0]
	step.Status = model.StepRunning
	if _, err := storeFor(h).UpdateStep(ctx, step); err != nil {
		t.Fatalf("force running step: %v", err)
	}

	recovered, err := h.orc.RecoverStories(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("expected exactly 1 recovered story, got %d", recovered)
	}

	got, err := h.orc.GetStory(ctx, created.ID)
	if err != nil {
		t.Fatalf("get story: %v", err)
	}
	if got.Status != model.StatusGatePending {
		t.Fatalf("expected GatePending after recovery, got %s", got.Status)
	}
	if got.Steps[0].Status != model.StepFailed || got.Steps[0].Error != "interrupted" {
		t.Fatalf("expected interrupted step, got %+v", got.Steps[0])
	}
}

func TestOrchestrator_ExportArtifactsWritesMarkdown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.llm.responses = []string{analyzedResponse, `[{"id": "a", "title": "add handler", "description": "add /healthz handler"}]`}

	created, err := h.orc.CreateStory(ctx, orchestrator.CreateStoryParams{
		Title: "t", RepositoryPath: h.repo, AutomationMode: model.AutomationFullAutonomous,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.orc.AnalyzeStory(ctx, created.ID); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if _, err := h.orc.PlanStory(ctx, created.ID, decomposer.Config{MaxParallelism: 1}); err != nil {
		t.Fatalf("plan: %v", err)
	}

	out := t.TempDir()
	result, err := h.orc.ExportArtifacts(ctx, created.ID, out, nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(result.Exported) != 3 {
		t.Fatalf("expected 3 exported artifacts, got %+v", result.Exported)
	}
	for _, a := range result.Exported {
		if _, err := os.Stat(a.Path); err != nil {
			t.Fatalf("expected %s to exist: %v", a.Path, err)
		}
	}
}

// storeFor reaches the harness's underlying Store to simulate out-of-band
// crash state for the recovery test; the Orchestrator itself never
// exposes its Store as mutable test surface beyond GetStory/ListStories.
func storeFor(h *testHarness) *store.Store {
	return h.orc.Store
}
