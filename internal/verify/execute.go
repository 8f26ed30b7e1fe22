package verify

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/basket/storyctl/internal/shared"
)

// defaultStepTimeout is used when a VerificationStep carries no explicit
// timeout, mirroring the teacher's defaultShellTimeout fallback.
const defaultStepTimeout = 120 * time.Second

// Engine runs verification steps, optionally inside a docker sandbox.
type Engine struct {
	// Sandbox, when set, is used instead of a direct host exec for
	// projects whose DetectedProject.Type requests containerized
	// execution. Left nil by default (host execution).
	Sandbox ContainerExecutor
}

// ContainerExecutor matches the teacher's DockerSandbox.Exec signature
// exactly, so internal/tools.DockerSandbox can be passed in unmodified.
type ContainerExecutor interface {
	Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error)
}

// New constructs an Engine defaulting to direct host execution.
func New() *Engine { return &Engine{} }

// Verify detects and runs every project under root, returning the
// aggregate Result. Verification is pure with respect to the Store.
func (e *Engine) Verify(ctx context.Context, root string) (Result, error) {
	projects, err := Detect(root)
	if err != nil {
		return Result{}, err
	}

	var results []StepResult
	for _, project := range projects {
		for _, step := range project.Steps {
			results = append(results, e.runStep(ctx, project, step))
		}
	}

	success, summary := summarize(results)
	return Result{Projects: projects, StepResults: results, Success: success, Summary: summary}, nil
}

func (e *Engine) runStep(ctx context.Context, project DetectedProject, step VerificationStep) StepResult {
	timeout := time.Duration(step.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = defaultStepTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr string
	var exitCode int
	var runErr error

	if e.Sandbox != nil {
		stdout, stderr, exitCode, runErr = e.Sandbox.Exec(runCtx, joinCommand(step), step.WorkingDir)
	} else {
		stdout, stderr, exitCode, runErr = runHost(runCtx, step)
	}

	timedOut := runCtx.Err() == context.DeadlineExceeded
	success := runErr == nil && exitCode == 0 && !timedOut

	return StepResult{
		Step:     step,
		Project:  project,
		ExitCode: exitCode,
		Stdout:   shared.Redact(stdout),
		Stderr:   shared.Redact(stderr),
		TimedOut: timedOut,
		Success:  success,
		Required: step.Required,
	}
}

// runHost spawns step's command directly on the host, grounded on
// internal/tools/shell.go's HostExecutor.Exec: CommandContext, buffered
// output, *exec.ExitError for the exit code, process killed on context
// cancellation (timeout or caller-requested).
func runHost(ctx context.Context, step VerificationStep) (stdout, stderr string, exitCode int, err error) {
	cmd := exec.CommandContext(ctx, step.Command, step.Args...)
	cmd.Dir = step.WorkingDir

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	if runErr == nil {
		return outBuf.String(), errBuf.String(), 0, nil
	}
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		return outBuf.String(), errBuf.String(), exitErr.ExitCode(), nil
	}
	return outBuf.String(), errBuf.String(), -1, runErr
}

func joinCommand(step VerificationStep) string {
	cmd := step.Command
	for _, a := range step.Args {
		cmd += " " + a
	}
	return cmd
}
