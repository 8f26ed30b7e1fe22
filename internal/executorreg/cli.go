package executorreg

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/basket/storyctl/internal/shared"
)

// CLIExecutor is the out-of-process reference Executor (spec §6.2): it
// spawns an external agent binary, writes the prompt to its stdin,
// streams its stdout/stderr into the Step's Output/Error, and uses its
// exit code as success. Grounded on internal/tools/shell.go's
// HostExecutor.Exec (CommandContext, buffered capture, *exec.ExitError
// exit-code extraction) — the same process-exec idiom internal/vcs and
// internal/verify already reuse for their own subprocess calls.
type CLIExecutor struct {
	Command  string
	Args     []string
	Deadline time.Duration // 0 disables the self-termination deadline
}

// NewCLIExecutor builds a CLIExecutor that spawns command with args,
// self-terminating after deadline if it is positive.
func NewCLIExecutor(command string, args []string, deadline time.Duration) *CLIExecutor {
	return &CLIExecutor{Command: command, Args: args, Deadline: deadline}
}

// Execute runs the configured command with workDir as its working
// directory, writing prompt to stdin.
func (c *CLIExecutor) Execute(ctx context.Context, workDir, prompt string, execCtx ExecutionContext) (Result, error) {
	runCtx := ctx
	if c.Deadline > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Deadline)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, c.Command, c.Args...)
	if workDir != "" {
		cmd.Dir = workDir
	}
	cmd.Stdin = bytes.NewBufferString(prompt)
	cmd.Env = append(cmd.Environ(),
		"STORYCTL_STORY_ID="+execCtx.StoryID,
		"STORYCTL_STEP_ID="+execCtx.StepID,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	out := shared.Redact(stdout.String())
	errOut := shared.Redact(stderr.String())

	if runErr == nil {
		return Result{Success: true, Output: out}, nil
	}

	if exitErr, ok := runErr.(*exec.ExitError); ok {
		return Result{Success: false, Output: out, Error: fmt.Sprintf("exit code %d: %s", exitErr.ExitCode(), errOut)}, nil
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return Result{Success: false, Output: out, Error: "executor deadline exceeded"}, nil
	}

	return Result{Success: false, Error: runErr.Error()}, runErr
}
