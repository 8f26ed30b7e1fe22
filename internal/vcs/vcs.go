// Package vcs wraps the git CLI with the timeout-kill subprocess pattern
// the teacher uses for every external command it shells out to
// (internal/tools/shell.go's HostExecutor). It is the low-level plumbing
// consumed by internal/worktree (C2) and internal/finalize (C9) — neither
// of which invokes exec.Command directly.
package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/basket/storyctl/internal/shared"
)

// DefaultTimeout bounds any single git invocation, mirroring the
// teacher's defaultShellTimeout/maxShellTimeout split.
const DefaultTimeout = 60 * time.Second

// Git runs git commands rooted at a repository path.
type Git struct {
	// Timeout bounds each invocation; zero means DefaultTimeout.
	Timeout time.Duration
}

// Result is the captured outcome of one git invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Run executes `git <args...>` with dir as the working directory,
// killing the process if ctx is cancelled or the timeout elapses —
// grounded on HostExecutor.Exec's CommandContext + buffer-capture shape.
func (g *Git) Run(ctx context.Context, dir string, args ...string) (Result, error) {
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "git", args...)
	cmd.Dir = dir

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	res := Result{
		Stdout: shared.Redact(strings.TrimSpace(outBuf.String())),
		Stderr: shared.Redact(strings.TrimSpace(errBuf.String())),
	}
	if runErr == nil {
		res.ExitCode = 0
		return res, nil
	}
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		res.ExitCode = exitErr.ExitCode()
		return res, fmt.Errorf("git %s: %s", strings.Join(args, " "), res.Stderr)
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return res, fmt.Errorf("git %s: timed out after %s", strings.Join(args, " "), timeout)
	}
	res.ExitCode = -1
	return res, fmt.Errorf("git %s: %w", strings.Join(args, " "), runErr)
}

// DefaultBranch returns the repository's configured default branch
// (origin/HEAD), falling back to "main" when the remote has not set one
// (common for freshly-initialized local repos used in tests).
func (g *Git) DefaultBranch(ctx context.Context, repoPath string) (string, error) {
	res, err := g.Run(ctx, repoPath, "symbolic-ref", "--short", "refs/remotes/origin/HEAD")
	if err != nil {
		return "main", nil
	}
	branch := strings.TrimPrefix(res.Stdout, "origin/")
	if branch == "" {
		return "main", nil
	}
	return branch, nil
}

// AddWorktree creates a new worktree at path on a fresh branch checked
// out from base, creating the branch if it does not already exist.
func (g *Git) AddWorktree(ctx context.Context, repoPath, path, branch, base string) error {
	_, err := g.Run(ctx, repoPath, "worktree", "add", "-b", branch, path, base)
	if err != nil {
		return fmt.Errorf("add worktree: %w", err)
	}
	return nil
}

// RemoveWorktree removes a worktree and, when force is true, discards
// any uncommitted changes in it.
func (g *Git) RemoveWorktree(ctx context.Context, repoPath, path string, force bool) error {
	args := []string{"worktree", "remove", path}
	if force {
		args = append(args, "--force")
	}
	if _, err := g.Run(ctx, repoPath, args...); err != nil {
		return fmt.Errorf("remove worktree: %w", err)
	}
	return nil
}

// DeleteBranch removes a local branch, e.g. after its worktree has been
// torn down post-finalize.
func (g *Git) DeleteBranch(ctx context.Context, repoPath, branch string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	if _, err := g.Run(ctx, repoPath, "branch", flag, branch); err != nil {
		return fmt.Errorf("delete branch: %w", err)
	}
	return nil
}

// CommitAll stages every change in worktreePath and commits it, returning
// true if a commit was created (false when there was nothing to commit).
func (g *Git) CommitAll(ctx context.Context, worktreePath, message string) (bool, error) {
	if _, err := g.Run(ctx, worktreePath, "add", "-A"); err != nil {
		return false, fmt.Errorf("stage changes: %w", err)
	}
	status, err := g.Run(ctx, worktreePath, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("check status: %w", err)
	}
	if status.Stdout == "" {
		return false, nil
	}
	if _, err := g.Run(ctx, worktreePath, "commit", "-m", message); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// Push pushes branch to remote, setting the upstream on first push.
func (g *Git) Push(ctx context.Context, worktreePath, remote, branch string) error {
	if _, err := g.Run(ctx, worktreePath, "push", "-u", remote, branch); err != nil {
		return fmt.Errorf("push: %w", err)
	}
	return nil
}

// SquashMessages folds message history into one commit message used
// when finalize squashes a Story's per-Step commits before opening a
// pull request (spec §4.9).
func SquashMessages(title string, stepNames []string) string {
	var b strings.Builder
	b.WriteString(title)
	b.WriteString("\n\n")
	for _, name := range stepNames {
		b.WriteString("- ")
		b.WriteString(name)
		b.WriteString("\n")
	}
	return b.String()
}
