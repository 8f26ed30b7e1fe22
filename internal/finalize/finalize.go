// Package finalize implements the Finalizer (spec component C9, §4.9):
// commit, optional squash, optional push + pull request, and marking a
// Story Completed. Grounded stylistically on internal/tools/docker.go's
// subprocess pattern one level removed — here it is internal/vcs.Git
// that owns the subprocess calls, and finalize.Finalizer only sequences
// them — each bounded by vcs's own context timeout with captured
// stderr for diagnostics.
package finalize

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/storyctl/internal/githost"
	"github.com/basket/storyctl/internal/model"
	"github.com/basket/storyctl/internal/vcs"
)

// Error wraps any finalize failure with model.ErrorKindFinalizeFailure,
// matching the Kind/Err shape used by the Analyzer and Decomposer.
type Error struct {
	Kind model.ErrorKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("finalize: %s: %s", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func newError(err error) *Error {
	return &Error{Kind: model.ErrorKindFinalizeFailure, Err: err}
}

// Options controls one Finalize call, mirroring the finalizeStory
// request surface (spec §6.4).
type Options struct {
	CommitMessage     string
	Squash            bool
	Push              bool
	RemoteName        string // defaults to "origin"
	BaseBranch        string // defaults to the repo's default branch
	CreatePullRequest bool
	Repo              string // "owner/name", required when CreatePullRequest is set
	PRTitle           string
	PRBody            string
	Draft             bool
}

// Git is the subset of internal/vcs.Git the Finalizer depends on.
type Git interface {
	CommitAll(ctx context.Context, worktreePath, message string) (bool, error)
	Push(ctx context.Context, worktreePath, remote, branch string) error
	DefaultBranch(ctx context.Context, repoPath string) (string, error)
	Run(ctx context.Context, dir string, args ...string) (vcs.Result, error)
}

// Finalizer is the C9 implementation.
type Finalizer struct {
	Git     Git
	GitHost githost.Client
}

// New builds a Finalizer. host may be nil when CreatePullRequest is
// never requested.
func New(git Git, host githost.Client) *Finalizer {
	return &Finalizer{Git: git, GitHost: host}
}

// Finalize runs the commit/squash/push/PR sequence against story and
// returns the Story with completedAt/pullRequestUrl/status updated.
// It never mutates the Store itself; the caller (the Orchestrator)
// persists the returned Story.
func (f *Finalizer) Finalize(ctx context.Context, story model.Story, opts Options) (model.Story, error) {
	message := opts.CommitMessage
	if message == "" {
		message = vcs.SquashMessages(story.Title, stepNames(story.Steps))
	}

	if _, err := f.Git.CommitAll(ctx, story.WorktreePath, message); err != nil {
		return story, newError(fmt.Errorf("commit: %w", err))
	}

	if opts.Squash {
		base := opts.BaseBranch
		if base == "" {
			var derr error
			base, derr = f.Git.DefaultBranch(ctx, story.WorktreePath)
			if derr != nil {
				base = "main"
			}
		}
		if _, err := f.Git.Run(ctx, story.WorktreePath, "reset", "--soft", base); err != nil {
			return story, newError(fmt.Errorf("squash reset: %w", err))
		}
		if _, err := f.Git.Run(ctx, story.WorktreePath, "commit", "-m", message); err != nil {
			return story, newError(fmt.Errorf("squash commit: %w", err))
		}
	}

	if opts.Push || opts.CreatePullRequest {
		remote := opts.RemoteName
		if remote == "" {
			remote = "origin"
		}
		if err := f.Git.Push(ctx, story.WorktreePath, remote, story.GitBranch); err != nil {
			return story, newError(fmt.Errorf("push: %w", err))
		}
	}

	if opts.CreatePullRequest {
		if f.GitHost == nil {
			return story, newError(fmt.Errorf("create pull request requested but no git host is configured"))
		}
		if opts.Repo == "" {
			return story, newError(fmt.Errorf("create pull request requested but no repo was given"))
		}
		base := opts.BaseBranch
		if base == "" {
			var derr error
			base, derr = f.Git.DefaultBranch(ctx, story.WorktreePath)
			if derr != nil {
				base = "main"
			}
		}
		title := opts.PRTitle
		if title == "" {
			title = story.Title
		}
		url, err := f.GitHost.CreatePullRequest(ctx, opts.Repo, story.GitBranch, base, title, opts.PRBody, opts.Draft)
		if err != nil {
			return story, newError(fmt.Errorf("create pull request: %w", err))
		}
		story.PullRequestURL = url
	}

	now := time.Now().UTC()
	story.CompletedAt = &now
	story.Status = model.StatusCompleted
	return story, nil
}

func stepNames(steps []model.Step) []string {
	names := make([]string, 0, len(steps))
	for _, s := range steps {
		names = append(names, s.Name)
	}
	return names
}
