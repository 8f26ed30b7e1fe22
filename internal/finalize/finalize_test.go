package finalize

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/storyctl/internal/model"
	"github.com/basket/storyctl/internal/vcs"
)

type fakeGit struct {
	commitErr    error
	committed    bool
	pushErr      error
	pushedBranch string
	defaultBase  string
	runCalls     [][]string
	runErr       error
}

func (f *fakeGit) CommitAll(ctx context.Context, worktreePath, message string) (bool, error) {
	if f.commitErr != nil {
		return false, f.commitErr
	}
	f.committed = true
	return true, nil
}

func (f *fakeGit) Push(ctx context.Context, worktreePath, remote, branch string) error {
	f.pushedBranch = branch
	return f.pushErr
}

func (f *fakeGit) DefaultBranch(ctx context.Context, repoPath string) (string, error) {
	if f.defaultBase == "" {
		return "main", nil
	}
	return f.defaultBase, nil
}

func (f *fakeGit) Run(ctx context.Context, dir string, args ...string) (vcs.Result, error) {
	f.runCalls = append(f.runCalls, args)
	return vcs.Result{}, f.runErr
}

type fakeGitHost struct {
	url string
	err error
}

func (f *fakeGitHost) CreatePullRequest(ctx context.Context, repo, branch, base, title, body string, draft bool) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.url, nil
}

func TestFinalizer_FinalizeCommitsAndMarksCompleted(t *testing.T) {
	git := &fakeGit{}
	f := New(git, nil)
	story := model.Story{ID: "s1", Title: "Add README", WorktreePath: "/work/s1"}

	got, err := f.Finalize(context.Background(), story, Options{})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if !git.committed {
		t.Fatalf("expected commit to be made")
	}
	if got.Status != model.StatusCompleted || got.CompletedAt == nil {
		t.Fatalf("expected story marked completed, got %+v", got)
	}
}

func TestFinalizer_FinalizeSquashesAgainstBaseBranch(t *testing.T) {
	git := &fakeGit{defaultBase: "main"}
	f := New(git, nil)
	story := model.Story{ID: "s1", Title: "t", WorktreePath: "/work/s1", GitBranch: "feature"}

	if _, err := f.Finalize(context.Background(), story, Options{Squash: true}); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if len(git.runCalls) != 2 {
		t.Fatalf("expected a reset and a commit call, got %+v", git.runCalls)
	}
	if git.runCalls[0][0] != "reset" || git.runCalls[0][2] != "main" {
		t.Fatalf("unexpected reset call: %+v", git.runCalls[0])
	}
}

func TestFinalizer_FinalizePushesWhenRequested(t *testing.T) {
	git := &fakeGit{}
	f := New(git, nil)
	story := model.Story{ID: "s1", Title: "t", WorktreePath: "/work/s1", GitBranch: "feature"}

	if _, err := f.Finalize(context.Background(), story, Options{Push: true}); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if git.pushedBranch != "feature" {
		t.Fatalf("expected push of feature branch, got %q", git.pushedBranch)
	}
}

func TestFinalizer_FinalizeCreatesPullRequest(t *testing.T) {
	git := &fakeGit{defaultBase: "main"}
	host := &fakeGitHost{url: "https://example.com/pulls/9"}
	f := New(git, host)
	story := model.Story{ID: "s1", Title: "t", WorktreePath: "/work/s1", GitBranch: "feature"}

	got, err := f.Finalize(context.Background(), story, Options{CreatePullRequest: true, Repo: "acme/widgets"})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if got.PullRequestURL != "https://example.com/pulls/9" {
		t.Fatalf("unexpected pull request url: %q", got.PullRequestURL)
	}
	if git.pushedBranch != "feature" {
		t.Fatalf("expected creating a pull request to push first, got %+v", git)
	}
}

func TestFinalizer_FinalizeRejectsPullRequestWithoutRepo(t *testing.T) {
	git := &fakeGit{}
	host := &fakeGitHost{url: "https://example.com/pulls/1"}
	f := New(git, host)
	story := model.Story{ID: "s1", Title: "t", WorktreePath: "/work/s1"}

	_, err := f.Finalize(context.Background(), story, Options{CreatePullRequest: true})
	if err == nil {
		t.Fatalf("expected an error when repo is missing")
	}
	var fe *Error
	if !errors.As(err, &fe) || fe.Kind != model.ErrorKindFinalizeFailure {
		t.Fatalf("expected a finalize_failure Error, got %v", err)
	}
}

func TestFinalizer_FinalizeWrapsCommitFailure(t *testing.T) {
	git := &fakeGit{commitErr: errors.New("disk full")}
	f := New(git, nil)
	story := model.Story{ID: "s1", Title: "t", WorktreePath: "/work/s1"}

	_, err := f.Finalize(context.Background(), story, Options{})
	var fe *Error
	if !errors.As(err, &fe) || fe.Kind != model.ErrorKindFinalizeFailure {
		t.Fatalf("expected a finalize_failure Error, got %v", err)
	}
}
