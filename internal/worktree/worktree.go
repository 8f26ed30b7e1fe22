// Package worktree implements the WorktreeManager (spec component C2):
// scoped acquisition of a per-Story isolated git worktree on a fresh
// branch, and its teardown. There is no direct teacher equivalent; the
// shape is grounded stylistically on internal/tools/docker.go's Exec
// (spawn, capture, timeout-kill) via internal/vcs, which does the actual
// git CLI spawning.
package worktree

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/storyctl/internal/model"
	"github.com/basket/storyctl/internal/store"
	"github.com/basket/storyctl/internal/vcs"
	"github.com/google/uuid"
)

// Manager implements ensureWorktree/destroyWorktree over a Store and a
// git client.
type Manager struct {
	Store *store.Store
	Git   *vcs.Git
	Log   *slog.Logger
}

// New constructs a Manager with a default vcs.Git client.
func New(s *store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{Store: s, Git: &vcs.Git{}, Log: logger}
}

// EnsureWorktree returns story unchanged if worktreePath is already set
// and the directory still exists; otherwise it creates a sibling
// directory on a fresh feature/story-<shortId> branch and persists the
// assignment. Failure to create is fatal for the Story — the caller
// (Orchestrator) is responsible for transitioning it to Failed, since C8
// remains the sole mutator of Story.Status.
func (m *Manager) EnsureWorktree(ctx context.Context, story model.Story) (model.Story, error) {
	if story.WorktreePath != "" {
		if info, err := os.Stat(story.WorktreePath); err == nil && info.IsDir() {
			return story, nil
		}
	}
	if story.RepositoryPath == "" {
		return story, fmt.Errorf("worktree: story %s has no repository path", story.ID)
	}

	shortID := shortID(story.ID)
	repoName := filepath.Base(strings.TrimRight(story.RepositoryPath, string(filepath.Separator)))
	worktreePath := filepath.Join(filepath.Dir(story.RepositoryPath), fmt.Sprintf("%s-wt-%s", repoName, shortID))
	branch := fmt.Sprintf("feature/story-%s", shortID)

	base, err := m.Git.DefaultBranch(ctx, story.RepositoryPath)
	if err != nil {
		base = "HEAD"
	}
	if err := m.Git.AddWorktree(ctx, story.RepositoryPath, worktreePath, branch, base); err != nil {
		return story, fmt.Errorf("worktree: %w", err)
	}

	story.WorktreePath = worktreePath
	story.GitBranch = branch
	updated, err := m.Store.Update(ctx, story)
	if err != nil {
		return story, fmt.Errorf("worktree: persist worktree assignment: %w", err)
	}
	return updated, nil
}

// DestroyWorktree removes the Story's worktree directory and branch,
// tolerating an already-missing directory. Failure to remove is logged
// and surfaced via the returned error but never blocks the caller from
// proceeding with Story deletion (spec §4.2 failure semantics) — the
// model fields are cleared and persisted regardless.
func (m *Manager) DestroyWorktree(ctx context.Context, story model.Story) (model.Story, error) {
	if story.WorktreePath == "" {
		return story, nil
	}

	var removeErr error
	if _, statErr := os.Stat(story.WorktreePath); statErr == nil {
		if err := m.Git.RemoveWorktree(ctx, story.RepositoryPath, story.WorktreePath, true); err != nil {
			removeErr = err
			m.Log.Warn("worktree removal failed, clearing record anyway",
				"story_id", story.ID, "path", story.WorktreePath, "error", err)
		}
	}
	if story.GitBranch != "" {
		if err := m.Git.DeleteBranch(ctx, story.RepositoryPath, story.GitBranch, true); err != nil {
			m.Log.Warn("branch deletion failed", "story_id", story.ID, "branch", story.GitBranch, "error", err)
		}
	}

	story.WorktreePath = ""
	story.GitBranch = ""
	updated, err := m.Store.Update(ctx, story)
	if err != nil {
		return story, fmt.Errorf("worktree: persist teardown: %w", err)
	}
	if removeErr != nil {
		return updated, fmt.Errorf("worktree: %w", removeErr)
	}
	return updated, nil
}

func shortID(id string) string {
	stripped := strings.ReplaceAll(id, "-", "")
	if stripped == "" {
		stripped = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if len(stripped) > 8 {
		return stripped[:8]
	}
	return stripped
}
