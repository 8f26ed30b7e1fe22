package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/storyctl/internal/model"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a Story or Step id does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConcurrentUpdate is returned when an update()/updateStep() call's
	// version does not match the currently persisted version.
	ErrConcurrentUpdate = errors.New("concurrent update")
	// ErrDuplicateID is returned by Create when the given id already exists.
	ErrDuplicateID = errors.New("duplicate id")
)

// ListFilter narrows List() results (spec §4.1).
type ListFilter struct {
	Status         model.Status
	RepositoryPath string
}

// Create persists a new Story, assigning it an id if none is set.
func (s *Store) Create(ctx context.Context, story model.Story) (model.Story, error) {
	if story.ID == "" {
		story.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	story.CreatedAt = now
	story.UpdatedAt = now
	if story.Status == "" {
		story.Status = model.StatusCreated
	}
	if story.GateMode == "" {
		story.GateMode = model.GateModeAutoProceed
	}
	if story.AutomationMode == "" {
		story.AutomationMode = model.AutomationAssisted
	}
	if story.MaxParallelism <= 0 {
		story.MaxParallelism = 4
	}
	story.Version = 1

	gateResult, err := marshalGateResult(story.GateResult)
	if err != nil {
		return model.Story{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO stories (
			id, title, description, repository_path, issue_url, created_by,
			status, worktree_path, git_branch, analyzed_context, execution_plan,
			current_wave, gate_mode, gate_result, max_parallelism, dispatch_target,
			automation_mode, pull_request_url, error, created_at, updated_at, completed_at, version
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?);
	`,
		story.ID, story.Title, story.Description, story.RepositoryPath, story.IssueURL, story.CreatedBy,
		string(story.Status), story.WorktreePath, story.GitBranch, story.AnalyzedContext, story.ExecutionPlan,
		story.CurrentWave, string(story.GateMode), gateResult, story.MaxParallelism, story.DispatchTarget,
		string(story.AutomationMode), story.PullRequestURL, story.Error,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), nullTime(story.CompletedAt), story.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Story{}, ErrDuplicateID
		}
		return model.Story{}, fmt.Errorf("insert story: %w", err)
	}
	s.recordAudit("create", story.ID, "story created")
	return story, nil
}

// GetByID returns a Story without its Steps.
func (s *Store) GetByID(ctx context.Context, id string) (model.Story, error) {
	return s.getByID(ctx, id)
}

// GetByIDWithSteps returns a Story with its full Step collection,
// ordered by Step.Order (spec: "stable iteration and display").
func (s *Store) GetByIDWithSteps(ctx context.Context, id string) (model.Story, error) {
	story, err := s.getByID(ctx, id)
	if err != nil {
		return model.Story{}, err
	}
	steps, err := s.listSteps(ctx, id)
	if err != nil {
		return model.Story{}, err
	}
	story.Steps = steps
	return story, nil
}

func (s *Store) getByID(ctx context.Context, id string) (model.Story, error) {
	row := s.db.QueryRowContext(ctx, storySelectCols+` WHERE id = ?;`, id)
	story, err := scanStory(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Story{}, ErrNotFound
		}
		return model.Story{}, err
	}
	return story, nil
}

// List returns Stories matching filter, ordered by createdAt descending.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]model.Story, error) {
	query := storySelectCols + ` WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.RepositoryPath != "" {
		query += ` AND repository_path = ?`
		args = append(args, filter.RepositoryPath)
	}
	query += ` ORDER BY created_at DESC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stories: %w", err)
	}
	defer rows.Close()

	var out []model.Story
	for rows.Next() {
		story, err := scanStory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, story)
	}
	return out, rows.Err()
}

// Update persists the full Story, atomically with any mutated Step rows
// are NOT part of this call (use UpdateStep for those) — but both this
// call and UpdateStep are wrapped in their own single transaction so a
// crash never leaves a Story half-written (invariant: atomic per-Story
// updates). The caller must supply the Version it last read; a mismatch
// means someone else updated the Story first and returns
// ErrConcurrentUpdate, per spec §7's retry-once policy (left to the
// caller — the Orchestrator refetches and retries exactly once).
func (s *Store) Update(ctx context.Context, story model.Story) (model.Story, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Story{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var oldStatus string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM stories WHERE id = ?;`, story.ID).Scan(&oldStatus); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Story{}, ErrNotFound
		}
		return model.Story{}, err
	}

	now := time.Now().UTC()
	newVersion := story.Version + 1
	gateResult, err := marshalGateResult(story.GateResult)
	if err != nil {
		return model.Story{}, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE stories SET
			title = ?, description = ?, repository_path = ?, issue_url = ?, created_by = ?,
			status = ?, worktree_path = ?, git_branch = ?, analyzed_context = ?, execution_plan = ?,
			current_wave = ?, gate_mode = ?, gate_result = ?, max_parallelism = ?, dispatch_target = ?,
			automation_mode = ?, pull_request_url = ?, error = ?, updated_at = ?, completed_at = ?, version = ?
		WHERE id = ? AND version = ?;
	`,
		story.Title, story.Description, story.RepositoryPath, story.IssueURL, story.CreatedBy,
		string(story.Status), story.WorktreePath, story.GitBranch, story.AnalyzedContext, story.ExecutionPlan,
		story.CurrentWave, string(story.GateMode), gateResult, story.MaxParallelism, story.DispatchTarget,
		string(story.AutomationMode), story.PullRequestURL, story.Error,
		now.Format(time.RFC3339Nano), nullTime(story.CompletedAt), newVersion,
		story.ID, story.Version,
	)
	if err != nil {
		return model.Story{}, fmt.Errorf("update story: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Story{}, err
	}
	if n == 0 {
		return model.Story{}, ErrConcurrentUpdate
	}
	if err := tx.Commit(); err != nil {
		return model.Story{}, err
	}

	story.Version = newVersion
	story.UpdatedAt = now
	if oldStatus != string(story.Status) {
		s.publishStoryStatus(story.ID, oldStatus, string(story.Status))
	}
	s.recordAudit("update", story.ID, fmt.Sprintf("status=%s", story.Status))
	return story, nil
}

// Delete removes a Story and, via ON DELETE CASCADE, all of its Steps
// atomically (invariant 1). Worktree teardown is the caller's
// responsibility (WorktreeManager.DestroyWorktree); the Store only
// removes rows.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM stories WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete story: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	s.recordAudit("delete", id, "story deleted")
	return nil
}

const storySelectCols = `
	SELECT id, title, description, repository_path, issue_url, created_by,
		status, worktree_path, git_branch, analyzed_context, execution_plan,
		current_wave, gate_mode, gate_result, max_parallelism, dispatch_target,
		automation_mode, pull_request_url, error, created_at, updated_at, completed_at, version
	FROM stories`

type scanner interface {
	Scan(dest ...any) error
}

func scanStory(row scanner) (model.Story, error) {
	var story model.Story
	var status, gateMode, automationMode string
	var createdAt, updatedAt string
	var completedAt sql.NullString
	var gateResultBlob []byte

	err := row.Scan(
		&story.ID, &story.Title, &story.Description, &story.RepositoryPath, &story.IssueURL, &story.CreatedBy,
		&status, &story.WorktreePath, &story.GitBranch, &story.AnalyzedContext, &story.ExecutionPlan,
		&story.CurrentWave, &gateMode, &gateResultBlob, &story.MaxParallelism, &story.DispatchTarget,
		&automationMode, &story.PullRequestURL, &story.Error, &createdAt, &updatedAt, &completedAt, &story.Version,
	)
	if err != nil {
		return model.Story{}, err
	}
	story.Status = model.Status(status)
	story.GateMode = model.GateMode(gateMode)
	story.AutomationMode = model.AutomationMode(automationMode)
	story.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	story.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
		story.CompletedAt = &t
	}
	gr, err := unmarshalGateResult(gateResultBlob)
	if err != nil {
		return model.Story{}, err
	}
	story.GateResult = gr
	return story, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func isUniqueViolation(err error) bool {
	return err != nil && containsAny(err.Error(), "UNIQUE constraint failed", "constraint failed: UNIQUE")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
