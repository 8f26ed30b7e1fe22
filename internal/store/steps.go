package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/storyctl/internal/model"
)

const stepSelectCols = `
	SELECT id, story_id, step_order, wave, name, description, capability, language,
		depends_on, requires_confirmation, status, approval, approval_feedback, input, output, error, attempts,
		assigned_agent_id, executor_override, needs_rework, previous_output,
		cost_usd, prompt_tokens, completion_tokens, started_at, completed_at, version
	FROM steps`

// CreateSteps inserts the full decomposition result for a Story in one
// transaction (spec §4.1: "Steps are created once, at plan time, as a
// single batch"). Steps must already carry Order/Wave/DependsOn as
// computed by the Decomposer.
func (s *Store) CreateSteps(ctx context.Context, steps []model.Step) ([]model.Step, error) {
	if len(steps) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	for i := range steps {
		step := &steps[i]
		dependsOn, err := json.Marshal(step.DependsOn)
		if err != nil {
			return nil, fmt.Errorf("marshal depends_on: %w", err)
		}
		if step.Status == "" {
			step.Status = model.StepPending
		}
		step.Version = 1

		_, err = tx.ExecContext(ctx, `
			INSERT INTO steps (
				id, story_id, step_order, wave, name, description, capability, language,
				depends_on, requires_confirmation, status, approval, approval_feedback, input, output, error, attempts,
				assigned_agent_id, executor_override, needs_rework, previous_output,
				cost_usd, prompt_tokens, completion_tokens, started_at, completed_at, version
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?);
		`,
			step.ID, step.StoryID, step.Order, step.Wave, step.Name, step.Description, step.Capability, step.Language,
			string(dependsOn), boolToInt(step.RequiresConfirmation), string(step.Status), string(step.Approval), step.ApprovalFeedback,
			step.Input, step.Output, step.Error, step.Attempts,
			step.AssignedAgentID, step.ExecutorOverride, boolToInt(step.NeedsRework), step.PreviousOutput,
			step.CostUSD, step.PromptTokens, step.CompletionTokens,
			nullTime(step.StartedAt), nullTime(step.CompletedAt), step.Version,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, ErrDuplicateID
			}
			return nil, fmt.Errorf("insert step: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.recordAudit("create_steps", steps[0].StoryID, fmt.Sprintf("%d steps", len(steps)))
	return steps, nil
}

func (s *Store) listSteps(ctx context.Context, storyID string) ([]model.Step, error) {
	rows, err := s.db.QueryContext(ctx, stepSelectCols+` WHERE story_id = ? ORDER BY step_order ASC;`, storyID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []model.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

// GetStep returns a single Step by id.
func (s *Store) GetStep(ctx context.Context, id string) (model.Step, error) {
	row := s.db.QueryRowContext(ctx, stepSelectCols+` WHERE id = ?;`, id)
	step, err := scanStep(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Step{}, ErrNotFound
		}
		return model.Step{}, err
	}
	return step, nil
}

// ListStepsByWave returns the Steps of one wave, ordered by Order
// (used by the Dispatcher to build a wave's task batch).
func (s *Store) ListStepsByWave(ctx context.Context, storyID string, wave int) ([]model.Step, error) {
	rows, err := s.db.QueryContext(ctx, stepSelectCols+` WHERE story_id = ? AND wave = ? ORDER BY step_order ASC;`, storyID, wave)
	if err != nil {
		return nil, fmt.Errorf("list steps by wave: %w", err)
	}
	defer rows.Close()

	var out []model.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

// UpdateStep persists one Step with the same optimistic-concurrency
// discipline as Update, grounded on the teacher's transitionTaskTx
// CAS-style status-transition guard (internal/persistence/tasks.go).
// Only the mutable fields named in model.Step's doc comment are ever
// expected to differ between reads; Order/Wave/DependsOn are written
// back unchanged.
func (s *Store) UpdateStep(ctx context.Context, step model.Step) (model.Step, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Step{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var oldStatus string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM steps WHERE id = ?;`, step.ID).Scan(&oldStatus); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Step{}, ErrNotFound
		}
		return model.Step{}, err
	}

	dependsOn, err := json.Marshal(step.DependsOn)
	if err != nil {
		return model.Step{}, fmt.Errorf("marshal depends_on: %w", err)
	}
	newVersion := step.Version + 1

	res, err := tx.ExecContext(ctx, `
		UPDATE steps SET
			name = ?, description = ?, capability = ?, language = ?, depends_on = ?,
			status = ?, approval = ?, approval_feedback = ?, input = ?, output = ?, error = ?,
			attempts = ?, assigned_agent_id = ?, executor_override = ?, needs_rework = ?,
			previous_output = ?, cost_usd = ?, prompt_tokens = ?, completion_tokens = ?,
			started_at = ?, completed_at = ?, version = ?
		WHERE id = ? AND version = ?;
	`,
		step.Name, step.Description, step.Capability, step.Language, string(dependsOn),
		string(step.Status), string(step.Approval), step.ApprovalFeedback, step.Input, step.Output, step.Error,
		step.Attempts, step.AssignedAgentID, step.ExecutorOverride, boolToInt(step.NeedsRework),
		step.PreviousOutput, step.CostUSD, step.PromptTokens, step.CompletionTokens,
		nullTime(step.StartedAt), nullTime(step.CompletedAt), newVersion,
		step.ID, step.Version,
	)
	if err != nil {
		return model.Step{}, fmt.Errorf("update step: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Step{}, err
	}
	if n == 0 {
		return model.Step{}, ErrConcurrentUpdate
	}
	if err := tx.Commit(); err != nil {
		return model.Step{}, err
	}

	step.Version = newVersion
	if oldStatus != string(step.Status) {
		s.publishStepStatus(step.StoryID, step.ID, oldStatus, string(step.Status))
	}
	return step, nil
}

func scanStep(row scanner) (model.Step, error) {
	var step model.Step
	var status, approval string
	var dependsOn string
	var startedAt, completedAt sql.NullString
	var needsRework, requiresConfirmation int

	err := row.Scan(
		&step.ID, &step.StoryID, &step.Order, &step.Wave, &step.Name, &step.Description, &step.Capability, &step.Language,
		&dependsOn, &requiresConfirmation, &status, &approval, &step.ApprovalFeedback, &step.Input, &step.Output, &step.Error, &step.Attempts,
		&step.AssignedAgentID, &step.ExecutorOverride, &needsRework, &step.PreviousOutput,
		&step.CostUSD, &step.PromptTokens, &step.CompletionTokens, &startedAt, &completedAt, &step.Version,
	)
	if err != nil {
		return model.Step{}, err
	}
	step.Status = model.StepStatus(status)
	step.Approval = model.Approval(approval)
	step.NeedsRework = needsRework != 0
	step.RequiresConfirmation = requiresConfirmation != 0
	if err := json.Unmarshal([]byte(dependsOn), &step.DependsOn); err != nil {
		return model.Step{}, fmt.Errorf("unmarshal depends_on: %w", err)
	}
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, startedAt.String)
		step.StartedAt = &t
	}
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
		step.CompletedAt = &t
	}
	return step, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
