// Package store is the durable persistence layer for Stories and Steps
// (spec §4.1, component C1). It is grounded on the teacher's
// internal/persistence/store.go: a single sqlite3 database, a
// versioned+checksummed migration ladder run at Open time, and
// optimistic-concurrency updates guarded by a per-row version column
// instead of a naive last-write-wins save.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/basket/storyctl/internal/audit"
	"github.com/basket/storyctl/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// schemaVersion1 is the initial Story/Step schema. Unlike the teacher's
	// nine-version ladder (which accreted chat/memory/delegation tables
	// this domain has no use for), this module starts fresh at v1; future
	// versions follow the same pattern: bump the constant, add a
	// migrateToVN function, append it to the ladder in initSchema.
	schemaVersion1  = 1
	schemaChecksum1 = "storyctl-v1-story-step-schema"

	schemaVersionLatest  = schemaVersion1
	schemaChecksumLatest = schemaChecksum1
)

// Store is the sqlite-backed implementation of the C1 contract.
type Store struct {
	db  *sql.DB
	bus *bus.Bus
}

// Open opens (creating if absent) the sqlite database at path and runs the
// migration ladder. The event bus is optional; when non-nil, the Store
// publishes bus.TopicStoryStatusChanged / TopicStepStatusChanged so other
// components (Dispatcher, CLI status) can observe mutations without
// polling, mirroring the teacher's task.state_changed event.
func Open(path string, b *bus.Bus) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers

	s := &Store{db: db, bus: b}
	ctx := context.Background()
	if err := s.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for packages (cron, doctor) that need
// to run their own diagnostic queries.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `PRAGMA synchronous = NORMAL;`)
	return err
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_meta (
			version  INTEGER NOT NULL,
			checksum TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create schema_meta: %w", err)
	}

	var current int
	row := tx.QueryRowContext(ctx, `SELECT version FROM schema_meta LIMIT 1;`)
	if err := row.Scan(&current); err != nil {
		if err != sql.ErrNoRows {
			return fmt.Errorf("read schema version: %w", err)
		}
		current = 0
	}

	if current < schemaVersion1 {
		if err := migrateToV1(ctx, tx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	if current == 0 {
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_meta (version, checksum) VALUES (?, ?);`,
			schemaVersionLatest, schemaChecksumLatest); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	} else if current != schemaVersionLatest {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET version = ?, checksum = ?;`,
			schemaVersionLatest, schemaChecksumLatest); err != nil {
			return fmt.Errorf("bump schema version: %w", err)
		}
	}

	return tx.Commit()
}

func migrateToV1(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS stories (
			id                TEXT PRIMARY KEY,
			title             TEXT NOT NULL,
			description       TEXT NOT NULL DEFAULT '',
			repository_path   TEXT NOT NULL DEFAULT '',
			issue_url         TEXT NOT NULL DEFAULT '',
			created_by        TEXT NOT NULL DEFAULT '',
			status            TEXT NOT NULL,
			worktree_path     TEXT NOT NULL DEFAULT '',
			git_branch        TEXT NOT NULL DEFAULT '',
			analyzed_context  BLOB,
			execution_plan    BLOB,
			current_wave      INTEGER NOT NULL DEFAULT 0,
			gate_mode         TEXT NOT NULL DEFAULT 'AUTO_PROCEED',
			gate_result       BLOB,
			max_parallelism   INTEGER NOT NULL DEFAULT 4,
			dispatch_target   TEXT NOT NULL DEFAULT '',
			automation_mode   TEXT NOT NULL DEFAULT 'ASSISTED',
			pull_request_url  TEXT NOT NULL DEFAULT '',
			error             TEXT NOT NULL DEFAULT '',
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL,
			completed_at      TEXT,
			version           INTEGER NOT NULL DEFAULT 1
		);

		CREATE INDEX IF NOT EXISTS idx_stories_status ON stories(status);
		CREATE INDEX IF NOT EXISTS idx_stories_repo ON stories(repository_path);

		CREATE TABLE IF NOT EXISTS steps (
			id                 TEXT PRIMARY KEY,
			story_id           TEXT NOT NULL REFERENCES stories(id) ON DELETE CASCADE,
			step_order         INTEGER NOT NULL,
			wave               INTEGER NOT NULL,
			name               TEXT NOT NULL,
			description        TEXT NOT NULL DEFAULT '',
			capability         TEXT NOT NULL DEFAULT '',
			language           TEXT NOT NULL DEFAULT '',
			depends_on         TEXT NOT NULL DEFAULT '[]',
			requires_confirmation INTEGER NOT NULL DEFAULT 0,
			status             TEXT NOT NULL,
			approval           TEXT NOT NULL DEFAULT '',
			approval_feedback  TEXT NOT NULL DEFAULT '',
			input              BLOB,
			output             BLOB,
			error              TEXT NOT NULL DEFAULT '',
			attempts           INTEGER NOT NULL DEFAULT 0,
			assigned_agent_id  TEXT NOT NULL DEFAULT '',
			executor_override  TEXT NOT NULL DEFAULT '',
			needs_rework       INTEGER NOT NULL DEFAULT 0,
			previous_output    BLOB,
			cost_usd           REAL NOT NULL DEFAULT 0,
			prompt_tokens      INTEGER NOT NULL DEFAULT 0,
			completion_tokens  INTEGER NOT NULL DEFAULT 0,
			started_at         TEXT,
			completed_at       TEXT,
			version            INTEGER NOT NULL DEFAULT 1
		);

		CREATE INDEX IF NOT EXISTS idx_steps_story ON steps(story_id);
		CREATE INDEX IF NOT EXISTS idx_steps_story_wave ON steps(story_id, wave);
	`)
	return err
}

func (s *Store) publishStoryStatus(storyID, from, to string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicStoryStatusChanged, bus.StoryStatusChangedEvent{
		StoryID:   storyID,
		OldStatus: from,
		NewStatus: to,
	})
}

func (s *Store) publishStepStatus(storyID, stepID, from, to string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicStepStatusChanged, bus.StepStatusChangedEvent{
		StoryID:   storyID,
		StepID:    stepID,
		OldStatus: from,
		NewStatus: to,
	})
}

// recordAudit appends one entry to the append-only audit ledger for a
// Store mutation, reusing the teacher's internal/audit package verbatim
// (it already redacts secrets from reason/subject before writing).
func (s *Store) recordAudit(action, subject, reason string) {
	audit.Record(action, "store", reason, "", subject)
}
