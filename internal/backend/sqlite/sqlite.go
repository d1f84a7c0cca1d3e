// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite provides a SQLite backend implementation for single-node
// deployments.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tombee/flume/internal/backend"
	"github.com/tombee/flume/pkg/errors"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertions.
var (
	_ backend.RunStore  = (*Backend)(nil)
	_ backend.RunLister = (*Backend)(nil)
	_ backend.Backend   = (*Backend)(nil)
)

// Backend is a SQLite storage backend.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite backend.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{db: db}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return b, nil
}

// configurePragmas sets SQLite configuration options.
func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate runs database migrations.
func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			orgname TEXT NOT NULL,
			run_type TEXT NOT NULL,
			status TEXT NOT NULL,
			progress REAL DEFAULT 0,
			error TEXT,
			tool_id TEXT,
			pipeline_id TEXT,
			pipeline_run_id TEXT,
			pipeline_step_id TEXT,
			started_at TEXT,
			completed_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_orgname ON runs(orgname)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_pipeline_run_id ON runs(pipeline_run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at)`,
		`CREATE TABLE IF NOT EXISTS run_content (
			run_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			content_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			PRIMARY KEY (run_id, kind, content_id),
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_content_run_id ON run_content(run_id)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// CreateRun creates a new run.
func (b *Backend) CreateRun(ctx context.Context, run *backend.Run) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertRun(ctx, tx, run); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// CreateRuns creates a batch of runs in a single transaction, so a
// pipeline fan-out is never observable half-created.
func (b *Backend) CreateRuns(ctx context.Context, runs []*backend.Run) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, run := range runs {
		if err := insertRun(ctx, tx, run); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func insertRun(ctx context.Context, tx *sql.Tx, run *backend.Run) error {
	query := `
		INSERT INTO runs (id, orgname, run_type, status, progress, error,
			tool_id, pipeline_id, pipeline_run_id, pipeline_step_id,
			started_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now()
	_, err := tx.ExecContext(ctx, query,
		run.ID, run.Orgname, string(run.RunType), string(run.Status),
		run.Progress, nullString(run.Error),
		nullString(run.ToolID), nullString(run.PipelineID),
		nullString(run.PipelineRunID), nullString(run.PipelineStepID),
		formatTime(run.StartedAt), formatTime(run.CompletedAt),
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	if err := insertContent(ctx, tx, run.ID, backend.KindInput, run.Inputs); err != nil {
		return err
	}
	if err := insertContent(ctx, tx, run.ID, backend.KindOutput, run.Outputs); err != nil {
		return err
	}

	run.CreatedAt = now
	run.UpdatedAt = now
	return nil
}

func insertContent(ctx context.Context, tx *sql.Tx, runID string, kind backend.ContentKind, ids []string) error {
	for i, id := range ids {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO run_content (run_id, kind, content_id, position) VALUES (?, ?, ?, ?)`,
			runID, string(kind), id, i,
		)
		if err != nil {
			return fmt.Errorf("failed to attach %s content: %w", kind, err)
		}
	}
	return nil
}

// GetRun retrieves a run by ID.
func (b *Backend) GetRun(ctx context.Context, id string) (*backend.Run, error) {
	query := `
		SELECT id, orgname, run_type, status, progress, error,
			tool_id, pipeline_id, pipeline_run_id, pipeline_step_id,
			started_at, completed_at, created_at, updated_at
		FROM runs WHERE id = ?
	`

	run, err := scanRun(b.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	if err := b.loadContent(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// UpdateRun updates an existing run. Content edges are replaced with
// the run's current sets.
func (b *Backend) UpdateRun(ctx context.Context, run *backend.Run) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE runs SET
			orgname = ?, run_type = ?, status = ?, progress = ?, error = ?,
			tool_id = ?, pipeline_id = ?, pipeline_run_id = ?, pipeline_step_id = ?,
			started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`

	now := time.Now()
	result, err := tx.ExecContext(ctx, query,
		run.Orgname, string(run.RunType), string(run.Status),
		run.Progress, nullString(run.Error),
		nullString(run.ToolID), nullString(run.PipelineID),
		nullString(run.PipelineRunID), nullString(run.PipelineStepID),
		formatTime(run.StartedAt), formatTime(run.CompletedAt),
		now.Format(time.RFC3339),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return &errors.NotFoundError{Resource: "run", ID: run.ID}
	}

	if err := insertContent(ctx, tx, run.ID, backend.KindInput, run.Inputs); err != nil {
		return err
	}
	if err := insertContent(ctx, tx, run.ID, backend.KindOutput, run.Outputs); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	run.UpdatedAt = now
	return nil
}

// AttachContent adds content ids to a run's input or output edge set.
// INSERT OR IGNORE makes the attach idempotent under concurrent
// sibling completions.
func (b *Backend) AttachContent(ctx context.Context, runID string, kind backend.ContentKind, contentIDs []string) error {
	if kind != backend.KindInput && kind != backend.KindOutput {
		return &errors.ValidationError{
			Field:   "kind",
			Message: "content kind must be input or output",
		}
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM runs WHERE id = ?", runID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check run: %w", err)
	}
	if exists == 0 {
		return &errors.NotFoundError{Resource: "run", ID: runID}
	}

	var next int
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(position)+1, 0) FROM run_content WHERE run_id = ? AND kind = ?",
		runID, string(kind),
	).Scan(&next); err != nil {
		return fmt.Errorf("failed to compute position: %w", err)
	}

	for i, id := range contentIDs {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO run_content (run_id, kind, content_id, position) VALUES (?, ?, ?, ?)`,
			runID, string(kind), id, next+i,
		)
		if err != nil {
			return fmt.Errorf("failed to attach %s content: %w", kind, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE runs SET updated_at = ? WHERE id = ?",
		time.Now().Format(time.RFC3339), runID,
	); err != nil {
		return fmt.Errorf("failed to touch run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// ListRuns lists runs with optional filtering.
func (b *Backend) ListRuns(ctx context.Context, filter backend.RunFilter) ([]*backend.Run, error) {
	query := `
		SELECT id, orgname, run_type, status, progress, error,
			tool_id, pipeline_id, pipeline_run_id, pipeline_step_id,
			started_at, completed_at, created_at, updated_at
		FROM runs WHERE 1=1
	`
	args := []any{}

	if filter.Orgname != "" {
		query += " AND orgname = ?"
		args = append(args, filter.Orgname)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.RunType != "" {
		query += " AND run_type = ?"
		args = append(args, string(filter.RunType))
	}
	if filter.PipelineID != "" {
		query += " AND pipeline_id = ?"
		args = append(args, filter.PipelineID)
	}
	if filter.ToolID != "" {
		query += " AND tool_id = ?"
		args = append(args, filter.ToolID)
	}
	if filter.TopLevelOnly {
		query += " AND pipeline_run_id IS NULL"
	}

	sortCol := "created_at"
	if filter.SortBy == "updated_at" {
		sortCol = "updated_at"
	}
	dir := "DESC"
	if filter.SortDir == "asc" {
		dir = "ASC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s", sortCol, dir)

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*backend.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}

	for _, run := range runs {
		if err := b.loadContent(ctx, run); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

// ListChildren retrieves the child runs of a pipeline run in creation order.
func (b *Backend) ListChildren(ctx context.Context, pipelineRunID string) ([]*backend.Run, error) {
	query := `
		SELECT id, orgname, run_type, status, progress, error,
			tool_id, pipeline_id, pipeline_run_id, pipeline_step_id,
			started_at, completed_at, created_at, updated_at
		FROM runs WHERE pipeline_run_id = ?
		ORDER BY created_at ASC, id ASC
	`

	rows, err := b.db.QueryContext(ctx, query, pipelineRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to list children: %w", err)
	}
	defer rows.Close()

	var runs []*backend.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate children: %w", err)
	}

	for _, run := range runs {
		if err := b.loadContent(ctx, run); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

// DeleteRun deletes a run.
func (b *Backend) DeleteRun(ctx context.Context, id string) error {
	result, err := b.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "run", ID: id}
	}
	return nil
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

// loadContent populates a run's input and output edge sets in attach order.
func (b *Backend) loadContent(ctx context.Context, run *backend.Run) error {
	rows, err := b.db.QueryContext(ctx,
		"SELECT kind, content_id FROM run_content WHERE run_id = ? ORDER BY kind, position",
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to load run content: %w", err)
	}
	defer rows.Close()

	run.Inputs = nil
	run.Outputs = nil
	for rows.Next() {
		var kind, contentID string
		if err := rows.Scan(&kind, &contentID); err != nil {
			return fmt.Errorf("failed to scan run content: %w", err)
		}
		switch backend.ContentKind(kind) {
		case backend.KindInput:
			run.Inputs = append(run.Inputs, contentID)
		case backend.KindOutput:
			run.Outputs = append(run.Outputs, contentID)
		}
	}
	return rows.Err()
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*backend.Run, error) {
	var run backend.Run
	var runType, status string
	var errStr, toolID, pipelineID, pipelineRunID, pipelineStepID sql.NullString
	var startedAt, completedAt, createdAt, updatedAt sql.NullString

	err := row.Scan(
		&run.ID, &run.Orgname, &runType, &status, &run.Progress, &errStr,
		&toolID, &pipelineID, &pipelineRunID, &pipelineStepID,
		&startedAt, &completedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.RunType = backend.RunType(runType)
	run.Status = backend.Status(status)
	if errStr.Valid {
		run.Error = errStr.String
	}
	if toolID.Valid {
		run.ToolID = toolID.String
	}
	if pipelineID.Valid {
		run.PipelineID = pipelineID.String
	}
	if pipelineRunID.Valid {
		run.PipelineRunID = pipelineRunID.String
	}
	if pipelineStepID.Valid {
		run.PipelineStepID = pipelineStepID.String
	}

	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339, startedAt.String)
		run.StartedAt = &t
	}
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339, completedAt.String)
		run.CompletedAt = &t
	}
	if createdAt.Valid {
		run.CreatedAt, _ = time.Parse(time.RFC3339, createdAt.String)
	}
	if updatedAt.Valid {
		run.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt.String)
	}

	return &run, nil
}

// Helper functions

// formatTime converts a *time.Time to RFC3339 string or nil.
func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

// nullString returns nil if string is empty, otherwise the string.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
