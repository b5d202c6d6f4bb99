package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/stagecraft/pkg/engine"
)

// CreateRun records a new run in the running state. An empty ID is
// generated.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = engine.RunStatusRunning
	}
	if run.Summary == "" {
		run.Summary = "{}"
	}

	query := `
		INSERT INTO runs (id, scope, operation, mode, plan_id, status, summary, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Scope,
		string(run.Operation),
		run.Mode,
		run.PlanID,
		string(run.Status),
		run.Summary,
		run.Error,
		formatTime(run.StartedAt),
		nullableTime(run.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// FinishRun stores the terminal status and summary of a run.
func (s *SQLiteStore) FinishRun(ctx context.Context, id string, status engine.RunStatus, summary interface{}, runErr error) error {
	if !status.IsTerminal() {
		return fmt.Errorf("run status %s is not terminal", status)
	}

	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}

	var errMsg *string
	if runErr != nil {
		msg := runErr.Error()
		errMsg = &msg
	}

	query := `UPDATE runs SET status = ?, summary = ?, error = ?, completed_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query,
		string(status),
		string(summaryJSON),
		errMsg,
		formatTime(time.Now()),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewNotFoundError("run "+id, nil)
	}
	return nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `
		SELECT id, scope, operation, mode, plan_id, status, summary, error, started_at, completed_at
		FROM runs WHERE id = ?
	`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("run "+id, err)
	}
	return run, err
}

// ListRuns returns the newest runs for scope, or for every scope when
// scope is empty.
func (s *SQLiteStore) ListRuns(ctx context.Context, scope string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, scope, operation, mode, plan_id, status, summary, error, started_at, completed_at
		FROM runs
		WHERE (? = '' OR scope = ?)
		ORDER BY started_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, scope, scope, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run       Run
		operation string
		status    string
		runErr    sql.NullString
		started   string
		completed sql.NullString
	)

	err := row.Scan(
		&run.ID,
		&run.Scope,
		&operation,
		&run.Mode,
		&run.PlanID,
		&status,
		&run.Summary,
		&runErr,
		&started,
		&completed,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	run.Operation = Operation(operation)
	run.Status = engine.RunStatus(status)
	if err := run.Status.Validate(); err != nil {
		return nil, engine.NewCorruptRecordError("run "+run.ID, err)
	}
	if runErr.Valid {
		run.Error = &runErr.String
	}
	if run.StartedAt, err = parseTime(started); err != nil {
		return nil, engine.NewCorruptRecordError("run "+run.ID, err)
	}
	if completed.Valid {
		t, err := parseTime(completed.String)
		if err != nil {
			return nil, engine.NewCorruptRecordError("run "+run.ID, err)
		}
		run.CompletedAt = &t
	}

	return &run, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
