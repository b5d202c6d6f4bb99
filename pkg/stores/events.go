package stores

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/openfroyo/stagecraft/pkg/engine"
)

// AppendEvent appends an event to the log and sets its ID.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	query := `
		INSERT INTO events (run_id, scope, level, kind, subject, phase, outcome, attempt, code, message, error, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.RunID,
		event.Scope,
		string(event.Level),
		event.Kind,
		event.Subject,
		event.Phase,
		event.Outcome,
		event.Attempt,
		event.Code,
		event.Message,
		event.Error,
		formatTime(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}
	event.ID = id
	return nil
}

// RecordEvent persists an engine progress event.
func (s *SQLiteStore) RecordEvent(ctx context.Context, pe engine.ProgressEvent) error {
	event := &Event{
		Scope:     pe.Scope,
		Level:     levelOf(pe.Outcome),
		Kind:      string(pe.Kind),
		Subject:   pe.Subject,
		Phase:     string(pe.Phase),
		Outcome:   string(pe.Outcome),
		Attempt:   pe.Attempt,
		Code:      pe.Code,
		Message:   pe.Message,
		Error:     pe.Error,
		Timestamp: pe.Time,
	}
	if pe.RunID != "" {
		runID := pe.RunID
		event.RunID = &runID
	}
	return s.AppendEvent(ctx, event)
}

// ListEvents returns a run's events in order, up to limit when positive.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string, limit int) ([]Event, error) {
	query := `
		SELECT id, run_id, scope, level, kind, subject, phase, outcome, attempt, code, message, error, timestamp
		FROM events
		WHERE run_id = ?
		ORDER BY id ASC
	`
	args := []interface{}{runID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var (
			event     Event
			runID     sql.NullString
			level     string
			timestamp string
		)
		err := rows.Scan(
			&event.ID,
			&runID,
			&event.Scope,
			&level,
			&event.Kind,
			&event.Subject,
			&event.Phase,
			&event.Outcome,
			&event.Attempt,
			&event.Code,
			&event.Message,
			&event.Error,
			&timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if runID.Valid {
			event.RunID = &runID.String
		}
		event.Level = EventLevel(level)
		if event.Timestamp, err = parseTime(timestamp); err != nil {
			return nil, engine.NewCorruptRecordError(fmt.Sprintf("event %d", event.ID), err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

func levelOf(outcome engine.Outcome) EventLevel {
	switch outcome {
	case engine.OutcomeFailed:
		return EventLevelError
	case engine.OutcomeRetrying:
		return EventLevelWarning
	case engine.OutcomeStarted:
		return EventLevelDebug
	default:
		return EventLevelInfo
	}
}
