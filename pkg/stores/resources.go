package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/stagecraft/pkg/engine"
	"github.com/openfroyo/stagecraft/pkg/model"
)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// lockedState is the view handed to WithLock callbacks. Writes are fenced
// by the holder token.
type lockedState struct {
	store  *SQLiteStore
	scope  string
	holder string
}

// Read returns every record in the scope.
func (l *lockedState) Read(ctx context.Context) ([]model.ResourceState, error) {
	return readResources(ctx, l.store.db, l.scope)
}

// WriteOne upserts a single record.
func (l *lockedState) WriteOne(ctx context.Context, rs model.ResourceState) error {
	if err := rs.Status.Validate(); err != nil {
		return engine.NewPermanentError("invalid resource record", err).
			WithCode(engine.ErrCodeValidation).
			WithResource(rs.Identity.String())
	}

	attrs, err := json.Marshal(nonNilAttributes(rs.Attributes))
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}
	deps := rs.DependsOn
	if deps == nil {
		deps = []string{}
	}
	depsJSON, err := json.Marshal(deps)
	if err != nil {
		return fmt.Errorf("failed to marshal dependencies: %w", err)
	}
	checkpointed := rs.CheckpointedAt
	if checkpointed.IsZero() {
		checkpointed = time.Now()
	}

	query := `
		INSERT INTO resource_state (scope, provider, type, name, status, attributes, provider_id, depends_on, checkpointed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (scope, provider, type, name) DO UPDATE SET
			status = excluded.status,
			attributes = excluded.attributes,
			provider_id = excluded.provider_id,
			depends_on = excluded.depends_on,
			checkpointed_at = excluded.checkpointed_at
	`

	return l.fenced(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query,
			l.scope,
			rs.Identity.Provider,
			rs.Identity.Type,
			rs.Identity.Name,
			string(rs.Status),
			string(attrs),
			rs.ProviderID,
			string(depsJSON),
			formatTime(checkpointed),
		)
		if err != nil {
			return fmt.Errorf("failed to write resource %s: %w", rs.Identity, err)
		}
		return nil
	})
}

// DeleteOne removes a single record. Deleting a missing record is not an
// error.
func (l *lockedState) DeleteOne(ctx context.Context, id model.Identity) error {
	query := `DELETE FROM resource_state WHERE scope = ? AND provider = ? AND type = ? AND name = ?`

	return l.fenced(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, query, l.scope, id.Provider, id.Type, id.Name); err != nil {
			return fmt.Errorf("failed to delete resource %s: %w", id, err)
		}
		return nil
	})
}

// fenced runs fn in a transaction that first confirms this holder still
// owns an unexpired lease.
func (l *lockedState) fenced(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := l.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var holder string
	var expiresAt int64
	err = tx.QueryRowContext(ctx, `SELECT holder, expires_at FROM locks WHERE scope = ?`, l.scope).Scan(&holder, &expiresAt)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to check lock: %w", err)
	}
	if err == sql.ErrNoRows || holder != l.holder || expiresAt <= time.Now().UnixMilli() {
		return engine.NewConflictError("state lock no longer held", errLeaseLost).
			WithCode(engine.ErrCodeConflict).
			WithResource(l.scope).
			WithOperation("checkpoint")
	}

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListResources returns an unlocked snapshot of the scope's records.
func (s *SQLiteStore) ListResources(ctx context.Context, scope string) ([]model.ResourceState, error) {
	return readResources(ctx, s.db, scope)
}

// ListScopes returns every scope that has resource records.
func (s *SQLiteStore) ListScopes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT scope FROM resource_state ORDER BY scope`)
	if err != nil {
		return nil, fmt.Errorf("failed to list scopes: %w", err)
	}
	defer rows.Close()

	scopes := []string{}
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, fmt.Errorf("failed to scan scope: %w", err)
		}
		scopes = append(scopes, scope)
	}
	return scopes, rows.Err()
}

func readResources(ctx context.Context, q queryer, scope string) ([]model.ResourceState, error) {
	query := `
		SELECT provider, type, name, status, attributes, provider_id, depends_on, checkpointed_at
		FROM resource_state
		WHERE scope = ?
		ORDER BY provider, type, name
	`

	rows, err := q.QueryContext(ctx, query, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to read resources: %w", err)
	}
	defer rows.Close()

	states := []model.ResourceState{}
	for rows.Next() {
		rs, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, *rs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}
	return states, nil
}

func scanResource(row rowScanner) (*model.ResourceState, error) {
	var (
		rs           model.ResourceState
		status       string
		attrs        string
		deps         string
		checkpointed string
	)

	err := row.Scan(
		&rs.Identity.Provider,
		&rs.Identity.Type,
		&rs.Identity.Name,
		&status,
		&attrs,
		&rs.ProviderID,
		&deps,
		&checkpointed,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan resource: %w", err)
	}

	id := rs.Identity.String()
	rs.Status = model.ResourceStatus(status)
	if err := rs.Status.Validate(); err != nil {
		return nil, engine.NewCorruptRecordError(id, err)
	}
	if err := json.Unmarshal([]byte(attrs), &rs.Attributes); err != nil {
		return nil, engine.NewCorruptRecordError(id, fmt.Errorf("attributes: %w", err))
	}
	if len(rs.Attributes) == 0 {
		rs.Attributes = nil
	}
	if err := json.Unmarshal([]byte(deps), &rs.DependsOn); err != nil {
		return nil, engine.NewCorruptRecordError(id, fmt.Errorf("depends_on: %w", err))
	}
	if len(rs.DependsOn) == 0 {
		rs.DependsOn = nil
	}
	if rs.CheckpointedAt, err = parseTime(checkpointed); err != nil {
		return nil, engine.NewCorruptRecordError(id, fmt.Errorf("checkpointed_at: %w", err))
	}

	return &rs, nil
}

func nonNilAttributes(attrs map[string]interface{}) map[string]interface{} {
	if attrs == nil {
		return map[string]interface{}{}
	}
	return attrs
}
