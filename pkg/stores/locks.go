package stores

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/stagecraft/pkg/engine"
)

var errLeaseLost = errors.New("state lock lease lost")

// WithLock runs fn while holding the exclusive lease on scope. The lease
// is released on every exit path, including panics and cancellation. If
// the lease is lost while fn runs, fn's context is cancelled and writes
// through the locked state fail.
func (s *SQLiteStore) WithLock(ctx context.Context, scope string, fn func(ctx context.Context, state engine.LockedState) error) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	holder := uuid.New().String()
	waited, err := s.acquire(ctx, scope, holder)
	if s.cfg.OnLockWait != nil {
		s.cfg.OnLockWait(scope, waited, err)
	}
	if err != nil {
		return err
	}

	s.logger.Debug().
		Str("scope", scope).
		Str("holder", holder).
		Dur("waited", waited).
		Msg("State lock acquired")

	lockCtx, cancel := context.WithCancelCause(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		s.heartbeat(lockCtx, scope, holder, cancel)
	}()

	defer func() {
		cancel(nil)
		<-hbDone
		releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer releaseCancel()
		if err := s.release(releaseCtx, scope, holder); err != nil {
			s.logger.Error().Err(err).Str("scope", scope).Msg("Failed to release state lock")
		}
	}()

	err = fn(lockCtx, &lockedState{store: s, scope: scope, holder: holder})
	if cause := context.Cause(lockCtx); errors.Is(cause, errLeaseLost) && err == nil {
		err = engine.NewConflictError("state lock lease lost while running", cause).
			WithCode(engine.ErrCodeConflict).
			WithResource(scope).
			WithOperation("lock")
	}
	return err
}

// acquire polls until the lease is obtained, LockTimeout elapses, or ctx
// is done.
func (s *SQLiteStore) acquire(ctx context.Context, scope, holder string) (time.Duration, error) {
	start := time.Now()
	deadline := start.Add(s.cfg.LockTimeout)
	for {
		ok, err := s.tryAcquire(ctx, scope, holder)
		if err != nil {
			if ctx.Err() != nil {
				return time.Since(start), cancelledWait(scope, ctx.Err())
			}
			return time.Since(start), fmt.Errorf("failed to acquire lock %s: %w", scope, err)
		}
		if ok {
			return time.Since(start), nil
		}
		if !time.Now().Before(deadline) {
			return time.Since(start), engine.NewLockTimeoutError(scope, s.cfg.LockTimeout)
		}

		wait := s.cfg.PollInterval
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return time.Since(start), cancelledWait(scope, ctx.Err())
		case <-timer.C:
		}
	}
}

func cancelledWait(scope string, err error) error {
	return engine.NewPermanentError("lock wait cancelled", err).
		WithCode(engine.ErrCodeCancelled).
		WithResource(scope).
		WithOperation("lock")
}

// tryAcquire inserts the lease or steals it when expired, atomically.
func (s *SQLiteStore) tryAcquire(ctx context.Context, scope, holder string) (bool, error) {
	query := `
		INSERT INTO locks (scope, holder, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (scope) DO UPDATE SET
			holder = excluded.holder,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE locks.expires_at <= ?
	`

	now := time.Now()
	result, err := s.db.ExecContext(ctx, query,
		scope,
		holder,
		now.UnixMilli(),
		now.Add(s.cfg.LeaseTTL).UnixMilli(),
		now.UnixMilli(),
	)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// heartbeat extends the lease until ctx is done. A lost lease cancels
// the holder with errLeaseLost.
func (s *SQLiteStore) heartbeat(ctx context.Context, scope, holder string, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := s.extend(ctx, scope, holder)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn().Err(err).Str("scope", scope).Msg("Failed to extend state lock")
				continue
			}
			if !ok {
				s.logger.Error().Str("scope", scope).Str("holder", holder).Msg("State lock lease lost")
				cancel(errLeaseLost)
				return
			}
		}
	}
}

func (s *SQLiteStore) extend(ctx context.Context, scope, holder string) (bool, error) {
	query := `UPDATE locks SET expires_at = ? WHERE scope = ? AND holder = ?`

	result, err := s.db.ExecContext(ctx, query, time.Now().Add(s.cfg.LeaseTTL).UnixMilli(), scope, holder)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

func (s *SQLiteStore) release(ctx context.Context, scope, holder string) error {
	query := `DELETE FROM locks WHERE scope = ? AND holder = ?`

	if _, err := s.db.ExecContext(ctx, query, scope, holder); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	s.logger.Debug().Str("scope", scope).Str("holder", holder).Msg("State lock released")
	return nil
}

// ListLocks returns every lease row, expired ones included.
func (s *SQLiteStore) ListLocks(ctx context.Context) ([]Lock, error) {
	query := `SELECT scope, holder, acquired_at, expires_at FROM locks ORDER BY scope`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list locks: %w", err)
	}
	defer rows.Close()

	locks := []Lock{}
	for rows.Next() {
		var (
			l                   Lock
			acquired, expiresAt int64
		)
		if err := rows.Scan(&l.Scope, &l.Holder, &acquired, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan lock: %w", err)
		}
		l.AcquiredAt = time.UnixMilli(acquired).UTC()
		l.ExpiresAt = time.UnixMilli(expiresAt).UTC()
		locks = append(locks, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating locks: %w", err)
	}
	return locks, nil
}

// ForceUnlock removes the lease on scope regardless of holder. It reports
// whether a lease existed.
func (s *SQLiteStore) ForceUnlock(ctx context.Context, scope string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE scope = ?`, scope)
	if err != nil {
		return false, fmt.Errorf("failed to remove lock: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		s.logger.Warn().Str("scope", scope).Msg("State lock forcibly removed")
	}
	return rows > 0, nil
}
