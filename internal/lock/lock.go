// Package lock implements a lease-based distributed lock over the
// relational store: a token row with an expiry timestamp, periodic
// renewal at an interval shorter than the lease TTL, and idempotent
// release. Used optionally by long-running engine invocations that must
// serialize per session.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cortexmem/internal/observability"
	"cortexmem/internal/storage"
)

const locksTable = "engine_locks"

// Lock is a held lease on a named resource (typically a session id).
type Lock struct {
	rel   storage.RelationalStore
	key   string
	token string
	ttl   time.Duration
}

// Acquire attempts to take the lease on key. It succeeds if no row exists
// for key, or if the existing row's lease has expired (a stale lock is
// stolen rather than blocking forever). The relational capability
// interface has no compare-and-swap primitive, so this is a read-then-write
// sequence and is not linearizable across concurrent acquirers contending
// for the same key at the same instant; callers needing strict mutual
// exclusion under contention should pair this with their own retry/backoff.
func Acquire(ctx context.Context, rel storage.RelationalStore, key string, ttl time.Duration) (*Lock, bool, error) {
	now := time.Now().UTC()
	rows, err := rel.Query(ctx, locksTable, storage.Filter{"lock_key": key}, "", 1)
	if err != nil {
		return nil, false, fmt.Errorf("lock: query existing: %w", err)
	}

	token := uuid.NewString()
	expiresAt := now.Add(ttl)

	if len(rows) == 0 {
		if err := rel.Insert(ctx, locksTable, map[string]any{
			"lock_key": key, "token": token, "expires_at": expiresAt, "acquired_at": now,
		}); err != nil {
			return nil, false, fmt.Errorf("lock: insert: %w", err)
		}
		return &Lock{rel: rel, key: key, token: token, ttl: ttl}, true, nil
	}

	existingExpiry, _ := rows[0]["expires_at"].(time.Time)
	if existingExpiry.After(now) {
		return nil, false, nil
	}

	n, err := rel.Update(ctx, locksTable, storage.Filter{"lock_key": key}, map[string]any{
		"token": token, "expires_at": expiresAt, "acquired_at": now,
	})
	if err != nil {
		return nil, false, fmt.Errorf("lock: steal expired lease: %w", err)
	}
	if n == 0 {
		return nil, false, nil
	}
	return &Lock{rel: rel, key: key, token: token, ttl: ttl}, true, nil
}

// Renew extends the lease's expiry, failing if another holder has already
// taken over the key (detected by the token no longer matching).
func (l *Lock) Renew(ctx context.Context) error {
	n, err := l.rel.Update(ctx, locksTable, storage.Filter{"lock_key": l.key, "token": l.token}, map[string]any{
		"expires_at": time.Now().UTC().Add(l.ttl),
	})
	if err != nil {
		return fmt.Errorf("lock: renew: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("lock: lease on %q no longer held", l.key)
	}
	return nil
}

// Release drops the lease. It is idempotent: releasing an already-released
// or stolen lease is not an error.
func (l *Lock) Release(ctx context.Context) error {
	_, err := l.rel.DeleteByFilters(ctx, locksTable, storage.Filter{"lock_key": l.key, "token": l.token})
	if err != nil {
		return fmt.Errorf("lock: release: %w", err)
	}
	return nil
}

// AutoRenew starts a background renewal loop at interval (which should be
// comfortably shorter than the lease TTL) and returns a stop function. A
// renewal failure is logged; it does not stop the loop, since a transient
// backend error should not abandon a lease the caller still believes it
// holds.
func (l *Lock) AutoRenew(ctx context.Context, interval time.Duration) (stop func()) {
	renewCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		log := observability.LoggerWithTrace(ctx)
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				if err := l.Renew(renewCtx); err != nil {
					log.Warn().Err(err).Str("lock_key", l.key).Msg("lock_renew_failed")
				}
			}
		}
	}()
	return cancel
}
