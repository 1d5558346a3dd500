// Package l1 implements the Active Context tier: a bounded, TTL'd rolling
// window of the most recent turns per session, backed by a fast KV store on
// the hot path and a durable relational table on the cold path.
package l1

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cortexmem/internal/model"
	"cortexmem/internal/observability"
	"cortexmem/internal/storage"
)

const backupTable = "memory_turns"

// Config tunes the tier's window size, TTL, and cold-path behavior.
type Config struct {
	WindowSize          int
	TTL                 time.Duration
	PostgresBackup      bool
	RefreshTTLOnRead    bool
}

// DefaultConfig mirrors the documented defaults: a 20-turn window with a
// 24-hour TTL, cold-path backup enabled.
func DefaultConfig() Config {
	return Config{
		WindowSize:     20,
		TTL:            24 * time.Hour,
		PostgresBackup: true,
	}
}

// Tier is the L1 Active Context store.
type Tier struct {
	kv     storage.KVStore
	rel    storage.RelationalStore
	config Config
}

// New constructs an L1 tier. rel may be nil if cold-path backup is disabled.
func New(kv storage.KVStore, rel storage.RelationalStore, cfg Config) *Tier {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 20
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &Tier{kv: kv, rel: rel, config: cfg}
}

func sessionKey(sessionID string) string {
	return fmt.Sprintf("{session:%s}:turns", sessionID)
}

// Health reports the backing KV store's success-rate snapshot, used by the
// aggregate health endpoint.
func (t *Tier) Health() storage.Snapshot {
	return t.kv.Metrics().Snapshot()
}

// AppendTurn writes a turn through the hot path (pipelined push/trim/expire)
// and, if enabled, the cold-path relational backup.
func (t *Tier) AppendTurn(ctx context.Context, turn model.Turn) error {
	payload, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("l1: marshal turn: %w", err)
	}
	key := sessionKey(turn.SessionID)

	if err := t.kv.ListPush(ctx, key, string(payload)); err != nil {
		return fmt.Errorf("l1: push turn: %w", err)
	}
	if err := t.kv.ListTrim(ctx, key, 0, int64(t.config.WindowSize-1)); err != nil {
		return fmt.Errorf("l1: trim window: %w", err)
	}
	if err := t.kv.Expire(ctx, key, t.config.TTL); err != nil {
		return fmt.Errorf("l1: refresh ttl: %w", err)
	}

	if t.config.PostgresBackup && t.rel != nil {
		row := map[string]any{
			"session_id": turn.SessionID,
			"turn_id":    turn.TurnID,
			"tier":       "L1",
			"role":       turn.Role,
			"content":    turn.Content,
			"metadata":   turn.Metadata,
			"timestamp":  turn.CreatedAt,
		}
		if err := t.rel.Insert(ctx, backupTable, row); err != nil {
			return fmt.Errorf("l1: backup insert: %w", err)
		}
	}
	return nil
}

// RetrieveSession returns up to window_size turns for a session, most
// recent first. It tries the hot path first, falling back to the cold path
// and rebuilding the hot path on a cold-path hit.
func (t *Tier) RetrieveSession(ctx context.Context, sessionID string) ([]model.Turn, error) {
	log := observability.LoggerWithTrace(ctx)
	key := sessionKey(sessionID)

	raw, err := t.kv.ListRange(ctx, key, 0, int64(t.config.WindowSize-1))
	if err != nil {
		return nil, fmt.Errorf("l1: list range: %w", err)
	}
	if len(raw) > 0 {
		turns, err := decodeTurns(raw)
		if err != nil {
			return nil, err
		}
		if t.config.RefreshTTLOnRead {
			if err := t.kv.Expire(ctx, key, t.config.TTL); err != nil {
				log.Warn().Err(err).Str("session_id", sessionID).Msg("l1_refresh_ttl_on_read_failed")
			}
		}
		return turns, nil
	}

	if t.rel == nil {
		return nil, nil
	}
	rows, err := t.rel.Query(ctx, backupTable, storage.Filter{"session_id": sessionID, "tier": "L1"}, "timestamp DESC", t.config.WindowSize)
	if err != nil {
		return nil, fmt.Errorf("l1: cold-path query: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	turns := make([]model.Turn, 0, len(rows))
	for _, row := range rows {
		turns = append(turns, turnFromRow(row))
	}

	if err := t.rebuildHotPath(ctx, key, turns); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("l1_hot_path_rebuild_failed")
	}
	return turns, nil
}

// rebuildHotPath repopulates the KV list from a cold-path hit. turns is
// ordered most-recent-first; it is pushed in reverse so the list ends up in
// the same most-recent-first order the hot path normally maintains.
func (t *Tier) rebuildHotPath(ctx context.Context, key string, turns []model.Turn) error {
	values := make([]string, 0, len(turns))
	for i := len(turns) - 1; i >= 0; i-- {
		payload, err := json.Marshal(turns[i])
		if err != nil {
			return fmt.Errorf("marshal turn: %w", err)
		}
		values = append(values, string(payload))
	}
	if err := t.kv.ListPush(ctx, key, values...); err != nil {
		return err
	}
	if err := t.kv.ListTrim(ctx, key, 0, int64(t.config.WindowSize-1)); err != nil {
		return err
	}
	return t.kv.Expire(ctx, key, t.config.TTL)
}

// ClearSession drops a session's hot-path window. Used by explicit cleanup
// operations; the cold-path backup, if any, is left intact for audit.
func (t *Tier) ClearSession(ctx context.Context, sessionID string) error {
	return t.kv.Delete(ctx, sessionKey(sessionID))
}

func decodeTurns(raw []string) ([]model.Turn, error) {
	turns := make([]model.Turn, 0, len(raw))
	for _, r := range raw {
		var turn model.Turn
		if err := json.Unmarshal([]byte(r), &turn); err != nil {
			return nil, fmt.Errorf("l1: decode turn: %w", err)
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

func turnFromRow(row map[string]any) model.Turn {
	turn := model.Turn{
		SessionID: stringField(row, "session_id"),
		TurnID:    stringField(row, "turn_id"),
		Role:      stringField(row, "role"),
		Content:   stringField(row, "content"),
	}
	if md, ok := row["metadata"].(map[string]any); ok {
		turn.Metadata = md
	}
	if ts, ok := row["timestamp"].(time.Time); ok {
		turn.CreatedAt = ts
	}
	return turn
}

func stringField(row map[string]any, key string) string {
	if v, ok := row[key].(string); ok {
		return v
	}
	return ""
}
