package state

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/sheetbot/internal/logging"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS conversation_state (
    conversation_key TEXT PRIMARY KEY,
    last_file_ref    TEXT NOT NULL DEFAULT '',
    last_file_name   TEXT NOT NULL DEFAULT '',
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS conversation_state_updated_at_idx
    ON conversation_state (updated_at);
`

// PostgresOptions configures a PostgresStore.
type PostgresOptions struct {
	TTL           time.Duration
	SweepInterval time.Duration
	OnEvict       EvictFunc
}

// PostgresStore keeps records in a conversation_state table so several bot
// instances can share them. Update serializes on a transaction-scoped
// advisory lock derived from the key.
type PostgresStore struct {
	pool    *pgxpool.Pool
	ttl     time.Duration
	sweep   time.Duration
	onEvict EvictFunc
	closed  atomic.Bool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates the table if needed. The pool stays owned by the
// caller.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, opts PostgresOptions) (*PostgresStore, error) {
	s := &PostgresStore{
		pool:    pool,
		ttl:     opts.TTL,
		sweep:   opts.SweepInterval,
		onEvict: opts.OnEvict,
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}
	if s.sweep <= 0 {
		s.sweep = DefaultSweepInterval
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return nil, fmt.Errorf("create conversation_state table: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) Load(ctx context.Context, key string) (ConversationState, error) {
	if s.closed.Load() {
		return ConversationState{}, ErrClosed
	}
	st, err := loadState(ctx, s.pool, key)
	if err != nil {
		return ConversationState{}, fmt.Errorf("load state: %w", err)
	}
	if s.stale(st) {
		return ConversationState{}, nil
	}
	return st, nil
}

func (s *PostgresStore) Update(ctx context.Context, key string, fn func(*ConversationState) error) error {
	if s.closed.Load() {
		return ErrClosed
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin state transaction: %w", err)
	}
	defer tx.Rollback(ctx) // No-op after commit

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return fmt.Errorf("lock conversation: %w", err)
	}

	current, err := loadState(ctx, tx, key)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	// An idle row the sweeper has not reached yet is evicted here, after the
	// commit, and fn starts from scratch.
	var stale *ConversationState
	if s.stale(current) {
		old := current
		stale = &old
		current = ConversationState{}
	}

	next := current
	if err := fn(&next); err != nil {
		return err
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO conversation_state (conversation_key, last_file_ref, last_file_name, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (conversation_key) DO UPDATE
		SET last_file_ref = EXCLUDED.last_file_ref,
		    last_file_name = EXCLUDED.last_file_name,
		    updated_at = EXCLUDED.updated_at
		RETURNING updated_at`,
		key, next.LastFileRef, next.LastFileName,
	).Scan(&next.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit state: %w", err)
	}
	if stale != nil && s.onEvict != nil {
		s.onEvict(ctx, key, *stale)
	}
	return nil
}

// stale reports whether a stored record has outlived the TTL.
func (s *PostgresStore) stale(st ConversationState) bool {
	return !st.UpdatedAt.IsZero() && st.UpdatedAt.Before(time.Now().Add(-s.ttl))
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// loadState reads key's record, stale or not. A missing row is the zero
// state.
func loadState(ctx context.Context, q querier, key string) (ConversationState, error) {
	var st ConversationState
	err := q.QueryRow(ctx, `
		SELECT last_file_ref, last_file_name, updated_at
		FROM conversation_state
		WHERE conversation_key = $1`,
		key,
	).Scan(&st.LastFileRef, &st.LastFileName, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ConversationState{}, nil
	}
	if err != nil {
		return ConversationState{}, err
	}
	return st, nil
}

// Sweep deletes records idle for longer than the TTL.
func (s *PostgresStore) Sweep(ctx context.Context) (int, error) {
	rows, err := s.pool.Query(ctx, `
		DELETE FROM conversation_state
		WHERE updated_at < $1
		RETURNING conversation_key, last_file_ref, last_file_name, updated_at`,
		time.Now().Add(-s.ttl),
	)
	if err != nil {
		return 0, fmt.Errorf("sweep state: %w", err)
	}

	type victim struct {
		key   string
		state ConversationState
	}
	victims, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (victim, error) {
		var v victim
		err := row.Scan(&v.key, &v.state.LastFileRef, &v.state.LastFileName, &v.state.UpdatedAt)
		return v, err
	})
	if err != nil {
		return 0, fmt.Errorf("sweep state: %w", err)
	}

	if s.onEvict != nil {
		for _, v := range victims {
			s.onEvict(ctx, v.key, v.state)
		}
	}
	return len(victims), nil
}

func (s *PostgresStore) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()

	log := logging.FromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s.closed.Load() {
				return nil
			}
			n, err := s.Sweep(ctx)
			if err != nil {
				log.Warn("state sweep failed", "error", err)
				continue
			}
			if n > 0 {
				log.Info("evicted idle conversations", "count", n)
			}
		}
	}
}

// Close stops the store from serving calls. The pool is not closed.
func (s *PostgresStore) Close() error {
	s.closed.Store(true)
	return nil
}
