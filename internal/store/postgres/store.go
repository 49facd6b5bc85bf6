package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parley-ai/parley/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store is the PostgreSQL-backed persistence layer. All methods are safe
// for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection, and
// runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// SaveCall implements [store.Store].
func (s *Store) SaveCall(ctx context.Context, rec store.CallRecord) (store.CallRecord, error) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	const q = `
		INSERT INTO call_records (timestamp, recipient, summary, status, context)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	err := s.pool.QueryRow(ctx, q,
		rec.Timestamp, rec.Recipient, rec.Summary, rec.Status, rec.Context,
	).Scan(&rec.ID)
	if err != nil {
		return store.CallRecord{}, fmt.Errorf("postgres store: save call: %w", err)
	}
	return rec, nil
}

// Calls implements [store.Store]. Records are returned newest first.
func (s *Store) Calls(ctx context.Context) ([]store.CallRecord, error) {
	const q = `
		SELECT id, timestamp, recipient, summary, status, context
		FROM   call_records
		ORDER  BY timestamp DESC, id DESC`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list calls: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.CallRecord, error) {
		var rec store.CallRecord
		err := row.Scan(&rec.ID, &rec.Timestamp, &rec.Recipient, &rec.Summary, &rec.Status, &rec.Context)
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan calls: %w", err)
	}
	return records, nil
}

// UpdateCallSummary implements [store.Store].
func (s *Store) UpdateCallSummary(ctx context.Context, id int64, summary string) error {
	const q = `UPDATE call_records SET summary = $2 WHERE id = $1`

	tag, err := s.pool.Exec(ctx, q, id, summary)
	if err != nil {
		return fmt.Errorf("postgres store: update summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: call %d not found", id)
	}
	return nil
}

// Memory implements [store.Store].
func (s *Store) Memory(ctx context.Context) (store.UserMemory, error) {
	var mem store.UserMemory

	const prefsQ = `SELECT preference FROM user_preferences ORDER BY added_at`
	rows, err := s.pool.Query(ctx, prefsQ)
	if err != nil {
		return store.UserMemory{}, fmt.Errorf("postgres store: list preferences: %w", err)
	}
	mem.Preferences, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (string, error) {
		var p string
		err := row.Scan(&p)
		return p, err
	})
	if err != nil {
		return store.UserMemory{}, fmt.Errorf("postgres store: scan preferences: %w", err)
	}

	const stateQ = `SELECT last_interaction FROM user_state WHERE id`
	err = s.pool.QueryRow(ctx, stateQ).Scan(&mem.LastInteraction)
	if err != nil && err != pgx.ErrNoRows {
		return store.UserMemory{}, fmt.Errorf("postgres store: read state: %w", err)
	}
	return mem, nil
}

// AddPreference implements [store.Store].
func (s *Store) AddPreference(ctx context.Context, pref string) (bool, error) {
	const q = `
		INSERT INTO user_preferences (preference)
		VALUES ($1)
		ON CONFLICT (preference) DO NOTHING`

	tag, err := s.pool.Exec(ctx, q, pref)
	if err != nil {
		return false, fmt.Errorf("postgres store: add preference: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetLastInteraction implements [store.Store].
func (s *Store) SetLastInteraction(ctx context.Context, at time.Time) error {
	const q = `
		INSERT INTO user_state (id, last_interaction)
		VALUES (TRUE, $1)
		ON CONFLICT (id) DO UPDATE SET last_interaction = EXCLUDED.last_interaction`

	if _, err := s.pool.Exec(ctx, q, at); err != nil {
		return fmt.Errorf("postgres store: set last interaction: %w", err)
	}
	return nil
}

// ClearHistory implements [store.Store].
func (s *Store) ClearHistory(ctx context.Context) error {
	for _, q := range []string{
		`DELETE FROM call_records`,
		`DELETE FROM user_preferences`,
		`DELETE FROM user_state`,
	} {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("postgres store: clear history: %w", err)
		}
	}
	return nil
}

// Ping verifies database connectivity. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements [store.Store].
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
