// Package postgres provides a PostgreSQL-backed [store.Store] so call
// history and user memory survive restarts and can be shared across
// assistant instances.
//
// All operations run against a single [pgxpool.Pool]. [Migrate] creates the
// required tables on startup via CREATE TABLE IF NOT EXISTS, so no external
// migration tooling is needed.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlCallRecords = `
CREATE TABLE IF NOT EXISTS call_records (
    id        BIGSERIAL    PRIMARY KEY,
    timestamp TIMESTAMPTZ  NOT NULL DEFAULT now(),
    recipient TEXT         NOT NULL,
    summary   TEXT         NOT NULL DEFAULT '',
    status    TEXT         NOT NULL,
    context   TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_call_records_timestamp
    ON call_records (timestamp DESC);
`

const ddlUserPreferences = `
CREATE TABLE IF NOT EXISTS user_preferences (
    preference TEXT        NOT NULL PRIMARY KEY,
    added_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// user_state is a single-row table keyed by a fixed ID.
const ddlUserState = `
CREATE TABLE IF NOT EXISTS user_state (
    id               BOOLEAN     PRIMARY KEY DEFAULT TRUE CHECK (id),
    last_interaction TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate ensures all required tables and indexes exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []string{ddlCallRecords, ddlUserPreferences, ddlUserState} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("apply ddl: %w", err)
		}
	}
	return nil
}
