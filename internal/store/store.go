// Package store persists the assistant's call history and long-lived user
// memory across sessions.
//
// Two implementations exist: [MemStore] for tests and DSN-less deployments,
// and the PostgreSQL-backed store in the postgres subpackage.
package store

import (
	"context"
	"time"
)

// Call statuses recorded for completed dispatches.
const (
	CallCompleted = "completed"
	CallFailed    = "failed"
)

// CallRecord is one entry in the call history.
type CallRecord struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Recipient string    `json:"recipient"`
	Summary   string    `json:"summary"`
	Status    string    `json:"status"`
	Context   string    `json:"context,omitempty"`
}

// UserMemory is the durable per-user state that seeds new sessions.
type UserMemory struct {
	Preferences     []string  `json:"preferences"`
	LastInteraction time.Time `json:"last_interaction"`
}

// Store is the persistence surface used by the session controller and the
// built-in tools. Implementations must be safe for concurrent use.
type Store interface {
	// SaveCall appends a record to the call history and returns it with
	// its assigned ID. A zero Timestamp is filled with the current time.
	SaveCall(ctx context.Context, rec CallRecord) (CallRecord, error)

	// Calls returns the call history, newest first.
	Calls(ctx context.Context) ([]CallRecord, error)

	// UpdateCallSummary replaces the summary of an existing record.
	UpdateCallSummary(ctx context.Context, id int64, summary string) error

	// Memory returns the current user memory. A store with no prior
	// state returns a zero UserMemory and no error.
	Memory(ctx context.Context) (UserMemory, error)

	// AddPreference records a user preference. Preferences are
	// deduplicated; re-adding an existing one reports false.
	AddPreference(ctx context.Context, pref string) (added bool, err error)

	// SetLastInteraction records when the user last spoke to the agent.
	SetLastInteraction(ctx context.Context, at time.Time) error

	// ClearHistory removes all call records and user memory.
	ClearHistory(ctx context.Context) error

	// Close releases any underlying resources.
	Close() error
}
