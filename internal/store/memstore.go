package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-memory [Store]. State is lost on process exit.
type MemStore struct {
	mu     sync.Mutex
	calls  []CallRecord
	memory UserMemory
	nextID int64
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{}
}

// SaveCall implements [Store].
func (m *MemStore) SaveCall(_ context.Context, rec CallRecord) (CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	rec.ID = m.nextID
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	m.calls = append(m.calls, rec)
	return rec, nil
}

// Calls implements [Store].
func (m *MemStore) Calls(context.Context) ([]CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]CallRecord, len(m.calls))
	copy(out, m.calls)
	slices.Reverse(out)
	return out, nil
}

// UpdateCallSummary implements [Store].
func (m *MemStore) UpdateCallSummary(_ context.Context, id int64, summary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.calls {
		if m.calls[i].ID == id {
			m.calls[i].Summary = summary
			return nil
		}
	}
	return fmt.Errorf("store: call %d not found", id)
}

// Memory implements [Store].
func (m *MemStore) Memory(context.Context) (UserMemory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem := m.memory
	mem.Preferences = slices.Clone(mem.Preferences)
	return mem, nil
}

// AddPreference implements [Store].
func (m *MemStore) AddPreference(_ context.Context, pref string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if slices.Contains(m.memory.Preferences, pref) {
		return false, nil
	}
	m.memory.Preferences = append(m.memory.Preferences, pref)
	return true, nil
}

// SetLastInteraction implements [Store].
func (m *MemStore) SetLastInteraction(_ context.Context, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.memory.LastInteraction = at
	return nil
}

// ClearHistory implements [Store].
func (m *MemStore) ClearHistory(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = nil
	m.memory = UserMemory{}
	return nil
}

// Close implements [Store].
func (m *MemStore) Close() error { return nil }
