// Package transcript assembles incremental transcription deltas into an
// ordered, low-churn conversation log.
//
// The live session emits partial-text fragments for two speaker directions
// (user speech as recognised by the model, and the model's own spoken
// output). The [Assembler] keeps one accumulator per speaker: each delta
// extends the accumulator and re-renders the same non-final entry in place,
// so a partial utterance occupies a single slot instead of producing one
// entry per token. A turn-complete signal finalises the entry and resets the
// accumulator.
//
// Invariant: at most one non-final entry per speaker is pending at any time.
//
// All exported methods are safe for concurrent use.
package transcript

import (
	"strings"
	"sync"
	"time"
)

// Speaker identifies which side of the conversation an entry belongs to.
type Speaker string

const (
	// SpeakerUser is the human side (input transcription).
	SpeakerUser Speaker = "user"

	// SpeakerAgent is the model side (output transcription).
	SpeakerAgent Speaker = "agent"
)

// Entry is one rendered transcript slot. Non-final entries are replaced in
// place as deltas arrive; once Final is set the entry never changes again.
type Entry struct {
	// ID is a monotonically increasing identifier assigned when the entry's
	// first delta arrives. It is stable across in-place updates.
	ID uint64

	// Speaker is the direction this entry belongs to.
	Speaker Speaker

	// Text is the concatenation of all deltas received so far this turn.
	Text string

	// Timestamp is when the entry's first delta arrived.
	Timestamp time.Time

	// Final reports whether the turn that produced this entry has completed.
	Final bool
}

// UpdateFunc observes every entry render: both in-place partial updates and
// finalisations. Handlers run under the assembler lock and must not call
// back into the Assembler.
type UpdateFunc func(Entry)

// Option is a functional option for configuring an [Assembler].
type Option func(*Assembler)

// WithClock overrides the timestamp source. Used in tests for deterministic
// entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// WithUpdateHandler registers fn to observe every entry render.
func WithUpdateHandler(fn UpdateFunc) Option {
	return func(a *Assembler) { a.onUpdate = fn }
}

// Assembler accumulates transcription deltas into an ordered entry log.
type Assembler struct {
	mu       sync.Mutex
	nextID   uint64
	entries  []Entry
	pending  map[Speaker]int // index into entries of the open non-final entry
	acc      map[Speaker]*strings.Builder
	now      func() time.Time
	onUpdate UpdateFunc
}

// New creates an empty Assembler.
func New(opts ...Option) *Assembler {
	a := &Assembler{
		pending: make(map[Speaker]int, 2),
		acc:     make(map[Speaker]*strings.Builder, 2),
		now:     time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// AppendDelta extends speaker's accumulator with text and renders the
// result as that speaker's single non-final entry, replacing the previous
// render. Empty deltas are ignored.
func (a *Assembler) AppendDelta(speaker Speaker, text string) {
	if text == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.acc[speaker]
	if !ok {
		b = &strings.Builder{}
		a.acc[speaker] = b
	}
	b.WriteString(text)

	if idx, open := a.pending[speaker]; open {
		a.entries[idx].Text = b.String()
		a.notifyLocked(a.entries[idx])
		return
	}

	a.nextID++
	entry := Entry{
		ID:        a.nextID,
		Speaker:   speaker,
		Text:      b.String(),
		Timestamp: a.now(),
	}
	a.entries = append(a.entries, entry)
	a.pending[speaker] = len(a.entries) - 1
	a.notifyLocked(entry)
}

// CompleteTurn finalises speaker's pending entry with the accumulator's full
// text and resets the accumulator. A turn-complete with an empty accumulator
// produces no entry.
func (a *Assembler) CompleteTurn(speaker Speaker) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.completeLocked(speaker)
}

// CompleteAll finalises any pending entry for every speaker. Called when a
// session ends mid-turn so partial utterances are not left dangling.
func (a *Assembler) CompleteAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.completeLocked(SpeakerUser)
	a.completeLocked(SpeakerAgent)
}

func (a *Assembler) completeLocked(speaker Speaker) {
	idx, open := a.pending[speaker]
	if !open {
		return
	}
	delete(a.pending, speaker)

	b := a.acc[speaker]
	if b != nil {
		a.entries[idx].Text = b.String()
		b.Reset()
	}
	a.entries[idx].Final = true
	a.notifyLocked(a.entries[idx])
}

// Entries returns a snapshot of the transcript log in arrival order.
func (a *Assembler) Entries() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Entry, len(a.entries))
	copy(out, a.entries)
	return out
}

// EntriesSince returns the entries whose ID is strictly greater than id.
// Used by the UI snapshot endpoint for incremental polling.
func (a *Assembler) EntriesSince(id uint64) []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Entry
	for _, e := range a.entries {
		if e.ID > id {
			out = append(out, e)
		}
	}
	return out
}

// Reset discards all entries and accumulators. Called when a new session
// starts so the log reflects a single connection.
func (a *Assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = nil
	a.pending = make(map[Speaker]int, 2)
	a.acc = make(map[Speaker]*strings.Builder, 2)
}

func (a *Assembler) notifyLocked(e Entry) {
	if a.onUpdate != nil {
		a.onUpdate(e)
	}
}
