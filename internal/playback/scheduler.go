// Package playback schedules synthesised audio chunks for gapless,
// non-overlapping sequential output.
//
// Chunks arrive from the live session in network order but with jitter. The
// [Scheduler] assigns each decoded buffer a start offset of
// max(playback clock, cursor) and advances the cursor by the buffer's
// duration, which yields back-to-back playback without ever scheduling into
// the past. Every in-flight buffer is tracked in an active set so a barge-in
// interruption can stop all of them at once and reset the cursor, letting
// the next turn's audio start fresh instead of queueing behind stale speech.
//
// All exported methods are safe for concurrent use.
package playback

import (
	"fmt"
	"sync"
	"time"

	"github.com/parley-ai/parley/pkg/audio"
)

// Sink receives PCM buffers when their scheduled start arrives. The write
// happens on an internal goroutine and must not block for extended periods.
type Sink interface {
	Write(pcm []byte)
}

// SinkFunc adapts a plain function to the [Sink] interface.
type SinkFunc func(pcm []byte)

// Write calls f(pcm).
func (f SinkFunc) Write(pcm []byte) { f(pcm) }

// source is one scheduled buffer. Owned exclusively by the Scheduler from
// Schedule until natural completion or interruption.
type source struct {
	id    uint64
	data  []byte
	start time.Duration
	stop  chan struct{}
}

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithClock overrides the playback clock. The function must return the
// elapsed playback time since the scheduler was created. Used in tests for
// deterministic start offsets.
func WithClock(now func() time.Duration) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithFormat overrides the expected PCM format of scheduled buffers.
// The default is 24 kHz mono, matching both live providers.
func WithFormat(f audio.Format) Option {
	return func(s *Scheduler) { s.format = f }
}

// Scheduler owns the active-source set and the monotonic next-start cursor.
type Scheduler struct {
	sink   Sink
	format audio.Format
	now    func() time.Duration

	mu      sync.Mutex
	cursor  time.Duration
	sources map[uint64]*source
	nextID  uint64
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Scheduler that delivers buffers to sink at their scheduled
// start offsets. sink must not be nil.
func New(sink Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		sink:    sink,
		format:  audio.Format{SampleRate: audio.PlaybackRate, Channels: 1},
		sources: make(map[uint64]*source),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.now == nil {
		epoch := time.Now()
		s.now = func() time.Duration { return time.Since(epoch) }
	}
	return s
}

// Schedule queues pcm for playback and returns its assigned start offset.
// The buffer starts at max(clock, cursor); the cursor then advances by the
// buffer's duration, guaranteeing no overlap with any earlier buffer.
// Empty buffers are ignored and return the current cursor.
func (s *Scheduler) Schedule(pcm []byte) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, fmt.Errorf("playback: scheduler closed")
	}
	if len(pcm) == 0 {
		return s.cursor, nil
	}

	clock := s.now()
	start := s.cursor
	if clock > start {
		start = clock
	}
	dur := audio.Duration(len(pcm), s.format)
	s.cursor = start + dur

	s.nextID++
	src := &source{
		id:    s.nextID,
		data:  pcm,
		start: start,
		stop:  make(chan struct{}),
	}
	s.sources[src.id] = src

	s.wg.Add(1)
	go s.run(src, start-clock, dur)

	return start, nil
}

// run waits for the source's start offset, delivers the buffer to the sink,
// holds the source in the active set for its playback duration, then
// deregisters it. An interruption (stop closed) or Close aborts at any point.
func (s *Scheduler) run(src *source, delay, dur time.Duration) {
	defer s.wg.Done()
	defer s.remove(src.id)

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-src.stop:
			return
		case <-s.done:
			return
		}
	}

	select {
	case <-src.stop:
		return
	case <-s.done:
		return
	default:
	}

	s.sink.Write(src.data)

	hold := time.NewTimer(dur)
	defer hold.Stop()
	select {
	case <-hold.C:
	case <-src.stop:
	case <-s.done:
	}
}

// remove deregisters a source after natural completion or cancellation.
func (s *Scheduler) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sources, id)
}

// Interrupt stops every active source, clears the set, and resets the cursor
// to zero. Audio scheduled afterwards starts at the current clock rather
// than behind the cancelled speech. Safe to call when nothing is playing.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interruptLocked()
}

func (s *Scheduler) interruptLocked() {
	for id, src := range s.sources {
		close(src.stop)
		delete(s.sources, id)
	}
	s.cursor = 0
}

// Active returns the number of sources currently registered (scheduled or
// playing).
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sources)
}

// Cursor returns the next-start cursor. Exposed for the status surface.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Close stops all playback, resets the cursor, and waits for the source
// goroutines to finish. Subsequent calls are no-ops and return nil.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.interruptLocked()
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	return nil
}
