// Package mock provides an in-memory capture source for tests.
package mock

import (
	"io"
	"sync"
)

// Source feeds queued chunks to a capture pipeline. Push chunks from the
// test, then Finish (or Close) to end the stream.
type Source struct {
	mu     sync.Mutex
	queue  [][]byte
	closed bool
	signal chan struct{}
}

// NewSource creates an empty source.
func NewSource() *Source {
	return &Source{signal: make(chan struct{}, 1)}
}

// Push queues one chunk for delivery.
func (s *Source) Push(chunk []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, chunk)
	s.mu.Unlock()
	s.wake()
}

// Finish marks the end of the stream; pending chunks are still delivered.
func (s *Source) Finish() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
}

func (s *Source) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// ReadChunk returns the next queued chunk, blocking until one is pushed or
// the stream is finished.
func (s *Source) ReadChunk() ([]byte, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			chunk := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return chunk, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, io.EOF
		}
		<-s.signal
	}
}

// Close ends the stream.
func (s *Source) Close() error {
	s.Finish()
	return nil
}
