// Package capture turns a raw microphone byte stream into fixed-size frames
// suitable for a live speech session.
//
// A [Pipeline] reads from a [Source], re-buffers into 20 ms frames of
// 16 kHz mono 16-bit PCM, and hands each frame to an emit function. Muting
// drops frames at the source instead of buffering them, so unmuting never
// releases a backlog of stale audio.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parley-ai/parley/pkg/audio"
)

const (
	// FrameDuration is the fixed cadence of emitted frames.
	FrameDuration = 20 * time.Millisecond

	// FrameSize is the byte length of one frame: 20 ms of 16 kHz mono
	// 16-bit PCM.
	FrameSize = 2 * audio.CaptureRate / 50
)

// Source yields raw capture audio. Reads block until data is available and
// return io.EOF when the stream ends. Chunk sizes are arbitrary; the
// pipeline re-buffers into frames.
type Source interface {
	ReadChunk() ([]byte, error)
	Close() error
}

// EmitFunc receives one complete frame. Returning an error stops the
// pipeline.
type EmitFunc func(frame []byte) error

// Stats is a snapshot of pipeline counters.
type Stats struct {
	FramesSent    uint64
	FramesDropped uint64
}

// Pipeline reads, frames, and forwards capture audio.
type Pipeline struct {
	src  Source
	emit EmitFunc

	muted   atomic.Bool
	sent    atomic.Uint64
	dropped atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

// NewPipeline creates a pipeline that forwards frames from src to emit.
func NewPipeline(src Source, emit EmitFunc) *Pipeline {
	return &Pipeline{src: src, emit: emit}
}

// SetMuted toggles the mute switch. While muted, captured frames are
// discarded immediately and never delivered later.
func (p *Pipeline) SetMuted(muted bool) { p.muted.Store(muted) }

// Muted reports whether the pipeline currently discards frames.
func (p *Pipeline) Muted() bool { return p.muted.Load() }

// Stats returns the current frame counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		FramesSent:    p.sent.Load(),
		FramesDropped: p.dropped.Load(),
	}
}

// Close closes the underlying source. It unblocks a Run that is waiting in
// a source read, so callers tearing a session down should Close before
// expecting Run to return.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() { p.closeErr = p.src.Close() })
	return p.closeErr
}

// Run pumps the source until it is exhausted, ctx is cancelled, or emit
// fails. The source is closed on return. A clean end of stream returns nil.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.Close()

	buf := make([]byte, 0, 2*FrameSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		chunk, err := p.src.ReadChunk()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("capture: read source: %w", err)
		}

		if p.muted.Load() {
			// Drop, including anything already buffered: a frame
			// straddling the mute toggle must not leak through.
			buf = buf[:0]
			p.dropped.Add(1)
			continue
		}

		buf = append(buf, chunk...)
		for len(buf) >= FrameSize {
			frame := make([]byte, FrameSize)
			copy(frame, buf[:FrameSize])
			buf = append(buf[:0], buf[FrameSize:]...)

			if err := p.emit(frame); err != nil {
				return fmt.Errorf("capture: emit frame: %w", err)
			}
			p.sent.Add(1)
		}
	}
}
