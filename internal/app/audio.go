package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/parley-ai/parley/internal/capture"
)

// writeTimeout bounds a single playback write to the attached client so a
// stalled socket cannot back-pressure the scheduler.
const writeTimeout = time.Second

// audioBridge connects one browser client to the session's audio path over
// a WebSocket. Binary messages from the client are Opus packets fed to the
// capture pipeline; scheduled playback PCM is written back to the client as
// binary messages.
//
// The bridge outlives individual sockets: when the client disconnects the
// capture source stays open and simply blocks until a new client attaches,
// so a page reload does not tear the session down.
type audioBridge struct {
	log *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	source *packetQueue
}

func newAudioBridge(log *slog.Logger) *audioBridge {
	return &audioBridge{log: log}
}

// OpenSource is the controller's [session.SourceFactory]. Only one capture
// source can be open at a time.
func (b *audioBridge) OpenSource(_ context.Context) (capture.Source, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.source != nil {
		return nil, errors.New("app: audio input is already in use")
	}
	q := &packetQueue{signal: make(chan struct{}, 1), release: b.releaseSource}
	src, err := capture.NewOpusSource(q)
	if err != nil {
		return nil, err
	}
	b.source = q
	return src, nil
}

func (b *audioBridge) releaseSource(q *packetQueue) {
	b.mu.Lock()
	if b.source == q {
		b.source = nil
	}
	b.mu.Unlock()
}

// Write implements [playback.Sink]. Playback with no client attached is
// silently discarded, matching a muted speaker.
func (b *audioBridge) Write(pcm []byte) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		b.log.Debug("playback write to audio client failed", "error", err)
	}
}

// handleWS upgrades the request and pumps client audio into the capture
// source until the socket closes.
func (b *audioBridge) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	b.mu.Lock()
	if b.conn != nil {
		b.mu.Unlock()
		conn.Close(websocket.StatusPolicyViolation, "an audio client is already attached")
		return
	}
	b.conn = conn
	b.mu.Unlock()
	b.log.Info("audio client attached", "remote", r.RemoteAddr)

	defer func() {
		b.mu.Lock()
		if b.conn == conn {
			b.conn = nil
		}
		b.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
		b.log.Info("audio client detached", "remote", r.RemoteAddr)
	}()

	for {
		typ, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}

		b.mu.Lock()
		q := b.source
		b.mu.Unlock()
		if q != nil {
			q.push(data)
		}
	}
}

// packetQueue buffers Opus packets between the WebSocket read loop and the
// capture pipeline. Reads block until a packet arrives; Close wakes any
// blocked reader with io.EOF.
type packetQueue struct {
	release func(*packetQueue)
	signal  chan struct{}

	mu     sync.Mutex
	queue  [][]byte
	closed bool
}

var _ capture.PacketSource = (*packetQueue)(nil)

func (q *packetQueue) push(pkt []byte) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.queue = append(q.queue, append([]byte(nil), pkt...))
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// ReadPacket implements [capture.PacketSource].
func (q *packetQueue) ReadPacket() ([]byte, error) {
	for {
		q.mu.Lock()
		if len(q.queue) > 0 {
			pkt := q.queue[0]
			q.queue = q.queue[1:]
			q.mu.Unlock()
			return pkt, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, io.EOF
		}
		<-q.signal
	}
}

// Close implements [capture.PacketSource]. Called by the capture pipeline
// on teardown; frees the bridge's input slot for the next session.
func (q *packetQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.queue = nil
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	if q.release != nil {
		q.release(q)
	}
	return nil
}
