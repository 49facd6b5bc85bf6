// Package session owns the lifecycle of a live assistant session: it opens
// the remote streaming connection, pumps captured audio into it, routes
// remote events to the transcript assembler, playback scheduler, and tool
// dispatcher, and exposes the observable agent state to the UI surface.
//
// A [Controller] is long-lived; each Connect/Stop cycle creates and destroys
// one session worth of transient state (live session, capture pipeline,
// playback scheduler). Every asynchronous callback is guarded by a
// generation counter so events from a torn-down session can never mutate
// the state of its successor.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/parley-ai/parley/internal/capture"
	"github.com/parley-ai/parley/internal/playback"
	"github.com/parley-ai/parley/internal/store"
	"github.com/parley-ai/parley/internal/tools"
	"github.com/parley-ai/parley/internal/transcript"
	"github.com/parley-ai/parley/pkg/live"
)

// Config is the per-deployment session configuration.
type Config struct {
	// Model overrides the provider's default model when non-empty.
	Model string

	// Voice selects the synthesis voice when the provider supports it.
	Voice string

	// SystemPrompt is the base instruction; user memory and the optional
	// context note are appended at connect time.
	SystemPrompt string

	// ContextNote is an optional one-shot hint for the next session,
	// e.g. "the user wants to reschedule yesterday's appointment".
	ContextNote string
}

// SourceFactory opens the microphone (or another capture source). Called
// once per Connect; a failure is fatal to that attempt.
type SourceFactory func(ctx context.Context) (capture.Source, error)

// Option configures a [Controller].
type Option func(*Controller)

// WithLogger sets the controller's logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(c *Controller) { c.log = log }
}

// WithSummariser enables post-call summarisation of recorded calls.
func WithSummariser(s Summariser) Option {
	return func(c *Controller) { c.summariser = s }
}

// WithObserver registers a callback invoked after every observable state
// change. Used by the UI surface to re-render. The callback runs outside
// the controller's lock and must not block.
func WithObserver(notify func()) Option {
	return func(c *Controller) { c.notify = notify }
}

// WithEventHook registers a callback invoked for every remote event before
// it is handled. Used to record metrics.
func WithEventHook(hook func(live.Event)) Option {
	return func(c *Controller) { c.onEvent = hook }
}

// WithFrameObserver registers a callback invoked for every capture frame
// forwarded to the live session. Must not block.
func WithFrameObserver(fn func()) Option {
	return func(c *Controller) { c.onFrame = fn }
}

// Controller is the session state machine. All exported methods are safe
// for concurrent use.
type Controller struct {
	provider   live.Provider
	store      store.Store
	dispatcher *tools.Dispatcher
	sink       playback.Sink
	mic        SourceFactory
	cfg        Config

	log        *slog.Logger
	summariser Summariser
	notify     func()
	onEvent    func(live.Event)
	onFrame    func()

	asm *transcript.Assembler

	mu         sync.Mutex
	generation uint64
	state      State
	lastErr    error
	muted      bool

	sess   live.Session
	sched  *playback.Scheduler
	pipe   *capture.Pipeline
	cancel context.CancelFunc

	activeCall   *store.CallRecord
	activeNumber string
	callMark     uint64
	preCallMuted bool

	logs      []LogEntry
	nextLogID uint64
}

// NewController creates a controller. provider, st, dispatcher, sink, and
// mic must be non-nil.
func NewController(provider live.Provider, st store.Store, dispatcher *tools.Dispatcher, sink playback.Sink, mic SourceFactory, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		provider:   provider,
		store:      st,
		dispatcher: dispatcher,
		sink:       sink,
		mic:        mic,
		cfg:        cfg,
		asm:        transcript.New(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

// ─────────────────────────────────────────────────────────────────────────
// Lifecycle
// ─────────────────────────────────────────────────────────────────────────

// Connect acquires the microphone, opens the remote live session, and
// transitions to Listening. Calling it while a session is active or another
// connect is in flight is a no-op. On failure the controller returns to
// Idle and the error is surfaced both as the return value and via Err.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Idle && c.state != Errored {
		c.mu.Unlock()
		return nil
	}
	c.state = Connecting
	c.lastErr = nil
	c.generation++
	gen := c.generation
	cfg := c.cfg
	c.cfg.ContextNote = "" // the note applies to one session only
	disp := c.dispatcher
	c.appendLogLocked(SeverityInfo, "connecting")
	c.mu.Unlock()
	c.changed()

	memory := c.loadMemory(ctx)
	instruction := buildSystemInstruction(cfg, memory)

	src, err := c.mic(ctx)
	if err != nil {
		return c.setupFailed(gen, fmt.Errorf("session: open capture source: %w", err))
	}

	sess, err := c.provider.Connect(ctx, live.SessionConfig{
		Model:             cfg.Model,
		SystemInstruction: instruction,
		Voice:             cfg.Voice,
		Tools:             disp.Declarations(),
	})
	if err != nil {
		src.Close()
		return c.setupFailed(gen, fmt.Errorf("session: open live session: %w", err))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sched := playback.New(c.sink)
	pipe := capture.NewPipeline(src, func(frame []byte) error {
		if c.onFrame != nil {
			c.onFrame()
		}
		return sess.SendAudio(frame)
	})

	c.mu.Lock()
	if c.generation != gen {
		// Stop raced the connect; discard everything we just built.
		c.mu.Unlock()
		cancel()
		sess.Close()
		sched.Close()
		src.Close()
		return nil
	}
	c.sess = sess
	c.sched = sched
	c.pipe = pipe
	c.cancel = cancel
	pipe.SetMuted(c.muted)
	c.asm.Reset()
	c.state = Listening
	c.appendLogLocked(SeverityInfo, "session established")
	c.mu.Unlock()
	c.changed()

	go func() {
		if err := pipe.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Error("capture pipeline stopped", "error", err)
		}
	}()
	go c.eventLoop(gen, sess, sched)

	// Best effort; a storage failure must not take the session down.
	if err := c.store.SetLastInteraction(ctx, time.Now()); err != nil {
		c.log.Warn("record last interaction", "error", err)
	}
	return nil
}

// Stop tears the current session down: cancels capture, stops and clears
// all pending playback, clears active-call details, and returns to Idle.
// Safe to call from any state, including mid-connect and twice in a row.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.state == Idle {
		c.mu.Unlock()
		return
	}
	c.generation++
	sess, sched, pipe, cancel := c.sess, c.sched, c.pipe, c.cancel
	c.sess, c.sched, c.pipe, c.cancel = nil, nil, nil, nil
	if c.activeCall != nil {
		c.muted = c.preCallMuted
	}
	c.activeCall = nil
	c.activeNumber = ""
	c.asm.CompleteAll()
	c.state = Idle
	c.appendLogLocked(SeverityInfo, "session stopped")
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if pipe != nil {
		pipe.Close() // unblocks the capture read
	}
	if sess != nil {
		sess.Close()
	}
	if sched != nil {
		sched.Close()
	}
	c.changed()
}

// SetMuted toggles the capture mute flag. Muted frames are dropped, never
// buffered. The flag survives reconnects.
func (c *Controller) SetMuted(muted bool) {
	c.mu.Lock()
	c.muted = muted
	if c.pipe != nil {
		c.pipe.SetMuted(muted)
	}
	if muted {
		c.appendLogLocked(SeverityInfo, "microphone muted")
	} else {
		c.appendLogLocked(SeverityInfo, "microphone unmuted")
	}
	c.mu.Unlock()
	c.changed()
}

// SetContextNote stores a user-supplied hint that is folded into the next
// session's system prompt. The note is consumed by the next Connect.
func (c *Controller) SetContextNote(note string) {
	c.mu.Lock()
	c.cfg.ContextNote = note
	c.mu.Unlock()
}

// SetSystemPrompt replaces the base instruction for future sessions. The
// running session keeps the prompt it connected with.
func (c *Controller) SetSystemPrompt(prompt string) {
	c.mu.Lock()
	c.cfg.SystemPrompt = prompt
	c.mu.Unlock()
}

// SetDispatcher swaps the tool dispatcher, e.g. after a config reload
// changed the simulated latencies or the business directory. The new
// declarations take effect on the next Connect; an in-flight batch
// finishes on the dispatcher it started with.
func (c *Controller) SetDispatcher(d *tools.Dispatcher) {
	c.mu.Lock()
	c.dispatcher = d
	c.mu.Unlock()
}

// CallStarted is the hook handed to the call-placement tool. It records the
// active call, enters the in-call state, and auto-mutes the microphone so
// the model's two-party dialogue is audible without echo.
func (c *Controller) CallStarted(rec store.CallRecord, number string) {
	c.mu.Lock()
	if c.sess == nil {
		// The session ended while the call was connecting.
		c.mu.Unlock()
		return
	}
	c.activeCall = &rec
	c.activeNumber = number
	c.callMark = c.lastEntryIDLocked()
	c.state = InCall
	c.preCallMuted = c.muted
	c.muted = true
	if c.pipe != nil {
		c.pipe.SetMuted(true)
	}
	c.appendLogLocked(SeverityInfo, fmt.Sprintf("call connected to %s", rec.Recipient))
	c.mu.Unlock()
	c.changed()
}

// ─────────────────────────────────────────────────────────────────────────
// Remote event handling
// ─────────────────────────────────────────────────────────────────────────

// eventLoop drains the session's event channel. Channel close is the
// authoritative end-of-session signal; a Closed event may or may not
// precede it.
func (c *Controller) eventLoop(gen uint64, sess live.Session, sched *playback.Scheduler) {
	for ev := range sess.Events() {
		if c.onEvent != nil {
			c.onEvent(ev)
		}
		switch ev := ev.(type) {
		case live.AudioDelta:
			c.handleAudio(gen, sched, ev.PCM)
		case live.TranscriptDelta:
			c.handleTranscript(gen, ev)
		case live.TurnComplete:
			c.handleTurnComplete(gen)
		case live.Interrupted:
			c.handleInterrupted(gen, sched)
		case live.ToolCallBatch:
			go c.handleToolCalls(gen, sess, ev.Calls)
		case live.Closed:
			c.handleClosed(gen, ev.Err)
		}
	}
	c.handleClosed(gen, sess.Err())
}

func (c *Controller) handleAudio(gen uint64, sched *playback.Scheduler, pcm []byte) {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	stateChanged := false
	if c.state == Listening {
		c.state = Speaking
		stateChanged = true
	}
	c.mu.Unlock()

	if _, err := sched.Schedule(pcm); err != nil {
		c.log.Debug("dropping audio for closed scheduler", "error", err)
	}
	if stateChanged {
		c.changed()
	}
}

func (c *Controller) handleTranscript(gen uint64, ev live.TranscriptDelta) {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	speaker := transcript.SpeakerAgent
	if ev.Direction == live.DirectionUser {
		speaker = transcript.SpeakerUser
	}
	c.asm.AppendDelta(speaker, ev.Text)
	c.mu.Unlock()
	c.changed()
}

func (c *Controller) handleTurnComplete(gen uint64) {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	c.asm.CompleteAll()

	var finished *store.CallRecord
	var entries []transcript.Entry
	if c.activeCall != nil {
		// The enacted conversation ends with its turn; return to
		// normal listening and hand the segment to the summariser.
		finished = c.activeCall
		c.activeCall = nil
		c.activeNumber = ""
		entries = c.asm.EntriesSince(c.callMark)
		// The call auto-muted the microphone; put the user's own
		// setting back rather than unconditionally unmuting.
		c.muted = c.preCallMuted
		if c.pipe != nil {
			c.pipe.SetMuted(c.muted)
		}
		c.appendLogLocked(SeverityInfo, fmt.Sprintf("call with %s ended", finished.Recipient))
		c.state = Listening
	} else if c.state == Speaking {
		c.state = Listening
	}
	c.mu.Unlock()
	c.changed()

	if finished != nil && c.summariser != nil {
		go c.summariseCall(*finished, entries)
	}
}

func (c *Controller) handleInterrupted(gen uint64, sched *playback.Scheduler) {
	sched.Interrupt()

	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	if c.state == Speaking {
		c.state = Listening
	}
	c.appendLogLocked(SeverityInfo, "agent interrupted")
	c.mu.Unlock()
	c.changed()
}

// handleToolCalls executes a batch sequentially and sends one batched
// reply. Stop does not cancel in-flight simulated delays; a reply finishing
// after teardown is dropped instead of being sent to a stale session.
func (c *Controller) handleToolCalls(gen uint64, sess live.Session, calls []live.ToolCall) {
	c.mu.Lock()
	disp := c.dispatcher
	c.mu.Unlock()
	responses := disp.Dispatch(context.Background(), calls)

	c.mu.Lock()
	stale := c.generation != gen
	c.mu.Unlock()
	if stale {
		c.log.Debug("dropping tool responses for ended session", "count", len(responses))
		return
	}

	if err := sess.SendToolResponses(responses); err != nil {
		c.log.Error("send tool responses", "error", err)
	}
}

// handleClosed finalises an unsolicited session end. A deliberate Stop has
// already bumped the generation, making this a no-op.
func (c *Controller) handleClosed(gen uint64, err error) {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	c.generation++
	sess, sched, pipe, cancel := c.sess, c.sched, c.pipe, c.cancel
	c.sess, c.sched, c.pipe, c.cancel = nil, nil, nil, nil
	if c.activeCall != nil {
		c.muted = c.preCallMuted
	}
	c.activeCall = nil
	c.activeNumber = ""
	c.asm.CompleteAll()
	if err != nil {
		c.lastErr = err
		c.state = Errored
		c.appendLogLocked(SeverityError, fmt.Sprintf("connection lost: %v", err))
	} else {
		c.state = Idle
		c.appendLogLocked(SeverityInfo, "session closed")
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if pipe != nil {
		pipe.Close()
	}
	if sess != nil {
		sess.Close()
	}
	if sched != nil {
		sched.Close()
	}
	c.changed()
}

// summariseCall replaces the call record's placeholder summary with an
// LLM-written one based on the transcript segment of the call.
func (c *Controller) summariseCall(rec store.CallRecord, entries []transcript.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	summary, err := c.summariser.SummariseCall(ctx, rec, entries)
	if err != nil {
		c.log.Warn("summarise call", "call", rec.ID, "error", err)
		return
	}
	if summary == "" {
		return
	}
	if err := c.store.UpdateCallSummary(ctx, rec.ID, summary); err != nil {
		c.log.Warn("store call summary", "call", rec.ID, "error", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────
// Observable state
// ─────────────────────────────────────────────────────────────────────────

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that ended the last session, if any. Cleared on the
// next Connect.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Muted reports the capture mute flag.
func (c *Controller) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// ActiveCall returns details of the call currently being enacted, or nil.
func (c *Controller) ActiveCall() *ActiveCallDetails {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeCall == nil {
		return nil
	}
	return &ActiveCallDetails{
		CallID:    c.activeCall.ID,
		Recipient: c.activeCall.Recipient,
		Number:    c.activeNumber,
	}
}

// Entries returns the transcript, oldest first.
func (c *Controller) Entries() []transcript.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.asm.Entries()
}

// Log returns the audit trail, oldest first.
func (c *Controller) Log() []LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]LogEntry, len(c.logs))
	copy(out, c.logs)
	return out
}

// CaptureStats returns the active pipeline's frame counters, or a zero
// value when no session is running.
func (c *Controller) CaptureStats() capture.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pipe == nil {
		return capture.Stats{}
	}
	return c.pipe.Stats()
}

// ─────────────────────────────────────────────────────────────────────────
// Internals
// ─────────────────────────────────────────────────────────────────────────

func (c *Controller) setupFailed(gen uint64, err error) error {
	c.mu.Lock()
	if c.generation == gen {
		c.state = Idle
		c.lastErr = err
		c.appendLogLocked(SeverityError, err.Error())
	}
	c.mu.Unlock()
	c.changed()
	c.log.Error("session setup failed", "error", err)
	return err
}

// loadMemory reads user memory, degrading to an empty value on storage
// failure.
func (c *Controller) loadMemory(ctx context.Context) store.UserMemory {
	memory, err := c.store.Memory(ctx)
	if err != nil {
		c.log.Warn("load user memory", "error", err)
		return store.UserMemory{}
	}
	return memory
}

func (c *Controller) lastEntryIDLocked() uint64 {
	entries := c.asm.Entries()
	if len(entries) == 0 {
		return 0
	}
	return entries[len(entries)-1].ID
}

func (c *Controller) appendLogLocked(severity, message string) {
	c.nextLogID++
	c.logs = append(c.logs, LogEntry{
		ID:       c.nextLogID,
		Time:     time.Now(),
		Message:  message,
		Severity: severity,
	})
}

func (c *Controller) changed() {
	if c.notify != nil {
		c.notify()
	}
}

// buildSystemInstruction assembles the session's system prompt from the
// base prompt, stored user memory, and the optional one-shot context note.
func buildSystemInstruction(cfg Config, memory store.UserMemory) string {
	var sb strings.Builder
	sb.WriteString(cfg.SystemPrompt)

	if len(memory.Preferences) > 0 {
		sb.WriteString("\n\nKnown user preferences:\n")
		for _, p := range memory.Preferences {
			sb.WriteString("- ")
			sb.WriteString(p)
			sb.WriteString("\n")
		}
	}
	if !memory.LastInteraction.IsZero() {
		fmt.Fprintf(&sb, "\nThe user last spoke to you on %s.\n",
			memory.LastInteraction.Format("Monday, 2 January 2006"))
	}
	if cfg.ContextNote != "" {
		sb.WriteString("\nContext for this session: ")
		sb.WriteString(cfg.ContextNote)
	}
	return sb.String()
}
