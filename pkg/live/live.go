// Package live defines the Provider interface for realtime speech backends.
//
// A live provider wraps a hosted realtime voice model that accepts raw audio
// input and returns synthesised audio output in a single, stateful session.
// Examples include the Gemini Live API and the OpenAI Realtime API.
//
// The central abstraction is [Session]: a bidirectional streaming connection
// whose server side is surfaced as a single ordered stream of typed [Event]
// values. The consumer runs one event loop per session; events arrive in the
// order the provider emitted them, so transcript deltas, audio chunks, tool
// calls, and turn boundaries interleave exactly as they did on the wire.
//
// All implementations must be safe for concurrent use.
package live

import "context"

// Direction tags a transcript delta with the speaker it belongs to.
type Direction string

const (
	// DirectionUser marks recognised user speech (input transcription).
	DirectionUser Direction = "user"

	// DirectionAgent marks the model's spoken output (output transcription).
	DirectionAgent Direction = "agent"
)

// ToolCall is a single structured function-call request emitted by the model.
type ToolCall struct {
	// ID is the provider-assigned request identifier. The matching
	// [ToolResponse] must carry the same ID.
	ID string

	// Name is the declared tool name being invoked.
	Name string

	// Args is the JSON-encoded argument object.
	Args string
}

// ToolResponse is the structured reply to one [ToolCall]. Responses for all
// calls of a batch are sent back in a single [Session.SendToolResponses]
// invocation so the provider's request/response pairing is preserved.
type ToolResponse struct {
	// ID echoes the originating ToolCall.ID.
	ID string

	// Name echoes the originating ToolCall.Name.
	Name string

	// Result is the JSON-encoded response object.
	Result string
}

// Event is a typed server event delivered on [Session.Events].
//
// The concrete types are [AudioDelta], [TranscriptDelta], [ToolCallBatch],
// [TurnComplete], [Interrupted], and [Closed]. Consumers switch on the
// dynamic type; unknown future event types must be ignored, not treated as
// errors.
type Event interface {
	isEvent()
}

// AudioDelta carries one decoded chunk of synthesised speech.
type AudioDelta struct {
	// PCM is raw little-endian s16 mono audio at the provider's output rate
	// (24 kHz for both supported providers). Base64 transport encoding is
	// stripped by the implementation.
	PCM []byte
}

// TranscriptDelta carries one incremental partial-text fragment for a single
// speaker direction. Deltas accumulate until the turn completes.
type TranscriptDelta struct {
	Direction Direction
	Text      string
}

// ToolCallBatch carries one or more function-call requests that arrived
// within a single model turn. All calls of a batch must be answered together
// via [Session.SendToolResponses].
type ToolCallBatch struct {
	Calls []ToolCall
}

// TurnComplete signals the end of one conversational exchange unit. Pending
// transcript accumulators are finalised on receipt.
type TurnComplete struct{}

// Interrupted signals barge-in: the user spoke while the model's audio was
// still playing. All scheduled playback must be cancelled immediately.
type Interrupted struct{}

// Closed is the terminal event: the connection ended. Err is nil for a clean
// close and non-nil for a transport failure. No events follow Closed, and
// the Events channel is closed after its delivery. Delivery is best-effort
// when the consumer has stopped draining — the channel close itself is the
// authoritative terminal signal, with [Session.Err] carrying the cause.
type Closed struct {
	Err error
}

func (AudioDelta) isEvent()      {}
func (TranscriptDelta) isEvent() {}
func (ToolCallBatch) isEvent()   {}
func (TurnComplete) isEvent()    {}
func (Interrupted) isEvent()     {}
func (Closed) isEvent()          {}

// Declaration is one tool schema offered to the model at session setup.
// Parameters holds a JSON Schema object (type/properties/required) in the
// generic map form both provider protocols accept verbatim.
type Declaration struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// SessionConfig is the initial configuration for a new live session.
type SessionConfig struct {
	// Model overrides the provider's default model identifier when non-empty.
	Model string

	// SystemInstruction is the system-level prompt seeded with the user's
	// long-term memory summary and any one-shot context.
	SystemInstruction string

	// Voice selects the provider voice for synthesised output. Empty means
	// the provider default.
	Voice string

	// Tools is the set of tool declarations exposed to the model for the
	// lifetime of the session.
	Tools []Declaration
}

// Capabilities describes static properties of a live provider. The values
// are assumed constant for the lifetime of the Provider instance.
type Capabilities struct {
	// InputSampleRate is the PCM sample rate (Hz) expected by SendAudio.
	InputSampleRate int

	// OutputSampleRate is the PCM sample rate (Hz) of AudioDelta payloads.
	OutputSampleRate int

	// MaxSessionDurationMs is the provider's hard session lifetime limit in
	// milliseconds. Zero means no documented limit.
	MaxSessionDurationMs int

	// Voices lists the voice names selectable via SessionConfig.Voice.
	Voices []string
}

// Session represents an open realtime speech session.
//
// The session is the hot path of the voice pipeline — every method must
// return quickly. Server traffic is consumed from the Events channel by a
// single reader. All methods must be safe for concurrent use.
//
// Callers must call Close when the session is no longer needed.
type Session interface {
	// Events returns the ordered stream of server events. The channel is
	// closed after a [Closed] event is delivered. Consumers must drain it
	// promptly to keep the provider's receive loop from stalling.
	Events() <-chan Event

	// SendAudio delivers one raw PCM chunk of microphone input to the model.
	// The chunk must be s16le mono at Capabilities().InputSampleRate.
	// Returns an error if the session is closed or the write fails.
	SendAudio(pcm []byte) error

	// SendToolResponses sends one batched reply answering every call of a
	// [ToolCallBatch]. Exactly one response per originating call is required.
	SendToolResponses(responses []ToolResponse) error

	// Err returns the error that terminated the session, or nil if it ended
	// cleanly. Valid after the Events channel closes.
	Err() error

	// Close terminates the session and releases all resources. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any realtime speech backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Connect establishes a new live session with the given configuration.
	// The returned Session is ready to accept audio immediately. Returns an
	// error if the session cannot be established (bad credential, rejected
	// setup, ctx already cancelled). The caller owns the Session and is
	// responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)

	// Capabilities returns static metadata about the underlying model.
	Capabilities() Capabilities
}
