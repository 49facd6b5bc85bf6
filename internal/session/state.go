package session

import "time"

// State is the observable lifecycle state of the assistant. Exactly one
// value is active at a time; it drives the UI and gates audio sending.
type State int

const (
	// Idle: no session. The only state Connect accepts.
	Idle State = iota

	// Connecting: microphone and remote session setup in progress.
	Connecting

	// Listening: session open, waiting for or receiving user speech.
	Listening

	// Speaking: agent audio is playing.
	Speaking

	// InCall: the agent is enacting a simulated phone call. Input is
	// auto-muted; the user may unmute to take over.
	InCall

	// Errored: the session ended with a surfaced error. Connect may be
	// called to start over.
	Errored
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Listening:
		return "listening"
	case Speaking:
		return "speaking"
	case InCall:
		return "in_call"
	case Errored:
		return "error"
	default:
		return "unknown"
	}
}

// ActiveCallDetails describes the simulated call being enacted. Present
// only while the controller is [InCall].
type ActiveCallDetails struct {
	CallID    int64  `json:"call_id"`
	Recipient string `json:"recipient"`
	Number    string `json:"number,omitempty"`
}

// Severities for audit log entries.
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// LogEntry is one line of the append-only audit trail surfaced to the UI.
// Entries are never mutated after creation.
type LogEntry struct {
	ID       uint64    `json:"id"`
	Time     time.Time `json:"time"`
	Message  string    `json:"message"`
	Severity string    `json:"severity"`
}
