// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to script server events and inspect the audio and tool-response
// traffic the session controller produced.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(live.TranscriptDelta{Direction: live.DirectionUser, Text: "hi"})
package mock

import (
	"context"
	"sync"

	"github.com/parley-ai/parley/pkg/live"
)

// Ensure the mocks implement the live interfaces at compile time.
var _ live.Provider = (*Provider)(nil)
var _ live.Session = (*Session)(nil)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg live.SessionConfig
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the session returned by Connect. If nil, Connect returns a
	// fresh default Session.
	Session live.Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectDelay, if non-nil, is closed by the test to release a Connect
	// call that should block (for testing concurrent-connect guards).
	ConnectDelay chan struct{}

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities live.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr. When ConnectDelay
// is set, Connect blocks until the channel is closed or ctx is cancelled.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	delay := p.ConnectDelay
	sess := p.Session
	err := p.ConnectErr
	p.mu.Unlock()

	if delay != nil {
		select {
		case <-delay:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if sess != nil {
		return sess, nil
	}
	return NewSession(), nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() live.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// Calls returns a snapshot of recorded Connect calls.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.ConnectCalls))
	copy(out, p.ConnectCalls)
	return out
}

// Session is a scriptable mock implementation of live.Session. Tests push
// server events with Emit and read back client traffic from SentAudio and
// SentResponses.
type Session struct {
	mu sync.Mutex

	events chan live.Event
	closed bool
	errVal error

	// SendAudioErr, if non-nil, is returned by SendAudio.
	SendAudioErr error

	// SentAudio records every chunk passed to SendAudio.
	SentAudio [][]byte

	// SentResponses records every batch passed to SendToolResponses.
	SentResponses [][]live.ToolResponse
}

// NewSession creates a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan live.Event, 64)}
}

// Emit delivers ev to the session consumer. Safe to call from tests at any
// point before CloseWith.
func (s *Session) Emit(ev live.Event) {
	s.events <- ev
}

// CloseWith delivers the terminal Closed event with err and closes the event
// channel, simulating a remote close or transport failure.
func (s *Session) CloseWith(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.errVal = err
	s.mu.Unlock()

	s.events <- live.Closed{Err: err}
	close(s.events)
}

// Events returns the scripted event stream.
func (s *Session) Events() <-chan live.Event { return s.events }

// SendAudio records the chunk.
func (s *Session) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.SentAudio = append(s.SentAudio, cp)
	return nil
}

// SendToolResponses records the batch.
func (s *Session) SendToolResponses(responses []live.ToolResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]live.ToolResponse, len(responses))
	copy(cp, responses)
	s.SentResponses = append(s.SentResponses, cp)
	return nil
}

// Err returns the error passed to CloseWith, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close marks the session closed. It does not close the event channel; use
// CloseWith to simulate the remote side ending the stream.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// AudioSent returns a snapshot of all chunks recorded by SendAudio.
func (s *Session) AudioSent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.SentAudio))
	copy(out, s.SentAudio)
	return out
}

// Responses returns a snapshot of all batches recorded by SendToolResponses.
func (s *Session) Responses() [][]live.ToolResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]live.ToolResponse, len(s.SentResponses))
	copy(out, s.SentResponses)
	return out
}
