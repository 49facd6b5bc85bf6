// Package llm defines a minimal text-completion interface used for offline
// work such as summarising finished calls. The live speech path does not go
// through this interface.
//
// Implementors must be safe for concurrent use.
package llm

import "context"

// Message is one turn of conversation history.
type Message struct {
	// Role is "user", "assistant", or "system".
	Role string

	// Content is the plain-text body.
	Content string
}

// CompletionRequest carries everything the model needs to produce a
// response. Messages must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is an optional instruction injected before the
	// conversation history.
	SystemPrompt string

	// Messages is the ordered conversation history.
	Messages []Message

	// Temperature controls output randomness. Zero uses the provider
	// default.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int
}

// CompletionResponse is the model's reply.
type CompletionResponse struct {
	Content string
}

// Provider is a text-completion backend.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
