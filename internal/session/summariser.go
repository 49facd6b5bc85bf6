package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/parley-ai/parley/internal/store"
	"github.com/parley-ai/parley/internal/transcript"
	"github.com/parley-ai/parley/pkg/llm"
)

// summarisationPrompt is the system prompt used when condensing a finished
// call into a one-paragraph record summary.
const summarisationPrompt = `Summarise the following simulated phone call made by a voice assistant on the user's behalf.
Preserve: who was called, the objective, what was agreed or booked, dates, times, prices, and any follow-up the user must do.
Write one short paragraph in the past tense.`

// Summariser condenses a finished call's transcript segment into the text
// stored on its [store.CallRecord].
type Summariser interface {
	SummariseCall(ctx context.Context, rec store.CallRecord, entries []transcript.Entry) (string, error)
}

// LLMSummariser implements [Summariser] with a text-completion backend.
type LLMSummariser struct {
	llm llm.Provider
}

var _ Summariser = (*LLMSummariser)(nil)

// NewLLMSummariser creates a summariser backed by provider.
func NewLLMSummariser(provider llm.Provider) *LLMSummariser {
	return &LLMSummariser{llm: provider}
}

// SummariseCall formats the call segment into a transcript and asks the
// model for a condensed summary. An empty segment returns the record's
// existing summary unchanged.
func (s *LLMSummariser) SummariseCall(ctx context.Context, rec store.CallRecord, entries []transcript.Entry) (string, error) {
	if len(entries) == 0 {
		return rec.Summary, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Call to %s. Objective: %s.\n\n", rec.Recipient, rec.Context)
	for _, e := range entries {
		fmt.Fprintf(&sb, "[%s]: %s\n", e.Speaker, e.Text)
	}

	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summarisationPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: sb.String()},
		},
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("summarise call: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}
