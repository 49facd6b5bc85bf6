// Package placecall provides the "execute_call" tool: the model asks the
// assistant to place a phone call, the call is recorded in the store, and
// the model is instructed to enact both sides of the conversation audibly.
// No real telephony is involved.
package placecall

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parley-ai/parley/internal/store"
	"github.com/parley-ai/parley/internal/tools"
	"github.com/parley-ai/parley/pkg/live"
)

// DefaultConnectDelay approximates dialing and ringing before the simulated
// call connects.
const DefaultConnectDelay = 1500 * time.Millisecond

// callArgs is the JSON-decoded input for the "execute_call" tool.
type callArgs struct {
	// RecipientName is who the assistant should call.
	RecipientName string `json:"recipient_name"`

	// PhoneNumber is the number to dial.
	PhoneNumber string `json:"phone_number"`

	// Objective describes what the call should achieve.
	Objective string `json:"objective"`

	// Script optionally seeds the opening lines of the conversation.
	Script string `json:"script,omitempty"`
}

// callResult is the JSON-encoded output of the "execute_call" tool.
type callResult struct {
	Status      string `json:"status"`
	CallID      int64  `json:"call_id"`
	Instruction string `json:"instruction"`
}

// CallStarted is invoked once the simulated call has connected and its
// record is saved. The session controller uses it to enter the in-call
// state and auto-mute the microphone. number is the dialed phone number,
// which is not part of the persisted record.
type CallStarted func(rec store.CallRecord, number string)

// Tools returns the "execute_call" tool. connectDelay <= 0 falls back to
// [DefaultConnectDelay].
func Tools(st store.Store, started CallStarted, connectDelay time.Duration) []tools.Tool {
	if connectDelay <= 0 {
		connectDelay = DefaultConnectDelay
	}

	return []tools.Tool{{
		Declaration: live.Declaration{
			Name:        "execute_call",
			Description: "Place a phone call to the given recipient and carry out the stated objective by voicing both sides of the conversation.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"recipient_name": map[string]any{
						"type":        "string",
						"description": "Name of the person or business to call.",
					},
					"phone_number": map[string]any{
						"type":        "string",
						"description": "Phone number to dial.",
					},
					"objective": map[string]any{
						"type":        "string",
						"description": "What the call should accomplish.",
					},
					"script": map[string]any{
						"type":        "string",
						"description": "Optional opening lines for the call.",
					},
				},
				"required": []string{"recipient_name", "phone_number", "objective"},
			},
		},
		Handler: func(ctx context.Context, rawArgs string) (string, error) {
			var args callArgs
			if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
				return "", fmt.Errorf("placecall: invalid arguments: %w", err)
			}
			if args.RecipientName == "" {
				return "", fmt.Errorf("placecall: recipient_name is required")
			}

			// Dialing delay. A cancelled session aborts the call
			// before it connects.
			timer := time.NewTimer(connectDelay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return "", fmt.Errorf("placecall: call aborted: %w", ctx.Err())
			}

			rec := store.CallRecord{
				Recipient: args.RecipientName,
				Summary:   fmt.Sprintf("Called %s (%s): %s", args.RecipientName, args.PhoneNumber, args.Objective),
				Status:    store.CallCompleted,
				Context:   args.Objective,
			}
			rec, err := st.SaveCall(ctx, rec)
			if err != nil {
				return "", fmt.Errorf("placecall: save call record: %w", err)
			}

			if started != nil {
				started(rec, args.PhoneNumber)
			}

			instruction := fmt.Sprintf(
				"Call connected to %s. Act out the phone conversation aloud, voicing both yourself and %s, until the objective (%s) is resolved. Then report the outcome to the user.",
				args.RecipientName, args.RecipientName, args.Objective)
			if args.Script != "" {
				instruction += " Open with: " + args.Script
			}

			out, err := json.Marshal(callResult{
				Status:      "connected",
				CallID:      rec.ID,
				Instruction: instruction,
			})
			if err != nil {
				return "", fmt.Errorf("placecall: encode result: %w", err)
			}
			return string(out), nil
		},
	}}
}
