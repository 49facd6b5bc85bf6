// Package preference provides the "save_user_preference" tool, which merges
// a preference into long-term user memory so future sessions can seed their
// system prompt with it.
package preference

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/parley-ai/parley/internal/store"
	"github.com/parley-ai/parley/internal/tools"
	"github.com/parley-ai/parley/pkg/live"
)

// saveArgs is the JSON-decoded input for the "save_user_preference" tool.
type saveArgs struct {
	// Preference is the statement to remember, e.g. "prefers morning
	// appointments".
	Preference string `json:"preference"`
}

// saveResult is the JSON-encoded output of the "save_user_preference" tool.
type saveResult struct {
	Status     string `json:"status"`
	Preference string `json:"preference"`
	Duplicate  bool   `json:"duplicate,omitempty"`
}

// Tools returns the "save_user_preference" tool backed by st.
func Tools(st store.Store) []tools.Tool {
	return []tools.Tool{{
		Declaration: live.Declaration{
			Name:        "save_user_preference",
			Description: "Remember a lasting preference or fact about the user for future conversations.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"preference": map[string]any{
						"type":        "string",
						"description": "The preference to remember, phrased as a short statement.",
					},
				},
				"required": []string{"preference"},
			},
		},
		Handler: func(ctx context.Context, rawArgs string) (string, error) {
			var args saveArgs
			if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
				return "", fmt.Errorf("preference: invalid arguments: %w", err)
			}

			pref := strings.TrimSpace(args.Preference)
			if pref == "" {
				return "", fmt.Errorf("preference: preference text is required")
			}

			added, err := st.AddPreference(ctx, pref)
			if err != nil {
				return "", fmt.Errorf("preference: save: %w", err)
			}

			out, err := json.Marshal(saveResult{
				Status:     "saved",
				Preference: pref,
				Duplicate:  !added,
			})
			if err != nil {
				return "", fmt.Errorf("preference: encode result: %w", err)
			}
			return string(out), nil
		},
	}}
}
