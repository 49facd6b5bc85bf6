// Package directory provides the "find_business_number" tool: a fuzzy
// lookup over a small configured business directory. It stands in for a real
// directory service; only the lookup behind the tool needs replacing to
// integrate one.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/parley-ai/parley/internal/tools"
	"github.com/parley-ai/parley/pkg/live"
)

// DefaultSearchDelay approximates a directory round trip.
const DefaultSearchDelay = 800 * time.Millisecond

// matchThreshold is the minimum Jaro-Winkler similarity for a directory
// entry to count as a match for the query.
const matchThreshold = 0.82

// Entry is one listed business.
type Entry struct {
	Name    string `json:"name" yaml:"name"`
	Phone   string `json:"phone" yaml:"phone"`
	Address string `json:"address" yaml:"address"`
}

// lookupArgs is the JSON-decoded input for the "find_business_number" tool.
type lookupArgs struct {
	// Query is the spoken business name to look up.
	Query string `json:"query"`
}

// lookupResult is the JSON-encoded output of the "find_business_number" tool.
type lookupResult struct {
	Query   string `json:"query"`
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
}

// fallback is returned when no entry matches, so the model can always
// proceed with a plausible call target.
var fallback = Entry{
	Name:    "General Directory Assistance",
	Phone:   "+1-555-0100",
	Address: "100 Main Street",
}

// Lookup returns the best-matching entry for query, or the fallback when
// nothing clears the similarity threshold. Spoken queries arrive via speech
// recognition, so matching must tolerate misheard and re-spelled names.
func Lookup(entries []Entry, query string) Entry {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return fallback
	}

	best := fallback
	bestScore := matchThreshold
	for _, e := range entries {
		name := strings.ToLower(e.Name)
		score := matchr.JaroWinkler(q, name, false)

		// Spoken queries often include only part of a listed name, so
		// also try the best pairwise token score.
		for _, qt := range strings.Fields(q) {
			for _, nt := range strings.Fields(name) {
				if s := matchr.JaroWinkler(qt, nt, false); s > score {
					score = s
				}
			}
		}

		if score > bestScore {
			best = e
			bestScore = score
		}
	}
	return best
}

// Tools returns the "find_business_number" tool over the given directory.
// searchDelay <= 0 falls back to [DefaultSearchDelay].
func Tools(entries []Entry, searchDelay time.Duration) []tools.Tool {
	if searchDelay <= 0 {
		searchDelay = DefaultSearchDelay
	}

	return []tools.Tool{{
		Declaration: live.Declaration{
			Name:        "find_business_number",
			Description: "Look up the phone number and address of a business by name.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Business name to search for.",
					},
				},
				"required": []string{"query"},
			},
		},
		Handler: func(ctx context.Context, rawArgs string) (string, error) {
			var args lookupArgs
			if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
				return "", fmt.Errorf("directory: invalid arguments: %w", err)
			}

			timer := time.NewTimer(searchDelay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return "", fmt.Errorf("directory: lookup aborted: %w", ctx.Err())
			}

			entry := Lookup(entries, args.Query)
			out, err := json.Marshal(lookupResult{
				Query:   args.Query,
				Name:    entry.Name,
				Phone:   entry.Phone,
				Address: entry.Address,
			})
			if err != nil {
				return "", fmt.Errorf("directory: encode result: %w", err)
			}
			return string(out), nil
		},
	}}
}
