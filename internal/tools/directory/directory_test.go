package directory_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/parley-ai/parley/internal/tools/directory"
)

var testEntries = []directory.Entry{
	{Name: "Riverside Dental Clinic", Phone: "+1-555-0142", Address: "12 River Road"},
	{Name: "Luigi's Pizzeria", Phone: "+1-555-0177", Address: "34 Elm Street"},
	{Name: "Central Pharmacy", Phone: "+1-555-0190", Address: "56 Oak Avenue"},
}

func TestLookupExactName(t *testing.T) {
	got := directory.Lookup(testEntries, "Luigi's Pizzeria")
	if got.Phone != "+1-555-0177" {
		t.Fatalf("Lookup() = %+v, want Luigi's Pizzeria", got)
	}
}

func TestLookupToleratesMisheardNames(t *testing.T) {
	// Speech recognition output rarely matches the listing verbatim.
	cases := map[string]string{
		"luigis pizza":     "+1-555-0177",
		"riverside dentist": "+1-555-0142",
		"the central pharmacy": "+1-555-0190",
	}
	for query, wantPhone := range cases {
		if got := directory.Lookup(testEntries, query); got.Phone != wantPhone {
			t.Fatalf("Lookup(%q) = %+v, want phone %s", query, got, wantPhone)
		}
	}
}

func TestLookupFallback(t *testing.T) {
	got := directory.Lookup(testEntries, "zzqx unrelated business")
	if got.Name != "General Directory Assistance" {
		t.Fatalf("Lookup() = %+v, want fallback entry", got)
	}

	if got := directory.Lookup(testEntries, "  "); got.Name != "General Directory Assistance" {
		t.Fatalf("Lookup(blank) = %+v, want fallback entry", got)
	}
}

func TestToolReturnsMatch(t *testing.T) {
	tool := directory.Tools(testEntries, time.Millisecond)[0]
	if tool.Declaration.Name != "find_business_number" {
		t.Fatalf("Declaration.Name = %q", tool.Declaration.Name)
	}

	raw, err := tool.Handler(context.Background(), `{"query":"central pharmacy"}`)
	if err != nil {
		t.Fatalf("Handler() error = %v", err)
	}

	var result struct {
		Query string `json:"query"`
		Phone string `json:"phone"`
	}
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if result.Phone != "+1-555-0190" {
		t.Fatalf("result = %+v", result)
	}
}

func TestToolAbortsOnCancel(t *testing.T) {
	tool := directory.Tools(testEntries, time.Minute)[0]

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tool.Handler(ctx, `{"query":"x"}`); err == nil {
		t.Fatal("Handler() with cancelled context succeeded, want error")
	}
}
