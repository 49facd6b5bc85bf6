package tools_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/parley-ai/parley/internal/tools"
	"github.com/parley-ai/parley/pkg/live"
)

func echoTool(name string) tools.Tool {
	return tools.Tool{
		Declaration: live.Declaration{Name: name},
		Handler: func(_ context.Context, args string) (string, error) {
			return `{"echo":` + args + `}`, nil
		},
	}
}

func TestDispatchPairsEveryCall(t *testing.T) {
	d := tools.NewDispatcher([]tools.Tool{echoTool("first"), echoTool("second")})

	calls := []live.ToolCall{
		{ID: "call-1", Name: "first", Args: `{"a":1}`},
		{ID: "call-2", Name: "second", Args: `{"b":2}`},
	}
	responses := d.Dispatch(context.Background(), calls)

	if len(responses) != len(calls) {
		t.Fatalf("responses = %d, want %d", len(responses), len(calls))
	}
	for i, resp := range responses {
		if resp.ID != calls[i].ID {
			t.Fatalf("responses[%d].ID = %q, want %q", i, resp.ID, calls[i].ID)
		}
		if resp.Name != calls[i].Name {
			t.Fatalf("responses[%d].Name = %q, want %q", i, resp.Name, calls[i].Name)
		}
	}
	if responses[0].Result != `{"echo":{"a":1}}` {
		t.Fatalf("responses[0].Result = %q", responses[0].Result)
	}
}

func TestDispatchUnknownToolGenericSuccess(t *testing.T) {
	d := tools.NewDispatcher(nil)

	responses := d.Dispatch(context.Background(), []live.ToolCall{
		{ID: "call-9", Name: "no_such_tool", Args: `{}`},
	})

	if len(responses) != 1 {
		t.Fatalf("responses = %d, want 1", len(responses))
	}
	var payload map[string]string
	if err := json.Unmarshal([]byte(responses[0].Result), &payload); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if payload["status"] != "ok" {
		t.Fatalf("status = %q, want \"ok\"", payload["status"])
	}
}

func TestDispatchHandlerErrorProducesPayload(t *testing.T) {
	failing := tools.Tool{
		Declaration: live.Declaration{Name: "broken"},
		Handler: func(context.Context, string) (string, error) {
			return "", errors.New("backend unavailable")
		},
	}
	d := tools.NewDispatcher([]tools.Tool{failing, echoTool("ok")})

	responses := d.Dispatch(context.Background(), []live.ToolCall{
		{ID: "call-1", Name: "broken", Args: `{}`},
		{ID: "call-2", Name: "ok", Args: `{}`},
	})

	if len(responses) != 2 {
		t.Fatalf("responses = %d, want 2 (failing call must not drop its response)", len(responses))
	}
	var payload map[string]string
	if err := json.Unmarshal([]byte(responses[0].Result), &payload); err != nil {
		t.Fatalf("error result is not JSON: %v", err)
	}
	if payload["status"] != "error" || payload["error"] == "" {
		t.Fatalf("error payload = %v", payload)
	}
}

func TestDispatchObserver(t *testing.T) {
	type observation struct {
		name string
		err  error
	}
	var seen []observation
	d := tools.NewDispatcher(
		[]tools.Tool{echoTool("a")},
		tools.WithObserver(func(name string, _ time.Duration, err error) {
			seen = append(seen, observation{name, err})
		}),
	)

	d.Dispatch(context.Background(), []live.ToolCall{
		{ID: "1", Name: "a", Args: `{}`},
		{ID: "2", Name: "missing", Args: `{}`},
	})

	// Unknown tools never execute, so only the real call is observed.
	if len(seen) != 1 || seen[0].name != "a" || seen[0].err != nil {
		t.Fatalf("observations = %+v", seen)
	}
}

func TestDeclarations(t *testing.T) {
	d := tools.NewDispatcher([]tools.Tool{echoTool("a"), echoTool("b")})
	decls := d.Declarations()
	if len(decls) != 2 {
		t.Fatalf("declarations = %d, want 2", len(decls))
	}
}
