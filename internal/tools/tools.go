// Package tools defines the shared [Tool] type and the [Dispatcher] that
// answers function-call requests from a live session. Each built-in tool
// lives in its own sub-package exporting a constructor that returns ready
// [Tool] values.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/parley-ai/parley/pkg/live"
)

// Tool is a locally executed action the model may call during a session.
type Tool struct {
	// Declaration is the model-facing schema: name, description, and
	// JSON Schema parameters.
	Declaration live.Declaration

	// Handler executes the tool with JSON-encoded args and returns a
	// JSON-encoded result object on success, or a descriptive error.
	// Implementations must be safe for concurrent use and must respect
	// context cancellation.
	Handler func(ctx context.Context, args string) (string, error)
}

// Observer is notified after each tool execution. Used to record latency
// metrics.
type Observer func(name string, elapsed time.Duration, err error)

// Dispatcher routes function-call batches to registered tools and produces
// exactly one response per request, preserving batch order.
type Dispatcher struct {
	tools   map[string]Tool
	log     *slog.Logger
	observe Observer
}

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithLogger sets the dispatcher's logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

// WithObserver registers an execution observer.
func WithObserver(obs Observer) Option {
	return func(d *Dispatcher) { d.observe = obs }
}

// NewDispatcher creates a dispatcher over the given tools. A later tool with
// the same declared name replaces an earlier one.
func NewDispatcher(registered []Tool, opts ...Option) *Dispatcher {
	d := &Dispatcher{tools: make(map[string]Tool, len(registered))}
	for _, o := range opts {
		o(d)
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	for _, t := range registered {
		d.tools[t.Declaration.Name] = t
	}
	return d
}

// Declarations returns the schemas of all registered tools for session setup.
func (d *Dispatcher) Declarations() []live.Declaration {
	decls := make([]live.Declaration, 0, len(d.tools))
	for _, t := range d.tools {
		decls = append(decls, t.Declaration)
	}
	return decls
}

// Dispatch executes every call of a batch sequentially and returns one
// response per call, in batch order and keyed by the originating request ID.
//
// A call naming an unregistered tool receives a generic success response so
// the remote protocol's one-response-per-request pairing always holds. A
// failing handler likewise yields an error payload instead of a missing
// response.
func (d *Dispatcher) Dispatch(ctx context.Context, calls []live.ToolCall) []live.ToolResponse {
	responses := make([]live.ToolResponse, 0, len(calls))
	for _, call := range calls {
		responses = append(responses, live.ToolResponse{
			ID:     call.ID,
			Name:   call.Name,
			Result: d.execute(ctx, call),
		})
	}
	return responses
}

func (d *Dispatcher) execute(ctx context.Context, call live.ToolCall) string {
	tool, ok := d.tools[call.Name]
	if !ok {
		d.log.Warn("unknown tool requested", "tool", call.Name, "id", call.ID)
		return `{"status":"ok"}`
	}

	start := time.Now()
	result, err := tool.Handler(ctx, call.Args)
	elapsed := time.Since(start)
	if d.observe != nil {
		d.observe(call.Name, elapsed, err)
	}

	if err != nil {
		d.log.Error("tool execution failed",
			"tool", call.Name, "id", call.ID, "elapsed", elapsed, "error", err)
		return errorPayload(err)
	}

	d.log.Debug("tool executed", "tool", call.Name, "id", call.ID, "elapsed", elapsed)
	return result
}

// errorPayload encodes a handler failure as a degraded result object.
func errorPayload(err error) string {
	payload, merr := json.Marshal(map[string]string{
		"status": "error",
		"error":  err.Error(),
	})
	if merr != nil {
		return fmt.Sprintf(`{"status":"error","error":%q}`, err.Error())
	}
	return string(payload)
}
