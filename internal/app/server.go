package app

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parley-ai/parley/internal/observe"
	"github.com/parley-ai/parley/internal/session"
	"github.com/parley-ai/parley/internal/store"
)

// routes builds the HTTP control surface. Health and metrics endpoints are
// served without middleware; the /v1 API is wrapped with tracing and
// request metrics. The audio WebSocket bypasses the middleware too, since
// its connection outlives any sensible request-duration histogram.
func (a *App) routes() {
	a.mux = http.NewServeMux()

	a.checks.Register(a.mux)
	a.mux.Handle("GET /metrics", promhttp.Handler())
	a.mux.HandleFunc("GET /v1/audio", a.bridge.handleWS)

	api := http.NewServeMux()
	api.HandleFunc("GET /v1/status", a.handleStatus)
	api.HandleFunc("GET /v1/transcript", a.handleTranscript)
	api.HandleFunc("GET /v1/log", a.handleLog)
	api.HandleFunc("GET /v1/calls", a.handleCalls)
	api.HandleFunc("DELETE /v1/history", a.handleClearHistory)
	api.HandleFunc("POST /v1/connect", a.handleConnect)
	api.HandleFunc("POST /v1/stop", a.handleStop)
	api.HandleFunc("POST /v1/mute", a.handleMute)

	a.mux.Handle("/v1/", observe.Middleware(a.metrics)(api))
}

// ─── Handlers ────────────────────────────────────────────────────────────────

// statusResponse is the snapshot the UI polls to render its state.
type statusResponse struct {
	State        string                     `json:"state"`
	Muted        bool                       `json:"muted"`
	Error        string                     `json:"error,omitempty"`
	ActiveCall   *session.ActiveCallDetails `json:"active_call,omitempty"`
	Capture      captureStatus              `json:"capture"`
	Capabilities capabilitiesStatus         `json:"capabilities"`
}

type captureStatus struct {
	FramesSent    uint64 `json:"frames_sent"`
	FramesDropped uint64 `json:"frames_dropped"`
}

type capabilitiesStatus struct {
	InputSampleRate      int      `json:"input_sample_rate"`
	OutputSampleRate     int      `json:"output_sample_rate"`
	MaxSessionDurationMs int      `json:"max_session_duration_ms,omitempty"`
	Voices               []string `json:"voices,omitempty"`
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		State:      a.ctrl.State().String(),
		Muted:      a.ctrl.Muted(),
		ActiveCall: a.ctrl.ActiveCall(),
	}
	if err := a.ctrl.Err(); err != nil {
		resp.Error = err.Error()
	}
	stats := a.ctrl.CaptureStats()
	resp.Capture = captureStatus{
		FramesSent:    stats.FramesSent,
		FramesDropped: stats.FramesDropped,
	}
	caps := a.providers.Live.Capabilities()
	resp.Capabilities = capabilitiesStatus{
		InputSampleRate:      caps.InputSampleRate,
		OutputSampleRate:     caps.OutputSampleRate,
		MaxSessionDurationMs: caps.MaxSessionDurationMs,
		Voices:               caps.Voices,
	}
	a.writeJSON(w, http.StatusOK, resp)
}

// transcriptEntry mirrors a transcript entry with wire names.
type transcriptEntry struct {
	ID        uint64    `json:"id"`
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Final     bool      `json:"final"`
}

func (a *App) handleTranscript(w http.ResponseWriter, r *http.Request) {
	entries := a.ctrl.Entries()
	out := make([]transcriptEntry, len(entries))
	for i, e := range entries {
		out[i] = transcriptEntry{
			ID:        e.ID,
			Speaker:   string(e.Speaker),
			Text:      e.Text,
			Timestamp: e.Timestamp,
			Final:     e.Final,
		}
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (a *App) handleLog(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]any{"entries": a.ctrl.Log()})
}

func (a *App) handleCalls(w http.ResponseWriter, r *http.Request) {
	calls, err := a.st.Calls(r.Context())
	if err != nil {
		a.log.Error("list calls", "error", err)
		a.writeError(w, http.StatusServiceUnavailable, "call history is unavailable")
		return
	}
	if calls == nil {
		calls = []store.CallRecord{}
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"calls": calls})
}

func (a *App) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := a.st.ClearHistory(r.Context()); err != nil {
		a.log.Error("clear history", "error", err)
		a.writeError(w, http.StatusServiceUnavailable, "call history is unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type connectRequest struct {
	// ContextNote is an optional hint folded into the session's system
	// instruction, e.g. "book a table for two at 7pm".
	ContextNote string `json:"context_note"`
}

func (a *App) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			a.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.ContextNote != "" {
		a.ctrl.SetContextNote(req.ContextNote)
	}

	if err := a.ctrl.Connect(r.Context()); err != nil {
		a.log.Error("connect", "error", err)
		a.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"state": a.ctrl.State().String()})
}

func (a *App) handleStop(w http.ResponseWriter, r *http.Request) {
	a.ctrl.Stop()
	a.writeJSON(w, http.StatusOK, map[string]string{"state": a.ctrl.State().String()})
}

type muteRequest struct {
	Muted bool `json:"muted"`
}

func (a *App) handleMute(w http.ResponseWriter, r *http.Request) {
	var req muteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	a.ctrl.SetMuted(req.Muted)
	a.writeJSON(w, http.StatusOK, map[string]bool{"muted": a.ctrl.Muted()})
}

// ─── Response helpers ────────────────────────────────────────────────────────

func (a *App) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Warn("encode response", "error", err)
	}
}

func (a *App) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, map[string]string{"error": msg})
}
