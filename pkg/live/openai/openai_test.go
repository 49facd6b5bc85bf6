package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/parley-ai/parley/pkg/audio"
	"github.com/parley-ai/parley/pkg/live"
	"github.com/parley-ai/parley/pkg/live/openai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server. The handler function receives
// the accepted *websocket.Conn and the upgrade request.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// waitEvent receives the next event or fails the test after a timeout.
func waitEvent(t *testing.T, events <-chan live.Event) live.Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("event channel closed unexpectedly")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

// ── Connect and session.update ────────────────────────────────────────────────

func TestConnect_SendsAuthAndModel(t *testing.T) {
	t.Parallel()

	type upgrade struct {
		auth  string
		beta  string
		query string
	}
	got := make(chan upgrade, 1)

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		got <- upgrade{
			auth:  r.Header.Get("Authorization"),
			beta:  r.Header.Get("OpenAI-Beta"),
			query: r.URL.RawQuery,
		}
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("secret-key", openai.WithModel("gpt-test"), openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case u := <-got:
		if want := "Bearer secret-key"; u.auth != want {
			t.Errorf("Authorization = %q; want %q", u.auth, want)
		}
		if want := "realtime=v1"; u.beta != want {
			t.Errorf("OpenAI-Beta = %q; want %q", u.beta, want)
		}
		if !strings.Contains(u.query, "model=gpt-test") {
			t.Errorf("query %q should contain model=gpt-test", u.query)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for upgrade")
	}
}

func TestConnect_SendsSessionUpdate(t *testing.T) {
	t.Parallel()

	type updateMsg struct {
		Type    string `json:"type"`
		Session struct {
			Voice        string `json:"voice"`
			Instructions string `json:"instructions"`
			Tools        []struct {
				Type string `json:"type"`
				Name string `json:"name"`
			} `json:"tools"`
			InputAudioFormat        string           `json:"input_audio_format"`
			OutputAudioFormat       string           `json:"output_audio_format"`
			InputAudioTranscription *json.RawMessage `json:"input_audio_transcription"`
		} `json:"session"`
	}

	received := make(chan updateMsg, 1)

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg updateMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), live.SessionConfig{
		SystemInstruction: "You are a helpful assistant.",
		Voice:             "alloy",
		Tools: []live.Declaration{
			{Name: "place_call", Description: "Places a call"},
		},
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case msg := <-received:
		if msg.Type != "session.update" {
			t.Errorf("type = %q; want session.update", msg.Type)
		}
		if msg.Session.Voice != "alloy" {
			t.Errorf("voice = %q; want alloy", msg.Session.Voice)
		}
		if msg.Session.Instructions != "You are a helpful assistant." {
			t.Errorf("instructions = %q", msg.Session.Instructions)
		}
		if len(msg.Session.Tools) != 1 || msg.Session.Tools[0].Type != "function" ||
			msg.Session.Tools[0].Name != "place_call" {
			t.Errorf("tools: %+v", msg.Session.Tools)
		}
		if msg.Session.InputAudioFormat != "pcm16" || msg.Session.OutputAudioFormat != "pcm16" {
			t.Errorf("audio formats: in=%q out=%q", msg.Session.InputAudioFormat, msg.Session.OutputAudioFormat)
		}
		if msg.Session.InputAudioTranscription == nil {
			t.Error("input transcription should be requested")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session.update")
	}
}

// ── SendAudio ─────────────────────────────────────────────────────────────────

func TestSendAudio_AppendsBuffer(t *testing.T) {
	t.Parallel()

	type appendMsg struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}
	audioMsg := make(chan appendMsg, 1)

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw) // consume session.update

		var msg appendMsg
		readJSON(t, conn, &msg)
		audioMsg <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	pcm := []byte{0x10, 0x00, 0x20, 0x00, 0x30, 0x00, 0x40, 0x00}
	if err := sess.SendAudio(pcm); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-audioMsg:
		if msg.Type != "input_audio_buffer.append" {
			t.Errorf("type = %q", msg.Type)
		}
		decoded, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		// 16 kHz capture frames are resampled to the 24 kHz wire rate.
		want := audio.ResampleMono16(pcm, 16000, 24000)
		if string(decoded) != string(want) {
			t.Errorf("audio = %v; want %v", decoded, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio append")
	}
}

// ── Server events ─────────────────────────────────────────────────────────────

func TestEvents_AudioTranscriptsAndTurn(t *testing.T) {
	t.Parallel()

	pcm := []byte{0xDE, 0xAD}

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		writeJSON(t, conn, map[string]any{
			"type":  "response.audio.delta",
			"delta": base64.StdEncoding.EncodeToString(pcm),
		})
		writeJSON(t, conn, map[string]any{
			"type":  "response.audio_transcript.delta",
			"delta": "hi ",
		})
		writeJSON(t, conn, map[string]any{
			"type":       "conversation.item.input_audio_transcription.completed",
			"transcript": "hello there",
		})
		writeJSON(t, conn, map[string]any{"type": "response.done"})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	audio, ok := waitEvent(t, sess.Events()).(live.AudioDelta)
	if !ok || string(audio.PCM) != string(pcm) {
		t.Fatalf("expected AudioDelta %v, got %#v", pcm, audio)
	}

	agent, ok := waitEvent(t, sess.Events()).(live.TranscriptDelta)
	if !ok || agent.Direction != live.DirectionAgent || agent.Text != "hi " {
		t.Fatalf("expected agent delta, got %#v", agent)
	}

	user, ok := waitEvent(t, sess.Events()).(live.TranscriptDelta)
	if !ok || user.Direction != live.DirectionUser || user.Text != "hello there" {
		t.Fatalf("expected user transcript, got %#v", user)
	}

	if _, ok := waitEvent(t, sess.Events()).(live.TurnComplete); !ok {
		t.Fatal("expected TurnComplete on response.done")
	}
}

func TestEvents_SpeechStartedMapsToInterrupted(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if _, ok := waitEvent(t, sess.Events()).(live.Interrupted); !ok {
		t.Fatal("expected Interrupted on speech_started")
	}
}

func TestEvents_FunctionCallsBatchedOnResponseDone(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		writeJSON(t, conn, map[string]any{
			"type":      "response.function_call_arguments.done",
			"call_id":   "call-1",
			"name":      "place_call",
			"arguments": `{"recipient":"dentist"}`,
		})
		writeJSON(t, conn, map[string]any{
			"type":      "response.function_call_arguments.done",
			"call_id":   "call-2",
			"name":      "find_business",
			"arguments": `{}`,
		})
		writeJSON(t, conn, map[string]any{"type": "response.done"})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	batch, ok := waitEvent(t, sess.Events()).(live.ToolCallBatch)
	if !ok {
		t.Fatal("expected ToolCallBatch before TurnComplete")
	}
	if len(batch.Calls) != 2 {
		t.Fatalf("calls: got %d, want 2", len(batch.Calls))
	}
	if batch.Calls[0].ID != "call-1" || batch.Calls[0].Name != "place_call" {
		t.Errorf("first call: %+v", batch.Calls[0])
	}
	if batch.Calls[1].ID != "call-2" {
		t.Errorf("second call: %+v", batch.Calls[1])
	}

	if _, ok := waitEvent(t, sess.Events()).(live.TurnComplete); !ok {
		t.Fatal("expected TurnComplete after the batch")
	}
}

// ── SendToolResponses ─────────────────────────────────────────────────────────

func TestSendToolResponses_UnrollsBatch(t *testing.T) {
	t.Parallel()

	type itemMsg struct {
		Type string `json:"type"`
		Item struct {
			Type   string `json:"type"`
			CallID string `json:"call_id"`
			Output string `json:"output"`
		} `json:"item"`
	}

	frames := make(chan []itemMsg, 1)

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		// Two item creates followed by one response.create.
		var got []itemMsg
		for i := 0; i < 3; i++ {
			var msg itemMsg
			readJSON(t, conn, &msg)
			got = append(got, msg)
		}
		frames <- got
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	err = sess.SendToolResponses([]live.ToolResponse{
		{ID: "call-1", Name: "place_call", Result: `{"status":"connected"}`},
		{ID: "call-2", Name: "find_business", Result: `{"status":"ok"}`},
	})
	if err != nil {
		t.Fatalf("SendToolResponses: %v", err)
	}

	select {
	case got := <-frames:
		if got[0].Type != "conversation.item.create" || got[0].Item.CallID != "call-1" {
			t.Errorf("first frame: %+v", got[0])
		}
		if got[0].Item.Type != "function_call_output" {
			t.Errorf("item type = %q", got[0].Item.Type)
		}
		if got[1].Item.CallID != "call-2" {
			t.Errorf("second frame: %+v", got[1])
		}
		if got[2].Type != "response.create" {
			t.Errorf("final frame = %q; want response.create", got[2].Type)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for tool response frames")
	}
}

// ── Termination ───────────────────────────────────────────────────────────────

func TestServerError_SurfacesAndCloses(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "invalid_request_error", "message": "rate limited"},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	var lastErr error
	for ev := range sess.Events() {
		if closed, ok := ev.(live.Closed); ok {
			lastErr = closed.Err
		}
	}
	if lastErr == nil || !strings.Contains(lastErr.Error(), "rate limited") {
		t.Errorf("closed err = %v; want rate limit message", lastErr)
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
