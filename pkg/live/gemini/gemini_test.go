package gemini_test

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

	"github.com/parley-ai/parley/pkg/live"
	"github.com/parley-ai/parley/pkg/live/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server. The handler function receives
// the accepted *websocket.Conn. The server is automatically closed when the
// test finishes.
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

// ── Constructor and capabilities ──────────────────────────────────────────────

func TestCapabilities_NonEmpty(t *testing.T) {
	t.Parallel()
	p := gemini.New("key")
	caps := p.Capabilities()
	if caps.InputSampleRate != 16000 {
		t.Errorf("InputSampleRate = %d; want 16000", caps.InputSampleRate)
	}
	if caps.OutputSampleRate != 24000 {
		t.Errorf("OutputSampleRate = %d; want 24000", caps.OutputSampleRate)
	}
	if len(caps.Voices) == 0 {
		t.Error("Voices should be non-empty")
	}
}

// ── Connect and setup ─────────────────────────────────────────────────────────

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model             string `json:"model"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			GenerationConfig struct {
				SpeechConfig *struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			Tools []struct {
				FunctionDeclarations []struct {
					Name string `json:"name"`
				} `json:"functionDeclarations"`
			} `json:"tools"`
			InputAudioTranscription  *json.RawMessage `json:"inputAudioTranscription"`
			OutputAudioTranscription *json.RawMessage `json:"outputAudioTranscription"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("key", gemini.WithModel("custom-model"), gemini.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), live.SessionConfig{
		SystemInstruction: "You are a helpful assistant.",
		Voice:             "Puck",
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
		if want := "models/custom-model"; msg.Setup.Model != want {
			t.Errorf("model = %q; want %q", msg.Setup.Model, want)
		}
		if msg.Setup.SystemInstruction == nil ||
			len(msg.Setup.SystemInstruction.Parts) == 0 ||
			msg.Setup.SystemInstruction.Parts[0].Text != "You are a helpful assistant." {
			t.Errorf("unexpected system instruction: %+v", msg.Setup.SystemInstruction)
		}
		if sc := msg.Setup.GenerationConfig.SpeechConfig; sc == nil ||
			sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Puck" {
			t.Errorf("unexpected speech config: %+v", sc)
		}
		if len(msg.Setup.Tools) == 0 || len(msg.Setup.Tools[0].FunctionDeclarations) == 0 ||
			msg.Setup.Tools[0].FunctionDeclarations[0].Name != "place_call" {
			t.Errorf("unexpected tools: %+v", msg.Setup.Tools)
		}
		if msg.Setup.InputAudioTranscription == nil || msg.Setup.OutputAudioTranscription == nil {
			t.Error("both transcription directions should be requested")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup message")
	}
}

func TestConnect_IncludesAPIKeyInURL(t *testing.T) {
	t.Parallel()

	query := make(chan string, 1)

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		query <- r.URL.RawQuery
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("secret-key", gemini.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case q := <-query:
		if !strings.Contains(q, "key=secret-key") {
			t.Errorf("URL query %q should contain key=secret-key", q)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()
	p := gemini.New("key", gemini.WithBaseURL("ws://127.0.0.1:1"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := p.Connect(ctx, live.SessionConfig{}); err == nil {
		t.Fatal("expected dial error")
	}
}

// ── SendAudio ─────────────────────────────────────────────────────────────────

func TestSendAudio_EncodesAndSends(t *testing.T) {
	t.Parallel()

	type realtimeInput struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}

	audioMsg := make(chan realtimeInput, 1)

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw) // consume setup

		var msg realtimeInput
		readJSON(t, conn, &msg)
		audioMsg <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("key", gemini.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	if err := sess.SendAudio(pcm); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-audioMsg:
		chunks := msg.RealtimeInput.MediaChunks
		if len(chunks) != 1 {
			t.Fatalf("media chunks: got %d, want 1", len(chunks))
		}
		if want := "audio/pcm;rate=16000"; chunks[0].MIMEType != want {
			t.Errorf("mime type = %q; want %q", chunks[0].MIMEType, want)
		}
		decoded, err := base64.StdEncoding.DecodeString(chunks[0].Data)
		if err != nil {
			t.Fatalf("decode audio: %v", err)
		}
		if string(decoded) != string(pcm) {
			t.Errorf("audio payload = %v; want %v", decoded, pcm)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio message")
	}
}

// ── Server events ─────────────────────────────────────────────────────────────

func TestEvents_AudioAndTranscripts(t *testing.T) {
	t.Parallel()

	pcm := []byte{0xAA, 0xBB, 0xCC}

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"inlineData": map[string]any{
							"mimeType": "audio/pcm;rate=24000",
							"data":     base64.StdEncoding.EncodeToString(pcm),
						}},
					},
				},
			},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"inputTranscription": map[string]any{"text": "hello"},
			},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"outputTranscription": map[string]any{"text": "hi there"},
				"turnComplete":        true,
			},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("key", gemini.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	audio, ok := waitEvent(t, sess.Events()).(live.AudioDelta)
	if !ok || string(audio.PCM) != string(pcm) {
		t.Fatalf("expected AudioDelta with payload %v, got %#v", pcm, audio)
	}

	in, ok := waitEvent(t, sess.Events()).(live.TranscriptDelta)
	if !ok || in.Direction != live.DirectionUser || in.Text != "hello" {
		t.Fatalf("expected user transcript delta, got %#v", in)
	}

	out, ok := waitEvent(t, sess.Events()).(live.TranscriptDelta)
	if !ok || out.Direction != live.DirectionAgent || out.Text != "hi there" {
		t.Fatalf("expected agent transcript delta, got %#v", out)
	}

	if _, ok := waitEvent(t, sess.Events()).(live.TurnComplete); !ok {
		t.Fatal("expected TurnComplete after transcripts")
	}
}

func TestEvents_InterruptedPrecedesContent(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"interrupted": true,
				"outputTranscription": map[string]any{"text": "as I was say"},
			},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("key", gemini.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if _, ok := waitEvent(t, sess.Events()).(live.Interrupted); !ok {
		t.Fatal("expected Interrupted first")
	}
	if _, ok := waitEvent(t, sess.Events()).(live.TranscriptDelta); !ok {
		t.Fatal("expected transcript delta after Interrupted")
	}
}

func TestEvents_ToolCallBatch(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		writeJSON(t, conn, map[string]any{
			"toolCall": map[string]any{
				"functionCalls": []map[string]any{
					{"id": "call-1", "name": "place_call", "args": map[string]any{"recipient": "dentist"}},
					{"id": "call-2", "name": "find_business", "args": map[string]any{}},
				},
			},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("key", gemini.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	batch, ok := waitEvent(t, sess.Events()).(live.ToolCallBatch)
	if !ok {
		t.Fatal("expected ToolCallBatch")
	}
	if len(batch.Calls) != 2 {
		t.Fatalf("calls: got %d, want 2", len(batch.Calls))
	}
	if batch.Calls[0].ID != "call-1" || batch.Calls[0].Name != "place_call" {
		t.Errorf("first call: %+v", batch.Calls[0])
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(batch.Calls[0].Args), &args); err != nil {
		t.Fatalf("args should be valid JSON: %v", err)
	}
	if args["recipient"] != "dentist" {
		t.Errorf("args = %v", args)
	}
}

// ── SendToolResponses ─────────────────────────────────────────────────────────

func TestSendToolResponses_BatchedWireFormat(t *testing.T) {
	t.Parallel()

	type toolRespMsg struct {
		ToolResponse struct {
			FunctionResponses []struct {
				ID       string         `json:"id"`
				Name     string         `json:"name"`
				Response map[string]any `json:"response"`
			} `json:"functionResponses"`
		} `json:"toolResponse"`
	}

	received := make(chan toolRespMsg, 1)

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		var msg toolRespMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("key", gemini.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	err = sess.SendToolResponses([]live.ToolResponse{
		{ID: "call-1", Name: "place_call", Result: `{"status":"connected"}`},
		{ID: "call-2", Name: "find_business", Result: "not json"},
	})
	if err != nil {
		t.Fatalf("SendToolResponses: %v", err)
	}

	select {
	case msg := <-received:
		frs := msg.ToolResponse.FunctionResponses
		if len(frs) != 2 {
			t.Fatalf("responses: got %d, want 2", len(frs))
		}
		if frs[0].ID != "call-1" || frs[0].Response["status"] != "connected" {
			t.Errorf("first response: %+v", frs[0])
		}
		// A non-JSON result is wrapped so the protocol still gets an object.
		if frs[1].Response["output"] != "not json" {
			t.Errorf("second response: %+v", frs[1])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for tool response message")
	}
}

// ── Termination ───────────────────────────────────────────────────────────────

func TestServerError_SurfacesAndCloses(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{
			"error": map[string]any{"code": 8, "message": "quota exceeded"},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("key", gemini.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	// Drain until the channel closes; the terminal Closed event carries the
	// server error.
	var lastErr error
	for ev := range sess.Events() {
		if closed, ok := ev.(live.Closed); ok {
			lastErr = closed.Err
		}
	}
	if lastErr == nil || !strings.Contains(lastErr.Error(), "quota exceeded") {
		t.Errorf("closed err = %v; want quota message", lastErr)
	}
	if sess.Err() == nil {
		t.Error("Err should report the server error")
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("key", gemini.WithBaseURL(wsURL(srv)))
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
