package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicestream/internal/brain"
	"github.com/ent0n29/voicestream/internal/config"
	"github.com/ent0n29/voicestream/internal/dispatch"
	"github.com/ent0n29/voicestream/internal/observability"
	"github.com/ent0n29/voicestream/internal/pipeline"
	"github.com/ent0n29/voicestream/internal/playback"
	"github.com/ent0n29/voicestream/internal/presentation"
	"github.com/ent0n29/voicestream/internal/protocol"
	"github.com/ent0n29/voicestream/internal/session"
	"github.com/ent0n29/voicestream/internal/transcript"
)

var namespaceSeq atomic.Int64

func testMetrics(prefix string) *observability.Metrics {
	return observability.NewMetrics(fmt.Sprintf("test_httpapi_%s_%d_%d", prefix, time.Now().UnixNano(), namespaceSeq.Add(1)))
}

type testServer struct {
	ts       *httptest.Server
	sessions *session.Manager
	store    *transcript.InMemoryStore
}

func newTestServer(t *testing.T, transport dispatch.Transport) *testServer {
	t.Helper()

	cfg := config.Config{
		SessionInactivityTimeout: 2 * time.Minute,
		VoiceDefault:             true,
		SpeechMode:               "client",
	}
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	metrics := testMetrics(strings.ToLower(strings.ReplaceAll(t.Name(), "/", "_")))
	store := transcript.NewInMemoryStore()

	var factory ConversationFactory
	if transport != nil {
		d := dispatch.New(transport, dispatch.Options{
			MaxRetries:  dispatch.NoRetries,
			FirstTarget: 20,
			ChunkTarget: 50,
			Sleep:       func(context.Context, time.Duration) error { return nil },
			Metrics:     metrics,
		})
		factory = func(sink presentation.Sink, synth playback.Synthesizer, sessionID string) *pipeline.Conversation {
			return pipeline.NewConversation(pipeline.Deps{
				Sessions:     sessions,
				Dispatcher:   d,
				Store:        store,
				Metrics:      metrics,
				Debounce:     5 * time.Millisecond,
				DefaultVoice: true,
			}, sink, synth, sessionID)
		}
	}

	srv := New(cfg, sessions, factory, metrics, store)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testServer{ts: ts, sessions: sessions, store: store}
}

func (s *testServer) wsURL(query string) string {
	u := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/v1/sessions/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

func TestCreateAndEndSession(t *testing.T) {
	srv := newTestServer(t, nil)

	body, _ := json.Marshal(map[string]any{"user_id": "user-1", "voice_enabled": false})
	res, err := http.Post(srv.ts.URL+"/v1/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var created map[string]any
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	sessionID, _ := created["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("missing session_id in create response: %+v", created)
	}
	if voice, _ := created["voice_enabled"].(bool); voice {
		t.Fatalf("voice_enabled = true, want false")
	}

	getRes, err := http.Get(srv.ts.URL + "/v1/sessions/" + sessionID)
	if err != nil {
		t.Fatalf("get session request error = %v", err)
	}
	getRes.Body.Close()
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want %d", getRes.StatusCode, http.StatusOK)
	}

	endRes, err := http.Post(srv.ts.URL+"/v1/sessions/"+sessionID+"/end", "application/json", nil)
	if err != nil {
		t.Fatalf("end session request error = %v", err)
	}
	endRes.Body.Close()
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", endRes.StatusCode, http.StatusOK)
	}

	missing, err := http.Post(srv.ts.URL+"/v1/sessions/does-not-exist/end", "application/json", nil)
	if err != nil {
		t.Fatalf("end missing session request error = %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("end missing status = %d, want %d", missing.StatusCode, http.StatusNotFound)
	}
}

func TestHealthReadyAndPerf(t *testing.T) {
	srv := newTestServer(t, nil)

	for _, path := range []string{"/healthz", "/readyz", "/v1/perf/latency"} {
		res, err := http.Get(srv.ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		var payload map[string]any
		decodeErr := json.NewDecoder(res.Body).Decode(&payload)
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d, want %d", path, res.StatusCode, http.StatusOK)
		}
		if decodeErr != nil {
			t.Fatalf("GET %s decode: %v", path, decodeErr)
		}
	}
}

// wsClient reads frames until response_end, acknowledging every speak_segment.
type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

type frame struct {
	Type        protocol.MessageType `json:"type"`
	SessionID   string               `json:"session_id"`
	RequestID   string               `json:"request_id"`
	Ordinal     int                  `json:"ordinal"`
	Text        string               `json:"text"`
	Kind        string               `json:"kind"`
	Code        string               `json:"code"`
	UtteranceID string               `json:"utterance_id"`
	Success     bool                 `json:"success"`
	Reason      string               `json:"reason"`
	Fallback    bool                 `json:"used_fallback"`
}

func dial(t *testing.T, url string) *wsClient {
	t.Helper()
	conn, res, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if res != nil {
			status = res.StatusCode
		}
		t.Fatalf("dial %s error = %v (status %d)", url, err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) writeJSON(v any) {
	c.t.Helper()
	if err := c.conn.WriteJSON(v); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *wsClient) read() frame {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f frame
	if err := c.conn.ReadJSON(&f); err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return f
}

func (c *wsClient) untilResponseEnd() []frame {
	c.t.Helper()
	var frames []frame
	for {
		f := c.read()
		frames = append(frames, f)
		switch f.Type {
		case protocol.TypeSpeakSegment:
			c.writeJSON(protocol.ClientControl{
				Type:        protocol.TypeClientControl,
				Action:      protocol.ActionSpeechIdle,
				UtteranceID: f.UtteranceID,
			})
		case protocol.TypeResponseEnd:
			return frames
		}
	}
}

func completedText(frames []frame) string {
	var parts []string
	for _, f := range frames {
		if f.Type == protocol.TypeSegmentUpsert && f.Kind == "completed" {
			parts = append(parts, f.Text)
		}
	}
	return strings.Join(parts, "")
}

func TestSessionWSStreamsSegmentsAndSpeech(t *testing.T) {
	srv := newTestServer(t, brain.NewMockTransport(0))
	c := dial(t, srv.wsURL("user_id=user-1"))

	c.writeJSON(protocol.ClientMessage{Type: protocol.TypeClientMessage, Text: "hello there, how are you today"})
	frames := c.untilResponseEnd()

	var sessionID string
	var spoken []string
	for _, f := range frames {
		switch f.Type {
		case protocol.TypeSystemEvent:
			if f.Code == "session_created" {
				sessionID = f.SessionID
			}
		case protocol.TypeSpeakSegment:
			spoken = append(spoken, f.Text)
		}
	}
	if sessionID == "" {
		t.Fatalf("no session_created event in %+v", frames)
	}

	end := frames[len(frames)-1]
	if !end.Success || end.Fallback {
		t.Fatalf("response_end = %+v, want streaming success", end)
	}
	want := "I heard you: hello there, how are you today"
	if got := completedText(frames); got != want {
		t.Fatalf("completed text = %q, want %q", got, want)
	}
	if len(spoken) == 0 {
		t.Fatalf("no speak_segment frames")
	}

	res, err := http.Get(srv.ts.URL + "/v1/sessions/" + sessionID + "/transcript")
	if err != nil {
		t.Fatalf("GET transcript error = %v", err)
	}
	defer res.Body.Close()
	var payload struct {
		Turns []transcript.TurnRecord `json:"turns"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode transcript: %v", err)
	}
	if len(payload.Turns) != 2 {
		t.Fatalf("persisted turns = %d, want 2", len(payload.Turns))
	}
	if payload.Turns[0].Role != transcript.RoleUser || payload.Turns[1].Content != want {
		t.Fatalf("transcript = %+v", payload.Turns)
	}
}

func TestSessionWSReportsFallback(t *testing.T) {
	transport := brain.NewMockTransport(0)
	transport.FailStreams = 1
	srv := newTestServer(t, transport)
	c := dial(t, srv.wsURL(""))

	c.writeJSON(protocol.ClientMessage{Type: protocol.TypeClientMessage, Text: "fallback please"})
	frames := c.untilResponseEnd()

	sawFallback := false
	for _, f := range frames {
		if f.Type == protocol.TypeSystemEvent && f.Code == "fallback_used" {
			sawFallback = true
		}
	}
	if !sawFallback {
		t.Fatalf("missing fallback_used event in %+v", frames)
	}
	end := frames[len(frames)-1]
	if !end.Success || !end.Fallback {
		t.Fatalf("response_end = %+v, want fallback success", end)
	}
	if got, want := completedText(frames), "I heard you: fallback please"; got != want {
		t.Fatalf("completed text = %q, want %q", got, want)
	}
}

func TestSessionWSBindsExistingSession(t *testing.T) {
	srv := newTestServer(t, brain.NewMockTransport(0))
	sess := srv.sessions.Create("user-9", false)
	c := dial(t, srv.wsURL("session_id="+sess.ID))

	c.writeJSON(protocol.ClientMessage{Type: protocol.TypeClientMessage, SessionID: sess.ID, Text: "quiet please"})
	frames := c.untilResponseEnd()
	for _, f := range frames {
		if f.Type == protocol.TypeSpeakSegment {
			t.Fatalf("unexpected speak_segment with voice disabled: %+v", f)
		}
		if f.SessionID != "" && f.SessionID != sess.ID {
			t.Fatalf("frame session = %q, want %q", f.SessionID, sess.ID)
		}
	}

	c.writeJSON(protocol.ClientMessage{Type: protocol.TypeClientMessage, SessionID: "other", Text: "hi"})
	if f := c.read(); f.Type != protocol.TypeErrorEvent || f.Code != "session_mismatch" {
		t.Fatalf("mismatch frame = %+v, want session_mismatch error", f)
	}
}

func TestSessionWSRejectsUnknownSession(t *testing.T) {
	srv := newTestServer(t, brain.NewMockTransport(0))
	_, res, err := websocket.DefaultDialer.Dial(srv.wsURL("session_id=missing"), nil)
	if err == nil {
		t.Fatalf("dial succeeded for unknown session")
	}
	if res == nil || res.StatusCode != http.StatusNotFound {
		t.Fatalf("dial response = %+v, want 404", res)
	}
}

func TestSessionWSInvalidMessage(t *testing.T) {
	srv := newTestServer(t, brain.NewMockTransport(0))
	c := dial(t, srv.wsURL(""))

	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"client_control","action":"dance"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if f := c.read(); f.Type != protocol.TypeErrorEvent || f.Code != "invalid_client_message" {
		t.Fatalf("frame = %+v, want invalid_client_message error", f)
	}
}

func TestClientSynthAckAndStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &connection{ctx: ctx, outbound: make(chan any, 8)}
	c.conv = pipeline.NewConversation(pipeline.Deps{Sessions: session.NewManager(time.Minute)}, presentation.NewTranscript(), nil, "")
	s := &clientSynth{c: c}

	idle := 0
	if err := s.Speak("one", func() { idle++ }); err != nil {
		t.Fatalf("Speak() error = %v", err)
	}
	if err := s.Speak("two", func() {}); err != playback.ErrSynthesizerBusy {
		t.Fatalf("second Speak() error = %v, want ErrSynthesizerBusy", err)
	}
	msg := (<-c.outbound).(protocol.SpeakSegment)
	if msg.UtteranceID != "u-1" || msg.Text != "one" {
		t.Fatalf("speak frame = %+v", msg)
	}

	s.ack("u-0")
	if idle != 0 {
		t.Fatalf("idle after stale ack = %d, want 0", idle)
	}
	s.ack("u-1")
	s.ack("u-1")
	if idle != 1 {
		t.Fatalf("idle after ack = %d, want 1", idle)
	}

	if err := s.Speak("three", func() { idle++ }); err != nil {
		t.Fatalf("Speak() error = %v", err)
	}
	<-c.outbound
	s.Stop()
	if idle != 2 {
		t.Fatalf("idle after stop = %d, want 2", idle)
	}
	if _, ok := (<-c.outbound).(protocol.SpeakStop); !ok {
		t.Fatalf("expected speak_stop frame")
	}
}
