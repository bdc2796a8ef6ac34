package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicestream/internal/dispatch"
	"github.com/ent0n29/voicestream/internal/pipeline"
	"github.com/ent0n29/voicestream/internal/playback"
	"github.com/ent0n29/voicestream/internal/protocol"
	"github.com/ent0n29/voicestream/internal/session"
	"github.com/ent0n29/voicestream/internal/speech"
	"github.com/ent0n29/voicestream/internal/stream"
)

var errConnectionClosed = errors.New("connection closed")

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	if s.conversations == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "conversation pipeline not configured")
		return
	}

	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		userID = "anonymous"
	}
	if sessionID != "" {
		sess, err := s.sessions.Get(sessionID)
		if err != nil {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
		if sess.Status != session.StatusActive {
			respondError(w, http.StatusConflict, "session_ended", "session is no longer active")
			return
		}
		userID = sess.UserID
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.ObserveSessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &connection{
		server:   s,
		ctx:      ctx,
		outbound: make(chan any, 256),
		userID:   userID,
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(conn, cancel)
	}()

	var synth playback.Synthesizer
	if strings.EqualFold(s.cfg.SpeechMode, "mock") {
		synth = speech.NewMockSynthesizer(s.cfg.SpeechPerRune)
	} else {
		c.speaker = &clientSynth{c: c}
		synth = c.speaker
	}
	c.conv = s.conversations(wsSink{c: c}, synth, sessionID)
	c.conv.OnSessionCreated(func(id string) {
		c.send(protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: id, Code: "session_created"})
	})

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			c.sendError("invalid_client_message", "gateway", false, err.Error())
			continue
		}
		c.handle(parsed)
	}

	cancel()
	c.conv.Close()
	c.sends.Wait()
	<-writerDone
	s.metrics.ObserveSessionEvent("ws_disconnected")
}

// connection serializes all writes for one websocket through outbound.
type connection struct {
	server   *Server
	ctx      context.Context
	outbound chan any
	userID   string
	conv     *pipeline.Conversation
	speaker  *clientSynth
	sends    sync.WaitGroup
}

func (c *connection) writeLoop(conn *websocket.Conn, cancel context.CancelFunc) {
	metrics := c.server.metrics
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.outbound:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				if metrics != nil {
					metrics.WSWriteErrors.WithLabelValues("write_json").Inc()
				}
				cancel()
				return
			}
			if t, ok := messageTypeOf(msg); ok {
				metrics.ObserveWSMessage("outbound", string(t))
			}
		}
	}
}

// send queues msg for the writer and reports false once the connection is gone.
func (c *connection) send(msg any) bool {
	select {
	case <-c.ctx.Done():
		return false
	case c.outbound <- msg:
		return true
	}
}

func (c *connection) sendError(code, source string, retryable bool, detail string) {
	c.send(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: c.conv.SessionID(),
		Code:      code,
		Source:    source,
		Retryable: retryable,
		Detail:    detail,
	})
}

func (c *connection) sendSystem(code, detail string) {
	c.send(protocol.SystemEvent{
		Type:      protocol.TypeSystemEvent,
		SessionID: c.conv.SessionID(),
		Code:      code,
		Detail:    detail,
	})
}

func (c *connection) handle(msg any) {
	if t, ok := messageTypeOf(msg); ok {
		c.server.metrics.ObserveWSMessage("inbound", string(t))
	}
	// Client traffic, speech acks included, keeps the session from idling out.
	if id := c.conv.SessionID(); id != "" {
		_ = c.server.sessions.Touch(id)
	}

	switch m := msg.(type) {
	case protocol.ClientMessage:
		if bound := c.conv.SessionID(); m.SessionID != "" && bound != "" && m.SessionID != bound {
			c.sendError("session_mismatch", "gateway", false, fmt.Sprintf("connection is bound to session %s", bound))
			return
		}
		c.sends.Add(1)
		go func() {
			defer c.sends.Done()
			c.runSend(m.Text)
		}()
	case protocol.ClientControl:
		c.handleControl(m)
	}
}

func (c *connection) runSend(text string) {
	res, err := c.conv.Send(c.ctx, c.userID, text)
	end := protocol.ResponseEnd{
		Type:         protocol.TypeResponseEnd,
		SessionID:    c.conv.SessionID(),
		RequestID:    res.RequestID,
		Success:      res.Success,
		UsedFallback: res.UsedFallback,
		Attempts:     res.Attempts,
	}

	switch {
	case err == nil:
		if res.UsedFallback {
			c.sendSystem("fallback_used", "streaming failed; answer delivered in one piece")
		}
	case errors.Is(err, pipeline.ErrSuperseded):
		end.Reason = "superseded"
	case c.ctx.Err() != nil:
		return
	case errors.Is(err, pipeline.ErrEmptyMessage), errors.Is(err, session.ErrEnded), errors.Is(err, session.ErrNotFound):
		c.sendError("invalid_send", "gateway", false, err.Error())
		return
	case errors.Is(err, dispatch.ErrNoResponse):
		log.Printf("httpapi: session %s: %v", c.conv.SessionID(), err)
		c.sendError("no_response", "brain", true, "the assistant could not be reached")
		end.Reason = "failed"
	default:
		log.Printf("httpapi: session %s: send failed: %v", c.conv.SessionID(), err)
		c.sendError("send_failed", "gateway", true, err.Error())
		end.Reason = "failed"
	}
	c.send(end)
}

func (c *connection) handleControl(m protocol.ClientControl) {
	switch m.Action {
	case protocol.ActionSpeechIdle:
		if c.speaker != nil {
			c.speaker.ack(m.UtteranceID)
		}
	case protocol.ActionStop:
		if c.conv.StopAll() {
			c.sendSystem("playback_stopped", m.Reason)
		}
	case protocol.ActionClear:
		if err := c.conv.Clear(); err != nil {
			c.sendError("clear_failed", "gateway", false, err.Error())
			return
		}
		c.sendSystem("cleared", "")
	case protocol.ActionVoiceOn, protocol.ActionVoiceOff:
		enabled := m.Action == protocol.ActionVoiceOn
		if err := c.conv.SetVoiceEnabled(enabled); err != nil {
			c.sendError("voice_toggle_failed", "gateway", false, err.Error())
			return
		}
		c.sendSystem(m.Action, "")
	}
}

type wsSink struct{ c *connection }

func (s wsSink) UpsertSegment(seg stream.Segment) {
	s.c.send(protocol.SegmentUpsert{
		Type:      protocol.TypeSegmentUpsert,
		SessionID: seg.SessionID,
		RequestID: seg.RequestID,
		SegmentID: seg.ID(),
		Ordinal:   seg.Ordinal,
		Text:      seg.Text,
		Kind:      string(seg.Kind),
		Promoted:  seg.Promoted,
	})
}

func (s wsSink) Retract(requestID string) {
	s.c.send(protocol.SegmentRetract{
		Type:      protocol.TypeSegmentRetract,
		SessionID: s.c.conv.SessionID(),
		RequestID: requestID,
	})
}

// clientSynth delegates speech to the browser: each Speak becomes a speak_segment
// and the client answers with speech_idle once it has finished.
type clientSynth struct {
	c *connection

	mu      sync.Mutex
	seq     int
	pending string
	onIdle  func()
}

func (s *clientSynth) Speak(text string, onIdle func()) error {
	s.mu.Lock()
	if s.onIdle != nil {
		s.mu.Unlock()
		return playback.ErrSynthesizerBusy
	}
	s.seq++
	id := fmt.Sprintf("u-%d", s.seq)
	s.pending, s.onIdle = id, onIdle
	s.mu.Unlock()

	ok := s.c.send(protocol.SpeakSegment{
		Type:        protocol.TypeSpeakSegment,
		SessionID:   s.c.conv.SessionID(),
		UtteranceID: id,
		Text:        text,
	})
	if !ok {
		s.take(id)
		return errConnectionClosed
	}
	return nil
}

func (s *clientSynth) Stop() {
	s.mu.Lock()
	onIdle := s.onIdle
	s.pending, s.onIdle = "", nil
	s.mu.Unlock()

	s.c.send(protocol.SpeakStop{Type: protocol.TypeSpeakStop, SessionID: s.c.conv.SessionID()})
	if onIdle != nil {
		onIdle()
	}
}

func (s *clientSynth) ack(id string) {
	if onIdle := s.take(id); onIdle != nil {
		onIdle()
	}
}

// take clears the pending utterance when id matches and returns its callback.
func (s *clientSynth) take(id string) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" || id != s.pending {
		return nil
	}
	onIdle := s.onIdle
	s.pending, s.onIdle = "", nil
	return onIdle
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientMessage:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.SegmentUpsert:
		return m.Type, true
	case protocol.SegmentRetract:
		return m.Type, true
	case protocol.SpeakSegment:
		return m.Type, true
	case protocol.SpeakStop:
		return m.Type, true
	case protocol.ResponseEnd:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
