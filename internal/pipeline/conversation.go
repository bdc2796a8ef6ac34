// Package pipeline wires chunking, dispatch, presentation and playback into one
// conversation per connected client.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/voicestream/internal/dispatch"
	"github.com/ent0n29/voicestream/internal/observability"
	"github.com/ent0n29/voicestream/internal/playback"
	"github.com/ent0n29/voicestream/internal/policy"
	"github.com/ent0n29/voicestream/internal/presentation"
	"github.com/ent0n29/voicestream/internal/session"
	"github.com/ent0n29/voicestream/internal/transcript"
)

const defaultHistoryTurns = 8

var (
	ErrEmptyMessage = errors.New("message text is empty")
	// ErrSuperseded is returned by a send that was canceled by a newer send.
	ErrSuperseded = errors.New("send superseded by a newer message")
	ErrClosed     = errors.New("conversation closed")
)

// Dispatcher runs one logical send.
type Dispatcher interface {
	Send(ctx context.Context, req dispatch.Request, h dispatch.Handler) (dispatch.Result, error)
}

type Deps struct {
	Sessions   *session.Manager
	Dispatcher Dispatcher
	// Store and Redactor are optional; without a store nothing is persisted.
	Store        transcript.Store
	Redactor     *policy.Redactor
	Metrics      *observability.Metrics
	Debounce     time.Duration
	HistoryTurns int
	// DefaultVoice applies to sessions created by Send.
	DefaultVoice bool
}

// Conversation owns the playback queue and display sink of one client.
type Conversation struct {
	deps  Deps
	sink  presentation.Sink
	queue *playback.Queue

	// enqueueMu orders switching the active response against enqueues so no
	// stale item lands behind the new request's items.
	enqueueMu sync.Mutex

	mu        sync.Mutex
	sessionID string
	userID    string
	active    *response
	cancel    context.CancelFunc
	closed    bool
	onCreated func(sessionID string)
}

// NewConversation binds to sessionID, or creates a session on the first Send when
// sessionID is empty.
func NewConversation(deps Deps, sink presentation.Sink, synth playback.Synthesizer, sessionID string) *Conversation {
	if deps.HistoryTurns == 0 {
		deps.HistoryTurns = defaultHistoryTurns
	}
	if deps.Redactor == nil {
		deps.Redactor = policy.NewRedactor()
	}
	c := &Conversation{
		deps:      deps,
		sink:      sink,
		sessionID: strings.TrimSpace(sessionID),
	}
	c.queue = playback.NewQueue(synth, c, queueObserver{c: c})
	return c
}

// OnSessionCreated registers a callback for the session Send creates when the
// conversation started without one.
func (c *Conversation) OnSessionCreated(fn func(sessionID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCreated = fn
}

// SessionID returns the bound session, or "" before the first Send.
func (c *Conversation) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// CurrentSessionID returns the live playback key. The queue reads it on every step.
func (c *Conversation) CurrentSessionID() string {
	id := c.SessionID()
	if id == "" {
		return ""
	}
	return c.deps.Sessions.CurrentKey(id)
}

func (c *Conversation) IsVoiceEnabled() bool {
	id := c.SessionID()
	return id != "" && c.deps.Sessions.VoiceEnabled(id)
}

// Send is the only way a message reaches the brain. A newer Send cancels this one;
// queued playback of the older request is discarded when the queue reaches it.
func (c *Conversation) Send(ctx context.Context, userID, text string) (dispatch.Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return dispatch.Result{}, ErrEmptyMessage
	}

	sessionID, created, err := c.ensureSession(userID)
	if err != nil {
		return dispatch.Result{}, err
	}
	if created != nil {
		created(sessionID)
	}
	ss, err := c.deps.Sessions.BeginRequest(sessionID)
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("begin request: %w", err)
	}
	if sess, err := c.deps.Sessions.Get(sessionID); err == nil && strings.TrimSpace(userID) == "" {
		userID = sess.UserID
	}

	req := dispatch.Request{
		Session: ss,
		UserID:  userID,
		Text:    text,
		History: c.loadHistory(ctx, userID),
	}
	r := newResponse(c, req)

	sendCtx, cancel := context.WithCancel(ctx)
	c.enqueueMu.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.enqueueMu.Unlock()
		cancel()
		return dispatch.Result{}, ErrClosed
	}
	prev, prevCancel := c.active, c.cancel
	c.active, c.cancel = r, cancel
	c.mu.Unlock()
	c.queue.Prune()
	c.enqueueMu.Unlock()
	if prevCancel != nil {
		prevCancel()
	}
	if prev != nil {
		prev.close()
	}

	c.persist(ctx, req, transcript.RoleUser, text, false)

	res, err := c.deps.Dispatcher.Send(sendCtx, req, r)
	cancel()

	superseded := c.release(r)
	if err != nil {
		r.close()
		if superseded && errors.Is(err, context.Canceled) {
			return res, ErrSuperseded
		}
		return res, err
	}

	r.finish()
	c.deps.Metrics.ObserveStage(observability.StageResponseTotal, time.Since(r.startedAt))
	c.persist(ctx, req, transcript.RoleAssistant, res.Text, res.UsedFallback)
	return res, nil
}

// StopAll halts playback and clears the queue. Display is unaffected.
func (c *Conversation) StopAll() bool {
	return c.queue.StopAll()
}

// Clear invalidates the active request and stops playback. A running send keeps
// streaming to the display.
func (c *Conversation) Clear() error {
	id := c.SessionID()
	if id != "" {
		if err := c.deps.Sessions.Clear(id); err != nil {
			return err
		}
	}
	c.queue.StopAll()
	return nil
}

// SetVoiceEnabled toggles speech. Disabling stops playback immediately.
func (c *Conversation) SetVoiceEnabled(enabled bool) error {
	id := c.SessionID()
	if id == "" {
		return session.ErrNotFound
	}
	if err := c.deps.Sessions.SetVoiceEnabled(id, enabled); err != nil {
		return err
	}
	if !enabled {
		c.queue.StopAll()
	}
	return nil
}

// Close cancels any in-flight send and stops playback.
func (c *Conversation) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	active, cancel := c.active, c.cancel
	c.active, c.cancel = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if active != nil {
		active.close()
	}
	c.queue.StopAll()
}

// ensureSession returns the bound session, creating it when missing. The returned
// callback is non-nil only when a session was created and a hook is registered.
func (c *Conversation) ensureSession(userID string) (string, func(string), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", nil, ErrClosed
	}
	if c.sessionID != "" {
		return c.sessionID, nil, nil
	}
	s := c.deps.Sessions.Create(strings.TrimSpace(userID), c.deps.DefaultVoice)
	c.sessionID = s.ID
	c.deps.Metrics.ObserveSessionEvent("created")
	c.deps.Metrics.SetActiveSessions(c.deps.Sessions.ActiveCount())
	log.Printf("pipeline: created session %s", s.ID)
	return s.ID, c.onCreated, nil
}

// release detaches r and reports whether a newer send replaced it.
func (c *Conversation) release(r *response) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != r {
		return true
	}
	c.active, c.cancel = nil, nil
	return false
}

// enqueue hands items to the queue only while r is the active response.
func (c *Conversation) enqueue(r *response, items []playback.Item) {
	c.enqueueMu.Lock()
	defer c.enqueueMu.Unlock()
	if !c.isActive(r) {
		return
	}
	for _, item := range items {
		c.queue.Enqueue(item)
	}
}

func (c *Conversation) isActive(r *response) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active == r
}

func (c *Conversation) loadHistory(ctx context.Context, userID string) []string {
	if c.deps.Store == nil || userID == "" || c.deps.HistoryTurns < 0 {
		return nil
	}
	turns, err := c.deps.Store.RecentContext(ctx, userID, c.deps.HistoryTurns)
	if err != nil {
		log.Printf("pipeline: load context for %s: %v", userID, err)
		return nil
	}
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, t.Line())
	}
	return lines
}

func (c *Conversation) persist(ctx context.Context, req dispatch.Request, role, content string, usedFallback bool) {
	if c.deps.Store == nil || strings.TrimSpace(content) == "" {
		return
	}
	redacted, changed, _ := c.deps.Redactor.Redact(content)
	err := c.deps.Store.SaveTurn(ctx, transcript.TurnRecord{
		UserID:       req.UserID,
		SessionID:    req.Session.SessionID,
		RequestID:    req.Session.RequestID,
		Role:         role,
		Content:      redacted,
		UsedFallback: usedFallback,
		PIIRedacted:  changed,
	})
	if err != nil {
		log.Printf("pipeline: save %s turn for request %s: %v", role, req.Session.RequestID, err)
	}
}

type queueObserver struct{ c *Conversation }

func (o queueObserver) Started(item playback.Item) {
	o.c.deps.Metrics.ObservePlayback("spoken", 1)
	o.c.mu.Lock()
	r := o.c.active
	o.c.mu.Unlock()
	if r != nil {
		r.audioStarted(item)
	}
}

func (o queueObserver) Dropped(reason string, count int) {
	o.c.deps.Metrics.ObservePlayback(reason, count)
}
