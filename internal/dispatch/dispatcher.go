// Package dispatch runs one logical send against the brain: streaming first, retried
// on network failures, with a single non-streaming request as the last resort.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ent0n29/voicestream/internal/observability"
	"github.com/ent0n29/voicestream/internal/reliability"
	"github.com/ent0n29/voicestream/internal/session"
	"github.com/ent0n29/voicestream/internal/stream"
)

const (
	DefaultMaxRetries  = 3
	DefaultBackoffBase = 2 * time.Second
	DefaultBackoffCap  = 8 * time.Second

	// NoRetries disables streaming retries; MaxRetries == 0 selects the default.
	NoRetries = -1
)

var (
	// ErrNoResponse is returned when neither streaming nor fallback produced text.
	ErrNoResponse = errors.New("no response from assistant")

	errEmptyResponse = &reliability.FatalStreamError{Reason: "empty response"}
)

// Request is one user message bound to its stream session.
type Request struct {
	Session session.StreamSession
	UserID  string
	Text    string
	// History carries recent transcript lines, oldest first.
	History []string
}

// DeltaHandler receives the full response text received so far.
type DeltaHandler func(fullText string) error

// Transport opens the brain stream or performs a single-shot request.
type Transport interface {
	OpenStream(ctx context.Context, req Request, onDelta DeltaHandler) (string, error)
	SendOnce(ctx context.Context, req Request) (string, error)
}

// Handler receives the output of a send. Segments from an attempt that is later
// discarded are followed by OnDiscard for that attempt.
type Handler interface {
	OnSegments(segs []stream.Segment)
	OnDiscard(req Request, attempt int)
}

// Result is reported exactly once per Send.
type Result struct {
	RequestID    string `json:"request_id"`
	Success      bool   `json:"success"`
	Text         string `json:"text"`
	UsedFallback bool   `json:"used_fallback"`
	Attempts     int    `json:"attempts"`
	// Failures lists the streaming attempts that failed, in order.
	Failures []reliability.Attempt `json:"failures,omitempty"`
}

type Options struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	FirstTarget int
	ChunkTarget int
	// Sleep waits out a backoff; it must return early with ctx.Err() on cancellation.
	Sleep   func(ctx context.Context, d time.Duration) error
	Metrics *observability.Metrics
}

type Dispatcher struct {
	transport Transport
	opts      Options
}

func New(transport Transport, opts Options) *Dispatcher {
	switch {
	case opts.MaxRetries == 0:
		opts.MaxRetries = DefaultMaxRetries
	case opts.MaxRetries < 0:
		opts.MaxRetries = 0
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.BackoffCap < opts.BackoffBase {
		opts.BackoffCap = DefaultBackoffCap
		if opts.BackoffCap < opts.BackoffBase {
			opts.BackoffCap = opts.BackoffBase
		}
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Dispatcher{transport: transport, opts: opts}
}

// Send reports exactly one of streaming success, fallback success or failure.
func (d *Dispatcher) Send(ctx context.Context, req Request, h Handler) (Result, error) {
	res, err := d.send(ctx, req, h)
	res.RequestID = req.Session.RequestID
	return res, err
}

func (d *Dispatcher) send(ctx context.Context, req Request, h Handler) (Result, error) {
	if d == nil || d.transport == nil {
		return Result{}, fmt.Errorf("dispatcher misconfigured")
	}
	if h == nil {
		h = nopHandler{}
	}

	ctx, span := tracer.Start(ctx, "dispatch.send", trace.WithAttributes(
		attribute.String("session.id", req.Session.SessionID),
		attribute.String("request.id", req.Session.RequestID),
	))
	defer span.End()

	var (
		streamErr error
		attempts  int
		failures  []reliability.Attempt
	)
	for attempt := 0; ; attempt++ {
		attempts++
		text, err := d.streamAttempt(ctx, req, h)
		if err == nil {
			d.opts.Metrics.ObserveDispatch("stream")
			span.SetAttributes(attribute.Int("dispatch.attempts", attempts))
			return Result{Success: true, Text: text, Attempts: attempts, Failures: failures}, nil
		}
		h.OnDiscard(req, attempt)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return d.canceled(span, attempts, ctxErr)
		}

		streamErr = err
		class := reliability.Classify(err)
		d.opts.Metrics.ObserveRetry(string(class))
		span.AddEvent("stream_attempt_failed", trace.WithAttributes(
			attribute.Int("attempt", attempt),
			attribute.String("class", string(class)),
			attribute.String("error", err.Error()),
		))
		failed := reliability.Attempt{Number: attempt, Class: class}
		if class != reliability.ClassRetryableNetwork || attempt >= d.opts.MaxRetries {
			failures = append(failures, failed)
			log.Printf("dispatch: stream attempt %d failed (%s): %v; falling back to single request", attempt+1, class, err)
			break
		}

		backoff := reliability.ExponentialBackoff(attempt, d.opts.BackoffBase, d.opts.BackoffCap)
		failed.Backoff = backoff
		failures = append(failures, failed)
		log.Printf("dispatch: stream attempt %d failed (%s): %v; retrying in %s", attempt+1, class, err, backoff)
		if err := d.opts.Sleep(ctx, backoff); err != nil {
			return d.canceled(span, attempts, err)
		}
	}

	text, err := d.transport.SendOnce(ctx, req)
	if err == nil && strings.TrimSpace(text) == "" {
		err = errEmptyResponse
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return d.canceled(span, attempts, ctxErr)
		}
		d.opts.Metrics.ObserveDispatch("failed")
		span.SetStatus(codes.Error, "stream and fallback failed")
		return Result{Attempts: attempts, Failures: failures}, fmt.Errorf("%w: stream: %v; fallback: %w", ErrNoResponse, streamErr, err)
	}

	agg := d.newAggregator(req)
	if seg, ok := agg.Finalize(text); ok {
		h.OnSegments([]stream.Segment{seg})
	}
	d.opts.Metrics.ObserveDispatch("fallback")
	span.SetAttributes(attribute.Bool("dispatch.used_fallback", true), attribute.Int("dispatch.attempts", attempts))
	return Result{Success: true, Text: text, UsedFallback: true, Attempts: attempts, Failures: failures}, nil
}

func (d *Dispatcher) streamAttempt(ctx context.Context, req Request, h Handler) (string, error) {
	agg := d.newAggregator(req)
	final, err := d.transport.OpenStream(ctx, req, func(fullText string) error {
		segs, err := agg.OnDelta(fullText)
		if err != nil {
			log.Printf("dispatch: request %s: %v; remaining text is delivered on finalize", req.Session.RequestID, err)
		}
		if len(segs) > 0 {
			h.OnSegments(segs)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(final) == "" {
		final = agg.Text()
	}
	if strings.TrimSpace(final) == "" {
		return "", errEmptyResponse
	}
	if seg, ok := agg.Finalize(final); ok {
		h.OnSegments([]stream.Segment{seg})
	}
	return agg.Text(), nil
}

func (d *Dispatcher) newAggregator(req Request) *stream.Aggregator {
	return stream.NewAggregator(stream.Options{
		FirstTarget: d.opts.FirstTarget,
		ChunkTarget: d.opts.ChunkTarget,
		SessionID:   req.Session.SessionID,
		RequestID:   req.Session.RequestID,
	})
}

func (d *Dispatcher) canceled(span trace.Span, attempts int, err error) (Result, error) {
	d.opts.Metrics.ObserveDispatch("canceled")
	span.SetStatus(codes.Error, "canceled")
	return Result{Attempts: attempts}, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type nopHandler struct{}

func (nopHandler) OnSegments([]stream.Segment) {}
func (nopHandler) OnDiscard(Request, int)      {}
