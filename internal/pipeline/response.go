package pipeline

import (
	"sync"
	"time"

	"github.com/ent0n29/voicestream/internal/dispatch"
	"github.com/ent0n29/voicestream/internal/observability"
	"github.com/ent0n29/voicestream/internal/playback"
	"github.com/ent0n29/voicestream/internal/presentation"
	"github.com/ent0n29/voicestream/internal/speech"
	"github.com/ent0n29/voicestream/internal/stream"
)

// response routes the segments of one send. Completed segments go to the sink at
// once and to the playback queue; the partial waits for the debouncer.
type response struct {
	c         *Conversation
	req       dispatch.Request
	startedAt time.Time
	debouncer *presentation.Debouncer

	mu           sync.Mutex
	partial      *stream.Segment
	closed       bool
	firstSegment bool
	firstAudio   bool
}

func newResponse(c *Conversation, req dispatch.Request) *response {
	r := &response{c: c, req: req, startedAt: time.Now()}
	r.debouncer = presentation.NewDebouncer(c.deps.Debounce, r.emitPartial)
	return r
}

func (r *response) OnSegments(segs []stream.Segment) {
	metrics := r.c.deps.Metrics
	voice := r.c.IsVoiceEnabled()
	key := r.req.Session.Key()

	var (
		items  []playback.Item
		notify bool
	)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	for _, seg := range segs {
		metrics.ObserveSegment(string(seg.Kind))
		if !seg.Completed() {
			s := seg
			r.partial = &s
			notify = true
			continue
		}
		// A completed segment at or past the pending partial's ordinal supersedes it.
		if r.partial != nil && r.partial.Ordinal <= seg.Ordinal {
			r.partial = nil
		}
		r.c.sink.UpsertSegment(seg)
		if !r.firstSegment {
			r.firstSegment = true
			metrics.ObserveFirstSegmentLatency(time.Since(r.startedAt))
		}
		if voice {
			items = append(items, playback.Item{
				Text:      speech.SanitizeText(seg.Text),
				SegmentID: seg.ID(),
				SessionID: key,
			})
		}
	}
	r.mu.Unlock()

	if len(items) > 0 {
		r.c.enqueue(r, items)
	}
	if notify {
		r.debouncer.Notify()
	}
}

// OnDiscard removes what a failed attempt displayed and queued.
func (r *response) OnDiscard(req dispatch.Request, _ int) {
	active := r.c.isActive(r)

	r.mu.Lock()
	r.partial = nil
	discard := active && !r.closed
	if discard {
		r.c.sink.Retract(req.Session.RequestID)
	}
	r.mu.Unlock()
	r.debouncer.Stop()

	if discard {
		r.c.queue.StopAll()
	}
}

func (r *response) emitPartial() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.partial == nil {
		return
	}
	r.c.sink.UpsertSegment(*r.partial)
	r.partial = nil
}

func (r *response) audioStarted(item playback.Item) {
	if item.SessionID != r.req.Session.Key() {
		return
	}
	r.mu.Lock()
	first := !r.firstAudio
	r.firstAudio = true
	r.mu.Unlock()
	if first {
		r.c.deps.Metrics.ObserveStage(observability.StageFirstAudio, time.Since(r.startedAt))
	}
}

// finish flushes any pending display update and detaches the response.
func (r *response) finish() {
	r.debouncer.Flush()
	r.close()
}

func (r *response) close() {
	r.mu.Lock()
	r.closed = true
	r.partial = nil
	r.mu.Unlock()
	r.debouncer.Stop()
}
