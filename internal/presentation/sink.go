package presentation

import (
	"sync"

	"github.com/ent0n29/voicestream/internal/stream"
)

// Sink receives display updates. UpsertSegment appends a segment with a new ordinal
// and replaces the last entry when the ordinal matches it.
type Sink interface {
	UpsertSegment(seg stream.Segment)
	// Retract removes every segment shown for requestID.
	Retract(requestID string)
}

// Transcript is an in-memory Sink.
type Transcript struct {
	mu       sync.Mutex
	segments []stream.Segment
	upserts  int
}

func NewTranscript() *Transcript { return &Transcript{} }

func (t *Transcript) UpsertSegment(seg stream.Segment) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.upserts++
	if n := len(t.segments); n > 0 {
		last := t.segments[n-1]
		if last.RequestID == seg.RequestID && last.Ordinal == seg.Ordinal {
			t.segments[n-1] = seg
			return
		}
	}
	t.segments = append(t.segments, seg)
}

func (t *Transcript) Retract(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.segments[:0]
	for _, s := range t.segments {
		if s.RequestID != requestID {
			kept = append(kept, s)
		}
	}
	t.segments = kept
}

// Segments returns a copy of what is currently displayed.
func (t *Transcript) Segments() []stream.Segment {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]stream.Segment(nil), t.segments...)
}

// Text joins the displayed segments of one request.
func (t *Transcript) Text(requestID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []byte
	for _, s := range t.segments {
		if s.RequestID == requestID {
			out = append(out, s.Text...)
		}
	}
	return string(out)
}

func (t *Transcript) Upserts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.upserts
}
