// Package playback drives a speech synthesizer one segment at a time.
package playback

import (
	"errors"
	"log"
	"strings"
	"sync"
)

// ErrSynthesizerBusy is returned by synthesizers that cannot accept text right now.
var ErrSynthesizerBusy = errors.New("synthesizer busy")

// Item is one completed segment waiting to be spoken.
type Item struct {
	Text      string
	SegmentID string
	// SessionID holds the playback key of the request that produced the segment.
	SessionID string
}

// Synthesizer speaks text. Speak returns once synthesis has started; onIdle must be
// called exactly once when the synthesizer finishes or is stopped.
type Synthesizer interface {
	Speak(text string, onIdle func()) error
	Stop()
}

// SessionSource is read on every drain step.
type SessionSource interface {
	CurrentSessionID() string
	IsVoiceEnabled() bool
}

// Observer receives queue events.
type Observer interface {
	Started(item Item)
	Dropped(reason string, count int)
}

type NopObserver struct{}

func (NopObserver) Started(Item)        {}
func (NopObserver) Dropped(string, int) {}

const (
	DropStale    = "stale_dropped"
	DropVoiceOff = "voice_off_dropped"
	DropSynth    = "synth_error"
	DropStopped  = "stopped"
)

// Queue is a single-consumer FIFO. At most one item is with the synthesizer at a time.
type Queue struct {
	synth    Synthesizer
	session  SessionSource
	observer Observer

	mu         sync.Mutex
	items      []Item
	speaking   bool
	generation uint64
}

func NewQueue(synth Synthesizer, session SessionSource, observer Observer) *Queue {
	if observer == nil {
		observer = NopObserver{}
	}
	return &Queue{
		synth:    synth,
		session:  session,
		observer: observer,
	}
}

// Enqueue appends item and starts draining if the queue was idle.
func (q *Queue) Enqueue(item Item) {
	if strings.TrimSpace(item.Text) == "" {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.drain()
}

// StopAll halts synthesis and clears the queue. It returns false when there was
// nothing to stop.
func (q *Queue) StopAll() bool {
	q.mu.Lock()
	cleared := len(q.items)
	wasSpeaking := q.speaking
	q.items = nil
	q.speaking = false
	q.generation++
	q.mu.Unlock()

	if wasSpeaking {
		q.synth.Stop()
	}
	if cleared == 0 && !wasSpeaking {
		return false
	}
	q.observer.Dropped(DropStopped, cleared)
	return true
}

// Prune drops queued items whose key is no longer current without touching the
// item being spoken. Callers invoke it when a new request begins so that the new
// request's items are not queued behind stale ones.
func (q *Queue) Prune() int {
	current := q.session.CurrentSessionID()
	q.mu.Lock()
	kept := q.items[:0]
	for _, it := range q.items {
		if it.SessionID == current {
			kept = append(kept, it)
		}
	}
	dropped := len(q.items) - len(kept)
	q.items = kept
	q.mu.Unlock()

	if dropped > 0 {
		q.observer.Dropped(DropStale, dropped)
	}
	return dropped
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Speaking() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.speaking
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if q.speaking || len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		item := q.items[0]
		q.items = q.items[1:]

		reason := ""
		switch {
		case item.SessionID != q.session.CurrentSessionID():
			reason = DropStale
		case !q.session.IsVoiceEnabled():
			reason = DropVoiceOff
		}
		if reason != "" {
			dropped := len(q.items) + 1
			q.items = nil
			q.mu.Unlock()
			q.observer.Dropped(reason, dropped)
			return
		}

		q.speaking = true
		q.generation++
		gen := q.generation
		q.mu.Unlock()

		q.observer.Started(item)
		err := q.synth.Speak(strings.TrimSpace(item.Text), func() { q.idle(gen) })
		if err == nil {
			return
		}
		log.Printf("playback: synthesis failed for segment %s: %v", item.SegmentID, err)
		q.mu.Lock()
		if q.generation == gen {
			q.speaking = false
		}
		q.mu.Unlock()
		q.observer.Dropped(DropSynth, 1)
	}
}

func (q *Queue) idle(gen uint64) {
	q.mu.Lock()
	if gen != q.generation || !q.speaking {
		q.mu.Unlock()
		return
	}
	q.speaking = false
	q.mu.Unlock()
	q.drain()
}
