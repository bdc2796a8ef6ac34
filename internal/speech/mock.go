package speech

import (
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ent0n29/voicestream/internal/playback"
)

// MockSynthesizer simulates speaking time without producing audio.
type MockSynthesizer struct {
	perRune time.Duration

	mu      sync.Mutex
	current *utterance
	spoken  []string
	stops   int
}

type utterance struct {
	timer  *time.Timer
	onIdle func()
	once   sync.Once
}

func (u *utterance) finish() {
	u.once.Do(func() {
		if u.onIdle != nil {
			u.onIdle()
		}
	})
}

// NewMockSynthesizer speaks each rune for perRune; zero finishes on the next tick.
func NewMockSynthesizer(perRune time.Duration) *MockSynthesizer {
	return &MockSynthesizer{perRune: perRune}
}

func (s *MockSynthesizer) Speak(text string, onIdle func()) error {
	s.mu.Lock()
	if s.current != nil {
		s.mu.Unlock()
		return playback.ErrSynthesizerBusy
	}
	u := &utterance{onIdle: onIdle}
	s.current = u
	s.spoken = append(s.spoken, text)
	u.timer = time.AfterFunc(time.Duration(utf8.RuneCountInString(text))*s.perRune, func() {
		s.done(u)
	})
	s.mu.Unlock()
	return nil
}

func (s *MockSynthesizer) Stop() {
	s.mu.Lock()
	u := s.current
	s.stops++
	s.mu.Unlock()
	if u == nil {
		return
	}
	u.timer.Stop()
	s.done(u)
}

func (s *MockSynthesizer) done(u *utterance) {
	s.mu.Lock()
	if s.current == u {
		s.current = nil
	}
	s.mu.Unlock()
	u.finish()
}

// Spoken returns every text passed to Speak, in order.
func (s *MockSynthesizer) Spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spoken...)
}

func (s *MockSynthesizer) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

func (s *MockSynthesizer) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}
