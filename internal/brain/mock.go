package brain

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/voicestream/internal/dispatch"
	"github.com/ent0n29/voicestream/internal/reliability"
)

// MockTransport provides deterministic local replies, streamed word by word.
type MockTransport struct {
	// WordDelay is the pause between streamed words.
	WordDelay time.Duration
	// FailStreams makes the first N OpenStream calls drop mid-response.
	FailStreams int

	mu      sync.Mutex
	streams int
}

func NewMockTransport(wordDelay time.Duration) *MockTransport {
	return &MockTransport{WordDelay: wordDelay}
}

func (m *MockTransport) OpenStream(ctx context.Context, req dispatch.Request, onDelta dispatch.DeltaHandler) (string, error) {
	m.mu.Lock()
	m.streams++
	fail := m.streams <= m.FailStreams
	m.mu.Unlock()

	text := buildMockReply(req)
	words := strings.SplitAfter(text, " ")
	var acc strings.Builder
	for i, w := range words {
		if fail && i >= len(words)/2 {
			return "", &reliability.RetryableNetworkError{Op: "mock stream", Err: io.ErrUnexpectedEOF}
		}
		if m.WordDelay > 0 {
			timer := time.NewTimer(m.WordDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return "", ctx.Err()
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return "", err
		}
		acc.WriteString(w)
		if onDelta != nil {
			if err := onDelta(acc.String()); err != nil {
				return "", err
			}
		}
	}
	return text, nil
}

func (m *MockTransport) SendOnce(ctx context.Context, req dispatch.Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return buildMockReply(req), nil
}

func buildMockReply(req dispatch.Request) string {
	base := strings.TrimSpace(req.Text)
	if base == "" {
		base = "I am listening."
	}

	if len(req.History) == 0 {
		return fmt.Sprintf("I heard you: %s", base)
	}

	last := strings.TrimSpace(req.History[len(req.History)-1])
	if last == "" {
		return fmt.Sprintf("I heard you: %s", base)
	}

	return fmt.Sprintf("I heard you: %s\nI also remember: %s", base, last)
}
