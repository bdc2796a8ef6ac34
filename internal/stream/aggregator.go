package stream

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ent0n29/voicestream/internal/chunker"
)

const (
	DefaultFirstTarget = 150
	DefaultChunkTarget = 800
)

// ErrInvariantViolation is returned when the chunker reports a split that does not
// match the text it was given. The aggregator stops chunking after it.
var ErrInvariantViolation = errors.New("chunker invariant violation")

type Options struct {
	FirstTarget int
	ChunkTarget int
	SessionID   string
	RequestID   string
	// Chunk defaults to chunker.Chunk.
	Chunk chunker.Func
}

// Aggregator owns the chunker state for one response attempt. It is not safe for
// concurrent use; the transport delivers deltas sequentially.
type Aggregator struct {
	opts Options

	state          ChunkerState
	processedBytes int
	nextOrdinal    int
	lastText       string
	lastPartial    string
	broken         bool
	finalized      bool
}

func NewAggregator(opts Options) *Aggregator {
	if opts.FirstTarget <= 0 {
		opts.FirstTarget = DefaultFirstTarget
	}
	if opts.ChunkTarget <= 0 {
		opts.ChunkTarget = DefaultChunkTarget
	}
	if opts.Chunk == nil {
		opts.Chunk = chunker.Chunk
	}
	return &Aggregator{
		opts:  opts,
		state: ChunkerState{IsFirstSegment: true},
	}
}

// OnDelta consumes the full text received so far. It returns the newly completed
// segments in order, followed by at most one partial segment for the unprocessed tail.
func (a *Aggregator) OnDelta(accumulated string) ([]Segment, error) {
	if a.finalized {
		return nil, nil
	}
	accumulated = strings.ToValidUTF8(accumulated, "\uFFFD")
	if len(accumulated) < a.processedBytes {
		// Redelivery of an older snapshot; nothing new to emit.
		return nil, nil
	}
	a.lastText = accumulated

	var (
		out    []Segment
		outErr error
	)
	tail := accumulated[a.processedBytes:]
	for !a.broken && tail != "" {
		target := a.opts.ChunkTarget
		if a.state.IsFirstSegment {
			target = a.opts.FirstTarget
		}
		segment, consumed := a.opts.Chunk(tail, target)
		if consumed == 0 && segment == "" {
			break
		}
		nBytes, err := splitLength(tail, segment, consumed)
		if err != nil {
			a.broken = true
			outErr = err
			break
		}
		out = append(out, a.complete(tail[:nBytes], consumed))
		tail = tail[nBytes:]
	}

	if tail != "" && tail != a.lastPartial {
		a.lastPartial = tail
		out = append(out, a.segment(tail, KindPartial))
	}
	return out, outErr
}

// Finalize emits whatever remains as the last completed segment. An empty fullText
// keeps the last accumulated text. The returned bool is false when nothing remains.
func (a *Aggregator) Finalize(fullText string) (Segment, bool) {
	if a.finalized {
		return Segment{}, false
	}
	a.finalized = true
	text := strings.ToValidUTF8(fullText, "\uFFFD")
	if text == "" || len(text) < a.processedBytes || !strings.HasPrefix(text, a.lastText[:a.processedBytes]) {
		text = a.lastText
	}
	a.lastText = text
	tail := text[a.processedBytes:]
	if tail == "" {
		return Segment{}, false
	}
	promoted := tail == a.lastPartial
	seg := a.complete(tail, utf8.RuneCountInString(tail))
	seg.Promoted = promoted
	a.lastPartial = ""
	return seg, true
}

// State returns a snapshot of the chunker state.
func (a *Aggregator) State() ChunkerState { return a.state }

// Text returns the best-known full text of the response.
func (a *Aggregator) Text() string { return a.lastText }

// Broken reports whether an invariant violation disabled chunking.
func (a *Aggregator) Broken() bool { return a.broken }

func (a *Aggregator) complete(text string, runes int) Segment {
	seg := a.segment(text, KindCompleted)
	a.nextOrdinal++
	a.processedBytes += len(text)
	a.state.TotalProcessedLength += runes
	a.state.IsFirstSegment = false
	a.lastPartial = ""
	return seg
}

func (a *Aggregator) segment(text string, kind Kind) Segment {
	return Segment{
		SessionID: a.opts.SessionID,
		RequestID: a.opts.RequestID,
		Ordinal:   a.nextOrdinal,
		Text:      text,
		Kind:      kind,
	}
}

// splitLength validates a chunker result against tail and returns its byte length.
func splitLength(tail, segment string, consumed int) (int, error) {
	if consumed <= 0 || segment == "" {
		return 0, fmt.Errorf("%w: consumed %d for %q", ErrInvariantViolation, consumed, segment)
	}
	if !strings.HasPrefix(tail, segment) {
		return 0, fmt.Errorf("%w: segment is not a prefix of the unprocessed text", ErrInvariantViolation)
	}
	if n := utf8.RuneCountInString(segment); n != consumed {
		return 0, fmt.Errorf("%w: consumed %d, segment has %d runes", ErrInvariantViolation, consumed, n)
	}
	return len(segment), nil
}
