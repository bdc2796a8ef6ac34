// Package stream turns full-text-so-far deltas into ordered display/speech segments.
package stream

import "strconv"

// Kind distinguishes fixed segments from the single in-progress tail.
type Kind string

const (
	KindCompleted Kind = "completed"
	KindPartial   Kind = "partial"
)

// Segment is a contiguous span of response text.
type Segment struct {
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
	Ordinal   int    `json:"ordinal"`
	Text      string `json:"text"`
	Kind      Kind   `json:"kind"`
	// Promoted is set on a finalize segment whose text equals the partial already shown.
	Promoted bool `json:"promoted,omitempty"`
}

// ID is unique per response.
func (s Segment) ID() string {
	return s.RequestID + "#" + strconv.Itoa(s.Ordinal)
}

func (s Segment) Completed() bool { return s.Kind == KindCompleted }

// ChunkerState tracks how much of the response has been emitted as completed segments.
type ChunkerState struct {
	TotalProcessedLength int  `json:"total_processed_length"`
	IsFirstSegment       bool `json:"is_first_segment"`
}
