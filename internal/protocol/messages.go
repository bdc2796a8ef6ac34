package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientMessage  MessageType = "client_message"
	TypeClientControl  MessageType = "client_control"
	TypeSegmentUpsert  MessageType = "segment_upsert"
	TypeSegmentRetract MessageType = "segment_retract"
	TypeSpeakSegment   MessageType = "speak_segment"
	TypeSpeakStop      MessageType = "speak_stop"
	TypeResponseEnd    MessageType = "response_end"
	TypeSystemEvent    MessageType = "system_event"
	TypeErrorEvent     MessageType = "error_event"
)

// Client control actions.
const (
	ActionStop       = "stop"
	ActionClear      = "clear"
	ActionVoiceOn    = "voice_on"
	ActionVoiceOff   = "voice_off"
	ActionSpeechIdle = "speech_idle"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientMessage sends user text. SessionID is optional; when set it must match the
// session bound to the connection.
type ClientMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Text      string      `json:"text"`
	TSMs      int64       `json:"ts_ms,omitempty"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Action    string      `json:"action"`
	// UtteranceID acknowledges a speak_segment when Action is speech_idle.
	UtteranceID string `json:"utterance_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
	TSMs        int64  `json:"ts_ms,omitempty"`
}

// SegmentUpsert adds or replaces a display segment. A segment with the same
// request id and ordinal as the last one shown replaces it.
type SegmentUpsert struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	RequestID string      `json:"request_id"`
	SegmentID string      `json:"segment_id"`
	Ordinal   int         `json:"ordinal"`
	Text      string      `json:"text"`
	Kind      string      `json:"kind"`
	Promoted  bool        `json:"promoted,omitempty"`
}

// SegmentRetract removes every segment shown for a request.
type SegmentRetract struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	RequestID string      `json:"request_id"`
}

// SpeakSegment asks the client to speak Text and answer with speech_idle.
type SpeakSegment struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	UtteranceID string      `json:"utterance_id"`
	Text        string      `json:"text"`
}

type SpeakStop struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type ResponseEnd struct {
	Type         MessageType `json:"type"`
	SessionID    string      `json:"session_id"`
	RequestID    string      `json:"request_id"`
	Success      bool        `json:"success"`
	UsedFallback bool        `json:"used_fallback"`
	Attempts     int         `json:"attempts"`
	Reason       string      `json:"reason,omitempty"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientMessage:
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid client_message")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.Action {
		case ActionStop, ActionClear, ActionVoiceOn, ActionVoiceOff:
		case ActionSpeechIdle:
			if msg.UtteranceID == "" {
				return nil, errors.New("invalid client_control: speech_idle requires utterance_id")
			}
		default:
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
