package session

import "time"

// StreamSession identifies one send inside a conversation.
type StreamSession struct {
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
}

// Key is the playback validity key. It changes on every send and on Clear.
func (s StreamSession) Key() string {
	if s.SessionID == "" || s.RequestID == "" {
		return ""
	}
	return s.SessionID + ":" + s.RequestID
}

// CreateRequest defines payload for creating a new session.
type CreateRequest struct {
	UserID       string `json:"user_id"`
	VoiceEnabled *bool  `json:"voice_enabled,omitempty"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	Status          Status    `json:"status"`
	VoiceEnabled    bool      `json:"voice_enabled"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}
