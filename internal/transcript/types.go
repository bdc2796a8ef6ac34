// Package transcript persists finalized conversation turns.
package transcript

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TurnRecord is one finalized user message or assistant response.
type TurnRecord struct {
	ID           string    `json:"id" db:"id"`
	UserID       string    `json:"user_id" db:"user_id"`
	SessionID    string    `json:"session_id" db:"session_id"`
	RequestID    string    `json:"request_id" db:"request_id"`
	Role         string    `json:"role" db:"role"`
	Content      string    `json:"content" db:"content"`
	UsedFallback bool      `json:"used_fallback" db:"used_fallback"`
	PIIRedacted  bool      `json:"pii_redacted" db:"pii_redacted"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

func (r *TurnRecord) fillDefaults() {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
}

// Line renders the record as a context line for the brain.
func (r TurnRecord) Line() string {
	return r.Role + ": " + r.Content
}

// Store persists and retrieves turns.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	// RecentContext returns up to limit turns for userID in chronological order.
	RecentContext(ctx context.Context, userID string, limit int) ([]TurnRecord, error)
	// SessionTurns returns every turn of one session in chronological order.
	SessionTurns(ctx context.Context, sessionID string) ([]TurnRecord, error)
	Ping(ctx context.Context) error
	Close() error
}
