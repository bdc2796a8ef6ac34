// Package brain implements dispatch.Transport against the assistant backend.
package brain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/voicestream/internal/dispatch"
)

// Config controls transport construction.
type Config struct {
	Mode         string
	URL          string
	Timeout      time.Duration
	StrictStream bool
}

// wireRequest is the body posted to the brain endpoint.
type wireRequest struct {
	UserID        string   `json:"user_id"`
	SessionID     string   `json:"session_id"`
	RequestID     string   `json:"request_id"`
	InputText     string   `json:"input_text"`
	MemoryContext []string `json:"memory_context,omitempty"`
	Stream        bool     `json:"stream"`
}

func toWire(req dispatch.Request, streaming bool) wireRequest {
	return wireRequest{
		UserID:        req.UserID,
		SessionID:     req.Session.SessionID,
		RequestID:     req.Session.RequestID,
		InputText:     req.Text,
		MemoryContext: req.History,
		Stream:        streaming,
	}
}

func NewTransport(cfg Config) (dispatch.Transport, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.URL) != "" {
			return NewHTTPTransport(cfg.URL, cfg.Timeout, cfg.StrictStream), nil
		}
		return NewMockTransport(0), nil
	case "http":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, errors.New("brain HTTP url is required for http mode")
		}
		return NewHTTPTransport(cfg.URL, cfg.Timeout, cfg.StrictStream), nil
	case "mock":
		return NewMockTransport(0), nil
	default:
		return nil, fmt.Errorf("unsupported brain transport mode %q", cfg.Mode)
	}
}
