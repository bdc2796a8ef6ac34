package app

import (
	"context"
	"fmt"

	"github.com/ent0n29/voicestream/internal/brain"
	"github.com/ent0n29/voicestream/internal/config"
	"github.com/ent0n29/voicestream/internal/dispatch"
	"github.com/ent0n29/voicestream/internal/httpapi"
	"github.com/ent0n29/voicestream/internal/observability"
	"github.com/ent0n29/voicestream/internal/pipeline"
	"github.com/ent0n29/voicestream/internal/playback"
	"github.com/ent0n29/voicestream/internal/policy"
	"github.com/ent0n29/voicestream/internal/presentation"
	"github.com/ent0n29/voicestream/internal/session"
	"github.com/ent0n29/voicestream/internal/transcript"
)

type BuildResult struct {
	Config     config.Config
	API        *httpapi.Server
	Sessions   *session.Manager
	Dispatcher *dispatch.Dispatcher
	Metrics    *observability.Metrics

	// Cleanup should be called on shutdown to release external resources (DB pool).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := transcript.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("transcript store init failed: %w", err)
	}

	transport, err := brain.NewTransport(brain.Config{
		Mode:         cfg.BrainTransportMode,
		URL:          cfg.BrainHTTPURL,
		Timeout:      cfg.BrainHTTPTimeout,
		StrictStream: cfg.BrainStrictStream,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("brain transport init failed: %w", err)
	}

	dispatcher := dispatch.New(transport, DispatchOptions(cfg, metrics))

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.ObserveSessionEvent("expired")
		metrics.SetActiveSessions(sessions.ActiveCount())
	})

	deps := pipeline.Deps{
		Sessions:     sessions,
		Dispatcher:   dispatcher,
		Store:        store,
		Redactor:     policy.NewRedactor(),
		Metrics:      metrics,
		Debounce:     cfg.PresentationDebounce,
		HistoryTurns: cfg.MemoryContextTurns,
		DefaultVoice: cfg.VoiceDefault,
	}
	conversations := func(sink presentation.Sink, synth playback.Synthesizer, sessionID string) *pipeline.Conversation {
		return pipeline.NewConversation(deps, sink, synth, sessionID)
	}

	api := httpapi.New(cfg, sessions, conversations, metrics, store)

	return &BuildResult{
		Config:     cfg,
		API:        api,
		Sessions:   sessions,
		Dispatcher: dispatcher,
		Metrics:    metrics,
		Cleanup:    store.Close,
	}, nil
}

// DispatchOptions maps runtime config onto dispatcher options. A configured retry
// count of zero disables retries rather than selecting the default.
func DispatchOptions(cfg config.Config, metrics *observability.Metrics) dispatch.Options {
	retries := cfg.StreamMaxRetries
	if retries == 0 {
		retries = dispatch.NoRetries
	}
	return dispatch.Options{
		MaxRetries:  retries,
		BackoffBase: cfg.StreamBackoffBase,
		BackoffCap:  cfg.StreamBackoffCap,
		FirstTarget: cfg.ChunkFirstTarget,
		ChunkTarget: cfg.ChunkTarget,
		Metrics:     metrics,
	}
}
