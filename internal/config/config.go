package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the streaming conversation service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	BrainTransportMode string
	BrainHTTPURL       string
	BrainHTTPTimeout   time.Duration
	BrainStrictStream  bool

	ChunkFirstTarget int
	ChunkTarget      int

	StreamMaxRetries  int
	StreamBackoffBase time.Duration
	StreamBackoffCap  time.Duration

	PresentationDebounce time.Duration

	SpeechMode    string
	SpeechPerRune time.Duration
	VoiceDefault  bool

	DatabaseURL        string
	MemoryContextTurns int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "voicestream"),
		AllowAnyOrigin:           false,
		BrainTransportMode:       envOrDefault("BRAIN_TRANSPORT_MODE", "auto"),
		BrainHTTPURL:             stringsTrimSpace("BRAIN_HTTP_URL"),
		BrainHTTPTimeout:         60 * time.Second,
		ChunkFirstTarget:         150,
		ChunkTarget:              800,
		StreamMaxRetries:         3,
		StreamBackoffBase:        2 * time.Second,
		StreamBackoffCap:         8 * time.Second,
		PresentationDebounce:     150 * time.Millisecond,
		SpeechMode:               envOrDefault("SPEECH_MODE", "client"),
		SpeechPerRune:            45 * time.Millisecond,
		VoiceDefault:             true,
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		MemoryContextTurns:       8,
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.BrainHTTPTimeout, err = durationFromEnv("BRAIN_HTTP_TIMEOUT", cfg.BrainHTTPTimeout); err != nil {
		return Config{}, err
	}
	if cfg.BrainStrictStream, err = boolFromEnv("BRAIN_STRICT_STREAM", cfg.BrainStrictStream); err != nil {
		return Config{}, err
	}
	if cfg.ChunkFirstTarget, err = intFromEnv("CHUNK_FIRST_TARGET", cfg.ChunkFirstTarget); err != nil {
		return Config{}, err
	}
	if cfg.ChunkTarget, err = intFromEnv("CHUNK_TARGET", cfg.ChunkTarget); err != nil {
		return Config{}, err
	}
	if cfg.StreamMaxRetries, err = intFromEnv("STREAM_MAX_RETRIES", cfg.StreamMaxRetries); err != nil {
		return Config{}, err
	}
	if cfg.StreamBackoffBase, err = durationFromEnv("STREAM_BACKOFF_BASE", cfg.StreamBackoffBase); err != nil {
		return Config{}, err
	}
	if cfg.StreamBackoffCap, err = durationFromEnv("STREAM_BACKOFF_CAP", cfg.StreamBackoffCap); err != nil {
		return Config{}, err
	}
	if cfg.PresentationDebounce, err = durationFromEnv("PRESENTATION_DEBOUNCE", cfg.PresentationDebounce); err != nil {
		return Config{}, err
	}
	if cfg.SpeechPerRune, err = durationFromEnv("SPEECH_MOCK_PER_RUNE", cfg.SpeechPerRune); err != nil {
		return Config{}, err
	}
	if cfg.VoiceDefault, err = boolFromEnv("VOICE_DEFAULT_ENABLED", cfg.VoiceDefault); err != nil {
		return Config{}, err
	}
	if cfg.MemoryContextTurns, err = intFromEnv("MEMORY_CONTEXT_TURNS", cfg.MemoryContextTurns); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.ChunkFirstTarget <= 0 || c.ChunkTarget <= 0 {
		return fmt.Errorf("CHUNK_FIRST_TARGET and CHUNK_TARGET must be positive")
	}
	if c.ChunkFirstTarget >= c.ChunkTarget {
		return fmt.Errorf("CHUNK_FIRST_TARGET (%d) must be smaller than CHUNK_TARGET (%d)", c.ChunkFirstTarget, c.ChunkTarget)
	}
	if c.StreamMaxRetries < 0 {
		return fmt.Errorf("STREAM_MAX_RETRIES must be >= 0")
	}
	if c.StreamBackoffBase <= 0 || c.StreamBackoffCap < c.StreamBackoffBase {
		return fmt.Errorf("STREAM_BACKOFF_CAP must be >= STREAM_BACKOFF_BASE > 0")
	}
	if c.PresentationDebounce <= 0 {
		return fmt.Errorf("PRESENTATION_DEBOUNCE must be positive")
	}
	switch strings.ToLower(c.SpeechMode) {
	case "client", "mock":
	default:
		return fmt.Errorf("SPEECH_MODE must be client or mock, got %q", c.SpeechMode)
	}
	if c.MemoryContextTurns < 0 {
		return fmt.Errorf("MEMORY_CONTEXT_TURNS must be >= 0")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
