package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicestream/internal/protocol"
)

type options struct {
	baseURL        string
	userID         string
	turns          int
	ackSpeech      bool
	startDelay     time.Duration
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	texts          []string
	verbose        bool
}

type createSessionRequest struct {
	UserID       string `json:"user_id,omitempty"`
	VoiceEnabled *bool  `json:"voice_enabled,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type wsEnvelope struct {
	Type        string `json:"type"`
	RequestID   string `json:"request_id,omitempty"`
	Kind        string `json:"kind,omitempty"`
	Code        string `json:"code,omitempty"`
	Detail      string `json:"detail,omitempty"`
	UtteranceID string `json:"utterance_id,omitempty"`
	Success     bool   `json:"success,omitempty"`
	Fallback    bool   `json:"used_fallback,omitempty"`
}

// turnTiming records offsets from the moment a client_message was written.
type turnTiming struct {
	FirstPartial   time.Duration
	FirstCompleted time.Duration
	FirstSpeak     time.Duration
	End            time.Duration
	Segments       int
	Success        bool
	UsedFallback   bool
}

var defaultUtterances = []string{
	"Give me two sentences on why incremental rendering matters.",
	"Explain backoff with jitter in a short paragraph.",
	"List three steps to debug a flaky websocket.",
	"Summarize the last answer in one sentence.",
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "streambench: %v\n", err)
		os.Exit(2)
	}
	timings, err := run(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "streambench: %v\n", err)
		os.Exit(1)
	}
	printSummary(os.Stdout, timings)
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var textsRaw string
	var startDelayMS int
	var interTurnMS int
	var turnTimeoutMS int

	fs := flag.NewFlagSet("streambench", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "voicestream base URL")
	fs.StringVar(&cfg.userID, "user-id", "stream-bench", "user_id used for the synthetic session")
	fs.IntVar(&cfg.turns, "turns", 8, "number of messages to send")
	fs.BoolVar(&cfg.ackSpeech, "ack-speech", true, "acknowledge speak_segment frames immediately")
	fs.IntVar(&startDelayMS, "start-delay-ms", 200, "delay before the first message in milliseconds")
	fs.IntVar(&interTurnMS, "inter-turn-ms", 180, "delay between messages in milliseconds")
	fs.IntVar(&turnTimeoutMS, "turn-timeout-ms", 60000, "timeout waiting for response_end per message in milliseconds")
	fs.StringVar(&textsRaw, "texts", "", "messages separated by '|' (optional)")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if startDelayMS < 0 {
		startDelayMS = 0
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.startDelay = time.Duration(startDelayMS) * time.Millisecond
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond

	cfg.texts = splitTexts(textsRaw)
	if strings.TrimSpace(textsRaw) != "" && len(cfg.texts) == 0 {
		return options{}, fmt.Errorf("texts produced no non-empty messages")
	}
	if len(cfg.texts) == 0 {
		cfg.texts = append([]string(nil), defaultUtterances...)
	}
	return cfg, nil
}

func splitTexts(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func run(cfg options) ([]turnTiming, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: 45 * time.Second}
	sessionID, err := createSession(ctx, httpClient, cfg)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, cfg.baseURL, sessionID)
	}()

	if cfg.verbose {
		fmt.Printf("streambench: session=%s turns=%d\n", sessionID, cfg.turns)
	}

	wsURL, err := wsURLForSession(cfg.baseURL, sessionID)
	if err != nil {
		return nil, fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	if cfg.startDelay > 0 {
		time.Sleep(cfg.startDelay)
	}

	timings := make([]turnTiming, 0, cfg.turns)
	for i := 0; i < cfg.turns; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		if cfg.verbose {
			fmt.Printf("streambench: turn %d/%d text=%q\n", i+1, cfg.turns, text)
		}
		timing, err := runTurn(conn, sessionID, text, cfg)
		if err != nil {
			return timings, fmt.Errorf("turn %d: %w", i+1, err)
		}
		timings = append(timings, timing)
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	if cfg.verbose {
		fmt.Println("streambench: run completed")
	}
	return timings, nil
}

func runTurn(conn *websocket.Conn, sessionID, text string, cfg options) (turnTiming, error) {
	start := time.Now()
	msg := protocol.ClientMessage{
		Type:      protocol.TypeClientMessage,
		SessionID: sessionID,
		Text:      text,
		TSMs:      start.UnixMilli(),
	}
	if err := conn.WriteJSON(msg); err != nil {
		return turnTiming{}, fmt.Errorf("send message: %w", err)
	}

	var timing turnTiming
	deadline := start.Add(cfg.turnTimeout)
	for {
		_ = conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			return timing, fmt.Errorf("await response_end: %w", err)
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if done := timing.observe(env, time.Since(start)); done {
			return timing, nil
		}
		switch env.Type {
		case string(protocol.TypeSpeakSegment):
			if !cfg.ackSpeech {
				continue
			}
			ack := protocol.ClientControl{
				Type:        protocol.TypeClientControl,
				SessionID:   sessionID,
				Action:      protocol.ActionSpeechIdle,
				UtteranceID: env.UtteranceID,
				TSMs:        time.Now().UnixMilli(),
			}
			if err := conn.WriteJSON(ack); err != nil {
				return timing, fmt.Errorf("ack speech: %w", err)
			}
		case string(protocol.TypeErrorEvent):
			if cfg.verbose {
				fmt.Fprintf(os.Stderr, "streambench: error_event code=%s detail=%s\n", env.Code, env.Detail)
			}
		}
	}
}

// observe folds one frame into the timing and reports whether the turn ended.
func (t *turnTiming) observe(env wsEnvelope, elapsed time.Duration) bool {
	switch env.Type {
	case string(protocol.TypeSegmentUpsert):
		if env.Kind == "partial" && t.FirstPartial == 0 {
			t.FirstPartial = elapsed
		}
		if env.Kind == "completed" {
			t.Segments++
			if t.FirstCompleted == 0 {
				t.FirstCompleted = elapsed
			}
		}
	case string(protocol.TypeSegmentRetract):
		t.Segments = 0
		t.FirstCompleted = 0
	case string(protocol.TypeSpeakSegment):
		if t.FirstSpeak == 0 {
			t.FirstSpeak = elapsed
		}
	case string(protocol.TypeResponseEnd):
		t.End = elapsed
		t.Success = env.Success
		t.UsedFallback = env.Fallback
		return true
	}
	return false
}

func createSession(ctx context.Context, client *http.Client, cfg options) (string, error) {
	payload, err := json.Marshal(createSessionRequest{UserID: cfg.userID})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/sessions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out createSessionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.SessionID, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/sessions/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/sessions/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// percentile uses nearest-rank on a sorted copy; zero samples are ignored.
func percentile(samples []time.Duration, p float64) time.Duration {
	vals := make([]time.Duration, 0, len(samples))
	for _, s := range samples {
		if s > 0 {
			vals = append(vals, s)
		}
	}
	if len(vals) == 0 {
		return 0
	}
	sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })
	rank := int(p*float64(len(vals))+0.999999) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(vals) {
		rank = len(vals) - 1
	}
	return vals[rank]
}

func printSummary(w io.Writer, timings []turnTiming) {
	var partial, completed, speak, end []time.Duration
	failed, fallback := 0, 0
	for _, t := range timings {
		partial = append(partial, t.FirstPartial)
		completed = append(completed, t.FirstCompleted)
		speak = append(speak, t.FirstSpeak)
		end = append(end, t.End)
		if !t.Success {
			failed++
		}
		if t.UsedFallback {
			fallback++
		}
	}
	fmt.Fprintf(w, "turns=%d failed=%d fallback=%d\n", len(timings), failed, fallback)
	rows := []struct {
		name    string
		samples []time.Duration
	}{
		{"first_partial", partial},
		{"first_completed", completed},
		{"first_speak", speak},
		{"response_end", end},
	}
	for _, row := range rows {
		fmt.Fprintf(w, "%-16s p50=%s p95=%s\n", row.name,
			percentile(row.samples, 0.50).Round(time.Millisecond),
			percentile(row.samples, 0.95).Round(time.Millisecond))
	}
}
