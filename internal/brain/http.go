package brain

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/voicestream/internal/dispatch"
	"github.com/ent0n29/voicestream/internal/reliability"
)

const doneMarker = "[DONE]"

// HTTPTransport talks to an HTTP brain endpoint. Streaming responses may be SSE or
// NDJSON; each event carries an incremental fragment that is accumulated here.
type HTTPTransport struct {
	url     string
	client  *http.Client
	timeout time.Duration
	strict  bool
}

// NewHTTPTransport bounds connecting and waiting for response headers by
// timeout. A streaming body may run longer and is bounded only by the caller's
// context; SendOnce is bounded by timeout end to end.
func NewHTTPTransport(url string, timeout time.Duration, strict bool) *HTTPTransport {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.DialContext = (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext
	base.TLSHandshakeTimeout = timeout
	base.ResponseHeaderTimeout = timeout
	return &HTTPTransport{
		url:     strings.TrimSpace(url),
		client:  &http.Client{Transport: base},
		timeout: timeout,
		strict:  strict,
	}
}

func (t *HTTPTransport) OpenStream(ctx context.Context, req dispatch.Request, onDelta dispatch.DeltaHandler) (string, error) {
	res, err := t.post(ctx, toWire(req, true), "text/event-stream, application/x-ndjson, application/json")
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	switch {
	case strings.Contains(ct, "text/event-stream"):
		return t.consumeSSE(res.Body, onDelta)
	case strings.Contains(ct, "application/x-ndjson"):
		return t.consumeNDJSON(res.Body, onDelta)
	}

	text, err := readBodyText(res.Body)
	if err != nil {
		return "", err
	}
	if text != "" && onDelta != nil {
		if err := onDelta(text); err != nil {
			return "", err
		}
	}
	return text, nil
}

func (t *HTTPTransport) SendOnce(ctx context.Context, req dispatch.Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	res, err := t.post(ctx, toWire(req, false), "application/json, text/plain")
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	switch {
	case strings.Contains(ct, "text/event-stream"):
		return t.consumeSSE(res.Body, nil)
	case strings.Contains(ct, "application/x-ndjson"):
		return t.consumeNDJSON(res.Body, nil)
	}
	return readBodyText(res.Body)
}

func (t *HTTPTransport) post(ctx context.Context, body wireRequest, accept string) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &reliability.FatalStreamError{Reason: "marshal request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return nil, &reliability.FatalStreamError{Reason: "create request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", accept)

	res, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		res.Body.Close()
		return nil, &reliability.StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	return res, nil
}

func (t *HTTPTransport) consumeSSE(body io.Reader, onDelta dispatch.DeltaHandler) (string, error) {
	scanner := newLineScanner(body)

	var (
		out  strings.Builder
		data []string
		done bool
	)
	flush := func() error {
		if len(data) == 0 {
			return nil
		}
		event := strings.Join(data, "\n")
		data = data[:0]
		if strings.TrimSpace(event) == doneMarker {
			done = true
			return nil
		}
		return t.appendEvent(&out, event, onDelta)
	}

	for scanner.Scan() && !done {
		line := strings.TrimRight(scanner.Text(), "\r")
		switch {
		case line == "":
			if err := flush(); err != nil {
				return "", err
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return "", &reliability.RetryableNetworkError{Op: "stream read", Err: err}
	}
	if !done {
		if err := flush(); err != nil {
			return "", err
		}
	}
	if t.strict && !done {
		return "", &reliability.RetryableNetworkError{Op: "stream read", Err: io.ErrUnexpectedEOF}
	}
	return out.String(), nil
}

func (t *HTTPTransport) consumeNDJSON(body io.Reader, onDelta dispatch.DeltaHandler) (string, error) {
	scanner := newLineScanner(body)

	var (
		out  strings.Builder
		done bool
	)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.TrimSpace(line) == doneMarker {
			done = true
			break
		}
		if err := t.appendEvent(&out, line, onDelta); err != nil {
			return "", err
		}
	}
	if err := scanner.Err(); err != nil {
		return "", &reliability.RetryableNetworkError{Op: "stream read", Err: err}
	}
	if t.strict && !done {
		return "", &reliability.RetryableNetworkError{Op: "stream read", Err: io.ErrUnexpectedEOF}
	}
	return out.String(), nil
}

// appendEvent adds one fragment and reports the accumulated text. Non-JSON
// payloads are taken as raw text unless the transport is strict.
func (t *HTTPTransport) appendEvent(out *strings.Builder, event string, onDelta dispatch.DeltaHandler) error {
	fragment := event
	trimmed := strings.TrimSpace(event)
	if strings.HasPrefix(trimmed, "{") || t.strict {
		var obj map[string]any
		if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
			if t.strict {
				return &reliability.FatalStreamError{Reason: "invalid stream payload", Err: err}
			}
		} else {
			if msg, ok := obj["error"].(string); ok && msg != "" {
				return &reliability.FatalStreamError{Reason: "brain error: " + msg}
			}
			fragment = extractText(obj)
		}
	}
	if fragment == "" {
		return nil
	}
	out.WriteString(fragment)
	if onDelta != nil {
		return onDelta(out.String())
	}
	return nil
}

func newLineScanner(body io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return scanner
}

func readBodyText(body io.Reader) (string, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return "", &reliability.RetryableNetworkError{Op: "read response", Err: err}
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) || len(bytes.TrimSpace(raw)) == 0 {
			return strings.TrimSpace(string(raw)), nil
		}
		return "", &reliability.FatalStreamError{Reason: "decode response", Err: err}
	}
	if msg, ok := obj["error"].(string); ok && msg != "" {
		return "", &reliability.FatalStreamError{Reason: "brain error: " + msg}
	}
	return strings.TrimSpace(extractText(obj)), nil
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"delta", "text", "output", "message"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
