package reliability

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{401, false},
		{408, true},
		{429, false},
		{500, false},
		{502, true},
		{503, true},
		{504, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"deadline", fmt.Errorf("stream: %w", context.DeadlineExceeded), ClassRetryableNetwork},
		{"conn refused", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, ClassRetryableNetwork},
		{"conn reset", fmt.Errorf("read: %w", syscall.ECONNRESET), ClassRetryableNetwork},
		{"unexpected eof", fmt.Errorf("stream read: %w", io.ErrUnexpectedEOF), ClassRetryableNetwork},
		{"dns", &net.DNSError{Err: "no such host", Name: "brain.invalid"}, ClassRetryableNetwork},
		{"marked retryable", &RetryableNetworkError{Op: "stream", Err: errors.New("lost")}, ClassRetryableNetwork},
		{"status 503", &StatusError{Code: 503}, ClassRetryableNetwork},
		{"status 401", &StatusError{Code: 401}, ClassFatal},
		{"status 429", &StatusError{Code: 429}, ClassFatal},
		{"status 500", fmt.Errorf("stream: %w", &StatusError{Code: 500}), ClassFatal},
		{"status 504", &StatusError{Code: 504}, ClassRetryableNetwork},
		{"tls alert", &net.OpError{Op: "remote error", Net: "tcp", Err: tls.AlertError(40)}, ClassFatal},
		{"unknown authority", fmt.Errorf("send request: %w", x509.UnknownAuthorityError{}), ClassFatal},
		{"read reset", &net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection lost")}, ClassRetryableNetwork},
		{"malformed", &FatalStreamError{Reason: "malformed payload"}, ClassFatal},
		{"fatal wraps timeout", &FatalStreamError{Reason: "server error", Err: context.DeadlineExceeded}, ClassFatal},
		{"plain", errors.New("boom"), ClassFatal},
		{"nil", nil, ClassFatal},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("Classify(%s) = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestExponentialBackoffSchedule(t *testing.T) {
	base := 2 * time.Second
	capDur := 8 * time.Second
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for attempt, w := range want {
		if got := ExponentialBackoff(attempt, base, capDur); got != w {
			t.Fatalf("ExponentialBackoff(%d) = %v, want %v", attempt, got, w)
		}
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}
