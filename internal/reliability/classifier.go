package reliability

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"
)

// ErrorClass decides whether a failed stream is worth another streaming attempt.
type ErrorClass string

const (
	ClassRetryableNetwork ErrorClass = "retryable-network"
	ClassFatal            ErrorClass = "fatal"
)

// Attempt describes one failed streaming attempt inside the retry loop.
type Attempt struct {
	Number int        `json:"number"`
	Class  ErrorClass `json:"class"`
	// Backoff is zero for the attempt that ended the retry loop.
	Backoff time.Duration `json:"backoff"`
}

// RetryableNetworkError marks a transport failure caused by the network path.
type RetryableNetworkError struct {
	Op  string
	Err error
}

func (e *RetryableNetworkError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("retryable network error: %v", e.Err)
	}
	return fmt.Sprintf("retryable network error during %s: %v", e.Op, e.Err)
}

func (e *RetryableNetworkError) Unwrap() error { return e.Err }

// FatalStreamError marks a failure that another streaming attempt will not fix
// (malformed payload, auth failure, server-reported error).
type FatalStreamError struct {
	Reason string
	Err    error
}

func (e *FatalStreamError) Error() string {
	if e.Err == nil {
		return "fatal stream error: " + e.Reason
	}
	return fmt.Sprintf("fatal stream error: %s: %v", e.Reason, e.Err)
}

func (e *FatalStreamError) Unwrap() error { return e.Err }

// StatusError is a non-2xx response from the brain endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("brain http status %d: %s", e.Code, e.Body)
}

// IsRetryableHTTPStatus reports statuses that mean the brain was not reached or
// did not answer in time: a request timeout or a gateway that could not connect
// upstream. Anything else the server reports (429, 500, auth) is fatal.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// Classify maps a stream failure onto the retry taxonomy. Timeouts, dropped
// connections and unreachable hosts are retryable; everything else is fatal.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassFatal
	}

	var fatal *FatalStreamError
	if errors.As(err, &fatal) {
		return ClassFatal
	}
	var retryable *RetryableNetworkError
	if errors.As(err, &retryable) {
		return ClassRetryableNetwork
	}
	var status *StatusError
	if errors.As(err, &status) {
		if IsRetryableHTTPStatus(status.Code) {
			return ClassRetryableNetwork
		}
		return ClassFatal
	}
	if isTLSFailure(err) {
		return ClassFatal
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH):
		return ClassRetryableNetwork
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ClassRetryableNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial", "read", "write":
			return ClassRetryableNetwork
		}
		return ClassFatal
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassRetryableNetwork
	}
	return ClassFatal
}

// isTLSFailure reports handshake and certificate errors.
func isTLSFailure(err error) bool {
	var (
		verifyErr   *tls.CertificateVerificationError
		alertErr    tls.AlertError
		recordErr   tls.RecordHeaderError
		unknownAuth x509.UnknownAuthorityError
		hostnameErr x509.HostnameError
		invalidCert x509.CertificateInvalidError
	)
	return errors.As(err, &verifyErr) ||
		errors.As(err, &alertErr) ||
		errors.As(err, &recordErr) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &invalidCert)
}

// ExponentialBackoff computes a deterministic capped backoff duration.
// Attempt 0 waits base, each further attempt doubles it.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
