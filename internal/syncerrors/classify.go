package syncerrors

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
	"time"
)

// Kind buckets an error for the retry loop.
type Kind int

const (
	KindFatal Kind = iota
	KindRetryable
	KindRateLimited
)

// Classification is the retry decision for one failed upstream call.
type Classification struct {
	Kind       Kind
	RetryAfter time.Duration // only set for KindRateLimited
}

// Classify maps an error onto the retry policy. Transport errors,
// timeouts, 408 and 5xx are retryable; 429 is rate-limited; everything
// else (auth, config, connector logic, context cancellation) is fatal.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: KindFatal}
	}

	var rateLimited *RateLimitError
	if errors.As(err, &rateLimited) {
		return Classification{Kind: KindRateLimited, RetryAfter: rateLimited.RetryAfter}
	}

	// Cancellation is never retried: the caller asked to stop.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Classification{Kind: KindFatal}
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return Classification{Kind: KindRetryable}
	}

	if isTransportError(err) {
		return Classification{Kind: KindRetryable}
	}

	return Classification{Kind: KindFatal}
}

// isTransportError matches the network failure modes worth retrying:
// connection reset/refused, timeouts, and DNS resolution failures.
func isTransportError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	// Some transports flatten the cause into the message.
	msg := err.Error()
	for _, needle := range []string{"connection reset", "connection refused", "no such host", "i/o timeout", "EOF"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// Code renders a short machine code for execution error records.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrConfigInvalid):
		return "CONFIG_INVALID"
	case errors.Is(err, ErrUnknownConnectorType):
		return "UNKNOWN_CONNECTOR_TYPE"
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return "AUTH_FAILED"
	}
	var decryptErr *DecryptError
	if errors.As(err, &decryptErr) {
		return "DECRYPT_FAILED"
	}
	var logicErr *ConnectorLogicError
	if errors.As(err, &logicErr) {
		return "CONNECTOR_LOGIC"
	}
	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return "RATE_LIMITED"
	}
	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return "UPSTREAM_TRANSIENT"
	}
	return "SYNC_FAILED"
}
