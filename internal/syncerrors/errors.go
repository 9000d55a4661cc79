// Package syncerrors defines the error taxonomy shared by the fetch
// protocol, the sync executor, and the webhook processor, plus the
// classification used to drive retry decisions.
package syncerrors

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the config store gateway and registry.
var (
	ErrNotFound             = errors.New("not found")
	ErrConfigInvalid        = errors.New("config invalid")
	ErrUnknownConnectorType = errors.New("unknown connector type")
)

// ConfigError is a validation or schema failure. Fatal, never retried.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config error: %s", e.Reason)
	}
	return fmt.Sprintf("config error: field %q: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfigInvalid }

// DecryptError is a failure to decrypt a tagged config field. Fatal for
// the read that triggered it; ciphertext is never passed through.
type DecryptError struct {
	Field string
	Err   error
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf("decrypt failed for field %q: %v", e.Field, e.Err)
}

func (e *DecryptError) Unwrap() error { return e.Err }

// AuthError is a 401/403 from the upstream. Not retried.
type AuthError struct {
	StatusCode int
	Body       string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("upstream auth error (status %d): %s", e.StatusCode, e.Body)
}

// TransientError wraps network failures, 408 and 5xx responses.
// Retried under the standard backoff policy.
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient upstream error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient upstream error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RateLimitError is a 429. Retried honouring Retry-After; a rate-limited
// round never counts against the chunk iteration budget.
type RateLimitError struct {
	RetryAfter time.Duration // zero when the upstream sent no hint
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// ConnectorLogicError is a connector-level contract violation: a schema
// path that resolves to nothing, a pagination cycle past the hard cap,
// an unsupported entity. Fatal for the current execution.
type ConnectorLogicError struct {
	Connector string
	Reason    string
}

func (e *ConnectorLogicError) Error() string {
	return fmt.Sprintf("connector %s: %s", e.Connector, e.Reason)
}

// UpstreamError is a non-retryable upstream HTTP failure (4xx other
// than 401/403/408/429).
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error (status %d): %s", e.StatusCode, e.Body)
}
