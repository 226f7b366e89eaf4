package chatsync

import (
	"fmt"

	"github.com/pkg/errors"
)

// ============================================================================
// Error Taxonomy
// ============================================================================

var (
	// ErrConnectionFailed is reported when a transport connection cannot be established.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrSubscriptionRejected is returned by Subscribe when the manager is not connected.
	ErrSubscriptionRejected = errors.New("subscription rejected: not connected")

	// ErrMalformedFrame marks a pushed or fetched payload that could not be normalized.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrMarkReadFailed marks a failed remote mark-as-read call.
	ErrMarkReadFailed = errors.New("mark read failed")

	// ErrDuplicateMessage marks an id collision whose fields differ from the stored copy.
	ErrDuplicateMessage = errors.New("duplicate message")

	// ErrReconnectExhausted is reported once the reconnect ceiling has been reached.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrHeartbeatTimeout is the cause of a drop detected by the heartbeat.
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("closed")
)

// APIError represents a non-2xx response from the messaging REST API.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

// causeError keeps a sentinel and the underlying error it was raised for, so
// callers can match either with errors.Is / errors.As.
type causeError struct {
	kind  error
	cause error
}

func withCause(kind, cause error) error {
	return &causeError{kind: kind, cause: cause}
}

func (e *causeError) Error() string {
	return e.kind.Error() + ": " + e.cause.Error()
}

func (e *causeError) Is(target error) bool { return target == e.kind }

func (e *causeError) Unwrap() error { return e.cause }
