package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrConflict is returned by a status backend when a conditional write's
// precondition no longer holds because another writer got there first.
var ErrConflict = errors.New("status record changed concurrently")

// ErrNoMessageID is returned when the queue accepted a publish but did not
// report a message identifier.
var ErrNoMessageID = errors.New("publish response contained no message id")

// ConfigError reports a missing or malformed configuration value. It is
// never retriable and is raised before any network call is attempted.
type ConfigError struct {
	Key    string // Environment-style key, e.g. SANDBOX_TOPIC.
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("configuration error: %s %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("configuration error: %s is not configured", e.Key)
}

// MissingConfig returns a ConfigError for an unset key.
func MissingConfig(key string) *ConfigError {
	return &ConfigError{Key: key}
}

// TransportError reports a non-2xx response from the queue, trigger, or
// document store endpoints. Callers at a higher layer may retry it.
type TransportError struct {
	Op         string // e.g. "pubsub.publish"
	StatusCode int
	Status     string // Upstream status string when the body carries one, e.g. ABORTED.
	Body       string
}

func (e *TransportError) Error() string {
	msg := fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
	if e.Status != "" {
		msg += " (" + e.Status + ")"
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// IsConfigError reports whether err is, or wraps, a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsRetriable reports whether the caller may retry the failed operation.
// Configuration errors never are; transport errors are, except for client
// errors that will fail the same way again.
func IsRetriable(err error) bool {
	if err == nil || IsConfigError(err) {
		return false
	}
	if errors.Is(err, ErrConflict) {
		return true
	}
	var te *TransportError
	if errors.As(err, &te) {
		switch {
		case te.StatusCode == http.StatusTooManyRequests, te.StatusCode == http.StatusRequestTimeout:
			return true
		case te.StatusCode >= 500:
			return true
		default:
			return false
		}
	}
	return true
}
