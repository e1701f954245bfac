package rpc

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmptyEndpoint is returned when an endpoint name is missing.
	ErrEmptyEndpoint = errors.New("endpoint is required")
	// ErrInvalidTimeout is returned by Call for a non-positive timeout.
	ErrInvalidTimeout = errors.New("timeout must be positive")
	// ErrNilHandler is returned when registering a nil handler.
	ErrNilHandler = errors.New("handler is nil")
	// ErrDuplicateEndpoint is returned when an endpoint is registered twice.
	ErrDuplicateEndpoint = errors.New("endpoint already registered")
	// ErrCorrelatorClosed resolves calls still pending when a Correlator closes.
	ErrCorrelatorClosed = errors.New("correlator closed")

	// ErrRateLimitExceeded is the failure sent when the caller's window is exhausted.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrEndpointNotFound is the failure sent for an unregistered endpoint.
	ErrEndpointNotFound = errors.New("endpoint not found")
)

// TimeoutError reports that no response arrived before the call deadline.
// It is distinct from RemoteError so callers can tell "never answered" from
// "answered with an error".
type TimeoutError struct {
	Endpoint  string
	RequestID RequestID
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("RPC call to endpoint %q timed out after %s", e.Endpoint, e.After)
}

// Timeout lets callers detect the error through the net.Error convention.
func (e *TimeoutError) Timeout() bool { return true }

// RemoteError carries the failure message of a response sent by the handler side.
type RemoteError struct {
	Endpoint  string
	RequestID RequestID
	Message   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("RPC call to endpoint %q failed: %s", e.Endpoint, e.Message)
}

// Is matches the well-known failures the dispatcher emits, so callers can
// write errors.Is(err, rpc.ErrRateLimitExceeded).
func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrRateLimitExceeded, ErrEndpointNotFound:
		return e.Message == target.Error()
	}
	return false
}

// IsTimeout reports whether err is, or wraps, a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
