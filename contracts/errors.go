package contracts

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Lifecycle errors
	ErrNotConnected      = errors.New("mchat: not connected")
	ErrAlreadyConnecting = errors.New("mchat: connect or disconnect already in progress")
	ErrConnectTimeout    = errors.New("mchat: connect timeout")
	ErrConnectRefused    = errors.New("mchat: connect refused")
	ErrDisconnected      = errors.New("mchat: disconnected")

	// Correlation errors
	ErrDuplicateCorrelationID = errors.New("mchat: duplicate correlation id")
	ErrTooManyPendingRequests = errors.New("mchat: too many pending requests")
	ErrMalformedResponse      = errors.New("mchat: malformed response")
	ErrRequestTimeout         = errors.New("mchat: request timeout")
)

// RemoteError is returned when the peer answers with a non-zero code
type RemoteError struct {
	Code    int
	Message string
	Action  string
}

func (e *RemoteError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = fmt.Sprintf("code %d", e.Code)
	}
	if e.Action != "" {
		return fmt.Sprintf("mchat: %s failed (code=%d): %s", e.Action, e.Code, msg)
	}
	return fmt.Sprintf("mchat: remote error (code=%d): %s", e.Code, msg)
}

// RequestError carries the request context of a failed request
type RequestError struct {
	Action        string
	CorrelationID string
	Err           error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("mchat request %s [%s]: %v", e.Action, e.CorrelationID, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	Broker    string    // Broker address, without credentials
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectionError) Error() string {
	if e.Broker != "" {
		return fmt.Sprintf("mchat connection error: %s %s: %v", e.Op, e.Broker, e.Err)
	}
	return fmt.Sprintf("mchat connection error: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ListenerError wraps a failure raised by a registered event handler
type ListenerError struct {
	Category string
	Err      error
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("mchat %s listener failed: %v", e.Category, e.Err)
}

func (e *ListenerError) Unwrap() error {
	return e.Err
}

// BindError reports a failed auth.bind during connect. It never aborts the
// connect sequence and is only delivered to error listeners.
type BindError struct {
	Code    int
	Message string
	Err     error
}

func (e *BindError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mchat: auth.bind failed: %v", e.Err)
	}
	return fmt.Sprintf("mchat: auth.bind failed (code=%d): %s", e.Code, e.Message)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err is a request or connect timeout
func IsTimeout(err error) bool {
	return errors.Is(err, ErrRequestTimeout) || errors.Is(err, ErrConnectTimeout)
}

// IsRemote reports whether err carries a non-zero response code and returns it
func IsRemote(err error) (*RemoteError, bool) {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote, true
	}
	return nil, false
}
