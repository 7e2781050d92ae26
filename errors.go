package mcp

import (
	"errors"
	"fmt"
)

// TransportError reports a failure of the transport carrying a session: the connection could
// not be established, a message could not be delivered, or the session closed while a response
// was outstanding.
type TransportError struct {
	// Op names the operation that failed, e.g. "start session" or "send tools/call".
	Op  string
	Err error
}

var (
	// ErrSessionClosed is returned when the session closed before a pending operation completed.
	ErrSessionClosed = errors.New("session closed")
	// ErrClientClosed is returned by Client methods called after Close.
	ErrClientClosed = errors.New("client closed")
	// ErrNotInitialized is returned by Client methods called before a successful Connect.
	ErrNotInitialized = errors.New("client not initialized")
	// ErrRequestTimeout is returned when the peer did not respond within the read timeout.
	ErrRequestTimeout = errors.New("request timeout")

	errInvalidJSON        = errors.New("invalid json")
	errSessionNotFound    = errors.New("session not found")
	errUnsupportedMessage = errors.New("unsupported content type")
)

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
