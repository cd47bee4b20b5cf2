package appserver

import (
	"errors"
	"fmt"
)

// Sentinel errors for connection lifecycle states.
var (
	// ErrConnClosed is returned by calls made on a closed connection, and
	// delivered to callers whose in-flight requests a Close tears down.
	ErrConnClosed = errors.New("connection closed")

	// ErrNotStarted is returned when an operation needs a running agent
	// process but Start has not been called.
	ErrNotStarted = errors.New("connection not started")

	// ErrAlreadyStarted is returned by a second Start on the same connection.
	ErrAlreadyStarted = errors.New("connection already started")
)

// RPCError is an error response returned by the agent for one of our
// requests. Request carries a bounded summary of what we sent, so logs for
// a failing call show both sides of the exchange.
type RPCError struct {
	Method  string
	Message string
	Request string
	Code    int
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("agent rejected %s: %s (code %d); request was: %s", e.Method, e.Message, e.Code, e.Request)
}

// ProtocolError reports a line from the agent that does not fit the wire
// protocol. The offending line is kept for diagnostics.
type ProtocolError struct {
	Cause   error
	Message string
	Line    string
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("protocol error: %s: %v (line: %q)", e.Message, e.Cause, e.Line)
	}
	return fmt.Sprintf("protocol error: %s (line: %q)", e.Message, e.Line)
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

// ProcessError reports that the agent process exited while the connection
// still needed it. ExitCode is -1 when the process died from a signal.
type ProcessError struct {
	Cause    error
	ExitCode int
	Signal   string
}

func (e *ProcessError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("agent process killed by %s", e.Signal)
	}
	return fmt.Sprintf("agent process exited with code %d", e.ExitCode)
}

func (e *ProcessError) Unwrap() error { return e.Cause }

// UnsupportedMethodError marks an agent-initiated request the approval gate
// does not understand. The connection turns it into a method-not-found
// response so the agent can recover instead of hanging.
type UnsupportedMethodError struct {
	Method string
}

func (e *UnsupportedMethodError) Error() string {
	return fmt.Sprintf("unsupported agent request method %q", e.Method)
}
