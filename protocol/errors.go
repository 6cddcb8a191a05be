package protocol

import (
	"errors"
)

// Error types for protocol operations. They carry enough classification
// for the connection layer to decide between retiring a connection and
// keeping it: a desynchronized stream can never be reused, while a
// server-reported logical failure leaves the stream perfectly aligned.

// ValidationError reports a caller-supplied command that violates
// protocol constraints (key length, forbidden bytes, oversized value).
// It is raised before any bytes are written; the connection is untouched.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "memcached: invalid command: " + e.Message
}

// ShouldCloseConnection returns false: nothing was sent.
func (e *ValidationError) ShouldCloseConnection() bool { return false }

// ProtocolError reports wire bytes that do not match the protocol: an
// unrecognized status token, a malformed header, or a body that is not
// terminated where its declared length said it would be. The stream is
// desynchronized and the connection must be retired; there is no way to
// find the next frame boundary.
type ProtocolError struct {
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return "memcached: protocol error: " + e.Message + ": " + e.Err.Error()
	}
	return "memcached: protocol error: " + e.Message
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ShouldCloseConnection returns true: frame boundaries are lost.
func (e *ProtocolError) ShouldCloseConnection() bool { return true }

// ClientError represents a CLIENT_ERROR reply: the server parsed the
// request, rejected it, and consumed any data block, so the stream stays
// aligned. Message text is server-version-dependent diagnostic payload.
type ClientError struct {
	Message string
}

func (e *ClientError) Error() string {
	return "memcached: client error: " + e.Message
}

// ShouldCloseConnection returns false: the reply is a complete frame.
func (e *ClientError) ShouldCloseConnection() bool { return false }

// ServerError represents a SERVER_ERROR reply (out of memory, item too
// large, ...). The operation failed but the stream stays aligned.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "memcached: server error: " + e.Message
}

// ShouldCloseConnection returns false.
func (e *ServerError) ShouldCloseConnection() bool { return false }

// GenericError represents a bare ERROR reply (unknown command). The
// token itself is a recognized, complete frame.
type GenericError struct{}

func (e *GenericError) Error() string {
	return "memcached: server returned ERROR"
}

// ShouldCloseConnection returns false.
func (e *GenericError) ShouldCloseConnection() bool { return false }

type connectionStateError interface {
	error
	ShouldCloseConnection() bool
}

// ShouldCloseConnection reports whether an error implies the connection
// it occurred on can no longer be trusted. Unknown error types (raw I/O
// errors, context errors) are treated as fatal to the connection.
func ShouldCloseConnection(err error) bool {
	if err == nil {
		return false
	}
	var e connectionStateError
	if errors.As(err, &e) {
		return e.ShouldCloseConnection()
	}
	return true
}
