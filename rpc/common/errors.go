package common

import "errors"

var (
	// ErrFunctionNotFound is returned by a call when the server has no function registered under the requested name
	ErrFunctionNotFound = errors.New("function not found")

	// ErrConnectionClosed is returned by every pending and future call on a connection that is not established
	ErrConnectionClosed = errors.New("connection closed")

	// ErrFrameTooLarge is returned for a request whose name or payload exceeds the parser limits.
	// The peer would discard such a frame without answering, so it is never sent.
	ErrFrameTooLarge = errors.New("frame too large")
)
