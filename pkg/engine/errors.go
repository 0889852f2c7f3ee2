package engine

import "errors"

var (
	// ErrManagerClosed is the cancellation cause delivered to every
	// connection still alive when its manager shuts down, and the error
	// returned by operations on a closed manager.
	ErrManagerClosed = errors.New("connection manager closed")

	// ErrWildcardPort rejects listen addresses with port 0.
	ErrWildcardPort = errors.New("wildcard ports are not allowed")

	// ErrConnClosed rejects sends and requests on a connection past the
	// point of no return.
	ErrConnClosed = errors.New("connection is closing or closed")

	// ErrProtocolViolation is the cause used when a connection receives an
	// event its current status has no binding for, or when a non-blocking
	// connect fails to settle after readiness.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrAlreadyInitialized rejects a second Init, and handler or chain
	// mutation after the first.
	ErrAlreadyInitialized = errors.New("connection already initialized")
)
