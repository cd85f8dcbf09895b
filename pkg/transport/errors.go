package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyConnected is returned by Connect while a socket handle exists
	// or a dial is in flight.
	ErrAlreadyConnected = errors.New("socket already connected")
	// ErrNotConnected is returned by calls issued while no endpoint is open.
	ErrNotConnected = errors.New("socket not connected")
	// ErrDisconnected fails requests that were pending when the socket closed.
	ErrDisconnected = errors.New("socket disconnected")
	// ErrRequestTimeout fails requests with no response within the request timeout.
	ErrRequestTimeout = errors.New("request timed out")
	// ErrSubscriptionDropped is delivered to subscriptions that are not
	// replayed after a reconnect.
	ErrSubscriptionDropped = errors.New("subscription dropped on disconnect")
	// ErrMalformedFrame is emitted for frames that are not valid JSON-RPC.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrSocketClosed is returned by Connect after Close.
	ErrSocketClosed = errors.New("socket closed")
	// ErrNoEndpoints is returned by New when the endpoint list is empty.
	ErrNoEndpoints = errors.New("no endpoints configured")
)

// TransportError is a socket-level failure on a specific endpoint.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error on %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func isTransient(err error) bool {
	var te *TransportError
	return errors.Is(err, ErrDisconnected) || errors.Is(err, ErrNotConnected) || errors.As(err, &te)
}
