package connector

import (
	"errors"
	"fmt"
)

var (
	// ErrStaleRPC matches every *StaleRPCError.
	ErrStaleRPC = errors.New("stale rpc")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("connector closed")
	// ErrNoEndpoints is returned for chains the directory lists without endpoints.
	ErrNoEndpoints = errors.New("chain has no endpoints")

	// errCallerUnsubscribed cancels the internal work of a subscription whose
	// caller already unsubscribed. It never reaches a caller.
	errCallerUnsubscribed = errors.New("caller unsubscribed")
)

// StaleRPCError reports that no endpoint of a chain became ready in time.
type StaleRPCError struct {
	ChainID string
}

func (e *StaleRPCError) Error() string {
	return fmt.Sprintf("no reachable rpc endpoint for chain %s", e.ChainID)
}

func (e *StaleRPCError) Is(target error) bool {
	return target == ErrStaleRPC
}
