package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound covers both an unknown scan id and an owner mismatch, so
	// callers cannot probe for the existence of other users' scans.
	ErrNotFound = errors.New("scan not found")

	// ErrInvalidTransition is returned when a requested status is not
	// reachable from the scan's current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidState is returned when cancel is requested outside
	// PENDING/RUNNING.
	ErrInvalidState = errors.New("scan is not cancellable in its current state")

	ErrUnauthenticated = errors.New("unauthenticated")
	ErrUnauthorized    = errors.New("unauthorized")
)

// UpstreamError wraps a transport failure talking to the scan worker.
// Dispatch failures additionally drive the scan to FAILED; cancel failures
// leave the scan untouched so the caller can retry.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("worker %s failed: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
