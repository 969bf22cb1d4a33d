// Package remote provides a bounded pool of reusable SSH command channels to
// the fixed set of deployment hosts.
package remote

import "errors"

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrConnectionFailed is returned when establishing or using an SSH
	// channel fails at the transport level. The pool never retries these;
	// retry policy belongs to the caller.
	ErrConnectionFailed = errors.New("remote connection failed")

	// ErrPoolExhausted is returned when Acquire waited the full acquire
	// timeout without a connection becoming available.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrPoolClosed is returned by Acquire after Shutdown.
	ErrPoolClosed = errors.New("connection pool is closed")

	// ErrUnknownHost is returned when a host is not in the inventory.
	ErrUnknownHost = errors.New("host not in inventory")
)
