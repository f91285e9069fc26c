package rbus

import "errors"

// Terminal and transient error sentinels shared by every transport.
// Grounded on the teacher's plain exported errors.New sentinels (e.g.
// callee.ErrCallExpired): no custom error types, just comparable
// values checked with errors.Is.
var (
	// ErrTransportClosed is returned by Acquire (and anything that
	// calls it) once Close has been called on the owning Pool. It is
	// terminal: callers must not retry.
	ErrTransportClosed = errors.New("rbus: transport is closed")

	// ErrShutdownInProgress is returned by Acquire when a Pool built
	// from an injected client (NewPoolFromClient) finds that client
	// already closed by the caller through some path other than
	// Pool.Close. Terminal for the current acquisition; it is up to
	// the caller's loop to decide whether to stop entirely.
	ErrShutdownInProgress = errors.New("rbus: shutdown in progress")

	// ErrInvalidPool is a constructor-time configuration error: both
	// ConnParams and an injected pool were supplied (or neither was),
	// or an injected pool was bound to a transport that also names
	// ConnParams for thread-affinity.
	ErrInvalidPool = errors.New("rbus: invalid pool configuration")

	// ErrInvalidReturnPath is returned when a return path does not
	// have the "redis+key://" scheme required of a result key.
	ErrInvalidReturnPath = errors.New("rbus: invalid return path")

	// ErrCallExpired is returned by RPC.InvokeAndStoreResult when the
	// time remaining on a call's expiry key, captured at pop time, runs
	// out before the handler function returns: the caller has stopped
	// listening, so the result is dropped instead of stored.
	ErrCallExpired = errors.New("rbus: call expired")
)
