// Package core holds the types and sentinel errors shared by every cache
// component (fingerprint, version store, chunk store, coalescer, range
// engine, fallback streamer and the orchestrator that composes them).
package core

import "errors"

// Error kinds from the taxonomy. Components return these wrapped with
// context; the orchestrator and the gateway HTTP handler are the layers
// that branch on them.
var (
	// ErrBadRequest marks an invalid recipe or an invalid Range header.
	ErrBadRequest = errors.New("bad request")

	// ErrUpstream marks a non-2xx response from fetchUpstream.
	ErrUpstream = errors.New("upstream error")

	// ErrSourceTooLarge is the recognized upstream sentinel that triggers
	// the fallback streamer.
	ErrSourceTooLarge = errors.New("source too large for transformer")

	// ErrTransformerRejected is the recognized upstream sentinel for a
	// transform the upstream service refuses to perform.
	ErrTransformerRejected = errors.New("transformer rejected request")

	// ErrCacheMiss is expected, not an error condition by itself.
	ErrCacheMiss = errors.New("cache miss")

	// ErrStorage marks a put/get failure against either the version or
	// variant namespace.
	ErrStorage = errors.New("storage error")

	// ErrIntegrity marks a manifest/chunk size disagreement exceeding
	// tolerance.
	ErrIntegrity = errors.New("integrity error")

	// ErrTimeout marks a chunk fetch/put that exceeded its configured
	// bound.
	ErrTimeout = errors.New("timeout")

	// ErrClientDisconnected marks a failed write to the client stream.
	ErrClientDisconnected = errors.New("client disconnected")

	// ErrNotFound marks an absent key in a store (not itself surfaced to
	// clients; callers translate it to ErrCacheMiss or a 404).
	ErrNotFound = errors.New("not found")

	// ErrRangeUnsatisfiable marks a Range request outside [0, totalSize).
	ErrRangeUnsatisfiable = errors.New("range unsatisfiable")

	// ErrLockHeld marks a chunk-write lock that is currently held and has
	// not exceeded its max hold time.
	ErrLockHeld = errors.New("chunk lock held")
)
