// Package core declares the error kinds shared across the index host's
// components, so callers can branch on failure class with errors.Is
// instead of parsing messages.
package core

import "errors"

// Sentinel error kinds, per spec §7. Wrap these with fmt.Errorf("...: %w", ErrX)
// at the point a failure is classified.
var (
	// ErrInvalidEnvelope marks a malformed or incomplete event; the event
	// is dropped after logging.
	ErrInvalidEnvelope = errors.New("invalid envelope")

	// ErrNotFoundTransient marks a file not yet materialized on disk; the
	// caller retries up to five times with exponential backoff.
	ErrNotFoundTransient = errors.New("file not found (transient)")

	// ErrIOFatal marks any non-transient filesystem error; the event fails.
	ErrIOFatal = errors.New("fatal io error")

	// ErrEmbeddingInvalid marks a shape mismatch or an effectively-zero
	// vector returned by the embedder; treated as IOFatal-class.
	ErrEmbeddingInvalid = errors.New("invalid embedding")

	// ErrVectorBackendUnavailable marks a readiness-probe timeout or a
	// per-call failure against the vector backend.
	ErrVectorBackendUnavailable = errors.New("vector backend unavailable")

	// ErrCatalogConflict marks an aborted catalog transaction; retried
	// once by the caller, then surfaced.
	ErrCatalogConflict = errors.New("catalog conflict")

	// ErrResolutionUnresolved marks a session with no resolved project
	// root; the event is buffered, not failed.
	ErrResolutionUnresolved = errors.New("session root unresolved")
)
