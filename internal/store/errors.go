package store

import "errors"

// Error kinds, matching the taxonomy in spec.md §7. Callers classify
// failures by wrapping one of these with fmt.Errorf("...: %w", ...).
var (
	// ErrUnavailable means the retry budget for a busy/locked statement was
	// exhausted; the caller must not mutate other state on this error.
	ErrUnavailable = errors.New("store unavailable")
	// ErrIntegrity covers symlinked paths, path traversal, and similar
	// refuse-to-operate conditions.
	ErrIntegrity = errors.New("integrity violation")
	// ErrNotFound is returned by single-row lookups that find nothing.
	ErrNotFound = errors.New("not found")
	// ErrConflict means a conditional UPDATE affected zero rows (the row's
	// state changed concurrently); the caller should retry or give up.
	ErrConflict = errors.New("conflicting state transition")
)
