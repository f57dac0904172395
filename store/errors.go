package store

import "errors"

var (
	// ErrNotFound is returned for lookups and updates against unknown ids.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput is returned for malformed feedback, tier, or type values.
	ErrInvalidInput = errors.New("invalid input")
	// ErrStoreUnavailable wraps failures of an underlying durable store.
	// In-memory state is never corrupted by it.
	ErrStoreUnavailable = errors.New("store unavailable")
)
