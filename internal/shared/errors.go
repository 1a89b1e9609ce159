package shared

import "errors"

var (
	// ErrIdempotencyConflict indicates a duplicate key.
	ErrIdempotencyConflict = errors.New("idempotent request already processed")
	// ErrIdempotencyKeyRequired occurs when a guarded call carries no key.
	ErrIdempotencyKeyRequired = errors.New("idempotency key required")
)
