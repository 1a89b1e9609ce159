package cartera

import "errors"

// Error taxonomy of the ledger. Callers match with errors.Is; the wrapped
// message carries the detail.
var (
	// ErrValidation rejects input before any transaction opens.
	ErrValidation = errors.New("cartera: validation failed")
	// ErrNotFound indicates a referenced party, charge, settlement or fund is absent.
	ErrNotFound = errors.New("cartera: not found")
	// ErrInsufficientFunds indicates a requested allocation exceeds available capacity.
	ErrInsufficientFunds = errors.New("cartera: insufficient funds")
	// ErrConsistency indicates stored state that breaks a ledger invariant.
	ErrConsistency = errors.New("cartera: consistency violation")
)
