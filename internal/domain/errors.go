package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the core.
var (
	// ErrInsufficientFunds means an allocation would push the owner's
	// allocated sum past the available balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrBotNotFound is returned by stores when a bot id is unknown.
	ErrBotNotFound = errors.New("bot not found")

	// ErrOwnerNotFound is returned by stores when an owner id is unknown.
	ErrOwnerNotFound = errors.New("owner not found")

	// ErrOwnerFrozen means an invariant violation was detected for the
	// owner and allocations stay blocked until reconciled.
	ErrOwnerFrozen = errors.New("owner frozen pending reconciliation")
)

// CapitalError wraps any failure on the ledger's allocate/release path.
// Fatal to the triggering operation, always propagated, never retried
// silently.
type CapitalError struct {
	Op      string // "allocate", "release", "inject"
	OwnerID string
	BotID   string
	Err     error
}

func (e *CapitalError) Error() string {
	return fmt.Sprintf("capital %s (owner=%s bot=%s): %v", e.Op, e.OwnerID, e.BotID, e.Err)
}

func (e *CapitalError) Unwrap() error { return e.Err }

// InvariantViolation means the books no longer balance: the allocated sum
// read from storage exceeds what the owner holds. The ledger latches the
// owner frozen when it sees one.
type InvariantViolation struct {
	OwnerID   string
	Allocated float64
	Reserved  float64
	Total     float64
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation: owner %s allocated %.2f + reserved %.2f > total %.2f",
		e.OwnerID, e.Allocated, e.Reserved, e.Total)
}
