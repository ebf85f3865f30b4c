package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientBalance is a normal business outcome, not an
	// infrastructure failure: the account could not cover the requested
	// debit. Callers must never synthesize it from storage errors.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrAccountNotFound is returned by read paths that do not lazily create
	// the account.
	ErrAccountNotFound = errors.New("account not found")

	// ErrTransactionNotFound is returned when a referenced original
	// transaction does not exist.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrNotRefundable is returned when the referenced transaction is not a
	// deduction and therefore has nothing to refund.
	ErrNotRefundable = errors.New("transaction is not refundable")
)

// IntegrityError signals a broken ledger invariant: the stored balance no
// longer equals the replayed transaction log. This indicates a bug and is
// surfaced loudly rather than silently corrected.
type IntegrityError struct {
	AccountID string
	Expected  int64
	Actual    int64
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("ledger integrity violation on account %s: replayed sum %d, stored balance %d",
		e.AccountID, e.Expected, e.Actual)
}

// SettingsError reports invalid auto-reload settings.
type SettingsError struct {
	Field  string
	Reason string
}

func (e *SettingsError) Error() string {
	return fmt.Sprintf("invalid reload settings: %s %s", e.Field, e.Reason)
}
