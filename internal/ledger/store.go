package ledger

import (
	"context"
	"time"
)

// Store is the persistence contract for accounts and their append-only
// transaction logs. All mutations are serialized per account: two concurrent
// debits must never both observe the same pre-debit balance.
type Store interface {
	// GetAccount returns the account for userID, creating it lazily with a
	// zero balance and default reload settings.
	GetAccount(ctx context.Context, userID string) (*Account, error)

	// ApplyDebits atomically applies one unit debit per spec. Either all
	// debits land or none do. Returns ErrInsufficientBalance when the balance
	// cannot cover len(specs).
	ApplyDebits(ctx context.Context, userID string, specs []DebitSpec) ([]*Transaction, error)

	// ApplyCredit appends a credit. When externalRef is non-empty and a
	// transaction with that reference already exists for the account, the
	// existing transaction is returned with applied=false and no balance
	// change occurs.
	ApplyCredit(ctx context.Context, userID string, amount int64, txType TransactionType, externalRef, description string) (tx *Transaction, applied bool, err error)

	// GetTransaction looks up one transaction belonging to the user's account.
	GetTransaction(ctx context.Context, userID, txID string) (*Transaction, error)

	// ListTransactions returns transactions newest first. limit <= 0 returns
	// the full log.
	ListTransactions(ctx context.Context, userID string, limit int) ([]*Transaction, error)

	// SumAmounts returns the signed sum of every transaction amount for the
	// account. Used by the conservation check.
	SumAmounts(ctx context.Context, userID string) (int64, error)

	// ListUserIDs returns every user with an account. Used by the
	// conservation sweep.
	ListUserIDs(ctx context.Context) ([]string, error)

	// UpdateReloadSettings replaces the auto-reload configuration. Enabling
	// clears the failure count (manual recovery after a breaker trip).
	UpdateReloadSettings(ctx context.Context, userID string, s ReloadSettings) (*Account, error)

	// RecordReloadOutcome applies a charge result: success resets the failure
	// count, a decline increments it and trips the breaker at
	// MaxReloadFailures.
	RecordReloadOutcome(ctx context.Context, userID string, success bool) (*Account, error)

	// ClaimReloadSlot atomically claims the reload throttle slot. It returns
	// true and stamps last_reload_at only if no claim exists within window.
	ClaimReloadSlot(ctx context.Context, userID string, now time.Time, window time.Duration) (bool, error)
}
