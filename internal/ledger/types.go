package ledger

import "time"

// TransactionType classifies a ledger transaction.
type TransactionType string

const (
	TypePurchase   TransactionType = "purchase"
	TypeDeduction  TransactionType = "deduction"
	TypeRefund     TransactionType = "refund"
	TypeAutoReload TransactionType = "auto_reload"
)

// Account is the per-user token balance and auto-reload configuration.
// Mutated exclusively through Store operations; created lazily on first use
// and never deleted.
type Account struct {
	ID                     string     `json:"id"`
	UserID                 string     `json:"user_id"`
	Balance                int64      `json:"balance"`
	AutoReloadEnabled      bool       `json:"auto_reload_enabled"`
	AutoReloadThreshold    int64      `json:"auto_reload_threshold"`
	AutoReloadAmount       int64      `json:"auto_reload_amount"`
	AutoReloadFailureCount int        `json:"auto_reload_failure_count"`
	LastReloadAt           *time.Time `json:"last_reload_at,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
}

// Transaction is one immutable row in an account's append-only log. Amount is
// signed: positive credits, negative debits. BalanceAfter is the account
// balance immediately following this transaction, so ordered transactions
// replay to the current balance.
type Transaction struct {
	ID                string          `json:"id"`
	AccountID         string          `json:"account_id"`
	Amount            int64           `json:"amount"`
	Type              TransactionType `json:"type"`
	BalanceAfter      int64           `json:"balance_after"`
	ExternalReference string          `json:"external_reference,omitempty"`
	Description       string          `json:"description"`
	CreatedAt         time.Time       `json:"created_at"`
}

// DebitSpec describes one unit debit. ReferenceID ties the transaction to the
// area job it funds, which is what makes the later refund addressable.
type DebitSpec struct {
	ReferenceID string
	Description string
}

// ReloadSettings is the user-facing auto-reload configuration.
type ReloadSettings struct {
	Enabled   bool  `json:"enabled"`
	Threshold int64 `json:"threshold"`
	Amount    int64 `json:"amount"`
}

const (
	// MinReloadThreshold and MaxReloadThreshold bound the balance level that
	// triggers an automatic top-up.
	MinReloadThreshold = 1
	MaxReloadThreshold = 100

	// MinReloadAmount is the smallest purchasable top-up pack.
	MinReloadAmount = 10

	// MaxReloadFailures is the circuit-breaker limit: after this many
	// consecutive declined charges, auto-reload is disabled until the user
	// re-enables it.
	MaxReloadFailures = 3

	// ReloadWindow throttles reload attempts per account.
	ReloadWindow = 60 * time.Second
)
