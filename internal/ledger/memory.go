package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by unit tests and development mode.
// Accounts are serialized individually so operations on different accounts
// proceed in parallel, matching the Postgres row-lock semantics.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*memoryAccount
}

type memoryAccount struct {
	mu      sync.Mutex
	account Account
	txs     []*Transaction
	byRef   map[string]*Transaction
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*memoryAccount)}
}

func (ms *MemoryStore) get(userID string) *memoryAccount {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ma, ok := ms.accounts[userID]
	if !ok {
		ma = &memoryAccount{
			account: Account{
				ID:                  uuid.NewString(),
				UserID:              userID,
				Balance:             0,
				AutoReloadThreshold: 10,
				AutoReloadAmount:    50,
				CreatedAt:           time.Now().UTC(),
			},
			byRef: make(map[string]*Transaction),
		}
		ms.accounts[userID] = ma
	}
	return ma
}

func (ma *memoryAccount) snapshot() *Account {
	cp := ma.account
	if ma.account.LastReloadAt != nil {
		ts := *ma.account.LastReloadAt
		cp.LastReloadAt = &ts
	}
	return &cp
}

func (ma *memoryAccount) append(amount int64, txType TransactionType, ref, description string) *Transaction {
	ma.account.Balance += amount
	tx := &Transaction{
		ID:                uuid.NewString(),
		AccountID:         ma.account.ID,
		Amount:            amount,
		Type:              txType,
		BalanceAfter:      ma.account.Balance,
		ExternalReference: ref,
		Description:       description,
		CreatedAt:         time.Now().UTC(),
	}
	ma.txs = append(ma.txs, tx)
	if ref != "" {
		ma.byRef[ref] = tx
	}
	return tx
}

// GetAccount implements Store.
func (ms *MemoryStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	ma := ms.get(userID)
	ma.mu.Lock()
	defer ma.mu.Unlock()
	return ma.snapshot(), nil
}

// ApplyDebits implements Store.
func (ms *MemoryStore) ApplyDebits(ctx context.Context, userID string, specs []DebitSpec) ([]*Transaction, error) {
	ma := ms.get(userID)
	ma.mu.Lock()
	defer ma.mu.Unlock()

	need := int64(len(specs))
	if ma.account.Balance < need {
		return nil, ErrInsufficientBalance
	}

	txs := make([]*Transaction, 0, len(specs))
	for _, spec := range specs {
		tx := ma.append(-1, TypeDeduction, spec.ReferenceID, spec.Description)
		txs = append(txs, copyTx(tx))
	}
	return txs, nil
}

// ApplyCredit implements Store.
func (ms *MemoryStore) ApplyCredit(ctx context.Context, userID string, amount int64, txType TransactionType, externalRef, description string) (*Transaction, bool, error) {
	ma := ms.get(userID)
	ma.mu.Lock()
	defer ma.mu.Unlock()

	if externalRef != "" {
		if existing, ok := ma.byRef[externalRef]; ok {
			return copyTx(existing), false, nil
		}
	}
	tx := ma.append(amount, txType, externalRef, description)
	return copyTx(tx), true, nil
}

// GetTransaction implements Store.
func (ms *MemoryStore) GetTransaction(ctx context.Context, userID, txID string) (*Transaction, error) {
	ma := ms.get(userID)
	ma.mu.Lock()
	defer ma.mu.Unlock()

	for _, tx := range ma.txs {
		if tx.ID == txID {
			return copyTx(tx), nil
		}
	}
	return nil, ErrTransactionNotFound
}

// ListTransactions implements Store.
func (ms *MemoryStore) ListTransactions(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	ma := ms.get(userID)
	ma.mu.Lock()
	defer ma.mu.Unlock()

	out := make([]*Transaction, 0, len(ma.txs))
	for i := len(ma.txs) - 1; i >= 0; i-- {
		out = append(out, copyTx(ma.txs[i]))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// SumAmounts implements Store.
func (ms *MemoryStore) SumAmounts(ctx context.Context, userID string) (int64, error) {
	ma := ms.get(userID)
	ma.mu.Lock()
	defer ma.mu.Unlock()

	var sum int64
	for _, tx := range ma.txs {
		sum += tx.Amount
	}
	return sum, nil
}

// ListUserIDs implements Store.
func (ms *MemoryStore) ListUserIDs(ctx context.Context) ([]string, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	out := make([]string, 0, len(ms.accounts))
	for userID := range ms.accounts {
		out = append(out, userID)
	}
	return out, nil
}

// UpdateReloadSettings implements Store.
func (ms *MemoryStore) UpdateReloadSettings(ctx context.Context, userID string, s ReloadSettings) (*Account, error) {
	ma := ms.get(userID)
	ma.mu.Lock()
	defer ma.mu.Unlock()

	ma.account.AutoReloadEnabled = s.Enabled
	ma.account.AutoReloadThreshold = s.Threshold
	ma.account.AutoReloadAmount = s.Amount
	if s.Enabled {
		ma.account.AutoReloadFailureCount = 0
	}
	return ma.snapshot(), nil
}

// RecordReloadOutcome implements Store.
func (ms *MemoryStore) RecordReloadOutcome(ctx context.Context, userID string, success bool) (*Account, error) {
	ma := ms.get(userID)
	ma.mu.Lock()
	defer ma.mu.Unlock()

	if success {
		ma.account.AutoReloadFailureCount = 0
	} else {
		ma.account.AutoReloadFailureCount++
		if ma.account.AutoReloadFailureCount >= MaxReloadFailures {
			ma.account.AutoReloadEnabled = false
		}
	}
	return ma.snapshot(), nil
}

// ClaimReloadSlot implements Store.
func (ms *MemoryStore) ClaimReloadSlot(ctx context.Context, userID string, now time.Time, window time.Duration) (bool, error) {
	ma := ms.get(userID)
	ma.mu.Lock()
	defer ma.mu.Unlock()

	if ma.account.LastReloadAt != nil && now.Sub(*ma.account.LastReloadAt) < window {
		return false, nil
	}
	ts := now
	ma.account.LastReloadAt = &ts
	return true, nil
}

func copyTx(tx *Transaction) *Transaction {
	cp := *tx
	return &cp
}
