package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the production Store. Every mutation runs inside a
// SERIALIZABLE transaction with the account row locked FOR UPDATE, so
// concurrent debits on one account are serialized by the database while
// different accounts proceed in parallel.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Store backed by the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const maxTxRetries = 3

// withSerializableTx runs fn inside a SERIALIZABLE transaction, retrying on
// serialization failures (SQLSTATE 40001).
func (ps *PostgresStore) withSerializableTx(ctx context.Context, fn func(pgx.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := ps.runTx(ctx, fn)
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "40001" {
			lastErr = err
			time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
			continue
		}
		return err
	}
	return fmt.Errorf("transaction failed after %d retries due to serialization failure: %w", maxTxRetries, lastErr)
}

func (ps *PostgresStore) runTx(ctx context.Context, fn func(pgx.Tx) error) error {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := ps.pool.Acquire(queryCtx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.BeginTx(queryCtx, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(queryCtx)

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(queryCtx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// lockAccount lazily creates the account row and locks it for the duration of
// the transaction.
func lockAccount(ctx context.Context, tx pgx.Tx, userID string) (*Account, error) {
	_, err := tx.Exec(ctx, `
		INSERT INTO accounts (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure account: %w", err)
	}

	var account Account
	var lastReload sql.NullTime
	err = tx.QueryRow(ctx, `
		SELECT id, user_id, balance, auto_reload_enabled, auto_reload_threshold,
		       auto_reload_amount, auto_reload_failure_count, last_reload_at, created_at
		FROM accounts
		WHERE user_id = $1
		FOR UPDATE
	`, userID).Scan(
		&account.ID, &account.UserID, &account.Balance,
		&account.AutoReloadEnabled, &account.AutoReloadThreshold,
		&account.AutoReloadAmount, &account.AutoReloadFailureCount,
		&lastReload, &account.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}
	if lastReload.Valid {
		account.LastReloadAt = &lastReload.Time
	}
	return &account, nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, accountID string, amount int64, txType TransactionType, ref, description string, balanceAfter int64) (*Transaction, error) {
	var out Transaction
	var extRef sql.NullString
	if ref != "" {
		extRef = sql.NullString{String: ref, Valid: true}
	}

	err := tx.QueryRow(ctx, `
		INSERT INTO ledger_transactions (account_id, amount, type, balance_after, external_reference, description)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, accountID, amount, string(txType), balanceAfter, extRef, description).Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert transaction: %w", err)
	}

	out.AccountID = accountID
	out.Amount = amount
	out.Type = txType
	out.BalanceAfter = balanceAfter
	out.ExternalReference = ref
	out.Description = description
	return &out, nil
}

// GetAccount implements Store.
func (ps *PostgresStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	var account *Account
	err := ps.withSerializableTx(ctx, func(tx pgx.Tx) error {
		var err error
		account, err = lockAccount(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// ApplyDebits implements Store.
func (ps *PostgresStore) ApplyDebits(ctx context.Context, userID string, specs []DebitSpec) ([]*Transaction, error) {
	var txs []*Transaction
	err := ps.withSerializableTx(ctx, func(tx pgx.Tx) error {
		account, err := lockAccount(ctx, tx, userID)
		if err != nil {
			return err
		}

		need := int64(len(specs))
		if account.Balance < need {
			return ErrInsufficientBalance
		}

		balance := account.Balance
		txs = make([]*Transaction, 0, len(specs))
		for _, spec := range specs {
			balance--
			row, err := insertTransaction(ctx, tx, account.ID, -1, TypeDeduction, spec.ReferenceID, spec.Description, balance)
			if err != nil {
				return err
			}
			txs = append(txs, row)
		}

		_, err = tx.Exec(ctx, `UPDATE accounts SET balance = $1 WHERE id = $2`, balance, account.ID)
		if err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return txs, nil
}

// ApplyCredit implements Store.
func (ps *PostgresStore) ApplyCredit(ctx context.Context, userID string, amount int64, txType TransactionType, externalRef, description string) (*Transaction, bool, error) {
	var out *Transaction
	applied := false

	err := ps.withSerializableTx(ctx, func(tx pgx.Tx) error {
		account, err := lockAccount(ctx, tx, userID)
		if err != nil {
			return err
		}

		if externalRef != "" {
			existing, err := scanTransactionRow(tx.QueryRow(ctx, `
				SELECT id, account_id, amount, type, balance_after, external_reference, description, created_at
				FROM ledger_transactions
				WHERE account_id = $1 AND external_reference = $2
			`, account.ID, externalRef))
			if err == nil {
				out = existing
				applied = false
				return nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("failed to check external reference: %w", err)
			}
		}

		balance := account.Balance + amount
		row, err := insertTransaction(ctx, tx, account.ID, amount, txType, externalRef, description, balance)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `UPDATE accounts SET balance = $1 WHERE id = $2`, balance, account.ID)
		if err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}

		out = row
		applied = true
		return nil
	})
	if err != nil {
		// Two redeliveries can race past the existence check; the unique
		// index on (account_id, external_reference) decides the winner and
		// the loser reads the landed row.
		var pgErr *pgconn.PgError
		if externalRef != "" && errors.As(err, &pgErr) && pgErr.Code == "23505" {
			existing, lookupErr := ps.findByReference(ctx, userID, externalRef)
			if lookupErr == nil {
				return existing, false, nil
			}
		}
		return nil, false, err
	}
	return out, applied, nil
}

func (ps *PostgresStore) findByReference(ctx context.Context, userID, externalRef string) (*Transaction, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return scanTransactionRow(ps.pool.QueryRow(queryCtx, `
		SELECT t.id, t.account_id, t.amount, t.type, t.balance_after, t.external_reference, t.description, t.created_at
		FROM ledger_transactions t
		JOIN accounts a ON a.id = t.account_id
		WHERE a.user_id = $1 AND t.external_reference = $2
	`, userID, externalRef))
}

// GetTransaction implements Store.
func (ps *PostgresStore) GetTransaction(ctx context.Context, userID, txID string) (*Transaction, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := scanTransactionRow(ps.pool.QueryRow(queryCtx, `
		SELECT t.id, t.account_id, t.amount, t.type, t.balance_after, t.external_reference, t.description, t.created_at
		FROM ledger_transactions t
		JOIN accounts a ON a.id = t.account_id
		WHERE a.user_id = $1 AND t.id = $2
	`, userID, txID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

// ListTransactions implements Store.
func (ps *PostgresStore) ListTransactions(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	query := `
		SELECT t.id, t.account_id, t.amount, t.type, t.balance_after, t.external_reference, t.description, t.created_at
		FROM ledger_transactions t
		JOIN accounts a ON a.id = t.account_id
		WHERE a.user_id = $1
		ORDER BY t.created_at DESC, t.id DESC
	`
	args := []interface{}{userID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := ps.pool.Query(queryCtx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []*Transaction
	for rows.Next() {
		tx, err := scanTransactionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// SumAmounts implements Store.
func (ps *PostgresStore) SumAmounts(ctx context.Context, userID string) (int64, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var sum int64
	err := ps.pool.QueryRow(queryCtx, `
		SELECT COALESCE(SUM(t.amount), 0)
		FROM ledger_transactions t
		JOIN accounts a ON a.id = t.account_id
		WHERE a.user_id = $1
	`, userID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum transactions: %w", err)
	}
	return sum, nil
}

// ListUserIDs implements Store.
func (ps *PostgresStore) ListUserIDs(ctx context.Context) ([]string, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := ps.pool.Query(queryCtx, `SELECT user_id FROM accounts ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		out = append(out, userID)
	}
	return out, rows.Err()
}

// UpdateReloadSettings implements Store.
func (ps *PostgresStore) UpdateReloadSettings(ctx context.Context, userID string, s ReloadSettings) (*Account, error) {
	var account *Account
	err := ps.withSerializableTx(ctx, func(tx pgx.Tx) error {
		current, err := lockAccount(ctx, tx, userID)
		if err != nil {
			return err
		}

		failures := current.AutoReloadFailureCount
		if s.Enabled {
			failures = 0
		}

		_, err = tx.Exec(ctx, `
			UPDATE accounts
			SET auto_reload_enabled = $1, auto_reload_threshold = $2,
			    auto_reload_amount = $3, auto_reload_failure_count = $4
			WHERE id = $5
		`, s.Enabled, s.Threshold, s.Amount, failures, current.ID)
		if err != nil {
			return fmt.Errorf("failed to update reload settings: %w", err)
		}

		current.AutoReloadEnabled = s.Enabled
		current.AutoReloadThreshold = s.Threshold
		current.AutoReloadAmount = s.Amount
		current.AutoReloadFailureCount = failures
		account = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// RecordReloadOutcome implements Store.
func (ps *PostgresStore) RecordReloadOutcome(ctx context.Context, userID string, success bool) (*Account, error) {
	var account *Account
	err := ps.withSerializableTx(ctx, func(tx pgx.Tx) error {
		current, err := lockAccount(ctx, tx, userID)
		if err != nil {
			return err
		}

		if success {
			current.AutoReloadFailureCount = 0
		} else {
			current.AutoReloadFailureCount++
			if current.AutoReloadFailureCount >= MaxReloadFailures {
				current.AutoReloadEnabled = false
			}
		}

		_, err = tx.Exec(ctx, `
			UPDATE accounts
			SET auto_reload_failure_count = $1, auto_reload_enabled = $2
			WHERE id = $3
		`, current.AutoReloadFailureCount, current.AutoReloadEnabled, current.ID)
		if err != nil {
			return fmt.Errorf("failed to record reload outcome: %w", err)
		}

		account = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// ClaimReloadSlot implements Store.
func (ps *PostgresStore) ClaimReloadSlot(ctx context.Context, userID string, now time.Time, window time.Duration) (bool, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tag, err := ps.pool.Exec(queryCtx, `
		UPDATE accounts
		SET last_reload_at = $2
		WHERE user_id = $1
		  AND (last_reload_at IS NULL OR last_reload_at <= $3)
	`, userID, now, now.Add(-window))
	if err != nil {
		return false, fmt.Errorf("failed to claim reload slot: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransactionRow(row rowScanner) (*Transaction, error) {
	var tx Transaction
	var ref sql.NullString
	err := row.Scan(&tx.ID, &tx.AccountID, &tx.Amount, (*string)(&tx.Type), &tx.BalanceAfter, &ref, &tx.Description, &tx.CreatedAt)
	if err != nil {
		return nil, err
	}
	if ref.Valid {
		tx.ExternalReference = ref.String
	}
	return &tx, nil
}
