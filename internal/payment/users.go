package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrTrialExhausted is the business outcome of a conditional trial decrement
// that could not be covered. Like insufficient balance, it is not an
// infrastructure failure.
var ErrTrialExhausted = errors.New("trial credits exhausted")

// User carries the entitlement inputs the resolver needs. Created lazily with
// the configured trial grant on first sight.
type User struct {
	ID              string     `json:"id"`
	SubscribedUntil *time.Time `json:"subscribed_until,omitempty"`
	TrialRemaining  int        `json:"trial_remaining"`
	CreatedAt       time.Time  `json:"created_at"`
}

// SubscriptionActive reports whether the user holds an unexpired
// subscription.
func (u *User) SubscriptionActive() bool {
	return u.SubscribedUntil != nil && u.SubscribedUntil.After(time.Now())
}

// UserStore owns the trial counter with the same idempotency discipline as
// the ledger: restores are keyed by reference so a retried refund cannot
// grant two trial credits for one failed area.
type UserStore interface {
	Get(ctx context.Context, userID string) (*User, error)
	ConsumeTrial(ctx context.Context, userID string, n int) error
	RestoreTrial(ctx context.Context, userID, ref string) (applied bool, err error)
	SetSubscription(ctx context.Context, userID string, until *time.Time) error
}

// MemoryUserStore is the in-process UserStore for tests and development mode.
type MemoryUserStore struct {
	mu         sync.Mutex
	users      map[string]*User
	restored   map[string]bool
	trialGrant int
}

// NewMemoryUserStore creates a store granting trialGrant free credits to each
// new user.
func NewMemoryUserStore(trialGrant int) *MemoryUserStore {
	return &MemoryUserStore{
		users:      make(map[string]*User),
		restored:   make(map[string]bool),
		trialGrant: trialGrant,
	}
}

func (ms *MemoryUserStore) get(userID string) *User {
	u, ok := ms.users[userID]
	if !ok {
		u = &User{ID: userID, TrialRemaining: ms.trialGrant, CreatedAt: time.Now().UTC()}
		ms.users[userID] = u
	}
	return u
}

// Get implements UserStore.
func (ms *MemoryUserStore) Get(ctx context.Context, userID string) (*User, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	u := ms.get(userID)
	cp := *u
	if u.SubscribedUntil != nil {
		ts := *u.SubscribedUntil
		cp.SubscribedUntil = &ts
	}
	return &cp, nil
}

// ConsumeTrial implements UserStore.
func (ms *MemoryUserStore) ConsumeTrial(ctx context.Context, userID string, n int) error {
	if n < 1 {
		return fmt.Errorf("trial consumption must be positive")
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	u := ms.get(userID)
	if u.TrialRemaining < n {
		return ErrTrialExhausted
	}
	u.TrialRemaining -= n
	return nil
}

// RestoreTrial implements UserStore.
func (ms *MemoryUserStore) RestoreTrial(ctx context.Context, userID, ref string) (bool, error) {
	if ref == "" {
		return false, fmt.Errorf("restore reference is required")
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	key := userID + "|" + ref
	if ms.restored[key] {
		return false, nil
	}
	ms.restored[key] = true
	ms.get(userID).TrialRemaining++
	return true, nil
}

// SetSubscription implements UserStore.
func (ms *MemoryUserStore) SetSubscription(ctx context.Context, userID string, until *time.Time) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.get(userID).SubscribedUntil = until
	return nil
}

// PostgresUserStore is the production UserStore.
type PostgresUserStore struct {
	pool       *pgxpool.Pool
	trialGrant int
}

// NewPostgresUserStore creates a UserStore backed by the given pool.
func NewPostgresUserStore(pool *pgxpool.Pool, trialGrant int) *PostgresUserStore {
	return &PostgresUserStore{pool: pool, trialGrant: trialGrant}
}

// UserMigrations is the users schema applied by cmd/migrate.
var UserMigrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		subscribed_until TIMESTAMPTZ,
		trial_remaining INT NOT NULL DEFAULT 0 CHECK (trial_remaining >= 0),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,

	`CREATE TABLE IF NOT EXISTS trial_restores (
		user_id TEXT NOT NULL REFERENCES users(user_id),
		reference TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, reference)
	);`,
}

func (ps *PostgresUserStore) ensure(ctx context.Context, userID string) error {
	_, err := ps.pool.Exec(ctx, `
		INSERT INTO users (user_id, trial_remaining) VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, ps.trialGrant)
	if err != nil {
		return fmt.Errorf("failed to ensure user: %w", err)
	}
	return nil
}

// Get implements UserStore.
func (ps *PostgresUserStore) Get(ctx context.Context, userID string) (*User, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := ps.ensure(queryCtx, userID); err != nil {
		return nil, err
	}

	var u User
	err := ps.pool.QueryRow(queryCtx, `
		SELECT user_id, subscribed_until, trial_remaining, created_at
		FROM users WHERE user_id = $1
	`, userID).Scan(&u.ID, &u.SubscribedUntil, &u.TrialRemaining, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// ConsumeTrial implements UserStore. The conditional UPDATE is the
// check-then-act guard: two racing requests cannot both consume the last
// trial credits.
func (ps *PostgresUserStore) ConsumeTrial(ctx context.Context, userID string, n int) error {
	if n < 1 {
		return fmt.Errorf("trial consumption must be positive")
	}

	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := ps.ensure(queryCtx, userID); err != nil {
		return err
	}

	tag, err := ps.pool.Exec(queryCtx, `
		UPDATE users SET trial_remaining = trial_remaining - $2
		WHERE user_id = $1 AND trial_remaining >= $2
	`, userID, n)
	if err != nil {
		return fmt.Errorf("failed to consume trial: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTrialExhausted
	}
	return nil
}

// RestoreTrial implements UserStore. The (user_id, reference) primary key on
// trial_restores decides the first writer; later retries see the conflict and
// restore nothing.
func (ps *PostgresUserStore) RestoreTrial(ctx context.Context, userID, ref string) (bool, error) {
	if ref == "" {
		return false, fmt.Errorf("restore reference is required")
	}

	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := ps.ensure(queryCtx, userID); err != nil {
		return false, err
	}

	tx, err := ps.pool.BeginTx(queryCtx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(queryCtx)

	tag, err := tx.Exec(queryCtx, `
		INSERT INTO trial_restores (user_id, reference) VALUES ($1, $2)
		ON CONFLICT (user_id, reference) DO NOTHING
	`, userID, ref)
	if err != nil {
		return false, fmt.Errorf("failed to record trial restore: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	_, err = tx.Exec(queryCtx, `
		UPDATE users SET trial_remaining = trial_remaining + 1 WHERE user_id = $1
	`, userID)
	if err != nil {
		return false, fmt.Errorf("failed to restore trial credit: %w", err)
	}

	if err := tx.Commit(queryCtx); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// SetSubscription implements UserStore.
func (ps *PostgresUserStore) SetSubscription(ctx context.Context, userID string, until *time.Time) error {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := ps.ensure(queryCtx, userID); err != nil {
		return err
	}

	_, err := ps.pool.Exec(queryCtx, `
		UPDATE users SET subscribed_until = $2 WHERE user_id = $1
	`, userID, until)
	if err != nil {
		return fmt.Errorf("failed to set subscription: %w", err)
	}
	return nil
}
