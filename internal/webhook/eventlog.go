package webhook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventLog records which provider events have been applied. It is the
// idempotency backstop for handlers whose effects are not naturally
// deduplicated by the ledger.
type EventLog interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID, eventType string) error
}

// MemoryEventLog is the in-process EventLog for tests and development mode.
type MemoryEventLog struct {
	mu   sync.Mutex
	seen map[string]bool
}

// NewMemoryEventLog creates an empty event log.
func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{seen: make(map[string]bool)}
}

// Seen implements EventLog.
func (ml *MemoryEventLog) Seen(ctx context.Context, eventID string) (bool, error) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	return ml.seen[eventID], nil
}

// MarkProcessed implements EventLog.
func (ml *MemoryEventLog) MarkProcessed(ctx context.Context, eventID, eventType string) error {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	ml.seen[eventID] = true
	return nil
}

// PostgresEventLog is the production EventLog.
type PostgresEventLog struct {
	pool *pgxpool.Pool
}

// NewPostgresEventLog creates an EventLog backed by the given pool.
func NewPostgresEventLog(pool *pgxpool.Pool) *PostgresEventLog {
	return &PostgresEventLog{pool: pool}
}

// Seen implements EventLog.
func (pl *PostgresEventLog) Seen(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := pl.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM webhook_events WHERE id = $1)`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query event log: %w", err)
	}
	return exists, nil
}

// MarkProcessed implements EventLog. The insert tolerates a concurrent
// delivery of the same event.
func (pl *PostgresEventLog) MarkProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := pl.pool.Exec(ctx, `
		INSERT INTO webhook_events (id, event_type, processed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, eventID, eventType, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// Migrations creates the webhook event table.
var Migrations = []string{
	`CREATE TABLE IF NOT EXISTS webhook_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		processed_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}
