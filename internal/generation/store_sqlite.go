package generation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/example/yardgen/internal/payment"
)

// SQLiteRequestStore persists generation requests in a local SQLite database.
type SQLiteRequestStore struct {
	db *sql.DB
}

// SQLiteMigrations is the generation schema, applied by OpenSQLiteRequestStore
// and cmd/migrate.
var SQLiteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS generation_requests (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);`,

	`CREATE TABLE IF NOT EXISTS area_jobs (
		request_id TEXT NOT NULL REFERENCES generation_requests(id),
		area_id TEXT NOT NULL,
		style TEXT NOT NULL DEFAULT '',
		source_image_ref TEXT NOT NULL DEFAULT '',
		custom_prompt TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		image_url TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		debit_transaction_id TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (request_id, area_id)
	);`,

	`CREATE INDEX IF NOT EXISTS ix_generation_requests_user
		ON generation_requests (user_id, created_at);`,
}

// OpenSQLiteRequestStore opens (and migrates) the database at path.
func OpenSQLiteRequestStore(path string) (*SQLiteRequestStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	for _, migration := range SQLiteMigrations {
		if _, err := db.Exec(migration); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply migration: %w", err)
		}
	}
	return &SQLiteRequestStore{db: db}, nil
}

// Close closes the underlying database.
func (ss *SQLiteRequestStore) Close() error {
	return ss.db.Close()
}

// Create implements RequestStore.
func (ss *SQLiteRequestStore) Create(ctx context.Context, req *Request) error {
	tx, err := ss.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO generation_requests (id, user_id, status, payment_method, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, req.ID, req.UserID, string(req.Status), string(req.PaymentMethod), req.CreatedAt, req.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to insert request: %w", err)
	}

	for _, area := range req.Areas {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO area_jobs (request_id, area_id, style, source_image_ref, custom_prompt,
				status, progress, image_url, error_message, debit_transaction_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, req.ID, area.AreaID, area.Style, area.SourceImageRef, area.CustomPrompt,
			string(area.Status), area.ProgressPercentage, area.ImageURL, area.ErrorMessage, area.DebitTransactionID)
		if err != nil {
			return fmt.Errorf("failed to insert area job: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Get implements RequestStore.
func (ss *SQLiteRequestStore) Get(ctx context.Context, id string) (*Request, error) {
	var req Request
	var status, method string
	var completedAt sql.NullTime

	err := ss.db.QueryRowContext(ctx, `
		SELECT id, user_id, status, payment_method, created_at, completed_at
		FROM generation_requests WHERE id = ?
	`, id).Scan(&req.ID, &req.UserID, &status, &method, &req.CreatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	req.Status = RequestStatus(status)
	req.PaymentMethod = payment.Method(method)
	if completedAt.Valid {
		ts := completedAt.Time
		req.CompletedAt = &ts
	}

	rows, err := ss.db.QueryContext(ctx, `
		SELECT area_id, style, source_image_ref, custom_prompt, status, progress,
			image_url, error_message, debit_transaction_id
		FROM area_jobs WHERE request_id = ? ORDER BY area_id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query area jobs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var area AreaJob
		var areaStatus string
		err := rows.Scan(&area.AreaID, &area.Style, &area.SourceImageRef, &area.CustomPrompt,
			&areaStatus, &area.ProgressPercentage, &area.ImageURL, &area.ErrorMessage, &area.DebitTransactionID)
		if err != nil {
			return nil, fmt.Errorf("failed to scan area job: %w", err)
		}
		area.Status = AreaStatus(areaStatus)
		req.Areas = append(req.Areas, &area)
	}
	return &req, rows.Err()
}

// ListUnfinished implements RequestStore.
func (ss *SQLiteRequestStore) ListUnfinished(ctx context.Context) ([]*Request, error) {
	rows, err := ss.db.QueryContext(ctx, `
		SELECT id FROM generation_requests
		WHERE status IN (?, ?) ORDER BY created_at
	`, string(RequestPending), string(RequestProcessing))
	if err != nil {
		return nil, fmt.Errorf("failed to query unfinished requests: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan request id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*Request, 0, len(ids))
	for _, id := range ids {
		req, err := ss.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

// UpdateStatus implements RequestStore.
func (ss *SQLiteRequestStore) UpdateStatus(ctx context.Context, req *Request) error {
	var completedAt interface{}
	if req.CompletedAt != nil {
		completedAt = *req.CompletedAt
	}

	result, err := ss.db.ExecContext(ctx, `
		UPDATE generation_requests SET status = ?, payment_method = ?, completed_at = ? WHERE id = ?
	`, string(req.Status), string(req.PaymentMethod), completedAt, req.ID)
	if err != nil {
		return fmt.Errorf("failed to update request status: %w", err)
	}
	return requireRow(result)
}

// UpdateArea implements RequestStore.
func (ss *SQLiteRequestStore) UpdateArea(ctx context.Context, requestID string, area *AreaJob) error {
	result, err := ss.db.ExecContext(ctx, `
		UPDATE area_jobs
		SET status = ?, progress = ?, image_url = ?, error_message = ?, debit_transaction_id = ?
		WHERE request_id = ? AND area_id = ?
	`, string(area.Status), area.ProgressPercentage, area.ImageURL, area.ErrorMessage,
		area.DebitTransactionID, requestID, area.AreaID)
	if err != nil {
		return fmt.Errorf("failed to update area job: %w", err)
	}
	return requireRow(result)
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRequestNotFound
	}
	return nil
}
