package ledger

// PostgresMigrations is the ledger schema, applied in order by cmd/migrate
// and by the integration tests. The partial unique index on
// (account_id, external_reference) is what backs credit idempotency.
var PostgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		user_id TEXT UNIQUE NOT NULL,
		balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		auto_reload_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		auto_reload_threshold BIGINT NOT NULL DEFAULT 10 CHECK (auto_reload_threshold BETWEEN 1 AND 100),
		auto_reload_amount BIGINT NOT NULL DEFAULT 50 CHECK (auto_reload_amount >= 10),
		auto_reload_failure_count INT NOT NULL DEFAULT 0 CHECK (auto_reload_failure_count >= 0),
		last_reload_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,

	`CREATE TABLE IF NOT EXISTS ledger_transactions (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		account_id UUID NOT NULL REFERENCES accounts(id) ON DELETE RESTRICT,
		amount BIGINT NOT NULL CHECK (amount <> 0),
		type TEXT NOT NULL CHECK (type IN ('purchase', 'deduction', 'refund', 'auto_reload')),
		balance_after BIGINT NOT NULL CHECK (balance_after >= 0),
		external_reference TEXT,
		description TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,

	`CREATE UNIQUE INDEX IF NOT EXISTS ux_ledger_transactions_account_reference
		ON ledger_transactions (account_id, external_reference)
		WHERE external_reference IS NOT NULL;`,

	`CREATE INDEX IF NOT EXISTS ix_ledger_transactions_account_created
		ON ledger_transactions (account_id, created_at);`,
}
