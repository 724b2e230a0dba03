package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the ledger tables if they are missing. The check constraint on
// current_balance is the storage-level backstop for the non-negative invariant.
const Schema = `
CREATE TABLE IF NOT EXISTS stores (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	is_active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS loyalty_accounts (
	id UUID PRIMARY KEY,
	current_balance BIGINT NOT NULL DEFAULT 0 CONSTRAINT loyalty_accounts_balance_non_negative CHECK (current_balance >= 0),
	total_purchase_count BIGINT NOT NULL DEFAULT 0,
	total_saved BIGINT NOT NULL DEFAULT 0,
	last_activity TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_loyalty_accounts_activity_balance
	ON loyalty_accounts (last_activity, current_balance);

CREATE TABLE IF NOT EXISTS loyalty_transactions (
	id BIGSERIAL PRIMARY KEY,
	account_id UUID NOT NULL REFERENCES loyalty_accounts(id),
	store_id UUID,
	type TEXT NOT NULL CHECK (type IN ('earn', 'spend')),
	amount BIGINT NOT NULL CHECK (amount > 0),
	purchase_amount NUMERIC(14, 2),
	origin TEXT NOT NULL,
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_loyalty_transactions_account_created
	ON loyalty_transactions (account_id, created_at);

CREATE TABLE IF NOT EXISTS loyalty_settings (
	id SMALLINT PRIMARY KEY CHECK (id = 1),
	earning_percent NUMERIC(5, 2) NOT NULL,
	max_discount_percent NUMERIC(5, 2) NOT NULL,
	expiry_days INTEGER NOT NULL,
	min_redemption_amount BIGINT NOT NULL DEFAULT 0,
	welcome_bonus BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CHECK (earning_percent <= max_discount_percent)
);
`

// EnsureSchema applies Schema. The statements are idempotent.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	_, err := db.Exec(ctx, Schema)
	return err
}
