package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the ledger tables. Every monetary, price and volume column
// is NUMERIC. Audit tables are indexed by (account_id, time DESC) for
// "recent N" reads.
const Schema = `
CREATE TABLE IF NOT EXISTS open_positions (
	id                 TEXT PRIMARY KEY,
	account_id         TEXT NOT NULL,
	device_id          TEXT NOT NULL DEFAULT '',
	broker_ticket      TEXT NOT NULL,
	instrument         TEXT NOT NULL,
	direction          TEXT NOT NULL CHECK (direction IN ('long', 'short')),
	volume             NUMERIC NOT NULL,
	entry_price        NUMERIC NOT NULL,
	hidden_stop_loss   NUMERIC,
	hidden_take_profit NUMERIC,
	opened_at          TIMESTAMPTZ NOT NULL,
	status             TEXT NOT NULL CHECK (status IN ('open', 'closing', 'closed')),
	closed_at          TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_open_positions_active_ticket
	ON open_positions (account_id, broker_ticket) WHERE status <> 'closed';
CREATE INDEX IF NOT EXISTS idx_open_positions_account
	ON open_positions (account_id, opened_at DESC);

CREATE TABLE IF NOT EXISTS registrations (
	account_id         TEXT NOT NULL,
	broker_ticket      TEXT NOT NULL,
	device_id          TEXT NOT NULL DEFAULT '',
	instrument         TEXT NOT NULL,
	direction          TEXT NOT NULL,
	volume             NUMERIC NOT NULL,
	entry_price        NUMERIC NOT NULL,
	hidden_stop_loss   NUMERIC,
	hidden_take_profit NUMERIC,
	created_at         TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (account_id, broker_ticket)
);

CREATE TABLE IF NOT EXISTS reconciliation_events (
	id                   TEXT PRIMARY KEY,
	account_id           TEXT NOT NULL,
	position_id          TEXT NOT NULL DEFAULT '',
	broker_ticket        TEXT NOT NULL,
	instrument           TEXT NOT NULL DEFAULT '',
	ts                   TIMESTAMPTZ NOT NULL,
	broker_volume        NUMERIC NOT NULL,
	ledger_volume        NUMERIC NOT NULL,
	broker_entry         NUMERIC NOT NULL,
	ledger_entry         NUMERIC NOT NULL,
	classification       TEXT NOT NULL,
	volume_tolerance_pct NUMERIC NOT NULL,
	price_tolerance      NUMERIC NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reconciliation_events_account
	ON reconciliation_events (account_id, ts DESC);

CREATE TABLE IF NOT EXISTS drawdown_alerts (
	id               TEXT PRIMARY KEY,
	account_id       TEXT NOT NULL,
	ts               TIMESTAMPTZ NOT NULL,
	drawdown_pct     NUMERIC NOT NULL,
	peak_equity      NUMERIC NOT NULL,
	equity           NUMERIC NOT NULL,
	threshold        NUMERIC NOT NULL,
	severity         TEXT NOT NULL,
	action_triggered BOOLEAN NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_drawdown_alerts_account
	ON drawdown_alerts (account_id, ts DESC);

CREATE TABLE IF NOT EXISTS market_alerts (
	id               TEXT PRIMARY KEY,
	account_id       TEXT NOT NULL,
	symbol           TEXT NOT NULL,
	ts               TIMESTAMPTZ NOT NULL,
	metric           TEXT NOT NULL,
	value            NUMERIC NOT NULL,
	threshold        NUMERIC NOT NULL,
	severity         TEXT NOT NULL,
	action_triggered BOOLEAN NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_market_alerts_account
	ON market_alerts (account_id, ts DESC);

CREATE TABLE IF NOT EXISTS close_commands (
	close_id     TEXT PRIMARY KEY,
	account_id   TEXT NOT NULL,
	position_id  TEXT NOT NULL,
	reason       TEXT NOT NULL,
	requested_by TEXT NOT NULL,
	route        TEXT NOT NULL,
	requested_at TIMESTAMPTZ NOT NULL,
	outcome      TEXT NOT NULL,
	realized_pnl NUMERIC,
	close_price  NUMERIC,
	detail       TEXT NOT NULL DEFAULT '',
	attempts     INTEGER NOT NULL DEFAULT 0,
	resolved_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_close_commands_account
	ON close_commands (account_id, requested_at DESC);
CREATE INDEX IF NOT EXISTS idx_close_commands_position
	ON close_commands (position_id, requested_at DESC);

CREATE TABLE IF NOT EXISTS account_state (
	account_id        TEXT PRIMARY KEY,
	peak_equity       NUMERIC NOT NULL,
	last_equity       NUMERIC NOT NULL,
	drawdown_severity TEXT NOT NULL DEFAULT '',
	market_severity   JSONB NOT NULL DEFAULT '{}',
	last_quotes       JSONB NOT NULL DEFAULT '{}',
	last_sync_at      TIMESTAMPTZ,
	updated_at        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS entry_orders (
	id                 TEXT PRIMARY KEY,
	account_id         TEXT NOT NULL,
	device_id          TEXT NOT NULL,
	instrument         TEXT NOT NULL,
	direction          TEXT NOT NULL,
	volume             NUMERIC NOT NULL,
	entry_price        NUMERIC NOT NULL,
	hidden_stop_loss   NUMERIC,
	hidden_take_profit NUMERIC,
	status             TEXT NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL,
	expires_at         TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entry_orders_account
	ON entry_orders (account_id, created_at DESC);
`

// Migrate applies Schema. Statements are idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
