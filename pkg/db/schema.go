package db

import (
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS connections (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    exchange_type TEXT NOT NULL,
    name TEXT NOT NULL,
    api_key_encrypted TEXT NOT NULL DEFAULT '',
    api_secret_encrypted TEXT NOT NULL DEFAULT '',
    key_version INTEGER DEFAULT 1,
    is_active BOOLEAN DEFAULT TRUE,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS trading_settings (
    user_id TEXT PRIMARY KEY,
    symbol TEXT NOT NULL DEFAULT 'BTCUSDT',
    quote_size DOUBLE PRECISION DEFAULT 0,
    adverse_pct DOUBLE PRECISION DEFAULT 0.1,
    cancel_ms INTEGER DEFAULT 50,
    max_pos DOUBLE PRECISION DEFAULT 0,
    min_spread_pct DOUBLE PRECISION DEFAULT 0,
    max_trades_per_day INTEGER DEFAULT 0,
    enabled BOOLEAN DEFAULT FALSE,
    min_accuracy_threshold DOUBLE PRECISION DEFAULT 0.85,
    auto_trade_enabled BOOLEAN DEFAULT FALSE,
    strategy TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'active',
    paused_reason TEXT NOT NULL DEFAULT '',
    max_loss_pct DOUBLE PRECISION DEFAULT 0,
    max_drawdown_pct DOUBLE PRECISION DEFAULT 0,
    per_trade_risk_pct DOUBLE PRECISION DEFAULT 0,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS trades (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    engine TEXT NOT NULL,
    order_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    price DOUBLE PRECISION NOT NULL,
    qty DOUBLE PRECISION NOT NULL,
    fee DOUBLE PRECISION DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS execution_logs (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    engine TEXT NOT NULL,
    symbol TEXT NOT NULL,
    status TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    signal TEXT NOT NULL DEFAULT '',
    accuracy DOUBLE PRECISION DEFAULT 0,
    side TEXT NOT NULL DEFAULT '',
    qty DOUBLE PRECISION DEFAULT 0,
    price DOUBLE PRECISION DEFAULT 0,
    latency_ms DOUBLE PRECISION DEFAULT 0,
    slippage_bps DOUBLE PRECISION DEFAULT 0,
    order_ids TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_execution_logs_user ON execution_logs(user_id, created_at);

CREATE TABLE IF NOT EXISTS user_positions (
    user_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    qty DOUBLE PRECISION NOT NULL,
    avg_price DOUBLE PRECISION NOT NULL,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (user_id, symbol)
);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if d.Driver == DriverSQLite {
		if _, err := d.DB.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
			return fmt.Errorf("enable wal: %w", err)
		}
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Columns added after the first release.
	if err := ensureColumn(d, "trading_settings", "stop_loss_pct", "DOUBLE PRECISION DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d, "trading_settings", "take_profit_pct", "DOUBLE PRECISION DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d, "trading_settings", "max_hold_minutes", "INTEGER DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d, "connections", "testnet", "BOOLEAN DEFAULT FALSE"); err != nil {
		return err
	}
	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(d *Database, table, column, definition string) error {
	if d.Driver == DriverPostgres {
		alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", table, column, definition)
		if _, err := d.DB.Exec(alter); err != nil {
			return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
		}
		return nil
	}

	exists, err := columnExists(d, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := d.DB.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(d *Database, table, column string) (bool, error) {
	var cols []struct {
		CID          int     `db:"cid"`
		Name         string  `db:"name"`
		Type         string  `db:"type"`
		NotNull      int     `db:"notnull"`
		DefaultValue *string `db:"dflt_value"`
		PK           int     `db:"pk"`
	}
	if err := d.DB.Select(&cols, "PRAGMA table_info("+table+")"); err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	for _, c := range cols {
		if c.Name == column {
			return true, nil
		}
	}
	return false, nil
}
