// Package db provides user-isolated database queries for multi-tenant architecture.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

var (
	ErrUserIDRequired = errors.New("user_id is required for data isolation")
	ErrNotFound       = errors.New("record not found")
)

// UserQueries provides user-isolated database queries.
type UserQueries struct {
	db *sqlx.DB
}

// NewUserQueries creates a new UserQueries instance.
func NewUserQueries(db *sqlx.DB) *UserQueries {
	return &UserQueries{db: db}
}

// ----------------------------------------
// User Queries
// ----------------------------------------

// CreateUser inserts a new user row.
func (q *UserQueries) CreateUser(ctx context.Context, u User) error {
	if u.ID == "" {
		return ErrUserIDRequired
	}
	now := time.Now().UTC()
	_, err := q.db.ExecContext(ctx, q.db.Rebind(`
		INSERT INTO users (id, email, password_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`), u.ID, u.Email, u.PasswordHash, now, now)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUserByEmail looks up a user for login.
func (q *UserQueries) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := q.db.GetContext(ctx, &u, q.db.Rebind(`
		SELECT id, email, password_hash, created_at, updated_at
		FROM users WHERE email = ?
	`), email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

// ----------------------------------------
// Connection Queries
// ----------------------------------------

// CreateConnection stores a connection whose keys are already encrypted.
func (q *UserQueries) CreateConnection(ctx context.Context, c Connection) error {
	if c.UserID == "" {
		return ErrUserIDRequired
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	c.IsActive = true
	if c.KeyVersion == 0 {
		c.KeyVersion = 1
	}
	_, err := q.db.NamedExecContext(ctx, `
		INSERT INTO connections (
			id, user_id, exchange_type, name,
			api_key_encrypted, api_secret_encrypted, key_version,
			testnet, is_active, created_at, updated_at
		) VALUES (
			:id, :user_id, :exchange_type, :name,
			:api_key_encrypted, :api_secret_encrypted, :key_version,
			:testnet, :is_active, :created_at, :updated_at
		)
	`, c)
	if err != nil {
		return fmt.Errorf("insert connection: %w", err)
	}
	return nil
}

// GetConnectionsByUser returns all active connections for a user, newest first.
func (q *UserQueries) GetConnectionsByUser(ctx context.Context, userID string) ([]Connection, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	var conns []Connection
	err := q.db.SelectContext(ctx, &conns, q.db.Rebind(`
		SELECT id, user_id, exchange_type, name,
		       api_key_encrypted, api_secret_encrypted,
		       COALESCE(key_version, 1) AS key_version,
		       COALESCE(testnet, FALSE) AS testnet,
		       is_active, created_at, updated_at
		FROM connections
		WHERE user_id = ? AND is_active = TRUE
		ORDER BY created_at DESC
	`), userID)
	if err != nil {
		return nil, fmt.Errorf("query connections: %w", err)
	}
	return conns, nil
}

// GetActiveConnection returns the user's most recent active connection.
func (q *UserQueries) GetActiveConnection(ctx context.Context, userID string) (*Connection, error) {
	conns, err := q.GetConnectionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(conns) == 0 {
		return nil, ErrNotFound
	}
	return &conns[0], nil
}

// ----------------------------------------
// Trade Queries
// ----------------------------------------

const insertTradeSQL = `
	INSERT INTO trades (id, user_id, engine, order_id, symbol, side, price, qty, fee, created_at)
	VALUES (:id, :user_id, :engine, :order_id, :symbol, :side, :price, :qty, :fee, :created_at)
`

// InsertTrade writes a trade through any sqlx executor (DB or Tx).
func InsertTrade(ctx context.Context, ext sqlx.ExtContext, t Trade) error {
	if t.UserID == "" {
		return ErrUserIDRequired
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if _, err := sqlx.NamedExecContext(ctx, ext, insertTradeSQL, t); err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// GetTradesByUser returns recent trades for a specific user.
func (q *UserQueries) GetTradesByUser(ctx context.Context, userID string, limit int) ([]Trade, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	if limit <= 0 {
		limit = 100
	}
	var trades []Trade
	err := q.db.SelectContext(ctx, &trades, q.db.Rebind(`
		SELECT id, user_id, engine, order_id, symbol, side, price, qty, fee, created_at
		FROM trades
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`), userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	return trades, nil
}

// ----------------------------------------
// Execution Log Queries
// ----------------------------------------

const insertExecutionLogSQL = `
	INSERT INTO execution_logs (
		id, user_id, engine, symbol, status, reason, signal, accuracy,
		side, qty, price, latency_ms, slippage_bps, order_ids, created_at
	) VALUES (
		:id, :user_id, :engine, :symbol, :status, :reason, :signal, :accuracy,
		:side, :qty, :price, :latency_ms, :slippage_bps, :order_ids, :created_at
	)
`

// InsertExecutionLog appends one audit row through any sqlx executor.
func InsertExecutionLog(ctx context.Context, ext sqlx.ExtContext, rec ExecutionLog) error {
	if rec.UserID == "" {
		return ErrUserIDRequired
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if _, err := sqlx.NamedExecContext(ctx, ext, insertExecutionLogSQL, rec); err != nil {
		return fmt.Errorf("insert execution log: %w", err)
	}
	return nil
}

// GetExecutionLogs returns the newest execution records for a user.
func (q *UserQueries) GetExecutionLogs(ctx context.Context, userID string, limit int) ([]ExecutionLog, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	if limit <= 0 {
		limit = 50
	}
	var logs []ExecutionLog
	err := q.db.SelectContext(ctx, &logs, q.db.Rebind(`
		SELECT id, user_id, engine, symbol, status, reason, signal, accuracy,
		       side, qty, price, latency_ms, slippage_bps, order_ids, created_at
		FROM execution_logs
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`), userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query execution logs: %w", err)
	}
	return logs, nil
}

// ----------------------------------------
// Position Queries
// ----------------------------------------

// GetPositionsByUser returns all positions for a specific user.
func (q *UserQueries) GetPositionsByUser(ctx context.Context, userID string) ([]Position, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	var positions []Position
	err := q.db.SelectContext(ctx, &positions, q.db.Rebind(`
		SELECT user_id, symbol, qty, avg_price, updated_at
		FROM user_positions
		WHERE user_id = ?
	`), userID)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	return positions, nil
}

// UpsertPosition creates or updates a position for a user.
func (q *UserQueries) UpsertPosition(ctx context.Context, p Position) error {
	if p.UserID == "" {
		return ErrUserIDRequired
	}
	p.UpdatedAt = time.Now().UTC()
	_, err := q.db.NamedExecContext(ctx, `
		INSERT INTO user_positions (user_id, symbol, qty, avg_price, updated_at)
		VALUES (:user_id, :symbol, :qty, :avg_price, :updated_at)
		ON CONFLICT (user_id, symbol) DO UPDATE SET
			qty = excluded.qty,
			avg_price = excluded.avg_price,
			updated_at = excluded.updated_at
	`, p)
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}
