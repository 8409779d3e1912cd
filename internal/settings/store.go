package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store persists settings in the trading_settings table.
type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

const selectSettings = `
	SELECT user_id, symbol, quote_size, adverse_pct, cancel_ms, max_pos, min_spread_pct,
	       max_trades_per_day, enabled, min_accuracy_threshold, auto_trade_enabled, strategy,
	       status, paused_reason, max_loss_pct, max_drawdown_pct, per_trade_risk_pct,
	       COALESCE(stop_loss_pct, 0) AS stop_loss_pct,
	       COALESCE(take_profit_pct, 0) AS take_profit_pct,
	       COALESCE(max_hold_minutes, 0) AS max_hold_minutes,
	       updated_at
	FROM trading_settings
	WHERE user_id = ?
`

func (s *Store) Get(ctx context.Context, userID string) (Settings, error) {
	if userID == "" {
		return Settings{}, ErrUserIDRequired
	}
	var out Settings
	err := s.db.GetContext(ctx, &out, s.db.Rebind(selectSettings), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return Settings{}, ErrNotFound
	}
	if err != nil {
		return Settings{}, fmt.Errorf("query settings: %w", err)
	}
	return out, nil
}

func (s *Store) Save(ctx context.Context, doc Settings) error {
	if doc.UserID == "" {
		return ErrUserIDRequired
	}
	if doc.Status == "" {
		doc.Status = StatusActive
	}
	doc.UpdatedAt = time.Now().UTC()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO trading_settings (
			user_id, symbol, quote_size, adverse_pct, cancel_ms, max_pos, min_spread_pct,
			max_trades_per_day, enabled, min_accuracy_threshold, auto_trade_enabled, strategy,
			status, paused_reason, max_loss_pct, max_drawdown_pct, per_trade_risk_pct,
			stop_loss_pct, take_profit_pct, max_hold_minutes, updated_at
		) VALUES (
			:user_id, :symbol, :quote_size, :adverse_pct, :cancel_ms, :max_pos, :min_spread_pct,
			:max_trades_per_day, :enabled, :min_accuracy_threshold, :auto_trade_enabled, :strategy,
			:status, :paused_reason, :max_loss_pct, :max_drawdown_pct, :per_trade_risk_pct,
			:stop_loss_pct, :take_profit_pct, :max_hold_minutes, :updated_at
		)
		ON CONFLICT (user_id) DO UPDATE SET
			symbol = excluded.symbol,
			quote_size = excluded.quote_size,
			adverse_pct = excluded.adverse_pct,
			cancel_ms = excluded.cancel_ms,
			max_pos = excluded.max_pos,
			min_spread_pct = excluded.min_spread_pct,
			max_trades_per_day = excluded.max_trades_per_day,
			enabled = excluded.enabled,
			min_accuracy_threshold = excluded.min_accuracy_threshold,
			auto_trade_enabled = excluded.auto_trade_enabled,
			strategy = excluded.strategy,
			status = excluded.status,
			paused_reason = excluded.paused_reason,
			max_loss_pct = excluded.max_loss_pct,
			max_drawdown_pct = excluded.max_drawdown_pct,
			per_trade_risk_pct = excluded.per_trade_risk_pct,
			stop_loss_pct = excluded.stop_loss_pct,
			take_profit_pct = excluded.take_profit_pct,
			max_hold_minutes = excluded.max_hold_minutes,
			updated_at = excluded.updated_at
	`, doc)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

func (s *Store) SetStatus(ctx context.Context, userID, status, reason string) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE trading_settings SET status = ?, paused_reason = ?, updated_at = ?
		WHERE user_id = ?
	`), status, reason, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("update settings status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
