// Package settings holds the per-user trading document both engines and the
// risk gate read: quoting parameters, auto-trade switches and risk limits.
package settings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	StatusActive = "active"
	StatusPaused = "paused"
)

var (
	ErrNotFound       = errors.New("settings not found")
	ErrUserIDRequired = errors.New("settings: user id required")
)

// Settings is the per-user document. Risk percentages (MaxLossPct,
// MaxDrawdownPct, PerTradeRiskPct, StopLossPct, TakeProfitPct) are fractions;
// AdversePct and MinSpreadPct are percentages of price.
type Settings struct {
	UserID          string  `json:"user_id" yaml:"user_id" db:"user_id"`
	Symbol          string  `json:"symbol" yaml:"symbol" db:"symbol"`
	QuoteSize       float64 `json:"quote_size" yaml:"quote_size" db:"quote_size"`
	AdversePct      float64 `json:"adverse_pct" yaml:"adverse_pct" db:"adverse_pct"`
	CancelMs        int     `json:"cancel_ms" yaml:"cancel_ms" db:"cancel_ms"`
	MaxPos          float64 `json:"max_pos" yaml:"max_pos" db:"max_pos"`
	MinSpreadPct    float64 `json:"min_spread_pct" yaml:"min_spread_pct" db:"min_spread_pct"`
	MaxTradesPerDay int     `json:"max_trades_per_day" yaml:"max_trades_per_day" db:"max_trades_per_day"`
	Enabled         bool    `json:"enabled" yaml:"enabled" db:"enabled"`

	MinAccuracyThreshold float64 `json:"min_accuracy_threshold" yaml:"min_accuracy_threshold" db:"min_accuracy_threshold"`
	AutoTradeEnabled     bool    `json:"auto_trade_enabled" yaml:"auto_trade_enabled" db:"auto_trade_enabled"`
	Strategy             string  `json:"strategy" yaml:"strategy" db:"strategy"`

	Status       string `json:"status" yaml:"status" db:"status"`
	PausedReason string `json:"paused_reason,omitempty" yaml:"paused_reason" db:"paused_reason"`

	MaxLossPct      float64 `json:"max_loss_pct" yaml:"max_loss_pct" db:"max_loss_pct"`
	MaxDrawdownPct  float64 `json:"max_drawdown_pct" yaml:"max_drawdown_pct" db:"max_drawdown_pct"`
	PerTradeRiskPct float64 `json:"per_trade_risk_pct" yaml:"per_trade_risk_pct" db:"per_trade_risk_pct"`

	StopLossPct    float64 `json:"stop_loss_pct" yaml:"stop_loss_pct" db:"stop_loss_pct"`
	TakeProfitPct  float64 `json:"take_profit_pct" yaml:"take_profit_pct" db:"take_profit_pct"`
	MaxHoldMinutes int     `json:"max_hold_minutes" yaml:"max_hold_minutes" db:"max_hold_minutes"`

	UpdatedAt time.Time `json:"updated_at" yaml:"-" db:"updated_at"`
}

// Defaults returns a conservative document for a new user: both engines off.
func Defaults(userID string) Settings {
	return Settings{
		UserID:               userID,
		Symbol:               "BTCUSDT",
		QuoteSize:            0.001,
		AdversePct:           0.1,
		CancelMs:             50,
		MaxPos:               0.01,
		MinSpreadPct:         0.05,
		MaxTradesPerDay:      500,
		MinAccuracyThreshold: 0.85,
		Strategy:             "signal_follow",
		Status:               StatusActive,
		MaxLossPct:           0.05,
		MaxDrawdownPct:       0.1,
		PerTradeRiskPct:      0.02,
	}
}

// Paused reports whether trading is blocked by the stored status.
func (s Settings) Paused() bool {
	return strings.EqualFold(s.Status, StatusPaused)
}

// CancelAfter is the quoting order lifetime.
func (s Settings) CancelAfter() time.Duration {
	return time.Duration(s.CancelMs) * time.Millisecond
}

// MaxHold is the time-based exit horizon for auto-trade positions (0 = none).
func (s Settings) MaxHold() time.Duration {
	return time.Duration(s.MaxHoldMinutes) * time.Minute
}

// Validate checks ranges before a document is stored.
func (s Settings) Validate() error {
	switch {
	case s.UserID == "":
		return ErrUserIDRequired
	case s.Symbol == "":
		return errors.New("symbol is required")
	case s.QuoteSize < 0, s.MaxPos < 0, s.AdversePct < 0, s.MinSpreadPct < 0:
		return errors.New("sizes and percentages must be non-negative")
	case s.CancelMs < 0, s.MaxTradesPerDay < 0, s.MaxHoldMinutes < 0:
		return errors.New("durations and counts must be non-negative")
	case s.MinAccuracyThreshold < 0 || s.MinAccuracyThreshold > 1:
		return fmt.Errorf("min_accuracy_threshold %.2f out of range [0,1]", s.MinAccuracyThreshold)
	case !inFraction(s.MaxLossPct), !inFraction(s.MaxDrawdownPct), !inFraction(s.PerTradeRiskPct),
		!inFraction(s.StopLossPct), !inFraction(s.TakeProfitPct):
		return errors.New("risk percentages are fractions in [0,1]")
	}
	if s.Status != "" && s.Status != StatusActive && s.Status != StatusPaused {
		return fmt.Errorf("unknown status %q", s.Status)
	}
	return nil
}

func inFraction(v float64) bool { return v >= 0 && v <= 1 }

// Provider reads and writes settings documents.
type Provider interface {
	Get(ctx context.Context, userID string) (Settings, error)
	Save(ctx context.Context, s Settings) error
	SetStatus(ctx context.Context, userID, status, reason string) error
}

// Memory is an in-process Provider for tests and dry runs.
type Memory struct {
	mu   sync.RWMutex
	docs map[string]Settings
}

func NewMemory(docs ...Settings) *Memory {
	m := &Memory{docs: make(map[string]Settings)}
	for _, d := range docs {
		m.docs[d.UserID] = d
	}
	return m
}

func (m *Memory) Get(_ context.Context, userID string) (Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.docs[userID]
	if !ok {
		return Settings{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) Save(_ context.Context, s Settings) error {
	if s.UserID == "" {
		return ErrUserIDRequired
	}
	s.UpdatedAt = time.Now().UTC()
	m.mu.Lock()
	m.docs[s.UserID] = s
	m.mu.Unlock()
	return nil
}

func (m *Memory) SetStatus(_ context.Context, userID, status, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.docs[userID]
	if !ok {
		return ErrNotFound
	}
	s.Status, s.PausedReason = status, reason
	s.UpdatedAt = time.Now().UTC()
	m.docs[userID] = s
	return nil
}
