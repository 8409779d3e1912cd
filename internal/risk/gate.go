// Package risk implements the pre-trade gate every engine consults before it
// places an order, plus the per-user counters that can pause trading.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"trading-control/internal/monitor"
	"trading-control/internal/settings"
)

// Check names, used as the Decision kind and metric label.
const (
	CheckSettings  = "settings"
	CheckPaused    = "paused"
	CheckCooldown  = "cooldown"
	CheckFailures  = "failures"
	CheckPosition  = "position"
	CheckBalance   = "balance"
	CheckPerTrade  = "per_trade"
	CheckDailyLoss = "daily_loss"
	CheckDrawdown  = "drawdown"
)

// Config holds gate-wide thresholds.
type Config struct {
	Cooldown           time.Duration // pause length after repeated failures
	FailureThreshold   int           // consecutive failures that trigger a pause
	DefaultAdverseMove float64       // fraction of price assumed lost when a request has none
	StatusWriteTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Cooldown:           30 * time.Minute,
		FailureThreshold:   5,
		DefaultAdverseMove: 0.01,
		StatusWriteTimeout: 5 * time.Second,
	}
}

// Request describes a prospective trade. Size is signed: positive buys.
type Request struct {
	UserID      string
	Symbol      string
	Size        float64
	MidPrice    float64
	AdverseMove float64 // fraction; 0 uses Config.DefaultAdverseMove
}

// Decision is the gate's answer.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Check   string `json:"check,omitempty"`
}

// PositionSource reports a user's signed net position.
type PositionSource interface {
	Position(userID, symbol string) float64
}

// BalanceSource reports a user's account equity in quote currency.
type BalanceSource interface {
	Balance(ctx context.Context, userID string) (float64, error)
}

// PauseHandler is told when the gate pauses a user; it must not block.
type PauseHandler func(userID, reason string)

// Gate evaluates trades against settings limits and per-user counters.
type Gate struct {
	cfg       Config
	settings  settings.Provider
	positions PositionSource
	balances  BalanceSource
	metrics   *monitor.Metrics
	now       func() time.Time

	mu      sync.Mutex
	states  map[string]*State
	onPause PauseHandler
}

func NewGate(cfg Config, provider settings.Provider, positions PositionSource, balances BalanceSource, metrics *monitor.Metrics) *Gate {
	def := DefaultConfig()
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.DefaultAdverseMove <= 0 {
		cfg.DefaultAdverseMove = def.DefaultAdverseMove
	}
	if cfg.StatusWriteTimeout <= 0 {
		cfg.StatusWriteTimeout = def.StatusWriteTimeout
	}
	return &Gate{
		cfg:       cfg,
		settings:  provider,
		positions: positions,
		balances:  balances,
		metrics:   metrics,
		now:       time.Now,
		states:    make(map[string]*State),
	}
}

// SetPauseHandler wires the callback that stops a paused user's engines.
func (g *Gate) SetPauseHandler(fn PauseHandler) {
	g.mu.Lock()
	g.onPause = fn
	g.mu.Unlock()
}

// CanTrade runs the checks in order and stops at the first failure.
func (g *Gate) CanTrade(ctx context.Context, req Request) Decision {
	s, err := g.settings.Get(ctx, req.UserID)
	if errors.Is(err, settings.ErrNotFound) {
		return g.reject(CheckSettings, "No settings found")
	}
	if err != nil {
		return g.reject(CheckSettings, fmt.Sprintf("Settings unavailable: %v", err))
	}

	if d, ok := g.checkPauseState(s); !ok {
		return d
	}

	var position float64
	if g.positions != nil {
		position = g.positions.Position(req.UserID, req.Symbol)
	}
	if next := position + req.Size; math.Abs(next) > s.MaxPos {
		return g.reject(CheckPosition, fmt.Sprintf("Position limit: |%g| exceeds max %g", next, s.MaxPos))
	}

	balance, err := g.balance(ctx, req.UserID)
	if err != nil {
		return g.reject(CheckBalance, fmt.Sprintf("Balance unavailable: %v", err))
	}

	if s.PerTradeRiskPct > 0 {
		adverse := req.AdverseMove
		if adverse <= 0 {
			adverse = g.cfg.DefaultAdverseMove
		}
		risk := math.Abs(req.Size) * req.MidPrice * adverse
		if limit := balance * s.PerTradeRiskPct; risk > limit {
			return g.reject(CheckPerTrade, fmt.Sprintf("Per-trade risk %.2f exceeds limit %.2f", risk, limit))
		}
	}

	g.mu.Lock()
	st := g.stateLocked(req.UserID, balance)
	var check, reason string
	switch {
	case s.MaxLossPct > 0 && st.DailyLoss < -(balance*s.MaxLossPct):
		check = CheckDailyLoss
		reason = fmt.Sprintf("Daily loss %.2f exceeds limit %.2f", -st.DailyLoss, balance*s.MaxLossPct)
	case s.MaxDrawdownPct > 0 && st.PeakBalance > 0 && (st.PeakBalance-balance) > st.PeakBalance*s.MaxDrawdownPct:
		check = CheckDrawdown
		reason = fmt.Sprintf("Drawdown %.2f%% exceeds limit %.2f%%",
			(st.PeakBalance-balance)/st.PeakBalance*100, s.MaxDrawdownPct*100)
	}
	if check != "" {
		g.pauseLocked(st, reason, g.now())
	}
	g.mu.Unlock()

	if check != "" {
		g.metrics.RiskPaused(check)
		g.announcePause(req.UserID, reason)
		return g.reject(check, reason)
	}
	return Decision{Allowed: true}
}

// checkPauseState covers the stored status, the internal pause and the
// consecutive failure counter.
func (g *Gate) checkPauseState(s settings.Settings) (Decision, bool) {
	now := g.now()

	g.mu.Lock()
	st := g.states[s.UserID]
	ownsPause := st != nil && st.Paused

	if s.Paused() && !ownsPause {
		g.mu.Unlock()
		reason := "Trading paused"
		if s.PausedReason != "" {
			reason += ": " + s.PausedReason
		}
		return g.reject(CheckPaused, reason), false
	}

	resumed := false
	if ownsPause {
		since := st.PausedSince
		if st.LastFailureTime.After(since) {
			since = st.LastFailureTime
		}
		if now.Sub(since) < g.cfg.Cooldown {
			reason := st.PausedReason
			g.mu.Unlock()
			return g.reject(CheckCooldown, reason), false
		}
		st.Paused, st.PausedReason, st.PausedSince = false, "", time.Time{}
		st.ConsecutiveFailures = 0
		resumed = true
	}

	var pauseReason string
	if st != nil && st.ConsecutiveFailures >= g.cfg.FailureThreshold {
		if now.Sub(st.LastFailureTime) < g.cfg.Cooldown {
			pauseReason = fmt.Sprintf("%d consecutive failures", st.ConsecutiveFailures)
			g.pauseLocked(st, pauseReason, st.LastFailureTime)
		} else {
			st.ConsecutiveFailures = 0
		}
	}
	g.mu.Unlock()

	if resumed {
		log.Printf("[risk] user %s resumed after cooldown", s.UserID)
		if s.Paused() {
			g.writeStatus(s.UserID, settings.StatusActive, "")
		}
	}
	if pauseReason != "" {
		g.metrics.RiskPaused(CheckFailures)
		g.announcePause(s.UserID, pauseReason)
		return g.reject(CheckFailures, pauseReason), false
	}
	return Decision{}, true
}

// RecordTradeResult folds one execution outcome into the user's counters.
func (g *Gate) RecordTradeResult(ctx context.Context, userID string, pnl float64, success bool) {
	balance, err := g.balance(ctx, userID)
	known := err == nil

	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.stateLocked(userID, balance)

	today := g.now().UTC().Format(time.DateOnly)
	if st.Day != today {
		st.Day = today
		st.DailyLoss = 0
		if known {
			st.DailyStartBalance = balance
		}
	}
	st.DailyLoss += pnl
	if known && balance > st.PeakBalance {
		st.PeakBalance = balance
	}
	if success {
		st.ConsecutiveFailures = 0
	} else {
		st.ConsecutiveFailures++
		st.LastFailureTime = g.now()
	}
}

// State returns a copy of the user's counters.
func (g *Gate) State(userID string) (State, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.states[userID]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// Resume clears the user's counters and marks settings active again.
func (g *Gate) Resume(ctx context.Context, userID string) error {
	g.mu.Lock()
	delete(g.states, userID)
	g.mu.Unlock()
	if err := g.settings.SetStatus(ctx, userID, settings.StatusActive, ""); err != nil {
		return fmt.Errorf("resume %s: %w", userID, err)
	}
	return nil
}

func (g *Gate) stateLocked(userID string, balance float64) *State {
	st, ok := g.states[userID]
	if !ok {
		st = &State{
			UserID:            userID,
			Day:               g.now().UTC().Format(time.DateOnly),
			DailyStartBalance: balance,
			PeakBalance:       balance,
		}
		g.states[userID] = st
	}
	if st.PeakBalance <= 0 && balance > 0 {
		st.PeakBalance = balance
	}
	return st
}

// pauseLocked pauses the user; the cooldown counts from since.
func (g *Gate) pauseLocked(st *State, reason string, since time.Time) {
	st.Paused = true
	st.PausedReason = reason
	st.PausedSince = since
}

// announcePause persists the pause and asks the engines to stop. The status
// write is bounded; the stop request runs on its own goroutine because it
// usually comes from inside the cycle that is being stopped.
func (g *Gate) announcePause(userID, reason string) {
	log.Printf("[risk] ⛔ pausing user %s: %s", userID, reason)
	g.writeStatus(userID, settings.StatusPaused, reason)

	g.mu.Lock()
	handler := g.onPause
	g.mu.Unlock()
	if handler != nil {
		go handler(userID, reason)
	}
}

func (g *Gate) writeStatus(userID, status, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.StatusWriteTimeout)
	defer cancel()
	if err := g.settings.SetStatus(ctx, userID, status, reason); err != nil {
		log.Printf("[risk] write status %s for %s: %v", status, userID, err)
	}
}

func (g *Gate) balance(ctx context.Context, userID string) (float64, error) {
	if g.balances == nil {
		return 0, errors.New("no balance source")
	}
	return g.balances.Balance(ctx, userID)
}

func (g *Gate) reject(check, reason string) Decision {
	g.metrics.RiskRejected(check)
	return Decision{Allowed: false, Reason: reason, Check: check}
}
