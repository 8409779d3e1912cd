// Package autotrade runs the signal-driven loop: research, gates, risk check,
// strategy, order, then a throttled pass over open positions' exits.
package autotrade

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"trading-control/internal/monitor"
	"trading-control/internal/notify"
	"trading-control/internal/persistence"
	"trading-control/internal/portfolio"
	"trading-control/internal/research"
	"trading-control/internal/risk"
	"trading-control/internal/settings"
	"trading-control/internal/strategy"
	"trading-control/pkg/exchanges/common"
)

// Engine is the label used in journals, notifications and metrics.
const Engine = "auto_trade"

const (
	DefaultPeriod    = 5 * time.Second
	exitCheckEvery   = 2 * time.Second
	stopWait         = 5 * time.Second
	orderbookDepth   = 20
	defaultAdverse   = 0.01
	sizeDecimalPlace = 6
)

var (
	ErrAlreadyRunning = errors.New("autotrade: already running")
	ErrNotAttached    = errors.New("autotrade: no exchange attached")
)

// Exchange is what the loop trades through.
type Exchange interface {
	common.Gateway
	common.MarketData
}

// RiskGate is the subset of *risk.Gate the loop calls.
type RiskGate interface {
	CanTrade(ctx context.Context, req risk.Request) risk.Decision
	RecordTradeResult(ctx context.Context, userID string, pnl float64, success bool)
}

// Deps are the collaborators shared by every user's loop.
type Deps struct {
	Settings   settings.Provider
	Research   research.Provider
	Gate       RiskGate
	Balances   risk.BalanceSource
	Book       *portfolio.Book
	Strategies *strategy.Registry
	Journal    persistence.Recorder
	Notifier   notify.Publisher
	Metrics    *monitor.Metrics
}

// Status is an in-memory snapshot of the loop.
type Status struct {
	Running    bool          `json:"running"`
	Symbol     string        `json:"symbol,omitempty"`
	Period     time.Duration `json:"period"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
	Cycles     int64         `json:"cycles"`
	Executed   int64         `json:"executed"`
	Skipped    int64         `json:"skipped"`
	Errors     int64         `json:"errors"`
	LastReason string        `json:"last_reason,omitempty"`
}

// Loop is one user's auto-trade session.
type Loop struct {
	userID string
	deps   Deps
	now    func() time.Time

	mu        sync.Mutex
	exchange  Exchange
	exits     common.PositionManager
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	status    Status
	lastExits time.Time
}

func New(userID string, deps Deps) *Loop {
	if deps.Strategies == nil {
		deps.Strategies = strategy.NewRegistry()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Discard{}
	}
	if deps.Journal == nil {
		deps.Journal = persistence.NewMemory()
	}
	return &Loop{userID: userID, deps: deps, now: time.Now}
}

// Attach sets the exchange. Exits go through the exchange when it manages
// positions itself, otherwise through the portfolio book.
func (l *Loop) Attach(ex Exchange) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.exchange = ex
	l.exits = nil
	if pm, ok := ex.(common.PositionManager); ok {
		l.exits = pm
	} else if l.deps.Book != nil && ex != nil {
		l.exits = portfolio.NewCloser(l.userID, l.deps.Book, ex)
	}
}

// Start runs one cycle right away, then one every period until Stop.
func (l *Loop) Start(symbol string, period time.Duration) error {
	if period <= 0 {
		period = DefaultPeriod
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return ErrAlreadyRunning
	}
	if l.exchange == nil {
		return ErrNotAttached
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.running = true
	l.cancel = cancel
	l.done = make(chan struct{})
	l.status = Status{Running: true, Symbol: symbol, Period: period, StartedAt: l.now()}

	go l.run(ctx, symbol, period, l.done)
	log.Printf("[autotrade] started for user %s on %s every %v", l.userID, symbol, period)
	return nil
}

// Stop ends the schedule and waits briefly for an in-flight cycle. It is a
// no-op when the loop is not running.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	l.status.Running = false
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(stopWait):
		log.Printf("[autotrade] user %s: cycle still running after %v, detaching", l.userID, stopWait)
	}
	log.Printf("[autotrade] stopped for user %s", l.userID)
}

func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

func (l *Loop) run(ctx context.Context, symbol string, period time.Duration, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		l.cycle(ctx, symbol)
		timer.Reset(period)
	}
}

func (l *Loop) attached() (Exchange, common.PositionManager) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exchange, l.exits
}
