// Package quoting runs the market-making loop: post-only quotes around the
// touch, auto-canceled after a short lifetime, with inventory kept from the
// account's order stream.
package quoting

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"trading-control/internal/events"
	"trading-control/internal/monitor"
	"trading-control/internal/notify"
	"trading-control/internal/persistence"
	"trading-control/internal/portfolio"
	"trading-control/internal/risk"
	"trading-control/internal/settings"
	"trading-control/pkg/exchanges/common"
)

// Engine is the label used in journals, notifications and metrics.
const Engine = "market_making"

const (
	DefaultPeriod     = 100 * time.Millisecond
	DefaultCancelMs   = 50
	DefaultDecimals   = 2
	cancelTimeout     = 2 * time.Second
	stopWait          = 5 * time.Second
	closedRetention   = time.Minute
	inventorySkewFrac = 0.3
	qtyEpsilon        = 1e-12

	resubscribeWait = 500 * time.Millisecond // first retry; doubles per attempt
	resubscribeCap  = 30 * time.Second
	maxResubscribes = 5
	streamHealthy   = time.Minute // a stream open this long resets the retry budget
)

var (
	ErrAlreadyRunning = errors.New("quoting: already running")
	ErrNotAttached    = errors.New("quoting: no exchange attached")
)

// RiskGate is the subset of *risk.Gate the loop calls.
type RiskGate interface {
	CanTrade(ctx context.Context, req risk.Request) risk.Decision
	RecordTradeResult(ctx context.Context, userID string, pnl float64, success bool)
}

// Deps are the collaborators shared by every user's loop.
type Deps struct {
	Settings settings.Provider
	Gate     RiskGate
	Book     *portfolio.Book
	Journal  persistence.Recorder
	Notifier notify.Publisher
	Metrics  *monitor.Metrics

	// Inventory is shared by a user's successive sessions; a fresh table
	// per loop when nil.
	Inventory *Inventories
	// OnHalt is asked to stop the session when the order stream cannot be
	// restored. The loop stops itself when nil.
	OnHalt    func(userID, reason string)

	PriceDecimals   int32         // quote price precision; DefaultDecimals when 0
	ResubscribeWait time.Duration // first order stream retry, doubling per attempt
}

// PendingOrder is a resting quote the loop still owns.
type PendingOrder struct {
	OrderID  string      `json:"order_id"`
	ClientID string      `json:"client_id"`
	Symbol   string      `json:"symbol"`
	Side     common.Side `json:"side"`
	Price    float64     `json:"price"`
	Qty      float64     `json:"qty"`
	Filled   float64     `json:"filled"`
	PlacedAt time.Time   `json:"placed_at"`

	timer    *time.Timer
	closedAt time.Time
}

// Status is an in-memory snapshot of the loop.
type Status struct {
	Running     bool          `json:"running"`
	Symbol      string        `json:"symbol,omitempty"`
	Period      time.Duration `json:"period"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	Inventory   float64       `json:"inventory"`
	Pending     int           `json:"pending"`
	TradesToday int           `json:"trades_today"`
	Cycles      int64         `json:"cycles"`
	Placed      int64         `json:"placed"`
	Canceled    int64         `json:"canceled"`
	Fills       int64         `json:"fills"`
	StreamDown  bool          `json:"stream_down,omitempty"`
}

// Loop is one user's quoting session. pending, closed, unknown, inventory
// and the daily count are guarded by mu and shared with the fill handler and
// the auto-cancel timers.
type Loop struct {
	userID string
	deps   Deps
	now    func() time.Time

	resubscribeWait time.Duration

	mu          sync.Mutex
	exchange    common.Exchange
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
	status      Status
	symbol      string
	pending     map[string]*PendingOrder
	closed      map[string]*PendingOrder      // recently canceled, late fills still count
	unknown     map[string]common.OrderUpdate // updates that beat the placement ack
	inventory   float64                       // mirror of deps.Inventory for the session symbol
	streamDown  bool                          // no order stream; fills are not seen, so no quoting
	day         string
	tradesToday int
	lastReject  string
}

func New(userID string, deps Deps) *Loop {
	if deps.Notifier == nil {
		deps.Notifier = notify.Discard{}
	}
	if deps.Journal == nil {
		deps.Journal = persistence.NewMemory()
	}
	if deps.Inventory == nil {
		deps.Inventory = NewInventories()
	}
	if deps.PriceDecimals <= 0 {
		deps.PriceDecimals = DefaultDecimals
	}
	if deps.ResubscribeWait <= 0 {
		deps.ResubscribeWait = resubscribeWait
	}
	return &Loop{
		userID:          userID,
		deps:            deps,
		now:             time.Now,
		resubscribeWait: deps.ResubscribeWait,
		pending:         make(map[string]*PendingOrder),
		closed:          make(map[string]*PendingOrder),
		unknown:         make(map[string]common.OrderUpdate),
	}
}

func (l *Loop) Attach(ex common.Exchange) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.exchange = ex
}

// Start subscribes to order updates, then quotes every period until Stop.
func (l *Loop) Start(symbol string, period time.Duration) error {
	if period <= 0 {
		period = DefaultPeriod
	}
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return ErrAlreadyRunning
	}
	ex := l.exchange
	if ex == nil {
		l.mu.Unlock()
		return ErrNotAttached
	}
	l.running = true
	l.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	updates, err := ex.SubscribeOrderUpdates(ctx)
	if err != nil {
		cancel()
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
		return err
	}

	done := make(chan struct{})
	l.mu.Lock()
	l.cancel = cancel
	l.done = done
	l.symbol = symbol
	l.streamDown = false
	l.inventory = l.deps.Inventory.Get(l.userID, symbol)
	inventory, pending := l.inventory, len(l.pending)
	l.status = Status{Running: true, Symbol: symbol, Period: period, StartedAt: l.now(), Inventory: inventory, Pending: pending}
	l.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		l.run(ctx, symbol, period)
	}()
	go func() {
		defer wg.Done()
		l.consume(ctx, ex, updates)
	}()
	go func() {
		wg.Wait()
		close(done)
	}()

	log.Printf("[quoting] started for user %s on %s every %v", l.userID, symbol, period)
	return nil
}

// Stop ends the schedule, then cancels every pending quote. The pending
// table is empty when Stop returns; cancel failures are only logged.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	l.status.Running = false
	cancel, done, ex := l.cancel, l.done, l.exchange
	l.mu.Unlock()

	cancel()
	if done != nil {
		select {
		case <-done:
		case <-time.After(stopWait):
			log.Printf("[quoting] user %s: cycle still running after %v", l.userID, stopWait)
		}
	}

	l.mu.Lock()
	orders := l.drainPendingLocked()
	l.mu.Unlock()

	for _, o := range orders {
		l.cancelOrder(ex, o, "stop")
	}
	log.Printf("[quoting] stopped for user %s, canceled %d pending", l.userID, len(orders))
}

// drainPendingLocked moves every pending quote to the closed table so late
// fills still count, and returns them for cancellation.
func (l *Loop) drainPendingLocked() []*PendingOrder {
	orders := make([]*PendingOrder, 0, len(l.pending))
	for id, o := range l.pending {
		if o.timer != nil {
			o.timer.Stop()
		}
		o.closedAt = l.now()
		l.closed[id] = o
		delete(l.pending, id)
		orders = append(orders, o)
	}
	l.status.Pending = 0
	l.status.Canceled += int64(len(orders))
	return orders
}

// consume applies order updates until the session ends. A stream the venue
// closes while the session runs is resubscribed with backoff; resting quotes
// are pulled and quoting waits meanwhile. When the retry budget runs out the
// session is halted.
func (l *Loop) consume(ctx context.Context, ex common.Exchange, updates <-chan common.OrderUpdate) {
	failures := 0
	for {
		opened := l.now()
		delivered := false
		for u := range updates {
			delivered = true
			l.onUpdate(u)
		}
		if ctx.Err() != nil {
			return
		}
		if delivered || l.now().Sub(opened) >= streamHealthy {
			failures = 0
		}
		l.streamLost(ex, failures == 0)

		for {
			failures++
			if failures > maxResubscribes {
				l.halt(fmt.Sprintf("Order stream lost after %d resubscribe attempts", maxResubscribes))
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.backoff(failures)):
			}
			ch, err := ex.SubscribeOrderUpdates(ctx)
			if err == nil {
				updates = ch
				break
			}
			log.Printf("[quoting] user %s resubscribe attempt %d: %v", l.userID, failures, err)
		}

		l.mu.Lock()
		l.streamDown = false
		l.mu.Unlock()
		log.Printf("[quoting] user %s order stream restored", l.userID)
	}
}

func (l *Loop) backoff(attempt int) time.Duration {
	wait := l.resubscribeWait << (attempt - 1)
	if wait <= 0 || wait > resubscribeCap {
		wait = resubscribeCap
	}
	return wait
}

// streamLost stops quoting and cancels resting quotes, since their fills
// would go unseen.
func (l *Loop) streamLost(ex common.Exchange, alert bool) {
	l.mu.Lock()
	l.streamDown = true
	symbol := l.symbol
	orders := l.drainPendingLocked()
	l.mu.Unlock()

	for _, o := range orders {
		l.cancelOrder(ex, o, "stream")
	}
	log.Printf("[quoting] user %s order stream closed, canceled %d pending", l.userID, len(orders))
	if alert {
		l.publish(events.TopicRiskAlert, symbol, map[string]any{"reason": "Order stream lost, quoting paused"})
	}
}

// halt ends a session whose order stream cannot be restored.
func (l *Loop) halt(reason string) {
	l.mu.Lock()
	symbol := l.symbol
	l.mu.Unlock()

	log.Printf("[quoting] user %s halting: %s", l.userID, reason)
	l.publish(events.TopicRiskAlert, symbol, map[string]any{"reason": reason})
	if l.deps.OnHalt != nil {
		go l.deps.OnHalt(l.userID, reason)
		return
	}
	go l.Stop()
}

func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.status
	st.Inventory = l.inventory
	st.Pending = len(l.pending)
	st.TradesToday = l.tradesToday
	st.StreamDown = l.streamDown
	return st
}

// Pending returns a snapshot of the resting quotes.
func (l *Loop) Pending() []PendingOrder {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]PendingOrder, 0, len(l.pending))
	for _, o := range l.pending {
		out = append(out, *o)
	}
	return out
}

// Inventory is the user's signed quoting position on the session symbol,
// carried across sessions.
func (l *Loop) Inventory() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inventory
}

func (l *Loop) run(ctx context.Context, symbol string, period time.Duration) {
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

// cancelOrder asks the venue to cancel with a fresh bounded context, so it
// works after the loop context is gone.
func (l *Loop) cancelOrder(ex common.Exchange, o *PendingOrder, reason string) {
	l.deps.Metrics.PendingRemoved(Engine, reason)
	if ex == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	if err := ex.CancelOrder(ctx, o.Symbol, o.OrderID); err != nil {
		log.Printf("[quoting] user %s cancel %s (%s): %v", l.userID, o.OrderID, reason, err)
	}
}
