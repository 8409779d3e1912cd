package quoting

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trading-control/internal/events"
	"trading-control/internal/persistence"
	"trading-control/internal/risk"
	"trading-control/internal/settings"
	"trading-control/pkg/db"
	"trading-control/pkg/exchanges/common"
)

// Cycle outcomes reported to metrics.
const (
	outcomeIdle   = "idle"
	outcomeQuoted = "quoted"
	outcomeError  = "error"
)

func (l *Loop) cycle(ctx context.Context, symbol string) {
	started := l.now()
	outcome := outcomeIdle
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[quoting] user %s cycle panic: %v", l.userID, r)
			outcome = outcomeError
		}
		l.mu.Lock()
		l.status.Cycles++
		l.mu.Unlock()
		l.deps.Metrics.CycleCompleted(Engine, outcome, l.now().Sub(started))
	}()

	placed, err := l.quote(ctx, symbol)
	switch {
	case err != nil:
		if ctx.Err() == nil {
			log.Printf("[quoting] user %s cycle error on %s: %v", l.userID, symbol, err)
		}
		outcome = outcomeError
	case placed > 0:
		outcome = outcomeQuoted
	}
}

// quote runs one cycle and returns how many orders it placed.
func (l *Loop) quote(ctx context.Context, symbol string) (int, error) {
	s, err := l.deps.Settings.Get(ctx, l.userID)
	if errors.Is(err, settings.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load settings: %w", err)
	}
	if !s.Enabled {
		return 0, nil
	}

	l.mu.Lock()
	l.rollDayLocked()
	l.pruneLocked()
	capped := s.MaxTradesPerDay > 0 && l.tradesToday >= s.MaxTradesPerDay
	down := l.streamDown
	ex := l.exchange
	l.mu.Unlock()
	if capped || down {
		return 0, nil
	}

	book, err := ex.GetOrderbook(ctx, symbol, 5)
	if err != nil {
		return 0, fmt.Errorf("orderbook: %w", err)
	}
	bid, ask, ok := book.Best()
	if !ok {
		return 0, fmt.Errorf("orderbook: empty book for %s", symbol)
	}
	mid := (bid + ask) / 2
	if spreadPct := (ask - bid) / mid * 100; spreadPct < s.MinSpreadPct {
		return 0, nil
	}

	l.cancelAdverse(ex, mid, s.AdversePct)

	buyPx, sellPx := quotePrices(bid, ask, s.AdversePct, l.deps.PriceDecimals)
	placed := 0
	for _, side := range l.sidesToQuote(s.MaxPos) {
		if l.hasPending(side) {
			continue
		}
		price := buyPx
		if side == common.SideSell {
			price = sellPx
		}

		verdict := l.deps.Gate.CanTrade(ctx, risk.Request{
			UserID:      l.userID,
			Symbol:      symbol,
			Size:        side.Sign() * s.QuoteSize,
			MidPrice:    mid,
			AdverseMove: s.AdversePct / 100,
		})
		if !verdict.Allowed {
			l.rejected(symbol, verdict)
			continue
		}
		if err := l.place(ctx, ex, symbol, side, price, s); err != nil {
			return placed, err
		}
		placed++
	}
	return placed, nil
}

// quotePrices offsets each side from the touch by half the adverse move and
// rounds away from the touch.
func quotePrices(bid, ask, adversePct float64, places int32) (buy, sell float64) {
	half := decimal.NewFromFloat(adversePct).Div(decimal.NewFromInt(200))
	one := decimal.NewFromInt(1)
	buy, _ = decimal.NewFromFloat(bid).Mul(one.Sub(half)).RoundFloor(places).Float64()
	sell, _ = decimal.NewFromFloat(ask).Mul(one.Add(half)).RoundCeil(places).Float64()
	return buy, sell
}

// sidesToQuote skews quoting toward flat once inventory passes 30% of maxPos.
func (l *Loop) sidesToQuote(maxPos float64) []common.Side {
	inv := l.Inventory()
	limit := maxPos * inventorySkewFrac
	switch {
	case inv > limit:
		return []common.Side{common.SideSell}
	case inv < -limit:
		return []common.Side{common.SideBuy}
	}
	return []common.Side{common.SideBuy, common.SideSell}
}

func (l *Loop) hasPending(side common.Side) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, o := range l.pending {
		if o.Side == side {
			return true
		}
	}
	return false
}

// cancelAdverse pulls quotes the market has moved through by more than
// adversePct percent of their price.
func (l *Loop) cancelAdverse(ex common.Exchange, mid, adversePct float64) {
	if adversePct <= 0 {
		return
	}
	var stale []*PendingOrder
	l.mu.Lock()
	for id, o := range l.pending {
		move := (o.Price - mid) / o.Price * 100
		if o.Side == common.SideSell {
			move = -move
		}
		if move > adversePct {
			if o.timer != nil {
				o.timer.Stop()
			}
			o.closedAt = l.now()
			l.closed[id] = o
			delete(l.pending, id)
			l.status.Canceled++
			stale = append(stale, o)
		}
	}
	l.mu.Unlock()

	for _, o := range stale {
		log.Printf("[quoting] user %s %s %s @ %g: Adverse move beyond %.3f%%", l.userID, o.Side, o.OrderID, o.Price, adversePct)
		l.cancelOrder(ex, o, "adverse")
	}
}

func (l *Loop) place(ctx context.Context, ex common.Exchange, symbol string, side common.Side, price float64, s settings.Settings) error {
	req := common.OrderRequest{
		Symbol:      symbol,
		Side:        side,
		Type:        common.OrderTypeLimitMaker,
		Qty:         s.QuoteSize,
		Price:       price,
		TimeInForce: common.TIFGTC,
		ClientID:    "mm-" + uuid.NewString()[:18],
	}
	res, err := ex.SubmitOrder(ctx, req)
	if err != nil {
		if ctx.Err() == nil {
			l.deps.Gate.RecordTradeResult(ctx, l.userID, 0, false)
		}
		return fmt.Errorf("place %s @ %g: %w", side, price, err)
	}
	l.deps.Gate.RecordTradeResult(ctx, l.userID, 0, true)
	l.deps.Metrics.OrderPlaced(Engine, string(side))

	after := s.CancelAfter()
	if after <= 0 {
		after = DefaultCancelMs * time.Millisecond
	}
	o := &PendingOrder{
		OrderID:  res.ExchangeOrderID,
		ClientID: req.ClientID,
		Symbol:   symbol,
		Side:     side,
		Price:    price,
		Qty:      req.Qty,
		PlacedAt: l.now(),
	}

	l.mu.Lock()
	if !l.running {
		// Stop already drained the table.
		l.mu.Unlock()
		l.deps.Metrics.PendingAdded(Engine)
		l.cancelOrder(ex, o, "stop")
		return nil
	}
	l.pending[o.OrderID] = o
	l.status.Placed++
	l.deps.Metrics.PendingAdded(Engine)
	o.timer = time.AfterFunc(after, func() { l.autoCancel(o.OrderID, after) })
	var early []fill
	if u, ok := l.unknown[o.OrderID]; ok {
		delete(l.unknown, o.OrderID)
		early = l.applyLocked(o, u)
	}
	if res.FilledQty > 0 {
		early = append(early, l.applyLocked(o, common.OrderUpdate{
			ExchangeOrderID: o.OrderID, Status: res.Status, FilledQty: res.FilledQty, LastPrice: res.AvgPrice,
		})...)
	}
	l.mu.Unlock()

	l.afterFills(early)
	l.deps.Journal.RecordExecution(db.ExecutionLog{
		UserID:   l.userID,
		Engine:   Engine,
		Symbol:   symbol,
		Status:   persistence.StatusPlaced,
		Side:     string(side),
		Qty:      req.Qty,
		Price:    price,
		OrderIDs: o.OrderID,
	})
	l.publish(events.TopicOrderPlaced, symbol, *o)
	return nil
}

// autoCancel fires from the order's timer.
func (l *Loop) autoCancel(orderID string, after time.Duration) {
	l.mu.Lock()
	o, ok := l.pending[orderID]
	if !ok {
		l.mu.Unlock()
		return
	}
	delete(l.pending, orderID)
	o.closedAt = l.now()
	l.closed[orderID] = o
	l.status.Canceled++
	ex := l.exchange
	l.mu.Unlock()

	reason := fmt.Sprintf("Auto-canceled after %dms", after.Milliseconds())
	log.Printf("[quoting] user %s %s %s @ %g: %s", l.userID, o.Side, orderID, o.Price, reason)
	l.cancelOrder(ex, o, "timeout")
	l.publish(events.TopicOrderCanceled, o.Symbol, map[string]any{"order_id": orderID, "reason": reason})
}

// rejected publishes a risk alert when the rejection reason changes.
func (l *Loop) rejected(symbol string, d risk.Decision) {
	l.mu.Lock()
	changed := l.lastReject != d.Reason
	l.lastReject = d.Reason
	l.mu.Unlock()
	if changed {
		log.Printf("[quoting] user %s quote rejected: %s", l.userID, d.Reason)
		l.publish(events.TopicRiskAlert, symbol, d)
	}
}

func (l *Loop) rollDayLocked() {
	today := l.now().UTC().Format(time.DateOnly)
	if today != l.day {
		l.day = today
		l.tradesToday = 0
	}
}

func (l *Loop) pruneLocked() {
	cutoff := l.now().Add(-closedRetention)
	for id, o := range l.closed {
		if o.closedAt.Before(cutoff) {
			delete(l.closed, id)
		}
	}
	for id, u := range l.unknown {
		if u.EventTime.Before(cutoff) {
			delete(l.unknown, id)
		}
	}
}

func (l *Loop) publish(topic events.Topic, symbol string, payload any) {
	l.deps.Notifier.Publish(events.Message{
		Topic:   topic,
		UserID:  l.userID,
		Engine:  Engine,
		Symbol:  symbol,
		Payload: payload,
	})
}
