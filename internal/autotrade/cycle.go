package autotrade

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trading-control/internal/events"
	"trading-control/internal/persistence"
	"trading-control/internal/research"
	"trading-control/internal/risk"
	"trading-control/internal/settings"
	"trading-control/internal/strategy"
	"trading-control/pkg/db"
	"trading-control/pkg/exchanges/common"
)

// cycle never lets an error or panic escape, so the schedule keeps running.
func (l *Loop) cycle(ctx context.Context, symbol string) {
	started := l.now()
	defer func() {
		if r := recover(); r != nil {
			l.fail(ctx, symbol, fmt.Errorf("panic: %v", r), started)
		}
	}()

	if err := l.trade(ctx, symbol, started); err != nil {
		l.fail(ctx, symbol, err, started)
	}
	l.checkExits(ctx, symbol)
}

func (l *Loop) trade(ctx context.Context, symbol string, started time.Time) error {
	ex, _ := l.attached()
	if ex == nil {
		return ErrNotAttached
	}

	res, err := l.deps.Research.Run(ctx, symbol, l.userID)
	if err != nil {
		return fmt.Errorf("research: %w", err)
	}
	l.publish(events.TopicResearch, symbol, res)

	s, err := l.deps.Settings.Get(ctx, l.userID)
	if errors.Is(err, settings.ErrNotFound) {
		l.skip(symbol, res, "No settings found", started)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	switch {
	case !s.AutoTradeEnabled:
		l.skip(symbol, res, "Auto-trade disabled", started)
		return nil
	case res.Accuracy < s.MinAccuracyThreshold:
		l.skip(symbol, res, fmt.Sprintf("Accuracy %.1f%% below threshold %.1f%%",
			res.Accuracy*100, s.MinAccuracyThreshold*100), started)
		return nil
	case res.Signal == research.SignalHold:
		l.skip(symbol, res, "HOLD signal", started)
		return nil
	}

	book, err := ex.GetOrderbook(ctx, symbol, orderbookDepth)
	if err != nil {
		return fmt.Errorf("orderbook: %w", err)
	}
	mid, ok := book.Mid()
	if !ok {
		return fmt.Errorf("orderbook: empty book for %s", symbol)
	}

	size := l.size(ctx, s, mid)
	if size <= 0 {
		l.skip(symbol, res, "Position size is zero", started)
		return nil
	}
	side := common.SideBuy
	if res.Signal == research.SignalSell {
		side = common.SideSell
	}

	verdict := l.deps.Gate.CanTrade(ctx, risk.Request{
		UserID:      l.userID,
		Symbol:      symbol,
		Size:        side.Sign() * size,
		MidPrice:    mid,
		AdverseMove: s.StopLossPct,
	})
	if !verdict.Allowed {
		l.skip(symbol, res, verdict.Reason, started)
		l.publish(events.TopicRiskAlert, symbol, verdict)
		return nil
	}

	strat := l.deps.Strategies.Resolve(s.Strategy)
	decision := strat.Decide(strategy.Input{Signal: res, Book: book, Size: size, Settings: s})
	if decision.Hold {
		l.skip(symbol, res, decision.Reason, started)
		return nil
	}

	req := decision.Order(symbol)
	req.ClientID = "at-" + uuid.NewString()[:18]
	placed := l.now()
	result, err := ex.SubmitOrder(ctx, req)
	if err != nil {
		return fmt.Errorf("submit %s %s: %w", req.Side, req.Type, err)
	}
	latency := l.now().Sub(placed)

	fillPrice := result.AvgPrice
	if fillPrice <= 0 {
		fillPrice = decision.Price
	}
	var slippageBps float64
	if decision.Price > 0 {
		slippageBps = (fillPrice - decision.Price) / decision.Price * 10000 * decision.Side.Sign()
	}

	if result.FilledQty > 0 {
		if l.deps.Book != nil {
			l.deps.Book.RecordFill(ctx, l.userID, symbol, decision.Side, result.FilledQty, fillPrice)
			l.deps.Book.Arm(l.userID, symbol, decision.StopLoss, decision.TakeProfit, s.MaxHold())
		}
		l.deps.Journal.RecordTrade(db.Trade{
			UserID:  l.userID,
			Engine:  Engine,
			OrderID: result.ExchangeOrderID,
			Symbol:  symbol,
			Side:    string(decision.Side),
			Price:   fillPrice,
			Qty:     result.FilledQty,
		})
	}
	l.deps.Gate.RecordTradeResult(ctx, l.userID, 0, true)
	l.deps.Metrics.OrderPlaced(Engine, string(decision.Side))
	l.deps.Metrics.Execution(latency, slippageBps)

	l.mu.Lock()
	l.status.Cycles++
	l.status.Executed++
	l.status.LastReason = decision.Reason
	l.mu.Unlock()

	l.deps.Journal.RecordExecution(db.ExecutionLog{
		UserID:      l.userID,
		Engine:      Engine,
		Symbol:      symbol,
		Status:      persistence.StatusExecuted,
		Reason:      decision.Reason,
		Signal:      res.Signal,
		Accuracy:    res.Accuracy,
		Side:        string(decision.Side),
		Qty:         result.FilledQty,
		Price:       fillPrice,
		LatencyMs:   float64(latency.Microseconds()) / 1000,
		SlippageBps: slippageBps,
		OrderIDs:    result.ExchangeOrderID,
	})
	l.publish(events.TopicTradeExecuted, symbol, map[string]any{
		"order_id":     result.ExchangeOrderID,
		"status":       result.Status,
		"side":         decision.Side,
		"type":         req.Type,
		"qty":          result.FilledQty,
		"price":        fillPrice,
		"intended":     decision.Price,
		"latency_ms":   float64(latency.Microseconds()) / 1000,
		"slippage_bps": slippageBps,
		"strategy":     strat.Name(),
	})
	l.deps.Metrics.CycleCompleted(Engine, persistence.StatusExecuted, l.now().Sub(started))
	log.Printf("[autotrade] user %s %s %s %.8f @ %.8f (%s, %.1fbps)",
		l.userID, decision.Side, symbol, result.FilledQty, fillPrice, strat.Name(), slippageBps)
	return nil
}

// size is the configured quote size, or the largest size the per-trade risk
// budget allows when none is configured.
func (l *Loop) size(ctx context.Context, s settings.Settings, mid float64) float64 {
	if s.QuoteSize > 0 {
		return s.QuoteSize
	}
	if l.deps.Balances == nil || s.PerTradeRiskPct <= 0 || mid <= 0 {
		return 0
	}
	balance, err := l.deps.Balances.Balance(ctx, l.userID)
	if err != nil || balance <= 0 {
		return 0
	}
	adverse := s.StopLossPct
	if adverse <= 0 {
		adverse = defaultAdverse
	}
	raw := balance * s.PerTradeRiskPct / (mid * adverse)
	size, _ := decimal.NewFromFloat(raw).RoundFloor(sizeDecimalPlace).Float64()
	return math.Max(size, 0)
}

func (l *Loop) skip(symbol string, res research.Result, reason string, started time.Time) {
	l.mu.Lock()
	l.status.Cycles++
	l.status.Skipped++
	l.status.LastReason = reason
	l.mu.Unlock()

	l.deps.Journal.RecordExecution(db.ExecutionLog{
		UserID:   l.userID,
		Engine:   Engine,
		Symbol:   symbol,
		Status:   persistence.StatusSkipped,
		Reason:   reason,
		Signal:   res.Signal,
		Accuracy: res.Accuracy,
	})
	l.publish(events.TopicTradeSkipped, symbol, map[string]any{
		"reason":   reason,
		"signal":   res.Signal,
		"accuracy": res.Accuracy,
	})
	l.deps.Metrics.CycleCompleted(Engine, persistence.StatusSkipped, l.now().Sub(started))
}

// fail records a cycle error. Errors caused by Stop cancelling the cycle do
// not count as trade failures.
func (l *Loop) fail(ctx context.Context, symbol string, err error, started time.Time) {
	log.Printf("[autotrade] user %s cycle error on %s: %v", l.userID, symbol, err)
	if ctx.Err() == nil {
		l.deps.Gate.RecordTradeResult(ctx, l.userID, 0, false)
	}

	l.mu.Lock()
	l.status.Cycles++
	l.status.Skipped++
	l.status.Errors++
	l.status.LastReason = err.Error()
	l.mu.Unlock()

	l.deps.Journal.RecordExecution(db.ExecutionLog{
		UserID: l.userID,
		Engine: Engine,
		Symbol: symbol,
		Status: persistence.StatusSkipped,
		Reason: err.Error(),
	})
	l.publish(events.TopicTradeSkipped, symbol, map[string]any{"reason": err.Error(), "error": true})
	l.deps.Metrics.CycleCompleted(Engine, "error", l.now().Sub(started))
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
