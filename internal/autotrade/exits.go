package autotrade

import (
	"context"
	"log"
	"time"

	"trading-control/internal/events"
	"trading-control/internal/persistence"
	"trading-control/pkg/db"
	"trading-control/pkg/exchanges/common"
)

const (
	ReasonStopLoss   = "Stop loss hit"
	ReasonTakeProfit = "Take profit hit"
	ReasonTimeExit   = "Time-based exit"
)

// checkExits runs at most once per exitCheckEvery across cycles.
func (l *Loop) checkExits(ctx context.Context, symbol string) {
	now := l.now()
	l.mu.Lock()
	if now.Sub(l.lastExits) < exitCheckEvery {
		l.mu.Unlock()
		return
	}
	l.lastExits = now
	ex, exits := l.exchange, l.exits
	l.mu.Unlock()
	if ex == nil || exits == nil {
		return
	}

	positions, err := exits.OpenPositions(ctx, symbol)
	if err != nil {
		log.Printf("[autotrade] user %s open positions: %v", l.userID, err)
		return
	}
	if len(positions) == 0 {
		return
	}
	book, err := ex.GetOrderbook(ctx, symbol, 5)
	if err != nil {
		log.Printf("[autotrade] user %s exit check orderbook: %v", l.userID, err)
		return
	}
	mid, ok := book.Mid()
	if !ok {
		return
	}

	for _, pos := range positions {
		reason := exitReason(pos, mid, now)
		if reason == "" {
			continue
		}
		res, err := exits.ClosePosition(ctx, pos, reason)
		if err != nil {
			log.Printf("[autotrade] user %s close %s %s (%s): %v", l.userID, pos.Symbol, pos.Side, reason, err)
			continue
		}
		log.Printf("[autotrade] user %s %s %s closed: %s, pnl %.4f", l.userID, pos.Symbol, pos.Side, reason, res.RealizedPnL)
		l.deps.Gate.RecordTradeResult(ctx, l.userID, res.RealizedPnL, true)

		closing := pos.Side.Opposite()
		l.deps.Journal.RecordTrade(db.Trade{
			UserID:  l.userID,
			Engine:  Engine,
			OrderID: res.OrderID,
			Symbol:  pos.Symbol,
			Side:    string(closing),
			Price:   res.Price,
			Qty:     res.Qty,
		})
		l.deps.Journal.RecordExecution(db.ExecutionLog{
			UserID:   l.userID,
			Engine:   Engine,
			Symbol:   pos.Symbol,
			Status:   persistence.StatusExit,
			Reason:   reason,
			Side:     string(closing),
			Qty:      res.Qty,
			Price:    res.Price,
			OrderIDs: res.OrderID,
		})
		l.publish(events.TopicPositionExit, pos.Symbol, map[string]any{
			"reason":       reason,
			"side":         pos.Side,
			"entry":        pos.EntryPrice,
			"exit":         res.Price,
			"qty":          res.Qty,
			"realized_pnl": res.RealizedPnL,
		})
	}
}

// exitReason reports which exit, if any, pos has breached at mid.
func exitReason(pos common.OpenPosition, mid float64, now time.Time) string {
	long := pos.Side != common.SideSell
	switch {
	case pos.StopLoss > 0 && long && mid <= pos.StopLoss,
		pos.StopLoss > 0 && !long && mid >= pos.StopLoss:
		return ReasonStopLoss
	case pos.TakeProfit > 0 && long && mid >= pos.TakeProfit,
		pos.TakeProfit > 0 && !long && mid <= pos.TakeProfit:
		return ReasonTakeProfit
	case pos.MaxHold > 0 && !pos.OpenedAt.IsZero() && now.Sub(pos.OpenedAt) >= pos.MaxHold:
		return ReasonTimeExit
	}
	return ""
}
