package quoting

import (
	"context"
	"log"
	"math"

	"trading-control/internal/events"
	"trading-control/pkg/db"
	"trading-control/pkg/exchanges/common"
)

type fill struct {
	order   PendingOrder
	qty     float64
	price   float64
	fee     float64
	removed bool
}

// onUpdate applies one order stream event. Updates for orders the loop does
// not know yet are parked until the placement ack registers them.
func (l *Loop) onUpdate(u common.OrderUpdate) {
	l.mu.Lock()
	var fills []fill
	switch {
	case l.pending[u.ExchangeOrderID] != nil:
		fills = l.applyLocked(l.pending[u.ExchangeOrderID], u)
	case l.closed[u.ExchangeOrderID] != nil:
		fills = l.applyLocked(l.closed[u.ExchangeOrderID], u)
	default:
		if u.EventTime.IsZero() {
			u.EventTime = l.now()
		}
		if prev, ok := l.unknown[u.ExchangeOrderID]; !ok || u.FilledQty >= prev.FilledQty {
			l.unknown[u.ExchangeOrderID] = u
		}
	}
	l.mu.Unlock()

	l.afterFills(fills)
}

// applyLocked moves inventory by the newly filled quantity and retires the
// order once it is done.
func (l *Loop) applyLocked(o *PendingOrder, u common.OrderUpdate) []fill {
	var out []fill
	delta := u.FilledQty - o.Filled
	if delta > qtyEpsilon {
		o.Filled = u.FilledQty
		l.inventory = l.deps.Inventory.Add(l.userID, o.Symbol, o.Side.Sign()*delta)
		l.tradesToday++
		l.status.Fills++
		price := u.LastPrice
		if price <= 0 {
			price = o.Price
		}
		out = append(out, fill{order: *o, qty: delta, price: price, fee: u.Fee})
	}

	done := o.Filled >= o.Qty-qtyEpsilon || u.Status.Terminal()
	if _, live := l.pending[o.OrderID]; live && done {
		if o.timer != nil {
			o.timer.Stop()
		}
		delete(l.pending, o.OrderID)
		o.closedAt = l.now()
		l.closed[o.OrderID] = o
		reason := "filled"
		if o.Filled < o.Qty-qtyEpsilon {
			reason = "venue"
			l.status.Canceled++
		}
		l.deps.Metrics.PendingRemoved(Engine, reason)
		if len(out) > 0 {
			out[len(out)-1].removed = true
		}
	}
	return out
}

// afterFills does the I/O for fills applied under the lock.
func (l *Loop) afterFills(fills []fill) {
	for _, f := range fills {
		o := f.order
		if l.deps.Book != nil {
			l.deps.Book.RecordFill(context.Background(), l.userID, o.Symbol, o.Side, f.qty, f.price)
		}
		l.deps.Journal.RecordTrade(db.Trade{
			UserID:  l.userID,
			Engine:  Engine,
			OrderID: o.OrderID,
			Symbol:  o.Symbol,
			Side:    string(o.Side),
			Price:   f.price,
			Qty:     f.qty,
			Fee:     f.fee,
		})
		l.deps.Metrics.Fill(Engine, string(o.Side))
		full := math.Abs(o.Filled-o.Qty) <= qtyEpsilon
		log.Printf("[quoting] user %s fill %s %s %.8f @ %g (%.8f/%.8f)",
			l.userID, o.Side, o.OrderID, f.qty, f.price, o.Filled, o.Qty)
		l.publish(events.TopicOrderFilled, o.Symbol, map[string]any{
			"order_id": o.OrderID,
			"side":     o.Side,
			"qty":      f.qty,
			"price":    f.price,
			"filled":   o.Filled,
			"full":     full,
			"removed":  f.removed,
		})
	}
}
