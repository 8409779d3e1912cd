package portfolio

import (
	"context"
	"fmt"
	"log"

	"trading-control/pkg/exchanges/common"
)

// Closer exits positions tracked by the book with opposite market orders, for
// venues that do not manage positions themselves.
type Closer struct {
	userID string
	book   *Book
	gw     common.Gateway
}

var _ common.PositionManager = (*Closer)(nil)

func NewCloser(userID string, book *Book, gw common.Gateway) *Closer {
	return &Closer{userID: userID, book: book, gw: gw}
}

func (c *Closer) OpenPositions(_ context.Context, symbol string) ([]common.OpenPosition, error) {
	return c.book.Open(c.userID, symbol), nil
}

func (c *Closer) ClosePosition(ctx context.Context, pos common.OpenPosition, reason string) (common.CloseResult, error) {
	side := pos.Side.Opposite()
	res, err := c.gw.SubmitOrder(ctx, common.OrderRequest{
		Symbol: pos.Symbol,
		Side:   side,
		Type:   common.OrderTypeMarket,
		Qty:    pos.Qty,
	})
	if err != nil {
		return common.CloseResult{}, fmt.Errorf("close %s %s: %w", pos.Symbol, pos.Side, err)
	}

	qty, price := res.FilledQty, res.AvgPrice
	if qty <= 0 {
		qty = pos.Qty
	}
	if price <= 0 {
		price = pos.EntryPrice
	}
	pnl, _ := c.book.RecordFill(ctx, c.userID, pos.Symbol, side, qty, price)
	log.Printf("[portfolio] closed %s %s %.8f @ %.8f for %s (%s), pnl %.4f",
		pos.Symbol, pos.Side, qty, price, c.userID, reason, pnl)
	return common.CloseResult{OrderID: res.ExchangeOrderID, Price: price, Qty: qty, RealizedPnL: pnl}, nil
}
