// Package portfolio keeps the in-memory view of each user's net positions,
// persisted through the position store when one is configured.
package portfolio

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"trading-control/pkg/db"
	"trading-control/pkg/exchanges/common"
)

const qtyEpsilon = 1e-12

// Store persists positions. *db.UserQueries satisfies it.
type Store interface {
	GetPositionsByUser(ctx context.Context, userID string) ([]db.Position, error)
	UpsertPosition(ctx context.Context, p db.Position) error
}

type key struct {
	userID string
	symbol string
}

type entry struct {
	pos        db.Position
	stopLoss   float64
	takeProfit float64
	maxHold    time.Duration
	openedAt   time.Time
}

// Book tracks signed positions per (user, symbol).
type Book struct {
	mu        sync.RWMutex
	positions map[key]*entry
	store     Store
	now       func() time.Time
}

func NewBook(store Store) *Book {
	return &Book{
		positions: make(map[key]*entry),
		store:     store,
		now:       time.Now,
	}
}

// Load seeds the user's positions from the store.
func (b *Book) Load(ctx context.Context, userID string) error {
	if b.store == nil {
		return nil
	}
	rows, err := b.store.GetPositionsByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("load positions for %s: %w", userID, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range rows {
		k := key{userID, p.Symbol}
		if _, ok := b.positions[k]; ok {
			continue
		}
		b.positions[k] = &entry{pos: p, openedAt: p.UpdatedAt}
	}
	return nil
}

// Position returns the signed net quantity; it satisfies risk.PositionSource.
func (b *Book) Position(userID, symbol string) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if e, ok := b.positions[key{userID, symbol}]; ok {
		return e.pos.Qty
	}
	return 0
}

// Positions returns a snapshot of the user's non-flat positions.
func (b *Book) Positions(userID string) []db.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	res := make([]db.Position, 0)
	for k, e := range b.positions {
		if k.userID == userID && math.Abs(e.pos.Qty) > qtyEpsilon {
			res = append(res, e.pos)
		}
	}
	return res
}

// RecordFill applies a fill and returns the PnL realized by any reduction.
// Adding to a position moves the average entry; crossing through flat opens
// the remainder at the fill price.
func (b *Book) RecordFill(ctx context.Context, userID, symbol string, side common.Side, qty, price float64) (float64, db.Position) {
	if qty <= 0 {
		return 0, db.Position{UserID: userID, Symbol: symbol, Qty: b.Position(userID, symbol)}
	}

	b.mu.Lock()
	k := key{userID, symbol}
	e, ok := b.positions[k]
	if !ok {
		e = &entry{pos: db.Position{UserID: userID, Symbol: symbol}}
		b.positions[k] = e
	}

	var realized float64
	old := e.pos.Qty
	delta := side.Sign() * qty
	next := old + delta

	switch {
	case math.Abs(old) <= qtyEpsilon || (old > 0) == (delta > 0):
		e.pos.AvgPrice = (math.Abs(old)*e.pos.AvgPrice + qty*price) / (math.Abs(old) + qty)
		if math.Abs(old) <= qtyEpsilon {
			e.openedAt = b.now()
		}
	default:
		closed := math.Min(qty, math.Abs(old))
		realized = closed * (price - e.pos.AvgPrice) * sign(old)
		switch {
		case math.Abs(next) <= qtyEpsilon:
			next = 0
			e.pos.AvgPrice = 0
			e.disarm()
		case (next > 0) != (old > 0):
			e.pos.AvgPrice = price
			e.disarm()
			e.openedAt = b.now()
		}
	}
	e.pos.Qty = next
	e.pos.UpdatedAt = b.now().UTC()
	snapshot := e.pos
	b.mu.Unlock()

	if b.store != nil {
		if err := b.store.UpsertPosition(ctx, snapshot); err != nil {
			log.Printf("[portfolio] persist %s/%s: %v", userID, symbol, err)
		}
	}
	return realized, snapshot
}

// Arm sets the exit levels for the current position. Zero values leave that
// exit disabled.
func (b *Book) Arm(userID, symbol string, stopLoss, takeProfit float64, maxHold time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.positions[key{userID, symbol}]
	if !ok || math.Abs(e.pos.Qty) <= qtyEpsilon {
		return
	}
	e.stopLoss, e.takeProfit, e.maxHold = stopLoss, takeProfit, maxHold
	if e.openedAt.IsZero() {
		e.openedAt = b.now()
	}
}

// Open lists the user's positions in symbol with their exit levels.
func (b *Book) Open(userID, symbol string) []common.OpenPosition {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.positions[key{userID, symbol}]
	if !ok || math.Abs(e.pos.Qty) <= qtyEpsilon {
		return nil
	}
	side := common.SideBuy
	if e.pos.Qty < 0 {
		side = common.SideSell
	}
	return []common.OpenPosition{{
		Symbol:     symbol,
		Side:       side,
		Qty:        math.Abs(e.pos.Qty),
		EntryPrice: e.pos.AvgPrice,
		StopLoss:   e.stopLoss,
		TakeProfit: e.takeProfit,
		OpenedAt:   e.openedAt,
		MaxHold:    e.maxHold,
	}}
}

func (e *entry) disarm() {
	e.stopLoss, e.takeProfit, e.maxHold = 0, 0, 0
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
