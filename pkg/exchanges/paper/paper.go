// Package paper is an in-memory venue used for dry runs and tests. It keeps a
// book per symbol, fills market orders against the touch and rests limit
// orders until a later book crosses them.
package paper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trading-control/pkg/exchanges/common"
)

var (
	ErrNoBook        = errors.New("paper: no order book for symbol")
	ErrOrderNotFound = errors.New("paper: order not found")
	ErrInvalidQty    = errors.New("paper: quantity must be positive")
	ErrWouldCross    = errors.New("paper: post-only order would immediately match")
	ErrInsufficient  = errors.New("paper: insufficient balance")
)

// Config tunes the simulation.
type Config struct {
	Market         common.MarketData // optional live book source
	InitialBalance float64
	QuoteAsset     string
	SlippageBps    float64 // applied to market fills, against the taker
}

type restingOrder struct {
	req       common.OrderRequest
	id        string
	filledQty decimal.Decimal
}

// Exchange is a simulated account.
type Exchange struct {
	cfg Config

	mu       sync.Mutex
	books    map[string]common.Orderbook
	resting  map[string]*restingOrder
	balances map[string]decimal.Decimal
	subs     map[int]chan common.OrderUpdate
	nextSub  int
}

var _ common.Exchange = (*Exchange)(nil)
var _ common.BalanceReader = (*Exchange)(nil)

func New(cfg Config) *Exchange {
	cfg.QuoteAsset = strings.ToUpper(cfg.QuoteAsset)
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	return &Exchange{
		cfg:     cfg,
		books:   make(map[string]common.Orderbook),
		resting: make(map[string]*restingOrder),
		balances: map[string]decimal.Decimal{
			cfg.QuoteAsset: decimal.NewFromFloat(cfg.InitialBalance),
		},
		subs: make(map[int]chan common.OrderUpdate),
	}
}

// SetOrderbook replaces the book for a symbol and fills any resting orders it crosses.
func (e *Exchange) SetOrderbook(book common.Orderbook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.books[book.Symbol] = book

	bid, ask, ok := book.Best()
	if !ok {
		return
	}
	for id, o := range e.resting {
		if o.req.Symbol != book.Symbol {
			continue
		}
		crossed := (o.req.Side == common.SideBuy && ask <= o.req.Price) ||
			(o.req.Side == common.SideSell && bid >= o.req.Price)
		if !crossed {
			continue
		}
		remaining := decimal.NewFromFloat(o.req.Qty).Sub(o.filledQty)
		e.fillLocked(o, remaining, decimal.NewFromFloat(o.req.Price))
		delete(e.resting, id)
	}
}

// GetOrderbook returns the latest book, refreshing it from the live source if configured.
func (e *Exchange) GetOrderbook(ctx context.Context, symbol string, depth int) (common.Orderbook, error) {
	if e.cfg.Market != nil {
		book, err := e.cfg.Market.GetOrderbook(ctx, symbol, depth)
		if err != nil {
			return common.Orderbook{}, err
		}
		book.Symbol = symbol
		e.SetOrderbook(book)
		return book, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	book, ok := e.books[symbol]
	if !ok {
		return common.Orderbook{}, fmt.Errorf("%w: %s", ErrNoBook, symbol)
	}
	return book, nil
}

func (e *Exchange) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if req.Qty <= 0 {
		return common.OrderResult{}, ErrInvalidQty
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	book, ok := e.books[req.Symbol]
	bid, ask, hasTop := book.Best()
	if !ok || !hasTop {
		return common.OrderResult{}, fmt.Errorf("%w: %s", ErrNoBook, req.Symbol)
	}

	o := &restingOrder{req: req, id: uuid.NewString()}
	if o.req.ClientID == "" {
		o.req.ClientID = o.id
	}
	qty := decimal.NewFromFloat(req.Qty)

	switch req.Type {
	case common.OrderTypeMarket:
		touch := ask
		if req.Side == common.SideSell {
			touch = bid
		}
		slip := decimal.NewFromFloat(e.cfg.SlippageBps).Div(decimal.NewFromInt(10000))
		price := decimal.NewFromFloat(touch).Mul(decimal.NewFromInt(1).Add(slip.Mul(decimal.NewFromFloat(req.Side.Sign()))))
		if err := e.checkFundsLocked(req, qty, price); err != nil {
			return common.OrderResult{}, err
		}
		e.fillLocked(o, qty, price)
		return e.resultLocked(o, common.StatusFilled, price), nil

	case common.OrderTypeLimit, common.OrderTypeLimitMaker:
		crosses := (req.Side == common.SideBuy && req.Price >= ask) ||
			(req.Side == common.SideSell && req.Price <= bid)
		price := decimal.NewFromFloat(req.Price)
		if crosses {
			if req.Type == common.OrderTypeLimitMaker {
				return common.OrderResult{}, ErrWouldCross
			}
			if err := e.checkFundsLocked(req, qty, price); err != nil {
				return common.OrderResult{}, err
			}
			e.fillLocked(o, qty, price)
			return e.resultLocked(o, common.StatusFilled, price), nil
		}
		e.resting[o.id] = o
		e.emitLocked(common.OrderUpdate{
			ExchangeOrderID: o.id, ClientID: o.req.ClientID, Symbol: req.Symbol,
			Side: req.Side, Status: common.StatusNew, EventTime: time.Now(),
		})
		return e.resultLocked(o, common.StatusNew, decimal.Zero), nil

	default:
		return common.OrderResult{}, fmt.Errorf("paper: unsupported order type %q", req.Type)
	}
}

func (e *Exchange) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.resting[exchangeOrderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, exchangeOrderID)
	}
	delete(e.resting, exchangeOrderID)
	filled, _ := o.filledQty.Float64()
	e.emitLocked(common.OrderUpdate{
		ExchangeOrderID: o.id, ClientID: o.req.ClientID, Symbol: o.req.Symbol,
		Side: o.req.Side, Status: common.StatusCanceled, FilledQty: filled, EventTime: time.Now(),
	})
	return nil
}

// Fill executes qty of a resting order at its limit price (manual matching for tests).
func (e *Exchange) Fill(exchangeOrderID string, qty float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.resting[exchangeOrderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, exchangeOrderID)
	}
	remaining := decimal.NewFromFloat(o.req.Qty).Sub(o.filledQty)
	q := decimal.Min(decimal.NewFromFloat(qty), remaining)
	e.fillLocked(o, q, decimal.NewFromFloat(o.req.Price))
	if o.filledQty.GreaterThanOrEqual(decimal.NewFromFloat(o.req.Qty)) {
		delete(e.resting, exchangeOrderID)
	}
	return nil
}

// OpenOrders returns ids of resting orders.
func (e *Exchange) OpenOrders() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.resting))
	for id := range e.resting {
		ids = append(ids, id)
	}
	return ids
}

// GetBalance returns the simulated holding of asset.
func (e *Exchange) GetBalance(ctx context.Context, asset string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, _ := e.balances[strings.ToUpper(asset)].Float64()
	return v, nil
}

// SubscribeOrderUpdates streams order updates until ctx is done.
func (e *Exchange) SubscribeOrderUpdates(ctx context.Context) (<-chan common.OrderUpdate, error) {
	ch := make(chan common.OrderUpdate, 256)
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.mu.Lock()
		delete(e.subs, id)
		close(ch)
		e.mu.Unlock()
	}()
	return ch, nil
}

func (e *Exchange) checkFundsLocked(req common.OrderRequest, qty, price decimal.Decimal) error {
	if req.Side != common.SideBuy {
		return nil
	}
	if e.balances[e.cfg.QuoteAsset].LessThan(qty.Mul(price)) {
		return ErrInsufficient
	}
	return nil
}

func (e *Exchange) fillLocked(o *restingOrder, qty, price decimal.Decimal) {
	if !qty.IsPositive() {
		return
	}
	o.filledQty = o.filledQty.Add(qty)
	notional := qty.Mul(price)
	base := baseAsset(o.req.Symbol, e.cfg.QuoteAsset)
	if o.req.Side == common.SideBuy {
		e.balances[e.cfg.QuoteAsset] = e.balances[e.cfg.QuoteAsset].Sub(notional)
		e.balances[base] = e.balances[base].Add(qty)
	} else {
		e.balances[e.cfg.QuoteAsset] = e.balances[e.cfg.QuoteAsset].Add(notional)
		e.balances[base] = e.balances[base].Sub(qty)
	}

	status := common.StatusPartial
	if o.filledQty.GreaterThanOrEqual(decimal.NewFromFloat(o.req.Qty)) {
		status = common.StatusFilled
	}
	filled, _ := o.filledQty.Float64()
	last, _ := qty.Float64()
	px, _ := price.Float64()
	e.emitLocked(common.OrderUpdate{
		ExchangeOrderID: o.id, ClientID: o.req.ClientID, Symbol: o.req.Symbol, Side: o.req.Side,
		Status: status, FilledQty: filled, LastQty: last, LastPrice: px, EventTime: time.Now(),
	})
}

func (e *Exchange) resultLocked(o *restingOrder, status common.OrderStatus, avg decimal.Decimal) common.OrderResult {
	filled, _ := o.filledQty.Float64()
	px, _ := avg.Float64()
	return common.OrderResult{
		ExchangeOrderID: o.id,
		ClientID:        o.req.ClientID,
		Status:          status,
		FilledQty:       filled,
		AvgPrice:        px,
		TransactTime:    time.Now(),
	}
}

func (e *Exchange) emitLocked(u common.OrderUpdate) {
	for _, ch := range e.subs {
		select {
		case ch <- u:
		default:
			log.Printf("[paper] dropping order update %s: subscriber full", u.ExchangeOrderID)
		}
	}
}

func baseAsset(symbol, quote string) string {
	return strings.TrimSuffix(strings.ToUpper(symbol), quote)
}
