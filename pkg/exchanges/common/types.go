package common

import "time"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	if s == SideSell {
		return SideBuy
	}
	return SideSell
}

// OrderType denotes the order types the engines use.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeLimitMaker OrderType = "LIMIT_MAKER" // post-only
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// Terminal reports whether no further fills can arrive.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// OrderRequest captures an order intent to be sent to an exchange.
type OrderRequest struct {
	Symbol      string
	Side        Side
	Type        OrderType
	Qty         float64
	Price       float64 // required for LIMIT / LIMIT_MAKER
	TimeInForce TimeInForce
	ClientID    string
}

// OrderResult is the exchange ack. AvgPrice and FilledQty are set when the
// venue reports an immediate fill (market orders).
type OrderResult struct {
	ExchangeOrderID string
	ClientID        string
	Status          OrderStatus
	FilledQty       float64
	AvgPrice        float64
	TransactTime    time.Time
}

// OrderUpdate is one event on the user's order stream. FilledQty is cumulative.
type OrderUpdate struct {
	ExchangeOrderID string
	ClientID        string
	Symbol          string
	Side            Side
	Status          OrderStatus
	FilledQty       float64
	LastQty         float64
	LastPrice       float64
	Fee             float64
	EventTime       time.Time
}

// BookLevel is one price level.
type BookLevel struct {
	Price float64
	Qty   float64
}

// Orderbook is a depth snapshot, best levels first.
type Orderbook struct {
	Symbol string
	Bids   []BookLevel
	Asks   []BookLevel
	Time   time.Time
}

// Best returns the top of book.
func (b Orderbook) Best() (bid, ask float64, ok bool) {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return 0, 0, false
	}
	bid, ask = b.Bids[0].Price, b.Asks[0].Price
	return bid, ask, bid > 0 && ask > 0
}

// Mid returns the midpoint of the top of book.
func (b Orderbook) Mid() (float64, bool) {
	bid, ask, ok := b.Best()
	if !ok {
		return 0, false
	}
	return (bid + ask) / 2, true
}

// Imbalance is (bidQty-askQty)/(bidQty+askQty) over the snapshot, in [-1, 1].
func (b Orderbook) Imbalance() float64 {
	var bidQty, askQty float64
	for _, l := range b.Bids {
		bidQty += l.Qty
	}
	for _, l := range b.Asks {
		askQty += l.Qty
	}
	if bidQty+askQty == 0 {
		return 0
	}
	return (bidQty - askQty) / (bidQty + askQty)
}

// OpenPosition is a position an exit monitor may close.
type OpenPosition struct {
	Symbol     string
	Side       Side // SideBuy for long, SideSell for short
	Qty        float64
	EntryPrice float64
	StopLoss   float64
	TakeProfit float64
	OpenedAt   time.Time
	MaxHold    time.Duration
}

// CloseResult describes a completed position close.
type CloseResult struct {
	OrderID     string
	Price       float64
	Qty         float64
	RealizedPnL float64
}
