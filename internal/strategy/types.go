// Package strategy turns an accepted research signal into a concrete order
// instruction. Strategies are looked up by the name stored in settings.
package strategy

import (
	"trading-control/internal/research"
	"trading-control/internal/settings"
	"trading-control/pkg/exchanges/common"
)

// Input is what a strategy sees for one cycle.
type Input struct {
	Signal   research.Result
	Book     common.Orderbook
	Size     float64 // unsigned, already cleared by the risk gate
	Settings settings.Settings
}

// Decision is a strategy's answer. Hold means no order this cycle.
type Decision struct {
	Hold       bool
	Side       common.Side
	Type       common.OrderType
	TIF        common.TimeInForce // limit orders only; GTC when empty
	Qty        float64
	Price      float64 // limit price, or intended price for market orders
	StopLoss   float64
	TakeProfit float64
	Reason     string
}

// Order converts the decision into an exchange request.
func (d Decision) Order(symbol string) common.OrderRequest {
	req := common.OrderRequest{
		Symbol: symbol,
		Side:   d.Side,
		Type:   d.Type,
		Qty:    d.Qty,
	}
	if d.Type != common.OrderTypeMarket {
		req.Price = d.Price
		req.TimeInForce = d.TIF
		if req.TimeInForce == "" {
			req.TimeInForce = common.TIFGTC
		}
	}
	return req
}

// Strategy decides how to act on a signal.
type Strategy interface {
	Name() string
	Decide(in Input) Decision
}

func hold(reason string) Decision {
	return Decision{Hold: true, Reason: reason}
}

func sideOf(signal string) (common.Side, bool) {
	switch signal {
	case research.SignalBuy:
		return common.SideBuy, true
	case research.SignalSell:
		return common.SideSell, true
	}
	return "", false
}

// withExits sets stop-loss and take-profit around price from the settings
// fractions; a zero fraction leaves that exit unset.
func withExits(d Decision, s settings.Settings) Decision {
	if d.Price <= 0 {
		return d
	}
	sign := d.Side.Sign()
	if s.StopLossPct > 0 {
		d.StopLoss = d.Price * (1 - sign*s.StopLossPct)
	}
	if s.TakeProfitPct > 0 {
		d.TakeProfit = d.Price * (1 + sign*s.TakeProfitPct)
	}
	return d
}
