package strategy

import (
	"fmt"

	"trading-control/pkg/exchanges/common"
)

// TouchLimit takes the signal with an IOC limit at the opposite touch, so the
// order never fills beyond the price seen when deciding.
type TouchLimit struct{}

func (TouchLimit) Name() string { return "limit_ioc" }

func (TouchLimit) Decide(in Input) Decision {
	side, ok := sideOf(in.Signal.Signal)
	if !ok {
		return hold("No directional signal")
	}
	bid, ask, ok := in.Book.Best()
	if !ok {
		return hold("Empty order book")
	}
	price := ask
	if side == common.SideSell {
		price = bid
	}
	return withExits(Decision{
		Side:   side,
		Type:   common.OrderTypeLimit,
		TIF:    common.TIFIOC,
		Qty:    in.Size,
		Price:  price,
		Reason: fmt.Sprintf("%s up to %g", side, price),
	}, in.Settings)
}
