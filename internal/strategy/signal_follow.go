package strategy

import (
	"fmt"

	"trading-control/pkg/exchanges/common"
)

// SignalFollow takes the signal at market. The intended price is the touch
// the order will hit.
type SignalFollow struct{}

func (SignalFollow) Name() string { return "signal_follow" }

func (SignalFollow) Decide(in Input) Decision {
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
		Type:   common.OrderTypeMarket,
		Qty:    in.Size,
		Price:  price,
		Reason: fmt.Sprintf("%s signal at %.1f%% accuracy", in.Signal.Signal, in.Signal.Accuracy*100),
	}, in.Settings)
}
