package strategy

import (
	"fmt"

	"trading-control/pkg/exchanges/common"
)

// ImbalanceConfirm follows the signal only when order book depth leans the
// same way: bid/ask depth at or above the ratio for buys, at or below its
// inverse for sells.
type ImbalanceConfirm struct {
	ratio  float64 // e.g. 1.5 means 50% more depth on one side
	levels int
}

func NewImbalanceConfirm(ratio float64, levels int) ImbalanceConfirm {
	if ratio <= 1 {
		ratio = 1.5
	}
	if levels <= 0 {
		levels = 10
	}
	return ImbalanceConfirm{ratio: ratio, levels: levels}
}

func (ImbalanceConfirm) Name() string { return "imbalance_confirm" }

func (s ImbalanceConfirm) Decide(in Input) Decision {
	side, ok := sideOf(in.Signal.Signal)
	if !ok {
		return hold("No directional signal")
	}
	bidDepth := depth(in.Book.Bids, s.levels)
	askDepth := depth(in.Book.Asks, s.levels)
	if bidDepth == 0 || askDepth == 0 {
		return hold("Empty order book")
	}
	ratio := bidDepth / askDepth

	confirmed := (side == common.SideBuy && ratio >= s.ratio) ||
		(side == common.SideSell && ratio <= 1/s.ratio)
	if !confirmed {
		return hold(fmt.Sprintf("Order book imbalance bid/ask %.2f does not confirm %s", ratio, side))
	}

	d := SignalFollow{}.Decide(in)
	d.Reason = fmt.Sprintf("%s confirmed by bid/ask depth %.2f", side, ratio)
	return d
}

func depth(levels []common.BookLevel, n int) float64 {
	var total float64
	for i, l := range levels {
		if i >= n {
			break
		}
		total += l.Qty
	}
	return total
}
