package common

import "context"

// Gateway places and cancels orders on behalf of one account.
type Gateway interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
}

// MarketData serves order book snapshots.
type MarketData interface {
	GetOrderbook(ctx context.Context, symbol string, depth int) (Orderbook, error)
}

// OrderStream delivers order updates for the account until ctx is done;
// the returned channel is closed afterwards.
type OrderStream interface {
	SubscribeOrderUpdates(ctx context.Context) (<-chan OrderUpdate, error)
}

// Exchange is what an engine session needs from a venue.
type Exchange interface {
	Gateway
	MarketData
	OrderStream
}

// BalanceReader is an optional capability: free balance of an asset.
type BalanceReader interface {
	GetBalance(ctx context.Context, asset string) (float64, error)
}

// PositionManager is an optional capability for venues that track positions
// with protective levels themselves.
type PositionManager interface {
	OpenPositions(ctx context.Context, symbol string) ([]OpenPosition, error)
	ClosePosition(ctx context.Context, pos OpenPosition, reason string) (CloseResult, error)
}
