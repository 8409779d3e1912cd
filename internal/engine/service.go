// Package engine owns the per-user trading sessions: at most one auto-trade
// loop and one quoting loop per user, each wired to the user's venue.
package engine

import (
	"context"
	"time"
)

// Service is what the API layer drives. Start rejects a second session of
// the same kind; Stop is a no-op when nothing runs.
type Service interface {
	StartAutoTrade(ctx context.Context, userID, symbol string, period time.Duration) error
	StopAutoTrade(userID string)
	AutoTradeStatus(userID string) Status

	StartQuoting(ctx context.Context, userID, symbol string, period time.Duration) error
	StopQuoting(userID string)
	QuotingStatus(userID string) Status

	StopAll(userID, reason string)
}

var _ Service = (*Manager)(nil)
