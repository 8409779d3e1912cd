package gateway

import (
	"fmt"
	"time"

	"trading-control/pkg/cache"
	"trading-control/pkg/db"
	"trading-control/pkg/exchanges/binance/spot"
	"trading-control/pkg/exchanges/common"
	"trading-control/pkg/exchanges/paper"
)

// Exchange types stored on connections.
const (
	TypeBinanceSpot = "binance-spot"
	TypePaper       = "paper"
)

// Credentials are the decrypted keys of a connection.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Factory creates a venue from a connection.
type Factory func(conn db.Connection, creds Credentials) (common.Exchange, error)

// FactoryOptions configure DefaultFactory.
type FactoryOptions struct {
	Testnet bool          // force testnet for every binance connection
	Paper   paper.Config  // template for paper venues
	BookTTL time.Duration // shared public book cache for paper venues; 0 disables
}

// DefaultFactory creates venues based on exchange type. Paper venues without
// a market source share a cached public Binance book.
func DefaultFactory(opts FactoryOptions) Factory {
	public := map[bool]*cache.BookCache{
		false: cache.NewBookCache(spot.New(spot.Config{}), opts.BookTTL),
		true:  cache.NewBookCache(spot.New(spot.Config{Testnet: true}), opts.BookTTL),
	}
	return func(conn db.Connection, creds Credentials) (common.Exchange, error) {
		switch conn.ExchangeType {
		case TypeBinanceSpot:
			if creds.APIKey == "" || creds.APISecret == "" {
				return nil, ErrNoCredentials
			}
			return spot.New(spot.Config{
				APIKey:    creds.APIKey,
				APISecret: creds.APISecret,
				Testnet:   opts.Testnet || conn.Testnet,
			}), nil

		case TypePaper:
			cfg := opts.Paper
			if cfg.Market == nil {
				cfg.Market = public[opts.Testnet || conn.Testnet]
			}
			return paper.New(cfg), nil

		default:
			return nil, fmt.Errorf("%w: %s", ErrUnsupported, conn.ExchangeType)
		}
	}
}
