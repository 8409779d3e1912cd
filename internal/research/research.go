// Package research talks to the signal service (ml-service) that scores a
// symbol for the auto-trade loop.
package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

const (
	SignalBuy  = "BUY"
	SignalSell = "SELL"
	SignalHold = "HOLD"
)

var ErrInvalidResponse = errors.New("research: invalid response")

// Result is one research verdict. Accuracy is a fraction in [0,1].
type Result struct {
	Symbol             string             `json:"symbol"`
	Signal             string             `json:"signal"`
	Accuracy           float64            `json:"accuracy"`
	OrderbookImbalance float64            `json:"orderbook_imbalance,omitempty"`
	RecommendedAction  string             `json:"recommended_action,omitempty"`
	Probabilities      map[string]float64 `json:"probabilities,omitempty"`
	At                 time.Time          `json:"at"`
}

// Provider runs research for a user's symbol.
type Provider interface {
	Run(ctx context.Context, symbol, userID string) (Result, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, symbol, userID string) (Result, error)

func (f ProviderFunc) Run(ctx context.Context, symbol, userID string) (Result, error) {
	return f(ctx, symbol, userID)
}

// FromStruct normalizes a service reply. Accuracy is read from "accuracy",
// then "probability", then "confidence", then the probability of the
// returned signal; values above 1 are percentages.
func FromStruct(symbol string, s *structpb.Struct) (Result, error) {
	if s == nil {
		return Result{}, fmt.Errorf("%w: empty reply", ErrInvalidResponse)
	}
	fields := s.AsMap()

	signal := strings.ToUpper(str(fields, "signal", "action"))
	switch signal {
	case SignalBuy, SignalSell, SignalHold:
	case "":
		return Result{}, fmt.Errorf("%w: missing signal", ErrInvalidResponse)
	default:
		return Result{}, fmt.Errorf("%w: unknown signal %q", ErrInvalidResponse, signal)
	}

	res := Result{
		Symbol:            symbol,
		Signal:            signal,
		RecommendedAction: str(fields, "recommended_action", "recommendedAction"),
		At:                time.Now().UTC(),
	}
	if v := str(fields, "symbol"); v != "" {
		res.Symbol = v
	}
	if v, ok := num(fields, "orderbook_imbalance", "orderbookImbalance"); ok {
		res.OrderbookImbalance = v
	}

	if probs, ok := fields["probabilities"].(map[string]any); ok {
		res.Probabilities = make(map[string]float64, len(probs))
		for k, v := range probs {
			if f, ok := v.(float64); ok {
				res.Probabilities[strings.ToUpper(k)] = normalize(f)
			}
		}
	}

	if v, ok := num(fields, "accuracy", "probability", "confidence"); ok {
		res.Accuracy = normalize(v)
	} else if p, ok := res.Probabilities[signal]; ok {
		res.Accuracy = p
	}
	if res.Accuracy < 0 || res.Accuracy > 1 {
		return Result{}, fmt.Errorf("%w: accuracy %.4f out of range", ErrInvalidResponse, res.Accuracy)
	}
	return res, nil
}

func normalize(v float64) float64 {
	if v > 1 {
		return v / 100
	}
	return v
}

func str(fields map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := fields[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func num(fields map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := fields[k].(float64); ok {
			return v, true
		}
	}
	return 0, false
}
