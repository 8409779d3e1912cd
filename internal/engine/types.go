package engine

import (
	"time"

	"trading-control/internal/autotrade"
	"trading-control/internal/quoting"
)

// Kind names one of the two loops a user can run.
type Kind string

const (
	KindAutoTrade Kind = autotrade.Engine
	KindQuoting   Kind = quoting.Engine
)

// Status answers from memory only.
type Status struct {
	Kind      Kind       `json:"kind"`
	Running   bool       `json:"running"`
	HasEngine bool       `json:"hasEngine"`
	Symbol    string     `json:"symbol,omitempty"`
	PeriodMs  int64      `json:"periodMs,omitempty"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	Detail    any        `json:"detail,omitempty"` // autotrade.Status or quoting.Status
}
