package risk

import "time"

// State is the per-user counter set. It is created on first use and lives
// until Resume or process exit; dailyLoss resets on the first recorded
// result of a new UTC day.
type State struct {
	UserID              string    `json:"user_id"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureTime     time.Time `json:"last_failure_time"`
	DailyLoss           float64   `json:"daily_loss"`
	DailyStartBalance   float64   `json:"daily_start_balance"`
	PeakBalance         float64   `json:"peak_balance"`
	Paused              bool      `json:"paused"`
	PausedReason        string    `json:"paused_reason,omitempty"`
	PausedSince         time.Time `json:"paused_since"` // cooldown start
	Day                 string    `json:"day"`
}
