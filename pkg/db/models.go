package db

import (
	"strings"
	"time"
)

// User represents an application user.
type User struct {
	ID           string    `db:"id"`
	Email        string    `db:"email"`
	PasswordHash string    `db:"password_hash"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// Connection stores a user's exchange credentials (sealed by pkg/crypto).
type Connection struct {
	ID                 string    `db:"id"`
	UserID             string    `db:"user_id"`
	ExchangeType       string    `db:"exchange_type"`
	Name               string    `db:"name"`
	APIKeyEncrypted    string    `db:"api_key_encrypted"`
	APISecretEncrypted string    `db:"api_secret_encrypted"`
	KeyVersion         int       `db:"key_version"`
	Testnet            bool      `db:"testnet"`
	IsActive           bool      `db:"is_active"`
	CreatedAt          time.Time `db:"created_at"`
	UpdatedAt          time.Time `db:"updated_at"`
}

// Trade represents a fill or placement recorded by one of the engines.
type Trade struct {
	ID        string    `db:"id"`
	UserID    string    `db:"user_id"`
	Engine    string    `db:"engine"`
	OrderID   string    `db:"order_id"`
	Symbol    string    `db:"symbol"`
	Side      string    `db:"side"`
	Price     float64   `db:"price"`
	Qty       float64   `db:"qty"`
	Fee       float64   `db:"fee"`
	CreatedAt time.Time `db:"created_at"`
}

// ExecutionLog is one audit row per engine cycle outcome.
type ExecutionLog struct {
	ID          string    `db:"id" json:"id"`
	UserID      string    `db:"user_id" json:"user_id"`
	Engine      string    `db:"engine" json:"engine"`
	Symbol      string    `db:"symbol" json:"symbol"`
	Status      string    `db:"status" json:"status"`
	Reason      string    `db:"reason" json:"reason,omitempty"`
	Signal      string    `db:"signal" json:"signal,omitempty"`
	Accuracy    float64   `db:"accuracy" json:"accuracy"`
	Side        string    `db:"side" json:"side,omitempty"`
	Qty         float64   `db:"qty" json:"qty"`
	Price       float64   `db:"price" json:"price"`
	LatencyMs   float64   `db:"latency_ms" json:"latency_ms"`
	SlippageBps float64   `db:"slippage_bps" json:"slippage_bps"`
	OrderIDs    string    `db:"order_ids" json:"order_ids,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// OrderIDList splits the stored comma separated order ids.
func (e ExecutionLog) OrderIDList() []string {
	if e.OrderIDs == "" {
		return nil
	}
	return strings.Split(e.OrderIDs, ",")
}

// Position tracks the net position per user and symbol.
type Position struct {
	UserID    string    `db:"user_id"`
	Symbol    string    `db:"symbol"`
	Qty       float64   `db:"qty"`
	AvgPrice  float64   `db:"avg_price"`
	UpdatedAt time.Time `db:"updated_at"`
}
