package events

import "time"

// Topic enumerates what the engines announce.
type Topic string

const (
	TopicResearch      Topic = "research"
	TopicTradeExecuted Topic = "trade.executed"
	TopicTradeSkipped  Topic = "trade.skipped"
	TopicRiskAlert     Topic = "risk.alert"
	TopicOrderPlaced   Topic = "order.placed"
	TopicOrderFilled   Topic = "order.filled"
	TopicOrderCanceled Topic = "order.canceled"
	TopicPositionExit  Topic = "position.exit"
	TopicEngineStarted Topic = "engine.started"
	TopicEngineStopped Topic = "engine.stopped"
)

// Message is one notification addressed to a user.
type Message struct {
	Topic   Topic     `json:"topic"`
	UserID  string    `json:"user_id"`
	Engine  string    `json:"engine,omitempty"`
	Symbol  string    `json:"symbol,omitempty"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}
