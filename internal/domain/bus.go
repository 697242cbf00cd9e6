package domain

import (
	"context"
)

// EventBus carries fire-and-forget scoring notifications. Publishing
// never blocks the scoring path; a full subscriber simply misses the
// message. Backed by Go channels (Community) or NATS (Pro).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string

	// Channel settings (Community tier)
	ChannelBufferSize int

	// NATS settings (Pro tier)
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}

// Topics published by the engine and consumed by the async worker.
const (
	TopicTransactionIngested = "kestrel.transaction.ingested"
	TopicTransactionScored   = "kestrel.transaction.scored"
	TopicRuleTriggered       = "kestrel.rule.triggered"
	TopicDetectorExecuted    = "kestrel.detector.executed"
	TopicAlert               = "kestrel.alert"
)

// ScoredEvent is the payload for TopicTransactionScored and TopicAlert.
type ScoredEvent struct {
	TransactionID string  `json:"transactionId"`
	UserID        string  `json:"userId"`
	RiskScore     float64 `json:"riskScore"`
	IsFraud       bool    `json:"isFraud"`
	ProcessingMs  int64   `json:"processingMs"`
}

// RuleTriggeredEvent is the payload for TopicRuleTriggered.
type RuleTriggeredEvent struct {
	TransactionID string  `json:"transactionId"`
	Rule          string  `json:"rule"`
	Score         float64 `json:"score"`
	Threshold     float64 `json:"threshold"`
}

// DetectorExecutedEvent is the payload for TopicDetectorExecuted.
type DetectorExecutedEvent struct {
	TransactionID string  `json:"transactionId"`
	Detector      string  `json:"detector"`
	Score         float64 `json:"score"`
	DurationUs    int64   `json:"durationUs"`
}
