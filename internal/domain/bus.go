package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication between the
// authoring side and the serving side. Supports Go channels (Community) or
// NATS (Pro). All methods require a store code for per-store isolation.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, storeCode string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, storeCode string, topic string, handler MessageHandler) (Subscription, error)

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
	StoreCode string            `json:"storeCode"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
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

// Standard topic names.
const (
	// TopicRuleSetChanged announces an authored change to a rule set; the
	// rule base monitor invalidates and recompiles affected scopes.
	TopicRuleSetChanged = "shrike.ruleset.changed"

	// TopicPromotionApplied announces discounts applied during a checkout
	// evaluation.
	TopicPromotionApplied = "shrike.promotion.applied"

	// TopicCouponRedeemed announces a committed coupon usage allocation.
	TopicCouponRedeemed = "shrike.coupon.redeemed"
)

// RuleSetChangedEvent is the payload of TopicRuleSetChanged.
type RuleSetChangedEvent struct {
	RuleSetID string   `json:"ruleSetId"`
	Scenario  Scenario `json:"scenario"`
	Scope     string   `json:"scope,omitempty"` // empty means all scopes
}

// PromotionAppliedEvent is the payload of TopicPromotionApplied.
type PromotionAppliedEvent struct {
	EvaluationID  string   `json:"evaluationId"`
	Scope         string   `json:"scope"`
	Scenario      Scenario `json:"scenario"`
	RuleCodes     []string `json:"ruleCodes"`
	TotalDiscount float64  `json:"totalDiscount"`
}

// CouponRedeemedEvent is the payload of TopicCouponRedeemed.
type CouponRedeemedEvent struct {
	RuleCode string              `json:"ruleCode"`
	Usages   []CouponUsageRecord `json:"usages"`
}
