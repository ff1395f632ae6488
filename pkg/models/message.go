package models

import "time"

// Priority is the delivery tier of a message. Higher tiers always drain
// before lower tiers regardless of arrival order.
type Priority string

const (
	// PriorityCritical is the highest delivery tier.
	PriorityCritical Priority = "critical"
	// PriorityHigh is above-normal delivery tier.
	PriorityHigh Priority = "high"
	// PriorityNormal is the default delivery tier.
	PriorityNormal Priority = "normal"
	// PriorityLow is the lowest delivery tier.
	PriorityLow Priority = "low"
)

// Priorities lists all tiers from highest to lowest. The bus drains
// buckets in this order.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// Valid returns true if the priority is a known tier.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	default:
		return false
	}
}

// DeliveryState tracks a message through the bus.
type DeliveryState string

const (
	// DeliveryPending means the message is queued, not yet handed to the recipient.
	DeliveryPending DeliveryState = "pending"
	// DeliveryDelivered means the message has been handed to the recipient.
	DeliveryDelivered DeliveryState = "delivered"
	// DeliveryConsumed means the recipient has taken ownership of the message.
	DeliveryConsumed DeliveryState = "consumed"
)

// Message is a priority-tagged message routed between workers.
// The bus exclusively owns queued messages; recipients only see copies.
type Message struct {
	// ID is the unique identifier for this message.
	ID string `json:"id"`
	// From is the sender's identifier.
	From string `json:"from"`
	// To is the recipient's identifier.
	To string `json:"to"`
	// Type is an application-defined tag describing the payload.
	Type string `json:"type"`
	// Payload is opaque to the bus; it is relayed unmodified.
	Payload any `json:"payload,omitempty"`
	// Priority is the delivery tier.
	Priority Priority `json:"priority"`
	// Timestamp is when the message entered the bus.
	Timestamp time.Time `json:"timestamp"`
	// State is the current delivery state.
	State DeliveryState `json:"state"`
}
