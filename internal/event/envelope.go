package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeDeposited
	EventTypeRedeemed
	EventTypePositionOpened
	EventTypePositionUpdated
	EventTypePositionClosed
	EventTypeRebalanced
	EventTypeConfigUpdated
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by the core
	Sequence int64

	// Stable dedup key: the operation key for Deposited/Redeemed,
	// operation key plus step index for the events an operation emits
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType
}

func (et EventType) String() string {
	switch et {
	case EventTypeDeposited:
		return "Deposited"
	case EventTypeRedeemed:
		return "Redeemed"
	case EventTypePositionOpened:
		return "PositionOpened"
	case EventTypePositionUpdated:
		return "PositionUpdated"
	case EventTypePositionClosed:
		return "PositionClosed"
	case EventTypeRebalanced:
		return "Rebalanced"
	case EventTypeConfigUpdated:
		return "ConfigUpdated"
	default:
		return "Unknown"
	}
}

// ParseEventType maps a stored event_type string back to its discriminator.
func ParseEventType(s string) EventType {
	switch s {
	case "Deposited":
		return EventTypeDeposited
	case "Redeemed":
		return EventTypeRedeemed
	case "PositionOpened":
		return EventTypePositionOpened
	case "PositionUpdated":
		return EventTypePositionUpdated
	case "PositionClosed":
		return EventTypePositionClosed
	case "Rebalanced":
		return EventTypeRebalanced
	case "ConfigUpdated":
		return EventTypeConfigUpdated
	default:
		return EventTypeUnknown
	}
}
