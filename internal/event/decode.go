package event

import (
	"encoding/json"
	"fmt"
)

// Decode reconstructs a concrete event from a stored envelope payload.
// Used during replay and by the outbound publisher.
func Decode(eventType EventType, payload []byte) (Event, error) {
	var evt Event

	switch eventType {
	case EventTypeDeposited:
		evt = &Deposited{}
	case EventTypeRedeemed:
		evt = &Redeemed{}
	case EventTypePositionOpened:
		evt = &PositionOpened{}
	case EventTypePositionUpdated:
		evt = &PositionUpdated{}
	case EventTypePositionClosed:
		evt = &PositionClosed{}
	case EventTypeRebalanced:
		evt = &Rebalanced{}
	case EventTypeConfigUpdated:
		evt = &ConfigUpdated{}
	default:
		return nil, fmt.Errorf("event: cannot decode unknown type %d", eventType)
	}

	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("event: decode %s: %w", eventType, err)
	}
	return evt, nil
}

// Encode serializes an event payload for the envelope and the log.
func Encode(evt Event) ([]byte, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("event: encode %s: %w", evt.EventType(), err)
	}
	return data, nil
}
