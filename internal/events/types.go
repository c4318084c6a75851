// Package events provides the pub/sub backbone for decoupled communication
// between engine components. Handlers are invoked synchronously in
// registration order: global subscribers first, then type subscribers, then
// user-scoped subscribers.
package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies a class of system event. Values are dotted so
// downstream consumers can group by prefix.
type EventType string

const (
	PositionOpened     EventType = "position.opened"
	PositionClosed     EventType = "position.closed"
	PositionUpdated    EventType = "position.updated"
	OrderPlaced        EventType = "order.placed"
	OrderFilled        EventType = "order.filled"
	OrderCancelled     EventType = "order.cancelled"
	OrderRejected      EventType = "order.rejected"
	PriceUpdate        EventType = "price.update"
	TPTriggered        EventType = "trigger.tp"
	SLTriggered        EventType = "trigger.sl"
	TimeTrigger        EventType = "trigger.time"
	RuleMatched        EventType = "rule.matched"
	RuleCreated        EventType = "rule.created"
	RuleUpdated        EventType = "rule.updated"
	RuleDeleted        EventType = "rule.deleted"
	SystemError        EventType = "system.error"
	SessionExpired     EventType = "session.expired"
	BrokerConnected    EventType = "broker.connected"
	BrokerDisconnected EventType = "broker.disconnected"
	EngineStarted      EventType = "engine.started"
	EngineStopped      EventType = "engine.stopped"
)

// Event is the unit published on the Bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	UserID    string                 `json:"user_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// New builds an event with a fresh ID and UTC timestamp.
func New(t EventType, userID string, data map[string]interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}
