package alert

import (
	"fmt"

	"exit_engine/internal/events"
)

// Bridge turns failure events from the bus into alerts. It subscribes once
// for the whole process; per-user scoping comes from the event itself.
type Bridge struct {
	manager     *Manager
	unsubscribe func()
}

// NewBridge wires the manager to the bus. Call Close to detach.
func NewBridge(bus *events.Bus, manager *Manager) *Bridge {
	b := &Bridge{manager: manager}
	b.unsubscribe = bus.Subscribe(b.handle,
		events.OrderRejected,
		events.BrokerDisconnected,
		events.SessionExpired,
		events.SystemError,
	)
	return b
}

// Close removes the bus subscription.
func (b *Bridge) Close() {
	if b.unsubscribe != nil {
		b.unsubscribe()
	}
}

func (b *Bridge) handle(e events.Event) {
	switch e.Type {
	case events.OrderRejected:
		b.manager.Alert(
			"Exit order rejected",
			fmt.Sprintf("The broker rejected the exit order for %s.", str(e.Data, "symbol")),
			Error, e.UserID, map[string]string{
				"exchange": str(e.Data, "exchange"),
				"trigger":  str(e.Data, "trigger_type"),
				"error":    str(e.Data, "error"),
			})

	case events.BrokerDisconnected:
		b.manager.Alert(
			"Broker unreachable",
			"Position polling is paused until the broker answers a health probe.",
			Critical, e.UserID, map[string]string{
				"broker": str(e.Data, "broker_id"),
				"error":  str(e.Data, "error"),
			})

	case events.SessionExpired:
		b.manager.Alert(
			"Broker session expired",
			"The access token was rejected. Re-login is needed before exits can resume.",
			Critical, e.UserID, map[string]string{
				"broker": str(e.Data, "broker_id"),
			})

	case events.SystemError:
		b.manager.Alert(
			"Engine loop failure",
			fmt.Sprintf("Loop %q died: %s", str(e.Data, "loop"), str(e.Data, "error")),
			Critical, e.UserID, nil)
	}
}

func str(data map[string]interface{}, key string) string {
	if data == nil {
		return ""
	}
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
