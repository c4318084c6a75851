package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliveryOrder(t *testing.T) {
	bus := NewBus(nil)
	var got []string

	bus.SubscribeUser("user1", func(e Event) { got = append(got, "user") }, OrderPlaced)
	bus.Subscribe(func(e Event) { got = append(got, "typed") }, OrderPlaced)
	bus.SubscribeAll(func(e Event) { got = append(got, "global") })

	bus.Publish(New(OrderPlaced, "user1", nil))

	assert.Equal(t, []string{"global", "typed", "user"}, got)
}

func TestPublishFiltersTypeAndUser(t *testing.T) {
	bus := NewBus(nil)
	var calls int

	bus.Subscribe(func(e Event) { calls++ }, TPTriggered)
	bus.SubscribeUser("user1", func(e Event) { calls++ }, TPTriggered)

	bus.Publish(New(SLTriggered, "user1", nil))
	assert.Equal(t, 0, calls)

	bus.Publish(New(TPTriggered, "user2", nil))
	assert.Equal(t, 1, calls, "type handler fires, other user's handler does not")

	bus.Publish(New(TPTriggered, "user1", nil))
	assert.Equal(t, 3, calls)
}

func TestSubscribeMultipleTypes(t *testing.T) {
	bus := NewBus(nil)
	var types []EventType

	bus.Subscribe(func(e Event) { types = append(types, e.Type) }, TPTriggered, SLTriggered, TimeTrigger)

	bus.Publish(New(TPTriggered, "", nil))
	bus.Publish(New(SLTriggered, "", nil))
	bus.Publish(New(TimeTrigger, "", nil))
	bus.Publish(New(OrderPlaced, "", nil))

	assert.Equal(t, []EventType{TPTriggered, SLTriggered, TimeTrigger}, types)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus(nil)
	var calls int

	off := bus.Subscribe(func(e Event) { calls++ }, PriceUpdate)
	bus.Publish(New(PriceUpdate, "", nil))
	off()
	bus.Publish(New(PriceUpdate, "", nil))

	assert.Equal(t, 1, calls)
}

func TestRemoveUserHandlers(t *testing.T) {
	bus := NewBus(nil)
	var calls int

	bus.SubscribeUser("user1", func(e Event) { calls++ }, EngineStarted)
	bus.RemoveUserHandlers("user1")
	bus.Publish(New(EngineStarted, "user1", nil))

	assert.Equal(t, 0, calls)
}

func TestHandlerPanicDoesNotStopDelivery(t *testing.T) {
	bus := NewBus(nil)
	var delivered bool

	bus.Subscribe(func(e Event) { panic("boom") }, SystemError)
	bus.Subscribe(func(e Event) { delivered = true }, SystemError)

	require.NotPanics(t, func() {
		bus.Publish(New(SystemError, "", nil))
	})
	assert.True(t, delivered, "second handler still runs after first panics")
}

func TestNewEventFields(t *testing.T) {
	e := New(OrderPlaced, "user1", map[string]interface{}{"order_id": "ord_456"})
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())
	assert.Equal(t, OrderPlaced, e.Type)
	assert.Equal(t, "user1", e.UserID)
	assert.Equal(t, "ord_456", e.Data["order_id"])
}
