package engine

import (
	"context"
	"strings"
	"time"

	"exit_engine/internal/core"
)

// DiffKind classifies one position-book change between two polls.
type DiffKind int

const (
	DiffOpened DiffKind = iota
	DiffUpdated
	DiffClosed
)

// PositionDiff is one observed change to a broker position.
type PositionDiff struct {
	Kind     DiffKind
	Position core.TrackedPosition
}

// PositionMonitor polls the broker position book and diffs it against the
// last observed set, keyed by (exchange, trading_symbol). Zero-quantity
// rows are treated as absent: a new flat row is never tracked, and an
// existing position going flat reads as closed.
type PositionMonitor struct {
	client core.IBrokerClient
	logger core.ILogger

	tracked     map[core.PositionKey]core.TrackedPosition
	consecutive int
}

// NewPositionMonitor builds a monitor over one user's broker client.
func NewPositionMonitor(client core.IBrokerClient, logger core.ILogger) *PositionMonitor {
	return &PositionMonitor{
		client:  client,
		logger:  logger.WithField("component", "position_monitor"),
		tracked: make(map[core.PositionKey]core.TrackedPosition),
	}
}

// SetClient swaps the broker client after a recovery. The caller pauses
// polling first; the monitor itself is single-threaded.
func (m *PositionMonitor) SetClient(client core.IBrokerClient) {
	m.client = client
}

// Poll fetches the position book and returns the diffs since last time. A
// fetch failure increments the consecutive-error counter and leaves the
// tracked set untouched; a successful poll resets the counter.
func (m *PositionMonitor) Poll(ctx context.Context, now time.Time) ([]PositionDiff, error) {
	book, err := m.client.Positions(ctx)
	if err != nil {
		m.consecutive++
		return nil, err
	}
	m.consecutive = 0

	seen := make(map[core.PositionKey]struct{}, len(book.Net))
	var diffs []PositionDiff

	for _, pos := range book.Net {
		key := pos.Key()
		seen[key] = struct{}{}
		prev, known := m.tracked[key]

		switch {
		case !known && pos.Quantity == 0:
			// Flat on first sighting: never tracked.

		case !known:
			tp := core.TrackedPosition{Position: pos, FirstSeen: now, LastUpdated: now}
			m.tracked[key] = tp
			diffs = append(diffs, PositionDiff{Kind: DiffOpened, Position: tp})

		case pos.Quantity == 0:
			prev.Position = pos
			prev.LastUpdated = now
			delete(m.tracked, key)
			diffs = append(diffs, PositionDiff{Kind: DiffClosed, Position: prev})

		case pos.Quantity != prev.Quantity || pos.LastPrice != prev.LastPrice:
			qtyChanged := pos.Quantity != prev.Quantity
			prev.Position = pos
			prev.LastUpdated = now
			m.tracked[key] = prev
			if qtyChanged {
				diffs = append(diffs, PositionDiff{Kind: DiffUpdated, Position: prev})
			}
		}
	}

	for key, prev := range m.tracked {
		if _, ok := seen[key]; !ok {
			delete(m.tracked, key)
			diffs = append(diffs, PositionDiff{Kind: DiffClosed, Position: prev})
		}
	}

	return diffs, nil
}

// ConsecutiveErrors reports how many polls in a row have failed.
func (m *PositionMonitor) ConsecutiveErrors() int {
	return m.consecutive
}

// TrackedCount reports how many positions are currently observed.
func (m *PositionMonitor) TrackedCount() int {
	return len(m.tracked)
}

// Tracked returns the position under the key, if observed.
func (m *PositionMonitor) Tracked(key core.PositionKey) (core.TrackedPosition, bool) {
	tp, ok := m.tracked[key]
	return tp, ok
}

// IsSystemTag reports whether an order tag marks an exit placed by this
// system. The tag is the idempotency marker written by the executor.
func IsSystemTag(tag string) bool {
	return strings.HasPrefix(tag, "TP_") ||
		strings.HasPrefix(tag, "SL_") ||
		strings.HasPrefix(tag, "SQ_")
}

// SystemOrders fetches the day's order book and splits it into orders this
// system placed versus manual ones. The engine reconciles live system
// orders against tracked trades so an exit already at the broker is never
// placed again.
func (m *PositionMonitor) SystemOrders(ctx context.Context) (system, manual []core.Order, err error) {
	orders, err := m.client.Orders(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, o := range orders {
		if IsSystemTag(o.Tag) {
			system = append(system, o)
		} else {
			manual = append(manual, o)
		}
	}
	return system, manual, nil
}
