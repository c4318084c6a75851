// Package mock provides an in-memory broker for tests and dry runs. It
// implements the full client and ticker contracts with deterministic
// behavior and no network.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"exit_engine/internal/core"
	apperrors "exit_engine/pkg/errors"
)

// BrokerID is the identifier the factory accepts for the mock broker.
const BrokerID = "mock"

// BrokerClient is an in-memory core.IBrokerClient. Positions and prices are
// seeded by the test; placed orders are recorded rather than executed.
type BrokerClient struct {
	mu sync.Mutex

	positions map[core.PositionKey]core.Position
	ltp       map[string]float64 // "EXCHANGE:SYMBOL" -> price
	orders    []core.Order

	placeOrderErr error
	healthErr     error
	orderSeq      int

	ticker *Ticker
}

// NewBrokerClient returns an empty mock broker.
func NewBrokerClient() *BrokerClient {
	return &BrokerClient{
		positions: make(map[core.PositionKey]core.Position),
		ltp:       make(map[string]float64),
	}
}

func (m *BrokerClient) BrokerID() string { return BrokerID }

func (m *BrokerClient) CheckHealth(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthErr
}

func (m *BrokerClient) Profile(ctx context.Context) (*core.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.healthErr != nil {
		return nil, m.healthErr
	}
	return &core.UserProfile{UserID: "MOCK01", UserName: "Mock Trader", Broker: BrokerID}, nil
}

func (m *BrokerClient) Positions(ctx context.Context) (*core.PositionBook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.healthErr != nil {
		return nil, m.healthErr
	}
	book := &core.PositionBook{Net: make([]core.Position, 0, len(m.positions))}
	for _, p := range m.positions {
		if price, ok := m.ltp[p.Key().String()]; ok {
			p.LastPrice = price
		}
		book.Net = append(book.Net, p)
	}
	return book, nil
}

func (m *BrokerClient) Orders(ctx context.Context) ([]core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.Order, len(m.orders))
	copy(out, m.orders)
	return out, nil
}

func (m *BrokerClient) LTP(ctx context.Context, keys []string) (map[string]core.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.healthErr != nil {
		return nil, m.healthErr
	}
	quotes := make(map[string]core.Quote, len(keys))
	for _, k := range keys {
		if price, ok := m.ltp[k]; ok {
			quotes[k] = core.Quote{LastPrice: price}
		}
	}
	return quotes, nil
}

// PlaceOrder records the order and fills it immediately. Order IDs are
// sequential so tests can assert on them.
func (m *BrokerClient) PlaceOrder(ctx context.Context, params core.OrderParams) (string, error) {
	if err := params.Validate(); err != nil {
		return "", fmt.Errorf("%w: %s", apperrors.ErrInvalidInput, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.placeOrderErr != nil {
		return "", m.placeOrderErr
	}

	m.orderSeq++
	orderID := fmt.Sprintf("MOCK%06d", m.orderSeq)
	price := m.ltp[params.Exchange+":"+params.TradingSymbol]
	m.orders = append(m.orders, core.Order{
		OrderID:         orderID,
		TradingSymbol:   params.TradingSymbol,
		Exchange:        params.Exchange,
		TransactionType: params.TransactionType,
		OrderType:       params.OrderType,
		Product:         params.Product,
		Variety:         params.Variety,
		Status:          core.StatusComplete,
		Quantity:        params.Quantity,
		FilledQuantity:  params.Quantity,
		Price:           price,
		Tag:             params.Tag,
		OrderTimestamp:  time.Now(),
	})

	// An exit closes the position at the broker.
	key := core.PositionKey{Exchange: params.Exchange, TradingSymbol: params.TradingSymbol}
	delete(m.positions, key)
	return orderID, nil
}

func (m *BrokerClient) CancelOrder(ctx context.Context, variety, orderID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, o := range m.orders {
		if o.OrderID == orderID {
			m.orders[i].Status = core.StatusCancelled
			return orderID, nil
		}
	}
	return "", apperrors.ErrOrderNotFound
}

func (m *BrokerClient) Close() {}

// NewTicker implements core.ITickerProvider. The same ticker instance is
// returned on every call so tests can drive it.
func (m *BrokerClient) NewTicker() core.ITicker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ticker == nil {
		m.ticker = NewTicker()
	}
	return m.ticker
}

// Ticker returns the ticker handed to the engine, or nil before NewTicker.
func (m *BrokerClient) Ticker() *Ticker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ticker
}

// AddPosition seeds or replaces a position. Zero-quantity rows are kept so
// tests can exercise flat-row handling.
func (m *BrokerClient) AddPosition(p core.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[p.Key()] = p
}

// RemovePosition drops a position, as if closed outside the engine.
func (m *BrokerClient) RemovePosition(exchange, symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, core.PositionKey{Exchange: exchange, TradingSymbol: symbol})
}

// UpdateLTP sets the REST last traded price for "EXCHANGE:SYMBOL".
func (m *BrokerClient) UpdateLTP(key string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ltp[key] = price
}

// SeedOrder puts an order into the day's book without going through
// PlaceOrder, as if it had been placed before the client existed.
func (m *BrokerClient) SeedOrder(o core.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append(m.orders, o)
}

// SetPlaceOrderError makes subsequent PlaceOrder calls fail with err.
// Pass nil to restore normal behavior.
func (m *BrokerClient) SetPlaceOrderError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placeOrderErr = err
}

// SetHealthError makes reads fail, simulating a broker outage.
func (m *BrokerClient) SetHealthError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthErr = err
}

// PlacedOrders returns every order placed so far.
func (m *BrokerClient) PlacedOrders() []core.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.Order, len(m.orders))
	copy(out, m.orders)
	return out
}
