// Package core defines the shared types and interfaces of the exit engine.
package core

import (
	"context"

	"exit_engine/internal/rules"
)

// IBrokerClient is the REST capability of a broker adapter. A broker may
// additionally implement ITickerProvider for streaming prices; the engine
// falls back to LTP polling when it does not.
type IBrokerClient interface {
	BrokerID() string
	CheckHealth(ctx context.Context) error
	Profile(ctx context.Context) (*UserProfile, error)
	Positions(ctx context.Context) (*PositionBook, error)
	Orders(ctx context.Context) ([]Order, error)
	LTP(ctx context.Context, keys []string) (map[string]Quote, error)
	PlaceOrder(ctx context.Context, params OrderParams) (string, error)
	CancelOrder(ctx context.Context, variety, orderID string) (string, error)
	Close()
}

// ITickerProvider is implemented by broker clients that can open a
// streaming price connection.
type ITickerProvider interface {
	NewTicker() ITicker
}

// ITicker is a streaming market-data connection. Callbacks must be set
// before Connect; the implementation serializes all callback invocations.
type ITicker interface {
	OnTicks(fn func(ticks []Tick))
	OnConnect(fn func())
	OnClose(fn func(code int, reason string))
	OnError(fn func(err error))
	OnReconnect(fn func(attempt int))

	Connect(ctx context.Context) error
	Close() error
	IsConnected() bool
	Subscribe(tokens []uint32) error
	Unsubscribe(tokens []uint32) error
	SetMode(mode string, tokens []uint32) error
}

// IRulesRepository loads and stores per-user exit rule sets.
type IRulesRepository interface {
	// GetRules returns the user's rule document, or nil when none exists.
	GetRules(ctx context.Context, userID string) (*rules.TradingConfig, error)
	SaveRules(ctx context.Context, userID string, cfg *rules.TradingConfig) error
}

// IBrokerAccountRepository stores encrypted broker credentials per user.
type IBrokerAccountRepository interface {
	GetByUserAndBroker(ctx context.Context, userID, brokerID string) (*BrokerAccount, error)
	GetActiveByUser(ctx context.Context, userID string) (*BrokerAccount, error)
	ListActiveUserIDs(ctx context.Context) ([]string, error)
	CreateOrUpdate(ctx context.Context, account *BrokerAccount) error
	Delete(ctx context.Context, id string) error
}

// ITradeLogRepository records executor outcomes.
type ITradeLogRepository interface {
	LogTrade(ctx context.Context, entry *TradeLogEntry) (string, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]TradeLogEntry, error)
}

// IHealthMonitor aggregates component health checks.
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
