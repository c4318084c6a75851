// Package alert fans operational alerts out to notification channels. The
// engine never calls it directly; the Bridge subscribes to the event bus
// and turns failure events into alerts off the trading path.
package alert

import (
	"context"
	"sync"
	"time"

	"exit_engine/internal/core"
	"exit_engine/pkg/concurrency"
)

type Level string

const (
	Info     Level = "INFO"
	Warning  Level = "WARNING"
	Error    Level = "ERROR"
	Critical Level = "CRITICAL"
)

// Payload is one alert as delivered to every channel.
type Payload struct {
	Level     Level
	Title     string
	Message   string
	UserID    string
	Timestamp time.Time
	Fields    map[string]string
}

// Channel delivers an alert to one destination.
type Channel interface {
	Send(ctx context.Context, alert Payload) error
	Name() string
}

// channelTimeout bounds one delivery attempt per channel.
const channelTimeout = 10 * time.Second

// Manager fans alerts out to its channels on a worker pool, so a slow
// webhook cannot back up the caller.
type Manager struct {
	mu       sync.RWMutex
	channels []Channel
	pool     *concurrency.WorkerPool
	logger   core.ILogger
}

// NewManager creates a manager delivering on the given pool. A nil pool
// delivers inline, which tests use for determinism.
func NewManager(pool *concurrency.WorkerPool, logger core.ILogger) *Manager {
	return &Manager{
		pool:   pool,
		logger: logger.WithField("component", "alert_manager"),
	}
}

// AddChannel registers a delivery channel.
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("alert channel added", "name", ch.Name())
}

// Channels returns the number of registered channels.
func (m *Manager) Channels() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channels)
}

// Alert delivers one alert to every channel. Delivery failures are logged,
// never returned: alerting must not fail the operation that raised it.
func (m *Manager) Alert(title, message string, level Level, userID string, fields map[string]string) {
	payload := Payload{
		Level:     level,
		Title:     title,
		Message:   message,
		UserID:    userID,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	m.mu.RLock()
	channels := make([]Channel, len(m.channels))
	copy(channels, m.channels)
	m.mu.RUnlock()

	for _, ch := range channels {
		ch := ch
		task := func() { m.deliver(ch, payload) }
		if m.pool != nil {
			if err := m.pool.Submit(task); err != nil {
				m.logger.Warn("alert pool full, dropping alert",
					"channel", ch.Name(), "title", title)
			}
		} else {
			task()
		}
	}
}

func (m *Manager) deliver(ch Channel, payload Payload) {
	ctx, cancel := context.WithTimeout(context.Background(), channelTimeout)
	defer cancel()
	if err := ch.Send(ctx, payload); err != nil {
		m.logger.Error("alert delivery failed",
			"channel", ch.Name(), "title", payload.Title, "error", err)
	}
}
