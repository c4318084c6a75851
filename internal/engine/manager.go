package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"exit_engine/internal/config"
	"exit_engine/internal/core"
	"exit_engine/internal/events"
	"exit_engine/pkg/concurrency"
	"exit_engine/pkg/telemetry"
)

// ClientFactory is the slice of the broker factory the manager needs.
type ClientFactory interface {
	GetClient(ctx context.Context, userID string) (core.IBrokerClient, error)
}

// Manager supervises one Engine per user: start/stop lifecycle, startup
// reconciliation over all active accounts, and status queries.
type Manager struct {
	cfg      *config.Config
	factory  ClientFactory
	bus      *events.Bus
	rules    core.IRulesRepository
	accounts core.IBrokerAccountRepository
	tradeLog core.ITradeLogRepository
	logger   core.ILogger

	exitPool *concurrency.WorkerPool
	location *time.Location

	mu      sync.Mutex
	engines map[string]*Engine
}

// NewManager wires the multi-user supervisor. The timezone comes from
// engine config; an unparseable zone falls back to the host's local time.
func NewManager(cfg *config.Config, factory ClientFactory, bus *events.Bus, rules core.IRulesRepository, accounts core.IBrokerAccountRepository, tradeLog core.ITradeLogRepository, logger core.ILogger) *Manager {
	loc := time.Local
	if cfg.Engine.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Engine.Timezone); err == nil {
			loc = l
		} else {
			logger.Warn("unknown engine timezone, using host local", "timezone", cfg.Engine.Timezone)
		}
	}

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "exit_orders",
		MaxWorkers:  cfg.Concurrency.ExitPoolSize,
		MaxCapacity: cfg.Concurrency.ExitPoolBuffer,
	}, logger)

	return &Manager{
		cfg:      cfg,
		factory:  factory,
		bus:      bus,
		rules:    rules,
		accounts: accounts,
		tradeLog: tradeLog,
		logger:   logger.WithField("component", "engine_manager"),
		exitPool: pool,
		location: loc,
		engines:  make(map[string]*Engine),
	}
}

// Start boots the engine for one user. Idempotent: starting a running user
// returns nil without a second engine. Fails with the factory's
// ErrNotConfigured when the user has no usable broker account.
func (m *Manager) Start(ctx context.Context, userID string) error {
	m.mu.Lock()
	if existing, ok := m.engines[userID]; ok && existing.Running() {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	client, err := m.factory.GetClient(ctx, userID)
	if err != nil {
		return fmt.Errorf("starting engine for user %s: %w", userID, err)
	}

	eng := New(userID, Config{
		PositionPollInterval: time.Duration(m.cfg.Engine.PositionPollInterval) * time.Second,
		PricePollInterval:    time.Duration(m.cfg.Engine.PricePollInterval) * time.Second,
		RulesRefreshInterval: time.Duration(m.cfg.Engine.RulesRefreshInterval) * time.Second,
		MaxAuthFailures:      m.cfg.Engine.MaxAuthFailures,
		UseTicker:            m.cfg.Engine.UseTicker,
		Location:             m.location,
		ClientSource: func(ctx context.Context) (core.IBrokerClient, error) {
			return m.factory.GetClient(ctx, userID)
		},
	}, client, m.bus, m.rules, m.tradeLog, m.exitPool, m.logger)

	m.mu.Lock()
	if existing, ok := m.engines[userID]; ok && existing.Running() {
		// Lost the race to another Start for the same user.
		m.mu.Unlock()
		return nil
	}
	m.engines[userID] = eng
	m.mu.Unlock()

	if err := eng.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.engines, userID)
		m.mu.Unlock()
		return err
	}

	m.logger.Info("engine started", "user_id", userID)
	m.bus.Publish(events.New(events.EngineStarted, userID, map[string]interface{}{
		"broker_id": client.BrokerID(),
	}))
	return nil
}

// Stop halts the user's engine and removes their bus handlers. Idempotent
// on an already-stopped or unknown user.
func (m *Manager) Stop(userID string) {
	m.mu.Lock()
	eng, ok := m.engines[userID]
	if ok {
		delete(m.engines, userID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	eng.Stop()
	m.bus.Publish(events.New(events.EngineStopped, userID, nil))
	m.bus.RemoveUserHandlers(userID)
	telemetry.GetGlobalMetrics().RemoveUser(userID)
	m.logger.Info("engine stopped", "user_id", userID)
}

// StartAll boots an engine for every user with an active broker account,
// or for the configured autostart list when one is set. Per-user failures
// are logged and skipped.
func (m *Manager) StartAll(ctx context.Context) error {
	userIDs := m.cfg.App.AutostartUsers
	if len(userIDs) == 0 {
		var err error
		userIDs, err = m.accounts.ListActiveUserIDs(ctx)
		if err != nil {
			return fmt.Errorf("listing active accounts: %w", err)
		}
	}

	for _, userID := range userIDs {
		if err := m.Start(ctx, userID); err != nil {
			m.logger.Error("autostart failed for user", "user_id", userID, "error", err)
		}
	}
	return nil
}

// StopAll halts every engine and the shared exit pool.
func (m *Manager) StopAll() {
	m.mu.Lock()
	userIDs := make([]string, 0, len(m.engines))
	for id := range m.engines {
		userIDs = append(userIDs, id)
	}
	m.mu.Unlock()

	for _, id := range userIDs {
		m.Stop(id)
	}
	m.exitPool.Stop()
}

// Status returns the engine state for one user. An unknown user reads as a
// stopped engine.
func (m *Manager) Status(userID string) core.EngineStatus {
	m.mu.Lock()
	eng, ok := m.engines[userID]
	m.mu.Unlock()
	if !ok {
		return core.EngineStatus{}
	}
	return eng.Status()
}

// ActiveTrades returns the trade snapshots for one user, or nil when no
// engine is running.
func (m *Manager) ActiveTrades(userID string) []core.TradeSnapshot {
	m.mu.Lock()
	eng, ok := m.engines[userID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return eng.ActiveTrades()
}

// RunningUsers lists users with a live engine.
func (m *Manager) RunningUsers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.engines))
	for id, eng := range m.engines {
		if eng.Running() {
			out = append(out, id)
		}
	}
	return out
}

// Health reports broker trouble across running engines: an engine paused
// waiting for its broker to come back fails the check.
func (m *Manager) Health() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for userID, eng := range m.engines {
		if eng.Running() && eng.Paused() {
			errs = append(errs, fmt.Errorf("engine for user %s paused on broker outage", userID))
		}
	}
	return errors.Join(errs...)
}

// TickerHealth fails when a running engine that should be streaming has no
// live socket. Always healthy when streaming is disabled; the engines run
// on LTP polling alone then.
func (m *Manager) TickerHealth() error {
	if !m.cfg.Engine.UseTicker {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for userID, eng := range m.engines {
		if eng.Running() && !eng.Status().TickerConnected {
			errs = append(errs, fmt.Errorf("ticker down for user %s", userID))
		}
	}
	return errors.Join(errs...)
}
