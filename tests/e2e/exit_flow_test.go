package e2e

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exit_engine/internal/broker"
	"exit_engine/internal/config"
	"exit_engine/internal/core"
	"exit_engine/internal/crypto"
	"exit_engine/internal/engine"
	"exit_engine/internal/events"
	"exit_engine/internal/mock"
	"exit_engine/internal/rules"
	"exit_engine/internal/storage"
	"exit_engine/pkg/logging"
)

const e2eUser = "user-e2e"

type stack struct {
	store   *storage.Store
	client  *mock.BrokerClient
	bus     *events.Bus
	manager *engine.Manager

	mu       sync.Mutex
	observed []events.Event

	// account as seen by the broker constructor, after decryption
	ctorAccount *core.BrokerAccount
}

func newStack(t *testing.T) *stack {
	t.Helper()
	logger := logging.GetGlobalLogger()

	store, err := storage.Open(filepath.Join(t.TempDir(), "exit_engine.db"), 1000)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cryptoMgr := crypto.NewManager("e2e-master-secret", "e2e-salt")

	cfg := config.DefaultConfig()
	cfg.App.DefaultBroker = mock.BrokerID
	cfg.Engine.PositionPollInterval = 1
	cfg.Engine.PricePollInterval = 1
	cfg.Engine.RulesRefreshInterval = 1
	cfg.Engine.Timezone = "UTC"

	s := &stack{
		store:  store,
		client: mock.NewBrokerClient(),
		bus:    events.NewBus(logger),
	}
	s.bus.SubscribeAll(func(e events.Event) {
		s.mu.Lock()
		s.observed = append(s.observed, e)
		s.mu.Unlock()
	})

	factory := broker.NewFactory(store.BrokerAccounts(), cryptoMgr, cfg, logger)
	factory.Register(mock.BrokerID, func(account *core.BrokerAccount, _ config.BrokerConfig, _ func(), _ core.ILogger) (core.IBrokerClient, error) {
		s.mu.Lock()
		s.ctorAccount = account
		s.mu.Unlock()
		return s.client, nil
	})

	ctx := context.Background()
	expiry := time.Now().Add(time.Hour)
	apiKey, err := cryptoMgr.Encrypt("ak-e2e")
	require.NoError(t, err)
	token, err := cryptoMgr.Encrypt("token-e2e")
	require.NoError(t, err)
	require.NoError(t, store.BrokerAccounts().CreateOrUpdate(ctx, &core.BrokerAccount{
		ID:             "acct-e2e",
		UserID:         e2eUser,
		BrokerID:       mock.BrokerID,
		APIKey:         apiKey,
		AccessToken:    token,
		TokenExpiresAt: &expiry,
		IsActive:       true,
	}))

	s.manager = engine.NewManager(cfg, factory, s.bus, store.Rules(), store.BrokerAccounts(), store.TradeLog(), logger)
	t.Cleanup(s.manager.StopAll)
	return s
}

func (s *stack) events(eventType events.EventType) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, e := range s.observed {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

func takeProfitRule(target float64) rules.ExitRule {
	return rules.ExitRule{
		RuleID:        "rule-e2e-0001",
		Name:          "take profit",
		Enabled:       true,
		SymbolPattern: "*",
		ApplyTo:       rules.SideAll,
		TakeProfit: &rules.TakeProfitCondition{
			Enabled:       true,
			ConditionType: rules.ConditionRelative,
			Target:        target,
			OrderType:     rules.OrderMarket,
		},
	}
}

// The full path: rules persisted in SQLite, account credentials stored
// encrypted, engine started through the manager, a ticker trigger, and the
// exit order landing in the trade log.
func TestExitFlowThroughFullStack(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	require.NoError(t, s.store.Rules().SaveRules(ctx, e2eUser, &rules.TradingConfig{
		Version: rules.ConfigVersion,
		Rules:   []rules.ExitRule{takeProfitRule(100)},
	}))

	const token = 256265
	s.client.AddPosition(core.Position{
		InstrumentToken: token,
		TradingSymbol:   "INFY",
		Exchange:        "NSE",
		Product:         core.ProductMIS,
		Quantity:        100,
		BuyQuantity:     100,
		BuyPrice:        1500,
		AveragePrice:    1500,
		LastPrice:       1500,
		Multiplier:      1,
	})

	require.NoError(t, s.manager.Start(ctx, e2eUser))
	assert.Equal(t, []string{e2eUser}, s.manager.RunningUsers())

	waitFor(t, 5*time.Second, func() bool {
		return s.manager.Status(e2eUser).ActiveTrades == 1
	}, "position matched against stored rules")

	waitFor(t, 5*time.Second, func() bool {
		tk := s.client.Ticker()
		return tk != nil && tk.Subscribed(token)
	}, "instrument subscribed on ticker")

	// Below target: nothing fires.
	s.client.Ticker().EmitTicks([]core.Tick{{InstrumentToken: token, LastPrice: 1550}})
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, s.client.PlacedOrders())

	s.client.Ticker().EmitTicks([]core.Tick{{InstrumentToken: token, LastPrice: 1601}})
	waitFor(t, 5*time.Second, func() bool {
		return len(s.client.PlacedOrders()) == 1
	}, "exit order placed")

	order := s.client.PlacedOrders()[0]
	assert.Equal(t, core.TransactionSell, order.TransactionType)
	assert.Equal(t, core.OrderTypeMarket, order.OrderType)
	assert.Equal(t, int64(100), order.Quantity)
	assert.True(t, strings.HasPrefix(order.Tag, "TP_"), "tag %q", order.Tag)

	waitFor(t, 5*time.Second, func() bool {
		entries, err := s.store.TradeLog().ListByUser(ctx, e2eUser, 10)
		return err == nil && len(entries) == 1
	}, "trade persisted to log")

	entries, err := s.store.TradeLog().ListByUser(ctx, e2eUser, 10)
	require.NoError(t, err)
	assert.Equal(t, "INFY", entries[0].Symbol)
	assert.Equal(t, core.TransactionSell, entries[0].Side)
	assert.Equal(t, "PLACED", entries[0].Status)

	require.NotEmpty(t, s.events(events.TPTriggered))
	require.NotEmpty(t, s.events(events.OrderPlaced))

	s.manager.Stop(e2eUser)
	assert.Empty(t, s.manager.RunningUsers())
	require.NotEmpty(t, s.events(events.EngineStopped))
}

// Credentials go into storage encrypted and must reach the broker
// constructor as plaintext.
func TestBrokerCredentialsDecryptedOnStart(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	require.NoError(t, s.store.Rules().SaveRules(ctx, e2eUser, &rules.TradingConfig{
		Version: rules.ConfigVersion,
	}))
	require.NoError(t, s.manager.Start(ctx, e2eUser))

	s.mu.Lock()
	account := s.ctorAccount
	s.mu.Unlock()
	require.NotNil(t, account)
	assert.Equal(t, "ak-e2e", account.APIKey)
	assert.Equal(t, "token-e2e", account.AccessToken)

	// The stored row keeps the ciphertext.
	stored, err := s.store.BrokerAccounts().GetActiveByUser(ctx, e2eUser)
	require.NoError(t, err)
	assert.NotEqual(t, "ak-e2e", stored.APIKey)
	assert.NotEqual(t, "token-e2e", stored.AccessToken)
}

// An expired token must refuse to start the engine rather than hammer the
// broker with a dead session.
func TestExpiredTokenBlocksStart(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	expired := time.Now().Add(-time.Hour)
	stored, err := s.store.BrokerAccounts().GetActiveByUser(ctx, e2eUser)
	require.NoError(t, err)
	stored.TokenExpiresAt = &expired
	require.NoError(t, s.store.BrokerAccounts().CreateOrUpdate(ctx, stored))

	err = s.manager.Start(ctx, e2eUser)
	require.Error(t, err)
	assert.Empty(t, s.manager.RunningUsers())
}
