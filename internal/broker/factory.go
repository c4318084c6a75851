// Package broker resolves stored accounts into live, cached broker clients.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"exit_engine/internal/broker/kite"
	"exit_engine/internal/config"
	"exit_engine/internal/core"
	"exit_engine/internal/crypto"
	apperrors "exit_engine/pkg/errors"
)

// Constructor builds a client for one broker from an account whose
// credentials have already been decrypted. onSessionExpired lets the client
// report a dead session so the factory can evict it.
type Constructor func(account *core.BrokerAccount, cfg config.BrokerConfig, onSessionExpired func(), logger core.ILogger) (core.IBrokerClient, error)

// Factory hands out broker clients per (user, broker), caching live clients
// so the key derivation and TLS setup are not repeated on every poll.
type Factory struct {
	accounts core.IBrokerAccountRepository
	crypto   *crypto.Manager
	cfg      *config.Config
	logger   core.ILogger
	cache    *gocache.Cache

	ttl          time.Duration
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewFactory wires the factory with the kite constructor pre-registered.
// Cached clients expire after the configured token cache TTL.
func NewFactory(accounts core.IBrokerAccountRepository, cryptoMgr *crypto.Manager, cfg *config.Config, logger core.ILogger) *Factory {
	ttl := time.Duration(cfg.Timing.TokenCacheTTL) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	f := &Factory{
		accounts:     accounts,
		crypto:       cryptoMgr,
		cfg:          cfg,
		logger:       logger.WithField("component", "broker_factory"),
		ttl:          ttl,
		cache:        gocache.New(ttl, 2*ttl),
		constructors: make(map[string]Constructor),
	}
	f.Register(kite.BrokerID, newKiteClient)
	return f
}

// Register adds a constructor for a broker ID, replacing any existing one.
func (f *Factory) Register(brokerID string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[brokerID] = ctor
}

// GetClient resolves the user's active account and returns a client for it.
func (f *Factory) GetClient(ctx context.Context, userID string) (core.IBrokerClient, error) {
	account, err := f.accounts.GetActiveByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading account for user %s: %w", userID, err)
	}
	if account == nil {
		return nil, fmt.Errorf("%w: user %s has no active broker account", apperrors.ErrNotConfigured, userID)
	}
	brokerID := account.BrokerID
	if brokerID == "" {
		brokerID = f.cfg.App.DefaultBroker
	}
	return f.clientFor(account, brokerID)
}

// GetClientForBroker returns a client for one specific broker linkage.
func (f *Factory) GetClientForBroker(ctx context.Context, userID, brokerID string) (core.IBrokerClient, error) {
	account, err := f.accounts.GetByUserAndBroker(ctx, userID, brokerID)
	if err != nil {
		return nil, fmt.Errorf("loading %s account for user %s: %w", brokerID, userID, err)
	}
	if account == nil {
		return nil, fmt.Errorf("%w: user %s has no %s account", apperrors.ErrNotConfigured, userID, brokerID)
	}
	return f.clientFor(account, brokerID)
}

func (f *Factory) clientFor(account *core.BrokerAccount, brokerID string) (core.IBrokerClient, error) {
	// The expiry check runs before the cache lookup so a cached client is
	// never handed out past token_expires_at; TokenValid works on the stored
	// row because the expiry timestamp is plaintext and the encrypted token
	// is empty exactly when the plaintext is.
	now := time.Now()
	key := cacheKey(account.UserID, brokerID)
	if !account.TokenValid(now) {
		f.Invalidate(account.UserID, brokerID)
		return nil, fmt.Errorf("%w: user %s broker %s", apperrors.ErrTokenExpired, account.UserID, brokerID)
	}
	if cached, ok := f.cache.Get(key); ok {
		return cached.(core.IBrokerClient), nil
	}

	f.mu.RLock()
	ctor, ok := f.constructors[brokerID]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown broker %q", apperrors.ErrNotConfigured, brokerID)
	}

	decrypted, err := f.decryptAccount(account)
	if err != nil {
		return nil, fmt.Errorf("decrypting credentials for user %s: %w", account.UserID, err)
	}

	brokerCfg := f.cfg.Brokers[brokerID]
	client, err := ctor(decrypted, brokerCfg, func() {
		f.logger.Warn("broker session expired, evicting client",
			"user_id", account.UserID, "broker_id", brokerID)
		f.Invalidate(account.UserID, brokerID)
	}, f.logger)
	if err != nil {
		return nil, err
	}

	// Cap the cache lifetime at the token's remaining validity so an entry
	// cannot outlive the session it wraps.
	ttl := f.ttl
	if account.TokenExpiresAt != nil {
		if remaining := account.TokenExpiresAt.Sub(now); remaining < ttl {
			ttl = remaining
		}
	}
	f.cache.Set(key, client, ttl)
	return client, nil
}

// decryptAccount returns a copy with plaintext credentials. The stored
// account is never mutated.
func (f *Factory) decryptAccount(account *core.BrokerAccount) (*core.BrokerAccount, error) {
	out := *account
	var err error
	if out.APIKey, err = f.crypto.Decrypt(account.APIKey); err != nil {
		return nil, err
	}
	if out.APISecret, err = f.crypto.Decrypt(account.APISecret); err != nil {
		return nil, err
	}
	if out.AccessToken, err = f.crypto.Decrypt(account.AccessToken); err != nil {
		return nil, err
	}
	if out.RefreshToken, err = f.crypto.Decrypt(account.RefreshToken); err != nil {
		return nil, err
	}
	return &out, nil
}

// Invalidate drops the cached client for one (user, broker) pair.
func (f *Factory) Invalidate(userID, brokerID string) {
	key := cacheKey(userID, brokerID)
	if cached, ok := f.cache.Get(key); ok {
		cached.(core.IBrokerClient).Close()
	}
	f.cache.Delete(key)
}

// ClearCache drops every cached client.
func (f *Factory) ClearCache() {
	for _, item := range f.cache.Items() {
		if client, ok := item.Object.(core.IBrokerClient); ok {
			client.Close()
		}
	}
	f.cache.Flush()
}

func cacheKey(userID, brokerID string) string {
	return userID + "|" + brokerID
}

func newKiteClient(account *core.BrokerAccount, cfg config.BrokerConfig, onSessionExpired func(), logger core.ILogger) (core.IBrokerClient, error) {
	client := kite.NewClient(kite.Config{
		APIKey:          account.APIKey,
		AccessToken:     account.AccessToken,
		BaseURL:         cfg.BaseURL,
		WSURL:           cfg.WSURL,
		Timeout:         time.Duration(cfg.TimeoutSeconds) * time.Second,
		RateLimitPerSec: cfg.RateLimitPerSec,
	}, logger)
	client.SetSessionExpiredHook(onSessionExpired)
	return client, nil
}
