package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exit_engine/internal/config"
	"exit_engine/internal/core"
	"exit_engine/internal/crypto"
	"exit_engine/internal/mock"
	apperrors "exit_engine/pkg/errors"
	"exit_engine/pkg/logging"
)

// stubAccounts is an in-memory core.IBrokerAccountRepository.
type stubAccounts struct {
	accounts map[string]*core.BrokerAccount // userID -> account
}

func (s *stubAccounts) GetByUserAndBroker(_ context.Context, userID, brokerID string) (*core.BrokerAccount, error) {
	a, ok := s.accounts[userID]
	if !ok || a.BrokerID != brokerID {
		return nil, nil
	}
	return a, nil
}

func (s *stubAccounts) GetActiveByUser(_ context.Context, userID string) (*core.BrokerAccount, error) {
	a, ok := s.accounts[userID]
	if !ok || !a.IsActive {
		return nil, nil
	}
	return a, nil
}

func (s *stubAccounts) ListActiveUserIDs(context.Context) ([]string, error) {
	var ids []string
	for id, a := range s.accounts {
		if a.IsActive {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *stubAccounts) CreateOrUpdate(_ context.Context, account *core.BrokerAccount) error {
	s.accounts[account.UserID] = account
	return nil
}

func (s *stubAccounts) Delete(context.Context, string) error { return nil }

var testCrypto = crypto.NewManager("factory-test-secret", "factory-test-salt")

func sealed(t *testing.T, plaintext string) string {
	t.Helper()
	out, err := testCrypto.Encrypt(plaintext)
	require.NoError(t, err)
	return out
}

func newTestFactory(t *testing.T, accounts *stubAccounts) *Factory {
	t.Helper()
	cfg := config.DefaultConfig()
	f := NewFactory(accounts, testCrypto, cfg, logging.GetGlobalLogger())
	f.Register(mock.BrokerID, func(*core.BrokerAccount, config.BrokerConfig, func(), core.ILogger) (core.IBrokerClient, error) {
		return mock.NewBrokerClient(), nil
	})
	return f
}

func mockAccount(t *testing.T, userID string) *core.BrokerAccount {
	t.Helper()
	return &core.BrokerAccount{
		ID:          "acc-" + userID,
		UserID:      userID,
		BrokerID:    mock.BrokerID,
		APIKey:      sealed(t, "key"),
		AccessToken: sealed(t, "token"),
		IsActive:    true,
	}
}

func TestGetClientReturnsCachedInstance(t *testing.T) {
	accounts := &stubAccounts{accounts: map[string]*core.BrokerAccount{
		"user1": mockAccount(t, "user1"),
	}}
	f := newTestFactory(t, accounts)

	first, err := f.GetClient(context.Background(), "user1")
	require.NoError(t, err)
	second, err := f.GetClient(context.Background(), "user1")
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestGetClientNoAccount(t *testing.T) {
	f := newTestFactory(t, &stubAccounts{accounts: map[string]*core.BrokerAccount{}})

	_, err := f.GetClient(context.Background(), "ghost")
	assert.ErrorIs(t, err, apperrors.ErrNotConfigured)
}

func TestGetClientInactiveAccount(t *testing.T) {
	acc := mockAccount(t, "user1")
	acc.IsActive = false
	f := newTestFactory(t, &stubAccounts{accounts: map[string]*core.BrokerAccount{"user1": acc}})

	_, err := f.GetClient(context.Background(), "user1")
	assert.ErrorIs(t, err, apperrors.ErrNotConfigured)
}

func TestGetClientExpiredToken(t *testing.T) {
	acc := mockAccount(t, "user1")
	past := time.Now().Add(-time.Hour)
	acc.TokenExpiresAt = &past
	f := newTestFactory(t, &stubAccounts{accounts: map[string]*core.BrokerAccount{"user1": acc}})

	_, err := f.GetClient(context.Background(), "user1")
	assert.ErrorIs(t, err, apperrors.ErrTokenExpired)
}

func TestCachedClientNotReusedAfterTokenExpiry(t *testing.T) {
	acc := mockAccount(t, "user1")
	expiry := time.Now().Add(150 * time.Millisecond)
	acc.TokenExpiresAt = &expiry
	accounts := &stubAccounts{accounts: map[string]*core.BrokerAccount{"user1": acc}}
	f := newTestFactory(t, accounts)

	_, err := f.GetClient(context.Background(), "user1")
	require.NoError(t, err)

	// Token lapses while the client is still inside the cache TTL.
	past := time.Now().Add(-time.Second)
	acc.TokenExpiresAt = &past

	_, err = f.GetClient(context.Background(), "user1")
	assert.ErrorIs(t, err, apperrors.ErrTokenExpired)
}

func TestGetClientUnknownBroker(t *testing.T) {
	acc := mockAccount(t, "user1")
	acc.BrokerID = "nonexistent"
	f := newTestFactory(t, &stubAccounts{accounts: map[string]*core.BrokerAccount{"user1": acc}})

	_, err := f.GetClient(context.Background(), "user1")
	assert.ErrorIs(t, err, apperrors.ErrNotConfigured)
}

func TestConstructorReceivesDecryptedCredentials(t *testing.T) {
	accounts := &stubAccounts{accounts: map[string]*core.BrokerAccount{
		"user1": mockAccount(t, "user1"),
	}}
	cfg := config.DefaultConfig()
	f := NewFactory(accounts, testCrypto, cfg, logging.GetGlobalLogger())

	var gotKey, gotToken string
	f.Register(mock.BrokerID, func(a *core.BrokerAccount, _ config.BrokerConfig, _ func(), _ core.ILogger) (core.IBrokerClient, error) {
		gotKey, gotToken = a.APIKey, a.AccessToken
		return mock.NewBrokerClient(), nil
	})

	_, err := f.GetClient(context.Background(), "user1")
	require.NoError(t, err)
	assert.Equal(t, "key", gotKey)
	assert.Equal(t, "token", gotToken)

	// Stored account stays encrypted.
	assert.NotEqual(t, "key", accounts.accounts["user1"].APIKey)
}

func TestInvalidateEvictsClient(t *testing.T) {
	accounts := &stubAccounts{accounts: map[string]*core.BrokerAccount{
		"user1": mockAccount(t, "user1"),
	}}
	f := newTestFactory(t, accounts)

	first, err := f.GetClient(context.Background(), "user1")
	require.NoError(t, err)

	f.Invalidate("user1", mock.BrokerID)

	second, err := f.GetClient(context.Background(), "user1")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}

func TestSessionExpiryCallbackEvicts(t *testing.T) {
	accounts := &stubAccounts{accounts: map[string]*core.BrokerAccount{
		"user1": mockAccount(t, "user1"),
	}}
	cfg := config.DefaultConfig()
	f := NewFactory(accounts, testCrypto, cfg, logging.GetGlobalLogger())

	var expire func()
	f.Register(mock.BrokerID, func(_ *core.BrokerAccount, _ config.BrokerConfig, onSessionExpired func(), _ core.ILogger) (core.IBrokerClient, error) {
		expire = onSessionExpired
		return mock.NewBrokerClient(), nil
	})

	first, err := f.GetClient(context.Background(), "user1")
	require.NoError(t, err)
	require.NotNil(t, expire)

	expire()

	second, err := f.GetClient(context.Background(), "user1")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}
