package mock

import (
	"context"
	"sync"

	"exit_engine/internal/core"
	apperrors "exit_engine/pkg/errors"
)

// Ticker is an in-memory core.ITicker driven by the test through EmitTicks
// and the other Emit helpers.
type Ticker struct {
	mu         sync.Mutex
	connected  bool
	subscribed map[uint32]string
	connectErr error

	onTicks     func(ticks []core.Tick)
	onConnect   func()
	onClose     func(code int, reason string)
	onError     func(err error)
	onReconnect func(attempt int)
}

// NewTicker returns a disconnected mock ticker.
func NewTicker() *Ticker {
	return &Ticker{subscribed: make(map[uint32]string)}
}

func (t *Ticker) OnTicks(fn func(ticks []core.Tick))       { t.onTicks = fn }
func (t *Ticker) OnConnect(fn func())                      { t.onConnect = fn }
func (t *Ticker) OnClose(fn func(code int, reason string)) { t.onClose = fn }
func (t *Ticker) OnError(fn func(err error))               { t.onError = fn }
func (t *Ticker) OnReconnect(fn func(attempt int))         { t.onReconnect = fn }

func (t *Ticker) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connectErr != nil {
		err := t.connectErr
		t.mu.Unlock()
		return err
	}
	t.connected = true
	cb := t.onConnect
	t.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

func (t *Ticker) Close() error {
	t.mu.Lock()
	t.connected = false
	cb := t.onClose
	t.mu.Unlock()
	if cb != nil {
		cb(1000, "closed")
	}
	return nil
}

func (t *Ticker) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Ticker) Subscribe(tokens []uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return apperrors.ErrNotConnected
	}
	for _, tok := range tokens {
		if _, ok := t.subscribed[tok]; !ok {
			t.subscribed[tok] = ""
		}
	}
	return nil
}

func (t *Ticker) Unsubscribe(tokens []uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tok := range tokens {
		delete(t.subscribed, tok)
	}
	return nil
}

func (t *Ticker) SetMode(mode string, tokens []uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return apperrors.ErrNotConnected
	}
	for _, tok := range tokens {
		t.subscribed[tok] = mode
	}
	return nil
}

// SetConnectError makes Connect fail with err.
func (t *Ticker) SetConnectError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectErr = err
}

// Subscribed reports whether a token is currently subscribed.
func (t *Ticker) Subscribed(token uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.subscribed[token]
	return ok
}

// EmitTicks delivers ticks to the registered handler, synchronously.
func (t *Ticker) EmitTicks(ticks []core.Tick) {
	if t.onTicks != nil {
		t.onTicks(ticks)
	}
}

// EmitError delivers a feed error.
func (t *Ticker) EmitError(err error) {
	if t.onError != nil {
		t.onError(err)
	}
}

// EmitDisconnect marks the feed down and fires the close callback.
func (t *Ticker) EmitDisconnect(code int, reason string) {
	t.mu.Lock()
	t.connected = false
	cb := t.onClose
	t.mu.Unlock()
	if cb != nil {
		cb(code, reason)
	}
}

// EmitReconnect fires the reconnect callback and marks the feed up again.
func (t *Ticker) EmitReconnect(attempt int) {
	t.mu.Lock()
	t.connected = true
	cb := t.onReconnect
	t.mu.Unlock()
	if cb != nil {
		cb(attempt)
	}
}
