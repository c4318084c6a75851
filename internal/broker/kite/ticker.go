package kite

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"exit_engine/internal/core"
	apperrors "exit_engine/pkg/errors"
	ws "exit_engine/pkg/websocket"

	gws "github.com/gorilla/websocket"
)

// Ticker actions on the control channel.
const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
	actionMode        = "mode"
)

// wsRequest is the JSON control message sent to the feed.
// Subscribe/unsubscribe carry a token list; mode carries ["mode", [tokens]].
type wsRequest struct {
	Action string      `json:"a"`
	Value  interface{} `json:"v"`
}

// Ticker is the streaming price feed. It implements core.ITicker on top of
// the reconnecting websocket client and replays subscriptions and modes on
// every (re)connect.
type Ticker struct {
	client *ws.Client
	logger core.ILogger

	mu         sync.Mutex
	subscribed map[uint32]string // token -> mode ("" until SetMode)

	onTicks     func(ticks []core.Tick)
	onConnect   func()
	onClose     func(code int, reason string)
	onError     func(err error)
	onReconnect func(attempt int)

	connectTimeout time.Duration
}

// NewTicker builds a Ticker for the given credentials. Callbacks must be
// registered before Connect.
func NewTicker(cfg Config, logger core.ILogger) *Ticker {
	t := &Ticker{
		subscribed:     make(map[uint32]string),
		logger:         logger.WithField("component", "kite_ticker"),
		connectTimeout: 30 * time.Second,
	}

	q := url.Values{}
	q.Set("api_key", cfg.APIKey)
	q.Set("access_token", cfg.AccessToken)
	wsURL := cfg.WSURL
	if wsURL == "" {
		wsURL = DefaultWSURL
	}

	t.client = ws.NewClient(wsURL+"?"+q.Encode(), t.handleMessage, t.logger)
	t.client.SetReconnectConfig(2*time.Second, 60*time.Second, 50)
	t.client.SetPingConfig(30*time.Second, 10*time.Second, 40*time.Second)
	t.client.SetOnConnected(t.handleConnected)
	t.client.SetOnDisconnect(t.handleDisconnect)
	t.client.SetOnReconnect(func(attempt int, _ time.Duration) {
		if t.onReconnect != nil {
			t.onReconnect(attempt)
		}
	})
	return t
}

func (t *Ticker) OnTicks(fn func(ticks []core.Tick))        { t.onTicks = fn }
func (t *Ticker) OnConnect(fn func())                       { t.onConnect = fn }
func (t *Ticker) OnClose(fn func(code int, reason string))  { t.onClose = fn }
func (t *Ticker) OnError(fn func(err error))                { t.onError = fn }
func (t *Ticker) OnReconnect(fn func(attempt int))          { t.onReconnect = fn }

// Connect starts the feed and waits for the first connection, or for ctx,
// or for the connect timeout.
func (t *Ticker) Connect(ctx context.Context) error {
	t.client.Start()

	deadline := time.NewTimer(t.connectTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			t.client.Stop()
			return ctx.Err()
		case <-deadline.C:
			t.client.Stop()
			return fmt.Errorf("%w: ticker connect timed out", apperrors.ErrNetwork)
		case <-poll.C:
			if t.client.IsConnected() {
				return nil
			}
		}
	}
}

// Close stops the feed.
func (t *Ticker) Close() error {
	t.client.Stop()
	return nil
}

// IsConnected reports whether the feed connection is up.
func (t *Ticker) IsConnected() bool {
	return t.client.IsConnected()
}

// Subscribe registers tokens for streaming. Subscriptions survive reconnects.
func (t *Ticker) Subscribe(tokens []uint32) error {
	if len(tokens) == 0 {
		return nil
	}
	t.mu.Lock()
	for _, tok := range tokens {
		if _, ok := t.subscribed[tok]; !ok {
			t.subscribed[tok] = ""
		}
	}
	t.mu.Unlock()
	return t.send(wsRequest{Action: actionSubscribe, Value: tokens})
}

// Unsubscribe removes tokens from the stream.
func (t *Ticker) Unsubscribe(tokens []uint32) error {
	if len(tokens) == 0 {
		return nil
	}
	t.mu.Lock()
	for _, tok := range tokens {
		delete(t.subscribed, tok)
	}
	t.mu.Unlock()
	return t.send(wsRequest{Action: actionUnsubscribe, Value: tokens})
}

// SetMode switches the packet detail level for the given tokens.
func (t *Ticker) SetMode(mode string, tokens []uint32) error {
	if len(tokens) == 0 {
		return nil
	}
	t.mu.Lock()
	for _, tok := range tokens {
		t.subscribed[tok] = mode
	}
	t.mu.Unlock()
	return t.send(wsRequest{Action: actionMode, Value: []interface{}{mode, tokens}})
}

func (t *Ticker) send(req wsRequest) error {
	if !t.client.IsConnected() {
		return apperrors.ErrNotConnected
	}
	return t.client.Send(req)
}

// handleConnected replays the subscription book after every (re)connect,
// grouped by mode so each group gets one mode message.
func (t *Ticker) handleConnected() {
	t.mu.Lock()
	plain := make([]uint32, 0, len(t.subscribed))
	byMode := make(map[string][]uint32)
	for tok, mode := range t.subscribed {
		plain = append(plain, tok)
		if mode != "" {
			byMode[mode] = append(byMode[mode], tok)
		}
	}
	t.mu.Unlock()

	if len(plain) > 0 {
		if err := t.client.Send(wsRequest{Action: actionSubscribe, Value: plain}); err != nil {
			t.logger.Error("resubscribe failed", "error", err)
		}
	}
	for mode, tokens := range byMode {
		if err := t.client.Send(wsRequest{Action: actionMode, Value: []interface{}{mode, tokens}}); err != nil {
			t.logger.Error("mode replay failed", "mode", mode, "error", err)
		}
	}

	if t.onConnect != nil {
		t.onConnect()
	}
}

func (t *Ticker) handleDisconnect(err error) {
	if err == nil {
		if t.onClose != nil {
			t.onClose(gws.CloseNormalClosure, "closed")
		}
		return
	}
	if t.onError != nil {
		t.onError(err)
	}
	if t.onClose != nil {
		code := gws.CloseAbnormalClosure
		if ce, ok := err.(*gws.CloseError); ok {
			code = ce.Code
		}
		t.onClose(code, err.Error())
	}
}

// handleMessage dispatches inbound frames. Binary frames are tick data;
// text frames are control notices, of which only errors are surfaced.
func (t *Ticker) handleMessage(messageType int, message []byte) {
	switch messageType {
	case gws.BinaryMessage:
		// 1-byte frames are feed heartbeats.
		if len(message) < 2 {
			return
		}
		ticks, err := ParseBinary(message)
		if err != nil {
			t.logger.Warn("dropping undecodable tick packets",
				"error", err, "bytes", len(message), "ticks_kept", len(ticks))
		}
		if len(ticks) > 0 && t.onTicks != nil {
			t.onTicks(ticks)
		}

	case gws.TextMessage:
		var notice struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(message, &notice); err != nil {
			return
		}
		if notice.Type == "error" && t.onError != nil {
			var msg string
			_ = json.Unmarshal(notice.Data, &msg)
			t.onError(fmt.Errorf("feed error: %s", msg))
		}
	}
}
