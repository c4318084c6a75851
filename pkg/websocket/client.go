// Package websocket provides a reusable WebSocket client with automatic reconnection
package websocket

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"context"

	"exit_engine/internal/core"
	"exit_engine/pkg/telemetry"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrReconnectExhausted is reported to the disconnect callback when the
// client gives up after the configured number of attempts.
var ErrReconnectExhausted = errors.New("websocket reconnect attempts exhausted")

// MessageHandler handles incoming WebSocket messages. messageType is a
// gorilla/websocket frame type; price streams deliver binary frames while
// control notices arrive as text.
type MessageHandler func(messageType int, message []byte)

// Client is a resilient WebSocket client
type Client struct {
	url     string
	handler MessageHandler

	baseReconnectWait time.Duration
	maxReconnectWait  time.Duration
	maxReconnectTries int

	conn *websocket.Conn
	mu   sync.Mutex

	connected atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onConnected  func()          // Callback when connected (useful for subscriptions)
	onDisconnect func(err error) // Callback when the connection drops or the client gives up
	onReconnect  func(attempt int, wait time.Duration)

	pingInterval time.Duration
	pingWait     time.Duration
	pongWait     time.Duration
	writeWait    time.Duration

	// Logger
	logger core.ILogger

	// OTel
	tracer      trace.Tracer
	msgCounter  metric.Int64Counter
	connCounter metric.Int64Counter
	latencyHist metric.Float64Histogram
}

// NewClient creates a new WebSocket client
func NewClient(url string, handler MessageHandler, logger core.ILogger) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	tracer := telemetry.GetTracer("ws-client")
	meter := telemetry.GetMeter("ws-client")

	msgCounter, _ := meter.Int64Counter("ws_messages_total",
		metric.WithDescription("Total number of WebSocket messages received"))
	connCounter, _ := meter.Int64Counter("ws_connections_total",
		metric.WithDescription("Total number of WebSocket connections initiated"))
	latencyHist, _ := meter.Float64Histogram("ws_message_processing_latency_seconds",
		metric.WithDescription("Latency of processing WebSocket messages in seconds"))

	return &Client{
		url:               url,
		handler:           handler,
		baseReconnectWait: 1 * time.Second,
		maxReconnectWait:  60 * time.Second,
		maxReconnectTries: 50,
		pingInterval:      30 * time.Second,
		pingWait:          10 * time.Second,
		pongWait:          40 * time.Second,
		writeWait:         5 * time.Second,
		ctx:               ctx,
		cancel:            cancel,
		tracer:            tracer,
		msgCounter:        msgCounter,
		connCounter:       connCounter,
		latencyHist:       latencyHist,
		logger:            logger,
	}
}

// SetReconnectConfig sets the backoff schedule: the wait starts at base and
// doubles up to max; after tries consecutive failures the client gives up.
func (c *Client) SetReconnectConfig(base, max time.Duration, tries int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if base > 0 {
		c.baseReconnectWait = base
	}
	if max > 0 {
		c.maxReconnectWait = max
	}
	if tries > 0 {
		c.maxReconnectTries = tries
	}
}

// SetPingConfig sets the ping/pong configuration
func (c *Client) SetPingConfig(interval, wait, pongWait time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingInterval = interval
	c.pingWait = wait
	c.pongWait = pongWait
}

// SetOnConnected sets the callback for when the connection is established
func (c *Client) SetOnConnected(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = cb
}

// SetOnDisconnect sets the callback for when the connection drops. It also
// fires with ErrReconnectExhausted when the client stops trying.
func (c *Client) SetOnDisconnect(cb func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = cb
}

// SetOnReconnect sets the callback fired before each reconnect attempt.
func (c *Client) SetOnReconnect(cb func(attempt int, wait time.Duration)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = cb
}

// IsConnected reports whether a connection is currently established.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Send sends a JSON message over the WebSocket
func (c *Client) Send(message interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}

	c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.conn.WriteJSON(message)
}

// Start connects and begins listening for messages
func (c *Client) Start() {
	c.wg.Add(1)
	go c.runLoop()
}

// Stop closes the connection and stops the loop
func (c *Client) Stop() {
	c.cancel()

	// Wait for all goroutines to exit (with timeout)
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		// All goroutines exited cleanly
	case <-time.After(5 * time.Second):
		if c.logger != nil {
			c.logger.Warn("WebSocket client Stop: some goroutines did not exit within timeout")
		}
	}

	c.closeConn()
}

func (c *Client) runLoop() {
	defer c.wg.Done()

	attempt := 0
	wait := c.baseReconnectWait

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			if err := c.connect(); err != nil {
				attempt++
				if c.logger != nil {
					c.logger.Error("WebSocket connect failed",
						"url", c.url, "attempt", attempt, "error", err)
				}
				if attempt >= c.maxReconnectTries {
					if c.logger != nil {
						c.logger.Error("WebSocket giving up",
							"url", c.url, "attempts", attempt)
					}
					c.notifyDisconnect(ErrReconnectExhausted)
					return
				}
				c.notifyReconnect(attempt, wait)
				select {
				case <-c.ctx.Done():
					return
				case <-time.After(wait):
				}
				wait = minDuration(wait*2, c.maxReconnectWait)
				continue
			}

			// Connected: reset the backoff schedule.
			attempt = 0
			wait = c.baseReconnectWait

			c.mu.Lock()
			onConnected := c.onConnected
			pingInterval := c.pingInterval
			c.mu.Unlock()

			if onConnected != nil {
				onConnected()
			}

			// Start heartbeat if interval > 0
			heartbeatCtx, heartbeatCancel := context.WithCancel(c.ctx)
			if pingInterval > 0 {
				c.wg.Add(1)
				go c.heartbeat(heartbeatCtx)
			}

			readErr := c.readLoop()
			heartbeatCancel()
			c.notifyDisconnect(readErr)

			// If readLoop returns, connection was lost
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}
}

func (c *Client) heartbeat(ctx context.Context) {
	defer c.wg.Done()
	c.mu.Lock()
	interval := c.pingInterval
	wait := c.pingWait
	c.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()

			if conn == nil {
				return
			}

			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(wait)); err != nil {
				// If ping fails, close connection to trigger reconnect
				c.closeConn()
				return
			}
		}
	}
}

func (c *Client) connect() error {
	ctx, span := c.tracer.Start(c.ctx, "WS Connect",
		trace.WithAttributes(attribute.String("ws.url", c.url)),
	)
	defer span.End()

	c.connCounter.Add(ctx, 1)

	c.mu.Lock()
	defer c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		span.RecordError(err)
		return err
	}

	// Set pong handler
	conn.SetReadDeadline(time.Now().Add(c.pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.pongWait))
		return nil
	})

	c.conn = conn
	c.connected.Store(true)
	return nil
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connected.Store(false)
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) readLoop() error {
	defer c.closeConn()

	for {
		select {
		case <-c.ctx.Done():
			return nil
		default:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return nil
			}

			messageType, message, err := conn.ReadMessage()
			if err != nil {
				return err
			}

			// Any inbound frame proves the peer is alive.
			conn.SetReadDeadline(time.Now().Add(c.pongWait))

			start := time.Now()
			c.msgCounter.Add(c.ctx, 1)

			if c.handler != nil {
				c.handler(messageType, message)
			}

			duration := time.Since(start).Seconds()
			c.latencyHist.Record(c.ctx, duration)
		}
	}
}

func (c *Client) notifyDisconnect(err error) {
	c.mu.Lock()
	cb := c.onDisconnect
	c.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

func (c *Client) notifyReconnect(attempt int, wait time.Duration) {
	c.mu.Lock()
	cb := c.onReconnect
	c.mu.Unlock()
	if cb != nil {
		cb(attempt, wait)
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
