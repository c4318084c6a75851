package eventstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exit_engine/internal/events"
	"exit_engine/pkg/logging"
)

type streamFixture struct {
	srv    *Server
	bus    *events.Bus
	http   *httptest.Server
	cancel context.CancelFunc
}

func newStreamFixture(t *testing.T, opts Options) *streamFixture {
	t.Helper()
	logger := logging.GetGlobalLogger()
	hub := NewHub(logger)
	srv := NewServer(hub, logger, opts)
	bus := events.NewBus(logger)
	detach := srv.Attach(bus)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.handleWebSocket)
	mux.HandleFunc("/health", srv.handleHealth)
	ts := httptest.NewServer(mux)

	t.Cleanup(func() {
		detach()
		cancel()
		ts.Close()
	})
	return &streamFixture{srv: srv, bus: bus, http: ts, cancel: cancel}
}

func (f *streamFixture) wsURL(query string) string {
	u := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var e events.Event
	require.NoError(t, json.Unmarshal(data, &e))
	return e
}

func waitClients(t *testing.T, srv *Server, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srv.ClientCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d clients, have %d", want, srv.ClientCount())
}

func TestStreamDeliversBusEvents(t *testing.T) {
	f := newStreamFixture(t, Options{})
	conn := dial(t, f.wsURL(""))
	waitClients(t, f.srv, 1)

	f.bus.Publish(events.New(events.OrderPlaced, "user1", map[string]interface{}{
		"symbol":   "SENSEX25D0486000CE",
		"order_id": "MOCK000001",
	}))

	e := readEvent(t, conn)
	assert.Equal(t, events.OrderPlaced, e.Type)
	assert.Equal(t, "user1", e.UserID)
	assert.Equal(t, "MOCK000001", e.Data["order_id"])
	assert.NotEmpty(t, e.ID)
}

func TestStreamUserFilter(t *testing.T) {
	f := newStreamFixture(t, Options{})
	filtered := dial(t, f.wsURL("user_id=user1"))
	all := dial(t, f.wsURL(""))
	waitClients(t, f.srv, 2)

	f.bus.Publish(events.New(events.PositionOpened, "user2", map[string]interface{}{"symbol": "INFY"}))
	f.bus.Publish(events.New(events.PositionOpened, "user1", map[string]interface{}{"symbol": "TCS"}))

	// The unfiltered observer sees both, in order.
	assert.Equal(t, "user2", readEvent(t, all).UserID)
	assert.Equal(t, "user1", readEvent(t, all).UserID)

	// The filtered observer sees only its user; the first frame it gets is
	// already the user1 event.
	got := readEvent(t, filtered)
	assert.Equal(t, "user1", got.UserID)
	assert.Equal(t, "TCS", got.Data["symbol"])
}

func TestStreamRejectsUnauthorizedOrigin(t *testing.T) {
	f := newStreamFixture(t, Options{AllowedOrigins: []string{"https://ops.example.com"}})

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL(""), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// No Origin header (non-browser client) is accepted.
	conn := dial(t, f.wsURL(""))
	waitClients(t, f.srv, 1)
	conn.Close()
}

func TestStreamConnectionLimit(t *testing.T) {
	f := newStreamFixture(t, Options{MaxConnections: 1})
	dial(t, f.wsURL(""))
	waitClients(t, f.srv, 1)

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL(""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStreamHealthEndpoint(t *testing.T) {
	f := newStreamFixture(t, Options{})
	dial(t, f.wsURL(""))
	waitClients(t, f.srv, 1)

	resp, err := http.Get(f.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["clients"])
}

func TestClientBackpressureDrops(t *testing.T) {
	c := NewClient("c1", "")
	for i := 0; i < clientBuffer; i++ {
		require.True(t, c.Send(events.New(events.PriceUpdate, "", nil)))
	}
	// Queue full: the next send reports failure instead of blocking.
	assert.False(t, c.Send(events.New(events.PriceUpdate, "", nil)))

	c.Close()
	c.Close() // idempotent
	assert.False(t, c.Send(events.New(events.PriceUpdate, "", nil)))
}

func TestClientWants(t *testing.T) {
	all := NewClient("a", "")
	scoped := NewClient("b", "user1")

	e1 := events.New(events.OrderPlaced, "user1", nil)
	e2 := events.New(events.OrderPlaced, "user2", nil)

	assert.True(t, all.wants(e1))
	assert.True(t, all.wants(e2))
	assert.True(t, scoped.wants(e1))
	assert.False(t, scoped.wants(e2))
}
