package eventstream

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"exit_engine/internal/events"
)

var (
	observerConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "eventstream_active_connections",
		Help: "Current number of connected event stream observers",
	})

	observerRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eventstream_rejected_total",
		Help: "Total number of rejected event stream connections",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(observerConnections)
	prometheus.MustRegister(observerRejectedTotal)
}

// Options tunes the server's connection policy.
type Options struct {
	AllowedOrigins []string
	MaxConnections int
	RateLimit      float64 // new connections per second per IP
	RateBurst      int
}

// Server accepts WebSocket observers on /ws and feeds them the bus event
// stream. An optional ?user_id= query restricts a connection to one user's
// events.
type Server struct {
	hub    *Hub
	logger Logger

	mu  sync.Mutex
	srv *http.Server

	upgrader       websocket.Upgrader
	allowedOrigins []string
	connSemaphore  chan struct{}
	ipLimiters     sync.Map // map[string]*rate.Limiter
	rateLimit      rate.Limit
	rateBurst      int
}

// NewServer creates a server over the hub. Zero option fields get sane
// defaults.
func NewServer(hub *Hub, logger Logger, opts Options) *Server {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 100
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 10
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 20
	}

	s := &Server{
		hub:            hub,
		logger:         logger,
		allowedOrigins: opts.AllowedOrigins,
		connSemaphore:  make(chan struct{}, opts.MaxConnections),
		rateLimit:      rate.Limit(opts.RateLimit),
		rateBurst:      opts.RateBurst,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Attach subscribes the hub to the bus so every published event reaches
// connected observers. The returned function detaches.
func (s *Server) Attach(bus *events.Bus) func() {
	return bus.SubscribeAll(s.hub.Broadcast)
}

// checkOrigin accepts browser connections only from the configured
// origins. Non-browser clients without an Origin header are accepted; the
// check exists to stop cross-site WebSocket hijacking, not API access.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		observerRejectedTotal.WithLabelValues("invalid_origin").Inc()
		return false
	}
	originStr := parsed.Scheme + "://" + parsed.Host

	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || originStr == allowed {
			return true
		}
	}

	if s.logger != nil {
		s.logger.Warn("rejected observer from unauthorized origin",
			"origin", origin, "remote_addr", r.RemoteAddr)
	}
	observerRejectedTotal.WithLabelValues("invalid_origin").Inc()
	return false
}

// Start serves until the context is cancelled. It runs the hub loop on the
// same lifetime.
func (s *Server) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.mu.Lock()
	s.srv = &http.Server{Addr: addr, Handler: mux}
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Info("event stream listening", "addr", addr)
	}

	go s.hub.Run(ctx)

	errChan := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return s.Stop(context.Background())
	}
}

// Stop shuts the HTTP listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// ClientCount returns the number of connected observers.
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	if !s.ipLimiter(ip).Allow() {
		observerRejectedTotal.WithLabelValues("rate_limit").Inc()
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	select {
	case s.connSemaphore <- struct{}{}:
		observerConnections.Inc()
		defer func() {
			<-s.connSemaphore
			observerConnections.Dec()
		}()
	default:
		observerRejectedTotal.WithLabelValues("connection_limit").Inc()
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("websocket upgrade failed", "error", err)
		}
		return
	}

	client := NewClient(uuid.NewString(), r.URL.Query().Get("user_id"))
	s.hub.Register(client)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writePump(conn, client)
	}()
	go func() {
		defer wg.Done()
		s.readPump(conn, client)
	}()
	wg.Wait()

	s.hub.Unregister(client)
	conn.Close()
}

// writePump streams queued events to the socket as JSON and keeps the
// connection alive with pings.
func (s *Server) writePump(conn *websocket.Conn, client *Client) {
	ping := time.NewTicker(54 * time.Second)
	defer ping.Stop()

	for {
		select {
		case e, ok := <-client.Events():
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				return
			}

		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes control frames. Observers never send data; a read
// error means the connection is gone.
func (s *Server) readPump(conn *websocket.Conn, client *Client) {
	defer s.hub.Unregister(client)

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
		"time":    time.Now().Unix(),
	})
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) ipLimiter(ip string) *rate.Limiter {
	if val, ok := s.ipLimiters.Load(ip); ok {
		return val.(*rate.Limiter)
	}
	limiter := rate.NewLimiter(s.rateLimit, s.rateBurst)
	actual, _ := s.ipLimiters.LoadOrStore(ip, limiter)
	return actual.(*rate.Limiter)
}
