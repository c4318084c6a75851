// Package kite implements the Kite Connect broker adapter: the typed REST
// client, the streaming ticker, and the binary tick parser.
package kite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"exit_engine/internal/core"
	apperrors "exit_engine/pkg/errors"
	"exit_engine/pkg/httpx"
	"exit_engine/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

const (
	// BrokerID identifies this adapter in accounts and the factory.
	BrokerID = "kite"

	headerVersion = "3"
	userAgent     = "exit-engine-go/1.0"

	// DefaultBaseURL and DefaultWSURL are the broker's production
	// endpoints.
	DefaultBaseURL = "https://api.kite.trade"
	DefaultWSURL   = "wss://ws.kite.trade"

	// DefaultTimeout bounds every REST call.
	DefaultTimeout = 7 * time.Second
)

// API route table.
const (
	routeProfile    = "/user/profile"
	routeMargins    = "/user/margins"
	routeOrders     = "/orders"
	routePositions  = "/portfolio/positions"
	routeLTP        = "/quote/ltp"
	routeOrderPath  = "/orders/%s"    // variety
	routeOrderByID  = "/orders/%s/%s" // variety, order_id
)

// Config carries per-client construction parameters. Credentials arrive
// already decrypted from the factory.
type Config struct {
	APIKey          string
	AccessToken     string
	BaseURL         string
	WSURL           string
	Timeout         time.Duration
	RateLimitPerSec int
}

// Client is the Kite Connect REST adapter. It implements
// core.IBrokerClient and, since the broker offers a streaming feed,
// core.ITickerProvider.
type Client struct {
	cfg     Config
	http    *httpx.Client
	limiter *rate.Limiter
	logger  core.ILogger

	// Invoked once when the API answers 403 TokenException. The factory
	// uses it to purge the cached client.
	onSessionExpired func()

	latencyHist metric.Float64Histogram
}

// NewClient builds a REST client for one user's credentials.
func NewClient(cfg Config, logger core.ILogger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.WSURL == "" {
		cfg.WSURL = DefaultWSURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RateLimitPerSec <= 0 {
		cfg.RateLimitPerSec = 3
	}

	c := &Client{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitPerSec),
		logger:  logger.WithField("component", "kite_client"),
	}
	c.http = httpx.NewClient(cfg.BaseURL, cfg.Timeout, c)

	meter := telemetry.GetMeter("kite-client")
	c.latencyHist, _ = meter.Float64Histogram(telemetry.MetricBrokerLatency,
		metric.WithDescription("Latency of broker API calls"), metric.WithUnit("ms"))
	return c
}

// SignRequest implements httpx.Signer with the broker's token auth scheme.
func (c *Client) SignRequest(req *http.Request) error {
	req.Header.Set("X-Kite-Version", headerVersion)
	req.Header.Set("User-Agent", userAgent)
	if c.cfg.APIKey != "" && c.cfg.AccessToken != "" {
		req.Header.Set("Authorization", "token "+c.cfg.APIKey+":"+c.cfg.AccessToken)
	}
	return nil
}

// SetSessionExpiredHook registers fn to run when the broker reports the
// session as expired.
func (c *Client) SetSessionExpiredHook(fn func()) {
	c.onSessionExpired = fn
}

// BrokerID implements core.IBrokerClient.
func (c *Client) BrokerID() string { return BrokerID }

// NewTicker implements core.ITickerProvider.
func (c *Client) NewTicker() core.ITicker {
	return NewTicker(c.cfg, c.logger)
}

// Close releases the client. The underlying HTTP transport is shared and
// needs no teardown.
func (c *Client) Close() {}

// CheckHealth verifies the credentials by fetching the profile.
func (c *Client) CheckHealth(ctx context.Context) error {
	_, err := c.Profile(ctx)
	return err
}

// Profile fetches the account holder's identity.
func (c *Client) Profile(ctx context.Context) (*core.UserProfile, error) {
	var out struct {
		UserID    string   `json:"user_id"`
		UserName  string   `json:"user_name"`
		Email     string   `json:"email"`
		Broker    string   `json:"broker"`
		Exchanges []string `json:"exchanges"`
		Products  []string `json:"products"`
	}
	if err := c.get(ctx, routeProfile, nil, &out); err != nil {
		return nil, err
	}
	return &core.UserProfile{
		UserID:    out.UserID,
		UserName:  out.UserName,
		Email:     out.Email,
		Broker:    out.Broker,
		Exchanges: out.Exchanges,
		Products:  out.Products,
	}, nil
}

// positionRow is the wire shape of one position book row.
type positionRow struct {
	InstrumentToken uint32  `json:"instrument_token"`
	TradingSymbol   string  `json:"tradingsymbol"`
	Exchange        string  `json:"exchange"`
	Product         string  `json:"product"`
	Quantity        int64   `json:"quantity"`
	AveragePrice    float64 `json:"average_price"`
	LastPrice       float64 `json:"last_price"`
	PnL             float64 `json:"pnl"`
	BuyQuantity     int64   `json:"buy_quantity"`
	SellQuantity    int64   `json:"sell_quantity"`
	BuyPrice        float64 `json:"buy_price"`
	SellPrice       float64 `json:"sell_price"`
	Multiplier      float64 `json:"multiplier"`
}

func (p positionRow) toPosition() core.Position {
	return core.Position{
		InstrumentToken: p.InstrumentToken,
		TradingSymbol:   p.TradingSymbol,
		Exchange:        p.Exchange,
		Product:         p.Product,
		Quantity:        p.Quantity,
		AveragePrice:    p.AveragePrice,
		LastPrice:       p.LastPrice,
		PnL:             p.PnL,
		BuyQuantity:     p.BuyQuantity,
		SellQuantity:    p.SellQuantity,
		BuyPrice:        p.BuyPrice,
		SellPrice:       p.SellPrice,
		Multiplier:      p.Multiplier,
	}
}

// Positions fetches the position book.
func (c *Client) Positions(ctx context.Context) (*core.PositionBook, error) {
	var out struct {
		Net []positionRow `json:"net"`
		Day []positionRow `json:"day"`
	}
	if err := c.get(ctx, routePositions, nil, &out); err != nil {
		return nil, err
	}
	book := &core.PositionBook{
		Net: make([]core.Position, 0, len(out.Net)),
		Day: make([]core.Position, 0, len(out.Day)),
	}
	for _, row := range out.Net {
		book.Net = append(book.Net, row.toPosition())
	}
	for _, row := range out.Day {
		book.Day = append(book.Day, row.toPosition())
	}
	return book, nil
}

// Orders fetches the day's order book.
func (c *Client) Orders(ctx context.Context) ([]core.Order, error) {
	var out []struct {
		OrderID         string  `json:"order_id"`
		ExchangeOrderID string  `json:"exchange_order_id"`
		TradingSymbol   string  `json:"tradingsymbol"`
		Exchange        string  `json:"exchange"`
		TransactionType string  `json:"transaction_type"`
		OrderType       string  `json:"order_type"`
		Product         string  `json:"product"`
		Variety         string  `json:"variety"`
		Status          string  `json:"status"`
		Quantity        int64   `json:"quantity"`
		FilledQuantity  int64   `json:"filled_quantity"`
		Price           float64 `json:"price"`
		TriggerPrice    float64 `json:"trigger_price"`
		Tag             string  `json:"tag"`
		StatusMessage   string  `json:"status_message"`
		OrderTimestamp  string  `json:"order_timestamp"`
	}
	if err := c.get(ctx, routeOrders, nil, &out); err != nil {
		return nil, err
	}

	orders := make([]core.Order, 0, len(out))
	for _, row := range out {
		ts, _ := time.Parse("2006-01-02 15:04:05", row.OrderTimestamp)
		orders = append(orders, core.Order{
			OrderID:         row.OrderID,
			ExchangeOrderID: row.ExchangeOrderID,
			TradingSymbol:   row.TradingSymbol,
			Exchange:        row.Exchange,
			TransactionType: core.TransactionType(row.TransactionType),
			OrderType:       core.OrderType(row.OrderType),
			Product:         row.Product,
			Variety:         row.Variety,
			Status:          row.Status,
			Quantity:        row.Quantity,
			FilledQuantity:  row.FilledQuantity,
			Price:           row.Price,
			TriggerPrice:    row.TriggerPrice,
			Tag:             row.Tag,
			StatusMessage:   row.StatusMessage,
			OrderTimestamp:  ts,
		})
	}
	return orders, nil
}

// LTP fetches last traded prices for "EXCHANGE:SYMBOL" keys.
func (c *Client) LTP(ctx context.Context, keys []string) (map[string]core.Quote, error) {
	if len(keys) == 0 {
		return map[string]core.Quote{}, nil
	}
	params := url.Values{}
	for _, k := range keys {
		params.Add("i", k)
	}
	var out map[string]struct {
		InstrumentToken uint32  `json:"instrument_token"`
		LastPrice       float64 `json:"last_price"`
	}
	if err := c.get(ctx, routeLTP, params, &out); err != nil {
		return nil, err
	}
	quotes := make(map[string]core.Quote, len(out))
	for k, v := range out {
		quotes[k] = core.Quote{InstrumentToken: v.InstrumentToken, LastPrice: v.LastPrice}
	}
	return quotes, nil
}

// PlaceOrder submits an order and returns the broker's order ID. The call
// itself is never retried at the HTTP layer.
func (c *Client) PlaceOrder(ctx context.Context, params core.OrderParams) (string, error) {
	if params.Variety == "" {
		params.Variety = core.VarietyRegular
	}
	if err := params.Validate(); err != nil {
		return "", fmt.Errorf("%w: %s", apperrors.ErrInvalidInput, err)
	}

	form := url.Values{}
	form.Set("exchange", params.Exchange)
	form.Set("tradingsymbol", params.TradingSymbol)
	form.Set("transaction_type", string(params.TransactionType))
	form.Set("quantity", strconv.FormatInt(params.Quantity, 10))
	form.Set("product", params.Product)
	form.Set("order_type", string(params.OrderType))
	if params.Price > 0 {
		form.Set("price", strconv.FormatFloat(params.Price, 'f', 2, 64))
	}
	if params.TriggerPrice > 0 {
		form.Set("trigger_price", strconv.FormatFloat(params.TriggerPrice, 'f', 2, 64))
	}
	if params.Validity != "" {
		form.Set("validity", params.Validity)
	}
	if params.Tag != "" {
		form.Set("tag", params.Tag)
	}

	var out struct {
		OrderID string `json:"order_id"`
	}
	path := fmt.Sprintf(routeOrderPath, params.Variety)
	if err := c.call(ctx, func() (*httpx.Response, error) {
		return c.http.PostForm(ctx, path, form)
	}, &out); err != nil {
		return "", err
	}
	return out.OrderID, nil
}

// CancelOrder cancels an open order and returns its ID.
func (c *Client) CancelOrder(ctx context.Context, variety, orderID string) (string, error) {
	if variety == "" {
		variety = core.VarietyRegular
	}
	var out struct {
		OrderID string `json:"order_id"`
	}
	path := fmt.Sprintf(routeOrderByID, variety, orderID)
	if err := c.call(ctx, func() (*httpx.Response, error) {
		return c.http.Delete(ctx, path, nil)
	}, &out); err != nil {
		return "", err
	}
	return out.OrderID, nil
}

// Margins fetches available margins, optionally for one segment.
func (c *Client) Margins(ctx context.Context, segment string) (map[string]interface{}, error) {
	path := routeMargins
	if segment != "" {
		path += "/" + segment
	}
	var out map[string]interface{}
	if err := c.get(ctx, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	return c.call(ctx, func() (*httpx.Response, error) {
		return c.http.Get(ctx, path, params)
	}, out)
}

// call runs one API request through the rate limiter and decodes the
// broker's success/error envelope.
func (c *Client) call(ctx context.Context, do func() (*httpx.Response, error), out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	start := time.Now()
	resp, err := do()
	c.latencyHist.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("broker", BrokerID)))
	if err != nil {
		// A cancelled or timed-out context is the caller's doing, not a
		// transport failure.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %s", apperrors.ErrNetwork, err)
	}

	if !strings.Contains(resp.ContentType, "json") {
		return fmt.Errorf("%w: unexpected content type %q", apperrors.ErrBadResponse, resp.ContentType)
	}

	var envelope struct {
		Status    string          `json:"status"`
		Message   string          `json:"message"`
		ErrorType string          `json:"error_type"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return fmt.Errorf("%w: could not parse response: %s", apperrors.ErrBadResponse, err)
	}

	if envelope.Status == "error" || envelope.ErrorType != "" {
		if resp.StatusCode == http.StatusForbidden && envelope.ErrorType == "TokenException" && c.onSessionExpired != nil {
			c.onSessionExpired()
		}
		return &APIError{
			Code:      resp.StatusCode,
			ErrorType: envelope.ErrorType,
			Message:   envelope.Message,
		}
	}

	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("%w: could not decode payload: %s", apperrors.ErrBadResponse, err)
	}
	return nil
}
