package core

import (
	"fmt"
	"time"
)

// PositionType classifies a position by the sign of its quantity.
type PositionType string

const (
	PositionLong  PositionType = "LONG"
	PositionShort PositionType = "SHORT"
	PositionFlat  PositionType = "FLAT"
)

// TransactionType is the broker-side order direction.
type TransactionType string

const (
	TransactionBuy  TransactionType = "BUY"
	TransactionSell TransactionType = "SELL"
)

// OrderType is the broker order class for an exit order.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeSL     OrderType = "SL"
	OrderTypeSLM    OrderType = "SL-M"
)

// Order variety. Exit orders are always regular.
const (
	VarietyRegular = "regular"
	VarietyCO      = "co"
	VarietyAMO     = "amo"
	VarietyIceberg = "iceberg"
	VarietyAuction = "auction"
)

// Product codes carried verbatim from broker positions into exit orders.
const (
	ProductMIS  = "MIS"
	ProductCNC  = "CNC"
	ProductNRML = "NRML"
	ProductCO   = "CO"
)

// Order statuses as reported by the broker.
const (
	StatusComplete       = "COMPLETE"
	StatusRejected       = "REJECTED"
	StatusCancelled      = "CANCELLED"
	StatusPending        = "PENDING"
	StatusOpen           = "OPEN"
	StatusTriggerPending = "TRIGGER PENDING"
)

// TriggerType identifies which exit condition fired for a trade.
type TriggerType string

const (
	TriggerTP        TriggerType = "TP"
	TriggerSL        TriggerType = "SL"
	TriggerSquareOff TriggerType = "SQUARE_OFF"
)

// TagPrefix returns the order-tag prefix for the trigger. Exit order tags
// have the form "{TP|SL|SQ}_{rule_id[:8]}" and are the idempotency marker
// the position monitor reads back from the broker order book.
func (t TriggerType) TagPrefix() string {
	if t == TriggerSquareOff {
		return "SQ"
	}
	return string(t)
}

// Ticker subscription modes.
const (
	ModeLTP   = "ltp"
	ModeQuote = "quote"
	ModeFull  = "full"
)

// PositionKey is the identity of a position at the broker.
type PositionKey struct {
	Exchange      string
	TradingSymbol string
}

func (k PositionKey) String() string {
	return k.Exchange + ":" + k.TradingSymbol
}

// Position is one row of the broker's position book.
type Position struct {
	InstrumentToken uint32
	TradingSymbol   string
	Exchange        string
	Product         string
	Quantity        int64
	AveragePrice    float64
	LastPrice       float64
	PnL             float64
	BuyQuantity     int64
	SellQuantity    int64
	BuyPrice        float64
	SellPrice       float64
	Multiplier      float64
}

// Key returns the (exchange, trading_symbol) identity.
func (p *Position) Key() PositionKey {
	return PositionKey{Exchange: p.Exchange, TradingSymbol: p.TradingSymbol}
}

// Type derives LONG/SHORT/FLAT from the sign of the quantity.
func (p *Position) Type() PositionType {
	switch {
	case p.Quantity > 0:
		return PositionLong
	case p.Quantity < 0:
		return PositionShort
	default:
		return PositionFlat
	}
}

// EntryPrice is the side-aware entry: buy average for longs, sell average
// for shorts, overall average when flat.
func (p *Position) EntryPrice() float64 {
	switch p.Type() {
	case PositionLong:
		return p.BuyPrice
	case PositionShort:
		return p.SellPrice
	default:
		return p.AveragePrice
	}
}

// AbsQuantity is the unsigned position size used for exit orders.
func (p *Position) AbsQuantity() int64 {
	if p.Quantity < 0 {
		return -p.Quantity
	}
	return p.Quantity
}

// TrackedPosition is a Position under monitor management. FirstSeen is
// carried across diffs; LastUpdated is refreshed on every confirmed diff.
type TrackedPosition struct {
	Position
	FirstSeen   time.Time
	LastUpdated time.Time
}

// PositionBook is the broker's positions response.
type PositionBook struct {
	Net []Position
	Day []Position
}

// Order is one row of the broker's order book.
type Order struct {
	OrderID         string
	ExchangeOrderID string
	TradingSymbol   string
	Exchange        string
	TransactionType TransactionType
	OrderType       OrderType
	Product         string
	Variety         string
	Status          string
	Quantity        int64
	FilledQuantity  int64
	Price           float64
	TriggerPrice    float64
	Tag             string
	StatusMessage   string
	OrderTimestamp  time.Time
}

// OrderParams are the fields sent to the broker when placing an order.
type OrderParams struct {
	Variety         string
	Exchange        string
	TradingSymbol   string
	TransactionType TransactionType
	Quantity        int64
	Product         string
	OrderType       OrderType
	Price           float64
	TriggerPrice    float64
	Validity        string
	Tag             string
}

// Validate rejects parameter sets the broker would bounce as InputException.
func (p *OrderParams) Validate() error {
	if p.TradingSymbol == "" {
		return fmt.Errorf("trading symbol is required")
	}
	if p.Exchange == "" {
		return fmt.Errorf("exchange is required")
	}
	if p.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive, got %d", p.Quantity)
	}
	if p.TransactionType != TransactionBuy && p.TransactionType != TransactionSell {
		return fmt.Errorf("invalid transaction type %q", p.TransactionType)
	}
	if p.OrderType == OrderTypeLimit && p.Price <= 0 {
		return fmt.Errorf("limit order requires a positive price")
	}
	return nil
}

// Depth is one level of market depth.
type Depth struct {
	Price    float64
	Quantity uint32
	Orders   uint32
}

// OHLC carries the day's open/high/low/close for quote and full ticks.
type OHLC struct {
	Open  float64
	High  float64
	Low   float64
	Close float64
}

// Tick is a single parsed packet from the streaming price feed.
type Tick struct {
	InstrumentToken    uint32
	Mode               string
	IsTradable         bool
	LastPrice          float64
	LastTradedQuantity uint32
	AverageTradedPrice float64
	VolumeTraded       uint32
	TotalBuyQuantity   uint32
	TotalSellQuantity  uint32
	OHLC               OHLC
	NetChange          float64
	OI                 uint32
	OIDayHigh          uint32
	OIDayLow           uint32
	LastTradeTime      time.Time
	Timestamp          time.Time
	Buy                []Depth
	Sell               []Depth
}

// Quote is the REST LTP payload for one instrument.
type Quote struct {
	InstrumentToken uint32
	LastPrice       float64
}

// UserProfile is the broker account holder identity.
type UserProfile struct {
	UserID    string
	UserName  string
	Email     string
	Broker    string
	Exchanges []string
	Products  []string
}

// BrokerAccount is a user's stored broker linkage. Credential fields are
// encrypted at rest and decrypted only inside the client factory.
type BrokerAccount struct {
	ID             string
	UserID         string
	BrokerID       string
	APIKey         string
	APISecret      string
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt *time.Time
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TokenValid reports whether the stored access token can still be used:
// non-empty, and not past token_expires_at when one is set.
func (a *BrokerAccount) TokenValid(now time.Time) bool {
	if a == nil || a.AccessToken == "" {
		return false
	}
	if a.TokenExpiresAt != nil && !a.TokenExpiresAt.After(now) {
		return false
	}
	return true
}

// TradeLogEntry is one executor outcome written to the trade log.
type TradeLogEntry struct {
	ID           string
	UserID       string
	Symbol       string
	Exchange     string
	Side         TransactionType
	Quantity     int64
	Price        float64
	OrderID      string
	OrderType    OrderType
	TriggerType  string
	TriggerPrice float64
	Status       string
	Error        string
	CreatedAt    time.Time
}

// EngineStatus is the point-in-time answer to Status(userID).
type EngineStatus struct {
	Running            bool
	TickerConnected    bool
	ActiveTrades       int
	PositionsMonitored int
	RulesLoaded        int
	StartedAt          time.Time
}

// TradeSnapshot is a read-only view of one active trade.
type TradeSnapshot struct {
	Symbol       string
	Exchange     string
	PositionType PositionType
	Quantity     int64
	EntryPrice   float64
	RuleID       string
	RuleName     string
	TPPrice      float64
	SLPrice      float64
	CurrentPrice float64
	HighestPrice float64
	LowestPrice  float64
	Triggered    bool
	TriggerType  TriggerType
	TriggeredAt  time.Time
	FirstSeen    time.Time
}
