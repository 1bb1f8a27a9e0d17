// Package domain defines the core value types shared across the atlas
// trading platform: signals, orders, positions, account state, and the
// enumerations that describe their lifecycles.
package domain

import "time"

// ---------------------------------------------------------------------------
// Enumerations
// ---------------------------------------------------------------------------

// SignalAction is the intent carried by a strategy signal.
type SignalAction string

const (
	ActionBuy   SignalAction = "BUY"
	ActionSell  SignalAction = "SELL"
	ActionHold  SignalAction = "HOLD"
	ActionClose SignalAction = "CLOSE"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus tracks an order through its lifecycle. PENDING is the initial
// state; FILLED, CANCELLED, REJECTED, and EXPIRED are terminal.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// Terminal reports whether the status is permanent. Terminal orders never
// transition again.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// TimeInForce controls how long an order remains eligible for execution.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceGTC TimeInForce = "gtc"
	TimeInForceIOC TimeInForce = "ioc"
)

// RejectionReason is the typed outcome of a failed risk admission check.
// Exactly one reason accompanies every rejection.
type RejectionReason string

const (
	RejectNone                  RejectionReason = ""
	RejectPositionSizeExceeded  RejectionReason = "position_size_exceeded"
	RejectMaxPositionsReached   RejectionReason = "max_positions_reached"
	RejectDailyLossLimitHit     RejectionReason = "daily_loss_limit_hit"
	RejectCircuitBreakerActive  RejectionReason = "circuit_breaker_active"
	RejectInsufficientLiquidity RejectionReason = "insufficient_liquidity"
	RejectTradingDisabled       RejectionReason = "trading_disabled"
)

// ---------------------------------------------------------------------------
// Signals and features
// ---------------------------------------------------------------------------

// Signal is an immutable trading intent produced by a strategy for one
// evaluation cycle. Signals are not persisted; they either become orders or
// are discarded.
type Signal struct {
	Symbol       string
	Action       SignalAction
	Confidence   float64 // [0, 1]
	SizePct      float64 // fraction of account equity to deploy
	Reasoning    string
	Timestamp    time.Time
	StrategyName string
	EntryPrice   float64
	StopLoss     float64 // 0 means no stop
	TakeProfit   float64 // 0 means no target
}

// FeatureSet is a snapshot of named indicator values for one symbol at one
// timestamp, produced by an upstream feature pipeline. Boolean indicators
// are encoded as 0/1.
type FeatureSet map[string]float64

// Get returns a feature value and whether it is present.
func (f FeatureSet) Get(name string) (float64, bool) {
	v, ok := f[name]
	return v, ok
}

// Value returns a feature value, or zero if absent.
func (f FeatureSet) Value(name string) float64 {
	return f[name]
}

// Bool interprets a feature as a boolean (nonzero is true).
func (f FeatureSet) Bool(name string) bool {
	return f[name] != 0
}

// Has reports whether every named feature is present.
func (f FeatureSet) Has(names ...string) bool {
	for _, n := range names {
		if _, ok := f[n]; !ok {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// Order is a broker-agnostic trade intent admitted by the risk manager.
type Order struct {
	Symbol       string
	Side         OrderSide
	Quantity     float64 // must be > 0
	Type         OrderType
	LimitPrice   float64 // required for limit orders
	TimeInForce  TimeInForce
	StopLoss     float64
	TakeProfit   float64
	StrategyName string
	Reasoning    string
}

// TrackedOrder is an Order under execution management: it carries the
// engine-assigned id, lifecycle status, and running fill accounting.
// TrackedOrders are owned exclusively by the execution engine.
type TrackedOrder struct {
	Order

	OrderID          string
	BrokerOrderID    string
	Status           OrderStatus
	FilledQuantity   float64
	AverageFillPrice float64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// RemainingQuantity returns the unfilled portion of the order.
func (o *TrackedOrder) RemainingQuantity() float64 {
	return o.Quantity - o.FilledQuantity
}

// ---------------------------------------------------------------------------
// Positions and accounts
// ---------------------------------------------------------------------------

// Position is an open holding in a single symbol. There is at most one
// Position per symbol in a portfolio.
type Position struct {
	Symbol     string
	Side       PositionSide
	Quantity   float64 // always > 0; Side carries the direction
	EntryPrice float64
	EntryTime  time.Time
	StopLoss   float64
	TakeProfit float64

	CurrentPrice     float64
	UnrealizedPnL    float64
	UnrealizedPnLPct float64
}

// UpdatePrice recomputes the position's unrealized P&L at the given price.
func (p *Position) UpdatePrice(price float64) {
	p.CurrentPrice = price
	if p.Side == PositionSideShort {
		p.UnrealizedPnL = (p.EntryPrice - price) * p.Quantity
	} else {
		p.UnrealizedPnL = (price - p.EntryPrice) * p.Quantity
	}
	if basis := p.EntryPrice * p.Quantity; basis > 0 {
		p.UnrealizedPnLPct = p.UnrealizedPnL / basis
	}
}

// CheckStopLoss reports whether the current price has reached or passed the
// stop level in the adverse direction. The boundary is inclusive: a price
// exactly at the stop counts as hit.
func (p *Position) CheckStopLoss() bool {
	if p.StopLoss == 0 {
		return false
	}
	if p.Side == PositionSideShort {
		return p.CurrentPrice >= p.StopLoss
	}
	return p.CurrentPrice <= p.StopLoss
}

// CheckTakeProfit reports whether the current price has reached or passed
// the profit target. The boundary is inclusive.
func (p *Position) CheckTakeProfit() bool {
	if p.TakeProfit == 0 {
		return false
	}
	if p.Side == PositionSideShort {
		return p.CurrentPrice <= p.TakeProfit
	}
	return p.CurrentPrice >= p.TakeProfit
}

// MarketValue returns the position's contribution to account equity. Short
// positions are valued at entry plus unrealized P&L.
func (p *Position) MarketValue() float64 {
	if p.Side == PositionSideShort {
		return p.EntryPrice*p.Quantity + p.UnrealizedPnL
	}
	return p.CurrentPrice * p.Quantity
}

// Notional returns the gross exposure of the position at the current price.
func (p *Position) Notional() float64 {
	return p.CurrentPrice * p.Quantity
}

// AccountState is the portfolio-level financial summary. Equity is cash plus
// the market value of all open positions. Daily figures reset at the session
// boundary via an external trigger.
type AccountState struct {
	Cash           float64
	Equity         float64
	InitialBalance float64
	RealizedPnL    float64
	DailyPnL       float64
	DailyPnLPct    float64
}

// Account is a broker-side account snapshot.
type Account struct {
	ID          string
	Cash        float64
	Equity      float64
	BuyingPower float64
}

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// Bar is one OHLCV interval for a symbol.
type Bar struct {
	Symbol     string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     int64
	TradeCount int64
	VWAP       float64
}

// Quote is a bid/ask snapshot. Ask is always strictly greater than Bid.
type Quote struct {
	Symbol    string
	Bid       float64
	Ask       float64
	Spread    float64
	Timestamp time.Time
}

// Mid returns the quote midpoint.
func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// ---------------------------------------------------------------------------
// Risk configuration
// ---------------------------------------------------------------------------

// RiskLimits is the static risk configuration consumed by the risk manager.
// It is not mutated at runtime.
type RiskLimits struct {
	MaxPositionSizePct   float64 // max single-position value as fraction of equity
	MaxTotalExposurePct  float64 // max summed exposure as fraction of equity
	DailyLossLimitPct    float64 // hard daily stop as fraction of equity
	MaxPositions         int     // max simultaneous open positions
	CircuitBreakerLosses int     // consecutive losing closes before tripping
	MinAvgVolume         int64   // liquidity floor for admission
}

// DefaultRiskLimits returns the conservative defaults used when no limits
// are configured.
func DefaultRiskLimits() RiskLimits {
	return RiskLimits{
		MaxPositionSizePct:   0.01,
		MaxTotalExposurePct:  0.05,
		DailyLossLimitPct:    0.03,
		MaxPositions:         3,
		CircuitBreakerLosses: 3,
		MinAvgVolume:         1_000_000,
	}
}
