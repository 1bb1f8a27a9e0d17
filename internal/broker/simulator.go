package broker

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"atlas/internal/domain"
)

// Compile-time interface checks.
var _ Broker = (*SimulatorBroker)(nil)
var _ FillStream = (*SimulatorBroker)(nil)

// SimulatorConfig tunes the execution simulator.
type SimulatorConfig struct {
	InitialBalance     float64       // starting cash (default 100000)
	CommissionPerShare float64       // commission charged per share
	CommissionPerTrade float64       // fixed commission per fill
	SlippageBps        float64       // adverse slippage in basis points; 0 disables slippage
	FillDelay          time.Duration // delay between submission and fill (default 1s)
	Seed               int64         // seed for the synthetic price generator
	EnforceMarketHours bool          // reject orders outside 09:30-16:00 ET
	PriceMin           float64       // synthetic price floor (default 10)
	PriceMax           float64       // synthetic price ceiling (default 500)
	Symbols            []string      // optional tradable universe; empty allows all
}

func (c *SimulatorConfig) applyDefaults() {
	if c.InitialBalance == 0 {
		c.InitialBalance = 100_000
	}
	if c.SlippageBps < 0 {
		c.SlippageBps = 0
	}
	if c.FillDelay == 0 {
		c.FillDelay = time.Second
	}
	if c.PriceMin == 0 {
		c.PriceMin = 10
	}
	if c.PriceMax == 0 {
		c.PriceMax = 500
	}
}

// SimulatorBroker implements the Broker interface for paper trading and
// offline testing. It fills orders asynchronously after a configurable
// delay using synthetic prices, applying slippage and commission models
// deterministically for a given seed. Market orders are priced off the
// latest quote at fill time, not at submission time.
type SimulatorBroker struct {
	cfg SimulatorConfig

	mu        sync.Mutex
	connected bool
	account   domain.Account
	positions map[string]*domain.Position
	orders    map[string]*domain.TrackedOrder
	timers    map[string]*time.Timer
	prices    map[string]float64
	universe  map[string]struct{}
	rng       *rand.Rand
	fillFn    FillFunc

	now func() time.Time // overridable in tests
}

// NewSimulatorBroker creates a SimulatorBroker with the given configuration.
func NewSimulatorBroker(cfg SimulatorConfig) *SimulatorBroker {
	cfg.applyDefaults()

	b := &SimulatorBroker{
		cfg: cfg,
		account: domain.Account{
			ID:          "simulator",
			Cash:        cfg.InitialBalance,
			Equity:      cfg.InitialBalance,
			BuyingPower: cfg.InitialBalance,
		},
		positions: make(map[string]*domain.Position),
		orders:    make(map[string]*domain.TrackedOrder),
		timers:    make(map[string]*time.Timer),
		prices:    make(map[string]float64),
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		now:       time.Now,
	}
	if len(cfg.Symbols) > 0 {
		b.universe = make(map[string]struct{}, len(cfg.Symbols))
		for _, s := range cfg.Symbols {
			b.universe[s] = struct{}{}
		}
	}
	return b
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// OnFill registers the fill-event handler. Events for one order are emitted
// in fill order.
func (b *SimulatorBroker) OnFill(fn FillFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fillFn = fn
}

// SetPrice seeds or overrides the latest price for a symbol. Outstanding
// orders will fill against the new price.
func (b *SimulatorBroker) SetPrice(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[symbol] = price
}

// Connect marks the simulator session as established. It always succeeds.
func (b *SimulatorBroker) Connect(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	return nil
}

// Disconnect tears down the session and stops pending fill timers.
func (b *SimulatorBroker) Disconnect(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	for id, t := range b.timers {
		t.Stop()
		delete(b.timers, id)
	}
	return nil
}

// GetAccount returns the simulated account, revalued at current prices.
func (b *SimulatorBroker) GetAccount(_ context.Context) (*domain.Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, &ConnectionError{Broker: b.Name()}
	}
	b.revalueLocked()
	acct := b.account
	return &acct, nil
}

// GetPositions returns copies of all simulated positions.
func (b *SimulatorBroker) GetPositions(_ context.Context) ([]domain.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, &ConnectionError{Broker: b.Name()}
	}
	positions := make([]domain.Position, 0, len(b.positions))
	for _, p := range b.positions {
		positions = append(positions, *p)
	}
	return positions, nil
}

// GetPosition returns a copy of the position for the symbol, or nil.
func (b *SimulatorBroker) GetPosition(_ context.Context, symbol string) (*domain.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, &ConnectionError{Broker: b.Name()}
	}
	p, ok := b.positions[symbol]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

// GetBars generates limit synthetic bars via a bounded random walk from the
// symbol's latest price. Bars are ordered oldest-first, most recent last.
func (b *SimulatorBroker) GetBars(_ context.Context, symbol string, limit int) ([]domain.Bar, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, &ConnectionError{Broker: b.Name()}
	}
	if err := b.checkSymbolLocked(symbol); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	price := b.latestPriceLocked(symbol)
	now := b.now()

	// Walk backwards from the current price, then reverse so the most
	// recent bar is last.
	bars := make([]domain.Bar, limit)
	for i := 0; i < limit; i++ {
		change := b.rng.Float64()*0.04 - 0.02 // ±2%
		prev := price * (1 - change)
		high := maxF(prev, price) * (1 + b.rng.Float64()*0.01)
		low := minF(prev, price) * (1 - b.rng.Float64()*0.01)

		bars[limit-1-i] = domain.Bar{
			Symbol:     symbol,
			Timestamp:  now.Add(-time.Duration(i) * time.Minute),
			Open:       prev,
			High:       high,
			Low:        low,
			Close:      price,
			Volume:     1000 + b.rng.Int63n(9000),
			TradeCount: 10 + b.rng.Int63n(90),
			VWAP:       (high + low + price) / 3,
		}
		price = prev
	}
	return bars, nil
}

// GetQuote returns a synthetic bid/ask around the latest price with a 0.1%
// spread. Ask is always strictly greater than Bid.
func (b *SimulatorBroker) GetQuote(_ context.Context, symbol string) (*domain.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, &ConnectionError{Broker: b.Name()}
	}
	if err := b.checkSymbolLocked(symbol); err != nil {
		return nil, err
	}
	return b.quoteLocked(symbol), nil
}

func (b *SimulatorBroker) quoteLocked(symbol string) *domain.Quote {
	price := b.latestPriceLocked(symbol)
	spread := price * 0.001
	return &domain.Quote{
		Symbol:    symbol,
		Bid:       price - spread/2,
		Ask:       price + spread/2,
		Spread:    spread,
		Timestamp: b.now(),
	}
}

// PlaceOrder validates and accepts an order, scheduling an asynchronous fill
// after the configured delay.
func (b *SimulatorBroker) PlaceOrder(_ context.Context, order domain.Order) (*domain.TrackedOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, &ConnectionError{Broker: b.Name()}
	}
	if b.cfg.EnforceMarketHours && !b.marketOpenLocked() {
		return nil, &MarketClosedError{Broker: b.Name()}
	}
	if order.Symbol == "" {
		return nil, &InvalidOrderError{Symbol: order.Symbol, Reason: "missing symbol"}
	}
	if err := b.checkSymbolLocked(order.Symbol); err != nil {
		return nil, err
	}
	if order.Quantity <= 0 {
		return nil, &InvalidOrderError{Symbol: order.Symbol, Reason: "quantity must be positive"}
	}
	if order.Type == domain.OrderTypeLimit && order.LimitPrice <= 0 {
		return nil, &InvalidOrderError{Symbol: order.Symbol, Reason: "limit order requires a positive limit price"}
	}

	// Buying-power check at the submission-time price.
	if order.Side == domain.OrderSideBuy {
		refPrice := order.LimitPrice
		if refPrice == 0 {
			refPrice = b.latestPriceLocked(order.Symbol)
		}
		required := refPrice * order.Quantity
		if required > b.account.BuyingPower {
			return nil, &InsufficientFundsError{
				Symbol:    order.Symbol,
				Required:  required,
				Available: b.account.BuyingPower,
			}
		}
	}

	id := uuid.NewString()
	now := b.now()
	tracked := &domain.TrackedOrder{
		Order:         order,
		OrderID:       id,
		BrokerOrderID: id,
		Status:        domain.OrderStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	b.orders[id] = tracked
	b.timers[id] = time.AfterFunc(b.cfg.FillDelay, func() { b.processOrder(id) })

	cp := *tracked
	return &cp, nil
}

// CancelOrder cancels a pending order. If the order has already filled, the
// fill stands and CancelOrder reports false with no error.
func (b *SimulatorBroker) CancelOrder(_ context.Context, orderID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return false, &ConnectionError{Broker: b.Name()}
	}
	order, ok := b.orders[orderID]
	if !ok {
		return false, nil
	}
	if order.Status.Terminal() {
		return false, nil
	}
	if t, ok := b.timers[orderID]; ok {
		t.Stop()
		delete(b.timers, orderID)
	}
	order.Status = domain.OrderStatusCancelled
	order.UpdatedAt = b.now()
	return true, nil
}

// GetOrder returns a copy of the order with the given id, or nil.
func (b *SimulatorBroker) GetOrder(_ context.Context, orderID string) (*domain.TrackedOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, &ConnectionError{Broker: b.Name()}
	}
	order, ok := b.orders[orderID]
	if !ok {
		return nil, nil
	}
	cp := *order
	return &cp, nil
}

// GetOrders returns copies of all orders, optionally filtered by status.
func (b *SimulatorBroker) GetOrders(_ context.Context, status domain.OrderStatus) ([]domain.TrackedOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, &ConnectionError{Broker: b.Name()}
	}
	var orders []domain.TrackedOrder
	for _, o := range b.orders {
		if status == "" || o.Status == status {
			orders = append(orders, *o)
		}
	}
	return orders, nil
}

// ---------------------------------------------------------------------------
// Fill processing
// ---------------------------------------------------------------------------

// processOrder runs when the fill delay elapses. It prices the order off the
// quote at fill time, applies slippage and commission, updates the simulated
// book, and emits the fill event.
func (b *SimulatorBroker) processOrder(orderID string) {
	b.mu.Lock()

	order, ok := b.orders[orderID]
	if !ok || order.Status.Terminal() {
		b.mu.Unlock()
		return
	}
	delete(b.timers, orderID)

	quote := b.quoteLocked(order.Symbol)
	fillPrice, fillable := b.fillPriceLocked(order, quote)
	if !fillable {
		order.Status = domain.OrderStatusRejected
		order.UpdatedAt = b.now()
		b.mu.Unlock()
		return
	}

	commission := b.cfg.CommissionPerShare*order.Quantity + b.cfg.CommissionPerTrade

	order.Status = domain.OrderStatusFilled
	order.FilledQuantity = order.Quantity
	order.AverageFillPrice = fillPrice
	order.UpdatedAt = b.now()

	b.applyFillLocked(order, fillPrice, commission)
	fn := b.fillFn
	qty := order.FilledQuantity
	b.mu.Unlock()

	// Invoke the handler outside the lock so it can call back into the
	// broker freely.
	if fn != nil {
		fn(orderID, qty, fillPrice, true)
	}
}

// fillPriceLocked computes the execution price for an order against the
// current quote. Market orders cross the spread and pay slippage; limit
// orders fill at the limit only when it is marketable.
func (b *SimulatorBroker) fillPriceLocked(order *domain.TrackedOrder, quote *domain.Quote) (float64, bool) {
	slip := quote.Mid() * b.cfg.SlippageBps / 10_000

	switch order.Type {
	case domain.OrderTypeMarket:
		if order.Side == domain.OrderSideBuy {
			return quote.Ask + slip, true
		}
		return quote.Bid - slip, true
	case domain.OrderTypeLimit:
		if order.Side == domain.OrderSideBuy {
			if order.LimitPrice >= quote.Ask {
				return order.LimitPrice, true
			}
		} else if order.LimitPrice <= quote.Bid {
			return order.LimitPrice, true
		}
		return 0, false
	}
	return quote.Mid(), true
}

// applyFillLocked updates cash and the position book for a completed fill.
func (b *SimulatorBroker) applyFillLocked(order *domain.TrackedOrder, price, commission float64) {
	notional := price * order.Quantity
	if order.Side == domain.OrderSideBuy {
		b.account.Cash -= notional + commission
	} else {
		b.account.Cash += notional - commission
	}

	pos, held := b.positions[order.Symbol]
	switch {
	case !held:
		side := domain.PositionSideLong
		if order.Side == domain.OrderSideSell {
			side = domain.PositionSideShort
		}
		p := &domain.Position{
			Symbol:     order.Symbol,
			Side:       side,
			Quantity:   order.Quantity,
			EntryPrice: price,
			EntryTime:  b.now(),
			StopLoss:   order.StopLoss,
			TakeProfit: order.TakeProfit,
		}
		p.UpdatePrice(price)
		b.positions[order.Symbol] = p

	case sameDirection(pos.Side, order.Side):
		// Add to the position at the blended entry price.
		total := pos.Quantity + order.Quantity
		pos.EntryPrice = (pos.EntryPrice*pos.Quantity + price*order.Quantity) / total
		pos.Quantity = total
		pos.UpdatePrice(price)

	default:
		// Reduce, close, or flip.
		if order.Quantity < pos.Quantity {
			pos.Quantity -= order.Quantity
			pos.UpdatePrice(price)
		} else if order.Quantity == pos.Quantity {
			delete(b.positions, order.Symbol)
		} else {
			flipped := order.Quantity - pos.Quantity
			side := domain.PositionSideLong
			if order.Side == domain.OrderSideSell {
				side = domain.PositionSideShort
			}
			p := &domain.Position{
				Symbol:     order.Symbol,
				Side:       side,
				Quantity:   flipped,
				EntryPrice: price,
				EntryTime:  b.now(),
			}
			p.UpdatePrice(price)
			b.positions[order.Symbol] = p
		}
	}

	b.revalueLocked()
}

func sameDirection(side domain.PositionSide, orderSide domain.OrderSide) bool {
	if side == domain.PositionSideLong {
		return orderSide == domain.OrderSideBuy
	}
	return orderSide == domain.OrderSideSell
}

// revalueLocked recomputes equity and buying power from cash and open
// positions at their latest prices.
func (b *SimulatorBroker) revalueLocked() {
	equity := b.account.Cash
	for _, p := range b.positions {
		p.UpdatePrice(b.latestPriceLocked(p.Symbol))
		equity += p.MarketValue()
	}
	b.account.Equity = equity
	b.account.BuyingPower = b.account.Cash
}

// latestPriceLocked returns the cached price for a symbol, generating a
// seeded price within [PriceMin, PriceMax] on first reference.
func (b *SimulatorBroker) latestPriceLocked(symbol string) float64 {
	if p, ok := b.prices[symbol]; ok {
		return p
	}
	p := b.cfg.PriceMin + b.rng.Float64()*(b.cfg.PriceMax-b.cfg.PriceMin)
	b.prices[symbol] = p
	return p
}

func (b *SimulatorBroker) checkSymbolLocked(symbol string) error {
	if b.universe == nil {
		return nil
	}
	if _, ok := b.universe[symbol]; !ok {
		return &SymbolNotFoundError{Symbol: symbol}
	}
	return nil
}

// easternTZ is the exchange session timezone, DST included. The fixed-zone
// fallback only applies when the tzdata is missing from the host.
var easternTZ = func() *time.Location {
	et, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.FixedZone("ET", -5*3600)
	}
	return et
}()

// marketOpenLocked checks 09:30-16:00 ET on weekdays.
func (b *SimulatorBroker) marketOpenLocked() bool {
	et := b.now().In(easternTZ)
	if wd := et.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	mins := et.Hour()*60 + et.Minute()
	return mins >= 9*60+30 && mins <= 16*60
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
