package broker

import (
	"context"
	"errors"
	"net/http"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"atlas/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// AlpacaBroker implements the Broker interface against the Alpaca trading
// and market-data APIs. Use the paper-trading base URL for dry runs.
type AlpacaBroker struct {
	trading *alpaca.Client
	data    *marketdata.Client
	feed    string
}

// NewAlpacaBroker creates an AlpacaBroker configured with the given
// credentials and API endpoints. dataURL and feed may be empty to use the
// SDK defaults.
func NewAlpacaBroker(apiKey, apiSecret, baseURL, dataURL, feed string) *AlpacaBroker {
	tradingOpts := alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if baseURL != "" {
		tradingOpts.BaseURL = baseURL
	}
	dataOpts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		dataOpts.BaseURL = dataURL
	}

	return &AlpacaBroker{
		trading: alpaca.NewClient(tradingOpts),
		data:    marketdata.NewClient(dataOpts),
		feed:    feed,
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// Connect verifies the credentials by fetching the account.
func (b *AlpacaBroker) Connect(ctx context.Context) error {
	if _, err := b.GetAccount(ctx); err != nil {
		return err
	}
	return nil
}

// Disconnect is a no-op: the Alpaca client is stateless HTTP.
func (b *AlpacaBroker) Disconnect(_ context.Context) error {
	return nil
}

// GetAccount returns the current account state.
func (b *AlpacaBroker) GetAccount(_ context.Context) (*domain.Account, error) {
	acct, err := b.trading.GetAccount()
	if err != nil {
		return nil, b.classify(err)
	}
	return &domain.Account{
		ID:          acct.ID,
		Cash:        acct.Cash.InexactFloat64(),
		Equity:      acct.Equity.InexactFloat64(),
		BuyingPower: acct.BuyingPower.InexactFloat64(),
	}, nil
}

// GetPositions returns all open positions.
func (b *AlpacaBroker) GetPositions(_ context.Context) ([]domain.Position, error) {
	raw, err := b.trading.GetPositions()
	if err != nil {
		return nil, b.classify(err)
	}
	positions := make([]domain.Position, 0, len(raw))
	for i := range raw {
		positions = append(positions, convertPosition(&raw[i]))
	}
	return positions, nil
}

// GetPosition returns the open position for a symbol, or nil if flat.
func (b *AlpacaBroker) GetPosition(_ context.Context, symbol string) (*domain.Position, error) {
	raw, err := b.trading.GetPosition(symbol)
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, b.classify(err)
	}
	p := convertPosition(raw)
	return &p, nil
}

// GetBars returns up to limit daily bars for the symbol, oldest first.
func (b *AlpacaBroker) GetBars(_ context.Context, symbol string, limit int) ([]domain.Bar, error) {
	raw, err := b.data.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame:  marketdata.OneDay,
		TotalLimit: limit,
		Feed:       marketdata.Feed(b.feed),
	})
	if err != nil {
		return nil, b.classify(err)
	}
	bars := make([]domain.Bar, 0, len(raw))
	for _, ab := range raw {
		bars = append(bars, domain.Bar{
			Symbol:     symbol,
			Timestamp:  ab.Timestamp,
			Open:       ab.Open,
			High:       ab.High,
			Low:        ab.Low,
			Close:      ab.Close,
			Volume:     int64(ab.Volume),
			TradeCount: int64(ab.TradeCount),
			VWAP:       ab.VWAP,
		})
	}
	return bars, nil
}

// GetQuote returns the latest NBBO quote for the symbol.
func (b *AlpacaBroker) GetQuote(_ context.Context, symbol string) (*domain.Quote, error) {
	raw, err := b.data.GetLatestQuote(symbol, marketdata.GetLatestQuoteRequest{
		Feed: marketdata.Feed(b.feed),
	})
	if err != nil {
		return nil, b.classify(err)
	}
	if raw == nil {
		return nil, &SymbolNotFoundError{Symbol: symbol}
	}
	return &domain.Quote{
		Symbol:    symbol,
		Bid:       raw.BidPrice,
		Ask:       raw.AskPrice,
		Spread:    raw.AskPrice - raw.BidPrice,
		Timestamp: raw.Timestamp,
	}, nil
}

// PlaceOrder submits an order for execution.
func (b *AlpacaBroker) PlaceOrder(_ context.Context, order domain.Order) (*domain.TrackedOrder, error) {
	if order.Quantity <= 0 {
		return nil, &InvalidOrderError{Symbol: order.Symbol, Reason: "quantity must be positive"}
	}

	qty := decimal.NewFromFloat(order.Quantity)
	req := alpaca.PlaceOrderRequest{
		Symbol:      order.Symbol,
		Qty:         &qty,
		Side:        alpaca.Side(order.Side),
		Type:        alpaca.OrderType(order.Type),
		TimeInForce: alpaca.TimeInForce(order.TimeInForce),
	}
	if req.TimeInForce == "" {
		req.TimeInForce = alpaca.Day
	}
	if order.Type == domain.OrderTypeLimit {
		if order.LimitPrice <= 0 {
			return nil, &InvalidOrderError{Symbol: order.Symbol, Reason: "limit order requires a positive limit price"}
		}
		limit := decimal.NewFromFloat(order.LimitPrice)
		req.LimitPrice = &limit
	}

	raw, err := b.trading.PlaceOrder(req)
	if err != nil {
		return nil, b.classifyOrder(err, order.Symbol)
	}
	return convertOrder(raw, order), nil
}

// CancelOrder requests cancellation of an open order. If the order already
// reached a terminal state the fill stands and CancelOrder reports false
// with no error.
func (b *AlpacaBroker) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	if err := b.trading.CancelOrder(orderID); err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity {
			// Already filled, cancelled, or expired.
			return false, nil
		}
		return false, b.classify(err)
	}
	return true, nil
}

// GetOrder returns the order with the given broker id, or nil.
func (b *AlpacaBroker) GetOrder(_ context.Context, orderID string) (*domain.TrackedOrder, error) {
	raw, err := b.trading.GetOrder(orderID)
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, b.classify(err)
	}
	return convertOrder(raw, domain.Order{
		Symbol:   raw.Symbol,
		Side:     domain.OrderSide(raw.Side),
		Quantity: raw.Qty.InexactFloat64(),
		Type:     domain.OrderType(raw.Type),
	}), nil
}

// GetOrders returns orders, optionally filtered by status.
func (b *AlpacaBroker) GetOrders(_ context.Context, status domain.OrderStatus) ([]domain.TrackedOrder, error) {
	filter := "all"
	switch status {
	case domain.OrderStatusPending, domain.OrderStatusPartiallyFilled:
		filter = "open"
	case "":
	default:
		filter = "closed"
	}

	raw, err := b.trading.GetOrders(alpaca.GetOrdersRequest{Status: filter})
	if err != nil {
		return nil, b.classify(err)
	}
	var orders []domain.TrackedOrder
	for i := range raw {
		o := convertOrder(&raw[i], domain.Order{
			Symbol:   raw[i].Symbol,
			Side:     domain.OrderSide(raw[i].Side),
			Quantity: raw[i].Qty.InexactFloat64(),
			Type:     domain.OrderType(raw[i].Type),
		})
		if status != "" && o.Status != status {
			continue
		}
		orders = append(orders, *o)
	}
	return orders, nil
}

// ---------------------------------------------------------------------------
// Conversions and error classification
// ---------------------------------------------------------------------------

func convertPosition(p *alpaca.Position) domain.Position {
	side := domain.PositionSideLong
	if p.Side == "short" {
		side = domain.PositionSideShort
	}
	pos := domain.Position{
		Symbol:     p.Symbol,
		Side:       side,
		Quantity:   p.Qty.Abs().InexactFloat64(),
		EntryPrice: p.AvgEntryPrice.InexactFloat64(),
	}
	if p.CurrentPrice != nil {
		pos.UpdatePrice(p.CurrentPrice.InexactFloat64())
	}
	return pos
}

func convertOrder(raw *alpaca.Order, order domain.Order) *domain.TrackedOrder {
	tracked := &domain.TrackedOrder{
		Order:          order,
		OrderID:        raw.ID,
		BrokerOrderID:  raw.ID,
		Status:         convertStatus(raw.Status),
		FilledQuantity: raw.FilledQty.InexactFloat64(),
		CreatedAt:      raw.CreatedAt,
		UpdatedAt:      raw.UpdatedAt,
	}
	if raw.FilledAvgPrice != nil {
		tracked.AverageFillPrice = raw.FilledAvgPrice.InexactFloat64()
	}
	return tracked
}

func convertStatus(s string) domain.OrderStatus {
	switch s {
	case "filled":
		return domain.OrderStatusFilled
	case "partially_filled":
		return domain.OrderStatusPartiallyFilled
	case "canceled", "pending_cancel", "stopped":
		return domain.OrderStatusCancelled
	case "rejected", "suspended":
		return domain.OrderStatusRejected
	case "expired":
		return domain.OrderStatusExpired
	default:
		return domain.OrderStatusPending
	}
}

// classify maps SDK errors onto the broker error taxonomy.
func (b *AlpacaBroker) classify(err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &AuthenticationError{Broker: b.Name(), Reason: apiErr.Message}
		}
		return err
	}
	// Transport-level failures are transient.
	return &ConnectionError{Broker: b.Name(), Err: err}
}

// classifyOrder additionally maps order-rejection responses.
func (b *AlpacaBroker) classifyOrder(err error, symbol string) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusForbidden:
			return &InsufficientFundsError{Symbol: symbol}
		case http.StatusUnprocessableEntity:
			return &InvalidOrderError{Symbol: symbol, Reason: apiErr.Message}
		case http.StatusNotFound:
			return &SymbolNotFoundError{Symbol: symbol}
		}
	}
	return b.classify(err)
}
