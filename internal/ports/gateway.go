package ports

import (
	"context"
	"time"

	"straddlebot/internal/domain"
)

// OrderType selects how an order executes on the exchange.
type OrderType string

const (
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
	OrderTypeTakeProfit OrderType = "TAKE_PROFIT_MARKET"
)

// PlaceOrderRequest carries everything the gateway needs to place one order.
// ClientRequestID is the caller-generated idempotency key; gateways must treat
// a duplicate ID as "already accepted" rather than creating a second order.
type PlaceOrderRequest struct {
	Symbol          string
	Side            domain.OrderSide
	Type            OrderType
	Price           string // formatted limit/trigger price, empty for market orders
	Quantity        string // formatted quantity
	ClientRequestID string
}

// OrderHandle is the gateway's view of an accepted order.
type OrderHandle struct {
	OrderID         string
	ClientRequestID string
	Symbol          string
	Side            domain.OrderSide
	Status          domain.OrderStatus
	Price           float64
	OrigQuantity    float64
	ExecutedQty     float64
	AvgFillPrice    float64
	Timestamp       time.Time
}

// ApplyTo merges the gateway's view into a tracked order. Only forward
// progress is taken: a stale snapshot never rolls back a quantity the fill
// stream already reported.
func (h *OrderHandle) ApplyTo(o *domain.Order) {
	if h.Status != "" {
		o.Status = h.Status
	}
	if h.ExecutedQty > o.ExecutedQty {
		o.ExecutedQty = h.ExecutedQty
	}
	if h.AvgFillPrice > 0 {
		o.AvgFillPrice = h.AvgFillPrice
	}
}

// FillEvent is one execution report from the gateway's fill stream.
// Fills for a given order arrive at most once and in logical order; ordering
// across different orders is not guaranteed.
type FillEvent struct {
	OrderID     string
	Symbol      string
	Side        domain.OrderSide
	FilledQty   float64
	FilledPrice float64
	OrderStatus domain.OrderStatus
	Timestamp   time.Time
}

// OrderGateway is the exchange abstraction consumed by the execution
// coordinator. One gateway serves all symbols of one exchange connection.
type OrderGateway interface {
	// GetTickerPrice retrieves the last traded price for a symbol.
	GetTickerPrice(ctx context.Context, symbol string) (float64, error)

	// GetKlines retrieves historical candlesticks, most recent last.
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]*domain.Kline, error)

	// PlaceOrder places an order. Duplicate ClientRequestIDs return the
	// existing order rather than creating a new one.
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*OrderHandle, error)

	// CancelOrder cancels an open order. Returns ErrOrderNotFound (wrapped) if
	// the exchange no longer knows the order.
	CancelOrder(ctx context.Context, symbol, orderID string) (*OrderHandle, error)

	// GetOrder queries the current status of an order.
	GetOrder(ctx context.Context, symbol, orderID string) (*OrderHandle, error)

	// StreamFills subscribes to execution reports for all orders placed through
	// this gateway. The handler is invoked from the stream's goroutine.
	// Returns channels to observe/stop the stream, mirroring the kline stream
	// control shape.
	StreamFills(ctx context.Context, handler func(FillEvent), errHandler func(error)) (doneCh chan struct{}, stopCh chan struct{}, err error)
}
