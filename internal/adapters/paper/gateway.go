package paper

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"straddlebot/internal/domain"
	"straddlebot/internal/ports"
)

// Gateway is an in-memory simulated exchange implementing ports.OrderGateway.
// Orders rest until a fed price crosses their trigger; fills are reported
// through the same stream interface the live gateway uses, so the rest of the
// system cannot tell the difference.
//
// Trigger rules model breakout semantics: a resting BUY triggers when the
// price rises to its level, a resting SELL when it falls to its level.
// Protective orders mirror accordingly.
type Gateway struct {
	logger ports.Logger

	mu         sync.Mutex
	prices     map[string]float64
	orders     map[string]*paperOrder
	byClientID map[string]string // client request ID -> order ID
	klines     map[string][]*domain.Kline
	handler    func(ports.FillEvent)
}

// New creates an empty paper gateway.
func New(logger ports.Logger) (*Gateway, error) {
	if logger == nil {
		return nil, fmt.Errorf("paper gateway requires a logger")
	}
	return &Gateway{
		logger:     logger,
		prices:     make(map[string]float64),
		orders:     make(map[string]*paperOrder),
		byClientID: make(map[string]string),
		klines:     make(map[string][]*domain.Kline),
	}, nil
}

// SetPrice feeds a new market price and crosses any resting orders it
// triggers. Fill events fire synchronously on the caller's goroutine.
func (g *Gateway) SetPrice(symbol string, price float64) {
	g.mu.Lock()
	g.prices[symbol] = price

	var fills []ports.FillEvent
	for _, order := range g.orders {
		if order.Symbol != symbol || order.Status != domain.OrderOpen {
			continue
		}
		if !triggered(order, price) {
			continue
		}
		order.Status = domain.OrderFilled
		order.ExecutedQty = order.OrigQuantity
		order.AvgFillPrice = fillPrice(order, price)
		g.releaseClientID(order)
		fills = append(fills, ports.FillEvent{
			OrderID:     order.OrderID,
			Symbol:      order.Symbol,
			Side:        order.Side,
			FilledQty:   order.ExecutedQty,
			FilledPrice: order.AvgFillPrice,
			OrderStatus: order.Status,
			Timestamp:   time.Now().UTC(),
		})
	}
	handler := g.handler
	g.mu.Unlock()

	if handler != nil {
		for _, ev := range fills {
			handler(ev)
		}
	}
}

// SeedKlines installs the candle history served by GetKlines.
func (g *Gateway) SeedKlines(symbol string, klines []*domain.Kline) {
	g.mu.Lock()
	g.klines[symbol] = klines
	g.mu.Unlock()
}

// GetTickerPrice retrieves the last fed price for a symbol.
func (g *Gateway) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	price, ok := g.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no price fed for %s: %w", symbol, ports.ErrNotFound)
	}
	return price, nil
}

// GetKlines serves the seeded candle history, most recent last.
func (g *Gateway) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]*domain.Kline, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	klines := g.klines[symbol]
	if len(klines) > limit {
		klines = klines[len(klines)-limit:]
	}
	out := make([]*domain.Kline, len(klines))
	copy(out, klines)
	return out, nil
}

// PlaceOrder accepts an order. Duplicate client request IDs return the
// existing order while it is still open; once the order is terminal the ID
// can be reused for a fresh one. Market orders fill immediately at the
// current price.
func (g *Gateway) PlaceOrder(ctx context.Context, req ports.PlaceOrderRequest) (*ports.OrderHandle, error) {
	g.mu.Lock()

	if existingID, ok := g.byClientID[req.ClientRequestID]; ok {
		handle := cloneHandle(g.orders[existingID])
		g.mu.Unlock()
		return handle, nil
	}

	price := 0.0
	if req.Price != "" {
		parsed, err := strconv.ParseFloat(req.Price, 64)
		if err != nil {
			g.mu.Unlock()
			return nil, fmt.Errorf("unparseable price %q: %w", req.Price, ports.ErrInvalidRequest)
		}
		price = parsed
	}
	qty, err := strconv.ParseFloat(req.Quantity, 64)
	if err != nil || qty <= 0 {
		g.mu.Unlock()
		return nil, fmt.Errorf("unparseable quantity %q: %w", req.Quantity, ports.ErrInvalidRequest)
	}

	order := &paperOrder{
		OrderHandle: ports.OrderHandle{
			OrderID:         uuid.NewString(),
			ClientRequestID: req.ClientRequestID,
			Symbol:          req.Symbol,
			Side:            req.Side,
			Status:          domain.OrderOpen,
			Price:           price,
			OrigQuantity:    qty,
			Timestamp:       time.Now().UTC(),
		},
		Type: req.Type,
	}

	var fill *ports.FillEvent
	if req.Type == ports.OrderTypeMarket {
		market, ok := g.prices[req.Symbol]
		if !ok {
			g.mu.Unlock()
			return nil, fmt.Errorf("no price fed for %s: %w", req.Symbol, ports.ErrOrderRejected)
		}
		order.Status = domain.OrderFilled
		order.ExecutedQty = qty
		order.AvgFillPrice = market
		fill = &ports.FillEvent{
			OrderID:     order.OrderID,
			Symbol:      order.Symbol,
			Side:        order.Side,
			FilledQty:   qty,
			FilledPrice: market,
			OrderStatus: domain.OrderFilled,
			Timestamp:   order.Timestamp,
		}
	}

	g.orders[order.OrderID] = order
	if order.Status == domain.OrderOpen {
		g.byClientID[req.ClientRequestID] = order.OrderID
	}
	handler := g.handler
	handle := cloneHandle(order)
	g.mu.Unlock()

	if fill != nil && handler != nil {
		handler(*fill)
	}
	return handle, nil
}

// CancelOrder cancels an open order. Terminal orders report ErrOrderNotFound,
// matching how the live exchange answers.
func (g *Gateway) CancelOrder(ctx context.Context, symbol, orderID string) (*ports.OrderHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	order, ok := g.orders[orderID]
	if !ok || order.Symbol != symbol {
		return nil, fmt.Errorf("order %s: %w", orderID, ports.ErrOrderNotFound)
	}
	if order.Status != domain.OrderOpen {
		return nil, fmt.Errorf("order %s already %s: %w", orderID, order.Status, ports.ErrOrderNotFound)
	}
	order.Status = domain.OrderCanceled
	g.releaseClientID(order)
	return cloneHandle(order), nil
}

// releaseClientID frees an order's client request ID once the order is
// terminal, so a later request reusing the same ID places a fresh order. The
// live exchange allows this reuse as well. Callers hold g.mu.
func (g *Gateway) releaseClientID(order *paperOrder) {
	if g.byClientID[order.ClientRequestID] == order.OrderID {
		delete(g.byClientID, order.ClientRequestID)
	}
}

// GetOrder queries the current status of an order.
func (g *Gateway) GetOrder(ctx context.Context, symbol, orderID string) (*ports.OrderHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	order, ok := g.orders[orderID]
	if !ok || order.Symbol != symbol {
		return nil, fmt.Errorf("order %s: %w", orderID, ports.ErrOrderNotFound)
	}
	return cloneHandle(order), nil
}

// StreamFills registers the fill handler. The stream lives until stopped or
// the context ends.
func (g *Gateway) StreamFills(ctx context.Context, handler func(ports.FillEvent), errHandler func(error)) (doneCh chan struct{}, stopCh chan struct{}, err error) {
	g.mu.Lock()
	g.handler = handler
	g.mu.Unlock()

	doneCh = make(chan struct{})
	stopCh = make(chan struct{}, 1)
	go func() {
		defer close(doneCh)
		select {
		case <-ctx.Done():
		case <-stopCh:
		}
		g.mu.Lock()
		g.handler = nil
		g.mu.Unlock()
	}()
	return doneCh, stopCh, nil
}

// paperOrder pairs a handle with the order type so triggering can tell a
// take-profit from a stop.
type paperOrder struct {
	ports.OrderHandle
	Type ports.OrderType
}

// triggered applies breakout-style crossing rules. Limit entries and stops
// trigger when the market moves through their level away from where it was
// resting (buy above, sell below); take-profits trigger on the opposite
// crossing.
func triggered(order *paperOrder, price float64) bool {
	towardBuy := price >= order.Price
	towardSell := price <= order.Price
	if order.Type == ports.OrderTypeTakeProfit {
		if order.Side == domain.Buy {
			return towardSell
		}
		return towardBuy
	}
	if order.Side == domain.Buy {
		return towardBuy
	}
	return towardSell
}

// fillPrice assumes execution at the order's level when the market gaps
// through it; market-order fills use the fed price directly.
func fillPrice(order *paperOrder, market float64) float64 {
	if order.Price > 0 {
		return order.Price
	}
	return market
}

func cloneHandle(o *paperOrder) *ports.OrderHandle {
	cp := o.OrderHandle
	return &cp
}
