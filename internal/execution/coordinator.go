package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"

	"straddlebot/internal/domain"
	"straddlebot/internal/ports"
)

// Coordinator sequences order placement and cancellation against the gateway.
// Every gateway call is wrapped with a per-call timeout and bounded
// exponential-backoff retry; exhausted retries surface as
// ports.ErrGatewayUnavailable so the controller stays in its prior state
// instead of advancing on a guess.
//
// One coordinator is shared by all controllers of a gateway. The only mutable
// state is the idempotency cache of accepted submissions and the per-symbol
// fill handler table.
type Coordinator struct {
	gateway     ports.OrderGateway
	logger      ports.Logger
	maxAttempts int
	backoffMin  time.Duration
	backoffMax  time.Duration
	callTimeout time.Duration

	mu           sync.Mutex
	accepted     map[string]*domain.Order // by client request ID
	fillHandlers map[string]func(ports.FillEvent)
}

// Config holds coordinator construction parameters.
type Config struct {
	Gateway     ports.OrderGateway
	Logger      ports.Logger
	MaxAttempts int
	BackoffMin  time.Duration
	BackoffMax  time.Duration
	CallTimeout time.Duration
}

// New creates a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Gateway == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("execution coordinator requires a gateway and a logger")
	}
	if cfg.MaxAttempts <= 0 {
		return nil, fmt.Errorf("MaxAttempts must be positive")
	}
	if cfg.BackoffMin <= 0 || cfg.BackoffMax < cfg.BackoffMin {
		return nil, fmt.Errorf("invalid backoff bounds: min=%v max=%v", cfg.BackoffMin, cfg.BackoffMax)
	}
	if cfg.CallTimeout <= 0 {
		return nil, fmt.Errorf("CallTimeout must be positive")
	}
	return &Coordinator{
		gateway:      cfg.Gateway,
		logger:       cfg.Logger,
		maxAttempts:  cfg.MaxAttempts,
		backoffMin:   cfg.BackoffMin,
		backoffMax:   cfg.BackoffMax,
		callTimeout:  cfg.CallTimeout,
		accepted:     make(map[string]*domain.Order),
		fillHandlers: make(map[string]func(ports.FillEvent)),
	}, nil
}

// ClientRequestID derives the deterministic idempotency key for a submission.
// A tick that fires twice before the previous round-trip completes produces
// the same ID, which the gateway and the local cache both treat as "already
// accepted".
func ClientRequestID(symbol string, cycleID int64, kind domain.OrderKind, side domain.OrderSide) string {
	key := fmt.Sprintf("%s/%d/%s/%s", symbol, cycleID, kind, side)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

// SubmitEntry places one breakout entry leg as a limit order.
func (c *Coordinator) SubmitEntry(ctx context.Context, pos *domain.StraddlePosition, side domain.OrderSide, price, qty float64) (*domain.Order, error) {
	return c.submit(ctx, pos, domain.KindEntry, side, ports.OrderTypeLimit, price, qty)
}

// SubmitProtective places a take-profit or stop-loss order covering the given
// filled leg. The order side is the opposite of that leg.
func (c *Coordinator) SubmitProtective(ctx context.Context, pos *domain.StraddlePosition, leg domain.OrderSide, kind domain.OrderKind, price, qty float64) (*domain.Order, error) {
	if kind != domain.KindTakeProfit && kind != domain.KindStopLoss {
		return nil, fmt.Errorf("kind %s is not protective: %w", kind, ports.ErrInvalidRequest)
	}
	orderType := ports.OrderTypeTakeProfit
	if kind == domain.KindStopLoss {
		orderType = ports.OrderTypeStopMarket
	}
	return c.submit(ctx, pos, kind, leg.Opposite(), orderType, price, qty)
}

// HedgeClose flattens an unintended fill with a market order at best effort.
// Used when both entry legs fill before either cancellation lands.
func (c *Coordinator) HedgeClose(ctx context.Context, pos *domain.StraddlePosition, side domain.OrderSide, qty float64) (*domain.Order, error) {
	return c.submit(ctx, pos, domain.KindHedge, side, ports.OrderTypeMarket, 0, qty)
}

func (c *Coordinator) submit(ctx context.Context, pos *domain.StraddlePosition, kind domain.OrderKind, side domain.OrderSide, orderType ports.OrderType, price, qty float64) (*domain.Order, error) {
	clientID := ClientRequestID(pos.Symbol, pos.CycleID, kind, side)

	c.mu.Lock()
	if existing, ok := c.accepted[clientID]; ok {
		c.mu.Unlock()
		c.logger.Debug(ctx, "Duplicate submission suppressed", map[string]interface{}{
			"symbol": pos.Symbol, "cycleID": pos.CycleID, "kind": kind, "clientID": clientID,
		})
		return existing, nil
	}
	c.mu.Unlock()

	req := ports.PlaceOrderRequest{
		Symbol:          pos.Symbol,
		Side:            side,
		Type:            orderType,
		Quantity:        FormatQuantity(qty),
		ClientRequestID: clientID,
	}
	if orderType != ports.OrderTypeMarket {
		req.Price = FormatPrice(price)
	}

	handle, err := c.withRetry(ctx, "PlaceOrder", func(callCtx context.Context) (*ports.OrderHandle, error) {
		return c.gateway.PlaceOrder(callCtx, req)
	})
	if err != nil {
		return nil, err
	}

	order := &domain.Order{
		OrderID:         handle.OrderID,
		ClientRequestID: clientID,
		Symbol:          pos.Symbol,
		Side:            side,
		Kind:            kind,
		Price:           price,
		Quantity:        qty,
		ExecutedQty:     handle.ExecutedQty,
		AvgFillPrice:    handle.AvgFillPrice,
		Status:          handle.Status,
		SubmittedAt:     handle.Timestamp,
	}
	if order.Status == "" || order.Status == domain.OrderPending {
		order.Status = domain.OrderOpen
	}

	c.mu.Lock()
	c.accepted[clientID] = order
	c.mu.Unlock()

	c.logger.Info(ctx, "Order accepted", map[string]interface{}{
		"symbol": pos.Symbol, "cycleID": pos.CycleID, "kind": kind, "side": side,
		"orderID": order.OrderID, "price": req.Price, "quantity": req.Quantity,
	})
	return order, nil
}

// Cancel requests cancellation of a live order and returns the exchange's
// resulting view of it. When the exchange no longer knows the order, its
// terminal state is re-queried: a fill that beat the cancellation comes back
// as a FILLED handle, so the caller can detect the double-fill race. The
// coordinator never touches the caller's order; callers merge the returned
// handle under their own lock.
func (c *Coordinator) Cancel(ctx context.Context, symbol, orderID string) (*ports.OrderHandle, error) {
	if orderID == "" {
		return nil, fmt.Errorf("cannot cancel an unaccepted order: %w", ports.ErrInvalidRequest)
	}

	handle, err := c.withRetry(ctx, "CancelOrder", func(callCtx context.Context) (*ports.OrderHandle, error) {
		return c.gateway.CancelOrder(callCtx, symbol, orderID)
	})
	if err != nil {
		if errors.Is(err, ports.ErrOrderNotFound) {
			// Already terminal on the exchange; find out how it ended.
			return c.SyncOrder(ctx, symbol, orderID)
		}
		return nil, err
	}
	return handle, nil
}

// SyncOrder fetches the gateway's current view of an order. Orders the
// exchange no longer reports come back as a canceled handle.
func (c *Coordinator) SyncOrder(ctx context.Context, symbol, orderID string) (*ports.OrderHandle, error) {
	if orderID == "" {
		return nil, fmt.Errorf("cannot sync an unaccepted order: %w", ports.ErrInvalidRequest)
	}
	handle, err := c.withRetry(ctx, "GetOrder", func(callCtx context.Context) (*ports.OrderHandle, error) {
		return c.gateway.GetOrder(callCtx, symbol, orderID)
	})
	if err != nil {
		if errors.Is(err, ports.ErrOrderNotFound) {
			return &ports.OrderHandle{OrderID: orderID, Symbol: symbol, Status: domain.OrderCanceled}, nil
		}
		return nil, err
	}
	return handle, nil
}

// ForgetCycle evicts a finished cycle's idempotency entries so the next cycle
// starts clean and the cache cannot grow without bound.
func (c *Coordinator) ForgetCycle(symbol string, cycleID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, kind := range []domain.OrderKind{domain.KindEntry, domain.KindTakeProfit, domain.KindStopLoss, domain.KindHedge} {
		for _, side := range []domain.OrderSide{domain.Buy, domain.Sell} {
			delete(c.accepted, ClientRequestID(symbol, cycleID, kind, side))
		}
	}
}

// SubscribeFills registers the fill handler for a symbol. Events for symbols
// without a handler are dropped.
func (c *Coordinator) SubscribeFills(symbol string, handler func(ports.FillEvent)) {
	c.mu.Lock()
	c.fillHandlers[symbol] = handler
	c.mu.Unlock()
}

// StartFillStream subscribes to the gateway's execution reports and routes
// each event to its symbol's handler.
func (c *Coordinator) StartFillStream(ctx context.Context, errHandler func(error)) (doneCh chan struct{}, stopCh chan struct{}, err error) {
	return c.gateway.StreamFills(ctx, func(ev ports.FillEvent) {
		c.mu.Lock()
		handler := c.fillHandlers[ev.Symbol]
		c.mu.Unlock()
		if handler != nil {
			handler(ev)
		}
	}, errHandler)
}

// withRetry runs a gateway call with per-call timeout and bounded exponential
// backoff. Transient errors are retried; rejections and fatal errors
// short-circuit. Exhausted retries come back wrapped in ErrGatewayUnavailable.
func (c *Coordinator) withRetry(ctx context.Context, op string, call func(context.Context) (*ports.OrderHandle, error)) (*ports.OrderHandle, error) {
	b := &backoff.Backoff{
		Min:    c.backoffMin,
		Max:    c.backoffMax,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		handle, err := call(callCtx)
		cancel()
		if err == nil {
			return handle, nil
		}
		lastErr = err

		if !ports.IsTransient(err) {
			// Rejections, not-found and fatal errors do not improve with retry.
			return nil, err
		}
		if attempt == c.maxAttempts {
			break
		}

		wait := b.Duration()
		c.logger.Warn(ctx, "Transient gateway error, retrying", map[string]interface{}{
			"op": op, "attempt": attempt, "wait": wait.String(), "error": err.Error(),
		})
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, fmt.Errorf("%s interrupted: %w", op, ports.ErrContextCanceled)
		}
	}
	return nil, fmt.Errorf("%s failed after %d attempts: %v: %w", op, c.maxAttempts, lastErr, ports.ErrGatewayUnavailable)
}

// FormatPrice renders a price for the exchange API without losing precision.
func FormatPrice(price float64) string {
	return decimal.NewFromFloat(price).String()
}

// FormatQuantity renders a quantity for the exchange API.
func FormatQuantity(qty float64) string {
	return decimal.NewFromFloat(qty).String()
}
