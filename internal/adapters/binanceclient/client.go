package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"straddlebot/internal/domain"
	"straddlebot/internal/ports"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"

	// Binance expires user-data listen keys after 60 minutes without a keepalive.
	listenKeyKeepalive = 30 * time.Minute
)

// Client implements the ports.OrderGateway interface using the go-binance library.
type Client struct {
	futuresClient        *futures.Client
	logger               ports.Logger
	reconnectDelay       time.Duration
	maxReconnectAttempts int
}

// Config holds configuration specific to the Binance gateway adapter.
type Config struct {
	APIKey               string
	SecretKey            string
	UseTestnet           bool
	Logger               ports.Logger
	ReconnectDelay       time.Duration // Reconnect delay (e.g., 1 * time.Second)
	MaxReconnectAttempts int           // Max attempts before giving up
}

// New creates a new Binance gateway adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)

	// Set BaseURL directly instead of using global futures.UseTestnet
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance client configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance client configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = 1 * time.Second
	}
	maxAttempts := cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}

	return &Client{
		futuresClient:        client,
		logger:               cfg.Logger,
		reconnectDelay:       reconnectDelay,
		maxReconnectAttempts: maxAttempts,
	}, nil
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1021: // Timestamp for this request is outside of the recvWindow
			mappedErr = ports.ErrTimeout
		case -1022: // Signature for this request is not valid
			mappedErr = ports.ErrAuthenticationFailed
		case -1121: // Invalid symbol
			mappedErr = ports.ErrSymbolUnavailable
		case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1125, -1127, -1128, -1130: // Parameter/Request format errors
			mappedErr = ports.ErrInvalidRequest
		case -2010: // New order rejected
			mappedErr = ports.ErrOrderRejected
		case -2011: // Cancel order rejected: the order is already gone
			mappedErr = ports.ErrOrderNotFound
		case -2013: // Order does not exist
			mappedErr = ports.ErrOrderNotFound
		case -2014: // API-key format invalid
			mappedErr = ports.ErrAuthenticationFailed
		case -2015: // Invalid API-key, IP, or permissions for action
			mappedErr = ports.ErrAuthenticationFailed
		case -2019, -3005, -3041: // Margin / balance insufficient
			mappedErr = ports.ErrInsufficientFunds
		case -2022: // ReduceOnly order rejected
			mappedErr = ports.ErrOrderRejected
		case -4003, -4014, -4015: // Qty/price/leverage not within permissible range
			mappedErr = ports.ErrInvalidRequest
		default:
			mappedErr = ports.ErrUnknown
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	// Handle non-API errors (network, context cancellation, etc.)
	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") ||
		strings.Contains(err.Error(), "no such host") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrGatewayUnreachable, err)
	} else {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// Ping checks the connectivity to the exchange API.
func (c *Client) Ping(ctx context.Context) error {
	op := "Ping"
	err := c.futuresClient.NewPingService().Do(ctx)
	if err != nil {
		return c.handleError(ctx, fmt.Errorf("ping failed: %w", err), op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// SetServerTime synchronizes the client's time with the server's time.
func (c *Client) SetServerTime(ctx context.Context) error {
	op := "SetServerTime"
	_, err := c.futuresClient.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// GetTickerPrice retrieves the last ticker price for a given symbol.
func (c *Client) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	op := "GetTickerPrice"
	tickers, err := c.futuresClient.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	if len(tickers) == 0 {
		err := fmt.Errorf("no ticker data returned for symbol %s", symbol)
		return 0, c.handleError(ctx, err, op)
	}

	price, err := strconv.ParseFloat(tickers[0].LastPrice, 64)
	if err != nil {
		parseErr := fmt.Errorf("could not parse price '%s': %w", tickers[0].LastPrice, err)
		return 0, c.handleError(ctx, parseErr, op)
	}
	return price, nil
}

// GetKlines retrieves historical klines/candlestick data for the given symbol.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]*domain.Kline, error) {
	op := "GetKlines"
	binanceKlines, err := c.futuresClient.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	domainKlines := make([]*domain.Kline, 0, len(binanceKlines))
	for _, bk := range binanceKlines {
		dk, err := translateBinanceKline(bk, symbol, interval)
		if err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("failed to translate historical kline: %w", err), op)
		}
		domainKlines = append(domainKlines, dk)
	}

	return domainKlines, nil
}

// PlaceOrder places an order on Binance futures. The ClientRequestID in the
// request becomes the exchange's newClientOrderId, so a retried submission with
// the same ID is answered with the already accepted order instead of a new one.
func (c *Client) PlaceOrder(ctx context.Context, req ports.PlaceOrderRequest) (*ports.OrderHandle, error) {
	op := "PlaceOrder"

	svc := c.futuresClient.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Quantity(req.Quantity).
		NewClientOrderID(req.ClientRequestID)

	switch req.Type {
	case ports.OrderTypeLimit:
		svc = svc.Type(futures.OrderTypeLimit).
			Price(req.Price).
			TimeInForce(futures.TimeInForceTypeGTC)
	case ports.OrderTypeMarket:
		svc = svc.Type(futures.OrderTypeMarket)
	case ports.OrderTypeStopMarket:
		svc = svc.Type(futures.OrderTypeStopMarket).
			StopPrice(req.Price).
			ReduceOnly(true)
	case ports.OrderTypeTakeProfit:
		svc = svc.Type(futures.OrderTypeTakeProfitMarket).
			StopPrice(req.Price).
			ReduceOnly(true)
	default:
		return nil, fmt.Errorf("%s failed: %w: unsupported order type %q", op, ports.ErrInvalidRequest, req.Type)
	}

	order, err := svc.Do(ctx)
	if err != nil {
		if isDuplicateClientOrderID(err) {
			c.logger.Info(ctx, op+": duplicate client order ID, fetching existing order", map[string]interface{}{
				"symbol":          req.Symbol,
				"clientRequestID": req.ClientRequestID,
			})
			return c.getByClientRequestID(ctx, req.Symbol, req.ClientRequestID)
		}
		return nil, c.handleError(ctx, err, op)
	}

	handle := translateCreateOrder(order)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol":   req.Symbol,
		"side":     req.Side,
		"type":     req.Type,
		"quantity": req.Quantity,
		"price":    req.Price,
		"orderID":  handle.OrderID,
		"status":   handle.Status,
	})
	return handle, nil
}

// CancelOrder cancels an open order on Binance.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) (*ports.OrderHandle, error) {
	op := "CancelOrder"
	c.logger.Debug(ctx, "Attempting to cancel order", map[string]interface{}{"symbol": symbol, "orderID": orderID})

	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w: invalid order ID %q", op, ports.ErrInvalidRequest, orderID)
	}

	res, err := c.futuresClient.NewCancelOrderService().
		Symbol(symbol).
		OrderID(id).
		Do(ctx)
	if err != nil {
		// handleError maps -2011/-2013 to ErrOrderNotFound; the caller decides
		// whether that means the order filled first.
		return nil, c.handleError(ctx, err, op)
	}

	handle := translateCancelOrder(res)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "orderID": orderID, "status": handle.Status})
	return handle, nil
}

// GetOrder queries the current status of an order.
func (c *Client) GetOrder(ctx context.Context, symbol, orderID string) (*ports.OrderHandle, error) {
	op := "GetOrder"

	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w: invalid order ID %q", op, ports.ErrInvalidRequest, orderID)
	}

	order, err := c.futuresClient.NewGetOrderService().
		Symbol(symbol).
		OrderID(id).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	return translateGetOrder(order), nil
}

func (c *Client) getByClientRequestID(ctx context.Context, symbol, clientRequestID string) (*ports.OrderHandle, error) {
	op := "GetOrderByClientRequestID"
	order, err := c.futuresClient.NewGetOrderService().
		Symbol(symbol).
		OrigClientOrderID(clientRequestID).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	return translateGetOrder(order), nil
}

// StreamFills starts the user-data WebSocket stream and delivers one FillEvent
// per execution report. The listen key is refreshed periodically and the
// connection is re-established with exponential backoff when it drops.
func (c *Client) StreamFills(ctx context.Context, handler func(ports.FillEvent), errHandler func(error)) (doneCh chan struct{}, stopCh chan struct{}, err error) {
	op := "StreamFills"
	wsCtx, cancelWs := context.WithCancel(ctx)

	listenKey, err := c.futuresClient.NewStartUserStreamService().Do(ctx)
	if err != nil {
		cancelWs()
		return nil, nil, c.handleError(ctx, err, op+" start user stream")
	}

	// Keepalive loop so the listen key does not expire mid-session.
	go func() {
		ticker := time.NewTicker(listenKeyKeepalive)
		defer ticker.Stop()
		for {
			select {
			case <-wsCtx.Done():
				return
			case <-ticker.C:
				if kErr := c.futuresClient.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(wsCtx); kErr != nil {
					c.handleError(wsCtx, kErr, op+" keepalive")
				}
			}
		}
	}()

	binanceHandler := func(event *futures.WsUserDataEvent) {
		if event == nil || event.Event != futures.UserDataEventTypeOrderTradeUpdate {
			return
		}
		fill, ok := translateOrderTradeUpdate(&event.OrderTradeUpdate)
		if !ok {
			return
		}
		handler(fill)
	}

	binanceErrHandler := func(wsErr error) {
		translatedErr := c.handleError(wsCtx, wsErr, op+" WebSocket")
		c.logger.Warn(wsCtx, op+": WebSocket error reported", map[string]interface{}{"error": translatedErr})
		errHandler(translatedErr)
	}

	// Reconnection loop
	go func() {
		defer cancelWs()

		attempt := 0
		for {
			select {
			case <-wsCtx.Done():
				c.logger.Info(wsCtx, op+": Context cancelled, stopping connection attempts.")
				return
			default:
				c.logger.Info(wsCtx, op+": Attempting WebSocket connection...", map[string]interface{}{"attempt": attempt + 1})
				innerDoneCh, innerStopCh, connectErr := futures.WsUserDataServe(listenKey, binanceHandler, binanceErrHandler)

				if connectErr != nil {
					c.handleError(wsCtx, connectErr, op+" connection attempt")
					attempt++
					if attempt >= c.maxReconnectAttempts {
						c.logger.Error(wsCtx, connectErr, op+": Max reconnection attempts exceeded, giving up.", map[string]interface{}{"maxAttempts": c.maxReconnectAttempts})
						errHandler(fmt.Errorf("%s: %w: max reconnection attempts exceeded", op, ports.ErrGatewayUnreachable))
						return
					}

					delay := c.reconnectDelay * time.Duration(1<<uint(attempt-1))
					c.logger.Info(wsCtx, op+": Connection failed, retrying...", map[string]interface{}{"attempt": attempt + 1, "delay": delay.String()})

					select {
					case <-time.After(delay):
						continue
					case <-wsCtx.Done():
						c.logger.Info(wsCtx, op+": Context cancelled during backoff.")
						return
					}
				}

				c.logger.Info(wsCtx, op+": WebSocket connection established.")
				attempt = 0

				select {
				case <-innerDoneCh:
					c.logger.Warn(wsCtx, op+": WebSocket connection closed unexpectedly. Reconnecting...")
				case <-wsCtx.Done():
					c.logger.Info(wsCtx, op+": Context cancelled, stopping WebSocket.")
					select {
					case innerStopCh <- struct{}{}:
					default:
					}
					return
				}
			}
		}
	}()

	doneCh = make(chan struct{})
	stopCh = make(chan struct{})

	go func() {
		select {
		case <-stopCh:
			c.logger.Info(ctx, op+": Received external stop signal, cancelling WebSocket context.")
			cancelWs()
		case <-wsCtx.Done():
		}
	}()

	go func() {
		<-wsCtx.Done()
		if closeErr := c.futuresClient.NewCloseUserStreamService().ListenKey(listenKey).Do(context.Background()); closeErr != nil {
			c.logger.Warn(context.Background(), op+": Failed to close user stream listen key", map[string]interface{}{"error": closeErr.Error()})
		}
		close(doneCh)
	}()

	return doneCh, stopCh, nil
}

// isDuplicateClientOrderID detects the rejection Binance returns when the same
// newClientOrderId is submitted twice.
func isDuplicateClientOrderID(err error) bool {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.Code == -4116 {
		return true
	}
	return strings.Contains(strings.ToLower(apiErr.Message), "duplicate")
}

// --- Translation Helpers ---

func translateStatus(status futures.OrderStatusType) domain.OrderStatus {
	switch status {
	case futures.OrderStatusTypeNew:
		return domain.OrderOpen
	case futures.OrderStatusTypePartiallyFilled:
		return domain.OrderPartiallyFilled
	case futures.OrderStatusTypeFilled:
		return domain.OrderFilled
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired:
		return domain.OrderCanceled
	case futures.OrderStatusTypeRejected:
		return domain.OrderRejected
	default:
		return domain.OrderPending
	}
}

func translateCreateOrder(order *futures.CreateOrderResponse) *ports.OrderHandle {
	if order == nil {
		return nil
	}
	price, _ := strconv.ParseFloat(order.Price, 64)
	if price == 0 {
		price, _ = strconv.ParseFloat(order.StopPrice, 64)
	}
	avgPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
	origQty, _ := strconv.ParseFloat(order.OrigQuantity, 64)
	execQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)

	return &ports.OrderHandle{
		OrderID:         strconv.FormatInt(order.OrderID, 10),
		ClientRequestID: order.ClientOrderID,
		Symbol:          order.Symbol,
		Side:            domain.OrderSide(order.Side),
		Status:          translateStatus(order.Status),
		Price:           price,
		OrigQuantity:    origQty,
		ExecutedQty:     execQty,
		AvgFillPrice:    avgPrice,
		Timestamp:       time.UnixMilli(order.UpdateTime),
	}
}

func translateGetOrder(order *futures.Order) *ports.OrderHandle {
	if order == nil {
		return nil
	}
	price, _ := strconv.ParseFloat(order.Price, 64)
	if price == 0 {
		price, _ = strconv.ParseFloat(order.StopPrice, 64)
	}
	avgPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
	origQty, _ := strconv.ParseFloat(order.OrigQuantity, 64)
	execQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)

	return &ports.OrderHandle{
		OrderID:         strconv.FormatInt(order.OrderID, 10),
		ClientRequestID: order.ClientOrderID,
		Symbol:          order.Symbol,
		Side:            domain.OrderSide(order.Side),
		Status:          translateStatus(order.Status),
		Price:           price,
		OrigQuantity:    origQty,
		ExecutedQty:     execQty,
		AvgFillPrice:    avgPrice,
		Timestamp:       time.UnixMilli(order.UpdateTime),
	}
}

func translateCancelOrder(res *futures.CancelOrderResponse) *ports.OrderHandle {
	if res == nil {
		return nil
	}
	price, _ := strconv.ParseFloat(res.Price, 64)
	origQty, _ := strconv.ParseFloat(res.OrigQuantity, 64)
	execQty, _ := strconv.ParseFloat(res.ExecutedQuantity, 64)

	return &ports.OrderHandle{
		OrderID:         strconv.FormatInt(res.OrderID, 10),
		ClientRequestID: res.ClientOrderID,
		Symbol:          res.Symbol,
		Side:            domain.OrderSide(res.Side),
		Status:          translateStatus(res.Status),
		Price:           price,
		OrigQuantity:    origQty,
		ExecutedQty:     execQty,
		Timestamp:       time.Now(),
	}
}

// translateOrderTradeUpdate converts an ORDER_TRADE_UPDATE report into a
// FillEvent. Reports that carry no execution (NEW, CANCELED without a trade)
// are dropped.
func translateOrderTradeUpdate(u *futures.WsOrderTradeUpdate) (ports.FillEvent, bool) {
	if u == nil || u.ExecutionType != futures.OrderExecutionTypeTrade {
		return ports.FillEvent{}, false
	}
	lastQty, _ := strconv.ParseFloat(u.LastFilledQty, 64)
	lastPrice, _ := strconv.ParseFloat(u.LastFilledPrice, 64)
	if lastQty <= 0 {
		return ports.FillEvent{}, false
	}

	return ports.FillEvent{
		OrderID:     strconv.FormatInt(u.ID, 10),
		Symbol:      u.Symbol,
		Side:        domain.OrderSide(u.Side),
		FilledQty:   lastQty,
		FilledPrice: lastPrice,
		OrderStatus: translateStatus(u.Status),
		Timestamp:   time.UnixMilli(u.TradeTime),
	}, true
}

func translateBinanceKline(bk *futures.Kline, symbol, interval string) (*domain.Kline, error) {
	if bk == nil {
		return nil, errors.New("received nil historical kline")
	}
	open, err := strconv.ParseFloat(bk.Open, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing open price '%s': %w", bk.Open, err)
	}
	high, err := strconv.ParseFloat(bk.High, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing high price '%s': %w", bk.High, err)
	}
	low, err := strconv.ParseFloat(bk.Low, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing low price '%s': %w", bk.Low, err)
	}
	cls, err := strconv.ParseFloat(bk.Close, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing close price '%s': %w", bk.Close, err)
	}
	vol, err := strconv.ParseFloat(bk.Volume, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing volume '%s': %w", bk.Volume, err)
	}

	return &domain.Kline{
		OpenTime:  time.UnixMilli(bk.OpenTime),
		CloseTime: time.UnixMilli(bk.CloseTime),
		Symbol:    symbol,
		Interval:  interval,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     cls,
		Volume:    vol,
		IsFinal:   true, // Historical klines are always final
	}, nil
}
