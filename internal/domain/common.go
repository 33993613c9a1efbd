package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderKind classifies what role an order plays within a straddle cycle.
type OrderKind string

const (
	KindEntry      OrderKind = "ENTRY"
	KindTakeProfit OrderKind = "TAKE_PROFIT"
	KindStopLoss   OrderKind = "STOP_LOSS"
	KindHedge      OrderKind = "HEDGE" // market close of an unwanted double fill
)

// OrderStatus represents the lifecycle status of a single order.
type OrderStatus string

const (
	OrderPending         OrderStatus = "PENDING" // created locally, not yet accepted
	OrderOpen            OrderStatus = "OPEN"
	OrderFilled          OrderStatus = "FILLED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
)

// IsTerminal reports whether no further status change can occur for an order.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderFilled || s == OrderCanceled || s == OrderRejected
}

// PositionState is the state of the per-symbol straddle state machine.
type PositionState string

const (
	StateIdle         PositionState = "IDLE"
	StatePendingEntry PositionState = "PENDING_ENTRY"
	StateActive       PositionState = "ACTIVE"
	StateClosing      PositionState = "CLOSING"
	StateTerminated   PositionState = "TERMINATED"
)

// Timeframe selects one of the static strategy profiles.
type Timeframe string

const (
	TimeframeShort  Timeframe = "SHORT"
	TimeframeMedium Timeframe = "MEDIUM"
	TimeframeLong   Timeframe = "LONG"
)

// CloseReason indicates why a straddle cycle was closed.
type CloseReason string

const (
	CloseReasonTakeProfit CloseReason = "TP"
	CloseReasonStopLoss   CloseReason = "SL"
	CloseReasonManual     CloseReason = "MANUAL"
	CloseReasonFatal      CloseReason = "FATAL"
)
