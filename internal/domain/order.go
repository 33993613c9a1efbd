package domain

import "time"

// Order is one exchange order owned by the straddle position that created it.
// Orders are never shared across positions; the owning controller is the sole
// mutator.
type Order struct {
	OrderID         string // exchange-assigned, empty until accepted
	ClientRequestID string // idempotency key derived from (symbol, cycleID, kind, side)
	Symbol          string
	Side            OrderSide
	Kind            OrderKind
	Price           float64 // limit/trigger price; 0 for market orders
	Quantity        float64
	ExecutedQty     float64
	AvgFillPrice    float64
	Status          OrderStatus
	SubmittedAt     time.Time
}

// IsLive reports whether the order may still fill on the exchange.
func (o *Order) IsLive() bool {
	return o != nil && !o.Status.IsTerminal()
}

// ApplyFill records a fill notification. Fills beyond the remaining quantity
// are clamped; the average price is volume-weighted over observed fills.
func (o *Order) ApplyFill(qty, price float64) {
	if qty <= 0 {
		return
	}
	remaining := o.Quantity - o.ExecutedQty
	if qty > remaining {
		qty = remaining
	}
	total := o.AvgFillPrice*o.ExecutedQty + price*qty
	o.ExecutedQty += qty
	if o.ExecutedQty > 0 {
		o.AvgFillPrice = total / o.ExecutedQty
	}
	if o.ExecutedQty >= o.Quantity {
		o.Status = OrderFilled
	} else {
		o.Status = OrderPartiallyFilled
	}
}
