package domain

import "time"

// StraddlePosition is the per-symbol straddle state owned by exactly one
// controller. The controller is the sole mutator; everyone else sees copies.
type StraddlePosition struct {
	Symbol         string
	Profile        *StrategyProfile // shared, read-only
	CycleID        int64            // increments each time a cycle closes
	State          PositionState
	ReferencePrice float64 // price sampled when the cycle was opened
	BuyEntry       *Order
	SellEntry      *Order
	ActiveLeg      OrderSide // "" until one entry leg fills
	TakeProfit     *Order    // nil until a leg fills
	StopLoss       *Order    // nil until a leg fills
	RealizedPnl    float64   // cumulative across closed cycles
	OpenedAt       time.Time // when the current cycle's entries were placed
	LastEvaluated  time.Time
}

// EntryLeg returns the entry order for the given side.
func (p *StraddlePosition) EntryLeg(side OrderSide) *Order {
	if side == Buy {
		return p.BuyEntry
	}
	return p.SellEntry
}

// ActiveEntry returns the entry order of the filled leg, nil when no leg has
// filled yet.
func (p *StraddlePosition) ActiveEntry() *Order {
	if p.ActiveLeg == "" {
		return nil
	}
	return p.EntryLeg(p.ActiveLeg)
}

// OpenNotional is the absolute exposure of the filled leg at its entry price.
func (p *StraddlePosition) OpenNotional() float64 {
	entry := p.ActiveEntry()
	if entry == nil {
		return 0
	}
	return entry.AvgFillPrice * entry.ExecutedQty
}

// LiveProtectiveOrders counts protective orders still working on the exchange.
func (p *StraddlePosition) LiveProtectiveOrders() int {
	n := 0
	if p.TakeProfit.IsLive() {
		n++
	}
	if p.StopLoss.IsLive() {
		n++
	}
	return n
}

// Clone returns a deep copy suitable for snapshot readers. Order structs are
// copied by value; the profile pointer is shared since profiles are immutable.
func (p *StraddlePosition) Clone() *StraddlePosition {
	cp := *p
	cp.BuyEntry = cloneOrder(p.BuyEntry)
	cp.SellEntry = cloneOrder(p.SellEntry)
	cp.TakeProfit = cloneOrder(p.TakeProfit)
	cp.StopLoss = cloneOrder(p.StopLoss)
	return &cp
}

func cloneOrder(o *Order) *Order {
	if o == nil {
		return nil
	}
	cp := *o
	return &cp
}
