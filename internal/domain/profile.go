package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// StrategyProfile holds the static parameters for one timeframe class.
// Profiles are loaded once at startup and never mutated at runtime; controllers
// share them read-only.
type StrategyProfile struct {
	Timeframe          Timeframe
	BreakoutPct        float64 // entry offset from the reference price (e.g. 0.005 for 0.5%)
	TakeProfitPct      float64
	StopLossPct        float64
	BuyToSellRatio     float64 // sellQty = buyQty * BuyToSellRatio (e.g. 3 for a 1:3 straddle)
	BaseQuantity       float64 // quantity of the buy leg
	EvaluationInterval time.Duration
	EntryTimeout       time.Duration // PENDING_ENTRY positions older than this are force-canceled
	LookbackPeriod     int           // klines required by the volatility estimator
}

// EntryQuantities returns the buy and sell leg quantities. The sell leg is the
// buy leg scaled by BuyToSellRatio; the math runs through decimals so the
// ratio invariant holds without float drift (0.003 * 3 is exactly 0.009).
func (p *StrategyProfile) EntryQuantities() (buyQty, sellQty float64) {
	buy := decimal.NewFromFloat(p.BaseQuantity)
	sell := buy.Mul(decimal.NewFromFloat(p.BuyToSellRatio))
	return buy.InexactFloat64(), sell.InexactFloat64()
}
