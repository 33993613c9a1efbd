package domain

import "time"

// VolatilitySnapshot is the latest breakout-distance estimate for a symbol.
// Recomputed each evaluation tick; only the latest value per symbol is kept.
type VolatilitySnapshot struct {
	Symbol      string
	Timeframe   Timeframe
	ComputedAt  time.Time
	Value       float64 // normalized ATR (ATR / last close)
	BreakoutPct float64 // scaled breakout distance actually used for entries
	Fallback    bool    // true when insufficient history forced the static pct
}

// PortfolioSnapshot is a derived, read-only rollup over all live positions.
// It is recomputed on demand and never a source of truth.
type PortfolioSnapshot struct {
	TakenAt          time.Time             `json:"takenAt"`
	OpenNotional     float64               `json:"openNotional"`
	RealizedPnl      float64               `json:"realizedPnl"`
	ActiveProtective int                   `json:"activeProtectiveOrders"`
	PositionsByState map[PositionState]int `json:"positionsByState"`
	Positions        []PositionSummary     `json:"positions"`
}

// PositionSummary is the per-symbol slice of a portfolio snapshot.
type PositionSummary struct {
	Symbol         string        `json:"symbol"`
	Timeframe      Timeframe     `json:"timeframe"`
	State          PositionState `json:"state"`
	CycleID        int64         `json:"cycleId"`
	ActiveLeg      OrderSide     `json:"activeLeg,omitempty"`
	ReferencePrice float64       `json:"referencePrice"`
	OpenNotional   float64       `json:"openNotional"`
	RealizedPnl    float64       `json:"realizedPnl"`
}

// CycleRecord is one closed straddle cycle as persisted to the repository.
type CycleRecord struct {
	ID          int64
	Symbol      string
	CycleID     int64
	Timeframe   Timeframe
	Leg         OrderSide
	EntryPrice  float64
	ExitPrice   float64
	Quantity    float64
	Pnl         float64
	CloseReason CloseReason
	OpenedAt    time.Time
	ClosedAt    time.Time
}
