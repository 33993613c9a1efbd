package domain

import "time"

// EventType identifies a straddle lifecycle event emitted to the notifier.
type EventType string

const (
	EventCycleOpened EventType = "CYCLE_OPENED"
	EventLegFilled   EventType = "LEG_FILLED"
	EventCycleClosed EventType = "CYCLE_CLOSED"
	EventHedgedRace  EventType = "HEDGED_RACE"
	EventFatalError  EventType = "FATAL_ERROR"
)

// Event is a fire-and-forget lifecycle notification. Only the fields relevant
// to the event type are populated.
type Event struct {
	Type        EventType
	Symbol      string
	CycleID     int64
	Timeframe   Timeframe
	Side        OrderSide // LEG_FILLED, HEDGED_RACE
	Price       float64   // fill price for LEG_FILLED, reference price for CYCLE_OPENED
	Quantity    float64   // HEDGED_RACE: excess quantity flattened
	Pnl         float64   // CYCLE_CLOSED
	CloseReason CloseReason
	Reason      string // FATAL_ERROR
	At          time.Time
}
