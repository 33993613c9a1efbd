package portfolio

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"straddlebot/internal/domain"
	"straddlebot/internal/ports"
)

// PositionSource supplies point-in-time position copies. *straddle.Manager
// satisfies it.
type PositionSource interface {
	Snapshots() []*domain.StraddlePosition
}

// Aggregator builds read-only portfolio rollups from the live controllers and
// keeps the prometheus instruments current. It sits in the notification chain
// (controller -> aggregator -> notifier) so lifecycle counters tick without
// the controllers knowing about metrics.
//
// Snapshot never mutates controller state and never blocks an evaluation:
// sources hand over copies taken under their own short-lived locks.
type Aggregator struct {
	source PositionSource
	next   ports.Notifier
	logger ports.Logger

	cyclesOpened *prometheus.CounterVec
	cyclesClosed *prometheus.CounterVec
	hedgedRaces  *prometheus.CounterVec
	fatalErrors  *prometheus.CounterVec
	openNotional prometheus.Gauge
	realizedPnl  prometheus.Gauge
	stateCount   *prometheus.GaugeVec
	protective   prometheus.Gauge
}

// New creates an Aggregator forwarding events to next after recording them.
func New(source PositionSource, next ports.Notifier, logger ports.Logger, reg prometheus.Registerer) (*Aggregator, error) {
	if source == nil || next == nil || logger == nil {
		return nil, fmt.Errorf("aggregator requires a position source, a notifier and a logger")
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Aggregator{
		source: source,
		next:   next,
		logger: logger,
		cyclesOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "straddle_cycles_opened_total",
			Help: "Straddle cycles opened, by symbol.",
		}, []string{"symbol"}),
		cyclesClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "straddle_cycles_closed_total",
			Help: "Straddle cycles closed, by symbol and close reason.",
		}, []string{"symbol", "reason"}),
		hedgedRaces: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "straddle_hedged_races_total",
			Help: "Double-fill races resolved with a hedging close, by symbol.",
		}, []string{"symbol"}),
		fatalErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "straddle_fatal_errors_total",
			Help: "Controllers terminated by fatal errors, by symbol.",
		}, []string{"symbol"}),
		openNotional: factory.NewGauge(prometheus.GaugeOpts{
			Name: "straddle_open_notional",
			Help: "Total open notional exposure across all positions.",
		}),
		realizedPnl: factory.NewGauge(prometheus.GaugeOpts{
			Name: "straddle_realized_pnl",
			Help: "Cumulative realized PnL across all positions.",
		}),
		stateCount: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "straddle_positions",
			Help: "Number of positions per state-machine state.",
		}, []string{"state"}),
		protective: factory.NewGauge(prometheus.GaugeOpts{
			Name: "straddle_active_protective_orders",
			Help: "Protective orders currently working on the exchange.",
		}),
	}, nil
}

// SetNext replaces the downstream notifier. Must be called during wiring,
// before any controller starts emitting events.
func (a *Aggregator) SetNext(next ports.Notifier) {
	if next != nil {
		a.next = next
	}
}

// Notify records the event in the counters and forwards it downstream.
func (a *Aggregator) Notify(ctx context.Context, event domain.Event) {
	switch event.Type {
	case domain.EventCycleOpened:
		a.cyclesOpened.WithLabelValues(event.Symbol).Inc()
	case domain.EventCycleClosed:
		a.cyclesClosed.WithLabelValues(event.Symbol, string(event.CloseReason)).Inc()
	case domain.EventHedgedRace:
		a.hedgedRaces.WithLabelValues(event.Symbol).Inc()
	case domain.EventFatalError:
		a.fatalErrors.WithLabelValues(event.Symbol).Inc()
	}
	a.next.Notify(ctx, event)
}

// Snapshot folds the live positions into a derived, read-only view and
// refreshes the gauges. Safe to call concurrently with controller mutations.
func (a *Aggregator) Snapshot() *domain.PortfolioSnapshot {
	positions := a.source.Snapshots()

	snap := &domain.PortfolioSnapshot{
		TakenAt:          time.Now().UTC(),
		PositionsByState: make(map[domain.PositionState]int),
		Positions:        make([]domain.PositionSummary, 0, len(positions)),
	}

	for _, pos := range positions {
		notional := pos.OpenNotional()
		snap.OpenNotional += notional
		snap.RealizedPnl += pos.RealizedPnl
		snap.ActiveProtective += pos.LiveProtectiveOrders()
		snap.PositionsByState[pos.State]++
		snap.Positions = append(snap.Positions, domain.PositionSummary{
			Symbol:         pos.Symbol,
			Timeframe:      pos.Profile.Timeframe,
			State:          pos.State,
			CycleID:        pos.CycleID,
			ActiveLeg:      pos.ActiveLeg,
			ReferencePrice: pos.ReferencePrice,
			OpenNotional:   notional,
			RealizedPnl:    pos.RealizedPnl,
		})
	}

	a.openNotional.Set(snap.OpenNotional)
	a.realizedPnl.Set(snap.RealizedPnl)
	a.protective.Set(float64(snap.ActiveProtective))
	for _, state := range []domain.PositionState{domain.StateIdle, domain.StatePendingEntry, domain.StateActive, domain.StateClosing, domain.StateTerminated} {
		a.stateCount.WithLabelValues(string(state)).Set(float64(snap.PositionsByState[state]))
	}

	return snap
}
