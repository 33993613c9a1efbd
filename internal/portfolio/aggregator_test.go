package portfolio

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"straddlebot/internal/domain"
	"straddlebot/internal/ports"
)

// --- Mocks ---

type mockSource struct {
	positions []*domain.StraddlePosition
}

func (m *mockSource) Snapshots() []*domain.StraddlePosition { return m.positions }

type recordingNotifier struct {
	events []domain.Event
}

func (r *recordingNotifier) Notify(_ context.Context, event domain.Event) {
	r.events = append(r.events, event)
}

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// metricValue scans the registry for a sample matching name and labels.
// Returns 0 when the series does not exist.
func metricValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if !labelsMatch(metric.GetLabel(), labels) {
				continue
			}
			if metric.GetCounter() != nil {
				return metric.GetCounter().GetValue()
			}
			return metric.GetGauge().GetValue()
		}
	}
	return 0
}

func labelsMatch(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, pair := range pairs {
		if want[pair.GetName()] != pair.GetValue() {
			return false
		}
	}
	return true
}

func newAggregator(t *testing.T) (*Aggregator, *mockSource, *recordingNotifier, *prometheus.Registry) {
	t.Helper()
	source := &mockSource{}
	next := &recordingNotifier{}
	reg := prometheus.NewRegistry()
	agg, err := New(source, next, &mockLogger{}, reg)
	require.NoError(t, err)
	return agg, source, next, reg
}

// --- Tests ---

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(nil, &recordingNotifier{}, &mockLogger{}, prometheus.NewRegistry())
	assert.Error(t, err)

	_, err = New(&mockSource{}, nil, &mockLogger{}, prometheus.NewRegistry())
	assert.Error(t, err)

	_, err = New(&mockSource{}, &recordingNotifier{}, nil, prometheus.NewRegistry())
	assert.Error(t, err)
}

func TestNotifyCountsAndForwards(t *testing.T) {
	agg, _, next, reg := newAggregator(t)
	ctx := context.Background()

	events := []domain.Event{
		{Type: domain.EventCycleOpened, Symbol: "BTCUSDT", CycleID: 1},
		{Type: domain.EventLegFilled, Symbol: "BTCUSDT", Side: domain.Buy},
		{Type: domain.EventCycleClosed, Symbol: "BTCUSDT", CloseReason: domain.CloseReasonTakeProfit, Pnl: 0.24},
		{Type: domain.EventHedgedRace, Symbol: "ETHUSDT", Quantity: 0.009},
		{Type: domain.EventFatalError, Symbol: "ETHUSDT", Reason: "authentication failed"},
	}
	for _, event := range events {
		agg.Notify(ctx, event)
	}

	// Every event reaches the downstream notifier in order.
	require.Len(t, next.events, len(events))
	for i, event := range events {
		assert.Equal(t, event.Type, next.events[i].Type)
	}

	assert.Equal(t, 1.0, metricValue(t, reg, "straddle_cycles_opened_total", map[string]string{"symbol": "BTCUSDT"}))
	assert.Equal(t, 1.0, metricValue(t, reg, "straddle_cycles_closed_total", map[string]string{"symbol": "BTCUSDT", "reason": "TP"}))
	assert.Equal(t, 1.0, metricValue(t, reg, "straddle_hedged_races_total", map[string]string{"symbol": "ETHUSDT"}))
	assert.Equal(t, 1.0, metricValue(t, reg, "straddle_fatal_errors_total", map[string]string{"symbol": "ETHUSDT"}))
	// Leg fills carry no counter of their own.
	assert.Equal(t, 0.0, metricValue(t, reg, "straddle_cycles_opened_total", map[string]string{"symbol": "ETHUSDT"}))
}

func TestSetNextReplacesDownstream(t *testing.T) {
	agg, _, first, _ := newAggregator(t)
	second := &recordingNotifier{}

	agg.SetNext(second)
	agg.Notify(context.Background(), domain.Event{Type: domain.EventCycleOpened, Symbol: "BTCUSDT"})

	assert.Empty(t, first.events)
	require.Len(t, second.events, 1)

	// A nil notifier is ignored, the chain stays intact.
	agg.SetNext(nil)
	agg.Notify(context.Background(), domain.Event{Type: domain.EventCycleOpened, Symbol: "BTCUSDT"})
	assert.Len(t, second.events, 2)
}

func TestSnapshotFoldsPositions(t *testing.T) {
	agg, source, _, reg := newAggregator(t)

	profile := &domain.StrategyProfile{Timeframe: domain.TimeframeShort}
	source.positions = []*domain.StraddlePosition{
		{
			Symbol:         "BTCUSDT",
			Profile:        profile,
			CycleID:        3,
			State:          domain.StateActive,
			ReferencePrice: 100,
			ActiveLeg:      domain.Buy,
			BuyEntry: &domain.Order{
				Side:         domain.Buy,
				Kind:         domain.KindEntry,
				Quantity:     0.003,
				ExecutedQty:  0.003,
				AvgFillPrice: 100.50,
				Status:       domain.OrderFilled,
			},
			TakeProfit:  &domain.Order{Kind: domain.KindTakeProfit, Status: domain.OrderOpen},
			StopLoss:    &domain.Order{Kind: domain.KindStopLoss, Status: domain.OrderOpen},
			RealizedPnl: 1.2,
		},
		{
			Symbol:      "ETHUSDT",
			Profile:     profile,
			CycleID:     1,
			State:       domain.StateIdle,
			RealizedPnl: -0.4,
		},
	}

	snap := agg.Snapshot()

	assert.InDelta(t, 100.50*0.003, snap.OpenNotional, 1e-9)
	assert.InDelta(t, 0.8, snap.RealizedPnl, 1e-9)
	assert.Equal(t, 2, snap.ActiveProtective)
	assert.Equal(t, 1, snap.PositionsByState[domain.StateActive])
	assert.Equal(t, 1, snap.PositionsByState[domain.StateIdle])
	assert.WithinDuration(t, time.Now().UTC(), snap.TakenAt, time.Minute)

	require.Len(t, snap.Positions, 2)
	active := snap.Positions[0]
	assert.Equal(t, "BTCUSDT", active.Symbol)
	assert.Equal(t, domain.StateActive, active.State)
	assert.Equal(t, int64(3), active.CycleID)
	assert.Equal(t, domain.Buy, active.ActiveLeg)
	assert.InDelta(t, 100.50*0.003, active.OpenNotional, 1e-9)

	// The gauges mirror the fold.
	assert.InDelta(t, 100.50*0.003, metricValue(t, reg, "straddle_open_notional", nil), 1e-9)
	assert.InDelta(t, 0.8, metricValue(t, reg, "straddle_realized_pnl", nil), 1e-9)
	assert.Equal(t, 2.0, metricValue(t, reg, "straddle_active_protective_orders", nil))
	assert.Equal(t, 1.0, metricValue(t, reg, "straddle_positions", map[string]string{"state": "ACTIVE"}))
	assert.Equal(t, 1.0, metricValue(t, reg, "straddle_positions", map[string]string{"state": "IDLE"}))
	assert.Equal(t, 0.0, metricValue(t, reg, "straddle_positions", map[string]string{"state": "TERMINATED"}))
}

func TestSnapshotWithNoPositions(t *testing.T) {
	agg, _, _, reg := newAggregator(t)

	snap := agg.Snapshot()

	assert.Zero(t, snap.OpenNotional)
	assert.Zero(t, snap.RealizedPnl)
	assert.Zero(t, snap.ActiveProtective)
	assert.Empty(t, snap.Positions)
	assert.Equal(t, 0.0, metricValue(t, reg, "straddle_open_notional", nil))
}

var _ ports.Notifier = (*Aggregator)(nil)
