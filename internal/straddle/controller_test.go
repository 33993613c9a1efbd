package straddle

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"straddlebot/internal/domain"
	"straddlebot/internal/ports"
)

// Mock implementations

type mockLogger struct {
	debugMsgs []string
	infoMsgs  []string
	warnMsgs  []string
	errorMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.debugMsgs = append(m.debugMsgs, msg)
}

func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.infoMsgs = append(m.infoMsgs, msg)
}

func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.warnMsgs = append(m.warnMsgs, msg)
}

func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.errorMsgs = append(m.errorMsgs, msg)
}

type mockExecutor struct {
	mu          sync.Mutex
	nextID      int
	entries     []*domain.Order
	protectives []*domain.Order
	hedges      []*domain.Order
	canceled    []string
	forgotten   []int64

	entryErr       map[domain.OrderSide]error
	protectiveErr  map[domain.OrderKind]error
	hedgeErr       error
	cancelHook     func(symbol, orderID string) (*ports.OrderHandle, error)
	syncHook       func(symbol, orderID string) (*ports.OrderHandle, error)
	protectiveHook func()
}

func newMockExecutor() *mockExecutor {
	return &mockExecutor{
		entryErr:      make(map[domain.OrderSide]error),
		protectiveErr: make(map[domain.OrderKind]error),
	}
}

func (m *mockExecutor) newOrder(symbol string, kind domain.OrderKind, side domain.OrderSide, price, qty float64) *domain.Order {
	m.nextID++
	return &domain.Order{
		OrderID:  fmt.Sprintf("order-%d", m.nextID),
		Symbol:   symbol,
		Side:     side,
		Kind:     kind,
		Price:    price,
		Quantity: qty,
		Status:   domain.OrderOpen,
	}
}

func (m *mockExecutor) SubmitEntry(ctx context.Context, pos *domain.StraddlePosition, side domain.OrderSide, price, qty float64) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.entryErr[side]; err != nil {
		return nil, err
	}
	o := m.newOrder(pos.Symbol, domain.KindEntry, side, price, qty)
	m.entries = append(m.entries, o)
	return o, nil
}

func (m *mockExecutor) SubmitProtective(ctx context.Context, pos *domain.StraddlePosition, leg domain.OrderSide, kind domain.OrderKind, price, qty float64) (*domain.Order, error) {
	m.mu.Lock()
	hook := m.protectiveHook
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.protectiveErr[kind]; err != nil {
		return nil, err
	}
	o := m.newOrder(pos.Symbol, kind, leg.Opposite(), price, qty)
	m.protectives = append(m.protectives, o)
	return o, nil
}

func (m *mockExecutor) HedgeClose(ctx context.Context, pos *domain.StraddlePosition, side domain.OrderSide, qty float64) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hedgeErr != nil {
		return nil, m.hedgeErr
	}
	o := m.newOrder(pos.Symbol, domain.KindHedge, side, 0, qty)
	o.Status = domain.OrderFilled
	o.ExecutedQty = qty
	o.AvgFillPrice = pos.ReferencePrice
	m.hedges = append(m.hedges, o)
	return o, nil
}

// Cancel mimics the coordinator: it answers with the gateway's view as a
// handle and never touches controller-owned orders.
func (m *mockExecutor) Cancel(ctx context.Context, symbol, orderID string) (*ports.OrderHandle, error) {
	m.mu.Lock()
	hook := m.cancelHook
	m.mu.Unlock()
	if hook != nil {
		return hook(symbol, orderID)
	}
	m.mu.Lock()
	m.canceled = append(m.canceled, orderID)
	m.mu.Unlock()
	return &ports.OrderHandle{OrderID: orderID, Symbol: symbol, Status: domain.OrderCanceled}, nil
}

func (m *mockExecutor) SyncOrder(ctx context.Context, symbol, orderID string) (*ports.OrderHandle, error) {
	if m.syncHook != nil {
		return m.syncHook(symbol, orderID)
	}
	return &ports.OrderHandle{OrderID: orderID, Symbol: symbol}, nil
}

func (m *mockExecutor) ForgetCycle(symbol string, cycleID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forgotten = append(m.forgotten, cycleID)
}

// entryBySide returns the most recent entry order on the given side.
func (m *mockExecutor) entryBySide(side domain.OrderSide) *domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *domain.Order
	for _, o := range m.entries {
		if o.Side == side {
			found = o
		}
	}
	return found
}

// protectiveByKind returns the most recent protective order of the given kind.
func (m *mockExecutor) protectiveByKind(kind domain.OrderKind) *domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *domain.Order
	for _, o := range m.protectives {
		if o.Kind == kind {
			found = o
		}
	}
	return found
}

type mockPrices struct {
	price float64
	err   error
}

func (m *mockPrices) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	return m.price, m.err
}

type mockEstimator struct {
	breakoutPct float64
	fallback    bool
	err         error
}

func (m *mockEstimator) Estimate(ctx context.Context, symbol string, profile *domain.StrategyProfile) (*domain.VolatilitySnapshot, error) {
	if m.err != nil {
		return nil, m.err
	}
	pct := m.breakoutPct
	if pct == 0 {
		pct = profile.BreakoutPct
	}
	return &domain.VolatilitySnapshot{
		Symbol:      symbol,
		Timeframe:   profile.Timeframe,
		ComputedAt:  time.Now(),
		BreakoutPct: pct,
		Fallback:    m.fallback,
	}, nil
}

type mockNotifier struct {
	mu     sync.Mutex
	events []domain.Event
}

func (m *mockNotifier) Notify(ctx context.Context, event domain.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *mockNotifier) byType(t domain.EventType) []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Event
	for _, e := range m.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type mockCycleRepo struct {
	mu        sync.Mutex
	records   []*domain.CycleRecord
	createErr error
}

func (m *mockCycleRepo) CreateCycle(ctx context.Context, rec *domain.CycleRecord) (int64, error) {
	if m.createErr != nil {
		return 0, m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return int64(len(m.records)), nil
}

func (m *mockCycleRepo) FindBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.CycleRecord, error) {
	return nil, nil
}

func (m *mockCycleRepo) TotalPnl(ctx context.Context) (float64, error) { return 0, nil }

func (m *mockCycleRepo) TotalPnlBySymbol(ctx context.Context, symbol string) (float64, error) {
	return 0, nil
}

func (m *mockCycleRepo) CountTodayBySymbol(ctx context.Context, symbol string) (int, error) {
	return 0, nil
}

// Test fixture

func testProfile() *domain.StrategyProfile {
	return &domain.StrategyProfile{
		Timeframe:          domain.TimeframeShort,
		BreakoutPct:        0.005,
		TakeProfitPct:      0.008,
		StopLossPct:        0.005,
		BuyToSellRatio:     3.0,
		BaseQuantity:       0.003,
		EvaluationInterval: 30 * time.Second,
		EntryTimeout:       15 * time.Minute,
		LookbackPeriod:     14,
	}
}

type fixture struct {
	ctrl     *Controller
	exec     *mockExecutor
	prices   *mockPrices
	est      *mockEstimator
	notifier *mockNotifier
	repo     *mockCycleRepo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		exec:     newMockExecutor(),
		prices:   &mockPrices{price: 100.0},
		est:      &mockEstimator{},
		notifier: &mockNotifier{},
		repo:     &mockCycleRepo{},
	}
	ctrl, err := NewController(Config{
		Symbol:    "BTCUSDT",
		Profile:   testProfile(),
		Executor:  f.exec,
		Prices:    f.prices,
		Estimator: f.est,
		Notifier:  f.notifier,
		Repo:      f.repo,
		Logger:    &mockLogger{},
	})
	require.NoError(t, err)
	f.ctrl = ctrl
	return f
}

// openCycle drives the controller from IDLE into PENDING_ENTRY.
func (f *fixture) openCycle(t *testing.T, now time.Time) {
	t.Helper()
	require.NoError(t, f.ctrl.Evaluate(context.Background(), now))
	require.Equal(t, domain.StatePendingEntry, f.ctrl.Snapshot().State)
}

// fill delivers a full fill for the given order through the fill path.
func (f *fixture) fill(order *domain.Order, price float64, at time.Time) {
	f.ctrl.OnFill(ports.FillEvent{
		OrderID:     order.OrderID,
		Symbol:      order.Symbol,
		Side:        order.Side,
		FilledQty:   order.Quantity,
		FilledPrice: price,
		OrderStatus: domain.OrderFilled,
		Timestamp:   at,
	})
}

// Tests

func TestOpenCyclePlacesBracketEntries(t *testing.T) {
	f := newFixture(t)
	now := time.Now()

	f.openCycle(t, now)

	buy := f.exec.entryBySide(domain.Buy)
	sell := f.exec.entryBySide(domain.Sell)
	require.NotNil(t, buy)
	require.NotNil(t, sell)

	// 100 ref, 0.5% breakout
	assert.InDelta(t, 100.50, buy.Price, 1e-9)
	assert.InDelta(t, 99.50, sell.Price, 1e-9)
	assert.InDelta(t, 0.003, buy.Quantity, 1e-12)
	assert.InDelta(t, 0.009, sell.Quantity, 1e-12)

	snap := f.ctrl.Snapshot()
	assert.Equal(t, domain.StatePendingEntry, snap.State)
	assert.Equal(t, int64(1), snap.CycleID)
	assert.InDelta(t, 100.0, snap.ReferencePrice, 1e-9)

	opened := f.notifier.byType(domain.EventCycleOpened)
	require.Len(t, opened, 1)
	assert.Equal(t, int64(1), opened[0].CycleID)
}

func TestEvaluateIsIdempotentWhilePending(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.openCycle(t, now)

	// Extra ticks before the timeout must not touch the gateway again.
	require.NoError(t, f.ctrl.Evaluate(context.Background(), now.Add(time.Minute)))
	require.NoError(t, f.ctrl.Evaluate(context.Background(), now.Add(2*time.Minute)))

	assert.Len(t, f.exec.entries, 2)
	assert.Empty(t, f.exec.canceled)
	assert.Equal(t, domain.StatePendingEntry, f.ctrl.Snapshot().State)
}

func TestBuyFillActivatesLegAndAttachesProtective(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.openCycle(t, now)

	buy := f.exec.entryBySide(domain.Buy)
	sell := f.exec.entryBySide(domain.Sell)
	f.fill(buy, 100.50, now.Add(time.Minute))

	snap := f.ctrl.Snapshot()
	assert.Equal(t, domain.StateActive, snap.State)
	assert.Equal(t, domain.Buy, snap.ActiveLeg)

	// Sibling leg canceled.
	assert.Contains(t, f.exec.canceled, sell.OrderID)

	tp := f.exec.protectiveByKind(domain.KindTakeProfit)
	sl := f.exec.protectiveByKind(domain.KindStopLoss)
	require.NotNil(t, tp)
	require.NotNil(t, sl)
	// 100.50 * 1.008 and 100.50 * 0.995
	assert.InDelta(t, 101.304, tp.Price, 1e-9)
	assert.InDelta(t, 99.9975, sl.Price, 1e-9)
	assert.InDelta(t, 0.003, tp.Quantity, 1e-12)
	assert.InDelta(t, 0.003, sl.Quantity, 1e-12)

	filled := f.notifier.byType(domain.EventLegFilled)
	require.Len(t, filled, 1)
	assert.Equal(t, domain.Buy, filled[0].Side)
	assert.InDelta(t, 100.50, filled[0].Price, 1e-9)
}

func TestSnapshotStaysPendingUntilProtectivesAttach(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.openCycle(t, now)

	// Observe the position mid protective placement: the transition to ACTIVE
	// must commit atomically, so a snapshot taken while the orders are still
	// in flight shows neither an active leg nor protective orders.
	var observed []*domain.StraddlePosition
	f.exec.protectiveHook = func() {
		observed = append(observed, f.ctrl.Snapshot())
	}

	buy := f.exec.entryBySide(domain.Buy)
	f.fill(buy, 100.50, now.Add(time.Minute))

	require.Len(t, observed, 2, "one snapshot per protective submission")
	for _, snap := range observed {
		assert.Equal(t, domain.StatePendingEntry, snap.State)
		assert.Empty(t, snap.ActiveLeg)
		assert.Nil(t, snap.TakeProfit)
		assert.Nil(t, snap.StopLoss)
	}

	snap := f.ctrl.Snapshot()
	assert.Equal(t, domain.StateActive, snap.State)
	assert.Equal(t, domain.Buy, snap.ActiveLeg)
}

func TestSellFillMirrorsProtectivePrices(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.openCycle(t, now)

	sell := f.exec.entryBySide(domain.Sell)
	f.fill(sell, 99.50, now.Add(time.Minute))

	snap := f.ctrl.Snapshot()
	assert.Equal(t, domain.StateActive, snap.State)
	assert.Equal(t, domain.Sell, snap.ActiveLeg)

	tp := f.exec.protectiveByKind(domain.KindTakeProfit)
	sl := f.exec.protectiveByKind(domain.KindStopLoss)
	require.NotNil(t, tp)
	require.NotNil(t, sl)
	// 99.50 * 0.992 and 99.50 * 1.005
	assert.InDelta(t, 98.704, tp.Price, 1e-9)
	assert.InDelta(t, 99.9975, sl.Price, 1e-9)
	assert.InDelta(t, 0.009, tp.Quantity, 1e-12)
}

func TestPartialFillActivatesWithExecutedQuantity(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.openCycle(t, now)

	buy := f.exec.entryBySide(domain.Buy)
	f.ctrl.OnFill(ports.FillEvent{
		OrderID:     buy.OrderID,
		Symbol:      buy.Symbol,
		Side:        buy.Side,
		FilledQty:   0.001,
		FilledPrice: 100.50,
		OrderStatus: domain.OrderPartiallyFilled,
		Timestamp:   now.Add(time.Minute),
	})

	snap := f.ctrl.Snapshot()
	assert.Equal(t, domain.StateActive, snap.State)

	// The unfilled remainder was canceled and the protective size is the
	// executed quantity only.
	assert.Contains(t, f.exec.canceled, buy.OrderID)
	tp := f.exec.protectiveByKind(domain.KindTakeProfit)
	require.NotNil(t, tp)
	assert.InDelta(t, 0.001, tp.Quantity, 1e-12)
}

func TestDoubleFillHedgesSiblingExcess(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.openCycle(t, now)

	buy := f.exec.entryBySide(domain.Buy)
	sell := f.exec.entryBySide(domain.Sell)

	// The sell leg fills on the exchange before the cancel lands: the cancel
	// answers with a filled handle instead of a canceled one.
	f.exec.cancelHook = func(symbol, orderID string) (*ports.OrderHandle, error) {
		if orderID == sell.OrderID {
			return &ports.OrderHandle{
				OrderID:      orderID,
				Status:       domain.OrderFilled,
				ExecutedQty:  sell.Quantity,
				AvgFillPrice: 99.50,
			}, nil
		}
		return &ports.OrderHandle{OrderID: orderID, Status: domain.OrderCanceled}, nil
	}

	f.fill(buy, 100.50, now.Add(time.Minute))

	snap := f.ctrl.Snapshot()
	assert.Equal(t, domain.StateActive, snap.State)
	assert.Equal(t, domain.Buy, snap.ActiveLeg, "first reported fill stays authoritative")

	require.Len(t, f.exec.hedges, 1)
	hedge := f.exec.hedges[0]
	assert.Equal(t, domain.Buy, hedge.Side, "sell excess is flattened by buying back")
	assert.InDelta(t, 0.009, hedge.Quantity, 1e-12)

	races := f.notifier.byType(domain.EventHedgedRace)
	require.Len(t, races, 1)
	assert.InDelta(t, 0.009, races[0].Quantity, 1e-12)
}

func TestEntryTimeoutResetsWithoutConsumingCycle(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.openCycle(t, now)

	require.NoError(t, f.ctrl.Evaluate(context.Background(), now.Add(16*time.Minute)))

	snap := f.ctrl.Snapshot()
	assert.Equal(t, domain.StateIdle, snap.State)
	assert.Equal(t, int64(1), snap.CycleID, "abandoned cycle keeps its ID")
	assert.Len(t, f.exec.canceled, 2)
	assert.Contains(t, f.exec.forgotten, int64(1))

	// The next tick reopens with the same cycle ID.
	require.NoError(t, f.ctrl.Evaluate(context.Background(), now.Add(17*time.Minute)))
	snap = f.ctrl.Snapshot()
	assert.Equal(t, domain.StatePendingEntry, snap.State)
	assert.Equal(t, int64(1), snap.CycleID)
}

func TestEntryTimeoutRaceFillActivatesInstead(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.openCycle(t, now)

	buy := f.exec.entryBySide(domain.Buy)
	f.exec.cancelHook = func(symbol, orderID string) (*ports.OrderHandle, error) {
		if orderID == buy.OrderID {
			return &ports.OrderHandle{
				OrderID:      orderID,
				Status:       domain.OrderFilled,
				ExecutedQty:  buy.Quantity,
				AvgFillPrice: 100.50,
			}, nil
		}
		return &ports.OrderHandle{OrderID: orderID, Status: domain.OrderCanceled}, nil
	}

	require.NoError(t, f.ctrl.Evaluate(context.Background(), now.Add(16*time.Minute)))

	snap := f.ctrl.Snapshot()
	assert.Equal(t, domain.StateActive, snap.State)
	assert.Equal(t, domain.Buy, snap.ActiveLeg)
}

func TestTickCancelDoesNotRaceFillStream(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.openCycle(t, now)

	sell := f.exec.entryBySide(domain.Sell)

	// Hold the first cancellation open so the tick goroutine sits inside the
	// gateway round-trip while the fill stream and snapshot readers run.
	inCancel := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.exec.cancelHook = func(symbol, orderID string) (*ports.OrderHandle, error) {
		once.Do(func() {
			close(inCancel)
			<-release
		})
		return &ports.OrderHandle{OrderID: orderID, Status: domain.OrderCanceled}, nil
	}

	tickDone := make(chan struct{})
	go func() {
		defer close(tickDone)
		assert.NoError(t, f.ctrl.Evaluate(context.Background(), now.Add(16*time.Minute)))
	}()
	<-inCancel

	fillDone := make(chan struct{})
	go func() {
		defer close(fillDone)
		f.fill(sell, 99.50, now.Add(16*time.Minute))
	}()
	for i := 0; i < 100; i++ {
		_ = f.ctrl.Snapshot()
	}
	<-fillDone

	close(release)
	<-tickDone

	// The fill beat the timeout, so the cycle activates instead of resetting.
	snap := f.ctrl.Snapshot()
	assert.Equal(t, domain.StateActive, snap.State)
	assert.Equal(t, domain.Sell, snap.ActiveLeg)
}

func TestBothLegsDeadWithoutFillResets(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.openCycle(t, now)

	buy := f.exec.entryBySide(domain.Buy)
	sell := f.exec.entryBySide(domain.Sell)
	buy.Status = domain.OrderRejected
	sell.Status = domain.OrderRejected

	require.NoError(t, f.ctrl.Evaluate(context.Background(), now.Add(time.Minute)))

	out := f.ctrl.Snapshot()
	assert.Equal(t, domain.StateIdle, out.State)
	assert.Equal(t, int64(1), out.CycleID)
}

func TestTakeProfitClosesCycle(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.openCycle(t, now)

	buy := f.exec.entryBySide(domain.Buy)
	f.fill(buy, 100.50, now.Add(time.Minute))
	require.Equal(t, domain.StateActive, f.ctrl.Snapshot().State)

	tp := f.exec.protectiveByKind(domain.KindTakeProfit)
	sl := f.exec.protectiveByKind(domain.KindStopLoss)
	f.fill(tp, 101.304, now.Add(2*time.Minute))

	snap := f.ctrl.Snapshot()
	assert.Equal(t, domain.StateIdle, snap.State)
	assert.Equal(t, int64(2), snap.CycleID, "closed cycle consumes its ID")
	assert.InDelta(t, (101.304-100.50)*0.003, snap.RealizedPnl, 1e-12)
	assert.Contains(t, f.exec.canceled, sl.OrderID)

	require.Len(t, f.repo.records, 1)
	rec := f.repo.records[0]
	assert.Equal(t, domain.CloseReasonTakeProfit, rec.CloseReason)
	assert.Equal(t, domain.Buy, rec.Leg)
	assert.InDelta(t, 100.50, rec.EntryPrice, 1e-9)
	assert.InDelta(t, 101.304, rec.ExitPrice, 1e-9)
	assert.InDelta(t, (101.304-100.50)*0.003, rec.Pnl, 1e-12)

	closed := f.notifier.byType(domain.EventCycleClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, int64(1), closed[0].CycleID)
}

func TestStopLossClosesSellLegWithLoss(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.openCycle(t, now)

	sell := f.exec.entryBySide(domain.Sell)
	f.fill(sell, 99.50, now.Add(time.Minute))
	require.Equal(t, domain.StateActive, f.ctrl.Snapshot().State)

	sl := f.exec.protectiveByKind(domain.KindStopLoss)
	f.fill(sl, 99.9975, now.Add(2*time.Minute))

	snap := f.ctrl.Snapshot()
	assert.Equal(t, domain.StateIdle, snap.State)
	// Short leg stopped above entry: a loss.
	assert.InDelta(t, (99.50-99.9975)*0.009, snap.RealizedPnl, 1e-12)

	require.Len(t, f.repo.records, 1)
	assert.Equal(t, domain.CloseReasonStopLoss, f.repo.records[0].CloseReason)
}

func TestCyclePnlAccumulatesAcrossCycles(t *testing.T) {
	f := newFixture(t)
	now := time.Now()

	// Cycle 1: buy leg, take profit.
	f.openCycle(t, now)
	f.fill(f.exec.entryBySide(domain.Buy), 100.50, now.Add(time.Minute))
	f.fill(f.exec.protectiveByKind(domain.KindTakeProfit), 101.304, now.Add(2*time.Minute))
	first := f.ctrl.Snapshot().RealizedPnl

	// Cycle 2: same again.
	require.NoError(t, f.ctrl.Evaluate(context.Background(), now.Add(3*time.Minute)))
	require.Equal(t, domain.StatePendingEntry, f.ctrl.Snapshot().State)
	f.fill(f.exec.entryBySide(domain.Buy), 100.50, now.Add(4*time.Minute))
	var tp *domain.Order
	for _, o := range f.exec.protectives {
		if o.Kind == domain.KindTakeProfit && o.ExecutedQty == 0 {
			tp = o
		}
	}
	require.NotNil(t, tp)
	f.fill(tp, 101.304, now.Add(5*time.Minute))

	snap := f.ctrl.Snapshot()
	assert.Equal(t, int64(3), snap.CycleID)
	assert.InDelta(t, 2*first, snap.RealizedPnl, 1e-12)
	assert.Len(t, f.repo.records, 2)
}

func TestProtectivePlacementFailureEmergencyCloses(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.openCycle(t, now)

	f.exec.protectiveErr[domain.KindTakeProfit] = ports.ErrGatewayUnavailable

	buy := f.exec.entryBySide(domain.Buy)
	f.fill(buy, 100.50, now.Add(time.Minute))

	// The leg was flattened at market and the cycle settled as a manual close.
	require.Len(t, f.exec.hedges, 1)
	assert.Equal(t, domain.Sell, f.exec.hedges[0].Side)

	snap := f.ctrl.Snapshot()
	assert.Equal(t, domain.StateIdle, snap.State)
	require.Len(t, f.repo.records, 1)
	assert.Equal(t, domain.CloseReasonManual, f.repo.records[0].CloseReason)
}

func TestFatalErrorTerminatesController(t *testing.T) {
	f := newFixture(t)
	f.prices.err = fmt.Errorf("ticker: %w", ports.ErrAuthenticationFailed)

	err := f.ctrl.Evaluate(context.Background(), time.Now())
	require.Error(t, err)

	snap := f.ctrl.Snapshot()
	assert.Equal(t, domain.StateTerminated, snap.State)
	require.Len(t, f.notifier.byType(domain.EventFatalError), 1)

	// Terminated controllers ignore further ticks.
	require.NoError(t, f.ctrl.Evaluate(context.Background(), time.Now()))
	assert.Equal(t, domain.StateTerminated, f.ctrl.Snapshot().State)
}

func TestEntryPlacementFailureStaysIdle(t *testing.T) {
	f := newFixture(t)
	f.exec.entryErr[domain.Sell] = ports.ErrGatewayUnavailable
	now := time.Now()

	require.NoError(t, f.ctrl.Evaluate(context.Background(), now))

	snap := f.ctrl.Snapshot()
	assert.Equal(t, domain.StateIdle, snap.State)
	// The buy leg was unwound and the idempotency cache evicted so the next
	// tick can resubmit.
	buy := f.exec.entryBySide(domain.Buy)
	require.NotNil(t, buy)
	assert.Contains(t, f.exec.canceled, buy.OrderID)
	assert.Contains(t, f.exec.forgotten, int64(1))

	// Recovery on the next tick.
	f.exec.entryErr = map[domain.OrderSide]error{}
	require.NoError(t, f.ctrl.Evaluate(context.Background(), now.Add(time.Minute)))
	assert.Equal(t, domain.StatePendingEntry, f.ctrl.Snapshot().State)
}

func TestOnFillForUnknownOrderIsDropped(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.openCycle(t, now)

	f.ctrl.OnFill(ports.FillEvent{
		OrderID:     "stale-order",
		Symbol:      "BTCUSDT",
		Side:        domain.Buy,
		FilledQty:   1,
		FilledPrice: 100,
		Timestamp:   now,
	})

	assert.Equal(t, domain.StatePendingEntry, f.ctrl.Snapshot().State)
	assert.Empty(t, f.exec.protectives)
}

func TestStopCancelsOpenOrders(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.openCycle(t, now)

	f.ctrl.Stop(context.Background())

	snap := f.ctrl.Snapshot()
	assert.Equal(t, domain.StateTerminated, snap.State)
	assert.Len(t, f.exec.canceled, 2)
}

func TestProtectivePrices(t *testing.T) {
	p := testProfile()

	tests := []struct {
		name      string
		leg       domain.OrderSide
		fillPrice float64
		wantTP    float64
		wantSL    float64
	}{
		{name: "buy leg brackets above and below", leg: domain.Buy, fillPrice: 100.50, wantTP: 101.304, wantSL: 99.9975},
		{name: "sell leg mirrors", leg: domain.Sell, fillPrice: 99.50, wantTP: 98.704, wantSL: 99.9975},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tp, sl := protectivePrices(tt.leg, tt.fillPrice, p)
			assert.InDelta(t, tt.wantTP, tp, 1e-9)
			assert.InDelta(t, tt.wantSL, sl, 1e-9)
		})
	}
}

func TestSignedPnl(t *testing.T) {
	assert.InDelta(t, 0.002412, signedPnl(domain.Buy, 100.50, 101.304, 0.003), 1e-9)
	assert.InDelta(t, -0.0015075, signedPnl(domain.Buy, 100.50, 99.9975, 0.003), 1e-9)
	assert.InDelta(t, 0.007164, signedPnl(domain.Sell, 99.50, 98.704, 0.009), 1e-9)
	assert.InDelta(t, -0.0044775, signedPnl(domain.Sell, 99.50, 99.9975, 0.009), 1e-9)
}
