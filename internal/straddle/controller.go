package straddle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"straddlebot/internal/domain"
	"straddlebot/internal/ports"
)

// Executor is the slice of the execution coordinator the controller drives.
// Cancel and SyncOrder return the gateway's view as a handle and never mutate
// controller-owned orders; the controller merges handles under its own lock.
type Executor interface {
	SubmitEntry(ctx context.Context, pos *domain.StraddlePosition, side domain.OrderSide, price, qty float64) (*domain.Order, error)
	SubmitProtective(ctx context.Context, pos *domain.StraddlePosition, leg domain.OrderSide, kind domain.OrderKind, price, qty float64) (*domain.Order, error)
	HedgeClose(ctx context.Context, pos *domain.StraddlePosition, side domain.OrderSide, qty float64) (*domain.Order, error)
	Cancel(ctx context.Context, symbol, orderID string) (*ports.OrderHandle, error)
	SyncOrder(ctx context.Context, symbol, orderID string) (*ports.OrderHandle, error)
	ForgetCycle(symbol string, cycleID int64)
}

// PriceSource provides the reference price sampled at cycle start.
// ports.OrderGateway satisfies it.
type PriceSource interface {
	GetTickerPrice(ctx context.Context, symbol string) (float64, error)
}

// Controller owns the straddle state machine for one (symbol, profile) pair.
// It is the sole mutator of its position; everything else reads copies.
//
// Evaluate is driven by the tick driver and is idempotent: if the state is
// already consistent with the latest known order statuses it is a no-op.
// Overlapping invocations for the same symbol are dropped via a try-lock
// lease, never queued.
type Controller struct {
	symbol    string
	profile   *domain.StrategyProfile
	executor  Executor
	prices    PriceSource
	estimator ports.VolatilityEstimator
	notifier  ports.Notifier
	repo      ports.CycleRepository
	logger    ports.Logger

	evalMu sync.Mutex // evaluation lease, TryLock only

	mu          sync.Mutex // guards everything below
	pos         *domain.StraddlePosition
	firstFilled domain.OrderSide // first entry leg to report a fill this cycle
	closeOrder  *domain.Order    // emergency market close, when protective placement failed
	closeReason domain.CloseReason
}

// Config holds controller construction parameters.
type Config struct {
	Symbol    string
	Profile   *domain.StrategyProfile
	Executor  Executor
	Prices    PriceSource
	Estimator ports.VolatilityEstimator
	Notifier  ports.Notifier
	Repo      ports.CycleRepository
	Logger    ports.Logger
}

// NewController creates a controller in IDLE with cycle 1.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Symbol == "" || cfg.Profile == nil || cfg.Executor == nil || cfg.Prices == nil ||
		cfg.Estimator == nil || cfg.Notifier == nil || cfg.Repo == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for straddle controller")
	}
	return &Controller{
		symbol:    cfg.Symbol,
		profile:   cfg.Profile,
		executor:  cfg.Executor,
		prices:    cfg.Prices,
		estimator: cfg.Estimator,
		notifier:  cfg.Notifier,
		repo:      cfg.Repo,
		logger:    cfg.Logger,
		pos: &domain.StraddlePosition{
			Symbol:  cfg.Symbol,
			Profile: cfg.Profile,
			CycleID: 1,
			State:   domain.StateIdle,
		},
	}, nil
}

// Symbol returns the controller's symbol.
func (c *Controller) Symbol() string { return c.symbol }

// Profile returns the immutable strategy profile this controller trades.
func (c *Controller) Profile() *domain.StrategyProfile { return c.profile }

// Snapshot returns a point-in-time copy of the position. It never blocks on
// gateway I/O; the controller releases its state lock around network calls.
func (c *Controller) Snapshot() *domain.StraddlePosition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos.Clone()
}

// Evaluate runs one state-machine step. A tick arriving while the previous
// evaluation is still running is dropped, not queued.
func (c *Controller) Evaluate(ctx context.Context, now time.Time) error {
	if !c.evalMu.TryLock() {
		c.logger.Debug(ctx, "Evaluation already in progress, tick dropped", map[string]interface{}{"symbol": c.symbol})
		return nil
	}
	defer c.evalMu.Unlock()

	c.mu.Lock()
	c.pos.LastEvaluated = now
	state := c.pos.State
	c.mu.Unlock()

	var err error
	switch state {
	case domain.StateIdle:
		err = c.openCycle(ctx, now)
	case domain.StatePendingEntry:
		err = c.checkEntries(ctx, now)
	case domain.StateActive:
		err = c.checkProtective(ctx, now)
	case domain.StateClosing:
		err = c.finishClose(ctx, now)
	case domain.StateTerminated:
		return nil
	}

	if err != nil && ports.IsFatal(err) {
		c.terminate(ctx, err.Error())
	}
	return err
}

// OnFill records a fill notification against the matching order and then runs
// an evaluation so the transition happens without waiting for the next tick.
// Fills for unknown orders (stale cycles) are dropped.
func (c *Controller) OnFill(ev ports.FillEvent) {
	ctx := context.Background()

	c.mu.Lock()
	order := c.findOrderLocked(ev.OrderID)
	if order == nil {
		c.mu.Unlock()
		c.logger.Debug(ctx, "Fill for unknown order ignored", map[string]interface{}{"symbol": c.symbol, "orderID": ev.OrderID})
		return
	}
	order.ApplyFill(ev.FilledQty, ev.FilledPrice)
	if order.Kind == domain.KindEntry && c.firstFilled == "" {
		// First fill received is authoritative for the active leg, even if the
		// sibling also turns out to be filled.
		c.firstFilled = order.Side
	}
	if c.closeReason == "" {
		switch order.Kind {
		case domain.KindTakeProfit:
			c.closeReason = domain.CloseReasonTakeProfit
		case domain.KindStopLoss:
			c.closeReason = domain.CloseReasonStopLoss
		}
	}
	c.mu.Unlock()

	c.logger.Info(ctx, "Fill received", map[string]interface{}{
		"symbol": c.symbol, "orderID": ev.OrderID, "kind": order.Kind,
		"qty": ev.FilledQty, "price": ev.FilledPrice,
	})

	if err := c.Evaluate(ctx, ev.Timestamp); err != nil {
		c.logger.Error(ctx, err, "Evaluation after fill failed", map[string]interface{}{"symbol": c.symbol})
	}
}

// Stop terminates the controller, best-effort canceling all open orders.
// A stopped controller ignores further ticks until the process restarts.
func (c *Controller) Stop(ctx context.Context) {
	c.terminate(ctx, "manual stop")
}

// --- IDLE -> PENDING_ENTRY ---

func (c *Controller) openCycle(ctx context.Context, now time.Time) error {
	op := "openCycle"

	refPrice, err := c.prices.GetTickerPrice(ctx, c.symbol)
	if err != nil {
		c.logger.Warn(ctx, op+": price fetch failed, staying idle", map[string]interface{}{"symbol": c.symbol, "error": err.Error()})
		if ports.IsFatal(err) {
			return err
		}
		return nil // retried next tick
	}

	snap, err := c.estimator.Estimate(ctx, c.symbol, c.profile)
	if err != nil {
		if ports.IsFatal(err) {
			return err
		}
		c.logger.Warn(ctx, op+": volatility estimate failed, staying idle", map[string]interface{}{"symbol": c.symbol, "error": err.Error()})
		return nil
	}

	buyPrice := refPrice * (1 + snap.BreakoutPct)
	sellPrice := refPrice * (1 - snap.BreakoutPct)
	buyQty, sellQty := c.profile.EntryQuantities()

	c.mu.Lock()
	pos := c.pos
	c.mu.Unlock()

	buyOrder, err := c.executor.SubmitEntry(ctx, pos, domain.Buy, buyPrice, buyQty)
	if err != nil {
		c.logger.Error(ctx, err, op+": buy entry placement failed, staying idle", map[string]interface{}{"symbol": c.symbol})
		c.executor.ForgetCycle(c.symbol, pos.CycleID)
		if ports.IsFatal(err) {
			return err
		}
		return nil
	}

	sellOrder, err := c.executor.SubmitEntry(ctx, pos, domain.Sell, sellPrice, sellQty)
	if err != nil {
		c.logger.Error(ctx, err, op+": sell entry placement failed, unwinding buy leg", map[string]interface{}{"symbol": c.symbol})
		if _, cancelErr := c.cancelOrder(ctx, buyOrder); cancelErr != nil {
			c.logger.Error(ctx, cancelErr, op+": failed to cancel buy leg during unwind", map[string]interface{}{"symbol": c.symbol, "orderID": buyOrder.OrderID})
		}
		c.executor.ForgetCycle(c.symbol, pos.CycleID)
		if ports.IsFatal(err) {
			return err
		}
		return nil
	}

	c.mu.Lock()
	c.pos.State = domain.StatePendingEntry
	c.pos.ReferencePrice = refPrice
	c.pos.BuyEntry = buyOrder
	c.pos.SellEntry = sellOrder
	c.pos.OpenedAt = now
	c.firstFilled = ""
	c.closeOrder = nil
	c.closeReason = ""
	cycleID := c.pos.CycleID
	c.mu.Unlock()

	c.logger.Info(ctx, op+": straddle entries placed", map[string]interface{}{
		"symbol": c.symbol, "cycleID": cycleID, "refPrice": refPrice,
		"buyPrice": buyPrice, "sellPrice": sellPrice, "breakoutPct": snap.BreakoutPct, "fallback": snap.Fallback,
	})
	c.notifier.Notify(ctx, domain.Event{
		Type: domain.EventCycleOpened, Symbol: c.symbol, CycleID: cycleID,
		Timeframe: c.profile.Timeframe, Price: refPrice, At: now,
	})
	return nil
}

// --- PENDING_ENTRY -> ACTIVE | IDLE ---

func (c *Controller) checkEntries(ctx context.Context, now time.Time) error {
	c.mu.Lock()
	pos := c.pos
	first := c.firstFilled
	buyEntry, sellEntry := pos.BuyEntry, pos.SellEntry
	bothDead := !buyEntry.IsLive() && !sellEntry.IsLive() &&
		buyEntry.ExecutedQty == 0 && sellEntry.ExecutedQty == 0
	buyStatus, sellStatus := buyEntry.Status, sellEntry.Status
	openedAt := pos.OpenedAt
	c.mu.Unlock()

	if first != "" {
		return c.activateLeg(ctx, now, first)
	}

	// Both legs rejected or canceled without a fill: nothing can activate,
	// give the cycle back without consuming it.
	if bothDead {
		c.logger.Warn(ctx, "Both entry legs dead without fills, resetting to idle", map[string]interface{}{
			"symbol": c.symbol, "buyStatus": buyStatus, "sellStatus": sellStatus,
		})
		c.resetToIdle(ctx)
		return nil
	}

	if now.Sub(openedAt) >= c.profile.EntryTimeout {
		return c.expireEntries(ctx, now)
	}
	return nil
}

// expireEntries force-cancels both unfilled legs after the profile timeout.
// A fill that beats the cancellation flips the cycle into activation instead.
func (c *Controller) expireEntries(ctx context.Context, now time.Time) error {
	op := "expireEntries"
	c.mu.Lock()
	buyEntry, sellEntry := c.pos.BuyEntry, c.pos.SellEntry
	cycleID := c.pos.CycleID
	c.mu.Unlock()

	c.logger.Info(ctx, op+": entry timeout reached, canceling both legs", map[string]interface{}{
		"symbol": c.symbol, "cycleID": cycleID, "timeout": c.profile.EntryTimeout.String(),
	})

	for _, order := range []*domain.Order{buyEntry, sellEntry} {
		if _, err := c.cancelOrder(ctx, order); err != nil {
			if ports.IsFatal(err) {
				return err
			}
			// Transient; stay in PENDING_ENTRY and retry on the next tick.
			c.logger.Warn(ctx, op+": cancel failed, will retry", map[string]interface{}{"symbol": c.symbol, "orderID": order.OrderID, "error": err.Error()})
			return nil
		}
	}

	// Cancellation may have lost a race against a fill.
	c.mu.Lock()
	first := c.firstFilled
	if first == "" {
		if buyEntry.ExecutedQty > 0 {
			first = domain.Buy
			c.firstFilled = first
		} else if sellEntry.ExecutedQty > 0 {
			first = domain.Sell
			c.firstFilled = first
		}
	}
	c.mu.Unlock()
	if first != "" {
		return c.activateLeg(ctx, now, first)
	}

	c.resetToIdle(ctx)
	return nil
}

// activateLeg completes PENDING_ENTRY -> ACTIVE for the authoritative leg:
// cancel the sibling (hedging a double fill), trim any unfilled remainder of
// the active leg, then attach the protective orders.
func (c *Controller) activateLeg(ctx context.Context, now time.Time, leg domain.OrderSide) error {
	op := "activateLeg"

	c.mu.Lock()
	pos := c.pos
	active := pos.EntryLeg(leg)
	sibling := pos.EntryLeg(leg.Opposite())
	c.mu.Unlock()

	// Cancel the sibling leg. If it reports FILLED the race already happened:
	// flatten the excess with a market order so net exposure stays bounded.
	canceled, err := c.cancelOrder(ctx, sibling)
	if err != nil {
		if ports.IsFatal(err) {
			return err
		}
		c.logger.Warn(ctx, op+": sibling cancel failed, will retry", map[string]interface{}{"symbol": c.symbol, "orderID": sibling.OrderID, "error": err.Error()})
		return nil
	}
	c.mu.Lock()
	siblingQty := sibling.ExecutedQty
	c.mu.Unlock()
	if !canceled && siblingQty > 0 {
		if err := c.hedgeSibling(ctx, now, sibling); err != nil {
			return err
		}
	}

	// Partial-fill policy: the first partial fill activates the leg; the
	// unfilled remainder is canceled and the executed quantity is the
	// position size.
	if _, err := c.cancelOrder(ctx, active); err != nil {
		if ports.IsFatal(err) {
			return err
		}
		c.logger.Warn(ctx, op+": residual cancel failed, will retry", map[string]interface{}{"symbol": c.symbol, "orderID": active.OrderID, "error": err.Error()})
		return nil
	}

	c.mu.Lock()
	fillPrice := active.AvgFillPrice
	qty := active.ExecutedQty
	c.mu.Unlock()
	if qty <= 0 || fillPrice <= 0 {
		c.logger.Warn(ctx, op+": active leg has no executed quantity after cancel, resetting", map[string]interface{}{"symbol": c.symbol})
		c.resetToIdle(ctx)
		return nil
	}

	tpPrice, slPrice := protectivePrices(leg, fillPrice, c.profile)

	tpOrder, err := c.executor.SubmitProtective(ctx, pos, leg, domain.KindTakeProfit, tpPrice, qty)
	if err != nil {
		if ports.IsFatal(err) {
			return err
		}
		return c.emergencyClose(ctx, now, leg, qty, fmt.Errorf("take-profit placement failed: %w", err))
	}
	slOrder, err := c.executor.SubmitProtective(ctx, pos, leg, domain.KindStopLoss, slPrice, qty)
	if err != nil {
		if ports.IsFatal(err) {
			return err
		}
		if _, cancelErr := c.cancelOrder(ctx, tpOrder); cancelErr != nil {
			c.logger.Error(ctx, cancelErr, op+": failed to cancel take-profit during unwind", map[string]interface{}{"symbol": c.symbol})
		}
		return c.emergencyClose(ctx, now, leg, qty, fmt.Errorf("stop-loss placement failed: %w", err))
	}

	c.mu.Lock()
	c.pos.ActiveLeg = leg
	c.pos.TakeProfit = tpOrder
	c.pos.StopLoss = slOrder
	c.pos.State = domain.StateActive
	cycleID := c.pos.CycleID
	c.mu.Unlock()

	c.logger.Info(ctx, op+": leg active, protective orders attached", map[string]interface{}{
		"symbol": c.symbol, "cycleID": cycleID, "leg": leg,
		"fillPrice": fillPrice, "qty": qty, "tpPrice": tpPrice, "slPrice": slPrice,
	})
	c.notifier.Notify(ctx, domain.Event{
		Type: domain.EventLegFilled, Symbol: c.symbol, CycleID: cycleID,
		Timeframe: c.profile.Timeframe, Side: leg, Price: fillPrice, Quantity: qty, At: now,
	})
	return nil
}

// hedgeSibling closes out the unintended fill of the non-authoritative leg.
func (c *Controller) hedgeSibling(ctx context.Context, now time.Time, sibling *domain.Order) error {
	c.mu.Lock()
	pos := c.pos
	cycleID := pos.CycleID
	qty := sibling.ExecutedQty
	c.mu.Unlock()

	c.logger.Warn(ctx, "Double fill detected, hedging excess exposure", map[string]interface{}{
		"symbol": c.symbol, "cycleID": cycleID, "side": sibling.Side, "qty": qty,
	})
	if _, err := c.executor.HedgeClose(ctx, pos, sibling.Side.Opposite(), qty); err != nil {
		return fmt.Errorf("hedge close for %s failed: %w", c.symbol, err)
	}
	c.notifier.Notify(ctx, domain.Event{
		Type: domain.EventHedgedRace, Symbol: c.symbol, CycleID: cycleID,
		Timeframe: c.profile.Timeframe, Side: sibling.Side, Quantity: qty, At: now,
	})
	return nil
}

// emergencyClose flattens the active leg when protective placement failed,
// then lets the CLOSING path settle the cycle from the close order's fill.
func (c *Controller) emergencyClose(ctx context.Context, now time.Time, leg domain.OrderSide, qty float64, cause error) error {
	c.logger.Error(ctx, cause, "Protective placement failed, emergency closing active leg", map[string]interface{}{
		"symbol": c.symbol, "leg": leg, "qty": qty,
	})

	c.mu.Lock()
	pos := c.pos
	c.mu.Unlock()

	closeOrder, err := c.executor.HedgeClose(ctx, pos, leg.Opposite(), qty)
	if err != nil {
		// Exposure is live with no protection. Keep trying every tick.
		c.logger.Error(ctx, err, "EMERGENCY CLOSE FAILED, will retry next tick", map[string]interface{}{"symbol": c.symbol})
		if ports.IsFatal(err) {
			return err
		}
		return nil
	}

	c.mu.Lock()
	c.pos.ActiveLeg = leg
	c.pos.State = domain.StateClosing
	c.closeOrder = closeOrder
	c.closeReason = domain.CloseReasonManual
	c.mu.Unlock()
	return c.finishClose(ctx, now)
}

// --- ACTIVE -> CLOSING ---

func (c *Controller) checkProtective(ctx context.Context, now time.Time) error {
	c.mu.Lock()
	pos := c.pos
	sibling := pos.EntryLeg(pos.ActiveLeg.Opposite())
	tp, sl := pos.TakeProfit, pos.StopLoss
	siblingLive := sibling.IsLive()
	c.mu.Unlock()

	// A sibling cancel that failed transiently during activation is retried
	// here until it lands or reveals a fill.
	if siblingLive {
		canceled, err := c.cancelOrder(ctx, sibling)
		if err != nil && ports.IsFatal(err) {
			return err
		}
		c.mu.Lock()
		siblingQty := sibling.ExecutedQty
		c.mu.Unlock()
		if err == nil && !canceled && siblingQty > 0 {
			if err := c.hedgeSibling(ctx, now, sibling); err != nil {
				return err
			}
		}
	}

	c.mu.Lock()
	closing := tp.ExecutedQty > 0 || sl.ExecutedQty > 0
	if closing {
		c.pos.State = domain.StateClosing
		if c.closeReason == "" {
			if tp.ExecutedQty > 0 {
				c.closeReason = domain.CloseReasonTakeProfit
			} else {
				c.closeReason = domain.CloseReasonStopLoss
			}
		}
	}
	c.mu.Unlock()
	if closing {
		return c.finishClose(ctx, now)
	}
	return nil
}

// --- CLOSING -> IDLE ---

func (c *Controller) finishClose(ctx context.Context, now time.Time) error {
	op := "finishClose"

	c.mu.Lock()
	pos := c.pos
	reason := c.closeReason
	tp, sl := pos.TakeProfit, pos.StopLoss

	// The order whose fill closes the position.
	triggered := c.closeOrder
	var other *domain.Order
	if triggered == nil {
		if tp != nil && tp.ExecutedQty > 0 {
			triggered, other = tp, sl
		} else if sl != nil && sl.ExecutedQty > 0 {
			triggered, other = sl, tp
		}
	}
	settled := triggered != nil && triggered.Status.IsTerminal()
	c.mu.Unlock()

	if triggered == nil {
		c.logger.Warn(ctx, op+": in CLOSING without a triggered order, waiting", map[string]interface{}{"symbol": c.symbol})
		return nil
	}

	// Wait for the triggering order to finish filling before settling.
	if !settled {
		if err := c.syncOrder(ctx, triggered); err != nil {
			if ports.IsFatal(err) {
				return err
			}
			return nil
		}
		c.mu.Lock()
		settled = triggered.Status.IsTerminal()
		c.mu.Unlock()
		if !settled {
			return nil
		}
	}

	// Cancel the non-triggered protective order. Both protective orders
	// filling is another hedged race: the second fill flipped the position,
	// flatten it.
	if other != nil {
		canceled, err := c.cancelOrder(ctx, other)
		if err != nil {
			if ports.IsFatal(err) {
				return err
			}
			c.logger.Warn(ctx, op+": protective cancel failed, will retry", map[string]interface{}{"symbol": c.symbol, "orderID": other.OrderID, "error": err.Error()})
			return nil
		}
		c.mu.Lock()
		otherQty := other.ExecutedQty
		c.mu.Unlock()
		if !canceled && otherQty > 0 {
			if err := c.hedgeSibling(ctx, now, other); err != nil {
				return err
			}
		}
	}

	c.mu.Lock()
	entry := pos.ActiveEntry()
	if entry == nil {
		c.mu.Unlock()
		c.logger.Warn(ctx, op+": no active entry recorded, resetting", map[string]interface{}{"symbol": c.symbol})
		c.resetToIdle(ctx)
		return nil
	}

	exitPrice := triggered.AvgFillPrice
	qty := triggered.ExecutedQty
	entryPrice := entry.AvgFillPrice
	leg := c.pos.ActiveLeg
	pnl := signedPnl(leg, entryPrice, exitPrice, qty)
	c.pos.RealizedPnl += pnl
	closedCycle := c.pos.CycleID
	openedAt := c.pos.OpenedAt
	c.mu.Unlock()

	rec := &domain.CycleRecord{
		Symbol:      c.symbol,
		CycleID:     closedCycle,
		Timeframe:   c.profile.Timeframe,
		Leg:         leg,
		EntryPrice:  entryPrice,
		ExitPrice:   exitPrice,
		Quantity:    qty,
		Pnl:         pnl,
		CloseReason: reason,
		OpenedAt:    openedAt,
		ClosedAt:    now,
	}
	if _, err := c.repo.CreateCycle(ctx, rec); err != nil {
		// Persistence is ancillary to the state machine; the cycle still
		// closes, the record is only lost from history.
		c.logger.Error(ctx, err, op+": failed to persist closed cycle", map[string]interface{}{"symbol": c.symbol, "cycleID": closedCycle})
	}

	c.executor.ForgetCycle(c.symbol, closedCycle)

	c.mu.Lock()
	c.pos.CycleID++
	c.pos.State = domain.StateIdle
	c.pos.BuyEntry, c.pos.SellEntry = nil, nil
	c.pos.TakeProfit, c.pos.StopLoss = nil, nil
	c.pos.ActiveLeg = ""
	c.pos.ReferencePrice = 0
	c.firstFilled = ""
	c.closeOrder = nil
	c.closeReason = ""
	c.mu.Unlock()

	c.logger.Info(ctx, op+": cycle closed", map[string]interface{}{
		"symbol": c.symbol, "cycleID": closedCycle, "pnl": pnl, "reason": reason,
	})
	c.notifier.Notify(ctx, domain.Event{
		Type: domain.EventCycleClosed, Symbol: c.symbol, CycleID: closedCycle,
		Timeframe: c.profile.Timeframe, Pnl: pnl, CloseReason: reason, At: now,
	})
	return nil
}

// --- any state -> TERMINATED ---

func (c *Controller) terminate(ctx context.Context, reason string) {
	c.mu.Lock()
	if c.pos.State == domain.StateTerminated {
		c.mu.Unlock()
		return
	}
	c.pos.State = domain.StateTerminated
	pos := c.pos
	var open []*domain.Order
	for _, order := range []*domain.Order{pos.BuyEntry, pos.SellEntry, pos.TakeProfit, pos.StopLoss} {
		if order.IsLive() {
			open = append(open, order)
		}
	}
	cycleID := pos.CycleID
	c.mu.Unlock()

	c.logger.Error(ctx, nil, "Controller terminated", map[string]interface{}{"symbol": c.symbol, "reason": reason})

	for _, order := range open {
		if _, err := c.cancelOrder(ctx, order); err != nil {
			c.logger.Error(ctx, err, "Best-effort cancel failed during termination", map[string]interface{}{"symbol": c.symbol, "orderID": order.OrderID})
		}
	}

	c.notifier.Notify(ctx, domain.Event{
		Type: domain.EventFatalError, Symbol: c.symbol, CycleID: cycleID,
		Timeframe: c.profile.Timeframe, Reason: reason, At: time.Now().UTC(),
	})
}

// --- helpers ---

// resetToIdle abandons the current cycle without consuming a cycle ID.
// Used when entries expire or die before any fill.
func (c *Controller) resetToIdle(ctx context.Context) {
	c.mu.Lock()
	cycleID := c.pos.CycleID
	c.pos.State = domain.StateIdle
	c.pos.BuyEntry, c.pos.SellEntry = nil, nil
	c.pos.TakeProfit, c.pos.StopLoss = nil, nil
	c.pos.ActiveLeg = ""
	c.pos.ReferencePrice = 0
	c.firstFilled = ""
	c.closeOrder = nil
	c.closeReason = ""
	c.mu.Unlock()

	c.executor.ForgetCycle(c.symbol, cycleID)
	c.logger.Info(ctx, "Cycle abandoned without fill, back to idle", map[string]interface{}{"symbol": c.symbol, "cycleID": cycleID})
}

// cancelOrder drives one cancellation through the executor and merges the
// resulting handle back into the tracked order under c.mu, so the fill
// stream's writes never race the cancellation path. Reports whether the order
// ended canceled; false with executed quantity means a fill won the race.
// Terminal orders short-circuit without a gateway call.
func (c *Controller) cancelOrder(ctx context.Context, order *domain.Order) (bool, error) {
	c.mu.Lock()
	orderID := order.OrderID
	status := order.Status
	c.mu.Unlock()

	if status.IsTerminal() {
		return status == domain.OrderCanceled, nil
	}

	handle, err := c.executor.Cancel(ctx, c.symbol, orderID)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	handle.ApplyTo(order)
	canceled := order.Status == domain.OrderCanceled
	c.mu.Unlock()
	return canceled, nil
}

// syncOrder refreshes a tracked order from the executor, merging under c.mu.
func (c *Controller) syncOrder(ctx context.Context, order *domain.Order) error {
	c.mu.Lock()
	orderID := order.OrderID
	c.mu.Unlock()

	handle, err := c.executor.SyncOrder(ctx, c.symbol, orderID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	handle.ApplyTo(order)
	c.mu.Unlock()
	return nil
}

func (c *Controller) findOrderLocked(orderID string) *domain.Order {
	for _, order := range []*domain.Order{c.pos.BuyEntry, c.pos.SellEntry, c.pos.TakeProfit, c.pos.StopLoss, c.closeOrder} {
		if order != nil && order.OrderID == orderID {
			return order
		}
	}
	return nil
}

// protectivePrices computes the TP/SL trigger prices for the filled leg.
// A buy leg takes profit above and stops below; a sell leg mirrors.
func protectivePrices(leg domain.OrderSide, fillPrice float64, p *domain.StrategyProfile) (tp, sl float64) {
	if leg == domain.Buy {
		return fillPrice * (1 + p.TakeProfitPct), fillPrice * (1 - p.StopLossPct)
	}
	return fillPrice * (1 - p.TakeProfitPct), fillPrice * (1 + p.StopLossPct)
}

// signedPnl is the realized delta of one closed cycle.
func signedPnl(leg domain.OrderSide, entryPrice, exitPrice, qty float64) float64 {
	if leg == domain.Buy {
		return (exitPrice - entryPrice) * qty
	}
	return (entryPrice - exitPrice) * qty
}
