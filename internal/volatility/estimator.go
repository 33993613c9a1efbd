package volatility

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"straddlebot/internal/domain"
	"straddlebot/internal/ports"
)

// Breakout scaling bounds relative to the profile's static pct. The ATR-derived
// distance is clamped so a volatility spike cannot push entries absurdly far
// out, and a dead market cannot collapse them onto the reference price.
const (
	minScale = 0.5
	maxScale = 3.0
)

// klineIntervals maps each timeframe class to the candle interval its ATR is
// computed over.
var klineIntervals = map[domain.Timeframe]string{
	domain.TimeframeShort:  "1m",
	domain.TimeframeMedium: "5m",
	domain.TimeframeLong:   "1h",
}

// KlineInterval returns the candle interval a timeframe's ATR is computed
// over, empty for unknown timeframes.
func KlineInterval(tf domain.Timeframe) string {
	return klineIntervals[tf]
}

// Estimator computes ATR-based breakout distances. It keeps only the latest
// snapshot per symbol; history is fetched from the gateway on each estimate.
type Estimator struct {
	gateway ports.OrderGateway
	logger  ports.Logger

	mu     sync.Mutex
	latest map[string]*domain.VolatilitySnapshot
}

// New creates an Estimator reading klines through the given gateway.
func New(gateway ports.OrderGateway, logger ports.Logger) (*Estimator, error) {
	if gateway == nil || logger == nil {
		return nil, fmt.Errorf("volatility estimator requires a gateway and a logger")
	}
	return &Estimator{
		gateway: gateway,
		logger:  logger,
		latest:  make(map[string]*domain.VolatilitySnapshot),
	}, nil
}

// Estimate returns the breakout distance snapshot for a symbol. When fewer than
// LookbackPeriod+1 klines are available (cold start, new listing) the profile's
// static BreakoutPct is returned unchanged with Fallback set.
func (e *Estimator) Estimate(ctx context.Context, symbol string, profile *domain.StrategyProfile) (*domain.VolatilitySnapshot, error) {
	interval := klineIntervals[profile.Timeframe]
	if interval == "" {
		return nil, fmt.Errorf("no kline interval for timeframe %q: %w", profile.Timeframe, ports.ErrInvalidRequest)
	}

	snap := &domain.VolatilitySnapshot{
		Symbol:      symbol,
		Timeframe:   profile.Timeframe,
		ComputedAt:  time.Now().UTC(),
		BreakoutPct: profile.BreakoutPct,
		Fallback:    true,
	}

	klines, err := e.gateway.GetKlines(ctx, symbol, interval, profile.LookbackPeriod+1)
	if err != nil {
		if ports.IsFatal(err) {
			return nil, fmt.Errorf("fetching klines for %s: %w", symbol, err)
		}
		// Transient history outage: trade on the static pct rather than stall
		// the whole evaluation.
		e.logger.Warn(ctx, "Kline fetch failed, using static breakout pct", map[string]interface{}{"symbol": symbol, "error": err.Error()})
		e.store(symbol, snap)
		return snap, nil
	}

	if len(klines) < profile.LookbackPeriod+1 {
		e.logger.Debug(ctx, "Insufficient history for ATR, using static breakout pct", map[string]interface{}{
			"symbol": symbol,
			"need":   profile.LookbackPeriod + 1,
			"got":    len(klines),
		})
		e.store(symbol, snap)
		return snap, nil
	}

	atr := averageTrueRange(klines, profile.LookbackPeriod)
	lastClose := klines[len(klines)-1].Close
	if lastClose <= 0 || atr <= 0 {
		e.store(symbol, snap)
		return snap, nil
	}

	natr := atr / lastClose
	snap.Value = natr
	snap.Fallback = false
	snap.BreakoutPct = clamp(natr, profile.BreakoutPct*minScale, profile.BreakoutPct*maxScale)

	e.store(symbol, snap)
	return snap, nil
}

// Latest returns the most recent snapshot for a symbol, nil if none computed yet.
func (e *Estimator) Latest(symbol string) *domain.VolatilitySnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latest[symbol]
}

func (e *Estimator) store(symbol string, snap *domain.VolatilitySnapshot) {
	e.mu.Lock()
	e.latest[symbol] = snap
	e.mu.Unlock()
}

// averageTrueRange computes a Wilder-smoothed ATR over the klines. Requires
// len(klines) >= period+1; the caller checks.
func averageTrueRange(klines []*domain.Kline, period int) float64 {
	trueRanges := make([]float64, len(klines))
	trueRanges[0] = klines[0].High - klines[0].Low

	for i := 1; i < len(klines); i++ {
		high := klines[i].High
		low := klines[i].Low
		prevClose := klines[i-1].Close

		// True range is the greatest of high-low, |high-prevClose|, |low-prevClose|.
		tr := math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
		trueRanges[i] = tr
	}

	// Seed with a simple average of the first period, then Wilder smoothing.
	atr := 0.0
	for i := 0; i < period; i++ {
		atr += trueRanges[i]
	}
	atr /= float64(period)
	for i := period; i < len(trueRanges); i++ {
		atr = (atr*float64(period-1) + trueRanges[i]) / float64(period)
	}
	return atr
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
