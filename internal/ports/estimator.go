package ports

import (
	"context"

	"straddlebot/internal/domain"
)

// VolatilityEstimator computes the breakout distance for a symbol from recent
// price history. Implementations must be deterministic given identical history
// and fall back to the profile's static breakout pct when history is short.
type VolatilityEstimator interface {
	Estimate(ctx context.Context, symbol string, profile *domain.StrategyProfile) (*domain.VolatilitySnapshot, error)
}
