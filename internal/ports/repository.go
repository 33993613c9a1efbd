package ports

import (
	"context"

	"straddlebot/internal/domain"
)

// CycleRepository persists closed straddle cycles and serves aggregates over
// them. Live position state is in-memory only; the repository sees a cycle
// exactly once, when it closes.
type CycleRepository interface {
	// CreateCycle saves a closed cycle record and returns its assigned ID.
	CreateCycle(ctx context.Context, rec *domain.CycleRecord) (int64, error)
	// FindBySymbol retrieves the most recent closed cycles for a symbol, up to limit.
	FindBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.CycleRecord, error)
	// TotalPnl returns the sum of pnl over all closed cycles.
	TotalPnl(ctx context.Context) (float64, error)
	// TotalPnlBySymbol returns the sum of pnl over all closed cycles for one symbol.
	TotalPnlBySymbol(ctx context.Context, symbol string) (float64, error)
	// CountTodayBySymbol counts cycles closed today for a symbol.
	CountTodayBySymbol(ctx context.Context, symbol string) (int, error)
}
