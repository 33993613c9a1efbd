package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"straddlebot/internal/domain"
	"straddlebot/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements ports.CycleRepository using SQLite. Live position
// state never touches the database; only closed cycles are written, exactly
// once each.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/straddle_bot.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// WAL mode for better concurrency
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w: %w", dbPath, err, ports.ErrDBConnection)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// SQLite handles concurrency internally; the Go driver benefits from
	// limiting connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}

	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "SQLite cycle repository ready", map[string]interface{}{"path": dbPath})

	return repo, nil
}

func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS cycles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		cycle_id INTEGER NOT NULL,
		timeframe TEXT NOT NULL,
		leg TEXT NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL NOT NULL,
		quantity REAL NOT NULL,
		pnl REAL NOT NULL,
		close_reason TEXT NOT NULL,
		opened_at TIMESTAMP NOT NULL,
		closed_at TIMESTAMP NOT NULL,
		UNIQUE (symbol, cycle_id)
	);
	CREATE INDEX IF NOT EXISTS idx_cycles_symbol_closed_at ON cycles (symbol, closed_at);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// CreateCycle saves a closed cycle record and returns its assigned ID.
func (r *Repository) CreateCycle(ctx context.Context, rec *domain.CycleRecord) (int64, error) {
	const query = `
	INSERT INTO cycles (symbol, cycle_id, timeframe, leg, entry_price, exit_price,
	                    quantity, pnl, close_reason, opened_at, closed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query,
		rec.Symbol, rec.CycleID, rec.Timeframe, rec.Leg, rec.EntryPrice, rec.ExitPrice,
		rec.Quantity, rec.Pnl, rec.CloseReason, rec.OpenedAt, rec.ClosedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert cycle for symbol %s: %w", rec.Symbol, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for cycle %s/%d: %w", rec.Symbol, rec.CycleID, err)
	}
	rec.ID = id
	r.logger.Debug(ctx, "Cycle record created", map[string]interface{}{"id": id, "symbol": rec.Symbol, "cycleID": rec.CycleID, "pnl": rec.Pnl})
	return id, nil
}

// FindBySymbol retrieves the most recent closed cycles for a symbol, up to limit.
func (r *Repository) FindBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.CycleRecord, error) {
	const query = `
	SELECT id, symbol, cycle_id, timeframe, leg, entry_price, exit_price,
	       quantity, pnl, close_reason, opened_at, closed_at
	FROM cycles
	WHERE symbol = ? ORDER BY closed_at DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycles for symbol %s: %w", symbol, err)
	}
	defer rows.Close()

	records := make([]*domain.CycleRecord, 0)
	for rows.Next() {
		rec := &domain.CycleRecord{}
		var timeframe, leg, reason string
		if err := rows.Scan(
			&rec.ID, &rec.Symbol, &rec.CycleID, &timeframe, &leg, &rec.EntryPrice, &rec.ExitPrice,
			&rec.Quantity, &rec.Pnl, &reason, &rec.OpenedAt, &rec.ClosedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cycle row: %w", err)
		}
		rec.Timeframe = domain.Timeframe(timeframe)
		rec.Leg = domain.OrderSide(leg)
		rec.CloseReason = domain.CloseReason(reason)
		records = append(records, rec)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cycle rows: %w", err)
	}
	return records, nil
}

// TotalPnl returns the sum of pnl over all closed cycles.
func (r *Repository) TotalPnl(ctx context.Context) (float64, error) {
	const query = `SELECT COALESCE(SUM(pnl), 0) FROM cycles`
	var total float64
	if err := r.db.QueryRowContext(ctx, query).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to calculate total pnl: %w", err)
	}
	return total, nil
}

// TotalPnlBySymbol returns the sum of pnl over all closed cycles for one symbol.
func (r *Repository) TotalPnlBySymbol(ctx context.Context, symbol string) (float64, error) {
	const query = `SELECT COALESCE(SUM(pnl), 0) FROM cycles WHERE symbol = ?`
	var total float64
	if err := r.db.QueryRowContext(ctx, query, symbol).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to calculate total pnl for symbol %s: %w", symbol, err)
	}
	return total, nil
}

// CountTodayBySymbol counts cycles closed today for a symbol.
func (r *Repository) CountTodayBySymbol(ctx context.Context, symbol string) (int, error) {
	const query = `SELECT COUNT(*) FROM cycles WHERE symbol = ? AND date(closed_at) = date('now', 'localtime')`
	var count int
	if err := r.db.QueryRowContext(ctx, query, symbol).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count today's cycles for symbol %s: %w", symbol, err)
	}
	return count, nil
}
