package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"straddlebot/internal/domain"
	"straddlebot/internal/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SnapshotSource supplies the portfolio rollup served by GET /snapshot.
type SnapshotSource interface {
	Snapshot() *domain.PortfolioSnapshot
}

// Server exposes the read-only observation endpoints: the portfolio snapshot,
// closed-cycle history, Prometheus metrics and a liveness probe. It never
// mutates trading state.
type Server struct {
	httpServer *http.Server
	logger     ports.Logger
	snapshots  SnapshotSource
	cycles     ports.CycleRepository
}

// Config holds configuration for the HTTP read API.
type Config struct {
	Addr      string // e.g. ":8080"
	Logger    ports.Logger
	Snapshots SnapshotSource
	Cycles    ports.CycleRepository // optional, enables /history and /pnl
	Gatherer  prometheus.Gatherer
}

// New creates the server without binding the listener; call Start.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for HTTP server")
	}
	if cfg.Snapshots == nil {
		return nil, fmt.Errorf("snapshot source is required for HTTP server")
	}

	s := &Server{
		logger:    cfg.Logger,
		snapshots: cfg.Snapshots,
		cycles:    cfg.Cycles,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if cfg.Cycles != nil {
		mux.HandleFunc("GET /history/{symbol}", s.handleHistory)
		mux.HandleFunc("GET /pnl", s.handlePnl)
	}
	if cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Start binds the listener and serves until Shutdown is called. Blocks.
func (s *Server) Start() error {
	s.logger.Info(context.Background(), "HTTP read API listening", map[string]interface{}{"addr": s.httpServer.Addr})
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshots.Snapshot()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.logger.Error(r.Context(), err, "Failed to encode portfolio snapshot")
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

const defaultHistoryLimit = 50

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	records, err := s.cycles.FindBySymbol(r.Context(), symbol, limit)
	if err != nil {
		s.logger.Error(r.Context(), err, "Failed to load cycle history", map[string]interface{}{"symbol": symbol})
		http.Error(w, "failed to load cycle history", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(records); err != nil {
		s.logger.Error(r.Context(), err, "Failed to encode cycle history")
	}
}

func (s *Server) handlePnl(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := struct {
		TotalPnl    float64 `json:"totalPnl"`
		Symbol      string  `json:"symbol,omitempty"`
		SymbolPnl   float64 `json:"symbolPnl,omitempty"`
		TodayCycles int     `json:"todayCycles,omitempty"`
	}{}

	total, err := s.cycles.TotalPnl(ctx)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to sum total pnl")
		http.Error(w, "failed to sum pnl", http.StatusInternalServerError)
		return
	}
	resp.TotalPnl = total

	if symbol := r.URL.Query().Get("symbol"); symbol != "" {
		bySymbol, err := s.cycles.TotalPnlBySymbol(ctx, symbol)
		if err != nil {
			s.logger.Error(ctx, err, "Failed to sum pnl for symbol", map[string]interface{}{"symbol": symbol})
			http.Error(w, "failed to sum pnl", http.StatusInternalServerError)
			return
		}
		today, err := s.cycles.CountTodayBySymbol(ctx, symbol)
		if err != nil {
			s.logger.Error(ctx, err, "Failed to count today's cycles", map[string]interface{}{"symbol": symbol})
			http.Error(w, "failed to sum pnl", http.StatusInternalServerError)
			return
		}
		resp.Symbol = symbol
		resp.SymbolPnl = bySymbol
		resp.TodayCycles = today
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error(ctx, err, "Failed to encode pnl response")
	}
}
