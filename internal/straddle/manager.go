package straddle

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"straddlebot/internal/domain"
	"straddlebot/internal/ports"
)

// FillRouter wires controllers into the gateway's fill stream.
// *execution.Coordinator satisfies it.
type FillRouter interface {
	SubscribeFills(symbol string, handler func(ports.FillEvent))
	StartFillStream(ctx context.Context, errHandler func(error)) (doneCh chan struct{}, stopCh chan struct{}, err error)
}

// Manager owns the set of controllers, one per enabled (symbol, profile)
// pair, and routes fill events to them. Controllers run independently; a
// failure in one symbol never crosses into another.
type Manager struct {
	router FillRouter
	logger ports.Logger

	mu          sync.Mutex
	controllers map[string]*Controller
}

// NewManager creates an empty manager.
func NewManager(router FillRouter, logger ports.Logger) (*Manager, error) {
	if router == nil || logger == nil {
		return nil, fmt.Errorf("manager requires a fill router and a logger")
	}
	return &Manager{
		router:      router,
		logger:      logger,
		controllers: make(map[string]*Controller),
	}, nil
}

// Add registers a controller and subscribes it to fills for its symbol.
func (m *Manager) Add(ctrl *Controller) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.controllers[ctrl.Symbol()]; exists {
		return fmt.Errorf("controller for %s already registered", ctrl.Symbol())
	}
	m.controllers[ctrl.Symbol()] = ctrl
	m.router.SubscribeFills(ctrl.Symbol(), ctrl.OnFill)
	return nil
}

// Controller returns the controller for a symbol, nil if unknown.
func (m *Manager) Controller(symbol string) *Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.controllers[symbol]
}

// Controllers returns all controllers sorted by symbol.
func (m *Manager) Controllers() []*Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Controller, 0, len(m.controllers))
	for _, ctrl := range m.controllers {
		out = append(out, ctrl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol() < out[j].Symbol() })
	return out
}

// Snapshots returns point-in-time position copies for all controllers.
func (m *Manager) Snapshots() []*domain.StraddlePosition {
	ctrls := m.Controllers()
	out := make([]*domain.StraddlePosition, 0, len(ctrls))
	for _, ctrl := range ctrls {
		out = append(out, ctrl.Snapshot())
	}
	return out
}

// Start subscribes to the gateway fill stream. Stream errors are logged;
// reconnect handling lives in the gateway adapter.
func (m *Manager) Start(ctx context.Context) (doneCh chan struct{}, stopCh chan struct{}, err error) {
	return m.router.StartFillStream(ctx, func(streamErr error) {
		m.logger.Error(ctx, streamErr, "Fill stream error reported")
	})
}

// StopAll terminates every controller, best-effort canceling open orders.
func (m *Manager) StopAll(ctx context.Context) {
	for _, ctrl := range m.Controllers() {
		ctrl.Stop(ctx)
	}
}
