package ports

import (
	"context"

	"straddlebot/internal/domain"
)

// Notifier receives lifecycle events for user alerts. Implementations must be
// fire-and-forget: a slow or failing notifier must never block or fail a
// controller's evaluation.
type Notifier interface {
	Notify(ctx context.Context, event domain.Event)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) Notify(ctx context.Context, event domain.Event) {}
