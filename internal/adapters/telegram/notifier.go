package telegram

import (
	"context"
	"fmt"
	"time"

	"straddlebot/internal/domain"
	"straddlebot/internal/ports"

	tele "gopkg.in/telebot.v3"
)

// SnapshotSource supplies the portfolio view rendered by the /status command.
type SnapshotSource interface {
	Snapshot() *domain.PortfolioSnapshot
}

// Notifier sends straddle lifecycle events to a single authorized Telegram
// chat. Sends happen on their own goroutine so a slow Telegram API never
// blocks a controller.
type Notifier struct {
	bot          *tele.Bot
	authorizedID int64
	logger       ports.Logger
	snapshots    SnapshotSource
	startTime    time.Time
}

// Config holds configuration for the Telegram notifier.
type Config struct {
	Token        string
	AuthorizedID int64
	Logger       ports.Logger
	Snapshots    SnapshotSource // optional, enables /status
}

// New creates the notifier and registers command handlers. Call Start to begin
// polling for commands; Notify works without polling.
func New(cfg Config) (*Notifier, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Telegram notifier")
	}
	if cfg.Token == "" || cfg.AuthorizedID == 0 {
		return nil, fmt.Errorf("telegram token and authorized chat ID are required")
	}

	pref := tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	}

	b, err := tele.NewBot(pref)
	if err != nil {
		return nil, fmt.Errorf("creating telegram bot: %w", err)
	}

	n := &Notifier{
		bot:          b,
		authorizedID: cfg.AuthorizedID,
		logger:       cfg.Logger,
		snapshots:    cfg.Snapshots,
		startTime:    time.Now(),
	}

	n.setupHandlers()
	return n, nil
}

// Start begins long-polling for commands. Blocks until Stop is called.
func (n *Notifier) Start() {
	n.logger.Info(context.Background(), "Telegram bot started")
	n.bot.Start()
}

// Stop terminates the command poller.
func (n *Notifier) Stop() {
	n.bot.Stop()
}

func (n *Notifier) setupHandlers() {
	// Middleware for authorization
	n.bot.Use(func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			if c.Sender().ID != n.authorizedID {
				return c.Send("⛔ Unauthorized")
			}
			return next(c)
		}
	})

	n.bot.Handle("/start", n.handleStart)
	n.bot.Handle("/status", n.handleStatus)
}

func (n *Notifier) handleStart(c tele.Context) error {
	msg := fmt.Sprintf(`🤖 *Straddle bot*

🕐 Up since: %s

Use /status for the portfolio snapshot.`, n.startTime.Format("2006-01-02 15:04:05"))
	return c.Send(msg, tele.ModeMarkdown)
}

func (n *Notifier) handleStatus(c tele.Context) error {
	if n.snapshots == nil {
		return c.Send("📋 Status source not configured")
	}
	snap := n.snapshots.Snapshot()

	plEmoji := "🟢"
	if snap.RealizedPnl < 0 {
		plEmoji = "🔴"
	} else if snap.RealizedPnl == 0 {
		plEmoji = "🟡"
	}

	msg := fmt.Sprintf(`📊 *Portfolio status*

📋 Symbols: %d
📈 Open notional: %.2f USDT
💰 Realized P&L: %s %+.2f USDT

🕐 Uptime: %s
🕐 Updated: %s`,
		len(snap.Positions),
		snap.OpenNotional,
		plEmoji,
		snap.RealizedPnl,
		formatUptime(time.Since(n.startTime)),
		time.Now().Format("15:04:05"),
	)

	return c.Send(msg, tele.ModeMarkdown)
}

// Notify implements ports.Notifier. The actual send happens asynchronously;
// failures are logged and dropped.
func (n *Notifier) Notify(ctx context.Context, event domain.Event) {
	msg := renderEvent(event)
	if msg == "" {
		return
	}
	go func() {
		if _, err := n.bot.Send(&tele.User{ID: n.authorizedID}, msg, tele.ModeMarkdown); err != nil {
			n.logger.Warn(ctx, "Failed to send Telegram notification", map[string]interface{}{
				"eventType": event.Type,
				"symbol":    event.Symbol,
				"error":     err.Error(),
			})
		}
	}()
}

func renderEvent(e domain.Event) string {
	ts := e.At
	if ts.IsZero() {
		ts = time.Now()
	}

	switch e.Type {
	case domain.EventCycleOpened:
		return fmt.Sprintf(`🎯 *CYCLE OPENED*

*%s* cycle #%d (%s)
📊 Reference: %.4f

⏰ %s`, e.Symbol, e.CycleID, e.Timeframe, e.Price, ts.Format("15:04:05"))

	case domain.EventLegFilled:
		emoji := "📈"
		if e.Side == domain.Sell {
			emoji = "📉"
		}
		return fmt.Sprintf(`%s *LEG FILLED*

*%s %s* cycle #%d
📊 Fill: %.4f

⏰ %s`, emoji, e.Side, e.Symbol, e.CycleID, e.Price, ts.Format("15:04:05"))

	case domain.EventCycleClosed:
		emoji := "✅"
		plEmoji := "💚"
		if e.Pnl < 0 {
			emoji = "⚠️"
			plEmoji = "❤️"
		}
		return fmt.Sprintf(`%s *CYCLE CLOSED*

*%s* cycle #%d closed (%s)
%s P&L: %+.4f USDT

⏰ %s`, emoji, e.Symbol, e.CycleID, e.CloseReason, plEmoji, e.Pnl, ts.Format("15:04:05"))

	case domain.EventHedgedRace:
		return fmt.Sprintf(`🚨 *DOUBLE FILL HEDGED*

*%s* cycle #%d
Flattened %s %.6f at market

⏰ %s`, e.Symbol, e.CycleID, e.Side, e.Quantity, ts.Format("15:04:05"))

	case domain.EventFatalError:
		return fmt.Sprintf(`🛑 *CONTROLLER TERMINATED*

*%s* cycle #%d
Reason: %s

⏰ %s`, e.Symbol, e.CycleID, e.Reason, ts.Format("15:04:05"))
	}
	return ""
}

func formatUptime(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	if hours > 0 {
		return fmt.Sprintf("%dh %dmin", hours, minutes)
	}
	return fmt.Sprintf("%dmin", minutes)
}
