package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fxPilot/internal/domain"
	"fxPilot/internal/eventbus"
	"fxPilot/internal/ports"
)

// Machine-readable reasons attached to blocked trades.
const (
	ReasonSessionLimit = "SESSION_LIMIT"
	ReasonLossCooldown = "LOSS_STREAK_COOLDOWN"
	ReasonNewsBlackout = "NEWS_BLACKOUT"
)

// BlackoutWindow is the no-trade span around a scheduled news event,
// expressed as minutes before and after the event time.
type BlackoutWindow struct {
	Before time.Duration
	After  time.Duration
}

// Config holds the governor's policy parameters and dependencies.
type Config struct {
	Store  ports.RiskStore
	Bus    *eventbus.Bus
	Logger ports.Logger

	// MaxTradesPerSession caps how many trades may open per session day.
	MaxTradesPerSession int
	// LossThreshold is the consecutive-loss count that triggers a cooldown.
	LossThreshold int
	// Cooldown is how long trading pauses after the loss streak trips.
	Cooldown time.Duration
	// Blackouts maps news impact level (e.g. "HIGH") to its window.
	Blackouts map[string]BlackoutWindow
}

// Decision is the outcome of a permission check.
type Decision struct {
	Allowed bool
	Reason  string // Empty when allowed
}

// Governor gates every new trade against session, loss-streak and news
// rules. Checks run in a fixed order so the reported reason is
// deterministic: session cap first, then loss cooldown, then blackout.
// State survives restarts through the RiskStore.
type Governor struct {
	cfg    Config
	logger ports.Logger

	mu    sync.Mutex
	state *domain.RiskState
}

// NewGovernor loads persisted state and returns a ready governor.
func NewGovernor(ctx context.Context, cfg Config) (*Governor, error) {
	if cfg.Store == nil || cfg.Bus == nil || cfg.Logger == nil {
		return nil, errors.New("governor requires risk store, event bus and logger")
	}
	if cfg.MaxTradesPerSession <= 0 {
		return nil, fmt.Errorf("max trades per session must be positive: %w", ports.ErrConfigurationError)
	}
	if cfg.LossThreshold <= 0 {
		return nil, fmt.Errorf("loss threshold must be positive: %w", ports.ErrConfigurationError)
	}

	state, err := cfg.Store.LoadRiskState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load risk state: %w", err)
	}
	if state.SessionStartTs.IsZero() {
		state.SessionStartTs = time.Now().UTC()
	}

	g := &Governor{cfg: cfg, logger: cfg.Logger, state: state}
	cfg.Logger.Info(ctx, "Risk governor initialized", map[string]interface{}{
		"tradesToday":       state.TradesToday,
		"consecutiveLosses": state.ConsecutiveLosses,
		"maxTrades":         cfg.MaxTradesPerSession,
		"lossThreshold":     cfg.LossThreshold,
	})
	return g, nil
}

// CanTrade evaluates whether a new trade may open at the given time. The
// rules are checked in fixed order and the first violation wins. A denial
// publishes a TradeBlocked event.
func (g *Governor) CanTrade(ctx context.Context, symbol string, now time.Time) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rolloverLocked(ctx, now)

	if g.state.TradesToday >= g.cfg.MaxTradesPerSession {
		return g.denyLocked(ctx, symbol, ReasonSessionLimit, now)
	}

	if g.state.ConsecutiveLosses >= g.cfg.LossThreshold && g.state.LastLossTs != nil {
		if now.Sub(*g.state.LastLossTs) < g.cfg.Cooldown {
			return g.denyLocked(ctx, symbol, ReasonLossCooldown, now)
		}
	}

	if g.state.InBlackout(now) {
		return g.denyLocked(ctx, symbol, ReasonNewsBlackout, now)
	}

	return Decision{Allowed: true}
}

// OnTradeClosed accounts one completed trade: the session counter advances
// and the loss streak updates from the realized result. A loss increments
// the streak and stamps the cooldown clock; any non-loss resets the streak.
func (g *Governor) OnTradeClosed(ctx context.Context, pnl float64, now time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rolloverLocked(ctx, now)
	g.state.TradesToday++
	if pnl < 0 {
		g.state.ConsecutiveLosses++
		ts := now
		g.state.LastLossTs = &ts
		if g.state.ConsecutiveLosses >= g.cfg.LossThreshold {
			g.logger.Warn(ctx, "Loss streak cooldown engaged", map[string]interface{}{
				"consecutiveLosses": g.state.ConsecutiveLosses,
				"cooldown":          g.cfg.Cooldown.String(),
			})
		}
	} else {
		g.state.ConsecutiveLosses = 0
	}
	return g.persistLocked(ctx)
}

// ApplyNewsBlackout installs or widens the no-trade window around a news
// event. Overlapping events only extend the window, never shrink it.
// Unknown impact levels are ignored.
func (g *Governor) ApplyNewsBlackout(ctx context.Context, impact string, eventTime time.Time) error {
	window, ok := g.cfg.Blackouts[impact]
	if !ok {
		g.logger.Debug(ctx, "Ignoring news event with unconfigured impact",
			map[string]interface{}{"impact": impact})
		return nil
	}

	from := eventTime.Add(-window.Before)
	until := eventTime.Add(window.After)

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state.BlackoutFrom == nil || from.Before(*g.state.BlackoutFrom) {
		g.state.BlackoutFrom = &from
	}
	if g.state.BlackoutUntil == nil || until.After(*g.state.BlackoutUntil) {
		g.state.BlackoutUntil = &until
	}
	g.logger.Info(ctx, "News blackout window applied", map[string]interface{}{
		"impact": impact,
		"from":   g.state.BlackoutFrom.Format(time.RFC3339),
		"until":  g.state.BlackoutUntil.Format(time.RFC3339),
	})
	return g.persistLocked(ctx)
}

// Snapshot returns a copy of the current risk counters for status output.
func (g *Governor) Snapshot() domain.RiskState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return *g.state
}

// rolloverLocked resets the daily counters when the session date changes.
// The loss streak is intentionally carried across days; only the trade
// counter is per-session.
func (g *Governor) rolloverLocked(ctx context.Context, now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if g.state.CurrentDate == day {
		return
	}
	if g.state.CurrentDate != "" {
		g.logger.Info(ctx, "Session rollover", map[string]interface{}{
			"previous":    g.state.CurrentDate,
			"current":     day,
			"tradesToday": g.state.TradesToday,
		})
	}
	g.state.CurrentDate = day
	g.state.TradesToday = 0
	g.state.SessionStartTs = now.UTC()
	if err := g.persistLocked(ctx); err != nil {
		g.logger.Error(ctx, err, "Failed to persist session rollover")
	}
}

func (g *Governor) denyLocked(ctx context.Context, symbol, reason string, now time.Time) Decision {
	g.logger.Info(ctx, "Trade blocked", map[string]interface{}{
		"symbol": symbol, "reason": reason,
	})
	g.cfg.Bus.Publish(ctx, domain.TradeBlocked{Symbol: symbol, Reason: reason, Ts: now})
	return Decision{Allowed: false, Reason: reason}
}

func (g *Governor) persistLocked(ctx context.Context) error {
	if err := g.cfg.Store.SaveRiskState(ctx, g.state); err != nil {
		return fmt.Errorf("failed to persist risk state: %w", err)
	}
	return nil
}
