package trailing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fxPilot/internal/domain"
	"fxPilot/internal/eventbus"
	"fxPilot/internal/indicators"
	"fxPilot/internal/ports"
)

// Params tunes the trailing stop calculation. All distances are in price
// units of the instrument.
type Params struct {
	// UseATR selects volatility-sized stop distance (ATR x ATRMultiplier)
	// over the fixed buffer.
	UseATR        bool
	ATRPeriod     int
	ATRMultiplier float64
	FixedBuffer   float64
	// MinStep is the minimum distance a stop must move to be worth an
	// update round-trip.
	MinStep float64
	// Hysteresis is the minimum favorable price movement since the last
	// applied stop before another update is considered.
	Hysteresis float64
}

// BreakevenParams tunes the one-shot breakeven move.
type BreakevenParams struct {
	// Trigger is how far price must move in the lot's favor before the
	// stop jumps to entry.
	Trigger float64
	// Buffer is added past entry so the position closes slightly positive.
	Buffer float64
}

// StopWriter pushes new protective levels for a lot to wherever they are
// enforced, typically the broker.
type StopWriter interface {
	UpdateLotStops(ctx context.Context, lot *domain.Lot, sl, tp *float64) error
}

// lotState is per-lot bookkeeping the manager keeps between ticks.
type lotState struct {
	breakevenApplied bool
	lastAppliedSL    float64
	lastTriggerPrice float64
	hasSL            bool
}

// Manager moves protective stops in the favorable direction only. Stops
// ratchet: a proposed level that is not strictly better than the current
// one is discarded, and breakeven fires at most once per lot.
type Manager struct {
	params    Params
	breakeven BreakevenParams
	writer    StopWriter
	bus       *eventbus.Bus
	logger    ports.Logger
	atr       *indicators.ATR

	mu   sync.Mutex
	lots map[string]*lotState
}

// Config holds the manager's dependencies and tuning.
type Config struct {
	Params    Params
	Breakeven BreakevenParams
	Writer    StopWriter
	Bus       *eventbus.Bus
	Logger    ports.Logger
}

// New creates a Manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Writer == nil || cfg.Bus == nil || cfg.Logger == nil {
		return nil, errors.New("trailing manager requires stop writer, event bus and logger")
	}
	if cfg.Params.MinStep < 0 || cfg.Params.Hysteresis < 0 {
		return nil, fmt.Errorf("min step and hysteresis must be non-negative: %w", ports.ErrConfigurationError)
	}
	m := &Manager{
		params:    cfg.Params,
		breakeven: cfg.Breakeven,
		writer:    cfg.Writer,
		bus:       cfg.Bus,
		logger:    cfg.Logger,
		lots:      make(map[string]*lotState),
	}
	if cfg.Params.UseATR {
		atr, err := indicators.NewATR(cfg.Params.ATRPeriod)
		if err != nil {
			return nil, fmt.Errorf("invalid trailing ATR configuration: %w", err)
		}
		if cfg.Params.ATRMultiplier <= 0 {
			return nil, fmt.Errorf("ATR multiplier must be positive: %w", ports.ErrConfigurationError)
		}
		m.atr = atr
	} else if cfg.Params.FixedBuffer <= 0 {
		return nil, fmt.Errorf("fixed trailing buffer must be positive: %w", ports.ErrConfigurationError)
	}
	return m, nil
}

// ProcessTick evaluates one lot against the current price and recent
// candles (only needed in ATR mode). Breakeven is checked before trailing
// so a freshly triggered lot gets its entry-level stop first; a trailing
// improvement in the same tick can then still override it.
func (m *Manager) ProcessTick(ctx context.Context, lot *domain.Lot, price float64, klines []*domain.Kline) error {
	if lot == nil || lot.Qty <= domain.QtyEpsilon {
		return nil
	}

	m.mu.Lock()
	st, ok := m.lots[lot.ID]
	if !ok {
		st = &lotState{}
		if lot.SL != nil {
			st.hasSL = true
			st.lastAppliedSL = *lot.SL
		}
		st.lastTriggerPrice = lot.EntryPrice
		m.lots[lot.ID] = st
	}
	m.mu.Unlock()

	if err := m.applyBreakeven(ctx, lot, st, price); err != nil {
		return err
	}
	return m.applyTrailing(ctx, lot, st, price, klines)
}

// Forget drops per-lot state once the position is closed.
func (m *Manager) Forget(lotID string) {
	m.mu.Lock()
	delete(m.lots, lotID)
	m.mu.Unlock()
}

func (m *Manager) applyBreakeven(ctx context.Context, lot *domain.Lot, st *lotState, price float64) error {
	if m.breakeven.Trigger <= 0 {
		return nil
	}

	m.mu.Lock()
	done := st.breakevenApplied
	m.mu.Unlock()
	if done {
		return nil
	}

	profit := favorableMove(lot, price)
	if profit < m.breakeven.Trigger {
		return nil
	}

	target := lot.EntryPrice + m.breakeven.Buffer
	if !lot.IsLong() {
		target = lot.EntryPrice - m.breakeven.Buffer
	}
	if !m.improves(lot, st, target) {
		// Stop already beyond entry; just latch the flag.
		m.mu.Lock()
		st.breakevenApplied = true
		m.mu.Unlock()
		return nil
	}

	if err := m.pushStop(ctx, lot, st, target, "breakeven", price); err != nil {
		return err
	}
	m.mu.Lock()
	st.breakevenApplied = true
	m.mu.Unlock()
	return nil
}

func (m *Manager) applyTrailing(ctx context.Context, lot *domain.Lot, st *lotState, price float64, klines []*domain.Kline) error {
	distance := m.params.FixedBuffer
	if m.atr != nil {
		value, err := m.atr.Calculate(klines)
		if err != nil {
			// Not enough candles yet; trail on the next tick.
			m.logger.Debug(ctx, "Skipping trailing update", map[string]interface{}{
				"lotID": lot.ID, "reason": err.Error(),
			})
			return nil
		}
		distance = value * m.params.ATRMultiplier
	}
	if distance <= 0 {
		return nil
	}

	candidate := price - distance
	if !lot.IsLong() {
		candidate = price + distance
	}
	if !m.improves(lot, st, candidate) {
		return nil
	}

	m.mu.Lock()
	lastSL := st.lastAppliedSL
	hasSL := st.hasSL
	lastTrigger := st.lastTriggerPrice
	m.mu.Unlock()

	// Dual gate: the stop must move by at least MinStep AND price must have
	// advanced by at least Hysteresis since the last applied update.
	if hasSL && stopDelta(lot, lastSL, candidate) < m.params.MinStep {
		return nil
	}
	if hasSL && favorableDelta(lot, lastTrigger, price) < m.params.Hysteresis {
		return nil
	}

	return m.pushStop(ctx, lot, st, candidate, "trailing", price)
}

func (m *Manager) pushStop(ctx context.Context, lot *domain.Lot, st *lotState, sl float64, reason string, price float64) error {
	if err := m.writer.UpdateLotStops(ctx, lot, &sl, nil); err != nil {
		return fmt.Errorf("failed to move stop for lot %s: %w", lot.ID, err)
	}

	m.mu.Lock()
	st.hasSL = true
	st.lastAppliedSL = sl
	st.lastTriggerPrice = price
	m.mu.Unlock()
	lot.SL = &sl

	m.logger.Info(ctx, "Protective stop moved", map[string]interface{}{
		"lotID": lot.ID, "symbol": lot.Symbol, "sl": sl, "reason": reason, "price": price,
	})
	m.bus.Publish(ctx, domain.StopUpdated{
		LotID: lot.ID, Symbol: lot.Symbol, SL: &sl, Reason: reason, Ts: time.Now().UTC(),
	})
	return nil
}

// improves reports whether candidate is strictly better protection than the
// lot's current stop. For longs better means higher, for shorts lower.
func (m *Manager) improves(lot *domain.Lot, st *lotState, candidate float64) bool {
	m.mu.Lock()
	hasSL := st.hasSL
	current := st.lastAppliedSL
	m.mu.Unlock()

	if !hasSL {
		if lot.SL == nil {
			return true
		}
		current = *lot.SL
	}
	if lot.IsLong() {
		return candidate > current
	}
	return candidate < current
}

// favorableMove is how far price has moved in the lot's favor since entry.
func favorableMove(lot *domain.Lot, price float64) float64 {
	return favorableDelta(lot, lot.EntryPrice, price)
}

// favorableDelta is the signed favorable move from a reference price.
func favorableDelta(lot *domain.Lot, from, to float64) float64 {
	if lot.IsLong() {
		return to - from
	}
	return from - to
}

// stopDelta is how far the candidate stop advances past the current one in
// the protective direction.
func stopDelta(lot *domain.Lot, current, candidate float64) float64 {
	if lot.IsLong() {
		return candidate - current
	}
	return current - candidate
}
