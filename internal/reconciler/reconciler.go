package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"fxPilot/internal/domain"
	"fxPilot/internal/eventbus"
	"fxPilot/internal/ports"

	"github.com/jpillora/backoff"
)

// Reconciler periodically replays the broker's trade history against the
// order book. It is the single source of truth for fills: synchronous acks
// only move orders to ACCEPTED, every fill enters the book through here.
// It also resolves submission-uncertain orders and detects orders that
// vanished broker-side.
type Reconciler struct {
	broker  ports.BrokerGateway
	book    ports.OrderBook
	journal ports.DealJournal
	bus     *eventbus.Bus
	logger  ports.Logger

	pollInterval     time.Duration
	lookback         time.Duration
	staleAfter       time.Duration
	failureThreshold int

	mu           sync.Mutex
	checkpoint   time.Time
	failures     int
	degraded     bool
	cyclesOK     uint64
	cyclesFailed uint64

	retry *backoff.Backoff
}

// Config holds the reconciler's dependencies and tuning knobs.
type Config struct {
	Broker  ports.BrokerGateway
	Book    ports.OrderBook
	Journal ports.DealJournal
	Bus     *eventbus.Bus
	Logger  ports.Logger

	// PollInterval is the pause between reconciliation cycles.
	PollInterval time.Duration
	// Lookback is how far behind the checkpoint each history query reaches,
	// overlapping previous cycles so late-reported deals are never missed.
	Lookback time.Duration
	// StaleAfter is how long an order may sit without broker evidence
	// before it is presumed vanished and cancelled locally.
	StaleAfter time.Duration
	// FailureThreshold is the number of consecutive failed cycles before
	// the reconciler reports itself degraded.
	FailureThreshold int
}

// New creates a Reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Broker == nil || cfg.Book == nil || cfg.Journal == nil || cfg.Bus == nil || cfg.Logger == nil {
		return nil, errors.New("reconciler requires broker, order book, deal journal, event bus and logger")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 30 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 90 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	return &Reconciler{
		broker:           cfg.Broker,
		book:             cfg.Book,
		journal:          cfg.Journal,
		bus:              cfg.Bus,
		logger:           cfg.Logger,
		pollInterval:     cfg.PollInterval,
		lookback:         cfg.Lookback,
		staleAfter:       cfg.StaleAfter,
		failureThreshold: cfg.FailureThreshold,
		checkpoint:       time.Now().UTC().Add(-cfg.Lookback),
		retry: &backoff.Backoff{
			Min:    500 * time.Millisecond,
			Max:    cfg.PollInterval * 4,
			Factor: 2,
			Jitter: true,
		},
	}, nil
}

// Run executes reconciliation cycles until the context is cancelled. The
// loop never exits on broker failure; it backs off and keeps trying.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info(ctx, "Reconciler started", map[string]interface{}{
		"pollInterval": r.pollInterval.String(),
		"lookback":     r.lookback.String(),
	})
	for {
		err := r.SyncOnce(ctx)
		if err != nil && errors.Is(err, context.Canceled) {
			return
		}
		wait := r.nextWait(err)
		if err != nil {
			r.logger.Warn(ctx, "Reconciliation cycle failed", map[string]interface{}{
				"error": err.Error(), "retryIn": wait.String(),
			})
		}

		select {
		case <-ctx.Done():
			r.logger.Info(ctx, "Reconciler stopped")
			return
		case <-time.After(wait):
		}
	}
}

// SyncOnce runs a single reconciliation cycle: pull deals for every symbol
// with active orders, apply them, then sweep for stale orders.
func (r *Reconciler) SyncOnce(ctx context.Context) error {
	active, err := r.book.ActiveOrders(ctx, "")
	if err != nil {
		return r.fail(ctx, fmt.Errorf("failed to list active orders: %w", err))
	}

	symbols := make(map[string]bool)
	for _, ord := range active {
		symbols[ord.Symbol] = true
	}

	since := r.since()
	cycleStart := time.Now().UTC()

	for symbol := range symbols {
		deals, err := r.broker.HistoryDeals(ctx, symbol, since)
		if err != nil {
			return r.fail(ctx, fmt.Errorf("failed to fetch deal history for %s: %w", symbol, err))
		}
		// Oldest first so partial fills replay in execution order.
		sort.Slice(deals, func(i, j int) bool { return deals[i].Ts.Before(deals[j].Ts) })
		for _, deal := range deals {
			if err := r.applyDeal(ctx, deal); err != nil {
				// A bad deal must not wedge the whole cycle.
				r.logger.Error(ctx, err, "Failed to apply deal",
					map[string]interface{}{"dealID": deal.ID, "symbol": deal.Symbol})
			}
		}
	}

	if err := r.sweepStale(ctx, active); err != nil {
		return r.fail(ctx, err)
	}

	r.mu.Lock()
	r.checkpoint = cycleStart
	r.failures = 0
	if r.degraded {
		r.degraded = false
		r.logger.Info(ctx, "Reconciler recovered from degraded state")
	}
	r.cyclesOK++
	r.mu.Unlock()
	return nil
}

// applyDeal routes one broker deal into the order book, exactly once.
func (r *Reconciler) applyDeal(ctx context.Context, deal domain.Deal) error {
	seen, err := r.journal.SeenDeal(ctx, deal.ID)
	if err != nil {
		return fmt.Errorf("journal lookup for deal %s: %w", deal.ID, err)
	}
	if seen {
		return nil
	}

	ord, err := r.matchOrder(ctx, deal)
	if err != nil {
		return err
	}
	if ord == nil {
		// Not ours (manual trade or another strategy instance). Journal it
		// so we do not re-inspect it every cycle.
		return r.journal.MarkDeal(ctx, deal.ID, "", deal.Ts)
	}

	// A deal proves the submission reached the venue: activate the order
	// first if the synchronous ack never arrived.
	if ord.Status == domain.StatusPending {
		ord, err = r.book.UpsertOnAccept(ctx, ord.Coid, deal.OrderID)
		if err != nil {
			return fmt.Errorf("failed to activate order %s from deal %s: %w", ord.Coid, deal.ID, err)
		}
		r.logger.Info(ctx, "Order activated via reconciliation",
			map[string]interface{}{"coid": ord.Coid, "brokerOrderID": deal.OrderID})
		r.bus.Publish(ctx, domain.PendingActivated{
			Coid: ord.Coid, Symbol: ord.Symbol, BrokerOrderID: deal.OrderID, Ts: time.Now().UTC(),
		})
	}

	updated, applied, err := r.book.RecordFill(ctx, ord.Coid, deal.Qty, deal.Price, deal.Ts, deal.ID)
	if err != nil {
		if errors.Is(err, ports.ErrTerminalState) {
			// Order finished by another path (e.g. synchronous full fill);
			// journal the deal so it is not retried forever.
			r.logger.Warn(ctx, "Deal arrived for finished order",
				map[string]interface{}{"coid": ord.Coid, "dealID": deal.ID, "status": ord.Status})
			return r.journal.MarkDeal(ctx, deal.ID, ord.Coid, deal.Ts)
		}
		return fmt.Errorf("failed to record fill from deal %s: %w", deal.ID, err)
	}
	if err := r.journal.MarkDeal(ctx, deal.ID, ord.Coid, deal.Ts); err != nil {
		return fmt.Errorf("failed to journal deal %s: %w", deal.ID, err)
	}
	if !applied {
		return nil
	}

	now := time.Now().UTC()
	if updated.Status == domain.StatusFilled {
		r.logger.Info(ctx, "Order filled", map[string]interface{}{
			"coid": updated.Coid, "symbol": updated.Symbol,
			"qty": updated.FilledQty, "avgFillPrice": updated.AvgFillPrice,
		})
		r.bus.Publish(ctx, domain.Filled{
			Coid: updated.Coid, Symbol: updated.Symbol,
			Qty: updated.FilledQty, AvgFillPrice: updated.AvgFillPrice, Ts: now,
		})
	} else {
		r.bus.Publish(ctx, domain.PartiallyFilled{
			Coid: updated.Coid, Symbol: updated.Symbol, DealID: deal.ID,
			FillQty: deal.Qty, FillPrice: deal.Price,
			FilledQty: updated.FilledQty, AvgFillPrice: updated.AvgFillPrice, Ts: now,
		})
	}
	return nil
}

// matchOrder ties a broker deal back to a book order, preferring the
// correlation tag and falling back to the broker order id.
func (r *Reconciler) matchOrder(ctx context.Context, deal domain.Deal) (*domain.Order, error) {
	if deal.CorrelationTag != "" {
		ord, err := r.book.Get(ctx, deal.CorrelationTag)
		if err != nil {
			return nil, fmt.Errorf("failed to look up order %s: %w", deal.CorrelationTag, err)
		}
		if ord != nil {
			return ord, nil
		}
	}
	if deal.OrderID == "" {
		return nil, nil
	}
	active, err := r.book.ActiveOrders(ctx, deal.Symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to scan active orders for %s: %w", deal.Symbol, err)
	}
	for _, ord := range active {
		if ord.BrokerOrderID != nil && *ord.BrokerOrderID == deal.OrderID {
			return ord, nil
		}
	}
	return nil, nil
}

// sweepStale resolves orders the broker has silently dropped. An order that
// has produced no evidence (no ack resolution, no fills) for longer than
// staleAfter is presumed vanished and cancelled locally. Orders with
// partial fills are left alone; only the broker can say how they end.
func (r *Reconciler) sweepStale(ctx context.Context, active []*domain.Order) error {
	cutoff := time.Now().UTC().Add(-r.staleAfter)
	for _, ord := range active {
		if ord.Status == domain.StatusPartial {
			continue
		}
		if !ord.UpdatedAt.Before(cutoff) {
			continue
		}
		if ord.Status == domain.StatusPending && !ord.SubmissionUncertain {
			// Still owned by the executor's submit path.
			continue
		}

		// Confirm absence against the live book before declaring it gone.
		fresh, err := r.book.Get(ctx, ord.Coid)
		if err != nil {
			return fmt.Errorf("failed to re-check stale order %s: %w", ord.Coid, err)
		}
		if fresh == nil || fresh.Status.IsTerminal() || fresh.FilledQty > 0 {
			continue
		}

		cancelled, err := r.book.MarkCancelled(ctx, ord.Coid)
		if err != nil {
			if errors.Is(err, ports.ErrTerminalState) {
				continue
			}
			return fmt.Errorf("failed to cancel vanished order %s: %w", ord.Coid, err)
		}
		r.logger.Warn(ctx, "Order vanished at broker; cancelled locally", map[string]interface{}{
			"coid": ord.Coid, "symbol": ord.Symbol,
			"lastUpdate": ord.UpdatedAt.Format(time.RFC3339), "wasUncertain": ord.SubmissionUncertain,
		})
		r.bus.Publish(ctx, domain.Cancelled{
			Coid: cancelled.Coid, Symbol: cancelled.Symbol, Ts: time.Now().UTC(),
		})
	}
	return nil
}

// Degraded reports whether the reconciler has exceeded its consecutive
// failure threshold. Callers should treat book state as possibly stale and
// avoid opening new exposure while degraded.
func (r *Reconciler) Degraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.degraded
}

// Stats reports cycle counters for status output.
func (r *Reconciler) Stats() (ok, failed uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cyclesOK, r.cyclesFailed
}

// nextWait picks the pause before the next cycle. Transient broker faults
// (rate limits, timeouts, connection drops) back off exponentially; anything
// else retries at the regular poll cadence with the backoff restarted.
func (r *Reconciler) nextWait(err error) time.Duration {
	if err != nil && ports.IsTransient(err) {
		return r.retry.Duration()
	}
	r.retry.Reset()
	return r.pollInterval
}

func (r *Reconciler) since() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkpoint.Add(-r.lookback)
}

func (r *Reconciler) fail(ctx context.Context, err error) error {
	r.mu.Lock()
	r.failures++
	r.cyclesFailed++
	if r.failures >= r.failureThreshold && !r.degraded {
		r.degraded = true
		r.logger.Error(ctx, err, "Reconciler degraded after consecutive failures",
			map[string]interface{}{"failures": r.failures})
	}
	r.mu.Unlock()
	return err
}
