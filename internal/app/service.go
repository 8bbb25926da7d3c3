package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"fxPilot/config"
	"fxPilot/internal/domain"
	"fxPilot/internal/eventbus"
	"fxPilot/internal/executor"
	"fxPilot/internal/netting"
	"fxPilot/internal/ports"
	"fxPilot/internal/reconciler"
	"fxPilot/internal/risk"
	"fxPilot/internal/trailing"
)

const klineFetchLimit = 100

// MarketGateway extends the broker contract with the market data and stop
// management calls the service layer needs.
type MarketGateway interface {
	ports.BrokerGateway
	Ping(ctx context.Context) error
	GetTickerPrice(ctx context.Context, symbol string) (float64, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]*domain.Kline, error)
	UpdateProtectiveStops(ctx context.Context, symbol string, side domain.OrderSide, sl, tp *float64) error
}

// TradeSignal is an instruction from a strategy or operator to adjust
// exposure on a symbol.
type TradeSignal struct {
	Symbol     string
	Side       domain.OrderSide
	Qty        float64
	SL         *float64
	TP         *float64
	StrategyID string
	At         time.Time
}

// closingOrder remembers the lot economics behind an in-flight reduce
// order so the realized result can be computed when it fills.
type closingOrder struct {
	lotID      string
	entryPrice float64
	side       domain.OrderSide // Side of the lot being reduced
}

// Service orchestrates signal handling: risk gating, netting against open
// exposure, idempotent submission, reconciliation and stop management.
type Service struct {
	cfg        *config.Config
	logger     ports.Logger
	gateway    MarketGateway
	book       ports.OrderBook
	bus        *eventbus.Bus
	exec       *executor.Executor
	recon      *reconciler.Reconciler
	governor   *risk.Governor
	aggregator *netting.Aggregator
	trail      *trailing.Manager

	mu       sync.Mutex
	closings map[string]closingOrder // coid -> lot being reduced
}

// Deps bundles the service's collaborators, all required.
type Deps struct {
	Cfg        *config.Config
	Logger     ports.Logger
	Gateway    MarketGateway
	Book       ports.OrderBook
	Bus        *eventbus.Bus
	Exec       *executor.Executor
	Recon      *reconciler.Reconciler
	Governor   *risk.Governor
	Aggregator *netting.Aggregator
	Trail      *trailing.Manager
}

// NewService wires the service and registers its event subscriptions.
func NewService(d Deps) (*Service, error) {
	if d.Cfg == nil || d.Logger == nil || d.Gateway == nil || d.Book == nil || d.Bus == nil ||
		d.Exec == nil || d.Recon == nil || d.Governor == nil || d.Aggregator == nil || d.Trail == nil {
		return nil, fmt.Errorf("missing required dependencies for Service")
	}

	s := &Service{
		cfg:        d.Cfg,
		logger:     d.Logger,
		gateway:    d.Gateway,
		book:       d.Book,
		bus:        d.Bus,
		exec:       d.Exec,
		recon:      d.Recon,
		governor:   d.Governor,
		aggregator: d.Aggregator,
		trail:      d.Trail,
		closings:   make(map[string]closingOrder),
	}

	// Fills on reduce orders turn into realized results.
	d.Bus.Subscribe(domain.EvFilled, s.onFilled)
	// The governor learns outcomes exclusively through trade-closed events.
	d.Bus.Subscribe(domain.EvTradeClosed, func(ctx context.Context, ev domain.Event) {
		tc, ok := ev.(domain.TradeClosed)
		if !ok {
			return
		}
		if err := s.governor.OnTradeClosed(ctx, tc.PnL, tc.OccurredAt()); err != nil {
			s.logger.Error(ctx, err, "Failed to record trade result", map[string]interface{}{"coid": tc.Coid})
		}
	})

	return s, nil
}

// Start runs the service until a shutdown signal or context cancellation.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting execution service...")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
		cancel()
	}()

	if err := s.gateway.Ping(ctx); err != nil {
		s.logger.Error(ctx, err, "Broker connectivity check failed")
		return fmt.Errorf("broker unreachable at startup: %w", err)
	}
	s.logger.Info(ctx, "Broker connectivity verified")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.recon.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.stopManagementLoop(ctx)
	}()

	<-ctx.Done()
	s.logger.Info(ctx, "Shutting down, waiting for workers...")
	wg.Wait()
	s.logger.Info(ctx, "Execution service stopped")
	return nil
}

// HandleSignal runs one trade signal through the full pipeline: risk gate,
// netting plan, reduce orders, then the residual as new exposure.
func (s *Service) HandleSignal(ctx context.Context, sig TradeSignal) error {
	if sig.At.IsZero() {
		sig.At = time.Now().UTC()
	}

	if s.recon.Degraded() {
		s.logger.Warn(ctx, "Refusing signal while reconciliation is degraded",
			map[string]interface{}{"symbol": sig.Symbol})
		return fmt.Errorf("signal for %s refused: %w", sig.Symbol, ports.ErrBrokerUnavailable)
	}

	decision := s.governor.CanTrade(ctx, sig.Symbol, sig.At)
	if !decision.Allowed {
		return fmt.Errorf("signal for %s blocked: %s", sig.Symbol, decision.Reason)
	}

	lots, err := s.gateway.Positions(ctx, sig.Symbol)
	if err != nil {
		return fmt.Errorf("failed to read open exposure for %s: %w", sig.Symbol, err)
	}

	plan, err := s.aggregator.PlanOrder(sig.Side, sig.Qty, lots)
	if err != nil {
		return fmt.Errorf("failed to plan order for %s: %w", sig.Symbol, err)
	}
	s.logger.Info(ctx, "Signal planned", map[string]interface{}{
		"symbol": sig.Symbol, "side": sig.Side, "qty": sig.Qty,
		"reductions": len(plan.Actions), "residual": plan.Residual,
		"netExposure": netting.NetExposure(lots),
	})

	lotByID := make(map[string]domain.Lot, len(lots))
	for _, lot := range lots {
		lotByID[lot.ID] = lot
	}

	for i, action := range plan.Actions {
		lot := lotByID[action.LotID]
		coid := executor.MakeCoid(sig.Symbol, sig.Side, sig.StrategyID+fmt.Sprintf("/close/%d", i), sig.At.Unix())

		s.mu.Lock()
		s.closings[coid] = closingOrder{lotID: lot.ID, entryPrice: lot.EntryPrice, side: lot.Side}
		s.mu.Unlock()

		_, err := s.exec.Submit(ctx, ports.OrderRequest{
			Coid: coid, Symbol: sig.Symbol, Side: sig.Side, Qty: action.Qty,
		})
		if err != nil {
			if errors.Is(err, ports.ErrSubmissionUncertain) {
				// Reconciliation owns the outcome now; stop issuing more orders.
				return err
			}
			s.mu.Lock()
			delete(s.closings, coid)
			s.mu.Unlock()
			return fmt.Errorf("failed to submit reduce order for lot %s: %w", action.LotID, err)
		}
	}

	if plan.Residual > domain.QtyEpsilon {
		coid := executor.MakeCoid(sig.Symbol, sig.Side, sig.StrategyID, sig.At.Unix())
		_, err := s.exec.Submit(ctx, ports.OrderRequest{
			Coid: coid, Symbol: sig.Symbol, Side: sig.Side, Qty: plan.Residual,
			SL: sig.SL, TP: sig.TP,
		})
		if err != nil {
			return fmt.Errorf("failed to submit entry order: %w", err)
		}
	}
	return nil
}

// onFilled converts a completed reduce order into a trade-closed event with
// the realized result.
func (s *Service) onFilled(ctx context.Context, ev domain.Event) {
	fill, ok := ev.(domain.Filled)
	if !ok {
		return
	}

	s.mu.Lock()
	closing, ok := s.closings[fill.Coid]
	if ok {
		delete(s.closings, fill.Coid)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	// The reduce order runs opposite to the lot, so a long lot realizes
	// close minus entry and a short lot the reverse.
	pnl := (fill.AvgFillPrice - closing.entryPrice) * fill.Qty
	if closing.side == domain.Sell {
		pnl = -pnl
	}

	s.trail.Forget(closing.lotID)
	s.logger.Info(ctx, "Position reduced", map[string]interface{}{
		"coid": fill.Coid, "lotID": closing.lotID, "pnl": pnl, "closePrice": fill.AvgFillPrice,
	})
	s.bus.Publish(ctx, domain.TradeClosed{
		Coid: fill.Coid, Symbol: fill.Symbol, PnL: pnl,
		ClosePrice: fill.AvgFillPrice, Ts: fill.OccurredAt(),
	})
}

// ApplyNewsEvent forwards a scheduled news event to the risk governor.
func (s *Service) ApplyNewsEvent(ctx context.Context, impact string, eventTime time.Time) error {
	return s.governor.ApplyNewsBlackout(ctx, impact, eventTime)
}

// stopManagementLoop drives trailing and breakeven updates from periodic
// price ticks.
func (s *Service) stopManagementLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReconPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.manageStopsOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn(ctx, "Stop management pass failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

func (s *Service) manageStopsOnce(ctx context.Context) error {
	lots, err := s.gateway.Positions(ctx, s.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("failed to read positions: %w", err)
	}
	if len(lots) == 0 {
		return nil
	}

	price, err := s.gateway.GetTickerPrice(ctx, s.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("failed to read ticker price: %w", err)
	}

	var klines []*domain.Kline
	if s.cfg.TrailingUseATR {
		klines, err = s.gateway.GetKlines(ctx, s.cfg.Symbol, s.cfg.KlineInterval, klineFetchLimit)
		if err != nil {
			return fmt.Errorf("failed to read klines: %w", err)
		}
	}

	for i := range lots {
		if err := s.trail.ProcessTick(ctx, &lots[i], price, klines); err != nil {
			s.logger.Error(ctx, err, "Failed to process lot for stop management",
				map[string]interface{}{"lotID": lots[i].ID})
		}
	}
	return nil
}

// LotStopWriter adapts the gateway's protective order placement to the
// trailing manager's writer contract.
type LotStopWriter struct {
	Gateway MarketGateway
}

// UpdateLotStops pushes new protective levels to the broker.
func (w *LotStopWriter) UpdateLotStops(ctx context.Context, lot *domain.Lot, sl, tp *float64) error {
	return w.Gateway.UpdateProtectiveStops(ctx, lot.Symbol, lot.Side, sl, tp)
}
