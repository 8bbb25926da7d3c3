package app

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"fxPilot/config"
	"fxPilot/internal/adapters/sqlite"
	"fxPilot/internal/domain"
	"fxPilot/internal/eventbus"
	"fxPilot/internal/executor"
	"fxPilot/internal/netting"
	"fxPilot/internal/ports"
	"fxPilot/internal/reconciler"
	"fxPilot/internal/risk"
	"fxPilot/internal/trailing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Mock implementations
type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type mockGateway struct {
	lots       []domain.Lot
	submits    []ports.OrderRequest
	nextID     int
	price      float64
	klines     []*domain.Kline
	stopCalls  int
	historyErr error
}

func (m *mockGateway) SubmitOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderAck, error) {
	m.submits = append(m.submits, req)
	m.nextID++
	return &ports.OrderAck{Accepted: true, BrokerOrderID: "br-" + strconv.Itoa(m.nextID)}, nil
}

func (m *mockGateway) Cancel(ctx context.Context, symbol, brokerOrderID string) (bool, error) {
	return true, nil
}

func (m *mockGateway) Positions(ctx context.Context, symbol string) ([]domain.Lot, error) {
	return m.lots, nil
}

func (m *mockGateway) HistoryDeals(ctx context.Context, symbol string, since time.Time) ([]domain.Deal, error) {
	return nil, m.historyErr
}

func (m *mockGateway) Ping(ctx context.Context) error { return nil }

func (m *mockGateway) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	return m.price, nil
}

func (m *mockGateway) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]*domain.Kline, error) {
	return m.klines, nil
}

func (m *mockGateway) UpdateProtectiveStops(ctx context.Context, symbol string, side domain.OrderSide, sl, tp *float64) error {
	m.stopCalls++
	return nil
}

type harness struct {
	service *Service
	gateway *mockGateway
	store   *sqlite.Store
	bus     *eventbus.Bus
	recon   *reconciler.Reconciler
	cleanup func()
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "service-test-*")
	require.NoError(t, err)
	store, err := sqlite.NewStore(sqlite.Config{
		DBPath: filepath.Join(tmpDir, "test.db"),
		Logger: &mockLogger{},
	})
	require.NoError(t, err)

	gateway := &mockGateway{price: 2000}
	bus := eventbus.New(&mockLogger{})
	lg := &mockLogger{}

	exec, err := executor.New(executor.Config{Broker: gateway, Book: store, Bus: bus, Logger: lg})
	require.NoError(t, err)

	recon, err := reconciler.New(reconciler.Config{
		Broker: gateway, Book: store, Journal: store, Bus: bus, Logger: lg,
		FailureThreshold: 2,
	})
	require.NoError(t, err)

	governor, err := risk.NewGovernor(context.Background(), risk.Config{
		Store: store, Bus: bus, Logger: lg,
		MaxTradesPerSession: 3,
		LossThreshold:       2,
		Cooldown:            time.Hour,
		Blackouts:           map[string]risk.BlackoutWindow{"HIGH": {Before: 45 * time.Minute, After: 45 * time.Minute}},
	})
	require.NoError(t, err)

	aggregator, err := netting.New(netting.ModeNetting, netting.ReduceFIFO, 0.01)
	require.NoError(t, err)

	trail, err := trailing.New(trailing.Config{
		Params: trailing.Params{FixedBuffer: 10, MinStep: 1, Hysteresis: 1},
		Writer: &LotStopWriter{Gateway: gateway},
		Bus:    bus,
		Logger: lg,
	})
	require.NoError(t, err)

	cfg := &config.Config{
		Symbol:            "XAUUSD",
		StrategyID:        "s1",
		ReconPollInterval: time.Second,
		KlineInterval:     "1m",
	}

	service, err := NewService(Deps{
		Cfg: cfg, Logger: lg, Gateway: gateway, Book: store, Bus: bus,
		Exec: exec, Recon: recon, Governor: governor, Aggregator: aggregator, Trail: trail,
	})
	require.NoError(t, err)

	return &harness{
		service: service, gateway: gateway, store: store, bus: bus, recon: recon,
		cleanup: func() {
			store.Close()
			os.RemoveAll(tmpDir)
		},
	}
}

func TestService_SignalOpensResidualExposure(t *testing.T) {
	h := newHarness(t)
	defer h.cleanup()

	sl := 1990.0
	err := h.service.HandleSignal(context.Background(), TradeSignal{
		Symbol: "XAUUSD", Side: domain.Buy, Qty: 1.0, SL: &sl, StrategyID: "s1",
	})
	require.NoError(t, err)

	// No opposite exposure: the full quantity opens as one entry order.
	require.Len(t, h.gateway.submits, 1)
	assert.InDelta(t, 1.0, h.gateway.submits[0].Qty, 1e-9)
	require.NotNil(t, h.gateway.submits[0].SL)

	ord, err := h.store.Get(context.Background(), h.gateway.submits[0].Coid)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, ord.Status)
}

func TestService_SignalNetsAgainstOppositeLots(t *testing.T) {
	h := newHarness(t)
	defer h.cleanup()

	base := time.Now().Add(-time.Hour)
	h.gateway.lots = []domain.Lot{
		{ID: "p1", Symbol: "XAUUSD", Side: domain.Sell, Qty: 0.4, EntryPrice: 2000, OpenTime: base},
		{ID: "p2", Symbol: "XAUUSD", Side: domain.Sell, Qty: 0.2, EntryPrice: 2010, OpenTime: base.Add(time.Minute)},
	}

	err := h.service.HandleSignal(context.Background(), TradeSignal{
		Symbol: "XAUUSD", Side: domain.Buy, Qty: 1.0, StrategyID: "s1",
	})
	require.NoError(t, err)

	// Two reduce orders (0.4 + 0.2) then a 0.4 entry.
	require.Len(t, h.gateway.submits, 3)
	assert.InDelta(t, 0.4, h.gateway.submits[0].Qty, 1e-9)
	assert.InDelta(t, 0.2, h.gateway.submits[1].Qty, 1e-9)
	assert.InDelta(t, 0.4, h.gateway.submits[2].Qty, 1e-9)
	for _, req := range h.gateway.submits {
		assert.Equal(t, domain.Buy, req.Side)
	}
}

func TestService_BlockedSignalSubmitsNothing(t *testing.T) {
	h := newHarness(t)
	defer h.cleanup()
	ctx := context.Background()
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	// Exhaust the session budget: every closed trade counts, wins included.
	for i := 0; i < 3; i++ {
		h.bus.Publish(ctx, domain.TradeClosed{
			Coid: "done-" + strconv.Itoa(i), Symbol: "XAUUSD", PnL: 10,
			ClosePrice: 2000, Ts: now.Add(time.Duration(i) * time.Minute),
		})
	}

	err := h.service.HandleSignal(ctx, TradeSignal{
		Symbol: "XAUUSD", Side: domain.Buy, Qty: 0.1, StrategyID: "s1",
		At: now.Add(time.Hour),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), risk.ReasonSessionLimit)
	assert.Empty(t, h.gateway.submits)
}

func TestService_ReduceFillRealizesResult(t *testing.T) {
	h := newHarness(t)
	defer h.cleanup()
	ctx := context.Background()
	at := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	h.gateway.lots = []domain.Lot{
		{ID: "p1", Symbol: "XAUUSD", Side: domain.Sell, Qty: 0.5, EntryPrice: 2000, OpenTime: at.Add(-time.Hour)},
	}

	var closed []domain.TradeClosed
	h.bus.Subscribe(domain.EvTradeClosed, func(ctx context.Context, ev domain.Event) {
		closed = append(closed, ev.(domain.TradeClosed))
	})

	err := h.service.HandleSignal(ctx, TradeSignal{
		Symbol: "XAUUSD", Side: domain.Buy, Qty: 0.5, StrategyID: "s1", At: at,
	})
	require.NoError(t, err)
	require.Len(t, h.gateway.submits, 1)
	coid := h.gateway.submits[0].Coid

	// The reduce order fills below the short's entry: a winning close.
	_, _, err = h.store.RecordFill(ctx, coid, 0.5, 1990.0, at.Add(time.Second), "deal-1")
	require.NoError(t, err)
	h.bus.Publish(ctx, domain.Filled{
		Coid: coid, Symbol: "XAUUSD", Qty: 0.5, AvgFillPrice: 1990.0, Ts: at.Add(time.Second),
	})

	require.Len(t, closed, 1)
	// Short from 2000 closed at 1990 for 0.5: (2000-1990)*0.5 = +5.
	assert.InDelta(t, 5.0, closed[0].PnL, 1e-9)
	assert.InDelta(t, 1990.0, closed[0].ClosePrice, 1e-9)

	// A stray fill on an unknown coid must not produce a result.
	h.bus.Publish(ctx, domain.Filled{Coid: "someone-else", Symbol: "XAUUSD", Qty: 1, AvgFillPrice: 2000, Ts: at})
	assert.Len(t, closed, 1)
}

func TestService_RefusesSignalsWhileDegraded(t *testing.T) {
	h := newHarness(t)
	defer h.cleanup()
	ctx := context.Background()

	// Force the reconciler into degraded state.
	h.gateway.historyErr = ports.ErrBrokerUnavailable
	_, err := h.store.CreatePending(ctx, "x", "XAUUSD", domain.Buy, 1.0, nil, nil)
	require.NoError(t, err)
	_, err = h.store.UpsertOnAccept(ctx, "x", "br-x")
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		assert.Error(t, h.recon.SyncOnce(ctx))
	}
	require.True(t, h.recon.Degraded())

	err = h.service.HandleSignal(ctx, TradeSignal{
		Symbol: "XAUUSD", Side: domain.Buy, Qty: 1.0, StrategyID: "s1",
	})
	assert.ErrorIs(t, err, ports.ErrBrokerUnavailable)
	assert.Empty(t, h.gateway.submits)
}
