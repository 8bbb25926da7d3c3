package reconciler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fxPilot/internal/adapters/sqlite"
	"fxPilot/internal/domain"
	"fxPilot/internal/eventbus"
	"fxPilot/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type mockBroker struct {
	deals      []domain.Deal
	historyErr error
}

func (m *mockBroker) SubmitOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderAck, error) {
	return nil, nil
}
func (m *mockBroker) Cancel(ctx context.Context, symbol, brokerOrderID string) (bool, error) {
	return false, nil
}
func (m *mockBroker) Positions(ctx context.Context, symbol string) ([]domain.Lot, error) {
	return nil, nil
}
func (m *mockBroker) HistoryDeals(ctx context.Context, symbol string, since time.Time) ([]domain.Deal, error) {
	return m.deals, m.historyErr
}

func setup(t *testing.T, broker *mockBroker, cfg Config) (*Reconciler, *sqlite.Store, *eventbus.Bus, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "reconciler-test-*")
	require.NoError(t, err)
	store, err := sqlite.NewStore(sqlite.Config{
		DBPath: filepath.Join(tmpDir, "test.db"),
		Logger: &mockLogger{},
	})
	require.NoError(t, err)

	bus := eventbus.New(&mockLogger{})
	cfg.Broker = broker
	cfg.Book = store
	cfg.Journal = store
	cfg.Bus = bus
	cfg.Logger = &mockLogger{}
	rec, err := New(cfg)
	require.NoError(t, err)

	cleanup := func() {
		store.Close()
		os.RemoveAll(tmpDir)
	}
	return rec, store, bus, cleanup
}

func TestReconciler_AppliesDealsIdempotently(t *testing.T) {
	now := time.Now().UTC()
	broker := &mockBroker{deals: []domain.Deal{
		{ID: "d2", OrderID: "br-1", Symbol: "XAUUSD", Side: domain.Buy, Qty: 0.6, Price: 2010, Ts: now.Add(time.Second), CorrelationTag: "coid-1"},
		{ID: "d1", OrderID: "br-1", Symbol: "XAUUSD", Side: domain.Buy, Qty: 0.4, Price: 2000, Ts: now, CorrelationTag: "coid-1"},
	}}
	rec, store, bus, cleanup := setup(t, broker, Config{})
	defer cleanup()
	ctx := context.Background()

	var fillEvents, partialEvents int
	bus.Subscribe(domain.EvFilled, func(ctx context.Context, ev domain.Event) { fillEvents++ })
	bus.Subscribe(domain.EvPartiallyFilled, func(ctx context.Context, ev domain.Event) { partialEvents++ })

	_, err := store.CreatePending(ctx, "coid-1", "XAUUSD", domain.Buy, 1.0, nil, nil)
	require.NoError(t, err)
	_, err = store.UpsertOnAccept(ctx, "coid-1", "br-1")
	require.NoError(t, err)

	require.NoError(t, rec.SyncOnce(ctx))

	ord, err := store.Get(ctx, "coid-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, ord.Status)
	assert.InDelta(t, 1.0, ord.FilledQty, 1e-9)
	// Deals must apply oldest first: 0.4*2000 + 0.6*2010 = 2006.
	assert.InDelta(t, 2006.0, ord.AvgFillPrice, 1e-9)
	assert.Equal(t, 1, partialEvents)
	assert.Equal(t, 1, fillEvents)

	// Replaying the same history changes nothing.
	require.NoError(t, rec.SyncOnce(ctx))
	ord, err = store.Get(ctx, "coid-1")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, ord.FilledQty, 1e-9)
	assert.Equal(t, 1, fillEvents)
}

func TestReconciler_ResolvesUncertainSubmission(t *testing.T) {
	now := time.Now().UTC()
	broker := &mockBroker{deals: []domain.Deal{
		{ID: "d1", OrderID: "br-9", Symbol: "XAUUSD", Side: domain.Buy, Qty: 1.0, Price: 2000, Ts: now, CorrelationTag: "coid-1"},
	}}
	rec, store, bus, cleanup := setup(t, broker, Config{})
	defer cleanup()
	ctx := context.Background()

	var activated bool
	bus.Subscribe(domain.EvPendingActivated, func(ctx context.Context, ev domain.Event) { activated = true })

	// The submit timed out; the order sits PENDING and uncertain.
	_, err := store.CreatePending(ctx, "coid-1", "XAUUSD", domain.Buy, 1.0, nil, nil)
	require.NoError(t, err)
	require.NoError(t, store.SetSubmissionUncertain(ctx, "coid-1", true))

	require.NoError(t, rec.SyncOnce(ctx))

	ord, err := store.Get(ctx, "coid-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, ord.Status)
	assert.False(t, ord.SubmissionUncertain, "a discovered deal resolves the uncertainty")
	require.NotNil(t, ord.BrokerOrderID)
	assert.Equal(t, "br-9", *ord.BrokerOrderID)
	assert.True(t, activated)
}

func TestReconciler_MatchesByBrokerOrderID(t *testing.T) {
	now := time.Now().UTC()
	// Correlation tag lost in transit; only the broker order id survives.
	broker := &mockBroker{deals: []domain.Deal{
		{ID: "d1", OrderID: "br-1", Symbol: "XAUUSD", Side: domain.Buy, Qty: 1.0, Price: 2000, Ts: now},
	}}
	rec, store, _, cleanup := setup(t, broker, Config{})
	defer cleanup()
	ctx := context.Background()

	_, err := store.CreatePending(ctx, "coid-1", "XAUUSD", domain.Buy, 1.0, nil, nil)
	require.NoError(t, err)
	_, err = store.UpsertOnAccept(ctx, "coid-1", "br-1")
	require.NoError(t, err)

	require.NoError(t, rec.SyncOnce(ctx))

	ord, err := store.Get(ctx, "coid-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, ord.Status)
}

func TestReconciler_IgnoresForeignDeals(t *testing.T) {
	now := time.Now().UTC()
	broker := &mockBroker{deals: []domain.Deal{
		{ID: "d1", OrderID: "br-999", Symbol: "XAUUSD", Side: domain.Sell, Qty: 2.0, Price: 1990, Ts: now},
	}}
	rec, store, _, cleanup := setup(t, broker, Config{})
	defer cleanup()
	ctx := context.Background()

	_, err := store.CreatePending(ctx, "coid-1", "XAUUSD", domain.Buy, 1.0, nil, nil)
	require.NoError(t, err)
	_, err = store.UpsertOnAccept(ctx, "coid-1", "br-1")
	require.NoError(t, err)

	require.NoError(t, rec.SyncOnce(ctx))

	ord, err := store.Get(ctx, "coid-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.0, ord.FilledQty, 1e-9)

	// The foreign deal is journaled and not re-inspected.
	seen, err := store.SeenDeal(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestReconciler_SweepsVanishedOrders(t *testing.T) {
	broker := &mockBroker{}
	rec, store, bus, cleanup := setup(t, broker, Config{StaleAfter: time.Millisecond})
	defer cleanup()
	ctx := context.Background()

	var cancelled []string
	bus.Subscribe(domain.EvCancelled, func(ctx context.Context, ev domain.Event) {
		cancelled = append(cancelled, ev.(domain.Cancelled).Coid)
	})

	// Accepted, never filled, broker no longer reports it.
	_, err := store.CreatePending(ctx, "gone", "XAUUSD", domain.Buy, 1.0, nil, nil)
	require.NoError(t, err)
	_, err = store.UpsertOnAccept(ctx, "gone", "br-1")
	require.NoError(t, err)

	// Pending without the uncertain flag still belongs to the submit path.
	_, err = store.CreatePending(ctx, "submitting", "XAUUSD", domain.Buy, 1.0, nil, nil)
	require.NoError(t, err)

	// Partially filled orders are never swept.
	_, err = store.CreatePending(ctx, "partial", "XAUUSD", domain.Buy, 1.0, nil, nil)
	require.NoError(t, err)
	_, _, err = store.RecordFill(ctx, "partial", 0.3, 2000, time.Now(), "d-p")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, rec.SyncOnce(ctx))

	assert.Equal(t, []string{"gone"}, cancelled)
	ord, err := store.Get(ctx, "gone")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, ord.Status)
	ord, err = store.Get(ctx, "submitting")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, ord.Status)
	ord, err = store.Get(ctx, "partial")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPartial, ord.Status)
}

func TestReconciler_BacksOffOnTransientFailuresOnly(t *testing.T) {
	rec, _, _, cleanup := setup(t, &mockBroker{}, Config{PollInterval: time.Second})
	defer cleanup()

	transient := fmt.Errorf("deal history: %w", ports.ErrBrokerUnavailable)
	permanent := fmt.Errorf("deal history: %w", ports.ErrInvalidRequest)

	// Success runs at the regular cadence.
	assert.Equal(t, time.Second, rec.nextWait(nil))

	// Transient faults back off, starting below the poll interval and
	// growing (jittered) from there.
	first := rec.nextWait(transient)
	assert.Equal(t, 500*time.Millisecond, first)
	second := rec.nextWait(transient)
	assert.GreaterOrEqual(t, second, first)
	assert.LessOrEqual(t, second, 4*time.Second)

	// A permanent error retries at the poll cadence and restarts the backoff.
	assert.Equal(t, time.Second, rec.nextWait(permanent))
	assert.Equal(t, 500*time.Millisecond, rec.nextWait(transient))
}

func TestReconciler_DegradesAfterConsecutiveFailures(t *testing.T) {
	broker := &mockBroker{historyErr: ports.ErrBrokerUnavailable}
	rec, store, _, cleanup := setup(t, broker, Config{FailureThreshold: 3})
	defer cleanup()
	ctx := context.Background()

	_, err := store.CreatePending(ctx, "coid-1", "XAUUSD", domain.Buy, 1.0, nil, nil)
	require.NoError(t, err)
	_, err = store.UpsertOnAccept(ctx, "coid-1", "br-1")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		assert.Error(t, rec.SyncOnce(ctx))
		assert.False(t, rec.Degraded())
	}
	assert.Error(t, rec.SyncOnce(ctx))
	assert.True(t, rec.Degraded())

	// A successful cycle clears the flag.
	broker.historyErr = nil
	require.NoError(t, rec.SyncOnce(ctx))
	assert.False(t, rec.Degraded())
}
