package executor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
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
	mu          sync.Mutex
	submitAck   *ports.OrderAck
	submitErr   error
	submitCalls int
	cancelOK    bool
	cancelErr   error
}

func (m *mockBroker) SubmitOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderAck, error) {
	m.mu.Lock()
	m.submitCalls++
	m.mu.Unlock()
	return m.submitAck, m.submitErr
}

func (m *mockBroker) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitCalls
}

func (m *mockBroker) Cancel(ctx context.Context, symbol, brokerOrderID string) (bool, error) {
	return m.cancelOK, m.cancelErr
}

func (m *mockBroker) Positions(ctx context.Context, symbol string) ([]domain.Lot, error) {
	return nil, nil
}

func (m *mockBroker) HistoryDeals(ctx context.Context, symbol string, since time.Time) ([]domain.Deal, error) {
	return nil, nil
}

func setup(t *testing.T, broker *mockBroker) (*Executor, *sqlite.Store, *eventbus.Bus, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "executor-test-*")
	require.NoError(t, err)
	store, err := sqlite.NewStore(sqlite.Config{
		DBPath: filepath.Join(tmpDir, "test.db"),
		Logger: &mockLogger{},
	})
	require.NoError(t, err)

	bus := eventbus.New(&mockLogger{})
	exec, err := New(Config{Broker: broker, Book: store, Bus: bus, Logger: &mockLogger{}})
	require.NoError(t, err)

	cleanup := func() {
		store.Close()
		os.RemoveAll(tmpDir)
	}
	return exec, store, bus, cleanup
}

func TestMakeCoid(t *testing.T) {
	a := MakeCoid("XAUUSD", domain.Buy, "trend", 1700000000)
	b := MakeCoid("XAUUSD", domain.Buy, "trend", 1700000000)
	c := MakeCoid("XAUUSD", domain.Sell, "trend", 1700000000)

	assert.Equal(t, a, b, "same inputs must produce the same coid")
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 24)
}

func TestExecutor_SubmitAccepted(t *testing.T) {
	broker := &mockBroker{submitAck: &ports.OrderAck{Accepted: true, BrokerOrderID: "br-7"}}
	exec, _, bus, cleanup := setup(t, broker)
	defer cleanup()

	var kinds []domain.EventKind
	for _, k := range []domain.EventKind{domain.EvPendingCreated, domain.EvPendingActivated} {
		kind := k
		bus.Subscribe(kind, func(ctx context.Context, ev domain.Event) { kinds = append(kinds, kind) })
	}

	ord, err := exec.Submit(context.Background(), ports.OrderRequest{
		Coid: "coid-1", Symbol: "XAUUSD", Side: domain.Buy, Qty: 1.0,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, ord.Status)
	require.NotNil(t, ord.BrokerOrderID)
	assert.Equal(t, "br-7", *ord.BrokerOrderID)
	assert.Equal(t, []domain.EventKind{domain.EvPendingCreated, domain.EvPendingActivated}, kinds)
}

func TestExecutor_DuplicateSubmitServedFromBook(t *testing.T) {
	broker := &mockBroker{submitAck: &ports.OrderAck{Accepted: true, BrokerOrderID: "br-7"}}
	exec, _, _, cleanup := setup(t, broker)
	defer cleanup()

	req := ports.OrderRequest{Coid: "coid-1", Symbol: "XAUUSD", Side: domain.Buy, Qty: 1.0}
	_, err := exec.Submit(context.Background(), req)
	require.NoError(t, err)

	// Second submit with the same coid never reaches the broker.
	ord, err := exec.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, ord.Status)
	assert.Equal(t, 1, broker.submitCalls)
}

func TestExecutor_ConcurrentDuplicateSubmits(t *testing.T) {
	broker := &mockBroker{submitAck: &ports.OrderAck{Accepted: true, BrokerOrderID: "br-7"}}
	exec, store, _, cleanup := setup(t, broker)
	defer cleanup()

	req := ports.OrderRequest{Coid: "coid-1", Symbol: "XAUUSD", Side: domain.Buy, Qty: 1.0}
	const workers = 16
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = exec.Submit(context.Background(), req)
		}(i)
	}
	wg.Wait()

	// No matter how the goroutines interleave, the broker sees the coid
	// exactly once. Callers either get the order or an in-flight error.
	assert.Equal(t, 1, broker.calls())
	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ports.ErrSubmissionInFlight)
		}
	}
	assert.GreaterOrEqual(t, succeeded, 1)

	ord, err := store.Get(context.Background(), "coid-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, ord.Status)
}

func TestExecutor_SubmitRejected(t *testing.T) {
	broker := &mockBroker{submitAck: &ports.OrderAck{Accepted: false, Reason: "insufficient margin"}}
	exec, store, _, cleanup := setup(t, broker)
	defer cleanup()

	_, err := exec.Submit(context.Background(), ports.OrderRequest{
		Coid: "coid-1", Symbol: "XAUUSD", Side: domain.Buy, Qty: 1.0,
	})
	assert.ErrorIs(t, err, ports.ErrOrderPlacementFailed)

	ord, err := store.Get(context.Background(), "coid-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, ord.Status)
}

func TestExecutor_SubmitTimeoutMarksUncertain(t *testing.T) {
	broker := &mockBroker{submitErr: ports.ErrTimeout}
	exec, store, _, cleanup := setup(t, broker)
	defer cleanup()

	req := ports.OrderRequest{Coid: "coid-1", Symbol: "XAUUSD", Side: domain.Buy, Qty: 1.0}
	_, err := exec.Submit(context.Background(), req)
	assert.ErrorIs(t, err, ports.ErrSubmissionUncertain)

	ord, err := store.Get(context.Background(), "coid-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, ord.Status)
	assert.True(t, ord.SubmissionUncertain)

	// Retrying the same coid must NOT send again while unresolved.
	_, err = exec.Submit(context.Background(), req)
	assert.ErrorIs(t, err, ports.ErrSubmissionUncertain)
	assert.Equal(t, 1, broker.submitCalls)
}

func TestExecutor_CancelFillWins(t *testing.T) {
	broker := &mockBroker{submitAck: &ports.OrderAck{Accepted: true, BrokerOrderID: "br-7"}, cancelOK: false}
	exec, store, _, cleanup := setup(t, broker)
	defer cleanup()
	ctx := context.Background()

	_, err := exec.Submit(ctx, ports.OrderRequest{Coid: "coid-1", Symbol: "XAUUSD", Side: domain.Buy, Qty: 1.0})
	require.NoError(t, err)

	// The order fills before the broker honours the cancel.
	_, _, err = store.RecordFill(ctx, "coid-1", 1.0, 2000.0, time.Now(), "deal-1")
	require.NoError(t, err)

	ord, err := exec.Cancel(ctx, "coid-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, ord.Status, "a fill must win over a cancel")
}

func TestExecutor_CancelUnackedOrder(t *testing.T) {
	broker := &mockBroker{submitAck: &ports.OrderAck{Accepted: true, BrokerOrderID: "br-7"}}
	exec, store, _, cleanup := setup(t, broker)
	defer cleanup()
	ctx := context.Background()

	// An order that never left PENDING can die locally.
	_, err := store.CreatePending(ctx, "coid-1", "XAUUSD", domain.Buy, 1.0, nil, nil)
	require.NoError(t, err)

	ord, err := exec.Cancel(ctx, "coid-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, ord.Status)

	// But not while the submission outcome is unknown.
	_, err = store.CreatePending(ctx, "coid-2", "XAUUSD", domain.Buy, 1.0, nil, nil)
	require.NoError(t, err)
	require.NoError(t, store.SetSubmissionUncertain(ctx, "coid-2", true))

	_, err = exec.Cancel(ctx, "coid-2")
	assert.ErrorIs(t, err, ports.ErrSubmissionUncertain)
}
