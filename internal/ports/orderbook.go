package ports

import (
	"context"
	"time"

	"fxPilot/internal/domain"
)

// OrderBook is the authoritative, durable store of orders and fills. All
// mutations are atomic; concurrent callers serialize on the store.
type OrderBook interface {
	// CreatePending inserts a new order in PENDING state. Returns
	// ErrDuplicateCoid if the coid already exists.
	CreatePending(ctx context.Context, coid, symbol string, side domain.OrderSide, qty float64, sl, tp *float64) (*domain.Order, error)

	// UpsertOnAccept transitions PENDING → ACCEPTED and records the broker
	// order id. Returns ErrUnknownCoid if no such order exists and
	// ErrTerminalState if the order has already finished.
	UpsertOnAccept(ctx context.Context, coid, brokerOrderID string) (*domain.Order, error)

	// RecordFill appends a fill, recomputes filled_qty and avg_fill_price
	// and advances the status to PARTIAL or FILLED. Idempotent on dealID:
	// a duplicate delivery returns (order, false, nil) without effect.
	// Over-fills beyond tolerance return ErrOverFill; fills on terminal
	// orders return ErrTerminalState. The boolean reports whether the fill
	// was applied.
	RecordFill(ctx context.Context, coid string, qty, price float64, ts time.Time, dealID string) (*domain.Order, bool, error)

	// MarkCancelled / MarkRejected transition to the respective terminal
	// state; both fail with ErrTerminalState if the order already finished.
	MarkCancelled(ctx context.Context, coid string) (*domain.Order, error)
	MarkRejected(ctx context.Context, coid string) (*domain.Order, error)

	// SetSubmissionUncertain flags or clears the submission-uncertain
	// marker without touching fill state.
	SetSubmissionUncertain(ctx context.Context, coid string, uncertain bool) error

	// UpdateStops mutates protective levels without affecting fill state.
	// Nil values leave the corresponding level unchanged.
	UpdateStops(ctx context.Context, coid string, sl, tp *float64) error

	// Get retrieves an order by coid. Returns nil, nil if not found.
	Get(ctx context.Context, coid string) (*domain.Order, error)

	// ActiveOrders returns all non-terminal orders, optionally filtered by
	// symbol (empty symbol = all), ordered by creation time.
	ActiveOrders(ctx context.Context, symbol string) ([]*domain.Order, error)

	// Fills returns the fill history for an order in ascending timestamp order.
	Fills(ctx context.Context, coid string) ([]*domain.Fill, error)

	// CountByStatus reports the number of orders per status.
	CountByStatus(ctx context.Context) (map[domain.OrderStatus]int, error)

	// PurgeTerminal deletes terminal orders (and their fills) older than
	// the given age, returning the number of orders removed.
	PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error)
}

// DealJournal is the persisted set of already-processed broker deal ids.
// It survives restarts so that replayed deals are never double-counted.
type DealJournal interface {
	// SeenDeal reports whether the deal id has already been processed.
	SeenDeal(ctx context.Context, dealID string) (bool, error)
	// MarkDeal records a deal id as processed.
	MarkDeal(ctx context.Context, dealID, coid string, ts time.Time) error
}

// RiskStore persists the risk governor's singleton state.
type RiskStore interface {
	// LoadRiskState returns the persisted state, or a zero-valued state if
	// none has been saved yet.
	LoadRiskState(ctx context.Context) (*domain.RiskState, error)
	// SaveRiskState atomically replaces the persisted state.
	SaveRiskState(ctx context.Context, state *domain.RiskState) error
}
