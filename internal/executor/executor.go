package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"fxPilot/internal/domain"
	"fxPilot/internal/eventbus"
	"fxPilot/internal/ports"
)

// MakeCoid derives a deterministic client order id from the signal identity.
// The same signal in the same time bucket always produces the same coid, so
// a retried submission collides in the book instead of duplicating at the
// broker.
func MakeCoid(symbol string, side domain.OrderSide, strategyID string, tsBucket int64) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d", symbol, side, strategyID, tsBucket)))
	return hex.EncodeToString(h[:])[:24]
}

// Executor submits orders to the broker with at-most-once semantics per
// client order id. A submission whose outcome is unknown (timeout after
// send) is never retried blindly; the order is flagged for the reconciler
// to resolve from the broker's trade history.
type Executor struct {
	broker ports.BrokerGateway
	book   ports.OrderBook
	bus    *eventbus.Bus
	logger ports.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// Config holds the executor's dependencies.
type Config struct {
	Broker ports.BrokerGateway
	Book   ports.OrderBook
	Bus    *eventbus.Bus
	Logger ports.Logger
}

// New creates an Executor. All dependencies are required.
func New(cfg Config) (*Executor, error) {
	if cfg.Broker == nil || cfg.Book == nil || cfg.Bus == nil || cfg.Logger == nil {
		return nil, errors.New("executor requires broker, order book, event bus and logger")
	}
	return &Executor{
		broker:   cfg.Broker,
		book:     cfg.Book,
		bus:      cfg.Bus,
		logger:   cfg.Logger,
		inflight: make(map[string]struct{}),
	}, nil
}

// Submit places the order identified by req.Coid exactly once.
//
// Duplicate calls while a submission is in flight fail with
// ErrSubmissionInFlight; duplicate calls after completion return the stored
// order without contacting the broker. A broker timeout leaves the order
// PENDING with the submission-uncertain flag set and returns
// ErrSubmissionUncertain.
func (e *Executor) Submit(ctx context.Context, req ports.OrderRequest) (*domain.Order, error) {
	if req.Coid == "" {
		return nil, fmt.Errorf("submit: empty client order id: %w", ports.ErrInvalidRequest)
	}
	if req.Qty <= 0 {
		return nil, fmt.Errorf("submit %s: quantity %f must be positive: %w", req.Coid, req.Qty, ports.ErrInvalidRequest)
	}

	if err := e.acquire(req.Coid); err != nil {
		return nil, err
	}
	defer e.release(req.Coid)

	// A previously seen coid is answered from the book, never re-sent.
	existing, err := e.book.Get(ctx, req.Coid)
	if err != nil {
		return nil, fmt.Errorf("submit %s: failed to consult order book: %w", req.Coid, err)
	}
	if existing != nil {
		if existing.SubmissionUncertain {
			e.logger.Warn(ctx, "Submission outcome still unresolved; refusing to resubmit",
				map[string]interface{}{"coid": req.Coid})
			return existing, ports.ErrSubmissionUncertain
		}
		e.logger.Debug(ctx, "Duplicate submission served from order book",
			map[string]interface{}{"coid": req.Coid, "status": existing.Status})
		return existing, nil
	}

	ord, err := e.book.CreatePending(ctx, req.Coid, req.Symbol, req.Side, req.Qty, req.SL, req.TP)
	if err != nil {
		return nil, fmt.Errorf("submit %s: failed to create pending order: %w", req.Coid, err)
	}
	e.bus.Publish(ctx, domain.PendingCreated{
		Coid: ord.Coid, Symbol: ord.Symbol, Side: ord.Side, Qty: ord.Qty, Ts: time.Now().UTC(),
	})

	ack, err := e.broker.SubmitOrder(ctx, req)
	if err != nil {
		if errors.Is(err, ports.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			// The request may have reached the venue. Do not resend;
			// flag for reconciliation instead.
			if ferr := e.book.SetSubmissionUncertain(ctx, req.Coid, true); ferr != nil {
				e.logger.Error(ctx, ferr, "Failed to flag uncertain submission",
					map[string]interface{}{"coid": req.Coid})
			}
			e.logger.Warn(ctx, "Submission timed out; outcome deferred to reconciliation",
				map[string]interface{}{"coid": req.Coid, "symbol": req.Symbol})
			ord.SubmissionUncertain = true
			return ord, ports.ErrSubmissionUncertain
		}
		// Definite transport failure before the venue saw the order.
		rejected, merr := e.book.MarkRejected(ctx, req.Coid)
		if merr != nil {
			e.logger.Error(ctx, merr, "Failed to mark order rejected after submit error",
				map[string]interface{}{"coid": req.Coid})
			return ord, fmt.Errorf("submit %s: %w", req.Coid, err)
		}
		e.bus.Publish(ctx, domain.Rejected{
			Coid: req.Coid, Symbol: req.Symbol, Reason: err.Error(), Ts: time.Now().UTC(),
		})
		return rejected, fmt.Errorf("submit %s: %w", req.Coid, err)
	}

	if !ack.Accepted {
		rejected, merr := e.book.MarkRejected(ctx, req.Coid)
		if merr != nil {
			return ord, fmt.Errorf("submit %s: rejected by broker (%s) and book update failed: %w",
				req.Coid, ack.Reason, merr)
		}
		e.logger.Info(ctx, "Order rejected by broker",
			map[string]interface{}{"coid": req.Coid, "reason": ack.Reason})
		e.bus.Publish(ctx, domain.Rejected{
			Coid: req.Coid, Symbol: req.Symbol, Reason: ack.Reason, Ts: time.Now().UTC(),
		})
		return rejected, fmt.Errorf("submit %s: %s: %w", req.Coid, ack.Reason, ports.ErrOrderPlacementFailed)
	}

	accepted, err := e.book.UpsertOnAccept(ctx, req.Coid, ack.BrokerOrderID)
	if err != nil {
		return ord, fmt.Errorf("submit %s: accepted by broker but book update failed: %w", req.Coid, err)
	}
	e.logger.Info(ctx, "Order accepted",
		map[string]interface{}{"coid": req.Coid, "brokerOrderID": ack.BrokerOrderID, "symbol": req.Symbol})
	e.bus.Publish(ctx, domain.PendingActivated{
		Coid: req.Coid, Symbol: req.Symbol, BrokerOrderID: ack.BrokerOrderID, Ts: time.Now().UTC(),
	})
	return accepted, nil
}

// Cancel requests cancellation of an active order. Fills always win over
// cancels: the order is only marked CANCELLED after the broker confirms, and
// a fill arriving first leaves the order FILLED with the cancel a no-op.
func (e *Executor) Cancel(ctx context.Context, coid string) (*domain.Order, error) {
	ord, err := e.book.Get(ctx, coid)
	if err != nil {
		return nil, fmt.Errorf("cancel %s: failed to consult order book: %w", coid, err)
	}
	if ord == nil {
		return nil, fmt.Errorf("cancel %s: %w", coid, ports.ErrUnknownCoid)
	}
	if ord.Status.IsTerminal() {
		// Already done; nothing to cancel.
		return ord, nil
	}
	if ord.BrokerOrderID == nil {
		// Never acknowledged by the broker. If the submission is uncertain the
		// reconciler owns the outcome; otherwise the order can die locally.
		if ord.SubmissionUncertain {
			return ord, fmt.Errorf("cancel %s: %w", coid, ports.ErrSubmissionUncertain)
		}
		cancelled, err := e.book.MarkCancelled(ctx, coid)
		if err != nil {
			return nil, fmt.Errorf("cancel %s: %w", coid, err)
		}
		e.bus.Publish(ctx, domain.Cancelled{Coid: coid, Symbol: ord.Symbol, Ts: time.Now().UTC()})
		return cancelled, nil
	}

	ok, err := e.broker.Cancel(ctx, ord.Symbol, *ord.BrokerOrderID)
	if err != nil {
		if errors.Is(err, ports.ErrOrderNotFound) {
			// Gone at the broker: either it filled (the reconciler will find
			// the deal) or it vanished. Leave the status to reconciliation.
			e.logger.Warn(ctx, "Cancel target not found at broker; deferring to reconciliation",
				map[string]interface{}{"coid": coid})
			return ord, nil
		}
		return nil, fmt.Errorf("cancel %s: %w", coid, err)
	}
	if !ok {
		// The broker declined, typically because the order just filled.
		e.logger.Info(ctx, "Broker declined cancellation",
			map[string]interface{}{"coid": coid})
		return ord, nil
	}

	cancelled, err := e.book.MarkCancelled(ctx, coid)
	if err != nil {
		if errors.Is(err, ports.ErrTerminalState) {
			// A fill landed between the broker call and the book update.
			final, gerr := e.book.Get(ctx, coid)
			if gerr == nil && final != nil {
				return final, nil
			}
		}
		return nil, fmt.Errorf("cancel %s: %w", coid, err)
	}
	e.bus.Publish(ctx, domain.Cancelled{Coid: coid, Symbol: ord.Symbol, Ts: time.Now().UTC()})
	return cancelled, nil
}

func (e *Executor) acquire(coid string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[coid]; busy {
		return fmt.Errorf("submit %s: %w", coid, ports.ErrSubmissionInFlight)
	}
	e.inflight[coid] = struct{}{}
	return nil
}

func (e *Executor) release(coid string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, coid)
}
