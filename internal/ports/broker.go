package ports

import (
	"context"
	"time"

	"fxPilot/internal/domain"
)

// OrderRequest carries everything the broker needs to place an order. The
// Coid doubles as the correlation tag: gateways must transmit it so that
// deals discovered later in the trade history can be tied back to it.
type OrderRequest struct {
	Coid   string
	Symbol string
	Side   domain.OrderSide
	Qty    float64
	SL     *float64
	TP     *float64
}

// OrderAck is the broker's synchronous answer to a submission.
type OrderAck struct {
	Accepted      bool
	BrokerOrderID string
	AvgPrice      float64 // Average fill price when the venue fills synchronously, else 0
	Reason        string  // Rejection reason when not accepted
}

// BrokerGateway defines the contract for interacting with a brokerage venue.
// Core logic depends only on this interface; one concrete implementation
// exists per venue.
type BrokerGateway interface {
	// SubmitOrder transmits an order to the broker. Implementations must
	// embed req.Coid as the client order id / correlation tag.
	SubmitOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)

	// Cancel requests cancellation of a broker-side order. Cancellation is
	// cooperative: the broker may still fill the order before honouring it.
	Cancel(ctx context.Context, symbol, brokerOrderID string) (bool, error)

	// Positions returns the broker's view of open exposure for a symbol
	// (all symbols when symbol is empty).
	Positions(ctx context.Context, symbol string) ([]domain.Lot, error)

	// HistoryDeals returns executed deals for the symbol since the given
	// time, including the correlation tag for each deal where available.
	HistoryDeals(ctx context.Context, symbol string, since time.Time) ([]domain.Deal, error)
}
