package domain

import "time"

// Order is the authoritative record of a single order through its lifecycle.
// The coid (client order id) is caller-generated, globally unique and
// immutable; BrokerOrderID is nil until the broker acknowledges.
type Order struct {
	Coid          string      // Client order id (primary key)
	Symbol        string      // Trading symbol (e.g., "XAUUSD")
	Side          OrderSide   // BUY or SELL
	Qty           float64     // Requested quantity in lots
	FilledQty     float64     // Sum of recorded fill quantities
	AvgFillPrice  float64     // Quantity-weighted mean of all recorded fills
	BrokerOrderID *string     // Broker-assigned id (nil until acked)
	Status        OrderStatus // Current lifecycle status
	SL            *float64    // Stop loss price (optional)
	TP            *float64    // Take profit price (optional)

	// SubmissionUncertain is set when a submit attempt timed out before an
	// ack arrived. Such orders are never re-submitted; reconciliation
	// resolves them via the correlation tag.
	SubmissionUncertain bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RemainingQty returns the unfilled quantity, floored at zero.
func (o *Order) RemainingQty() float64 {
	rem := o.Qty - o.FilledQty
	if rem < 0 {
		return 0
	}
	return rem
}

// IsFullyFilled checks the fill quantity against the order quantity within
// the standard tolerance.
func (o *Order) IsFullyFilled() bool {
	return o.FilledQty >= o.Qty-QtyEpsilon
}

// IsActive reports whether the order is still in a non-terminal state.
func (o *Order) IsActive() bool {
	return !o.Status.IsTerminal()
}

// Fill is a single matched execution against an order. DealID is the
// broker's deal identifier and is unique across all fills; replayed deals
// are detected through it.
type Fill struct {
	ID     int64
	Coid   string
	Qty    float64
	Price  float64
	Ts     time.Time
	DealID string
}

// Deal is one execution record from the broker's trade history. The
// correlation tag carries the coid echoed back by the broker and is how
// reconciliation ties broker-side activity to local orders.
type Deal struct {
	ID             string
	OrderID        string // Broker order id the deal executed against
	Symbol         string
	Side           OrderSide
	Qty            float64
	Price          float64
	Ts             time.Time
	CorrelationTag string
}
