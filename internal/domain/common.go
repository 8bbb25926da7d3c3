package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Opposite returns the opposing side.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderStatus represents the lifecycle status of an order.
// Status only moves forward through the state machine; terminal
// states are final.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusAccepted  OrderStatus = "ACCEPTED"
	StatusPartial   OrderStatus = "PARTIAL"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
)

// IsTerminal reports whether the status permits no further mutation.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// rank orders the non-terminal progression PENDING → ACCEPTED → PARTIAL.
func (s OrderStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusAccepted:
		return 1
	case StatusPartial:
		return 2
	default:
		return 3
	}
}

// CanAdvanceTo reports whether a transition from s to next is a legal
// forward move in the state machine.
func (s OrderStatus) CanAdvanceTo(next OrderStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == s {
		// PARTIAL → PARTIAL is the only legal self-transition
		// (each additional partial fill).
		return s == StatusPartial
	}
	return next.rank() > s.rank()
}

// QtyEpsilon is the tolerance used for quantity comparisons: an order is
// considered fully filled when filled_qty >= qty - QtyEpsilon, and a fill
// pushing filled_qty past qty + QtyEpsilon is rejected as an over-fill.
const QtyEpsilon = 1e-6
