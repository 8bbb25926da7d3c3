package domain

import "time"

// EventKind identifies one of the closed set of lifecycle event variants.
type EventKind string

const (
	EvPendingCreated   EventKind = "PENDING_CREATED"
	EvPendingActivated EventKind = "PENDING_ACTIVATED"
	EvPartiallyFilled  EventKind = "PARTIALLY_FILLED"
	EvFilled           EventKind = "FILLED"
	EvCancelled        EventKind = "CANCELLED"
	EvRejected         EventKind = "REJECTED"
	EvStopUpdated      EventKind = "STOP_UPDATED"
	EvTradeClosed      EventKind = "TRADE_CLOSED"
	EvTradeBlocked     EventKind = "TRADE_BLOCKED"
)

// Event is an immutable lifecycle notification. Events are the only channel
// through which the core communicates with surrounding layers (alerting,
// audit, UI); the core never imports those layers.
type Event interface {
	Kind() EventKind
	OccurredAt() time.Time
}

// PendingCreated is emitted when a new order enters the book as PENDING.
type PendingCreated struct {
	Coid   string
	Symbol string
	Side   OrderSide
	Qty    float64
	Ts     time.Time
}

func (e PendingCreated) Kind() EventKind       { return EvPendingCreated }
func (e PendingCreated) OccurredAt() time.Time { return e.Ts }

// PendingActivated is emitted when the broker acknowledges an order with a
// broker order id, either synchronously or discovered by reconciliation.
type PendingActivated struct {
	Coid          string
	Symbol        string
	BrokerOrderID string
	Ts            time.Time
}

func (e PendingActivated) Kind() EventKind       { return EvPendingActivated }
func (e PendingActivated) OccurredAt() time.Time { return e.Ts }

// PartiallyFilled is emitted for each fill that leaves the order short of
// its full quantity.
type PartiallyFilled struct {
	Coid         string
	Symbol       string
	DealID       string
	FillQty      float64
	FillPrice    float64
	FilledQty    float64
	AvgFillPrice float64
	Ts           time.Time
}

func (e PartiallyFilled) Kind() EventKind       { return EvPartiallyFilled }
func (e PartiallyFilled) OccurredAt() time.Time { return e.Ts }

// Filled is emitted when the final fill completes the order.
type Filled struct {
	Coid         string
	Symbol       string
	Qty          float64
	AvgFillPrice float64
	Ts           time.Time
}

func (e Filled) Kind() EventKind       { return EvFilled }
func (e Filled) OccurredAt() time.Time { return e.Ts }

// Cancelled is emitted on explicit cancellation or when reconciliation
// detects broker-side disappearance without a fill.
type Cancelled struct {
	Coid   string
	Symbol string
	Ts     time.Time
}

func (e Cancelled) Kind() EventKind       { return EvCancelled }
func (e Cancelled) OccurredAt() time.Time { return e.Ts }

// Rejected is emitted when the broker refuses an order before any fill.
type Rejected struct {
	Coid   string
	Symbol string
	Reason string
	Ts     time.Time
}

func (e Rejected) Kind() EventKind       { return EvRejected }
func (e Rejected) OccurredAt() time.Time { return e.Ts }

// StopUpdated is emitted when protective levels move (trailing/breakeven).
type StopUpdated struct {
	LotID  string
	Symbol string
	SL     *float64
	TP     *float64
	Reason string // "trailing" or "breakeven"
	Ts     time.Time
}

func (e StopUpdated) Kind() EventKind       { return EvStopUpdated }
func (e StopUpdated) OccurredAt() time.Time { return e.Ts }

// TradeClosed is emitted when a position is closed with a realized PnL;
// consumed by the risk governor.
type TradeClosed struct {
	Coid       string
	Symbol     string
	PnL        float64
	ClosePrice float64
	Ts         time.Time
}

func (e TradeClosed) Kind() EventKind       { return EvTradeClosed }
func (e TradeClosed) OccurredAt() time.Time { return e.Ts }

// TradeBlocked is emitted whenever the risk governor denies a trade; Reason
// carries the machine-readable reason code.
type TradeBlocked struct {
	Symbol string
	Reason string
	Ts     time.Time
}

func (e TradeBlocked) Kind() EventKind       { return EvTradeBlocked }
func (e TradeBlocked) OccurredAt() time.Time { return e.Ts }
