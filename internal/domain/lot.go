package domain

import "time"

// Lot is one open slice of exposure for a symbol: the unit the netting
// aggregator reduces and the trailing manager protects. Derived from
// broker positions or accumulated fills, never stored directly.
type Lot struct {
	ID         string    // Broker position ticket or synthetic id
	Symbol     string    // Trading symbol
	Side       OrderSide // Direction of the exposure
	Qty        float64   // Remaining open quantity
	EntryPrice float64   // Average entry price of the lot
	OpenTime   time.Time // When the lot was opened (drives FIFO/LIFO)
	SL         *float64  // Current protective stop, if any
	TP         *float64  // Current take profit, if any
}

// IsLong reports whether the lot is BUY-side exposure.
func (l *Lot) IsLong() bool {
	return l.Side == Buy
}
