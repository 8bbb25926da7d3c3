package netting

import (
	"fmt"
	"math"
	"sort"

	"fxPilot/internal/domain"
	"fxPilot/internal/ports"
)

// NettingMode controls how an incoming order interacts with opposite-side
// exposure on the same symbol.
type NettingMode string

const (
	// ModeNetting reduces opposite exposure before opening new exposure.
	ModeNetting NettingMode = "NETTING"
	// ModeHedging opens independent lots; opposite exposure coexists.
	ModeHedging NettingMode = "HEDGING"
)

// ParseNettingMode validates a mode string from configuration.
func ParseNettingMode(s string) (NettingMode, error) {
	switch NettingMode(s) {
	case ModeNetting, ModeHedging:
		return NettingMode(s), nil
	}
	return "", fmt.Errorf("unknown netting mode %q: %w", s, ports.ErrConfigurationError)
}

// ReduceRule selects which lots absorb a reduction in netting mode.
type ReduceRule string

const (
	ReduceFIFO         ReduceRule = "FIFO"
	ReduceLIFO         ReduceRule = "LIFO"
	ReduceProportional ReduceRule = "PROPORTIONAL"
)

// ParseReduceRule validates a reduce rule string from configuration.
func ParseReduceRule(s string) (ReduceRule, error) {
	switch ReduceRule(s) {
	case ReduceFIFO, ReduceLIFO, ReduceProportional:
		return ReduceRule(s), nil
	}
	return "", fmt.Errorf("unknown reduce rule %q: %w", s, ports.ErrConfigurationError)
}

// CloseAction instructs the caller to close Qty of the identified lot.
type CloseAction struct {
	LotID string
	Qty   float64
}

// Plan is the aggregator's answer for one incoming order: which existing
// lots to reduce and how much quantity remains to open as new exposure.
type Plan struct {
	Actions  []CloseAction
	Residual float64
}

// Aggregator computes close/open plans for incoming orders against the
// current set of open lots. It is pure: it never talks to the broker, and
// callers execute the plan.
type Aggregator struct {
	mode       NettingMode
	rule       ReduceRule
	volumeStep float64
}

// New creates an Aggregator. volumeStep is the venue's minimum quantity
// increment; proportional reductions are quantized to it.
func New(mode NettingMode, rule ReduceRule, volumeStep float64) (*Aggregator, error) {
	if volumeStep <= 0 {
		return nil, fmt.Errorf("volume step %f must be positive: %w", volumeStep, ports.ErrConfigurationError)
	}
	return &Aggregator{mode: mode, rule: rule, volumeStep: volumeStep}, nil
}

// PlanOrder decides how an order of (side, qty) interacts with the open
// lots of its symbol. In hedging mode the full quantity opens as new
// exposure. In netting mode opposite-side lots are reduced first according
// to the reduce rule; whatever quantity they cannot absorb is the residual.
func (a *Aggregator) PlanOrder(side domain.OrderSide, qty float64, lots []domain.Lot) (*Plan, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("plan quantity %f must be positive: %w", qty, ports.ErrInvalidRequest)
	}

	if a.mode == ModeHedging {
		return &Plan{Residual: qty}, nil
	}

	opposite := make([]domain.Lot, 0, len(lots))
	for _, lot := range lots {
		if lot.Side == side.Opposite() && lot.Qty > domain.QtyEpsilon {
			opposite = append(opposite, lot)
		}
	}
	if len(opposite) == 0 {
		return &Plan{Residual: qty}, nil
	}

	switch a.rule {
	case ReduceLIFO:
		sort.Slice(opposite, func(i, j int) bool { return opposite[i].OpenTime.After(opposite[j].OpenTime) })
		return a.sequentialPlan(qty, opposite), nil
	case ReduceProportional:
		return a.proportionalPlan(qty, opposite), nil
	default: // FIFO
		sort.Slice(opposite, func(i, j int) bool { return opposite[i].OpenTime.Before(opposite[j].OpenTime) })
		return a.sequentialPlan(qty, opposite), nil
	}
}

// sequentialPlan consumes lots in the given order until the quantity is
// absorbed or lots run out.
func (a *Aggregator) sequentialPlan(qty float64, lots []domain.Lot) *Plan {
	plan := &Plan{}
	remaining := qty
	for _, lot := range lots {
		if remaining <= domain.QtyEpsilon {
			break
		}
		take := math.Min(remaining, lot.Qty)
		plan.Actions = append(plan.Actions, CloseAction{LotID: lot.ID, Qty: take})
		remaining -= take
	}
	if remaining > domain.QtyEpsilon {
		plan.Residual = remaining
	}
	return plan
}

// proportionalPlan spreads the reduction across all opposite lots in
// proportion to their size. Shares are quantized to the volume step and any
// rounding remainder is assigned to the largest lot so the total reduction
// is exact.
func (a *Aggregator) proportionalPlan(qty float64, lots []domain.Lot) *Plan {
	plan := &Plan{}

	total := 0.0
	for _, lot := range lots {
		total += lot.Qty
	}
	reduce := math.Min(qty, total)
	if qty-reduce > domain.QtyEpsilon {
		plan.Residual = qty - reduce
	}
	if reduce <= domain.QtyEpsilon {
		plan.Residual = qty
		return plan
	}

	largest := 0
	for i, lot := range lots {
		if lot.Qty > lots[largest].Qty {
			largest = i
		}
	}

	shares := make([]float64, len(lots))
	assigned := 0.0
	for i, lot := range lots {
		share := a.quantize(reduce * lot.Qty / total)
		share = math.Min(share, lot.Qty)
		shares[i] = share
		assigned += share
	}
	// Rounding remainder lands on the largest lot, capped at its size.
	remainder := reduce - assigned
	if math.Abs(remainder) > domain.QtyEpsilon {
		shares[largest] = math.Min(shares[largest]+remainder, lots[largest].Qty)
	}

	for i, lot := range lots {
		if shares[i] > domain.QtyEpsilon {
			plan.Actions = append(plan.Actions, CloseAction{LotID: lot.ID, Qty: shares[i]})
		}
	}
	return plan
}

// quantize rounds a quantity down to the nearest volume step.
func (a *Aggregator) quantize(qty float64) float64 {
	steps := math.Floor(qty/a.volumeStep + 1e-9)
	return steps * a.volumeStep
}

// NetExposure returns the signed net quantity across the lots: positive
// for net long, negative for net short.
func NetExposure(lots []domain.Lot) float64 {
	net := 0.0
	for _, lot := range lots {
		if lot.IsLong() {
			net += lot.Qty
		} else {
			net -= lot.Qty
		}
	}
	return net
}
