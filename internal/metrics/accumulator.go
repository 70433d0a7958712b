package metrics

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Accumulator slots. The layout is shared by every worker so a single
// all-reduce covers all of them.
const (
	SlotLoss = iota
	SlotRewardsChosen
	SlotRewardsRejected
	SlotRewardsAverage
	SlotRewardsAccuracy
	SlotRewardsMargin
	SlotLogpsChosen
	SlotLogpsRejected

	SlotAuxLoss = 19
	Width       = 20
)

// Reducer averages a vector across workers in place.
type Reducer interface {
	AllReduceMean(ctx context.Context, vec []float64) error
}

// Accumulator sums per-micro-batch scalars between logging intervals.
type Accumulator struct {
	sums []float64
}

func NewAccumulator() *Accumulator {
	return &Accumulator{sums: make([]float64, Width)}
}

// Add adds x to slot.
func (a *Accumulator) Add(slot int, x float64) {
	a.sums[slot] += x
}

// Snapshot returns a copy of the current sums.
func (a *Accumulator) Snapshot() []float64 {
	out := make([]float64, len(a.sums))
	copy(out, a.sums)
	return out
}

// Reset zeroes every slot.
func (a *Accumulator) Reset() {
	clear(a.sums)
}

// Flush reduces the sums across the group with a single collective, divides
// by divisor (gradient accumulation steps x logging interval) and resets.
// Every worker must call Flush at the same step.
func (a *Accumulator) Flush(ctx context.Context, r Reducer, divisor float64) ([]float64, error) {
	if divisor <= 0 {
		return nil, fmt.Errorf("invalid metric divisor: %v", divisor)
	}
	global := a.Snapshot()
	if r != nil {
		if err := r.AllReduceMean(ctx, global); err != nil {
			return nil, fmt.Errorf("failed to reduce metrics: %w", err)
		}
	}
	floats.Scale(1/divisor, global)
	a.Reset()
	return global, nil
}
