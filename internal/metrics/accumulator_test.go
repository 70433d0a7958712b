package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type halvingReducer struct{}

func (halvingReducer) AllReduceMean(_ context.Context, vec []float64) error {
	// Pretend a peer contributed zeros.
	for i := range vec {
		vec[i] /= 2
	}
	return nil
}

type failingReducer struct{}

func (failingReducer) AllReduceMean(context.Context, []float64) error {
	return errors.New("peer lost")
}

func TestAccumulator_ConstantLossNormalizesToItself(t *testing.T) {
	const (
		loss          = 0.6931
		gradAccum     = 4
		loggingSteps  = 3
		accumulations = gradAccum * loggingSteps
	)
	acc := NewAccumulator()
	for i := 0; i < accumulations; i++ {
		acc.Add(SlotLoss, loss)
	}

	out, err := acc.Flush(context.Background(), nil, float64(gradAccum*loggingSteps))
	require.NoError(t, err)
	assert.InDelta(t, loss, out[SlotLoss], 1e-9)

	// Flushed accumulators restart from zero.
	for _, v := range acc.Snapshot() {
		assert.Zero(t, v)
	}
}

func TestAccumulator_FlushUsesReducer(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(SlotAuxLoss, 8)
	out, err := acc.Flush(context.Background(), halvingReducer{}, 2)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, out[SlotAuxLoss], 1e-12)
	assert.Len(t, out, Width)
}

func TestAccumulator_FlushErrors(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(SlotLoss, 1)

	_, err := acc.Flush(context.Background(), nil, 0)
	assert.Error(t, err)

	_, err = acc.Flush(context.Background(), failingReducer{}, 1)
	assert.Error(t, err)
}
