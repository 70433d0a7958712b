package policy

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-tuner/internal/data"
	"github.com/23skdu/longbow-tuner/internal/distributed"
)

var _ Policy = (*Unigram)(nil)
var _ AdapterToggler = (*Unigram)(nil)

func testBatch() data.Batch {
	return data.Batch{Examples: []data.Example{
		{
			ChosenInputIDs:   []int{0, 1, 2},
			ChosenLabels:     []int{data.IgnoreIndex, 1, 2},
			RejectedInputIDs: []int{0, 3, 3},
			RejectedLabels:   []int{data.IgnoreIndex, 3, 3},
		},
	}}
}

func TestUnigram_ForwardNormalized(t *testing.T) {
	u, err := NewUnigram([]float64{0, 0, 0, 0}, 0, nil)
	require.NoError(t, err)

	out, err := u.Forward(context.Background(), testBatch(), ForwardOptions{})
	require.NoError(t, err)
	assert.InDelta(t, 2*math.Log(0.25), out.Chosen[0], 1e-12)
	assert.Equal(t, []int{2}, out.ChosenTokens)

	avg, err := u.Forward(context.Background(), testBatch(), ForwardOptions{AverageLogProb: true})
	require.NoError(t, err)
	assert.InDelta(t, math.Log(0.25), avg.Rejected[0], 1e-12)
}

func TestUnigram_BackwardMatchesFiniteDifferences(t *testing.T) {
	ctx := context.Background()
	for _, average := range []bool{false, true} {
		u, err := NewUnigram([]float64{0.3, -0.2, 0.1, 0.5, -1}, 0, nil)
		require.NoError(t, err)
		u.adapter = []float64{0.1, 0.2, -0.3, 0, 0.05}
		opts := ForwardOptions{AverageLogProb: average}

		// objective = 1.5*chosen - 0.5*rejected
		require.NoError(t, u.Backward(ctx, testBatch(), opts, Gradient{Chosen: []float64{1.5}, Rejected: []float64{-0.5}}))
		analytic := u.Grad()

		objective := func() float64 {
			out, err := u.Forward(ctx, testBatch(), opts)
			require.NoError(t, err)
			return 1.5*out.Chosen[0] - 0.5*out.Rejected[0]
		}
		const h = 1e-6
		for k := range u.adapter {
			orig := u.adapter[k]
			u.adapter[k] = orig + h
			plus := objective()
			u.adapter[k] = orig - h
			minus := objective()
			u.adapter[k] = orig
			assert.InDelta(t, (plus-minus)/(2*h), analytic[k], 1e-6, "k=%d average=%v", k, average)
		}
	}
}

func TestUnigram_DisableAdaptersRestores(t *testing.T) {
	u, err := NewUnigram([]float64{0, 0}, 0, nil)
	require.NoError(t, err)
	u.adapter = []float64{2, 0}
	batch := data.Batch{Examples: []data.Example{{
		ChosenInputIDs:   []int{0},
		ChosenLabels:     []int{0},
		RejectedInputIDs: []int{1},
		RejectedLabels:   []int{1},
	}}}

	withAdapter, err := u.Forward(context.Background(), batch, ForwardOptions{})
	require.NoError(t, err)

	restore := u.DisableAdapters()
	base, err := u.Forward(context.Background(), batch, ForwardOptions{NoGrad: true})
	require.NoError(t, err)
	restore()

	again, err := u.Forward(context.Background(), batch, ForwardOptions{})
	require.NoError(t, err)
	assert.InDelta(t, math.Log(0.5), base.Chosen[0], 1e-12)
	assert.Equal(t, withAdapter, again)
	assert.NotEqual(t, withAdapter.Chosen[0], base.Chosen[0])
}

func TestUnigram_BackwardRejectsNoGrad(t *testing.T) {
	u, err := NewUnigram([]float64{0, 0, 0, 0}, 0, nil)
	require.NoError(t, err)
	err = u.Backward(context.Background(), testBatch(), ForwardOptions{NoGrad: true}, Gradient{Chosen: []float64{1}, Rejected: []float64{1}})
	assert.Error(t, err)
}

func TestUnigram_GradientsAveragedAcrossWorkers(t *testing.T) {
	adapters := make([][]float64, 2)
	err := distributed.RunLocal(context.Background(), 2, time.Second, func(ctx context.Context, g distributed.Group) error {
		u, err := NewUnigram([]float64{0, 0, 0, 0}, 0, g)
		if err != nil {
			return err
		}
		// Each worker sees a different gradient.
		sign := float64(1 - 2*g.Rank())
		if err := u.Backward(ctx, testBatch(), ForwardOptions{}, Gradient{Chosen: []float64{sign}, Rejected: []float64{0}}); err != nil {
			return err
		}
		if _, err := u.ClipGradNorm(ctx, 1); err != nil {
			return err
		}
		if err := u.Step(ctx, 0.1); err != nil {
			return err
		}
		adapters[g.Rank()] = u.Adapter()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, adapters[0], adapters[1])
}

func TestUnigram_SaveLoadState(t *testing.T) {
	dir := t.TempDir()
	u, err := NewUnigram([]float64{0.1, 0.2, 0.3, 0.4}, 0.01, nil)
	require.NoError(t, err)
	require.NoError(t, u.Backward(context.Background(), testBatch(), ForwardOptions{}, Gradient{Chosen: []float64{-1}, Rejected: []float64{1}}))
	require.NoError(t, u.Step(context.Background(), 0.05))
	require.NoError(t, u.SaveState(dir, 1))

	restored, err := NewUnigram([]float64{0, 0, 0, 0}, 0.01, nil)
	require.NoError(t, err)
	require.NoError(t, restored.LoadState(dir, 1))
	assert.Equal(t, u.Adapter(), restored.Adapter())
	assert.Equal(t, u.opt.T, restored.opt.T)

	small, err := NewUnigram([]float64{0}, 0, nil)
	require.NoError(t, err)
	assert.Error(t, small.LoadState(dir, 1))
	assert.Error(t, small.LoadState(dir, 0))
}

func TestAdamW_MinimizesQuadratic(t *testing.T) {
	p := []float64{3, -2}
	opt := NewAdamW(2, 0)
	for i := 0; i < 2000; i++ {
		g := []float64{2 * p[0], 2 * p[1]}
		opt.Update(p, g, 0.01)
	}
	assert.InDelta(t, 0, p[0], 5e-2)
	assert.InDelta(t, 0, p[1], 5e-2)
}

func TestScheduler(t *testing.T) {
	s, err := NewScheduler("linear", 1.0, 10, 0.2)
	require.NoError(t, err)
	assert.Equal(t, 0.0, s.LR())
	s.Step()
	assert.InDelta(t, 0.5, s.LR(), 1e-12)
	s.SetStep(2)
	assert.InDelta(t, 1.0, s.LR(), 1e-12)
	s.SetStep(6)
	assert.InDelta(t, 0.5, s.LR(), 1e-12)
	s.SetStep(10)
	assert.InDelta(t, 0.0, s.LR(), 1e-12)

	c, err := NewScheduler("cosine", 2.0, 10, 0)
	require.NoError(t, err)
	c.SetStep(5)
	assert.InDelta(t, 1.0, c.LR(), 1e-12)

	k, err := NewScheduler("constant", 3.0, 10, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 3.0, k.LR())

	w, err := NewScheduler("constant_with_warmup", 4.0, 10, 0.5)
	require.NoError(t, err)
	w.SetStep(1)
	assert.InDelta(t, 0.8, w.LR(), 1e-12)
	w.SetStep(7)
	assert.Equal(t, 4.0, w.LR())

	_, err = NewScheduler("polynomial", 1, 10, 0)
	assert.Error(t, err)
	_, err = NewScheduler("linear", 1, 0, 0)
	assert.Error(t, err)
}
