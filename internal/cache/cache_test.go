package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-tuner/internal/data"
	"github.com/23skdu/longbow-tuner/internal/policy"
)

func TestMemoryStore(t *testing.T) {
	c := NewMemoryStore()
	in := Entry{Chosen: []float64{-1, -2}, Rejected: []float64{-3, -4}}
	require.NoError(t, c.Put(0, 3, in))

	// Mutating the caller's slice must not leak into the cache.
	in.Chosen[0] = 99
	got, err := c.Get(0, 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{-1, -2}, got.Chosen)

	got.Rejected[0] = 42
	again, err := c.Get(0, 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{-3, -4}, again.Rejected)

	_, err = c.Get(1, 3)
	assert.ErrorIs(t, err, ErrMiss)
	assert.Equal(t, 1, c.Len())

	require.NoError(t, c.Seal(0))
	assert.Error(t, c.Put(0, 4, in))
}

func TestArrowStore_SpillsSealedEpochs(t *testing.T) {
	dir := t.TempDir()
	s, err := NewArrowStore(dir, nil)
	require.NoError(t, err)

	for epoch := 0; epoch < 2; epoch++ {
		for step := 2; step < 5; step++ {
			e := Entry{
				Chosen:   []float64{float64(epoch), float64(step)},
				Rejected: []float64{-float64(step)},
			}
			require.NoError(t, s.Put(epoch, step, e))
		}
	}
	// Open epochs are served from memory.
	got, err := s.Get(1, 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 3}, got.Chosen)

	require.NoError(t, s.Seal(0))
	require.NoError(t, s.Seal(1))
	assert.FileExists(t, filepath.Join(dir, EpochFile(0)))
	assert.FileExists(t, filepath.Join(dir, EpochFile(1)))
	assert.Equal(t, 6, s.Len())

	got, err = s.Get(0, 4)
	require.NoError(t, err)
	assert.Equal(t, Entry{Chosen: []float64{0, 4}, Rejected: []float64{-4}}, got)

	got, err = s.Get(1, 2)
	require.NoError(t, err)
	assert.Equal(t, Entry{Chosen: []float64{1, 2}, Rejected: []float64{-2}}, got)

	_, err = s.Get(1, 0)
	assert.ErrorIs(t, err, ErrMiss)
	assert.Error(t, s.Put(1, 9, got))

	require.NoError(t, s.Close())
	_, err = os.Stat(filepath.Join(dir, EpochFile(0)))
	assert.True(t, os.IsNotExist(err))
}

type mockPolicy struct {
	mock.Mock
	disabled bool
}

func (m *mockPolicy) Forward(ctx context.Context, batch data.Batch, opts policy.ForwardOptions) (policy.Output, error) {
	args := m.Called(opts, m.disabled)
	out := policy.Output{}
	for _, ex := range batch.Examples {
		out.Chosen = append(out.Chosen, float64(ex.ChosenLabels[0]))
		out.Rejected = append(out.Rejected, float64(ex.RejectedLabels[0]))
	}
	return out, args.Error(0)
}

func (m *mockPolicy) Backward(context.Context, data.Batch, policy.ForwardOptions, policy.Gradient) error {
	return errors.New("unexpected backward")
}

func (m *mockPolicy) ClipGradNorm(context.Context, float64) (float64, error) {
	return 0, nil
}

func (m *mockPolicy) Step(context.Context, float64) error {
	return nil
}

func (m *mockPolicy) ZeroGrad() {}

func (m *mockPolicy) SaveState(string, int) error {
	return nil
}

func (m *mockPolicy) LoadState(string, int) error {
	return nil
}

func (m *mockPolicy) DisableAdapters() func() {
	m.disabled = true
	return func() { m.disabled = false }
}

func makeExamples(n int) []data.Example {
	out := make([]data.Example, n)
	for i := range out {
		out[i] = data.Example{
			ChosenInputIDs:   []int{i},
			ChosenLabels:     []int{i},
			RejectedInputIDs: []int{i + 100},
			RejectedLabels:   []int{i + 100},
		}
	}
	return out
}

func TestBuilder_AlignsWithTrainingPass(t *testing.T) {
	l, err := data.NewLoader(makeExamples(12), 2, 5, 0, 1, true)
	require.NoError(t, err)
	r := data.NewResumable(l, 1, 2)

	p := &mockPolicy{}
	opts := policy.ForwardOptions{AverageLogProb: true, NoGrad: true}
	// Every reference forward runs with adapters disabled.
	p.On("Forward", opts, true).Return(nil)

	store := NewMemoryStore()
	b := &Builder{Policy: p, Store: store, AverageLogProb: true, DisableAdapters: true}
	require.NoError(t, b.Build(context.Background(), r, 1, 3))

	assert.False(t, p.disabled, "adapters must be restored")
	assert.True(t, r.Pending(), "caching must not consume the resume skip")
	// Epoch 1 skips two of six batches, epoch 2 is full.
	assert.Equal(t, 4+6, store.Len())
	p.AssertNumberOfCalls(t, "Forward", 10)

	for epoch := 1; epoch < 3; epoch++ {
		it := r.Epoch(epoch)
		for {
			batch, step, ok := it.Next()
			if !ok {
				break
			}
			e, err := store.Get(epoch, step)
			require.NoError(t, err)
			for i, ex := range batch.Examples {
				assert.Equal(t, float64(ex.ChosenLabels[0]), e.Chosen[i])
				assert.Equal(t, float64(ex.RejectedLabels[0]), e.Rejected[i])
			}
		}
	}
}

func TestBuilder_RestoresAdaptersOnError(t *testing.T) {
	l, err := data.NewLoader(makeExamples(4), 2, 0, 0, 1, false)
	require.NoError(t, err)

	p := &mockPolicy{}
	p.On("Forward", mock.Anything, true).Return(errors.New("device lost"))

	b := &Builder{Policy: p, Store: NewMemoryStore(), DisableAdapters: true}
	err = b.Build(context.Background(), data.NewResumable(l, 0, 0), 0, 1)
	assert.ErrorContains(t, err, "device lost")
	assert.False(t, p.disabled)
}
