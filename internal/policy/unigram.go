package policy

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"gonum.org/v1/gonum/floats"

	"github.com/23skdu/longbow-tuner/internal/data"
	"github.com/23skdu/longbow-tuner/internal/distributed"
)

// Unigram is a log-linear token model: logp(k) = logsoftmax(base + adapter)[k].
// The base vector is frozen, the adapter is the only trainable parameter.
// It is small enough to train on CPU and exercises every part of the
// training controller.
type Unigram struct {
	base    []float64
	adapter []float64
	grad    []float64
	opt     *AdamW
	group   distributed.Group

	disabled bool
	synced   bool
}

// NewUnigram builds a policy over base logits. A nil group means one worker.
func NewUnigram(base []float64, weightDecay float64, group distributed.Group) (*Unigram, error) {
	if len(base) == 0 {
		return nil, fmt.Errorf("unigram policy needs a non-empty vocabulary")
	}
	if group == nil {
		group = distributed.Single{}
	}
	n := len(base)
	return &Unigram{
		base:    append([]float64(nil), base...),
		adapter: make([]float64, n),
		grad:    make([]float64, n),
		opt:     NewAdamW(n, weightDecay),
		group:   group,
	}, nil
}

// VocabSize returns the number of tokens the policy scores.
func (u *Unigram) VocabSize() int { return len(u.base) }

// Adapter returns a copy of the trainable parameters.
func (u *Unigram) Adapter() []float64 { return append([]float64(nil), u.adapter...) }

// Grad returns a copy of the accumulated gradient.
func (u *Unigram) Grad() []float64 { return append([]float64(nil), u.grad...) }

// DisableAdapters implements AdapterToggler.
func (u *Unigram) DisableAdapters() func() {
	prev := u.disabled
	u.disabled = true
	return func() { u.disabled = prev }
}

func (u *Unigram) logProbs() []float64 {
	lp := make([]float64, len(u.base))
	copy(lp, u.base)
	if !u.disabled {
		floats.Add(lp, u.adapter)
	}
	floats.AddConst(-floats.LogSumExp(lp), lp)
	return lp
}

func (u *Unigram) sequence(lp []float64, labels []int, average bool) (float64, int, error) {
	var sum float64
	n := 0
	for _, tok := range labels {
		if tok == data.IgnoreIndex {
			continue
		}
		if tok < 0 || tok >= len(lp) {
			return 0, 0, fmt.Errorf("token %d outside vocabulary of %d", tok, len(lp))
		}
		sum += lp[tok]
		n++
	}
	if average && n > 0 {
		sum /= float64(n)
	}
	return sum, n, nil
}

// auxLoss stands in for a router load-balancing term: the mean squared
// adapter weight.
func (u *Unigram) auxLoss() float64 {
	return floats.Dot(u.adapter, u.adapter) / float64(len(u.adapter))
}

// Forward implements Policy.
func (u *Unigram) Forward(ctx context.Context, batch data.Batch, opts ForwardOptions) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	lp := u.logProbs()
	n := batch.Size()
	out := Output{
		Chosen:         make([]float64, n),
		Rejected:       make([]float64, n),
		ChosenTokens:   make([]int, n),
		RejectedTokens: make([]int, n),
	}
	for i, ex := range batch.Examples {
		var err error
		if out.Chosen[i], out.ChosenTokens[i], err = u.sequence(lp, ex.ChosenLabels, opts.AverageLogProb); err != nil {
			return Output{}, err
		}
		if out.Rejected[i], out.RejectedTokens[i], err = u.sequence(lp, ex.RejectedLabels, opts.AverageLogProb); err != nil {
			return Output{}, err
		}
	}
	if opts.OutputRouterLogits {
		out.AuxLoss = u.auxLoss()
	}
	return out, nil
}

// Backward implements Policy. d/d adapter[k] of a summed sequence log-prob
// is count(k) - n*p(k).
func (u *Unigram) Backward(ctx context.Context, batch data.Batch, opts ForwardOptions, grad Gradient) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if opts.NoGrad {
		return fmt.Errorf("backward called on a no-grad pass")
	}
	if len(grad.Chosen) != batch.Size() || len(grad.Rejected) != batch.Size() {
		return fmt.Errorf("gradient size mismatch: batch %d, got %d/%d", batch.Size(), len(grad.Chosen), len(grad.Rejected))
	}
	lp := u.logProbs()
	p := make([]float64, len(lp))
	for k, v := range lp {
		p[k] = math.Exp(v)
	}

	accumulate := func(labels []int, g float64) {
		n := data.ScoredTokens(labels)
		if n == 0 || g == 0 {
			return
		}
		scale := g
		if opts.AverageLogProb {
			scale /= float64(n)
		}
		for _, tok := range labels {
			if tok != data.IgnoreIndex {
				u.grad[tok] += scale
			}
		}
		floats.AddScaled(u.grad, -scale*float64(n), p)
	}
	for i, ex := range batch.Examples {
		accumulate(ex.ChosenLabels, grad.Chosen[i])
		accumulate(ex.RejectedLabels, grad.Rejected[i])
	}
	if grad.Aux != 0 {
		floats.AddScaled(u.grad, grad.Aux*2/float64(len(u.adapter)), u.adapter)
	}
	u.synced = false
	return nil
}

func (u *Unigram) syncGrad(ctx context.Context) error {
	if u.synced || u.group.Size() <= 1 {
		u.synced = true
		return nil
	}
	if err := u.group.AllReduceMean(ctx, u.grad); err != nil {
		return fmt.Errorf("failed to synchronize gradients: %w", err)
	}
	u.synced = true
	return nil
}

// ClipGradNorm implements Policy.
func (u *Unigram) ClipGradNorm(ctx context.Context, maxNorm float64) (float64, error) {
	if err := u.syncGrad(ctx); err != nil {
		return 0, err
	}
	norm := floats.Norm(u.grad, 2)
	if maxNorm > 0 && norm > maxNorm {
		floats.Scale(maxNorm/(norm+1e-6), u.grad)
	}
	return norm, nil
}

// Step implements Policy.
func (u *Unigram) Step(ctx context.Context, lr float64) error {
	if err := u.syncGrad(ctx); err != nil {
		return err
	}
	u.opt.Update(u.adapter, u.grad, lr)
	return nil
}

// ZeroGrad implements Policy.
func (u *Unigram) ZeroGrad() {
	clear(u.grad)
	u.synced = false
}

type unigramState struct {
	Base    []float64 `cbor:"base"`
	Adapter []float64 `cbor:"adapter"`
	M       []float64 `cbor:"adam_m"`
	V       []float64 `cbor:"adam_v"`
	T       int       `cbor:"adam_t"`
}

// StateFile is the per-rank state file name inside a checkpoint.
func StateFile(rank int) string {
	return fmt.Sprintf("policy_rank_%d.cbor", rank)
}

// SaveState implements Policy.
func (u *Unigram) SaveState(dir string, rank int) error {
	b, err := cbor.Marshal(unigramState{
		Base:    u.base,
		Adapter: u.adapter,
		M:       u.opt.M,
		V:       u.opt.V,
		T:       u.opt.T,
	})
	if err != nil {
		return fmt.Errorf("failed to encode policy state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, StateFile(rank)), b, 0o644); err != nil {
		return fmt.Errorf("failed to write policy state: %w", err)
	}
	return nil
}

// LoadState implements Policy.
func (u *Unigram) LoadState(dir string, rank int) error {
	b, err := os.ReadFile(filepath.Join(dir, StateFile(rank)))
	if err != nil {
		return fmt.Errorf("failed to read policy state: %w", err)
	}
	var st unigramState
	if err := cbor.Unmarshal(b, &st); err != nil {
		return fmt.Errorf("failed to decode policy state: %w", err)
	}
	n := len(u.base)
	if len(st.Base) != n || len(st.Adapter) != n || len(st.M) != n || len(st.V) != n {
		return fmt.Errorf("policy state has vocabulary %d, want %d", len(st.Adapter), n)
	}
	copy(u.base, st.Base)
	copy(u.adapter, st.Adapter)
	copy(u.opt.M, st.M)
	copy(u.opt.V, st.V)
	u.opt.T = st.T
	return nil
}
