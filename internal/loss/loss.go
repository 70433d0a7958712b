package loss

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Variant selects the preference loss.
type Variant string

const (
	// DPO is the plain preference loss against a frozen reference.
	DPO Variant = "dpo"
	// DPONorm is DPO over length-normalized (mean) log-probabilities.
	DPONorm Variant = "dpo_norm"
	// WPO weights each DPO term by the policy's own likelihood of the pair.
	WPO Variant = "wpo"
	// SimPO is reference-free and length-normalized.
	SimPO Variant = "simpo"
)

var ErrUnknownLossType = errors.New("invalid dpo loss type")

// ParseVariant maps a configured name to a Variant.
func ParseVariant(s string) (Variant, error) {
	switch v := Variant(s); v {
	case DPO, DPONorm, WPO, SimPO:
		return v, nil
	}
	return "", fmt.Errorf("%w: %q (options are dpo, dpo_norm, simpo, wpo)", ErrUnknownLossType, s)
}

// NeedsReference reports whether the loss consumes reference log-probs.
func (v Variant) NeedsReference() bool {
	return v == DPO || v == DPONorm || v == WPO
}

// AverageLogProb reports whether sequence log-probs are averaged over tokens.
func (v Variant) AverageLogProb() bool {
	return v == SimPO || v == DPONorm
}

// Params are the loss hyper-parameters.
type Params struct {
	Beta           float64
	LabelSmoothing float64
	GammaBetaRatio float64
}

// Inputs are per-example sequence log-probabilities. Token counts are only
// needed by WPO, reference values are ignored by SimPO.
type Inputs struct {
	PolicyChosen      []float64
	PolicyRejected    []float64
	ReferenceChosen   []float64
	ReferenceRejected []float64
	ChosenTokens      []int
	RejectedTokens    []int
}

// Result holds per-example losses and their derivatives with respect to the
// policy chosen/rejected log-probs.
type Result struct {
	Losses       []float64
	GradChosen   []float64
	GradRejected []float64
}

// Compute evaluates variant v on in.
func Compute(v Variant, p Params, in Inputs) (Result, error) {
	n := len(in.PolicyChosen)
	if len(in.PolicyRejected) != n {
		return Result{}, fmt.Errorf("policy log-prob length mismatch: %d chosen, %d rejected", n, len(in.PolicyRejected))
	}
	if v.NeedsReference() && (len(in.ReferenceChosen) != n || len(in.ReferenceRejected) != n) {
		return Result{}, fmt.Errorf("reference log-probs missing or misaligned for %s: want %d, got %d/%d",
			v, n, len(in.ReferenceChosen), len(in.ReferenceRejected))
	}

	res := Result{
		Losses:       make([]float64, n),
		GradChosen:   make([]float64, n),
		GradRejected: make([]float64, n),
	}

	for i := 0; i < n; i++ {
		piLogRatio := in.PolicyChosen[i] - in.PolicyRejected[i]
		var logits float64
		weight, dwChosen, dwRejected := 1.0, 0.0, 0.0

		switch v {
		case DPO, DPONorm:
			logits = piLogRatio - (in.ReferenceChosen[i] - in.ReferenceRejected[i])
		case WPO:
			logits = piLogRatio - (in.ReferenceChosen[i] - in.ReferenceRejected[i])
			weight, dwChosen, dwRejected = wpoWeight(in, i)
		case SimPO:
			logits = piLogRatio - p.GammaBetaRatio
		default:
			return Result{}, fmt.Errorf("%w: %q", ErrUnknownLossType, string(v))
		}

		z := p.Beta * logits
		l, dz := smoothedLogSigmoid(z, p.LabelSmoothing)
		res.Losses[i] = weight * l
		// d logits / d policy_chosen = 1, d logits / d policy_rejected = -1
		res.GradChosen[i] = weight*dz*p.Beta + l*dwChosen
		res.GradRejected[i] = -weight*dz*p.Beta + l*dwRejected
	}
	return res, nil
}

// smoothedLogSigmoid returns -(1-ls)*logsigmoid(z) - ls*logsigmoid(-z) and
// its derivative in z.
func smoothedLogSigmoid(z, ls float64) (float64, float64) {
	l := -(1-ls)*logSigmoid(z) - ls*logSigmoid(-z)
	dz := -(1-ls)*sigmoid(-z) + ls*sigmoid(z)
	return l, dz
}

// wpoWeight is min(1, exp(mean chosen logp + mean rejected logp)) and its
// derivatives with respect to the policy chosen/rejected log-probs. The
// derivatives vanish once the weight is clamped.
func wpoWeight(in Inputs, i int) (float64, float64, float64) {
	scale := func(tokens []int) float64 {
		if i < len(tokens) && tokens[i] > 0 {
			return 1 / float64(tokens[i])
		}
		return 1
	}
	sc, sr := scale(in.ChosenTokens), scale(in.RejectedTokens)
	w := math.Exp(in.PolicyChosen[i]*sc + in.PolicyRejected[i]*sr)
	if w > 1 {
		return 1, 0, 0
	}
	return w, w * sc, w * sr
}

func logSigmoid(x float64) float64 {
	if x >= 0 {
		return -math.Log1p(math.Exp(-x))
	}
	return x - math.Log1p(math.Exp(x))
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// Reduction controls how per-example losses combine into the batch loss.
type Reduction string

const (
	ReduceMean Reduction = "mean"
	ReduceSum  Reduction = "sum"
)

// ParseReduction validates a configured reduction.
func ParseReduction(s string) (Reduction, error) {
	switch r := Reduction(s); r {
	case ReduceMean, ReduceSum:
		return r, nil
	}
	return "", fmt.Errorf("reduce_loss must be either 'mean' or 'sum', got %q", s)
}

// Reduce collapses res into a scalar loss and the matching per-example
// gradients.
func Reduce(r Reduction, res Result) (float64, []float64, []float64) {
	n := len(res.Losses)
	gc := append([]float64(nil), res.GradChosen...)
	gr := append([]float64(nil), res.GradRejected...)
	if n == 0 {
		return 0, gc, gr
	}
	if r == ReduceSum {
		return floats.Sum(res.Losses), gc, gr
	}
	floats.Scale(1/float64(n), gc)
	floats.Scale(1/float64(n), gr)
	return stat.Mean(res.Losses, nil), gc, gr
}

// Rewards are the implicit reward statistics reported during training.
type Rewards struct {
	Chosen   float64
	Rejected float64
	Average  float64
	Accuracy float64
	Margin   float64
}

// ComputeRewards derives reward statistics for reporting. They never feed
// the backward pass.
func ComputeRewards(beta float64, in Inputs) Rewards {
	n := len(in.PolicyChosen)
	if n == 0 || len(in.ReferenceChosen) != n || len(in.ReferenceRejected) != n {
		return Rewards{}
	}
	chosen := make([]float64, n)
	rejected := make([]float64, n)
	margins := make([]float64, n)
	correct := 0.0
	for i := 0; i < n; i++ {
		chosen[i] = beta * (in.PolicyChosen[i] - in.ReferenceChosen[i])
		rejected[i] = beta * (in.PolicyRejected[i] - in.ReferenceRejected[i])
		margins[i] = chosen[i] - rejected[i]
		if chosen[i] > rejected[i] {
			correct++
		}
	}
	r := Rewards{
		Chosen:   stat.Mean(chosen, nil),
		Rejected: stat.Mean(rejected, nil),
		Accuracy: correct / float64(n),
		Margin:   stat.Mean(margins, nil),
	}
	r.Average = (r.Chosen + r.Rejected) / 2
	return r
}
