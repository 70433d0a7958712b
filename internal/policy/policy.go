package policy

import (
	"context"

	"github.com/23skdu/longbow-tuner/internal/data"
)

// ForwardOptions control a forward pass.
type ForwardOptions struct {
	// AverageLogProb divides sequence log-probs by their scored token count.
	AverageLogProb bool
	// NoGrad marks an inference-only pass; nothing is retained for Backward.
	NoGrad bool
	// OutputRouterLogits requests the auxiliary load-balancing loss.
	OutputRouterLogits bool
}

// Output holds per-example sequence log-probs for one batch.
type Output struct {
	Chosen         []float64
	Rejected       []float64
	ChosenTokens   []int
	RejectedTokens []int
	AuxLoss        float64
}

// Gradient is the upstream derivative of the micro-batch loss with respect
// to each Output field.
type Gradient struct {
	Chosen   []float64
	Rejected []float64
	Aux      float64
}

// Policy is the trainable model as seen by the training controller.
// Gradients accumulate across Backward calls until ZeroGrad.
type Policy interface {
	Forward(ctx context.Context, batch data.Batch, opts ForwardOptions) (Output, error)
	Backward(ctx context.Context, batch data.Batch, opts ForwardOptions, grad Gradient) error
	// ClipGradNorm synchronizes gradients across workers and clips their
	// global L2 norm to maxNorm, returning the norm before clipping.
	ClipGradNorm(ctx context.Context, maxNorm float64) (float64, error)
	Step(ctx context.Context, lr float64) error
	ZeroGrad()
	SaveState(dir string, rank int) error
	LoadState(dir string, rank int) error
}

// AdapterToggler is implemented by policies whose trainable part is an
// adapter over frozen base weights. Disabling recovers the base model; the
// returned func restores the previous state.
type AdapterToggler interface {
	DisableAdapters() (restore func())
}
