package trainer

import (
	"fmt"
	"math"
)

// State is a training controller state.
type State int

const (
	AwaitingBatch State = iota
	AccumulatingGradient
	OptimizerStep
	LoggingDue
	CheckpointDue
	Done
)

func (s State) String() string {
	switch s {
	case AwaitingBatch:
		return "AwaitingBatch"
	case AccumulatingGradient:
		return "AccumulatingGradient"
	case OptimizerStep:
		return "OptimizerStep"
	case LoggingDue:
		return "LoggingDue"
	case CheckpointDue:
		return "CheckpointDue"
	case Done:
		return "Done"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Plan is the step arithmetic of a run.
type Plan struct {
	BatchesPerEpoch int
	UpdatesPerEpoch int
	MaxTrainSteps   int
	NumTrainEpochs  int
}

// NewPlan derives the number of optimizer steps and epochs. When maxSteps is
// unset it covers every epoch; otherwise the epoch count is recomputed to
// reach maxSteps.
func NewPlan(batchesPerEpoch, gradAccum, epochs, maxSteps int) (Plan, error) {
	if batchesPerEpoch <= 0 {
		return Plan{}, fmt.Errorf("data loader yields no batches")
	}
	if gradAccum <= 0 {
		return Plan{}, fmt.Errorf("gradient_accumulation_steps must be positive, got %d", gradAccum)
	}
	p := Plan{
		BatchesPerEpoch: batchesPerEpoch,
		UpdatesPerEpoch: int(math.Ceil(float64(batchesPerEpoch) / float64(gradAccum))),
	}
	if maxSteps <= 0 {
		if epochs <= 0 {
			return Plan{}, fmt.Errorf("num_train_epochs must be positive when max_train_steps is unset")
		}
		p.MaxTrainSteps = epochs * p.UpdatesPerEpoch
	} else {
		p.MaxTrainSteps = maxSteps
	}
	p.NumTrainEpochs = int(math.Ceil(float64(p.MaxTrainSteps) / float64(p.UpdatesPerEpoch)))
	return p, nil
}
