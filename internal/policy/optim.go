package policy

import (
	"fmt"
	"math"
)

// AdamW is Adam with decoupled weight decay over a flat parameter vector.
type AdamW struct {
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64

	M []float64
	V []float64
	T int
}

func NewAdamW(n int, weightDecay float64) *AdamW {
	return &AdamW{
		Beta1:       0.9,
		Beta2:       0.999,
		Eps:         1e-8,
		WeightDecay: weightDecay,
		M:           make([]float64, n),
		V:           make([]float64, n),
	}
}

// Update applies one bias-corrected step:
// p -= lr * (mhat/(sqrt(vhat)+eps) + wd*p)
func (o *AdamW) Update(p, g []float64, lr float64) {
	if len(g) != len(p) || len(o.M) != len(p) {
		panic("adamw: shape mismatch")
	}
	o.T++
	c1 := 1.0 / (1.0 - math.Pow(o.Beta1, float64(o.T)))
	c2 := 1.0 / (1.0 - math.Pow(o.Beta2, float64(o.T)))
	for i := range p {
		o.M[i] = o.Beta1*o.M[i] + (1-o.Beta1)*g[i]
		o.V[i] = o.Beta2*o.V[i] + (1-o.Beta2)*g[i]*g[i]
		mhat := o.M[i] * c1
		vhat := o.V[i] * c2
		p[i] -= lr * (mhat/(math.Sqrt(vhat)+o.Eps) + o.WeightDecay*p[i])
	}
}

// SchedulerKind names a learning-rate schedule.
type SchedulerKind string

const (
	Linear             SchedulerKind = "linear"
	Cosine             SchedulerKind = "cosine"
	Constant           SchedulerKind = "constant"
	ConstantWithWarmup SchedulerKind = "constant_with_warmup"
)

// Scheduler maps an optimizer step to a learning rate.
type Scheduler struct {
	kind   SchedulerKind
	baseLR float64
	warmup int
	total  int
	step   int
}

// NewScheduler builds a schedule over totalSteps optimizer steps, with
// int(totalSteps*warmupRatio) warmup steps.
func NewScheduler(kind string, baseLR float64, totalSteps int, warmupRatio float64) (*Scheduler, error) {
	k := SchedulerKind(kind)
	switch k {
	case Linear, Cosine, Constant, ConstantWithWarmup:
	default:
		return nil, fmt.Errorf("unsupported lr scheduler type %q", kind)
	}
	if totalSteps <= 0 {
		return nil, fmt.Errorf("scheduler needs a positive step count, got %d", totalSteps)
	}
	if warmupRatio < 0 || warmupRatio > 1 {
		return nil, fmt.Errorf("warmup ratio must be in [0, 1], got %v", warmupRatio)
	}
	s := &Scheduler{kind: k, baseLR: baseLR, total: totalSteps}
	if k != Constant {
		s.warmup = int(float64(totalSteps) * warmupRatio)
	}
	return s, nil
}

// LR is the learning rate for the current step.
func (s *Scheduler) LR() float64 {
	return s.baseLR * s.factor(s.step)
}

func (s *Scheduler) factor(step int) float64 {
	if step < s.warmup {
		return float64(step) / float64(max(1, s.warmup))
	}
	switch s.kind {
	case Linear:
		return math.Max(0, float64(s.total-step)/float64(max(1, s.total-s.warmup)))
	case Cosine:
		progress := float64(step-s.warmup) / float64(max(1, s.total-s.warmup))
		return math.Max(0, 0.5*(1+math.Cos(math.Pi*progress)))
	default:
		return 1
	}
}

// Step advances the schedule by one optimizer step.
func (s *Scheduler) Step() { s.step++ }

// SetStep moves the schedule to step, used when resuming.
func (s *Scheduler) SetStep(step int) { s.step = step }

// Current returns the number of steps taken.
func (s *Scheduler) Current() int { return s.step }
