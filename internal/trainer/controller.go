package trainer

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/23skdu/longbow-tuner/internal/cache"
	"github.com/23skdu/longbow-tuner/internal/checkpoint"
	"github.com/23skdu/longbow-tuner/internal/data"
	"github.com/23skdu/longbow-tuner/internal/distributed"
	"github.com/23skdu/longbow-tuner/internal/loss"
	"github.com/23skdu/longbow-tuner/internal/metrics"
	"github.com/23skdu/longbow-tuner/internal/policy"
)

var tracer = otel.Tracer("tuner-trainer")

// Scheduler supplies the learning rate for each optimizer step.
type Scheduler interface {
	LR() float64
	Step()
	SetStep(step int)
}

// Options configure a Controller.
type Options struct {
	Variant   loss.Variant
	Params    loss.Params
	Reduction loss.Reduction

	GradientAccumulationSteps int
	LoggingSteps              int
	// CheckpointingSteps saves every n optimizer steps; 0 disables it.
	CheckpointingSteps int
	// CheckpointEveryEpoch saves at each epoch boundary instead.
	CheckpointEveryEpoch bool
	KeepLastNCheckpoints int

	NumTrainEpochs int
	MaxTrainSteps  int
	ClipGradNorm   float64

	LoadBalancingLoss   bool
	LoadBalancingWeight float64
	// UseLoRA scores the reference with adapters disabled.
	UseLoRA bool

	OutputDir            string
	ResumeFromCheckpoint string
	OverwriteOutputDir   bool
	RunID                string
}

// Summary describes a finished run.
type Summary struct {
	RunID          string
	CompletedSteps int
	OptimizerSteps int
	Epochs         int
	LastLoss       float64
	ResumedFrom    string
	Duration       time.Duration
}

// Controller drives one worker through the training state machine. Every
// worker of a group runs its own Controller over its own data shard.
type Controller struct {
	opts     Options
	plan     Plan
	policy   policy.Policy
	sched    Scheduler
	loader   *data.Loader
	group    distributed.Group
	store    cache.Store
	reporter Reporter
	acc      *metrics.Accumulator

	// OnTransition observes every state change.
	OnTransition func(from, to State)

	state     State
	completed int
	steps     int
	episode   int64
	lastLoss  float64
}

// New validates opts and wires a controller. store may be nil, in which case
// an in-memory cache is used when the loss needs a reference.
func New(opts Options, p policy.Policy, sched Scheduler, loader *data.Loader, group distributed.Group, store cache.Store, reporter Reporter) (*Controller, error) {
	if _, err := loss.ParseVariant(string(opts.Variant)); err != nil {
		return nil, err
	}
	if _, err := loss.ParseReduction(string(opts.Reduction)); err != nil {
		return nil, err
	}
	if opts.CheckpointEveryEpoch && opts.CheckpointingSteps > 0 {
		return nil, fmt.Errorf("checkpointing by steps and by epoch are mutually exclusive")
	}
	if group == nil {
		group = distributed.Single{}
	}
	plan, err := NewPlan(loader.Len(), opts.GradientAccumulationSteps, opts.NumTrainEpochs, opts.MaxTrainSteps)
	if err != nil {
		return nil, err
	}
	if store == nil {
		store = cache.NewMemoryStore()
	}
	return &Controller{
		opts:     opts,
		plan:     plan,
		policy:   p,
		sched:    sched,
		loader:   loader,
		group:    group,
		store:    store,
		reporter: reporter,
		acc:      metrics.NewAccumulator(),
	}, nil
}

// Plan returns the step arithmetic the controller runs with.
func (c *Controller) Plan() Plan { return c.plan }

// State returns the current state.
func (c *Controller) State() State { return c.state }

func (c *Controller) enter(s State) {
	if s == c.state {
		return
	}
	from := c.state
	c.state = s
	if c.OnTransition != nil {
		c.OnTransition(from, s)
	}
}

// Run resumes from the latest complete checkpoint if any, builds the
// reference cache when the loss needs one and trains until Done.
func (c *Controller) Run(ctx context.Context) (Summary, error) {
	ctx, span := tracer.Start(ctx, "Train")
	defer span.End()
	start := time.Now()

	rec, err := checkpoint.Resolve(c.opts.OutputDir, c.opts.ResumeFromCheckpoint, c.opts.OverwriteOutputDir)
	if err != nil {
		return Summary{}, err
	}
	resume := checkpoint.ResumeState(rec, c.opts.GradientAccumulationSteps, c.plan.BatchesPerEpoch, c.plan.UpdatesPerEpoch)
	summary := Summary{RunID: c.opts.RunID}
	if rec != nil {
		if err := c.policy.LoadState(rec.Path, c.group.Rank()); err != nil {
			return Summary{}, fmt.Errorf("failed to resume from %s: %w", rec.Path, err)
		}
		if st, err := checkpoint.ReadTrainerState(rec.Path); err == nil {
			c.episode = st.Episode
		} else {
			log.Warn().Err(err).Str("path", rec.Path).Msg("Trainer state unavailable, episode count restarts")
		}
		summary.ResumedFrom = rec.Path
		log.Info().
			Str("path", rec.Path).
			Int("starting_epoch", resume.StartingEpoch).
			Int("completed_steps", resume.CompletedSteps).
			Int("resume_step", resume.Skip()).
			Msg("Resumed from checkpoint")
	}
	c.completed = resume.CompletedSteps
	c.sched.SetStep(c.completed)
	metrics.CompletedSteps.Set(float64(c.completed))

	span.SetAttributes(
		attribute.String("loss", string(c.opts.Variant)),
		attribute.Int("starting_epoch", resume.StartingEpoch),
		attribute.Int("max_train_steps", c.plan.MaxTrainSteps),
	)
	if c.group.IsMain() {
		log.Info().
			Int("num_examples", c.loader.NumExamples()).
			Int("num_epochs", c.plan.NumTrainEpochs).
			Int("gradient_accumulation_steps", c.opts.GradientAccumulationSteps).
			Int("max_train_steps", c.plan.MaxTrainSteps).
			Msg("Running training")
	}

	resumable := data.NewResumable(c.loader, resume.StartingEpoch, resume.Skip())
	if c.opts.Variant.NeedsReference() {
		b := &cache.Builder{
			Policy:          c.policy,
			Store:           c.store,
			AverageLogProb:  c.opts.Variant.AverageLogProb(),
			DisableAdapters: c.opts.UseLoRA,
		}
		if err := b.Build(ctx, resumable, resume.StartingEpoch, c.plan.NumTrainEpochs); err != nil {
			span.RecordError(err)
			return Summary{}, err
		}
	}

	c.enter(AwaitingBatch)
	if c.completed >= c.plan.MaxTrainSteps {
		c.enter(Done)
	}
	for epoch := resume.StartingEpoch; epoch < c.plan.NumTrainEpochs && c.state != Done; epoch++ {
		summary.Epochs++
		if err := c.runEpoch(ctx, resumable, epoch); err != nil {
			span.RecordError(err)
			return Summary{}, err
		}
		if c.opts.CheckpointEveryEpoch {
			if err := c.checkpoint(ctx, checkpoint.Name(checkpoint.KindEpoch, epoch), epoch); err != nil {
				return Summary{}, err
			}
		}
	}
	c.enter(Done)

	if err := c.finish(ctx); err != nil {
		return Summary{}, err
	}
	summary.CompletedSteps = c.completed
	summary.OptimizerSteps = c.steps
	summary.LastLoss = c.lastLoss
	summary.Duration = time.Since(start)
	return summary, nil
}

func (c *Controller) runEpoch(ctx context.Context, r *data.Resumable, epoch int) error {
	it := r.Epoch(epoch)
	micro := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, step, ok := it.Next()
		if !ok {
			return nil
		}
		c.enter(AccumulatingGradient)
		if err := c.microStep(ctx, epoch, step, batch); err != nil {
			return err
		}
		micro++
		if micro%c.opts.GradientAccumulationSteps != 0 && it.Remaining() > 0 {
			c.enter(AwaitingBatch)
			continue
		}
		if err := c.optimizerStep(ctx, epoch); err != nil {
			return err
		}
		if c.completed >= c.plan.MaxTrainSteps {
			c.enter(Done)
			return nil
		}
		c.enter(AwaitingBatch)
	}
}

func (c *Controller) microStep(ctx context.Context, epoch, step int, batch data.Batch) error {
	fwd := policy.ForwardOptions{
		AverageLogProb:     c.opts.Variant.AverageLogProb(),
		OutputRouterLogits: c.opts.LoadBalancingLoss,
	}
	out, err := c.policy.Forward(ctx, batch, fwd)
	if err != nil {
		return fmt.Errorf("forward failed at epoch %d step %d: %w", epoch, step, err)
	}

	in := loss.Inputs{
		PolicyChosen:   out.Chosen,
		PolicyRejected: out.Rejected,
		ChosenTokens:   out.ChosenTokens,
		RejectedTokens: out.RejectedTokens,
	}
	if c.opts.Variant.NeedsReference() {
		ref, err := c.store.Get(epoch, step)
		if err != nil {
			return err
		}
		in.ReferenceChosen = ref.Chosen
		in.ReferenceRejected = ref.Rejected
	}

	res, err := loss.Compute(c.opts.Variant, c.opts.Params, in)
	if err != nil {
		return err
	}
	batchLoss, gc, gr := loss.Reduce(c.opts.Reduction, res)

	total := batchLoss
	var weightedAux float64
	if c.opts.LoadBalancingLoss {
		weightedAux = c.opts.LoadBalancingWeight * out.AuxLoss
		total += weightedAux
	}

	scale := 1 / float64(c.opts.GradientAccumulationSteps)
	floats.Scale(scale, gc)
	floats.Scale(scale, gr)
	grad := policy.Gradient{Chosen: gc, Rejected: gr}
	if c.opts.LoadBalancingLoss {
		grad.Aux = c.opts.LoadBalancingWeight * scale
	}
	if err := c.policy.Backward(ctx, batch, fwd, grad); err != nil {
		return fmt.Errorf("backward failed at epoch %d step %d: %w", epoch, step, err)
	}

	c.acc.Add(metrics.SlotLoss, total)
	if c.opts.Variant.NeedsReference() {
		rw := loss.ComputeRewards(c.opts.Params.Beta, in)
		c.acc.Add(metrics.SlotRewardsChosen, rw.Chosen)
		c.acc.Add(metrics.SlotRewardsRejected, rw.Rejected)
		c.acc.Add(metrics.SlotRewardsAverage, rw.Average)
		c.acc.Add(metrics.SlotRewardsAccuracy, rw.Accuracy)
		c.acc.Add(metrics.SlotRewardsMargin, rw.Margin)
	}
	c.acc.Add(metrics.SlotLogpsChosen, stat.Mean(out.Chosen, nil))
	c.acc.Add(metrics.SlotLogpsRejected, stat.Mean(out.Rejected, nil))
	if c.opts.LoadBalancingLoss {
		c.acc.Add(metrics.SlotAuxLoss, weightedAux)
	}

	c.episode += int64(batch.Size() * c.group.Size())
	metrics.MicroBatches.Inc()
	return nil
}

func (c *Controller) optimizerStep(ctx context.Context, epoch int) error {
	c.enter(OptimizerStep)
	if c.opts.ClipGradNorm > 0 {
		if _, err := c.policy.ClipGradNorm(ctx, c.opts.ClipGradNorm); err != nil {
			return err
		}
	}
	if err := c.policy.Step(ctx, c.sched.LR()); err != nil {
		return fmt.Errorf("optimizer step failed: %w", err)
	}
	c.sched.Step()
	c.policy.ZeroGrad()
	c.completed++
	c.steps++
	metrics.CompletedSteps.Set(float64(c.completed))
	metrics.OptimizerSteps.Inc()
	metrics.LearningRate.Set(c.sched.LR())

	if c.opts.LoggingSteps > 0 && c.completed%c.opts.LoggingSteps == 0 {
		c.enter(LoggingDue)
		if err := c.flushMetrics(ctx); err != nil {
			return err
		}
	}
	if c.opts.CheckpointingSteps > 0 && c.completed%c.opts.CheckpointingSteps == 0 {
		if err := c.checkpoint(ctx, checkpoint.Name(checkpoint.KindStep, c.completed), epoch); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) flushMetrics(ctx context.Context) error {
	global, err := c.acc.Flush(ctx, c.group, float64(c.opts.GradientAccumulationSteps*c.opts.LoggingSteps))
	if err != nil {
		return err
	}
	c.lastLoss = global[metrics.SlotLoss]
	metrics.TrainLoss.Set(c.lastLoss)
	if !c.group.IsMain() {
		return nil
	}

	rec := LogRecord{
		TrainingStep:  c.completed,
		LearningRate:  c.sched.LR(),
		Epoch:         float64(c.episode) / float64(c.loader.NumExamples()),
		TrainLoss:     global[metrics.SlotLoss],
		LogpsChosen:   global[metrics.SlotLogpsChosen],
		LogpsRejected: global[metrics.SlotLogpsRejected],
	}
	if c.opts.Variant.NeedsReference() {
		rec.RewardsChosen = &global[metrics.SlotRewardsChosen]
		rec.RewardsRejected = &global[metrics.SlotRewardsRejected]
		rec.RewardsAverage = &global[metrics.SlotRewardsAverage]
		rec.RewardsAccuracy = &global[metrics.SlotRewardsAccuracy]
		rec.RewardsMargin = &global[metrics.SlotRewardsMargin]
	}
	ev := log.Info().
		Int("step", rec.TrainingStep).
		Float64("lr", rec.LearningRate).
		Float64("loss", rec.TrainLoss)
	if c.opts.LoadBalancingLoss {
		rec.AuxLoss = &global[metrics.SlotAuxLoss]
		ev = ev.Float64("aux_loss", *rec.AuxLoss)
	}
	ev.Msg("Training step")

	if c.reporter != nil {
		if err := c.reporter.Report(ctx, rec); err != nil {
			return fmt.Errorf("failed to report metrics: %w", err)
		}
	}
	return nil
}

func (c *Controller) checkpoint(ctx context.Context, name string, epoch int) error {
	if c.opts.OutputDir == "" {
		return nil
	}
	prev := c.state
	c.enter(CheckpointDue)
	ctx, span := tracer.Start(ctx, "SaveCheckpoint", trace.WithAttributes(
		attribute.String("name", name),
		attribute.Int("completed_steps", c.completed),
	))
	defer span.End()

	w := &checkpoint.Writer{Dir: c.opts.OutputDir, Group: c.group, Keep: c.opts.KeepLastNCheckpoints}
	_, err := w.Save(ctx, name, c.policy.SaveState, checkpoint.TrainerState{
		CompletedSteps: c.completed,
		Epoch:          epoch,
		Episode:        c.episode,
		RunID:          c.opts.RunID,
		SavedAt:        time.Now().UTC(),
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to save checkpoint %s: %w", name, err)
	}
	if prev == Done {
		c.enter(Done)
	}
	return nil
}

// finish writes the final policy state into the output dir and removes
// intermediate checkpoints.
func (c *Controller) finish(ctx context.Context) error {
	if c.opts.OutputDir == "" {
		return nil
	}
	if c.group.IsMain() {
		if err := os.MkdirAll(c.opts.OutputDir, 0o755); err != nil {
			return fmt.Errorf("failed to create output dir: %w", err)
		}
	}
	if err := c.group.Barrier(ctx); err != nil {
		return err
	}
	if err := c.policy.SaveState(c.opts.OutputDir, c.group.Rank()); err != nil {
		return fmt.Errorf("failed to save final model: %w", err)
	}
	if err := c.group.Barrier(ctx); err != nil {
		return err
	}
	if c.group.IsMain() {
		if _, err := checkpoint.Prune(c.opts.OutputDir, 0); err != nil {
			return err
		}
		log.Info().Str("output_dir", c.opts.OutputDir).Msg("Saved final model")
	}
	return c.group.Barrier(ctx)
}
