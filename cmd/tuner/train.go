package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-tuner/internal/cache"
	"github.com/23skdu/longbow-tuner/internal/client"
	"github.com/23skdu/longbow-tuner/internal/config"
	"github.com/23skdu/longbow-tuner/internal/data"
	"github.com/23skdu/longbow-tuner/internal/distributed"
	"github.com/23skdu/longbow-tuner/internal/loss"
	"github.com/23skdu/longbow-tuner/internal/policy"
	"github.com/23skdu/longbow-tuner/internal/trainer"
)

const (
	ConfigSnapshotFile = "config.yaml"
	TrackingFile       = "metrics.jsonl"
	EvalRequestFile    = "eval_request.yaml"
	RefCacheDir        = "reference_cache"
)

func newTrainCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run preference tuning with a cached reference",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := root.viperFor(cmd)
			if err != nil {
				return err
			}
			cfg, err := config.LoadTrain(v)
			if err != nil {
				return err
			}
			return runTrain(cmd.Context(), cfg)
		},
	}

	d := config.DefaultTrain()
	f := cmd.Flags()
	f.String("exp_name", d.ExpName, "Experiment name")
	f.String("run_name", d.RunName, "Run name, derived from exp_name and seed when empty")
	f.String("dataset_name", d.DatasetName, "Tokenized preference JSONL file")
	f.String("dataset_mixer", "", `Mixer as a JSON object, e.g. '{"a.jsonl": 0.5, "b.jsonl": 1000}'`)
	f.StringSlice("dataset_mixer_list", nil, "Flat list of path, fraction pairs")
	f.Int("max_train_samples", d.MaxTrainSamples, "Keep at most this many examples (0 keeps all)")
	f.String("model_name_or_path", d.ModelNameOrPath, "Directory holding a saved policy to start from")
	f.Int("vocab_size", d.VocabSize, "Policy vocabulary size (0 derives it from the data)")
	f.Bool("use_lora", d.UseLoRA, "Train adapters only and score the reference with adapters disabled")
	f.Float64("dpo_beta", d.DPOBeta, "Beta of the preference loss")
	f.String("dpo_loss_type", d.DPOLossType, "Loss variant (dpo, dpo_norm, simpo, wpo)")
	f.Float64("dpo_gamma_beta_ratio", d.DPOGammaBetaRatio, "SimPO target margin over beta")
	f.Float64("dpo_label_smoothing", d.DPOLabelSmoothing, "Label smoothing of the preference loss")
	f.String("reduce_loss", d.ReduceLoss, "Batch reduction (mean, sum)")
	f.Float64("learning_rate", d.LearningRate, "Peak learning rate")
	f.String("lr_scheduler_type", d.LRSchedulerType, "Learning rate schedule")
	f.Float64("warmup_ratio", d.WarmupRatio, "Share of steps spent warming up")
	f.Float64("weight_decay", d.WeightDecay, "AdamW weight decay")
	f.Int("num_train_epochs", d.NumTrainEpochs, "Number of epochs")
	f.Int("max_train_steps", d.MaxTrainSteps, "Stop after this many optimizer steps (0 derives it from epochs)")
	f.Int("per_device_train_batch_size", d.PerDeviceTrainBatchSize, "Micro-batch size per worker")
	f.Int("gradient_accumulation_steps", d.GradientAccumulationSteps, "Micro-batches per optimizer step")
	f.Float64("clip_grad_norm", d.ClipGradNorm, "Clip gradients to this norm (-1 disables)")
	f.Bool("load_balancing_loss", d.LoadBalancingLoss, "Add the auxiliary load-balancing loss")
	f.Float64("load_balancing_weight", d.LoadBalancingWeight, "Weight of the load-balancing loss")
	f.Uint64("seed", d.Seed, "Random seed")
	f.String("output_dir", d.OutputDir, "Where checkpoints and the final model are written")
	f.Bool("overwrite_output_dir", d.OverwriteOutputDir, "Ignore checkpoints already in output_dir")
	f.String("resume_from_checkpoint", d.ResumeFromCheckpoint, "Checkpoint directory to resume from")
	f.Int("logging_steps", d.LoggingSteps, "Log metrics every n optimizer steps (0 disables)")
	f.String("checkpointing_steps", d.CheckpointingSteps, `Save every n optimizer steps, or "epoch"`)
	f.Int("keep_last_n_checkpoints", d.KeepLastNCheckpoints, "Checkpoints to keep (-1 keeps all)")
	f.Int("world_size", d.WorldSize, "Number of in-process workers")
	f.Int("timeout", d.Timeout, "Collective timeout in seconds")
	f.Bool("with_tracking", d.WithTracking, "Append log records to a JSONL file in output_dir")
	f.String("report_to", d.ReportTo, "Tracking integrations")
	f.Bool("push_to_hub", d.PushToHub, "Publish the run summary over Flight")
	f.String("hub_model_id", d.HubModelID, "Published name, derived from exp_name and seed when empty")
	f.String("flight_addr", d.FlightAddr, "Flight server address for publishing")
	f.Bool("try_launch_beaker_eval_jobs", d.TryLaunchBeakerEvalJobs, "Write an evaluation request after publishing")
	return cmd
}

func runName(cfg config.Train) string {
	if cfg.RunName != "" {
		return cfg.RunName
	}
	return fmt.Sprintf("%s__%d__%d", cfg.ExpName, cfg.Seed, time.Now().Unix())
}

func hubModelID(cfg config.Train) string {
	if cfg.HubModelID != "" {
		return cfg.HubModelID
	}
	return fmt.Sprintf("%s__%d", cfg.ExpName, cfg.Seed)
}

// loadDataset resolves the configured dataset mechanism into a shuffled,
// truncated example list.
func loadDataset(cfg config.Train) ([]data.Example, error) {
	var (
		examples []data.Example
		err      error
	)
	switch {
	case cfg.DatasetName != "":
		examples, err = data.LoadJSONL(cfg.DatasetName)
		if err == nil {
			data.Shuffle(examples, cfg.Seed)
		}
	case len(cfg.DatasetMixer) > 0:
		paths := make([]string, 0, len(cfg.DatasetMixer))
		for p := range cfg.DatasetMixer {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		specs := make([]data.MixSpec, len(paths))
		for i, p := range paths {
			specs[i] = data.MixSpec{Path: p, Fraction: cfg.DatasetMixer[p]}
		}
		examples, err = data.Mix(specs, cfg.Seed)
	default:
		var specs []data.MixSpec
		specs, err = data.ParseMixerList(cfg.DatasetMixerList)
		if err == nil {
			examples, err = data.Mix(specs, cfg.Seed)
		}
	}
	if err != nil {
		return nil, err
	}
	examples = data.Truncate(examples, cfg.MaxTrainSamples)
	if len(examples) == 0 {
		return nil, fmt.Errorf("dataset is empty")
	}
	return examples, nil
}

// vocabSize is the configured size, or one past the largest token id seen.
func vocabSize(cfg config.Train, examples []data.Example) int {
	if cfg.VocabSize > 0 {
		return cfg.VocabSize
	}
	maxID := 0
	for _, ex := range examples {
		for _, ids := range [][]int{ex.ChosenInputIDs, ex.ChosenLabels, ex.RejectedInputIDs, ex.RejectedLabels} {
			for _, id := range ids {
				if id > maxID {
					maxID = id
				}
			}
		}
	}
	return maxID + 1
}

func trainerOptions(cfg config.Train, runID string) (trainer.Options, error) {
	variant, err := loss.ParseVariant(cfg.DPOLossType)
	if err != nil {
		return trainer.Options{}, err
	}
	steps, everyEpoch, err := cfg.Checkpointing()
	if err != nil {
		return trainer.Options{}, err
	}
	return trainer.Options{
		Variant: variant,
		Params: loss.Params{
			Beta:           cfg.DPOBeta,
			LabelSmoothing: cfg.DPOLabelSmoothing,
			GammaBetaRatio: cfg.DPOGammaBetaRatio,
		},
		Reduction:                 loss.Reduction(cfg.ReduceLoss),
		GradientAccumulationSteps: cfg.GradientAccumulationSteps,
		LoggingSteps:              cfg.LoggingSteps,
		CheckpointingSteps:        steps,
		CheckpointEveryEpoch:      everyEpoch,
		KeepLastNCheckpoints:      cfg.KeepLastNCheckpoints,
		NumTrainEpochs:            cfg.NumTrainEpochs,
		MaxTrainSteps:             cfg.MaxTrainSteps,
		ClipGradNorm:              cfg.ClipGradNorm,
		LoadBalancingLoss:         cfg.LoadBalancingLoss,
		LoadBalancingWeight:       cfg.LoadBalancingWeight,
		UseLoRA:                   cfg.UseLoRA,
		OutputDir:                 cfg.OutputDir,
		ResumeFromCheckpoint:      cfg.ResumeFromCheckpoint,
		OverwriteOutputDir:        cfg.OverwriteOutputDir,
		RunID:                     runID,
	}, nil
}

func runTrain(ctx context.Context, cfg config.Train) error {
	examples, err := loadDataset(cfg)
	if err != nil {
		return err
	}
	vocab := vocabSize(cfg, examples)
	runID := uuid.NewString()
	opts, err := trainerOptions(cfg, runID)
	if err != nil {
		return err
	}
	log.Info().
		Str("run_name", runName(cfg)).
		Str("run_id", runID).
		Int("num_examples", len(examples)).
		Int("vocab_size", vocab).
		Int("world_size", cfg.WorldSize).
		Msg("Starting training run")

	var reporter *trainer.JSONLReporter
	if cfg.OutputDir != "" {
		if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
			return fmt.Errorf("failed to create output dir: %w", err)
		}
		if err := config.WriteSnapshot(filepath.Join(cfg.OutputDir, ConfigSnapshotFile), cfg); err != nil {
			return err
		}
		if cfg.WithTracking {
			reporter, err = trainer.NewJSONLReporter(filepath.Join(cfg.OutputDir, TrackingFile))
			if err != nil {
				return err
			}
			defer func() {
				if err := reporter.Close(); err != nil {
					log.Warn().Err(err).Msg("Failed to close tracking file")
				}
			}()
		}
	}

	var (
		mu      sync.Mutex
		summary trainer.Summary
	)
	worker := func(ctx context.Context, g distributed.Group) error {
		s, err := trainWorker(ctx, cfg, opts, examples, vocab, g, reporter)
		if err != nil {
			return err
		}
		if g.IsMain() {
			mu.Lock()
			summary = s
			mu.Unlock()
		}
		return nil
	}
	if cfg.WorldSize == 1 {
		err = worker(ctx, distributed.Single{})
	} else {
		err = distributed.RunLocal(ctx, cfg.WorldSize, cfg.CollectiveTimeout(), worker)
	}
	if err != nil {
		return err
	}

	log.Info().
		Int("completed_steps", summary.CompletedSteps).
		Int("optimizer_steps", summary.OptimizerSteps).
		Float64("last_loss", summary.LastLoss).
		Dur("elapsed", summary.Duration).
		Msg("Training finished")

	if !cfg.PushToHub {
		return nil
	}
	if cfg.FlightAddr == "" {
		log.Warn().Msg("push_to_hub is set without flight_addr, skipping publish")
		return nil
	}
	name := hubModelID(cfg)
	if err := publishSummary(ctx, cfg.FlightAddr, name, summary); err != nil {
		log.Error().Err(err).Str("hub_model_id", name).Msg("Failed to publish run summary")
		return nil
	}
	if cfg.TryLaunchBeakerEvalJobs && cfg.OutputDir != "" {
		return writeEvalRequest(filepath.Join(cfg.OutputDir, EvalRequestFile), name, summary)
	}
	return nil
}

// trainWorker runs one rank of the job.
func trainWorker(ctx context.Context, cfg config.Train, opts trainer.Options, examples []data.Example, vocab int, g distributed.Group, reporter *trainer.JSONLReporter) (trainer.Summary, error) {
	loader, err := data.NewLoader(examples, cfg.PerDeviceTrainBatchSize, cfg.Seed, g.Rank(), g.Size(), true)
	if err != nil {
		return trainer.Summary{}, err
	}
	pol, err := policy.NewUnigram(make([]float64, vocab), cfg.WeightDecay, g)
	if err != nil {
		return trainer.Summary{}, err
	}
	if cfg.ModelNameOrPath != "" {
		if err := pol.LoadState(cfg.ModelNameOrPath, 0); err != nil {
			return trainer.Summary{}, fmt.Errorf("failed to load model %s: %w", cfg.ModelNameOrPath, err)
		}
	}
	plan, err := trainer.NewPlan(loader.Len(), cfg.GradientAccumulationSteps, cfg.NumTrainEpochs, cfg.MaxTrainSteps)
	if err != nil {
		return trainer.Summary{}, err
	}
	sched, err := policy.NewScheduler(cfg.LRSchedulerType, cfg.LearningRate, plan.MaxTrainSteps, cfg.WarmupRatio)
	if err != nil {
		return trainer.Summary{}, err
	}

	var store cache.Store
	if opts.Variant.NeedsReference() && cfg.OutputDir != "" {
		dir := filepath.Join(cfg.OutputDir, RefCacheDir, fmt.Sprintf("rank_%d", g.Rank()))
		as, err := cache.NewArrowStore(dir, nil)
		if err != nil {
			return trainer.Summary{}, err
		}
		store = as
		defer func() {
			if err := as.Close(); err != nil {
				log.Warn().Err(err).Int("rank", g.Rank()).Msg("Failed to close reference cache")
			}
			_ = os.Remove(dir)
			_ = os.Remove(filepath.Dir(dir))
		}()
	}

	var rep trainer.Reporter
	if reporter != nil {
		rep = reporter
	}
	c, err := trainer.New(opts, pol, sched, loader, g, store, rep)
	if err != nil {
		return trainer.Summary{}, err
	}
	c.OnTransition = func(from, to trainer.State) {
		log.Trace().Int("rank", g.Rank()).Stringer("from", from).Stringer("to", to).Msg("State transition")
	}
	return c.Run(ctx)
}

func publishSummary(ctx context.Context, addr, name string, s trainer.Summary) error {
	fc, err := client.NewFlightClient(addr)
	if err != nil {
		return err
	}
	defer func() {
		if err := fc.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close flight client")
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	pub := client.NewPublisher(fc, nil, nil)
	return pub.PublishFloats(ctx, name+"/summary", map[string]float64{
		"completed_steps":  float64(s.CompletedSteps),
		"optimizer_steps":  float64(s.OptimizerSteps),
		"epochs":           float64(s.Epochs),
		"last_loss":        s.LastLoss,
		"duration_seconds": s.Duration.Seconds(),
	})
}

type evalRequest struct {
	ModelName   string    `yaml:"model_name"`
	RunID       string    `yaml:"run_id"`
	ResumedFrom string    `yaml:"resumed_from,omitempty"`
	RequestedAt time.Time `yaml:"requested_at"`
}

// writeEvalRequest leaves a request for the evaluation launcher to pick up.
func writeEvalRequest(path, name string, s trainer.Summary) error {
	if err := config.WriteSnapshot(path, evalRequest{
		ModelName:   name,
		RunID:       s.RunID,
		ResumedFrom: s.ResumedFrom,
		RequestedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}
	log.Info().Str("path", path).Str("model_name", name).Msg("Wrote evaluation request")
	return nil
}
