package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Training controller
	CompletedSteps = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tuner_train_completed_steps",
		Help: "Optimizer steps completed in the current run, including resumed steps",
	})

	OptimizerSteps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tuner_train_optimizer_steps_total",
		Help: "Optimizer steps taken by this process",
	})

	TrainLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tuner_train_loss",
		Help: "Last reported normalized training loss",
	})

	LearningRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tuner_train_learning_rate",
		Help: "Current learning rate",
	})

	MicroBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tuner_train_micro_batches_total",
		Help: "Micro-batches forwarded through the policy",
	})

	CheckpointSaveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tuner_checkpoint_save_duration_seconds",
		Help:    "Time spent persisting a checkpoint, sentinel included",
		Buckets: prometheus.DefBuckets,
	})

	CheckpointsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tuner_checkpoints_pruned_total",
		Help: "Checkpoint directories removed by the retention policy",
	})

	RefCacheBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tuner_refcache_batches_total",
		Help: "Batches whose reference log-probabilities were cached",
	})

	RefCacheSpillBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tuner_refcache_spill_bytes_total",
		Help: "Bytes written when spilling reference log-probabilities to disk",
	})

	// Evaluation harness
	EvalExamples = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tuner_eval_examples_total",
		Help: "Evaluation examples read, by task and length bucket",
	}, []string{"task", "bucket"})

	GenerationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tuner_eval_generation_duration_seconds",
		Help:    "Latency of a single generation request",
		Buckets: prometheus.DefBuckets,
	}, []string{"engine"})

	// Conversion
	ConvertedRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tuner_convert_records_total",
		Help: "Records seen by the dataset converter, by outcome",
	}, []string{"dataset", "outcome"})

	// Flight uploads
	Uploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tuner_flight_uploads_total",
		Help: "Record batches pushed over Arrow Flight, by outcome",
	}, []string{"outcome"})
)
