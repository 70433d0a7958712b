package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var (
	ErrDatasetSelection = errors.New("invalid dataset selection")
	ErrEngineSelection  = errors.New("either model_name_or_path or openai_engine should be specified")
)

// Train holds every knob of a preference-tuning run.
type Train struct {
	ExpName string `mapstructure:"exp_name" yaml:"exp_name"`
	RunName string `mapstructure:"run_name" yaml:"run_name,omitempty"`

	// Exactly one dataset mechanism must be set. DatasetName is a local
	// tokenized JSONL file.
	DatasetName      string             `mapstructure:"dataset_name" yaml:"dataset_name,omitempty"`
	DatasetMixer     map[string]float64 `mapstructure:"-" yaml:"dataset_mixer,omitempty"`
	DatasetMixerList []string           `mapstructure:"dataset_mixer_list" yaml:"dataset_mixer_list,omitempty"`
	MaxTrainSamples  int                `mapstructure:"max_train_samples" yaml:"max_train_samples,omitempty"`

	ModelNameOrPath string `mapstructure:"model_name_or_path" yaml:"model_name_or_path,omitempty"`
	VocabSize       int    `mapstructure:"vocab_size" yaml:"vocab_size,omitempty"`
	UseLoRA         bool   `mapstructure:"use_lora" yaml:"use_lora"`

	DPOBeta           float64 `mapstructure:"dpo_beta" yaml:"dpo_beta"`
	DPOLossType       string  `mapstructure:"dpo_loss_type" yaml:"dpo_loss_type"`
	DPOGammaBetaRatio float64 `mapstructure:"dpo_gamma_beta_ratio" yaml:"dpo_gamma_beta_ratio"`
	DPOLabelSmoothing float64 `mapstructure:"dpo_label_smoothing" yaml:"dpo_label_smoothing"`
	ReduceLoss        string  `mapstructure:"reduce_loss" yaml:"reduce_loss"`

	LearningRate              float64 `mapstructure:"learning_rate" yaml:"learning_rate"`
	LRSchedulerType           string  `mapstructure:"lr_scheduler_type" yaml:"lr_scheduler_type"`
	WarmupRatio               float64 `mapstructure:"warmup_ratio" yaml:"warmup_ratio"`
	WeightDecay               float64 `mapstructure:"weight_decay" yaml:"weight_decay"`
	NumTrainEpochs            int     `mapstructure:"num_train_epochs" yaml:"num_train_epochs"`
	MaxTrainSteps             int     `mapstructure:"max_train_steps" yaml:"max_train_steps,omitempty"`
	PerDeviceTrainBatchSize   int     `mapstructure:"per_device_train_batch_size" yaml:"per_device_train_batch_size"`
	GradientAccumulationSteps int     `mapstructure:"gradient_accumulation_steps" yaml:"gradient_accumulation_steps"`
	ClipGradNorm              float64 `mapstructure:"clip_grad_norm" yaml:"clip_grad_norm"`
	LoadBalancingLoss         bool    `mapstructure:"load_balancing_loss" yaml:"load_balancing_loss"`
	LoadBalancingWeight       float64 `mapstructure:"load_balancing_weight" yaml:"load_balancing_weight"`
	Seed                      uint64  `mapstructure:"seed" yaml:"seed"`

	OutputDir            string `mapstructure:"output_dir" yaml:"output_dir"`
	OverwriteOutputDir   bool   `mapstructure:"overwrite_output_dir" yaml:"overwrite_output_dir"`
	ResumeFromCheckpoint string `mapstructure:"resume_from_checkpoint" yaml:"resume_from_checkpoint,omitempty"`
	LoggingSteps         int    `mapstructure:"logging_steps" yaml:"logging_steps,omitempty"`

	// CheckpointingSteps is a positive step interval or "epoch".
	CheckpointingSteps   string `mapstructure:"checkpointing_steps" yaml:"checkpointing_steps,omitempty"`
	KeepLastNCheckpoints int    `mapstructure:"keep_last_n_checkpoints" yaml:"keep_last_n_checkpoints"`

	WorldSize int `mapstructure:"world_size" yaml:"world_size"`

	// Timeout bounds every collective, in seconds.
	Timeout int `mapstructure:"timeout" yaml:"timeout"`

	WithTracking            bool   `mapstructure:"with_tracking" yaml:"with_tracking"`
	ReportTo                string `mapstructure:"report_to" yaml:"report_to"`
	PushToHub               bool   `mapstructure:"push_to_hub" yaml:"push_to_hub"`
	HubModelID              string `mapstructure:"hub_model_id" yaml:"hub_model_id,omitempty"`
	FlightAddr              string `mapstructure:"flight_addr" yaml:"flight_addr,omitempty"`
	TryLaunchBeakerEvalJobs bool   `mapstructure:"try_launch_beaker_eval_jobs" yaml:"try_launch_beaker_eval_jobs"`
}

// DefaultTrain returns the stock training configuration.
func DefaultTrain() Train {
	return Train{
		ExpName: "dpo_tune_cache",

		DPOBeta:           0.1,
		DPOLossType:       "dpo",
		DPOGammaBetaRatio: 0.3,
		ReduceLoss:        "mean",

		LearningRate:              2e-5,
		LRSchedulerType:           "linear",
		WarmupRatio:               0.03,
		NumTrainEpochs:            2,
		PerDeviceTrainBatchSize:   8,
		GradientAccumulationSteps: 1,
		ClipGradNorm:              -1,
		LoadBalancingWeight:       0.001,
		Seed:                      42,

		OutputDir:            "output/",
		KeepLastNCheckpoints: 3,
		WorldSize:            1,
		Timeout:              1800,

		ReportTo:                "all",
		PushToHub:               true,
		TryLaunchBeakerEvalJobs: true,
	}
}

func (c *Train) Validate() error {
	if c.ReduceLoss != "mean" && c.ReduceLoss != "sum" {
		return fmt.Errorf("invalid reduce_loss: %q (must be mean or sum)", c.ReduceLoss)
	}
	selected := 0
	if c.DatasetName != "" {
		selected++
	}
	if len(c.DatasetMixer) > 0 {
		selected++
	}
	if len(c.DatasetMixerList) > 0 {
		selected++
	}
	if selected == 0 {
		return fmt.Errorf("%w: need either a dataset name, dataset mixer, or dataset mixer list", ErrDatasetSelection)
	}
	if selected > 1 {
		return fmt.Errorf("%w: cannot provide two dataset selection mechanisms", ErrDatasetSelection)
	}
	if c.TryLaunchBeakerEvalJobs && !c.PushToHub {
		return fmt.Errorf("cannot launch evaluation jobs without pushing to the hub")
	}
	if c.PerDeviceTrainBatchSize <= 0 {
		return fmt.Errorf("invalid per_device_train_batch_size: %d (must be positive)", c.PerDeviceTrainBatchSize)
	}
	if c.GradientAccumulationSteps <= 0 {
		return fmt.Errorf("invalid gradient_accumulation_steps: %d (must be positive)", c.GradientAccumulationSteps)
	}
	if c.MaxTrainSteps <= 0 && c.NumTrainEpochs <= 0 {
		return fmt.Errorf("invalid num_train_epochs: %d (must be positive when max_train_steps is unset)", c.NumTrainEpochs)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("invalid learning_rate: %g (must be positive)", c.LearningRate)
	}
	if c.WarmupRatio < 0 || c.WarmupRatio > 1 {
		return fmt.Errorf("invalid warmup_ratio: %g (must be within [0, 1])", c.WarmupRatio)
	}
	if c.LoggingSteps < 0 {
		return fmt.Errorf("invalid logging_steps: %d (must be non-negative)", c.LoggingSteps)
	}
	if c.KeepLastNCheckpoints < -1 {
		return fmt.Errorf("invalid keep_last_n_checkpoints: %d (must be -1 or greater)", c.KeepLastNCheckpoints)
	}
	if c.WorldSize <= 0 {
		return fmt.Errorf("invalid world_size: %d (must be positive)", c.WorldSize)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("invalid timeout: %d (must be positive)", c.Timeout)
	}
	if c.VocabSize < 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be non-negative)", c.VocabSize)
	}
	if _, _, err := c.Checkpointing(); err != nil {
		return err
	}
	return nil
}

// Checkpointing decodes CheckpointingSteps. Both results are zero when
// checkpointing is off.
func (c *Train) Checkpointing() (steps int, everyEpoch bool, err error) {
	switch s := strings.TrimSpace(c.CheckpointingSteps); {
	case s == "":
		return 0, false, nil
	case s == "epoch":
		return 0, true, nil
	default:
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return 0, false, fmt.Errorf("invalid checkpointing_steps: %q (must be a positive integer or \"epoch\")", s)
		}
		return n, false, nil
	}
}

// CollectiveTimeout is Timeout as a duration.
func (c *Train) CollectiveTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// Eval configures the InfiniteBench harness.
type Eval struct {
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
	SaveDir string `mapstructure:"save_dir" yaml:"save_dir"`

	ModelNameOrPath     string `mapstructure:"model_name_or_path" yaml:"model_name_or_path,omitempty"`
	OpenAIEngine        string `mapstructure:"openai_engine" yaml:"openai_engine,omitempty"`
	BaseURL             string `mapstructure:"base_url" yaml:"base_url,omitempty"`
	APIKey              string `mapstructure:"api_key" yaml:"-"`
	TokenizerNameOrPath string `mapstructure:"tokenizer_name_or_path" yaml:"tokenizer_name_or_path,omitempty"`

	MaxNumExamplesPerTask  int    `mapstructure:"max_num_examples_per_task" yaml:"max_num_examples_per_task,omitempty"`
	MaxInputTokens         int    `mapstructure:"max_input_tokens" yaml:"max_input_tokens,omitempty"`
	UseChatFormat          bool   `mapstructure:"use_chat_format" yaml:"use_chat_format"`
	ChatFormattingFunction string `mapstructure:"chat_formatting_function" yaml:"chat_formatting_function"`

	Temperature    float64 `mapstructure:"temperature" yaml:"temperature"`
	TopP           float64 `mapstructure:"top_p" yaml:"top_p"`
	MaxTokens      int     `mapstructure:"max_tokens" yaml:"max_tokens"`
	EvalBatchSize  int     `mapstructure:"eval_batch_size" yaml:"eval_batch_size"`
	RequestTimeout int     `mapstructure:"request_timeout" yaml:"request_timeout"`

	UploadTo     string `mapstructure:"upload_to" yaml:"upload_to,omitempty"`
	UploadName   string `mapstructure:"hf_upload_name" yaml:"hf_upload_name,omitempty"`
	UploadFailAt int    `mapstructure:"upload_failure_threshold" yaml:"upload_failure_threshold"`
}

func DefaultEval() Eval {
	return Eval{
		SaveDir:                "results/infinitebench",
		ChatFormattingFunction: "tulu",
		Temperature:            1,
		TopP:                   1,
		MaxTokens:              512,
		EvalBatchSize:          1,
		RequestTimeout:         600,
		UploadFailAt:           3,
	}
}

func (c *Eval) Validate() error {
	if (c.ModelNameOrPath == "") == (c.OpenAIEngine == "") {
		return ErrEngineSelection
	}
	if c.DataDir == "" {
		return fmt.Errorf("invalid data_dir: must be set")
	}
	if c.SaveDir == "" {
		return fmt.Errorf("invalid save_dir: must be set")
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("invalid max_tokens: %d (must be positive)", c.MaxTokens)
	}
	if c.EvalBatchSize <= 0 {
		return fmt.Errorf("invalid eval_batch_size: %d (must be positive)", c.EvalBatchSize)
	}
	if c.MaxInputTokens < 0 {
		return fmt.Errorf("invalid max_input_tokens: %d (must be non-negative)", c.MaxInputTokens)
	}
	if c.Temperature < 0 {
		return fmt.Errorf("invalid temperature: %g (must be non-negative)", c.Temperature)
	}
	if c.TopP <= 0 || c.TopP > 1 {
		return fmt.Errorf("invalid top_p: %g (must be within (0, 1])", c.TopP)
	}
	return nil
}

// Engine is the name of the generation backend in use.
func (c *Eval) Engine() string {
	if c.OpenAIEngine != "" {
		return c.OpenAIEngine
	}
	return c.ModelNameOrPath
}

// Convert configures an SFT dataset conversion.
type Convert struct {
	InputFile                string `mapstructure:"input_file" yaml:"input_file"`
	PushToHub                bool   `mapstructure:"push_to_hub" yaml:"push_to_hub"`
	HFEntity                 string `mapstructure:"hf_entity" yaml:"hf_entity,omitempty"`
	ConvertedDatasetName     string `mapstructure:"converted_dataset_name" yaml:"converted_dataset_name"`
	LocalSaveDir             string `mapstructure:"local_save_dir" yaml:"local_save_dir,omitempty"`
	ApplyKeywordFilters      bool   `mapstructure:"apply_keyword_filters" yaml:"apply_keyword_filters"`
	ApplyEmptyMessageFilters bool   `mapstructure:"apply_empty_message_filters" yaml:"apply_empty_message_filters"`
	FlightAddr               string `mapstructure:"flight_addr" yaml:"flight_addr,omitempty"`
}

// DefaultConvert returns defaults for the named converter.
func DefaultConvert(dataset string) Convert {
	return Convert{ConvertedDatasetName: dataset + "_converted"}
}

func (c *Convert) Validate() error {
	if c.InputFile == "" {
		return fmt.Errorf("invalid input_file: must be set")
	}
	if c.ConvertedDatasetName == "" {
		return fmt.Errorf("invalid converted_dataset_name: must be set")
	}
	if c.PushToHub && c.FlightAddr == "" {
		return fmt.Errorf("invalid flight_addr: required when push_to_hub is set")
	}
	return nil
}

// ReadFile merges a YAML file into v. An empty path is a no-op.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return nil
}

// LoadTrain decodes and validates a training config from v on top of the
// defaults.
func LoadTrain(v *viper.Viper) (Train, error) {
	cfg := DefaultTrain()
	if err := v.Unmarshal(&cfg); err != nil {
		return Train{}, fmt.Errorf("failed to decode config: %w", err)
	}
	mixer, err := ParseDictField(v.Get("dataset_mixer"))
	if err != nil {
		return Train{}, fmt.Errorf("invalid dataset_mixer: %w", err)
	}
	cfg.DatasetMixer = mixer
	if err := cfg.Validate(); err != nil {
		return Train{}, err
	}
	return cfg, nil
}

func LoadEval(v *viper.Viper) (Eval, error) {
	cfg := DefaultEval()
	if err := v.Unmarshal(&cfg); err != nil {
		return Eval{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if err := cfg.Validate(); err != nil {
		return Eval{}, err
	}
	return cfg, nil
}

func LoadConvert(v *viper.Viper, dataset string) (Convert, error) {
	cfg := DefaultConvert(dataset)
	if err := v.Unmarshal(&cfg); err != nil {
		return Convert{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Convert{}, err
	}
	return cfg, nil
}

// ParseDictField accepts a mapping either decoded from YAML or given on the
// command line as a JSON object string.
func ParseDictField(raw any) (map[string]float64, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil, nil
		}
		if !strings.HasPrefix(s, "{") {
			return nil, fmt.Errorf("expected a JSON object, got %q", s)
		}
		out := map[string]float64{}
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, err
		}
		return out, nil
	case map[string]float64:
		return v, nil
	case map[string]any:
		out := make(map[string]float64, len(v))
		for k, val := range v {
			f, err := toFloat(val)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = f
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported type %T", raw)
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(n, 64)
	}
	return 0, fmt.Errorf("not a number: %v", v)
}

// WriteSnapshot writes cfg as YAML to path.
func WriteSnapshot(path string, cfg any) error {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("failed to write config snapshot: %w", err)
	}
	return nil
}
