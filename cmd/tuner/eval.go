package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-tuner/internal/client"
	"github.com/23skdu/longbow-tuner/internal/config"
	"github.com/23skdu/longbow-tuner/internal/eval"
	"github.com/23skdu/longbow-tuner/internal/tokenizer"
)

func newEvalCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Run evaluation harnesses",
	}
	cmd.AddCommand(newInfiniteBenchCmd(root))
	return cmd
}

func newInfiniteBenchCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "infinitebench",
		Short: "Generate predictions for every InfiniteBench task file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := root.viperFor(cmd)
			if err != nil {
				return err
			}
			cfg, err := config.LoadEval(v)
			if err != nil {
				return err
			}
			_, err = runInfiniteBench(cmd.Context(), cfg)
			return err
		},
	}

	d := config.DefaultEval()
	f := cmd.Flags()
	f.String("data_dir", d.DataDir, "Directory of task JSONL files")
	f.String("save_dir", d.SaveDir, "Where predictions and metrics.json are written")
	f.String("model_name_or_path", d.ModelNameOrPath, "Model served on a completions endpoint")
	f.String("openai_engine", d.OpenAIEngine, "Chat completions engine, e.g. gpt-4")
	f.String("base_url", d.BaseURL, "Override the endpoint base URL")
	f.String("api_key", "", "API key, defaults to $OPENAI_API_KEY")
	f.String("tokenizer_name_or_path", d.TokenizerNameOrPath, "WordPiece vocab.txt used to count input tokens")
	f.Int("max_num_examples_per_task", d.MaxNumExamplesPerTask, "Examples read per task (0 reads all)")
	f.Int("max_input_tokens", d.MaxInputTokens, "Input token budget (0 uses the per-model table)")
	f.Bool("use_chat_format", d.UseChatFormat, "Wrap prompts with the chat formatter")
	f.String("chat_formatting_function", d.ChatFormattingFunction, "Chat formatter (tulu, llama2, zephyr)")
	f.Float64("temperature", d.Temperature, "Sampling temperature")
	f.Float64("top_p", d.TopP, "Nucleus sampling threshold")
	f.Int("max_tokens", d.MaxTokens, "Tokens generated per prompt")
	f.Int("eval_batch_size", d.EvalBatchSize, "Concurrent generation requests")
	f.Int("request_timeout", d.RequestTimeout, "Per-request timeout in seconds")
	f.String("upload_to", d.UploadTo, "Flight server address to upload predictions to")
	f.String("hf_upload_name", d.UploadName, "Dataset prefix for uploaded predictions")
	f.Int("upload_failure_threshold", d.UploadFailAt, "Consecutive upload failures before uploads stop")
	return cmd
}

func newGenerator(cfg config.Eval) eval.Generator {
	params := eval.SamplingParams{
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
		MaxTokens:   cfg.MaxTokens,
	}
	timeout := time.Duration(cfg.RequestTimeout) * time.Second
	if cfg.OpenAIEngine != "" {
		return eval.NewOpenAIChat(cfg.BaseURL, cfg.APIKey, cfg.OpenAIEngine, params, cfg.EvalBatchSize, timeout)
	}
	return eval.NewCompletion(cfg.BaseURL, cfg.APIKey, cfg.ModelNameOrPath, params, cfg.EvalBatchSize, timeout)
}

func runInfiniteBench(ctx context.Context, cfg config.Eval) (eval.Report, error) {
	maxInput, err := eval.MaxInputTokens(cfg.Engine(), cfg.MaxInputTokens)
	if err != nil {
		return eval.Report{}, err
	}
	counter, err := tokenizer.Load(cfg.TokenizerNameOrPath)
	if err != nil {
		return eval.Report{}, err
	}
	opts := eval.Options{
		DataDir:            cfg.DataDir,
		SaveDir:            cfg.SaveDir,
		Engine:             cfg.Engine(),
		MaxExamplesPerTask: cfg.MaxNumExamplesPerTask,
		MaxInputTokens:     maxInput,
		UploadName:         cfg.UploadName,
	}
	if cfg.UseChatFormat {
		opts.ChatFormatter, err = eval.LookupChatFormatter(cfg.ChatFormattingFunction)
		if err != nil {
			return eval.Report{}, err
		}
	}

	var uploader eval.Uploader
	if cfg.UploadTo != "" {
		fc, err := client.NewFlightClient(cfg.UploadTo)
		if err != nil {
			return eval.Report{}, err
		}
		defer func() {
			if err := fc.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()
		uploader = client.NewPublisher(fc, client.NewCircuitBreaker(cfg.UploadFailAt, 0), nil)
		if opts.UploadName == "" {
			opts.UploadName = cfg.Engine()
		}
	}

	h, err := eval.New(opts, counter, newGenerator(cfg), uploader)
	if err != nil {
		return eval.Report{}, err
	}
	log.Info().
		Str("engine", opts.Engine).
		Int("max_input_tokens", maxInput).
		Str("data_dir", cfg.DataDir).
		Msg("Starting InfiniteBench evaluation")
	return h.Run(ctx)
}
