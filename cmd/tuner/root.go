package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/23skdu/longbow-tuner/internal/config"
	"github.com/23skdu/longbow-tuner/internal/logger"
)

type rootOptions struct {
	configFile  string
	logLevel    string
	logFormat   string
	enableOTel  bool
	metricsAddr string

	shutdownTracer func(context.Context) error
	stopServer     func(context.Context) error
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "tuner",
		Short: "Preference tuning with cached reference log-probs",
		Long: `tuner trains a policy with DPO-family losses against a cached reference,
converts SFT datasets and runs the InfiniteBench long-context evaluation.

Example:
  tuner train --config dpo.yaml --dataset_name data/prefs.jsonl
  tuner eval infinitebench --data_dir data/infbench --openai_engine gpt-4
  tuner convert lima --input_file lima/train.jsonl --local_save_dir out/lima`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger.Setup(opts.logLevel, opts.logFormat)
			if opts.enableOTel {
				shutdown, err := initTracer()
				if err != nil {
					return err
				}
				opts.shutdownTracer = shutdown
			}
			if opts.metricsAddr != "" {
				opts.stopServer = startMetricsServer(opts.metricsAddr)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			opts.close()
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.configFile, "config", "", "YAML config file, overridden by flags")
	pf.StringVar(&opts.logLevel, "log_level", "info", "Log level (trace, debug, info, warn, error)")
	pf.StringVar(&opts.logFormat, "log_format", "console", "Log format (console, json)")
	pf.BoolVar(&opts.enableOTel, "otel", false, "Enable OpenTelemetry tracing (stdout)")
	pf.StringVar(&opts.metricsAddr, "metrics_addr", "", "Address to serve /metrics and /health on (e.g. :9100)")

	cmd.AddCommand(newTrainCmd(opts), newEvalCmd(opts), newConvertCmd(opts))
	return cmd
}

// viperFor binds the local flags of cmd and merges the config file.
func (o *rootOptions) viperFor(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	if err := config.ReadFile(v, o.configFile); err != nil {
		return nil, err
	}
	return v, nil
}

func (o *rootOptions) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if o.stopServer != nil {
		if err := o.stopServer(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to stop metrics server")
		}
	}
	if o.shutdownTracer != nil {
		if err := o.shutdownTracer(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to shut down tracer")
		}
	}
}
