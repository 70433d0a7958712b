package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-tuner/internal/client"
	"github.com/23skdu/longbow-tuner/internal/config"
	"github.com/23skdu/longbow-tuner/internal/convert"
)

func newConvertCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Convert public SFT datasets into the messages format",
	}
	for _, name := range convert.Names() {
		conv, err := convert.Lookup(name)
		if err != nil {
			continue
		}
		cmd.AddCommand(newConvertDatasetCmd(root, conv))
	}
	return cmd
}

func newConvertDatasetCmd(root *rootOptions, conv convert.Converter) *cobra.Command {
	cmd := &cobra.Command{
		Use:   conv.Name,
		Short: "Convert " + conv.Title + " (" + conv.Source + ")",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := root.viperFor(cmd)
			if err != nil {
				return err
			}
			cfg, err := config.LoadConvert(v, conv.Name)
			if err != nil {
				return err
			}
			_, err = runConvert(cmd.Context(), conv, cfg)
			return err
		},
	}

	d := config.DefaultConvert(conv.Name)
	f := cmd.Flags()
	f.String("input_file", d.InputFile, "Raw JSONL file to convert")
	f.Bool("push_to_hub", d.PushToHub, "Publish the converted dataset over Flight")
	f.String("hf_entity", d.HFEntity, "Namespace of the published dataset")
	f.String("converted_dataset_name", d.ConvertedDatasetName, "Name of the converted dataset")
	f.String("local_save_dir", d.LocalSaveDir, "Directory to save train.jsonl and README.md into")
	f.Bool("apply_keyword_filters", d.ApplyKeywordFilters, "Drop examples whose responses mention model providers")
	f.Bool("apply_empty_message_filters", d.ApplyEmptyMessageFilters, "Drop examples with empty messages")
	f.String("flight_addr", d.FlightAddr, "Flight server address for publishing")
	return cmd
}

func runConvert(ctx context.Context, conv convert.Converter, cfg config.Convert) (convert.Stats, error) {
	var up convert.Uploader
	if cfg.PushToHub {
		fc, err := client.NewFlightClient(cfg.FlightAddr)
		if err != nil {
			return convert.Stats{}, err
		}
		defer func() {
			if err := fc.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		up = client.NewPublisher(fc, nil, nil)
	}
	return convert.Run(ctx, conv, cfg, up)
}
