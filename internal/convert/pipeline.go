package convert

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/23skdu/longbow-tuner/internal/client"
	"github.com/23skdu/longbow-tuner/internal/config"
	"github.com/23skdu/longbow-tuner/internal/metrics"
)

var tracer = otel.Tracer("tuner-convert")

const (
	OutputFile = "train.jsonl"
	ReadmeFile = "README.md"
)

// Uploader publishes a converted table.
type Uploader interface {
	PublishStrings(ctx context.Context, dataset string, cols []client.StringColumn) error
}

// Stats counts what happened to the input rows.
type Stats struct {
	Read           int
	Skipped        int
	KeywordFilter  int
	EmptyFilter    int
	Written        int
	OutputPath     string
	PublishedUnder string
}

// Run converts cfg.InputFile with conv, applies the configured filters, saves
// locally when LocalSaveDir is set and publishes when PushToHub is set.
func Run(ctx context.Context, conv Converter, cfg config.Convert, up Uploader) (Stats, error) {
	ctx, span := tracer.Start(ctx, "ConvertDataset")
	defer span.End()
	span.SetAttributes(attribute.String("dataset", conv.Name))

	records, stats, err := convertFile(ctx, conv, cfg)
	if err != nil {
		span.RecordError(err)
		return stats, err
	}
	log.Info().
		Str("dataset", conv.Name).
		Int("read", stats.Read).
		Int("skipped", stats.Skipped).
		Int("keyword_filtered", stats.KeywordFilter).
		Int("empty_filtered", stats.EmptyFilter).
		Int("kept", len(records)).
		Msg("Converted dataset")

	if cfg.LocalSaveDir != "" {
		path, err := save(cfg.LocalSaveDir, records, Readme(conv, cfg))
		if err != nil {
			span.RecordError(err)
			return stats, err
		}
		stats.OutputPath = path
		log.Info().Str("path", path).Msg("Saved converted dataset")
	}

	if cfg.PushToHub {
		if up == nil {
			return stats, fmt.Errorf("push_to_hub is set but no uploader is configured")
		}
		name := DatasetID(cfg)
		cols, err := Columns(records)
		if err != nil {
			return stats, err
		}
		if err := up.PublishStrings(ctx, name, cols); err != nil {
			span.RecordError(err)
			return stats, err
		}
		stats.PublishedUnder = name
	}
	stats.Written = len(records)
	span.SetAttributes(attribute.Int("written", stats.Written))
	return stats, nil
}

func convertFile(ctx context.Context, conv Converter, cfg config.Convert) ([]Record, Stats, error) {
	var stats Stats
	f, err := os.Open(cfg.InputFile)
	if err != nil {
		return nil, stats, fmt.Errorf("failed to open input: %w", err)
	}
	defer f.Close()

	outcome := func(o string) {
		metrics.ConvertedRecords.WithLabelValues(conv.Name, o).Inc()
	}

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<20), 64<<20)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		if line%10000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, stats, err
			}
		}
		stats.Read++

		if conv.Keep != nil {
			keep, err := conv.Keep(raw)
			if err != nil {
				return nil, stats, fmt.Errorf("%s:%d: %w", cfg.InputFile, line, err)
			}
			if !keep {
				stats.Skipped++
				outcome("skipped")
				continue
			}
		}
		rec, err := conv.ConvertLine(raw)
		if err != nil {
			return nil, stats, fmt.Errorf("%s:%d: %w", cfg.InputFile, line, err)
		}
		if len(rec.Messages) == 0 {
			stats.Skipped++
			outcome("skipped")
			continue
		}
		if cfg.ApplyKeywordFilters && MentionsModelProvider(rec.Messages) {
			stats.KeywordFilter++
			outcome("keyword_filtered")
			continue
		}
		if cfg.ApplyEmptyMessageFilters && HasEmptyMessage(rec.Messages) {
			stats.EmptyFilter++
			outcome("empty_filtered")
			continue
		}
		outcome("kept")
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, stats, fmt.Errorf("failed to read %s: %w", cfg.InputFile, err)
	}
	return out, stats, nil
}

func save(dir string, records []Record, readme string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, OutputFile)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return "", err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, ReadmeFile), []byte(readme), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// DatasetID is the published dataset name, prefixed by the entity if any.
func DatasetID(cfg config.Convert) string {
	if cfg.HFEntity == "" {
		return cfg.ConvertedDatasetName
	}
	return cfg.HFEntity + "/" + cfg.ConvertedDatasetName
}

// Columns flattens records into a single JSON-encoded messages column.
func Columns(records []Record) ([]client.StringColumn, error) {
	values := make([]string, len(records))
	for i, r := range records {
		b, err := json.Marshal(r.Messages)
		if err != nil {
			return nil, err
		}
		values[i] = string(b)
	}
	return []client.StringColumn{{Name: "messages", Values: values}}, nil
}

// Readme describes where the converted dataset came from and the parameters
// used.
func Readme(conv Converter, cfg config.Convert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "This is a converted version of the %s dataset into Tulu SFT training format.\n\n", conv.Title)
	fmt.Fprintf(&b, "The conversion was produced by `tuner convert %s` (%s).\n", conv.Name, conv.ScriptPath)
	b.WriteString("The conversion took the following parameters:\n")
	fmt.Fprintf(&b, "- apply_keyword_filters: %t\n", cfg.ApplyKeywordFilters)
	fmt.Fprintf(&b, "- apply_empty_message_filters: %t\n", cfg.ApplyEmptyMessageFilters)
	fmt.Fprintf(&b, "- push_to_hub: %t\n", cfg.PushToHub)
	fmt.Fprintf(&b, "- hf_entity: %s\n", orNone(cfg.HFEntity))
	fmt.Fprintf(&b, "- converted_dataset_name: %s\n", cfg.ConvertedDatasetName)
	fmt.Fprintf(&b, "- local_save_dir: %s\n\n", orNone(cfg.LocalSaveDir))
	fmt.Fprintf(&b, "Please refer to the [original dataset](%s) for more information about this dataset and the license.\n", conv.Source)
	return b.String()
}

func orNone(s string) string {
	if s == "" {
		return "None"
	}
	return s
}
