package eval

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/23skdu/longbow-tuner/internal/client"
	"github.com/23skdu/longbow-tuner/internal/convert"
	"github.com/23skdu/longbow-tuner/internal/metrics"
	"github.com/23skdu/longbow-tuner/internal/tokenizer"
)

var tracer = otel.Tracer("tuner-eval")

const (
	PredictionsDir = "predictions"
	MetricsFile    = "metrics.json"
)

// Uploader publishes prediction tables.
type Uploader interface {
	PublishStrings(ctx context.Context, dataset string, cols []client.StringColumn) error
}

// Options configures a harness run.
type Options struct {
	DataDir            string
	SaveDir            string
	Engine             string
	MaxExamplesPerTask int
	MaxInputTokens     int

	// ChatFormatter is applied to every prompt when set.
	ChatFormatter ChatFormatter

	// UploadName prefixes uploaded prediction datasets.
	UploadName string
}

// TaskPrompts holds the prompts of one task that fit the input budget.
type TaskPrompts struct {
	Task          string
	Prompts       []string
	Golds         []any
	MoreSeqLength int
	LessSeqLength int
}

type TaskReport struct {
	Task                    string `json:"task"`
	NbExamplesMoreSeqLength int    `json:"nb_examples_more_seq_length"`
	NbExamplesLessSeqLength int    `json:"nb_examples_less_seq_length"`
	Generated               int    `json:"generated"`
	Unmatched               int    `json:"unmatched"`
	PredictionsFile         string `json:"predictions_file"`
}

type Report struct {
	RunID                   string       `json:"run_id"`
	Engine                  string       `json:"engine"`
	MaxInputTokens          int          `json:"max_input_tokens"`
	StartedAt               time.Time    `json:"started_at"`
	Tasks                   []TaskReport `json:"tasks"`
	NbExamplesMoreSeqLength int          `json:"nb_examples_more_seq_length"`
	NbExamplesLessSeqLength int          `json:"nb_examples_less_seq_length"`
}

// Prediction is one line of a task's predictions file.
type Prediction struct {
	Task       string `json:"task"`
	Prompt     string `json:"prompt"`
	GoldAnswer any    `json:"gold_answer"`
	Output     string `json:"output"`
}

// Harness runs the long-context evaluation over every task file of a
// directory.
type Harness struct {
	opts     Options
	counter  tokenizer.Counter
	gen      Generator
	uploader Uploader
}

// New builds a harness. uploader may be nil.
func New(opts Options, counter tokenizer.Counter, gen Generator, uploader Uploader) (*Harness, error) {
	if opts.MaxInputTokens <= 0 {
		return nil, fmt.Errorf("invalid max input tokens: %d (must be positive)", opts.MaxInputTokens)
	}
	if counter == nil || gen == nil {
		return nil, fmt.Errorf("harness needs a token counter and a generator")
	}
	return &Harness{opts: opts, counter: counter, gen: gen, uploader: uploader}, nil
}

// Prepare reads a task file and builds the prompts of the examples whose
// full input stays under the token budget. Longer examples are counted and
// left out.
func (h *Harness) Prepare(path string) (TaskPrompts, error) {
	task, err := TaskName(path)
	if err != nil {
		return TaskPrompts{}, err
	}
	examples, err := ReadExamples(path, h.opts.MaxExamplesPerTask)
	if err != nil {
		return TaskPrompts{}, err
	}

	tp := TaskPrompts{Task: task}
	for _, ex := range examples {
		full := ex.FullInput()
		if h.counter.Count(full) >= h.opts.MaxInputTokens {
			tp.MoreSeqLength++
			metrics.EvalExamples.WithLabelValues(task, "more_seq_length").Inc()
			continue
		}
		prompt := full
		if h.opts.ChatFormatter != nil {
			prompt, err = h.opts.ChatFormatter([]convert.Message{{Role: convert.RoleUser, Content: full}}, false)
			if err != nil {
				return TaskPrompts{}, err
			}
		}
		tp.Prompts = append(tp.Prompts, prompt)
		tp.Golds = append(tp.Golds, ex.Answer)
		tp.LessSeqLength++
		metrics.EvalExamples.WithLabelValues(task, "less_seq_length").Inc()
	}
	return tp, nil
}

// Run evaluates every task, writes predictions and metrics.json under
// SaveDir and returns the report.
func (h *Harness) Run(ctx context.Context) (Report, error) {
	report := Report{
		RunID:          uuid.NewString(),
		Engine:         h.opts.Engine,
		MaxInputTokens: h.opts.MaxInputTokens,
		StartedAt:      time.Now().UTC(),
	}
	predDir := filepath.Join(h.opts.SaveDir, PredictionsDir)
	if err := os.MkdirAll(predDir, 0o755); err != nil {
		return report, fmt.Errorf("failed to create predictions dir: %w", err)
	}
	log.Info().Str("dir", predDir).Msg("Will write predictions")

	files, err := ScanTasks(h.opts.DataDir)
	if err != nil {
		return report, err
	}
	for _, path := range files {
		tr, err := h.runTask(ctx, path, predDir)
		if err != nil {
			return report, err
		}
		report.Tasks = append(report.Tasks, tr)
		report.NbExamplesMoreSeqLength += tr.NbExamplesMoreSeqLength
		report.NbExamplesLessSeqLength += tr.NbExamplesLessSeqLength
	}

	log.Info().
		Int("nb_examples_more_seq_length", report.NbExamplesMoreSeqLength).
		Int("nb_examples_less_seq_length", report.NbExamplesLessSeqLength).
		Int("tasks", len(report.Tasks)).
		Msg("Evaluation finished")

	b, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return report, err
	}
	if err := os.WriteFile(filepath.Join(h.opts.SaveDir, MetricsFile), b, 0o644); err != nil {
		return report, fmt.Errorf("failed to write metrics: %w", err)
	}
	return report, nil
}

func (h *Harness) runTask(ctx context.Context, path, predDir string) (TaskReport, error) {
	ctx, span := tracer.Start(ctx, "EvaluateTask")
	defer span.End()

	log.Info().Str("file", path).Msg("Processing file")
	tp, err := h.Prepare(path)
	if err != nil {
		span.RecordError(err)
		return TaskReport{}, err
	}
	span.SetAttributes(
		attribute.String("task", tp.Task),
		attribute.Int("prompts", len(tp.Prompts)),
		attribute.Int("too_long", tp.MoreSeqLength),
	)
	log.Info().
		Str("task", tp.Task).
		Int("nb_examples_more_seq_length", tp.MoreSeqLength).
		Int("nb_examples_less_seq_length", tp.LessSeqLength).
		Msg("Prepared task")

	tr := TaskReport{
		Task:                    tp.Task,
		NbExamplesMoreSeqLength: tp.MoreSeqLength,
		NbExamplesLessSeqLength: tp.LessSeqLength,
		PredictionsFile:         filepath.Join(predDir, tp.Task+".jsonl"),
	}
	var gens []Generation
	if len(tp.Prompts) > 0 {
		gens, err = h.gen.Generate(ctx, tp.Prompts)
		if err != nil {
			span.RecordError(err)
			return tr, fmt.Errorf("generation failed for %s: %w", tp.Task, err)
		}
	}

	outputs := MatchOutputs(tp.Prompts, gens)
	preds := make([]Prediction, len(tp.Prompts))
	for i, p := range tp.Prompts {
		preds[i] = Prediction{Task: tp.Task, Prompt: p, GoldAnswer: tp.Golds[i], Output: outputs[i]}
		if outputs[i] == "" {
			tr.Unmatched++
		}
	}
	tr.Generated = len(gens)
	if err := writePredictions(tr.PredictionsFile, preds); err != nil {
		return tr, err
	}
	h.upload(ctx, tp.Task, preds)
	return tr, nil
}

// MatchOutputs returns the generated text for each prompt, matched by exact
// prompt equality. Prompts with no generation map to "".
func MatchOutputs(prompts []string, gens []Generation) []string {
	byPrompt := make(map[string]string, len(gens))
	for _, g := range gens {
		byPrompt[g.Prompt] = g.Text
	}
	out := make([]string, len(prompts))
	for i, p := range prompts {
		out[i] = byPrompt[p]
	}
	return out
}

func writePredictions(path string, preds []Prediction) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create predictions file: %w", err)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, p := range preds {
		if err := enc.Encode(p); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (h *Harness) upload(ctx context.Context, task string, preds []Prediction) {
	if h.uploader == nil || len(preds) == 0 {
		return
	}
	prompts := make([]string, len(preds))
	golds := make([]string, len(preds))
	outputs := make([]string, len(preds))
	for i, p := range preds {
		prompts[i] = p.Prompt
		outputs[i] = p.Output
		b, err := json.Marshal(p.GoldAnswer)
		if err != nil {
			log.Warn().Err(err).Str("task", task).Msg("Skipping upload, gold answer not encodable")
			return
		}
		golds[i] = string(b)
	}
	name := filepath.ToSlash(filepath.Join(h.opts.UploadName, PredictionsDir, task))
	err := h.uploader.PublishStrings(ctx, name, []client.StringColumn{
		{Name: "prompt", Values: prompts},
		{Name: "gold_answer", Values: golds},
		{Name: "output", Values: outputs},
	})
	if err != nil {
		log.Error().Err(err).Str("task", task).Msg("Failed to upload predictions")
	}
}
