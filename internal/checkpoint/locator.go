package checkpoint

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// Kind is the unit a checkpoint ordinal counts.
type Kind string

const (
	KindEpoch Kind = "epoch"
	KindStep  Kind = "step"
)

// SentinelFile is written last into a checkpoint directory. A checkpoint
// without it is incomplete and never resumed from.
const SentinelFile = "COMPLETED"

// Record describes one checkpoint directory.
type Record struct {
	Path     string
	Ordinal  int
	Kind     Kind
	Complete bool
}

// Name returns the directory name for a checkpoint.
func Name(kind Kind, ordinal int) string {
	return fmt.Sprintf("%s_%d", kind, ordinal)
}

// ParseName accepts epoch_<n> and step_<n>.
func ParseName(name string) (Kind, int, bool) {
	for _, k := range []Kind{KindEpoch, KindStep} {
		prefix := string(k) + "_"
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
		if err != nil || n < 0 {
			return "", 0, false
		}
		return k, n, true
	}
	return "", 0, false
}

// Inspect builds a Record for a single checkpoint path.
func Inspect(path string) (Record, bool) {
	kind, ordinal, ok := ParseName(filepath.Base(filepath.Clean(path)))
	if !ok {
		return Record{}, false
	}
	return Record{
		Path:     path,
		Ordinal:  ordinal,
		Kind:     kind,
		Complete: fileExists(filepath.Join(path, SentinelFile)),
	}, true
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

// Scan lists checkpoint directories in dir, ordered by ordinal. A missing
// dir yields no records.
func Scan(dir string) ([]Record, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan checkpoints: %w", err)
	}
	var out []Record
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if rec, ok := Inspect(filepath.Join(dir, e.Name())); ok {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Ordinal != out[j].Ordinal {
			return out[i].Ordinal < out[j].Ordinal
		}
		return out[i].Kind < out[j].Kind
	})
	return out, nil
}

// Latest returns the complete checkpoint with the highest ordinal, or nil.
// When both kinds are present, step checkpoints win.
func Latest(dir string) (*Record, error) {
	recs, err := Scan(dir)
	if err != nil {
		return nil, err
	}
	best := map[Kind]*Record{}
	for i := range recs {
		r := &recs[i]
		if !r.Complete {
			log.Debug().Str("path", r.Path).Msg("Skipping incomplete checkpoint")
			continue
		}
		if cur := best[r.Kind]; cur == nil || r.Ordinal > cur.Ordinal {
			best[r.Kind] = r
		}
	}
	if step := best[KindStep]; step != nil {
		if best[KindEpoch] != nil {
			log.Info().Msg("Mixed step and epoch checkpoints found, using step checkpoints")
		}
		return step, nil
	}
	return best[KindEpoch], nil
}

// Resolve picks the checkpoint to resume from. An explicit path wins but is
// ignored when incomplete; otherwise outputDir is scanned unless overwrite
// is set.
func Resolve(outputDir, resumeFrom string, overwrite bool) (*Record, error) {
	if resumeFrom != "" {
		rec, ok := Inspect(resumeFrom)
		if !ok {
			return nil, fmt.Errorf("cannot infer resume position from checkpoint name %q", filepath.Base(resumeFrom))
		}
		if !rec.Complete {
			log.Warn().Str("path", resumeFrom).Msg("Requested checkpoint is incomplete, starting from scratch")
			return nil, nil
		}
		return &rec, nil
	}
	if outputDir == "" || overwrite {
		return nil, nil
	}
	return Latest(outputDir)
}

// State is the resume position derived from a checkpoint.
type State struct {
	CompletedSteps int
	StartingEpoch  int

	// ResumeStep is the number of leading batches of StartingEpoch already
	// consumed; nil when resuming at an epoch boundary.
	ResumeStep *int
}

// Skip returns the resume step or 0.
func (s State) Skip() int {
	if s.ResumeStep == nil {
		return 0
	}
	return *s.ResumeStep
}

// ResumeState reconstructs the training position. A nil record is a fresh
// start.
func ResumeState(rec *Record, gradAccum, batchesPerEpoch, updatesPerEpoch int) State {
	if rec == nil {
		return State{}
	}
	if rec.Kind == KindEpoch {
		start := rec.Ordinal + 1
		return State{
			CompletedSteps: start * updatesPerEpoch,
			StartingEpoch:  start,
		}
	}
	resume := rec.Ordinal * gradAccum
	start := resume / batchesPerEpoch
	completed := resume / gradAccum
	resume -= start * batchesPerEpoch
	return State{
		CompletedSteps: completed,
		StartingEpoch:  start,
		ResumeStep:     &resume,
	}
}
