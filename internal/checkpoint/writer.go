package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-tuner/internal/distributed"
	"github.com/23skdu/longbow-tuner/internal/metrics"
)

// TrainerStateFile holds controller bookkeeping next to the policy shards.
const TrainerStateFile = "trainer_state.cbor"

// TrainerState is the controller's part of a checkpoint.
type TrainerState struct {
	CompletedSteps int       `cbor:"completed_steps"`
	Epoch          int       `cbor:"epoch"`
	Episode        int64     `cbor:"episode"`
	RunID          string    `cbor:"run_id"`
	SavedAt        time.Time `cbor:"saved_at"`
}

// ReadTrainerState loads the controller state from a checkpoint directory.
func ReadTrainerState(dir string) (TrainerState, error) {
	var st TrainerState
	b, err := os.ReadFile(filepath.Join(dir, TrainerStateFile))
	if err != nil {
		return st, fmt.Errorf("failed to read trainer state: %w", err)
	}
	if err := cbor.Unmarshal(b, &st); err != nil {
		return st, fmt.Errorf("failed to decode trainer state: %w", err)
	}
	return st, nil
}

// ShardFunc writes one worker's state into dir.
type ShardFunc func(dir string, rank int) error

// Writer persists checkpoints under Dir. Every worker must call Save with
// the same name; only the main worker touches directories.
type Writer struct {
	Dir   string
	Group distributed.Group
	// Keep is the retention count: -1 keeps everything.
	Keep int
}

// Save writes checkpoint name. A sentinel left from an earlier save of the
// same name is removed before any shard is written, and the new one is
// written only after every worker's shard and the trainer state are durable.
func (w *Writer) Save(ctx context.Context, name string, shard ShardFunc, st TrainerState) (string, error) {
	start := time.Now()
	defer func() {
		metrics.CheckpointSaveDuration.Observe(time.Since(start).Seconds())
	}()

	g := w.Group
	if g == nil {
		g = distributed.Single{}
	}
	dir := filepath.Join(w.Dir, name)

	if g.IsMain() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create checkpoint dir: %w", err)
		}
		if err := clearSentinel(dir); err != nil {
			return "", err
		}
	}
	if err := g.Barrier(ctx); err != nil {
		return "", err
	}

	if err := shard(dir, g.Rank()); err != nil {
		return "", fmt.Errorf("failed to write shard for rank %d: %w", g.Rank(), err)
	}
	if err := g.Barrier(ctx); err != nil {
		return "", err
	}

	if g.IsMain() {
		if err := writeTrainerState(dir, st); err != nil {
			return "", err
		}
		if err := writeSentinel(dir); err != nil {
			return "", err
		}
		if _, err := prune(w.Dir, w.Keep, dir); err != nil {
			return "", err
		}
		log.Info().Str("path", dir).Int("completed_steps", st.CompletedSteps).Msg("Checkpoint saved")
	}
	if err := g.Barrier(ctx); err != nil {
		return "", err
	}
	return dir, nil
}

func writeTrainerState(dir string, st TrainerState) error {
	b, err := cbor.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode trainer state: %w", err)
	}
	return writeSynced(filepath.Join(dir, TrainerStateFile), b)
}

func writeSentinel(dir string) error {
	if err := writeSynced(filepath.Join(dir, SentinelFile), nil); err != nil {
		return fmt.Errorf("failed to mark checkpoint complete: %w", err)
	}
	return syncDir(dir)
}

func clearSentinel(dir string) error {
	err := os.Remove(filepath.Join(dir, SentinelFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to invalidate checkpoint %s: %w", dir, err)
	}
	log.Debug().Str("path", dir).Msg("Overwriting complete checkpoint")
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	return d.Sync()
}

func writeSynced(path string, b []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Prune keeps the last keep complete checkpoints by ordinal. keep < 0 keeps
// everything, keep == 0 removes every checkpoint directory, incomplete ones
// included. With keep > 0 incomplete directories are left alone.
func Prune(dir string, keep int) (int, error) {
	return prune(dir, keep, "")
}

// prune never removes current, which counts against keep.
func prune(dir string, keep int, current string) (int, error) {
	if keep < 0 {
		return 0, nil
	}
	recs, err := Scan(dir)
	if err != nil {
		return 0, err
	}
	current = filepath.Clean(current)

	var victims []Record
	if keep == 0 {
		for _, r := range recs {
			if filepath.Clean(r.Path) != current {
				victims = append(victims, r)
			}
		}
	} else {
		var complete []Record
		slots := keep
		for _, r := range recs {
			switch {
			case filepath.Clean(r.Path) == current:
				slots--
			case r.Complete:
				complete = append(complete, r)
			}
		}
		if slots < 0 {
			slots = 0
		}
		if len(complete) > slots {
			victims = complete[:len(complete)-slots]
		}
	}

	removed := 0
	for _, r := range victims {
		if err := os.RemoveAll(r.Path); err != nil {
			return removed, fmt.Errorf("failed to remove checkpoint %s: %w", r.Path, err)
		}
		removed++
		log.Debug().Str("path", r.Path).Msg("Pruned checkpoint")
	}
	metrics.CheckpointsPruned.Add(float64(removed))
	return removed, nil
}
