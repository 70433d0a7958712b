package checkpoint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-tuner/internal/distributed"
	"github.com/23skdu/longbow-tuner/internal/metrics"
)

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	_ = m.Write(&metric)
	if metric.Counter != nil {
		return metric.Counter.GetValue()
	}
	if metric.Gauge != nil {
		return metric.Gauge.GetValue()
	}
	return 0
}

func mkCheckpoint(t *testing.T, root, name string, complete bool) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "policy_rank_0.cbor"), []byte("x"), 0o644))
	if complete {
		require.NoError(t, os.WriteFile(filepath.Join(dir, SentinelFile), nil, 0o644))
	}
	return dir
}

func TestParseName(t *testing.T) {
	kind, n, ok := ParseName("step_120")
	assert.True(t, ok)
	assert.Equal(t, KindStep, kind)
	assert.Equal(t, 120, n)

	kind, n, ok = ParseName("epoch_0")
	assert.True(t, ok)
	assert.Equal(t, KindEpoch, kind)
	assert.Equal(t, 0, n)

	for _, bad := range []string{"step_", "step_x", "checkpoint-5", "epoch_-1", "steps_3"} {
		_, _, ok := ParseName(bad)
		assert.False(t, ok, bad)
	}
}

func TestLatest_SkipsIncompleteEvenWithHigherOrdinal(t *testing.T) {
	root := t.TempDir()
	mkCheckpoint(t, root, "step_10", true)
	mkCheckpoint(t, root, "step_30", true)
	mkCheckpoint(t, root, "step_200", false)
	mkCheckpoint(t, root, "step_40", false)
	require.NoError(t, os.WriteFile(filepath.Join(root, "step_500"), nil, 0o644))

	rec, err := Latest(root)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 30, rec.Ordinal)
	assert.True(t, rec.Complete)
}

func TestLatest_PrefersStepCheckpoints(t *testing.T) {
	root := t.TempDir()
	mkCheckpoint(t, root, "epoch_3", true)
	mkCheckpoint(t, root, "step_2", true)

	rec, err := Latest(root)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, KindStep, rec.Kind)
}

func TestLatest_NoCheckpoints(t *testing.T) {
	rec, err := Latest(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Nil(t, rec)

	root := t.TempDir()
	mkCheckpoint(t, root, "epoch_0", false)
	rec, err = Latest(root)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestResolve(t *testing.T) {
	root := t.TempDir()
	mkCheckpoint(t, root, "step_4", true)
	partial := mkCheckpoint(t, root, "step_8", false)
	explicit := mkCheckpoint(t, t.TempDir(), "epoch_1", true)

	rec, err := Resolve(root, "", false)
	require.NoError(t, err)
	assert.Equal(t, 4, rec.Ordinal)

	rec, err = Resolve(root, "", true)
	require.NoError(t, err)
	assert.Nil(t, rec)

	rec, err = Resolve(root, explicit, false)
	require.NoError(t, err)
	assert.Equal(t, KindEpoch, rec.Kind)

	rec, err = Resolve(root, partial, false)
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, err = Resolve(root, filepath.Join(root, "final"), false)
	assert.Error(t, err)
}

func TestResumeState(t *testing.T) {
	fresh := ResumeState(nil, 2, 10, 5)
	assert.Equal(t, State{}, fresh)
	assert.Equal(t, 0, fresh.Skip())

	st := ResumeState(&Record{Kind: KindEpoch, Ordinal: 1}, 2, 10, 5)
	assert.Equal(t, 2, st.StartingEpoch)
	assert.Equal(t, 10, st.CompletedSteps)
	assert.Nil(t, st.ResumeStep)

	// step_7 with 2 accumulation steps = 14 batches = epoch 1, batch 4.
	st = ResumeState(&Record{Kind: KindStep, Ordinal: 7}, 2, 10, 5)
	assert.Equal(t, 1, st.StartingEpoch)
	assert.Equal(t, 7, st.CompletedSteps)
	require.NotNil(t, st.ResumeStep)
	assert.Equal(t, 4, st.Skip())
}

func TestPrune(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"step_2", "step_10", "step_4", "epoch_0"} {
		mkCheckpoint(t, root, name, true)
	}

	before := getMetricValue(metrics.CheckpointsPruned)
	n, err := Prune(root, -1)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = Prune(root, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	recs, err := Scan(root)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 4, recs[0].Ordinal)
	assert.Equal(t, 10, recs[1].Ordinal)

	n, err = Prune(root, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	recs, err = Scan(root)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Equal(t, before+4, getMetricValue(metrics.CheckpointsPruned))
}

func TestWriter_SentinelIsLastWrite(t *testing.T) {
	root := t.TempDir()
	var shards atomic.Int32

	err := distributed.RunLocal(context.Background(), 2, 5*time.Second, func(ctx context.Context, g distributed.Group) error {
		w := &Writer{Dir: root, Group: g, Keep: 1}
		for _, step := range []int{1, 2} {
			_, err := w.Save(ctx, Name(KindStep, step), func(dir string, rank int) error {
				// The sentinel must not exist while any shard is being written.
				if _, err := os.Stat(filepath.Join(dir, SentinelFile)); err == nil {
					return errors.New("sentinel written before shard")
				}
				shards.Add(1)
				return os.WriteFile(filepath.Join(dir, "shard_"+string(rune('0'+rank))), []byte("ok"), 0o644)
			}, TrainerState{CompletedSteps: step, RunID: "run"})
			if err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(4), shards.Load())

	recs, err := Scan(root)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 2, recs[0].Ordinal)
	assert.True(t, recs[0].Complete)
	assert.FileExists(t, filepath.Join(recs[0].Path, "shard_0"))
	assert.FileExists(t, filepath.Join(recs[0].Path, "shard_1"))

	st, err := ReadTrainerState(recs[0].Path)
	require.NoError(t, err)
	assert.Equal(t, 2, st.CompletedSteps)
	assert.Equal(t, "run", st.RunID)

	fi, err := os.Stat(filepath.Join(recs[0].Path, SentinelFile))
	require.NoError(t, err)
	assert.Zero(t, fi.Size())
}

func TestWriter_FailedShardLeavesCheckpointIncomplete(t *testing.T) {
	root := t.TempDir()
	w := &Writer{Dir: root, Keep: -1}
	_, err := w.Save(context.Background(), "step_3", func(string, int) error {
		return errors.New("disk full")
	}, TrainerState{})
	require.Error(t, err)

	rec, err := Latest(root)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestPrune_IgnoresIncompleteWhenKeeping(t *testing.T) {
	root := t.TempDir()
	mkCheckpoint(t, root, "step_2", true)
	mkCheckpoint(t, root, "step_4", true)
	mkCheckpoint(t, root, "step_8", false)

	n, err := Prune(root, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	recs, err := Scan(root)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 4, recs[0].Ordinal)
	assert.True(t, recs[0].Complete)
	assert.Equal(t, 8, recs[1].Ordinal)
	assert.False(t, recs[1].Complete)

	n, err = Prune(root, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	recs, err = Scan(root)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestWriter_KeepsSavedCheckpointOverStaleIncomplete(t *testing.T) {
	root := t.TempDir()
	mkCheckpoint(t, root, "step_2", true)
	mkCheckpoint(t, root, "step_6", false)

	w := &Writer{Dir: root, Keep: 1}
	dir, err := w.Save(context.Background(), "step_4", func(dir string, rank int) error {
		return os.WriteFile(filepath.Join(dir, "policy_rank_0.cbor"), []byte("ok"), 0o644)
	}, TrainerState{CompletedSteps: 4})
	require.NoError(t, err)

	rec, err := Latest(root)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, dir, rec.Path)
	assert.Equal(t, 4, rec.Ordinal)
	assert.NoDirExists(t, filepath.Join(root, "step_2"))
	assert.DirExists(t, filepath.Join(root, "step_6"))
}

func TestWriter_KeepsSavedCheckpointOverNewerComplete(t *testing.T) {
	root := t.TempDir()
	mkCheckpoint(t, root, "step_6", true)

	w := &Writer{Dir: root, Keep: 1}
	dir, err := w.Save(context.Background(), "step_4", func(dir string, rank int) error {
		return os.WriteFile(filepath.Join(dir, "policy_rank_0.cbor"), []byte("ok"), 0o644)
	}, TrainerState{CompletedSteps: 4})
	require.NoError(t, err)

	rec, ok := Inspect(dir)
	require.True(t, ok)
	assert.True(t, rec.Complete)
	assert.NoDirExists(t, filepath.Join(root, "step_6"))
}

func TestWriter_ResaveInvalidatesCompleteCheckpoint(t *testing.T) {
	root := t.TempDir()
	dir := mkCheckpoint(t, root, "step_6", true)

	w := &Writer{Dir: root, Keep: -1}
	_, err := w.Save(context.Background(), "step_6", func(dir string, rank int) error {
		if _, err := os.Stat(filepath.Join(dir, SentinelFile)); err == nil {
			return errors.New("stale sentinel present during shard write")
		}
		if err := os.WriteFile(filepath.Join(dir, "policy_rank_0.cbor"), []byte("pa"), 0o644); err != nil {
			return err
		}
		return errors.New("disk full")
	}, TrainerState{CompletedSteps: 6})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "stale sentinel")

	rec, ok := Inspect(dir)
	require.True(t, ok)
	assert.False(t, rec.Complete)

	latest, err := Latest(root)
	require.NoError(t, err)
	assert.Nil(t, latest)
}
