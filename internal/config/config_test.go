package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func validTrain() Train {
	c := DefaultTrain()
	c.DatasetName = "train.jsonl"
	return c
}

func TestTrainValidate(t *testing.T) {
	c := validTrain()
	require.NoError(t, c.Validate())

	c = DefaultTrain()
	assert.ErrorIs(t, c.Validate(), ErrDatasetSelection)

	c = validTrain()
	c.DatasetMixerList = []string{"a.jsonl", "1.0"}
	assert.ErrorIs(t, c.Validate(), ErrDatasetSelection)

	c = validTrain()
	c.ReduceLoss = "max"
	assert.ErrorContains(t, c.Validate(), "reduce_loss")

	c = validTrain()
	c.PushToHub = false
	assert.ErrorContains(t, c.Validate(), "without pushing")
	c.TryLaunchBeakerEvalJobs = false
	assert.NoError(t, c.Validate())

	c = validTrain()
	c.CheckpointingSteps = "often"
	assert.ErrorContains(t, c.Validate(), "checkpointing_steps")

	c = validTrain()
	c.GradientAccumulationSteps = 0
	assert.Error(t, c.Validate())
}

func TestCheckpointing(t *testing.T) {
	c := validTrain()
	steps, epoch, err := c.Checkpointing()
	require.NoError(t, err)
	assert.Zero(t, steps)
	assert.False(t, epoch)

	c.CheckpointingSteps = "epoch"
	_, epoch, err = c.Checkpointing()
	require.NoError(t, err)
	assert.True(t, epoch)

	c.CheckpointingSteps = "250"
	steps, _, err = c.Checkpointing()
	require.NoError(t, err)
	assert.Equal(t, 250, steps)

	c.CheckpointingSteps = "0"
	_, _, err = c.Checkpointing()
	assert.Error(t, err)
}

func TestParseDictField(t *testing.T) {
	m, err := ParseDictField(`{"a.jsonl": 0.5, "b.jsonl": 100}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"a.jsonl": 0.5, "b.jsonl": 100}, m)

	m, err = ParseDictField(map[string]any{"a.jsonl": 1, "b.jsonl": "0.25"})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"a.jsonl": 1, "b.jsonl": 0.25}, m)

	m, err = ParseDictField(nil)
	require.NoError(t, err)
	assert.Nil(t, m)

	_, err = ParseDictField("a.jsonl")
	assert.Error(t, err)
	_, err = ParseDictField(map[string]any{"a.jsonl": true})
	assert.Error(t, err)
}

func TestLoadTrain_FileAndOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
dataset_mixer:
  a.jsonl: 0.5
  b.jsonl: 200
dpo_loss_type: simpo
checkpointing_steps: 100
per_device_train_batch_size: 4
`), 0o644))

	v := viper.New()
	require.NoError(t, ReadFile(v, path))
	v.Set("learning_rate", 1e-6)

	cfg, err := LoadTrain(v)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"a.jsonl": 0.5, "b.jsonl": 200}, cfg.DatasetMixer)
	assert.Equal(t, "simpo", cfg.DPOLossType)
	assert.Equal(t, "100", cfg.CheckpointingSteps)
	assert.Equal(t, 4, cfg.PerDeviceTrainBatchSize)
	assert.Equal(t, 1e-6, cfg.LearningRate)
	// Untouched keys keep their defaults.
	assert.Equal(t, 0.1, cfg.DPOBeta)
	assert.Equal(t, uint64(42), cfg.Seed)
	assert.Equal(t, 3, cfg.KeepLastNCheckpoints)
}

func TestLoadTrain_JSONMixerString(t *testing.T) {
	v := viper.New()
	v.Set("dataset_mixer", `{"a.jsonl": 1.0}`)
	cfg, err := LoadTrain(v)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"a.jsonl": 1}, cfg.DatasetMixer)
}

func TestReadFile_Missing(t *testing.T) {
	assert.NoError(t, ReadFile(viper.New(), ""))
	assert.Error(t, ReadFile(viper.New(), filepath.Join(t.TempDir(), "nope.yaml")))
}

func TestEvalValidate(t *testing.T) {
	c := DefaultEval()
	c.DataDir = "data"
	assert.ErrorIs(t, c.Validate(), ErrEngineSelection)

	c.ModelNameOrPath = "allenai/tulu-2-7b"
	c.OpenAIEngine = "gpt-4"
	assert.ErrorIs(t, c.Validate(), ErrEngineSelection)

	c.OpenAIEngine = ""
	require.NoError(t, c.Validate())
	assert.Equal(t, "allenai/tulu-2-7b", c.Engine())
}

func TestLoadEval_APIKeyFromEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	v := viper.New()
	v.Set("data_dir", "data")
	v.Set("openai_engine", "gpt-4")
	cfg, err := LoadEval(v)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.APIKey)
	assert.Equal(t, 512, cfg.MaxTokens)
}

func TestConvertValidate(t *testing.T) {
	c := DefaultConvert("lima")
	assert.Equal(t, "lima_converted", c.ConvertedDatasetName)
	assert.Error(t, c.Validate())

	c.InputFile = "lima.jsonl"
	require.NoError(t, c.Validate())

	c.PushToHub = true
	assert.ErrorContains(t, c.Validate(), "flight_addr")
}

func TestWriteSnapshot(t *testing.T) {
	cfg := validTrain()
	cfg.DatasetName = ""
	cfg.DatasetMixer = map[string]float64{"a.jsonl": 0.5}
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, WriteSnapshot(path, cfg))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var got Train
	require.NoError(t, yaml.Unmarshal(b, &got))
	assert.Equal(t, cfg, got)
}
