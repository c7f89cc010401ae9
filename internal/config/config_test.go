package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `framework:
  gpu: 0
  env_gpu: null
  seeds: 2
  training_iterations: 1000
  save_freq: 100
  log_freq: 50
  train_envs: 1
  eval_envs: 1
  replay_ratio: 128
  transitions_before_train: 200
  csv_logging: true
rlbench:
  task: take_lid_off_saucepan
  demos: 10
  demo_path: /tmp/demos
  episode_length: 10
  cameras: [front]
  camera_resolution: [128, 128]
  scene_bounds: [-0.3, -0.5, 0.6, 0.7, 0.5, 1.6]
replay:
  batch_size: 128
  timesteps: 1
  prioritisation: true
  use_disk: false
  path: /tmp/arm/replay
method:
  name: ARM
  demo_augmentation: true
  demo_augmentation_every_n: 10
  activation: lrelu
  alpha: 0.05
  crop_shape: [16, 16]
  alpha_auto_tune: false
  q_conf: 1
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	require.NotNil(t, cfg.Framework.GPU)
	assert.Equal(t, 0, *cfg.Framework.GPU)
	assert.Nil(t, cfg.Framework.EnvGPU)
	assert.Equal(t, 2, cfg.Framework.Seeds)
	require.NotNil(t, cfg.Framework.ReplayRatio.Value)
	assert.Equal(t, 128.0, *cfg.Framework.ReplayRatio.Value)
	assert.Equal(t, StringList{"front"}, cfg.RLBench.Cameras)
	assert.Equal(t, "ARM", cfg.Method.Name)
	assert.True(t, cfg.Method.DemoAugmentation)
	assert.Equal(t, "lrelu", cfg.Method.Text("activation", ""))
	assert.Equal(t, 0.05, cfg.Method.Float("alpha", 0))
	assert.Equal(t, 1.0, cfg.Method.Float("q_conf", 0))
	assert.Equal(t, []float64{16, 16}, cfg.Method.Floats("crop_shape", nil))
	assert.False(t, cfg.Method.Bool("alpha_auto_tune", true))

	// Defaults applied during validation
	assert.Equal(t, "memory", cfg.Replay.Backend)
	assert.Equal(t, 300000, cfg.Replay.Capacity)
	assert.Equal(t, 1, cfg.Framework.PolicySyncFreq)
}

func TestLoad_FileNotFound(t *testing.T) {
	cfg, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestLoad_InvalidYAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, "framework:\n  - this is invalid\n    yaml syntax\n"))
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestReplayRatio_Forms(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    *float64
		wantErr bool
	}{
		{name: "number", value: "64", want: ptr(64)},
		{name: "fraction", value: "0.5", want: ptr(0.5)},
		{name: "None string", value: "None", want: nil},
		{name: "quoted None", value: "'None'", want: nil},
		{name: "null", value: "null", want: nil},
		{name: "garbage", value: "lots", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(replaceLine(validConfig, "  replay_ratio: 128", "  replay_ratio: "+tt.value)))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.want == nil {
				assert.Nil(t, cfg.Framework.ReplayRatio.Value)
				assert.Equal(t, "None", cfg.Framework.ReplayRatio.String())
			} else {
				require.NotNil(t, cfg.Framework.ReplayRatio.Value)
				assert.Equal(t, *tt.want, *cfg.Framework.ReplayRatio.Value)
			}
		})
	}
}

func TestCameras_ScalarBecomesList(t *testing.T) {
	cfg, err := Parse([]byte(replaceLine(validConfig, "  cameras: [front]", "  cameras: wrist")))
	require.NoError(t, err)
	assert.Equal(t, StringList{"wrist"}, cfg.RLBench.Cameras)
	assert.True(t, cfg.RLBench.Cameras.Contains("wrist"))
	assert.False(t, cfg.RLBench.Cameras.Contains("front"))
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name  string
		from  string
		to    string
		field string
	}{
		{name: "missing method", from: "  name: ARM", to: "  name: ''", field: "method.name"},
		{name: "missing task", from: "  task: take_lid_off_saucepan", to: "  task: ''", field: "rlbench.task"},
		{name: "zero iterations", from: "  training_iterations: 1000", to: "  training_iterations: 0", field: "framework.training_iterations"},
		{name: "negative ratio", from: "  replay_ratio: 128", to: "  replay_ratio: -1", field: "framework.replay_ratio"},
		{name: "bad batch", from: "  batch_size: 128", to: "  batch_size: 0", field: "replay.batch_size"},
		{name: "bad resolution", from: "  camera_resolution: [128, 128]", to: "  camera_resolution: [128]", field: "rlbench.camera_resolution"},
		{name: "inverted scene", from: "  scene_bounds: [-0.3, -0.5, 0.6, 0.7, 0.5, 1.6]", to: "  scene_bounds: [0.7, -0.5, 0.6, -0.3, 0.5, 1.6]", field: "rlbench.scene_bounds"},
		{name: "unknown backend", from: "  path: /tmp/arm/replay", to: "  path: /tmp/arm/replay\n  backend: cassandra", field: "replay.backend"},
		{name: "redis without url", from: "  path: /tmp/arm/replay", to: "  path: /tmp/arm/replay\n  backend: redis", field: "replay.redis_url"},
		{name: "prioritised redis", from: "  path: /tmp/arm/replay", to: "  path: /tmp/arm/replay\n  backend: redis\n  redis_url: redis://localhost:6379", field: "replay.prioritisation"},
		{name: "disk without path", from: "  use_disk: false\n  path: /tmp/arm/replay", to: "  use_disk: true\n  path: ''", field: "replay.path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(replaceLine(validConfig, tt.from, tt.to)))
			require.Error(t, err)
			assert.True(t, IsConfigError(err), "expected a configuration error, got %v", err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestDump_RoundTripsThroughParse(t *testing.T) {
	cfg, err := Parse([]byte(replaceLine(validConfig, "  replay_ratio: 128", "  replay_ratio: None")))
	require.NoError(t, err)

	data, err := cfg.Dump()
	require.NoError(t, err)
	assert.Contains(t, string(data), "replay_ratio: None")
	assert.Contains(t, string(data), "activation: lrelu")

	again, err := Parse(data)
	require.NoError(t, err)
	assert.Nil(t, again.Framework.ReplayRatio.Value)
	assert.Equal(t, cfg.RLBench, again.RLBench)
	assert.Equal(t, cfg.Method.Name, again.Method.Name)
}

func TestError_Message(t *testing.T) {
	err := &Error{Field: "method.name", Value: "PPO", Reason: "unrecognised method"}
	assert.Equal(t, `method.name="PPO": unrecognised method`, err.Error())

	bare := &Error{Field: "rlbench.task", Reason: "is required"}
	assert.Equal(t, "rlbench.task is required", bare.Error())
}

func ptr(v float64) *float64 { return &v }

func replaceLine(src, from, to string) string {
	if !strings.Contains(src, from) {
		panic("test fixture does not contain " + from)
	}
	return strings.Replace(src, from, to, 1)
}
