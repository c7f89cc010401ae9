package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ExperimentConfig represents the top-level experiment configuration file.
// It is loaded once per process and treated as read-only afterwards.
type ExperimentConfig struct {
	Framework FrameworkConfig `yaml:"framework"`
	RLBench   RLBenchConfig   `yaml:"rlbench"`
	Replay    ReplayConfig    `yaml:"replay"`
	Method    MethodConfig    `yaml:"method"`
}

// FrameworkConfig controls devices, seeds and the training loop cadence.
type FrameworkConfig struct {
	GPU                    *int        `yaml:"gpu"`     // nil or negative = CPU
	EnvGPU                 *int        `yaml:"env_gpu"` // nil or negative = CPU
	Seeds                  int         `yaml:"seeds"`
	TrainingIterations     int         `yaml:"training_iterations"`
	SaveFreq               int         `yaml:"save_freq"`
	LogFreq                int         `yaml:"log_freq"`
	TrainEnvs              int         `yaml:"train_envs"`
	EvalEnvs               int         `yaml:"eval_envs"`
	ReplayRatio            ReplayRatio `yaml:"replay_ratio"`
	TransitionsBeforeTrain int         `yaml:"transitions_before_train"`
	PolicySyncFreq         int         `yaml:"policy_sync_freq,omitempty"`
	CSVLogging             bool        `yaml:"csv_logging"`
	Logdir                 string      `yaml:"logdir,omitempty"`
	StatusAddr             string      `yaml:"status_addr,omitempty"` // empty disables the status server
}

// RLBenchConfig describes the task, cameras and demonstrations.
type RLBenchConfig struct {
	Task             string     `yaml:"task"`
	Demos            int        `yaml:"demos"`
	DemoPath         string     `yaml:"demo_path"`
	EpisodeLength    int        `yaml:"episode_length"`
	Cameras          StringList `yaml:"cameras"`
	CameraResolution []int      `yaml:"camera_resolution"`
	SceneBounds      []float64  `yaml:"scene_bounds"` // x_min, y_min, z_min, x_max, y_max, z_max
}

// ReplayConfig sizes and locates the experience stores.
type ReplayConfig struct {
	BatchSize      int    `yaml:"batch_size"`
	Timesteps      int    `yaml:"timesteps"`
	Prioritisation bool   `yaml:"prioritisation"`
	UseDisk        bool   `yaml:"use_disk"`
	Path           string `yaml:"path"`
	Capacity       int    `yaml:"capacity,omitempty"`
	Backend        string `yaml:"backend,omitempty"`   // "memory" (default) or "redis"
	RedisURL       string `yaml:"redis_url,omitempty"` // required when backend is "redis"
}

// MethodConfig names the algorithm variant. Every key other than the common
// demo augmentation settings is collected into Params.
type MethodConfig struct {
	Name                   string         `yaml:"name"`
	DemoAugmentation       bool           `yaml:"demo_augmentation"`
	DemoAugmentationEveryN int            `yaml:"demo_augmentation_every_n"`
	Params                 map[string]any `yaml:",inline"`
}

// Validate performs validation on the configuration and applies defaults.
func (c *ExperimentConfig) Validate() error {
	if err := c.Framework.validate(); err != nil {
		return err
	}
	if err := c.RLBench.validate(); err != nil {
		return err
	}
	if err := c.Replay.validate(); err != nil {
		return err
	}

	if strings.TrimSpace(c.Method.Name) == "" {
		return &Error{Field: "method.name", Reason: "is required"}
	}
	if c.Method.DemoAugmentationEveryN == 0 {
		c.Method.DemoAugmentationEveryN = 10
	}
	if c.Method.DemoAugmentationEveryN < 0 {
		return &Error{Field: "method.demo_augmentation_every_n", Value: fmt.Sprint(c.Method.DemoAugmentationEveryN), Reason: "must be >= 1"}
	}
	if c.Method.Params == nil {
		c.Method.Params = map[string]any{}
	}

	return nil
}

func (f *FrameworkConfig) validate() error {
	if f.Seeds == 0 {
		f.Seeds = 1
	}
	if f.Seeds < 0 {
		return &Error{Field: "framework.seeds", Value: fmt.Sprint(f.Seeds), Reason: "must be >= 1"}
	}
	if f.TrainingIterations <= 0 {
		return &Error{Field: "framework.training_iterations", Value: fmt.Sprint(f.TrainingIterations), Reason: "must be > 0"}
	}
	if f.SaveFreq == 0 {
		f.SaveFreq = 100
	}
	if f.LogFreq == 0 {
		f.LogFreq = 100
	}
	if f.SaveFreq < 0 || f.LogFreq < 0 {
		return &Error{Field: "framework.save_freq/log_freq", Value: fmt.Sprintf("%d/%d", f.SaveFreq, f.LogFreq), Reason: "must be >= 1"}
	}
	if f.TrainEnvs < 0 {
		return &Error{Field: "framework.train_envs", Value: fmt.Sprint(f.TrainEnvs), Reason: "must be >= 0"}
	}
	if f.EvalEnvs < 0 {
		return &Error{Field: "framework.eval_envs", Value: fmt.Sprint(f.EvalEnvs), Reason: "must be >= 0"}
	}
	if f.ReplayRatio.Value != nil && *f.ReplayRatio.Value <= 0 {
		return &Error{Field: "framework.replay_ratio", Value: f.ReplayRatio.String(), Reason: "must be > 0 or None"}
	}
	if f.TransitionsBeforeTrain < 0 {
		return &Error{Field: "framework.transitions_before_train", Value: fmt.Sprint(f.TransitionsBeforeTrain), Reason: "must be >= 0"}
	}
	if f.PolicySyncFreq == 0 {
		f.PolicySyncFreq = 1
	}
	if f.PolicySyncFreq < 0 {
		return &Error{Field: "framework.policy_sync_freq", Value: fmt.Sprint(f.PolicySyncFreq), Reason: "must be >= 1"}
	}
	return nil
}

func (r *RLBenchConfig) validate() error {
	if r.Task == "" {
		return &Error{Field: "rlbench.task", Reason: "is required"}
	}
	if r.Demos < 0 {
		return &Error{Field: "rlbench.demos", Value: fmt.Sprint(r.Demos), Reason: "must be >= 0"}
	}
	if r.EpisodeLength <= 0 {
		return &Error{Field: "rlbench.episode_length", Value: fmt.Sprint(r.EpisodeLength), Reason: "must be > 0"}
	}
	if len(r.Cameras) == 0 {
		return &Error{Field: "rlbench.cameras", Reason: "at least one camera is required"}
	}
	if len(r.CameraResolution) == 0 {
		r.CameraResolution = []int{128, 128}
	}
	if len(r.CameraResolution) != 2 || r.CameraResolution[0] <= 0 || r.CameraResolution[1] <= 0 {
		return &Error{Field: "rlbench.camera_resolution", Value: fmt.Sprint(r.CameraResolution), Reason: "must be [width, height] with positive values"}
	}
	if len(r.SceneBounds) == 0 {
		r.SceneBounds = []float64{-0.3, -0.5, 0.6, 0.7, 0.5, 1.6}
	}
	if len(r.SceneBounds) != 6 {
		return &Error{Field: "rlbench.scene_bounds", Value: fmt.Sprint(r.SceneBounds), Reason: "must have 6 values"}
	}
	for i := 0; i < 3; i++ {
		if r.SceneBounds[i] >= r.SceneBounds[i+3] {
			return &Error{Field: "rlbench.scene_bounds", Value: fmt.Sprint(r.SceneBounds), Reason: "each min must be below its max"}
		}
	}
	return nil
}

func (r *ReplayConfig) validate() error {
	if r.BatchSize <= 0 {
		return &Error{Field: "replay.batch_size", Value: fmt.Sprint(r.BatchSize), Reason: "must be > 0"}
	}
	if r.Timesteps == 0 {
		r.Timesteps = 1
	}
	if r.Timesteps < 0 {
		return &Error{Field: "replay.timesteps", Value: fmt.Sprint(r.Timesteps), Reason: "must be >= 1"}
	}
	if r.Capacity == 0 {
		r.Capacity = 300000
	}
	if r.Capacity < 0 {
		return &Error{Field: "replay.capacity", Value: fmt.Sprint(r.Capacity), Reason: "must be > 0"}
	}
	if r.UseDisk && r.Path == "" {
		return &Error{Field: "replay.path", Reason: "is required when replay.use_disk is set"}
	}
	switch r.Backend {
	case "":
		r.Backend = "memory"
	case "memory":
	case "redis":
		if r.RedisURL == "" {
			return &Error{Field: "replay.redis_url", Reason: "is required when replay.backend is 'redis'"}
		}
		if r.Prioritisation {
			return &Error{Field: "replay.prioritisation", Value: "true", Reason: "is not supported by the redis backend"}
		}
	default:
		return &Error{Field: "replay.backend", Value: r.Backend, Reason: "must be 'memory' or 'redis'"}
	}
	return nil
}

// Load reads and validates an experiment configuration from the specified path
func Load(path string) (*ExperimentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return Parse(data)
}

// Parse decodes and validates an experiment configuration from YAML bytes.
func Parse(data []byte) (*ExperimentConfig, error) {
	var cfg ExperimentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Dump renders the configuration back to YAML, used for the per-seed run record.
func (c *ExperimentConfig) Dump() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}
