// Package launch runs an experiment: it resolves the execution context,
// numbers seeds after the ones already on disk and, for each seed, builds
// the configured variant, trains it and releases everything it owned
// before the next seed starts.
package launch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/dyluth/armlab/internal/bounds"
	"github.com/dyluth/armlab/internal/config"
	"github.com/dyluth/armlab/internal/method"
	"github.com/dyluth/armlab/internal/runner"
	"github.com/dyluth/armlab/internal/sim"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Files written into every seed directory.
const (
	ConfigFile = "config.yaml"
	RunFile    = "run.yaml"
	WeightsDir = "weights"
)

// episodeBudget bounds the episodes each train worker runs in one seed.
const episodeBudget = 99999

// RunInfo is the per-seed run record.
type RunInfo struct {
	RunID    string    `yaml:"run_id"`
	Seed     int       `yaml:"seed"`
	Method   string    `yaml:"method"`
	Task     string    `yaml:"task"`
	Started  time.Time `yaml:"started"`
	Finished time.Time `yaml:"finished,omitempty"`
	Warnings []string  `yaml:"warnings,omitempty"`
	Error    string    `yaml:"error,omitempty"`
}

// Launcher runs the configured number of seeds in a working directory.
type Launcher struct {
	cfg     *config.ExperimentConfig
	workdir string
	exec    ExecContext

	// Redis is used for the redis replay backend. When nil and the backend
	// is redis, Run connects to replay.redis_url and closes it afterwards.
	Redis *redis.Client
	// PollInterval overrides the train runner's throttle poll interval.
	PollInterval time.Duration

	status *StatusServer
}

// NewLauncher creates a launcher for cfg in workdir.
func NewLauncher(cfg *config.ExperimentConfig, workdir string, exec ExecContext) *Launcher {
	return &Launcher{cfg: cfg, workdir: workdir, exec: exec}
}

// Run validates the task and variant, then runs seeds K..K+M-1 where K is
// the number of seed directories already in the working directory. It returns
// the seeds it ran.
func (l *Launcher) Run(ctx context.Context) ([]int, error) {
	cfg := l.cfg
	if err := sim.ValidateTask(cfg.RLBench.Task); err != nil {
		return nil, err
	}
	if _, err := method.Precheck(cfg); err != nil {
		return nil, err
	}
	obs, err := sim.NewObservationConfig(cfg.RLBench.Cameras, cfg.RLBench.CameraResolution)
	if err != nil {
		return nil, err
	}
	mode, err := method.ActionMode(cfg)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(l.workdir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create working directory: %w", err)
	}
	existing, err := CountSeeds(l.workdir)
	if err != nil {
		return nil, err
	}

	toyCfg := sim.ToyConfig{
		Task:          cfg.RLBench.Task,
		Observation:   obs,
		ActionMode:    mode,
		DemoPath:      cfg.RLBench.DemoPath,
		EpisodeLength: cfg.RLBench.EpisodeLength,
		TimeInState:   true,
		SceneBounds:   cfg.RLBench.SceneBounds,
	}
	env, err := sim.NewToy(toyCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create environment: %w", err)
	}
	defer env.Close()

	if cfg.Replay.Backend == "redis" && l.Redis == nil {
		rdb, err := connectRedis(ctx, cfg.Replay.RedisURL)
		if err != nil {
			return nil, err
		}
		defer rdb.Close()
		l.Redis = rdb
		defer func() { l.Redis = nil }()
	}

	if cfg.Framework.StatusAddr != "" {
		l.status = NewStatusServer(cfg.Framework.StatusAddr)
		if err := l.status.Start(); err != nil {
			return nil, fmt.Errorf("failed to start status server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			l.status.Shutdown(shutdownCtx)
		}()
	}

	log.Printf("[Launch] Working directory %s has %d seeds; running %d more (train=%s env=%s)",
		l.workdir, existing, cfg.Framework.Seeds, l.exec.TrainDevice, l.exec.EnvDevice)

	var ran []int
	for s := existing; s < existing+cfg.Framework.Seeds; s++ {
		log.Printf("[Launch] Starting seed %d.", s)
		err := l.runSeed(ctx, env, toyCfg, s)
		if rerr := l.exec.Release(); rerr != nil {
			log.Printf("[Launch] Seed %d: %v", s, rerr)
		}
		if err != nil {
			return ran, fmt.Errorf("seed %d: %w", s, err)
		}
		ran = append(ran, s)
	}
	return ran, nil
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, &config.Error{Field: "replay.redis_url", Value: url, Reason: err.Error()}
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// runSeed owns every resource of one seed and releases all of them before
// returning, whatever the outcome.
func (l *Launcher) runSeed(ctx context.Context, env *sim.Toy, toyCfg sim.ToyConfig, s int) (err error) {
	cfg := l.cfg
	seedDir := SeedDir(l.workdir, s)
	logDir := seedDir
	if cfg.Framework.Logdir != "" {
		logDir = SeedDir(cfg.Framework.Logdir, s)
	}
	if err := os.Mkdir(seedDir, 0755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("seed directory %s already exists", seedDir)
		}
		return fmt.Errorf("failed to create seed directory: %w", err)
	}

	info := RunInfo{
		RunID:   uuid.NewString(),
		Seed:    s,
		Method:  cfg.Method.Name,
		Task:    cfg.RLBench.Task,
		Started: time.Now().UTC(),
	}
	dump, err := cfg.Dump()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(seedDir, ConfigFile), dump, 0644); err != nil {
		return fmt.Errorf("failed to write run configuration: %w", err)
	}
	if err := writeRunInfo(seedDir, info); err != nil {
		return err
	}
	defer func() {
		info.Finished = time.Now().UTC()
		if err != nil {
			info.Error = err.Error()
		}
		if werr := writeRunInfo(seedDir, info); werr != nil && err == nil {
			err = werr
		}
	}()

	built, err := method.Dispatch(ctx, cfg, env, &method.StoreFactory{
		Replay: cfg.Replay,
		Dir:    method.StoreDir(cfg, s),
		Redis:  l.Redis,
		Run:    info.RunID,
		Seed:   int64(s),
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := built.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	info.Warnings = built.Warnings

	if built.Bounds != nil {
		if err := bounds.Save(filepath.Join(seedDir, bounds.FileName), *built.Bounds); err != nil {
			return err
		}
	}

	broker := runner.NewPolicyBroker(built.Agent.Snapshot())
	stats := runner.NewStatAccumulator()
	workerCfg := toyCfg
	workerCfg.Seed = int64(s)
	envs := runner.NewEnvRunner(runner.EnvRunnerConfig{
		Factory:       sim.ToyFactory(workerCfg),
		Generator:     built.Generator,
		Broker:        broker,
		Mix:           built.Mix,
		Stats:         stats,
		TrainEnvs:     built.TrainEnvs,
		EvalEnvs:      cfg.Framework.EvalEnvs,
		EpisodeLength: cfg.RLBench.EpisodeLength,
		Episodes:      episodeBudget,
	})
	trainer, err := runner.NewTrainRunner(runner.TrainRunnerConfig{
		Agent:                  built.Agent,
		Mix:                    built.Mix,
		Broker:                 broker,
		Producer:               envs,
		Stats:                  stats,
		Iterations:             cfg.Framework.TrainingIterations,
		SaveFreq:               cfg.Framework.SaveFreq,
		LogFreq:                cfg.Framework.LogFreq,
		PolicySyncFreq:         cfg.Framework.PolicySyncFreq,
		TransitionsBeforeTrain: cfg.Framework.TransitionsBeforeTrain,
		ReplayRatio:            built.ReplayRatio,
		PollInterval:           l.PollInterval,
		WeightsDir:             filepath.Join(seedDir, WeightsDir),
		LogDir:                 logDir,
		CSVLogging:             cfg.Framework.CSVLogging,
		Seed:                   s,
	})
	if err != nil {
		return err
	}

	if err := envs.Start(ctx); err != nil {
		return err
	}
	if l.status != nil {
		l.status.Track(s, trainer, built.Mix)
		defer l.status.Track(s, nil, nil)
	}

	l.logEvent("seed_started", map[string]interface{}{
		"seed":             s,
		"run_id":           info.RunID,
		"method":           cfg.Method.Name,
		"demo_transitions": built.DemoTransitions,
		"train_envs":       built.TrainEnvs,
	})
	runErr := trainer.Run(ctx)
	if serr := envs.Stop(); serr != nil {
		log.Printf("[Launch] Seed %d: failed to close environments: %v", s, serr)
	}
	if runErr != nil {
		return runErr
	}

	l.logEvent("seed_finished", map[string]interface{}{
		"seed":        s,
		"run_id":      info.RunID,
		"transitions": envs.Transitions(),
		"env_steps":   envs.EnvSteps(),
	})
	return nil
}

func writeRunInfo(dir string, info RunInfo) error {
	data, err := yaml.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal run record: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, RunFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write run record: %w", err)
	}
	return nil
}

// logEvent emits a structured JSON log line
func (l *Launcher) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "launch"
	data["event_type"] = eventType

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Launch] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}

// ReadRunInfo loads a seed's run record.
func ReadRunInfo(seedDir string) (RunInfo, error) {
	var info RunInfo
	data, err := os.ReadFile(filepath.Join(seedDir, RunFile))
	if err != nil {
		return info, fmt.Errorf("failed to read run record: %w", err)
	}
	if err := yaml.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("failed to parse run record: %w", err)
	}
	return info, nil
}
