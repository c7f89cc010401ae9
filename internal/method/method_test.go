package method

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/armlab/internal/bounds"
	"github.com/dyluth/armlab/internal/config"
	"github.com/dyluth/armlab/internal/replay"
	"github.com/dyluth/armlab/internal/rollout"
	"github.com/dyluth/armlab/internal/sim"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseConfig = `framework:
  training_iterations: 10
  train_envs: 2
  eval_envs: 1
  replay_ratio: 4
  transitions_before_train: 5
rlbench:
  task: pick_cube
  demos: 5
  episode_length: 10
  cameras: %s
  camera_resolution: [4, 4]
replay:
  batch_size: 8
  use_disk: true
  path: %s
method:
  name: %s
`

func testConfig(t *testing.T, name, cameras string) *config.ExperimentConfig {
	t.Helper()
	cfg, err := config.Parse([]byte(fmt.Sprintf(baseConfig, cameras, t.TempDir(), name)))
	require.NoError(t, err)
	return cfg
}

func testEnv(t *testing.T, cfg *config.ExperimentConfig) *sim.Toy {
	t.Helper()
	obs, err := sim.NewObservationConfig(cfg.RLBench.Cameras, cfg.RLBench.CameraResolution)
	require.NoError(t, err)
	mode, err := ActionMode(cfg)
	require.NoError(t, err)
	env, err := sim.NewToy(sim.ToyConfig{
		Task:          cfg.RLBench.Task,
		Observation:   obs,
		ActionMode:    mode,
		EpisodeLength: cfg.RLBench.EpisodeLength,
		TimeInState:   true,
		SceneBounds:   cfg.RLBench.SceneBounds,
		Seed:          1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { env.Close() })
	return env
}

func factory(cfg *config.ExperimentConfig) *StoreFactory {
	return &StoreFactory{Replay: cfg.Replay, Dir: StoreDir(cfg, 0), Run: "test-run"}
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"ARM", "BC", "C2FARM", "C2FARM+QTE", "DAC", "LPR", "SAC", "TD3"}, Names())
}

func TestLookup_Unknown(t *testing.T) {
	_, err := Lookup("PPO")
	require.Error(t, err)
	var cfgErr *config.Error
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "method.name", cfgErr.Field)
	assert.Equal(t, "PPO", cfgErr.Value)
	assert.Contains(t, err.Error(), "C2FARM+QTE")
}

func TestRegister_Panics(t *testing.T) {
	b, err := Lookup(BC)
	require.NoError(t, err)

	assert.Panics(t, func() { Register(BC, b) })
	assert.Panics(t, func() { Register("", b) })
	assert.Panics(t, func() { Register("incomplete", Bundle{}) })
}

func TestStoreDir(t *testing.T) {
	cfg := testConfig(t, "DAC", "[front]")
	assert.Equal(t, filepath.Join(cfg.Replay.Path, "pick_cube", "DAC", "seed3"), StoreDir(cfg, 3))
}

func TestDispatch_AllVariants(t *testing.T) {
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig(t, name, "[front]")
			built, err := Dispatch(context.Background(), cfg, testEnv(t, cfg), factory(cfg))
			require.NoError(t, err)
			defer built.Close()

			// every demo contributes at least one record before training
			assert.GreaterOrEqual(t, built.Mix.Stores()[0].Len(), cfg.RLBench.Demos)
			assert.Equal(t, built.DemoTransitions, built.Mix.Stores()[0].Len())
			assert.NotNil(t, built.Agent)
			assert.NotNil(t, built.Generator)

			bundle, err := Lookup(name)
			require.NoError(t, err)
			assert.Equal(t, bundle.NeedsBounds, built.Bounds != nil)
		})
	}
}

func TestDispatch_ARMRejectsExtraCamera(t *testing.T) {
	for _, cams := range []string{"[front, wrist]", "[wrist]"} {
		t.Run(cams, func(t *testing.T) {
			cfg := testConfig(t, ARM, cams)
			env := testEnv(t, cfg)

			built, err := Dispatch(context.Background(), cfg, env, factory(cfg))
			require.Error(t, err)
			assert.Nil(t, built)

			var cfgErr *config.Error
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, "rlbench.cameras", cfgErr.Field)

			// nothing was built
			entries, err := os.ReadDir(cfg.Replay.Path)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestDispatch_DACSplitsStores(t *testing.T) {
	cfg := testConfig(t, DAC, "[front]")
	built, err := Dispatch(context.Background(), cfg, testEnv(t, cfg), factory(cfg))
	require.NoError(t, err)
	defer built.Close()

	stores := built.Mix.Stores()
	require.Len(t, stores, 2)
	assert.Equal(t, []float64{0.5, 0.5}, built.Mix.Weights())
	assert.Equal(t, 4, stores[0].BatchSize())
	assert.Equal(t, 4, stores[1].BatchSize())
	assert.Greater(t, stores[0].Len(), 0)
	assert.Equal(t, 0, stores[1].Len())
	assert.Same(t, stores[1], built.Mix.Explore())

	assert.DirExists(t, filepath.Join(StoreDir(cfg, 0), "demo"))
	assert.DirExists(t, filepath.Join(StoreDir(cfg, 0), "explore"))
	require.NotNil(t, built.Bounds)
	assert.Equal(t, []float64{0}, built.Bounds.Min[bounds.Gripper.Start:bounds.Gripper.End])
}

func TestDispatch_BCIsOffline(t *testing.T) {
	cfg := testConfig(t, BC, "front")
	built, err := Dispatch(context.Background(), cfg, testEnv(t, cfg), factory(cfg))
	require.NoError(t, err)
	defer built.Close()

	assert.Equal(t, 0, built.TrainEnvs)
	assert.Nil(t, built.ReplayRatio)
	assert.Equal(t, []string{"Training envs set to 0 for BC."}, built.Warnings)
	assert.Nil(t, built.Bounds)
	// configuration is left untouched
	assert.Equal(t, 2, cfg.Framework.TrainEnvs)
	assert.NotNil(t, cfg.Framework.ReplayRatio.Value)
}

func TestDispatch_LPRUsesTrajectories(t *testing.T) {
	cfg := testConfig(t, LPR, "[front]")
	cfg.Method.Params["trajectory_points"] = 2
	built, err := Dispatch(context.Background(), cfg, testEnv(t, cfg), factory(cfg))
	require.NoError(t, err)
	defer built.Close()

	assert.Equal(t, rollout.Path{Points: 2}, built.Generator)
	batch, err := built.Mix.Sample(context.Background())
	require.NoError(t, err)
	for _, s := range batch {
		assert.Len(t, s.Action, 15)
	}

	mode, err := ActionMode(cfg)
	require.NoError(t, err)
	assert.Equal(t, sim.ArmTrajectory, mode.Arm)
}

func TestDispatch_ReleasesOnFailure(t *testing.T) {
	cfg := testConfig(t, TD3, "[front]")
	cfg.RLBench.Demos = 0

	_, err := Dispatch(context.Background(), cfg, testEnv(t, cfg), factory(cfg))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to derive action bounds")

	// the disk store lock was released
	assert.NoFileExists(t, filepath.Join(StoreDir(cfg, 0), replay.LockFile))
	s, err := replay.OpenDiskStore(StoreDir(cfg, 0), replay.Options{Name: "main", BatchSize: 1, Capacity: 1})
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestDispatch_RedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	cfg := testConfig(t, SAC, "[front]")
	cfg.Replay.Backend = "redis"
	f := factory(cfg)
	f.Redis = rdb

	built, err := Dispatch(context.Background(), cfg, testEnv(t, cfg), f)
	require.NoError(t, err)
	assert.True(t, mr.Exists(replay.StoreKey("test-run", "main")))

	require.NoError(t, built.Close())
	assert.False(t, mr.Exists(replay.StoreKey("test-run", "main")))
}

func TestFillDemos_Augmentation(t *testing.T) {
	demo := sim.Demo{}
	for i := 0; i < 7; i++ {
		demo.Steps = append(demo.Steps, sim.DemoStep{
			Observation: sim.Observation{sim.LowDimState: {float64(i)}},
			Action:      []float64{float64(i)},
		})
	}
	demo.Steps[6].Terminal = true

	tests := []struct {
		name string
		aug  Augmentation
		want int
	}{
		{"plain", Augmentation{}, 7},
		{"every 3", Augmentation{Enabled: true, EveryN: 3}, 7 + 4 + 1},
		{"every 10", Augmentation{Enabled: true, EveryN: 10}, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := replay.NewMemoryStore(replay.Options{Name: "demo", BatchSize: 4, Capacity: 100})
			require.NoError(t, err)

			actions, err := FillDemos(context.Background(), store, []sim.Demo{demo}, tt.aug)
			require.NoError(t, err)
			assert.Len(t, actions, tt.want)
			assert.Equal(t, tt.want, store.Len())
		})
	}

	t.Run("empty demo", func(t *testing.T) {
		store, err := replay.NewMemoryStore(replay.Options{Name: "demo", BatchSize: 4, Capacity: 100})
		require.NoError(t, err)
		_, err = FillDemos(context.Background(), store, []sim.Demo{{}}, Augmentation{})
		assert.Error(t, err)
	})
}

func TestPathDemo(t *testing.T) {
	demo := sim.Demo{}
	for i := 0; i < 3; i++ {
		demo.Steps = append(demo.Steps, sim.DemoStep{
			Observation: sim.Observation{sim.LowDimState: {float64(i)}},
			Action:      []float64{float64(i), 0, 0, 0, 0, 0, 1, float64(i % 2)},
			Reward:      0.5,
		})
	}
	demo.Steps[2].Terminal = true

	got := PathDemo(demo, 2)
	require.Len(t, got.Steps, 2)

	first := got.Steps[0]
	assert.Equal(t, []float64{0, 0, 0, 0, 0, 0, 1, 1, 0, 0, 0, 0, 0, 1, 1}, first.Action)
	assert.Equal(t, 1.0, first.Reward)
	assert.False(t, first.Terminal)

	second := got.Steps[1]
	// short group repeats its last pose
	assert.Equal(t, []float64{2, 0, 0, 0, 0, 0, 1, 2, 0, 0, 0, 0, 0, 1, 0}, second.Action)
	assert.True(t, second.Terminal)
	assert.Equal(t, []float64{2}, second.Observation[sim.LowDimState])
}
