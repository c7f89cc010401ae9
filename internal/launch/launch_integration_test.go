//go:build integration

package launch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dyluth/armlab/internal/bounds"
	"github.com/dyluth/armlab/internal/config"
	"github.com/dyluth/armlab/internal/runner"
	"github.com/dyluth/armlab/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const redisExperiment = `framework:
  seeds: 1
  training_iterations: 30
  save_freq: 10
  log_freq: 10
  train_envs: 2
  eval_envs: 1
  replay_ratio: 2
  transitions_before_train: 10
rlbench:
  task: reach_target
  demos: 4
  episode_length: 10
  cameras: [front]
  camera_resolution: [4, 4]
replay:
  batch_size: 8
  path: {{replay_path}}
  backend: redis
  redis_url: {{redis_url}}
method:
  name: DAC
`

func TestLauncher_RealRedisRunsAreAdditive(t *testing.T) {
	env := testutil.SetupExperiment(t, redisExperiment)
	cfg, err := config.Load(env.ConfigPath)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	for want := 0; want < 2; want++ {
		exec, err := NewExecContext(nil, nil, nil)
		require.NoError(t, err)
		l := NewLauncher(cfg, env.Workdir, exec)
		l.PollInterval = time.Millisecond

		seeds, err := l.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int{want}, seeds)
	}

	for _, s := range []string{"seed0", "seed1"} {
		env.VerifyFileExists(filepath.Join(s, bounds.FileName))
		env.VerifyFileExists(filepath.Join(s, WeightsDir, "30", "weights.json"))
		env.VerifyFileExists(filepath.Join(s, runner.EventsJSONL))
	}
	env.VerifyNoReplayKeys()
}
