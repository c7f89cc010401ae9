package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/dyluth/armlab/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func toyConfig(t *testing.T, task string) ToyConfig {
	t.Helper()
	obs, err := NewObservationConfig([]string{"front"}, []int{4, 4})
	require.NoError(t, err)
	return ToyConfig{
		Task:          task,
		Observation:   obs,
		ActionMode:    PosePlanning(),
		EpisodeLength: 10,
		SceneBounds:   []float64{-0.3, -0.5, 0.6, 0.7, 0.5, 1.6},
		Seed:          1,
	}
}

func TestNewObservationConfig(t *testing.T) {
	obs, err := NewObservationConfig([]string{"front", "wrist"}, []int{64, 32})
	require.NoError(t, err)

	assert.Equal(t, []string{"front", "wrist"}, obs.ActiveCameras())
	assert.Equal(t, []string{"front_rgb", "front_pointcloud", "wrist_rgb", "wrist_pointcloud"}, obs.CameraKeys())
	assert.Equal(t, [2]int{64, 32}, obs.Cameras["front"].ImageSize)
	assert.False(t, obs.Cameras["overhead"].Enabled())
	assert.True(t, obs.GripperMatrix)
	assert.False(t, obs.JointForces)
}

func TestNewObservationConfig_Errors(t *testing.T) {
	tests := []struct {
		name       string
		cameras    []string
		resolution []int
		field      string
	}{
		{"unknown camera", []string{"ceiling"}, []int{8, 8}, "rlbench.cameras"},
		{"bad resolution", []string{"front"}, []int{8}, "rlbench.camera_resolution"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewObservationConfig(tt.cameras, tt.resolution)
			require.Error(t, err)
			var cfgErr *config.Error
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestActionMode_Dim(t *testing.T) {
	assert.Equal(t, 8, PosePlanning().Dim())
	assert.Equal(t, 22, Trajectory(3).Dim())
}

func TestValidateTask(t *testing.T) {
	assert.NoError(t, ValidateTask("pick_cube"))

	err := ValidateTask("juggle")
	require.Error(t, err)
	assert.True(t, config.IsConfigError(err))
	assert.Contains(t, err.Error(), `rlbench.task="juggle"`)

	assert.Contains(t, Tasks(), "reach_target")
}

func TestToy_ResetAndStep(t *testing.T) {
	cfg := toyConfig(t, "reach_target")
	cfg.TimeInState = true
	env, err := NewToy(cfg)
	require.NoError(t, err)
	defer env.Close()

	ctx := context.Background()
	obs, err := env.Reset(ctx)
	require.NoError(t, err)

	// 7 + 7 + 7 + 1 + 12 + 2 + time
	assert.Equal(t, 37, env.LowDimStateLen())
	assert.Len(t, obs[LowDimState], env.LowDimStateLen())
	assert.Len(t, obs["front_rgb"], 4*4*3)
	assert.Len(t, obs["front_pointcloud"], 4*4*3)
	assert.NotContains(t, obs, "wrist_rgb")

	res, err := env.Step(ctx, []float64{5, 5, 5, 0, 0, 0, 2, 1})
	require.NoError(t, err)
	state := res.Observation[LowDimState]
	// translation clipped to the scene
	assert.Equal(t, []float64{0.7, 0.5, 1.6}, state[0:3])
	// quaternion normalised
	assert.InDelta(t, 1.0, state[6], 1e-12)
	assert.InDelta(t, 0.1, state[len(state)-1], 1e-12)
}

func TestToy_StepErrors(t *testing.T) {
	env, err := NewToy(toyConfig(t, "reach_target"))
	require.NoError(t, err)
	ctx := context.Background()
	_, err = env.Reset(ctx)
	require.NoError(t, err)

	_, err = env.Step(ctx, []float64{1, 2, 3})
	assert.Error(t, err)

	require.NoError(t, env.Close())
	_, err = env.Step(ctx, make([]float64, 8))
	assert.Error(t, err)
	_, err = env.Reset(ctx)
	assert.Error(t, err)
}

func TestNewToy_Errors(t *testing.T) {
	cfg := toyConfig(t, "reach_target")
	cfg.SceneBounds = []float64{1, 2}
	_, err := NewToy(cfg)
	assert.Error(t, err)

	cfg = toyConfig(t, "nope")
	_, err = NewToy(cfg)
	assert.True(t, config.IsConfigError(err))
}

func TestToy_ScriptedDemosSucceed(t *testing.T) {
	for _, task := range []string{"reach_target", "pick_cube"} {
		t.Run(task, func(t *testing.T) {
			env, err := NewToy(toyConfig(t, task))
			require.NoError(t, err)

			demos, err := env.Demos(context.Background(), 5)
			require.NoError(t, err)
			require.Len(t, demos, 5)
			for _, d := range demos {
				last := d.Steps[len(d.Steps)-1]
				assert.True(t, last.Terminal)
				assert.Equal(t, 1.0, last.Reward)
				for _, s := range d.Steps {
					assert.Len(t, s.Action, 8)
					assert.NotEmpty(t, s.Observation[LowDimState])
				}
			}
		})
	}
}

func TestToy_DemosFromDisk(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "reach_target")
	require.NoError(t, os.MkdirAll(dir, 0755))
	for i := 0; i < 2; i++ {
		demo := Demo{Steps: []DemoStep{{
			Observation: Observation{LowDimState: {float64(i)}},
			Action:      []float64{0, 0, 1, 0, 0, 0, 1, 1},
			Reward:      1,
			Terminal:    true,
		}}}
		data, err := json.Marshal(demo)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("episode%d.json", i)), data, 0644))
	}

	cfg := toyConfig(t, "reach_target")
	cfg.DemoPath = root
	env, err := NewToy(cfg)
	require.NoError(t, err)

	demos, err := env.Demos(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, demos, 2)
	assert.Equal(t, []float64{1}, demos[1].Steps[0].Observation[LowDimState])

	_, err = env.Demos(context.Background(), 3)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read demo")
}

func TestToyFactory_IndependentWorkers(t *testing.T) {
	factory := ToyFactory(toyConfig(t, "reach_target"))
	a, err := factory(0)
	require.NoError(t, err)
	b, err := factory(1)
	require.NoError(t, err)

	ctx := context.Background()
	obsA, err := a.Reset(ctx)
	require.NoError(t, err)
	obsB, err := b.Reset(ctx)
	require.NoError(t, err)
	// target is encoded in the rgb image
	assert.NotEqual(t, obsA["front_rgb"][:3], obsB["front_rgb"][:3])
}

func TestObservation_Clone(t *testing.T) {
	o := Observation{"a": {1, 2}}
	c := o.Clone()
	c["a"][0] = 9
	assert.Equal(t, 1.0, o["a"][0])
}
