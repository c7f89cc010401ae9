package method

import (
	"context"
	"fmt"
	"log"

	"github.com/dyluth/armlab/internal/config"
	"github.com/dyluth/armlab/internal/replay"
	"github.com/dyluth/armlab/internal/sim"
	"github.com/google/uuid"
)

// Augmentation controls how demonstrations are replicated into a store.
type Augmentation struct {
	Enabled bool
	// EveryN is the stride between replicated suffixes.
	EveryN int
}

func augmentationFrom(cfg *config.ExperimentConfig) Augmentation {
	return Augmentation{Enabled: cfg.Method.DemoAugmentation, EveryN: cfg.Method.DemoAugmentationEveryN}
}

// FillDemos inserts every demonstration into store as a full episode. With
// augmentation, each step i > 0 with i % EveryN == 0 additionally starts a
// replicated episode made of the steps from i to the end. It returns the
// actions of every inserted transition.
func FillDemos(ctx context.Context, store replay.Store, demos []sim.Demo, aug Augmentation) ([][]float64, error) {
	var actions [][]float64
	insert := func(steps []sim.DemoStep) error {
		episode := uuid.NewString()
		for i, st := range steps {
			last := i == len(steps)-1
			t := replay.Transition{
				Episode:     episode,
				Observation: st.Observation,
				Action:      st.Action,
				Reward:      st.Reward,
				Terminal:    st.Terminal,
				Timeout:     last && !st.Terminal,
				Demo:        true,
			}
			if err := store.Add(ctx, t); err != nil {
				return err
			}
			actions = append(actions, st.Action)
		}
		return nil
	}

	for d, demo := range demos {
		if len(demo.Steps) == 0 {
			return nil, fmt.Errorf("demo %d has no steps", d)
		}
		if err := insert(demo.Steps); err != nil {
			return nil, fmt.Errorf("failed to insert demo %d: %w", d, err)
		}
		if !aug.Enabled || aug.EveryN <= 0 {
			continue
		}
		for i := aug.EveryN; i < len(demo.Steps); i += aug.EveryN {
			if err := insert(demo.Steps[i:]); err != nil {
				return nil, fmt.Errorf("failed to insert demo %d from step %d: %w", d, i, err)
			}
		}
	}
	return actions, nil
}

// PathDemo regroups a pose demonstration into trajectory decisions of
// points waypoints each. A short final group repeats its last pose. Rewards
// are summed and the gripper command is taken from the group's last step.
func PathDemo(demo sim.Demo, points int) sim.Demo {
	var out sim.Demo
	for start := 0; start < len(demo.Steps); start += points {
		end := min(start+points, len(demo.Steps))
		group := demo.Steps[start:end]

		action := make([]float64, 0, points*7+1)
		var reward float64
		for k := 0; k < points; k++ {
			st := group[min(k, len(group)-1)]
			action = append(action, st.Action[:7]...)
		}
		for _, st := range group {
			reward += st.Reward
		}
		last := group[len(group)-1]
		action = append(action, last.Action[7])

		out.Steps = append(out.Steps, sim.DemoStep{
			Observation: group[0].Observation,
			Action:      action,
			Reward:      reward,
			Terminal:    last.Terminal,
		})
	}
	return out
}

// loadDemos fetches the configured number of demonstrations.
func loadDemos(ctx context.Context, cfg *config.ExperimentConfig, env Environment) ([]sim.Demo, error) {
	if cfg.RLBench.Demos == 0 {
		return nil, nil
	}
	demos, err := env.Demos(ctx, cfg.RLBench.Demos)
	if err != nil {
		return nil, fmt.Errorf("failed to load demos: %w", err)
	}
	for i, d := range demos {
		for j, st := range d.Steps {
			if len(st.Action) != 8 {
				return nil, fmt.Errorf("demo %d step %d has %d action values, expected 8", i, j, len(st.Action))
			}
		}
	}
	log.Printf("[Method] Loaded %d demos for task %s", len(demos), cfg.RLBench.Task)
	return demos, nil
}

// fillInto returns a Fill that loads demonstrations into the store at index
// of the mix, after applying convert to each.
func fillInto(index int, convert func(cfg *config.ExperimentConfig, d sim.Demo) sim.Demo) func(context.Context, *config.ExperimentConfig, Environment, *replay.Mix) ([][]float64, error) {
	return func(ctx context.Context, cfg *config.ExperimentConfig, env Environment, mix *replay.Mix) ([][]float64, error) {
		demos, err := loadDemos(ctx, cfg, env)
		if err != nil {
			return nil, err
		}
		if convert != nil {
			for i := range demos {
				demos[i] = convert(cfg, demos[i])
			}
		}
		stores := mix.Stores()
		if index >= len(stores) {
			return nil, fmt.Errorf("demo store %d does not exist", index)
		}
		return FillDemos(ctx, stores[index], demos, augmentationFrom(cfg))
	}
}
