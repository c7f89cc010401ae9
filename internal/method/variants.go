package method

import (
	"context"
	"fmt"
	"strings"

	"github.com/dyluth/armlab/internal/agent"
	"github.com/dyluth/armlab/internal/bounds"
	"github.com/dyluth/armlab/internal/config"
	"github.com/dyluth/armlab/internal/replay"
	"github.com/dyluth/armlab/internal/rollout"
	"github.com/dyluth/armlab/internal/sim"
)

// Registered variant names.
const (
	C2FARM    = "C2FARM"
	C2FARMQTE = "C2FARM+QTE"
	LPR       = "LPR"
	ARM       = "ARM"
	TD3       = "TD3"
	SAC       = "SAC"
	DAC       = "DAC"
	BC        = "BC"
)

func init() {
	Register(C2FARM, Bundle{
		Stores:    singleStore,
		Fill:      fillInto(0, nil),
		Agent:     quantizedAgent(false),
		Generator: defaultGenerator,
	})
	Register(C2FARMQTE, Bundle{
		Stores:    singleStore,
		Fill:      fillInto(0, nil),
		Agent:     quantizedAgent(true),
		Generator: defaultGenerator,
	})
	Register(LPR, Bundle{
		Validate: func(cfg *config.ExperimentConfig) error {
			if p := trajectoryPoints(cfg); p <= 0 {
				return &config.Error{Field: "method.trajectory_points", Value: fmt.Sprint(p), Reason: "must be >= 1"}
			}
			return nil
		},
		ActionMode: func(cfg *config.ExperimentConfig) sim.ActionMode {
			return sim.Trajectory(trajectoryPoints(cfg))
		},
		Stores: singleStore,
		Fill: fillInto(0, func(cfg *config.ExperimentConfig, d sim.Demo) sim.Demo {
			return PathDemo(d, trajectoryPoints(cfg))
		}),
		Agent: func(cfg *config.ExperimentConfig, env Environment, b *bounds.ActionBounds) (agent.Agent, error) {
			return linearAgent(cfg, env, sim.Trajectory(trajectoryPoints(cfg)).Dim(), nil, 0.05)
		},
		Generator: func(cfg *config.ExperimentConfig) rollout.Generator {
			return rollout.Path{Points: trajectoryPoints(cfg)}
		},
	})
	Register(ARM, Bundle{
		Validate:    frontCameraOnly,
		Stores:      singleStore,
		Fill:        fillInto(0, nil),
		NeedsBounds: true,
		Agent:       boundedAgent(0.1),
		Generator:   defaultGenerator,
	})
	Register(TD3, Bundle{
		Stores:      singleStore,
		Fill:        fillInto(0, nil),
		NeedsBounds: true,
		Agent:       boundedAgent(0.1),
		Generator:   defaultGenerator,
	})
	Register(SAC, Bundle{
		Stores:      singleStore,
		Fill:        fillInto(0, nil),
		NeedsBounds: true,
		Agent:       boundedAgent(0.2),
		Generator:   defaultGenerator,
	})
	Register(DAC, Bundle{
		Stores:      demoExploreStores,
		Fill:        fillInto(0, nil),
		NeedsBounds: true,
		Agent:       boundedAgent(0.1),
		Generator:   defaultGenerator,
	})
	Register(BC, Bundle{
		Stores: singleStore,
		Fill:   fillInto(0, nil),
		Agent: func(cfg *config.ExperimentConfig, env Environment, b *bounds.ActionBounds) (agent.Agent, error) {
			return linearAgent(cfg, env, bounds.PoseActionDim, nil, 0)
		},
		Generator: defaultGenerator,
		Offline:   true,
	})
}

// frontCameraOnly rejects camera lists other than exactly ["front"].
func frontCameraOnly(cfg *config.ExperimentConfig) error {
	cams := cfg.RLBench.Cameras
	if len(cams) > 1 || !cams.Contains("front") {
		return &config.Error{
			Field:  "rlbench.cameras",
			Value:  strings.Join(cams, ","),
			Reason: fmt.Sprintf("%s expects only the front camera", cfg.Method.Name),
		}
	}
	return nil
}

func defaultGenerator(*config.ExperimentConfig) rollout.Generator {
	return rollout.Default{}
}

func trajectoryPoints(cfg *config.ExperimentConfig) int {
	return cfg.Method.Int("trajectory_points", 3)
}

func singleStore(ctx context.Context, cfg *config.ExperimentConfig, f *StoreFactory) (*replay.Mix, error) {
	s, err := f.New(ctx, "main", cfg.Replay.BatchSize, "")
	if err != nil {
		return nil, err
	}
	return replay.Single(s), nil
}

// demoExploreStores builds a demonstration store and an exploration store,
// each drawing half the batch.
func demoExploreStores(ctx context.Context, cfg *config.ExperimentConfig, f *StoreFactory) (*replay.Mix, error) {
	half := max(1, cfg.Replay.BatchSize/2)
	demo, err := f.New(ctx, "demo", half, "demo")
	if err != nil {
		return nil, err
	}
	explore, err := f.New(ctx, "explore", half, "explore")
	if err != nil {
		demo.Close()
		return nil, err
	}
	mix, err := replay.NewMix([]replay.Store{demo, explore}, []float64{0.5, 0.5})
	if err != nil {
		demo.Close()
		explore.Close()
		return nil, err
	}
	return mix, nil
}

func linearAgent(cfg *config.ExperimentConfig, env Environment, actionDim int, b *bounds.ActionBounds, noise float64) (agent.Agent, error) {
	l, err := agent.NewLinear(agent.LinearConfig{
		Variant:          cfg.Method.Name,
		ActionDim:        actionDim,
		LowDimStateLen:   env.LowDimStateLen(),
		Cameras:          cfg.RLBench.Cameras,
		Bounds:           b,
		LearningRate:     cfg.Method.Float("lr", 0.05),
		WeightDecay:      cfg.Method.Float("weight_decay", 1e-5),
		GradClip:         cfg.Method.Float("grad_clip", 10),
		ExplorationNoise: cfg.Method.Float("exploration_noise", noise),
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

func boundedAgent(noise float64) func(*config.ExperimentConfig, Environment, *bounds.ActionBounds) (agent.Agent, error) {
	return func(cfg *config.ExperimentConfig, env Environment, b *bounds.ActionBounds) (agent.Agent, error) {
		if b == nil {
			return nil, fmt.Errorf("%s requires action bounds", cfg.Method.Name)
		}
		return linearAgent(cfg, env, bounds.PoseActionDim, b, noise)
	}
}

func quantizedAgent(qte bool) func(*config.ExperimentConfig, Environment, *bounds.ActionBounds) (agent.Agent, error) {
	return func(cfg *config.ExperimentConfig, env Environment, b *bounds.ActionBounds) (agent.Agent, error) {
		inner, err := linearAgent(cfg, env, bounds.PoseActionDim, nil, 0.05)
		if err != nil {
			return nil, err
		}
		var voxels []int
		for _, v := range cfg.Method.Floats("voxel_sizes", []float64{16, 16}) {
			voxels = append(voxels, int(v))
		}
		alpha := 0.0
		if qte {
			alpha = cfg.Method.Float("qte_alpha", 0.5)
		}
		q, err := agent.NewQuantized(inner, cfg.RLBench.SceneBounds, voxels, alpha)
		if err != nil {
			return nil, err
		}
		return q, nil
	}
}
