package method

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/dyluth/armlab/internal/agent"
	"github.com/dyluth/armlab/internal/bounds"
	"github.com/dyluth/armlab/internal/config"
	"github.com/dyluth/armlab/internal/replay"
	"github.com/dyluth/armlab/internal/rollout"
)

// Built is the output of Dispatch for one seed.
type Built struct {
	Method    string
	Mix       *replay.Mix
	Agent     agent.Agent
	Generator rollout.Generator
	// Bounds is nil for variants that do not normalise actions.
	Bounds *bounds.ActionBounds
	// DemoTransitions is the number of demonstration transitions inserted.
	DemoTransitions int

	// Effective training settings after variant overrides.
	TrainEnvs   int
	ReplayRatio *float64
	Warnings    []string
}

// Close releases the agent and the stores.
func (b *Built) Close() error {
	var errs []error
	if b.Agent != nil {
		if err := b.Agent.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close agent: %w", err))
		}
	}
	if b.Mix != nil {
		if err := b.Mix.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close stores: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Precheck runs the variant's preconditions without building anything.
func Precheck(cfg *config.ExperimentConfig) (Bundle, error) {
	b, err := Lookup(cfg.Method.Name)
	if err != nil {
		return Bundle{}, err
	}
	if b.Validate != nil {
		if err := b.Validate(cfg); err != nil {
			return Bundle{}, err
		}
	}
	return b, nil
}

// Dispatch builds the configured variant: preconditions, stores,
// demonstrations, bounds, agent and rollout generator, in that order. On
// failure everything built so far is released.
func Dispatch(ctx context.Context, cfg *config.ExperimentConfig, env Environment, f *StoreFactory) (*Built, error) {
	bundle, err := Precheck(cfg)
	if err != nil {
		return nil, err
	}

	built := &Built{
		Method:      cfg.Method.Name,
		TrainEnvs:   cfg.Framework.TrainEnvs,
		ReplayRatio: cfg.Framework.ReplayRatio.Value,
	}
	if bundle.Offline {
		if built.TrainEnvs > 0 {
			msg := fmt.Sprintf("Training envs set to 0 for %s.", cfg.Method.Name)
			log.Printf("[Method] WARNING: %s", msg)
			built.Warnings = append(built.Warnings, msg)
		}
		built.TrainEnvs = 0
		built.ReplayRatio = nil
	}

	fail := func(err error) (*Built, error) {
		if cerr := built.Close(); cerr != nil {
			log.Printf("[Method] Failed to release partial build: %v", cerr)
		}
		return nil, err
	}

	built.Mix, err = bundle.Stores(ctx, cfg, f)
	if err != nil {
		return fail(fmt.Errorf("failed to build stores: %w", err))
	}

	actions, err := bundle.Fill(ctx, cfg, env, built.Mix)
	if err != nil {
		return fail(fmt.Errorf("failed to fill stores from demos: %w", err))
	}
	built.DemoTransitions = len(actions)

	if bundle.NeedsBounds {
		b, err := bounds.FromDemonstrations(actions)
		if err != nil {
			return fail(fmt.Errorf("failed to derive action bounds: %w", err))
		}
		built.Bounds = &b
	}

	built.Agent, err = bundle.Agent(cfg, env, built.Bounds)
	if err != nil {
		return fail(fmt.Errorf("failed to build agent: %w", err))
	}
	built.Generator = bundle.Generator(cfg)

	log.Printf("[Method] Built %s: stores=%v weights=%v demo_transitions=%d bounds=%t",
		cfg.Method.Name, built.Mix.Sizes(), built.Mix.Weights(), built.DemoTransitions, built.Bounds != nil)
	return built, nil
}
