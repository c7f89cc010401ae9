// Package method maps algorithm variant names to the bundle of factories
// that build a seed's stores, demonstrations, agent and rollout generator.
package method

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dyluth/armlab/internal/agent"
	"github.com/dyluth/armlab/internal/bounds"
	"github.com/dyluth/armlab/internal/config"
	"github.com/dyluth/armlab/internal/replay"
	"github.com/dyluth/armlab/internal/rollout"
	"github.com/dyluth/armlab/internal/sim"
)

// Environment is the shared simulator handle used while building a seed: it
// supplies demonstrations and the state length agents are sized by.
type Environment interface {
	sim.Env
	sim.DemoSource
}

// Bundle is everything needed to build one algorithm variant.
type Bundle struct {
	// Validate checks variant preconditions. It runs before anything is built
	// and must not have side effects.
	Validate func(cfg *config.ExperimentConfig) error
	// ActionMode selects the simulator action mode for the variant.
	ActionMode func(cfg *config.ExperimentConfig) sim.ActionMode
	// Stores builds the variant's experience stores and mixing weights.
	Stores func(ctx context.Context, cfg *config.ExperimentConfig, f *StoreFactory) (*replay.Mix, error)
	// Fill inserts demonstrations and returns the actions inserted.
	Fill func(ctx context.Context, cfg *config.ExperimentConfig, env Environment, mix *replay.Mix) ([][]float64, error)
	// NeedsBounds marks continuous-action variants that normalise actions.
	NeedsBounds bool
	// Agent builds the learner. bounds is nil unless NeedsBounds.
	Agent func(cfg *config.ExperimentConfig, env Environment, b *bounds.ActionBounds) (agent.Agent, error)
	// Generator selects the rollout strategy.
	Generator func(cfg *config.ExperimentConfig) rollout.Generator
	// Offline variants train from demonstrations only: no train
	// environments and no replay-ratio throttle.
	Offline bool
}

var (
	registry   = make(map[string]Bundle)
	registryMu sync.RWMutex
)

// Register adds a variant. It panics if name is empty, already registered,
// or the bundle is missing a factory.
func Register(name string, b Bundle) {
	if name == "" {
		panic("method: Register with empty name")
	}
	if b.Stores == nil || b.Fill == nil || b.Agent == nil || b.Generator == nil {
		panic(fmt.Sprintf("method: bundle %s is missing a factory", name))
	}

	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("method: Register called twice for %s", name))
	}
	registry[name] = b
}

// Lookup returns the bundle for name. Unknown names are configuration errors.
func Lookup(name string) (Bundle, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	b, ok := registry[name]
	if !ok {
		known := make([]string, 0, len(registry))
		for n := range registry {
			known = append(known, n)
		}
		sort.Strings(known)
		return Bundle{}, &config.Error{
			Field:  "method.name",
			Value:  name,
			Reason: fmt.Sprintf("unknown method (known: %s)", strings.Join(known, ", ")),
		}
	}
	return b, nil
}

// Names returns the registered variant names in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ActionMode returns the action mode for the configured variant.
func ActionMode(cfg *config.ExperimentConfig) (sim.ActionMode, error) {
	b, err := Lookup(cfg.Method.Name)
	if err != nil {
		return sim.ActionMode{}, err
	}
	if b.ActionMode == nil {
		return sim.PosePlanning(), nil
	}
	return b.ActionMode(cfg), nil
}
