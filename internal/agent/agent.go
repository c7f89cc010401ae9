// Package agent defines the learning-agent contract used by the training
// loop and rollout workers, and ships reference implementations of it.
package agent

import (
	"context"

	"github.com/dyluth/armlab/internal/replay"
	"github.com/dyluth/armlab/internal/sim"
)

// Policy maps an observation to an action. A Policy returned by
// Agent.Snapshot is immutable and safe for concurrent use.
type Policy interface {
	Act(obs sim.Observation, eval bool) ([]float64, error)
}

// Result is the outcome of one update step.
type Result struct {
	// Scalars are named statistics to log (e.g. "loss").
	Scalars map[string]float64
	// Priorities, when set, holds one new priority per sample.
	Priorities []float64
}

// Agent is a learner. Only the training loop calls Update, Save and Load;
// rollout workers act through snapshots.
type Agent interface {
	Snapshot() Policy
	Update(ctx context.Context, batch []replay.Sample) (Result, error)
	Save(dir string) error
	Load(dir string) error
	Close() error
}
