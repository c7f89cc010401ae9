// Package sim defines the simulator contract consumed by the experiment
// launcher and provides a kinematic toy simulator implementing it.
//
// A real physics-backed simulator plugs in by implementing Env and
// DemoSource; nothing else in the module depends on the toy.
package sim

import "context"

// Observation keys produced by every simulator.
const (
	// LowDimState is the flattened proprioceptive state vector.
	LowDimState = "low_dim_state"
)

// Observation maps observation names (e.g. "low_dim_state", "front_rgb") to
// flattened values.
type Observation map[string][]float64

// Clone returns a deep copy of the observation.
func (o Observation) Clone() Observation {
	out := make(Observation, len(o))
	for k, v := range o {
		out[k] = append([]float64(nil), v...)
	}
	return out
}

// StepResult is the outcome of a single environment step.
type StepResult struct {
	Observation Observation
	Reward      float64
	Terminal    bool
	Info        map[string]float64
}

// Env is one private environment instance. Implementations are not required
// to be safe for concurrent use; each worker owns its own Env.
type Env interface {
	// Reset starts a new episode and returns its first observation.
	Reset(ctx context.Context) (Observation, error)
	// Step executes one end-effector pose action (translation, quaternion,
	// gripper open state).
	Step(ctx context.Context, action []float64) (StepResult, error)
	// LowDimStateLen is the length of the LowDimState vector.
	LowDimStateLen() int
	// Close releases the simulator instance.
	Close() error
}

// DemoStep is one recorded step of a demonstration.
type DemoStep struct {
	Observation Observation `json:"observation"`
	Action      []float64   `json:"action"`
	Reward      float64     `json:"reward"`
	Terminal    bool        `json:"terminal"`
}

// Demo is one demonstration episode.
type Demo struct {
	Steps []DemoStep `json:"steps"`
}

// DemoSource supplies demonstration episodes for the configured task.
type DemoSource interface {
	Demos(ctx context.Context, n int) ([]Demo, error)
}

// Factory creates a private Env for a rollout worker.
type Factory func(worker int) (Env, error)
