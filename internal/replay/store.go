// Package replay holds the experience stores sampled by the training loop and
// the Mix adapter that presents one or more of them as a single surface.
package replay

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/dyluth/armlab/internal/sim"
)

// ErrEmpty is returned when sampling from a store that holds no records.
var ErrEmpty = errors.New("replay store is empty")

// Transition is one environment transition. Index is assigned by the store
// on insertion and is unique within it.
type Transition struct {
	Index       int64              `json:"index"`
	Episode     string             `json:"episode,omitempty"`
	Observation sim.Observation    `json:"observation"`
	Action      []float64          `json:"action"`
	Reward      float64            `json:"reward"`
	Terminal    bool               `json:"terminal"`
	Timeout     bool               `json:"timeout,omitempty"`
	Demo        bool               `json:"demo,omitempty"`
	Info        map[string]float64 `json:"info,omitempty"`
}

// Validate rejects malformed transitions before they reach a store.
func (t Transition) Validate() error {
	if len(t.Action) == 0 {
		return fmt.Errorf("transition has no action")
	}
	for i, v := range t.Action {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("transition action component %d is not finite", i)
		}
	}
	if t.Observation == nil {
		return fmt.Errorf("transition has no observation")
	}
	if math.IsNaN(t.Reward) || math.IsInf(t.Reward, 0) {
		return fmt.Errorf("transition reward is not finite")
	}
	return nil
}

// ends reports whether the transition closes its episode.
func (t Transition) ends() bool {
	return t.Terminal || t.Timeout
}

// Sample is one sampled record.
type Sample struct {
	Transition
	// Slot identifies the record inside its store for priority updates.
	Slot int
	// Store is the index of the store within a Mix.
	Store int
	// Weight is the importance-sampling weight (1 for uniform sampling).
	Weight float64
	// History holds the observations of the last Timesteps steps of the
	// record's episode, oldest first, ending with the record's own.
	History []sim.Observation
}

// Store is an experience store.
type Store interface {
	Add(ctx context.Context, t Transition) error
	Sample(ctx context.Context, n int) ([]Sample, error)
	Len() int
	AddCount() int64
	BatchSize() int
	Close() error
}

// Prioritizer is implemented by stores that sample proportionally to
// per-record priorities.
type Prioritizer interface {
	UpdatePriorities(updates []PriorityUpdate) error
}

// PriorityUpdate sets the priority of one sampled record. Index guards
// against the slot having been reused since the record was sampled.
type PriorityUpdate struct {
	Slot     int
	Index    int64
	Priority float64
}

// Options configures a store.
type Options struct {
	Name        string
	BatchSize   int
	Timesteps   int
	Capacity    int
	Prioritised bool
	Seed        int64
}

func (o *Options) validate() error {
	if o.Name == "" {
		return fmt.Errorf("store name is required")
	}
	if o.BatchSize <= 0 {
		return fmt.Errorf("store %s: batch size must be positive, got %d", o.Name, o.BatchSize)
	}
	if o.Capacity <= 0 {
		return fmt.Errorf("store %s: capacity must be positive, got %d", o.Name, o.Capacity)
	}
	if o.Timesteps <= 0 {
		o.Timesteps = 1
	}
	return nil
}

// padHistory prepends copies of the earliest observation until the window
// has n entries.
func padHistory(window []sim.Observation, n int) []sim.Observation {
	if len(window) >= n || len(window) == 0 {
		return window
	}
	out := make([]sim.Observation, 0, n)
	for i := len(window); i < n; i++ {
		out = append(out, window[0])
	}
	return append(out, window...)
}
