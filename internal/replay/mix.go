package replay

import (
	"context"
	"errors"
	"fmt"
	"math"
)

const weightTolerance = 1e-6

// Mix presents one or more stores as a single sampling surface. The last
// store is the exploration store: rollouts are written to it and warm-up is
// measured on it. Earlier stores (demonstration stores) are filled before
// training and may be empty.
type Mix struct {
	stores  []Store
	weights []float64
}

// NewMix wraps stores with their mixing weights. Weights must be
// non-negative, one per store, and sum to 1.
func NewMix(stores []Store, weights []float64) (*Mix, error) {
	if len(stores) == 0 {
		return nil, fmt.Errorf("mix needs at least one store")
	}
	if len(weights) != len(stores) {
		return nil, fmt.Errorf("mix has %d stores but %d weights", len(stores), len(weights))
	}
	sum := 0.0
	for i, w := range weights {
		if w < 0 || math.IsNaN(w) {
			return nil, fmt.Errorf("mix weight %d is invalid: %v", i, w)
		}
		sum += w
	}
	if math.Abs(sum-1) > weightTolerance {
		return nil, fmt.Errorf("mix weights sum to %v, expected 1", sum)
	}
	return &Mix{
		stores:  append([]Store(nil), stores...),
		weights: append([]float64(nil), weights...),
	}, nil
}

// Single wraps one store with weight 1.
func Single(s Store) *Mix {
	return &Mix{stores: []Store{s}, weights: []float64{1}}
}

// Stores returns the wrapped stores.
func (m *Mix) Stores() []Store { return append([]Store(nil), m.stores...) }

// Weights returns the mixing weights.
func (m *Mix) Weights() []float64 { return append([]float64(nil), m.weights...) }

// Explore returns the store rollouts are written to.
func (m *Mix) Explore() Store { return m.stores[len(m.stores)-1] }

// Add writes a rollout transition to the exploration store.
func (m *Mix) Add(ctx context.Context, t Transition) error {
	return m.Explore().Add(ctx, t)
}

// Sample draws each non-empty store's own batch and concatenates them,
// tagging every sample with its store index.
func (m *Mix) Sample(ctx context.Context) ([]Sample, error) {
	var out []Sample
	for i, s := range m.stores {
		if m.weights[i] == 0 || s.Len() == 0 {
			continue
		}
		batch, err := s.Sample(ctx, s.BatchSize())
		if errors.Is(err, ErrEmpty) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to sample store %d: %w", i, err)
		}
		for j := range batch {
			batch[j].Store = i
		}
		out = append(out, batch...)
	}
	if len(out) == 0 {
		return nil, ErrEmpty
	}
	return out, nil
}

// UpdatePriorities routes per-sample priorities back to the stores the
// samples came from. Stores without priorities are skipped.
func (m *Mix) UpdatePriorities(samples []Sample, priorities []float64) error {
	if len(samples) != len(priorities) {
		return fmt.Errorf("%d samples but %d priorities", len(samples), len(priorities))
	}
	updates := make([][]PriorityUpdate, len(m.stores))
	for i, s := range samples {
		if s.Store < 0 || s.Store >= len(m.stores) {
			return fmt.Errorf("sample %d refers to unknown store %d", i, s.Store)
		}
		updates[s.Store] = append(updates[s.Store], PriorityUpdate{Slot: s.Slot, Index: s.Index, Priority: priorities[i]})
	}
	for i, s := range m.stores {
		p, ok := s.(Prioritizer)
		if !ok || len(updates[i]) == 0 {
			continue
		}
		if err := p.UpdatePriorities(updates[i]); err != nil {
			return err
		}
	}
	return nil
}

// Sizes returns the current record count of each store.
func (m *Mix) Sizes() []int {
	out := make([]int, len(m.stores))
	for i, s := range m.stores {
		out[i] = s.Len()
	}
	return out
}

// AddCounts returns the total insertions of each store.
func (m *Mix) AddCounts() []int64 {
	out := make([]int64, len(m.stores))
	for i, s := range m.stores {
		out[i] = s.AddCount()
	}
	return out
}

// Len returns the total number of records across stores.
func (m *Mix) Len() int {
	n := 0
	for _, s := range m.stores {
		n += s.Len()
	}
	return n
}

// Warm reports whether the exploration store holds at least threshold records.
func (m *Mix) Warm(threshold int) bool {
	return m.Explore().Len() >= threshold
}

// Close closes every store.
func (m *Mix) Close() error {
	var errs []error
	for i, s := range m.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
