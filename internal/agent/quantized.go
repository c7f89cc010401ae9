package agent

import (
	"context"
	"fmt"
	"math"

	"github.com/dyluth/armlab/internal/replay"
	"github.com/dyluth/armlab/internal/sim"
)

// Quantized restricts an agent's translation output to the centres of a
// voxel grid over the scene. Each entry of VoxelSizes refines the previous
// level, so the finest grid has prod(VoxelSizes) cells per axis.
type Quantized struct {
	Agent
	scene [6]float64
	cells float64
	// alpha > 0 weights samples by exp(alpha * reward).
	alpha float64
}

// NewQuantized wraps inner. sceneBounds is x_min, y_min, z_min, x_max,
// y_max, z_max.
func NewQuantized(inner Agent, sceneBounds []float64, voxelSizes []int, alpha float64) (*Quantized, error) {
	if len(sceneBounds) != 6 {
		return nil, fmt.Errorf("scene bounds must have 6 values, got %d", len(sceneBounds))
	}
	if len(voxelSizes) == 0 {
		return nil, fmt.Errorf("at least one voxel size is required")
	}
	cells := 1
	for _, v := range voxelSizes {
		if v <= 0 {
			return nil, fmt.Errorf("voxel sizes must be positive, got %v", voxelSizes)
		}
		cells *= v
	}
	q := &Quantized{Agent: inner, cells: float64(cells), alpha: alpha}
	copy(q.scene[:], sceneBounds)
	return q, nil
}

// Snap returns a copy of action with its translation moved to the nearest
// voxel centre.
func (q *Quantized) Snap(action []float64) []float64 {
	out := append([]float64(nil), action...)
	for i := 0; i < 3 && i < len(out); i++ {
		lo, hi := q.scene[i], q.scene[i+3]
		cell := (hi - lo) / q.cells
		idx := math.Floor((out[i] - lo) / cell)
		idx = math.Max(0, math.Min(q.cells-1, idx))
		out[i] = lo + (idx+0.5)*cell
	}
	return out
}

// Snapshot implements Agent.
func (q *Quantized) Snapshot() Policy {
	return &quantizedPolicy{inner: q.Agent.Snapshot(), q: q}
}

// Update trains the wrapped agent toward voxel-centre targets.
func (q *Quantized) Update(ctx context.Context, batch []replay.Sample) (Result, error) {
	snapped := make([]replay.Sample, len(batch))
	for i, s := range batch {
		s.Action = q.Snap(s.Action)
		if q.alpha > 0 {
			if s.Weight <= 0 {
				s.Weight = 1
			}
			s.Weight *= math.Exp(q.alpha * s.Reward)
		}
		snapped[i] = s
	}
	return q.Agent.Update(ctx, snapped)
}

type quantizedPolicy struct {
	inner Policy
	q     *Quantized
}

func (p *quantizedPolicy) Act(obs sim.Observation, eval bool) ([]float64, error) {
	a, err := p.inner.Act(obs, eval)
	if err != nil {
		return nil, err
	}
	return p.q.Snap(a), nil
}
