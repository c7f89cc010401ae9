// Package bounds derives per-dimension normalisation bounds for continuous
// pose actions from demonstration trajectories.
//
// Actions are 8-dimensional: a translation (x, y, z), an orientation
// quaternion (qx, qy, qz, qw) and a gripper open state. Observed demonstration
// extremes under-cover what an exploring agent will try, so raw bounds are
// adjusted by a fixed set of named rules before use.
package bounds

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Range is a half-open span [Start, End) of action components.
type Range struct {
	Name  string
	Start int
	End   int
}

// Named sub-ranges of the pose action.
var (
	Translation = Range{Name: "translation", Start: 0, End: 3}
	Orientation = Range{Name: "orientation", Start: 3, End: 7}
	Gripper     = Range{Name: "gripper", Start: 7, End: 8}
)

// PoseActionDim is the dimensionality of the pose action the rules address.
const PoseActionDim = 8

// ActionBounds holds the per-dimension minimum and maximum of an action space.
type ActionBounds struct {
	Min []float64
	Max []float64
}

// Dim returns the action dimensionality.
func (b ActionBounds) Dim() int {
	return len(b.Min)
}

// Validate checks that both vectors have the same length and Min[i] <= Max[i].
func (b ActionBounds) Validate() error {
	if len(b.Min) == 0 {
		return fmt.Errorf("action bounds are empty")
	}
	if len(b.Min) != len(b.Max) {
		return fmt.Errorf("action bounds length mismatch: min has %d, max has %d", len(b.Min), len(b.Max))
	}
	for i := range b.Min {
		if b.Min[i] > b.Max[i] {
			return fmt.Errorf("action bounds inverted at dimension %d: min %g > max %g", i, b.Min[i], b.Max[i])
		}
	}
	return nil
}

// Clone returns a deep copy.
func (b ActionBounds) Clone() ActionBounds {
	return ActionBounds{
		Min: append([]float64(nil), b.Min...),
		Max: append([]float64(nil), b.Max...),
	}
}

// Aggregate computes the elementwise minimum and maximum over a set of actions.
func Aggregate(actions [][]float64) (ActionBounds, error) {
	if len(actions) == 0 {
		return ActionBounds{}, fmt.Errorf("no demonstration actions to aggregate")
	}

	dim := len(actions[0])
	if dim == 0 {
		return ActionBounds{}, fmt.Errorf("demonstration actions have zero dimensions")
	}

	flat := make([]float64, 0, len(actions)*dim)
	for i, a := range actions {
		if len(a) != dim {
			return ActionBounds{}, fmt.Errorf("action %d has %d dimensions, expected %d", i, len(a), dim)
		}
		flat = append(flat, a...)
	}
	m := mat.NewDense(len(actions), dim, flat)

	raw := ActionBounds{Min: make([]float64, dim), Max: make([]float64, dim)}
	col := make([]float64, len(actions))
	for j := 0; j < dim; j++ {
		mat.Col(col, j, m)
		raw.Min[j] = floats.Min(col)
		raw.Max[j] = floats.Max(col)
	}

	return raw, nil
}

// FromDemonstrations aggregates raw demonstration actions and applies the
// default adjustment policy.
func FromDemonstrations(actions [][]float64) (ActionBounds, error) {
	raw, err := Aggregate(actions)
	if err != nil {
		return ActionBounds{}, err
	}
	if raw.Dim() != PoseActionDim {
		return ActionBounds{}, fmt.Errorf("expected %d-dimensional pose actions, got %d", PoseActionDim, raw.Dim())
	}

	adjusted := Adjust(raw, DefaultPolicy...)
	if err := adjusted.Validate(); err != nil {
		return ActionBounds{}, fmt.Errorf("adjusted bounds invalid: %w", err)
	}
	return adjusted, nil
}
