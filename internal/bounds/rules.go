package bounds

import "math"

// Rule adjusts one named sub-range of a bounds pair in place.
type Rule struct {
	Name  string
	Range Range
	apply func(min, max []float64)
}

// ExpandOutward widens each side of r by fraction of its own magnitude:
// min -= fraction*|min| and max += fraction*|max|.
func ExpandOutward(r Range, fraction float64) Rule {
	return Rule{
		Name:  "expand_" + r.Name,
		Range: r,
		apply: func(min, max []float64) {
			for i := range min {
				min[i] -= math.Abs(min[i]) * fraction
				max[i] += math.Abs(max[i]) * fraction
			}
		},
	}
}

// Fix overrides r with known physical limits, ignoring observed data.
func Fix(r Range, lo, hi []float64) Rule {
	lo = append([]float64(nil), lo...)
	hi = append([]float64(nil), hi...)
	return Rule{
		Name:  "fix_" + r.Name,
		Range: r,
		apply: func(min, max []float64) {
			copy(min, lo)
			copy(max, hi)
		},
	}
}

// DefaultPolicy is the adjustment applied to demonstration-derived bounds.
var DefaultPolicy = []Rule{
	ExpandOutward(Translation, 0.2),
	Fix(Gripper, []float64{0}, []float64{1}),
	Fix(Orientation, []float64{-1, -1, -1, 0}, []float64{1, 1, 1, 1}),
}

// Adjust returns a copy of raw with rules applied in order. Rules whose range
// falls outside the action dimensionality are skipped.
func Adjust(raw ActionBounds, rules ...Rule) ActionBounds {
	out := raw.Clone()
	for _, rule := range rules {
		if rule.Range.Start < 0 || rule.Range.End > out.Dim() || rule.Range.Start >= rule.Range.End {
			continue
		}
		rule.apply(out.Min[rule.Range.Start:rule.Range.End], out.Max[rule.Range.Start:rule.Range.End])
	}
	return out
}
