package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Error is a fatal configuration error. It names the offending field and value
// so the CLI can report it without further context.
type Error struct {
	Field  string
	Value  string
	Reason string
}

func (e *Error) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("%s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("%s=%q: %s", e.Field, e.Value, e.Reason)
}

// IsConfigError reports whether err or anything it wraps is a configuration error.
func IsConfigError(err error) bool {
	var cfgErr *Error
	return errors.As(err, &cfgErr)
}

// ReplayRatio is the target number of update steps per collected environment
// transition. A nil Value disables throttling. The YAML form accepts a number,
// null, or the string "None".
type ReplayRatio struct {
	Value *float64
}

// Ratio returns a ReplayRatio set to v.
func Ratio(v float64) ReplayRatio {
	return ReplayRatio{Value: &v}
}

func (r ReplayRatio) String() string {
	if r.Value == nil {
		return "None"
	}
	return strconv.FormatFloat(*r.Value, 'g', -1, 64)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (r *ReplayRatio) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("replay_ratio must be a scalar (line %d)", node.Line)
	}
	if node.Tag == "!!null" || strings.EqualFold(node.Value, "none") || node.Value == "" {
		r.Value = nil
		return nil
	}
	v, err := strconv.ParseFloat(node.Value, 64)
	if err != nil {
		return fmt.Errorf("replay_ratio %q is neither a number nor None (line %d)", node.Value, node.Line)
	}
	r.Value = &v
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (r ReplayRatio) MarshalYAML() (interface{}, error) {
	if r.Value == nil {
		return "None", nil
	}
	return *r.Value, nil
}

// StringList accepts either a single scalar or a sequence of strings.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			*s = nil
			return nil
		}
		*s = StringList{node.Value}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*s = items
		return nil
	default:
		return fmt.Errorf("expected a string or list of strings (line %d)", node.Line)
	}
}

// Contains reports whether name is in the list.
func (s StringList) Contains(name string) bool {
	for _, v := range s {
		if v == name {
			return true
		}
	}
	return false
}

// Float returns the float hyperparameter key, or def when absent.
func (m MethodConfig) Float(key string, def float64) float64 {
	switch v := m.Params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// Int returns the integer hyperparameter key, or def when absent.
func (m MethodConfig) Int(key string, def int) int {
	switch v := m.Params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case string:
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// Bool returns the boolean hyperparameter key, or def when absent.
func (m MethodConfig) Bool(key string, def bool) bool {
	if v, ok := m.Params[key].(bool); ok {
		return v
	}
	return def
}

// Text returns the string hyperparameter key, or def when absent.
func (m MethodConfig) Text(key string, def string) string {
	if v, ok := m.Params[key].(string); ok {
		return v
	}
	return def
}

// Floats returns a list hyperparameter (e.g. voxel_sizes), or def when absent
// or malformed. A scalar is returned as a single-element list.
func (m MethodConfig) Floats(key string, def []float64) []float64 {
	switch v := m.Params[key].(type) {
	case []interface{}:
		out := make([]float64, 0, len(v))
		for _, item := range v {
			switch n := item.(type) {
			case float64:
				out = append(out, n)
			case int:
				out = append(out, float64(n))
			default:
				return def
			}
		}
		return out
	case float64:
		return []float64{v}
	case int:
		return []float64{float64(v)}
	}
	return def
}
