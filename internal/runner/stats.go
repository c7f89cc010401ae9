package runner

import (
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Episode phases.
const (
	PhaseTrain = "train"
	PhaseEval  = "eval"
)

// StatAccumulator collects episode returns and lengths from workers until
// the training loop drains them.
type StatAccumulator struct {
	mu      sync.Mutex
	returns map[string][]float64
	lengths map[string][]float64
	success map[string]int
	total   map[string]int
}

// NewStatAccumulator creates an empty accumulator.
func NewStatAccumulator() *StatAccumulator {
	return &StatAccumulator{
		returns: make(map[string][]float64),
		lengths: make(map[string][]float64),
		success: make(map[string]int),
		total:   make(map[string]int),
	}
}

// Record adds one finished episode.
func (s *StatAccumulator) Record(phase string, ret float64, length int, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.returns[phase] = append(s.returns[phase], ret)
	s.lengths[phase] = append(s.lengths[phase], float64(length))
	if success {
		s.success[phase]++
	}
	s.total[phase]++
}

// Total returns the number of episodes recorded for phase since creation.
func (s *StatAccumulator) Total(phase string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total[phase]
}

// Drain returns per-phase summaries of the episodes recorded since the last
// call, keyed like "train/return_mean", and resets the window.
func (s *StatAccumulator) Drain() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]float64)
	for phase, rets := range s.returns {
		if len(rets) == 0 {
			continue
		}
		out[phase+"/episodes"] = float64(len(rets))
		out[phase+"/return_mean"] = stat.Mean(rets, nil)
		out[phase+"/return_max"] = floats.Max(rets)
		out[phase+"/length_mean"] = stat.Mean(s.lengths[phase], nil)
		out[phase+"/success_rate"] = float64(s.success[phase]) / float64(len(rets))
	}
	s.returns = make(map[string][]float64)
	s.lengths = make(map[string][]float64)
	s.success = make(map[string]int)
	return out
}
