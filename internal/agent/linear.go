package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"github.com/dyluth/armlab/internal/bounds"
	"github.com/dyluth/armlab/internal/replay"
	"github.com/dyluth/armlab/internal/sim"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// WeightsFile is the file Linear writes into a checkpoint directory.
const WeightsFile = "weights.json"

// LinearConfig configures a Linear agent.
type LinearConfig struct {
	Variant        string
	ActionDim      int
	LowDimStateLen int
	// Cameras are the camera names whose "<name>_rgb" images feed the policy.
	Cameras []string
	// Bounds, when set, makes the policy act in the normalised space
	// [-1, 1] and map actions through the bounds.
	Bounds *bounds.ActionBounds

	LearningRate     float64
	WeightDecay      float64
	GradClip         float64
	ExplorationNoise float64
	Seed             int64
}

// Linear is a linear regression policy trained by weighted least squares
// on sampled actions.
type Linear struct {
	cfg      LinearConfig
	features int
	w        *mat.Dense
	seed     int64
	closed   bool
}

// NewLinear creates a Linear agent with zero weights.
func NewLinear(cfg LinearConfig) (*Linear, error) {
	if cfg.ActionDim <= 0 {
		return nil, fmt.Errorf("action dimension must be positive, got %d", cfg.ActionDim)
	}
	if cfg.LowDimStateLen < 0 {
		return nil, fmt.Errorf("low-dimensional state length cannot be negative")
	}
	if cfg.Bounds != nil && cfg.Bounds.Dim() != cfg.ActionDim {
		return nil, fmt.Errorf("bounds have %d dimensions but actions have %d", cfg.Bounds.Dim(), cfg.ActionDim)
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = 0.05
	}
	if cfg.GradClip <= 0 {
		cfg.GradClip = 10
	}
	features := cfg.LowDimStateLen + 3*len(cfg.Cameras) + 1
	return &Linear{
		cfg:      cfg,
		features: features,
		w:        mat.NewDense(cfg.ActionDim, features, nil),
		seed:     cfg.Seed,
	}, nil
}

// featurize builds the feature vector: state, per-channel camera means, bias.
func featurize(obs sim.Observation, stateLen int, cameras []string) []float64 {
	x := make([]float64, 0, stateLen+3*len(cameras)+1)
	state := obs[sim.LowDimState]
	for i := 0; i < stateLen; i++ {
		if i < len(state) {
			x = append(x, state[i])
		} else {
			x = append(x, 0)
		}
	}
	for _, cam := range cameras {
		img := obs[cam+"_rgb"]
		var sums [3]float64
		var counts [3]float64
		for i, v := range img {
			sums[i%3] += v
			counts[i%3]++
		}
		for c := 0; c < 3; c++ {
			if counts[c] > 0 {
				x = append(x, sums[c]/counts[c])
			} else {
				x = append(x, 0)
			}
		}
	}
	return append(x, 1)
}

// normalise maps an environment action into the policy space.
func (l *Linear) normalise(a []float64) []float64 {
	out := append([]float64(nil), a...)
	if b := l.cfg.Bounds; b != nil {
		for i := range out {
			span := b.Max[i] - b.Min[i]
			if span == 0 {
				out[i] = 0
				continue
			}
			out[i] = 2*(out[i]-b.Min[i])/span - 1
		}
	}
	return out
}

// Snapshot implements Agent. The returned policy holds a copy of the
// current weights.
func (l *Linear) Snapshot() Policy {
	l.seed++
	return &linearPolicy{
		w:        mat.DenseCopyOf(l.w),
		stateLen: l.cfg.LowDimStateLen,
		cameras:  append([]string(nil), l.cfg.Cameras...),
		bounds:   l.cfg.Bounds,
		noise:    l.cfg.ExplorationNoise,
		rng:      rand.New(rand.NewSource(l.seed)),
	}
}

// Update implements Agent. Priorities are the per-sample prediction errors.
func (l *Linear) Update(ctx context.Context, batch []replay.Sample) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if l.closed {
		return Result{}, fmt.Errorf("agent is closed")
	}
	n := len(batch)
	if n == 0 {
		return Result{}, fmt.Errorf("empty batch")
	}

	x := mat.NewDense(n, l.features, nil)
	t := mat.NewDense(n, l.cfg.ActionDim, nil)
	weights := make([]float64, n)
	for i, s := range batch {
		if len(s.Action) != l.cfg.ActionDim {
			return Result{}, fmt.Errorf("sample %d has %d action dimensions, expected %d", i, len(s.Action), l.cfg.ActionDim)
		}
		x.SetRow(i, featurize(s.Observation, l.cfg.LowDimStateLen, l.cfg.Cameras))
		t.SetRow(i, l.normalise(s.Action))
		weights[i] = s.Weight
		if weights[i] <= 0 {
			weights[i] = 1
		}
	}
	return l.step(x, t, weights)
}

func (l *Linear) step(x, t *mat.Dense, weights []float64) (Result, error) {
	n, _ := x.Dims()

	var e mat.Dense
	e.Mul(x, l.w.T())
	e.Sub(&e, t)

	priorities := make([]float64, n)
	loss := 0.0
	for i := 0; i < n; i++ {
		row := e.RawRowView(i)
		sq := floats.Dot(row, row)
		priorities[i] = math.Sqrt(sq) + 1e-6
		loss += weights[i] * sq / 2
		floats.Scale(weights[i], row)
	}
	loss /= float64(n)

	var g mat.Dense
	g.Mul(e.T(), x)
	g.Scale(1/float64(n), &g)
	if l.cfg.WeightDecay > 0 {
		var reg mat.Dense
		reg.Scale(l.cfg.WeightDecay, l.w)
		g.Add(&g, &reg)
	}

	norm := mat.Norm(&g, 2)
	if norm > l.cfg.GradClip {
		g.Scale(l.cfg.GradClip/norm, &g)
	}
	if math.IsNaN(norm) || math.IsInf(norm, 0) {
		return Result{}, fmt.Errorf("gradient is not finite")
	}

	g.Scale(l.cfg.LearningRate, &g)
	l.w.Sub(l.w, &g)

	return Result{
		Scalars:    map[string]float64{"loss": loss, "grad_norm": norm},
		Priorities: priorities,
	}, nil
}

type weightsJSON struct {
	Variant   string    `json:"variant"`
	ActionDim int       `json:"action_dim"`
	Features  int       `json:"features"`
	Weights   []float64 `json:"weights"`
}

// Save implements Agent.
func (l *Linear) Save(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	data, err := json.Marshal(weightsJSON{
		Variant:   l.cfg.Variant,
		ActionDim: l.cfg.ActionDim,
		Features:  l.features,
		Weights:   l.w.RawMatrix().Data,
	})
	if err != nil {
		return fmt.Errorf("failed to encode weights: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, WeightsFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write weights: %w", err)
	}
	return nil
}

// Load implements Agent.
func (l *Linear) Load(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, WeightsFile))
	if err != nil {
		return fmt.Errorf("failed to read weights: %w", err)
	}
	var w weightsJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("failed to parse weights: %w", err)
	}
	if w.ActionDim != l.cfg.ActionDim || w.Features != l.features || len(w.Weights) != w.ActionDim*w.Features {
		return fmt.Errorf("checkpoint shape %dx%d does not match agent shape %dx%d", w.ActionDim, w.Features, l.cfg.ActionDim, l.features)
	}
	l.w = mat.NewDense(w.ActionDim, w.Features, w.Weights)
	return nil
}

// Close implements Agent.
func (l *Linear) Close() error {
	l.closed = true
	l.w = mat.NewDense(1, 1, nil)
	return nil
}

type linearPolicy struct {
	w        *mat.Dense
	stateLen int
	cameras  []string
	bounds   *bounds.ActionBounds
	noise    float64

	mu  sync.Mutex
	rng *rand.Rand
}

func (p *linearPolicy) Act(obs sim.Observation, eval bool) ([]float64, error) {
	x := mat.NewVecDense(p.w.RawMatrix().Cols, featurize(obs, p.stateLen, p.cameras))
	var y mat.VecDense
	y.MulVec(p.w, x)
	a := append([]float64(nil), y.RawVector().Data...)

	if !eval && p.noise > 0 {
		p.mu.Lock()
		for i := range a {
			a[i] += p.rng.NormFloat64() * p.noise
		}
		p.mu.Unlock()
	}

	if b := p.bounds; b != nil {
		for i := range a {
			v := math.Max(-1, math.Min(1, a[i]))
			a[i] = b.Min[i] + (v+1)/2*(b.Max[i]-b.Min[i])
		}
	}
	return a, nil
}
