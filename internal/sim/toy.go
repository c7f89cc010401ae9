package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
)

// ToyConfig configures the kinematic toy simulator.
type ToyConfig struct {
	Task          string
	Observation   ObservationConfig
	ActionMode    ActionMode
	DemoPath      string // optional root holding <task>/episode<N>.json
	EpisodeLength int
	TimeInState   bool
	SceneBounds   []float64 // x_min, y_min, z_min, x_max, y_max, z_max
	Seed          int64
}

// Toy is a point gripper moving in the scene volume. Each episode places a
// target uniformly inside the scene bounds; the task succeeds when the gripper
// reaches it (closed, for grasp tasks). Pose actions are executed exactly,
// so an expert reaches the target in a few steps.
type Toy struct {
	cfg  ToyConfig
	task Task

	mu     sync.Mutex
	rng    *rand.Rand
	pos    [3]float64
	prev   [3]float64
	quat   [4]float64
	open   bool
	target [3]float64
	t      int
	closed bool
}

// NewToy creates a toy simulator for cfg.Task.
func NewToy(cfg ToyConfig) (*Toy, error) {
	task, err := LookupTask(cfg.Task)
	if err != nil {
		return nil, err
	}
	if len(cfg.SceneBounds) != 6 {
		return nil, fmt.Errorf("scene bounds must have 6 values, got %d", len(cfg.SceneBounds))
	}
	if cfg.EpisodeLength <= 0 {
		return nil, fmt.Errorf("episode length must be positive, got %d", cfg.EpisodeLength)
	}
	if cfg.ActionMode.Arm == "" {
		cfg.ActionMode = PosePlanning()
	}
	return &Toy{
		cfg:  cfg,
		task: task,
		rng:  rand.New(rand.NewSource(cfg.Seed)),
		quat: [4]float64{0, 0, 0, 1},
		open: true,
	}, nil
}

// ToyFactory returns a Factory creating independent toy simulators whose
// random streams are offset by worker index.
func ToyFactory(cfg ToyConfig) Factory {
	return func(worker int) (Env, error) {
		c := cfg
		c.Seed = cfg.Seed*7919 + int64(worker) + 1
		return NewToy(c)
	}
}

// LowDimStateLen implements Env.
func (e *Toy) LowDimStateLen() int {
	n := 0
	o := e.cfg.Observation
	if o.JointPositions {
		n += 7
	}
	if o.JointVelocities {
		n += 7
	}
	if o.GripperPose {
		n += 7
	}
	if o.GripperOpen {
		n++
	}
	if o.GripperMatrix {
		n += 12
	}
	if o.GripperJointPositions {
		n += 2
	}
	if o.TaskLowDimState {
		n += 3
	}
	if e.cfg.TimeInState {
		n++
	}
	return n
}

// Reset implements Env.
func (e *Toy) Reset(ctx context.Context) (Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("toy simulator is closed")
	}

	lo, hi := e.cfg.SceneBounds[:3], e.cfg.SceneBounds[3:]
	for i := 0; i < 3; i++ {
		e.target[i] = lo[i] + e.rng.Float64()*(hi[i]-lo[i])
		e.pos[i] = (lo[i] + hi[i]) / 2
	}
	e.prev = e.pos
	e.quat = [4]float64{0, 0, 0, 1}
	e.open = true
	e.t = 0

	return e.observe(), nil
}

// Step implements Env.
func (e *Toy) Step(ctx context.Context, action []float64) (StepResult, error) {
	if err := ctx.Err(); err != nil {
		return StepResult{}, err
	}
	if len(action) != 8 {
		return StepResult{}, fmt.Errorf("toy simulator expects an 8-dimensional pose action, got %d", len(action))
	}
	for i, v := range action {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return StepResult{}, fmt.Errorf("action component %d is not finite", i)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return StepResult{}, fmt.Errorf("toy simulator is closed")
	}

	e.prev = e.pos
	lo, hi := e.cfg.SceneBounds[:3], e.cfg.SceneBounds[3:]
	for i := 0; i < 3; i++ {
		e.pos[i] = math.Max(lo[i], math.Min(hi[i], action[i]))
	}
	if norm := math.Sqrt(action[3]*action[3] + action[4]*action[4] + action[5]*action[5] + action[6]*action[6]); norm > 1e-8 {
		for i := 0; i < 4; i++ {
			e.quat[i] = action[3+i] / norm
		}
	}
	e.open = action[7] > 0.5
	e.t++

	dist := e.distance()
	success := dist < e.task.Tolerance && (!e.task.Grasp || !e.open)
	res := StepResult{
		Observation: e.observe(),
		Info:        map[string]float64{"distance": dist},
	}
	if success {
		res.Reward = 1
		res.Terminal = true
	}
	return res, nil
}

// Close implements Env.
func (e *Toy) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *Toy) distance() float64 {
	var sq float64
	for i := 0; i < 3; i++ {
		d := e.pos[i] - e.target[i]
		sq += d * d
	}
	return math.Sqrt(sq)
}

func (e *Toy) observe() Observation {
	o := e.cfg.Observation
	state := make([]float64, 0, e.LowDimStateLen())
	if o.JointPositions {
		state = append(state, e.pos[0], e.pos[1], e.pos[2], e.quat[0], e.quat[1], e.quat[2], e.quat[3])
	}
	if o.JointVelocities {
		state = append(state, e.pos[0]-e.prev[0], e.pos[1]-e.prev[1], e.pos[2]-e.prev[2], 0, 0, 0, 0)
	}
	if o.GripperPose {
		state = append(state, e.pos[0], e.pos[1], e.pos[2], e.quat[0], e.quat[1], e.quat[2], e.quat[3])
	}
	openVal := 0.0
	if e.open {
		openVal = 1
	}
	if o.GripperOpen {
		state = append(state, openVal)
	}
	if o.GripperMatrix {
		r := rotation(e.quat)
		for row := 0; row < 3; row++ {
			state = append(state, r[row][0], r[row][1], r[row][2], e.pos[row])
		}
	}
	if o.GripperJointPositions {
		state = append(state, openVal*0.04, openVal*0.04)
	}
	if o.TaskLowDimState {
		state = append(state, e.target[0], e.target[1], e.target[2])
	}
	if e.cfg.TimeInState {
		state = append(state, float64(e.t)/float64(e.cfg.EpisodeLength))
	}

	obs := Observation{LowDimState: state}
	for _, name := range o.ActiveCameras() {
		cam := o.Cameras[name]
		size := cam.ImageSize[0] * cam.ImageSize[1] * 3
		if cam.RGB {
			obs[name+"_rgb"] = e.render(size, e.target)
		}
		if cam.PointCloud {
			obs[name+"_pointcloud"] = e.render(size, e.pos)
		}
	}
	return obs
}

// render fills a flattened image whose channels encode p, giving agents a
// visual signal without a renderer.
func (e *Toy) render(size int, p [3]float64) []float64 {
	img := make([]float64, size)
	for i := range img {
		img[i] = p[i%3]
	}
	return img
}

func rotation(q [4]float64) [3][3]float64 {
	x, y, z, w := q[0], q[1], q[2], q[3]
	return [3][3]float64{
		{1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w)},
		{2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w)},
		{2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y)},
	}
}

// Demos implements DemoSource. Episodes recorded under
// <DemoPath>/<task>/episode<N>.json take precedence; otherwise a scripted
// expert produces them.
func (e *Toy) Demos(ctx context.Context, n int) ([]Demo, error) {
	if e.cfg.DemoPath != "" {
		dir := filepath.Join(e.cfg.DemoPath, e.cfg.Task)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return LoadDemos(dir, n)
		}
	}

	demos := make([]Demo, 0, n)
	for i := 0; i < n; i++ {
		demo, err := e.scriptedDemo(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to record demo %d: %w", i, err)
		}
		demos = append(demos, demo)
	}
	return demos, nil
}

func (e *Toy) scriptedDemo(ctx context.Context) (Demo, error) {
	obs, err := e.Reset(ctx)
	if err != nil {
		return Demo{}, err
	}

	e.mu.Lock()
	target := e.target
	grasp := e.task.Grasp
	e.mu.Unlock()

	gripperEnd := 1.0
	if grasp {
		gripperEnd = 0
	}
	approach := target
	approach[2] = math.Min(approach[2]+0.1, e.cfg.SceneBounds[5])

	jitter := func() float64 { return (e.rng.Float64() - 0.5) * 0.02 }
	plan := [][]float64{
		{approach[0], approach[1], approach[2], jitter(), jitter(), jitter(), 1, 1},
		{target[0], target[1], target[2], jitter(), jitter(), jitter(), 1, 1},
		{target[0], target[1], target[2], jitter(), jitter(), jitter(), 1, gripperEnd},
	}

	var demo Demo
	for _, action := range plan {
		res, err := e.Step(ctx, action)
		if err != nil {
			return Demo{}, err
		}
		demo.Steps = append(demo.Steps, DemoStep{
			Observation: obs,
			Action:      action,
			Reward:      res.Reward,
			Terminal:    res.Terminal,
		})
		obs = res.Observation
		if res.Terminal {
			break
		}
	}
	return demo, nil
}

// LoadDemos reads up to n demonstration episodes named episode<N>.json from dir.
func LoadDemos(dir string, n int) ([]Demo, error) {
	demos := make([]Demo, 0, n)
	for i := 0; i < n; i++ {
		path := filepath.Join(dir, fmt.Sprintf("episode%d.json", i))
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read demo: %w", err)
		}
		var demo Demo
		if err := json.Unmarshal(data, &demo); err != nil {
			return nil, fmt.Errorf("failed to parse demo %s: %w", path, err)
		}
		if len(demo.Steps) == 0 {
			return nil, fmt.Errorf("demo %s has no steps", path)
		}
		demos = append(demos, demo)
	}
	return demos, nil
}
