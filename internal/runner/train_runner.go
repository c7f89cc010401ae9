package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/dyluth/armlab/internal/agent"
	"github.com/dyluth/armlab/internal/replay"
)

// LatestFile names the checkpoint most recently written under the weights
// directory.
const LatestFile = "LATEST"

// Producer reports the progress of the transition producers.
type Producer interface {
	Transitions() int64
	Running() int
}

// TrainRunnerConfig configures a TrainRunner.
type TrainRunnerConfig struct {
	Agent    agent.Agent
	Mix      *replay.Mix
	Broker   *PolicyBroker
	Producer Producer
	Stats    *StatAccumulator

	Iterations             int
	SaveFreq               int
	LogFreq                int
	PolicySyncFreq         int
	TransitionsBeforeTrain int
	// ReplayRatio is the target updates per new transition; nil disables
	// throttling.
	ReplayRatio  *float64
	PollInterval time.Duration

	WeightsDir string
	LogDir     string
	CSVLogging bool
	Seed       int
}

// TrainRunner is the single consumer: it samples batches and updates the
// agent once warm-up is satisfied, throttled to the replay ratio.
type TrainRunner struct {
	cfg TrainRunnerConfig

	iteration atomic.Int64
	updates   atomic.Int64
	baseline  atomic.Int64
	warm      atomic.Bool
}

// NewTrainRunner creates a TrainRunner.
func NewTrainRunner(cfg TrainRunnerConfig) (*TrainRunner, error) {
	if cfg.Iterations <= 0 {
		return nil, fmt.Errorf("iterations must be positive, got %d", cfg.Iterations)
	}
	if cfg.SaveFreq <= 0 || cfg.LogFreq <= 0 {
		return nil, fmt.Errorf("save and log frequencies must be positive")
	}
	if cfg.PolicySyncFreq <= 0 {
		cfg.PolicySyncFreq = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.WeightsDir == "" {
		return nil, fmt.Errorf("weights directory is required")
	}
	return &TrainRunner{cfg: cfg}, nil
}

// Status is a point-in-time view of training progress.
type Status struct {
	Iteration      int64   `json:"iteration"`
	Updates        int64   `json:"updates"`
	NewTransitions int64   `json:"new_transitions"`
	Ratio          float64 `json:"replay_ratio"`
	Warm           bool    `json:"warm"`
}

// Status reports progress. It is safe to call while Run is in progress.
func (t *TrainRunner) Status() Status {
	s := Status{
		Iteration: t.iteration.Load(),
		Updates:   t.updates.Load(),
		Warm:      t.warm.Load(),
	}
	if s.Warm {
		s.NewTransitions = t.cfg.Producer.Transitions() - t.baseline.Load()
		if s.NewTransitions > 0 {
			s.Ratio = float64(s.Updates) / float64(s.NewTransitions)
		}
	}
	return s
}

// Run trains until the iteration budget is spent. Agent failures end the run
// with the iteration attached.
func (t *TrainRunner) Run(ctx context.Context) error {
	logs, err := openScalarLog(t.cfg.LogDir, t.cfg.CSVLogging)
	if err != nil {
		return err
	}
	defer logs.Close()

	if err := t.waitWarm(ctx); err != nil {
		return err
	}
	t.baseline.Store(t.cfg.Producer.Transitions())
	t.warm.Store(true)
	t.logEvent("training_started", map[string]interface{}{
		"store_sizes": t.cfg.Mix.Sizes(),
		"iterations":  t.cfg.Iterations,
	})

	window := newScalarWindow()
	unthrottled := false
	for i := 0; i < t.cfg.Iterations; i++ {
		if err := t.throttle(ctx, i, &unthrottled); err != nil {
			return fmt.Errorf("iteration %d: %w", i, err)
		}

		sampleStart := time.Now()
		batch, err := t.cfg.Mix.Sample(ctx)
		if err != nil {
			return fmt.Errorf("iteration %d: failed to sample: %w", i, err)
		}
		updateStart := time.Now()
		res, err := t.cfg.Agent.Update(ctx, batch)
		if err != nil {
			return fmt.Errorf("iteration %d: %w", i, err)
		}
		done := time.Now()

		if len(res.Priorities) > 0 {
			if err := t.cfg.Mix.UpdatePriorities(batch, res.Priorities); err != nil {
				return fmt.Errorf("iteration %d: failed to update priorities: %w", i, err)
			}
		}
		t.updates.Add(1)
		t.iteration.Store(int64(i + 1))

		window.add(res.Scalars)
		window.add(map[string]float64{
			"time/sample_ms": float64(updateStart.Sub(sampleStart).Microseconds()) / 1000,
			"time/update_ms": float64(done.Sub(updateStart).Microseconds()) / 1000,
		})

		if (i+1)%t.cfg.PolicySyncFreq == 0 {
			t.cfg.Broker.Publish(t.cfg.Agent.Snapshot())
		}
		if i%t.cfg.SaveFreq == 0 {
			if err := t.checkpoint(i); err != nil {
				return fmt.Errorf("iteration %d: %w", i, err)
			}
		}
		if i > 0 && i%t.cfg.LogFreq == 0 {
			if err := t.logScalars(logs, i, window); err != nil {
				return fmt.Errorf("iteration %d: %w", i, err)
			}
		}
	}

	final := t.cfg.Iterations
	t.cfg.Broker.Publish(t.cfg.Agent.Snapshot())
	if err := t.checkpoint(final); err != nil {
		return fmt.Errorf("iteration %d: %w", final, err)
	}
	if err := t.logScalars(logs, final, window); err != nil {
		return fmt.Errorf("iteration %d: %w", final, err)
	}
	t.logEvent("training_finished", map[string]interface{}{"iterations": final})
	return nil
}

// waitWarm blocks until the exploration store holds enough transitions.
// It fails when the store is short and nothing is producing.
func (t *TrainRunner) waitWarm(ctx context.Context) error {
	threshold := t.cfg.TransitionsBeforeTrain
	logged := false
	for !t.cfg.Mix.Warm(threshold) {
		if t.cfg.Producer.Running() == 0 {
			return fmt.Errorf("store holds %d transitions but %d are required before training and no environment is producing",
				t.cfg.Mix.Explore().Len(), threshold)
		}
		if !logged {
			log.Printf("[TrainRunner] Waiting for %d transitions before training. Currently have %v.", threshold, t.cfg.Mix.Sizes())
			logged = true
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.cfg.PollInterval):
		}
	}
	return nil
}

// throttle holds update i until updates stay within the replay ratio of the
// transitions produced since warm-up.
func (t *TrainRunner) throttle(ctx context.Context, i int, unthrottled *bool) error {
	if t.cfg.ReplayRatio == nil || *unthrottled {
		return ctx.Err()
	}
	ratio := *t.cfg.ReplayRatio
	for {
		produced := t.cfg.Producer.Transitions() - t.baseline.Load()
		if float64(i) < ratio*float64(produced+1) {
			return nil
		}
		if t.cfg.Producer.Running() == 0 {
			log.Printf("[TrainRunner] No environment is producing; replay ratio no longer enforced")
			*unthrottled = true
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.cfg.PollInterval):
		}
	}
}

// checkpoint saves the agent to weights/<i> and points LATEST at it.
func (t *TrainRunner) checkpoint(i int) error {
	dir := filepath.Join(t.cfg.WeightsDir, strconv.Itoa(i))
	if err := t.cfg.Agent.Save(dir); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	tmp := filepath.Join(t.cfg.WeightsDir, LatestFile+".tmp")
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(i)+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write latest checkpoint marker: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(t.cfg.WeightsDir, LatestFile)); err != nil {
		return fmt.Errorf("failed to update latest checkpoint marker: %w", err)
	}
	t.logEvent("checkpoint_saved", map[string]interface{}{"iteration": i, "dir": dir})
	return nil
}

func (t *TrainRunner) logScalars(logs *scalarLog, i int, window *scalarWindow) error {
	scalars := window.drain()
	for k, v := range t.cfg.Stats.Drain() {
		scalars[k] = v
	}
	for idx, size := range t.cfg.Mix.Sizes() {
		scalars[fmt.Sprintf("replay/size_%d", idx)] = float64(size)
	}
	status := t.Status()
	scalars["replay/ratio"] = status.Ratio
	scalars["env/new_transitions"] = float64(status.NewTransitions)

	if err := logs.Write(i, scalars); err != nil {
		return err
	}
	log.Printf("[TrainRunner] Seed %d iteration %d: loss=%.4g train_return=%.3g eval_return=%.3g ratio=%.3g",
		t.cfg.Seed, i, scalars["loss"], scalars[PhaseTrain+"/return_mean"], scalars[PhaseEval+"/return_mean"], status.Ratio)
	return nil
}

// logEvent emits a structured JSON log line
func (t *TrainRunner) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "train_runner"
	data["event_type"] = eventType
	data["seed"] = t.cfg.Seed

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[TrainRunner] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}

// scalarWindow averages scalars over a logging period.
type scalarWindow struct {
	sums   map[string]float64
	counts map[string]int
}

func newScalarWindow() *scalarWindow {
	return &scalarWindow{sums: make(map[string]float64), counts: make(map[string]int)}
}

func (w *scalarWindow) add(scalars map[string]float64) {
	for k, v := range scalars {
		w.sums[k] += v
		w.counts[k]++
	}
}

func (w *scalarWindow) drain() map[string]float64 {
	out := make(map[string]float64, len(w.sums))
	for k, sum := range w.sums {
		out[k] = sum / float64(w.counts[k])
	}
	w.sums = make(map[string]float64)
	w.counts = make(map[string]int)
	return out
}
