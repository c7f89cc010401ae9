package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/dyluth/armlab/internal/replay"
	"github.com/dyluth/armlab/internal/rollout"
	"github.com/dyluth/armlab/internal/sim"
)

// maxConsecutiveFailures stops a worker whose episodes keep failing.
const maxConsecutiveFailures = 5

// EnvRunnerConfig configures an EnvRunner.
type EnvRunnerConfig struct {
	Factory   sim.Factory
	Generator rollout.Generator
	Broker    *PolicyBroker
	Mix       *replay.Mix
	Stats     *StatAccumulator

	TrainEnvs     int
	EvalEnvs      int
	EpisodeLength int
	// Episodes bounds the episodes each train worker runs.
	Episodes int
}

// EnvRunner runs train workers, which write their transitions to the
// exploration store, and eval workers, which only report statistics.
// Every worker owns its environment.
type EnvRunner struct {
	cfg EnvRunnerConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup
	envs   []sim.Env

	transitions atomic.Int64
	envSteps    atomic.Int64
	running     atomic.Int32
	stopOnce    sync.Once
}

// NewEnvRunner creates a runner. Nothing starts until Start.
func NewEnvRunner(cfg EnvRunnerConfig) *EnvRunner {
	return &EnvRunner{cfg: cfg}
}

// Start creates one environment per worker and launches the workers.
// Environments are created before any worker starts so that a factory
// failure leaves nothing running.
func (r *EnvRunner) Start(ctx context.Context) error {
	total := r.cfg.TrainEnvs + r.cfg.EvalEnvs
	for i := 0; i < total; i++ {
		env, err := r.cfg.Factory(i)
		if err != nil {
			r.closeEnvs()
			return fmt.Errorf("failed to create environment for worker %d: %w", i, err)
		}
		r.envs = append(r.envs, env)
	}

	ctx, r.cancel = context.WithCancel(ctx)
	for i := 0; i < r.cfg.TrainEnvs; i++ {
		r.running.Add(1)
		r.wg.Add(1)
		go r.trainWorker(ctx, i, r.envs[i])
	}
	for i := 0; i < r.cfg.EvalEnvs; i++ {
		r.wg.Add(1)
		go r.evalWorker(ctx, i, r.envs[r.cfg.TrainEnvs+i])
	}

	log.Printf("[EnvRunner] Started %d train and %d eval workers", r.cfg.TrainEnvs, r.cfg.EvalEnvs)
	return nil
}

// Transitions returns the number of transitions written to the store.
func (r *EnvRunner) Transitions() int64 { return r.transitions.Load() }

// EnvSteps returns the number of environment steps taken by train workers.
func (r *EnvRunner) EnvSteps() int64 { return r.envSteps.Load() }

// Running returns the number of train workers still producing.
func (r *EnvRunner) Running() int { return int(r.running.Load()) }

// Stop cancels the workers, waits for them and closes their environments.
func (r *EnvRunner) Stop() error {
	var err error
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		r.wg.Wait()
		err = r.closeEnvs()
		log.Printf("[EnvRunner] Stopped after %d transitions", r.Transitions())
	})
	return err
}

func (r *EnvRunner) closeEnvs() error {
	var errs []error
	for i, env := range r.envs {
		if err := env.Close(); err != nil {
			errs = append(errs, fmt.Errorf("environment %d: %w", i, err))
		}
	}
	r.envs = nil
	return errors.Join(errs...)
}

func (r *EnvRunner) trainWorker(ctx context.Context, id int, env sim.Env) {
	defer r.wg.Done()
	defer r.running.Add(-1)

	failures := 0
	for ep := 0; ep < r.cfg.Episodes; ep++ {
		if ctx.Err() != nil {
			return
		}
		err := r.episode(ctx, env, PhaseTrain, true)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			failures = 0
			continue
		}
		failures++
		log.Printf("[EnvRunner] Train worker %d episode %d failed (%d in a row): %v", id, ep, failures, err)
		if failures >= maxConsecutiveFailures {
			log.Printf("[EnvRunner] Train worker %d stopping after %d consecutive failures", id, failures)
			return
		}
	}
}

// evalWorker runs one episode for every new policy version it observes.
func (r *EnvRunner) evalWorker(ctx context.Context, id int, env sim.Env) {
	defer r.wg.Done()

	failures := 0
	last := int64(-1)
	for {
		changed := r.cfg.Broker.Changed()
		if _, version := r.cfg.Broker.Latest(); version == last {
			select {
			case <-ctx.Done():
				return
			case <-changed:
				continue
			}
		}
		_, last = r.cfg.Broker.Latest()

		err := r.episode(ctx, env, PhaseEval, false)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			failures = 0
			continue
		}
		failures++
		log.Printf("[EnvRunner] Eval worker %d failed (%d in a row): %v", id, failures, err)
		if failures >= maxConsecutiveFailures {
			log.Printf("[EnvRunner] Eval worker %d stopping after %d consecutive failures", id, failures)
			return
		}
	}
}

// episode runs one episode with the latest policy. Train episodes write
// each transition to the exploration store as it is produced.
func (r *EnvRunner) episode(ctx context.Context, env sim.Env, phase string, train bool) error {
	policy, _ := r.cfg.Broker.Latest()

	var ret float64
	length := 0
	success := false
	for step, err := range r.cfg.Generator.Generate(ctx, env, policy, r.cfg.EpisodeLength, !train) {
		if err != nil {
			return err
		}
		if train {
			if err := r.cfg.Mix.Add(ctx, step.Transition); err != nil {
				return fmt.Errorf("failed to store transition: %w", err)
			}
			r.transitions.Add(1)
			r.envSteps.Add(int64(step.EnvSteps))
		}
		ret += step.Reward
		length += step.EnvSteps
		success = step.Terminal && step.Reward > 0
	}
	r.cfg.Stats.Record(phase, ret, length, success)
	return nil
}
