// Package rollout produces episodes by running a policy against an
// environment.
package rollout

import (
	"context"
	"fmt"
	"iter"

	"github.com/dyluth/armlab/internal/agent"
	"github.com/dyluth/armlab/internal/replay"
	"github.com/dyluth/armlab/internal/sim"
	"github.com/google/uuid"
)

// Step is one agent decision and its outcome.
type Step struct {
	replay.Transition
	// EnvSteps is the number of environment steps the decision took.
	EnvSteps int
}

// Generator produces one episode per call. The returned sequence is lazy and
// finite; it stops after the first error.
type Generator interface {
	Generate(ctx context.Context, env sim.Env, policy agent.Policy, episodeLength int, eval bool) iter.Seq2[Step, error]
}

// Default takes one environment step per agent action.
type Default struct{}

// Generate implements Generator.
func (Default) Generate(ctx context.Context, env sim.Env, policy agent.Policy, episodeLength int, eval bool) iter.Seq2[Step, error] {
	return func(yield func(Step, error) bool) {
		episode := uuid.NewString()
		obs, err := env.Reset(ctx)
		if err != nil {
			yield(Step{}, fmt.Errorf("failed to reset environment: %w", err))
			return
		}

		for t := 0; t < episodeLength; t++ {
			action, err := policy.Act(obs, eval)
			if err != nil {
				yield(Step{}, fmt.Errorf("policy failed at step %d: %w", t, err))
				return
			}
			res, err := env.Step(ctx, action)
			if err != nil {
				yield(Step{}, fmt.Errorf("environment step %d failed: %w", t, err))
				return
			}

			step := Step{
				Transition: replay.Transition{
					Episode:     episode,
					Observation: obs,
					Action:      action,
					Reward:      res.Reward,
					Terminal:    res.Terminal,
					Timeout:     !res.Terminal && t == episodeLength-1,
					Info:        res.Info,
				},
				EnvSteps: 1,
			}
			if !yield(step, nil) || res.Terminal {
				return
			}
			obs = res.Observation
		}
	}
}

// Path executes each action as a trajectory of Points end-effector poses
// followed by a shared gripper command. One Step is produced per trajectory
// with the rewards of its environment steps summed.
type Path struct {
	Points int
}

// ActionDim is the length of a trajectory action.
func (p Path) ActionDim() int {
	return p.Points*7 + 1
}

// Generate implements Generator. episodeLength bounds environment steps.
func (p Path) Generate(ctx context.Context, env sim.Env, policy agent.Policy, episodeLength int, eval bool) iter.Seq2[Step, error] {
	return func(yield func(Step, error) bool) {
		if p.Points <= 0 {
			yield(Step{}, fmt.Errorf("path generator needs at least one point, got %d", p.Points))
			return
		}

		episode := uuid.NewString()
		obs, err := env.Reset(ctx)
		if err != nil {
			yield(Step{}, fmt.Errorf("failed to reset environment: %w", err))
			return
		}

		envSteps := 0
		for envSteps < episodeLength {
			action, err := policy.Act(obs, eval)
			if err != nil {
				yield(Step{}, fmt.Errorf("policy failed at step %d: %w", envSteps, err))
				return
			}
			if len(action) != p.ActionDim() {
				yield(Step{}, fmt.Errorf("trajectory action has %d values, expected %d", len(action), p.ActionDim()))
				return
			}

			gripper := action[len(action)-1]
			step := Step{Transition: replay.Transition{
				Episode:     episode,
				Observation: obs,
				Action:      action,
			}}
			var last sim.StepResult
			for k := 0; k < p.Points && envSteps < episodeLength; k++ {
				pose := append(append(make([]float64, 0, 8), action[7*k:7*k+7]...), gripper)
				last, err = env.Step(ctx, pose)
				if err != nil {
					yield(Step{}, fmt.Errorf("environment step %d failed: %w", envSteps, err))
					return
				}
				envSteps++
				step.EnvSteps++
				step.Reward += last.Reward
				if last.Terminal {
					break
				}
			}
			step.Terminal = last.Terminal
			step.Timeout = !last.Terminal && envSteps >= episodeLength
			step.Info = last.Info

			if !yield(step, nil) || step.Terminal {
				return
			}
			obs = last.Observation
		}
	}
}
