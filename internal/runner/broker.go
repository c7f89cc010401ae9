// Package runner drives a seed's training: environment workers producing
// transitions and a single training loop consuming them.
package runner

import (
	"sync"
	"sync/atomic"

	"github.com/dyluth/armlab/internal/agent"
)

type versioned struct {
	policy  agent.Policy
	version int64
}

// PolicyBroker hands the trainer's latest policy snapshot to workers.
// Snapshots are swapped atomically, so a worker always acts with one
// complete snapshot.
type PolicyBroker struct {
	current atomic.Pointer[versioned]

	mu      sync.Mutex
	changed chan struct{}
}

// NewPolicyBroker starts the broker at version 0 with initial.
func NewPolicyBroker(initial agent.Policy) *PolicyBroker {
	b := &PolicyBroker{changed: make(chan struct{})}
	b.current.Store(&versioned{policy: initial})
	return b
}

// Publish makes p the latest policy and returns its version.
func (b *PolicyBroker) Publish(p agent.Policy) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := &versioned{policy: p, version: b.current.Load().version + 1}
	b.current.Store(next)
	close(b.changed)
	b.changed = make(chan struct{})
	return next.version
}

// Latest returns the newest policy and its version.
func (b *PolicyBroker) Latest() (agent.Policy, int64) {
	v := b.current.Load()
	return v.policy, v.version
}

// Changed returns a channel closed at the next Publish.
func (b *PolicyBroker) Changed() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.changed
}
