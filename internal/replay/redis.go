package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/dyluth/armlab/internal/sim"
	"github.com/redis/go-redis/v9"
)

// StoreKey returns the Redis list holding a store's records.
// Pattern: armlab:{run}:replay:{name}
func StoreKey(run, name string) string {
	return fmt.Sprintf("armlab:%s:replay:%s", run, name)
}

// RedisStore keeps records in a Redis list, oldest first, trimmed to the
// store capacity. Several processes may share one store by run id.
type RedisStore struct {
	rdb  *redis.Client
	key  string
	opts Options

	mu  sync.Mutex
	rng *rand.Rand

	length atomic.Int64
	added  atomic.Int64
}

// NewRedisStore creates a store for run. Any records left under the same key
// are discarded.
func NewRedisStore(ctx context.Context, rdb *redis.Client, run string, opts Options) (*RedisStore, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if run == "" {
		return nil, fmt.Errorf("run id cannot be empty")
	}

	s := &RedisStore{
		rdb:  rdb,
		key:  StoreKey(run, opts.Name),
		opts: opts,
		rng:  rand.New(rand.NewSource(opts.Seed)),
	}
	if err := rdb.Del(ctx, s.key).Err(); err != nil {
		return nil, fmt.Errorf("failed to reset replay key %s: %w", s.key, err)
	}
	return s, nil
}

// Key returns the Redis list key.
func (s *RedisStore) Key() string { return s.key }

// Add implements Store.
func (s *RedisStore) Add(ctx context.Context, t Transition) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("store %s: %w", s.opts.Name, err)
	}
	t.Index = s.added.Add(1) - 1

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode transition: %w", err)
	}

	var llen *redis.IntCmd
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, s.key, data)
		pipe.LTrim(ctx, s.key, int64(-s.opts.Capacity), -1)
		llen = pipe.LLen(ctx, s.key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to push transition to Redis: %w", err)
	}
	s.length.Store(llen.Val())
	return nil
}

// Sample implements Store. Records are drawn uniformly with replacement.
func (s *RedisStore) Sample(ctx context.Context, n int) ([]Sample, error) {
	size := s.length.Load()
	if size == 0 {
		return nil, ErrEmpty
	}

	s.mu.Lock()
	slots := make([]int64, n)
	for i := range slots {
		slots[i] = s.rng.Int63n(size)
	}
	s.mu.Unlock()

	// each sampled record is fetched together with the steps before it
	window := int64(s.opts.Timesteps)
	cmds := make([][]*redis.StringCmd, n)
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, slot := range slots {
			for j := max(0, slot-window+1); j <= slot; j++ {
				cmds[i] = append(cmds[i], pipe.LIndex(ctx, s.key, j))
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sample from Redis: %w", err)
	}

	out := make([]Sample, n)
	for i, group := range cmds {
		steps := make([]Transition, len(group))
		for j, cmd := range group {
			if err := json.Unmarshal([]byte(cmd.Val()), &steps[j]); err != nil {
				return nil, fmt.Errorf("failed to decode transition: %w", err)
			}
		}
		own := steps[len(steps)-1]
		out[i] = Sample{
			Transition: own,
			Slot:       int(slots[i]),
			Weight:     1,
			History:    episodeWindow(steps, s.opts.Timesteps),
		}
	}
	return out, nil
}

// episodeWindow keeps the contiguous run of steps ending at the last one that
// share its episode.
func episodeWindow(steps []Transition, n int) []sim.Observation {
	own := steps[len(steps)-1]
	start := len(steps) - 1
	for start > 0 {
		prev := steps[start-1]
		if own.Episode == "" || prev.Episode != own.Episode || prev.ends() {
			break
		}
		start--
	}
	window := make([]sim.Observation, 0, n)
	for _, st := range steps[start:] {
		window = append(window, st.Observation)
	}
	return padHistory(window, n)
}

// Len implements Store.
func (s *RedisStore) Len() int { return int(s.length.Load()) }

// AddCount implements Store.
func (s *RedisStore) AddCount() int64 { return s.added.Load() }

// BatchSize implements Store.
func (s *RedisStore) BatchSize() int { return s.opts.BatchSize }

// Close deletes the store's records. The Redis client is owned by the caller.
func (s *RedisStore) Close() error {
	s.length.Store(0)
	if err := s.rdb.Del(context.Background(), s.key).Err(); err != nil {
		return fmt.Errorf("failed to delete replay key %s: %w", s.key, err)
	}
	return nil
}
