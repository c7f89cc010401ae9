package replay

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/dyluth/armlab/internal/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transition(episode string, step int, terminal bool) Transition {
	return Transition{
		Episode:     episode,
		Observation: sim.Observation{sim.LowDimState: {float64(step)}},
		Action:      []float64{float64(step)},
		Terminal:    terminal,
	}
}

func newMemory(t *testing.T, opts Options) *MemoryStore {
	t.Helper()
	if opts.Name == "" {
		opts.Name = "test"
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = 4
	}
	if opts.Capacity == 0 {
		opts.Capacity = 100
	}
	s, err := NewMemoryStore(opts)
	require.NoError(t, err)
	return s
}

func TestNewMemoryStore_RejectsBadOptions(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want string
	}{
		{"no name", Options{BatchSize: 1, Capacity: 1}, "store name is required"},
		{"no batch", Options{Name: "a", Capacity: 1}, "batch size must be positive"},
		{"no capacity", Options{Name: "a", BatchSize: 1}, "capacity must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMemoryStore(tt.opts)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestMemoryStore_AddAssignsIndices(t *testing.T) {
	s := newMemory(t, Options{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Add(ctx, transition("e", i, false)))
	}
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, int64(3), s.AddCount())

	batch, err := s.Sample(ctx, 20)
	require.NoError(t, err)
	for _, b := range batch {
		assert.Equal(t, float64(b.Index), b.Action[0])
		assert.Equal(t, 1.0, b.Weight)
	}
}

func TestMemoryStore_RejectsMalformed(t *testing.T) {
	s := newMemory(t, Options{})
	ctx := context.Background()

	assert.Error(t, s.Add(ctx, Transition{Observation: sim.Observation{}}))
	assert.Error(t, s.Add(ctx, Transition{Action: []float64{1}}))
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, int64(0), s.AddCount())
}

func TestMemoryStore_FIFOEviction(t *testing.T) {
	s := newMemory(t, Options{Capacity: 5})
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		require.NoError(t, s.Add(ctx, transition("", i, true)))
	}
	assert.Equal(t, 5, s.Len())
	assert.Equal(t, int64(12), s.AddCount())

	batch, err := s.Sample(ctx, 200)
	require.NoError(t, err)
	seen := map[int64]bool{}
	for _, b := range batch {
		seen[b.Index] = true
	}
	for idx := range seen {
		assert.GreaterOrEqual(t, idx, int64(7), "evicted record %d sampled", idx)
	}
}

func TestMemoryStore_SampleEmpty(t *testing.T) {
	s := newMemory(t, Options{})
	_, err := s.Sample(context.Background(), 1)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestMemoryStore_HistoryStaysInEpisode(t *testing.T) {
	s := newMemory(t, Options{Timesteps: 3})
	ctx := context.Background()

	// two interleaved episodes
	require.NoError(t, s.Add(ctx, transition("a", 0, false)))
	require.NoError(t, s.Add(ctx, transition("b", 10, false)))
	require.NoError(t, s.Add(ctx, transition("a", 1, false)))
	require.NoError(t, s.Add(ctx, transition("b", 11, true)))
	require.NoError(t, s.Add(ctx, transition("a", 2, false)))
	require.NoError(t, s.Add(ctx, transition("a", 3, true)))

	batch, err := s.Sample(ctx, 300)
	require.NoError(t, err)

	want := map[float64][]float64{
		0:  {0, 0, 0},
		1:  {0, 0, 1},
		2:  {0, 1, 2},
		3:  {1, 2, 3},
		10: {10, 10, 10},
		11: {10, 10, 11},
	}
	for _, b := range batch {
		require.Len(t, b.History, 3)
		var got []float64
		for _, o := range b.History {
			got = append(got, o[sim.LowDimState][0])
		}
		assert.Equal(t, want[b.Action[0]], got)
	}
}

func TestMemoryStore_HistoryClampedByEviction(t *testing.T) {
	s := newMemory(t, Options{Timesteps: 3, Capacity: 2})
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, s.Add(ctx, transition("a", i, false)))
	}
	batch, err := s.Sample(ctx, 50)
	require.NoError(t, err)
	for _, b := range batch {
		first := b.History[0][sim.LowDimState][0]
		assert.GreaterOrEqual(t, first, 2.0)
	}
}

func TestMemoryStore_Prioritised(t *testing.T) {
	s := newMemory(t, Options{Prioritised: true, Seed: 3})
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, s.Add(ctx, transition("", i, true)))
	}
	require.NoError(t, s.UpdatePriorities(priorityUpdates([]float64{0, 0, 0, 10})))

	batch, err := s.Sample(ctx, 100)
	require.NoError(t, err)
	hits := 0
	for _, b := range batch {
		if b.Slot == 3 {
			hits++
			assert.Equal(t, 1.0, b.Weight)
		}
	}
	assert.Greater(t, hits, 95)

	t.Run("new records get max priority", func(t *testing.T) {
		require.NoError(t, s.Add(ctx, transition("", 4, true)))
		batch, err := s.Sample(ctx, 400)
		require.NoError(t, err)
		hits := 0
		for _, b := range batch {
			if b.Slot == 4 {
				hits++
			}
		}
		assert.Greater(t, hits, 100)
	})

	t.Run("rejects bad updates", func(t *testing.T) {
		assert.Error(t, s.UpdatePriorities([]PriorityUpdate{{Slot: 99, Index: 99, Priority: 1}}))
	})
}

// priorityUpdates addresses records by add order, valid until the ring wraps.
func priorityUpdates(priorities []float64) []PriorityUpdate {
	updates := make([]PriorityUpdate, len(priorities))
	for i, p := range priorities {
		updates[i] = PriorityUpdate{Slot: i, Index: int64(i), Priority: p}
	}
	return updates
}

func TestMemoryStore_PriorityUpdateAfterEviction(t *testing.T) {
	s := newMemory(t, Options{Capacity: 2, Prioritised: true, Seed: 1})
	ctx := context.Background()
	require.NoError(t, s.Add(ctx, transition("", 0, true)))
	require.NoError(t, s.Add(ctx, transition("", 1, true)))

	var sampled Sample
	for sampled.Index != 0 || sampled.Observation == nil {
		batch, err := s.Sample(ctx, 1)
		require.NoError(t, err)
		sampled = batch[0]
	}
	require.Equal(t, 0, sampled.Slot)

	// index 2 takes over slot 0 before the update arrives
	require.NoError(t, s.Add(ctx, transition("", 2, true)))
	require.NoError(t, s.UpdatePriorities([]PriorityUpdate{{Slot: sampled.Slot, Index: sampled.Index, Priority: 100}}))

	assert.Equal(t, int64(2), s.records[0].t.Index)
	assert.Equal(t, 1.0, s.records[0].priority)
	assert.Equal(t, 1.0, s.maxPriority)

	require.NoError(t, s.UpdatePriorities([]PriorityUpdate{{Slot: 0, Index: 2, Priority: 100}}))
	assert.Equal(t, 100.0, s.records[0].priority)
}

func TestMemoryStore_UnfinishedEpisodesAreForgotten(t *testing.T) {
	s := newMemory(t, Options{Capacity: 3})
	ctx := context.Background()

	// episodes that stop without a terminal or timeout step
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Add(ctx, transition(fmt.Sprintf("failed-%d", i), 0, false)))
	}
	assert.Len(t, s.open, 3)

	require.NoError(t, s.Add(ctx, transition("long", 0, false)))
	require.NoError(t, s.Add(ctx, transition("long", 1, false)))
	require.NoError(t, s.Add(ctx, transition("long", 2, false)))
	assert.Equal(t, map[string]int64{"long": 12}, s.open)
}

func TestMemoryStore_ConcurrentAddSample(t *testing.T) {
	s := newMemory(t, Options{Capacity: 50})
	ctx := context.Background()
	require.NoError(t, s.Add(ctx, transition("seed", 0, true)))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				assert.NoError(t, s.Add(ctx, transition(fmt.Sprintf("w%d", w), i, i%10 == 9)))
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, err := s.Sample(ctx, 8)
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	assert.Equal(t, 50, s.Len())
	assert.Equal(t, int64(801), s.AddCount())
}

func TestMemoryStore_Close(t *testing.T) {
	s := newMemory(t, Options{})
	require.NoError(t, s.Add(context.Background(), transition("", 0, true)))
	require.NoError(t, s.Close())
	assert.Equal(t, 0, s.Len())
}
