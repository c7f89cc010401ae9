package replay

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/dyluth/armlab/internal/sim"
	"gonum.org/v1/gonum/floats"
)

const minPriority = 1e-6

type record struct {
	t        Transition
	prev     int64 // index of the previous step of the same episode, or -1
	priority float64
}

// MemoryStore is a fixed-capacity ring buffer. Once full, the oldest record
// is evicted first. It is safe for concurrent use.
type MemoryStore struct {
	opts Options

	mu          sync.Mutex
	rng         *rand.Rand
	records     []record
	addCount    int64
	open        map[string]int64
	maxPriority float64
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore(opts Options) (*MemoryStore, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &MemoryStore{
		opts:        opts,
		rng:         rand.New(rand.NewSource(opts.Seed)),
		records:     make([]record, 0, min(opts.Capacity, 4096)),
		open:        make(map[string]int64),
		maxPriority: 1,
	}, nil
}

// Add implements Store.
func (s *MemoryStore) Add(ctx context.Context, t Transition) error {
	_, _, err := s.insert(t)
	return err
}

// insert stores t and returns its index and the index of the record it
// evicted (-1 if none).
func (s *MemoryStore) insert(t Transition) (int64, int64, error) {
	if err := t.Validate(); err != nil {
		return 0, -1, fmt.Errorf("store %s: %w", s.opts.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	index := s.addCount
	t.Index = index
	rec := record{t: t, prev: -1, priority: s.maxPriority}
	if t.Episode != "" {
		if p, ok := s.open[t.Episode]; ok {
			rec.prev = p
		}
		if t.ends() {
			delete(s.open, t.Episode)
		} else {
			s.open[t.Episode] = index
		}
	}

	evicted := int64(-1)
	slot := int(index % int64(s.opts.Capacity))
	if len(s.records) < s.opts.Capacity {
		s.records = append(s.records, rec)
	} else {
		old := s.records[slot].t
		evicted = old.Index
		if p, ok := s.open[old.Episode]; ok && p == old.Index {
			delete(s.open, old.Episode)
		}
		s.records[slot] = rec
	}
	s.addCount++
	return index, evicted, nil
}

// Sample implements Store. Records are drawn with replacement, uniformly or
// in proportion to their priority.
func (s *MemoryStore) Sample(ctx context.Context, n int) ([]Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	size := len(s.records)
	if size == 0 {
		return nil, ErrEmpty
	}

	slots := make([]int, n)
	weights := make([]float64, n)
	if s.opts.Prioritised {
		p := make([]float64, size)
		for i := range s.records {
			p[i] = s.records[i].priority
		}
		cum := floats.CumSum(make([]float64, size), p)
		total := cum[size-1]
		maxWeight := 0.0
		for i := range slots {
			u := (1 - s.rng.Float64()) * total
			slot := sort.SearchFloat64s(cum, u)
			if slot >= size {
				slot = size - 1
			}
			slots[i] = slot
			weights[i] = 1 / (float64(size) * p[slot] / total)
			maxWeight = math.Max(maxWeight, weights[i])
		}
		floats.Scale(1/maxWeight, weights)
	} else {
		for i := range slots {
			slots[i] = s.rng.Intn(size)
			weights[i] = 1
		}
	}

	out := make([]Sample, n)
	for i, slot := range slots {
		rec := s.records[slot]
		out[i] = Sample{
			Transition: rec.t,
			Slot:       slot,
			Weight:     weights[i],
			History:    s.history(rec),
		}
	}
	return out, nil
}

// history walks back through the record's episode. Caller holds mu.
func (s *MemoryStore) history(rec record) []sim.Observation {
	n := s.opts.Timesteps
	window := make([]sim.Observation, n)
	i := n - 1
	window[i] = rec.t.Observation
	oldest := s.addCount - int64(len(s.records))
	for prev := rec.prev; i > 0 && prev >= oldest; {
		r := s.records[int(prev%int64(s.opts.Capacity))]
		if r.t.Index != prev {
			break
		}
		i--
		window[i] = r.t.Observation
		prev = r.prev
	}
	return padHistory(window[i:], n)
}

// UpdatePriorities implements Prioritizer. Updates for records evicted since
// they were sampled are dropped.
func (s *MemoryStore) UpdatePriorities(updates []PriorityUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range updates {
		if u.Slot < 0 || u.Slot >= len(s.records) {
			return fmt.Errorf("store %s: slot %d out of range", s.opts.Name, u.Slot)
		}
		if s.records[u.Slot].t.Index != u.Index {
			continue
		}
		p := u.Priority
		if math.IsNaN(p) || math.IsInf(p, 0) || p < minPriority {
			p = minPriority
		}
		s.records[u.Slot].priority = p
		s.maxPriority = math.Max(s.maxPriority, p)
	}
	return nil
}

// Len implements Store.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// AddCount implements Store.
func (s *MemoryStore) AddCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addCount
}

// BatchSize implements Store.
func (s *MemoryStore) BatchSize() int { return s.opts.BatchSize }

// Name returns the store name.
func (s *MemoryStore) Name() string { return s.opts.Name }

// Close drops all records.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = nil
	s.open = make(map[string]int64)
	return nil
}
