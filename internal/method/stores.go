package method

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/dyluth/armlab/internal/config"
	"github.com/dyluth/armlab/internal/replay"
	"github.com/redis/go-redis/v9"
)

// StoreFactory creates the stores of one seed on the configured backend.
type StoreFactory struct {
	Replay config.ReplayConfig
	// Dir is the seed's replay directory, used when Replay.UseDisk is set.
	Dir string
	// Redis and Run are used when Replay.Backend is "redis".
	Redis *redis.Client
	Run   string
	Seed  int64
}

// StoreDir returns <replay.path>/<task>/<method>/seed<N>.
func StoreDir(cfg *config.ExperimentConfig, seed int) string {
	return filepath.Join(cfg.Replay.Path, cfg.RLBench.Task, cfg.Method.Name, fmt.Sprintf("seed%d", seed))
}

// New creates a store. sub names a subdirectory of Dir for disk stores
// ("" for Dir itself).
func (f *StoreFactory) New(ctx context.Context, name string, batchSize int, sub string) (replay.Store, error) {
	opts := replay.Options{
		Name:        name,
		BatchSize:   batchSize,
		Timesteps:   f.Replay.Timesteps,
		Capacity:    f.Replay.Capacity,
		Prioritised: f.Replay.Prioritisation,
		Seed:        f.Seed,
	}

	switch {
	case f.Replay.Backend == "redis":
		if f.Redis == nil {
			return nil, fmt.Errorf("redis backend selected but no client configured")
		}
		return replay.NewRedisStore(ctx, f.Redis, f.Run, opts)
	case f.Replay.UseDisk:
		if f.Dir == "" {
			return nil, fmt.Errorf("disk store %s has no directory", name)
		}
		return replay.OpenDiskStore(filepath.Join(f.Dir, sub), opts)
	default:
		return replay.NewMemoryStore(opts)
	}
}
