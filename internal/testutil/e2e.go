//go:build integration

// Package testutil provides environments for integration tests that need
// real services.
package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// StartRedis starts a Redis container for the test and returns its URL. The
// container is terminated when the test ends.
func StartRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := redisC.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate Redis container: %v", err)
		}
	})

	host, err := redisC.Host(ctx)
	require.NoError(t, err)
	port, err := redisC.MappedPort(ctx, "6379")
	require.NoError(t, err)

	return fmt.Sprintf("redis://%s:%s", host, port.Port())
}

// RedisClient connects to url and closes the client when the test ends.
func RedisClient(t *testing.T, url string) *redis.Client {
	t.Helper()
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { rdb.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, rdb.Ping(ctx).Err(), "Redis is not reachable")
	return rdb
}

// Experiment is an isolated experiment environment: a working directory, a
// replay directory and a configuration file.
type Experiment struct {
	T          *testing.T
	Name       string
	Workdir    string
	ReplayPath string
	ConfigPath string
	RedisURL   string
}

// SetupExperiment writes configYAML into a fresh temporary directory. The
// placeholders {{replay_path}} and {{redis_url}} are substituted; a Redis
// container is started only when the configuration uses {{redis_url}}.
func SetupExperiment(t *testing.T, configYAML string) *Experiment {
	t.Helper()
	tmpDir := t.TempDir()

	env := &Experiment{
		T:          t,
		Name:       fmt.Sprintf("test-e2e-%s", uuid.NewString()[:8]),
		Workdir:    filepath.Join(tmpDir, "work"),
		ReplayPath: filepath.Join(tmpDir, "replay"),
		ConfigPath: filepath.Join(tmpDir, "experiment.yaml"),
	}
	if strings.Contains(configYAML, "{{redis_url}}") {
		env.RedisURL = StartRedis(t)
	}

	rendered := strings.NewReplacer(
		"{{replay_path}}", env.ReplayPath,
		"{{redis_url}}", env.RedisURL,
	).Replace(configYAML)
	require.NoError(t, os.WriteFile(env.ConfigPath, []byte(rendered), 0644), "Failed to write experiment config")
	return env
}

// VerifyFileExists checks a file relative to the working directory.
func (env *Experiment) VerifyFileExists(rel string) {
	path := filepath.Join(env.Workdir, rel)
	_, err := os.Stat(path)
	require.NoError(env.T, err, "Expected file %s to exist", rel)
}

// VerifyNoReplayKeys checks that no replay list is left in Redis.
func (env *Experiment) VerifyNoReplayKeys() {
	rdb := RedisClient(env.T, env.RedisURL)
	keys, err := rdb.Keys(context.Background(), "armlab:*").Result()
	require.NoError(env.T, err)
	require.Empty(env.T, keys, "replay keys left behind")
}
