package health

import (
	"context"
	"fmt"
	"runtime"

	"github.com/redis/go-redis/v9"
)

// RedisChecker verifies connectivity to the node status registry.
type RedisChecker struct {
	client *redis.Client
}

// NewRedisChecker creates a new Redis health checker.
func NewRedisChecker(client *redis.Client) *RedisChecker {
	return &RedisChecker{client: client}
}

func (r *RedisChecker) Name() string {
	return "redis"
}

// Check pings Redis and confirms the server answers queries.
func (r *RedisChecker) Check(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}

	if err := r.client.Time(ctx).Err(); err != nil {
		return fmt.Errorf("redis time query failed: %w", err)
	}

	return nil
}

// MemoryChecker reports degraded service when heap usage crosses a
// threshold. Growth here usually means measurement history is not
// being pruned.
type MemoryChecker struct {
	maxHeapBytes uint64
}

// NewMemoryChecker creates a memory checker with a heap ceiling in bytes.
func NewMemoryChecker(maxHeapBytes uint64) *MemoryChecker {
	return &MemoryChecker{maxHeapBytes: maxHeapBytes}
}

func (m *MemoryChecker) Name() string {
	return "memory"
}

// Check reads runtime memory stats and flags excessive heap usage.
func (m *MemoryChecker) Check(ctx context.Context) error {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	if m.maxHeapBytes > 0 && stats.HeapAlloc > m.maxHeapBytes {
		return Degraded("heap usage %d MB exceeds limit %d MB",
			stats.HeapAlloc/(1024*1024), m.maxHeapBytes/(1024*1024))
	}
	return nil
}
