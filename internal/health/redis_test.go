package health

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisCheckerHealthy(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	checker := NewRedisChecker(client)
	assert.Equal(t, "redis", checker.Name())
	assert.NoError(t, checker.Check(context.Background()))
}

func TestRedisCheckerUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	checker := NewRedisChecker(client)
	err := checker.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis ping failed")
}

func TestMemoryCheckerWithinLimit(t *testing.T) {
	// 64 GB ceiling, test processes stay far below it
	checker := NewMemoryChecker(64 << 30)

	assert.Equal(t, "memory", checker.Name())
	assert.NoError(t, checker.Check(context.Background()))
}

func TestMemoryCheckerOverLimitIsDegraded(t *testing.T) {
	// 1 byte ceiling, any running process exceeds it
	checker := NewMemoryChecker(1)

	err := checker.Check(context.Background())
	require.Error(t, err)

	var degraded *DegradedError
	assert.ErrorAs(t, err, &degraded)
	assert.Contains(t, err.Error(), "heap usage")
}

func TestMemoryCheckerZeroLimitDisabled(t *testing.T) {
	checker := NewMemoryChecker(0)
	assert.NoError(t, checker.Check(context.Background()))
}
