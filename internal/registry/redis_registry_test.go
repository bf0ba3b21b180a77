package registry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRegistry(t *testing.T) (*RedisRegistry, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	return NewRedisRegistry(client, log, 10*time.Second), mr
}

func testNode(id string) *Node {
	return &Node{
		ID:       id,
		Hostname: "host-" + id,
		Version:  "1.0.0",
	}
}

func TestRegisterAndGet(t *testing.T) {
	reg, _ := setupTestRegistry(t)
	ctx := context.Background()

	node := testNode("node-1")
	require.NoError(t, reg.Register(ctx, node))
	assert.False(t, node.RegisteredAt.IsZero())

	got, err := reg.Get(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, "node-1", got.ID)
	assert.Equal(t, "host-node-1", got.Hostname)
}

func TestReRegisterPreservesRegistrationTime(t *testing.T) {
	reg, _ := setupTestRegistry(t)
	ctx := context.Background()

	first := testNode("node-1")
	require.NoError(t, reg.Register(ctx, first))
	originalTime := first.RegisteredAt

	time.Sleep(10 * time.Millisecond)

	second := testNode("node-1")
	require.NoError(t, reg.Register(ctx, second))
	assert.Equal(t, originalTime.Unix(), second.RegisteredAt.Unix())
}

func TestGetNotFound(t *testing.T) {
	reg, _ := setupTestRegistry(t)

	_, err := reg.Get(context.Background(), "missing")
	assert.ErrorContains(t, err, "not found")
}

func TestPublishStatus(t *testing.T) {
	reg, _ := setupTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, testNode("node-1")))

	status := map[string]interface{}{"av_offset_ms": 2.5, "in_sync": true}
	require.NoError(t, reg.Publish(ctx, "node-1", status))

	got, err := reg.Get(ctx, "node-1")
	require.NoError(t, err)
	require.NotNil(t, got.Status)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(got.Status, &decoded))
	assert.Equal(t, true, decoded["in_sync"])
	assert.InDelta(t, 2.5, decoded["av_offset_ms"], 0.001)
}

func TestPublishUnknownNode(t *testing.T) {
	reg, _ := setupTestRegistry(t)

	err := reg.Publish(context.Background(), "ghost", map[string]string{})
	assert.ErrorContains(t, err, "not found")
}

func TestUnregister(t *testing.T) {
	reg, _ := setupTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, testNode("node-1")))
	require.NoError(t, reg.Unregister(ctx, "node-1"))

	_, err := reg.Get(ctx, "node-1")
	assert.Error(t, err)

	assert.ErrorContains(t, reg.Unregister(ctx, "node-1"), "not found")
}

func TestList(t *testing.T) {
	reg, _ := setupTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, testNode("node-1")))
	require.NoError(t, reg.Register(ctx, testNode("node-2")))

	nodes, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
}

func TestListPrunesExpiredNodes(t *testing.T) {
	reg, mr := setupTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, testNode("node-1")))
	require.NoError(t, reg.Register(ctx, testNode("node-2")))

	// Let node-1's record expire while it remains in the active set
	mr.FastForward(11 * time.Second)
	require.NoError(t, reg.Register(ctx, testNode("node-2")))

	nodes, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "node-2", nodes[0].ID)
}

func TestPublisherLifecycle(t *testing.T) {
	reg, _ := setupTestRegistry(t)

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	source := func() interface{} {
		return map[string]bool{"in_sync": true}
	}
	pub := NewPublisher(reg, *testNode("node-1"), 20*time.Millisecond, source, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pub.Run(ctx) }()

	assert.Eventually(t, func() bool {
		node, err := reg.Get(context.Background(), "node-1")
		return err == nil && node.Status != nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	_, err := reg.Get(context.Background(), "node-1")
	assert.Error(t, err, "publisher unregisters on shutdown")
}
