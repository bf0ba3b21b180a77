package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisRegistry implements Registry on Redis. Node records carry a TTL
// refreshed on every publish, so a crashed node disappears on its own.
type RedisRegistry struct {
	client *redis.Client
	logger *logrus.Logger
	prefix string
	ttl    time.Duration
}

// NewRedisRegistry creates a Redis-backed registry.
func NewRedisRegistry(client *redis.Client, logger *logrus.Logger, ttl time.Duration) *RedisRegistry {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisRegistry{
		client: client,
		logger: logger,
		prefix: "lockstep:nodes:",
		ttl:    ttl,
	}
}

func (r *RedisRegistry) Register(ctx context.Context, node *Node) error {
	key := r.prefix + node.ID

	// Re-registration keeps the original registration time
	existingData, err := r.client.Get(ctx, key).Bytes()
	if err == nil {
		var existing Node
		if err := json.Unmarshal(existingData, &existing); err == nil {
			node.RegisteredAt = existing.RegisteredAt
		}
	} else if err == redis.Nil {
		node.RegisteredAt = time.Now()
	} else {
		return fmt.Errorf("failed to check existing node: %w", err)
	}
	node.LastPublish = time.Now()

	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to marshal node: %w", err)
	}

	// Atomic SET + SADD so the active set never references a missing key
	registerScript := redis.NewScript(`
		local key = KEYS[1]
		local active_key = KEYS[2]
		local data = ARGV[1]
		local ttl = tonumber(ARGV[2])
		local node_id = ARGV[3]
		redis.call('SET', key, data, 'PX', ttl)
		redis.call('SADD', active_key, node_id)
		return 1
	`)

	if err := registerScript.Run(ctx, r.client,
		[]string{key, r.prefix + "active"},
		data, r.ttl.Milliseconds(), node.ID).Err(); err != nil {
		return fmt.Errorf("failed to register node: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"node_id":  node.ID,
		"hostname": node.Hostname,
		"version":  node.Version,
	}).Info("Node registered")

	return nil
}

func (r *RedisRegistry) Publish(ctx context.Context, nodeID string, status interface{}) error {
	key := r.prefix + nodeID

	statusJSON, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return fmt.Errorf("node %s not found", nodeID)
		}
		return fmt.Errorf("failed to get node: %w", err)
	}

	var node Node
	if err := json.Unmarshal(data, &node); err != nil {
		return fmt.Errorf("failed to unmarshal node: %w", err)
	}

	node.Status = statusJSON
	node.LastPublish = time.Now()

	updated, err := json.Marshal(&node)
	if err != nil {
		return fmt.Errorf("failed to marshal node: %w", err)
	}

	// XX keeps a concurrently expired node from resurrecting as a ghost
	ok, err := r.client.SetXX(ctx, key, updated, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to publish status: %w", err)
	}
	if !ok {
		return fmt.Errorf("node %s not found", nodeID)
	}

	return nil
}

func (r *RedisRegistry) Unregister(ctx context.Context, nodeID string) error {
	key := r.prefix + nodeID

	deleted, err := r.client.Del(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to unregister node: %w", err)
	}
	if deleted == 0 {
		return fmt.Errorf("node %s not found", nodeID)
	}

	if err := r.client.SRem(ctx, r.prefix+"active", nodeID).Err(); err != nil {
		r.logger.Warnf("Failed to remove node %s from active set: %v", nodeID, err)
	}

	r.logger.WithField("node_id", nodeID).Info("Node unregistered")
	return nil
}

func (r *RedisRegistry) Get(ctx context.Context, nodeID string) (*Node, error) {
	key := r.prefix + nodeID

	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("node %s not found", nodeID)
		}
		return nil, fmt.Errorf("failed to get node: %w", err)
	}

	var node Node
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node: %w", err)
	}

	return &node, nil
}

func (r *RedisRegistry) List(ctx context.Context) ([]*Node, error) {
	// Atomic list-and-prune of expired members
	script := redis.NewScript(`
		local active_key = KEYS[1]
		local prefix = ARGV[1]
		local active = redis.call('SMEMBERS', active_key)
		local result = {}
		local to_remove = {}

		for i, id in ipairs(active) do
			local node = redis.call('GET', prefix .. id)
			if node then
				table.insert(result, node)
			else
				table.insert(to_remove, id)
			end
		end

		for i, id in ipairs(to_remove) do
			redis.call('SREM', active_key, id)
		end

		return result
	`)

	res, err := script.Run(ctx, r.client, []string{r.prefix + "active"}, r.prefix).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected result type from script")
	}

	nodes := make([]*Node, 0, len(values))
	for _, val := range values {
		data, ok := val.(string)
		if !ok {
			r.logger.Warn("Invalid data type in result")
			continue
		}

		var node Node
		if err := json.Unmarshal([]byte(data), &node); err != nil {
			r.logger.WithError(err).Warn("Failed to unmarshal node")
			continue
		}

		nodes = append(nodes, &node)
	}

	return nodes, nil
}

func (r *RedisRegistry) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
