package registry

import (
	"context"
	"encoding/json"
	"time"
)

// Node describes one sync engine instance visible in the registry.
// Status holds the instance's latest published engine snapshot.
type Node struct {
	ID           string          `json:"id"`
	Hostname     string          `json:"hostname"`
	Version      string          `json:"version"`
	RegisteredAt time.Time       `json:"registered_at"`
	LastPublish  time.Time       `json:"last_publish"`
	Status       json.RawMessage `json:"status,omitempty"`
}

// Registry tracks running sync nodes and their latest status. Entries
// expire when a node stops publishing.
type Registry interface {
	// Register adds a node, preserving the original registration time
	// on re-registration.
	Register(ctx context.Context, node *Node) error

	// Publish stores the node's latest status and refreshes its TTL.
	Publish(ctx context.Context, nodeID string, status interface{}) error

	// Unregister removes a node immediately.
	Unregister(ctx context.Context, nodeID string) error

	// Get returns a node by ID.
	Get(ctx context.Context, nodeID string) (*Node, error)

	// List returns all live nodes.
	List(ctx context.Context) ([]*Node, error)

	Close() error
}
