package registry

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Publisher periodically pushes a node's status into the registry.
// The publish interval must be comfortably shorter than the registry
// TTL or healthy nodes will flicker out of the listing.
type Publisher struct {
	registry Registry
	node     Node
	interval time.Duration
	source   func() interface{}
	logger   *logrus.Logger
}

// NewPublisher creates a publisher for the given node. source is called
// on every tick to produce the status payload.
func NewPublisher(reg Registry, node Node, interval time.Duration, source func() interface{}, logger *logrus.Logger) *Publisher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Publisher{
		registry: reg,
		node:     node,
		interval: interval,
		source:   source,
		logger:   logger,
	}
}

// Run registers the node and publishes until the context is canceled,
// then unregisters. Publish failures are logged and retried on the next
// tick; a re-register is attempted in case the entry expired.
func (p *Publisher) Run(ctx context.Context) error {
	if err := p.registry.Register(ctx, &p.node); err != nil {
		return err
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := p.registry.Unregister(cleanupCtx, p.node.ID); err != nil {
				p.logger.WithError(err).Warn("Failed to unregister node on shutdown")
			}
			return nil
		case <-ticker.C:
			if err := p.registry.Publish(ctx, p.node.ID, p.source()); err != nil {
				p.logger.WithError(err).Warn("Status publish failed, re-registering")
				if err := p.registry.Register(ctx, &p.node); err != nil {
					p.logger.WithError(err).Error("Node re-registration failed")
				}
			}
		}
	}
}
