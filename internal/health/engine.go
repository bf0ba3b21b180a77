package health

import (
	"context"
	"fmt"
	"math"

	"github.com/zsiec/lockstep/internal/engine"
)

// EngineChecker verifies the sync engine is running and its latency
// compensation is healthy.
type EngineChecker struct {
	engine *engine.Engine
	name   string
}

// NewEngineChecker creates a sync engine health checker.
func NewEngineChecker(e *engine.Engine) *EngineChecker {
	return &EngineChecker{
		engine: e,
		name:   "sync_engine",
	}
}

// Name returns the name of the checker.
func (c *EngineChecker) Name() string {
	return c.name
}

// Check performs the engine health check.
func (c *EngineChecker) Check(ctx context.Context) error {
	if !c.engine.Running() {
		return fmt.Errorf("sync engine is not running")
	}

	// Unstable compensation degrades playback but the engine still runs.
	if err := c.engine.Compensator().ValidateCompensation(); err != nil {
		return Degraded("latency compensation unhealthy: %v", err)
	}

	drift := c.engine.Clock().DriftState()
	if math.IsNaN(drift.AccumulatedDriftMs) || math.IsInf(drift.AccumulatedDriftMs, 0) {
		return fmt.Errorf("drift state is invalid")
	}

	return nil
}
