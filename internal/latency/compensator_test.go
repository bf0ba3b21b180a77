package latency

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/lockstep/internal/logger"
	"github.com/zsiec/lockstep/internal/timing"
)

func newTestCompensator(t *testing.T, mutate func(*Config)) LatencyCompensator {
	t.Helper()
	cfg := DefaultConfig()
	cfg.AutoDetectSystemLatency = false
	if mutate != nil {
		mutate(&cfg)
	}
	c := New(cfg, StaticProber{LatencyMs: cfg.SystemLatencyMs}, logger.NewNullLogger())
	require.True(t, c.Start())
	return c
}

func TestLifecycle(t *testing.T) {
	c := New(DefaultConfig(), StaticProber{LatencyMs: 20.0}, logger.NewNullLogger())
	now := time.Now()

	// Measurement operations before Start are dropped.
	c.Update(now)
	c.RecordMeasurement(20.0, now)
	assert.Equal(t, 0.0, c.CurrentCompensationMs())
	assert.Empty(t, c.Measurements())

	// Plugin registration works while stopped.
	require.NoError(t, c.RegisterPlugin("eq", 25.0))
	assert.InDelta(t, 25.0, c.TotalPluginLatencyMs(), 0.001)

	require.True(t, c.Start())
	assert.False(t, c.Start(), "double start is rejected")

	c.RecordMeasurement(20.0, now)
	assert.Len(t, c.Measurements(), 1)

	c.Stop()
	c.Stop() // second stop is a no-op

	c.RecordMeasurement(25.0, now.Add(time.Second))
	assert.Len(t, c.Measurements(), 1, "stopped compensator ignores measurements")
	assert.Len(t, c.Plugins(), 1, "registrations survive stop")
}

func TestPluginRegistration(t *testing.T) {
	c := newTestCompensator(t, nil)

	require.NoError(t, c.RegisterPlugin("reverb", 5.0))
	require.NoError(t, c.RegisterPlugin("limiter", 3.0))
	assert.InDelta(t, 8.0, c.TotalPluginLatencyMs(), 0.001)

	// Bypassed plugins stay registered but drop out of the total
	require.NoError(t, c.SetPluginBypassed("reverb", true))
	assert.InDelta(t, 3.0, c.TotalPluginLatencyMs(), 0.001)
	assert.Len(t, c.Plugins(), 2)

	c.UnregisterPlugin("limiter")
	c.UnregisterPlugin("reverb")
	assert.Equal(t, 0.0, c.TotalPluginLatencyMs())
	assert.Empty(t, c.Plugins())
}

func TestPluginRegistrationErrors(t *testing.T) {
	c := newTestCompensator(t, nil)

	assert.Error(t, c.RegisterPlugin("", 5.0))
	assert.Error(t, c.RegisterPlugin("reverb", -1.0))
	assert.Error(t, c.SetPluginBypassed("ghost", true))
	assert.Error(t, c.SetPluginLatency("ghost", 5.0))
}

func TestTargetComputation(t *testing.T) {
	c := newTestCompensator(t, nil)

	// PDC: 25ms of plugin latency minus the 10ms lookahead, plus 20ms
	// of system latency
	require.NoError(t, c.RegisterPlugin("eq", 25.0))
	c.Update(time.Now())
	assert.InDelta(t, 35.0, c.TargetCompensationMs(), 0.001)

	// Plugins inside the lookahead need no PDC component
	require.NoError(t, c.SetPluginLatency("eq", 8.0))
	c.Update(time.Now())
	assert.InDelta(t, 20.0, c.TargetCompensationMs(), 0.001)
}

func TestTargetWithFeaturesDisabled(t *testing.T) {
	c := newTestCompensator(t, func(cfg *Config) {
		cfg.EnablePDC = false
		cfg.EnableSystemLatencyCompensation = false
	})

	require.NoError(t, c.RegisterPlugin("eq", 25.0))
	c.Update(time.Now())
	assert.Equal(t, 0.0, c.TargetCompensationMs())
	assert.Equal(t, 0.0, c.CurrentCompensationMs())
}

func TestGradualAdaptation(t *testing.T) {
	c := newTestCompensator(t, nil)
	require.NoError(t, c.RegisterPlugin("eq", 30.0))

	now := time.Now()
	c.Update(now)
	target := c.TargetCompensationMs()
	require.InDelta(t, 40.0, target, 0.001)

	// Each step moves 10% of the remaining distance, never overshooting
	previous := c.CurrentCompensationMs()
	assert.InDelta(t, 4.0, previous, 0.001)

	for i := 0; i < 100; i++ {
		now = now.Add(50 * time.Millisecond)
		c.Update(now)
		current := c.CurrentCompensationMs()
		assert.GreaterOrEqual(t, current, previous, "approach must be monotonic")
		assert.LessOrEqual(t, current, target+0.001, "must not overshoot target")
		previous = current
	}

	assert.InDelta(t, target, c.CurrentCompensationMs(), 0.01)
}

func TestCompensationClampedAtMax(t *testing.T) {
	c := newTestCompensator(t, func(cfg *Config) {
		cfg.MaxCompensationMs = 30.0
	})
	require.NoError(t, c.RegisterPlugin("heavy", 500.0))

	now := time.Now()
	for i := 0; i < 200; i++ {
		now = now.Add(50 * time.Millisecond)
		c.Update(now)
	}

	assert.InDelta(t, 30.0, c.TargetCompensationMs(), 0.001)
	assert.LessOrEqual(t, c.CurrentCompensationMs(), 30.0)
}

func TestCompensationEvents(t *testing.T) {
	c := newTestCompensator(t, func(cfg *Config) {
		cfg.MaxCompensationMs = 30.0
	})

	var changed, limit int
	c.Subscribe(func(e Event) {
		switch e.Type {
		case EventCompensationChanged:
			changed++
		case EventCompensationLimit:
			limit++
		}
	})

	require.NoError(t, c.RegisterPlugin("heavy", 500.0))

	now := time.Now()
	for i := 0; i < 200; i++ {
		now = now.Add(50 * time.Millisecond)
		c.Update(now)
	}

	assert.Greater(t, changed, 0, "large target swings emit change events")
	assert.Equal(t, 1, limit, "limit event fires once per excursion")
}

func TestSystemLatencyProbeEvent(t *testing.T) {
	prober := &StaticProber{LatencyMs: 20.0}
	cfg := DefaultConfig()
	c := New(cfg, prober, logger.NewNullLogger())
	require.True(t, c.Start())

	var latencyEvents []Event
	c.Subscribe(func(e Event) {
		if e.Type == EventSystemLatencyChanged {
			latencyEvents = append(latencyEvents, e)
		}
	})

	now := time.Now()
	c.Update(now) // first probe measures 20ms, matching the baseline
	require.Empty(t, latencyEvents)

	prober.LatencyMs = 27.0
	c.Update(now.Add(500 * time.Millisecond)) // probe interval not yet elapsed
	require.Empty(t, latencyEvents)

	c.Update(now.Add(1100 * time.Millisecond))
	require.Len(t, latencyEvents, 1)
	assert.InDelta(t, 27.0, latencyEvents[0].ValueMs, 0.001)
	assert.InDelta(t, 27.0, c.SystemLatencyMs(), 0.001)
}

func TestManualSystemLatencyOverride(t *testing.T) {
	c := newTestCompensator(t, nil)

	require.NoError(t, c.SetSystemLatencyMs(12.0))
	assert.InDelta(t, 12.0, c.SystemLatencyMs(), 0.001)
	assert.Error(t, c.SetSystemLatencyMs(-1.0))

	auto := New(DefaultConfig(), StaticProber{LatencyMs: 20.0}, logger.NewNullLogger())
	assert.Error(t, auto.SetSystemLatencyMs(12.0), "override conflicts with auto detection")
}

func TestCompensatedPosition(t *testing.T) {
	c := newTestCompensator(t, nil)
	require.NoError(t, c.RegisterPlugin("eq", 30.0))

	pos := timing.FromSeconds(10.0)
	assert.True(t, c.CompensatedPosition(pos).Equal(pos), "zero compensation is identity")

	c.Update(time.Now())
	comp := c.CurrentCompensationMs()
	require.Greater(t, comp, 0.0)

	expected := pos.Add(timing.FromMilliseconds(comp))
	assert.True(t, c.CompensatedPosition(pos).Equal(expected))
}

func TestMeasurementHistoryCap(t *testing.T) {
	c := newTestCompensator(t, func(cfg *Config) {
		cfg.MeasurementHistorySize = 10
	})

	now := time.Now()
	for i := 0; i < 15; i++ {
		c.RecordMeasurement(20.0+float64(i)*0.01, now.Add(time.Duration(i)*time.Millisecond))
	}

	ms := c.Measurements()
	require.Len(t, ms, 10)
	assert.InDelta(t, 20.05, ms[0].TotalLatencyMs, 0.001)
}

func TestOutlierFlaggedNotDiscarded(t *testing.T) {
	c := newTestCompensator(t, nil)

	var outlierEvents int
	c.Subscribe(func(e Event) {
		if e.Type == EventOutlierDetected {
			outlierEvents++
		}
	})

	now := time.Now()
	// Establish a baseline with a little natural spread
	for i := 0; i < 20; i++ {
		c.RecordMeasurement(20.0+math.Sin(float64(i))*0.5, now.Add(time.Duration(i)*time.Millisecond))
	}

	c.RecordMeasurement(90.0, now.Add(time.Second))

	ms := c.Measurements()
	last := ms[len(ms)-1]
	assert.True(t, last.Outlier, "spike should be flagged")
	assert.InDelta(t, 90.0, last.TotalLatencyMs, 0.001, "outlier stays in history")
	assert.Equal(t, 1, outlierEvents)

	// Baseline samples are not flagged
	for _, m := range ms[:len(ms)-1] {
		assert.False(t, m.Outlier)
	}
}

func TestValidateCompensation(t *testing.T) {
	c := newTestCompensator(t, nil)
	require.NoError(t, c.RegisterPlugin("eq", 30.0))

	now := time.Now()
	for i := 0; i < 100; i++ {
		now = now.Add(50 * time.Millisecond)
		c.Update(now)
	}

	assert.NoError(t, c.ValidateCompensation(), "converged compensation is stable")
}

func TestSampleConversions(t *testing.T) {
	assert.Equal(t, int64(480), MsToSamples(10.0, 48000))
	assert.Equal(t, int64(441), MsToSamples(10.0, 44100))
	assert.InDelta(t, 10.0, SamplesToMs(480, 48000), 0.001)
	assert.Equal(t, 0.0, SamplesToMs(480, 0))
}

func TestResetPreservesPlugins(t *testing.T) {
	c := newTestCompensator(t, nil)
	require.NoError(t, c.RegisterPlugin("eq", 30.0))
	require.NoError(t, c.SetPluginBypassed("eq", true))

	now := time.Now()
	c.Update(now)
	c.RecordMeasurement(25.0, now)

	c.Reset()

	assert.Equal(t, 0.0, c.CurrentCompensationMs())
	assert.Empty(t, c.Measurements())

	plugins := c.Plugins()
	require.Len(t, plugins, 1)
	assert.Equal(t, "eq", plugins[0].Name)
	assert.False(t, plugins[0].Bypassed, "reset clears bypass flags")
}

func TestStatus(t *testing.T) {
	c := newTestCompensator(t, nil)
	require.NoError(t, c.RegisterPlugin("eq", 30.0))

	now := time.Now()
	c.Update(now)
	c.RecordMeasurement(20.0, now)

	s := c.Status()
	assert.InDelta(t, 40.0, s.TargetCompensationMs, 0.001)
	assert.InDelta(t, 20.0, s.SystemLatencyMs, 0.001)
	assert.InDelta(t, 30.0, s.TotalPluginLatencyMs, 0.001)
	assert.Len(t, s.Plugins, 1)
	assert.Equal(t, 1, s.MeasurementCount)
	assert.Equal(t, 0, s.OutlierCount)
}

func TestReport(t *testing.T) {
	c := newTestCompensator(t, nil)
	require.NoError(t, c.RegisterPlugin("eq", 30.0))
	require.NoError(t, c.RegisterPlugin("reverb", 12.0))
	require.NoError(t, c.SetPluginBypassed("reverb", true))

	report := c.Report()
	assert.Contains(t, report, "Latency Compensation Report")
	assert.Contains(t, report, "eq")
	assert.Contains(t, report, "bypassed")
	assert.Contains(t, report, "Adjustments:")
	assert.Contains(t, report, "Validation:           ok")
}

func TestMeasureTotalLatency(t *testing.T) {
	c := newTestCompensator(t, nil)
	require.NoError(t, c.RegisterPlugin("eq", 25.0))

	m := c.MeasureTotalLatency()
	assert.InDelta(t, 25.0, m.PluginLatencyMs, 0.001)
	assert.InDelta(t, 20.0, m.SystemLatencyMs, 0.001)
	assert.InDelta(t, 45.0, m.TotalLatencyMs, 0.001)
	assert.Equal(t, 0.0, m.CompensationAppliedMs)
	assert.Equal(t, 1.0, m.Confidence)
	assert.False(t, m.Outlier)
	assert.Len(t, c.Measurements(), 1)

	// The snapshot carries whatever compensation is applied at the time
	c.Update(time.Now())
	m = c.MeasureTotalLatency()
	assert.InDelta(t, 3.5, m.CompensationAppliedMs, 0.001)

	stopped := New(DefaultConfig(), StaticProber{LatencyMs: 20.0}, logger.NewNullLogger())
	assert.Equal(t, Measurement{}, stopped.MeasureTotalLatency())
}

func TestStatistics(t *testing.T) {
	c := newTestCompensator(t, nil)
	now := time.Now()

	c.RecordMeasurement(10.0, now)
	c.RecordMeasurement(20.0, now.Add(time.Millisecond))
	c.RecordMeasurement(30.0, now.Add(2*time.Millisecond))

	s := c.Statistics()
	assert.Equal(t, 3, s.MeasurementCount)
	assert.InDelta(t, 20.0, s.MeanLatencyMs, 0.001)
	assert.InDelta(t, 20.0, s.MedianLatencyMs, 0.001)
	assert.InDelta(t, 10.0, s.MinLatencyMs, 0.001)
	assert.InDelta(t, 30.0, s.MaxLatencyMs, 0.001)
	assert.InDelta(t, 8.165, s.StdDeviationMs, 0.001)
	assert.Equal(t, 0, s.CompensationAdjustments)

	// Two adaptation steps toward a 35ms target, each counted
	require.NoError(t, c.RegisterPlugin("eq", 25.0))
	c.Update(now)
	c.Update(now.Add(50 * time.Millisecond))

	s = c.Statistics()
	assert.Equal(t, 2, s.CompensationAdjustments)
	assert.InDelta(t, 6.65, s.TotalCompensationAppliedMs, 0.001)
	assert.InDelta(t, 6.65, s.CurrentCompensationMs, 0.001)
	assert.InDelta(t, 6.65, c.Status().Stats.CurrentCompensationMs, 0.001)
}

func TestUpdateConfig(t *testing.T) {
	c := newTestCompensator(t, func(cfg *Config) {
		cfg.AdaptationSpeed = 1.0
	})
	require.NoError(t, c.RegisterPlugin("eq", 25.0))

	c.Update(time.Now())
	require.InDelta(t, 35.0, c.CurrentCompensationMs(), 0.001)

	// Dropping the lookahead raises the target and the new settings
	// take effect immediately through the forced recalculation.
	cfg := c.Config()
	cfg.PDCLookaheadMs = 0
	require.NoError(t, c.UpdateConfig(cfg))
	assert.InDelta(t, 45.0, c.CurrentCompensationMs(), 0.001)
	assert.Equal(t, 0.0, c.Config().PDCLookaheadMs)

	cfg.AdaptationSpeed = 0
	assert.Error(t, c.UpdateConfig(cfg), "invalid settings are rejected")
}

func TestForceRecalculationStoppedNoOp(t *testing.T) {
	c := New(DefaultConfig(), StaticProber{LatencyMs: 20.0}, logger.NewNullLogger())
	require.NoError(t, c.RegisterPlugin("eq", 25.0))

	c.ForceRecalculation()
	assert.Equal(t, 0.0, c.CurrentCompensationMs())
}

func TestChangeEventUsesFixedThreshold(t *testing.T) {
	c := newTestCompensator(t, func(cfg *Config) {
		cfg.AdaptationSpeed = 1.0
		cfg.PDCToleranceMs = 50.0
	})

	var changed int
	c.Subscribe(func(e Event) {
		if e.Type == EventCompensationChanged {
			changed++
		}
	})

	// A 20ms swing is well under the PDC tolerance but far over the
	// 1ms announcement threshold.
	c.Update(time.Now())
	assert.InDelta(t, 20.0, c.CurrentCompensationMs(), 0.001)
	assert.Equal(t, 1, changed)
}

func TestPDCToleranceDeadband(t *testing.T) {
	c := newTestCompensator(t, nil)
	require.NoError(t, c.RegisterPlugin("eq", 10.5))

	c.Update(time.Now())
	// 0.5ms of residual plugin latency sits under the 1ms tolerance
	assert.InDelta(t, 20.0, c.TargetCompensationMs(), 0.001)
}
