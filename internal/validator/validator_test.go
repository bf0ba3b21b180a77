package validator

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/lockstep/internal/logger"
	"github.com/zsiec/lockstep/internal/timing"
)

func newTestValidator(t *testing.T, mutate func(*Config)) SyncValidator {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	v := New(cfg, logger.NewNullLogger())
	require.True(t, v.Start())
	return v
}

// record adds a measurement with the given offset at a fixed audio position.
func record(v SyncValidator, offsetMs float64, ts time.Time) {
	audio := timing.FromSeconds(10.0)
	video := audio.Add(timing.FromMilliseconds(offsetMs))
	v.RecordMeasurement(audio, video, ts)
}

func TestLifecycle(t *testing.T) {
	v := New(DefaultConfig(), logger.NewNullLogger())
	now := time.Now()

	// Measurements before Start are dropped.
	record(v, 5.0, now)
	assert.Equal(t, 0, v.MeasurementCount())

	require.True(t, v.Start())
	assert.False(t, v.Start(), "double start is rejected")

	record(v, 5.0, now)
	assert.Equal(t, 1, v.MeasurementCount())

	v.Stop()
	v.Stop() // second stop is a no-op

	record(v, 50.0, now.Add(time.Second))
	assert.Equal(t, 1, v.MeasurementCount(), "stopped validator ignores measurements")

	// Restarting clears the previous run's history.
	require.True(t, v.Start())
	assert.Equal(t, 0, v.MeasurementCount())
	assert.True(t, v.InSync())
}

func TestValidateLipSync(t *testing.T) {
	v := newTestValidator(t, nil)
	now := time.Now()

	assert.Equal(t, 1.0, v.ValidateLipSync(), "perfect score before any measurement")

	// Inside the 40ms threshold the score degrades gently
	record(v, 20.0, now)
	assert.InDelta(t, 0.9, v.ValidateLipSync(), 0.001)

	// Past the threshold the penalty steepens
	record(v, 60.0, now.Add(time.Millisecond))
	assert.InDelta(t, 0.4, v.ValidateLipSync(), 0.001)

	// Scores track the latest offset, not the mean
	record(v, 0.0, now.Add(2*time.Millisecond))
	assert.Equal(t, 1.0, v.ValidateLipSync())

	off := newTestValidator(t, func(cfg *Config) { cfg.EnableLipSyncDetection = false })
	record(off, 500.0, now)
	assert.Equal(t, 1.0, off.ValidateLipSync(), "always passes when detection is disabled")
}

func TestRecordMeasurement(t *testing.T) {
	v := newTestValidator(t, nil)
	now := time.Now()

	record(v, 5.0, now)

	assert.Equal(t, 1, v.MeasurementCount())
	assert.InDelta(t, 5.0, v.CurrentOffsetMs(), 0.001)
	assert.True(t, v.InSync())
}

func TestConfidenceDegradesWithOffset(t *testing.T) {
	v := newTestValidator(t, nil)
	now := time.Now()

	record(v, 0.0, now)
	record(v, 10.0, now.Add(time.Millisecond))
	record(v, 500.0, now.Add(2*time.Millisecond))

	history := v.Snapshot()
	require.Len(t, history, 3)
	assert.InDelta(t, 0.8, history[0].Confidence, 0.001)
	assert.InDelta(t, 0.7, history[1].Confidence, 0.001)
	// Floor at 0.1... cap of the penalty keeps it at 0.5
	assert.InDelta(t, 0.5, history[2].Confidence, 0.001)
}

func TestHistoryCapEvictsOldest(t *testing.T) {
	v := newTestValidator(t, func(cfg *Config) {
		cfg.MaxMeasurementHistory = 5
	})
	now := time.Now()

	for i := 0; i < 8; i++ {
		record(v, float64(i), now.Add(time.Duration(i)*time.Millisecond))
	}

	history := v.Snapshot()
	require.Len(t, history, 5)
	assert.InDelta(t, 3.0, history[0].OffsetMs, 0.001)
	assert.InDelta(t, 7.0, history[4].OffsetMs, 0.001)
}

func TestEdgeTriggeredSyncEvents(t *testing.T) {
	v := newTestValidator(t, func(cfg *Config) {
		cfg.EnableLipSyncDetection = false
	})

	var events []Event
	v.Subscribe(func(e Event) { events = append(events, e) })

	now := time.Now()
	record(v, 2.0, now)  // in sync, no transition
	record(v, 30.0, now) // out of sync
	record(v, 35.0, now) // still out, no new event
	record(v, 1.0, now)  // back in sync

	require.Len(t, events, 2)
	assert.Equal(t, EventOutOfSync, events[0].Type)
	assert.Equal(t, EventInSync, events[1].Type)
	assert.NotEmpty(t, events[0].ID)
	assert.NotEqual(t, events[0].ID, events[1].ID)
}

func TestLipSyncEventRateLimited(t *testing.T) {
	v := newTestValidator(t, nil)

	var lipSyncEvents int
	v.Subscribe(func(e Event) {
		if e.Type == EventLipSyncIssue {
			lipSyncEvents++
		}
	})

	now := time.Now()
	for i := 0; i < 20; i++ {
		record(v, 80.0, now.Add(time.Duration(i)*time.Millisecond))
	}

	// Burst of threshold violations collapses to one rate-limited event
	assert.Equal(t, 1, lipSyncEvents)
}

func TestQualityMetricsBasicStats(t *testing.T) {
	v := newTestValidator(t, nil)
	now := time.Now()

	offsets := []float64{2, 4, 6, 8, 10, 12, 4, 6, 8, 10}
	for i, o := range offsets {
		record(v, o, now.Add(time.Duration(i)*100*time.Millisecond))
	}

	q := v.QualityMetrics()
	assert.Equal(t, 10, q.MeasurementCount)
	assert.InDelta(t, 7.0, q.MeanOffsetMs, 0.001)
	assert.InDelta(t, 7.0, q.MedianOffsetMs, 0.001)
	assert.InDelta(t, 2.0, q.MinOffsetMs, 0.001)
	assert.InDelta(t, 12.0, q.MaxOffsetMs, 0.001)
	// 9 of 10 within the 10ms tolerance
	assert.InDelta(t, 90.0, q.SyncPercentage, 0.001)
}

func TestQualityMetricsEmpty(t *testing.T) {
	v := newTestValidator(t, nil)

	q := v.QualityMetrics()
	assert.Equal(t, 0, q.MeasurementCount)
	assert.Equal(t, 0.0, q.MeanOffsetMs)
	assert.Equal(t, 1.0, q.LipSyncScore)
}

func TestDriftRateRegression(t *testing.T) {
	v := newTestValidator(t, nil)
	now := time.Now()

	// Offset grows 1ms per second, so drift rate should be ~60 ms/min
	for i := 0; i < 20; i++ {
		record(v, float64(i), now.Add(time.Duration(i)*time.Second))
	}

	q := v.QualityMetrics()
	assert.InDelta(t, 60.0, q.DriftRateMsPerMin, 1.0)
}

func TestStabilityScore(t *testing.T) {
	// Near-zero mean is always fully stable
	assert.Equal(t, 1.0, stabilityScore(0.05, 50.0))

	// Zero spread is fully stable
	assert.Equal(t, 1.0, stabilityScore(10.0, 0.0))

	// Spread equal to the mean zeroes the score
	assert.Equal(t, 0.0, stabilityScore(10.0, 10.0))
}

func TestLipSyncScore(t *testing.T) {
	cfg := DefaultConfig() // threshold 40ms

	assert.InDelta(t, 1.0, lipSyncScore(cfg, 0.0), 0.001)
	assert.InDelta(t, 0.9, lipSyncScore(cfg, 20.0), 0.001)
	assert.InDelta(t, 0.8, lipSyncScore(cfg, 40.0), 0.001)
	assert.InDelta(t, 0.4, lipSyncScore(cfg, 60.0), 0.001)
	assert.InDelta(t, 0.0, lipSyncScore(cfg, 80.0), 0.001)

	cfg.EnableLipSyncDetection = false
	assert.Equal(t, 1.0, lipSyncScore(cfg, 200.0))
}

func TestCorrectionRecommendation(t *testing.T) {
	v := newTestValidator(t, func(cfg *Config) {
		cfg.EnableLipSyncDetection = false
	})
	now := time.Now()

	// Below the sample minimum there is no recommendation
	for i := 0; i < 9; i++ {
		record(v, 20.0, now.Add(time.Duration(i)*time.Millisecond))
	}
	assert.Equal(t, 0.0, v.CorrectionRecommendationMs())

	record(v, 20.0, now.Add(9*time.Millisecond))

	// Constant +20ms offset at aggression 0.5 suggests -10ms
	assert.InDelta(t, -10.0, v.CorrectionRecommendationMs(), 0.001)
}

func TestCorrectionRecommendationDisabled(t *testing.T) {
	v := newTestValidator(t, func(cfg *Config) {
		cfg.EnableAutomaticCorrection = false
	})
	now := time.Now()

	for i := 0; i < 20; i++ {
		record(v, 20.0, now.Add(time.Duration(i)*time.Millisecond))
	}

	assert.Equal(t, 0.0, v.CorrectionRecommendationMs())
}

func TestOscillationDetection(t *testing.T) {
	v := newTestValidator(t, func(cfg *Config) {
		cfg.EnableLipSyncDetection = false
	})

	var oscillationEvents int
	v.Subscribe(func(e Event) {
		if e.Type == EventOscillation {
			oscillationEvents++
		}
	})

	now := time.Now()
	// Alternating +-30ms offsets, well past tolerance/2
	for i := 0; i < 30; i++ {
		off := 30.0
		if i%2 == 1 {
			off = -30.0
		}
		record(v, off, now.Add(time.Duration(i)*time.Millisecond))
	}

	assert.Equal(t, 1, oscillationEvents, "oscillation event is edge triggered")
}

func TestUpdateConfig(t *testing.T) {
	v := newTestValidator(t, nil)

	cfg := v.Config()
	cfg.SyncToleranceMs = 25.0
	require.NoError(t, v.UpdateConfig(cfg))
	assert.Equal(t, 25.0, v.Config().SyncToleranceMs)

	cfg.SyncToleranceMs = -1.0
	assert.Error(t, v.UpdateConfig(cfg))
}

func TestUpdateConfigShrinksHistory(t *testing.T) {
	v := newTestValidator(t, nil)
	now := time.Now()

	for i := 0; i < 10; i++ {
		record(v, float64(i), now.Add(time.Duration(i)*time.Millisecond))
	}

	cfg := v.Config()
	cfg.MaxMeasurementHistory = 4
	require.NoError(t, v.UpdateConfig(cfg))

	history := v.Snapshot()
	require.Len(t, history, 4)
	assert.InDelta(t, 6.0, history[0].OffsetMs, 0.001)
}

func TestReset(t *testing.T) {
	v := newTestValidator(t, nil)
	now := time.Now()

	record(v, 50.0, now)
	require.False(t, v.InSync())

	v.Reset()

	assert.Equal(t, 0, v.MeasurementCount())
	assert.True(t, v.InSync())
}

func TestExportCSV(t *testing.T) {
	v := newTestValidator(t, nil)
	ts := time.UnixMicro(1_700_000_000_000_000)

	record(v, 12.3456, ts)

	var buf bytes.Buffer
	require.NoError(t, v.ExportCSV(&buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "Timestamp_us,Offset_ms,Confidence,Audio_Position_s,Video_Position_s", lines[0])

	fields := strings.Split(lines[1], ",")
	require.Len(t, fields, 5)
	assert.Equal(t, "1700000000000000", fields[0])
	assert.Equal(t, "12.345", fields[1])
	assert.Equal(t, "0.68", fields[2])
	assert.Equal(t, "10.000000", fields[3])
	assert.Equal(t, "10.012345", fields[4])
}

func TestGenerateQualityReport(t *testing.T) {
	v := newTestValidator(t, nil)
	now := time.Now()

	report := v.GenerateQualityReport()
	assert.Contains(t, report, "No measurements recorded yet")

	for i := 0; i < 20; i++ {
		record(v, 2.0, now.Add(time.Duration(i)*100*time.Millisecond))
	}

	report = v.GenerateQualityReport()
	assert.Contains(t, report, "A/V Sync Quality Report")
	assert.Contains(t, report, "Measurements:      20")
	assert.Contains(t, report, "Overall quality:")
}
