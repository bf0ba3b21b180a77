package clock

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zsiec/lockstep/internal/logger"
	"github.com/zsiec/lockstep/internal/metrics"
	"github.com/zsiec/lockstep/internal/timing"
)

// MasterClock is the authoritative playback timebase, derived from audio
// sample position. Video presentation follows this clock; drift between
// reported video positions and the audio timebase is detected here and
// corrected gradually.
type MasterClock interface {
	// Start begins the clock, zeroing all position and drift state.
	// Returns false if already running.
	Start() bool
	Stop()
	// Reset re-zeroes positions and drift without changing running state.
	Reset()

	// SetPlaybackRate sets the playback speed multiplier. Rates <= 0 are
	// rejected and the previous rate stays in effect.
	SetPlaybackRate(rate float64)
	PlaybackRate() float64

	// UpdateAudioPosition is the sole write path for the canonical timebase.
	// Called from the audio callback at every buffer boundary; it must never
	// block behind monitoring reads.
	UpdateAudioPosition(positionSamples int64, timestamp time.Time)

	// MasterTimeUs returns the current master time in microseconds.
	// Lock-free.
	MasterTimeUs() int64

	AudioPosition() timing.TimePoint

	// VideoPosition returns the expected video position: the audio position
	// with the active drift correction applied as a rational time offset.
	VideoPosition() timing.TimePoint

	// ReportVideoPosition records the externally-observed video position for
	// drift detection and quality monitoring.
	ReportVideoPosition(position timing.TimePoint, timestamp time.Time)

	// AVOffsetMs returns (video - audio) in milliseconds. Positive means
	// video is ahead.
	AVOffsetMs() float64
	InSync() bool

	DriftState() DriftState
	SyncMetrics() SyncMetrics

	SetDriftCompensationEnabled(enabled bool)
	SetDriftTolerance(toleranceMs float64)

	// ForceSyncCorrection snaps the accumulated drift to cancel the current
	// offset in one step. An escape hatch for explicit user resync, not part
	// of the gradual correction loop.
	ForceSyncCorrection()
}

const maxOffsetHistory = 1000

type masterClock struct {
	sampleRate      float64
	correctionSpeed float64

	// Lock-free hot-path state
	masterTimeUs     atomic.Int64
	playbackRate     atomicFloat64
	running          atomic.Bool
	driftCompEnabled atomic.Bool
	driftToleranceMs atomicFloat64
	qualityEnabled   bool

	// Audio position tracking
	audioMu              sync.Mutex
	audioPositionSamples int64
	audioTimestamp       time.Time
	startTime            time.Time

	// Video position tracking
	videoMu        sync.Mutex
	videoPosition  timing.TimePoint
	videoTimestamp time.Time

	// Drift compensation
	driftMu sync.Mutex
	drift   DriftState

	// Sync metrics
	metricsMu     sync.Mutex
	syncMetrics   SyncMetrics
	recentOffsets []float64

	log     logger.Logger
	sampled *logger.SampledLogger
}

// New creates a master clock with the given configuration.
func New(cfg Config, log logger.Logger) MasterClock {
	if log == nil {
		log = logger.NewNullLogger()
	}
	log = log.WithField("component", "master_clock")

	c := &masterClock{
		sampleRate:      cfg.SampleRate,
		correctionSpeed: cfg.CorrectionSpeed,
		qualityEnabled:  cfg.EnableQualityMonitoring,
		videoPosition:   timing.Zero,
		recentOffsets:   make([]float64, 0, maxOffsetHistory),
		log:             log,
		sampled:         logger.NewSyncLogger(log),
	}
	c.playbackRate.Store(1.0)
	c.driftCompEnabled.Store(cfg.EnableDriftCompensation)
	c.driftToleranceMs.Store(cfg.DriftToleranceMs)

	log.WithFields(logger.Fields{
		"sample_rate": cfg.SampleRate,
		"buffer_size": cfg.BufferSize,
	}).Info("Master clock created")

	return c
}

func (c *masterClock) Start() bool {
	c.audioMu.Lock()
	defer c.audioMu.Unlock()
	c.videoMu.Lock()
	defer c.videoMu.Unlock()
	c.driftMu.Lock()
	defer c.driftMu.Unlock()
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()

	if c.running.Load() {
		c.log.Warn("Master clock already running")
		return false
	}

	c.masterTimeUs.Store(0)
	c.audioPositionSamples = 0
	c.videoPosition = timing.Zero
	c.drift = DriftState{}
	c.syncMetrics = SyncMetrics{}
	c.recentOffsets = c.recentOffsets[:0]

	now := time.Now()
	c.startTime = now
	c.audioTimestamp = now
	c.videoTimestamp = now

	c.running.Store(true)
	c.log.Info("Master clock started")
	return true
}

func (c *masterClock) Stop() {
	if !c.running.Load() {
		return
	}
	c.running.Store(false)
	c.log.Info("Master clock stopped")
}

func (c *masterClock) Reset() {
	c.audioMu.Lock()
	defer c.audioMu.Unlock()
	c.videoMu.Lock()
	defer c.videoMu.Unlock()
	c.driftMu.Lock()
	defer c.driftMu.Unlock()

	c.masterTimeUs.Store(0)
	c.audioPositionSamples = 0
	c.videoPosition = timing.Zero
	c.drift = DriftState{}

	now := time.Now()
	c.startTime = now
	c.audioTimestamp = now
	c.videoTimestamp = now

	c.log.Debug("Master clock reset")
}

func (c *masterClock) SetPlaybackRate(rate float64) {
	if rate <= 0.0 {
		c.log.WithField("rate", rate).Error("Invalid playback rate")
		return
	}
	c.playbackRate.Store(rate)
	c.log.WithField("rate", rate).Debug("Playback rate set")
}

func (c *masterClock) PlaybackRate() float64 {
	return c.playbackRate.Load()
}

func (c *masterClock) UpdateAudioPosition(positionSamples int64, timestamp time.Time) {
	if !c.running.Load() {
		return
	}

	c.audioMu.Lock()
	c.audioPositionSamples = positionSamples
	c.audioTimestamp = timestamp

	rate := c.playbackRate.Load()
	timeUs := int64(float64(positionSamples) * 1e6 / (c.sampleRate * rate))
	c.masterTimeUs.Store(timeUs)
	c.audioMu.Unlock()

	// Drift state is recomputed from the sample value captured above rather
	// than through the public accessors, so the audio path never re-acquires
	// its own lock or takes audio+video locks together.
	if c.driftCompEnabled.Load() {
		c.updateDriftState(positionSamples)
	}
}

func (c *masterClock) MasterTimeUs() int64 {
	if !c.running.Load() {
		return 0
	}
	return c.masterTimeUs.Load()
}

func (c *masterClock) AudioPosition() timing.TimePoint {
	c.audioMu.Lock()
	defer c.audioMu.Unlock()

	if !c.running.Load() {
		return timing.Zero
	}
	return timing.New(c.audioPositionSamples, int32(c.sampleRate))
}

func (c *masterClock) VideoPosition() timing.TimePoint {
	if !c.running.Load() {
		return timing.Zero
	}

	audioPos := c.AudioPosition()

	if !c.driftCompEnabled.Load() {
		return audioPos
	}

	c.driftMu.Lock()
	correctionMs := c.drift.AccumulatedDriftMs * c.correctionSpeed
	c.driftMu.Unlock()

	if correctionMs == 0 {
		return audioPos
	}
	return audioPos.Add(timing.FromMilliseconds(correctionMs))
}

func (c *masterClock) ReportVideoPosition(position timing.TimePoint, timestamp time.Time) {
	if !c.running.Load() {
		return
	}

	c.videoMu.Lock()
	c.videoPosition = position
	c.videoTimestamp = timestamp
	c.videoMu.Unlock()

	if c.qualityEnabled {
		audioPos := c.AudioPosition()
		offsetMs := (position.Seconds() - audioPos.Seconds()) * 1000.0
		c.updateSyncMetrics(offsetMs)
		metrics.SetAVOffset("clock", offsetMs)
	}
}

func (c *masterClock) AVOffsetMs() float64 {
	if !c.running.Load() {
		return 0.0
	}

	c.videoMu.Lock()
	videoPos := c.videoPosition
	c.videoMu.Unlock()

	audioPos := c.AudioPosition()
	return (videoPos.Seconds() - audioPos.Seconds()) * 1000.0
}

func (c *masterClock) InSync() bool {
	return math.Abs(c.AVOffsetMs()) <= c.driftToleranceMs.Load()
}

func (c *masterClock) DriftState() DriftState {
	if !c.running.Load() {
		return DriftState{}
	}

	c.driftMu.Lock()
	defer c.driftMu.Unlock()
	return c.drift
}

func (c *masterClock) SyncMetrics() SyncMetrics {
	if !c.running.Load() {
		return SyncMetrics{}
	}

	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()
	return c.syncMetrics
}

func (c *masterClock) SetDriftCompensationEnabled(enabled bool) {
	c.driftCompEnabled.Store(enabled)
	c.log.WithField("enabled", enabled).Debug("Drift compensation toggled")
}

func (c *masterClock) SetDriftTolerance(toleranceMs float64) {
	c.driftToleranceMs.Store(toleranceMs)
	c.log.WithField("tolerance_ms", toleranceMs).Debug("Drift tolerance set")
}

func (c *masterClock) ForceSyncCorrection() {
	if !c.running.Load() {
		return
	}

	currentOffset := c.AVOffsetMs()

	c.driftMu.Lock()
	c.drift.AccumulatedDriftMs = -currentOffset
	c.drift.LastCorrectionTimeUs = c.masterTimeUs.Load()
	c.drift.CorrectionActive = true
	c.driftMu.Unlock()

	metrics.SetAccumulatedDrift(-currentOffset)
	c.log.WithField("offset_ms", currentOffset).Info("Force sync correction applied")
}

// updateDriftState recomputes drift rate and applies gradual correction.
// positionSamples was captured under the audio mutex by the caller.
func (c *masterClock) updateDriftState(positionSamples int64) {
	c.driftMu.Lock()
	defer c.driftMu.Unlock()

	currentTime := c.masterTimeUs.Load()

	c.videoMu.Lock()
	videoPos := c.videoPosition
	c.videoMu.Unlock()

	audioPos := timing.New(positionSamples, int32(c.sampleRate))
	currentOffset := (videoPos.Seconds() - audioPos.Seconds()) * 1000.0

	if c.drift.LastCorrectionTimeUs > 0 {
		if dtUs := currentTime - c.drift.LastCorrectionTimeUs; dtUs > 0 {
			c.drift.DriftRateMsPerSec = currentOffset / (float64(dtUs) / 1e6)
		}
	}

	// The offset still visible after the accumulated correction is what
	// remains to be corrected.
	effectiveOffset := currentOffset + c.drift.AccumulatedDriftMs
	if math.Abs(effectiveOffset) > c.driftToleranceMs.Load() {
		c.applyDriftCorrection(effectiveOffset)
	}

	c.drift.LastCorrectionTimeUs = currentTime
}

// applyDriftCorrection cancels a fraction of the remaining offset each
// step. For a constant offset this converges exponentially on the exact
// counter-correction without ever overshooting; it never jumps, which
// would be an audible or visible glitch.
func (c *masterClock) applyDriftCorrection(effectiveOffset float64) {
	c.drift.AccumulatedDriftMs -= effectiveOffset * c.correctionSpeed
	c.drift.CorrectionActive = math.Abs(c.drift.AccumulatedDriftMs) > 0.1

	metrics.SetAccumulatedDrift(c.drift.AccumulatedDriftMs)
	c.sampled.LogSampled(logrus.DebugLevel, logger.CategoryDriftMeasurement,
		"Drift correction applied", logger.Fields{
			"remaining_ms":   effectiveOffset,
			"accumulated_ms": c.drift.AccumulatedDriftMs,
		})
}

// updateSyncMetrics folds one instantaneous offset into the rolling metrics:
// exponential smoothing for the mean, running min/max, and a coarse drift
// rate and confidence estimate once enough samples exist.
func (c *masterClock) updateSyncMetrics(offsetMs float64) {
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()

	c.recentOffsets = append(c.recentOffsets, offsetMs)
	if len(c.recentOffsets) > maxOffsetHistory {
		c.recentOffsets = c.recentOffsets[1:]
	}

	c.syncMetrics.MeasurementCount++

	if c.syncMetrics.MeasurementCount == 1 {
		c.syncMetrics.MeanOffsetMs = offsetMs
		c.syncMetrics.MaxOffsetMs = offsetMs
		c.syncMetrics.MinOffsetMs = offsetMs
	} else {
		const alpha = 0.1
		c.syncMetrics.MeanOffsetMs = alpha*offsetMs + (1.0-alpha)*c.syncMetrics.MeanOffsetMs
		c.syncMetrics.MaxOffsetMs = math.Max(c.syncMetrics.MaxOffsetMs, offsetMs)
		c.syncMetrics.MinOffsetMs = math.Min(c.syncMetrics.MinOffsetMs, offsetMs)
	}

	if len(c.recentOffsets) >= 10 {
		var sum float64
		for _, o := range c.recentOffsets[len(c.recentOffsets)-10:] {
			sum += o
		}
		recentMean := sum / 10.0
		// ms per 10s of samples scaled to ms/min
		c.syncMetrics.DriftRateMsPerMin = (recentMean - c.syncMetrics.MeanOffsetMs) * 6.0
	}

	if len(c.recentOffsets) >= 5 {
		var variance float64
		for _, o := range c.recentOffsets {
			diff := o - c.syncMetrics.MeanOffsetMs
			variance += diff * diff
		}
		variance /= float64(len(c.recentOffsets))
		c.syncMetrics.ConfidenceScore = 1.0 / (1.0 + variance)
	}
}

// atomicFloat64 stores a float64 through its IEEE bits.
type atomicFloat64 struct {
	bits atomic.Uint64
}

func (a *atomicFloat64) Store(v float64) {
	a.bits.Store(math.Float64bits(v))
}

func (a *atomicFloat64) Load() float64 {
	return math.Float64frombits(a.bits.Load())
}
