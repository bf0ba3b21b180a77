package validator

import (
	"io"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/zsiec/lockstep/internal/logger"
	"github.com/zsiec/lockstep/internal/metrics"
	"github.com/zsiec/lockstep/internal/timing"
)

const (
	// minSamplesForStats gates statistics that are meaningless on tiny
	// sample counts.
	minSamplesForStats = 10

	// recommendationWindow bounds how far back the correction
	// recommendation looks.
	recommendationWindow = 50

	// driftRegressionWindow is the time span the drift-rate regression
	// considers, ending at the newest measurement.
	driftRegressionWindow = 30 * time.Second

	// oscillationWindow and oscillationMinFlips define the sign-change
	// pattern treated as oscillating sync.
	oscillationWindow   = 20
	oscillationMinFlips = 12
)

// SyncValidator observes A/V offsets independently of the master clock's
// own drift tracking and scores sync quality over time.
type SyncValidator interface {
	// Start begins accepting measurements, clearing any prior history.
	// Returns false if already running.
	Start() bool
	Stop()

	// RecordMeasurement records one A/V offset observation. Offset is
	// computed as video minus audio, so positive means video ahead.
	// No-op while the validator is stopped.
	RecordMeasurement(audioPos, videoPos timing.TimePoint, timestamp time.Time)

	CurrentOffsetMs() float64
	InSync() bool
	MeasurementCount() int

	// QualityMetrics computes quality statistics over the stored history.
	QualityMetrics() QualityMetrics

	// CorrectionRecommendationMs suggests a correction in milliseconds.
	// Returns 0 until enough measurements exist or when automatic
	// correction is disabled.
	CorrectionRecommendationMs() float64

	// ValidateLipSync scores the most recent offset against the lip
	// sync threshold, in [0, 1]. Returns 1.0 when detection is
	// disabled or nothing has been recorded yet.
	ValidateLipSync() float64

	Subscribe(handler EventHandler)

	// ExportCSV writes the measurement history as CSV, oldest first.
	ExportCSV(w io.Writer) error

	// GenerateQualityReport renders a human-readable quality summary.
	GenerateQualityReport() string

	UpdateConfig(cfg Config) error
	Config() Config

	Reset()

	// Snapshot returns a copy of the measurement history, oldest first.
	Snapshot() []Measurement
}

type syncValidator struct {
	running atomic.Bool

	mu           sync.RWMutex
	cfg          Config
	measurements []Measurement
	inSync       bool
	oscillating  bool
	handlers     []EventHandler

	lipSyncLimiter *rate.Limiter

	log     logger.Logger
	sampled *logger.SampledLogger
}

// New creates a sync validator with the given configuration.
func New(cfg Config, log logger.Logger) SyncValidator {
	if log == nil {
		log = logger.NewNullLogger()
	}
	log = log.WithField("component", "sync_validator")

	if cfg.MaxMeasurementHistory <= 0 {
		cfg.MaxMeasurementHistory = DefaultConfig().MaxMeasurementHistory
	}

	v := &syncValidator{
		cfg:            cfg,
		measurements:   make([]Measurement, 0, cfg.MaxMeasurementHistory),
		inSync:         true,
		lipSyncLimiter: rate.NewLimiter(rate.Every(5*time.Second), 1),
		log:            log,
		sampled:        logger.NewSyncLogger(log),
	}

	log.WithFields(logger.Fields{
		"tolerance_ms":         cfg.SyncToleranceMs,
		"lip_sync_threshold":   cfg.LipSyncThresholdMs,
		"max_history":          cfg.MaxMeasurementHistory,
		"automatic_correction": cfg.EnableAutomaticCorrection,
	}).Info("Sync validator created")

	return v
}

func (v *syncValidator) Start() bool {
	if !v.running.CompareAndSwap(false, true) {
		v.log.Warn("Sync validator already running")
		return false
	}

	v.mu.Lock()
	v.measurements = v.measurements[:0]
	v.inSync = true
	v.oscillating = false
	v.mu.Unlock()

	v.log.Info("Sync validator started")
	return true
}

func (v *syncValidator) Stop() {
	if !v.running.CompareAndSwap(true, false) {
		return
	}
	v.log.Info("Sync validator stopped")
}

func (v *syncValidator) RecordMeasurement(audioPos, videoPos timing.TimePoint, timestamp time.Time) {
	if !v.running.Load() {
		return
	}

	offsetMs := (videoPos.Seconds() - audioPos.Seconds()) * 1000.0

	// Confidence degrades linearly with offset magnitude, floored so
	// even wild measurements retain a little weight.
	confidence := math.Max(0.1, 0.8-math.Min(0.3, math.Abs(offsetMs)/100.0))

	m := Measurement{
		TimestampUs:    timestamp.UnixMicro(),
		OffsetMs:       offsetMs,
		Confidence:     confidence,
		AudioPositionS: audioPos.Seconds(),
		VideoPositionS: videoPos.Seconds(),
	}

	var events []Event

	v.mu.Lock()
	v.measurements = append(v.measurements, m)
	if len(v.measurements) > v.cfg.MaxMeasurementHistory {
		v.measurements = v.measurements[1:]
	}

	inTolerance := math.Abs(offsetMs) <= v.cfg.SyncToleranceMs
	if inTolerance != v.inSync {
		v.inSync = inTolerance
		if inTolerance {
			events = append(events, v.newEvent(EventInSync, m, "sync restored within tolerance"))
		} else {
			events = append(events, v.newEvent(EventOutOfSync, m, "offset exceeded sync tolerance"))
		}
	}

	if v.cfg.EnableLipSyncDetection && math.Abs(offsetMs) > v.cfg.LipSyncThresholdMs {
		if v.lipSyncLimiter.Allow() {
			events = append(events, v.newEvent(EventLipSyncIssue, m, "offset exceeds lip sync threshold"))
		}
	}

	oscillating := v.detectOscillationLocked()
	if oscillating != v.oscillating {
		v.oscillating = oscillating
		if oscillating {
			events = append(events, v.newEvent(EventOscillation, m, "offset oscillating around zero"))
		}
	}

	handlers := v.handlers
	v.mu.Unlock()

	metrics.IncrementMeasurements()
	metrics.SetAVOffset("validator", offsetMs)

	v.sampled.LogSampled(logrus.DebugLevel, logger.CategoryPositionUpdate,
		"Sync measurement recorded", logger.Fields{
			"offset_ms":  offsetMs,
			"confidence": confidence,
		})

	for _, e := range events {
		metrics.IncrementSyncEvent(string(e.Type))
		v.log.WithFields(logger.Fields{
			"event_id":   e.ID,
			"event_type": e.Type,
			"offset_ms":  e.OffsetMs,
		}).Info(e.Message)
		for _, h := range handlers {
			h(e)
		}
	}
}

func (v *syncValidator) newEvent(t EventType, m Measurement, msg string) Event {
	return Event{
		ID:          uuid.New().String(),
		Type:        t,
		TimestampUs: m.TimestampUs,
		OffsetMs:    m.OffsetMs,
		Message:     msg,
	}
}

func (v *syncValidator) CurrentOffsetMs() float64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if len(v.measurements) == 0 {
		return 0.0
	}
	return v.measurements[len(v.measurements)-1].OffsetMs
}

func (v *syncValidator) InSync() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.inSync
}

func (v *syncValidator) MeasurementCount() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.measurements)
}

func (v *syncValidator) QualityMetrics() QualityMetrics {
	v.mu.RLock()
	cfg := v.cfg
	history := make([]Measurement, len(v.measurements))
	copy(history, v.measurements)
	v.mu.RUnlock()

	q := QualityMetrics{MeasurementCount: len(history)}
	if len(history) == 0 {
		q.LipSyncScore = 1.0
		return q
	}

	offsets := make([]float64, len(history))
	inTolerance := 0
	for i, m := range history {
		offsets[i] = m.OffsetMs
		if math.Abs(m.OffsetMs) <= cfg.SyncToleranceMs {
			inTolerance++
		}
	}

	var sum float64
	q.MinOffsetMs = offsets[0]
	q.MaxOffsetMs = offsets[0]
	for _, o := range offsets {
		sum += o
		q.MinOffsetMs = math.Min(q.MinOffsetMs, o)
		q.MaxOffsetMs = math.Max(q.MaxOffsetMs, o)
	}
	q.MeanOffsetMs = sum / float64(len(offsets))

	sorted := make([]float64, len(offsets))
	copy(sorted, offsets)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		q.MedianOffsetMs = (sorted[mid-1] + sorted[mid]) / 2.0
	} else {
		q.MedianOffsetMs = sorted[mid]
	}

	var variance float64
	for _, o := range offsets {
		diff := o - q.MeanOffsetMs
		variance += diff * diff
	}
	variance /= float64(len(offsets))
	q.StdDeviationMs = math.Sqrt(variance)

	q.SyncPercentage = float64(inTolerance) / float64(len(offsets)) * 100.0
	q.DriftRateMsPerMin = driftRate(history)
	q.StabilityScore = stabilityScore(q.MeanOffsetMs, q.StdDeviationMs)
	q.LipSyncScore = lipSyncScore(cfg, q.MeanOffsetMs)

	q.OverallScore = 0.4*(q.SyncPercentage/100.0) +
		0.3*q.StabilityScore +
		0.2*math.Max(0.0, 1.0-math.Abs(q.MeanOffsetMs)/cfg.SyncToleranceMs) +
		0.1*math.Max(0.0, 1.0-q.StdDeviationMs/cfg.SyncToleranceMs)

	if cfg.EnableQualityMonitoring {
		metrics.SetQualityScores(q.OverallScore, q.LipSyncScore)
	}

	return q
}

// driftRate fits a line to offsets within the regression window and
// returns the slope scaled to milliseconds per minute.
func driftRate(history []Measurement) float64 {
	if len(history) < minSamplesForStats {
		return 0.0
	}

	newest := history[len(history)-1].TimestampUs
	cutoff := newest - driftRegressionWindow.Microseconds()

	var xs, ys []float64
	for _, m := range history {
		if m.TimestampUs >= cutoff {
			xs = append(xs, float64(m.TimestampUs-cutoff)/1e6)
			ys = append(ys, m.OffsetMs)
		}
	}
	if len(xs) < 2 {
		return 0.0
	}

	n := float64(len(xs))
	var sumX, sumY, sumXY, sumXX float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
		sumXY += xs[i] * ys[i]
		sumXX += xs[i] * xs[i]
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0.0
	}
	slopeMsPerSec := (n*sumXY - sumX*sumY) / denom
	return slopeMsPerSec * 60.0
}

// stabilityScore rates consistency via the coefficient of variation.
// A near-zero mean with any spread still counts as stable.
func stabilityScore(meanMs, stdDevMs float64) float64 {
	if math.Abs(meanMs) < 0.1 {
		return 1.0
	}
	cv := stdDevMs / math.Abs(meanMs)
	return math.Max(0.0, 1.0-cv)
}

// lipSyncScore rates perceptual sync quality against the lip sync
// threshold. Inside the threshold quality degrades gently, past it the
// penalty steepens until zero.
func lipSyncScore(cfg Config, offsetMs float64) float64 {
	if !cfg.EnableLipSyncDetection || cfg.LipSyncThresholdMs <= 0 {
		return 1.0
	}
	abs := math.Abs(offsetMs)
	if abs <= cfg.LipSyncThresholdMs {
		return 1.0 - (abs/cfg.LipSyncThresholdMs)*0.2
	}
	excess := abs - cfg.LipSyncThresholdMs
	return math.Max(0.0, 0.8-(excess/cfg.LipSyncThresholdMs)*0.8)
}

func (v *syncValidator) ValidateLipSync() float64 {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if len(v.measurements) == 0 {
		return 1.0
	}
	return lipSyncScore(v.cfg, v.measurements[len(v.measurements)-1].OffsetMs)
}

func (v *syncValidator) CorrectionRecommendationMs() float64 {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if !v.cfg.EnableAutomaticCorrection {
		return 0.0
	}
	if len(v.measurements) < minSamplesForStats {
		return 0.0
	}

	start := len(v.measurements) - recommendationWindow
	if start < 0 {
		start = 0
	}
	recent := v.measurements[start:]

	// Newer measurements and higher confidence dominate the average.
	var weightedSum, weightTotal float64
	for i, m := range recent {
		w := m.Confidence * float64(i+1)
		weightedSum += m.OffsetMs * w
		weightTotal += w
	}
	if weightTotal == 0 {
		return 0.0
	}

	return -(weightedSum / weightTotal) * v.cfg.CorrectionAggression
}

// detectOscillationLocked looks for rapid sign alternation in recent
// offsets, the signature of a correction loop fighting itself.
func (v *syncValidator) detectOscillationLocked() bool {
	if len(v.measurements) < oscillationWindow {
		return false
	}

	recent := v.measurements[len(v.measurements)-oscillationWindow:]
	flips := 0
	for i := 1; i < len(recent); i++ {
		prev, cur := recent[i-1].OffsetMs, recent[i].OffsetMs
		if math.Abs(prev) < v.cfg.SyncToleranceMs/2 || math.Abs(cur) < v.cfg.SyncToleranceMs/2 {
			continue
		}
		if (prev < 0) != (cur < 0) {
			flips++
		}
	}
	return flips >= oscillationMinFlips
}

func (v *syncValidator) Subscribe(handler EventHandler) {
	if handler == nil {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.handlers = append(v.handlers, handler)
}

func (v *syncValidator) UpdateConfig(cfg Config) error {
	if err := validateConfig(cfg); err != nil {
		return err
	}

	v.mu.Lock()
	old := v.cfg
	v.cfg = cfg
	if cfg.MaxMeasurementHistory < len(v.measurements) {
		v.measurements = v.measurements[len(v.measurements)-cfg.MaxMeasurementHistory:]
	}
	v.mu.Unlock()

	v.log.WithFields(logger.Fields{
		"old_tolerance_ms": old.SyncToleranceMs,
		"new_tolerance_ms": cfg.SyncToleranceMs,
	}).Info("Validator configuration updated")
	return nil
}

func (v *syncValidator) Config() Config {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cfg
}

func (v *syncValidator) Reset() {
	v.mu.Lock()
	v.measurements = v.measurements[:0]
	v.inSync = true
	v.oscillating = false
	v.mu.Unlock()
	v.log.Debug("Validator state reset")
}

func (v *syncValidator) Snapshot() []Measurement {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Measurement, len(v.measurements))
	copy(out, v.measurements)
	return out
}
