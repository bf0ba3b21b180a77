package latency

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/zsiec/lockstep/internal/errors"
	"github.com/zsiec/lockstep/internal/logger"
	"github.com/zsiec/lockstep/internal/metrics"
	"github.com/zsiec/lockstep/internal/timing"
)

const (
	// probeInterval is how often the system latency prober runs.
	probeInterval = time.Second

	// latencyChangeThresholdMs is the minimum change, in either the
	// measured system latency or the applied compensation, worth
	// announcing with an event.
	latencyChangeThresholdMs = 1.0

	// adjustmentThresholdMs is the minimum applied-compensation delta
	// counted as an adjustment in the statistics.
	adjustmentThresholdMs = 0.1

	// limitWarningFraction of the maximum triggers a limit event.
	limitWarningFraction = 0.95

	// minSamplesForOutliers gates z-score classification.
	minSamplesForOutliers = 10

	// compensationStabilityWindow is how many recent applied values the
	// stability validation considers.
	compensationStabilityWindow = 10
)

// LatencyCompensator tracks plugin and system latency and maintains a
// smoothly adapting compensation value applied to video presentation.
type LatencyCompensator interface {
	// Start begins latency adaptation. Returns false if already
	// running. Plugin registrations may happen before Start and
	// survive across Stop.
	Start() bool
	Stop()

	// RegisterPlugin adds or replaces a plugin's reported latency.
	RegisterPlugin(name string, latencyMs float64) error
	UnregisterPlugin(name string)

	// SetPluginBypassed toggles a plugin's bypass state. Bypassed
	// plugins keep their registration but no longer count toward the
	// compensation target.
	SetPluginBypassed(name string, bypassed bool) error
	SetPluginLatency(name string, latencyMs float64) error
	Plugins() []PluginLatency
	TotalPluginLatencyMs() float64

	// Update runs one adaptation step: probe system latency if due,
	// recompute the target, and move the live value toward it.
	// No-op while stopped.
	Update(now time.Time)

	CurrentCompensationMs() float64
	TargetCompensationMs() float64

	SystemLatencyMs() float64
	// SetSystemLatencyMs overrides the measured system latency. Only
	// valid when automatic detection is disabled.
	SetSystemLatencyMs(latencyMs float64) error

	// CompensatedPosition shifts a media position forward by the current
	// compensation.
	CompensatedPosition(pos timing.TimePoint) timing.TimePoint

	// MeasureTotalLatency snapshots plugin plus system latency into a
	// measurement, records it in the history, and returns it. Returns
	// a zero measurement while stopped.
	MeasureTotalLatency() Measurement

	// RecordMeasurement stores an externally observed total latency
	// sample, classifying it against the history. Outliers are
	// flagged, not dropped. No-op while stopped.
	RecordMeasurement(latencyMs float64, now time.Time)
	Measurements() []Measurement

	// Statistics recomputes aggregate latency statistics from the
	// measurement history.
	Statistics() Stats

	// ValidateCompensation checks that the applied compensation is in
	// range and has been stable recently.
	ValidateCompensation() error

	// UpdateConfig replaces the configuration and forces a
	// recalculation under the new settings.
	UpdateConfig(cfg Config) error
	Config() Config

	// ForceRecalculation runs an immediate adaptation step outside
	// the periodic cadence. No-op while stopped.
	ForceRecalculation()

	Subscribe(handler EventHandler)
	Status() Status

	// Report renders a human-readable summary of the compensation state.
	Report() string

	// Reset clears compensation state and measurement history. Plugin
	// registrations survive with bypass flags cleared.
	Reset()
}

type compensator struct {
	running atomic.Bool

	mu  sync.Mutex
	cfg Config

	plugins map[string]*PluginLatency

	currentCompensationMs float64
	targetCompensationMs  float64
	appliedHistory        []float64
	totalAppliedMs        float64
	adjustmentCount       int

	systemLatencyMs float64
	lastProbe       time.Time
	prober          SystemLatencyProber

	measurements []Measurement

	atLimit  bool
	handlers []EventHandler

	log     logger.Logger
	sampled *logger.SampledLogger
}

// New creates a latency compensator. A nil prober gets the default
// driver prober seeded with the configured system latency.
func New(cfg Config, prober SystemLatencyProber, log logger.Logger) LatencyCompensator {
	if log == nil {
		log = logger.NewNullLogger()
	}
	log = log.WithField("component", "latency_compensator")

	if prober == nil {
		prober = NewDriverProber(cfg.SystemLatencyMs)
	}
	if cfg.MeasurementHistorySize <= 0 {
		cfg.MeasurementHistorySize = DefaultConfig().MeasurementHistorySize
	}

	c := &compensator{
		cfg:             cfg,
		plugins:         make(map[string]*PluginLatency),
		systemLatencyMs: cfg.SystemLatencyMs,
		prober:          prober,
		measurements:    make([]Measurement, 0, cfg.MeasurementHistorySize),
		log:             log,
		sampled:         logger.NewSyncLogger(log),
	}

	log.WithFields(logger.Fields{
		"max_compensation_ms": cfg.MaxCompensationMs,
		"adaptation_speed":    cfg.AdaptationSpeed,
		"pdc_enabled":         cfg.EnablePDC,
		"auto_detect":         cfg.AutoDetectSystemLatency,
	}).Info("Latency compensator created")

	return c
}

func (c *compensator) Start() bool {
	if !c.running.CompareAndSwap(false, true) {
		c.log.Warn("Latency compensator already running")
		return false
	}

	c.mu.Lock()
	c.lastProbe = time.Time{}
	c.mu.Unlock()

	c.log.Info("Latency compensator started")
	return true
}

func (c *compensator) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	c.log.Info("Latency compensator stopped")
}

func (c *compensator) RegisterPlugin(name string, latencyMs float64) error {
	if name == "" {
		return errors.NewValidationError("plugin name must not be empty")
	}
	if latencyMs < 0 {
		return errors.NewValidationError("plugin latency must be non-negative")
	}

	c.mu.Lock()
	c.plugins[name] = &PluginLatency{Name: name, LatencyMs: latencyMs}
	c.mu.Unlock()

	metrics.SetPluginLatency(name, latencyMs)
	c.log.WithFields(logger.Fields{
		"plugin":     name,
		"latency_ms": latencyMs,
	}).Info("Plugin registered")
	return nil
}

func (c *compensator) UnregisterPlugin(name string) {
	c.mu.Lock()
	_, existed := c.plugins[name]
	delete(c.plugins, name)
	c.mu.Unlock()

	if existed {
		metrics.RemovePluginLatency(name)
		c.log.WithField("plugin", name).Info("Plugin unregistered")
	}
}

func (c *compensator) SetPluginBypassed(name string, bypassed bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.plugins[name]
	if !ok {
		return errors.NewNotFoundError("plugin " + name)
	}
	p.Bypassed = bypassed
	return nil
}

func (c *compensator) SetPluginLatency(name string, latencyMs float64) error {
	if latencyMs < 0 {
		return errors.NewValidationError("plugin latency must be non-negative")
	}

	c.mu.Lock()
	p, ok := c.plugins[name]
	if !ok {
		c.mu.Unlock()
		return errors.NewNotFoundError("plugin " + name)
	}
	p.LatencyMs = latencyMs
	c.mu.Unlock()

	metrics.SetPluginLatency(name, latencyMs)
	return nil
}

func (c *compensator) Plugins() []PluginLatency {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]PluginLatency, 0, len(c.plugins))
	for _, p := range c.plugins {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *compensator) TotalPluginLatencyMs() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalPluginLatencyLocked()
}

func (c *compensator) totalPluginLatencyLocked() float64 {
	var total float64
	for _, p := range c.plugins {
		if !p.Bypassed {
			total += p.LatencyMs
		}
	}
	return total
}

func (c *compensator) Update(now time.Time) {
	if !c.running.Load() {
		return
	}

	var events []Event

	c.mu.Lock()

	if c.cfg.AutoDetectSystemLatency && now.Sub(c.lastProbe) >= probeInterval {
		c.lastProbe = now
		measured := c.prober.ProbeMs(now)
		if math.Abs(measured-c.systemLatencyMs) > latencyChangeThresholdMs {
			events = append(events, newEvent(EventSystemLatencyChanged, now, measured,
				"system latency changed"))
			c.systemLatencyMs = measured
		}
	}

	events = append(events, c.adaptLocked(now)...)

	current, target := c.currentCompensationMs, c.targetCompensationMs
	system := c.systemLatencyMs
	handlers := c.handlers
	c.mu.Unlock()

	metrics.SetCompensation(current, target)
	metrics.SetSystemLatency(system)

	c.sampled.LogSampled(logrus.DebugLevel, logger.CategoryCompensation,
		"Compensation updated", logger.Fields{
			"current_ms": current,
			"target_ms":  target,
		})

	c.emit(events, handlers)
}

// adaptLocked recomputes the target and moves the live value one
// adaptation step toward it, maintaining the adjustment counters.
func (c *compensator) adaptLocked(now time.Time) []Event {
	var events []Event

	c.targetCompensationMs = c.computeTargetLocked()

	previous := c.currentCompensationMs
	next := previous + (c.targetCompensationMs-previous)*c.cfg.AdaptationSpeed
	next = clamp(next, -c.cfg.MaxCompensationMs, c.cfg.MaxCompensationMs)
	c.currentCompensationMs = next

	delta := math.Abs(next - previous)
	if delta > adjustmentThresholdMs {
		c.adjustmentCount++
		c.totalAppliedMs += delta
	}

	c.appliedHistory = append(c.appliedHistory, next)
	if len(c.appliedHistory) > compensationStabilityWindow {
		c.appliedHistory = c.appliedHistory[1:]
	}

	if delta > latencyChangeThresholdMs {
		events = append(events, newEvent(EventCompensationChanged, now, next,
			"compensation adjusted"))
	}

	atLimit := math.Abs(next) >= limitWarningFraction*c.cfg.MaxCompensationMs
	if atLimit && !c.atLimit {
		events = append(events, newEvent(EventCompensationLimit, now, next,
			"compensation approaching configured maximum"))
	}
	c.atLimit = atLimit

	return events
}

// computeTargetLocked derives the compensation target from active plugin
// latency past the host lookahead, plus measured system latency.
func (c *compensator) computeTargetLocked() float64 {
	var target float64
	if c.cfg.EnablePDC {
		pluginComp := math.Max(0.0, c.totalPluginLatencyLocked()-c.cfg.PDCLookaheadMs)
		// Residue below the PDC tolerance is not worth chasing.
		if pluginComp < c.cfg.PDCToleranceMs {
			pluginComp = 0.0
		}
		target += pluginComp
	}
	if c.cfg.EnableSystemLatencyCompensation {
		target += c.systemLatencyMs
	}
	return clamp(target, -c.cfg.MaxCompensationMs, c.cfg.MaxCompensationMs)
}

func (c *compensator) CurrentCompensationMs() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentCompensationMs
}

func (c *compensator) TargetCompensationMs() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targetCompensationMs
}

func (c *compensator) SystemLatencyMs() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.systemLatencyMs
}

func (c *compensator) SetSystemLatencyMs(latencyMs float64) error {
	if latencyMs < 0 {
		return errors.NewValidationError("system latency must be non-negative")
	}

	c.mu.Lock()
	if c.cfg.AutoDetectSystemLatency {
		c.mu.Unlock()
		return errors.NewConflictError("system latency is automatically detected, disable auto detection to override")
	}
	c.systemLatencyMs = latencyMs
	c.mu.Unlock()

	metrics.SetSystemLatency(latencyMs)
	c.log.WithField("latency_ms", latencyMs).Info("System latency override set")
	return nil
}

func (c *compensator) CompensatedPosition(pos timing.TimePoint) timing.TimePoint {
	c.mu.Lock()
	comp := c.currentCompensationMs
	c.mu.Unlock()

	if comp == 0 {
		return pos
	}
	return pos.Add(timing.FromMilliseconds(comp))
}

func (c *compensator) MeasureTotalLatency() Measurement {
	if !c.running.Load() {
		return Measurement{}
	}

	now := time.Now()

	c.mu.Lock()
	m := Measurement{
		TimestampUs:           now.UnixMicro(),
		PluginLatencyMs:       c.totalPluginLatencyLocked(),
		SystemLatencyMs:       c.systemLatencyMs,
		CompensationAppliedMs: c.currentCompensationMs,
		Confidence:            1.0,
	}
	m.TotalLatencyMs = m.PluginLatencyMs + m.SystemLatencyMs
	m, events := c.recordLocked(m, now)
	handlers := c.handlers
	c.mu.Unlock()

	if m.Outlier {
		metrics.IncrementOutliers()
	}
	c.emit(events, handlers)
	return m
}

func (c *compensator) RecordMeasurement(latencyMs float64, now time.Time) {
	if !c.running.Load() {
		return
	}

	c.mu.Lock()
	m, events := c.recordLocked(Measurement{
		TimestampUs:    now.UnixMicro(),
		TotalLatencyMs: latencyMs,
		Confidence:     1.0,
	}, now)
	handlers := c.handlers
	c.mu.Unlock()

	if m.Outlier {
		metrics.IncrementOutliers()
	}
	c.emit(events, handlers)
}

// recordLocked classifies one measurement against the history, appends
// it, and returns it with the outlier flag set plus any event to emit.
func (c *compensator) recordLocked(m Measurement, now time.Time) (Measurement, []Event) {
	m.Outlier = c.isOutlierLocked(m.TotalLatencyMs)

	c.measurements = append(c.measurements, m)
	if len(c.measurements) > c.cfg.MeasurementHistorySize {
		c.measurements = c.measurements[1:]
	}

	var events []Event
	if m.Outlier {
		events = append(events, newEvent(EventOutlierDetected, now, m.TotalLatencyMs,
			"latency measurement is a statistical outlier"))
	}
	return m, events
}

// isOutlierLocked classifies a sample by z-score against the existing
// history. Early samples are never outliers since the baseline is not
// established yet.
func (c *compensator) isOutlierLocked(latencyMs float64) bool {
	if len(c.measurements) < minSamplesForOutliers {
		return false
	}

	var sum float64
	for _, m := range c.measurements {
		sum += m.TotalLatencyMs
	}
	mean := sum / float64(len(c.measurements))

	var variance float64
	for _, m := range c.measurements {
		diff := m.TotalLatencyMs - mean
		variance += diff * diff
	}
	variance /= float64(len(c.measurements))
	stdDev := math.Sqrt(variance)
	if stdDev == 0 {
		return latencyMs != mean
	}

	return math.Abs(latencyMs-mean)/stdDev > c.cfg.OutlierThreshold
}

func (c *compensator) Measurements() []Measurement {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Measurement, len(c.measurements))
	copy(out, c.measurements)
	return out
}

func (c *compensator) Statistics() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statisticsLocked()
}

// statisticsLocked recomputes aggregate statistics over the total
// latency of every stored measurement.
func (c *compensator) statisticsLocked() Stats {
	s := Stats{
		MeasurementCount:           len(c.measurements),
		CurrentCompensationMs:      c.currentCompensationMs,
		TotalCompensationAppliedMs: c.totalAppliedMs,
		CompensationAdjustments:    c.adjustmentCount,
	}
	if len(c.measurements) == 0 {
		return s
	}

	latencies := make([]float64, len(c.measurements))
	for i, m := range c.measurements {
		latencies[i] = m.TotalLatencyMs
	}

	var sum float64
	s.MinLatencyMs = latencies[0]
	s.MaxLatencyMs = latencies[0]
	for _, l := range latencies {
		sum += l
		s.MinLatencyMs = math.Min(s.MinLatencyMs, l)
		s.MaxLatencyMs = math.Max(s.MaxLatencyMs, l)
	}
	s.MeanLatencyMs = sum / float64(len(latencies))

	sort.Float64s(latencies)
	mid := len(latencies) / 2
	if len(latencies)%2 == 0 {
		s.MedianLatencyMs = (latencies[mid-1] + latencies[mid]) / 2.0
	} else {
		s.MedianLatencyMs = latencies[mid]
	}

	var variance float64
	for _, l := range latencies {
		diff := l - s.MeanLatencyMs
		variance += diff * diff
	}
	variance /= float64(len(latencies))
	s.StdDeviationMs = math.Sqrt(variance)

	return s
}

func (c *compensator) ValidateCompensation() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if math.Abs(c.currentCompensationMs) > c.cfg.MaxCompensationMs {
		return errors.NewValidationError("compensation exceeds configured maximum")
	}

	if len(c.appliedHistory) < compensationStabilityWindow {
		return nil
	}

	var sum float64
	for _, v := range c.appliedHistory {
		sum += v
	}
	mean := sum / float64(len(c.appliedHistory))

	var variance float64
	for _, v := range c.appliedHistory {
		diff := v - mean
		variance += diff * diff
	}
	variance /= float64(len(c.appliedHistory))

	if variance > 0.1*c.cfg.MaxCompensationMs {
		return errors.NewValidationError("compensation is unstable")
	}
	return nil
}

func (c *compensator) UpdateConfig(cfg Config) error {
	if err := validateConfig(cfg); err != nil {
		return err
	}

	c.mu.Lock()
	old := c.cfg
	c.cfg = cfg
	c.systemLatencyMs = cfg.SystemLatencyMs
	if cfg.MeasurementHistorySize < len(c.measurements) {
		c.measurements = c.measurements[len(c.measurements)-cfg.MeasurementHistorySize:]
	}
	c.mu.Unlock()

	c.ForceRecalculation()

	c.log.WithFields(logger.Fields{
		"old_max_ms": old.MaxCompensationMs,
		"new_max_ms": cfg.MaxCompensationMs,
	}).Info("Compensator configuration updated")
	return nil
}

func (c *compensator) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

func (c *compensator) ForceRecalculation() {
	if !c.running.Load() {
		return
	}

	now := time.Now()

	c.mu.Lock()
	events := c.adaptLocked(now)
	current, target := c.currentCompensationMs, c.targetCompensationMs
	handlers := c.handlers
	c.mu.Unlock()

	metrics.SetCompensation(current, target)
	c.emit(events, handlers)
	c.log.Debug("Forced compensation recalculation")
}

func (c *compensator) Subscribe(handler EventHandler) {
	if handler == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

func (c *compensator) Status() Status {
	plugins := c.Plugins()

	c.mu.Lock()
	defer c.mu.Unlock()

	outliers := 0
	for _, m := range c.measurements {
		if m.Outlier {
			outliers++
		}
	}

	return Status{
		CurrentCompensationMs: c.currentCompensationMs,
		TargetCompensationMs:  c.targetCompensationMs,
		SystemLatencyMs:       c.systemLatencyMs,
		TotalPluginLatencyMs:  c.totalPluginLatencyLocked(),
		Plugins:               plugins,
		MeasurementCount:      len(c.measurements),
		OutlierCount:          outliers,
		Stats:                 c.statisticsLocked(),
	}
}

func (c *compensator) Reset() {
	c.mu.Lock()
	c.currentCompensationMs = 0
	c.targetCompensationMs = 0
	c.appliedHistory = c.appliedHistory[:0]
	c.measurements = c.measurements[:0]
	c.totalAppliedMs = 0
	c.adjustmentCount = 0
	c.systemLatencyMs = c.cfg.SystemLatencyMs
	c.lastProbe = time.Time{}
	c.atLimit = false
	for _, p := range c.plugins {
		p.Bypassed = false
	}
	c.mu.Unlock()

	metrics.SetCompensation(0, 0)
	c.log.Info("Latency compensator reset")
}

func (c *compensator) emit(events []Event, handlers []EventHandler) {
	for _, e := range events {
		metrics.IncrementCompensationEvent(string(e.Type))
		c.log.WithFields(logger.Fields{
			"event_id":   e.ID,
			"event_type": e.Type,
			"value_ms":   e.ValueMs,
		}).Info(e.Message)
		for _, h := range handlers {
			h(e)
		}
	}
}

func newEvent(t EventType, now time.Time, valueMs float64, msg string) Event {
	return Event{
		ID:          uuid.New().String(),
		Type:        t,
		TimestampUs: now.UnixMicro(),
		ValueMs:     valueMs,
		Message:     msg,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
