package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zsiec/lockstep/internal/clock"
	"github.com/zsiec/lockstep/internal/config"
	"github.com/zsiec/lockstep/internal/errors"
	"github.com/zsiec/lockstep/internal/latency"
	"github.com/zsiec/lockstep/internal/logger"
	"github.com/zsiec/lockstep/internal/metrics"
	"github.com/zsiec/lockstep/internal/timing"
	"github.com/zsiec/lockstep/internal/validator"
)

// Engine owns the sync components and runs their periodic work: feeding
// measurements to the validator, stepping latency adaptation, and
// exposing an aggregate status for the API surface.
type Engine struct {
	cfg *config.Config
	log logger.Logger

	clock       clock.MasterClock
	validator   validator.SyncValidator
	compensator latency.LatencyCompensator

	pipeline *demoPipeline

	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds an engine from the application configuration.
func New(cfg *config.Config, log *logrus.Logger) *Engine {
	base := logger.NewLogrusAdapter(logger.WithComponent(log, "engine"))

	clockLog := logger.NewLogrusAdapter(logrus.NewEntry(log))
	mc := clock.New(clockConfig(cfg), clockLog)
	sv := validator.New(validatorConfig(cfg), clockLog)
	lc := latency.New(compensatorConfig(cfg), nil, clockLog)

	e := &Engine{
		cfg:         cfg,
		log:         base,
		clock:       mc,
		validator:   sv,
		compensator: lc,
	}

	if cfg.Pipeline.DemoMode {
		e.pipeline = newDemoPipeline(e, cfg.Pipeline, base)
	}

	return e
}

func clockConfig(cfg *config.Config) clock.Config {
	return clock.Config{
		SampleRate:              cfg.Clock.SampleRate,
		BufferSize:              cfg.Clock.BufferSize,
		DriftToleranceMs:        cfg.Clock.DriftToleranceMs,
		CorrectionSpeed:         cfg.Clock.CorrectionSpeed,
		EnableDriftCompensation: cfg.Clock.EnableDriftCompensation,
		EnableQualityMonitoring: cfg.Clock.EnableQualityMonitoring,
	}
}

func validatorConfig(cfg *config.Config) validator.Config {
	return validator.Config{
		SyncToleranceMs:           cfg.Validator.SyncToleranceMs,
		MaxMeasurementHistory:     cfg.Validator.MaxMeasurementHistory,
		EnableAutomaticCorrection: cfg.Validator.EnableAutomaticCorrection,
		EnableLipSyncDetection:    cfg.Validator.EnableLipSyncDetection,
		LipSyncThresholdMs:        cfg.Validator.LipSyncThresholdMs,
		EnableQualityMonitoring:   cfg.Validator.EnableQualityMonitoring,
		CorrectionAggression:      cfg.Validator.CorrectionAggression,
	}
}

func compensatorConfig(cfg *config.Config) latency.Config {
	return latency.Config{
		MaxCompensationMs:               cfg.Compensator.MaxCompensationMs,
		AdaptationSpeed:                 cfg.Compensator.AdaptationSpeed,
		EnablePDC:                       cfg.Compensator.EnablePDC,
		PDCLookaheadMs:                  cfg.Compensator.PDCLookaheadMs,
		PDCToleranceMs:                  cfg.Compensator.PDCToleranceMs,
		EnableSystemLatencyCompensation: cfg.Compensator.EnableSystemLatencyCompensation,
		SystemLatencyMs:                 cfg.Compensator.SystemLatencyMs,
		AutoDetectSystemLatency:         cfg.Compensator.AutoDetectSystemLatency,
		MeasurementHistorySize:          cfg.Compensator.MeasurementHistorySize,
		OutlierThreshold:                cfg.Compensator.OutlierThreshold,
	}
}

// Start begins the clock and the periodic loops.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.NewConflictError("engine already started")
	}

	if !e.clock.Start() {
		e.started.Store(false)
		return errors.NewConflictError("master clock already running")
	}
	e.validator.Start()
	e.compensator.Start()

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go e.compensationLoop(ctx)

	e.wg.Add(1)
	go e.reportingLoop(ctx)

	if e.pipeline != nil {
		e.pipeline.start(ctx, &e.wg)
	}

	e.log.Info("Engine started")
	return nil
}

// Stop halts the loops and the clock. Safe to call once after Start.
func (e *Engine) Stop() {
	if !e.started.CompareAndSwap(true, false) {
		return
	}

	e.cancel()
	e.wg.Wait()
	e.compensator.Stop()
	e.validator.Stop()
	e.clock.Stop()
	e.log.Info("Engine stopped")
}

// UpdateAudioPosition feeds an audio callback position into the clock.
func (e *Engine) UpdateAudioPosition(samples int64) error {
	if samples < 0 {
		return errors.NewValidationError("sample position must be non-negative")
	}
	e.clock.UpdateAudioPosition(samples, time.Now())
	return nil
}

// ReportVideoPosition records an observed video position against the
// clock and the validator.
func (e *Engine) ReportVideoPosition(pos timing.TimePoint) {
	now := time.Now()
	e.clock.ReportVideoPosition(pos, now)
	e.validator.RecordMeasurement(e.clock.AudioPosition(), pos, now)
}

// PresentationPosition returns where video should present right now:
// the drift-corrected clock position shifted by latency compensation.
func (e *Engine) PresentationPosition() timing.TimePoint {
	return e.compensator.CompensatedPosition(e.clock.VideoPosition())
}

func (e *Engine) Clock() clock.MasterClock                { return e.clock }
func (e *Engine) Validator() validator.SyncValidator      { return e.validator }
func (e *Engine) Compensator() latency.LatencyCompensator { return e.compensator }

func (e *Engine) Running() bool { return e.started.Load() }

// compensationLoop steps latency adaptation on the configured cadence
// and snapshots the total measured latency into the history.
func (e *Engine) compensationLoop(ctx context.Context) {
	defer e.wg.Done()

	interval := e.cfg.Compensator.MeasurementInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.compensator.Update(now)
			e.compensator.MeasureTotalLatency()
		}
	}
}

// reportingLoop refreshes the slow-moving gauges.
func (e *Engine) reportingLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetMasterTime(float64(e.clock.MasterTimeUs()) / 1e6)
			metrics.SetPlaybackRate(e.clock.PlaybackRate())
		}
	}
}

// Status assembles a point-in-time view across all components.
func (e *Engine) Status() Status {
	return Status{
		Running:          e.started.Load(),
		Timestamp:        time.Now().UTC(),
		MasterTimeUs:     e.clock.MasterTimeUs(),
		AudioPositionS:   e.clock.AudioPosition().Seconds(),
		VideoPositionS:   e.clock.VideoPosition().Seconds(),
		PresentationS:    e.PresentationPosition().Seconds(),
		PlaybackRate:     e.clock.PlaybackRate(),
		AVOffsetMs:       e.clock.AVOffsetMs(),
		InSync:           e.clock.InSync() && e.validator.InSync(),
		Drift:            e.clock.DriftState(),
		ClockMetrics:     e.clock.SyncMetrics(),
		MeasurementCount: e.validator.MeasurementCount(),
		CorrectionMs:     e.validator.CorrectionRecommendationMs(),
		Latency:          e.compensator.Status(),
	}
}

// Status is the aggregate state served by the API and published to the
// registry.
type Status struct {
	Running          bool              `json:"running"`
	Timestamp        time.Time         `json:"timestamp"`
	MasterTimeUs     int64             `json:"master_time_us"`
	AudioPositionS   float64           `json:"audio_position_s"`
	VideoPositionS   float64           `json:"video_position_s"`
	PresentationS    float64           `json:"presentation_s"`
	PlaybackRate     float64           `json:"playback_rate"`
	AVOffsetMs       float64           `json:"av_offset_ms"`
	InSync           bool              `json:"in_sync"`
	Drift            clock.DriftState  `json:"drift"`
	ClockMetrics     clock.SyncMetrics `json:"clock_metrics"`
	MeasurementCount int               `json:"measurement_count"`
	CorrectionMs     float64           `json:"correction_recommendation_ms"`
	Latency          latency.Status    `json:"latency"`
}
