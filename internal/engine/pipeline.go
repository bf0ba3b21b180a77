package engine

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/zsiec/lockstep/internal/config"
	"github.com/zsiec/lockstep/internal/logger"
	"github.com/zsiec/lockstep/internal/timing"
)

// demoPipeline stands in for real audio and video callbacks. The audio
// feeder advances the clock at buffer cadence; the video reporter renders
// slightly off-rate with jitter so drift detection has something to chew
// on.
type demoPipeline struct {
	engine *Engine
	cfg    config.PipelineConfig
	log    logger.Logger

	sampleRate float64
	bufferSize int64
}

func newDemoPipeline(e *Engine, cfg config.PipelineConfig, log logger.Logger) *demoPipeline {
	bufferSize := int64(cfg.AudioBufferSize)
	if bufferSize <= 0 {
		bufferSize = int64(e.cfg.Clock.BufferSize)
	}

	return &demoPipeline{
		engine:     e,
		cfg:        cfg,
		log:        log.WithField("component", "demo_pipeline"),
		sampleRate: e.cfg.Clock.SampleRate,
		bufferSize: bufferSize,
	}
}

func (p *demoPipeline) start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(2)
	go p.audioFeeder(ctx, wg)
	go p.videoReporter(ctx, wg)

	p.log.WithFields(logger.Fields{
		"buffer_size": p.bufferSize,
		"drift_ppm":   p.cfg.DemoDriftPPM,
		"jitter_ms":   p.cfg.DemoJitterMs,
	}).Info("Demo pipeline started")
}

func (p *demoPipeline) audioFeeder(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	interval := time.Duration(float64(p.bufferSize) / p.sampleRate * float64(time.Second))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var samples int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			samples += p.bufferSize
			p.engine.clock.UpdateAudioPosition(samples, time.Now())
		}
	}
}

func (p *demoPipeline) videoReporter(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	interval := p.cfg.FrameInterval
	if interval <= 0 {
		interval = 33 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	driftRatio := p.cfg.DemoDriftPPM / 1e6
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			audioS := p.engine.clock.AudioPosition().Seconds()
			jitterS := (rng.Float64()*2 - 1) * p.cfg.DemoJitterMs / 1000.0
			videoS := audioS*(1.0+driftRatio) + jitterS
			p.engine.ReportVideoPosition(timing.FromSeconds(videoS))
		}
	}
}
