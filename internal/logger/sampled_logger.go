package logger

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// SampledLogger throttles high-frequency log categories. The audio position
// path can fire hundreds of drift debug lines per second; sampling keeps the
// log useful without starving the important transitions.
type SampledLogger struct {
	base     Logger
	samplers map[string]*logSampler
	mu       sync.RWMutex
}

type logSampler struct {
	minInterval time.Duration
	burst       int

	lastLog      atomic.Int64
	burstCounter atomic.Int64
	total        atomic.Int64
	dropped      atomic.Int64
}

// NewSampledLogger creates a sampled logger around base.
func NewSampledLogger(base Logger) *SampledLogger {
	return &SampledLogger{
		base:     base,
		samplers: make(map[string]*logSampler),
	}
}

// WithSampler registers throttling for a category: at most burst messages per
// minInterval window, everything else dropped.
func (s *SampledLogger) WithSampler(category string, minInterval time.Duration, burst int) *SampledLogger {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samplers[category] = &logSampler{minInterval: minInterval, burst: burst}
	return s
}

func (s *SampledLogger) shouldLog(category string) bool {
	s.mu.RLock()
	sampler, ok := s.samplers[category]
	s.mu.RUnlock()
	if !ok {
		return true
	}

	now := time.Now().UnixNano()
	sampler.total.Add(1)

	last := sampler.lastLog.Load()
	if now-last < sampler.minInterval.Nanoseconds() {
		if sampler.burstCounter.Add(1) <= int64(sampler.burst) {
			return true
		}
		sampler.dropped.Add(1)
		return false
	}

	sampler.lastLog.Store(now)
	sampler.burstCounter.Store(0)
	return true
}

// LogSampled emits a message in the given category, subject to sampling.
// Dropped-message counts are attached so readers can see how much was elided.
func (s *SampledLogger) LogSampled(level logrus.Level, category, msg string, fields map[string]interface{}) {
	if !s.shouldLog(category) {
		return
	}
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["category"] = category

	s.mu.RLock()
	sampler, ok := s.samplers[category]
	s.mu.RUnlock()
	if ok {
		if dropped := sampler.dropped.Load(); dropped > 0 {
			fields["_dropped"] = dropped
		}
	}

	s.base.WithFields(fields).Log(level, msg)
}

// Sync engine log categories.
const (
	CategoryDriftMeasurement = "drift_measurement"
	CategoryPositionUpdate   = "position_update"
	CategoryCompensation     = "compensation"
	CategorySyncEvent        = "sync_event"
)

// NewSyncLogger creates a sampled logger pre-configured for the sync engine's
// hot paths. Sync events are never sampled.
func NewSyncLogger(base Logger) *SampledLogger {
	return NewSampledLogger(base).
		WithSampler(CategoryDriftMeasurement, time.Second, 2).
		WithSampler(CategoryPositionUpdate, time.Second, 1).
		WithSampler(CategoryCompensation, 500*time.Millisecond, 2)
}
