package latency

import "fmt"

// Config controls latency compensation behavior.
type Config struct {
	MaxCompensationMs               float64
	AdaptationSpeed                 float64
	EnablePDC                       bool
	PDCLookaheadMs                  float64
	PDCToleranceMs                  float64
	EnableSystemLatencyCompensation bool
	SystemLatencyMs                 float64
	AutoDetectSystemLatency         bool
	MeasurementHistorySize          int
	OutlierThreshold                float64
}

// DefaultConfig returns conservative compensation settings: a 100ms
// ceiling, gentle adaptation, and plugin delay compensation assuming a
// 10ms host lookahead.
func DefaultConfig() Config {
	return Config{
		MaxCompensationMs:               100.0,
		AdaptationSpeed:                 0.1,
		EnablePDC:                       true,
		PDCLookaheadMs:                  10.0,
		PDCToleranceMs:                  1.0,
		EnableSystemLatencyCompensation: true,
		SystemLatencyMs:                 20.0,
		AutoDetectSystemLatency:         true,
		MeasurementHistorySize:          100,
		OutlierThreshold:                2.0,
	}
}

func validateConfig(cfg Config) error {
	if cfg.MaxCompensationMs <= 0 {
		return fmt.Errorf("max compensation must be positive, got %v", cfg.MaxCompensationMs)
	}
	if cfg.AdaptationSpeed <= 0 || cfg.AdaptationSpeed > 1 {
		return fmt.Errorf("adaptation speed must be in (0, 1], got %v", cfg.AdaptationSpeed)
	}
	if cfg.PDCLookaheadMs < 0 {
		return fmt.Errorf("pdc lookahead must be non-negative, got %v", cfg.PDCLookaheadMs)
	}
	if cfg.MeasurementHistorySize < 1 {
		return fmt.Errorf("measurement history must hold at least one entry, got %d", cfg.MeasurementHistorySize)
	}
	if cfg.OutlierThreshold <= 0 {
		return fmt.Errorf("outlier threshold must be positive, got %v", cfg.OutlierThreshold)
	}
	return nil
}

// PluginLatency tracks one registered plugin's reported latency.
// Bypassed plugins stay registered but are excluded from totals.
type PluginLatency struct {
	Name      string  `json:"name"`
	LatencyMs float64 `json:"latency_ms"`
	Bypassed  bool    `json:"bypassed"`
}

// Measurement is one observed latency sample with its per-source
// breakdown. Outliers are flagged but never discarded so diagnostics
// can see them.
type Measurement struct {
	TimestampUs           int64   `json:"timestamp_us"`
	PluginLatencyMs       float64 `json:"plugin_latency_ms"`
	SystemLatencyMs       float64 `json:"system_latency_ms"`
	TotalLatencyMs        float64 `json:"total_latency_ms"`
	CompensationAppliedMs float64 `json:"compensation_applied_ms"`
	Confidence            float64 `json:"confidence"`
	Outlier               bool    `json:"outlier"`
}

// Stats aggregates the measurement history plus the adjustment
// counters maintained by the adaptation loop.
type Stats struct {
	MeasurementCount           int     `json:"measurement_count"`
	MeanLatencyMs              float64 `json:"mean_latency_ms"`
	MedianLatencyMs            float64 `json:"median_latency_ms"`
	StdDeviationMs             float64 `json:"std_deviation_ms"`
	MinLatencyMs               float64 `json:"min_latency_ms"`
	MaxLatencyMs               float64 `json:"max_latency_ms"`
	CurrentCompensationMs      float64 `json:"current_compensation_ms"`
	TotalCompensationAppliedMs float64 `json:"total_compensation_applied_ms"`
	CompensationAdjustments    int     `json:"compensation_adjustments"`
}

// EventType identifies a compensation event.
type EventType string

const (
	EventCompensationChanged  EventType = "compensation_changed"
	EventCompensationLimit    EventType = "compensation_limit_reached"
	EventSystemLatencyChanged EventType = "system_latency_changed"
	EventOutlierDetected      EventType = "outlier_detected"
)

// Event is emitted when compensation state changes materially.
type Event struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	TimestampUs int64     `json:"timestamp_us"`
	ValueMs     float64   `json:"value_ms"`
	Message     string    `json:"message"`
}

// EventHandler receives compensation events synchronously.
type EventHandler func(Event)

// Status is a point-in-time snapshot for reporting surfaces.
type Status struct {
	CurrentCompensationMs float64         `json:"current_compensation_ms"`
	TargetCompensationMs  float64         `json:"target_compensation_ms"`
	SystemLatencyMs       float64         `json:"system_latency_ms"`
	TotalPluginLatencyMs  float64         `json:"total_plugin_latency_ms"`
	Plugins               []PluginLatency `json:"plugins"`
	MeasurementCount      int             `json:"measurement_count"`
	OutlierCount          int             `json:"outlier_count"`
	Stats                 Stats           `json:"stats"`
}

// MsToSamples converts milliseconds to a sample count at the given rate.
func MsToSamples(ms, sampleRate float64) int64 {
	return int64(ms * sampleRate / 1000.0)
}

// SamplesToMs converts a sample count to milliseconds at the given rate.
func SamplesToMs(samples int64, sampleRate float64) float64 {
	if sampleRate <= 0 {
		return 0.0
	}
	return float64(samples) * 1000.0 / sampleRate
}
