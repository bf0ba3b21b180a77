package validator

import "fmt"

// Config controls sync validation behavior. Values can be updated at
// runtime through UpdateConfig.
type Config struct {
	SyncToleranceMs           float64
	MaxMeasurementHistory     int
	EnableAutomaticCorrection bool
	EnableLipSyncDetection    bool
	LipSyncThresholdMs        float64
	EnableQualityMonitoring   bool
	CorrectionAggression      float64
}

// DefaultConfig returns standard broadcast-style validation settings,
// with the lip sync threshold at the edge of human perception.
func DefaultConfig() Config {
	return Config{
		SyncToleranceMs:           10.0,
		MaxMeasurementHistory:     10000,
		EnableAutomaticCorrection: true,
		EnableLipSyncDetection:    true,
		LipSyncThresholdMs:        40.0,
		EnableQualityMonitoring:   true,
		CorrectionAggression:      0.5,
	}
}

func validateConfig(cfg Config) error {
	if cfg.SyncToleranceMs <= 0 {
		return fmt.Errorf("sync tolerance must be positive, got %v", cfg.SyncToleranceMs)
	}
	if cfg.MaxMeasurementHistory < 1 {
		return fmt.Errorf("measurement history must hold at least one entry, got %d", cfg.MaxMeasurementHistory)
	}
	if cfg.EnableLipSyncDetection && cfg.LipSyncThresholdMs <= 0 {
		return fmt.Errorf("lip sync threshold must be positive, got %v", cfg.LipSyncThresholdMs)
	}
	if cfg.CorrectionAggression < 0 || cfg.CorrectionAggression > 1 {
		return fmt.Errorf("correction aggression must be in [0, 1], got %v", cfg.CorrectionAggression)
	}
	return nil
}

// Measurement is a single recorded A/V offset observation.
type Measurement struct {
	TimestampUs    int64   `json:"timestamp_us"`
	OffsetMs       float64 `json:"offset_ms"`
	Confidence     float64 `json:"confidence"`
	AudioPositionS float64 `json:"audio_position_s"`
	VideoPositionS float64 `json:"video_position_s"`
}

// QualityMetrics summarizes sync quality over the measurement history.
type QualityMetrics struct {
	MeanOffsetMs      float64 `json:"mean_offset_ms"`
	MedianOffsetMs    float64 `json:"median_offset_ms"`
	StdDeviationMs    float64 `json:"std_deviation_ms"`
	MinOffsetMs       float64 `json:"min_offset_ms"`
	MaxOffsetMs       float64 `json:"max_offset_ms"`
	SyncPercentage    float64 `json:"sync_percentage"`
	DriftRateMsPerMin float64 `json:"drift_rate_ms_per_min"`
	StabilityScore    float64 `json:"stability_score"`
	LipSyncScore      float64 `json:"lip_sync_score"`
	OverallScore      float64 `json:"overall_score"`
	MeasurementCount  int     `json:"measurement_count"`
}

// EventType identifies a sync state transition.
type EventType string

const (
	EventInSync       EventType = "in_sync"
	EventOutOfSync    EventType = "out_of_sync"
	EventLipSyncIssue EventType = "lip_sync_issue"
	EventOscillation  EventType = "oscillation_detected"
)

// Event is emitted on sync state transitions and detected issues.
type Event struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	TimestampUs int64     `json:"timestamp_us"`
	OffsetMs    float64   `json:"offset_ms"`
	Message     string    `json:"message"`
}

// EventHandler receives sync events. Handlers are invoked synchronously
// from RecordMeasurement and must not block.
type EventHandler func(Event)
