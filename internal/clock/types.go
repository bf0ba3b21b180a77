package clock

// DriftState captures the drift compensation bookkeeping. Mutated only by the
// master clock under its drift mutex; exposed as a copy.
type DriftState struct {
	AccumulatedDriftMs   float64 `json:"accumulated_drift_ms"`
	LastCorrectionTimeUs int64   `json:"last_correction_time_us"`
	CorrectionActive     bool    `json:"correction_active"`
	DriftRateMsPerSec    float64 `json:"drift_rate_ms_per_sec"`
}

// SyncMetrics is the master clock's own rolling view of A/V offset quality,
// folded incrementally from reported video positions. The sync validator keeps
// an independent measurement series; the two deliberately do not share state.
type SyncMetrics struct {
	MeanOffsetMs      float64 `json:"mean_offset_ms"`
	MaxOffsetMs       float64 `json:"max_offset_ms"`
	MinOffsetMs       float64 `json:"min_offset_ms"`
	DriftRateMsPerMin float64 `json:"drift_rate_ms_per_min"`
	MeasurementCount  int64   `json:"measurement_count"`
	ConfidenceScore   float64 `json:"confidence_score"`
}

// Config holds master clock configuration.
type Config struct {
	SampleRate              float64 // Audio sample rate in Hz
	BufferSize              uint32  // Audio buffer size in samples
	DriftToleranceMs        float64 // Offset beyond which correction engages
	CorrectionSpeed         float64 // Fraction of offset corrected per update (0-1)
	EnableDriftCompensation bool
	EnableQualityMonitoring bool
}

// DefaultConfig returns the default master clock configuration.
func DefaultConfig() Config {
	return Config{
		SampleRate:              48000.0,
		BufferSize:              1024,
		DriftToleranceMs:        5.0,
		CorrectionSpeed:         0.1,
		EnableDriftCompensation: true,
		EnableQualityMonitoring: true,
	}
}
