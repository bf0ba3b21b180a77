package config

import (
	"fmt"
	"strings"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if err := c.Server.validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server: %v", err))
	}
	if err := c.Logging.validate(); err != nil {
		errs = append(errs, fmt.Sprintf("logging: %v", err))
	}
	if err := c.Clock.validate(); err != nil {
		errs = append(errs, fmt.Sprintf("clock: %v", err))
	}
	if err := c.Validator.validate(); err != nil {
		errs = append(errs, fmt.Sprintf("validator: %v", err))
	}
	if err := c.Compensator.validate(); err != nil {
		errs = append(errs, fmt.Sprintf("compensator: %v", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *ServerConfig) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	return nil
}

func (c *LoggingConfig) validate() error {
	switch c.Level {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic":
	default:
		return fmt.Errorf("invalid log level: %s", c.Level)
	}
	if c.Format != "json" && c.Format != "text" {
		return fmt.Errorf("invalid log format: %s", c.Format)
	}
	return nil
}

func (c *ClockConfig) validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %v", c.SampleRate)
	}
	if c.BufferSize == 0 {
		return fmt.Errorf("buffer_size must be positive")
	}
	if c.DriftToleranceMs <= 0 {
		return fmt.Errorf("drift_tolerance_ms must be positive, got %v", c.DriftToleranceMs)
	}
	if c.CorrectionSpeed <= 0 || c.CorrectionSpeed >= 1 {
		return fmt.Errorf("correction_speed must be in (0,1), got %v", c.CorrectionSpeed)
	}
	return nil
}

func (c *ValidatorConfig) validate() error {
	if c.SyncToleranceMs <= 0 {
		return fmt.Errorf("sync_tolerance_ms must be positive, got %v", c.SyncToleranceMs)
	}
	if c.MaxMeasurementHistory < 1 {
		return fmt.Errorf("max_measurement_history must be at least 1, got %d", c.MaxMeasurementHistory)
	}
	if c.LipSyncThresholdMs <= 0 {
		return fmt.Errorf("lip_sync_threshold_ms must be positive, got %v", c.LipSyncThresholdMs)
	}
	if c.CorrectionAggression < 0 || c.CorrectionAggression > 1 {
		return fmt.Errorf("correction_aggression must be in [0,1], got %v", c.CorrectionAggression)
	}
	return nil
}

func (c *CompensatorConfig) validate() error {
	if c.MaxCompensationMs <= 0 {
		return fmt.Errorf("max_compensation_ms must be positive, got %v", c.MaxCompensationMs)
	}
	if c.AdaptationSpeed <= 0 || c.AdaptationSpeed > 1 {
		return fmt.Errorf("adaptation_speed must be in (0,1], got %v", c.AdaptationSpeed)
	}
	if c.PDCLookaheadMs < 0 {
		return fmt.Errorf("pdc_lookahead_ms must be non-negative, got %v", c.PDCLookaheadMs)
	}
	if c.SystemLatencyMs < 0 {
		return fmt.Errorf("system_latency_ms must be non-negative, got %v", c.SystemLatencyMs)
	}
	if c.MeasurementHistorySize < 1 {
		return fmt.Errorf("measurement_history_size must be at least 1, got %d", c.MeasurementHistorySize)
	}
	if c.OutlierThreshold <= 0 {
		return fmt.Errorf("outlier_threshold must be positive, got %v", c.OutlierThreshold)
	}
	return nil
}
