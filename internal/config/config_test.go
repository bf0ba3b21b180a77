package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NotNil(t, cfg)

	assert.Equal(t, 48000.0, cfg.Clock.SampleRate)
	assert.Equal(t, uint32(1024), cfg.Clock.BufferSize)
	assert.Equal(t, 5.0, cfg.Clock.DriftToleranceMs)
	assert.Equal(t, 0.1, cfg.Clock.CorrectionSpeed)
	assert.True(t, cfg.Clock.EnableDriftCompensation)
	assert.True(t, cfg.Clock.EnableQualityMonitoring)

	assert.Equal(t, 10.0, cfg.Validator.SyncToleranceMs)
	assert.Equal(t, 10000, cfg.Validator.MaxMeasurementHistory)
	assert.Equal(t, 40.0, cfg.Validator.LipSyncThresholdMs)
	assert.Equal(t, 0.5, cfg.Validator.CorrectionAggression)
	assert.Equal(t, 100*time.Millisecond, cfg.Validator.MeasurementInterval)

	assert.Equal(t, 100.0, cfg.Compensator.MaxCompensationMs)
	assert.Equal(t, 0.1, cfg.Compensator.AdaptationSpeed)
	assert.Equal(t, 10.0, cfg.Compensator.PDCLookaheadMs)
	assert.Equal(t, 20.0, cfg.Compensator.SystemLatencyMs)
	assert.Equal(t, 100, cfg.Compensator.MeasurementHistorySize)
	assert.Equal(t, 2.0, cfg.Compensator.OutlierThreshold)

	require.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	t.Run("valid config file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		content := `
logging:
  level: debug
  format: text
clock:
  sample_rate: 44100
  drift_tolerance_ms: 8
validator:
  sync_tolerance_ms: 15
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, 44100.0, cfg.Clock.SampleRate)
		assert.Equal(t, 8.0, cfg.Clock.DriftToleranceMs)
		assert.Equal(t, 15.0, cfg.Validator.SyncToleranceMs)
		// Untouched values fall back to defaults
		assert.Equal(t, 0.1, cfg.Clock.CorrectionSpeed)
		assert.Equal(t, 40.0, cfg.Validator.LipSyncThresholdMs)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load("/nonexistent/config.yaml")
		assert.Error(t, err)
	})

	t.Run("invalid values rejected", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		content := `
clock:
  correction_speed: 2.0
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "correction_speed")
	})
}
