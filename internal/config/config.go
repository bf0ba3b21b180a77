package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Clock       ClockConfig       `mapstructure:"clock"`
	Validator   ValidatorConfig   `mapstructure:"validator"`
	Compensator CompensatorConfig `mapstructure:"compensator"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
}

type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	StatusTTL    time.Duration `mapstructure:"status_ttl"`
	PublishEvery time.Duration `mapstructure:"publish_every"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json or text
	Output     string `mapstructure:"output"` // stdout, stderr, or file path
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Port    int    `mapstructure:"port"`
}

// ClockConfig configures the audio-driven master clock.
type ClockConfig struct {
	SampleRate              float64 `mapstructure:"sample_rate"`
	BufferSize              uint32  `mapstructure:"buffer_size"`
	DriftToleranceMs        float64 `mapstructure:"drift_tolerance_ms"`
	CorrectionSpeed         float64 `mapstructure:"correction_speed"`
	EnableDriftCompensation bool    `mapstructure:"enable_drift_compensation"`
	EnableQualityMonitoring bool    `mapstructure:"enable_quality_monitoring"`
}

// ValidatorConfig configures the independent sync quality validator.
type ValidatorConfig struct {
	SyncToleranceMs           float64       `mapstructure:"sync_tolerance_ms"`
	MeasurementInterval       time.Duration `mapstructure:"measurement_interval"`
	MaxMeasurementHistory     int           `mapstructure:"max_measurement_history"`
	EnableAutomaticCorrection bool          `mapstructure:"enable_automatic_correction"`
	EnableLipSyncDetection    bool          `mapstructure:"enable_lip_sync_detection"`
	LipSyncThresholdMs        float64       `mapstructure:"lip_sync_threshold_ms"`
	EnableQualityMonitoring   bool          `mapstructure:"enable_quality_monitoring"`
	CorrectionAggression      float64       `mapstructure:"correction_aggression"`
}

// CompensatorConfig configures the latency compensation system.
type CompensatorConfig struct {
	MaxCompensationMs               float64       `mapstructure:"max_compensation_ms"`
	MeasurementInterval             time.Duration `mapstructure:"measurement_interval"`
	AdaptationSpeed                 float64       `mapstructure:"adaptation_speed"`
	EnablePDC                       bool          `mapstructure:"enable_pdc"`
	PDCLookaheadMs                  float64       `mapstructure:"pdc_lookahead_ms"`
	PDCToleranceMs                  float64       `mapstructure:"pdc_tolerance_ms"`
	EnableSystemLatencyCompensation bool          `mapstructure:"enable_system_latency_compensation"`
	SystemLatencyMs                 float64       `mapstructure:"system_latency_ms"`
	AutoDetectSystemLatency         bool          `mapstructure:"auto_detect_system_latency"`
	MeasurementHistorySize          int           `mapstructure:"measurement_history_size"`
	OutlierThreshold                float64       `mapstructure:"outlier_threshold"`
	EnablePredictiveCompensation    bool          `mapstructure:"enable_predictive_compensation"`
}

// PipelineConfig configures the playback integration harness.
type PipelineConfig struct {
	DemoMode        bool          `mapstructure:"demo_mode"`
	AudioBufferSize int           `mapstructure:"audio_buffer_size"`
	FrameInterval   time.Duration `mapstructure:"frame_interval"`
	ExportDir       string        `mapstructure:"export_dir"`
	DemoDriftPPM    float64       `mapstructure:"demo_drift_ppm"`
	DemoJitterMs    float64       `mapstructure:"demo_jitter_ms"`
}

func Load(configPath string) (*Config, error) {
	viper.SetConfigType("yaml")
	viper.SetConfigFile(configPath)

	// Environment variable override
	viper.SetEnvPrefix("LOCKSTEP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults(nil)

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration populated with defaults only, without
// reading a file. Used by tests and library consumers that configure the
// engine programmatically.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Defaults are static; unmarshal cannot fail on them.
		panic(fmt.Sprintf("config defaults are invalid: %v", err))
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	set := viper.SetDefault
	if v != nil {
		set = v.SetDefault
	}

	// Server defaults
	set("server.listen_addr", "0.0.0.0")
	set("server.port", 8080)
	set("server.read_timeout", "30s")
	set("server.write_timeout", "30s")
	set("server.shutdown_timeout", "10s")

	// Redis defaults
	set("redis.enabled", false)
	set("redis.addr", "localhost:6379")
	set("redis.db", 0)
	set("redis.max_retries", 3)
	set("redis.dial_timeout", "5s")
	set("redis.read_timeout", "3s")
	set("redis.write_timeout", "3s")
	set("redis.status_ttl", "30s")
	set("redis.publish_every", "5s")

	// Logging defaults
	set("logging.level", "info")
	set("logging.format", "json")
	set("logging.output", "stdout")
	set("logging.max_size", 100)
	set("logging.max_backups", 5)
	set("logging.max_age", 30)

	// Metrics defaults
	set("metrics.enabled", true)
	set("metrics.path", "/metrics")
	set("metrics.port", 9090)

	// Master clock defaults
	set("clock.sample_rate", 48000.0)
	set("clock.buffer_size", 1024)
	set("clock.drift_tolerance_ms", 5.0)
	set("clock.correction_speed", 0.1)
	set("clock.enable_drift_compensation", true)
	set("clock.enable_quality_monitoring", true)

	// Sync validator defaults
	set("validator.sync_tolerance_ms", 10.0)
	set("validator.measurement_interval", "100ms")
	set("validator.max_measurement_history", 10000)
	set("validator.enable_automatic_correction", true)
	set("validator.enable_lip_sync_detection", true)
	set("validator.lip_sync_threshold_ms", 40.0)
	set("validator.enable_quality_monitoring", true)
	set("validator.correction_aggression", 0.5)

	// Latency compensator defaults
	set("compensator.max_compensation_ms", 100.0)
	set("compensator.measurement_interval", "50ms")
	set("compensator.adaptation_speed", 0.1)
	set("compensator.enable_pdc", true)
	set("compensator.pdc_lookahead_ms", 10.0)
	set("compensator.pdc_tolerance_ms", 1.0)
	set("compensator.enable_system_latency_compensation", true)
	set("compensator.system_latency_ms", 20.0)
	set("compensator.auto_detect_system_latency", true)
	set("compensator.measurement_history_size", 100)
	set("compensator.outlier_threshold", 2.0)
	set("compensator.enable_predictive_compensation", true)

	// Pipeline defaults
	set("pipeline.demo_mode", false)
	set("pipeline.audio_buffer_size", 1024)
	set("pipeline.frame_interval", "33ms")
	set("pipeline.export_dir", "/var/lib/lockstep/exports")
	set("pipeline.demo_drift_ppm", 200.0)
	set("pipeline.demo_jitter_ms", 1.0)
}
