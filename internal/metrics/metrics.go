package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Synchronization metrics
	avOffset = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sync_av_offset_milliseconds",
		Help: "Current audio/video offset in milliseconds (positive = video ahead)",
	}, []string{"observer"})

	accumulatedDrift = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_accumulated_drift_milliseconds",
		Help: "Accumulated drift correction in milliseconds",
	})

	masterTime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_master_time_seconds",
		Help: "Current master clock time in seconds",
	})

	playbackRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_playback_rate",
		Help: "Current playback rate multiplier",
	})

	syncQualityScore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_quality_score",
		Help: "Overall sync quality score (0.0 to 1.0)",
	})

	lipSyncScore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_lip_sync_score",
		Help: "Lip sync quality score (0.0 to 1.0)",
	})

	measurementsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_measurements_total",
		Help: "Total sync offset measurements recorded",
	})

	syncEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_events_total",
		Help: "Total sync state transition events",
	}, []string{"event_type"})

	// Latency compensation metrics
	currentCompensation = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "latency_compensation_milliseconds",
		Help: "Current latency compensation in milliseconds",
	})

	targetCompensation = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "latency_compensation_target_milliseconds",
		Help: "Target latency compensation in milliseconds",
	})

	systemLatency = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "latency_system_milliseconds",
		Help: "Measured system audio latency in milliseconds",
	})

	pluginLatency = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "latency_plugin_milliseconds",
		Help: "Reported latency per registered plugin in milliseconds",
	}, []string{"plugin"})

	compensationEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "latency_compensation_events_total",
		Help: "Total latency compensation events",
	}, []string{"event_type"})

	outliersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "latency_measurement_outliers_total",
		Help: "Total latency measurements flagged as statistical outliers",
	})

	// HTTP server metrics
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// SetAVOffset records the current A/V offset as seen by one observer
// (the clock or the validator measure it independently).
func SetAVOffset(observer string, offsetMs float64) {
	avOffset.WithLabelValues(observer).Set(offsetMs)
}

// SetAccumulatedDrift records the current accumulated drift correction.
func SetAccumulatedDrift(driftMs float64) {
	accumulatedDrift.Set(driftMs)
}

// SetMasterTime records the current master clock position.
func SetMasterTime(seconds float64) {
	masterTime.Set(seconds)
}

// SetPlaybackRate records the current playback rate.
func SetPlaybackRate(rate float64) {
	playbackRate.Set(rate)
}

// SetQualityScores records the overall and lip-sync quality scores.
func SetQualityScores(overall, lipSync float64) {
	syncQualityScore.Set(overall)
	lipSyncScore.Set(lipSync)
}

// IncrementMeasurements counts one recorded offset measurement.
func IncrementMeasurements() {
	measurementsTotal.Inc()
}

// IncrementSyncEvent counts a sync state transition of the given type.
func IncrementSyncEvent(eventType string) {
	syncEventsTotal.WithLabelValues(eventType).Inc()
}

// SetCompensation records the live and target compensation values.
func SetCompensation(currentMs, targetMs float64) {
	currentCompensation.Set(currentMs)
	targetCompensation.Set(targetMs)
}

// SetSystemLatency records the measured system latency.
func SetSystemLatency(latencyMs float64) {
	systemLatency.Set(latencyMs)
}

// SetPluginLatency records the reported latency for one plugin.
func SetPluginLatency(plugin string, latencyMs float64) {
	pluginLatency.WithLabelValues(plugin).Set(latencyMs)
}

// RemovePluginLatency drops the gauge series for an unregistered plugin.
func RemovePluginLatency(plugin string) {
	pluginLatency.DeleteLabelValues(plugin)
}

// IncrementCompensationEvent counts a compensation event of the given type.
func IncrementCompensationEvent(eventType string) {
	compensationEventsTotal.WithLabelValues(eventType).Inc()
}

// IncrementOutliers counts one latency measurement flagged as an outlier.
func IncrementOutliers() {
	outliersTotal.Inc()
}

// RecordHTTPRequest records one completed HTTP request.
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
