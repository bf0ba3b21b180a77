package validator

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/zsiec/lockstep/internal/errors"
)

// csvHeader is the fixed export column layout. External tooling parses
// this header, keep it stable.
var csvHeader = []string{"Timestamp_us", "Offset_ms", "Confidence", "Audio_Position_s", "Video_Position_s"}

// ExportCSV writes the full measurement history as CSV, oldest first.
func (v *syncValidator) ExportCSV(w io.Writer) error {
	history := v.Snapshot()

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return errors.WrapInternalError(err, "csv export")
	}

	for _, m := range history {
		row := []string{
			strconv.FormatInt(m.TimestampUs, 10),
			fmt.Sprintf("%.3f", m.OffsetMs),
			fmt.Sprintf("%.2f", m.Confidence),
			fmt.Sprintf("%.6f", m.AudioPositionS),
			fmt.Sprintf("%.6f", m.VideoPositionS),
		}
		if err := cw.Write(row); err != nil {
			return errors.WrapInternalError(err, "csv export")
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return errors.WrapInternalError(err, "csv export")
	}

	v.log.WithField("measurements", len(history)).Info("Measurement history exported")
	return nil
}

// GenerateQualityReport renders a human-readable summary of the current
// quality metrics.
func (v *syncValidator) GenerateQualityReport() string {
	q := v.QualityMetrics()
	cfg := v.Config()

	var b strings.Builder
	b.WriteString("=== A/V Sync Quality Report ===\n")
	fmt.Fprintf(&b, "Measurements:      %d\n", q.MeasurementCount)

	if q.MeasurementCount == 0 {
		b.WriteString("No measurements recorded yet.\n")
		return b.String()
	}

	fmt.Fprintf(&b, "Mean offset:       %.3f ms\n", q.MeanOffsetMs)
	fmt.Fprintf(&b, "Median offset:     %.3f ms\n", q.MedianOffsetMs)
	fmt.Fprintf(&b, "Std deviation:     %.3f ms\n", q.StdDeviationMs)
	fmt.Fprintf(&b, "Offset range:      [%.3f, %.3f] ms\n", q.MinOffsetMs, q.MaxOffsetMs)
	fmt.Fprintf(&b, "In sync:           %.1f%% (tolerance %.1f ms)\n", q.SyncPercentage, cfg.SyncToleranceMs)
	fmt.Fprintf(&b, "Drift rate:        %.3f ms/min\n", q.DriftRateMsPerMin)
	fmt.Fprintf(&b, "Stability:         %.2f\n", q.StabilityScore)
	fmt.Fprintf(&b, "Lip sync score:    %.2f\n", q.LipSyncScore)
	fmt.Fprintf(&b, "Overall quality:   %.2f (%s)\n", q.OverallScore, qualityGrade(q.OverallScore))

	return b.String()
}

func qualityGrade(score float64) string {
	switch {
	case score >= 0.9:
		return "excellent"
	case score >= 0.75:
		return "good"
	case score >= 0.5:
		return "fair"
	default:
		return "poor"
	}
}
