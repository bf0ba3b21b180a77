package latency

import (
	"fmt"
	"strings"
)

// Report renders a human-readable summary of the compensation state.
func (c *compensator) Report() string {
	s := c.Status()

	var b strings.Builder
	b.WriteString("=== Latency Compensation Report ===\n")
	fmt.Fprintf(&b, "Applied compensation: %.2f ms\n", s.CurrentCompensationMs)
	fmt.Fprintf(&b, "Target compensation:  %.2f ms\n", s.TargetCompensationMs)
	fmt.Fprintf(&b, "System latency:       %.2f ms\n", s.SystemLatencyMs)
	fmt.Fprintf(&b, "Plugin latency:       %.2f ms active\n", s.TotalPluginLatencyMs)

	if len(s.Plugins) > 0 {
		b.WriteString("Plugins:\n")
		for _, p := range s.Plugins {
			state := "active"
			if p.Bypassed {
				state = "bypassed"
			}
			fmt.Fprintf(&b, "  %-20s %8.2f ms  %s\n", p.Name, p.LatencyMs, state)
		}
	}

	fmt.Fprintf(&b, "Measurements:         %d (%d outliers)\n", s.MeasurementCount, s.OutlierCount)

	if s.Stats.MeasurementCount > 0 {
		fmt.Fprintf(&b, "Latency mean/median:  %.2f / %.2f ms\n", s.Stats.MeanLatencyMs, s.Stats.MedianLatencyMs)
		fmt.Fprintf(&b, "Latency min/max:      %.2f / %.2f ms (stddev %.2f)\n",
			s.Stats.MinLatencyMs, s.Stats.MaxLatencyMs, s.Stats.StdDeviationMs)
	}
	fmt.Fprintf(&b, "Adjustments:          %d (%.2f ms applied)\n",
		s.Stats.CompensationAdjustments, s.Stats.TotalCompensationAppliedMs)

	if err := c.ValidateCompensation(); err != nil {
		fmt.Fprintf(&b, "Validation:           FAILED (%v)\n", err)
	} else {
		b.WriteString("Validation:           ok\n")
	}

	return b.String()
}
