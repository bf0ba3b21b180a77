package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Dark terminal palette shared by all panels.
var (
	primary   = lipgloss.Color("#FF6B35")
	secondary = lipgloss.Color("#1E88E5")
	success   = lipgloss.Color("#4CAF50")
	warning   = lipgloss.Color("#FFB74D")
	alert     = lipgloss.Color("#F44336")
	text      = lipgloss.Color("#E0E0E0")
	bright    = lipgloss.Color("#FFFFFF")
	muted     = lipgloss.Color("#90A4AE")
	panelBg   = lipgloss.Color("#161B26")
	headerBg  = lipgloss.Color("#1C2128")
	border    = lipgloss.Color("#30363D")
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(bright).
			Background(headerBg).
			Padding(0, 2).
			Bold(true).
			Align(lipgloss.Center).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primary)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(border).
			Background(panelBg).
			Foreground(text).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Foreground(primary).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(muted)

	valueStyle = lipgloss.NewStyle().
			Foreground(bright).
			Bold(true)

	goodStyle = lipgloss.NewStyle().
			Foreground(success).
			Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(warning).
			Bold(true)

	badStyle = lipgloss.NewStyle().
			Foreground(alert).
			Bold(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(secondary).
			Bold(true)

	footerStyle = lipgloss.NewStyle().
			Foreground(muted).
			Padding(0, 1)
)

// engineStatus mirrors the GET /api/v1/status response.
type engineStatus struct {
	Running        bool    `json:"running"`
	MasterTimeUs   int64   `json:"master_time_us"`
	AudioPositionS float64 `json:"audio_position_s"`
	VideoPositionS float64 `json:"video_position_s"`
	PresentationS  float64 `json:"presentation_s"`
	PlaybackRate   float64 `json:"playback_rate"`
	AVOffsetMs     float64 `json:"av_offset_ms"`
	InSync         bool    `json:"in_sync"`
	Drift          struct {
		AccumulatedDriftMs float64 `json:"accumulated_drift_ms"`
		CorrectionActive   bool    `json:"correction_active"`
		DriftRateMsPerSec  float64 `json:"drift_rate_ms_per_sec"`
	} `json:"drift"`
	ClockMetrics struct {
		MeanOffsetMs    float64 `json:"mean_offset_ms"`
		ConfidenceScore float64 `json:"confidence_score"`
	} `json:"clock_metrics"`
	MeasurementCount int     `json:"measurement_count"`
	CorrectionMs     float64 `json:"correction_recommendation_ms"`
	Latency          struct {
		CurrentCompensationMs float64 `json:"current_compensation_ms"`
		TargetCompensationMs  float64 `json:"target_compensation_ms"`
		SystemLatencyMs       float64 `json:"system_latency_ms"`
		TotalPluginLatencyMs  float64 `json:"total_plugin_latency_ms"`
		Plugins               []struct {
			Name      string  `json:"name"`
			LatencyMs float64 `json:"latency_ms"`
			Bypassed  bool    `json:"bypassed"`
		} `json:"plugins"`
		OutlierCount int `json:"outlier_count"`
	} `json:"latency"`
}

// qualityStats mirrors the GET /api/v1/quality response.
type qualityStats struct {
	MeanOffsetMs      float64 `json:"mean_offset_ms"`
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

type tickMsg time.Time

type statsMsg struct {
	status  engineStatus
	quality qualityStats
	err     error
}

type model struct {
	baseURL  string
	client   *http.Client
	interval time.Duration

	status   engineStatus
	quality  qualityStats
	fetchErr error
	updated  time.Time
	history  []float64

	width    int
	height   int
	quitting bool
}

func newModel(baseURL string, interval time.Duration) model {
	return model{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: 2 * time.Second},
		interval: interval,
		history:  make([]float64, 0, 60),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		tickEvery(m.interval),
		fetchStats(m.client, m.baseURL),
	)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetchStats(m.client, m.baseURL)
		}

	case tickMsg:
		if m.quitting {
			return m, nil
		}
		return m, tea.Batch(
			tickEvery(m.interval),
			fetchStats(m.client, m.baseURL),
		)

	case statsMsg:
		m.fetchErr = msg.err
		if msg.err == nil {
			m.status = msg.status
			m.quality = msg.quality
			m.updated = time.Now()
			m.history = append(m.history, msg.status.AVOffsetMs)
			if len(m.history) > 60 {
				m.history = m.history[len(m.history)-60:]
			}
		}
		return m, nil
	}

	return m, nil
}

func (m model) View() string {
	if m.quitting {
		return "Shutting down monitor...\n"
	}

	width := m.width
	if width == 0 {
		width = 100
	}
	panelWidth := (width - 6) / 2
	if panelWidth < 36 {
		panelWidth = 36
	}

	header := headerStyle.Width(width - 2).Render("LOCKSTEP SYNC MONITOR")

	var sections []string
	sections = append(sections, header)

	if m.fetchErr != nil {
		sections = append(sections, panelStyle.Width(width-2).Render(
			badStyle.Render("CONNECTION LOST ")+
				labelStyle.Render(m.fetchErr.Error())))
	}

	top := lipgloss.JoinHorizontal(lipgloss.Top,
		m.clockPanel(panelWidth),
		m.qualityPanel(panelWidth),
	)
	bottom := lipgloss.JoinHorizontal(lipgloss.Top,
		m.latencyPanel(panelWidth),
		m.offsetPanel(panelWidth),
	)
	sections = append(sections, top, bottom)

	footer := footerStyle.Render(fmt.Sprintf(
		"%s  •  q quit  •  r refresh  •  updated %s",
		m.baseURL, m.lastUpdate()))
	sections = append(sections, footer)

	return lipgloss.JoinVertical(lipgloss.Left, sections...) + "\n"
}

func (m model) lastUpdate() string {
	if m.updated.IsZero() {
		return "never"
	}
	return m.updated.Format("15:04:05")
}

func (m model) clockPanel(width int) string {
	s := m.status

	state := badStyle.Render("STOPPED")
	if s.Running {
		state = goodStyle.Render("RUNNING")
	}
	sync := badStyle.Render("OUT OF SYNC")
	if s.InSync {
		sync = goodStyle.Render("IN SYNC")
	}
	correction := labelStyle.Render("idle")
	if s.Drift.CorrectionActive {
		correction = warnStyle.Render("correcting")
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("MASTER CLOCK") + "\n\n")
	b.WriteString(row("State", state))
	b.WriteString(row("Sync", sync))
	b.WriteString(row("Master time", valueStyle.Render(formatMasterTime(s.MasterTimeUs))))
	b.WriteString(row("Audio pos", valueStyle.Render(fmt.Sprintf("%.3f s", s.AudioPositionS))))
	b.WriteString(row("Video pos", valueStyle.Render(fmt.Sprintf("%.3f s", s.VideoPositionS))))
	b.WriteString(row("Presentation", valueStyle.Render(fmt.Sprintf("%.3f s", s.PresentationS))))
	b.WriteString(row("Rate", infoStyle.Render(fmt.Sprintf("%.2fx", s.PlaybackRate))))
	b.WriteString(row("Drift accum", offsetStyle(s.Drift.AccumulatedDriftMs).Render(fmt.Sprintf("%+.2f ms", s.Drift.AccumulatedDriftMs))))
	b.WriteString(row("Correction", correction))

	return panelStyle.Width(width).Render(b.String())
}

func (m model) qualityPanel(width int) string {
	q := m.quality

	var b strings.Builder
	b.WriteString(titleStyle.Render("SYNC QUALITY") + "\n\n")
	b.WriteString(row("Overall", scoreBar(q.OverallScore, 18)))
	b.WriteString(row("Lip sync", scoreBar(q.LipSyncScore, 18)))
	b.WriteString(row("Stability", scoreBar(q.StabilityScore, 18)))
	b.WriteString(row("In-sync pct", valueStyle.Render(fmt.Sprintf("%.1f%%", q.SyncPercentage))))
	b.WriteString(row("Mean offset", offsetStyle(q.MeanOffsetMs).Render(fmt.Sprintf("%+.2f ms", q.MeanOffsetMs))))
	b.WriteString(row("Std dev", valueStyle.Render(fmt.Sprintf("%.2f ms", q.StdDeviationMs))))
	b.WriteString(row("Range", labelStyle.Render(fmt.Sprintf("%+.1f .. %+.1f ms", q.MinOffsetMs, q.MaxOffsetMs))))
	b.WriteString(row("Drift rate", valueStyle.Render(fmt.Sprintf("%+.2f ms/min", q.DriftRateMsPerMin))))
	b.WriteString(row("Samples", labelStyle.Render(fmt.Sprintf("%d", q.MeasurementCount))))

	return panelStyle.Width(width).Render(b.String())
}

func (m model) latencyPanel(width int) string {
	l := m.status.Latency

	var b strings.Builder
	b.WriteString(titleStyle.Render("LATENCY COMPENSATION") + "\n\n")
	b.WriteString(row("Applied", valueStyle.Render(fmt.Sprintf("%.2f ms", l.CurrentCompensationMs))))
	b.WriteString(row("Target", infoStyle.Render(fmt.Sprintf("%.2f ms", l.TargetCompensationMs))))
	b.WriteString(row("System", valueStyle.Render(fmt.Sprintf("%.2f ms", l.SystemLatencyMs))))
	b.WriteString(row("Plugins total", valueStyle.Render(fmt.Sprintf("%.2f ms", l.TotalPluginLatencyMs))))
	b.WriteString(row("Outliers", warnIfPositive(l.OutlierCount)))

	if len(l.Plugins) > 0 {
		b.WriteString("\n" + labelStyle.Render("Plugins:") + "\n")
		for _, p := range l.Plugins {
			line := fmt.Sprintf("  %-16s %7.2f ms", p.Name, p.LatencyMs)
			if p.Bypassed {
				b.WriteString(labelStyle.Render(line+" (bypassed)") + "\n")
			} else {
				b.WriteString(valueStyle.Render(line) + "\n")
			}
		}
	}

	return panelStyle.Width(width).Render(b.String())
}

func (m model) offsetPanel(width int) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("A/V OFFSET") + "\n\n")
	b.WriteString(row("Current", offsetStyle(m.status.AVOffsetMs).Render(fmt.Sprintf("%+.2f ms", m.status.AVOffsetMs))))
	b.WriteString(row("Recommended", infoStyle.Render(fmt.Sprintf("%+.2f ms", m.status.CorrectionMs))))
	b.WriteString(row("Confidence", valueStyle.Render(fmt.Sprintf("%.2f", m.status.ClockMetrics.ConfidenceScore))))
	b.WriteString("\n" + sparkline(m.history, width-6) + "\n")

	return panelStyle.Width(width).Render(b.String())
}

func row(label string, value string) string {
	return fmt.Sprintf("%s %s\n", labelStyle.Render(fmt.Sprintf("%-14s", label)), value)
}

func warnIfPositive(n int) string {
	if n > 0 {
		return warnStyle.Render(fmt.Sprintf("%d", n))
	}
	return valueStyle.Render("0")
}

// offsetStyle colors an offset by lip-sync severity.
func offsetStyle(offsetMs float64) lipgloss.Style {
	abs := offsetMs
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs <= 10:
		return goodStyle
	case abs <= 40:
		return warnStyle
	default:
		return badStyle
	}
}

// scoreBar renders a 0..1 score as a colored bar with the numeric value.
func scoreBar(score float64, width int) string {
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	filled := int(score*float64(width) + 0.5)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)

	style := badStyle
	switch {
	case score >= 0.75:
		style = goodStyle
	case score >= 0.5:
		style = warnStyle
	}
	return style.Render(bar) + " " + valueStyle.Render(fmt.Sprintf("%.2f", score))
}

// sparkline plots recent offsets scaled to the largest absolute value seen.
func sparkline(values []float64, width int) string {
	if len(values) == 0 {
		return labelStyle.Render("collecting samples...")
	}
	if width < 10 {
		width = 10
	}
	if len(values) > width {
		values = values[len(values)-width:]
	}

	maxAbs := 1.0
	for _, v := range values {
		if v > maxAbs {
			maxAbs = v
		}
		if -v > maxAbs {
			maxAbs = -v
		}
	}

	ticks := []rune("▁▂▃▄▅▆▇█")
	var b strings.Builder
	for _, v := range values {
		norm := (v + maxAbs) / (2 * maxAbs)
		idx := int(norm * float64(len(ticks)-1))
		if idx < 0 {
			idx = 0
		}
		if idx >= len(ticks) {
			idx = len(ticks) - 1
		}
		b.WriteRune(ticks[idx])
	}
	return infoStyle.Render(b.String()) + labelStyle.Render(fmt.Sprintf("  ±%.1f ms", maxAbs))
}

func formatMasterTime(us int64) string {
	d := time.Duration(us) * time.Microsecond
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	ms := int(d.Milliseconds()) % 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}

func tickEvery(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchStats(client *http.Client, baseURL string) tea.Cmd {
	return func() tea.Msg {
		var msg statsMsg
		if err := getJSON(client, baseURL+"/api/v1/status", &msg.status); err != nil {
			msg.err = err
			return msg
		}
		if err := getJSON(client, baseURL+"/api/v1/quality", &msg.quality); err != nil {
			msg.err = err
			return msg
		}
		return msg
	}
}

func getJSON(client *http.Client, url string, out interface{}) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8080", "Base URL of the sync engine API")
	interval := flag.Duration("interval", 500*time.Millisecond, "Refresh interval")
	flag.Parse()

	p := tea.NewProgram(newModel(*addr, *interval), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "sync-monitor: %v\n", err)
		os.Exit(1)
	}
}
