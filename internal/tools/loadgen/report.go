package loadgen

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(18)
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// Render formats a run result for the terminal.
func Render(cfg Config, res *Result) string {
	cfg = normalize(cfg)
	var b strings.Builder
	b.WriteString(titleStyle.Render("wirepulse loadgen"))
	b.WriteString("\n")

	row := func(label, value string) {
		b.WriteString(labelStyle.Render(label))
		b.WriteString(valueStyle.Render(value))
		b.WriteString("\n")
	}
	row("target", cfg.URL)
	row("sessions", fmt.Sprintf("%d connected, %d failed", res.Dialed, res.DialFailures))
	row("mutations", fmt.Sprintf("%d sent, %d answered", res.Mutations, res.Responses))
	row("updates", fmt.Sprintf("%d invalidation pushes", res.Updates))
	if res.Errors > 0 {
		b.WriteString(labelStyle.Render("errors"))
		b.WriteString(warnStyle.Render(fmt.Sprintf("%d", res.Errors)))
		b.WriteString("\n")
	}
	row("latency p50", fmtDuration(res.P50))
	row("latency p95", fmtDuration(res.P95))
	row("latency max", fmtDuration(res.Max))

	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}

func fmtDuration(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return d.Round(100 * time.Microsecond).String()
}
