package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"igoutreach/pkg/models"
)

// View renders the dashboard
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	sections := []string{m.renderHeader()}

	if !m.loaded {
		sections = append(sections, panelStyle.Width(m.width-4).Render(m.spinner.View()+" Loading "+m.tenant))
	} else {
		width := (m.width - 4) / 2
		left := lipgloss.JoinVertical(lipgloss.Left,
			m.renderStatsPanel(width),
			m.renderQuotaPanel(width),
			m.renderScrapePanel(width),
		)
		right := lipgloss.JoinVertical(lipgloss.Left,
			m.renderRecentPanel(width),
			m.renderLogsPanel(width),
		)
		sections = append(sections, lipgloss.JoinHorizontal(lipgloss.Top, left, "  ", right))
	}

	if m.showHelp {
		sections = append(sections, m.renderHelp())
	} else {
		sections = append(sections, helpStyle.Render("p pause/resume • r refresh • q quit • ? help"))
	}

	return baseStyle.Width(m.width).Render(
		lipgloss.JoinVertical(lipgloss.Left, sections...),
	)
}

func (m Model) renderHeader() string {
	state := successStyle.Render("RUNNING")
	if m.status.Paused {
		state = warningStyle.Render("PAUSED")
	}
	line := fmt.Sprintf("igoutreach  %s  %s", statsValueStyle.Render(m.tenant), state)
	if !m.lastUpdate.IsZero() {
		line += dimStyle.Render("  updated " + m.lastUpdate.Format("15:04:05"))
	}
	if m.lastErr != nil {
		line += "  " + errorStyle.Render("stale")
	}
	return headerStyle.Render(line)
}

func (m Model) renderStatsPanel(width int) string {
	title := titleStyle.Render(" TODAY ")
	st := m.status

	rows := []string{
		stat("Sent today:", fmt.Sprintf("%d", st.Today.Sent)),
		stat("Failed today:", fmt.Sprintf("%d", st.Today.Failed)),
		stat("Last hour:", fmt.Sprintf("%d", st.LastHour)),
		stat("Remaining:", fmt.Sprintf("%d", maxInt(st.Remaining, 0))),
		stat("Total sent:", fmt.Sprintf("%d", st.TotalSent)),
		stat("Total failed:", fmt.Sprintf("%d", st.TotalFailed)),
	}
	if st.Limited != "" {
		msg := "Limited: " + string(st.Limited)
		if st.RetryAt != nil {
			msg += " until " + st.RetryAt.UTC().Format("15:04 MST")
		}
		rows = append(rows, warningStyle.Render(msg))
	}
	if cp := st.Checkpoint; cp != nil {
		rows = append(rows, stat("Loop:", fmt.Sprintf("%s %d/%d", cp.State, cp.Position, cp.Total)))
		if cp.CurrentTarget != "" {
			rows = append(rows, stat("Target:", "@"+cp.CurrentTarget))
		}
		if !cp.NextActionAt.IsZero() {
			rows = append(rows, stat("Next action in:", formatDuration(cp.NextActionAt.Sub(m.now()))))
		}
	}

	return panelStyle.Width(width).Render(
		lipgloss.JoinVertical(lipgloss.Left, title, strings.Join(rows, "\n")),
	)
}

func (m Model) renderQuotaPanel(width int) string {
	title := titleStyle.Render(" QUOTA ")
	st := m.status

	barWidth := width - 8
	if barWidth < 10 {
		barWidth = 10
	}
	m.dailyBar.Width = barWidth
	m.hourlyBar.Width = barWidth

	daily := usage(st.Today.Sent, st.DailyLimit)
	hourly := usage(st.LastHour, st.HourlyLimit)

	rows := []string{
		stat("Daily:", GetRateLimitStyle(daily*100).Render(fmt.Sprintf("%d/%d", st.Today.Sent, st.DailyLimit))),
		m.dailyBar.ViewAs(daily),
		stat("Hourly:", GetRateLimitStyle(hourly*100).Render(fmt.Sprintf("%d/%d", st.LastHour, st.HourlyLimit))),
		m.hourlyBar.ViewAs(hourly),
	}
	return panelStyle.Width(width).Render(
		lipgloss.JoinVertical(lipgloss.Left, title, strings.Join(rows, "\n")),
	)
}

func (m Model) renderScrapePanel(width int) string {
	title := titleStyle.Render(" SCRAPE ")
	job := m.status.Scrape
	if job == nil {
		return panelStyle.Width(width).Render(
			lipgloss.JoinVertical(lipgloss.Left, title, dimStyle.Render("No scrape jobs")),
		)
	}

	state := statsValueStyle.Render(string(job.Status))
	switch job.Status {
	case models.JobRunning:
		state = m.spinner.View() + " " + successStyle.Render("running")
	case models.JobFailed:
		state = errorStyle.Render("failed")
	}
	rows := []string{
		stat("Job:", fmt.Sprintf("#%d %s %s", job.ID, job.Type, job.Target)),
		stat("Status:", state),
		stat("Scraped:", fmt.Sprintf("%d", job.ScrapedCount)),
	}
	if job.Error != "" {
		rows = append(rows, errorStyle.Render(job.Error))
	}
	return panelStyle.Width(width).Render(
		lipgloss.JoinVertical(lipgloss.Left, title, strings.Join(rows, "\n")),
	)
}

func (m Model) renderRecentPanel(width int) string {
	title := titleStyle.Render(" RECENT ")
	if len(m.recent) == 0 {
		return panelStyle.Width(width).Render(
			lipgloss.JoinVertical(lipgloss.Left, title, dimStyle.Render("Nothing sent yet")),
		)
	}

	var rows []string
	for _, ev := range m.recent {
		mark := successStyle.Render("✓")
		if ev.Status == models.StatusFailed {
			mark = errorStyle.Render("✗")
		}
		line := fmt.Sprintf("%s %s @%s", logTimestampStyle.Render(ev.SentAt.UTC().Format("15:04:05")), mark, ev.Target)
		if ev.Reason != "" {
			line += " " + dimStyle.Render(ev.Reason)
		}
		rows = append(rows, line)
	}
	return panelStyle.Width(width).Render(
		lipgloss.JoinVertical(lipgloss.Left, title, strings.Join(rows, "\n")),
	)
}

func (m Model) renderLogsPanel(width int) string {
	title := titleStyle.Render(" LOG ")

	start := len(m.logMessages) - 8
	if start < 0 {
		start = 0
	}
	var logs []string
	for _, log := range m.logMessages[start:] {
		timestamp := logTimestampStyle.Render(log.Time.Format("15:04:05"))
		level := lipgloss.NewStyle().Foreground(log.Color).Bold(true).Render(fmt.Sprintf("[%-7s]", log.Level))
		msg := log.Message
		if maxLen := width - 25; maxLen > 3 && len(msg) > maxLen {
			msg = msg[:maxLen-3] + "..."
		}
		logs = append(logs, fmt.Sprintf("%s %s %s", timestamp, level, msg))
	}

	content := strings.Join(logs, "\n")
	if content == "" {
		content = dimStyle.Render("No log entries")
	}
	return panelStyle.Width(width).Render(
		lipgloss.JoinVertical(lipgloss.Left, title, content),
	)
}

func (m Model) renderHelp() string {
	help := `
  Keys:
    p/P      - Pause or resume sending
    r/R      - Refresh now
    ctrl+l   - Clear the log
    q/Q      - Quit
    ?        - Toggle this help

  Quota colors:
    ` + rateLimitNormalStyle.Render("Green") + `    - under 70%
    ` + rateLimitWarningStyle.Render("Orange") + `   - 70% or more
    ` + rateLimitCriticalStyle.Render("Red") + `      - 90% or more
`
	return panelStyle.Width(m.width - 4).Render(help)
}

func stat(label, value string) string {
	return fmt.Sprintf("%s %s", statsLabelStyle.Render(label), value)
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
