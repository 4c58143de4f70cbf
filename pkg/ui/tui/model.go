package tui

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"igoutreach/pkg/control"
	"igoutreach/pkg/models"
)

// Source is the read and pause surface the dashboard polls. It is
// satisfied by *control.Service.
type Source interface {
	Status(ctx context.Context, tenant string) (control.Status, error)
	Recent(ctx context.Context, tenant string, limit int) ([]models.SendEvent, error)
	Pause(ctx context.Context, tenant string) error
	Resume(ctx context.Context, tenant string) error
}

const (
	defaultInterval = 2 * time.Second
	recentRows      = 12
	maxLogMessages  = 50
	fetchTimeout    = 5 * time.Second
)

// Model is the bubbletea model for the campaign dashboard.
type Model struct {
	source   Source
	tenant   string
	interval time.Duration
	now      func() time.Time

	spinner    spinner.Model
	dailyBar   progress.Model
	hourlyBar  progress.Model
	status     control.Status
	recent     []models.SendEvent
	loaded     bool
	lastUpdate time.Time
	lastErr    error

	width       int
	height      int
	showHelp    bool
	logMessages []LogMessage
}

// LogMessage is a dashboard log line
type LogMessage struct {
	Time    time.Time
	Level   string
	Message string
	Color   lipgloss.Color
}

// NewModel creates a dashboard for tenant refreshing every interval.
func NewModel(source Source, tenant string, interval time.Duration) Model {
	if interval <= 0 {
		interval = defaultInterval
	}
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(neonCyan)

	return Model{
		source:    source,
		tenant:    tenant,
		interval:  interval,
		now:       time.Now,
		spinner:   s,
		dailyBar:  progress.New(progress.WithDefaultGradient()),
		hourlyBar: progress.New(progress.WithDefaultGradient()),
	}
}

// Init starts the spinner and the first fetch
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetch())
}

// AddLogMessage appends a log line, keeping the newest maxLogMessages.
func (m *Model) AddLogMessage(level, message string) {
	color := dimWhite
	switch level {
	case "ERROR":
		color = red
	case "WARN":
		color = neonOrange
	case "SUCCESS":
		color = neonGreen
	case "INFO":
		color = neonCyan
	}

	m.logMessages = append(m.logMessages, LogMessage{
		Time:    m.now(),
		Level:   level,
		Message: message,
		Color:   color,
	})
	if len(m.logMessages) > maxLogMessages {
		m.logMessages = m.logMessages[len(m.logMessages)-maxLogMessages:]
	}
}

// Paused reports the pause flag from the last snapshot.
func (m Model) Paused() bool {
	return m.status.Paused
}

// usage returns used/limit clamped to [0,1]; a non-positive limit reads
// as full.
func usage(used, limit int) float64 {
	if limit <= 0 {
		return 1
	}
	r := float64(used) / float64(limit)
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	}
	return r
}
