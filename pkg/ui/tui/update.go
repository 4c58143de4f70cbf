package tui

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"igoutreach/pkg/control"
	"igoutreach/pkg/models"
)

// SnapshotMsg carries one poll of the tenant's state
type SnapshotMsg struct {
	Status control.Status
	Recent []models.SendEvent
	Err    error
}

// PauseToggledMsg reports the outcome of a pause or resume key press
type PauseToggledMsg struct {
	Paused bool
	Err    error
}

// TickMsg triggers the next poll
type TickMsg time.Time

// Update handles all messages and updates the model
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case TickMsg:
		return m, m.fetch()

	case SnapshotMsg:
		if msg.Err != nil {
			if m.lastErr == nil || m.lastErr.Error() != msg.Err.Error() {
				m.AddLogMessage("ERROR", "Refresh failed: "+msg.Err.Error())
			}
			m.lastErr = msg.Err
			return m, m.tick()
		}
		if m.loaded && m.status.Paused != msg.Status.Paused {
			if msg.Status.Paused {
				m.AddLogMessage("WARN", "Campaign paused")
			} else {
				m.AddLogMessage("INFO", "Campaign resumed")
			}
		}
		m.status = msg.Status
		m.recent = msg.Recent
		m.loaded = true
		m.lastErr = nil
		m.lastUpdate = m.now()
		return m, m.tick()

	case PauseToggledMsg:
		if msg.Err != nil {
			m.AddLogMessage("ERROR", "Pause toggle failed: "+msg.Err.Error())
			return m, nil
		}
		if msg.Paused {
			m.AddLogMessage("WARN", "Paused by operator")
		} else {
			m.AddLogMessage("INFO", "Resumed by operator")
		}
		m.status.Paused = msg.Paused
		return m, m.fetch()
	}

	return m, nil
}

// handleKeyPress handles keyboard input
func (m *Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "Q", "ctrl+c":
		return m, tea.Quit

	case "p", "P":
		if !m.loaded {
			return m, nil
		}
		return m, m.togglePause(!m.status.Paused)

	case "r", "R":
		return m, m.fetch()

	case "?":
		m.showHelp = !m.showHelp
		return m, nil

	case "ctrl+l":
		m.logMessages = nil
		return m, nil
	}

	return m, nil
}

// fetch polls the source once
func (m *Model) fetch() tea.Cmd {
	source, tenant := m.source, m.tenant
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		status, err := source.Status(ctx, tenant)
		if err != nil {
			return SnapshotMsg{Err: err}
		}
		recent, err := source.Recent(ctx, tenant, recentRows)
		if err != nil {
			return SnapshotMsg{Err: err}
		}
		return SnapshotMsg{Status: status, Recent: recent}
	}
}

func (m *Model) togglePause(pause bool) tea.Cmd {
	source, tenant := m.source, m.tenant
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		var err error
		if pause {
			err = source.Pause(ctx, tenant)
		} else {
			err = source.Resume(ctx, tenant)
		}
		return PauseToggledMsg{Paused: pause, Err: err}
	}
}

func (m *Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}
