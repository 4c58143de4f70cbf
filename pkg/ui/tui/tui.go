// Package tui renders a live dashboard for one tenant's campaign.
package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Dashboard wraps the bubbletea program
type Dashboard struct {
	program *tea.Program
	model   *Model
}

// NewDashboard creates a dashboard polling source for tenant.
func NewDashboard(source Source, tenant string, interval time.Duration, opts ...tea.ProgramOption) *Dashboard {
	model := NewModel(source, tenant, interval)
	if len(opts) == 0 {
		opts = []tea.ProgramOption{tea.WithAltScreen()}
	}
	return &Dashboard{
		program: tea.NewProgram(&model, opts...),
		model:   &model,
	}
}

// Run blocks until the user quits or ctx is cancelled.
func (d *Dashboard) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			d.program.Quit()
		case <-done:
		}
	}()

	_, err := d.program.Run()
	return err
}

// Stop stops the dashboard gracefully
func (d *Dashboard) Stop() {
	d.program.Quit()
}
