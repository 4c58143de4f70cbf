package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"igoutreach/pkg/control"
	"igoutreach/pkg/models"
	"igoutreach/pkg/ui"
	"igoutreach/pkg/ui/tui"
)

var (
	statusJSON    bool
	statusRecent  int
	watchInterval time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show today's counters, limits and the latest scrape job",
	RunE:  runStatus,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live dashboard of the tenant's campaign",
	Long: `Open a terminal dashboard that refreshes the campaign's counters, quota
usage and recent sends. Press p to pause or resume, q to quit.`,
	RunE: runWatch,
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause the tenant's campaign",
	RunE: withControl(func(cmd *cobra.Command, svc *control.Service) error {
		if err := svc.Pause(cmd.Context(), cfg.Sending.Tenant); err != nil {
			return err
		}
		ui.PrintSuccess(fmt.Sprintf("Campaign %s paused", cfg.Sending.Tenant))
		return nil
	}),
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume the tenant's campaign",
	RunE: withControl(func(cmd *cobra.Command, svc *control.Service) error {
		if err := svc.Resume(cmd.Context(), cfg.Sending.Tenant); err != nil {
			return err
		}
		ui.PrintSuccess(fmt.Sprintf("Campaign %s resumed", cfg.Sending.Tenant))
		return nil
	}),
}

var resetFailedCmd = &cobra.Command{
	Use:   "reset-failed",
	Short: "Forget failed sends so those leads are tried again",
	RunE: withControl(func(cmd *cobra.Command, svc *control.Service) error {
		n, err := svc.ResetFailed(cmd.Context(), cfg.Sending.Tenant)
		if err != nil {
			return err
		}
		ui.PrintSuccess(fmt.Sprintf("Removed %d failed sends", n))
		return nil
	}),
}

var resetDailyCmd = &cobra.Command{
	Use:   "reset-daily",
	Short: "Zero today's counters",
	RunE: withControl(func(cmd *cobra.Command, svc *control.Service) error {
		if err := svc.ResetDaily(cmd.Context(), cfg.Sending.Tenant); err != nil {
			return err
		}
		ui.PrintSuccess("Daily counters reset")
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(statusCmd, watchCmd, pauseCmd, resumeCmd, resetFailedCmd, resetDailyCmd)

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the status as JSON")
	statusCmd.Flags().IntVar(&statusRecent, "recent", 5, "number of recent sends to list")
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 2*time.Second, "refresh interval")
}

// withControl opens the store and hands a control service to fn.
func withControl(fn func(*cobra.Command, *control.Service) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()
		return fn(cmd, newControl(st, control.Options{}))
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	svc := newControl(st, control.Options{})
	status, err := svc.Status(ctx, cfg.Sending.Tenant)
	if err != nil {
		return err
	}
	recent, err := svc.Recent(ctx, cfg.Sending.Tenant, statusRecent)
	if err != nil {
		return err
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			control.Status
			Recent []models.SendEvent `json:"recent"`
		}{status, recent})
	}

	state := "running"
	if status.Paused {
		state = "paused"
	}
	ui.PrintInfo("Tenant", fmt.Sprintf("%s (%s)", cfg.Sending.Tenant, state))
	ui.PrintInfo("Today", fmt.Sprintf("%d/%d sent, %d failed, %d remaining",
		status.Today.Sent, status.DailyLimit, status.Today.Failed, status.Remaining))
	ui.PrintInfo("Last hour", fmt.Sprintf("%d/%d", status.LastHour, status.HourlyLimit))
	ui.PrintInfo("All time", fmt.Sprintf("%d sent, %d failed", status.TotalSent, status.TotalFailed))
	if status.Limited != "" && status.RetryAt != nil {
		ui.PrintWarning("Rate limited", fmt.Sprintf("%s until %s", status.Limited, status.RetryAt.Local().Format("15:04")))
	}
	if cp := status.Checkpoint; cp != nil {
		ui.PrintInfo("Loop", fmt.Sprintf("%s %d/%d", cp.State, cp.Position, cp.Total))
	}
	if job := status.Scrape; job != nil {
		ui.PrintInfo("Scrape", fmt.Sprintf("#%d %s %s, %d leads", job.ID, job.Type, job.Target, job.ScrapedCount))
	}

	for _, ev := range recent {
		line := fmt.Sprintf("  %s @%s", ev.SentAt.Local().Format("Jan 02 15:04"), ev.Target)
		if ev.Status == models.StatusSuccess {
			fmt.Println(ui.Green(line))
		} else {
			fmt.Println(ui.Red(line + " " + ev.Reason))
		}
	}
	return nil
}

func runWatch(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	svc := newControl(st, control.Options{})
	return tui.NewDashboard(svc, cfg.Sending.Tenant, watchInterval).Run(ctx)
}
