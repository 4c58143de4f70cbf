package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"igoutreach/pkg/auth"
	"igoutreach/pkg/checkpoint"
	"igoutreach/pkg/clock"
	errs "igoutreach/pkg/errors"
	"igoutreach/pkg/leads"
	"igoutreach/pkg/message"
	"igoutreach/pkg/models"
	"igoutreach/pkg/ratelimit"
	"igoutreach/pkg/sender"
	"igoutreach/pkg/session"
	"igoutreach/pkg/ui"
)

var runAccount string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Message every uncontacted lead in a CSV file",
	Long: `Load a lead list and message every handle that has not been contacted
before, one at a time, within the configured hourly and daily ceilings.

The sender session comes from the stored credentials (see 'auth login'),
the IGOUTREACH_SESSION_ID/IGOUTREACH_CSRF_TOKEN environment variables, or a
password login with INSTAGRAM_USERNAME/INSTAGRAM_PASSWORD. Passwords are
never stored.`,
	Example: `  # Use leads.csv and the defaults from the config file
  igoutreach run

  # Slower pacing for a new account
  igoutreach run --leads prospects.csv --daily-limit 30 --min-delay 10m --max-delay 40m`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("leads", "", "lead CSV file (default from config: leads.csv)")
	runCmd.Flags().Int("daily-limit", 0, "daily send ceiling (max 200)")
	runCmd.Flags().Int("max-per-hour", 0, "rolling hourly send ceiling")
	runCmd.Flags().Duration("min-delay", 0, "minimum delay between sends")
	runCmd.Flags().Duration("max-delay", 0, "maximum delay between sends")
	runCmd.Flags().String("driver-url", "", "browser automation driver URL")
	runCmd.Flags().Bool("headless", true, "run the browser headless")
	runCmd.Flags().StringVarP(&runAccount, "account", "a", "", "stored account to send from")
}

func runRun(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	tenant := cfg.Sending.Tenant

	st, err := openStore(ctx)
	if err != nil {
		return errs.Fatal(err, "storage unavailable")
	}
	defer st.Close()

	pub := openEvents(ctx)
	defer pub.Close()

	client, err := openClient(ctx)
	if err != nil {
		return errs.Fatal(err, "driver unavailable")
	}
	defer client.Close()

	account, err := senderAccount(ctx, client)
	if err != nil {
		return errs.Fatal(err, "no sender session")
	}
	if _, err := auth.ImportSession(ctx, st, account, tenant, models.SessionSender); err != nil {
		return errs.Fatal(err, "import sender session")
	}

	targets, err := leads.LoadFile(cfg.Sending.LeadsFile)
	if err != nil {
		return errs.Wrap(errs.ErrorTypeConfig, err, "load leads")
	}
	pending, err := sender.FilterUncontacted(ctx, st, tenant, targets)
	if err != nil {
		return err
	}
	log.InfoWithFields("Leads loaded", map[string]interface{}{
		"tenant":  tenant,
		"file":    cfg.Sending.LeadsFile,
		"total":   len(targets),
		"pending": len(pending),
	})
	ui.PrintInfo("Leads", fmt.Sprintf("%d pending of %d", len(pending), len(targets)))
	if len(pending) == 0 {
		ui.PrintSuccess("Every lead has already been contacted")
		return nil
	}

	msgs, err := message.NewStatic(cfg.Messages)
	if err != nil {
		return errs.Fatal(err, "message templates")
	}

	cp, err := checkpoint.NewManager(tenant)
	if err != nil {
		log.WithError(err).Warn("Checkpoint disabled")
		cp = nil
	}

	clk := clock.Real{}
	opts := sender.OptionsFromConfig(cfg)
	sched := sender.New(sender.Deps{
		Store:      st,
		Source:     sender.NewLeadListSource(pending),
		Limiter:    ratelimit.New(st, st, opts.Limits, clk),
		Pool:       session.NewPool(st, client, clk, log),
		Adapter:    client,
		Messages:   msgs,
		Clock:      clk,
		Logger:     log,
		Events:     pub,
		Checkpoint: cp,
	}, opts)

	start := time.Now()
	err = sched.Run(ctx)
	c := sched.Counters()
	summary := fmt.Sprintf("%d sent, %d failed, %d skipped in %s", c.Sent, c.Failed, c.Skipped, time.Since(start).Round(time.Second))
	if errors.Is(err, context.Canceled) {
		ui.PrintWarning("Interrupted", summary)
		return nil
	}
	if err != nil {
		return err
	}
	ui.PrintSuccess("Done: " + summary)
	return nil
}

// senderAccount resolves the cookies to send with: an explicit stored
// account, the default stored or environment account, or a password
// login from the legacy environment keys.
func senderAccount(ctx context.Context, authn auth.Authenticator) (*auth.Account, error) {
	manager, err := auth.NewManager()
	if err != nil {
		return nil, err
	}
	if runAccount != "" {
		return manager.Retrieve(runAccount)
	}
	if account, err := manager.RetrieveDefault(); err == nil {
		return account, nil
	}

	username, password := os.Getenv("INSTAGRAM_USERNAME"), os.Getenv("INSTAGRAM_PASSWORD")
	if username != "" && password != "" {
		log.WithField("account", username).Info("Logging in with password from environment")
		return manager.Login(ctx, authn, username, password)
	}
	return nil, errs.New(errs.ErrorTypeSession, "no stored session; run 'igoutreach auth login' first")
}
