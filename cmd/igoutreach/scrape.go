package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"igoutreach/internal/jobs"
	"igoutreach/pkg/control"
	errs "igoutreach/pkg/errors"
	"igoutreach/pkg/models"
	"igoutreach/pkg/ui"
)

// cancelGrace bounds the wait for an interrupted worker to reach its next
// batch boundary.
const cancelGrace = 30 * time.Second

var (
	scrapeType     string
	scrapePosts    []string
	scrapeMaxLeads int
	scrapeGroup    int64
)

var scrapeCmd = &cobra.Command{
	Use:   "scrape [target]",
	Short: "Discover leads from a profile's followers or from post commenters",
	Long: `Scroll a profile's follower list, or the comments of one or more posts, and
store every new handle as a lead for the tenant.

Profiles already in the lead list, the target itself and anyone you already
have a conversation with are skipped. The job stops at --max-leads, at the
follower count, or once scrolling stops producing new handles. Interrupt
with Ctrl+C, or run 'igoutreach cancel-scrape' from another terminal.`,
	Example: `  # Followers of a profile
  igoutreach scrape natgeo --max-leads 500

  # Commenters on two posts, into lead group 4
  igoutreach scrape --posts https://www.instagram.com/p/C1abc/ --posts https://www.instagram.com/p/C2def/ --group 4`,
	Args: cobra.MaximumNArgs(1),
	RunE: runScrape,
}

var cancelScrapeCmd = &cobra.Command{
	Use:   "cancel-scrape [job-id]",
	Short: "Cancel a running scrape job",
	Long: `Cancel a scrape job. Without an id the tenant's latest running job is
cancelled. The worker stops at its next batch boundary.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCancelScrape,
}

func init() {
	rootCmd.AddCommand(scrapeCmd)
	rootCmd.AddCommand(cancelScrapeCmd)

	scrapeCmd.Flags().StringVar(&scrapeType, "type", "", "followers or comments (default: comments when --posts is given)")
	scrapeCmd.Flags().StringArrayVar(&scrapePosts, "posts", nil, "post URL to read commenters from (repeatable)")
	scrapeCmd.Flags().IntVar(&scrapeMaxLeads, "max-leads", 0, "stop after this many new leads")
	scrapeCmd.Flags().Int64Var(&scrapeGroup, "group", 0, "lead group to add the leads to")
	scrapeCmd.Flags().String("driver-url", "", "browser automation driver URL")
	scrapeCmd.Flags().Bool("headless", true, "run the browser headless")
}

func runScrape(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, err := openStore(ctx)
	if err != nil {
		return errs.Fatal(err, "storage unavailable")
	}
	defer st.Close()

	pub := openEvents(ctx)
	defer pub.Close()

	done := make(chan jobs.Result, 1)
	pool := newScrapePool(ctx, st, pub, 1)
	pool.OnResult = func(r jobs.Result) { done <- r }
	if err := pool.Start(); err != nil {
		return errs.Fatal(err, "start scrape worker")
	}
	defer pool.Stop()

	req := control.ScrapeRequest{
		Type:     models.ScrapeType(scrapeType),
		MaxLeads: scrapeMaxLeads,
		PostURLs: scrapePosts,
	}
	if len(args) == 1 {
		req.Target = args[0]
	}
	if scrapeGroup > 0 {
		req.LeadGroupID = &scrapeGroup
	}

	svc := newControl(st, control.Options{Jobs: pool})
	job, err := svc.StartScrape(ctx, cfg.Sending.Tenant, req)
	if err != nil {
		return err
	}
	ui.PrintInfo("Scrape job", fmt.Sprintf("#%d %s %s", job.ID, job.Type, job.Target))

	var res jobs.Result
	select {
	case res = <-done:
	case <-ctx.Done():
		ui.PrintWarning("Cancelling scrape job")
		if _, err := svc.CancelScrape(context.WithoutCancel(ctx), cfg.Sending.Tenant, job.ID); err != nil {
			log.WithError(err).Warn("Failed to cancel scrape job")
		}
		select {
		case res = <-done:
		case <-time.After(cancelGrace):
			return ctx.Err()
		}
	}

	if res.Err != nil {
		return res.Err
	}
	switch res.Job.Status {
	case models.JobCompleted:
		ui.PrintSuccess(fmt.Sprintf("Scrape completed: %d new leads", res.Job.ScrapedCount))
	case models.JobCancelled:
		ui.PrintWarning("Scrape cancelled", fmt.Sprintf("%d new leads kept", res.Job.ScrapedCount))
	default:
		return fmt.Errorf("scrape %s: %s", res.Job.Status, res.Job.Error)
	}
	return nil
}

func runCancelScrape(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	var id int64
	if len(args) == 1 {
		n, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || n <= 0 {
			return errs.New(errs.ErrorTypeConfig, "job id must be a positive integer")
		}
		id = n
	}

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	job, err := newControl(st, control.Options{}).CancelScrape(ctx, cfg.Sending.Tenant, id)
	if err != nil {
		return err
	}
	ui.PrintSuccess(fmt.Sprintf("Cancelled scrape job #%d (%d leads so far)", job.ID, job.ScrapedCount))
	return nil
}
