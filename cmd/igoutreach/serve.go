package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"igoutreach/pkg/api"
	"igoutreach/pkg/clock"
	"igoutreach/pkg/control"
	errs "igoutreach/pkg/errors"
	"igoutreach/pkg/logger"
	"igoutreach/pkg/message"
	"igoutreach/pkg/ratelimit"
	"igoutreach/pkg/sender"
	"igoutreach/pkg/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the multi-tenant campaign loop and the control API",
	Long: `Run every tenant's active campaigns on a single worker, always advancing
the tenant whose next action is due first, and serve the control API.

Scrape jobs submitted through the API run on a separate worker pool with
their own browser sessions.`,
	Example: `  igoutreach serve --addr :3000
  IGOUTREACH_API_KEY=secret igoutreach serve --store postgres --dsn "$DATABASE_URL"`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "control API listen address (default :3000)")
	serveCmd.Flags().String("driver-url", "", "browser automation driver URL")
	serveCmd.Flags().Bool("headless", true, "run the browser headless")
}

// loopWaker wakes the orchestrator and the outer loop that restarts it
// once every campaign has finished.
type loopWaker struct {
	orch *sender.Orchestrator
	c    chan struct{}
}

func newLoopWaker(orch *sender.Orchestrator) *loopWaker {
	return &loopWaker{orch: orch, c: make(chan struct{}, 1)}
}

func (w *loopWaker) Wake(tenant string) {
	w.orch.Wake(tenant)
	select {
	case w.c <- struct{}{}:
	default:
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

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

	clk := clock.Real{}
	opts := sender.OptionsFromConfig(cfg)
	sessions := session.NewPool(st, client, clk, log)
	limiter := ratelimit.New(st, st, opts.Limits, clk)

	orch := sender.NewOrchestrator(st, func(tenant string) (sender.Stepper, error) {
		msgs := message.NewTenant(st, cfg.Messages)
		o := opts
		o.Tenant = tenant
		return sender.New(sender.Deps{
			Store:    st,
			Source:   sender.NewCampaignSource(st, tenant, clk, msgs),
			Limiter:  limiter,
			Pool:     sessions,
			Adapter:  client,
			Messages: msgs,
			Clock:    clk,
			Logger:   log,
			Events:   pub,
		}, o), nil
	}, clk, log)
	waker := newLoopWaker(orch)

	scrapes := newScrapePool(ctx, st, pub, cfg.Scrape.Workers)
	if err := scrapes.Start(); err != nil {
		return errs.Fatal(err, "start scrape workers")
	}
	defer scrapes.Stop()

	svc := newControl(st, control.Options{Waker: waker, Jobs: scrapes})
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewServer(svc, cfg.Server.APIKey, log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.Server.APIKey == "" {
		log.Warn("IGOUTREACH_API_KEY is not set, the control API is unauthenticated")
	}

	errCh := make(chan error, 2)
	go func() {
		logger.LogComponentStart(log, "api", map[string]interface{}{"addr": cfg.Server.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- errs.Wrap(errs.ErrorTypeFatal, err, "control API")
		}
	}()
	go func() {
		errCh <- sendLoop(ctx, orch, waker)
	}()

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.WithError(serr).Warn("API shutdown incomplete")
	}
	logger.LogComponentStop(log, "api", "shutdown")
	return err
}

// sendLoop keeps the orchestrator running for the life of the server. When
// no campaign is active it waits for a wake-up or the idle poll.
func sendLoop(ctx context.Context, orch *sender.Orchestrator, waker *loopWaker) error {
	for {
		err := orch.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if errs.IsFatal(err) {
				return err
			}
			log.WithError(err).Error("Send loop stopped, restarting after idle poll")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-waker.c:
		case <-time.After(orch.IdlePoll):
		}
	}
}
