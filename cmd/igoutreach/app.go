package main

import (
	"context"
	"fmt"

	"igoutreach/internal/jobs"
	"igoutreach/pkg/automation"
	"igoutreach/pkg/checkpoint"
	"igoutreach/pkg/clock"
	"igoutreach/pkg/control"
	"igoutreach/pkg/events"
	"igoutreach/pkg/models"
	"igoutreach/pkg/scraper"
	"igoutreach/pkg/session"
	"igoutreach/pkg/store"
	"igoutreach/pkg/store/sqlstore"
	"igoutreach/pkg/ui"
)

func openStore(ctx context.Context) (*sqlstore.Store, error) {
	st, err := sqlstore.Open(ctx, cfg.Store, log)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	return st, nil
}

// openEvents returns the notifier sink plus the broker when one is
// configured. An unreachable broker is logged and skipped.
func openEvents(ctx context.Context) events.Publisher {
	sinks := events.Multi{
		events.NewNotifierSink(ui.NewNotifier(cfg.Notifications.NotificationType), cfg.Notifications),
	}
	if cfg.Events.AMQPURL == "" {
		return sinks
	}
	pub, err := events.DialAMQP(ctx, cfg.Events, log)
	if err != nil {
		log.WithError(err).Warn("Event broker unavailable, publishing to notifier only")
		return sinks
	}
	return append(sinks, pub)
}

func defaultLimits() models.Limits {
	return models.Limits{Daily: cfg.Sending.DailyLimit, Hourly: cfg.Sending.MaxPerHour}
}

func newControl(st control.Store, opts control.Options) *control.Service {
	opts.Defaults = defaultLimits()
	opts.DefaultMaxLeads = cfg.Scrape.MaxLeads
	opts.Logger = log
	opts.Checkpoints = checkpoint.NewManager
	return control.New(st, opts)
}

// openClient returns a driver client with its own browser already open.
func openClient(ctx context.Context) (*automation.Client, error) {
	client := automation.NewClient(cfg.Browser, log)
	if err := client.Open(ctx); err != nil {
		return nil, fmt.Errorf("open driver browser: %w", err)
	}
	return client, nil
}

// scrapeWorker pairs a scraper with the browser client it owns.
type scrapeWorker struct {
	*scraper.Scraper
	client *automation.Client
}

func (w *scrapeWorker) Close() error {
	return w.client.Close()
}

// newScrapePool builds a job pool whose workers each drive their own
// driver browser, separate from the send loop's.
func newScrapePool(ctx context.Context, st store.Store, pub events.Publisher, workers int) *jobs.Pool {
	return jobs.NewPool(workers, func(int) (jobs.Runner, error) {
		client, err := openClient(ctx)
		if err != nil {
			return nil, err
		}
		sessions := session.NewPool(st, client, clock.Real{}, log)
		s := scraper.New(st, sessions, client, clock.Real{}, log, pub, scraper.OptionsFromConfig(cfg.Scrape))
		return &scrapeWorker{Scraper: s, client: client}, nil
	}, log)
}
