package scraper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"igoutreach/pkg/automation"
	"igoutreach/pkg/clock"
	"igoutreach/pkg/config"
	errs "igoutreach/pkg/errors"
	"igoutreach/pkg/events"
	"igoutreach/pkg/logger"
	"igoutreach/pkg/models"
	"igoutreach/pkg/retry"
)

// ErrCancelled is returned when a job was cancelled while running.
var ErrCancelled = errors.New("scrape job cancelled")

// errCapReached stops a comments job from opening further posts.
var errCapReached = errors.New("lead cap reached")

// Store is the persistence a scrape job reads and writes.
type Store interface {
	ScrapeJob(ctx context.Context, id int64) (models.ScrapeJob, error)
	UpdateScrapeProgress(ctx context.Context, id int64, scraped int) error
	FinishScrapeJob(ctx context.Context, id int64, status models.JobStatus, scraped int, errMsg string, at time.Time) error
	UpsertLeads(ctx context.Context, tenant string, handles []models.Handle, source string, groupID *int64) (int, error)
	ConversationParticipants(ctx context.Context, tenant string) (map[models.Handle]struct{}, error)
}

// Sessions chooses and activates the account a job browses with.
type Sessions interface {
	PickScraper(ctx context.Context, tenant string) (models.Session, error)
	EnsureActive(ctx context.Context, sess models.Session) (bool, error)
	RecordActions(ctx context.Context, sessionID int64, n int) error
}

// Options tune the scroll loop.
type Options struct {
	// MaxNoNew consecutive batches without new handles end the job.
	MaxNoNew int
	// GraceScrolls is the number of initial scrolls that never count as
	// stagnation while the dialog is still loading.
	GraceScrolls int
	BatchDelay   models.DelayBounds
	WarmUp       bool
}

func DefaultOptions() Options {
	return Options{
		MaxNoNew:     6,
		GraceScrolls: 3,
		BatchDelay:   models.DelayBounds{Min: 2 * time.Second, Max: 5 * time.Second},
		WarmUp:       true,
	}
}

func OptionsFromConfig(cfg config.ScrapeConfig) Options {
	o := DefaultOptions()
	if cfg.MaxNoNew > 0 {
		o.MaxNoNew = cfg.MaxNoNew
	}
	if cfg.GraceScrolls >= 0 {
		o.GraceScrolls = cfg.GraceScrolls
	}
	o.BatchDelay = models.DelayBounds{Min: cfg.BatchDelayMin, Max: cfg.BatchDelayMax}.Or(o.BatchDelay)
	o.WarmUp = cfg.WarmUp
	return o
}

// Scraper runs follower and commenter discovery jobs. Each Scraper owns
// one adapter and runs one job at a time.
type Scraper struct {
	store    Store
	sessions Sessions
	adapter  automation.Adapter
	clock    clock.Clock
	logger   logger.Logger
	events   events.Publisher
	opts     Options
}

func New(st Store, sessions Sessions, adapter automation.Adapter, clk clock.Clock, log logger.Logger, pub events.Publisher, opts Options) *Scraper {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = logger.GetLogger()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &Scraper{
		store:    st,
		sessions: sessions,
		adapter:  adapter,
		clock:    clk,
		logger:   log.WithField("component", "scraper"),
		events:   pub,
		opts:     opts,
	}
}

// run is the mutable state of one job.
type run struct {
	job     models.ScrapeJob
	exclude map[models.Handle]struct{}
	seen    map[models.Handle]struct{}
	cap     int
	total   int
	batches int
	log     logger.Logger
}

// Run drives job to a terminal status and returns it as stored. A failed
// job is not an error; errors are returned only when the final status
// could not be recorded.
func (s *Scraper) Run(ctx context.Context, job models.ScrapeJob) (models.ScrapeJob, error) {
	r := &run{
		job:     job,
		exclude: map[models.Handle]struct{}{job.Target: {}},
		seen:    make(map[models.Handle]struct{}),
		cap:     job.MaxLeads,
		log: logger.ForTenant(s.logger, job.Tenant).WithFields(map[string]interface{}{
			"job_id": job.ID,
			"type":   string(job.Type),
			"target": job.Target.String(),
		}),
	}
	logger.LogComponentStart(r.log, "scrape_job", map[string]interface{}{
		"max_leads": job.MaxLeads,
		"posts":     len(job.PostURLs),
	})

	sessionID, err := s.scrape(ctx, r)
	if sessionID != 0 {
		if recErr := s.sessions.RecordActions(context.WithoutCancel(ctx), sessionID, r.batches); recErr != nil {
			r.log.WithError(recErr).Warn("failed to record session usage")
		}
	}

	status, msg := models.JobCompleted, ""
	switch {
	case err == nil:
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		status = models.JobCancelled
	default:
		status, msg = models.JobFailed, errs.ReasonOf(err)
		r.log.WithError(err).Error("scrape job failed")
	}

	// the job row must be finalized even when ctx was cancelled
	bg := context.WithoutCancel(ctx)
	if err := s.store.FinishScrapeJob(bg, job.ID, status, r.total, msg, s.clock.Now()); err != nil {
		return job, fmt.Errorf("finish scrape job %d: %w", job.ID, err)
	}
	final, err := s.store.ScrapeJob(bg, job.ID)
	if err != nil {
		return job, err
	}

	if err := s.events.Publish(bg, events.FromJob(final, s.clock.Now())); err != nil {
		r.log.WithError(err).Warn("failed to publish scrape result")
	}
	logger.LogComponentStop(r.log, "scrape_job", string(final.Status))
	return final, nil
}

// scrape performs the browsing and returns the session it used.
func (s *Scraper) scrape(ctx context.Context, r *run) (int64, error) {
	sess, err := s.sessions.PickScraper(ctx, r.job.Tenant)
	if err != nil {
		return 0, err
	}
	ok, err := s.sessions.EnsureActive(ctx, sess)
	if err != nil {
		return sess.ID, err
	}
	if !ok {
		e := errs.New(errs.ErrorTypeSession, "scraper session is logged out")
		e.Reason = models.ReasonSessionExpired
		return sess.ID, e
	}
	r.log.InfoWithFields("scraping with session", map[string]interface{}{
		"session_id": sess.ID,
		"account":    sess.Account.String(),
	})

	participants, err := s.store.ConversationParticipants(ctx, r.job.Tenant)
	if err != nil {
		return sess.ID, err
	}
	for h := range participants {
		r.exclude[h] = struct{}{}
	}

	s.warmUp(ctx, r)

	switch r.job.Type {
	case models.ScrapeFollowers:
		err = s.followers(ctx, r)
	case models.ScrapeComments:
		err = s.comments(ctx, r)
	default:
		err = errs.New(errs.ErrorTypeConfig, fmt.Sprintf("unknown scrape type %q", r.job.Type))
	}
	if err != nil {
		return sess.ID, err
	}

	s.warmUp(ctx, r)
	return sess.ID, nil
}

func (s *Scraper) warmUp(ctx context.Context, r *run) {
	if !s.opts.WarmUp || ctx.Err() != nil {
		return
	}
	if err := s.adapter.WarmUp(ctx); err != nil {
		r.log.WithError(err).Warn("warm-up failed")
	}
}

func (s *Scraper) followers(ctx context.Context, r *run) error {
	count, err := s.adapter.OpenFollowers(ctx, r.job.Target)
	if err != nil {
		return err
	}
	if count > 0 && (r.cap <= 0 || count < r.cap) {
		r.cap = count
	}
	r.log.InfoWithFields("followers dialog open", map[string]interface{}{
		"follower_count": count,
		"cap":            r.cap,
	})
	return s.collect(ctx, r, "followers:"+r.job.Target.String())
}

func (s *Scraper) comments(ctx context.Context, r *run) error {
	if len(r.job.PostURLs) == 0 {
		return errs.New(errs.ErrorTypeConfig, "comments job has no post urls")
	}
	for _, url := range r.job.PostURLs {
		author, err := s.adapter.OpenPost(ctx, url)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.WithError(err).WarnWithFields("could not open post", map[string]interface{}{
				"url": url,
			})
			continue
		}

		source := "comments:" + url
		if author != "" {
			source = "comments:" + author.String()
			r.exclude[author] = struct{}{}
		}
		err = s.collect(ctx, r, source)
		if errors.Is(err, errCapReached) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// collect extracts, stores and scrolls until the dialog stops yielding new
// handles, the cap is hit or the job is cancelled. Natural ends return nil
// except errCapReached, which callers iterating several surfaces use to
// stop early.
func (s *Scraper) collect(ctx context.Context, r *run, source string) error {
	noNew := 0
	scrolls := 0
	for {
		if err := s.checkCancelled(ctx, r.job.ID); err != nil {
			return err
		}

		batch, err := s.adapter.ExtractBatch(ctx)
		if err != nil {
			return err
		}
		r.batches++

		fresh := r.filter(batch)
		if r.cap > 0 && r.total+len(fresh) > r.cap {
			fresh = fresh[:r.cap-r.total]
		}
		added := 0
		if len(fresh) > 0 {
			added, err = s.store.UpsertLeads(ctx, r.job.Tenant, fresh, source, r.job.LeadGroupID)
			if err != nil {
				return err
			}
			r.total += len(fresh)
			if err := s.store.UpdateScrapeProgress(ctx, r.job.ID, r.total); err != nil {
				return err
			}
		}

		if len(fresh) == 0 && scrolls >= s.opts.GraceScrolls {
			noNew++
		} else {
			noNew = 0
		}
		logger.LogScrapeBatch(r.log, r.job.ID, len(batch), added, r.total, noNew)

		if r.cap > 0 && r.total >= r.cap {
			r.log.InfoWithFields("lead cap reached", map[string]interface{}{"total": r.total})
			if r.job.Type == models.ScrapeComments {
				return errCapReached
			}
			return nil
		}
		if s.opts.MaxNoNew > 0 && noNew >= s.opts.MaxNoNew {
			r.log.InfoWithFields("no new handles, stopping", map[string]interface{}{"batches": noNew})
			return nil
		}

		more, err := s.adapter.Scroll(ctx)
		if err != nil {
			return err
		}
		if !more {
			r.log.Debug("dialog cannot scroll further")
			return nil
		}
		scrolls++

		if err := s.clock.Sleep(ctx, retry.Between(s.opts.BatchDelay.Min, s.opts.BatchDelay.Max)); err != nil {
			return err
		}
	}
}

// filter keeps handles that are valid, new to this job and not excluded.
func (r *run) filter(batch []models.Handle) []models.Handle {
	var out []models.Handle
	for _, h := range batch {
		h = models.Normalize(h.String())
		if !automation.IsValidHandle(h) {
			continue
		}
		if _, skip := r.exclude[h]; skip {
			continue
		}
		if _, dup := r.seen[h]; dup {
			continue
		}
		r.seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}

// checkCancelled polls the job row so a cancel from another process is
// seen at the next batch boundary.
func (s *Scraper) checkCancelled(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	job, err := s.store.ScrapeJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == models.JobCancelled {
		return ErrCancelled
	}
	return nil
}
