// Package control is the operator surface shared by the CLI and the HTTP
// API: pausing and resuming tenants, resetting counters, reading stats and
// managing scrape jobs.
package control

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"igoutreach/pkg/automation"
	"igoutreach/pkg/checkpoint"
	"igoutreach/pkg/clock"
	errs "igoutreach/pkg/errors"
	"igoutreach/pkg/logger"
	"igoutreach/pkg/models"
	"igoutreach/pkg/ratelimit"
	"igoutreach/pkg/store"
)

// DefaultRecent is the number of events Recent returns when no limit is
// given.
const DefaultRecent = 50

// ErrJobNotRunning is returned when cancelling a job that already ended.
var ErrJobNotRunning = errors.New("scrape job is not running")

// Store is the data the control surface reads and writes.
type Store interface {
	store.EventStore
	store.ControlStore
	store.SettingsStore
	store.LeadStore
	store.ScrapeJobStore
}

// Waker interrupts the send loop's idle sleep for a tenant.
type Waker interface {
	Wake(tenant string)
}

// JobRunner executes scrape jobs out of process or on a worker pool.
type JobRunner interface {
	Submit(ctx context.Context, job models.ScrapeJob) error
	Cancel(id int64) bool
}

// Options wire optional collaborators. Without a Waker the loop notices
// changes at its next poll; without a JobRunner created jobs stay running
// until something picks them up.
type Options struct {
	Defaults        models.Limits
	DefaultMaxLeads int
	Clock           clock.Clock
	Logger          logger.Logger
	Waker           Waker
	Jobs            JobRunner
	// Checkpoints, when set, resolves a tenant's checkpoint file so that
	// Status can report the loop's phase.
	Checkpoints func(tenant string) (*checkpoint.Manager, error)
}

// Service implements the control operations.
type Service struct {
	store   Store
	limiter *ratelimit.Limiter
	opts    Options
	clock   clock.Clock
	logger  logger.Logger
}

func New(st Store, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.GetLogger()
	}
	return &Service{
		store:   st,
		limiter: ratelimit.New(st, st, opts.Defaults, opts.Clock),
		opts:    opts,
		clock:   opts.Clock,
		logger:  opts.Logger.WithField("component", "control"),
	}
}

// StartOptions override tenant settings when a tenant is started.
type StartOptions struct {
	Limits models.Limits      `json:"limits"`
	Delay  models.DelayBounds `json:"delay"`
}

// Start stores any overrides, clears the pause flag and wakes the loop.
func (s *Service) Start(ctx context.Context, tenant string, o StartOptions) error {
	if err := validTenant(tenant); err != nil {
		return err
	}
	if o.Limits != (models.Limits{}) || o.Delay.IsSet() {
		current, err := s.store.Settings(ctx, tenant)
		if err != nil {
			return err
		}
		current.Tenant = tenant
		current.Limits = o.Limits.Or(current.Limits)
		current.Delay = o.Delay.Or(current.Delay)
		if err := s.store.SaveSettings(ctx, current); err != nil {
			return fmt.Errorf("save settings: %w", err)
		}
	}
	if err := s.store.SetPaused(ctx, tenant, false); err != nil {
		return err
	}
	s.logger.InfoWithFields("Tenant started", map[string]interface{}{"tenant": tenant})
	s.wake(tenant)
	return nil
}

func (s *Service) Pause(ctx context.Context, tenant string) error {
	if err := validTenant(tenant); err != nil {
		return err
	}
	if err := s.store.SetPaused(ctx, tenant, true); err != nil {
		return err
	}
	s.logger.InfoWithFields("Tenant paused", map[string]interface{}{"tenant": tenant})
	return nil
}

func (s *Service) Resume(ctx context.Context, tenant string) error {
	if err := validTenant(tenant); err != nil {
		return err
	}
	if err := s.store.SetPaused(ctx, tenant, false); err != nil {
		return err
	}
	s.logger.InfoWithFields("Tenant resumed", map[string]interface{}{"tenant": tenant})
	s.wake(tenant)
	return nil
}

// ResetFailed removes failed events so their targets become eligible
// again, and zeroes today's failed count.
func (s *Service) ResetFailed(ctx context.Context, tenant string) (int, error) {
	if err := validTenant(tenant); err != nil {
		return 0, err
	}
	n, err := s.store.ResetFailed(ctx, tenant, models.DateKey(s.clock.Now()))
	if err != nil {
		return 0, err
	}
	s.logger.InfoWithFields("Failed sends reset", map[string]interface{}{
		"tenant":  tenant,
		"removed": n,
	})
	return n, nil
}

// ResetDaily drops today's counter so the daily ceiling starts over.
func (s *Service) ResetDaily(ctx context.Context, tenant string) error {
	if err := validTenant(tenant); err != nil {
		return err
	}
	if err := s.store.ResetDaily(ctx, tenant, models.DateKey(s.clock.Now())); err != nil {
		return err
	}
	s.logger.WarnWithFields("Daily counter reset", map[string]interface{}{"tenant": tenant})
	s.wake(tenant)
	return nil
}

// Stats summarizes today's usage against the effective limits.
func (s *Service) Stats(ctx context.Context, tenant string) (models.Stats, error) {
	if err := validTenant(tenant); err != nil {
		return models.Stats{}, err
	}
	paused, err := s.store.Paused(ctx, tenant)
	if err != nil {
		return models.Stats{}, err
	}
	today, err := s.store.DailyCounter(ctx, tenant, models.DateKey(s.clock.Now()))
	if err != nil {
		return models.Stats{}, err
	}
	d, err := s.limiter.Allowed(ctx, tenant, models.Limits{})
	if err != nil {
		return models.Stats{}, err
	}
	sent, failed, err := s.store.Totals(ctx, tenant)
	if err != nil {
		return models.Stats{}, err
	}
	return models.Stats{
		Tenant:      tenant,
		Paused:      paused,
		Today:       today,
		LastHour:    d.LastHour,
		DailyLimit:  d.Limits.Daily,
		HourlyLimit: d.Limits.Hourly,
		TotalSent:   sent,
		TotalFailed: failed,
	}, nil
}

// Status is Stats plus the live state of the loop and the latest job.
type Status struct {
	models.Stats
	Remaining  int                    `json:"remaining_today"`
	Limited    models.SkipReason      `json:"limited,omitempty"`
	RetryAt    *time.Time             `json:"retry_at,omitempty"`
	Checkpoint *checkpoint.Checkpoint `json:"checkpoint,omitempty"`
	Scrape     *models.ScrapeJob      `json:"scrape,omitempty"`
}

func (s *Service) Status(ctx context.Context, tenant string) (Status, error) {
	stats, err := s.Stats(ctx, tenant)
	if err != nil {
		return Status{}, err
	}
	st := Status{Stats: stats, Remaining: stats.DailyLimit - stats.Today.Sent}
	if st.Remaining < 0 {
		st.Remaining = 0
	}

	d, err := s.limiter.Allowed(ctx, tenant, models.Limits{})
	if err != nil {
		return Status{}, err
	}
	if !d.OK {
		st.Limited = d.Reason
		st.RetryAt = &d.RetryAt
	}

	job, err := s.store.LatestRunningJob(ctx, tenant)
	switch {
	case err == nil:
		st.Scrape = &job
	case !errors.Is(err, store.ErrNotFound):
		return Status{}, err
	}

	if s.opts.Checkpoints != nil {
		if m, err := s.opts.Checkpoints(tenant); err == nil && m.Exists() {
			if cp, err := m.Load(); err == nil {
				st.Checkpoint = cp
			}
		}
	}
	return st, nil
}

// Recent returns the newest events, limit clamped to [1, store.MaxRecent].
func (s *Service) Recent(ctx context.Context, tenant string, limit int) ([]models.SendEvent, error) {
	if err := validTenant(tenant); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultRecent
	}
	if limit > store.MaxRecent {
		limit = store.MaxRecent
	}
	return s.store.RecentEvents(ctx, tenant, limit)
}

// ScrapeRequest describes a discovery job. Type defaults to comments when
// post urls are given and followers otherwise.
type ScrapeRequest struct {
	Type        models.ScrapeType `json:"type,omitempty"`
	Target      string            `json:"target"`
	MaxLeads    int               `json:"max_leads,omitempty"`
	LeadGroupID *int64            `json:"lead_group_id,omitempty"`
	PostURLs    []string          `json:"post_urls,omitempty"`
}

// StartScrape records a running job and hands it to the job runner.
func (s *Service) StartScrape(ctx context.Context, tenant string, req ScrapeRequest) (models.ScrapeJob, error) {
	if err := validTenant(tenant); err != nil {
		return models.ScrapeJob{}, err
	}
	job, err := s.newJob(tenant, req)
	if err != nil {
		return models.ScrapeJob{}, err
	}
	if err := s.store.CreateScrapeJob(ctx, &job); err != nil {
		return models.ScrapeJob{}, fmt.Errorf("create scrape job: %w", err)
	}
	s.logger.InfoWithFields("Scrape job created", map[string]interface{}{
		"tenant": tenant,
		"job_id": job.ID,
		"type":   string(job.Type),
		"target": job.Target.String(),
	})

	if s.opts.Jobs != nil {
		if err := s.opts.Jobs.Submit(ctx, job); err != nil {
			// a job nobody will run must not block LatestRunningJob
			_ = s.store.FinishScrapeJob(context.WithoutCancel(ctx), job.ID, models.JobFailed, 0, err.Error(), s.clock.Now())
			return job, fmt.Errorf("submit scrape job %d: %w", job.ID, err)
		}
	}
	return job, nil
}

func (s *Service) newJob(tenant string, req ScrapeRequest) (models.ScrapeJob, error) {
	job := models.ScrapeJob{
		Tenant:      tenant,
		Type:        req.Type,
		Target:      models.Normalize(req.Target),
		MaxLeads:    req.MaxLeads,
		LeadGroupID: req.LeadGroupID,
	}
	for _, u := range req.PostURLs {
		if u = strings.TrimSpace(u); u != "" {
			job.PostURLs = append(job.PostURLs, u)
		}
	}
	if job.Type == "" {
		job.Type = models.ScrapeFollowers
		if len(job.PostURLs) > 0 {
			job.Type = models.ScrapeComments
		}
	}
	if job.MaxLeads <= 0 {
		job.MaxLeads = s.opts.DefaultMaxLeads
	}

	switch job.Type {
	case models.ScrapeFollowers:
		if !automation.IsValidHandle(job.Target) {
			return job, errs.New(errs.ErrorTypeConfig, fmt.Sprintf("invalid target username %q", req.Target))
		}
	case models.ScrapeComments:
		if len(job.PostURLs) == 0 {
			return job, errs.New(errs.ErrorTypeConfig, "comments scrape needs at least one post url")
		}
	default:
		return job, errs.New(errs.ErrorTypeConfig, fmt.Sprintf("unknown scrape type %q", job.Type))
	}
	return job, nil
}

// Scrape returns one of tenant's jobs.
func (s *Service) Scrape(ctx context.Context, tenant string, id int64) (models.ScrapeJob, error) {
	job, err := s.store.ScrapeJob(ctx, id)
	if err != nil {
		return models.ScrapeJob{}, err
	}
	if job.Tenant != tenant {
		return models.ScrapeJob{}, store.ErrNotFound
	}
	return job, nil
}

// LatestScrape returns tenant's newest running job.
func (s *Service) LatestScrape(ctx context.Context, tenant string) (models.ScrapeJob, error) {
	return s.store.LatestRunningJob(ctx, tenant)
}

// CancelScrape marks a job cancelled; the scraper notices at its next
// batch. A zero id selects the tenant's latest running job.
func (s *Service) CancelScrape(ctx context.Context, tenant string, id int64) (models.ScrapeJob, error) {
	var (
		job models.ScrapeJob
		err error
	)
	if id == 0 {
		job, err = s.store.LatestRunningJob(ctx, tenant)
	} else {
		job, err = s.Scrape(ctx, tenant, id)
	}
	if err != nil {
		return models.ScrapeJob{}, err
	}
	if job.Status.Terminal() {
		return job, ErrJobNotRunning
	}

	if err := s.store.CancelScrapeJob(ctx, job.ID, s.clock.Now()); err != nil {
		return job, fmt.Errorf("cancel scrape job %d: %w", job.ID, err)
	}
	if s.opts.Jobs != nil {
		s.opts.Jobs.Cancel(job.ID)
	}
	s.logger.InfoWithFields("Scrape job cancelled", map[string]interface{}{
		"tenant": tenant,
		"job_id": job.ID,
	})
	return s.store.ScrapeJob(ctx, job.ID)
}

// Templates returns the tenant's message template pool.
func (s *Service) Templates(ctx context.Context, tenant string) ([]string, error) {
	return s.store.MessageTemplates(ctx, tenant)
}

// AddTemplates appends texts to the tenant's template pool.
func (s *Service) AddTemplates(ctx context.Context, tenant string, texts []string) (int, error) {
	if err := validTenant(tenant); err != nil {
		return 0, err
	}
	n := 0
	for _, t := range texts {
		if strings.TrimSpace(t) == "" {
			continue
		}
		if _, err := s.store.AddMessageTemplate(ctx, tenant, t); err != nil {
			return n, err
		}
		n++
	}
	if n == 0 {
		return 0, errs.New(errs.ErrorTypeConfig, "messages must be a non-empty list")
	}
	return n, nil
}

// Leads returns the tenant's discovered and imported leads.
func (s *Service) Leads(ctx context.Context, tenant string) ([]models.Lead, error) {
	return s.store.Leads(ctx, tenant)
}

// ImportLeads stores handles as leads tagged "import" and reports how many
// were new.
func (s *Service) ImportLeads(ctx context.Context, tenant string, raw []string, groupID *int64) (int, error) {
	if err := validTenant(tenant); err != nil {
		return 0, err
	}
	var handles []models.Handle
	for _, r := range raw {
		if h := models.Normalize(r); h != "" {
			handles = append(handles, h)
		}
	}
	if len(handles) == 0 {
		return 0, nil
	}
	return s.store.UpsertLeads(ctx, tenant, handles, "import", groupID)
}

func (s *Service) wake(tenant string) {
	if s.opts.Waker != nil {
		s.opts.Waker.Wake(tenant)
	}
}

func validTenant(tenant string) error {
	if strings.TrimSpace(tenant) == "" {
		return errs.New(errs.ErrorTypeConfig, "tenant is required")
	}
	return nil
}
