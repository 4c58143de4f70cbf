// Package sender runs the rate-governed direct message loop: one unit of
// work at a time, checked against pause, the contact log and the send
// ceilings, sent through a pooled session and recorded before the next
// randomized delay.
package sender

import (
	"context"
	"errors"
	"time"

	"igoutreach/pkg/automation"
	"igoutreach/pkg/checkpoint"
	"igoutreach/pkg/clock"
	errs "igoutreach/pkg/errors"
	"igoutreach/pkg/events"
	"igoutreach/pkg/logger"
	"igoutreach/pkg/message"
	"igoutreach/pkg/models"
	"igoutreach/pkg/ratelimit"
	"igoutreach/pkg/retry"
	"igoutreach/pkg/session"
	"igoutreach/pkg/store"
)

// Store is the persistence the scheduler reads and appends to.
type Store interface {
	store.EventStore
	store.ControlStore
	Settings(ctx context.Context, tenant string) (models.TenantSettings, error)
}

// Deps are the collaborators of a Scheduler. Events and Checkpoint are
// optional.
type Deps struct {
	Store      Store
	Source     WorkSource
	Limiter    *ratelimit.Limiter
	Pool       *session.Pool
	Adapter    automation.Adapter
	Messages   *message.Source
	Clock      clock.Clock
	Logger     logger.Logger
	Events     events.Publisher
	Checkpoint *checkpoint.Manager
}

// StepResult describes one pass through the loop.
type StepResult struct {
	Item    models.WorkItem
	Outcome models.Outcome
	// Done is set when the source has no more work.
	Done bool
	// ResumeAt is when the next Step should run.
	ResumeAt time.Time
	// RetryAt is set on a limit skip: the earliest time the ceiling clears.
	RetryAt time.Time
}

// Counters are the per-run totals.
type Counters struct {
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Scheduler processes one tenant's work. It is not safe for concurrent
// use.
type Scheduler struct {
	deps   Deps
	opts   Options
	clock  clock.Clock
	logger logger.Logger
	events events.Publisher

	counters Counters
	cp       *checkpoint.Checkpoint
}

func New(deps Deps, opts Options) *Scheduler {
	opts = opts.withDefaults()
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.GetLogger()
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	return &Scheduler{
		deps:   deps,
		opts:   opts,
		clock:  deps.Clock,
		logger: logger.ForTenant(deps.Logger.WithField("component", "sender"), opts.Tenant),
		events: deps.Events,
	}
}

func (s *Scheduler) Tenant() string { return s.opts.Tenant }

func (s *Scheduler) Counters() Counters { return s.counters }

// Step selects the next unit of work and either sends it or explains why
// it was not sent. Per-target failures are recorded and never returned;
// errors are storage failures, cancellation or session.ErrNoSession.
func (s *Scheduler) Step(ctx context.Context) (StepResult, error) {
	tenant := s.opts.Tenant

	item, err := s.deps.Source.Next(ctx)
	var wait *WaitError
	switch {
	case errors.Is(err, ErrNoWork):
		return StepResult{Done: true}, nil
	case errors.As(err, &wait):
		s.logger.InfoWithFields("outside send window", map[string]interface{}{
			"resume_at": wait.Until,
		})
		s.checkpoint(checkpoint.StateSleeping, "", string(wait.Reason), wait.Until)
		return StepResult{Outcome: models.Skipped{Reason: wait.Reason}, ResumeAt: wait.Until}, nil
	case err != nil:
		return StepResult{}, err
	}

	now := s.clock.Now()
	res := StepResult{Item: item}

	paused, err := s.deps.Store.Paused(ctx, tenant)
	if err != nil {
		return res, err
	}
	if paused {
		res.Outcome = models.Skipped{Reason: models.SkipPaused}
		res.ResumeAt = now.Add(s.opts.PauseRecheck)
		s.logger.Debug("paused, rechecking later")
		s.checkpoint(checkpoint.StatePaused, "", string(models.SkipPaused), res.ResumeAt)
		return res, nil
	}

	contacted, err := s.deps.Store.AlreadyContacted(ctx, tenant, item.Target())
	if err != nil {
		return res, err
	}
	if contacted {
		res.Outcome = models.Skipped{Reason: models.SkipAlreadyContacted}
		res.ResumeAt = now
		return res, s.finish(ctx, item, res.Outcome)
	}

	var overrides models.Limits
	var delayOverride models.DelayBounds
	var campaignID int64
	if cw, ok := item.(models.CampaignWork); ok {
		overrides = cw.Limits
		delayOverride = cw.Delay
		campaignID = cw.CampaignID
	}

	decision, err := s.deps.Limiter.Allowed(ctx, tenant, overrides)
	if err != nil {
		return res, err
	}
	if !decision.OK {
		backoff := s.opts.DailyBackoff
		if decision.Reason == models.SkipHourlyLimit {
			backoff = s.opts.HourlyBackoff
		}
		sleep := draw(backoff)
		res.Outcome = models.Skipped{Reason: decision.Reason}
		res.ResumeAt = now.Add(sleep)
		res.RetryAt = decision.RetryAt
		logger.LogRateLimit(s.logger, decision.Reason, sleep, res.ResumeAt)
		s.publish(ctx, events.Event{
			Type:   events.TypeRateLimited,
			Tenant: tenant,
			Target: item.Target().String(),
			Status: string(decision.Reason),
			At:     now,
		})
		s.checkpoint(checkpoint.StateRateLimited, "", string(decision.Reason), res.ResumeAt)
		return res, nil
	}

	text, err := s.deps.Messages.Next(ctx, item)
	if err != nil {
		return res, err
	}

	sess, err := s.deps.Pool.Select(ctx, tenant, campaignID)
	if err != nil {
		return res, err
	}

	s.checkpoint(checkpoint.StateSending, item.Target().String(), "", time.Time{})
	outcome, err := s.send(ctx, sess, item.Target(), text)
	if err != nil {
		return res, err
	}
	res.Outcome = outcome

	ev := models.SendEvent{
		Tenant:  tenant,
		Target:  item.Target(),
		Message: text,
		Status:  models.StatusSuccess,
		SentAt:  s.clock.Now(),
	}
	if f, failed := outcome.(models.Failed); failed {
		ev.Status = models.StatusFailed
		ev.Reason = f.Reason
	}
	if cw, ok := item.(models.CampaignWork); ok {
		id := cw.CampaignID
		ev.CampaignID = &id
		ev.MessageGroupID = cw.MessageGroupID
	}
	if err := s.deps.Store.RecordEvent(ctx, &ev); err != nil {
		return res, err
	}
	if err := s.finish(ctx, item, outcome); err != nil {
		return res, err
	}

	bounds, err := s.delayBounds(ctx, delayOverride)
	if err != nil {
		return res, err
	}
	delay := draw(bounds)
	res.ResumeAt = s.clock.Now().Add(delay)
	s.logger.InfoWithFields("next send scheduled", map[string]interface{}{
		"delay":     delay.String(),
		"resume_at": res.ResumeAt,
	})
	s.checkpoint(checkpoint.StateSleeping, "", "", res.ResumeAt)
	return res, nil
}

// send makes up to MaxAttempts attempts. Context errors are returned; every
// other failure becomes a Failed outcome.
func (s *Scheduler) send(ctx context.Context, sess models.Session, target models.Handle, text string) (models.Outcome, error) {
	attempts := 0
	var lastErr error
	err := retry.Do(func() error {
		attempts++
		lastErr = s.attempt(ctx, sess, target, text)
		return lastErr
	}, &retry.Config{
		MaxAttempts: s.opts.MaxAttempts,
		Backoff:     &retry.UniformBackoff{Min: s.opts.RetryDelay.Min, Max: s.opts.RetryDelay.Max},
		Context:     ctx,
		Sleep:       s.clock.Sleep,
		Logger:      s.logger,
	})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err == nil {
		return models.Sent{Message: text, Attempts: attempts}, nil
	}

	switch errs.TypeOf(lastErr) {
	case errs.ErrorTypeStructural:
		return models.Failed{Reason: errs.ReasonOf(lastErr), Kind: models.FailureStructural, Attempts: attempts}, nil
	case errs.ErrorTypeSession:
		if err := s.deps.Pool.MarkExpired(ctx, sess); err != nil {
			return nil, err
		}
		return models.Failed{Reason: models.ReasonSessionExpired, Kind: models.FailureSession, Attempts: attempts}, nil
	}
	return models.Failed{Reason: errs.ReasonOf(lastErr), Kind: models.FailureTransient, Attempts: attempts}, nil
}

func (s *Scheduler) attempt(ctx context.Context, sess models.Session, target models.Handle, text string) error {
	ok, err := s.deps.Pool.EnsureActive(ctx, sess)
	if err != nil {
		return err
	}
	if !ok {
		e := errs.New(errs.ErrorTypeSession, "session is logged out")
		e.Reason = models.ReasonSessionExpired
		return e
	}
	result, err := s.deps.Adapter.Send(ctx, target, text)
	if err == nil && models.IsStructuralReason(result.Reason) {
		return errs.Structural(result.Reason)
	}
	return err
}

// delayBounds applies campaign > tenant > default precedence.
func (s *Scheduler) delayBounds(ctx context.Context, override models.DelayBounds) (models.DelayBounds, error) {
	st, err := s.deps.Store.Settings(ctx, s.opts.Tenant)
	if err != nil {
		return models.DelayBounds{}, err
	}
	return override.Or(st.Delay.Or(s.opts.Delay)), nil
}

// finish reports a terminal outcome to the source and the observers.
func (s *Scheduler) finish(ctx context.Context, item models.WorkItem, outcome models.Outcome) error {
	if err := s.deps.Source.Complete(ctx, item, outcome); err != nil {
		return err
	}
	switch outcome.(type) {
	case models.Sent:
		s.counters.Sent++
	case models.Failed:
		s.counters.Failed++
	case models.Skipped:
		s.counters.Skipped++
	}
	logger.LogOutcome(s.logger, item, outcome)
	s.publish(ctx, events.FromOutcome(s.opts.Tenant, item, outcome, s.clock.Now()))
	return nil
}

func (s *Scheduler) publish(ctx context.Context, ev events.Event) {
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.WithError(err).WarnWithFields("failed to publish event", map[string]interface{}{
			"type": string(ev.Type),
		})
	}
}

// Run drives the loop for a single tenant until the source is exhausted.
// Having no usable session at all is fatal.
func (s *Scheduler) Run(ctx context.Context) error {
	logger.LogComponentStart(s.logger, "sender", map[string]interface{}{
		"daily_limit":  s.opts.Limits.Daily,
		"hourly_limit": s.opts.Limits.Hourly,
		"min_delay":    s.opts.Delay.Min.String(),
		"max_delay":    s.opts.Delay.Max.String(),
	})
	s.startCheckpoint()

	if s.opts.InitialDelay.IsSet() {
		initial := draw(s.opts.InitialDelay)
		s.logger.InfoWithFields("waiting before first send", map[string]interface{}{
			"delay": initial.String(),
		})
		if err := s.clock.Sleep(ctx, initial); err != nil {
			return err
		}
	}

	for {
		res, err := s.Step(ctx)
		if err != nil {
			s.checkpoint(checkpoint.StateFailed, "", err.Error(), time.Time{})
			logger.LogComponentStop(s.logger, "sender", err.Error())
			if errors.Is(err, session.ErrNoSession) {
				return errs.Fatal(err, "no usable session")
			}
			return err
		}
		if res.Done {
			s.publish(ctx, events.Event{
				Type:   events.TypeRunFinished,
				Tenant: s.opts.Tenant,
				Count:  s.counters.Sent,
				At:     s.clock.Now(),
			})
			s.checkpoint(checkpoint.StateDone, "", "", time.Time{})
			logger.LogComponentStop(s.logger, "sender", "no pending work")
			return nil
		}
		if wait := res.ResumeAt.Sub(s.clock.Now()); wait > 0 {
			if err := s.clock.Sleep(ctx, wait); err != nil {
				return err
			}
		}
	}
}

type progresser interface {
	Progress() (int, int)
}

func (s *Scheduler) startCheckpoint() {
	if s.deps.Checkpoint == nil {
		return
	}
	total := 0
	if p, ok := s.deps.Source.(progresser); ok {
		_, total = p.Progress()
	}
	cp, err := s.deps.Checkpoint.Start(s.opts.Tenant, total)
	if err != nil {
		s.logger.WithError(err).Warn("failed to create checkpoint")
		return
	}
	s.cp = cp
}

func (s *Scheduler) checkpoint(state checkpoint.State, target, reason string, next time.Time) {
	if s.deps.Checkpoint == nil || s.cp == nil {
		return
	}
	s.cp.State = state
	s.cp.CurrentTarget = target
	s.cp.Reason = reason
	s.cp.NextActionAt = next
	s.cp.Sent = s.counters.Sent
	s.cp.Failed = s.counters.Failed
	s.cp.Skipped = s.counters.Skipped
	if p, ok := s.deps.Source.(progresser); ok {
		s.cp.Position, s.cp.Total = p.Progress()
	}
	if err := s.deps.Checkpoint.Save(s.cp); err != nil {
		s.logger.WithError(err).Warn("failed to save checkpoint")
	}
}
