package sender

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"igoutreach/pkg/clock"
	"igoutreach/pkg/logger"
	"igoutreach/pkg/session"
)

// Stepper processes one unit of a tenant's work per call.
type Stepper interface {
	Step(ctx context.Context) (StepResult, error)
}

// TenantLister reports the tenants that currently have active campaigns.
type TenantLister interface {
	ActiveTenants(ctx context.Context) ([]string, error)
}

// StepperFactory builds the Stepper for a tenant on first use.
type StepperFactory func(tenant string) (Stepper, error)

// Orchestrator interleaves tenants on one worker: it always advances the
// tenant whose next action is earliest and sleeps when none is due.
type Orchestrator struct {
	tenants TenantLister
	factory StepperFactory
	clock   clock.Clock
	logger  logger.Logger

	// MaxSleep caps a single idle sleep so new tenants are noticed.
	MaxSleep time.Duration
	// IdlePoll is how long a tenant without pending leads is left alone.
	IdlePoll time.Duration
	// BlockFor parks a tenant whose step failed, e.g. without sessions.
	BlockFor time.Duration

	mu       sync.Mutex
	steppers map[string]Stepper
	nextAt   map[string]time.Time
	wake     chan struct{}
}

func NewOrchestrator(tenants TenantLister, factory StepperFactory, clk clock.Clock, log logger.Logger) *Orchestrator {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &Orchestrator{
		tenants:  tenants,
		factory:  factory,
		clock:    clk,
		logger:   log.WithField("component", "orchestrator"),
		MaxSleep: time.Hour,
		IdlePoll: 5 * time.Minute,
		BlockFor: 10 * time.Minute,
		steppers: make(map[string]Stepper),
		nextAt:   make(map[string]time.Time),
		wake:     make(chan struct{}, 1),
	}
}

// Wake makes tenant due immediately and interrupts an idle sleep.
func (o *Orchestrator) Wake(tenant string) {
	o.mu.Lock()
	delete(o.nextAt, tenant)
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// NextAt returns when tenant is next due; zero means now.
func (o *Orchestrator) NextAt(tenant string) time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.nextAt[tenant]
}

// Run loops until no tenant has an active campaign or ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	logger.LogComponentStart(o.logger, "orchestrator", nil)
	for {
		if err := ctx.Err(); err != nil {
			logger.LogComponentStop(o.logger, "orchestrator", err.Error())
			return err
		}

		tenants, err := o.tenants.ActiveTenants(ctx)
		if err != nil {
			return err
		}
		if len(tenants) == 0 {
			logger.LogComponentStop(o.logger, "orchestrator", "no active campaigns")
			return nil
		}

		now := o.clock.Now()
		tenant, due := o.pick(tenants)
		if due.After(now) {
			if err := o.sleep(ctx, due.Sub(now)); err != nil {
				logger.LogComponentStop(o.logger, "orchestrator", err.Error())
				return err
			}
			continue
		}

		stepper, err := o.stepper(tenant)
		if err != nil {
			return err
		}
		res, err := stepper.Step(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		o.schedule(tenant, res, err)
	}
}

// pick returns the tenant with the earliest due time, ties broken by name.
func (o *Orchestrator) pick(tenants []string) (string, time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()

	sorted := append([]string(nil), tenants...)
	sort.Strings(sorted)

	best := sorted[0]
	bestAt := o.nextAt[best]
	for _, t := range sorted[1:] {
		if at := o.nextAt[t]; at.Before(bestAt) {
			best, bestAt = t, at
		}
	}
	return best, bestAt
}

func (o *Orchestrator) stepper(tenant string) (Stepper, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.steppers[tenant]; ok {
		return s, nil
	}
	s, err := o.factory(tenant)
	if err != nil {
		return nil, err
	}
	o.steppers[tenant] = s
	return s, nil
}

func (o *Orchestrator) schedule(tenant string, res StepResult, err error) {
	now := o.clock.Now()
	var next time.Time
	switch {
	case err != nil:
		next = now.Add(o.BlockFor)
		fields := map[string]interface{}{
			"tenant":    tenant,
			"resume_at": next,
		}
		if errors.Is(err, session.ErrNoSession) {
			o.logger.WarnWithFields("tenant has no usable session", fields)
		} else {
			o.logger.WithError(err).ErrorWithFields("tenant step failed", fields)
		}
	case res.Done:
		next = now.Add(o.IdlePoll)
	default:
		next = res.ResumeAt
		if !res.RetryAt.IsZero() && res.RetryAt.Before(next) {
			next = res.RetryAt
		}
	}

	o.mu.Lock()
	o.nextAt[tenant] = next
	o.mu.Unlock()
}

// sleep waits for d, capped at MaxSleep, or until Wake is called.
func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	if o.MaxSleep > 0 && d > o.MaxSleep {
		d = o.MaxSleep
	}
	sleepCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-o.wake:
			cancel()
		case <-done:
		}
	}()

	_ = o.clock.Sleep(sleepCtx, d)
	return ctx.Err()
}
