package sender

import (
	"time"

	"igoutreach/pkg/config"
	"igoutreach/pkg/models"
	"igoutreach/pkg/retry"
)

// Options controls the pacing of one tenant's send loop.
type Options struct {
	Tenant string
	// Limits and Delay are the global defaults; tenant settings and
	// campaign overrides take precedence.
	Limits models.Limits
	Delay  models.DelayBounds

	// InitialDelay is slept once before the first send of a Run.
	InitialDelay models.DelayBounds
	MaxAttempts  int
	RetryDelay   models.DelayBounds

	PauseRecheck  time.Duration
	DailyBackoff  models.DelayBounds
	HourlyBackoff models.DelayBounds
}

// DefaultOptions returns the production pacing for tenant.
func DefaultOptions(tenant string) Options {
	return Options{
		Tenant:        tenant,
		Limits:        models.Limits{Daily: 100, Hourly: 20},
		Delay:         models.DelayBounds{Min: 5 * time.Minute, Max: 30 * time.Minute},
		InitialDelay:  models.DelayBounds{Min: time.Minute, Max: 3 * time.Minute},
		MaxAttempts:   3,
		RetryDelay:    models.DelayBounds{Min: 2 * time.Second, Max: 5 * time.Second},
		PauseRecheck:  30 * time.Second,
		DailyBackoff:  models.DelayBounds{Min: 5 * time.Minute, Max: 10 * time.Minute},
		HourlyBackoff: models.DelayBounds{Min: 55 * time.Minute, Max: 60 * time.Minute},
	}
}

// OptionsFromConfig maps the sending section of cfg onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	o := DefaultOptions(cfg.Sending.Tenant)
	o.Limits = models.Limits{Daily: cfg.Sending.DailyLimit, Hourly: cfg.Sending.MaxPerHour}.Or(o.Limits)
	o.Delay = models.DelayBounds{Min: cfg.Sending.MinDelay, Max: cfg.Sending.MaxDelay}.Or(o.Delay)
	o.InitialDelay = models.DelayBounds{Min: cfg.Sending.InitialDelayMin, Max: cfg.Sending.InitialDelayMax}.Or(o.InitialDelay)
	if cfg.Sending.MaxAttempts > 0 {
		o.MaxAttempts = cfg.Sending.MaxAttempts
	}
	return o
}

func (o Options) withDefaults() Options {
	d := DefaultOptions(o.Tenant)
	if o.Tenant == "" {
		o.Tenant = "default"
	}
	o.Limits = o.Limits.Or(d.Limits)
	o.Delay = o.Delay.Or(d.Delay)
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	o.RetryDelay = o.RetryDelay.Or(d.RetryDelay)
	if o.PauseRecheck <= 0 {
		o.PauseRecheck = d.PauseRecheck
	}
	o.DailyBackoff = o.DailyBackoff.Or(d.DailyBackoff)
	o.HourlyBackoff = o.HourlyBackoff.Or(d.HourlyBackoff)
	return o
}

func draw(b models.DelayBounds) time.Duration {
	return retry.Between(b.Min, b.Max)
}
