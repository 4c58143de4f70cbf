package ratelimit

import (
	"context"
	"time"

	"igoutreach/pkg/clock"
	"igoutreach/pkg/models"
)

// Window is the span of the rolling hourly count.
const Window = time.Hour

// EventCounter is the part of the contact log the limiter reads.
type EventCounter interface {
	DailyCounter(ctx context.Context, tenant, date string) (models.DailyCounter, error)
	EventsSince(ctx context.Context, tenant string, since time.Time) ([]time.Time, error)
}

// SettingsSource supplies tenant defaults.
type SettingsSource interface {
	Settings(ctx context.Context, tenant string) (models.TenantSettings, error)
}

// Decision is the result of a limit check.
type Decision struct {
	OK     bool
	Reason models.SkipReason
	// RetryAt is the earliest instant the block can clear. Zero when OK.
	RetryAt time.Time

	Limits    models.Limits
	SentToday int
	LastHour  int
}

// Limiter checks the daily and hourly ceilings against persisted events.
// It never writes.
type Limiter struct {
	events   EventCounter
	settings SettingsSource
	defaults models.Limits
	clock    clock.Clock
}

// New creates a Limiter. settings may be nil when there are no tenant
// defaults (single-tenant mode).
func New(events EventCounter, settings SettingsSource, defaults models.Limits, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Limiter{
		events:   events,
		settings: settings,
		defaults: defaults,
		clock:    clk,
	}
}

// Resolve layers overrides over tenant settings over the defaults and
// clamps the daily ceiling.
func (l *Limiter) Resolve(ctx context.Context, tenant string, overrides models.Limits) (models.Limits, error) {
	var tenantLimits models.Limits
	if l.settings != nil {
		st, err := l.settings.Settings(ctx, tenant)
		if err != nil {
			return models.Limits{}, err
		}
		tenantLimits = st.Limits
	}
	return Clamp(overrides.Or(tenantLimits).Or(l.defaults)), nil
}

// Clamp bounds the daily ceiling to models.AbsoluteDailyCeiling.
func Clamp(lim models.Limits) models.Limits {
	if lim.Daily <= 0 || lim.Daily > models.AbsoluteDailyCeiling {
		lim.Daily = models.AbsoluteDailyCeiling
	}
	return lim
}

// Allowed reports whether tenant may send now. The daily ceiling is checked
// first; an hourly ceiling of zero disables the hourly check.
func (l *Limiter) Allowed(ctx context.Context, tenant string, overrides models.Limits) (Decision, error) {
	lim, err := l.Resolve(ctx, tenant, overrides)
	if err != nil {
		return Decision{}, err
	}
	now := l.clock.Now()

	counter, err := l.events.DailyCounter(ctx, tenant, models.DateKey(now))
	if err != nil {
		return Decision{}, err
	}
	recent, err := l.events.EventsSince(ctx, tenant, now.Add(-Window))
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		OK:        true,
		Limits:    lim,
		SentToday: counter.Sent,
		LastHour:  len(recent),
	}

	if counter.Sent >= lim.Daily {
		d.OK = false
		d.Reason = models.SkipDailyLimit
		d.RetryAt = models.NextUTCMidnight(now)
		return d, nil
	}

	if lim.Hourly > 0 && len(recent) >= lim.Hourly {
		d.OK = false
		d.Reason = models.SkipHourlyLimit
		// the block clears once enough events age out of the window
		idx := len(recent) - lim.Hourly
		d.RetryAt = recent[idx].Add(Window)
		if !d.RetryAt.After(now) {
			d.RetryAt = now.Add(time.Second)
		}
	}
	return d, nil
}
