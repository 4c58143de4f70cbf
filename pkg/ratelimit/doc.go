// Package ratelimit decides whether a tenant may send right now.
//
// Limits are read from the persisted contact log rather than kept in
// memory, so restarts and parallel processes share one view:
//
//   - Daily: successful sends recorded in today's UTC counter.
//   - Hourly: every recorded attempt in the rolling window [now-60m, now].
//
// Ceilings resolve campaign override, then tenant setting, then the global
// default. The daily ceiling never exceeds models.AbsoluteDailyCeiling.
//
// Usage:
//
//	limiter := ratelimit.New(st, st, models.Limits{Daily: 100, Hourly: 20}, clock.Real{})
//
//	d, err := limiter.Allowed(ctx, "acme", campaign.Limits)
//	if err != nil {
//	    return err
//	}
//	if !d.OK {
//	    // d.Reason is daily_limit or hourly_limit, d.RetryAt is the
//	    // earliest time the block can clear.
//	}
package ratelimit
