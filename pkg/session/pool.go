// Package session rotates authenticated cookie sets across sends and
// scrapes and is the only place that marks a session expired.
package session

import (
	"context"
	"fmt"
	"sync"

	"igoutreach/pkg/automation"
	"igoutreach/pkg/clock"
	errs "igoutreach/pkg/errors"
	"igoutreach/pkg/logger"
	"igoutreach/pkg/models"
	"igoutreach/pkg/store"
)

// ErrNoSession is returned when a tenant has no usable session left.
var ErrNoSession = &errs.Error{
	Type:    errs.ErrorTypeSession,
	Message: "no usable session",
	Reason:  models.ReasonSessionExpired,
}

type cursorKey struct {
	tenant   string
	campaign int64
}

// Pool selects sessions and keeps track of which one the adapter holds.
type Pool struct {
	store   store.SessionStore
	adapter automation.Adapter
	clock   clock.Clock
	logger  logger.Logger

	mu      sync.Mutex
	cursors map[cursorKey]int
	active  int64
}

// NewPool returns a pool driving adapter. adapter may be nil when only
// scraper selection is needed.
func NewPool(st store.SessionStore, adapter automation.Adapter, clk clock.Clock, log logger.Logger) *Pool {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &Pool{
		store:   st,
		adapter: adapter,
		clock:   clk,
		logger:  log.WithField("component", "session_pool"),
		cursors: make(map[cursorKey]int),
	}
}

func usable(in []models.Session) []models.Session {
	out := in[:0:0]
	for _, s := range in {
		if !s.Expired {
			out = append(out, s)
		}
	}
	return out
}

// Select returns the next session for a campaign in round-robin order.
// Sessions assigned to the campaign take priority; without any, every
// sender session of the tenant is in rotation. campaignID 0 selects from
// the tenant's sender sessions.
func (p *Pool) Select(ctx context.Context, tenant string, campaignID int64) (models.Session, error) {
	var candidates []models.Session
	if campaignID > 0 {
		assigned, err := p.store.CampaignSessions(ctx, tenant, campaignID)
		if err != nil {
			return models.Session{}, err
		}
		candidates = usable(assigned)
	}
	if len(candidates) == 0 {
		all, err := p.store.Sessions(ctx, tenant, models.SessionSender)
		if err != nil {
			return models.Session{}, err
		}
		candidates = usable(all)
	}
	if len(candidates) == 0 {
		return models.Session{}, ErrNoSession
	}

	p.mu.Lock()
	key := cursorKey{tenant: tenant, campaign: campaignID}
	idx := p.cursors[key] % len(candidates)
	p.cursors[key] = idx + 1
	p.mu.Unlock()

	return candidates[idx], nil
}

// EnsureActive makes sess the adapter's session. When it already is, the
// session is only re-checked. A session that lands on the login page is
// marked expired and false is returned; adapter errors leave the session
// untouched.
func (p *Pool) EnsureActive(ctx context.Context, sess models.Session) (bool, error) {
	if p.adapter == nil {
		return false, errs.New(errs.ErrorTypeConfig, "session pool has no adapter")
	}

	p.mu.Lock()
	current := p.active
	p.mu.Unlock()

	var (
		ok  bool
		err error
	)
	if current == sess.ID && current != 0 {
		ok, err = p.adapter.CheckSession(ctx)
	} else {
		p.logger.InfoWithFields("switching session", map[string]interface{}{
			"session_id": sess.ID,
			"account":    sess.Account.String(),
		})
		ok, err = p.adapter.UseSession(ctx, sess.Cookies)
	}
	if err != nil {
		p.setActive(0)
		return false, err
	}
	if ok {
		p.setActive(sess.ID)
		return true, nil
	}
	return false, p.MarkExpired(ctx, sess)
}

// MarkExpired takes sess out of rotation, e.g. after an action was
// rejected for being logged out.
func (p *Pool) MarkExpired(ctx context.Context, sess models.Session) error {
	p.mu.Lock()
	if p.active == sess.ID {
		p.active = 0
	}
	p.mu.Unlock()

	p.logger.WarnWithFields("session expired", map[string]interface{}{
		"session_id": sess.ID,
		"account":    sess.Account.String(),
	})
	if err := p.store.MarkSessionExpired(ctx, sess.ID); err != nil {
		return fmt.Errorf("mark session %d expired: %w", sess.ID, err)
	}
	return nil
}

func (p *Pool) setActive(id int64) {
	p.mu.Lock()
	p.active = id
	p.mu.Unlock()
}

// Active returns the id of the session the adapter currently holds, or 0.
func (p *Pool) Active() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// PickScraper returns the shared platform session with the least usage
// today that is still under its quota, falling back to the tenant's own
// scraper session.
func (p *Pool) PickScraper(ctx context.Context, tenant string) (models.Session, error) {
	today := models.DateKey(p.clock.Now())

	platform, err := p.store.PlatformSessions(ctx)
	if err != nil {
		return models.Session{}, err
	}
	var (
		best     models.Session
		bestUsed = -1
	)
	for _, s := range usable(platform) {
		used, err := p.store.ActionsToday(ctx, s.ID, today)
		if err != nil {
			return models.Session{}, err
		}
		if used >= s.ActionLimit() {
			continue
		}
		if bestUsed < 0 || used < bestUsed {
			best, bestUsed = s, used
		}
	}
	if bestUsed >= 0 {
		return best, nil
	}

	own, err := p.store.Sessions(ctx, tenant, models.SessionScraper)
	if err != nil {
		return models.Session{}, err
	}
	if own = usable(own); len(own) > 0 {
		return own[0], nil
	}
	return models.Session{}, ErrNoSession
}

// RecordActions adds n scrape actions to the session's usage for today.
func (p *Pool) RecordActions(ctx context.Context, sessionID int64, n int) error {
	if sessionID == 0 || n <= 0 {
		return nil
	}
	return p.store.AddActions(ctx, sessionID, models.DateKey(p.clock.Now()), n)
}
