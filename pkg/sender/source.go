package sender

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"igoutreach/pkg/clock"
	"igoutreach/pkg/message"
	"igoutreach/pkg/models"
	"igoutreach/pkg/store"
)

// ErrNoWork is returned by a WorkSource with nothing left to hand out.
var ErrNoWork = errors.New("no pending work")

// WaitError is returned when work exists but may not be started before
// Until, e.g. every campaign is outside its send window.
type WaitError struct {
	Until  time.Time
	Reason models.SkipReason
}

func (e *WaitError) Error() string {
	return fmt.Sprintf("%s until %s", e.Reason, e.Until.Format(time.RFC3339))
}

// WorkSource hands out work items one at a time.
type WorkSource interface {
	Next(ctx context.Context) (models.WorkItem, error)
	// Complete reports the final outcome of the item last returned by Next.
	Complete(ctx context.Context, item models.WorkItem, outcome models.Outcome) error
}

// LeadListSource walks a flat list of targets. The cursor moves past a
// target once it was sent or skipped; a failed target is offered again and
// then dropped by the contact log check.
type LeadListSource struct {
	mu      sync.Mutex
	targets []models.Handle
	pos     int
}

func NewLeadListSource(targets []models.Handle) *LeadListSource {
	return &LeadListSource{targets: targets}
}

func (s *LeadListSource) Next(context.Context) (models.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.targets) {
		return nil, ErrNoWork
	}
	return models.LeadWork{Handle: s.targets[s.pos]}, nil
}

func (s *LeadListSource) Complete(_ context.Context, item models.WorkItem, outcome models.Outcome) error {
	if _, failed := outcome.(models.Failed); failed {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos < len(s.targets) && s.targets[s.pos] == item.Target() {
		s.pos++
	}
	return nil
}

// Progress returns the cursor position and the list length.
func (s *LeadListSource) Progress() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos, len(s.targets)
}

// ContactChecker is the part of the contact log used to pre-filter lists.
type ContactChecker interface {
	AlreadyContacted(ctx context.Context, tenant string, target models.Handle) (bool, error)
}

// FilterUncontacted drops handles that already have a contact log entry
// for tenant, keeping order and removing duplicates.
func FilterUncontacted(ctx context.Context, log ContactChecker, tenant string, handles []models.Handle) ([]models.Handle, error) {
	seen := make(map[models.Handle]struct{}, len(handles))
	out := make([]models.Handle, 0, len(handles))
	for _, h := range handles {
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		done, err := log.AlreadyContacted(ctx, tenant, h)
		if err != nil {
			return nil, err
		}
		if !done {
			out = append(out, h)
		}
	}
	return out, nil
}

// CampaignQueue is the store surface read by CampaignSource.
type CampaignQueue interface {
	ActiveCampaigns(ctx context.Context, tenant string) ([]models.Campaign, error)
	NextCampaignLead(ctx context.Context, campaignID int64) (models.CampaignLead, error)
	UpdateCampaignLead(ctx context.Context, id int64, status models.LeadStatus, at time.Time) error
	MessageTemplate(ctx context.Context, tenant string, id int64) (string, error)
	MessageGroupTexts(ctx context.Context, tenant string, groupID int64) ([]string, error)
}

// CampaignSource draws pending leads from a tenant's active campaigns in
// campaign order, honoring each campaign's daily send window.
type CampaignSource struct {
	queue  CampaignQueue
	tenant string
	clock  clock.Clock
	msgs   *message.Source
}

func NewCampaignSource(queue CampaignQueue, tenant string, clk clock.Clock, msgs *message.Source) *CampaignSource {
	if clk == nil {
		clk = clock.Real{}
	}
	return &CampaignSource{queue: queue, tenant: tenant, clock: clk, msgs: msgs}
}

func (s *CampaignSource) Next(ctx context.Context) (models.WorkItem, error) {
	campaigns, err := s.queue.ActiveCampaigns(ctx, s.tenant)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	var opensAt time.Time
	for _, c := range campaigns {
		if !c.Schedule.Contains(now) {
			next := c.Schedule.NextStart(now)
			if opensAt.IsZero() || next.Before(opensAt) {
				opensAt = next
			}
			continue
		}

		cl, err := s.queue.NextCampaignLead(ctx, c.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		text, err := s.messageText(ctx, c)
		if err != nil {
			return nil, err
		}
		return models.CampaignWork{
			Handle:         cl.Target,
			Tenant:         s.tenant,
			CampaignID:     c.ID,
			CampaignLeadID: cl.ID,
			LeadID:         cl.LeadID,
			MessageText:    text,
			MessageGroupID: c.MessageGroupID,
			FirstName:      cl.FirstName,
			LastName:       cl.LastName,
			Limits:         c.Limits,
			Delay:          c.Delay,
			EnqueuedAt:     cl.CreatedAt,
		}, nil
	}

	if !opensAt.IsZero() {
		return nil, &WaitError{Until: opensAt, Reason: models.SkipOutsideSchedule}
	}
	return nil, ErrNoWork
}

// messageText prefers a random text of the campaign's message group, then
// its fixed template. Empty means the tenant pool decides.
func (s *CampaignSource) messageText(ctx context.Context, c models.Campaign) (string, error) {
	if c.MessageGroupID != nil {
		texts, err := s.queue.MessageGroupTexts(ctx, s.tenant, *c.MessageGroupID)
		if err != nil {
			return "", err
		}
		if s.msgs != nil {
			if text := s.msgs.Pick(texts); text != "" {
				return text, nil
			}
		}
	}
	if c.MessageTemplateID != nil {
		text, err := s.queue.MessageTemplate(ctx, s.tenant, *c.MessageTemplateID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
		return text, nil
	}
	return "", nil
}

func (s *CampaignSource) Complete(ctx context.Context, item models.WorkItem, outcome models.Outcome) error {
	cw, ok := item.(models.CampaignWork)
	if !ok {
		return nil
	}
	var status models.LeadStatus
	switch o := outcome.(type) {
	case models.Sent:
		status = models.LeadSent
	case models.Failed:
		status = models.LeadFailed
	case models.Skipped:
		if o.Reason != models.SkipAlreadyContacted {
			return nil
		}
		status = models.LeadSkipped
	default:
		return nil
	}
	return s.queue.UpdateCampaignLead(ctx, cw.CampaignLeadID, status, s.clock.Now())
}
