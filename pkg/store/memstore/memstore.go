// Package memstore is an in-memory store.Store used by tests and dry runs.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"igoutreach/pkg/models"
	"igoutreach/pkg/store"
)

type usageKey struct {
	session int64
	date    string
}

type counterKey struct {
	tenant string
	date   string
}

type templateRow struct {
	id     int64
	tenant string
	text   string
}

type groupText struct {
	tenant string
	text   string
}

// Store keeps every table in maps guarded by one mutex.
type Store struct {
	mu sync.Mutex

	nextID int64

	events    []models.SendEvent
	counters  map[counterKey]*models.DailyCounter
	paused    map[string]bool
	settings  map[string]models.TenantSettings
	templates []templateRow
	groups    map[int64][]groupText

	sessions        map[int64]models.Session
	campaignSession map[int64][]int64
	usage           map[usageKey]int

	leads         []models.Lead
	conversations map[string]map[models.Handle]struct{}

	campaigns     map[int64]*models.Campaign
	campaignGroup map[int64][]int64
	campaignLeads []*models.CampaignLead

	jobs map[int64]*models.ScrapeJob
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		counters:        make(map[counterKey]*models.DailyCounter),
		paused:          make(map[string]bool),
		settings:        make(map[string]models.TenantSettings),
		groups:          make(map[int64][]groupText),
		sessions:        make(map[int64]models.Session),
		campaignSession: make(map[int64][]int64),
		usage:           make(map[usageKey]int),
		conversations:   make(map[string]map[models.Handle]struct{}),
		campaigns:       make(map[int64]*models.Campaign),
		campaignGroup:   make(map[int64][]int64),
		jobs:            make(map[int64]*models.ScrapeJob),
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *Store) Close() error { return nil }

// Events returns a copy of the log, for assertions.
func (s *Store) Events() []models.SendEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.SendEvent, len(s.events))
	copy(out, s.events)
	return out
}

func (s *Store) AlreadyContacted(_ context.Context, tenant string, target models.Handle) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.Tenant == tenant && ev.Target == target {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) RecordEvent(_ context.Context, ev *models.SendEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev.ID = s.id()
	s.events = append(s.events, *ev)

	key := counterKey{ev.Tenant, models.DateKey(ev.SentAt)}
	c, ok := s.counters[key]
	if !ok {
		c = &models.DailyCounter{Tenant: key.tenant, Date: key.date}
		s.counters[key] = c
	}
	if ev.Status == models.StatusSuccess {
		c.Sent++
	} else {
		c.Failed++
	}
	return nil
}

func (s *Store) DailyCounter(_ context.Context, tenant, date string) (models.DailyCounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counters[counterKey{tenant, date}]; ok {
		return *c, nil
	}
	return models.DailyCounter{Tenant: tenant, Date: date}, nil
}

func (s *Store) EventsSince(_ context.Context, tenant string, since time.Time) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []time.Time
	for _, ev := range s.events {
		if ev.Tenant == tenant && !ev.SentAt.Before(since) {
			out = append(out, ev.SentAt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (s *Store) RecentEvents(_ context.Context, tenant string, limit int) ([]models.SendEvent, error) {
	if limit <= 0 || limit > store.MaxRecent {
		limit = store.MaxRecent
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SendEvent
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if s.events[i].Tenant == tenant {
			out = append(out, s.events[i])
		}
	}
	return out, nil
}

func (s *Store) Totals(_ context.Context, tenant string) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sent, failed int
	for _, c := range s.counters {
		if c.Tenant == tenant {
			sent += c.Sent
			failed += c.Failed
		}
	}
	return sent, failed, nil
}

func (s *Store) ResetFailed(_ context.Context, tenant, date string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.events[:0]
	removed := 0
	for _, ev := range s.events {
		if ev.Tenant == tenant && ev.Status == models.StatusFailed {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	s.events = kept
	if c, ok := s.counters[counterKey{tenant, date}]; ok {
		c.Failed = 0
	}
	return removed, nil
}

func (s *Store) ResetDaily(_ context.Context, tenant, date string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counters, counterKey{tenant, date})
	return nil
}

func (s *Store) Paused(_ context.Context, tenant string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused[tenant], nil
}

func (s *Store) SetPaused(_ context.Context, tenant string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused[tenant] = paused
	return nil
}

func (s *Store) Settings(_ context.Context, tenant string) (models.TenantSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.settings[tenant]
	if !ok {
		st.Tenant = tenant
	}
	return st, nil
}

func (s *Store) SaveSettings(_ context.Context, st models.TenantSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[st.Tenant] = st
	return nil
}

func (s *Store) MessageTemplates(_ context.Context, tenant string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, t := range s.templates {
		if t.tenant == tenant {
			out = append(out, t.text)
		}
	}
	return out, nil
}

func (s *Store) AddMessageTemplate(_ context.Context, tenant, text string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.id()
	s.templates = append(s.templates, templateRow{id: id, tenant: tenant, text: text})
	return id, nil
}

func (s *Store) MessageTemplate(_ context.Context, tenant string, id int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.templates {
		if t.id == id && t.tenant == tenant {
			return t.text, nil
		}
	}
	return "", store.ErrNotFound
}

func (s *Store) MessageGroupTexts(_ context.Context, tenant string, groupID int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, g := range s.groups[groupID] {
		if g.tenant == tenant {
			out = append(out, g.text)
		}
	}
	return out, nil
}

func (s *Store) AddMessageGroupText(_ context.Context, tenant string, groupID int64, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[groupID] = append(s.groups[groupID], groupText{tenant: tenant, text: text})
	return nil
}

func (s *Store) sortedSessions(filter func(models.Session) bool) []models.Session {
	var out []models.Session
	for _, sess := range s.sessions {
		if filter(sess) {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) Sessions(_ context.Context, tenant string, kind models.SessionKind) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedSessions(func(sess models.Session) bool {
		return sess.Tenant == tenant && (kind == "" || sess.Kind == kind)
	}), nil
}

func (s *Store) CampaignSessions(_ context.Context, tenant string, campaignID int64) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Session
	for _, id := range s.campaignSession[campaignID] {
		if sess, ok := s.sessions[id]; ok && sess.Tenant == tenant {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) AssignSession(_ context.Context, campaignID, sessionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.campaignSession[campaignID] {
		if id == sessionID {
			return nil
		}
	}
	s.campaignSession[campaignID] = append(s.campaignSession[campaignID], sessionID)
	return nil
}

func (s *Store) Session(_ context.Context, id int64) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return models.Session{}, store.ErrNotFound
	}
	return sess, nil
}

// SaveSession inserts a new session or replaces the one for the same
// tenant, account and kind.
func (s *Store) SaveSession(_ context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.ID == 0 {
		for id, existing := range s.sessions {
			if existing.Tenant == sess.Tenant && existing.Account == sess.Account && existing.Kind == sess.Kind {
				sess.ID = id
				break
			}
		}
	}
	if sess.ID == 0 {
		sess.ID = s.id()
	}
	if sess.Kind == "" {
		sess.Kind = models.SessionSender
	}
	s.sessions[sess.ID] = *sess
	return nil
}

func (s *Store) MarkSessionExpired(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	sess.Expired = true
	s.sessions[id] = sess
	return nil
}

func (s *Store) PlatformSessions(_ context.Context) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedSessions(func(sess models.Session) bool {
		return sess.Kind == models.SessionPlatform
	}), nil
}

func (s *Store) ActionsToday(_ context.Context, sessionID int64, date string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage[usageKey{sessionID, date}], nil
}

func (s *Store) AddActions(_ context.Context, sessionID int64, date string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[usageKey{sessionID, date}] += n
	return nil
}

func (s *Store) UpsertLeads(_ context.Context, tenant string, handles []models.Handle, source string, groupID *int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := make(map[models.Handle]int)
	for i, l := range s.leads {
		if l.Tenant == tenant {
			index[l.Handle] = i
		}
	}

	added := 0
	for _, h := range handles {
		h = models.Normalize(string(h))
		if h == "" {
			continue
		}
		if i, ok := index[h]; ok {
			if groupID != nil {
				g := *groupID
				s.leads[i].LeadGroupID = &g
				s.leads[i].Source = source
			}
			continue
		}
		lead := models.Lead{
			ID:      s.id(),
			Tenant:  tenant,
			Handle:  h,
			Source:  source,
			AddedAt: time.Now().UTC(),
		}
		if groupID != nil {
			g := *groupID
			lead.LeadGroupID = &g
		}
		s.leads = append(s.leads, lead)
		index[h] = len(s.leads) - 1
		added++
	}
	return added, nil
}

func (s *Store) Leads(_ context.Context, tenant string) ([]models.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Lead
	for _, l := range s.leads {
		if l.Tenant == tenant {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *Store) ConversationParticipants(_ context.Context, tenant string) (map[models.Handle]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[models.Handle]struct{}, len(s.conversations[tenant]))
	for h := range s.conversations[tenant] {
		out[h] = struct{}{}
	}
	return out, nil
}

func (s *Store) AddConversationParticipant(_ context.Context, tenant string, h models.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversations[tenant] == nil {
		s.conversations[tenant] = make(map[models.Handle]struct{})
	}
	s.conversations[tenant][models.Normalize(string(h))] = struct{}{}
	return nil
}

func (s *Store) ActiveTenants(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, c := range s.campaigns {
		if c.Status == models.CampaignActive && !seen[c.Tenant] {
			seen[c.Tenant] = true
			out = append(out, c.Tenant)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) ActiveCampaigns(_ context.Context, tenant string) ([]models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Campaign
	for _, c := range s.campaigns {
		if c.Tenant == tenant && c.Status == models.CampaignActive {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CreateCampaign(_ context.Context, c *models.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = s.id()
	if c.Status == "" {
		c.Status = models.CampaignActive
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	cp := *c
	s.campaigns[c.ID] = &cp
	return nil
}

func (s *Store) LinkLeadGroup(_ context.Context, campaignID, leadGroupID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaignGroup[campaignID] = append(s.campaignGroup[campaignID], leadGroupID)
	return nil
}

func (s *Store) NextCampaignLead(_ context.Context, campaignID int64) (models.CampaignLead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[campaignID]
	if !ok {
		return models.CampaignLead{}, store.ErrNotFound
	}

	queued := make(map[int64]bool)
	for _, cl := range s.campaignLeads {
		if cl.CampaignID == campaignID {
			queued[cl.LeadID] = true
		}
	}
	for _, g := range s.campaignGroup[campaignID] {
		for _, l := range s.leads {
			if l.Tenant != c.Tenant || l.LeadGroupID == nil || *l.LeadGroupID != g || queued[l.ID] {
				continue
			}
			queued[l.ID] = true
			s.campaignLeads = append(s.campaignLeads, &models.CampaignLead{
				ID:         s.id(),
				CampaignID: campaignID,
				LeadID:     l.ID,
				Target:     l.Handle,
				FirstName:  l.FirstName,
				LastName:   l.LastName,
				Status:     models.LeadPending,
				CreatedAt:  time.Now().UTC(),
			})
		}
	}

	for _, cl := range s.campaignLeads {
		if cl.CampaignID == campaignID && cl.Status == models.LeadPending {
			return *cl, nil
		}
	}
	return models.CampaignLead{}, store.ErrNotFound
}

func (s *Store) UpdateCampaignLead(_ context.Context, id int64, status models.LeadStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var target *models.CampaignLead
	for _, cl := range s.campaignLeads {
		if cl.ID == id {
			target = cl
			break
		}
	}
	if target == nil {
		return store.ErrNotFound
	}
	target.Status = status
	if status == models.LeadSent {
		t := at.UTC()
		target.SentAt = &t
	}

	for _, cl := range s.campaignLeads {
		if cl.CampaignID == target.CampaignID && cl.Status == models.LeadPending {
			return nil
		}
	}
	if c, ok := s.campaigns[target.CampaignID]; ok {
		c.Status = models.CampaignCompleted
	}
	return nil
}

// CampaignLeads returns the queue of a campaign, for assertions.
func (s *Store) CampaignLeads(campaignID int64) []models.CampaignLead {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CampaignLead
	for _, cl := range s.campaignLeads {
		if cl.CampaignID == campaignID {
			out = append(out, *cl)
		}
	}
	return out
}

// Campaign returns a campaign by id, for assertions.
func (s *Store) Campaign(id int64) (models.Campaign, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return models.Campaign{}, false
	}
	return *c, true
}

func (s *Store) CreateScrapeJob(_ context.Context, job *models.ScrapeJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.ID = s.id()
	if job.Status == "" {
		job.Status = models.JobRunning
	}
	if job.StartedAt.IsZero() {
		job.StartedAt = time.Now().UTC()
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *Store) ScrapeJob(_ context.Context, id int64) (models.ScrapeJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.ScrapeJob{}, store.ErrNotFound
	}
	return *job, nil
}

func (s *Store) LatestRunningJob(_ context.Context, tenant string) (models.ScrapeJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.ScrapeJob
	for _, job := range s.jobs {
		if job.Tenant != tenant || job.Status != models.JobRunning {
			continue
		}
		if latest == nil || job.StartedAt.After(latest.StartedAt) ||
			(job.StartedAt.Equal(latest.StartedAt) && job.ID > latest.ID) {
			latest = job
		}
	}
	if latest == nil {
		return models.ScrapeJob{}, store.ErrNotFound
	}
	return *latest, nil
}

func (s *Store) UpdateScrapeProgress(_ context.Context, id int64, scraped int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	job.ScrapedCount = scraped
	return nil
}

func (s *Store) FinishScrapeJob(_ context.Context, id int64, status models.JobStatus, scraped int, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	job.ScrapedCount = scraped
	if job.Status.Terminal() {
		return nil
	}
	job.Status = status
	job.Error = errMsg
	t := at.UTC()
	job.FinishedAt = &t
	return nil
}

func (s *Store) CancelScrapeJob(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if job.Status.Terminal() {
		return nil
	}
	job.Status = models.JobCancelled
	t := at.UTC()
	job.FinishedAt = &t
	return nil
}
