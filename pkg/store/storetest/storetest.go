// Package storetest is a behavioural suite every store.Store implementation
// must pass.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"igoutreach/pkg/models"
	"igoutreach/pkg/store"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) store.Store

var base = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

// Run executes the full suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"EventsAndCounters", testEventsAndCounters},
		{"EventsSince", testEventsSince},
		{"RecentAndTotals", testRecentAndTotals},
		{"ResetFailed", testResetFailed},
		{"ResetDaily", testResetDaily},
		{"Control", testControl},
		{"Settings", testSettings},
		{"Templates", testTemplates},
		{"Sessions", testSessions},
		{"ScraperUsage", testScraperUsage},
		{"Leads", testLeads},
		{"Conversations", testConversations},
		{"CampaignQueue", testCampaignQueue},
		{"ScrapeJobs", testScrapeJobs},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func record(t *testing.T, s store.Store, tenant, target string, status models.EventStatus, at time.Time) models.SendEvent {
	t.Helper()
	ev := models.SendEvent{
		Tenant:  tenant,
		Target:  models.Normalize(target),
		Message: "hi",
		Status:  status,
		SentAt:  at,
	}
	if status == models.StatusFailed {
		ev.Reason = "transient"
	}
	require.NoError(t, s.RecordEvent(context.Background(), &ev))
	require.NotZero(t, ev.ID)
	return ev
}

func testEventsAndCounters(t *testing.T, s store.Store) {
	ctx := context.Background()

	contacted, err := s.AlreadyContacted(ctx, "t1", "alice")
	require.NoError(t, err)
	assert.False(t, contacted)

	record(t, s, "t1", "alice", models.StatusSuccess, base)
	record(t, s, "t1", "bob", models.StatusFailed, base.Add(time.Minute))
	record(t, s, "t2", "carol", models.StatusSuccess, base)

	contacted, err = s.AlreadyContacted(ctx, "t1", "alice")
	require.NoError(t, err)
	assert.True(t, contacted)

	// failed events count as contacted too
	contacted, err = s.AlreadyContacted(ctx, "t1", "bob")
	require.NoError(t, err)
	assert.True(t, contacted)

	contacted, err = s.AlreadyContacted(ctx, "t1", "carol")
	require.NoError(t, err)
	assert.False(t, contacted, "tenants are isolated")

	c, err := s.DailyCounter(ctx, "t1", models.DateKey(base))
	require.NoError(t, err)
	assert.Equal(t, 1, c.Sent)
	assert.Equal(t, 1, c.Failed)

	c, err = s.DailyCounter(ctx, "t1", "1999-01-01")
	require.NoError(t, err)
	assert.Zero(t, c.Sent)
	assert.Equal(t, "1999-01-01", c.Date)
}

func testEventsSince(t *testing.T, s store.Store) {
	ctx := context.Background()
	record(t, s, "t1", "a", models.StatusSuccess, base.Add(-2*time.Hour))
	record(t, s, "t1", "b", models.StatusSuccess, base.Add(-30*time.Minute))
	record(t, s, "t1", "c", models.StatusFailed, base.Add(-10*time.Minute))

	got, err := s.EventsSince(ctx, "t1", base.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Equal(base.Add(-30*time.Minute)))
	assert.True(t, got[1].Equal(base.Add(-10*time.Minute)))
}

func testRecentAndTotals(t *testing.T, s store.Store) {
	ctx := context.Background()
	campaign := int64(7)
	ev := models.SendEvent{
		Tenant: "t1", Target: "first", Message: "m", Status: models.StatusSuccess,
		SentAt: base, CampaignID: &campaign,
	}
	require.NoError(t, s.RecordEvent(ctx, &ev))
	record(t, s, "t1", "second", models.StatusFailed, base.Add(time.Second))
	record(t, s, "t1", "third", models.StatusSuccess, base.Add(24*time.Hour))

	recent, err := s.RecentEvents(ctx, "t1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, models.Handle("third"), recent[0].Target)
	assert.Equal(t, models.Handle("second"), recent[1].Target)
	assert.Equal(t, "transient", recent[1].Reason)

	all, err := s.RecentEvents(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.NotNil(t, all[2].CampaignID)
	assert.Equal(t, int64(7), *all[2].CampaignID)

	sent, failed, err := s.Totals(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Equal(t, 1, failed)

	sent, failed, err = s.Totals(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Zero(t, failed)
}

func testResetFailed(t *testing.T, s store.Store) {
	ctx := context.Background()
	today := models.DateKey(base)
	record(t, s, "t1", "ok", models.StatusSuccess, base)
	record(t, s, "t1", "bad1", models.StatusFailed, base)
	record(t, s, "t1", "bad2", models.StatusFailed, base.Add(-48*time.Hour))
	record(t, s, "t2", "bad3", models.StatusFailed, base)

	removed, err := s.ResetFailed(ctx, "t1", today)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	for _, h := range []models.Handle{"bad1", "bad2"} {
		contacted, err := s.AlreadyContacted(ctx, "t1", h)
		require.NoError(t, err)
		assert.False(t, contacted, h)
	}
	contacted, err := s.AlreadyContacted(ctx, "t1", "ok")
	require.NoError(t, err)
	assert.True(t, contacted)

	contacted, err = s.AlreadyContacted(ctx, "t2", "bad3")
	require.NoError(t, err)
	assert.True(t, contacted)

	c, err := s.DailyCounter(ctx, "t1", today)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Sent)
	assert.Zero(t, c.Failed)
}

func testResetDaily(t *testing.T, s store.Store) {
	ctx := context.Background()
	record(t, s, "t1", "a", models.StatusSuccess, base)
	require.NoError(t, s.ResetDaily(ctx, "t1", models.DateKey(base)))

	c, err := s.DailyCounter(ctx, "t1", models.DateKey(base))
	require.NoError(t, err)
	assert.Zero(t, c.Sent)

	// the log itself is untouched
	contacted, err := s.AlreadyContacted(ctx, "t1", "a")
	require.NoError(t, err)
	assert.True(t, contacted)
}

func testControl(t *testing.T, s store.Store) {
	ctx := context.Background()
	paused, err := s.Paused(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, paused)

	require.NoError(t, s.SetPaused(ctx, "t1", true))
	paused, err = s.Paused(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, paused)

	require.NoError(t, s.SetPaused(ctx, "t1", false))
	paused, err = s.Paused(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, paused)
}

func testSettings(t *testing.T, s store.Store) {
	ctx := context.Background()
	st, err := s.Settings(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", st.Tenant)
	assert.Zero(t, st.Limits.Daily)

	want := models.TenantSettings{
		Tenant: "t1",
		Limits: models.Limits{Daily: 50, Hourly: 8},
		Delay:  models.DelayBounds{Min: 2 * time.Minute, Max: 4 * time.Minute},
	}
	require.NoError(t, s.SaveSettings(ctx, want))
	st, err = s.Settings(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, want, st)
}

func testTemplates(t *testing.T, s store.Store) {
	ctx := context.Background()
	id, err := s.AddMessageTemplate(ctx, "t1", "Hey {{first_name}}")
	require.NoError(t, err)
	_, err = s.AddMessageTemplate(ctx, "t1", "Hello")
	require.NoError(t, err)

	all, err := s.MessageTemplates(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Hey {{first_name}}", "Hello"}, all)

	text, err := s.MessageTemplate(ctx, "t1", id)
	require.NoError(t, err)
	assert.Equal(t, "Hey {{first_name}}", text)

	_, err = s.MessageTemplate(ctx, "t2", id)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.AddMessageGroupText(ctx, "t1", 3, "one"))
	require.NoError(t, s.AddMessageGroupText(ctx, "t1", 3, "two"))
	require.NoError(t, s.AddMessageGroupText(ctx, "t1", 4, "other"))
	texts, err := s.MessageGroupTexts(ctx, "t1", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, texts)
}

func testSessions(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := models.Session{
		Tenant:    "t1",
		Account:   "sender_a",
		Kind:      models.SessionSender,
		Cookies:   []models.Cookie{{Name: "sessionid", Value: "abc", Domain: ".instagram.com"}},
		UpdatedAt: base,
	}
	require.NoError(t, s.SaveSession(ctx, &a))
	b := models.Session{Tenant: "t1", Account: "sender_b", Kind: models.SessionSender, UpdatedAt: base}
	require.NoError(t, s.SaveSession(ctx, &b))
	scr := models.Session{Tenant: "t1", Account: "scraper", Kind: models.SessionScraper, UpdatedAt: base}
	require.NoError(t, s.SaveSession(ctx, &scr))

	senders, err := s.Sessions(ctx, "t1", models.SessionSender)
	require.NoError(t, err)
	require.Len(t, senders, 2)
	assert.Equal(t, "abc", senders[0].Cookies[0].Value)

	// same tenant/account/kind updates in place
	a2 := a
	a2.ID = 0
	a2.Cookies = []models.Cookie{{Name: "sessionid", Value: "fresh"}}
	require.NoError(t, s.SaveSession(ctx, &a2))
	assert.Equal(t, a.ID, a2.ID)
	got, err := s.Session(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "fresh", got.Cookies[0].Value)

	require.NoError(t, s.AssignSession(ctx, 42, b.ID))
	require.NoError(t, s.AssignSession(ctx, 42, b.ID))
	assigned, err := s.CampaignSessions(ctx, "t1", 42)
	require.NoError(t, err)
	require.Len(t, assigned, 1)
	assert.Equal(t, b.ID, assigned[0].ID)

	require.NoError(t, s.MarkSessionExpired(ctx, b.ID))
	got, err = s.Session(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, got.Expired)

	assert.ErrorIs(t, s.MarkSessionExpired(ctx, 9999), store.ErrNotFound)
	_, err = s.Session(ctx, 9999)
	assert.ErrorIs(t, err, store.ErrNotFound)

	p := models.Session{Tenant: "platform", Account: "shared", Kind: models.SessionPlatform, DailyActionLimit: 300, UpdatedAt: base}
	require.NoError(t, s.SaveSession(ctx, &p))
	platform, err := s.PlatformSessions(ctx)
	require.NoError(t, err)
	require.Len(t, platform, 1)
	assert.Equal(t, 300, platform[0].ActionLimit())
}

func testScraperUsage(t *testing.T, s store.Store) {
	ctx := context.Background()
	n, err := s.ActionsToday(ctx, 1, "2024-05-10")
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, s.AddActions(ctx, 1, "2024-05-10", 12))
	require.NoError(t, s.AddActions(ctx, 1, "2024-05-10", 3))
	require.NoError(t, s.AddActions(ctx, 1, "2024-05-11", 1))

	n, err = s.ActionsToday(ctx, 1, "2024-05-10")
	require.NoError(t, err)
	assert.Equal(t, 15, n)
}

func testLeads(t *testing.T, s store.Store) {
	ctx := context.Background()
	added, err := s.UpsertLeads(ctx, "t1", []models.Handle{"@Alice", "bob", "alice", ""}, "followers:nasa", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	group := int64(5)
	added, err = s.UpsertLeads(ctx, "t1", []models.Handle{"bob", "carol"}, "comments:nasa", &group)
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	leads, err := s.Leads(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, leads, 3)

	byHandle := make(map[models.Handle]models.Lead)
	for _, l := range leads {
		byHandle[l.Handle] = l
	}
	assert.Nil(t, byHandle["alice"].LeadGroupID)
	require.NotNil(t, byHandle["bob"].LeadGroupID)
	assert.Equal(t, group, *byHandle["bob"].LeadGroupID)
	assert.Equal(t, "comments:nasa", byHandle["carol"].Source)
}

func testConversations(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.AddConversationParticipant(ctx, "t1", "@Friend"))
	require.NoError(t, s.AddConversationParticipant(ctx, "t1", "friend"))

	got, err := s.ConversationParticipants(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Contains(t, got, models.Handle("friend"))
}

func testCampaignQueue(t *testing.T, s store.Store) {
	ctx := context.Background()
	group := int64(9)
	_, err := s.UpsertLeads(ctx, "t1", []models.Handle{"lead_one", "lead_two"}, "csv", &group)
	require.NoError(t, err)
	_, err = s.UpsertLeads(ctx, "t2", []models.Handle{"foreign"}, "csv", &group)
	require.NoError(t, err)

	c := models.Campaign{
		Tenant:   "t1",
		Name:     "launch",
		Schedule: models.Schedule{Start: "09:00:00", End: "17:00:00"},
		Limits:   models.Limits{Daily: 20, Hourly: 5},
		Delay:    models.DelayBounds{Min: time.Minute, Max: 2 * time.Minute},
	}
	require.NoError(t, s.CreateCampaign(ctx, &c))
	assert.Equal(t, models.CampaignActive, c.Status)
	require.NoError(t, s.LinkLeadGroup(ctx, c.ID, group))

	tenants, err := s.ActiveTenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, tenants)

	active, err := s.ActiveCampaigns(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, c.Schedule, active[0].Schedule)
	assert.Equal(t, c.Limits, active[0].Limits)
	assert.Equal(t, c.Delay, active[0].Delay)

	first, err := s.NextCampaignLead(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.Handle("lead_one"), first.Target)
	assert.Equal(t, models.LeadPending, first.Status)

	// repeated calls do not duplicate the queue
	again, err := s.NextCampaignLead(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	require.NoError(t, s.UpdateCampaignLead(ctx, first.ID, models.LeadSent, base))
	second, err := s.NextCampaignLead(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.Handle("lead_two"), second.Target)

	require.NoError(t, s.UpdateCampaignLead(ctx, second.ID, models.LeadSkipped, base))
	_, err = s.NextCampaignLead(ctx, c.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	active, err = s.ActiveCampaigns(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, active, "campaign completes once nothing is pending")

	assert.ErrorIs(t, s.UpdateCampaignLead(ctx, 9999, models.LeadSent, base), store.ErrNotFound)
}

func testScrapeJobs(t *testing.T, s store.Store) {
	ctx := context.Background()
	group := int64(2)
	older := models.ScrapeJob{Tenant: "t1", Type: models.ScrapeFollowers, Target: "nasa", MaxLeads: 100, StartedAt: base}
	require.NoError(t, s.CreateScrapeJob(ctx, &older))
	newer := models.ScrapeJob{
		Tenant:      "t1",
		Type:        models.ScrapeComments,
		PostURLs:    []string{"https://www.instagram.com/p/abc/"},
		LeadGroupID: &group,
		StartedAt:   base.Add(time.Minute),
	}
	require.NoError(t, s.CreateScrapeJob(ctx, &newer))
	assert.Equal(t, models.JobRunning, newer.Status)

	latest, err := s.LatestRunningJob(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, newer.ID, latest.ID)
	assert.Equal(t, newer.PostURLs, latest.PostURLs)
	require.NotNil(t, latest.LeadGroupID)

	require.NoError(t, s.UpdateScrapeProgress(ctx, newer.ID, 40))
	require.NoError(t, s.CancelScrapeJob(ctx, newer.ID, base.Add(2*time.Minute)))

	// finishing a cancelled job keeps it cancelled
	require.NoError(t, s.FinishScrapeJob(ctx, newer.ID, models.JobCompleted, 45, "", base.Add(3*time.Minute)))
	job, err := s.ScrapeJob(ctx, newer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, job.Status)
	assert.Equal(t, 45, job.ScrapedCount)
	require.NotNil(t, job.FinishedAt)

	latest, err = s.LatestRunningJob(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, older.ID, latest.ID)

	require.NoError(t, s.FinishScrapeJob(ctx, older.ID, models.JobFailed, 3, "session expired", base.Add(time.Hour)))
	job, err = s.ScrapeJob(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, "session expired", job.Error)

	_, err = s.LatestRunningJob(ctx, "t1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.CancelScrapeJob(ctx, 9999, base), store.ErrNotFound)
}
