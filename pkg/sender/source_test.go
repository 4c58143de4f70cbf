package sender

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"igoutreach/pkg/automation/automationtest"
	"igoutreach/pkg/message"
	"igoutreach/pkg/models"
	"igoutreach/pkg/ratelimit"
	"igoutreach/pkg/store/memstore"
)

func int64Ptr(v int64) *int64 { return &v }

// seedCampaign creates an active campaign for tenant whose lead group holds
// targets.
func seedCampaign(t *testing.T, st *memstore.Store, tenant string, groupID int64, c models.Campaign, targets ...string) models.Campaign {
	t.Helper()
	ctx := context.Background()
	c.Tenant = tenant
	if c.Name == "" {
		c.Name = tenant + " outreach"
	}
	require.NoError(t, st.CreateCampaign(ctx, &c))
	_, err := st.UpsertLeads(ctx, tenant, handles(targets...), "import", int64Ptr(groupID))
	require.NoError(t, err)
	require.NoError(t, st.LinkLeadGroup(ctx, c.ID, groupID))
	return c
}

func (h *harness) campaignScheduler(tenant string) *Scheduler {
	msgs := message.NewTenant(h.st, []string{"hello"})
	opts := fixedOptions(tenant)
	return New(Deps{
		Store:    h.st,
		Source:   NewCampaignSource(h.st, tenant, h.clk, msgs),
		Limiter:  ratelimit.New(h.st, h.st, opts.Limits, h.clk),
		Pool:     h.pool,
		Adapter:  h.fake,
		Messages: msgs,
		Clock:    h.clk,
		Logger:   h.log,
		Events:   h.rec,
	}, opts)
}

func TestCampaignSendRendersGroupText(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.st.AddMessageGroupText(ctx, "t1", 9, "Hi {{first_name}}, love your work"))
	c := seedCampaign(t, h.st, "t1", 5, models.Campaign{
		MessageGroupID: int64Ptr(9),
		Delay:          models.DelayBounds{Min: 2 * time.Minute, Max: 2 * time.Minute},
	}, "john_doe")

	s := h.campaignScheduler("t1")
	res, err := s.Step(ctx)
	require.NoError(t, err)

	assert.Equal(t, models.Sent{Message: "Hi John, love your work", Attempts: 1}, res.Outcome)
	// campaign delay wins over the default
	assert.Equal(t, start.Add(2*time.Minute), res.ResumeAt)

	evs := h.st.Events()
	require.Len(t, evs, 1)
	require.NotNil(t, evs[0].CampaignID)
	assert.Equal(t, c.ID, *evs[0].CampaignID)
	require.NotNil(t, evs[0].MessageGroupID)
	assert.Equal(t, int64(9), *evs[0].MessageGroupID)

	leads := h.st.CampaignLeads(c.ID)
	require.Len(t, leads, 1)
	assert.Equal(t, models.LeadSent, leads[0].Status)

	stored, ok := h.st.Campaign(c.ID)
	require.True(t, ok)
	assert.Equal(t, models.CampaignCompleted, stored.Status)

	res, err = s.Step(ctx)
	require.NoError(t, err)
	assert.True(t, res.Done)
}

func TestCampaignTemplateAndTenantPool(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id, err := h.st.AddMessageTemplate(ctx, "t1", "Hey @{{username}}")
	require.NoError(t, err)
	seedCampaign(t, h.st, "t1", 5, models.Campaign{MessageTemplateID: int64Ptr(id)}, "jane")

	src := NewCampaignSource(h.st, "t1", h.clk, message.NewTenant(h.st, nil))
	item, err := src.Next(ctx)
	require.NoError(t, err)

	cw, ok := item.(models.CampaignWork)
	require.True(t, ok)
	assert.Equal(t, "Hey @{{username}}", cw.MessageText)
	assert.Equal(t, models.Handle("jane"), cw.Handle)
	assert.Equal(t, "t1", cw.Tenant)

	text, err := message.NewTenant(h.st, nil).Next(ctx, cw)
	require.NoError(t, err)
	assert.Equal(t, "Hey @jane", text)
}

func TestCampaignFailureAndSkipUpdateLead(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := seedCampaign(t, h.st, "t1", 5, models.Campaign{}, "ghost", "known")
	h.record(t, "t1", "known", models.StatusSuccess, start.Add(-time.Hour))
	h.fake.SendFunc = automationtest.StructuralFailure(map[models.Handle]string{
		"ghost": models.ReasonUserNotFound,
	})

	s := h.campaignScheduler("t1")
	res, err := s.Step(ctx)
	require.NoError(t, err)
	assert.IsType(t, models.Failed{}, res.Outcome)

	res, err = s.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Skipped{Reason: models.SkipAlreadyContacted}, res.Outcome)

	statuses := map[models.Handle]models.LeadStatus{}
	for _, cl := range h.st.CampaignLeads(c.ID) {
		statuses[cl.Target] = cl.Status
	}
	assert.Equal(t, map[models.Handle]models.LeadStatus{
		"ghost": models.LeadFailed,
		"known": models.LeadSkipped,
	}, statuses)
}

func TestCampaignOutsideSchedule(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	seedCampaign(t, h.st, "t1", 5, models.Campaign{
		Schedule: models.Schedule{Start: "14:00:00", End: "15:00:00"},
	}, "alice")
	seedCampaign(t, h.st, "t1", 6, models.Campaign{
		Schedule: models.Schedule{Start: "18:30:00", End: "20:00:00"},
	}, "bob")

	src := NewCampaignSource(h.st, "t1", h.clk, nil)
	_, err := src.Next(ctx)
	var wait *WaitError
	require.ErrorAs(t, err, &wait)
	assert.Equal(t, time.Date(2024, 5, 10, 14, 0, 0, 0, time.UTC), wait.Until)
	assert.Equal(t, models.SkipOutsideSchedule, wait.Reason)

	s := h.campaignScheduler("t1")
	res, err := s.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Skipped{Reason: models.SkipOutsideSchedule}, res.Outcome)
	assert.Equal(t, wait.Until, res.ResumeAt)
	assert.Empty(t, h.fake.Calls)
}

func TestCampaignWithoutLeadsHasNoWork(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := models.Campaign{Tenant: "t1", Name: "empty"}
	require.NoError(t, h.st.CreateCampaign(ctx, &c))

	_, err := NewCampaignSource(h.st, "t1", h.clk, nil).Next(ctx)
	assert.ErrorIs(t, err, ErrNoWork)
}

func TestLeadListCursor(t *testing.T) {
	ctx := context.Background()
	src := NewLeadListSource(handles("a", "b"))

	item, err := src.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, src.Complete(ctx, item, models.Failed{Reason: "x"}))
	again, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, item, again)

	require.NoError(t, src.Complete(ctx, item, models.Skipped{Reason: models.SkipAlreadyContacted}))
	item, err = src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Handle("b"), item.Target())

	require.NoError(t, src.Complete(ctx, item, models.Sent{}))
	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, ErrNoWork)
}
