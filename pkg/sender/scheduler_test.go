package sender

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"igoutreach/pkg/automation"
	"igoutreach/pkg/automation/automationtest"
	"igoutreach/pkg/checkpoint"
	"igoutreach/pkg/clock"
	errs "igoutreach/pkg/errors"
	"igoutreach/pkg/events"
	"igoutreach/pkg/logger"
	"igoutreach/pkg/message"
	"igoutreach/pkg/models"
	"igoutreach/pkg/ratelimit"
	"igoutreach/pkg/session"
	"igoutreach/pkg/store/memstore"
)

var start = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

type harness struct {
	st   *memstore.Store
	clk  *clock.Fake
	fake *automationtest.Fake
	pool *session.Pool
	rec  *events.Recorder
	log  *logger.TestLogger
	sess models.Session
}

func newHarness(t *testing.T, tenants ...string) *harness {
	t.Helper()
	if len(tenants) == 0 {
		tenants = []string{"t1"}
	}
	h := &harness{
		st:   memstore.New(),
		clk:  clock.NewFake(start),
		fake: automationtest.New(),
		rec:  &events.Recorder{},
		log:  logger.NewTestLogger(),
	}
	for _, tenant := range tenants {
		sess := models.Session{
			Tenant:  tenant,
			Account: models.Handle(tenant + "_sender"),
			Kind:    models.SessionSender,
			Cookies: []models.Cookie{{Name: "sessionid", Value: tenant}},
		}
		require.NoError(t, h.st.SaveSession(context.Background(), &sess))
		if h.sess.ID == 0 {
			h.sess = sess
		}
	}
	h.pool = session.NewPool(h.st, h.fake, h.clk, h.log)
	return h
}

func fixedOptions(tenant string) Options {
	o := DefaultOptions(tenant)
	o.InitialDelay = models.DelayBounds{}
	o.Delay = models.DelayBounds{Min: 10 * time.Minute, Max: 10 * time.Minute}
	return o
}

func (h *harness) scheduler(t *testing.T, src WorkSource, opts Options) *Scheduler {
	t.Helper()
	msgs, err := message.NewStatic([]string{"hello"})
	require.NoError(t, err)
	return New(Deps{
		Store:    h.st,
		Source:   src,
		Limiter:  ratelimit.New(h.st, h.st, opts.Limits, h.clk),
		Pool:     h.pool,
		Adapter:  h.fake,
		Messages: msgs,
		Clock:    h.clk,
		Logger:   h.log,
		Events:   h.rec,
	}, opts)
}

func (h *harness) record(t *testing.T, tenant string, target models.Handle, status models.EventStatus, at time.Time) {
	t.Helper()
	ev := models.SendEvent{Tenant: tenant, Target: target, Status: status, SentAt: at}
	require.NoError(t, h.st.RecordEvent(context.Background(), &ev))
}

func handles(names ...string) []models.Handle {
	out := make([]models.Handle, len(names))
	for i, n := range names {
		out[i] = models.Handle(n)
	}
	return out
}

func TestStepSendsAndSchedulesDelay(t *testing.T) {
	h := newHarness(t)
	src := NewLeadListSource(handles("alice"))
	s := h.scheduler(t, src, fixedOptions("t1"))

	res, err := s.Step(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.Sent{Message: "hello", Attempts: 1}, res.Outcome)
	assert.Equal(t, start.Add(10*time.Minute), res.ResumeAt)
	assert.Equal(t, handles("alice"), h.fake.SentTargets())

	evs := h.st.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, models.StatusSuccess, evs[0].Status)
	assert.Equal(t, "hello", evs[0].Message)

	pos, total := src.Progress()
	assert.Equal(t, 1, pos)
	assert.Equal(t, 1, total)

	require.Len(t, h.rec.Events, 1)
	assert.Equal(t, "send.outcome.sent", h.rec.Events[0].RoutingKey())
	assert.Equal(t, Counters{Sent: 1}, s.Counters())

	res, err = s.Step(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Done)
}

func TestStepSkipsAlreadyContacted(t *testing.T) {
	h := newHarness(t)
	h.record(t, "t1", "alice", models.StatusSuccess, start.Add(-48*time.Hour))
	h.record(t, "t1", "bob", models.StatusFailed, start.Add(-time.Hour))
	src := NewLeadListSource(handles("alice", "bob", "carol"))
	s := h.scheduler(t, src, fixedOptions("t1"))

	for _, target := range []string{"alice", "bob"} {
		res, err := s.Step(context.Background())
		require.NoError(t, err, target)
		assert.Equal(t, models.Skipped{Reason: models.SkipAlreadyContacted}, res.Outcome, target)
		assert.Equal(t, start, res.ResumeAt, target)
		assert.Empty(t, h.fake.Calls, target)
	}

	_, err := s.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, handles("carol"), h.fake.SentTargets())
	assert.Len(t, h.st.Events(), 3)
	assert.Equal(t, Counters{Sent: 1, Skipped: 2}, s.Counters())
}

func TestStructuralFailureIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.fake.SendFunc = automationtest.StructuralFailure(map[models.Handle]string{
		"ghost": models.ReasonUserNotFound,
	})
	src := NewLeadListSource(handles("ghost", "bob"))
	s := h.scheduler(t, src, fixedOptions("t1"))

	res, err := s.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.Failed{Reason: models.ReasonUserNotFound, Kind: models.FailureStructural, Attempts: 1}, res.Outcome)
	assert.Equal(t, 1, h.fake.Attempts("ghost"))
	assert.Empty(t, h.clk.Sleeps())

	evs := h.st.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, models.StatusFailed, evs[0].Status)
	assert.Equal(t, models.ReasonUserNotFound, evs[0].Reason)

	// the cursor stays, then the contact log drops the target
	pos, _ := src.Progress()
	assert.Equal(t, 0, pos)

	res, err = s.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.Skipped{Reason: models.SkipAlreadyContacted}, res.Outcome)
	assert.Equal(t, 1, h.fake.Attempts("ghost"))

	_, err = s.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, handles("bob"), h.fake.SentTargets())
}

func TestNoComposeIsStructural(t *testing.T) {
	h := newHarness(t)
	h.fake.SendFunc = func(models.Handle, string, int) (automation.SendResult, error) {
		return automation.SendResult{Reason: models.ReasonNoCompose}, errs.Structural(models.ReasonNoCompose)
	}
	s := h.scheduler(t, NewLeadListSource(handles("locked")), fixedOptions("t1"))

	res, err := s.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.Failed{Reason: models.ReasonNoCompose, Kind: models.FailureStructural, Attempts: 1}, res.Outcome)
}

func TestTransientFailureRetriesThenRecords(t *testing.T) {
	h := newHarness(t)
	h.fake.SendFunc = func(models.Handle, string, int) (automation.SendResult, error) {
		return automation.SendResult{}, errors.New("timeout waiting for composer")
	}
	s := h.scheduler(t, NewLeadListSource(handles("alice")), fixedOptions("t1"))

	res, err := s.Step(context.Background())
	require.NoError(t, err)

	failed, ok := res.Outcome.(models.Failed)
	require.True(t, ok)
	assert.Equal(t, models.FailureTransient, failed.Kind)
	assert.Equal(t, 3, failed.Attempts)
	assert.Equal(t, "timeout waiting for composer", failed.Reason)
	assert.Equal(t, 3, h.fake.Attempts("alice"))

	sleeps := h.clk.Sleeps()
	require.Len(t, sleeps, 2)
	for _, d := range sleeps {
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 5*time.Second)
	}

	evs := h.st.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, models.StatusFailed, evs[0].Status)
	assert.Equal(t, Counters{Failed: 1}, s.Counters())
}

func TestTransientFailureRecovers(t *testing.T) {
	h := newHarness(t)
	h.fake.SendFunc = func(_ models.Handle, _ string, attempt int) (automation.SendResult, error) {
		if attempt == 1 {
			return automation.SendResult{}, errs.Transient(errors.New("driver busy"))
		}
		return automation.SendResult{}, nil
	}
	s := h.scheduler(t, NewLeadListSource(handles("alice")), fixedOptions("t1"))

	res, err := s.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.Sent{Message: "hello", Attempts: 2}, res.Outcome)
	assert.Len(t, h.st.Events(), 1)
}

func TestStepWhilePaused(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.st.SetPaused(context.Background(), "t1", true))
	src := NewLeadListSource(handles("alice"))
	s := h.scheduler(t, src, fixedOptions("t1"))

	res, err := s.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.Skipped{Reason: models.SkipPaused}, res.Outcome)
	assert.Equal(t, start.Add(30*time.Second), res.ResumeAt)
	assert.Empty(t, h.fake.Calls)
	assert.Empty(t, h.st.Events())

	pos, _ := src.Progress()
	assert.Equal(t, 0, pos)
}

func TestDailyLimitBacksOff(t *testing.T) {
	h := newHarness(t)
	h.record(t, "t1", "earlier", models.StatusSuccess, start.Add(-3*time.Hour))
	opts := fixedOptions("t1")
	opts.Limits = models.Limits{Daily: 1, Hourly: 20}
	s := h.scheduler(t, NewLeadListSource(handles("alice")), opts)

	res, err := s.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.Skipped{Reason: models.SkipDailyLimit}, res.Outcome)
	assert.Equal(t, time.Date(2024, 5, 11, 0, 0, 0, 0, time.UTC), res.RetryAt)

	wait := res.ResumeAt.Sub(start)
	assert.GreaterOrEqual(t, wait, 5*time.Minute)
	assert.LessOrEqual(t, wait, 10*time.Minute)
	assert.Empty(t, h.fake.Calls)

	require.Len(t, h.rec.Events, 1)
	assert.Equal(t, "send.rate_limited.daily_limit", h.rec.Events[0].RoutingKey())
	assert.True(t, h.log.HasMessage("Send limit reached, backing off"))
}

func TestHourlyLimitCountsFailures(t *testing.T) {
	h := newHarness(t)
	h.record(t, "t1", "earlier", models.StatusFailed, start.Add(-20*time.Minute))
	opts := fixedOptions("t1")
	opts.Limits = models.Limits{Daily: 50, Hourly: 1}
	s := h.scheduler(t, NewLeadListSource(handles("alice")), opts)

	res, err := s.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.Skipped{Reason: models.SkipHourlyLimit}, res.Outcome)
	assert.Equal(t, start.Add(40*time.Minute), res.RetryAt)

	wait := res.ResumeAt.Sub(start)
	assert.GreaterOrEqual(t, wait, 55*time.Minute)
	assert.LessOrEqual(t, wait, 60*time.Minute)
}

func TestDelayPrecedence(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.scheduler(t, NewLeadListSource(handles("alice", "bob")), fixedOptions("t1"))

	require.NoError(t, h.st.SaveSettings(ctx, models.TenantSettings{
		Tenant: "t1",
		Delay:  models.DelayBounds{Min: 7 * time.Minute, Max: 7 * time.Minute},
	}))
	res, err := s.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, start.Add(7*time.Minute), res.ResumeAt)

	bounds, err := s.delayBounds(ctx, models.DelayBounds{Min: 90 * time.Second, Max: 90 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, models.DelayBounds{Min: 90 * time.Second, Max: 90 * time.Second}, bounds)

	require.NoError(t, h.st.SaveSettings(ctx, models.TenantSettings{Tenant: "t1"}))
	bounds, err = s.delayBounds(ctx, models.DelayBounds{})
	require.NoError(t, err)
	assert.Equal(t, models.DelayBounds{Min: 10 * time.Minute, Max: 10 * time.Minute}, bounds)
}

func TestDelayIsRedrawnEachIteration(t *testing.T) {
	h := newHarness(t)
	opts := fixedOptions("t1")
	opts.Delay = models.DelayBounds{Min: time.Minute, Max: time.Hour}
	targets := handles("a1", "a2", "a3", "a4", "a5", "a6")
	s := h.scheduler(t, NewLeadListSource(targets), opts)

	seen := make(map[time.Duration]bool)
	for range targets {
		before := h.clk.Now()
		res, err := s.Step(context.Background())
		require.NoError(t, err)
		d := res.ResumeAt.Sub(before)
		assert.GreaterOrEqual(t, d, time.Minute)
		assert.LessOrEqual(t, d, time.Hour)
		seen[d] = true
		h.clk.Advance(d)
	}
	assert.Greater(t, len(seen), 1)
}

func TestSessionExpiredDuringSend(t *testing.T) {
	h := newHarness(t)
	h.fake.UseSessionFunc = func([]models.Cookie) (bool, error) { return false, nil }
	s := h.scheduler(t, NewLeadListSource(handles("alice", "bob")), fixedOptions("t1"))

	res, err := s.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.Failed{Reason: models.ReasonSessionExpired, Kind: models.FailureSession, Attempts: 1}, res.Outcome)
	assert.Empty(t, h.fake.SentTargets())

	stored, err := h.st.Session(context.Background(), h.sess.ID)
	require.NoError(t, err)
	assert.True(t, stored.Expired)

	// alice is dropped by the contact log, then bob has no session left
	_, err = s.Step(context.Background())
	require.NoError(t, err)
	_, err = s.Step(context.Background())
	assert.ErrorIs(t, err, session.ErrNoSession)
}

func TestUnauthorizedSendExpiresSession(t *testing.T) {
	h := newHarness(t)
	h.fake.SendFunc = func(models.Handle, string, int) (automation.SendResult, error) {
		e := errs.New(errs.ErrorTypeSession, "logged out")
		e.Reason = models.ReasonSessionExpired
		return automation.SendResult{}, e
	}
	s := h.scheduler(t, NewLeadListSource(handles("alice")), fixedOptions("t1"))

	res, err := s.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.Failed{Reason: models.ReasonSessionExpired, Kind: models.FailureSession, Attempts: 1}, res.Outcome)

	stored, err := h.st.Session(context.Background(), h.sess.ID)
	require.NoError(t, err)
	assert.True(t, stored.Expired)
}

func TestRunWithoutSessionIsFatal(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.st.MarkSessionExpired(context.Background(), h.sess.ID))
	s := h.scheduler(t, NewLeadListSource(handles("alice")), fixedOptions("t1"))

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsFatal(err))
	assert.ErrorIs(t, err, session.ErrNoSession)
}

func TestRunSendsEverythingThenFinishes(t *testing.T) {
	h := newHarness(t)
	opts := fixedOptions("t1")
	opts.InitialDelay = models.DelayBounds{Min: time.Minute, Max: 3 * time.Minute}

	cps, err := checkpoint.NewManagerAt(t.TempDir(), "t1")
	require.NoError(t, err)

	msgs, err := message.NewStatic([]string{"hello"})
	require.NoError(t, err)
	s := New(Deps{
		Store:      h.st,
		Source:     NewLeadListSource(handles("a", "b", "c")),
		Limiter:    ratelimit.New(h.st, h.st, opts.Limits, h.clk),
		Pool:       h.pool,
		Adapter:    h.fake,
		Messages:   msgs,
		Clock:      h.clk,
		Logger:     h.log,
		Events:     h.rec,
		Checkpoint: cps,
	}, opts)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, handles("a", "b", "c"), h.fake.SentTargets())

	sleeps := h.clk.Sleeps()
	require.NotEmpty(t, sleeps)
	assert.GreaterOrEqual(t, sleeps[0], time.Minute)
	assert.LessOrEqual(t, sleeps[0], 3*time.Minute)
	// one delay after every send
	assert.Equal(t, []time.Duration{10 * time.Minute, 10 * time.Minute, 10 * time.Minute}, sleeps[1:])

	last := h.rec.Events[len(h.rec.Events)-1]
	assert.Equal(t, events.TypeRunFinished, last.Type)
	assert.Equal(t, 3, last.Count)

	cp, err := cps.Load()
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, checkpoint.StateDone, cp.State)
	assert.Equal(t, 3, cp.Sent)
	assert.Equal(t, 3, cp.Position)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.clk.OnSleep = func(time.Time, time.Duration) { cancel() }
	s := h.scheduler(t, NewLeadListSource(handles("a", "b")), fixedOptions("t1"))

	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, handles("a"), h.fake.SentTargets())
}

func TestFilterUncontacted(t *testing.T) {
	h := newHarness(t)
	h.record(t, "t1", "bob", models.StatusFailed, start)
	h.record(t, "t2", "carol", models.StatusSuccess, start)

	got, err := FilterUncontacted(context.Background(), h.st, "t1", handles("alice", "bob", "carol", "alice"))
	require.NoError(t, err)
	assert.Equal(t, handles("alice", "carol"), got)
}
