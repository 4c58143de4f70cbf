package sender

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"igoutreach/pkg/automation"
	"igoutreach/pkg/clock"
	"igoutreach/pkg/logger"
	"igoutreach/pkg/models"
	"igoutreach/pkg/session"
)

func (h *harness) orchestrator() *Orchestrator {
	return NewOrchestrator(h.st, func(tenant string) (Stepper, error) {
		return h.campaignScheduler(tenant), nil
	}, h.clk, h.log)
}

func TestOrchestratorInterleavesTenants(t *testing.T) {
	h := newHarness(t, "t1", "t2")
	seedCampaign(t, h.st, "t1", 1, models.Campaign{}, "t1_a", "t1_b")
	seedCampaign(t, h.st, "t2", 2, models.Campaign{}, "t2_a", "t2_b")

	o := h.orchestrator()
	require.NoError(t, o.Run(context.Background()))

	assert.Equal(t, handles("t1_a", "t2_a", "t1_b", "t2_b"), h.fake.SentTargets())
	assert.Equal(t, start.Add(10*time.Minute), h.clk.Now())
	assert.True(t, h.log.HasMessage("Component stopped"))
}

func TestOrchestratorExitsWithoutCampaigns(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orchestrator().Run(context.Background()))
	assert.Empty(t, h.fake.Calls)
	assert.Empty(t, h.clk.Sleeps())
}

func TestOrchestratorWaitsForScheduleWindow(t *testing.T) {
	h := newHarness(t)
	seedCampaign(t, h.st, "t1", 1, models.Campaign{
		Schedule: models.Schedule{Start: "14:00:00", End: "15:00:00"},
	}, "alice")

	var sentAt time.Time
	h.fake.SendFunc = func(models.Handle, string, int) (automation.SendResult, error) {
		sentAt = h.clk.Now()
		return automation.SendResult{}, nil
	}

	require.NoError(t, h.orchestrator().Run(context.Background()))
	assert.Equal(t, time.Date(2024, 5, 10, 14, 0, 0, 0, time.UTC), sentAt)
	// idle sleeps are capped at an hour
	assert.Equal(t, []time.Duration{time.Hour, time.Hour}, h.clk.Sleeps())
}

func TestOrchestratorBlocksTenantWithoutSession(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator()

	o.schedule("t1", StepResult{}, session.ErrNoSession)
	assert.Equal(t, start.Add(10*time.Minute), o.NextAt("t1"))
	assert.True(t, h.log.HasMessage("tenant has no usable session"))

	o.schedule("t2", StepResult{}, errors.New("database is locked"))
	assert.Equal(t, start.Add(10*time.Minute), o.NextAt("t2"))
	assert.True(t, h.log.HasError())
}

func TestOrchestratorScheduling(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator()

	o.schedule("t1", StepResult{Done: true}, nil)
	assert.Equal(t, start.Add(5*time.Minute), o.NextAt("t1"))

	o.schedule("t2", StepResult{
		Outcome:  models.Skipped{Reason: models.SkipHourlyLimit},
		ResumeAt: start.Add(57 * time.Minute),
		RetryAt:  start.Add(12 * time.Minute),
	}, nil)
	assert.Equal(t, start.Add(12*time.Minute), o.NextAt("t2"))

	o.schedule("t3", StepResult{
		Outcome:  models.Skipped{Reason: models.SkipDailyLimit},
		ResumeAt: start.Add(7 * time.Minute),
		RetryAt:  models.NextUTCMidnight(start),
	}, nil)
	assert.Equal(t, start.Add(7*time.Minute), o.NextAt("t3"))

	tenant, due := o.pick([]string{"t3", "t2", "t1", "t4"})
	assert.Equal(t, "t4", tenant)
	assert.True(t, due.IsZero())

	tenant, due = o.pick([]string{"t3", "t2", "t1"})
	assert.Equal(t, "t1", tenant)
	assert.Equal(t, start.Add(5*time.Minute), due)

	o.Wake("t3")
	tenant, _ = o.pick([]string{"t3", "t2", "t1"})
	assert.Equal(t, "t3", tenant)
}

// blockingClock sleeps until its context ends.
type blockingClock struct {
	clock.Clock
}

func (blockingClock) Sleep(ctx context.Context, _ time.Duration) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestWakeInterruptsSleep(t *testing.T) {
	o := NewOrchestrator(nil, nil, blockingClock{clock.NewFake(start)}, logger.NewNopLogger())

	done := make(chan error, 1)
	go func() { done <- o.sleep(context.Background(), time.Hour) }()

	o.Wake("t1")
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sleep was not interrupted")
	}
}

func TestOrchestratorStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	seedCampaign(t, h.st, "t1", 1, models.Campaign{}, "a", "b")
	ctx, cancel := context.WithCancel(context.Background())
	h.clk.OnSleep = func(time.Time, time.Duration) { cancel() }

	err := h.orchestrator().Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, handles("a"), h.fake.SentTargets())
}
