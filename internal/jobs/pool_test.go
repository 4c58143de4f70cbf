package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"igoutreach/pkg/logger"
	"igoutreach/pkg/models"
)

// mockRunner completes jobs after an optional delay, or blocks until the
// job context ends when block is set.
type mockRunner struct {
	delay  time.Duration
	err    error
	block  bool
	runs   *int32
	closed *int32
}

func (m *mockRunner) Run(ctx context.Context, job models.ScrapeJob) (models.ScrapeJob, error) {
	atomic.AddInt32(m.runs, 1)
	if m.block {
		<-ctx.Done()
		job.Status = models.JobCancelled
		return job, nil
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.err != nil {
		return job, m.err
	}
	job.Status = models.JobCompleted
	job.ScrapedCount = 1
	return job, nil
}

func (m *mockRunner) Close() error {
	atomic.AddInt32(m.closed, 1)
	return nil
}

type collector struct {
	mu      sync.Mutex
	results []Result
	done    chan struct{}
	want    int
}

func newCollector(want int) *collector {
	return &collector{done: make(chan struct{}), want: want}
}

func (c *collector) add(r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
	if len(c.results) == c.want {
		close(c.done)
	}
}

func (c *collector) wait(t *testing.T) []Result {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for results")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Result(nil), c.results...)
}

func newTestPool(t *testing.T, workers int, proto mockRunner) (*Pool, *int32, *int32) {
	t.Helper()
	var runs, closed int32
	pool := NewPool(workers, func(int) (Runner, error) {
		r := proto
		r.runs, r.closed = &runs, &closed
		return &r, nil
	}, logger.NewNopLogger())
	return pool, &runs, &closed
}

func TestPoolRunsEveryJob(t *testing.T) {
	pool, runs, closed := newTestPool(t, 3, mockRunner{delay: 5 * time.Millisecond})
	c := newCollector(10)
	pool.OnResult = c.add
	require.NoError(t, pool.Start())

	for i := 1; i <= 10; i++ {
		require.NoError(t, pool.Submit(context.Background(), models.ScrapeJob{ID: int64(i), Tenant: "t1"}))
	}
	results := c.wait(t)
	pool.Stop()

	assert.Len(t, results, 10)
	seen := map[int64]bool{}
	for _, r := range results {
		assert.NoError(t, r.Err)
		assert.Equal(t, models.JobCompleted, r.Job.Status)
		seen[r.Job.ID] = true
	}
	assert.Len(t, seen, 10)
	assert.Equal(t, int32(10), atomic.LoadInt32(runs))
	assert.Equal(t, int32(3), atomic.LoadInt32(closed))
}

func TestPoolReportsRunnerErrors(t *testing.T) {
	pool, _, _ := newTestPool(t, 2, mockRunner{err: errors.New("store unavailable")})
	c := newCollector(3)
	pool.OnResult = c.add
	require.NoError(t, pool.Start())
	defer pool.Stop()

	for i := 1; i <= 3; i++ {
		require.NoError(t, pool.Submit(context.Background(), models.ScrapeJob{ID: int64(i)}))
	}
	for _, r := range c.wait(t) {
		assert.EqualError(t, r.Err, "store unavailable")
	}
}

func TestPoolRunsJobsConcurrently(t *testing.T) {
	pool, _, _ := newTestPool(t, 5, mockRunner{delay: 100 * time.Millisecond})
	c := newCollector(10)
	pool.OnResult = c.add
	require.NoError(t, pool.Start())
	defer pool.Stop()

	start := time.Now()
	for i := 1; i <= 10; i++ {
		require.NoError(t, pool.Submit(context.Background(), models.ScrapeJob{ID: int64(i)}))
	}
	c.wait(t)

	// two rounds of five
	assert.Less(t, time.Since(start), 600*time.Millisecond)
}

func TestPoolCancelInterruptsRunningJob(t *testing.T) {
	pool, _, _ := newTestPool(t, 1, mockRunner{block: true})
	c := newCollector(1)
	pool.OnResult = c.add
	require.NoError(t, pool.Start())
	defer pool.Stop()

	require.NoError(t, pool.Submit(context.Background(), models.ScrapeJob{ID: 7}))
	require.Eventually(t, func() bool { return pool.Running() == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.False(t, pool.Cancel(8))
	assert.True(t, pool.Cancel(7))

	results := c.wait(t)
	assert.Equal(t, models.JobCancelled, results[0].Job.Status)
	assert.Eventually(t, func() bool { return pool.Running() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestStopCancelsRunningJobs(t *testing.T) {
	pool, runs, closed := newTestPool(t, 2, mockRunner{block: true})
	require.NoError(t, pool.Start())

	require.NoError(t, pool.Submit(context.Background(), models.ScrapeJob{ID: 1}))
	require.NoError(t, pool.Submit(context.Background(), models.ScrapeJob{ID: 2}))
	require.Eventually(t, func() bool { return atomic.LoadInt32(runs) == 2 }, 2*time.Second, 5*time.Millisecond)

	pool.Stop()
	assert.Equal(t, int32(2), atomic.LoadInt32(closed))
	assert.ErrorIs(t, pool.Submit(context.Background(), models.ScrapeJob{ID: 3}), ErrStopped)
}

func TestStartFailsWhenRunnerCannotBeBuilt(t *testing.T) {
	var closed int32
	pool := NewPool(3, func(worker int) (Runner, error) {
		if worker == 2 {
			return nil, errors.New("driver unreachable")
		}
		var runs int32
		return &mockRunner{runs: &runs, closed: &closed}, nil
	}, logger.NewNopLogger())

	err := pool.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create worker 2")
	assert.Equal(t, int32(2), atomic.LoadInt32(&closed))
}

func TestSubmitHonorsContext(t *testing.T) {
	// not started, so the queue fills up
	pool, _, _ := newTestPool(t, 1, mockRunner{})
	for i := 0; i < pool.Workers()*2; i++ {
		require.NoError(t, pool.Submit(context.Background(), models.ScrapeJob{ID: int64(i)}))
	}
	assert.Equal(t, 2, pool.QueueSize())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, pool.Submit(ctx, models.ScrapeJob{ID: 99}), context.Canceled)
}
