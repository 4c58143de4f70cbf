// Package jobs runs scrape jobs on a bounded set of workers. Each worker
// owns its own Runner, and therefore its own browser session.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"igoutreach/pkg/logger"
	"igoutreach/pkg/models"
)

// ErrStopped is returned by Submit once the pool is shutting down.
var ErrStopped = errors.New("job pool is shutting down")

// Runner drives one job to a terminal status.
type Runner interface {
	Run(ctx context.Context, job models.ScrapeJob) (models.ScrapeJob, error)
}

// RunnerFactory builds the runner for a worker. Runners that implement
// io.Closer are closed when the pool stops.
type RunnerFactory func(worker int) (Runner, error)

// Result is the outcome of one submitted job.
type Result struct {
	Job      models.ScrapeJob
	Err      error
	Duration time.Duration
	Worker   int
}

// Pool manages concurrent scrape workers.
type Pool struct {
	numWorkers int
	factory    RunnerFactory
	queue      chan models.ScrapeJob
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	logger     logger.Logger

	// OnResult, when set, receives every finished job.
	OnResult func(Result)

	mu      sync.Mutex
	running map[int64]context.CancelFunc
	runners []Runner
	started bool
}

// NewPool creates a pool of numWorkers workers; fewer than one means one.
func NewPool(numWorkers int, factory RunnerFactory, log logger.Logger) *Pool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if log == nil {
		log = logger.GetLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		numWorkers: numWorkers,
		factory:    factory,
		queue:      make(chan models.ScrapeJob, numWorkers*2),
		ctx:        ctx,
		cancel:     cancel,
		logger:     log.WithField("component", "job_pool"),
		running:    make(map[int64]context.CancelFunc),
	}
}

// Start builds every worker's runner and starts the workers. Nothing is
// started when a runner cannot be built.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}

	runners := make([]Runner, 0, p.numWorkers)
	for i := 0; i < p.numWorkers; i++ {
		r, err := p.factory(i)
		if err != nil {
			closeAll(runners)
			return fmt.Errorf("create worker %d: %w", i, err)
		}
		runners = append(runners, r)
	}
	p.runners = runners
	p.started = true

	p.logger.InfoWithFields("Starting job pool", map[string]interface{}{
		"num_workers": p.numWorkers,
	})
	for i, r := range runners {
		p.wg.Add(1)
		go p.worker(i, r)
	}
	return nil
}

// Stop cancels running jobs, waits for the workers and closes the
// runners. Queued jobs that have not started are dropped; their rows stay
// running until cancelled or retried.
func (p *Pool) Stop() {
	p.logger.Info("Stopping job pool...")
	p.cancel()

	p.mu.Lock()
	started := p.started
	p.started = false
	p.mu.Unlock()
	if !started {
		return
	}

	p.wg.Wait()
	closeAll(p.runners)
	p.logger.Info("Job pool stopped")
}

// Submit queues job, blocking while the queue is full.
func (p *Pool) Submit(ctx context.Context, job models.ScrapeJob) error {
	if p.ctx.Err() != nil {
		return ErrStopped
	}
	select {
	case p.queue <- job:
		p.logger.DebugWithFields("Job submitted to queue", map[string]interface{}{
			"job_id": job.ID,
			"tenant": job.Tenant,
		})
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrStopped
	}
}

// Cancel interrupts job id if a worker is running it and reports whether
// it was.
func (p *Pool) Cancel(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cancel, ok := p.running[id]
	if ok {
		cancel()
	}
	return ok
}

// QueueSize returns the number of jobs waiting for a worker.
func (p *Pool) QueueSize() int {
	return len(p.queue)
}

// Running returns the number of jobs currently executing.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

func (p *Pool) Workers() int {
	return p.numWorkers
}

func (p *Pool) worker(id int, r Runner) {
	defer p.wg.Done()

	p.logger.DebugWithFields("Worker started", map[string]interface{}{"worker_id": id})
	for {
		select {
		case <-p.ctx.Done():
			p.logger.DebugWithFields("Worker stopping", map[string]interface{}{"worker_id": id})
			return
		case job := <-p.queue:
			res := p.process(id, r, job)
			if p.OnResult != nil {
				p.OnResult(res)
			}
		}
	}
}

func (p *Pool) process(worker int, r Runner, job models.ScrapeJob) Result {
	start := time.Now()
	ctx, cancel := context.WithCancel(p.ctx)
	defer cancel()

	p.mu.Lock()
	p.running[job.ID] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.running, job.ID)
		p.mu.Unlock()
	}()

	p.logger.DebugWithFields("Worker processing job", map[string]interface{}{
		"worker_id": worker,
		"job_id":    job.ID,
		"tenant":    job.Tenant,
	})

	final, err := r.Run(ctx, job)
	res := Result{Job: final, Err: err, Duration: time.Since(start), Worker: worker}
	if err != nil {
		p.logger.ErrorWithFields("Worker failed to finish job", map[string]interface{}{
			"worker_id": worker,
			"job_id":    job.ID,
			"error":     err.Error(),
		})
		return res
	}

	p.logger.InfoWithFields("Worker finished job", map[string]interface{}{
		"worker_id": worker,
		"job_id":    job.ID,
		"status":    string(final.Status),
		"scraped":   final.ScrapedCount,
		"duration":  res.Duration.String(),
	})
	return res
}

func closeAll(runners []Runner) {
	for _, r := range runners {
		if c, ok := r.(io.Closer); ok {
			_ = c.Close()
		}
	}
}
