package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sumire/agenthub/internal/domain"
	"github.com/sumire/agenthub/internal/metrics"
	"github.com/sumire/agenthub/internal/service"
)

const (
	DefaultWorkers           = 3
	DefaultJobTimeout        = 30 * time.Minute
	DefaultHeartbeatInterval = 5 * time.Second

	// finishTimeout bounds the final status write once the job context is gone.
	finishTimeout = 10 * time.Second
)

// Handles hands out worker views of jobs.
type Handles interface {
	Handle(jobID string) *service.JobHandle
}

// Runner is the body of one job.
type Runner func(ctx context.Context, job *service.JobHandle) (any, error)

// DispatcherConfig tunes a Dispatcher. Zero values select the defaults.
type DispatcherConfig struct {
	Workers           int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
}

// Dispatcher runs jobs in the background, at most Workers at a time. Jobs
// run independently of whoever submitted them or is watching them.
type Dispatcher struct {
	jobs      Handles
	sem       *semaphore.Weighted
	timeout   time.Duration
	heartbeat time.Duration
	logger    *slog.Logger

	// queued is cancelled when shutdown starts, running when it gives up.
	queued     context.Context
	stopQueue  context.CancelFunc
	running    context.Context
	stopRunner context.CancelFunc

	mu       sync.Mutex
	stopping bool
	wg       sync.WaitGroup
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(jobs Handles, cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	d := &Dispatcher{
		jobs:      jobs,
		sem:       semaphore.NewWeighted(int64(cfg.Workers)),
		timeout:   cfg.JobTimeout,
		heartbeat: cfg.HeartbeatInterval,
		logger:    cfg.Logger.With("component", "dispatcher"),
	}
	d.queued, d.stopQueue = context.WithCancel(context.Background())
	d.running, d.stopRunner = context.WithCancel(context.Background())
	return d
}

// Submit queues a pending job. It returns immediately. Once Shutdown has
// started the job is left pending for the next process to recover.
func (d *Dispatcher) Submit(jobID, capability string, run Runner) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopping {
		d.logger.Info("job left pending, shutting down", "job_id", jobID, "capability", capability)
		return
	}
	d.wg.Add(1)
	go d.run(jobID, capability, run)
}

// Shutdown stops taking queued jobs off the queue and waits for running
// ones. When ctx expires first, running jobs are cancelled and recorded as
// interrupted. Jobs still queued stay pending for the next process.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.stopping = true
	d.mu.Unlock()
	d.stopQueue()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.stopRunner()
		return nil
	case <-ctx.Done():
		d.stopRunner()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) run(jobID, capability string, run Runner) {
	defer d.wg.Done()

	if err := d.sem.Acquire(d.queued, 1); err != nil {
		return
	}
	defer d.sem.Release(1)

	log := d.logger.With("job_id", jobID, "capability", capability)
	job := d.jobs.Handle(jobID)

	ctx, cancel := context.WithTimeout(d.running, d.timeout)
	defer cancel()

	if err := job.Start(ctx); err != nil {
		// Another process may have picked it up, or the store is down.
		log.Warn("job not started", "error", err)
		return
	}

	start := time.Now()
	stopHeartbeat := d.startHeartbeat(ctx, job, start)
	result, err := d.invoke(ctx, job, run, log)
	stopHeartbeat()

	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		err = &domain.JobError{Code: "timeout", Message: fmt.Sprintf("job exceeded %s", d.timeout)}
	case errors.Is(err, context.Canceled):
		err = &domain.JobError{Code: "interrupted", Message: "server shut down before the job finished"}
	}

	finishCtx, finishCancel := context.WithTimeout(context.Background(), finishTimeout)
	defer finishCancel()

	outcome := "completed"
	if err != nil {
		outcome = "failed"
		if ferr := job.Fail(finishCtx, err); ferr != nil {
			log.Error("record job failure", "error", ferr, "cause", err)
		}
	} else if cerr := job.Complete(finishCtx, result); cerr != nil {
		outcome = "failed"
		log.Error("record job result", "error", cerr)
	}

	elapsed := time.Since(start)
	metrics.CapabilityCalls.WithLabelValues(capability, outcome).Observe(elapsed.Seconds())
	log.Info("job finished", "outcome", outcome, "duration_ms", elapsed.Milliseconds())
}

func (d *Dispatcher) invoke(ctx context.Context, job *service.JobHandle, run Runner, log *slog.Logger) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("job panicked", "panic", p, "stack", string(debug.Stack()))
			result = nil
			err = &domain.JobError{Code: "panic", Message: fmt.Sprint(p)}
		}
	}()
	return run(ctx, job)
}

// startHeartbeat appends a progress line every heartbeat interval until the
// returned stop function is called. stop waits for the last line.
func (d *Dispatcher) startHeartbeat(ctx context.Context, job *service.JobHandle, start time.Time) func() {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(d.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				secs := int(time.Since(start).Seconds())
				if err := job.Appendf(ctx, "Still working... (%ds)", secs); err != nil {
					d.logger.Debug("heartbeat not appended", "job_id", job.ID(), "error", err)
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}
