package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sumire/agenthub/internal/domain"
	"github.com/sumire/agenthub/internal/metrics"
)

// JobStore defines the durable job data access consumed by JobService.
type JobStore interface {
	CreateJob(ctx context.Context, in domain.NewJob) (*domain.Job, error)
	AppendLog(ctx context.Context, jobID, text string) (*domain.LogLine, error)
	UpdateStatus(ctx context.Context, jobID string, upd domain.StatusUpdate) (*domain.Job, error)
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	GetLogLines(ctx context.Context, jobID string, fromSequence int64) ([]domain.LogLine, error)
	ListJobs(ctx context.Context, ownerID string, limit int) ([]*domain.Job, error)
	ListByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.Job, error)
}

// EventPublisher is the live fan-out JobService notifies after durable writes.
type EventPublisher interface {
	Publish(ctx context.Context, line domain.LogLine) error
	EndStream(ctx context.Context, jobID string, status domain.JobStatus) error
}

// JobService owns job state transitions. Every change is written to the
// store first; the live channel is told afterwards and its failures are
// logged, never returned, because the store is the source of truth.
type JobService struct {
	store  JobStore
	events EventPublisher
	logger *slog.Logger
}

// NewJobService creates a new JobService.
func NewJobService(store JobStore, events EventPublisher, logger *slog.Logger) *JobService {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobService{
		store:  store,
		events: events,
		logger: logger.With("component", "jobs"),
	}
}

// CreateJob registers a new pending job.
func (s *JobService) CreateJob(ctx context.Context, in domain.NewJob) (*domain.Job, error) {
	job, err := s.store.CreateJob(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("create %s job: %w", in.Capability, err)
	}
	metrics.JobTransitions.WithLabelValues(string(domain.JobStatusPending)).Inc()
	s.logger.Info("job created", "job_id", job.ID, "capability", job.Capability, "owner_id", job.OwnerID)
	return job, nil
}

// StartJob moves a pending job to running. When several callers race, the
// store lets exactly one through and the rest get ErrInvalidTransition.
func (s *JobService) StartJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return s.transition(ctx, jobID, domain.StatusUpdate{Status: domain.JobStatusRunning})
}

// AppendLog persists one line and then publishes it.
func (s *JobService) AppendLog(ctx context.Context, jobID, text string) (*domain.LogLine, error) {
	line, err := s.store.AppendLog(ctx, jobID, text)
	if err != nil {
		return nil, fmt.Errorf("append log to %s: %w", jobID, err)
	}
	metrics.LogLinesAppended.Inc()

	if err := s.events.Publish(ctx, *line); err != nil {
		s.publishFailed("publish log line", jobID, err)
	}
	return line, nil
}

// CompleteJob records result and ends the live stream.
func (s *JobService) CompleteJob(ctx context.Context, jobID string, result json.RawMessage) (*domain.Job, error) {
	return s.transition(ctx, jobID, domain.StatusUpdate{Status: domain.JobStatusCompleted, Result: result})
}

// FailJob records jobErr and ends the live stream.
func (s *JobService) FailJob(ctx context.Context, jobID string, jobErr domain.JobError) (*domain.Job, error) {
	return s.transition(ctx, jobID, domain.StatusUpdate{Status: domain.JobStatusFailed, Error: &jobErr})
}

// GetStatus returns the current snapshot of a job.
func (s *JobService) GetStatus(ctx context.Context, jobID string) (*domain.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// GetLogLines returns the persisted lines of a job from fromSequence on.
func (s *JobService) GetLogLines(ctx context.Context, jobID string, fromSequence int64) ([]domain.LogLine, error) {
	if fromSequence < 1 {
		fromSequence = 1
	}
	return s.store.GetLogLines(ctx, jobID, fromSequence)
}

// ListJobs returns the most recent jobs of ownerID.
func (s *JobService) ListJobs(ctx context.Context, ownerID string, limit int) ([]*domain.Job, error) {
	return s.store.ListJobs(ctx, ownerID, limit)
}

// Recover settles jobs left behind by a previous process. Running jobs lost
// their worker and are failed; pending jobs are passed to resubmit.
func (s *JobService) Recover(ctx context.Context, resubmit func(*domain.Job)) error {
	running, err := s.store.ListByStatus(ctx, domain.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("list running jobs: %w", err)
	}
	for _, job := range running {
		_, err := s.FailJob(ctx, job.ID, domain.JobError{
			Code:    "interrupted",
			Message: "worker stopped before the job finished",
		})
		if err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
			return fmt.Errorf("fail interrupted job %s: %w", job.ID, err)
		}
	}

	pending, err := s.store.ListByStatus(ctx, domain.JobStatusPending)
	if err != nil {
		return fmt.Errorf("list pending jobs: %w", err)
	}
	for _, job := range pending {
		resubmit(job)
	}

	if len(running) > 0 || len(pending) > 0 {
		s.logger.Info("recovered jobs", "interrupted", len(running), "resubmitted", len(pending))
	}
	return nil
}

func (s *JobService) transition(ctx context.Context, jobID string, upd domain.StatusUpdate) (*domain.Job, error) {
	job, err := s.store.UpdateStatus(ctx, jobID, upd)
	if err != nil {
		return nil, fmt.Errorf("move job %s to %s: %w", jobID, upd.Status, err)
	}
	metrics.JobTransitions.WithLabelValues(string(upd.Status)).Inc()
	s.logger.Info("job status changed", "job_id", jobID, "status", upd.Status)

	if upd.Status.IsTerminal() {
		if err := s.events.EndStream(ctx, jobID, upd.Status); err != nil {
			s.publishFailed("publish stream end", jobID, err)
		}
	}
	return job, nil
}

func (s *JobService) publishFailed(op, jobID string, err error) {
	if errors.Is(err, domain.ErrChannelNotConfigured) {
		return
	}
	metrics.PublishFailures.Inc()
	s.logger.Warn(op+" failed", "job_id", jobID, "error", err)
}

// JobHandle is the only view of a job given to a worker: it can start the
// job, append lines, and finish it, nothing else.
type JobHandle struct {
	jobs *JobService
	id   string
}

// Handle returns the worker view of jobID.
func (s *JobService) Handle(jobID string) *JobHandle {
	return &JobHandle{jobs: s, id: jobID}
}

// ID returns the job identifier.
func (h *JobHandle) ID() string { return h.id }

// Start moves the job to running.
func (h *JobHandle) Start(ctx context.Context) error {
	_, err := h.jobs.StartJob(ctx, h.id)
	return err
}

// Append adds one line of output.
func (h *JobHandle) Append(ctx context.Context, text string) error {
	_, err := h.jobs.AppendLog(ctx, h.id, text)
	return err
}

// Appendf adds one formatted line of output.
func (h *JobHandle) Appendf(ctx context.Context, format string, args ...any) error {
	return h.Append(ctx, fmt.Sprintf(format, args...))
}

// Complete marks the job completed with result encoded as JSON.
func (h *JobHandle) Complete(ctx context.Context, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result of %s: %w", h.id, err)
	}
	_, err = h.jobs.CompleteJob(ctx, h.id, raw)
	return err
}

// Fail marks the job failed. A *domain.JobError keeps its code; any other
// error is recorded with code "agent_error".
func (h *JobHandle) Fail(ctx context.Context, cause error) error {
	jobErr := domain.JobError{Code: "agent_error", Message: cause.Error()}
	var typed *domain.JobError
	if errors.As(cause, &typed) {
		jobErr = *typed
	}
	_, err := h.jobs.FailJob(ctx, h.id, jobErr)
	return err
}
