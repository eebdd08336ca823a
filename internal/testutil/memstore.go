// Package testutil provides in-process fakes shared by package tests.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sumire/agenthub/internal/domain"
)

// MemoryJobStore is an in-memory job store with the same contract as the
// PostgreSQL repository. Each job has its own lock, standing in for the
// row lock.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]*memJob

	// down makes lookups and creates fail with domain.ErrStorage.
	down bool
}

type memJob struct {
	mu    sync.Mutex
	job   domain.Job
	lines []domain.LogLine
}

// NewMemoryJobStore creates an empty store.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]*memJob)}
}

// SetDown toggles simulated storage outage.
func (s *MemoryJobStore) SetDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

func (s *MemoryJobStore) lookup(jobID string) (*memJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.down {
		return nil, fmt.Errorf("%w: memory store down", domain.ErrStorage)
	}
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return j, nil
}

func (s *MemoryJobStore) CreateJob(_ context.Context, in domain.NewJob) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, fmt.Errorf("%w: memory store down", domain.ErrStorage)
	}
	now := time.Now().UTC()
	j := &memJob{job: domain.Job{
		ID:         uuid.NewString(),
		OwnerID:    in.OwnerID,
		Capability: in.Capability,
		Arguments:  clone(in.Arguments),
		Status:     domain.JobStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}}
	s.jobs[j.job.ID] = j
	job := j.job
	return &job, nil
}

func (s *MemoryJobStore) AppendLog(_ context.Context, jobID, text string) (*domain.LogLine, error) {
	j, err := s.lookup(jobID)
	if err != nil {
		return nil, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.job.Status.IsTerminal() {
		return nil, fmt.Errorf("job %s is %s: %w", jobID, j.job.Status, domain.ErrInvalidState)
	}
	now := time.Now().UTC()
	j.job.LogCount++
	j.job.UpdatedAt = now
	line := domain.LogLine{JobID: jobID, Sequence: j.job.LogCount, Timestamp: now, Text: text}
	j.lines = append(j.lines, line)
	return &line, nil
}

func (s *MemoryJobStore) UpdateStatus(_ context.Context, jobID string, upd domain.StatusUpdate) (*domain.Job, error) {
	j, err := s.lookup(jobID)
	if err != nil {
		return nil, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if !domain.CanTransition(j.job.Status, upd.Status) {
		return nil, fmt.Errorf("job %s is %s: %w: to %s", jobID, j.job.Status, domain.ErrInvalidTransition, upd.Status)
	}
	j.job.Status = upd.Status
	j.job.Result = nil
	j.job.Error = nil
	switch upd.Status {
	case domain.JobStatusCompleted:
		j.job.Result = clone(upd.Result)
	case domain.JobStatusFailed:
		if upd.Error != nil {
			e := *upd.Error
			j.job.Error = &e
		}
	}
	j.job.UpdatedAt = time.Now().UTC()
	job := j.job
	return &job, nil
}

func (s *MemoryJobStore) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	j, err := s.lookup(jobID)
	if err != nil {
		return nil, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	job := j.job
	return &job, nil
}

func (s *MemoryJobStore) GetLogLines(_ context.Context, jobID string, fromSequence int64) ([]domain.LogLine, error) {
	j, err := s.lookup(jobID)
	if err != nil {
		return nil, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	lines := []domain.LogLine{}
	for _, l := range j.lines {
		if l.Sequence >= fromSequence {
			lines = append(lines, l)
		}
	}
	return lines, nil
}

func (s *MemoryJobStore) ListJobs(_ context.Context, ownerID string, limit int) ([]*domain.Job, error) {
	jobs := s.filter(func(j domain.Job) bool { return j.OwnerID == ownerID })
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].CreatedAt.After(jobs[b].CreatedAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *MemoryJobStore) ListByStatus(_ context.Context, status domain.JobStatus) ([]*domain.Job, error) {
	jobs := s.filter(func(j domain.Job) bool { return j.Status == status })
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].CreatedAt.Before(jobs[b].CreatedAt) })
	return jobs, nil
}

func (s *MemoryJobStore) filter(keep func(domain.Job) bool) []*domain.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Job
	for _, j := range s.jobs {
		j.mu.Lock()
		job := j.job
		j.mu.Unlock()
		if keep(job) {
			out = append(out, &job)
		}
	}
	return out
}

func clone(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
