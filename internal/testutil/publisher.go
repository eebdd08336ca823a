package testutil

import (
	"context"
	"sync"

	"github.com/sumire/agenthub/internal/domain"
)

// RecordingPublisher records what a JobService publishes. Err, when set, is
// returned from every call after recording.
type RecordingPublisher struct {
	mu    sync.Mutex
	Err   error
	lines []domain.LogLine
	ends  map[string]domain.JobStatus
}

func (p *RecordingPublisher) Publish(_ context.Context, line domain.LogLine) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines = append(p.lines, line)
	return p.Err
}

func (p *RecordingPublisher) EndStream(_ context.Context, jobID string, status domain.JobStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ends == nil {
		p.ends = make(map[string]domain.JobStatus)
	}
	p.ends[jobID] = status
	return p.Err
}

// Lines returns a copy of every published line.
func (p *RecordingPublisher) Lines() []domain.LogLine {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.LogLine(nil), p.lines...)
}

// Ended returns the terminal status published for jobID, if any.
func (p *RecordingPublisher) Ended(jobID string) (domain.JobStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.ends[jobID]
	return s, ok
}
