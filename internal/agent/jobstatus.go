package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sumire/agenthub/internal/domain"
)

const DefaultLogTail = 25

// JobReader is the read side of the job lifecycle.
type JobReader interface {
	GetStatus(ctx context.Context, jobID string) (*domain.Job, error)
	GetLogLines(ctx context.Context, jobID string, fromSequence int64) ([]domain.LogLine, error)
}

// JobStatusArgs are the arguments of get_job_status.
type JobStatusArgs struct {
	JobID string `json:"job_id" validate:"required,uuid"`
}

// JobStatus renders a plain-text progress report of the caller's own jobs.
type JobStatus struct {
	jobs JobReader
	tail int
}

// NewJobStatus creates a JobStatus reporting the last tail lines.
func NewJobStatus(jobs JobReader, tail int) *JobStatus {
	if tail <= 0 {
		tail = DefaultLogTail
	}
	return &JobStatus{jobs: jobs, tail: tail}
}

// Report returns the status, the log tail and the result or error of a job.
// Jobs of other callers are reported as not found.
func (s *JobStatus) Report(ctx context.Context, caller string, args JobStatusArgs) (any, error) {
	job, err := s.jobs.GetStatus(ctx, args.JobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != caller {
		return nil, domain.ErrJobNotFound
	}

	from := job.LogCount - int64(s.tail) + 1
	if from < 1 {
		from = 1
	}
	lines, err := s.jobs.GetLogLines(ctx, job.ID, from)
	if err != nil {
		return nil, err
	}
	if len(lines) > s.tail {
		lines = lines[len(lines)-s.tail:]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "STATUS: %s\nLOGS:\n", strings.ToUpper(string(job.Status)))
	if len(lines) == 0 {
		b.WriteString("[no logs yet]")
	}
	for i, l := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(l.Text)
	}

	switch job.Status {
	case domain.JobStatusCompleted:
		fmt.Fprintf(&b, "\nRESULT:\n%s", resultText(job.Result))
	case domain.JobStatusFailed:
		msg := "Unknown error"
		if job.Error != nil {
			msg = job.Error.Error()
		}
		fmt.Fprintf(&b, "\nERROR: %s", msg)
	}
	return b.String(), nil
}

// resultText unquotes string results and leaves other JSON as is.
func resultText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
