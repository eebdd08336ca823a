package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/sumire/agenthub/internal/domain"
	"github.com/sumire/agenthub/internal/stream"
)

const (
	defaultJobListLimit = 20
	maxJobListLimit     = 100
)

// JobQueries is the read side of the job lifecycle.
type JobQueries interface {
	GetStatus(ctx context.Context, jobID string) (*domain.Job, error)
	GetLogLines(ctx context.Context, jobID string, fromSequence int64) ([]domain.LogLine, error)
	ListJobs(ctx context.Context, ownerID string, limit int) ([]*domain.Job, error)
}

// StreamOpener opens ordered log streams.
type StreamOpener interface {
	Open(ctx context.Context, jobID string) (*stream.Stream, error)
}

// JobHandler serves job snapshots, logs and live log streams. Callers only
// see their own jobs; other jobs are reported as not found.
type JobHandler struct {
	jobs    JobQueries
	streams StreamOpener
	logger  *slog.Logger
}

// NewJobHandler creates a new JobHandler.
func NewJobHandler(jobs JobQueries, streams StreamOpener, logger *slog.Logger) *JobHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobHandler{jobs: jobs, streams: streams, logger: logger}
}

// List returns the caller's most recent jobs.
func (h *JobHandler) List(c echo.Context) error {
	caller, err := callerID(c)
	if err != nil {
		return err
	}
	limit, err := queryInt(c, "limit", defaultJobListLimit)
	if err != nil {
		return err
	}
	if limit < 1 || limit > maxJobListLimit {
		return &domain.ValidationError{Field: "limit", Message: fmt.Sprintf("must be between 1 and %d", maxJobListLimit)}
	}

	jobs, err := h.jobs.ListJobs(c.Request().Context(), caller, limit+1)
	if err != nil {
		return err
	}
	hasNext := len(jobs) > limit
	if hasNext {
		jobs = jobs[:limit]
	}
	if jobs == nil {
		jobs = []*domain.Job{}
	}
	return JSONList(c, http.StatusOK, jobs, PaginationMeta{HasNext: hasNext})
}

// Get returns a snapshot of one job.
func (h *JobHandler) Get(c echo.Context) error {
	job, err := h.ownJob(c)
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, job)
}

// Logs returns the persisted lines of a job from ?from= on.
func (h *JobHandler) Logs(c echo.Context) error {
	job, err := h.ownJob(c)
	if err != nil {
		return err
	}
	from, err := queryInt(c, "from", 1)
	if err != nil {
		return err
	}

	lines, err := h.jobs.GetLogLines(c.Request().Context(), job.ID, int64(from))
	if err != nil {
		return err
	}
	if lines == nil {
		lines = []domain.LogLine{}
	}
	return JSON(c, http.StatusOK, lines)
}

type streamEnd struct {
	Status domain.JobStatus `json:"status"`
	Result json.RawMessage  `json:"result,omitempty"`
	Error  *domain.JobError `json:"error,omitempty"`
}

// Stream sends the job log as Server-Sent Events: one "log" event per line
// with the sequence as event id, then one "end" event with the final status.
// A reconnecting client sending Last-Event-ID resumes after that line.
func (h *JobHandler) Stream(c echo.Context) error {
	job, err := h.ownJob(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	var resumeAfter int64
	if v := c.Request().Header.Get("Last-Event-ID"); v != "" {
		resumeAfter, _ = strconv.ParseInt(v, 10, 64)
	}

	s, err := h.streams.Open(ctx, job.ID)
	if err != nil {
		return err
	}
	defer s.Close()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(res)
	// Streams outlive the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})
	_ = rc.Flush()

	log := h.logger.With("job_id", job.ID)
	for {
		line, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("log stream aborted", "error", err, "last_sequence", s.LastSequence())
				_ = writeEvent(res, "error", "", map[string]string{"message": "log stream interrupted"})
			}
			return nil
		}
		if line.Sequence <= resumeAfter {
			continue
		}
		if err := writeEvent(res, "log", strconv.FormatInt(line.Sequence, 10), line); err != nil {
			return nil
		}
		_ = rc.Flush()
	}

	final, err := h.jobs.GetStatus(ctx, job.ID)
	if err != nil {
		log.Warn("final status unavailable", "error", err)
		return nil
	}
	_ = writeEvent(res, "end", "", streamEnd{Status: final.Status, Result: final.Result, Error: final.Error})
	_ = rc.Flush()
	return nil
}

// ownJob loads the job named by :id if it belongs to the caller.
func (h *JobHandler) ownJob(c echo.Context) (*domain.Job, error) {
	caller, err := callerID(c)
	if err != nil {
		return nil, err
	}
	job, err := h.jobs.GetStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return nil, err
	}
	if job.OwnerID != caller {
		return nil, domain.ErrJobNotFound
	}
	return job, nil
}

func writeEvent(w io.Writer, event, id string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	return err
}

func queryInt(c echo.Context, name string, def int) (int, error) {
	v := c.QueryParam(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &domain.ValidationError{Field: name, Message: "must be an integer"}
	}
	return n, nil
}
