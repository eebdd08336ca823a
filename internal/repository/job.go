package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/sumire/agenthub/internal/domain"
)

//go:embed schema.sql
var schema string

// Migrate creates the jobs and log_lines tables if they do not exist.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return storageErr("migrate schema", err)
	}
	return nil
}

const jobColumns = `id, owner_id, capability, arguments, status, log_count, result, error, created_at, updated_at`

type jobRow struct {
	ID         string           `db:"id"`
	OwnerID    string           `db:"owner_id"`
	Capability string           `db:"capability"`
	Arguments  []byte           `db:"arguments"`
	Status     domain.JobStatus `db:"status"`
	LogCount   int64            `db:"log_count"`
	Result     []byte           `db:"result"`
	Error      []byte           `db:"error"`
	CreatedAt  time.Time        `db:"created_at"`
	UpdatedAt  time.Time        `db:"updated_at"`
}

func (r jobRow) toDomain() (*domain.Job, error) {
	job := &domain.Job{
		ID:         r.ID,
		OwnerID:    r.OwnerID,
		Capability: r.Capability,
		Arguments:  json.RawMessage(r.Arguments),
		Status:     r.Status,
		LogCount:   r.LogCount,
		Result:     json.RawMessage(r.Result),
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if len(r.Error) > 0 {
		var jobErr domain.JobError
		if err := json.Unmarshal(r.Error, &jobErr); err != nil {
			return nil, fmt.Errorf("decode error of job %s: %w", r.ID, err)
		}
		job.Error = &jobErr
	}
	return job, nil
}

// JobRepository is the PostgreSQL-backed job store.
type JobRepository struct {
	db *sqlx.DB
}

// NewJobRepository creates a new JobRepository.
func NewJobRepository(db *sqlx.DB) *JobRepository {
	return &JobRepository{db: db}
}

// CreateJob allocates a new job in pending status.
func (r *JobRepository) CreateJob(ctx context.Context, in domain.NewJob) (*domain.Job, error) {
	var row jobRow
	err := r.db.QueryRowxContext(ctx,
		`INSERT INTO jobs (id, owner_id, capability, arguments, status)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+jobColumns,
		uuid.NewString(), in.OwnerID, in.Capability, jsonParam(in.Arguments), domain.JobStatusPending,
	).StructScan(&row)
	if err != nil {
		return nil, storageErr("create job", err)
	}
	return row.toDomain()
}

// AppendLog assigns the next sequence number of jobID and persists the line.
// The UPDATE takes the job's row lock, so appends to one job are serialized
// until commit while appends to other jobs proceed independently.
func (r *JobRepository) AppendLog(ctx context.Context, jobID, text string) (*domain.LogLine, error) {
	if !validID(jobID) {
		return nil, domain.ErrJobNotFound
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin append", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowxContext(ctx,
		`UPDATE jobs SET log_count = log_count + 1, updated_at = NOW()
		 WHERE id = $1 AND status IN ($2, $3)
		 RETURNING log_count`,
		jobID, domain.JobStatusPending, domain.JobStatusRunning,
	).Scan(&seq)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, r.explainMiss(ctx, tx, jobID, domain.ErrInvalidState)
		}
		return nil, storageErr("reserve sequence", err)
	}

	var line domain.LogLine
	err = tx.QueryRowxContext(ctx,
		`INSERT INTO log_lines (job_id, sequence, text)
		 VALUES ($1, $2, $3)
		 RETURNING job_id, sequence, timestamp, text`,
		jobID, seq, text,
	).StructScan(&line)
	if err != nil {
		return nil, storageErr("insert log line", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit append", err)
	}
	return &line, nil
}

// UpdateStatus applies a state machine transition. The WHERE clause on the
// current status makes concurrent transitions race on the row: one wins,
// the others see zero rows and fail with ErrInvalidTransition.
func (r *JobRepository) UpdateStatus(ctx context.Context, jobID string, upd domain.StatusUpdate) (*domain.Job, error) {
	if !validID(jobID) {
		return nil, domain.ErrJobNotFound
	}
	from := upd.Status.AllowedFrom()
	if len(from) != 1 {
		return nil, fmt.Errorf("%w: cannot move a job to %q", domain.ErrInvalidTransition, upd.Status)
	}

	var result, jobErr any
	switch upd.Status {
	case domain.JobStatusCompleted:
		result = jsonParam(upd.Result)
	case domain.JobStatusFailed:
		if upd.Error != nil {
			b, err := json.Marshal(upd.Error)
			if err != nil {
				return nil, fmt.Errorf("encode job error: %w", err)
			}
			jobErr = string(b)
		}
	}

	var row jobRow
	err := r.db.QueryRowxContext(ctx,
		`UPDATE jobs SET status = $2, result = $3, error = $4, updated_at = NOW()
		 WHERE id = $1 AND status = $5
		 RETURNING `+jobColumns,
		jobID, upd.Status, result, jobErr, from[0],
	).StructScan(&row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, r.explainMiss(ctx, r.db, jobID,
				fmt.Errorf("%w: to %s", domain.ErrInvalidTransition, upd.Status))
		}
		return nil, storageErr("update job status", err)
	}
	return row.toDomain()
}

// GetJob retrieves a job by ID.
func (r *JobRepository) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	if !validID(jobID) {
		return nil, domain.ErrJobNotFound
	}
	var row jobRow
	err := r.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, storageErr(fmt.Sprintf("find job %s", jobID), err)
	}
	return row.toDomain()
}

// GetLogLines returns the lines of jobID with sequence >= fromSequence in
// ascending order.
func (r *JobRepository) GetLogLines(ctx context.Context, jobID string, fromSequence int64) ([]domain.LogLine, error) {
	if !validID(jobID) {
		return nil, domain.ErrJobNotFound
	}
	lines := []domain.LogLine{}
	err := r.db.SelectContext(ctx, &lines,
		`SELECT job_id, sequence, timestamp, text FROM log_lines
		 WHERE job_id = $1 AND sequence >= $2
		 ORDER BY sequence`, jobID, fromSequence)
	if err != nil {
		return nil, storageErr(fmt.Sprintf("list log lines of %s", jobID), err)
	}
	if len(lines) == 0 {
		// Distinguish "nothing new" from "no such job".
		if _, err := r.GetJob(ctx, jobID); err != nil {
			return nil, err
		}
	}
	return lines, nil
}

// ListJobs returns the most recent jobs created by ownerID.
func (r *JobRepository) ListJobs(ctx context.Context, ownerID string, limit int) ([]*domain.Job, error) {
	var rows []jobRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+jobColumns+` FROM jobs WHERE owner_id = $1
		 ORDER BY created_at DESC LIMIT $2`, ownerID, limit)
	if err != nil {
		return nil, storageErr(fmt.Sprintf("list jobs of %s", ownerID), err)
	}
	return toDomainJobs(rows)
}

// ListByStatus returns every job currently in status, oldest first.
func (r *JobRepository) ListByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.Job, error) {
	var rows []jobRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY created_at`, status)
	if err != nil {
		return nil, storageErr(fmt.Sprintf("list %s jobs", status), err)
	}
	return toDomainJobs(rows)
}

func (r *JobRepository) explainMiss(ctx context.Context, q sqlx.QueryerContext, jobID string, cause error) error {
	var status domain.JobStatus
	err := sqlx.GetContext(ctx, q, &status, `SELECT status FROM jobs WHERE id = $1`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrJobNotFound
		}
		return storageErr(fmt.Sprintf("find job %s", jobID), err)
	}
	return fmt.Errorf("job %s is %s: %w", jobID, status, cause)
}

func toDomainJobs(rows []jobRow) ([]*domain.Job, error) {
	jobs := make([]*domain.Job, 0, len(rows))
	for _, row := range rows {
		job, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrStorage, op, err)
}

func jsonParam(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
