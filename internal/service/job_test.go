package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/sumire/agenthub/internal/domain"
	"github.com/sumire/agenthub/internal/service"
	"github.com/sumire/agenthub/internal/testutil"
)

type JobServiceSuite struct {
	suite.Suite
	ctx    context.Context
	store  *testutil.MemoryJobStore
	events *testutil.RecordingPublisher
	jobs   *service.JobService
}

func TestJobService(t *testing.T) {
	suite.Run(t, new(JobServiceSuite))
}

func (s *JobServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = testutil.NewMemoryJobStore()
	s.events = &testutil.RecordingPublisher{}
	s.jobs = service.NewJobService(s.store, s.events, nil)
}

func (s *JobServiceSuite) newJob() *domain.Job {
	job, err := s.jobs.CreateJob(s.ctx, domain.NewJob{OwnerID: "alice", Capability: "scan_repository"})
	s.Require().NoError(err)
	return job
}

func (s *JobServiceSuite) TestScenario() {
	job := s.newJob()
	s.Equal(domain.JobStatusPending, job.Status)

	_, err := s.jobs.StartJob(s.ctx, job.ID)
	s.Require().NoError(err)

	l1, err := s.jobs.AppendLog(s.ctx, job.ID, "step1")
	s.Require().NoError(err)
	l2, err := s.jobs.AppendLog(s.ctx, job.ID, "step2")
	s.Require().NoError(err)
	s.Equal(int64(1), l1.Sequence)
	s.Equal(int64(2), l2.Sequence)

	done, err := s.jobs.CompleteJob(s.ctx, job.ID, json.RawMessage(`"ok"`))
	s.Require().NoError(err)
	s.Equal(domain.JobStatusCompleted, done.Status)
	s.JSONEq(`"ok"`, string(done.Result))

	lines, err := s.jobs.GetLogLines(s.ctx, job.ID, 1)
	s.Require().NoError(err)
	s.Require().Len(lines, 2)
	s.Equal("step1", lines[0].Text)
	s.Equal("step2", lines[1].Text)

	published := s.events.Lines()
	s.Require().Len(published, 2)
	s.Equal(int64(1), published[0].Sequence)
	s.Equal(int64(2), published[1].Sequence)
	status, ended := s.events.Ended(job.ID)
	s.True(ended)
	s.Equal(domain.JobStatusCompleted, status)

	_, err = s.jobs.StartJob(s.ctx, job.ID)
	s.ErrorIs(err, domain.ErrInvalidTransition)
	snap, err := s.jobs.GetStatus(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(domain.JobStatusCompleted, snap.Status)
}

func (s *JobServiceSuite) TestAppendNGivesSequencesOneToN() {
	job := s.newJob()
	_, err := s.jobs.StartJob(s.ctx, job.ID)
	s.Require().NoError(err)

	const n = 50
	for i := 1; i <= n; i++ {
		_, err := s.jobs.AppendLog(s.ctx, job.ID, fmt.Sprintf("line %d", i))
		s.Require().NoError(err)
	}

	lines, err := s.jobs.GetLogLines(s.ctx, job.ID, 0)
	s.Require().NoError(err)
	s.Require().Len(lines, n)
	for i, l := range lines {
		s.Equal(int64(i+1), l.Sequence)
		s.Equal(fmt.Sprintf("line %d", i+1), l.Text)
	}

	tail, err := s.jobs.GetLogLines(s.ctx, job.ID, n-1)
	s.Require().NoError(err)
	s.Len(tail, 2)
}

func (s *JobServiceSuite) TestConcurrentAppendsAreGapFree() {
	job := s.newJob()
	_, err := s.jobs.StartJob(s.ctx, job.ID)
	s.Require().NoError(err)

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := s.jobs.AppendLog(s.ctx, job.ID, "x")
				assert.NoError(s.T(), err)
			}
		}()
	}
	wg.Wait()

	lines, err := s.jobs.GetLogLines(s.ctx, job.ID, 1)
	s.Require().NoError(err)
	s.Require().Len(lines, writers*perWriter)
	for i, l := range lines {
		s.Equal(int64(i+1), l.Sequence)
	}
}

func (s *JobServiceSuite) TestConcurrentStartHasOneWinner() {
	job := s.newJob()

	const racers = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		rejected int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.jobs.StartJob(s.ctx, job.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, domain.ErrInvalidTransition):
				rejected++
			}
		}()
	}
	wg.Wait()

	s.Equal(1, wins)
	s.Equal(racers-1, rejected)
}

func (s *JobServiceSuite) TestAppendToTerminalJobFails() {
	job := s.newJob()
	_, err := s.jobs.StartJob(s.ctx, job.ID)
	s.Require().NoError(err)
	_, err = s.jobs.FailJob(s.ctx, job.ID, domain.JobError{Code: "boom", Message: "it broke"})
	s.Require().NoError(err)

	_, err = s.jobs.AppendLog(s.ctx, job.ID, "late")
	s.ErrorIs(err, domain.ErrInvalidState)

	snap, err := s.jobs.GetStatus(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(domain.JobStatusFailed, snap.Status)
	s.Require().NotNil(snap.Error)
	s.Equal("boom", snap.Error.Code)
	s.Nil(snap.Result)
}

func (s *JobServiceSuite) TestCompletePendingJobIsRejected() {
	job := s.newJob()
	_, err := s.jobs.CompleteJob(s.ctx, job.ID, nil)
	s.ErrorIs(err, domain.ErrInvalidTransition)
	_, ended := s.events.Ended(job.ID)
	s.False(ended)
}

func (s *JobServiceSuite) TestUnknownJob() {
	_, err := s.jobs.GetStatus(s.ctx, "missing")
	s.ErrorIs(err, domain.ErrJobNotFound)
	s.ErrorIs(err, domain.ErrNotFound)

	_, err = s.jobs.AppendLog(s.ctx, "missing", "x")
	s.ErrorIs(err, domain.ErrJobNotFound)

	_, err = s.jobs.GetLogLines(s.ctx, "missing", 1)
	s.ErrorIs(err, domain.ErrJobNotFound)
}

func (s *JobServiceSuite) TestPublishFailureDoesNotFailAppend() {
	s.events.Err = domain.ErrChannelUnavailable
	job := s.newJob()
	_, err := s.jobs.StartJob(s.ctx, job.ID)
	s.Require().NoError(err)

	line, err := s.jobs.AppendLog(s.ctx, job.ID, "persisted anyway")
	s.Require().NoError(err)
	s.Equal(int64(1), line.Sequence)

	_, err = s.jobs.CompleteJob(s.ctx, job.ID, json.RawMessage(`{}`))
	s.Require().NoError(err)

	lines, err := s.jobs.GetLogLines(s.ctx, job.ID, 1)
	s.Require().NoError(err)
	s.Len(lines, 1)
}

func (s *JobServiceSuite) TestStorageDownSurfacesStorageError() {
	job := s.newJob()
	s.store.SetDown(true)

	_, err := s.jobs.AppendLog(s.ctx, job.ID, "x")
	s.ErrorIs(err, domain.ErrStorage)
	_, err = s.jobs.CreateJob(s.ctx, domain.NewJob{OwnerID: "alice"})
	s.ErrorIs(err, domain.ErrStorage)
	s.Empty(s.events.Lines())
}

func (s *JobServiceSuite) TestListJobsIsPerOwner() {
	for i := 0; i < 3; i++ {
		s.newJob()
	}
	_, err := s.jobs.CreateJob(s.ctx, domain.NewJob{OwnerID: "bob", Capability: "scan_repository"})
	s.Require().NoError(err)

	alice, err := s.jobs.ListJobs(s.ctx, "alice", 10)
	s.Require().NoError(err)
	s.Len(alice, 3)
	for _, j := range alice {
		s.Equal("alice", j.OwnerID)
	}

	limited, err := s.jobs.ListJobs(s.ctx, "alice", 2)
	s.Require().NoError(err)
	s.Len(limited, 2)
}

func (s *JobServiceSuite) TestRecover() {
	running := s.newJob()
	_, err := s.jobs.StartJob(s.ctx, running.ID)
	s.Require().NoError(err)
	pending := s.newJob()
	finished := s.newJob()
	_, err = s.jobs.StartJob(s.ctx, finished.ID)
	s.Require().NoError(err)
	_, err = s.jobs.CompleteJob(s.ctx, finished.ID, nil)
	s.Require().NoError(err)

	var resubmitted []string
	err = s.jobs.Recover(s.ctx, func(j *domain.Job) { resubmitted = append(resubmitted, j.ID) })
	s.Require().NoError(err)

	s.Equal([]string{pending.ID}, resubmitted)

	snap, err := s.jobs.GetStatus(s.ctx, running.ID)
	s.Require().NoError(err)
	s.Equal(domain.JobStatusFailed, snap.Status)
	s.Require().NotNil(snap.Error)
	s.Equal("interrupted", snap.Error.Code)

	snap, err = s.jobs.GetStatus(s.ctx, finished.ID)
	s.Require().NoError(err)
	s.Equal(domain.JobStatusCompleted, snap.Status)
}

func TestJobHandle(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemoryJobStore()
	jobs := service.NewJobService(store, &testutil.RecordingPublisher{}, nil)

	job, err := jobs.CreateJob(ctx, domain.NewJob{OwnerID: "alice", Capability: "scan_repository"})
	require.NoError(t, err)

	h := jobs.Handle(job.ID)
	assert.Equal(t, job.ID, h.ID())
	require.NoError(t, h.Start(ctx))
	require.NoError(t, h.Appendf(ctx, "scanned %d files", 3))
	require.NoError(t, h.Complete(ctx, map[string]int{"files": 3}))

	snap, err := jobs.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"files":3}`, string(snap.Result))

	lines, err := jobs.GetLogLines(ctx, job.ID, 1)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "scanned 3 files", lines[0].Text)
}

func TestJobHandle_FailKeepsTypedCode(t *testing.T) {
	ctx := context.Background()
	jobs := service.NewJobService(testutil.NewMemoryJobStore(), &testutil.RecordingPublisher{}, nil)

	typed, err := jobs.CreateJob(ctx, domain.NewJob{OwnerID: "alice"})
	require.NoError(t, err)
	plain, err := jobs.CreateJob(ctx, domain.NewJob{OwnerID: "alice"})
	require.NoError(t, err)

	h := jobs.Handle(typed.ID)
	require.NoError(t, h.Start(ctx))
	require.NoError(t, h.Fail(ctx, fmt.Errorf("wrapped: %w", &domain.JobError{Code: "llm_error", Message: "rate limited"})))

	h = jobs.Handle(plain.ID)
	require.NoError(t, h.Start(ctx))
	require.NoError(t, h.Fail(ctx, errors.New("disk full")))

	snap, err := jobs.GetStatus(ctx, typed.ID)
	require.NoError(t, err)
	assert.Equal(t, &domain.JobError{Code: "llm_error", Message: "rate limited"}, snap.Error)

	snap, err = jobs.GetStatus(ctx, plain.ID)
	require.NoError(t, err)
	assert.Equal(t, &domain.JobError{Code: "agent_error", Message: "disk full"}, snap.Error)
}
