// Package stream reconstructs the ordered log of a job for a viewer.
//
// A Stream first replays the lines already persisted, then follows the live
// channel. Lines are delivered in strictly increasing sequence order, each
// exactly once. The store is consulted again whenever the live channel
// cannot be trusted: on a sequence gap, after a silent period (watchdog),
// after the subscriber was dropped, and for the whole stream when the
// channel is unavailable. Opening a new Stream for the same job always
// reproduces the same view.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/sumire/agenthub/internal/domain"
	"github.com/sumire/agenthub/internal/metrics"
	"github.com/sumire/agenthub/internal/pubsub"
)

const (
	DefaultPollInterval     = time.Second
	DefaultWatchdogInterval = 5 * time.Second
)

// Mode tells how a Stream is currently receiving lines.
type Mode string

const (
	ModeLive    Mode = "live"
	ModePolling Mode = "polling"
)

// JobReader is the read side of the job lifecycle.
type JobReader interface {
	GetStatus(ctx context.Context, jobID string) (*domain.Job, error)
	GetLogLines(ctx context.Context, jobID string, fromSequence int64) ([]domain.LogLine, error)
}

// Subscriber opens live subscriptions. It fails with
// domain.ErrChannelUnavailable when the channel cannot be used.
type Subscriber interface {
	Subscribe(ctx context.Context, jobID string) (*pubsub.Subscription, error)
}

// Config tunes a Reader. Zero values select the defaults.
type Config struct {
	PollInterval     time.Duration
	WatchdogInterval time.Duration
	Logger           *slog.Logger
}

// Reader opens log streams.
type Reader struct {
	jobs     JobReader
	channel  Subscriber
	poll     time.Duration
	watchdog time.Duration
	logger   *slog.Logger
}

// NewReader creates a Reader.
func NewReader(jobs JobReader, channel Subscriber, cfg Config) *Reader {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = DefaultWatchdogInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reader{
		jobs:     jobs,
		channel:  channel,
		poll:     cfg.PollInterval,
		watchdog: cfg.WatchdogInterval,
		logger:   cfg.Logger.With("component", "stream"),
	}
}

// Open starts a stream over jobID. It fails with domain.ErrJobNotFound for
// unknown jobs and with domain.ErrStorage when the backlog cannot be read.
func (r *Reader) Open(ctx context.Context, jobID string) (*Stream, error) {
	s := &Stream{
		reader: r,
		jobID:  jobID,
		mode:   ModePolling,
	}

	if err := s.catchUp(ctx); err != nil {
		return nil, err
	}

	sub, err := r.channel.Subscribe(ctx, jobID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.fallBack(err)
		return s, nil
	}
	s.sub = sub
	s.mode = ModeLive

	// Lines appended between the backlog read and the subscription are
	// on neither side; read them now. A job that already finished will
	// never publish its end sentinel again.
	terminal, err := s.settle(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}
	if terminal {
		s.finish()
	}
	return s, nil
}

// Stream is one viewer's ordered view of a job's log. It is not safe for
// concurrent use.
type Stream struct {
	reader *Reader
	jobID  string

	sub     *pubsub.Subscription
	mode    Mode
	reason  error
	retryAt time.Time

	pending []domain.LogLine
	lastSeq int64
	done    bool
}

// Mode reports whether the stream is following the live channel.
func (s *Stream) Mode() Mode { return s.mode }

// LastSequence returns the highest sequence handed to or queued for the caller.
func (s *Stream) LastSequence() int64 { return s.lastSeq }

// Next returns the next line. It returns io.EOF once the job is terminal and
// every line has been delivered. Other errors (storage, ctx) leave the
// stream intact, so the caller may retry Next.
func (s *Stream) Next(ctx context.Context) (domain.LogLine, error) {
	for len(s.pending) == 0 {
		if s.done {
			return domain.LogLine{}, io.EOF
		}
		var err error
		if s.sub != nil {
			err = s.waitLive(ctx)
		} else {
			err = s.pollOnce(ctx)
		}
		if err != nil {
			return domain.LogLine{}, err
		}
	}
	line := s.pending[0]
	s.pending = s.pending[1:]
	return line, nil
}

// Close abandons the stream. The job is unaffected.
func (s *Stream) Close() {
	if s.sub != nil {
		_ = s.sub.Close()
		s.sub = nil
	}
}

func (s *Stream) waitLive(ctx context.Context) error {
	timer := time.NewTimer(s.reader.watchdog)
	defer timer.Stop()

	select {
	case ev, ok := <-s.sub.Events():
		if !ok {
			cause := s.sub.Err()
			if cause == nil {
				cause = domain.ErrChannelUnavailable
			}
			s.sub = nil
			s.fallBack(cause)
			return nil
		}
		return s.handle(ctx, ev)

	case <-timer.C:
		// Nothing for a while: the job may be quiet, or we may have
		// been silently cut off. Check the store without unsubscribing.
		terminal, err := s.settle(ctx)
		if err != nil {
			return err
		}
		if terminal {
			s.finish()
		}
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Stream) handle(ctx context.Context, ev pubsub.Event) error {
	if ev.JobID != s.jobID {
		return nil
	}
	switch ev.Type {
	case pubsub.EventLog:
		switch {
		case ev.Sequence <= s.lastSeq:
			// Already delivered from the store.
		case ev.Sequence == s.lastSeq+1:
			s.enqueue(ev.Line())
		default:
			// Missed lines; they were persisted before being published.
			if err := s.catchUp(ctx); err != nil {
				return err
			}
		}
	case pubsub.EventEnd:
		if err := s.catchUp(ctx); err != nil {
			return err
		}
		s.finish()
	}
	return nil
}

// pollOnce reads the store once and sleeps for the poll interval if there
// was nothing new.
func (s *Stream) pollOnce(ctx context.Context) error {
	before := s.lastSeq
	terminal, err := s.settle(ctx)
	if err != nil {
		return err
	}
	if terminal {
		s.finish()
		return nil
	}
	if s.lastSeq > before {
		return nil
	}

	if s.resubscribe(ctx) {
		return nil
	}

	timer := time.NewTimer(s.reader.poll)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resubscribe tries to get back on the live channel after a transient
// failure, at most once per watchdog interval. A channel that is not
// configured is never retried.
func (s *Stream) resubscribe(ctx context.Context) bool {
	if errors.Is(s.reason, domain.ErrChannelNotConfigured) || time.Now().Before(s.retryAt) {
		return false
	}
	s.retryAt = time.Now().Add(s.reader.watchdog)

	sub, err := s.reader.channel.Subscribe(ctx, s.jobID)
	if err != nil {
		return false
	}
	s.sub = sub
	s.mode = ModeLive
	s.reason = nil
	s.reader.logger.Debug("stream back on live channel", "job_id", s.jobID)
	return true
}

// settle reads the status first and the lines second: if the job was
// terminal before the read, no line can be appended after it, so the
// read is complete.
func (s *Stream) settle(ctx context.Context) (bool, error) {
	job, err := s.reader.jobs.GetStatus(ctx, s.jobID)
	if err != nil {
		return false, fmt.Errorf("stream %s status: %w", s.jobID, err)
	}
	if err := s.catchUp(ctx); err != nil {
		return false, err
	}
	return job.Status.IsTerminal(), nil
}

func (s *Stream) catchUp(ctx context.Context) error {
	lines, err := s.reader.jobs.GetLogLines(ctx, s.jobID, s.lastSeq+1)
	if err != nil {
		return fmt.Errorf("stream %s lines from %d: %w", s.jobID, s.lastSeq+1, err)
	}
	for _, line := range lines {
		s.enqueue(line)
	}
	return nil
}

func (s *Stream) enqueue(line domain.LogLine) {
	if line.Sequence != s.lastSeq+1 {
		return
	}
	s.pending = append(s.pending, line)
	s.lastSeq = line.Sequence
}

func (s *Stream) fallBack(cause error) {
	s.mode = ModePolling
	s.reason = cause
	s.retryAt = time.Now().Add(s.reader.watchdog)

	reason := "unavailable"
	switch {
	case errors.Is(cause, domain.ErrChannelNotConfigured):
		reason = "not_configured"
	case errors.Is(cause, pubsub.ErrSubscriberDropped):
		reason = "dropped"
	}
	metrics.StreamFallbacks.WithLabelValues(reason).Inc()
	s.reader.logger.Debug("stream polling the store", "job_id", s.jobID, "reason", cause)
}

func (s *Stream) finish() {
	s.done = true
	s.Close()
}
