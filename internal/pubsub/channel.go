// Package pubsub fans job log events out from producers to live viewers.
//
// A Channel keeps at most one transport subscription per job per process
// and copies each event into a bounded buffer per local subscriber. A
// subscriber that falls behind is dropped on its own; the producer and the
// other subscribers never wait for it. Delivery is best effort: the job
// store stays the source of truth and readers resynchronize from it.
package pubsub

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/sumire/agenthub/internal/domain"
	"github.com/sumire/agenthub/internal/metrics"
)

// ErrSubscriberDropped is reported by Subscription.Err when the subscriber
// was removed because its buffer overflowed.
var ErrSubscriberDropped = errors.New("subscriber dropped: buffer full")

const defaultSubscriberBuffer = 256

// Options configures a Channel.
type Options struct {
	// SubscriberBuffer bounds the events queued for one subscriber.
	SubscriberBuffer int
	Logger           *slog.Logger
}

// Channel is the live fan-out of job events over a Broker.
type Channel struct {
	broker Broker
	buffer int
	logger *slog.Logger

	mu     sync.Mutex // guards topics only
	topics map[string]*topic
}

// topic is the process-local state of one job. Channel.mu and topic.mu are
// never held together.
type topic struct {
	jobID string
	ready chan struct{}
	err   error // set before ready is closed

	mu     sync.Mutex
	feed   Feed
	subs   map[*Subscription]struct{}
	closed bool
}

// NewChannel creates a Channel over broker.
func NewChannel(broker Broker, opts Options) *Channel {
	buffer := opts.SubscriberBuffer
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Channel{
		broker: broker,
		buffer: buffer,
		logger: logger(opts).With("component", "pubsub"),
		topics: make(map[string]*topic),
	}
}

// Publish sends a persisted line to the current subscribers of its job.
func (c *Channel) Publish(ctx context.Context, line domain.LogLine) error {
	payload, err := encodeEvent(LogEvent(line))
	if err != nil {
		return err
	}
	return c.broker.Publish(ctx, Topic(line.JobID), payload)
}

// EndStream publishes the stream-end sentinel for jobID. Local subscribers
// are released when the sentinel comes back through the transport; if the
// publish fails they are released immediately.
func (c *Channel) EndStream(ctx context.Context, jobID string, status domain.JobStatus) error {
	payload, err := encodeEvent(EndEvent(jobID, status))
	if err != nil {
		return err
	}
	if err := c.broker.Publish(ctx, Topic(jobID), payload); err != nil {
		c.mu.Lock()
		t := c.topics[jobID]
		c.mu.Unlock()
		if t != nil {
			c.teardown(t, err)
		}
		return err
	}
	return nil
}

// Subscribe attaches a new subscriber to jobID. Only events published after
// Subscribe returns are guaranteed to be observed.
func (c *Channel) Subscribe(ctx context.Context, jobID string) (*Subscription, error) {
	for {
		t, err := c.topicFor(ctx, jobID)
		if err != nil {
			return nil, err
		}

		t.mu.Lock()
		if t.closed {
			// Torn down between creation and attach; start over.
			t.mu.Unlock()
			continue
		}
		sub := &Subscription{
			jobID:   jobID,
			events:  make(chan Event, c.buffer),
			channel: c,
			topic:   t,
		}
		t.subs[sub] = struct{}{}
		metrics.ActiveSubscribers.Inc()
		t.mu.Unlock()

		return sub, nil
	}
}

// topicFor returns the ready topic of jobID, subscribing on the broker when
// this process has no subscriber for the job yet. The broker call happens
// outside the lock so other jobs are not held up.
func (c *Channel) topicFor(ctx context.Context, jobID string) (*topic, error) {
	c.mu.Lock()
	t, ok := c.topics[jobID]
	if !ok {
		t = &topic{
			jobID: jobID,
			ready: make(chan struct{}),
			subs:  make(map[*Subscription]struct{}),
		}
		c.topics[jobID] = t
	}
	c.mu.Unlock()

	if !ok {
		feed, err := c.broker.Subscribe(ctx, Topic(jobID))
		t.mu.Lock()
		if err != nil {
			t.err = err
			t.closed = true
		} else {
			t.feed = feed
		}
		t.mu.Unlock()
		close(t.ready)
		if err != nil {
			c.forget(t)
			return nil, err
		}
		go c.pump(t)
		return t, nil
	}

	select {
	case <-t.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if t.err != nil {
		return nil, t.err
	}
	return t, nil
}

func (c *Channel) pump(t *topic) {
	for msg := range t.feed.Messages() {
		ev, err := decodeEvent(msg)
		if err != nil {
			c.logger.Warn("discarding malformed event", "job_id", t.jobID, "error", err)
			continue
		}

		t.mu.Lock()
		for sub := range t.subs {
			select {
			case sub.events <- ev:
			default:
				delete(t.subs, sub)
				sub.finish(ErrSubscriberDropped)
				metrics.DroppedSubscribers.Inc()
				c.logger.Warn("subscriber dropped", "job_id", t.jobID)
			}
		}
		t.mu.Unlock()

		if ev.Type == EventEnd {
			c.teardown(t, nil)
			return
		}
	}
	c.teardown(t, domain.ErrChannelUnavailable)
}

// teardown releases every subscriber of t with cause and closes its feed.
func (c *Channel) teardown(t *topic, cause error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	subs := t.subs
	t.subs = nil
	feed := t.feed
	t.mu.Unlock()
	c.forget(t)

	for sub := range subs {
		sub.finish(cause)
	}
	if feed != nil {
		if err := feed.Close(); err != nil {
			c.logger.Debug("close feed", "job_id", t.jobID, "error", err)
		}
	}
}

// forget removes t from the topic table unless a newer topic replaced it.
func (c *Channel) forget(t *topic) {
	c.mu.Lock()
	if c.topics[t.jobID] == t {
		delete(c.topics, t.jobID)
	}
	c.mu.Unlock()
}

// Close releases every subscriber and the broker.
func (c *Channel) Close() error {
	c.mu.Lock()
	topics := make([]*topic, 0, len(c.topics))
	for _, t := range c.topics {
		topics = append(topics, t)
	}
	c.mu.Unlock()

	for _, t := range topics {
		c.teardown(t, domain.ErrChannelUnavailable)
	}
	return c.broker.Close()
}

// Subscription is one viewer's live attachment to a job.
type Subscription struct {
	jobID   string
	events  chan Event
	channel *Channel
	topic   *topic

	once sync.Once
	mu   sync.Mutex
	err  error
}

// JobID returns the job the subscription is attached to.
func (s *Subscription) JobID() string { return s.jobID }

// Events yields the events published after the subscription attached. It is
// closed after the end sentinel, on Close, or when the subscriber is dropped.
func (s *Subscription) Events() <-chan Event { return s.events }

// Err reports why Events was closed: nil after the end sentinel or Close,
// ErrSubscriberDropped on overflow, ErrChannelUnavailable on transport loss.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close detaches the subscriber. It is safe to call more than once.
func (s *Subscription) Close() error {
	c, t := s.channel, s.topic

	t.mu.Lock()
	_, attached := t.subs[s]
	delete(t.subs, s)
	var feed Feed
	if attached && len(t.subs) == 0 && !t.closed {
		// Last local viewer gone: release the transport subscription.
		t.closed = true
		feed = t.feed
	}
	t.mu.Unlock()

	s.finish(nil)
	if feed != nil {
		c.forget(t)
		return feed.Close()
	}
	return nil
}

func (s *Subscription) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.events)
		metrics.ActiveSubscribers.Dec()
	})
}
