package pubsub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumire/agenthub/internal/domain"
)

const waitFor = 2 * time.Second

// memBroker is an in-process Broker.
type memBroker struct {
	mu         sync.Mutex
	feeds      map[string][]*memFeed
	subscribes int
	publishErr error
}

func newMemBroker() *memBroker {
	return &memBroker{feeds: map[string][]*memFeed{}}
}

func (b *memBroker) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	if b.publishErr != nil {
		b.mu.Unlock()
		return b.publishErr
	}
	feeds := append([]*memFeed(nil), b.feeds[topic]...)
	b.mu.Unlock()

	for _, f := range feeds {
		f.deliver(payload)
	}
	return nil
}

func (b *memBroker) Subscribe(_ context.Context, topic string) (Feed, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribes++
	f := &memFeed{broker: b, topic: topic, out: make(chan []byte, 1024)}
	b.feeds[topic] = append(b.feeds[topic], f)
	return f, nil
}

func (b *memBroker) Close() error { return nil }

func (b *memBroker) feedCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.feeds[topic])
}

// cut simulates a lost transport connection for topic.
func (b *memBroker) cut(topic string) {
	b.mu.Lock()
	feeds := b.feeds[topic]
	b.mu.Unlock()
	for _, f := range feeds {
		_ = f.Close()
	}
}

type memFeed struct {
	broker *memBroker
	topic  string
	mu     sync.Mutex
	out    chan []byte
	closed bool
}

func (f *memFeed) deliver(p []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.out <- p
	}
}

func (f *memFeed) Messages() <-chan []byte { return f.out }

func (f *memFeed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	close(f.out)
	f.mu.Unlock()

	b := f.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	feeds := b.feeds[f.topic]
	for i, other := range feeds {
		if other == f {
			b.feeds[f.topic] = append(feeds[:i], feeds[i+1:]...)
			break
		}
	}
	return nil
}

func line(jobID string, seq int64, text string) domain.LogLine {
	return domain.LogLine{JobID: jobID, Sequence: seq, Timestamp: time.Now().UTC(), Text: text}
}

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "events closed early: %v", sub.Err())
		return ev
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func waitClosed(t *testing.T, sub *Subscription) []Event {
	t.Helper()
	var rest []Event
	deadline := time.After(waitFor)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return rest
			}
			rest = append(rest, ev)
		case <-deadline:
			t.Fatal("timed out waiting for subscription to close")
			return nil
		}
	}
}

func TestChannel_FanOutToEverySubscriber(t *testing.T) {
	broker := newMemBroker()
	ch := NewChannel(broker, Options{})
	ctx := context.Background()

	a, err := ch.Subscribe(ctx, "job-1")
	require.NoError(t, err)
	b, err := ch.Subscribe(ctx, "job-1")
	require.NoError(t, err)

	assert.Equal(t, 1, broker.subscribes, "one transport subscription per job")

	require.NoError(t, ch.Publish(ctx, line("job-1", 1, "hello")))

	for _, sub := range []*Subscription{a, b} {
		ev := recv(t, sub)
		assert.Equal(t, EventLog, ev.Type)
		assert.Equal(t, int64(1), ev.Sequence)
		assert.Equal(t, "hello", ev.Text)
		assert.Equal(t, "job-1", sub.JobID())
	}
}

func TestChannel_JobsAreIsolated(t *testing.T) {
	ch := NewChannel(newMemBroker(), Options{})
	ctx := context.Background()

	one, err := ch.Subscribe(ctx, "job-1")
	require.NoError(t, err)
	two, err := ch.Subscribe(ctx, "job-2")
	require.NoError(t, err)

	require.NoError(t, ch.Publish(ctx, line("job-2", 1, "for two")))
	assert.Equal(t, "for two", recv(t, two).Text)

	select {
	case ev := <-one.Events():
		t.Fatalf("job-1 subscriber got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannel_BusyJobDoesNotHoldUpOthers(t *testing.T) {
	ch := NewChannel(newMemBroker(), Options{})
	ctx := context.Background()

	_, err := ch.Subscribe(ctx, "job-1")
	require.NoError(t, err)

	// Hold job-1 as a long fan-out would.
	ch.mu.Lock()
	busy := ch.topics["job-1"]
	ch.mu.Unlock()
	busy.mu.Lock()
	defer busy.mu.Unlock()

	type attached struct {
		sub *Subscription
		err error
	}
	done := make(chan attached, 1)
	go func() {
		sub, err := ch.Subscribe(ctx, "job-2")
		done <- attached{sub, err}
	}()

	var two *Subscription
	select {
	case got := <-done:
		require.NoError(t, got.err)
		two = got.sub
	case <-time.After(waitFor):
		t.Fatal("subscribe to job-2 waited on job-1")
	}

	require.NoError(t, ch.Publish(ctx, line("job-2", 1, "independent")))
	assert.Equal(t, "independent", recv(t, two).Text)
}

func TestChannel_SlowSubscriberIsDroppedAlone(t *testing.T) {
	ch := NewChannel(newMemBroker(), Options{SubscriberBuffer: 2})
	ctx := context.Background()

	slow, err := ch.Subscribe(ctx, "job-1")
	require.NoError(t, err)
	fast, err := ch.Subscribe(ctx, "job-1")
	require.NoError(t, err)

	for seq := int64(1); seq <= 3; seq++ {
		require.NoError(t, ch.Publish(ctx, line("job-1", seq, "x")))
		assert.Equal(t, seq, recv(t, fast).Sequence)
	}

	buffered := waitClosed(t, slow)
	require.Len(t, buffered, 2)
	assert.Equal(t, int64(1), buffered[0].Sequence)
	assert.Equal(t, int64(2), buffered[1].Sequence)
	assert.ErrorIs(t, slow.Err(), ErrSubscriberDropped)

	require.NoError(t, ch.Publish(ctx, line("job-1", 4, "x")))
	assert.Equal(t, int64(4), recv(t, fast).Sequence)
}

func TestChannel_EndStreamReleasesSubscribers(t *testing.T) {
	broker := newMemBroker()
	ch := NewChannel(broker, Options{})
	ctx := context.Background()

	sub, err := ch.Subscribe(ctx, "job-1")
	require.NoError(t, err)

	require.NoError(t, ch.EndStream(ctx, "job-1", domain.JobStatusCompleted))

	ev := recv(t, sub)
	assert.Equal(t, EventEnd, ev.Type)
	assert.Equal(t, domain.JobStatusCompleted, ev.Status)

	assert.Empty(t, waitClosed(t, sub))
	assert.NoError(t, sub.Err())
	assert.Eventually(t, func() bool { return broker.feedCount(Topic("job-1")) == 0 }, waitFor, 10*time.Millisecond)
}

func TestChannel_FailedEndStreamReleasesSubscribers(t *testing.T) {
	broker := newMemBroker()
	ch := NewChannel(broker, Options{})
	ctx := context.Background()

	sub, err := ch.Subscribe(ctx, "job-1")
	require.NoError(t, err)

	broker.publishErr = domain.ErrChannelUnavailable
	err = ch.EndStream(ctx, "job-1", domain.JobStatusFailed)
	require.ErrorIs(t, err, domain.ErrChannelUnavailable)

	waitClosed(t, sub)
	assert.ErrorIs(t, sub.Err(), domain.ErrChannelUnavailable)
}

func TestChannel_TransportLossClosesSubscriptions(t *testing.T) {
	broker := newMemBroker()
	ch := NewChannel(broker, Options{})
	ctx := context.Background()

	sub, err := ch.Subscribe(ctx, "job-1")
	require.NoError(t, err)

	broker.cut(Topic("job-1"))

	waitClosed(t, sub)
	assert.ErrorIs(t, sub.Err(), domain.ErrChannelUnavailable)

	// A later subscriber gets a fresh transport subscription.
	again, err := ch.Subscribe(ctx, "job-1")
	require.NoError(t, err)
	require.NoError(t, ch.Publish(ctx, line("job-1", 7, "back")))
	assert.Equal(t, int64(7), recv(t, again).Sequence)
	assert.Equal(t, 2, broker.subscribes)
}

func TestSubscription_CloseIsIdempotentAndReleasesFeed(t *testing.T) {
	broker := newMemBroker()
	ch := NewChannel(broker, Options{})
	ctx := context.Background()

	a, err := ch.Subscribe(ctx, "job-1")
	require.NoError(t, err)
	b, err := ch.Subscribe(ctx, "job-1")
	require.NoError(t, err)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.Equal(t, 1, broker.feedCount(Topic("job-1")), "feed kept while b is attached")

	require.NoError(t, ch.Publish(ctx, line("job-1", 1, "still here")))
	assert.Equal(t, "still here", recv(t, b).Text)

	require.NoError(t, b.Close())
	assert.Equal(t, 0, broker.feedCount(Topic("job-1")))
	_, open := <-b.Events()
	assert.False(t, open)
}

func TestChannel_MalformedPayloadIsSkipped(t *testing.T) {
	broker := newMemBroker()
	ch := NewChannel(broker, Options{})
	ctx := context.Background()

	sub, err := ch.Subscribe(ctx, "job-1")
	require.NoError(t, err)

	require.NoError(t, broker.Publish(ctx, Topic("job-1"), []byte(`{"type":"bogus"}`)))
	require.NoError(t, broker.Publish(ctx, Topic("job-1"), []byte(`not json`)))
	require.NoError(t, ch.Publish(ctx, line("job-1", 1, "ok")))

	assert.Equal(t, "ok", recv(t, sub).Text)
}

func TestDisabled(t *testing.T) {
	ctx := context.Background()
	var hub Hub = Disabled{}

	err := hub.Publish(ctx, line("job-1", 1, "x"))
	assert.ErrorIs(t, err, domain.ErrChannelNotConfigured)
	assert.ErrorIs(t, err, domain.ErrChannelUnavailable)

	_, err = hub.Subscribe(ctx, "job-1")
	assert.ErrorIs(t, err, domain.ErrChannelNotConfigured)

	assert.ErrorIs(t, hub.EndStream(ctx, "job-1", domain.JobStatusCompleted), domain.ErrChannelNotConfigured)
	assert.NoError(t, hub.Close())
}

func TestNew_SelectsTransportByScheme(t *testing.T) {
	ctx := context.Background()

	hub, err := New(ctx, "", Options{})
	require.NoError(t, err)
	assert.IsType(t, Disabled{}, hub)

	_, err = New(ctx, "amqp://localhost", Options{})
	require.Error(t, err)
	assert.False(t, errors.Is(err, domain.ErrChannelUnavailable))
}

func TestEventCodec(t *testing.T) {
	in := LogEvent(line("job-1", 3, "text"))
	b, err := encodeEvent(in)
	require.NoError(t, err)

	out, err := decodeEvent(b)
	require.NoError(t, err)
	assert.Equal(t, in.Line().Sequence, out.Line().Sequence)
	assert.Equal(t, "text", out.Text)
	assert.True(t, in.Timestamp.Equal(out.Timestamp))

	_, err = decodeEvent([]byte(`{"type":"other"}`))
	assert.Error(t, err)

	assert.Equal(t, "job:abc:logs", Topic("abc"))
	assert.Equal(t, "job.abc.logs", subject(Topic("abc")))
}
