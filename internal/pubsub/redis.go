package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/sumire/agenthub/internal/domain"
)

// RedisBroker carries job topics over Redis PUBLISH/SUBSCRIBE.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker creates a RedisBroker on an existing client.
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

// Publish sends payload to every current subscriber of topic.
func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("%w: redis publish %s: %w", domain.ErrChannelUnavailable, topic, err)
	}
	return nil
}

// Subscribe opens a dedicated pub/sub connection and waits for Redis to
// confirm the subscription.
func (b *RedisBroker) Subscribe(ctx context.Context, topic string) (Feed, error) {
	ps := b.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("%w: redis subscribe %s: %w", domain.ErrChannelUnavailable, topic, err)
	}

	f := &redisFeed{
		ps:   ps,
		out:  make(chan []byte),
		done: make(chan struct{}),
	}
	go f.run()
	return f, nil
}

// Close closes the underlying client.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}

type redisFeed struct {
	ps   *redis.PubSub
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (f *redisFeed) run() {
	defer close(f.out)
	for {
		msg, err := f.ps.ReceiveMessage(context.Background())
		if err != nil {
			// Either Close was called or the connection broke. In both
			// cases the feed ends and subscribers resynchronize.
			return
		}
		select {
		case f.out <- []byte(msg.Payload):
		case <-f.done:
			return
		}
	}
}

func (f *redisFeed) Messages() <-chan []byte { return f.out }

func (f *redisFeed) Close() error {
	var err error
	f.once.Do(func() {
		close(f.done)
		err = f.ps.Close()
	})
	return err
}
