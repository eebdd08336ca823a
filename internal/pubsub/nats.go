package pubsub

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sumire/agenthub/internal/domain"
)

const (
	natsPendingMessages = 256
	// natsFlushTimeout bounds the subscribe round trip when ctx has no deadline.
	natsFlushTimeout = 5 * time.Second
)

// subject maps a topic onto NATS token syntax: job:<id>:logs -> job.<id>.logs.
func subject(topic string) string {
	return strings.ReplaceAll(topic, ":", ".")
}

// NATSBroker carries job topics over core NATS subjects.
type NATSBroker struct {
	conn *nats.Conn
}

// NewNATSBroker creates a NATSBroker on an existing connection.
func NewNATSBroker(conn *nats.Conn) *NATSBroker {
	return &NATSBroker{conn: conn}
}

// Publish sends payload on the topic subject.
func (b *NATSBroker) Publish(_ context.Context, topic string, payload []byte) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("%w: nats %s", domain.ErrChannelUnavailable, b.conn.Status())
	}
	if err := b.conn.Publish(subject(topic), payload); err != nil {
		return fmt.Errorf("%w: nats publish %s: %w", domain.ErrChannelUnavailable, topic, err)
	}
	return nil
}

// Subscribe registers interest in topic and flushes so the server has
// processed the subscription before it returns.
func (b *NATSBroker) Subscribe(ctx context.Context, topic string) (Feed, error) {
	if !b.conn.IsConnected() {
		return nil, fmt.Errorf("%w: nats %s", domain.ErrChannelUnavailable, b.conn.Status())
	}

	msgs := make(chan *nats.Msg, natsPendingMessages)
	sub, err := b.conn.ChanSubscribe(subject(topic), msgs)
	if err != nil {
		return nil, fmt.Errorf("%w: nats subscribe %s: %w", domain.ErrChannelUnavailable, topic, err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, natsFlushTimeout)
		defer cancel()
	}
	if err := b.conn.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("%w: nats flush %s: %w", domain.ErrChannelUnavailable, topic, err)
	}

	f := &natsFeed{
		sub:  sub,
		msgs: msgs,
		out:  make(chan []byte),
		done: make(chan struct{}),
	}
	go f.run()
	return f, nil
}

// Close closes the connection.
func (b *NATSBroker) Close() error {
	b.conn.Close()
	return nil
}

type natsFeed struct {
	sub  *nats.Subscription
	msgs chan *nats.Msg
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (f *natsFeed) run() {
	defer close(f.out)
	for {
		select {
		case msg := <-f.msgs:
			select {
			case f.out <- msg.Data:
			case <-f.done:
				return
			}
		case <-f.done:
			return
		}
	}
}

func (f *natsFeed) Messages() <-chan []byte { return f.out }

func (f *natsFeed) Close() error {
	var err error
	f.once.Do(func() {
		close(f.done)
		err = f.sub.Unsubscribe()
	})
	return err
}
