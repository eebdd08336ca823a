package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"

	"github.com/sumire/agenthub/internal/domain"
)

// Broker is the transport underneath a Channel. Publish and Subscribe fail
// with domain.ErrChannelUnavailable when the transport cannot be reached.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe returns once the subscription is active on the transport,
	// so every message published after it returns is observed.
	Subscribe(ctx context.Context, topic string) (Feed, error)
	Close() error
}

// Feed is one transport subscription. Messages is closed when the feed is
// closed or the transport connection is lost.
type Feed interface {
	Messages() <-chan []byte
	Close() error
}

// Hub is the job event channel seen by the rest of the hub: either a
// Channel over a configured transport or Disabled.
type Hub interface {
	Publish(ctx context.Context, line domain.LogLine) error
	EndStream(ctx context.Context, jobID string, status domain.JobStatus) error
	Subscribe(ctx context.Context, jobID string) (*Subscription, error)
	Close() error
}

// New builds the Hub for rawURL. An empty URL yields Disabled; redis:// and
// rediss:// select Redis pub/sub, nats:// selects NATS core subjects.
func New(ctx context.Context, rawURL string, opts Options) (Hub, error) {
	if rawURL == "" {
		return Disabled{}, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse channel url: %w", err)
	}

	var broker Broker
	switch u.Scheme {
	case "redis", "rediss":
		redisOpts, err := redis.ParseURL(rawURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(redisOpts)
		if err := client.Ping(ctx).Err(); err != nil {
			// Configured but down: keep the client, callers see
			// ErrChannelUnavailable until it comes back.
			logger(opts).Warn("redis not reachable at startup", "addr", redisOpts.Addr, "error", err)
		}
		broker = NewRedisBroker(client)
	case "nats":
		b, err := DialNATS(rawURL, logger(opts))
		if err != nil {
			return nil, err
		}
		broker = b
	default:
		return nil, fmt.Errorf("unsupported channel scheme %q", u.Scheme)
	}
	return NewChannel(broker, opts), nil
}

func logger(opts Options) *slog.Logger {
	if opts.Logger != nil {
		return opts.Logger
	}
	return slog.Default()
}

// DialNATS connects to a NATS server. The connection keeps retrying in the
// background, so a server that is down at startup is not fatal.
func DialNATS(rawURL string, log *slog.Logger) (*NATSBroker, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := nats.Connect(rawURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return NewNATSBroker(conn), nil
}
