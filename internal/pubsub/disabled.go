package pubsub

import (
	"context"

	"github.com/sumire/agenthub/internal/domain"
)

// Disabled is the Hub used when no transport address is configured. Every
// call fails with domain.ErrChannelNotConfigured, which tells readers to
// poll the store for the lifetime of the process.
type Disabled struct{}

func (Disabled) Publish(context.Context, domain.LogLine) error {
	return domain.ErrChannelNotConfigured
}

func (Disabled) EndStream(context.Context, string, domain.JobStatus) error {
	return domain.ErrChannelNotConfigured
}

func (Disabled) Subscribe(context.Context, string) (*Subscription, error) {
	return nil, domain.ErrChannelNotConfigured
}

func (Disabled) Close() error { return nil }
