package events

import (
	"context"

	"github.com/mikey/mailsentry/internal/core"
)

// NoopPublisher discards events, for deployments with no event consumer.
type NoopPublisher struct{}

// NewNoopPublisher creates a publisher that discards everything.
func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

// Publish discards the event.
func (p *NoopPublisher) Publish(ctx context.Context, event *core.Event) error {
	return nil
}

// Close is a no-op.
func (p *NoopPublisher) Close() error {
	return nil
}
