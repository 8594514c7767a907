package factory

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/mikey/mailsentry/internal/adapters/events"
	"github.com/mikey/mailsentry/internal/config"
	"github.com/mikey/mailsentry/internal/core"
)

// EventsFactory creates event publishers based on configuration
type EventsFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewEventsFactory creates a new events factory
func NewEventsFactory(cfg *config.Config, logger *zap.Logger) *EventsFactory {
	return &EventsFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateEventPublisher creates an event publisher based on the configuration
func (f *EventsFactory) CreateEventPublisher() (core.EventPublisher, error) {
	eventsType := f.cfg.GetString("events.type")

	switch eventsType {
	case "noop":
		return events.NewNoopPublisher(), nil
	case "webhook":
		timeout, err := f.cfg.GetDuration("events.webhook_timeout")
		if err != nil {
			return nil, fmt.Errorf("invalid webhook timeout: %w", err)
		}
		endpoint := f.cfg.GetString("events.webhook_url")
		if endpoint == "" {
			return nil, fmt.Errorf("events.webhook_url is required for webhook events")
		}
		return events.NewWebhookPublisher(endpoint, f.cfg.GetString("events.webhook_token"), timeout, f.logger), nil
	case "nats":
		return events.NewNATSPublisher(
			f.cfg.GetString("events.nats_url"),
			f.cfg.GetString("events.nats_subject"),
			f.logger,
		)
	default:
		return nil, fmt.Errorf("unsupported events type: %s", eventsType)
	}
}
