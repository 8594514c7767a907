package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/mikey/mailsentry/internal/core"
)

// NATSPublisher pushes verdict events onto a NATS subject for SIEM and
// downstream consumers.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	logger  *zap.Logger
}

// NewNATSPublisher connects to NATS and returns an event publisher.
func NewNATSPublisher(natsURL, subject string, logger *zap.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info("Connected to NATS", zap.String("url", natsURL), zap.String("subject", subject))

	return &NATSPublisher{
		conn:    conn,
		subject: subject,
		logger:  logger,
	}, nil
}

// Publish emits one event. Event type is appended to the subject so
// consumers can subscribe selectively.
func (p *NATSPublisher) Publish(ctx context.Context, event *core.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.conn.Publish(p.subject+"."+event.Type, data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("Published event",
		zap.String("type", event.Type),
		zap.String("message_id", event.MessageID))
	return nil
}

// Close drains and closes the NATS connection.
func (p *NATSPublisher) Close() error {
	if p.conn != nil {
		if err := p.conn.Drain(); err != nil {
			p.conn.Close()
			return err
		}
	}
	return nil
}
