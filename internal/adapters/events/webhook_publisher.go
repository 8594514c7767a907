package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mikey/mailsentry/internal/core"
)

// WebhookPublisher POSTs each event as JSON to a configured endpoint.
// Delivery is at-most-once: a failed delivery is logged and reported, the
// pipeline never blocks on a slow webhook consumer.
type WebhookPublisher struct {
	endpoint   string
	authToken  string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewWebhookPublisher creates a webhook event publisher.
func NewWebhookPublisher(endpoint, authToken string, timeout time.Duration, logger *zap.Logger) *WebhookPublisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookPublisher{
		endpoint:   endpoint,
		authToken:  authToken,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Publish delivers one event to the webhook endpoint.
func (p *WebhookPublisher) Publish(ctx context.Context, event *core.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.authToken)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}

	p.logger.Debug("Delivered webhook event",
		zap.String("type", event.Type),
		zap.String("message_id", event.MessageID))
	return nil
}

// Close is a no-op; the webhook client holds no persistent connection.
func (p *WebhookPublisher) Close() error {
	return nil
}
