package factory

import (
	"go.uber.org/zap"

	"github.com/mikey/mailsentry/internal/adapters/smtpgw"
	"github.com/mikey/mailsentry/internal/config"
	"github.com/mikey/mailsentry/internal/core"
	"github.com/mikey/mailsentry/internal/ports"
)

// GatewayFactory creates message ingestion gateways
type GatewayFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewGatewayFactory creates a new gateway factory
func NewGatewayFactory(cfg *config.Config, logger *zap.Logger) *GatewayFactory {
	return &GatewayFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateGateway creates the SMTP ingestion gateway, or nil when SMTP
// ingestion is disabled.
func (f *GatewayFactory) CreateGateway(pipeline *core.PipelineService) (ports.MessageGateway, error) {
	if !f.cfg.GetBool("smtp.enabled") {
		return nil, nil
	}
	return smtpgw.NewGateway(
		pipeline,
		f.logger,
		f.cfg.GetString("smtp.listen_address"),
		f.cfg.GetString("smtp.relay_address"),
		f.cfg.GetInt("smtp.relay_port"),
		f.cfg.GetBool("smtp.relay_enabled"),
	), nil
}
