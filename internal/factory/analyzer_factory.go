package factory

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mikey/mailsentry/internal/analyzer"
	"github.com/mikey/mailsentry/internal/config"
	"github.com/mikey/mailsentry/internal/core"
	"github.com/mikey/mailsentry/internal/utils"
)

// AnalyzerFactory assembles the pipeline's analyzer registration list
type AnalyzerFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewAnalyzerFactory creates a new analyzer factory
func NewAnalyzerFactory(cfg *config.Config, logger *zap.Logger) *AnalyzerFactory {
	return &AnalyzerFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateAnalyzers builds the fixed analyzer list in registration order.
func (f *AnalyzerFactory) CreateAnalyzers(cache core.ReputationCache, classifiers []core.Classifier) ([]core.Analyzer, error) {
	ac := f.cfg.GetAnalyzers()

	cacheTTL, err := f.cfg.GetDuration("cache.ttl")
	if err != nil {
		return nil, fmt.Errorf("invalid cache TTL: %w", err)
	}

	textProcessor := utils.NewTextProcessor(f.logger)
	extractor := analyzer.NewFeatureExtractor(textProcessor, ac.MaxScanBytes)

	return []core.Analyzer{
		analyzer.NewAuthenticationAnalyzer(f.logger),
		analyzer.NewReputationAnalyzer(cache, nil, ac.TrustedDomains, cacheTTL, f.logger),
		analyzer.NewHeaderAnalyzer(f.logger),
		analyzer.NewAttachmentAnalyzer(f.logger),
		analyzer.NewEnsembleAnalyzer(classifiers, extractor, f.logger),
	}, nil
}

// CreateTimeouts builds the fan-out timeout budget from configuration.
func (f *AnalyzerFactory) CreateTimeouts() core.AnalyzerTimeouts {
	ac := f.cfg.GetAnalyzers()

	perAnalyzer := make(map[string]time.Duration, len(ac.Timeouts))
	for name, d := range ac.Timeouts {
		perAnalyzer[name] = d
	}

	return core.AnalyzerTimeouts{
		Default:     ac.DefaultTimeout,
		PerAnalyzer: perAnalyzer,
		Grace:       ac.JoinGrace,
	}
}
