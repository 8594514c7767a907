package factory

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/mikey/mailsentry/internal/adapters/bedrock"
	"github.com/mikey/mailsentry/internal/adapters/gemini"
	"github.com/mikey/mailsentry/internal/adapters/openai"
	"github.com/mikey/mailsentry/internal/config"
	"github.com/mikey/mailsentry/internal/core"
)

// ClassifierFactory creates the AI ensemble members
type ClassifierFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewClassifierFactory creates a new classifier factory
func NewClassifierFactory(cfg *config.Config, logger *zap.Logger) *ClassifierFactory {
	return &ClassifierFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateClassifiers creates one classifier per configured ensemble
// provider. An empty provider list yields an empty ensemble; the
// analyzer reports itself failed and the aggregator redistributes its
// weight.
func (f *ClassifierFactory) CreateClassifiers() ([]core.Classifier, error) {
	providers := f.cfg.GetStringSlice("ensemble.providers")

	classifiers := make([]core.Classifier, 0, len(providers))
	for _, provider := range providers {
		classifier, err := f.createClassifier(provider)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s classifier: %w", provider, err)
		}
		classifiers = append(classifiers, classifier)
	}
	return classifiers, nil
}

func (f *ClassifierFactory) createClassifier(provider string) (core.Classifier, error) {
	switch provider {
	case "bedrock":
		c := f.cfg.GetBedrock()
		return bedrock.NewFactory(c.Region, c.ModelID, c.MaxTokens, c.Temperature, c.TopP, f.logger).CreateClassifier()
	case "gemini":
		c := f.cfg.GetGemini()
		return gemini.NewFactory(c.APIKey, c.ModelName, c.MaxTokens, c.Temperature, c.TopP, f.logger).CreateClassifier()
	case "openai":
		c := f.cfg.GetOpenAI()
		return openai.NewFactory(c.APIKey, c.ModelName, c.MaxTokens, c.Temperature, c.TopP, f.logger).CreateClassifier()
	default:
		return nil, fmt.Errorf("unsupported classifier provider: %s", provider)
	}
}
