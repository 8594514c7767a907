package gemini

import (
	"go.uber.org/zap"

	"github.com/mikey/mailsentry/internal/core"
)

// Factory creates new instances of GeminiClassifier
type Factory struct {
	apiKey      string
	modelName   string
	maxTokens   int
	temperature float32
	topP        float32
	logger      *zap.Logger
}

// NewFactory creates a new factory for GeminiClassifier instances
func NewFactory(
	apiKey string,
	modelName string,
	maxTokens int,
	temperature float32,
	topP float32,
	logger *zap.Logger,
) *Factory {
	return &Factory{
		apiKey:      apiKey,
		modelName:   modelName,
		maxTokens:   maxTokens,
		temperature: temperature,
		topP:        topP,
		logger:      logger,
	}
}

// CreateClassifier creates a new GeminiClassifier
func (f *Factory) CreateClassifier() (core.Classifier, error) {
	return NewGeminiClassifier(
		f.apiKey,
		f.modelName,
		f.maxTokens,
		f.temperature,
		f.topP,
		f.logger,
	)
}
