package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/mikey/mailsentry/internal/core"
)

// GeminiClassifier is an implementation of the Classifier interface using
// Google Gemini.
type GeminiClassifier struct {
	client       *genai.Client
	model        *genai.GenerativeModel
	modelName    string
	logger       *zap.Logger
	promptFormat string
}

// classifierResponse represents the structured response from the model.
type classifierResponse struct {
	Phishing   float64 `json:"phishing"`
	Malware    float64 `json:"malware"`
	Spam       float64 `json:"spam"`
	BEC        float64 `json:"bec"`
	Confidence float64 `json:"confidence"`
}

// NewGeminiClassifier creates a new Gemini classifier.
func NewGeminiClassifier(
	apiKey string,
	modelName string,
	maxTokens int,
	temperature float32,
	topP float32,
	logger *zap.Logger,
) (*GeminiClassifier, error) {
	client, err := genai.NewClient(context.Background(), option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(temperature)
	model.SetTopP(topP)
	model.SetMaxOutputTokens(int32(maxTokens))

	return &GeminiClassifier{
		client:    client,
		model:     model,
		modelName: modelName,
		logger:    logger,
		promptFormat: `You are an email threat classifier. You receive a JSON feature vector
extracted from an email (link counts, urgency and credential term counts,
attachment risk and similar signals). Score the email for each threat
category.
Respond with a JSON object containing:
- phishing: number between 0 and 1
- malware: number between 0 and 1
- spam: number between 0 and 1
- bec: number between 0 and 1 (business email compromise)
- confidence: number between 0 and 1 (how confident you are overall)

Feature vector:
%s

Respond only with the JSON object and nothing else.`,
	}, nil
}

// Close closes the Gemini client.
func (c *GeminiClassifier) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Classify scores the feature vector against the threat categories.
func (c *GeminiClassifier) Classify(ctx context.Context, features core.FeatureVector) (*core.ClassifierScores, error) {
	featureJSON, err := json.Marshal(features)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal feature vector: %w", err)
	}

	resp, err := c.model.GenerateContent(ctx, genai.Text(fmt.Sprintf(c.promptFormat, string(featureJSON))))
	if err != nil {
		return nil, fmt.Errorf("failed to generate content with Gemini: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("empty response from Gemini")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}

	parsed, err := parseClassifierResponse(sb.String())
	if err != nil {
		return nil, err
	}

	return &core.ClassifierScores{
		Categories: map[string]float64{
			core.CategoryPhishing: parsed.Phishing,
			core.CategoryMalware:  parsed.Malware,
			core.CategorySpam:     parsed.Spam,
			core.CategoryBEC:      parsed.BEC,
		},
		Confidence: parsed.Confidence,
		Model:      c.modelName,
	}, nil
}

// parseClassifierResponse parses the model's JSON, tolerating prose
// around the object.
func parseClassifierResponse(responseText string) (*classifierResponse, error) {
	var parsed classifierResponse
	if err := json.Unmarshal([]byte(responseText), &parsed); err == nil {
		return &parsed, nil
	}

	jsonStart := strings.Index(responseText, "{")
	jsonEnd := strings.LastIndex(responseText, "}")
	if jsonStart < 0 || jsonEnd < jsonStart {
		return nil, fmt.Errorf("failed to extract JSON from classifier response")
	}
	if err := json.Unmarshal([]byte(responseText[jsonStart:jsonEnd+1]), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse classifier response as JSON: %w", err)
	}
	return &parsed, nil
}
