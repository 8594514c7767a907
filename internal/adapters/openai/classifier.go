package openai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/mikey/mailsentry/internal/core"
)

// OpenAIClassifier is an implementation of the Classifier interface using
// OpenAI chat completions.
type OpenAIClassifier struct {
	client       *openai.Client
	modelName    string
	maxTokens    int
	temperature  float32
	topP         float32
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

// NewOpenAIClassifier creates a new OpenAI classifier.
func NewOpenAIClassifier(
	apiKey string,
	modelName string,
	maxTokens int,
	temperature float32,
	topP float32,
	logger *zap.Logger,
) *OpenAIClassifier {
	client := openai.NewClient(apiKey)

	return &OpenAIClassifier{
		client:       client,
		modelName:    modelName,
		maxTokens:    maxTokens,
		temperature:  temperature,
		topP:         topP,
		logger:       logger,
		promptFormat: classifierPrompt,
	}
}

const classifierPrompt = `You are an email threat classifier. You receive a JSON feature vector
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

Respond only with the JSON object and nothing else.`

// Classify scores the feature vector against the threat categories.
func (c *OpenAIClassifier) Classify(ctx context.Context, features core.FeatureVector) (*core.ClassifierScores, error) {
	featureJSON, err := json.Marshal(features)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal feature vector: %w", err)
	}

	req := openai.ChatCompletionRequest{
		Model: c.modelName,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "You are an email threat classifier. Respond only with JSON.",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: fmt.Sprintf(c.promptFormat, string(featureJSON)),
			},
		},
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		TopP:        c.topP,
	}
	req.ResponseFormat = &openai.ChatCompletionResponseFormat{
		Type: "json_object",
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat completion with OpenAI: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("empty response from OpenAI")
	}

	parsed, err := parseClassifierResponse(resp.Choices[0].Message.Content)
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

	jsonStart := -1
	jsonEnd := -1
	for i := 0; i < len(responseText); i++ {
		if responseText[i] == '{' {
			jsonStart = i
			break
		}
	}
	for i := len(responseText) - 1; i >= 0; i-- {
		if responseText[i] == '}' {
			jsonEnd = i + 1
			break
		}
	}
	if jsonStart < 0 || jsonStart >= jsonEnd {
		return nil, fmt.Errorf("failed to extract JSON from classifier response")
	}
	if err := json.Unmarshal([]byte(responseText[jsonStart:jsonEnd]), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse classifier response as JSON: %w", err)
	}
	return &parsed, nil
}
