package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"go.uber.org/zap"

	"github.com/mikey/mailsentry/internal/core"
)

// BedrockClassifier is an implementation of the Classifier interface
// using Amazon Bedrock.
type BedrockClassifier struct {
	client       *bedrockruntime.Client
	modelID      string
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

// NewBedrockClassifier creates a new Bedrock classifier.
func NewBedrockClassifier(
	client *bedrockruntime.Client,
	modelID string,
	maxTokens int,
	temperature float32,
	topP float32,
	logger *zap.Logger,
) *BedrockClassifier {
	return &BedrockClassifier{
		client:      client,
		modelID:     modelID,
		maxTokens:   maxTokens,
		temperature: temperature,
		topP:        topP,
		logger:      logger,
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
	}
}

// Classify scores the feature vector against the threat categories.
func (c *BedrockClassifier) Classify(ctx context.Context, features core.FeatureVector) (*core.ClassifierScores, error) {
	featureJSON, err := json.Marshal(features)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal feature vector: %w", err)
	}
	prompt := fmt.Sprintf(c.promptFormat, string(featureJSON))

	// Request shape depends on the model family.
	var payload []byte
	if c.isAnthropicModel() {
		payload, err = json.Marshal(map[string]interface{}{
			"prompt":               prompt,
			"max_tokens_to_sample": c.maxTokens,
			"temperature":          c.temperature,
			"top_p":                c.topP,
		})
	} else if c.isAmazonTitanModel() {
		payload, err = json.Marshal(map[string]interface{}{
			"inputText": prompt,
			"textGenerationConfig": map[string]interface{}{
				"maxTokenCount": c.maxTokens,
				"temperature":   c.temperature,
				"topP":          c.topP,
			},
		})
	} else {
		payload, err = json.Marshal(map[string]interface{}{
			"prompt":      prompt,
			"max_tokens":  c.maxTokens,
			"temperature": c.temperature,
			"top_p":       c.topP,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request payload: %w", err)
	}

	resp, err := c.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     &c.modelID,
		Body:        payload,
		Accept:      aws.String("application/json"),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to invoke Bedrock model: %w", err)
	}

	responseText, err := c.extractText(resp.Body)
	if err != nil {
		return nil, err
	}

	parsed, err := parseClassifierResponse(responseText)
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
		Model:      c.modelID,
	}, nil
}

// extractText pulls the completion text out of the model-family-specific
// response envelope.
func (c *BedrockClassifier) extractText(body []byte) (string, error) {
	if c.isAnthropicModel() {
		var claudeResp struct {
			Completion string `json:"completion"`
		}
		if err := json.Unmarshal(body, &claudeResp); err != nil {
			return "", fmt.Errorf("failed to unmarshal Claude response: %w", err)
		}
		return claudeResp.Completion, nil
	}

	if c.isAmazonTitanModel() {
		var titanResp struct {
			Results []struct {
				OutputText string `json:"outputText"`
			} `json:"results"`
		}
		if err := json.Unmarshal(body, &titanResp); err != nil {
			return "", fmt.Errorf("failed to unmarshal Titan response: %w", err)
		}
		if len(titanResp.Results) == 0 {
			return "", fmt.Errorf("empty response from Titan model")
		}
		return titanResp.Results[0].OutputText, nil
	}

	var genericResp struct {
		Output   string `json:"output"`
		Text     string `json:"text"`
		Response string `json:"response"`
	}
	if err := json.Unmarshal(body, &genericResp); err != nil {
		return "", fmt.Errorf("failed to unmarshal generic response: %w", err)
	}
	switch {
	case genericResp.Output != "":
		return genericResp.Output, nil
	case genericResp.Text != "":
		return genericResp.Text, nil
	case genericResp.Response != "":
		return genericResp.Response, nil
	default:
		return string(body), nil
	}
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

// isAnthropicModel checks if the model is an Anthropic Claude model
func (c *BedrockClassifier) isAnthropicModel() bool {
	return strings.HasPrefix(c.modelID, "anthropic.claude")
}

// isAmazonTitanModel checks if the model is an Amazon Titan model
func (c *BedrockClassifier) isAmazonTitanModel() bool {
	return strings.HasPrefix(c.modelID, "amazon.titan")
}
