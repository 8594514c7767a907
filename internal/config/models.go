package config

import "time"

// AnalyzerConfig represents the configuration for the analyzer fan-out
type AnalyzerConfig struct {
	DefaultTimeout time.Duration
	JoinGrace      time.Duration
	Timeouts       map[string]time.Duration
	TrustedDomains []string
	MaxScanBytes   int
}

// BedrockConfig represents the configuration for Amazon Bedrock
type BedrockConfig struct {
	Region      string
	ModelID     string
	MaxTokens   int
	Temperature float32
	TopP        float32
}

// GeminiConfig represents the configuration for Google Gemini
type GeminiConfig struct {
	APIKey      string
	ModelName   string
	MaxTokens   int
	Temperature float32
	TopP        float32
}

// OpenAIConfig represents the configuration for OpenAI
type OpenAIConfig struct {
	APIKey      string
	ModelName   string
	MaxTokens   int
	Temperature float32
	TopP        float32
}

// SandboxConfig represents the configuration for the sandbox orchestrator
type SandboxConfig struct {
	BackendURL     string
	APIKey         string
	RequestTimeout time.Duration
	PollInterval   time.Duration
	Deadline       time.Duration
	MaxRetries     int
	BackoffBase    time.Duration
}

// GetAnalyzers returns the analyzer fan-out configuration
func (c *Config) GetAnalyzers() AnalyzerConfig {
	timeouts := make(map[string]time.Duration)
	for name, raw := range c.v.GetStringMapString("analyzers.timeouts") {
		if d, err := time.ParseDuration(raw); err == nil {
			timeouts[name] = d
		}
	}

	defaultTimeout, _ := c.GetDuration("analyzers.default_timeout")
	grace, _ := c.GetDuration("analyzers.join_grace")

	return AnalyzerConfig{
		DefaultTimeout: defaultTimeout,
		JoinGrace:      grace,
		Timeouts:       timeouts,
		TrustedDomains: c.GetStringSlice("analyzers.trusted_domains"),
		MaxScanBytes:   c.GetInt("analyzers.max_scan_bytes"),
	}
}

// GetBedrock returns the Bedrock configuration
func (c *Config) GetBedrock() BedrockConfig {
	return BedrockConfig{
		Region:      c.GetString("bedrock.region"),
		ModelID:     c.GetString("bedrock.model_id"),
		MaxTokens:   c.GetInt("bedrock.max_tokens"),
		Temperature: float32(c.GetFloat64("bedrock.temperature")),
		TopP:        float32(c.GetFloat64("bedrock.top_p")),
	}
}

// GetGemini returns the Gemini configuration
func (c *Config) GetGemini() GeminiConfig {
	return GeminiConfig{
		APIKey:      c.GetString("gemini.api_key"),
		ModelName:   c.GetString("gemini.model_name"),
		MaxTokens:   c.GetInt("gemini.max_tokens"),
		Temperature: float32(c.GetFloat64("gemini.temperature")),
		TopP:        float32(c.GetFloat64("gemini.top_p")),
	}
}

// GetOpenAI returns the OpenAI configuration
func (c *Config) GetOpenAI() OpenAIConfig {
	return OpenAIConfig{
		APIKey:      c.GetString("openai.api_key"),
		ModelName:   c.GetString("openai.model_name"),
		MaxTokens:   c.GetInt("openai.max_tokens"),
		Temperature: float32(c.GetFloat64("openai.temperature")),
		TopP:        float32(c.GetFloat64("openai.top_p")),
	}
}

// GetSandbox returns the sandbox orchestrator configuration
func (c *Config) GetSandbox() SandboxConfig {
	requestTimeout, _ := c.GetDuration("sandbox.request_timeout")
	pollInterval, _ := c.GetDuration("sandbox.poll_interval")
	deadline, _ := c.GetDuration("sandbox.deadline")
	backoffBase, _ := c.GetDuration("sandbox.backoff_base")

	return SandboxConfig{
		BackendURL:     c.GetString("sandbox.backend_url"),
		APIKey:         c.GetString("sandbox.api_key"),
		RequestTimeout: requestTimeout,
		PollInterval:   pollInterval,
		Deadline:       deadline,
		MaxRetries:     c.GetInt("sandbox.max_retries"),
		BackoffBase:    backoffBase,
	}
}
