package llmclient

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/hostaudit/api/schemas"
	"github.com/xkilldash9x/hostaudit/internal/config"
)

// GoogleClient implements schemas.LLMClient on top of the Google GenAI SDK.
type GoogleClient struct {
	client *genai.Client
	config config.LLMModelConfig
	logger *zap.Logger
}

// NewGoogleClient builds an SDK client for the Gemini API backend. A non-empty
// Endpoint overrides the SDK's base URL.
func NewGoogleClient(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (*GoogleClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Google/Gemini API Key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model name is required for the google provider")
	}

	clientConfig := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: cfg.APITimeout},
	}
	if cfg.Endpoint != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.Endpoint}
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GoogleClient{
		client: client,
		config: cfg,
		logger: logger.Named("llm_client.google"),
	}, nil
}

// Generate sends one content generation request through the SDK.
func (c *GoogleClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, c.config.Model, genai.Text(req.UserPrompt), c.buildConfig(req))
	if err != nil {
		return "", fmt.Errorf("genai request failed: %w", err)
	}

	text := resp.Text()
	if text == "" {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return "", fmt.Errorf("genai blocked the request (Reason: %s)", resp.PromptFeedback.BlockReason)
		}
		return "", fmt.Errorf("genai returned an empty response")
	}

	fields := []zap.Field{zap.String("model", c.config.Model), zap.Duration("duration", time.Since(start))}
	if u := resp.UsageMetadata; u != nil {
		fields = append(fields,
			zap.Int32("prompt_tokens", u.PromptTokenCount),
			zap.Int32("completion_tokens", u.CandidatesTokenCount),
			zap.Int32("total_tokens", u.TotalTokenCount),
		)
	}
	c.logger.Info("LLM generation complete (GenAI)", fields...)
	return text, nil
}

func (c *GoogleClient) buildConfig(req schemas.GenerationRequest) *genai.GenerateContentConfig {
	temperature := float32(req.Options.Temperature)
	if temperature == 0 {
		temperature = c.config.Temperature
	}
	gc := &genai.GenerateContentConfig{Temperature: genai.Ptr(temperature)}

	if req.SystemPrompt != "" {
		gc.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.Options.ForceJSONFormat {
		gc.ResponseMIMEType = "application/json"
	}
	if topP := c.config.TopP; topP > 0 {
		gc.TopP = genai.Ptr(topP)
	}
	if topK := c.config.TopK; topK > 0 {
		gc.TopK = genai.Ptr(float32(topK))
	}
	maxTokens := c.config.MaxTokens
	if req.Options.MaxOutputTokens > 0 {
		maxTokens = req.Options.MaxOutputTokens
	}
	if maxTokens > 0 {
		gc.MaxOutputTokens = int32(maxTokens)
	}
	for category, threshold := range c.config.SafetyFilters {
		gc.SafetySettings = append(gc.SafetySettings, &genai.SafetySetting{
			Category:  genai.HarmCategory(category),
			Threshold: genai.HarmBlockThreshold(threshold),
		})
	}
	return gc
}

// Close is a no-op; the SDK client has no explicit teardown.
func (c *GoogleClient) Close() error { return nil }
