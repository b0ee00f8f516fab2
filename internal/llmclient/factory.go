package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/hostaudit/api/schemas"
	"github.com/xkilldash9x/hostaudit/internal/config"
)

// NewClient builds the tier router described by cfg. Each tier names an entry
// of the models map; a model without its own API key inherits cfg.APIKey.
func NewClient(ctx context.Context, cfg config.LLMRouterConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	if cfg.DefaultFastModel == "" {
		return nil, fmt.Errorf("configuration error: DefaultFastModel is not specified in LLMRouterConfig")
	}
	if cfg.DefaultPowerfulModel == "" {
		return nil, fmt.Errorf("configuration error: DefaultPowerfulModel is not specified in LLMRouterConfig")
	}

	fastCfg, ok := cfg.Models[cfg.DefaultFastModel]
	if !ok {
		return nil, fmt.Errorf("configuration error: DefaultFastModel '%s' not found in the models map", cfg.DefaultFastModel)
	}
	powerfulCfg, ok := cfg.Models[cfg.DefaultPowerfulModel]
	if !ok {
		return nil, fmt.Errorf("configuration error: DefaultPowerfulModel '%s' not found in the models map", cfg.DefaultPowerfulModel)
	}

	fastClient, err := newProviderClient(ctx, withSharedKey(fastCfg, cfg.APIKey), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Fast tier LLM client (Model: %s): %w", cfg.DefaultFastModel, err)
	}

	powerfulClient := fastClient
	if cfg.DefaultPowerfulModel != cfg.DefaultFastModel {
		powerfulClient, err = newProviderClient(ctx, withSharedKey(powerfulCfg, cfg.APIKey), logger)
		if err != nil {
			_ = fastClient.Close()
			return nil, fmt.Errorf("failed to initialize Powerful tier LLM client (Model: %s): %w", cfg.DefaultPowerfulModel, err)
		}
	}

	router, err := NewLLMRouter(logger, fastClient, powerfulClient)
	if err != nil {
		return nil, err
	}
	return router, nil
}

func withSharedKey(m config.LLMModelConfig, shared string) config.LLMModelConfig {
	if m.APIKey == "" {
		m.APIKey = shared
	}
	return m
}

func newProviderClient(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		client, err := NewGeminiClient(cfg, logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	case config.ProviderGoogle:
		client, err := NewGoogleClient(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	case "":
		return nil, fmt.Errorf("LLM provider is not specified in the model configuration")
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s, %s]",
			cfg.Provider, config.ProviderGemini, config.ProviderGoogle)
	}
}
