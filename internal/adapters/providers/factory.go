package providers

import (
	"log/slog"

	"github.com/venturekit/dealflow/internal/adapters/llm"
	"github.com/venturekit/dealflow/internal/config"
	"github.com/venturekit/dealflow/internal/core/ports"
)

// Build constructs the inference provider from configuration. Without an API
// key the kernel runs against the deterministic simulated provider.
func Build(logger *slog.Logger, cfg config.InferenceConfig) ports.InferenceProvider {
	if cfg.APIKey == "" {
		logger.Warn("no inference API key configured, AI processing will be simulated")
		return llm.NewSimulatedProvider()
	}
	return llm.NewGeminiProvider(cfg.BaseURL, cfg.APIKey, cfg.Model)
}
