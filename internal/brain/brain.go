// Package brain wraps Genkit behind the small LLM surface the orchestrator
// needs: one-shot generation with a system prompt, per-tier model selection,
// and a deterministic fallback when no provider key is configured.
package brain

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/config"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/pricing"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/tokenutil"
)

// Model tiers. The router picks standard unless the request warrants the
// heavier model or the principal has a pinned override.
const (
	TierStandard = "standard"
	TierHeavy    = "heavy"
)

// Usage reports estimated token counts and cost for one generation.
type Usage struct {
	TokensIn  int
	TokensOut int
	CostUSD   float64
}

// Brain is the LLM abstraction used by the router and dispatcher.
type Brain interface {
	// Generate produces one completion. modelName selects the tiered model;
	// pass the result of ModelName.
	Generate(ctx context.Context, system, prompt, modelName string) (string, Usage, error)
	// ModelName resolves a tier to a provider-qualified model name.
	ModelName(tier string) string
	// Enabled reports whether a real provider is wired. When false,
	// Generate returns deterministic fallback text.
	Enabled() bool
}

// GenkitBrain backs Brain with a Genkit instance.
type GenkitBrain struct {
	g      *genkit.Genkit
	cfg    config.LLMConfig
	logger *slog.Logger
	llmOn  bool
}

// New initializes Genkit with the configured provider. A missing API key is
// not an error: the brain runs disabled and callers degrade gracefully.
func New(ctx context.Context, cfg config.LLMConfig, logger *slog.Logger) *GenkitBrain {
	if logger == nil {
		logger = slog.Default()
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	cfg.Provider = provider
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = defaultModelForProvider(provider)
	}
	if strings.TrimSpace(cfg.HeavyModel) == "" {
		cfg.HeavyModel = defaultHeavyModelForProvider(provider)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)

	var g *genkit.Genkit
	llmOn := false

	switch provider {
	case "anthropic":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: cfg.BaseURL,
			}))
			llmOn = true
			logger.Info("brain initialized", "provider", "anthropic", "model", cfg.Model)
		} else {
			g = genkit.Init(ctx)
			logger.Warn("Anthropic API key missing; using deterministic fallback")
		}

	case "openai", "openai_compatible":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  cfg.BaseURL,
			}))
			llmOn = true
			logger.Info("brain initialized", "provider", provider, "model", cfg.Model)
		} else {
			g = genkit.Init(ctx)
			logger.Warn("OpenAI API key missing; using deterministic fallback")
		}

	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel("googleai/"+cfg.Model),
			)
			llmOn = true
			logger.Info("brain initialized", "provider", "google", "model", "googleai/"+cfg.Model)
		} else {
			g = genkit.Init(ctx)
			logger.Warn("Google API key missing; using deterministic fallback")
		}

	default:
		g = genkit.Init(ctx)
		logger.Warn("unknown LLM provider, using deterministic fallback", "provider", provider)
	}

	return &GenkitBrain{g: g, cfg: cfg, logger: logger, llmOn: llmOn}
}

func (b *GenkitBrain) Enabled() bool {
	return b.llmOn
}

// ModelName resolves a tier to the provider-qualified model identifier.
func (b *GenkitBrain) ModelName(tier string) string {
	model := b.cfg.Model
	if tier == TierHeavy {
		model = b.cfg.HeavyModel
	}
	return qualifyModel(b.cfg.Provider, model)
}

func (b *GenkitBrain) Generate(ctx context.Context, system, prompt, modelName string) (string, Usage, error) {
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return "", Usage{}, fmt.Errorf("empty prompt")
	}
	if !b.llmOn {
		return fallbackReply(trimmed), Usage{}, nil
	}
	if modelName == "" {
		modelName = b.ModelName(TierStandard)
	}

	opts := []ai.GenerateOption{
		ai.WithPrompt(trimmed),
		ai.WithModelName(modelName),
	}
	if system != "" {
		// Escape % characters: ai.WithSystem runs the string through Sprintf.
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(system, "%", "%%")))
	}

	resp, err := genkit.Generate(ctx, b.g, opts...)
	if err != nil {
		return "", Usage{}, fmt.Errorf("generate: %w", err)
	}
	text := resp.Text()

	usage := Usage{
		TokensIn:  tokenutil.EstimateTokens(system) + tokenutil.EstimateTokens(trimmed),
		TokensOut: tokenutil.EstimateTokens(text),
	}
	usage.CostUSD = pricing.EstimateCost(modelName, usage.TokensIn, usage.TokensOut)
	return text, usage, nil
}

// fallbackReply keeps the pipeline deterministic and testable without a key.
func fallbackReply(prompt string) string {
	const limit = 160
	if len(prompt) > limit {
		prompt = prompt[:limit] + "..."
	}
	return "No language model is configured. Received: " + prompt
}

func qualifyModel(provider, model string) string {
	model = strings.TrimSpace(model)
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai", "openai_compatible":
		return "openai/" + model
	default:
		return "googleai/" + model
	}
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-haiku-4-5"
	case "openai", "openai_compatible":
		return "gpt-4o-mini"
	default:
		return "gemini-2.5-flash"
	}
}

func defaultHeavyModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai", "openai_compatible":
		return "gpt-4o"
	default:
		return "gemini-2.5-pro"
	}
}
