package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/basket/storyctl/internal/pricing"
	"github.com/basket/storyctl/internal/safety"
	"github.com/basket/storyctl/internal/shared"
	"github.com/basket/storyctl/internal/tokenutil"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// ProviderConfig configures one genkit-backed provider, mirroring the
// teacher's BrainConfig (trimmed to the completion-relevant fields —
// Soul/AgentName/Policy/APIKeys were chat-agent concerns this module
// has no use for).
type ProviderConfig struct {
	Name                     string // logical name used for logging/circuit-breaker keys
	Provider                 string // "google" | "anthropic" | "openai" | "openai_compatible" | "openrouter"
	Model                    string
	APIKey                   string
	OpenAICompatibleProvider string
	OpenAICompatibleBaseURL  string
}

// GenkitClient is a single-provider Client, grounded on
// NewGenkitBrain/Respond in internal/engine/brain.go, narrowed to one
// stateless Complete call with no conversation history or tool-calling.
type GenkitClient struct {
	g            *genkit.Genkit
	modelName    string
	modelID      string
	on           bool
	leakDetector *safety.LeakDetector
}

// NewGenkitClient initializes genkit with the configured provider's
// plugin. When no API key is available it still returns a usable
// client whose Complete call returns ErrUnavailable, matching the
// teacher's "deterministic fallback" branch.
func NewGenkitClient(ctx context.Context, cfg ProviderConfig) *GenkitClient {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	modelID := strings.TrimSpace(cfg.Model)
	if modelID == "" {
		modelID = defaultModelForProvider(provider)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}

	var g *genkit.Genkit
	on := false
	modelName := modelID

	switch provider {
	case "anthropic":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}))
			on = true
			modelName = "anthropic/" + modelID
		}
	case "openai":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}))
			on = true
			modelName = "openai/" + modelID
		}
	case "openai_compatible":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: cfg.OpenAICompatibleProvider,
				APIKey:   apiKey,
				BaseURL:  cfg.OpenAICompatibleBaseURL,
			}))
			on = true
			modelName = cfg.OpenAICompatibleProvider + "/" + modelID
		}
	case "openrouter":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openrouter",
				APIKey:   apiKey,
				BaseURL:  "https://openrouter.ai/api/v1",
			}))
			on = true
			modelName = "openrouter/" + modelID
		}
	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}), genkit.WithDefaultModel("googleai/"+modelID))
			on = true
			modelName = "googleai/" + modelID
		}
	default:
		slog.Warn("llm: unknown provider, completions will be unavailable", "provider", provider)
	}

	if g == nil {
		g = genkit.Init(ctx)
	}
	if on {
		slog.Info("llm client initialized", "name", cfg.Name, "provider", provider, "model", modelName)
	} else {
		slog.Warn("llm: no api key configured, provider disabled", "name", cfg.Name, "provider", provider)
	}

	return &GenkitClient{g: g, modelName: modelName, modelID: modelID, on: on, leakDetector: safety.NewLeakDetector()}
}

// Complete issues a single, stateless generation call.
func (c *GenkitClient) Complete(ctx context.Context, req Request) (Response, error) {
	if !c.on {
		return Response{}, fmt.Errorf("%w: provider not configured", ErrUnavailable)
	}

	opts := []ai.GenerateOption{
		ai.WithModelName(c.modelName),
		ai.WithPrompt(req.Prompt),
	}
	if req.SystemPrompt != "" {
		opts = append(opts, ai.WithSystem(req.SystemPrompt))
	}

	resp, err := genkit.Generate(ctx, c.g, opts...)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}

	text := resp.Text()
	if c.leakDetector != nil {
		if findings := c.leakDetector.Scan(text); len(findings) > 0 {
			slog.Warn("llm: leak detector triggered on completion", "findings_count", len(findings))
		}
	}
	text = shared.Redact(text)

	promptTokens := tokenutil.EstimateTokens(req.SystemPrompt + req.Prompt)
	completionTokens := tokenutil.EstimateTokens(text)
	cost := pricing.EstimateCost(c.modelID, promptTokens, completionTokens)

	return Response{
		Text:             text,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		CostUSD:          cost,
	}, nil
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-3-5-sonnet-20241022"
	case "openai", "openai_compatible":
		return "gpt-4o-mini"
	case "openrouter":
		return "anthropic/claude-sonnet-4-5-20250929"
	default:
		return "gemini-2.5-flash"
	}
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible", "openrouter":
		return os.Getenv("OPENAI_API_KEY")
	default:
		return os.Getenv("GEMINI_API_KEY")
	}
}
