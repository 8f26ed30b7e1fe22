package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ModelDef describes a model entry in the built-in models list.
type ModelDef struct {
	ID   string
	Desc string
}

// BuiltinModels maps provider IDs to their built-in model lists.
var BuiltinModels = map[string][]ModelDef{
	"google": {
		{"gemini-3-pro-preview", "Most capable, advanced reasoning"},
		{"gemini-3-flash-preview", "Balanced speed + frontier intelligence"},
		{"gemini-2.5-pro", "Strong reasoning, complex STEM tasks"},
		{"gemini-2.5-flash", "Fast, cost-effective"},
	},
	"anthropic": {
		{"claude-opus-4-6", "Most capable"},
		{"claude-sonnet-4-5-20250929", "Balanced performance"},
		{"claude-haiku-4-5-20251001", "Fast, cost-effective"},
	},
	"openai": {
		{"o3", "Advanced reasoning"},
		{"o4-mini", "Fast reasoning"},
		{"gpt-4o", "Versatile, multimodal"},
	},
	"openrouter": {
		{"anthropic/claude-sonnet-4-5-20250929", "Claude Sonnet (via OpenRouter)"},
		{"openai/gpt-4o", "GPT-4o (via OpenRouter)"},
	},
}

// ProviderConfig holds per-provider settings for multi-provider LLM support.
type ProviderConfig struct {
	APIKey  string   `yaml:"api_key"`
	BaseURL string   `yaml:"base_url"` // custom endpoint (e.g. OpenRouter)
	Models  []string `yaml:"models"`   // user-added models (merged with built-ins)
}

// LLMProviderConfig holds configuration for all LLM providers. Mirrors
// internal/llm.ProviderConfig's field set, split per-provider the way
// the user-facing config.yaml names them.
type LLMProviderConfig struct {
	// Provider names the active LLM provider: "google", "anthropic", "openai", "openai_compatible", "openrouter".
	Provider string `yaml:"provider"`

	GeminiModel    string `yaml:"gemini_model"`
	AnthropicModel string `yaml:"anthropic_model"`
	OpenAIModel    string `yaml:"openai_model"`

	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"`
	OpenAICompatibleBaseURL  string `yaml:"openai_compatible_base_url"`

	// FallbackProviders is an ordered list of provider names to try when the primary fails.
	FallbackProviders []string `yaml:"fallback_providers"`

	// FailoverThreshold is the number of consecutive failures before a provider's circuit breaker trips.
	FailoverThreshold int `yaml:"failover_threshold"`

	// FailoverCooldownSeconds is the duration before a tripped circuit breaker resets.
	FailoverCooldownSeconds int `yaml:"failover_cooldown_seconds"`
}

// StoryDefaults holds the defaults applied to a createStory request when
// the caller leaves a field unset (spec §6.4).
type StoryDefaults struct {
	AutomationMode string `yaml:"automation_mode"`
	GateMode       string `yaml:"gate_mode"`
	DispatchTarget string `yaml:"dispatch_target"`
	MaxParallelism int    `yaml:"max_parallelism"`
}

// VerifyConfig controls the default verification sandbox (internal/verify).
type VerifyConfig struct {
	Sandbox        bool   `yaml:"sandbox"`
	SandboxImage   string `yaml:"sandbox_image"`
	SandboxMemory  int64  `yaml:"sandbox_memory_mb"`
	SandboxNetwork string `yaml:"sandbox_network"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// GitHostConfig configures the pull-request host used by internal/finalize.
type GitHostConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

// OTelConfig controls internal/otel's trace/metric export. Mirrors
// otel.Config field-for-field since it's marshaled straight through.
type OTelConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled,omitempty"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	WorkerCount  int    `yaml:"worker_count"`
	BindAddr     string `yaml:"bind_addr"`
	LogLevel     string `yaml:"log_level"`
	DBPath       string `yaml:"db_path"`
	ReposRootDir string `yaml:"repos_root_dir"`

	LLM LLMProviderConfig `yaml:"llm"`

	// APIKeys holds centralized API keys for tools and integrations.
	APIKeys map[string]string `yaml:"api_keys"`

	// Providers holds per-provider configuration (API keys, custom endpoints, extra models).
	Providers map[string]ProviderConfig `yaml:"providers"`

	Stories StoryDefaults `yaml:"stories"`
	Verify  VerifyConfig  `yaml:"verify"`
	GitHost GitHostConfig `yaml:"git_host"`
	OTel    OTelConfig    `yaml:"otel"`

	// RecoverySweepSeconds is the interval internal/cron re-runs
	// Orchestrator.RecoverStories at. 0 uses the package default.
	RecoverySweepSeconds int `yaml:"recovery_sweep_seconds"`

	// RetentionStepOutputDays bounds how long internal/store keeps
	// completed Step output blobs before a retention sweep clears them.
	RetentionStepOutputDays int `yaml:"retention_step_output_days"`

	NeedsGenesis bool `yaml:"-"`
}

// LLMProviderAPIKey returns the API key for the specified LLM provider.
// Env vars take precedence: ANTHROPIC_API_KEY, OPENAI_API_KEY, GOOGLE_API_KEY.
func (c Config) LLMProviderAPIKey(provider string) string {
	envMap := map[string]string{
		"google":     "GOOGLE_API_KEY",
		"anthropic":  "ANTHROPIC_API_KEY",
		"openai":     "OPENAI_API_KEY",
		"openrouter": "OPENROUTER_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.Providers != nil {
		if p, ok := c.Providers[provider]; ok && p.APIKey != "" {
			return p.APIKey
		}
	}
	return ""
}

// ResolveLLMConfig returns the effective LLM configuration.
func (c Config) ResolveLLMConfig() (provider, model, apiKey string) {
	provider = c.LLM.Provider
	if provider == "" {
		provider = "google"
	}

	switch provider {
	case "anthropic":
		model = c.LLM.AnthropicModel
	case "openai", "openai_compatible", "openrouter":
		model = c.LLM.OpenAIModel
	case "google":
		model = c.LLM.GeminiModel
	}

	apiKey = c.LLMProviderAPIKey(provider)
	return provider, model, apiKey
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetModel updates the LLM provider and model in config.yaml, preserving other settings.
func SetModel(homeDir, provider, model string) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	llmRaw, _ := raw["llm"].(map[string]interface{})
	if llmRaw == nil {
		llmRaw = make(map[string]interface{})
	}
	llmRaw["provider"] = provider
	switch provider {
	case "anthropic":
		llmRaw["anthropic_model"] = model
	case "openai", "openai_compatible", "openrouter":
		llmRaw["openai_model"] = model
	default:
		llmRaw["gemini_model"] = model
	}
	raw["llm"] = llmRaw
	return saveRawConfig(configPath, raw)
}

// SetAPIKey updates a single API key in config.yaml, preserving other settings.
func SetAPIKey(homeDir, name, value string) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	apiKeys, _ := raw["api_keys"].(map[string]interface{})
	if apiKeys == nil {
		apiKeys = make(map[string]interface{})
	}
	apiKeys[name] = value
	raw["api_keys"] = apiKeys
	return saveRawConfig(configPath, raw)
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "workers=%d|bind=%s|log=%s|provider=%s|db=%s",
		c.WorkerCount, c.BindAddr, c.LogLevel, c.LLM.Provider, c.DBPath)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		WorkerCount:             8,
		BindAddr:                "127.0.0.1:18790",
		LogLevel:                "info",
		DBPath:                  "storyctl.db",
		ReposRootDir:            "./repos",
		RecoverySweepSeconds:    60,
		RetentionStepOutputDays: 90,
		Stories: StoryDefaults{
			AutomationMode: "ASSISTED",
			GateMode:       "PAUSE_ALWAYS",
			DispatchTarget: "cooperative",
			MaxParallelism: 4,
		},
		Verify: VerifyConfig{
			TimeoutSeconds: 600,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("STORYCTL_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".storyctl")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create storyctl home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "storyctl.db"
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.GeminiModel == "" {
		if models, ok := BuiltinModels["google"]; ok && len(models) > 0 {
			cfg.LLM.GeminiModel = models[0].ID
		}
	}
	if strings.TrimSpace(cfg.Stories.AutomationMode) == "" {
		cfg.Stories.AutomationMode = "ASSISTED"
	}
	if strings.TrimSpace(cfg.Stories.GateMode) == "" {
		cfg.Stories.GateMode = "PAUSE_ALWAYS"
	}
	if strings.TrimSpace(cfg.Stories.DispatchTarget) == "" {
		cfg.Stories.DispatchTarget = "cooperative"
	}
	if cfg.Stories.MaxParallelism <= 0 {
		cfg.Stories.MaxParallelism = 4
	}
	if cfg.RecoverySweepSeconds <= 0 {
		cfg.RecoverySweepSeconds = 60
	}
}

// ProviderAPIKey returns the API key for the given provider, checking env overrides first.
func (c Config) ProviderAPIKey(provider string) string {
	return c.LLMProviderAPIKey(provider)
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("STORYCTL_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.WorkerCount = v
		}
	}
	if raw := os.Getenv("STORYCTL_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("STORYCTL_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("STORYCTL_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("GOOGLE_API_KEY"); raw != "" {
		if cfg.Providers == nil {
			cfg.Providers = make(map[string]ProviderConfig)
		}
		p := cfg.Providers["google"]
		p.APIKey = raw
		cfg.Providers["google"] = p
	}
	if raw := os.Getenv("BRAVE_API_KEY"); raw != "" {
		if cfg.APIKeys == nil {
			cfg.APIKeys = make(map[string]string)
		}
		cfg.APIKeys["brave_search"] = raw
	}
	if raw := os.Getenv("GITHOST_TOKEN"); raw != "" {
		cfg.GitHost.Token = raw
	}
}
