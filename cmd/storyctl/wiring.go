package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/basket/storyctl/internal/analyzer"
	"github.com/basket/storyctl/internal/bus"
	"github.com/basket/storyctl/internal/codeindex"
	"github.com/basket/storyctl/internal/config"
	"github.com/basket/storyctl/internal/decomposer"
	"github.com/basket/storyctl/internal/dispatch"
	"github.com/basket/storyctl/internal/executorreg"
	"github.com/basket/storyctl/internal/finalize"
	"github.com/basket/storyctl/internal/gate"
	"github.com/basket/storyctl/internal/githost"
	"github.com/basket/storyctl/internal/llm"
	"github.com/basket/storyctl/internal/orchestrator"
	storyotel "github.com/basket/storyctl/internal/otel"
	"github.com/basket/storyctl/internal/policy"
	"github.com/basket/storyctl/internal/store"
	"github.com/basket/storyctl/internal/telemetry"
	"github.com/basket/storyctl/internal/vcs"
	"github.com/basket/storyctl/internal/verify"
	"github.com/basket/storyctl/internal/worktree"
)

// app bundles the wired-up collaborators a one-shot subcommand needs,
// and the teardown it must run before exiting.
type app struct {
	Cfg    config.Config
	Store  *store.Store
	Policy *policy.LivePolicy
	Orc    *orchestrator.Orchestrator
	Otel   *storyotel.Provider
	Log    *slog.Logger
	Bus    *bus.Bus

	close func()
}

// buildApp loads config, opens the store, and wires every C1-C9
// collaborator into an Orchestrator the way main's daemon path does,
// minus the cron scheduler and signal handling one-shot commands don't
// need.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietFlag)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	dbPath := cfg.DBPath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(cfg.HomeDir, dbPath)
	}
	eventBus := bus.New()
	s, err := store.Open(dbPath, eventBus)
	if err != nil {
		closer.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	polPath := filepath.Join(cfg.HomeDir, "policy.yaml")
	polData, err := policy.Load(polPath)
	if err != nil {
		s.Close()
		closer.Close()
		return nil, fmt.Errorf("load policy: %w", err)
	}
	pol := policy.NewLivePolicy(polData, polPath)

	wt := worktree.New(s, logger)

	otelProvider, err := storyotel.Init(ctx, storyotel.Config{
		Enabled:        cfg.OTel.Enabled,
		Exporter:       cfg.OTel.Exporter,
		Endpoint:       cfg.OTel.Endpoint,
		ServiceName:    cfg.OTel.ServiceName,
		SampleRate:     cfg.OTel.SampleRate,
		MetricsEnabled: cfg.OTel.MetricsEnabled,
	})
	if err != nil {
		s.Close()
		closer.Close()
		return nil, fmt.Errorf("init otel: %w", err)
	}
	metrics, err := storyotel.NewMetrics(otelProvider.Meter)
	if err != nil {
		s.Close()
		closer.Close()
		return nil, fmt.Errorf("init otel metrics: %w", err)
	}

	provider, model, apiKey := cfg.ResolveLLMConfig()
	primary := llm.NewGenkitClient(ctx, llm.ProviderConfig{
		Name:     provider,
		Provider: provider,
		Model:    model,
		APIKey:   apiKey,
	})
	var llmClient llm.Client = primary
	if len(cfg.LLM.FallbackProviders) > 0 {
		fallbacks := make(map[string]llm.Client, len(cfg.LLM.FallbackProviders))
		for _, fp := range cfg.LLM.FallbackProviders {
			fpKey := cfg.LLMProviderAPIKey(fp)
			fallbacks[fp] = llm.NewGenkitClient(ctx, llm.ProviderConfig{Name: fp, Provider: fp, APIKey: fpKey})
		}
		llmClient = llm.NewFailover(provider, primary, fallbacks)
	}
	llmClient = llm.NewTracingClient(llmClient, otelProvider.Tracer, model)

	index := codeindex.NewGrepIndex()
	an, err := analyzer.New(llmClient, index)
	if err != nil {
		s.Close()
		closer.Close()
		return nil, fmt.Errorf("new analyzer: %w", err)
	}
	de, err := decomposer.New(llmClient)
	if err != nil {
		s.Close()
		closer.Close()
		return nil, fmt.Errorf("new decomposer: %w", err)
	}

	registry := executorreg.New()
	registry.Register("cooperative", executorreg.NewCooperativeExecutor(llmClient))
	disp := dispatch.New(s, registry, eventBus)
	disp.Tracer = otelProvider.Tracer
	disp.Metrics = metrics

	verifyEngine := verify.New()
	if cfg.Verify.Sandbox {
		sandbox, err := verify.NewDockerExecutor(cfg.Verify.SandboxImage, cfg.Verify.SandboxMemory, cfg.Verify.SandboxNetwork)
		if err != nil {
			logger.Warn("verify sandbox init failed, falling back to host execution", "error", err)
		} else {
			verifyEngine.Sandbox = sandbox
		}
	}
	ga := gate.New(verifyEngine, eventBus)
	ga.Tracer = otelProvider.Tracer
	ga.Metrics = metrics

	var ghClient githost.Client
	if cfg.GitHost.BaseURL != "" {
		ghClient = githost.NewHTTPClient(cfg.GitHost.BaseURL, cfg.GitHost.Token, pol)
	}
	fin := finalize.New(&vcs.Git{}, ghClient)

	orc := orchestrator.New(s, wt, an, de, disp, ga, fin, verifyEngine, eventBus, logger)

	return &app{
		Cfg:    cfg,
		Store:  s,
		Policy: pol,
		Orc:    orc,
		Otel:   otelProvider,
		Log:    logger,
		Bus:    eventBus,
		close: func() {
			if err := otelProvider.Shutdown(ctx); err != nil {
				logger.Warn("otel shutdown failed", "error", err)
			}
			s.Close()
			closer.Close()
		},
	}, nil
}

func (a *app) Close() {
	if a.close != nil {
		a.close()
	}
}

// storyDefaults applies config.yaml's stories defaults to a create
// request, matching §6.4's "unset fields fall back to stories:
// defaults" requirement.
func (a *app) storyDefaults() config.StoryDefaults {
	return a.Cfg.Stories
}

// fatal mirrors the teacher's fatalStartup but returns instead of
// exiting, since one-shot subcommands report a process exit code from
// main() rather than calling os.Exit deep in a helper.
func fatal(logger *slog.Logger, action string, err error) int {
	if logger != nil {
		logger.Error(action, "error", err)
	} else {
		fmt.Fprintf(os.Stderr, "%s: %v\n", action, err)
	}
	return 1
}
