package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cascadehq/cascade/internal/approval"
	"github.com/cascadehq/cascade/internal/config"
	"github.com/cascadehq/cascade/internal/container"
	"github.com/cascadehq/cascade/internal/conversation"
	"github.com/cascadehq/cascade/internal/fastpath"
	"github.com/cascadehq/cascade/internal/fileop"
	"github.com/cascadehq/cascade/internal/intent"
	"github.com/cascadehq/cascade/internal/nlrouter"
	"github.com/cascadehq/cascade/internal/orchestrator"
	"github.com/cascadehq/cascade/internal/provider"
	"github.com/cascadehq/cascade/internal/router"
	"github.com/cascadehq/cascade/internal/safety"
	"github.com/cascadehq/cascade/internal/tool"
)

// App is every component (C1-C12) wired together for one CLI invocation,
// resolved lazily through a container.Container so a command that only
// needs the fast-path router never pays to construct providers.
type App struct {
	Cfg       *config.Config
	Container *container.Container
	Logger    *slog.Logger
}

// buildApp registers every component's factory against a fresh container.
// Nothing is constructed until a command Resolves it.
func buildApp(cfg *config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	c := container.New(logger)
	root := workspaceRoot()

	c.Register("providers", func(ctx context.Context, c *container.Container) (any, error) {
		return buildProviders(ctx, cfg, logger)
	}, container.RegisterOptions{Scope: container.Singleton})

	c.Register("router", func(ctx context.Context, c *container.Container) (any, error) {
		providersAny, err := c.Resolve(ctx, "providers")
		if err != nil {
			return nil, err
		}
		providers := providersAny.([]provider.LLMProvider)
		if len(providers) == 0 {
			logger.Warn("no providers configured; routing will fail fast")
		}
		health := router.HealthConfig{
			FailureThreshold:  cfg.Routing.FailureThreshold,
			RecoveryThreshold: cfg.Routing.RecoveryThreshold,
			CheckInterval:     cfg.Routing.HealthCheckPeriod,
		}
		weights := router.Weights{
			Quality: cfg.Routing.QualityWeight,
			Latency: cfg.Routing.LatencyWeight,
			Cost:    cfg.Routing.CostWeight,
		}
		return router.New(providers, health, weights, logger), nil
	}, container.RegisterOptions{Scope: container.Singleton})

	c.Register("tools", func(ctx context.Context, c *container.Container) (any, error) {
		reg := tool.NewRegistry()
		if err := tool.RegisterBuiltins(reg, root); err != nil {
			return nil, fmt.Errorf("register builtin tools: %w", err)
		}
		return reg, nil
	}, container.RegisterOptions{Scope: container.Singleton})

	c.Register("approvals", func(ctx context.Context, c *container.Container) (any, error) {
		cache := approval.New()
		for _, name := range cfg.Approval.AutoApprove {
			cache.SetApproval(name, true)
		}
		for _, name := range cfg.Approval.AutoDeny {
			cache.SetApproval(name, false)
		}
		return cache, nil
	}, container.RegisterOptions{Scope: container.Singleton})

	c.Register("orchestrator", func(ctx context.Context, c *container.Container) (any, error) {
		routerAny, err := c.Resolve(ctx, "router")
		if err != nil {
			return nil, err
		}
		toolsAny, err := c.Resolve(ctx, "tools")
		if err != nil {
			return nil, err
		}
		approvalsAny, err := c.Resolve(ctx, "approvals")
		if err != nil {
			return nil, err
		}
		occfg := orchestrator.DefaultConfig()
		if cfg.Tools.MaxConcurrent > 0 {
			occfg.ParallelConcurrency = cfg.Tools.MaxConcurrent
		}
		if cfg.Tools.DefaultTimeout > 0 {
			occfg.PerToolTimeout = cfg.Tools.DefaultTimeout
		}
		if cfg.Tools.MaxRounds > 0 {
			occfg.MaxRounds = cfg.Tools.MaxRounds
		}
		return orchestrator.New(
			routerAny.(*router.Router),
			toolsAny.(*tool.Registry),
			approvalsAny.(*approval.Cache),
			stdinTerminal{},
			occfg,
			logger,
		), nil
	}, container.RegisterOptions{Scope: container.Singleton})

	c.Register("intent", func(ctx context.Context, c *container.Container) (any, error) {
		routerAny, err := c.Resolve(ctx, "router")
		if err != nil {
			return nil, err
		}
		return intent.New(routerAny.(*router.Router)), nil
	}, container.RegisterOptions{Scope: container.Singleton})

	c.Register("fastpath", func(ctx context.Context, c *container.Container) (any, error) {
		return fastpath.NewRouter(builtinFastPathRegistry(), 256), nil
	}, container.RegisterOptions{Scope: container.Singleton})

	c.Register("fileop", func(ctx context.Context, c *container.Container) (any, error) {
		return fileop.New(), nil
	}, container.RegisterOptions{Scope: container.Singleton})

	c.Register("nlrouter", func(ctx context.Context, c *container.Container) (any, error) {
		fp, err := c.Resolve(ctx, "fastpath")
		if err != nil {
			return nil, err
		}
		an, err := c.Resolve(ctx, "intent")
		if err != nil {
			return nil, err
		}
		fo, err := c.Resolve(ctx, "fileop")
		if err != nil {
			return nil, err
		}
		// No task-planning collaborator is wired into this CLI (spec §1
		// names it an external system); task_plan decisions never fire.
		noPlanner := func() bool { return false }
		return nlrouter.New(fp.(*fastpath.Router), an.(*intent.Analyzer), fo.(*fileop.Classifier), noPlanner), nil
	}, container.RegisterOptions{Scope: container.Singleton})

	c.Register("safety", func(ctx context.Context, c *container.Container) (any, error) {
		scfg := safety.DefaultConfig(root)
		if cfg.Safety.BackupDir != "" {
			scfg.BackupDir = cfg.Safety.BackupDir
		}
		if cfg.Safety.BackupRetention > 0 {
			scfg.RetentionDays = int(cfg.Safety.BackupRetention / (24 * time.Hour))
		}
		return safety.New(root, scfg, logger), nil
	}, container.RegisterOptions{Scope: container.Singleton})

	c.Register("conversation", func(ctx context.Context, c *container.Container) (any, error) {
		store := conversation.New()
		path := cfg.Conversation.PersistPath
		if path == "" {
			path = conversation.DefaultPath(config.DefaultStateDir())
		}
		if err := store.Load(path); err != nil {
			logger.Warn("failed to load conversation log", "path", path, "error", err)
		}
		return store, nil
	}, container.RegisterOptions{Scope: container.Singleton})

	return &App{Cfg: cfg, Container: c, Logger: logger}
}

func workspaceRoot() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

func buildProviders(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]provider.LLMProvider, error) {
	var providers []provider.LLMProvider
	for _, pc := range cfg.EnabledProviders() {
		p, err := buildOneProvider(ctx, pc)
		if err != nil {
			logger.Warn("skipping provider that failed to construct", "provider", pc.Name, "error", err)
			continue
		}
		providers = append(providers, p)
	}
	return providers, nil
}

func buildOneProvider(ctx context.Context, pc config.ProviderConfig) (provider.LLMProvider, error) {
	switch pc.Kind {
	case "anthropic":
		return provider.NewAnthropicProvider(provider.AnthropicConfig{
			APIKey:       os.Getenv(pc.APIKeyEnv),
			DefaultModel: pc.Model,
		})
	case "openai":
		return provider.NewOpenAIProvider(provider.OpenAIConfig{
			APIKey:       os.Getenv(pc.APIKeyEnv),
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.Model,
		})
	case "local":
		return provider.NewLocalProvider(provider.LocalConfig{
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.Model,
		}), nil
	case "bedrock":
		return provider.NewBedrockProvider(ctx, provider.BedrockConfig{DefaultModel: pc.Model})
	case "gemini":
		return provider.NewGeminiProvider(ctx, provider.GeminiConfig{
			APIKey:       os.Getenv(pc.APIKeyEnv),
			DefaultModel: pc.Model,
		})
	default:
		return nil, fmt.Errorf("unknown provider kind %q", pc.Kind)
	}
}

// builtinFastPathRegistry seeds the fast-path command table with the
// handful of commands every session starts with; project-specific commands
// would be layered on top by a future config-driven extension point.
func builtinFastPathRegistry() *fastpath.Registry {
	reg := fastpath.NewRegistry()
	reg.Register(fastpath.Command{
		Name:    "status",
		Aliases: []string{"st"},
		Patterns: []string{
			"show status", "what's the status", "check status", "system status",
		},
	})
	reg.Register(fastpath.Command{
		Name:    "help",
		Aliases: []string{"h", "?"},
		Patterns: []string{
			"show help", "what can you do", "list commands",
		},
	})
	reg.Register(fastpath.Command{
		Name:    "clear",
		Aliases: []string{"reset"},
		Patterns: []string{
			"clear the conversation", "start over", "forget everything",
		},
	})
	return reg
}

// stdinTerminal prompts an operator on the controlling terminal for tool
// approval, in the same confirm-or-deny idiom the teacher's setup wizard
// uses for its own stdin prompts.
type stdinTerminal struct{}

func (stdinTerminal) PromptApproval(ctx context.Context, toolName, category, reason string) (bool, error) {
	fmt.Fprintf(os.Stderr, "approve %s (%s)? %s [y/N]: ", toolName, category, reason)
	var answer string
	done := make(chan struct{})
	go func() {
		fmt.Fscanln(os.Stdin, &answer)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-done:
	}
	return answer == "y" || answer == "Y" || answer == "yes", nil
}

// conversationPath is the default persistence path for this process's
// conversation log, shared by load-on-start and save-on-exit.
func conversationPath(cfg *config.Config) string {
	if cfg.Conversation.PersistPath != "" {
		return cfg.Conversation.PersistPath
	}
	return filepath.Join(config.DefaultStateDir(), "conversation.json")
}
