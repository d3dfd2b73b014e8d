package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/fablecraft/fablecraft/internal/agent"
	"github.com/fablecraft/fablecraft/internal/chat"
	"github.com/fablecraft/fablecraft/internal/config"
	"github.com/fablecraft/fablecraft/internal/gateway"
	"github.com/fablecraft/fablecraft/internal/observability"
	"github.com/fablecraft/fablecraft/internal/retention"
	"github.com/fablecraft/fablecraft/internal/sessions"
	"github.com/fablecraft/fablecraft/internal/stream"
	"github.com/fablecraft/fablecraft/internal/tools"
	"github.com/fablecraft/fablecraft/internal/world"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Fablecraft engine",
		Long: `Start the engine: the streaming orchestrator, the tool runtime, the
world store, and the HTTP/WebSocket gateway the studio UI connects to.

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # In-memory single-user engine on localhost
  fablecraft serve

  # Production config
  fablecraft serve --config /etc/fablecraft/engine.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if debug {
				cfg.Logging.Level = "debug"
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildTokenCmd() *cobra.Command {
	var (
		configPath string
		subject    string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			auth := gateway.NewTokenAuth(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)
			if !auth.Enabled() {
				return errors.New("auth.jwt_secret is not configured")
			}
			token, err := auth.Issue(subject)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVarP(&subject, "subject", "s", "studio", "Token subject")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		if env := os.Getenv("FABLECRAFT_CONFIG"); env != "" {
			path = env
		} else {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "fablecraft",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})

	worldStore, err := openWorldStore(cfg.World)
	if err != nil {
		return err
	}
	defer worldStore.Close()

	sessionStore, err := openSessionStore(cfg.Sessions)
	if err != nil {
		return err
	}
	persist := sessions.NewAsyncPersister(sessionStore, sessions.AsyncOptions{
		Logger:  logger,
		Metrics: metrics,
	})
	defer persist.Close()

	registry := agent.NewHandlerRegistry()
	if err := registerHandlers(registry, worldStore, cfg); err != nil {
		return err
	}

	source, err := buildSource(cfg.Provider, registry.Defs())
	if err != nil {
		return err
	}

	store := chat.NewMessageStore()
	aborts := chat.NewAbortRegistry()
	runtime := agent.NewRuntime(agent.RuntimeOptions{
		Store:    store,
		Aborts:   aborts,
		Handlers: registry,
		Persist:  persist,
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   tracer,
	})
	defer runtime.Close()

	orch := agent.NewOrchestrator(agent.OrchestratorOptions{
		Source:    source,
		Store:     store,
		Aborts:    aborts,
		Runtime:   runtime,
		Persist:   persist,
		ProjectID: cfg.Project.ID,
		Logger:    logger,
		Metrics:   metrics,
		Tracer:    tracer,
	})
	defer orch.Close()

	server := gateway.NewServer(gateway.Options{
		Orchestrator: orch,
		Store:        store,
		Auth:         gateway.NewTokenAuth(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry),
		Logger:       logger,
		Metrics:      metrics,
	})
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
	if err := server.Start(addr); err != nil {
		return err
	}

	if cfg.Retention.Enabled {
		sweeper, err := retention.NewSweeper(sessionStore, retention.Options{
			MaxAge:   cfg.Retention.MaxAge,
			Schedule: cfg.Retention.Schedule,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		sweeper.Start()
		defer sweeper.Stop()
	}

	logger.Info(ctx, "engine started",
		"addr", server.Addr(),
		"provider", cfg.Provider.Type,
		"sessions", cfg.Sessions.Driver,
		"world", cfg.World.Driver,
	)

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-signalCtx.Done()

	logger.Info(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "http shutdown", "error", err)
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Error(ctx, "tracer shutdown", "error", err)
	}
	return nil
}

func openWorldStore(cfg config.WorldConfig) (world.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return world.NewSQLiteStore(cfg.Path)
	default:
		return world.NewMemoryStore(), nil
	}
}

func openSessionStore(cfg config.SessionsConfig) (sessions.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return sessions.NewSQLiteStore(cfg.Path)
	case "postgres":
		return sessions.NewPostgresStoreFromDSN(cfg.DSN, nil)
	default:
		return sessions.NewMemoryStore(), nil
	}
}

// registerHandlers wires every effect handler into the registry. The
// prose generation handler streams from its own tool-less source so a
// draft cannot recursively propose more tool calls.
func registerHandlers(registry *agent.HandlerRegistry, store world.Store, cfg *config.Config) error {
	projectID := cfg.Project.ID
	handlers := []agent.Handler{
		&tools.CreateEntityHandler{Store: store, ProjectID: projectID},
		&tools.UpdateEntityHandler{Store: store},
		&tools.DeleteEntityHandler{Store: store},
		&tools.CreateRelationshipHandler{Store: store, ProjectID: projectID},
		&tools.DeleteRelationshipHandler{Store: store},
		&tools.SaveDocumentHandler{Store: store, ProjectID: projectID},
		&tools.AnalyzeStoryHandler{Store: store, ProjectID: projectID},
	}

	if genSource, err := buildSource(cfg.Provider, nil); err == nil {
		handlers = append(handlers, &tools.GenerateContentHandler{
			Source:    genSource,
			ProjectID: projectID,
		})
	}

	for _, h := range handlers {
		if err := registry.Register(h); err != nil {
			return fmt.Errorf("register %s: %w", h.Name(), err)
		}
	}
	return nil
}

func buildSource(cfg config.ProviderConfig, defs []stream.ToolDef) (stream.Source, error) {
	switch cfg.Type {
	case "anthropic":
		return stream.NewAnthropicSource(stream.AnthropicConfig{
			APIKey:  apiKey(cfg.APIKey, "ANTHROPIC_API_KEY"),
			BaseURL: cfg.BaseURL,
			System:  cfg.SystemPrompt,
			Tools:   defs,
			Model:   cfg.Model,
		})
	case "openai":
		return stream.NewOpenAISource(stream.OpenAIConfig{
			APIKey:  apiKey(cfg.APIKey, "OPENAI_API_KEY"),
			BaseURL: cfg.BaseURL,
			System:  cfg.SystemPrompt,
			Tools:   defs,
			Model:   cfg.Model,
		})
	case "sse":
		return stream.NewClient(stream.ClientConfig{
			Endpoint: cfg.Endpoint,
			APIKey:   cfg.APIKey,
		})
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}

func apiKey(configured, envVar string) string {
	if configured != "" {
		return configured
	}
	return os.Getenv(envVar)
}
