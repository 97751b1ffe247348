package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/envoyhq/envoy/internal/agent"
	"github.com/envoyhq/envoy/internal/bus"
	"github.com/envoyhq/envoy/internal/config"
	"github.com/envoyhq/envoy/internal/httpapi"
	"github.com/envoyhq/envoy/internal/integrations"
	"github.com/envoyhq/envoy/internal/providers"
	"github.com/envoyhq/envoy/internal/sandbox"
	"github.com/envoyhq/envoy/internal/scheduler"
	"github.com/envoyhq/envoy/internal/store"
	"github.com/envoyhq/envoy/internal/telemetry"
	"github.com/envoyhq/envoy/internal/tools"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the Envoy server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

// deferredRunner lets the scheduler be constructed before the agent loop it
// delegates to. The loop field is set during wiring, before Start.
type deferredRunner struct {
	loop *agent.Loop
}

func (r *deferredRunner) ProcessTurn(ctx context.Context, sessionID, userMessage string, history []providers.Message) (string, []providers.Message, error) {
	return r.loop.ProcessTurn(ctx, sessionID, userMessage, history)
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Env file loads before validation so LLM_API_KEY may come from it.
	if err := integrations.LoadEnvFile(cfg.Env.File); err != nil {
		slog.Warn("env file load failed", "path", cfg.Env.File, "error", err)
	}
	cfg, err = config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}

	st, err := store.Init(cfg.Database.Path)
	if err != nil {
		slog.Error("failed to open database", "path", cfg.Database.Path, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	fsRoot := cfg.Tools.FSRoot
	if !filepath.IsAbs(fsRoot) {
		fsRoot, _ = filepath.Abs(fsRoot)
	}
	if err := os.MkdirAll(fsRoot, 0o755); err != nil {
		slog.Error("failed to create workspace", "path", fsRoot, "error", err)
		os.Exit(1)
	}

	msgBus := bus.New()
	exec := sandbox.New()
	provider := providers.NewOpenAIProvider(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.Model)

	runner := &deferredRunner{}
	sched := scheduler.New(st, runner)
	catalog := tools.NewCatalog(st, exec, sched, fsRoot, cfg.Tools.ShellEnabled)
	runner.loop = agent.NewLoop(provider, cfg.LLM.Model, catalog, msgBus, st)

	manager := integrations.NewManager(cfg.Env.File)
	server := httpapi.NewServer(httpapi.Config{
		Addr:         cfg.Addr(),
		Store:        st,
		Bus:          msgBus,
		Runner:       runner.loop,
		Catalog:      catalog,
		Integrations: manager,
		Scheduler:    sched,
		RateLimitRPM: cfg.Server.RateLimitRPM,
	})

	if err := sched.Start(); err != nil {
		slog.Error("scheduler start failed", "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := manager.Watch(gctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("env file watcher stopped", "error", err)
		}
		return nil
	})

	slog.Info("envoy running", "addr", cfg.Addr(), "model", cfg.LLM.Model, "workspace", fsRoot)

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
	}
	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown failed", "error", err)
	}
}
