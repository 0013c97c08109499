// Agent Studio server: project CRUD, sandboxed workspaces, and the chat and
// terminal websocket gateways.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/HatimBenzahra/agent/internal/api"
	"github.com/HatimBenzahra/agent/internal/config"
	"github.com/HatimBenzahra/agent/internal/gateway"
	"github.com/HatimBenzahra/agent/internal/middleware"
	"github.com/HatimBenzahra/agent/internal/sandbox"
	"github.com/HatimBenzahra/agent/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "sandbox_runtime", cfg.SandboxRuntime, "dev", cfg.IsDevelopment())

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	var runner sandbox.Runner
	if cfg.SandboxRuntime == config.SandboxRuntimeDocker {
		dockerRunner, err := sandbox.NewDockerRunner()
		if err != nil {
			slog.Error("Failed to initialize docker runner", "error", err)
			os.Exit(1)
		}
		runner = dockerRunner
	} else {
		runner = sandbox.NewLocalRunner()
	}

	sandboxes, err := sandbox.NewManager(cfg.WorkspaceRoot, runner, cfg.CommandTimeout)
	if err != nil {
		slog.Error("Failed to initialize workspace manager", "error", err)
		os.Exit(1)
	}
	slog.Info("Workspace manager initialized", "root", cfg.WorkspaceRoot)

	events, err := gateway.NewEventLogger(cfg.EventLog, logger)
	if err != nil {
		slog.Error("Failed to initialize event logger", "error", err)
		os.Exit(1)
	}
	defer events.Close()

	relay := gateway.NewRelay(cfg.AgentRuntimeURL, logger)
	defer relay.Close()
	if cfg.AgentRuntimeURL == "" {
		slog.Info("AGENT_RUNTIME_URL not set, chat turns will fail until a runtime is configured")
	}

	chatGW := gateway.NewChatGateway(repo, sandboxes, relay, events, logger)
	termGW := gateway.NewTerminalGateway(sandboxes, events, logger)

	origins := []string{"*"}
	if cfg.FrontendURL != "" {
		origins = []string{cfg.FrontendURL}
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(origins))

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		api.JSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "agent-studio"})
	})

	api.NewProjectHandler(api.NewHandler(repo, sandboxes)).RegisterRoutes(r)
	r.Get("/ws/chat/{projectID}", chatGW.ServeHTTP)
	r.Get("/ws/terminal/{projectID}", termGW.ServeHTTP)

	// WriteTimeout stays 0 so long-lived websocket sessions are not cut off.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	sandboxes.CloseAll(shutdownCtx)

	slog.Info("Server stopped")
}
