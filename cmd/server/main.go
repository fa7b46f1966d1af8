// lmrelay - local chat relay for an OpenAI-compatible model server
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/lmrelay/internal/agent"
	"github.com/ashureev/lmrelay/internal/api"
	"github.com/ashureev/lmrelay/internal/config"
	"github.com/ashureev/lmrelay/internal/gateway"
	"github.com/ashureev/lmrelay/internal/grpcserver"
	"github.com/ashureev/lmrelay/internal/middleware"
	"github.com/ashureev/lmrelay/internal/sandbox"
	"github.com/ashureev/lmrelay/internal/store"
	"github.com/ashureev/lmrelay/internal/tools"
	"github.com/ashureev/lmrelay/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
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

	slog.Info("Starting server",
		"port", cfg.Port,
		"dev", cfg.IsDevelopment(),
		"model_base_url", cfg.Model.BaseURL,
		"sandbox", cfg.Sandbox.Mode,
		"transcript", cfg.Transcript.Backend,
	)

	// Initialize dependencies.
	transcript, err := newTranscript(cfg.Transcript)
	if err != nil {
		slog.Error("Failed to initialize transcript store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := transcript.Close(); closeErr != nil {
			slog.Error("Failed to close transcript store", "error", closeErr)
		}
	}()

	if err := transcript.Ping(context.Background()); err != nil {
		slog.Error("Transcript store health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Transcript store ready")

	executor, closeExecutor, err := newExecutor(cfg.Sandbox, logger)
	if err != nil {
		slog.Error("Failed to initialize sandbox", "error", err)
		os.Exit(1)
	}
	defer closeExecutor()
	slog.Info("Sandbox executor initialized", "mode", cfg.Sandbox.Mode)

	registry, err := tools.NewRegistry()
	if err != nil {
		slog.Error("Failed to build tool registry", "error", err)
		os.Exit(1)
	}

	gw, err := gateway.New(gateway.Options{
		BaseURL:        cfg.Model.BaseURL,
		ProbeTimeout:   cfg.Model.ProbeTimeout,
		RequestTimeout: cfg.Model.RequestTimeout,
		Logger:         logger,
	})
	if err != nil {
		slog.Error("Failed to initialize model gateway", "error", err)
		os.Exit(1)
	}

	conversationLogger, err := agent.NewConversationLogger(cfg.ConversationLog, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	orch, err := agent.NewOrchestrator(agent.OrchestratorOptions{
		Transcript: transcript,
		Gateway:    gw,
		Tools:      registry,
		Executor:   executor,
		Session: agent.Session{
			ModelID:      cfg.Model.DefaultModel,
			MaxTokens:    cfg.Model.MaxTokens,
			SystemPrompt: cfg.Model.SystemPrompt,
		},
		Temperature:   cfg.Model.Temperature,
		MaxToolRounds: cfg.Model.MaxToolRounds,
		ConvLog:       conversationLogger,
		Logger:        logger,
	})
	if err != nil {
		slog.Error("Failed to initialize orchestrator", "error", err)
		os.Exit(1)
	}

	rateLimiter := agent.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	defer rateLimiter.Stop()

	// Initialize handlers.
	chatHandler := agent.NewHandler(orch, agent.HandlerOptions{
		MaxRequestBodySize: cfg.MaxRequestBodySize,
		RateLimiter:        rateLimiter,
		Logger:             logger,
	})
	baseHandler := api.NewHandler(gw, registry, logger)
	healthHandler := api.NewHealthHandler(transcript, api.PingFunc(gw.Probe), cfg.Model.ProbeTimeout)
	wsHandler := agent.NewWebSocketHandler(orch, agent.WebSocketOptions{
		MaxMessageSize: cfg.MaxRequestBodySize,
		AllowedOrigin:  cfg.FrontendURL,
		IsDev:          cfg.IsDevelopment(),
		RateLimiter:    rateLimiter,
		Logger:         logger,
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	healthHandler.RegisterHealth(r)
	baseHandler.RegisterRoutes(r)
	chatHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/chat", wsHandler.ServeHTTP)

	// Serve embedded chat page.
	r.Handle("/*", web.SPAHandler())

	// POST /api/chat clears and resets its own write deadline around a turn.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	srv.RegisterOnShutdown(wsHandler.CloseAll)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	var grpcSrv *grpcserver.Server
	if cfg.GRPCPort != "" {
		grpcSrv = grpcserver.New(":"+cfg.GRPCPort, gw, cfg.Model.ProbeTimeout, logger)
		go func() {
			if err := grpcSrv.ListenAndServe(); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	if err := gw.Probe(ctx); err != nil {
		slog.Warn("Model server not reachable yet, chat will answer with fallback text", "error", err)
	}

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if grpcSrv != nil {
		grpcSrv.Shutdown(shutdownCtx)
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server stopped successfully")
}

func newTranscript(cfg config.TranscriptConfig) (store.Transcript, error) {
	switch cfg.Backend {
	case config.TranscriptMemory:
		return store.NewMemory(), nil
	case config.TranscriptSQLite:
		db, err := store.NewSQLite(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown transcript backend %q", cfg.Backend)
	}
}

func newExecutor(cfg config.SandboxConfig, logger *slog.Logger) (sandbox.Executor, func(), error) {
	interpreters := sandbox.DefaultInterpreters(cfg.NodeBinary, cfg.PythonBinary)

	if cfg.Mode != config.SandboxModeDocker {
		exec := sandbox.NewLocalExecutor(sandbox.LocalOptions{
			Interpreters: interpreters,
			Timeout:      cfg.Timeout,
			MaxOutput:    cfg.MaxOutput,
			Logger:       logger,
		})
		return exec, func() {}, nil
	}

	js := interpreters[sandbox.JavaScript]
	js.Image = cfg.NodeImage
	interpreters[sandbox.JavaScript] = js
	py := interpreters[sandbox.Python]
	py.Image = cfg.PythonImage
	interpreters[sandbox.Python] = py

	exec, err := sandbox.NewDockerExecutor(sandbox.DockerOptions{
		Interpreters: interpreters,
		Timeout:      cfg.Timeout,
		Runtime:      cfg.Runtime,
		MaxOutput:    cfg.MaxOutput,
		Logger:       logger,
	})
	if err != nil {
		return nil, nil, err
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.Ping(pingCtx); err != nil {
		_ = exec.Close()
		return nil, nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}

	return exec, func() {
		if err := exec.Close(); err != nil {
			slog.Error("Failed to close docker client", "error", err)
		}
	}, nil
}
