package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/robfig/cron/v3"

	"github.com/avenna/biolit/internal/api"
	"github.com/avenna/biolit/internal/chat"
	"github.com/avenna/biolit/internal/config"
	"github.com/avenna/biolit/internal/generate"
	"github.com/avenna/biolit/internal/history"
	"github.com/avenna/biolit/internal/ollama"
	"github.com/avenna/biolit/internal/session"
)

func runServer() error {
	fmt.Fprintf(os.Stderr, "biolit version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Probe provider readiness. Startup continues either way so collections
	// remain browsable while Ollama comes up.
	provider := ollama.New(cfg.Ollama.BaseURL)
	if !provider.IsRunning(ctx) {
		printWarning("Ollama is not reachable at %s; retrieval and generation will fail until it is up", cfg.Ollama.BaseURL)
	} else {
		for _, model := range []string{cfg.Ollama.ChatModel, cfg.Ollama.EmbedModel} {
			if !provider.HasModel(ctx, model) {
				printWarning("model %q is not pulled; run `ollama pull %s`", model, model)
			}
		}
	}

	// Open the conversation store.
	store, err := history.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening conversation store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing conversation store: %v\n", err)
		}
	}()

	// Build the session registry and the request pipelines.
	registry := session.NewRegistry(cfg.Storage.DataDir, provider, cfg.Ollama.EmbedModel, store)
	orchestrator := chat.New(provider, store, cfg.Ollama.ChatModel, cfg.Retrieval.TopK)
	generator := generate.New(provider, cfg.Ollama.ChatModel, cfg.Retrieval.TopK, cfg.Retrieval.MinScore)

	handler := api.NewHandler(api.Deps{
		Registry:   registry,
		Chat:       orchestrator,
		Generator:  generator,
		SessionTTL: cfg.Session.TTL,
	})

	// Schedule the session expiry sweep.
	sweeper := cron.New()
	if _, err := sweeper.AddFunc(cfg.Session.SweepSchedule, func() {
		removed := registry.Sweep(time.Now(), cfg.Session.TTL)
		if removed > 0 {
			slog.Info("session sweep complete", "removed", removed, "live", registry.Len())
		}
	}); err != nil {
		return fmt.Errorf("scheduling session sweep: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	// Start the MCP server on its own dedicated session (stdio transport).
	// The session is pinned so the expiry sweep never reclaims it out from
	// under an active MCP caller.
	mcpSession, _, err := registry.ResolveOrCreate("")
	if err != nil {
		return fmt.Errorf("creating MCP session: %w", err)
	}
	registry.Pin(mcpSession.ID())
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Session:  mcpSession,
		Chat:     orchestrator,
		Provider: provider,
		TopK:     cfg.Retrieval.TopK,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "biolit listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
