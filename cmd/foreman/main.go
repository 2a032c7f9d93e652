package main

import (
	"context"
	"os"

	"github.com/seantiz/foreman/internal/api"
	"github.com/seantiz/foreman/internal/auth"
	"github.com/seantiz/foreman/internal/config"
	"github.com/seantiz/foreman/internal/executor"
	"github.com/seantiz/foreman/internal/orchestrator"
	"github.com/seantiz/foreman/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	tokens, err := auth.ParseTokenSpec(cfg.APITokens)
	if err != nil {
		logger.Error("failed to parse API tokens", "error", err)
		os.Exit(1)
	}
	if len(tokens) == 0 {
		logger.Warn("no API tokens configured; all authenticated requests will be rejected")
	}
	authenticator := auth.NewStaticAuthenticator(tokens)

	s, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer s.Close()

	registry := executor.NewRegistry()
	registry.SetDefault(&executor.ScriptedExecutor{})

	orch := orchestrator.New(s, registry, logger)

	// Fail executions stranded by a previous process before accepting work.
	swept, err := orch.Reconcile(context.Background())
	if err != nil {
		logger.Error("startup reconciliation failed", "error", err)
		os.Exit(1)
	}
	if swept > 0 {
		logger.Info("reconciled orphaned executions", "count", swept)
	}

	server := api.NewServer(cfg.ListenAddr, s, registry, orch, authenticator, logger)
	if err := server.Run(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	// Let in-flight executions finish persisting their state.
	orch.Wait()
}
