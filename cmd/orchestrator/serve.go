// Copyright 2025 Amicable
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/amicable/orchestrator/internal/agentrt"
	"github.com/amicable/orchestrator/internal/controller"
	"github.com/amicable/orchestrator/internal/deepagent"
	"github.com/amicable/orchestrator/internal/hitl"
	"github.com/amicable/orchestrator/internal/mcpgateway"
	"github.com/amicable/orchestrator/internal/qa"
	"github.com/amicable/orchestrator/internal/wsserver"
)

// ServeCmd starts the long-running WebSocket orchestration server.
type ServeCmd struct {
	Addr string `help:"HTTP listen address." default:":8080"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	a, err := newApp(cli.Config, cli.Kubeconfig, true)
	if err != nil {
		return err
	}
	defer a.close()
	cfg := a.cfg
	logger := a.logger

	schemas, err := hitl.CompileSchemas(deepagent.ToolSchemasRaw())
	if err != nil {
		return fmt.Errorf("compile tool schemas: %w", err)
	}

	agentBackend := deepagent.NewBackend(deepagent.ClientConfig{
		BaseURL:     cfg.BaseURL,
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}, agentrt.CompactionConfig{
		TriggerMessages: cfg.Summarization.TriggerMessages,
		KeepMessages:    cfg.Summarization.KeepMessages,
	}, deepagent.Resolver(a.resolve), deepagent.ModeLookup(modeLookup(a.registry)))

	healGate := qa.NewHealGate(qa.HealConfig{
		Enabled:                   cfg.SelfHeal.MaxRounds > 0,
		CooldownS:                 30 * time.Second,
		DedupeWindowS:             10 * time.Minute,
		MaxAttemptsPerFingerprint: cfg.SelfHeal.MaxRounds,
	})

	wsServer := &wsserver.Server{
		Registry:          a.registry,
		Auth:              a.authCheck,
		Claims:            a.claims,
		ClaimPrefix:       cfg.K8s.ClaimNamePrefix,
		ClaimReadyTimeout: cfg.K8s.ReadyTimeout,
		Checkpoints:       a.store,
		Sandboxes:         wsserver.SandboxResolver(a.resolve),
		GitSync: wsserver.GitSyncSettings{
			Enabled:        cfg.GitSync.Enabled,
			CacheDir:       os.TempDir(),
			Token:          cfg.GitSync.Token,
			Branch:         cfg.GitSync.Branch,
			Excludes:       cfg.GitSync.Excludes,
			AuthorName:     "orchestrator",
			AuthorEmail:    "orchestrator@amicable.dev",
			ChunkSize:      200,
			MaxPushRetries: 3,
		},
		AgentBackend: agentBackend,
		QARegistry:   qa.DefaultRegistry(),
		QAConfig: qa.Config{
			Enabled:        cfg.QA.Enabled,
			CommandsCSV:    cfg.QA.CommandsCSV,
			RunTests:       cfg.QA.RunTests,
			TimeoutS:       cfg.QA.TimeoutS,
			MaxOutputChars: cfg.QA.MaxOutputChars,
		},
		HealGate:    healGate,
		QATimeout:   cfg.QA.TimeoutS,
		ToolSchemas: schemas,
		PreviewURL: func(sessionID, slug string) string {
			if cfg.Preview.BaseDomain == "" {
				return ""
			}
			return fmt.Sprintf("%s://%s.%s", cfg.Preview.Scheme, slug, cfg.Preview.BaseDomain)
		},
		Journal:  a.journal,
		Debounce: 500 * time.Millisecond,
		Logger:   logger,
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Mount("/", wsServer.Routes())

	if cfg.MCPGateway.Enabled {
		gateway := &mcpgateway.Gateway{
			Resolve: func(ctx context.Context, sessionID string) (mcpgateway.Backend, error) {
				return a.resolve(ctx, sessionID)
			},
			Logger: logger,
		}
		router.Mount("/mcp", gateway.Routes())
	}

	if cfg.Observability.MetricsAddr != "" {
		metricsRouter := chi.NewRouter()
		metricsRouter.Handle("/metrics", a.metrics.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.Observability.MetricsAddr, metricsRouter); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", "error", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.elector.RunExclusive(ctx, "orchestrator/recover", func(ctx context.Context) error {
		recovered, err := controller.RecoverOnStartup(ctx, a.store, logger)
		if err != nil {
			return err
		}
		for _, r := range recovered {
			logger.Warn("startup recovery: incomplete run", "thread_id", r.ThreadID, "phase", r.Phase)
		}
		return nil
	}); err != nil {
		logger.Warn("startup recovery skipped", "error", err)
	}

	httpServer := &http.Server{Addr: c.Addr, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("orchestrator listening", "addr", c.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
	}
	return nil
}
