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
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/amicable/orchestrator/internal/auth"
	"github.com/amicable/orchestrator/internal/checkpoint"
	"github.com/amicable/orchestrator/internal/claim"
	"github.com/amicable/orchestrator/internal/config"
	"github.com/amicable/orchestrator/internal/coordination"
	"github.com/amicable/orchestrator/internal/journal"
	"github.com/amicable/orchestrator/internal/logger"
	"github.com/amicable/orchestrator/internal/policy"
	"github.com/amicable/orchestrator/internal/sandbox"
	"github.com/amicable/orchestrator/internal/session"
	"github.com/amicable/orchestrator/internal/telemetry"
)

// buildLogger returns the process-global slog logger set up by main's
// initLogger, tagged with a field identifying this as the orchestrator's
// component-level logger (distinct from the bare root logger callers get
// from logger.Get() directly).
func buildLogger(cfg *config.Config) *slog.Logger {
	return logger.Get().With("component", "orchestrator")
}

// app bundles the collaborators every subcommand needs, built once from
// the loaded Config. serve builds the rest (agent backend, MCP gateway,
// WS server) on top of this; recover and migrate only need a slice of it.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    checkpoint.Store
	elector  coordination.Elector
	registry *session.Registry
	journal  *journal.Journal
	metrics  telemetry.Recorder

	claims    *claim.Client
	resolve   func(ctx context.Context, sessionID string) (policy.Backend, error)
	authCheck *auth.JWTValidator
}

// loadConfig reads the config file named by --config, applying env-var
// overrides and defaults, without starting any watch goroutine — every
// subcommand loads its own static snapshot.
func loadConfig(path string) (*config.Config, error) {
	loader, err := config.NewLoader(config.LoaderOptions{Type: config.SourceFile, Path: path})
	if err != nil {
		return nil, fmt.Errorf("config loader: %w", err)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// buildCheckpointStore opens the SQL checkpoint store for cfg.Checkpoint's
// dialect/DSN, or an in-memory one when the dialect is "memory" (the
// default for local/dev runs without a DSN configured).
func buildCheckpointStore(cfg config.Checkpoint) (checkpoint.Store, error) {
	if cfg.Dialect == "" || cfg.Dialect == "memory" {
		return checkpoint.NewMemoryStore(), nil
	}
	driverName := cfg.Dialect
	if driverName == "sqlite" {
		driverName = "sqlite3"
	}
	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s checkpoint db: %w", cfg.Dialect, err)
	}
	store, err := checkpoint.NewSQLStore(db, cfg.Dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// newApp loads the config and builds every collaborator shared across
// subcommands. dyn is nil for subcommands that never touch the cluster
// (migrate); serve and recover both need it, recover only to resolve a
// reported run's session metadata in a future extension, not today.
func newApp(configPath, kubeconfigPath string, needsCluster bool) (*app, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger := buildLogger(cfg)

	store, err := buildCheckpointStore(cfg.Checkpoint)
	if err != nil {
		return nil, err
	}

	elector, err := coordination.New(cfg.Coordination.Backend, cfg.Coordination.Endpoints, logger)
	if err != nil {
		return nil, fmt.Errorf("coordination: %w", err)
	}

	var metrics telemetry.Recorder = telemetry.NopRecorder{}
	if cfg.Observability.MetricsAddr != "" {
		metrics = telemetry.New()
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		elector:  elector,
		registry: session.NewRegistry(),
		journal:  journal.New(),
		metrics:  metrics,
	}

	if !needsCluster {
		return a, nil
	}

	dyn, err := buildDynamicClient(kubeconfigPath)
	if err != nil {
		return nil, err
	}
	a.claims = claim.New(dyn, cfg.K8s.Namespace)
	a.resolve = buildSandboxResolver(cfg, a.registry, a.journal)

	if cfg.Auth.Disabled {
		a.authCheck = auth.NewDisabledValidator()
	} else {
		v, err := auth.NewJWTValidator(cfg.Auth.JWKSURL, cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			return nil, fmt.Errorf("auth: %w", err)
		}
		a.authCheck = v
	}

	return a, nil
}

// buildSandboxResolver derives a session's sandbox base URL from its claim
// name — the in-cluster Service DNS name a Sandbox's claim reconciles
// into — and wraps a fresh sandbox.Client in the Policy Wrapper, audited
// to that session's Tool Journal entry. It satisfies
// internal/wsserver.SandboxResolver, internal/deepagent.Resolver, and (via
// a one-line adapter) internal/mcpgateway.Resolver all at once: the three
// packages declare structurally identical resolver function types rather
// than sharing one, so each gets its own named type, but one closure over
// the same three inputs (session registry, k8s namespace, sandbox port)
// answers all of them.
func buildSandboxResolver(cfg *config.Config, registry *session.Registry, journ *journal.Journal) func(ctx context.Context, sessionID string) (policy.Backend, error) {
	return func(ctx context.Context, sessionID string) (policy.Backend, error) {
		sess, err := registry.Get(sessionID)
		if err != nil {
			return nil, fmt.Errorf("resolve sandbox: %w", err)
		}
		claimName := sess.ClaimName()
		if claimName == "" {
			return nil, fmt.Errorf("resolve sandbox: session %s has no provisioned claim yet", sessionID)
		}
		baseURL := fmt.Sprintf("http://%s.%s.svc.cluster.local:%d", claimName, cfg.K8s.Namespace, cfg.Sandbox.Port)
		client := sandbox.New(baseURL,
			sandbox.WithExecTimeout(cfg.Sandbox.ExecTimeoutS),
			sandbox.WithMaxOutputChars(cfg.Sandbox.ExecMaxOutChars),
			sandbox.WithRetries(cfg.Sandbox.ProbeRetries, 0),
		)
		return policy.New(client, policy.DefaultRules(), journ.AuditFunc(sessionID)), nil
	}
}

// modeLookup builds an internal/deepagent.ModeLookup over the session
// registry, so a resumed tool-call's HITL mode always reflects the
// session's current permission_mode rather than the value at connect time.
func modeLookup(registry *session.Registry) func(threadID string) string {
	return func(threadID string) string {
		sess, err := registry.Get(threadID)
		if err != nil {
			return "default"
		}
		return sess.PermissionMode()
	}
}

// close releases every collaborator newApp opened.
func (a *app) close() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.elector != nil {
		_ = a.elector.Close()
	}
	if a.authCheck != nil {
		a.authCheck.Close()
	}
}
