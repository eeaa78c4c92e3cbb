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

// Package wsserver is the WebSocket front door (spec §4.9): one connection
// per session, a send side that forwards the agent's event stream as it
// happens, and a receive side that only ever accepts INIT, USER,
// HITL_RESPONSE, and PING.
package wsserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/amicable/orchestrator/internal/agentrt"
	"github.com/amicable/orchestrator/internal/auth"
	"github.com/amicable/orchestrator/internal/checkpoint"
	"github.com/amicable/orchestrator/internal/claim"
	"github.com/amicable/orchestrator/internal/gitsync"
	"github.com/amicable/orchestrator/internal/hitl"
	"github.com/amicable/orchestrator/internal/journal"
	"github.com/amicable/orchestrator/internal/policy"
	"github.com/amicable/orchestrator/internal/qa"
	"github.com/amicable/orchestrator/internal/session"
)

// PreviewURLFunc derives a session's preview URL from its slug once its
// sandbox claim is ready.
type PreviewURLFunc func(sessionID, slug string) string

// SandboxResolver lazily provisions (or looks up) the policy-wrapped
// sandbox backend for a session, the same way internal/deepagent.Resolver
// and internal/mcpgateway.Resolver do for their own call paths. A
// connHandler resolves it once per INIT and reuses it for every QA run,
// manifest fetch, and git_sync push the session performs.
type SandboxResolver func(ctx context.Context, sessionID string) (policy.Backend, error)

// GitSyncSettings holds the deployment-wide settings a connHandler uses to
// build a per-session *gitsync.Engine lazily, once a session has a linked
// repo (session.Session.GitMetadata). internal/gitsync.Engine has no
// constructor and a single Sandbox field precisely because it is meant to
// be assembled fresh per session/push like this, not shared across them.
type GitSyncSettings struct {
	Enabled        bool
	CacheDir       string
	Token          string
	Branch         string
	Excludes       []string
	AuthorName     string
	AuthorEmail    string
	ChunkSize      int
	MaxPushRetries int
	MessageFn      gitsync.MessageFunc
}

// Server wires every collaborator a connection needs and exposes the
// single upgrade route.
type Server struct {
	Registry *session.Registry
	Auth     *auth.JWTValidator
	Claims   *claim.Client

	ClaimPrefix       string
	ClaimReadyTimeout time.Duration

	Checkpoints  checkpoint.Store
	Sandboxes    SandboxResolver
	GitSync      GitSyncSettings
	AgentBackend agentrt.Backend

	QARegistry *qa.Registry
	QAConfig   qa.Config
	HealGate   *qa.HealGate
	QATimeout  time.Duration

	ToolSchemas hitl.ToolSchemas
	PreviewURL  PreviewURLFunc
	Journal     *journal.Journal

	Debounce time.Duration
	Logger   *slog.Logger

	upgrader websocket.Upgrader
}

// Routes mounts the WebSocket endpoint onto a chi router.
func (s *Server) Routes() chi.Router {
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	r := chi.NewRouter()
	r.Get("/ws/{session_id}", s.handleUpgrade)
	return r
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// handleUpgrade upgrades the connection unconditionally, then authenticates
// the bearer token before any session work begins — an invalid or expired
// token gets a policy-violation close frame and nothing else.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	token := r.URL.Query().Get("token")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger().Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	principal, err := s.Auth.ValidateToken(r.Context(), token)
	if err != nil {
		s.logger().Info("closing unauthenticated connection", "session_id", sessionID, "error", err)
		deadline := time.Now().Add(5 * time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid or expired token"),
			deadline)
		return
	}

	c := &connHandler{
		server:    s,
		conn:      conn,
		sessionID: sessionID,
		principal: principal,
		out:       make(chan any, 64),
	}
	c.run(r.Context())
}
