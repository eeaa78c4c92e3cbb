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

package wsserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/amicable/orchestrator/internal/agentrt"
	"github.com/amicable/orchestrator/internal/auth"
	"github.com/amicable/orchestrator/internal/claim"
	"github.com/amicable/orchestrator/internal/controller"
	"github.com/amicable/orchestrator/internal/gitsync"
	"github.com/amicable/orchestrator/internal/hitl"
	"github.com/amicable/orchestrator/internal/policy"
	"github.com/amicable/orchestrator/internal/qa"
	"github.com/amicable/orchestrator/internal/session"
	"github.com/amicable/orchestrator/internal/wsproto"
)

// connHandler owns one WebSocket connection end to end: one goroutine
// drains `out` and writes frames, the calling goroutine reads inbound
// messages and dispatches them.
type connHandler struct {
	server    *Server
	conn      *websocket.Conn
	sessionID string
	principal *auth.Principal

	out     chan any
	sess    *session.Session
	backend policy.Backend
}

func (c *connHandler) run(ctx context.Context) {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()
	defer func() {
		close(c.out)
		<-writerDone
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var env wsproto.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.sendError("malformed message")
			continue
		}
		switch env.Type {
		case wsproto.InboundInit:
			c.handleInit(ctx, env.Payload)
		case wsproto.InboundUser:
			c.handleUser(ctx, env.Payload)
		case wsproto.InboundHITLResponse:
			c.handleHITLResponse(ctx, env.Payload)
		case wsproto.InboundPing:
			c.send(wsproto.OutFrame{Type: wsproto.OutPong})
		default:
			c.sendError(fmt.Sprintf("unknown message type %q", env.Type))
		}
	}
}

func (c *connHandler) writeLoop() {
	for frame := range c.out {
		if err := c.conn.WriteJSON(frame); err != nil {
			return
		}
	}
}

func (c *connHandler) send(frame wsproto.OutFrame) {
	defer func() { recover() }() // c.out may already be closed if the reader has returned
	c.out <- frame
}

func (c *connHandler) sendError(msg string) {
	c.send(wsproto.OutFrame{Type: wsproto.OutError, Data: wsproto.ErrorData{Message: msg}})
}

// handleInit ensures the session, its sandbox claim, and derived preview
// URL exist, then answers with a single INIT frame describing them plus
// any HITL approval still pending from a prior connection.
func (c *connHandler) handleInit(ctx context.Context, raw json.RawMessage) {
	var payload wsproto.InitPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		c.sendError("invalid INIT payload")
		return
	}
	if payload.SessionID == "" {
		payload.SessionID = c.sessionID
	}

	lock := c.server.Registry.Lock(payload.SessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, created := c.server.Registry.GetOrCreate(session.CreateRequest{
		SessionID:  payload.SessionID,
		UserSub:    c.principal.Subject,
		UserEmail:  c.principal.Email,
		TemplateID: payload.TemplateID,
		Slug:       payload.Slug,
	})
	c.sess = sess

	if created || sess.ClaimName() == "" {
		claimName := claim.ClaimName(c.server.ClaimPrefix, payload.SessionID)
		if _, err := c.server.Claims.EnsureClaim(ctx, claimName, payload.TemplateID); err != nil {
			c.sendError("failed to provision sandbox: " + err.Error())
			return
		}
		if err := c.server.Claims.WaitReady(ctx, claimName, c.server.ClaimReadyTimeout); err != nil {
			c.sendError("sandbox did not become ready: " + err.Error())
			return
		}
		sess.SetClaimName(claimName)
		if c.server.PreviewURL != nil {
			sess.SetPreviewURL(c.server.PreviewURL(payload.SessionID, sess.Slug()))
		}
	}

	if c.server.Sandboxes != nil {
		backend, err := c.server.Sandboxes(ctx, sess.ID())
		if err != nil {
			c.sendError("failed to resolve sandbox backend: " + err.Error())
			return
		}
		c.backend = backend
	}

	data := wsproto.InitData{
		PreviewURL: sess.PreviewURL(),
		TemplateID: sess.TemplateID(),
	}
	if repoURL, pathNS, webURL := sess.GitMetadata(); repoURL != "" {
		data.Git = &wsproto.GitDTO{RepoHTTPURL: repoURL, PathWithNamespace: pathNS, WebURL: webURL}
	}
	if pending := sess.PendingHITLRequest(); pending != nil {
		data.PendingHITL = pendingToWire(pending)
	}
	c.send(wsproto.OutFrame{Type: wsproto.OutInit, Data: data})
}

func pendingToWire(p *session.PendingHITL) *wsproto.HITLRequestData {
	reqs := make([]wsproto.ActionRequestData, len(p.ActionRequests))
	for i, r := range p.ActionRequests {
		reqs[i] = wsproto.ActionRequestData{Name: r.Name, Args: r.Args, Description: r.Description}
	}
	configs := make([]wsproto.ReviewConfigData, len(p.ReviewConfigs))
	for i, rc := range p.ReviewConfigs {
		configs[i] = wsproto.ReviewConfigData{ActionName: rc.ActionName, AllowedDecisions: rc.AllowedDecisions}
	}
	return &wsproto.HITLRequestData{InterruptID: p.InterruptID, ActionRequests: reqs, ReviewConfigs: configs}
}

// handleUser starts a fresh turn. It is rejected outright while a HITL
// approval is outstanding — the only legal next message in that state is
// HITL_RESPONSE.
func (c *connHandler) handleUser(ctx context.Context, raw json.RawMessage) {
	if c.sess == nil {
		c.sendError("INIT required before USER")
		return
	}
	if c.sess.PendingHITLRequest() != nil {
		c.sendError("a pending approval must be resolved before sending a new message")
		return
	}
	var payload wsproto.UserPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		c.sendError("invalid USER payload")
		return
	}

	lock := c.server.Registry.Lock(c.sess.ID())
	lock.Lock()
	defer lock.Unlock()

	c.sess.AppendHistory("user", payload.Text)
	if c.server.Journal != nil {
		c.server.Journal.Clear(c.sess.ID())
	}

	s, ok, err := controller.ResumeState(ctx, c.server.Checkpoints, c.sess.ID())
	if err != nil {
		c.sendError("failed to load session state: " + err.Error())
		return
	}
	if !ok {
		s = controller.State{ThreadID: c.sess.ID()}
	}
	s.Messages = append(s.Messages, agentrt.Message{Role: "user", Content: payload.Text})
	s.Attempt = 0
	s.FinalStatus = ""

	c.send(wsproto.OutFrame{Type: wsproto.OutUpdateInProgress, Data: wsproto.TextData{Label: "Starting"}})
	outcome, err := controller.Run(ctx, c.deps(), s)
	c.finishTurn(outcome, err)
}

// handleHITLResponse resolves a pending interrupt and resumes the graph.
func (c *connHandler) handleHITLResponse(ctx context.Context, raw json.RawMessage) {
	if c.sess == nil {
		c.sendError("INIT required before HITL_RESPONSE")
		return
	}
	pending := c.sess.PendingHITLRequest()
	if pending == nil {
		c.sendError("no pending approval for this session")
		return
	}
	var payload wsproto.HITLResponsePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		c.sendError("invalid HITL_RESPONSE payload")
		return
	}
	if payload.InterruptID != pending.InterruptID {
		c.sendError("interrupt_id does not match the pending approval")
		return
	}

	lock := c.server.Registry.Lock(c.sess.ID())
	lock.Lock()
	defer lock.Unlock()

	s, ok, err := controller.ResumeState(ctx, c.server.Checkpoints, c.sess.ID())
	if err != nil || !ok {
		c.sendError("no suspended run found for this session")
		return
	}

	interrupt := controller.Interrupt{
		ID:             pending.InterruptID,
		ActionRequests: toControllerActionRequests(pending.ActionRequests),
		ReviewConfigs:  toControllerReviewConfigs(pending.ReviewConfigs),
	}
	decisions := make([]hitl.Decision, len(payload.Decisions))
	for i, d := range payload.Decisions {
		decisions[i] = hitl.Decision{Type: d.Type, Message: d.Message}
		if d.EditedAction != nil {
			decisions[i].EditedAction = &hitl.ToolCall{Name: d.EditedAction.Name, Args: d.EditedAction.Args}
		}
	}

	c.send(wsproto.OutFrame{Type: wsproto.OutUpdateInProgress, Data: wsproto.TextData{Label: "Resuming"}})
	outcome, err := controller.Resume(ctx, c.deps(), s, interrupt, controller.ResumeRequest{Decisions: decisions}, c.server.ToolSchemas)
	if err != nil && errors.Is(err, hitl.ErrInvalidResponse) {
		c.sendError(err.Error())
		return
	}
	c.sess.ClearPendingHITL()
	c.finishTurn(outcome, err)
}

// finishTurn applies a Run/Resume Outcome to the session and notifies the
// client, releasing the per-session lock's "exactly one run" guarantee by
// virtue of returning (the caller holds the lock via defer).
func (c *connHandler) finishTurn(outcome controller.Outcome, err error) {
	if err != nil {
		c.sendError(err.Error())
		return
	}
	if outcome.Phase == controller.PhaseAwaitApproval && outcome.Interrupt != nil {
		// The HITL_REQUEST frame itself was already pushed by the agent
		// runtime's sink as part of Invoke (agentrt.Mapper emits it the
		// instant the interrupt event arrives); here we only persist it
		// on the Session so a reconnect's INIT can replay it.
		c.sess.SetPendingHITL(&session.PendingHITL{
			InterruptID:    outcome.Interrupt.ID,
			ActionRequests: toSessionActionRequests(outcome.Interrupt.ActionRequests),
			ReviewConfigs:  toSessionReviewConfigs(outcome.Interrupt.ReviewConfigs),
		})
		return
	}

	if len(outcome.State.Messages) > 0 {
		last := outcome.State.Messages[len(outcome.State.Messages)-1]
		if last.Role == "assistant" {
			c.sess.AppendHistory("assistant", last.Content)
		}
	}
	if outcome.State.QAResult != nil && !outcome.State.QAPassed {
		c.sess.SetLastQAFailure(outcome.State.LastFailureSummary)
	}
	c.send(wsproto.OutFrame{Type: wsproto.OutUpdateCompleted, Data: map[string]any{
		"status":     outcome.State.FinalStatus,
		"git_pushed": outcome.State.GitPushed,
		"git_error":  outcome.State.GitError,
		"qa_passed":  outcome.State.QAPassed,
	}})
}

// deps builds the controller.Deps for one Run/Resume call.
func (c *connHandler) deps() controller.Deps {
	traceID := func() string { return uuid.NewString() }
	runner := &agentrt.Runner{
		Backend:  c.server.AgentBackend,
		Sink:     func(ev agentrt.DownstreamEvent) { c.send(frameFromDownstream(ev)) },
		Debounce: c.server.Debounce,
		TraceID:  traceID,
	}
	return controller.Deps{
		Agent:       &runnerAdapter{runner: runner},
		GitSync:     c.gitSyncer(),
		Checkpoints: c.server.Checkpoints,
		Manifest:    c.manifestFetcher(),
		QABackend:   c.backend,
		QARegistry:  c.server.QARegistry,
		QAConfig:    c.server.QAConfig,
		HealGate:    c.server.HealGate,
		QATimeout:   c.server.QATimeout,
		Events: func(phase controller.Phase, label string) {
			c.send(wsproto.OutFrame{Type: wsproto.OutUpdateInProgress, Data: wsproto.TextData{Label: label}})
		},
		Journal: func(threadID string) string {
			if c.server.Journal == nil {
				return ""
			}
			return c.server.Journal.Drain(threadID)
		},
		HITLResolve: func(ctx context.Context, threadID string, decisions []hitl.Decision) error {
			resolver, ok := c.server.AgentBackend.(decisionResolver)
			if !ok {
				return nil
			}
			return resolver.Resolve(ctx, threadID, decisions)
		},
	}
}

// decisionResolver is implemented by agentrt.Backend implementations (e.g.
// internal/deepagent.Backend) that stash pending tool calls keyed by
// threadID across a HITL suspend, so a resume can fold the human's
// approve/edit/reject decisions into the tool results the next Stream call
// continues from.
type decisionResolver interface {
	Resolve(ctx context.Context, threadID string, decisions []hitl.Decision) error
}

// manifestFetcher builds a controller.ManifestFetcher over this session's
// resolved backend, or nil if INIT has not resolved one yet (the t/qa_gate
// node treats a nil Manifest the same as an empty manifest).
func (c *connHandler) manifestFetcher() controller.ManifestFetcher {
	if c.backend == nil {
		return nil
	}
	backend := c.backend
	return func(ctx context.Context) ([]qa.ManifestEntry, error) {
		return buildQAManifest(ctx, backend)
	}
}

// gitSyncer builds a fresh *gitsync.Engine scoped to this session, or nil
// when sync is disabled or the session has no linked repo yet. A fresh
// Engine per call is cheap (it is a plain struct; no connection pooling to
// amortize) and lets one Server serve many sessions' pushes concurrently
// without them fighting over a shared Sandbox field.
func (c *connHandler) gitSyncer() controller.GitSyncer {
	if !c.server.GitSync.Enabled || c.backend == nil || c.sess == nil {
		return nil
	}
	repoURL, _, _ := c.sess.GitMetadata()
	if repoURL == "" {
		return nil
	}
	cfg := c.server.GitSync
	return &gitsync.Engine{
		CacheDir:       filepath.Join(cfg.CacheDir, c.sess.ID()),
		RemoteURL:      repoURL,
		Token:          cfg.Token,
		Branch:         cfg.Branch,
		AuthorName:     cfg.AuthorName,
		AuthorEmail:    cfg.AuthorEmail,
		ProjectSlug:    c.sess.Slug(),
		ChunkSize:      cfg.ChunkSize,
		Excludes:       cfg.Excludes,
		Sandbox:        c.backend,
		MessageFn:      cfg.MessageFn,
		MaxPushRetries: cfg.MaxPushRetries,
	}
}
