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

package controller

import (
	"context"
	"time"

	"github.com/amicable/orchestrator/internal/agentrt"
	"github.com/amicable/orchestrator/internal/checkpoint"
	"github.com/amicable/orchestrator/internal/hitl"
	"github.com/amicable/orchestrator/internal/qa"
)

// AgentRunner invokes the deep agent for one deepagents_edit step. It owns
// the agent's own message loop, tool execution, and HITL interception;
// Invoke returns either an updated message list (run completed this
// step) or a non-nil Interrupt (run suspended awaiting approval).
type AgentRunner interface {
	Invoke(ctx context.Context, threadID string, messages []agentrt.Message) (AgentResult, error)
}

// AgentResult is what one deepagents_edit invocation produces.
type AgentResult struct {
	Messages  []agentrt.Message
	Interrupt *Interrupt
}

// GitSyncer is the narrow surface git_sync needs. internal/gitsync.Engine
// implements this; it is declared here rather than imported so this
// package has no compile-time dependency on the Git/network stack.
//
// Required-vs-optional sync is the implementation's concern, not the
// caller's: when sync is disabled, Push returns PushResult{Pushed:false},
// nil. When sync is required and fails, Push returns a non-nil error
// (the node lets it bubble up). When sync is configured but optional and
// fails, Push returns PushResult{Error: "..."}, nil so the run still
// reaches t with git_error recorded instead of failing the whole turn.
type GitSyncer interface {
	Push(ctx context.Context, req PushRequest) (PushResult, error)
}

// PushRequest carries everything the commit-message callback and the
// push flow need.
type PushRequest struct {
	ThreadID         string
	UserRequest      string
	AgentAnswer      string
	QAResult         *qa.Result
	ToolJournalNotes string
}

// PushResult is the outcome of one git_sync invocation.
type PushResult struct {
	Pushed bool
	Error  string
}

// ManifestFetcher returns the current project manifest for QA detection.
type ManifestFetcher func(ctx context.Context) ([]qa.ManifestEntry, error)

// EventSink receives controller-level narration the WS layer surfaces as
// UPDATE_FILE frames (C7 handles the deep agent's own finer-grained
// stream separately).
type EventSink func(phase Phase, label string)

// JournalDrain returns the accumulated Tool Journal notes for a thread as
// a human-readable block and clears them, so git_sync's commit message
// carries the run's "why" context exactly once.
type JournalDrain func(threadID string) string

// HITLResolve applies a resume's validated decisions to the tool calls an
// AgentRunner suspended on, keyed by threadID, before the graph re-enters
// deepagents_edit. AgentRunner implementations that stash pending tool
// calls (internal/deepagent does, keyed by threadID) expose this as the
// resume-aware half of their Invoke path.
type HITLResolve func(ctx context.Context, threadID string, decisions []hitl.Decision) error

// Deps bundles every collaborator the graph needs. Controllers are
// stateless over Deps — one Deps can drive many concurrent runs as long
// as each run supplies its own State.
type Deps struct {
	Agent       AgentRunner
	GitSync     GitSyncer
	Checkpoints checkpoint.Store
	Manifest    ManifestFetcher
	QABackend   qa.Backend
	QARegistry  *qa.Registry
	QAConfig    qa.Config
	HealGate    *qa.HealGate
	QATimeout   time.Duration
	Events      EventSink
	Journal     JournalDrain
	HITLResolve HITLResolve
}

func (d Deps) emit(phase Phase, label string) {
	if d.Events != nil {
		d.Events(phase, label)
	}
}
