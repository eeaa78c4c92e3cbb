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

// Package controller drives the per-turn graph: deepagents_edit →
// qa_validate → (pass: git_sync | heal: self_heal_message | fail:
// qa_fail_summary → git_sync). It owns routing and checkpointing; the
// deep agent invocation, QA execution, HITL scanning, and Git sync
// themselves are delegated to their own packages through narrow
// interfaces so this package stays a pure state machine.
package controller

import (
	"github.com/amicable/orchestrator/internal/agentrt"
	"github.com/amicable/orchestrator/internal/qa"
)

// Phase names the graph node that produced or is about to produce a State.
type Phase string

const (
	PhaseStart         Phase = "start"
	PhaseDeepAgentEdit Phase = "deepagents_edit"
	PhaseQAValidate    Phase = "qa_validate"
	PhaseSelfHeal      Phase = "self_heal_message"
	PhaseQAFailSummary Phase = "qa_fail_summary"
	PhaseGitSync       Phase = "git_sync"
	PhaseDone          Phase = "t"
	PhaseAwaitApproval Phase = "awaiting_approval"
)

// FinalStatus is the terminal outcome recorded once the graph reaches t.
type FinalStatus string

const (
	StatusSuccess FinalStatus = "success"
	StatusFailed  FinalStatus = "failed"
)

// State is the controller's own checkpointed view of one run. It is
// distinct from the deep agent's internal state, which checkpoints under
// namespace "deep_agent" on the same thread.
type State struct {
	ThreadID  string // session_id
	Messages  []agentrt.Message
	Attempt   int
	MaxRounds int

	QAPassed         bool
	QAResult         *qa.Result
	GitPushed        bool
	GitError         string
	ControllerFailed bool
	FinalStatus      FinalStatus

	LastFailureSummary string
}

// Outcome is what Run returns once the graph reaches t or suspends.
type Outcome struct {
	Phase    Phase
	State    State
	Interrupt *Interrupt // non-nil iff Phase == PhaseAwaitApproval
}

// Interrupt is the HITL suspend payload the caller (C9) must forward to
// the client as a HITL_REQUEST frame.
type Interrupt struct {
	ID             string
	ActionRequests []ActionRequestView
	ReviewConfigs  []ReviewConfigView
}

// ActionRequestView and ReviewConfigView mirror internal/session's types
// without importing that package, keeping controller decoupled from the
// session registry's lifecycle.
type ActionRequestView struct {
	Name        string
	Args        map[string]any
	Description string
}

type ReviewConfigView struct {
	ActionName       string
	AllowedDecisions []string
}
