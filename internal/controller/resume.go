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

	"github.com/amicable/orchestrator/internal/hitl"
	"github.com/amicable/orchestrator/internal/session"
)

// ResumeRequest is what a HITL_RESPONSE frame carries in to resolve a
// PhaseAwaitApproval Outcome.
type ResumeRequest struct {
	Decisions []hitl.Decision
}

// Resume validates decisions against the suspended interrupt's review
// configs, hands them to the AgentRunner's resume-aware half via
// deps.HITLResolve so the approved/edited/rejected tool results are folded
// into its message history, and re-enters the graph at deepagents_edit.
func Resume(ctx context.Context, deps Deps, s State, interrupt Interrupt, req ResumeRequest, schemas hitl.ToolSchemas) (Outcome, error) {
	configs := make([]session.ReviewConfig, len(interrupt.ReviewConfigs))
	for i, rc := range interrupt.ReviewConfigs {
		configs[i] = session.ReviewConfig{ActionName: rc.ActionName, AllowedDecisions: rc.AllowedDecisions}
	}
	if err := hitl.Validate(configs, req.Decisions, schemas); err != nil {
		return Outcome{}, err
	}
	if deps.HITLResolve != nil {
		if err := deps.HITLResolve(ctx, s.ThreadID, req.Decisions); err != nil {
			return Outcome{}, err
		}
	}
	return Run(ctx, deps, s)
}
