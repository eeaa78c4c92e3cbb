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
	"fmt"

	"github.com/amicable/orchestrator/internal/agentrt"
	"github.com/amicable/orchestrator/internal/qa"
)

// DefaultMaxRounds is used when a State arrives with MaxRounds unset.
const DefaultMaxRounds = 3

// route decides which edge to take out of qa_validate.
func route(attempt, maxRounds int, res qa.Result) Phase {
	if res.Passed {
		return PhaseGitSync
	}
	if attempt < maxRounds && !res.Environmental {
		return PhaseSelfHeal
	}
	return PhaseQAFailSummary
}

// Run drives the graph from its current phase (PhaseStart on a fresh
// State) through to t or until it suspends on a HITL interrupt. Every
// node's output is committed via deps.Checkpoints before the next node
// runs, so a crash mid-run resumes from the last completed node.
func Run(ctx context.Context, deps Deps, s State) (Outcome, error) {
	if s.MaxRounds == 0 {
		s.MaxRounds = DefaultMaxRounds
	}

	phase := PhaseDeepAgentEdit
	for {
		switch phase {
		case PhaseDeepAgentEdit:
			deps.emit(phase, "Editing files")
			result, err := deps.Agent.Invoke(ctx, s.ThreadID, s.Messages)
			if err != nil {
				return failSafetyNet(ctx, deps, s, fmt.Errorf("deepagents_edit: %w", err))
			}
			if result.Interrupt != nil {
				if cerr := commitState(ctx, deps.Checkpoints, PhaseDeepAgentEdit, s); cerr != nil {
					return Outcome{}, cerr
				}
				return Outcome{Phase: PhaseAwaitApproval, State: s, Interrupt: result.Interrupt}, nil
			}
			s.Messages = result.Messages
			if err := commitState(ctx, deps.Checkpoints, phase, s); err != nil {
				return Outcome{}, err
			}
			phase = PhaseQAValidate

		case PhaseQAValidate:
			deps.emit(phase, "Running checks")
			res := runQA(ctx, deps, s)
			s.QAResult = &res
			s.QAPassed = res.Passed
			if !res.Passed && res.Failed != nil {
				s.LastFailureSummary = qa.FormatFailureSummary(*res.Failed, 2000)
			}
			if err := commitState(ctx, deps.Checkpoints, phase, s); err != nil {
				return Outcome{}, err
			}
			phase = route(s.Attempt, s.MaxRounds, res)

		case PhaseSelfHeal:
			deps.emit(phase, "Attempting self-heal")
			manifest, _ := fetchManifest(ctx, deps)
			s.Messages = append(s.Messages, agentrt.Message{
				Role:    "user",
				Content: selfHealMessage(s.LastFailureSummary, manifest),
			})
			s.Attempt++
			if err := commitState(ctx, deps.Checkpoints, phase, s); err != nil {
				return Outcome{}, err
			}
			phase = PhaseDeepAgentEdit

		case PhaseQAFailSummary:
			deps.emit(phase, "Giving up after repeated failures")
			s.Messages = append(s.Messages, agentrt.Message{
				Role:    "assistant",
				Content: qaFailSummaryMessage(s.Attempt, s.LastFailureSummary),
			})
			s.FinalStatus = StatusFailed
			if err := commitState(ctx, deps.Checkpoints, phase, s); err != nil {
				return Outcome{}, err
			}
			phase = PhaseGitSync

		case PhaseGitSync:
			deps.emit(phase, "Syncing to Git")
			if err := runGitSync(ctx, deps, &s); err != nil {
				return Outcome{}, err
			}
			if s.FinalStatus == "" {
				s.FinalStatus = StatusSuccess
			}
			if err := commitState(ctx, deps.Checkpoints, phase, s); err != nil {
				return Outcome{}, err
			}
			phase = PhaseDone

		case PhaseDone:
			return Outcome{Phase: PhaseDone, State: s}, nil

		default:
			return Outcome{}, fmt.Errorf("controller: unknown phase %q", phase)
		}
	}
}

func runQA(ctx context.Context, deps Deps, s State) qa.Result {
	if !deps.QAConfig.Enabled {
		return qa.Result{Passed: true}
	}
	manifest, err := fetchManifest(ctx, deps)
	if err != nil {
		return qa.Result{
			Passed: false, Classification: "fixable",
			Failed: &qa.CommandResult{Stderr: "failed to read project manifest: " + err.Error(), ExitCode: 1},
		}
	}
	return qa.Run(ctx, deps.QABackend, manifest, deps.QARegistry, deps.QAConfig)
}

func fetchManifest(ctx context.Context, deps Deps) ([]qa.ManifestEntry, error) {
	if deps.Manifest == nil {
		return nil, nil
	}
	return deps.Manifest(ctx)
}

func selfHealMessage(failureSummary string, manifest []qa.ManifestEntry) string {
	hint := qa.StackHint(manifest)
	msg := "The previous change failed validation:\n\n" + failureSummary
	if hint != "" {
		msg += "\n\nSuggested fix: " + hint
	}
	return msg
}

func qaFailSummaryMessage(rounds int, lastFailure string) string {
	return fmt.Sprintf("I attempted %d round(s) of fixes but validation is still failing. Last failure:\n\n%s", rounds, lastFailure)
}

// failSafetyNet implements failure-semantics (i): on a deep-agent
// exception the controller still attempts a Git-sync safety net before
// reporting failure, so in-flight edits are not silently lost.
func failSafetyNet(ctx context.Context, deps Deps, s State, cause error) (Outcome, error) {
	s.ControllerFailed = true
	s.FinalStatus = StatusFailed
	s.LastFailureSummary = cause.Error()
	if deps.GitSync != nil {
		_ = runGitSync(ctx, deps, &s)
	}
	if cerr := commitState(ctx, deps.Checkpoints, PhaseGitSync, s); cerr != nil {
		return Outcome{}, cerr
	}
	return Outcome{Phase: PhaseDone, State: s}, cause
}
