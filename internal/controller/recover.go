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
	"log/slog"

	"github.com/amicable/orchestrator/internal/checkpoint"
)

// RecoveredRun is one thread whose last committed State predates a clean
// shutdown: it reached neither PhaseDone nor an orderly PhaseAwaitApproval
// suspend captured by the owning session, or reached PhaseAwaitApproval but
// has no live WebSocket to deliver the HITL frame to. Business data for the
// thread (repo URL, claim name, slug) lives in the external session CRUD
// API this package never calls directly, so RecoverOnStartup surfaces the
// list rather than driving the graph itself: a reconnecting client re-sends
// INIT, internal/wsserver looks up the session and resumes from here.
type RecoveredRun struct {
	ThreadID string
	Phase    Phase
	State    State
}

// RecoverOnStartup enumerates every thread with a committed controller
// checkpoint and reports the ones left mid-run by an unclean shutdown. It
// runs once at process start, after this replica has won the startup
// coordination lock (internal/coordination) so only one replica's recovery
// pass logs and acts on a given namespace.
func RecoverOnStartup(ctx context.Context, store checkpoint.Store, logger *slog.Logger) ([]RecoveredRun, error) {
	if logger == nil {
		logger = slog.Default()
	}
	threadIDs, err := store.ListThreadIDs(ctx, Namespace)
	if err != nil {
		return nil, err
	}

	var recovered []RecoveredRun
	for _, threadID := range threadIDs {
		s, ok, err := ResumeState(ctx, store, threadID)
		if err != nil {
			logger.Error("recovery: failed to load checkpoint", "thread_id", threadID, "error", err)
			continue
		}
		if !ok || s.FinalStatus != "" {
			continue // reached t cleanly, or nothing to recover
		}
		phase := PhaseDeepAgentEdit
		if s.ControllerFailed {
			phase = PhaseQAFailSummary
		} else if s.QAPassed {
			phase = PhaseGitSync
		}
		logger.Warn("recovery: found incomplete run", "thread_id", threadID, "phase", phase, "attempt", s.Attempt)
		recovered = append(recovered, RecoveredRun{ThreadID: threadID, Phase: phase, State: s})
	}
	return recovered, nil
}
