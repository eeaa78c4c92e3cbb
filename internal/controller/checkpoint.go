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
	"encoding/json"
	"fmt"

	"github.com/amicable/orchestrator/internal/checkpoint"
)

// Namespace is the controller's own checkpoint namespace. The inner deep
// agent checkpoints under "deep_agent" on the same thread_id, so the two
// never collide.
const Namespace = "controller"

const channelState = "state"

// commitState persists the controller's State under the given phase's
// step-id, so a crash mid-run can resume from the last completed node.
func commitState(ctx context.Context, store checkpoint.Store, phase Phase, s State) error {
	if store == nil {
		return nil
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("controller: marshal state: %w", err)
	}
	return store.Put(ctx, checkpoint.Write{
		ThreadID:  s.ThreadID,
		Namespace: Namespace,
		StepID:    string(phase),
		Channel:   channelState,
		ValueJSON: payload,
	})
}

// ResumeState reconstructs the latest committed State for threadID, for
// process-restart recovery of a pending HITL approval or an in-flight run.
func ResumeState(ctx context.Context, store checkpoint.Store, threadID string) (State, bool, error) {
	w, ok, err := store.Get(ctx, threadID, Namespace, channelState)
	if err != nil || !ok {
		return State{}, ok, err
	}
	var s State
	if err := json.Unmarshal(w.ValueJSON, &s); err != nil {
		return State{}, false, fmt.Errorf("controller: unmarshal state: %w", err)
	}
	return s, true, nil
}
