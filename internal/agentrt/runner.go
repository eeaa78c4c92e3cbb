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

package agentrt

import (
	"context"
	"fmt"
	"time"
)

// Backend streams one deep-agent invocation's events. A real
// implementation wraps the LLM/tool-calling loop (deepagents-equivalent
// graph execution); tests substitute a channel fed from a fixed script.
type Backend interface {
	Stream(ctx context.Context, threadID string, messages []Message) (<-chan UpstreamEvent, error)
}

// ActionRequestView mirrors controller.ActionRequestView; it is the shape
// a Backend is expected to populate InterruptPayload.Value with when it
// suspends for HITL approval.
type ActionRequestView struct {
	Name        string
	Args        map[string]any
	Description string
}

// ReviewConfigView mirrors controller.ReviewConfigView.
type ReviewConfigView struct {
	ActionName       string
	AllowedDecisions []string
}

// HITLPayload is the expected concrete type of InterruptPayload.Value.
type HITLPayload struct {
	ActionRequests []ActionRequestView
	ReviewConfigs  []ReviewConfigView
}

// Interrupt mirrors controller.Interrupt without importing the controller
// package (agentrt sits below controller in the dependency graph: the
// controller imports agentrt's Message/ToolCall vocabulary, so the
// reverse import would cycle). Runner's caller (typically the WS server,
// which imports both) converts between the two.
type Interrupt struct {
	ID             string
	ActionRequests []ActionRequestView
	ReviewConfigs  []ReviewConfigView
}

// Result is what one Invoke call produces.
type Result struct {
	Messages  []Message
	Interrupt *Interrupt
}

// Sink receives every downstream frame a Runner produces, in emission
// order, for the WS layer to forward to the client.
type Sink func(DownstreamEvent)

// Runner drives a Backend's event stream through a Mapper and reduces it
// to the (messages, interrupt) shape the controller graph's AgentRunner
// boundary expects.
type Runner struct {
	Backend  Backend
	Sink     Sink
	Debounce time.Duration
	TraceID  func() string
}

// Invoke implements the narrow surface controller.AgentRunner expects; the
// WS layer (which owns the controller.Deps wiring) adapts this Result into
// controller.AgentResult.
func (r *Runner) Invoke(ctx context.Context, threadID string, messages []Message) (Result, error) {
	events, err := r.Backend.Stream(ctx, threadID, messages)
	if err != nil {
		return Result{}, fmt.Errorf("agentrt: start stream: %w", err)
	}

	mapper := NewMapper(r.Debounce, r.TraceID)
	for ev := range events {
		var payload *HITLPayload
		if ev.Interrupt != nil {
			if p, ok := ev.Interrupt.Value.(HITLPayload); ok {
				payload = &p
			}
		}
		for _, frame := range mapper.Map(ev) {
			if r.Sink != nil {
				r.Sink(frame)
			}
		}
		if mapper.Interrupted() {
			out := &Interrupt{ID: ev.Interrupt.InterruptID}
			if payload != nil {
				out.ActionRequests = payload.ActionRequests
				out.ReviewConfigs = payload.ReviewConfigs
			}
			return Result{Interrupt: out}, nil
		}
	}

	final := mapper.FinalText()
	if r.Sink != nil {
		r.Sink(mapper.Finish())
	}
	out := append(append([]Message{}, messages...), Message{Role: "assistant", Content: final})
	return Result{Messages: out}, nil
}
