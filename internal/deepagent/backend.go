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

package deepagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/amicable/orchestrator/internal/agentrt"
	"github.com/amicable/orchestrator/internal/hitl"
	"github.com/amicable/orchestrator/internal/policy"
)

// maxToolIterations bounds one turn's tool-calling loop so a misbehaving
// model can't spin forever without ever producing a final answer.
const maxToolIterations = 25

// defaultSystemPrompt grounds a fresh conversation when the caller hasn't
// supplied its own system message yet.
const defaultSystemPrompt = "You are a coding agent operating inside a sandboxed project workspace. " +
	"Use the available tools to inspect and modify the project; prefer read_file/grep/glob before editing. " +
	"Destructive commands and database drops/truncates require human approval and may be paused mid-turn."

// Resolver resolves a session's thread to the sandbox-backed tool executor
// it should run tool calls against. cmd/orchestrator builds the closure
// that turns a threadID into a session lookup, a claim's base URL, and a
// policy.Wrapper around a sandbox.Client for it.
type Resolver func(ctx context.Context, threadID string) (policy.Backend, error)

// ModeLookup returns a thread's current HITL permission mode
// (hitl.ModeDefault/ModeAcceptEdits/ModeBypass).
type ModeLookup func(threadID string) string

// pendingTurn holds the state of a tool-calling turn suspended for HITL
// approval: the wire conversation up to and including the assistant's
// tool-call message, the calls under review, and the resolved executor so
// Resolve doesn't need to call the Resolver again.
type pendingTurn struct {
	wireMessages []wireMessage
	calls        []hitl.ToolCall
	rawCalls     []wireToolCall
	executor     policy.Backend
	resolved     []wireMessage // tool-result messages once decisions applied
	ready        bool
}

// Backend is the concrete agentrt.Backend: it drives an OpenAI-compatible
// chat-completions loop, executing proposed tool calls against a
// per-session sandbox and suspending for human approval when hitl.Scan
// flags a call as destructive.
type Backend struct {
	llm        *client
	resolve    Resolver
	mode       ModeLookup
	toolDefs   []wireTool
	compaction agentrt.CompactionConfig

	mu      sync.Mutex
	pending map[string]*pendingTurn
}

// NewBackend constructs a Backend. resolve and mode must both be non-nil;
// cmd/orchestrator wires them against the session registry and claim
// client. A zero-valued compaction applies agentrt.DefaultCompactionConfig.
func NewBackend(cfg ClientConfig, compaction agentrt.CompactionConfig, resolve Resolver, mode ModeLookup) *Backend {
	if compaction.TriggerMessages == 0 && compaction.TokenTrigger == 0 {
		compaction = agentrt.DefaultCompactionConfig()
	}
	return &Backend{
		llm:        newClient(cfg),
		resolve:    resolve,
		mode:       mode,
		toolDefs:   wireTools(),
		compaction: compaction,
		pending:    make(map[string]*pendingTurn),
	}
}

// Resolve applies a resume's HITL decisions to the tool calls a prior
// Stream call suspended on, producing the tool-result messages the next
// Stream call continues the conversation with. Must be called before the
// controller's resume path re-invokes Invoke for threadID.
func (b *Backend) Resolve(ctx context.Context, threadID string, decisions []hitl.Decision) error {
	b.mu.Lock()
	pt, ok := b.pending[threadID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("deepagent: no pending HITL turn for thread %s", threadID)
	}
	if len(decisions) != len(pt.calls) {
		return fmt.Errorf("deepagent: expected %d decisions, got %d", len(pt.calls), len(decisions))
	}

	resolved := make([]wireMessage, 0, len(pt.calls))
	for i, call := range pt.rawCalls {
		toolCall, rejection := hitl.Apply(pt.calls[i], decisions[i])
		if toolCall == nil {
			resolved = append(resolved, wireMessage{
				Role:       "tool",
				Content:    rejection,
				ToolCallID: call.ID,
				Name:       call.Function.Name,
			})
			continue
		}
		out, err := dispatch(ctx, pt.executor, toolCall.Name, toolCall.Args)
		if err != nil {
			out = fmt.Sprintf(`{"error": %q}`, err.Error())
		}
		resolved = append(resolved, wireMessage{
			Role:       "tool",
			Content:    out,
			ToolCallID: call.ID,
			Name:       toolCall.Name,
		})
	}

	b.mu.Lock()
	pt.resolved = resolved
	pt.ready = true
	b.mu.Unlock()
	return nil
}

// Stream implements agentrt.Backend.
func (b *Backend) Stream(ctx context.Context, threadID string, messages []agentrt.Message) (<-chan agentrt.UpstreamEvent, error) {
	out := make(chan agentrt.UpstreamEvent, 8)
	go func() {
		defer close(out)
		b.run(ctx, threadID, messages, out)
	}()
	return out, nil
}

func (b *Backend) run(ctx context.Context, threadID string, messages []agentrt.Message, out chan<- agentrt.UpstreamEvent) {
	out <- agentrt.UpstreamEvent{Type: agentrt.UpstreamChainStart, NodeName: "deep_agent"}

	wireMsgs, executor, err := b.startingState(ctx, threadID, messages)
	if err != nil {
		out <- agentrt.UpstreamEvent{Type: agentrt.UpstreamToolError, ToolErr: err}
		return
	}

	mode := hitl.ModeDefault
	if b.mode != nil {
		mode = b.mode(threadID)
	}

	for iteration := 0; iteration < maxToolIterations; iteration++ {
		reply, finishReason, err := b.llm.complete(ctx, wireMsgs, b.toolDefs)
		if err != nil {
			out <- agentrt.UpstreamEvent{Type: agentrt.UpstreamToolError, ToolErr: err}
			return
		}

		if len(reply.ToolCalls) == 0 || finishReason == "stop" {
			final := &agentrt.Message{Role: "assistant", Content: reply.Content}
			out <- agentrt.UpstreamEvent{Type: agentrt.UpstreamChainEnd, NodeName: "deep_agent", FinalOutput: final}
			return
		}

		wireMsgs = append(wireMsgs, reply)

		calls := make([]hitl.ToolCall, 0, len(reply.ToolCalls))
		for _, tc := range reply.ToolCalls {
			calls = append(calls, hitl.ToolCall{Name: tc.Function.Name, Args: decodeArgs(tc.Function.Arguments)})
		}

		requests, configs := hitl.Scan(calls, mode)
		if len(requests) > 0 {
			actionViews := make([]agentrt.ActionRequestView, 0, len(requests))
			for _, r := range requests {
				actionViews = append(actionViews, agentrt.ActionRequestView{Name: r.Name, Args: r.Args, Description: r.Description})
			}
			configViews := make([]agentrt.ReviewConfigView, 0, len(configs))
			for _, c := range configs {
				configViews = append(configViews, agentrt.ReviewConfigView{ActionName: c.ActionName, AllowedDecisions: c.AllowedDecisions})
			}

			b.mu.Lock()
			b.pending[threadID] = &pendingTurn{
				wireMessages: wireMsgs,
				calls:        calls,
				rawCalls:     reply.ToolCalls,
				executor:     executor,
			}
			b.mu.Unlock()

			out <- agentrt.UpstreamEvent{
				Type: agentrt.UpstreamChainStream,
				Interrupt: &agentrt.InterruptPayload{
					InterruptID: threadID,
					Value:       agentrt.HITLPayload{ActionRequests: actionViews, ReviewConfigs: configViews},
				},
			}
			return
		}

		for i, tc := range reply.ToolCalls {
			args := calls[i].Args
			out <- agentrt.UpstreamEvent{Type: agentrt.UpstreamToolStart, ToolName: tc.Function.Name, ToolInput: args}
			result, err := dispatch(ctx, executor, tc.Function.Name, args)
			if err != nil {
				out <- agentrt.UpstreamEvent{Type: agentrt.UpstreamToolError, ToolName: tc.Function.Name, ToolInput: args, ToolErr: err}
				result = fmt.Sprintf(`{"error": %q}`, err.Error())
			} else {
				out <- agentrt.UpstreamEvent{Type: agentrt.UpstreamToolEnd, ToolName: tc.Function.Name, ToolInput: args, ToolOutput: result}
			}
			wireMsgs = append(wireMsgs, wireMessage{Role: "tool", Content: result, ToolCallID: tc.ID, Name: tc.Function.Name})
		}
	}

	out <- agentrt.UpstreamEvent{Type: agentrt.UpstreamToolError, ToolErr: fmt.Errorf("deepagent: exceeded %d tool-calling iterations", maxToolIterations)}
}

// startingState resolves the wire conversation a turn should actually
// begin from: a resumed, HITL-resolved pending turn takes priority over the
// incoming messages, since those still reflect the pre-interrupt state the
// controller checkpointed (agentrt.Runner only persists the final answer,
// not in-flight tool turns — see deep-agent resume notes in DESIGN.md).
func (b *Backend) startingState(ctx context.Context, threadID string, messages []agentrt.Message) ([]wireMessage, policy.Backend, error) {
	b.mu.Lock()
	pt, ok := b.pending[threadID]
	b.mu.Unlock()

	if ok {
		if !pt.ready {
			return nil, nil, fmt.Errorf("deepagent: resume invoked before Resolve for thread %s", threadID)
		}
		b.mu.Lock()
		delete(b.pending, threadID)
		b.mu.Unlock()
		return append(pt.wireMessages, pt.resolved...), pt.executor, nil
	}

	executor, err := b.resolve(ctx, threadID)
	if err != nil {
		return nil, nil, fmt.Errorf("deepagent: resolve sandbox for thread %s: %w", threadID, err)
	}

	messages = agentrt.Compact(messages, b.compaction, func(dropped []agentrt.Message) string {
		return b.summarizeDropped(ctx, dropped)
	})

	wireMsgs := make([]wireMessage, 0, len(messages)+1)
	hasSystem := false
	for _, m := range messages {
		if m.Role == "system" {
			hasSystem = true
		}
		wireMsgs = append(wireMsgs, toWireMessage(m))
	}
	if !hasSystem {
		wireMsgs = append([]wireMessage{{Role: "system", Content: defaultSystemPrompt}}, wireMsgs...)
	}
	return wireMsgs, executor, nil
}

// compactionSystemPrompt instructs the LLM to produce the one-paragraph
// summary agentrt.Compact prepends in place of the dropped turns.
const compactionSystemPrompt = "Summarize the following conversation turns in a single paragraph. " +
	"Preserve file paths, decisions made, and any outstanding task the user is waiting on. " +
	"Do not invent details that aren't present."

// summarizeDropped backs agentrt.Compact's Summarizer with a plain
// (tool-free) completion call against the same chat endpoint the tool loop
// uses. A failed or empty summary call makes Compact a no-op for this run
// rather than losing history, so a transient provider error never drops
// context silently.
func (b *Backend) summarizeDropped(ctx context.Context, dropped []agentrt.Message) string {
	if len(dropped) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, m := range dropped {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}
	reply, _, err := b.llm.complete(ctx, []wireMessage{
		{Role: "system", Content: compactionSystemPrompt},
		{Role: "user", Content: sb.String()},
	}, nil)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(reply.Content)
}

func toWireMessage(m agentrt.Message) wireMessage {
	wm := wireMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID, Name: m.Name}
	for _, tc := range m.ToolCalls {
		argsJSON, _ := json.Marshal(tc.Arguments)
		wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: wireToolCallFunc{
				Name:      tc.Name,
				Arguments: string(argsJSON),
			},
		})
	}
	return wm
}

func decodeArgs(raw string) map[string]any {
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{}
	}
	return out
}
