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

// Package agentrt bridges the deep agent's own event stream to the
// downstream WebSocket message stream: it maps upstream chain/tool/token
// events onto the fixed set of client-facing message types, debounces
// partial tokens, tracks OpenTelemetry spans per tool call, and compacts
// the conversation before it grows unbounded.
package agentrt

// Message is the universal conversation-turn format passed to and
// returned from the deep agent.
type Message struct {
	Role       string     `json:"role"` // user | assistant | tool | system
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is one agent-requested tool invocation.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// UpstreamEventType enumerates the deep-agent event kinds C7 observes.
type UpstreamEventType string

const (
	UpstreamChainStart  UpstreamEventType = "chain_start"
	UpstreamChainStream UpstreamEventType = "chain_stream"
	UpstreamChainEnd    UpstreamEventType = "chain_end"
	UpstreamTokenStream UpstreamEventType = "token_stream"
	UpstreamToolStart   UpstreamEventType = "tool_start"
	UpstreamToolEnd     UpstreamEventType = "tool_end"
	UpstreamToolError   UpstreamEventType = "tool_error"
)

// UpstreamEvent is one event out of the deep agent's own stream.
type UpstreamEvent struct {
	Type        UpstreamEventType
	NodeName    string // for chain_start/chain_end
	Delta       string // for token_stream
	ToolName    string // for tool_start/tool_end/tool_error
	ToolInput   map[string]any
	ToolOutput  any
	ToolErr     error
	Interrupt   *InterruptPayload // non-nil on chain_stream carrying __interrupt__
	FinalOutput *Message          // for chain_end, when it carries the assistant message
}

// InterruptPayload is the HITL suspend payload surfaced on the stream.
type InterruptPayload struct {
	InterruptID string
	Value       any
}

// DownstreamType enumerates the fixed WS frame types this layer emits.
type DownstreamType string

const (
	DownAgentPartial     DownstreamType = "AGENT_PARTIAL"
	DownAgentFinal       DownstreamType = "AGENT_FINAL"
	DownUpdateInProgress DownstreamType = "UPDATE_IN_PROGRESS"
	DownUpdateFile       DownstreamType = "UPDATE_FILE"
	DownUpdateCompleted  DownstreamType = "UPDATE_COMPLETED"
	DownTraceEvent       DownstreamType = "TRACE_EVENT"
	DownHITLRequest      DownstreamType = "HITL_REQUEST"
	DownError            DownstreamType = "ERROR"
)

// DownstreamEvent is one frame payload ready for the WS server to send.
type DownstreamEvent struct {
	Type    DownstreamType
	Text    string
	Label   string // UPDATE_FILE human label
	Trace   *TraceEvent
	HITL    *InterruptPayload
	ErrText string
}

// TraceEvent correlates a tool call's lifecycle with an OTel span.
type TraceEvent struct {
	Phase    string // tool_start | tool_end | tool_error | reasoning_summary
	ToolName string
	Input    any
	Output   any
	TraceID  string
}
