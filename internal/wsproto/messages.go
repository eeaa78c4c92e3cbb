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

// Package wsproto defines the wire format for the orchestrator's
// WebSocket protocol: a small closed set of inbound message types
// (INIT, USER, HITL_RESPONSE, PING) and the downstream frame types C7
// emits, all JSON-encoded with a shared "type" discriminator field.
package wsproto

import "encoding/json"

// InboundType enumerates the only message types the server accepts.
type InboundType string

const (
	InboundInit         InboundType = "INIT"
	InboundUser         InboundType = "USER"
	InboundHITLResponse InboundType = "HITL_RESPONSE"
	InboundPing         InboundType = "PING"
)

// Envelope is the outer shape of every inbound frame; Payload is decoded
// into the type-specific struct once Type is known.
type Envelope struct {
	Type    InboundType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// InitPayload carries the one-time session bootstrap parameters.
type InitPayload struct {
	SessionID  string `json:"session_id"`
	TemplateID string `json:"template_id,omitempty"`
	Slug       string `json:"slug,omitempty"`
}

// UserPayload carries a new user turn.
type UserPayload struct {
	Text string `json:"text"`
}

// HITLResponsePayload resolves a pending interrupt.
type HITLResponsePayload struct {
	InterruptID string         `json:"interrupt_id"`
	Decisions   []DecisionWire `json:"decisions"`
}

// DecisionWire is the wire shape of one hitl.Decision.
type DecisionWire struct {
	Type         string        `json:"type"` // approve | edit | reject
	EditedAction *ToolCallWire `json:"edited_action,omitempty"`
	Message      string        `json:"message,omitempty"`
}

// ToolCallWire is the wire shape of one hitl.ToolCall.
type ToolCallWire struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// OutType enumerates every downstream frame type, matching
// agentrt.DownstreamType plus the WS-layer-only INIT/ERROR frames.
type OutType string

const (
	OutInit             OutType = "INIT"
	OutAgentPartial     OutType = "AGENT_PARTIAL"
	OutAgentFinal       OutType = "AGENT_FINAL"
	OutUpdateInProgress OutType = "UPDATE_IN_PROGRESS"
	OutUpdateFile       OutType = "UPDATE_FILE"
	OutUpdateCompleted  OutType = "UPDATE_COMPLETED"
	OutTraceEvent       OutType = "TRACE_EVENT"
	OutHITLRequest      OutType = "HITL_REQUEST"
	OutError            OutType = "ERROR"
	OutPong             OutType = "PONG"
)

// OutFrame is the outer shape of every outbound frame.
type OutFrame struct {
	Type OutType `json:"type"`
	Data any     `json:"data,omitempty"`
}

// InitData is OutFrame.Data for an INIT response.
type InitData struct {
	PreviewURL  string           `json:"preview_url,omitempty"`
	TemplateID  string           `json:"template_id,omitempty"`
	Git         *GitDTO          `json:"git,omitempty"`
	PendingHITL *HITLRequestData `json:"pending_hitl,omitempty"`
}

// GitDTO is the client-facing projection of a session's Git remote.
type GitDTO struct {
	RepoHTTPURL       string `json:"repo_http_url,omitempty"`
	PathWithNamespace string `json:"path_with_namespace,omitempty"`
	WebURL            string `json:"web_url,omitempty"`
}

// HITLRequestData is OutFrame.Data for a HITL_REQUEST frame.
type HITLRequestData struct {
	InterruptID    string              `json:"interrupt_id"`
	ActionRequests []ActionRequestData `json:"action_requests"`
	ReviewConfigs  []ReviewConfigData  `json:"review_configs"`
}

// ActionRequestData is the wire shape of one session.ActionRequest.
type ActionRequestData struct {
	Name        string         `json:"name"`
	Args        map[string]any `json:"args"`
	Description string         `json:"description"`
}

// ReviewConfigData is the wire shape of one session.ReviewConfig.
type ReviewConfigData struct {
	ActionName       string   `json:"action_name"`
	AllowedDecisions []string `json:"allowed_decisions"`
}

// TextData is OutFrame.Data for AGENT_PARTIAL/AGENT_FINAL/UPDATE_FILE.
type TextData struct {
	Text  string `json:"text,omitempty"`
	Label string `json:"label,omitempty"`
}

// TraceData is OutFrame.Data for TRACE_EVENT.
type TraceData struct {
	Phase    string `json:"phase"`
	ToolName string `json:"tool_name"`
	Input    any    `json:"input,omitempty"`
	Output   any    `json:"output,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

// ErrorData is OutFrame.Data for ERROR.
type ErrorData struct {
	Message string `json:"message"`
}
