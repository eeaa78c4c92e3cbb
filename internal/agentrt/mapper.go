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
	"fmt"
	"strings"
	"time"
)

// toolFileLabel covers the tool names whose start also gets a user-facing
// UPDATE_FILE frame, separate from the TRACE_EVENT every tool start/end/
// error always produces.
var toolFileLabel = map[string]bool{
	"execute":    true,
	"write_file": true,
	"edit_file":  true,
}

// Mapper folds one deep-agent invocation's upstream event stream into the
// fixed downstream frame vocabulary, per spec §4.7's event table. It is
// not safe for concurrent use; one Mapper is scoped to one Invoke call.
type Mapper struct {
	debounce     time.Duration
	buffer       strings.Builder
	lastEmit     time.Time
	finalFromEnd *Message
	interrupted  bool
	traceID      func() string
}

// NewMapper constructs a Mapper. traceID, if non-nil, is consulted for
// every TRACE_EVENT to embed the current OTel span id (C11); a nil func
// leaves TraceID empty.
func NewMapper(debounce time.Duration, traceID func() string) *Mapper {
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	return &Mapper{debounce: debounce, traceID: traceID}
}

// Interrupted reports whether an __interrupt__ event has already broken
// the pipeline; callers must stop reading further upstream events once
// true.
func (m *Mapper) Interrupted() bool { return m.interrupted }

// Map converts one upstream event into zero or more downstream frames.
func (m *Mapper) Map(ev UpstreamEvent) []DownstreamEvent {
	switch ev.Type {
	case UpstreamChainStream:
		if ev.Interrupt != nil {
			m.interrupted = true
			return []DownstreamEvent{
				{Type: DownHITLRequest, HITL: ev.Interrupt},
				{Type: DownAgentFinal, Text: "Awaiting approval…"},
			}
		}
		return nil

	case UpstreamTokenStream:
		m.buffer.WriteString(ev.Delta)
		if time.Since(m.lastEmit) < m.debounce {
			return nil
		}
		m.lastEmit = time.Now()
		return []DownstreamEvent{{Type: DownAgentPartial, Text: m.buffer.String()}}

	case UpstreamToolStart:
		out := []DownstreamEvent{m.trace("tool_start", ev.ToolName, ev.ToolInput, nil)}
		if toolFileLabel[ev.ToolName] {
			out = append(out, DownstreamEvent{Type: DownUpdateFile, Label: fileLabel(ev.ToolName, ev.ToolInput)})
		}
		return out

	case UpstreamToolEnd:
		return []DownstreamEvent{m.trace("tool_end", ev.ToolName, ev.ToolInput, ev.ToolOutput)}

	case UpstreamToolError:
		return []DownstreamEvent{m.trace("tool_error", ev.ToolName, ev.ToolInput, ev.ToolErr)}

	case UpstreamChainEnd:
		if ev.FinalOutput != nil {
			m.finalFromEnd = ev.FinalOutput
		}
		return nil

	default:
		return nil
	}
}

func (m *Mapper) trace(phase, toolName string, input map[string]any, output any) DownstreamEvent {
	var traceID string
	if m.traceID != nil {
		traceID = m.traceID()
	}
	return DownstreamEvent{
		Type: DownTraceEvent,
		Trace: &TraceEvent{
			Phase:    phase,
			ToolName: toolName,
			Input:    safeJSONable(input),
			Output:   safeJSONable(output),
			TraceID:  traceID,
		},
	}
}

func fileLabel(toolName string, input map[string]any) string {
	switch toolName {
	case "execute":
		cmd, _ := input["command"].(string)
		return "Running " + truncateLabel(cmd, 60)
	case "write_file", "edit_file":
		path, _ := input["path"].(string)
		if path == "" {
			path, _ = input["file_path"].(string)
		}
		return fmt.Sprintf("Editing %s", path)
	default:
		return "Working…"
	}
}

func truncateLabel(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// Finish produces the terminal AGENT_FINAL frame for a non-interrupted,
// non-errored completion, falling back to the chain_end assistant message
// when no token stream ever arrived.
func (m *Mapper) Finish() DownstreamEvent {
	text := m.buffer.String()
	if text == "" && m.finalFromEnd != nil {
		text = m.finalFromEnd.Content
	}
	return DownstreamEvent{Type: DownAgentFinal, Text: text}
}

// FinalText returns whichever text Finish would send, without the frame
// wrapper — used by callers (e.g. Runner) that need the plain string to
// append to conversation history.
func (m *Mapper) FinalText() string {
	if m.buffer.Len() > 0 {
		return m.buffer.String()
	}
	if m.finalFromEnd != nil {
		return m.finalFromEnd.Content
	}
	return ""
}

// Err produces the ERROR frame for a failed invocation.
func Err(err error) DownstreamEvent {
	return DownstreamEvent{Type: DownError, ErrText: err.Error()}
}
