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

// Package hitl implements the human-in-the-loop approval middleware: it
// scans an agent's proposed tool calls for destructive patterns, builds
// the interrupt payload the controller suspends on, and validates the
// decisions a resumed run supplies.
package hitl

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/amicable/orchestrator/internal/session"
)

// PermissionMode mirrors session.Session's stored mode.
const (
	ModeDefault     = "default"
	ModeAcceptEdits = "accept_edits"
	ModeBypass      = "bypass"
)

// ToolCall is one agent-proposed invocation under review.
type ToolCall struct {
	Name string
	Args map[string]any
}

var destructiveExecRe = regexp.MustCompile(
	`(?i)(^|[;&|()\s])(rm|unlink|rmdir|shred)\s|git\s+clean|find\s+.*-delete`,
)

var destructiveDBNames = map[string]struct{}{
	"db_drop_table":     {},
	"db_truncate_table": {},
}

// Scan inspects a batch of proposed tool calls and returns the subset that
// require HITL approval, each paired with the review config that states
// which decisions are legal for it. An empty result means nothing needs
// approval.
func Scan(calls []ToolCall, mode string) ([]session.ActionRequest, []session.ReviewConfig) {
	if mode == ModeAcceptEdits || mode == ModeBypass {
		return nil, nil
	}

	var requests []session.ActionRequest
	var configs []session.ReviewConfig
	for _, c := range calls {
		if !requiresApproval(c) {
			continue
		}
		requests = append(requests, session.ActionRequest{
			Name:        c.Name,
			Args:        c.Args,
			Description: describe(c),
		})
		configs = append(configs, session.ReviewConfig{
			ActionName:       c.Name,
			AllowedDecisions: []string{"approve", "edit", "reject"},
		})
	}
	return requests, configs
}

func requiresApproval(c ToolCall) bool {
	if _, ok := destructiveDBNames[c.Name]; ok {
		return true
	}
	if c.Name != "execute" {
		return false
	}
	cmd, _ := c.Args["command"].(string)
	return destructiveExecRe.MatchString(cmd)
}

func describe(c ToolCall) string {
	if c.Name == "execute" {
		cmd, _ := c.Args["command"].(string)
		return fmt.Sprintf("Run destructive command: %s", truncate(cmd, 200))
	}
	return fmt.Sprintf("Destructive database operation: %s", c.Name)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// Decision is one entry of a HITL_RESPONSE resume payload.
type Decision struct {
	Type         string // approve | edit | reject
	EditedAction *ToolCall
	Message      string
}

// ErrInvalidResponse is returned for any response shape that does not
// satisfy the pending interrupt's contract.
var ErrInvalidResponse = fmt.Errorf("invalid HITL response")

// ToolSchemas maps a tool name to its advertised JSON Schema (the same
// schema given to the LLM), used to re-validate edited args.
type ToolSchemas map[string]*jsonschema.Schema

// Validate checks a resume payload's decisions against the pending
// request's review configs: correct length, legal decision type per
// config, and — for "edit" — edited args that satisfy the tool's own
// schema. A schema violation is treated identically to a malformed
// response rather than trusted blindly.
func Validate(configs []session.ReviewConfig, decisions []Decision, schemas ToolSchemas) error {
	if len(decisions) != len(configs) {
		return fmt.Errorf("%w: expected %d decisions, got %d", ErrInvalidResponse, len(configs), len(decisions))
	}
	for i, d := range decisions {
		allowed := false
		for _, a := range configs[i].AllowedDecisions {
			if a == d.Type {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: decision %q not allowed for %s", ErrInvalidResponse, d.Type, configs[i].ActionName)
		}
		if d.Type == "edit" {
			if d.EditedAction == nil {
				return fmt.Errorf("%w: edit decision missing edited_action", ErrInvalidResponse)
			}
			if err := validateEditedArgs(d.EditedAction, schemas); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
			}
		}
	}
	return nil
}

func validateEditedArgs(call *ToolCall, schemas ToolSchemas) error {
	schema, ok := schemas[call.Name]
	if !ok || schema == nil {
		return nil // no schema registered for this tool: nothing to check
	}
	raw, err := json.Marshal(call.Args)
	if err != nil {
		return fmt.Errorf("marshal edited args: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unmarshal edited args: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("edited args failed schema validation: %w", err)
	}
	return nil
}

// Apply resolves one approved/edited/rejected tool call against its
// decision, returning the tool call to actually execute (nil for reject)
// and, for reject, the synthetic tool-error message to append so the
// agent observes the rejection and continues.
func Apply(original ToolCall, d Decision) (call *ToolCall, rejectionMessage string) {
	switch d.Type {
	case "approve":
		return &original, ""
	case "edit":
		return d.EditedAction, ""
	case "reject":
		msg := d.Message
		if msg == "" {
			msg = "User rejected this action."
		}
		return nil, msg
	default:
		return nil, "invalid decision"
	}
}

// compile is a small helper future tool registries can use to build a
// ToolSchemas map from raw JSON Schema documents.
func compile(name string, schemaJSON []byte) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name+".json", strings.NewReader(string(schemaJSON))); err != nil {
		return nil, err
	}
	return c.Compile(name + ".json")
}

// CompileSchemas builds a ToolSchemas map from raw JSON Schema documents
// keyed by tool name.
func CompileSchemas(raw map[string][]byte) (ToolSchemas, error) {
	out := make(ToolSchemas, len(raw))
	for name, doc := range raw {
		s, err := compile(name, doc)
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", name, err)
		}
		out[name] = s
	}
	return out, nil
}
