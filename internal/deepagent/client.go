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

// Package deepagent is the concrete agentrt.Backend: an OpenAI-compatible
// chat-completions client driving the tool-calling loop against a
// per-session sandbox backend, with destructive-call HITL interception.
package deepagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/amicable/orchestrator/internal/httpclient"
)

// ClientConfig configures the chat-completions endpoint.
type ClientConfig struct {
	BaseURL     string // e.g. "https://api.openai.com/v1"
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	return c
}

// wireMessage is the OpenAI chat-completions message shape.
type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type wireToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function wireToolCallFunc `json:"function"`
}

type wireToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON-encoded object, per OpenAI wire format
}

type wireTool struct {
	Type     string           `json:"type"`
	Function wireToolFunction `json:"function"`
}

type wireToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	ToolChoice  string        `json:"tool_choice,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// client is the thin HTTP wrapper around the chat-completions endpoint,
// mirroring the teacher's LLM provider pattern of a retrying httpclient.Client
// plus hand-rolled request/response JSON (see internal/sandbox for the same
// httpclient.Client usage on the sandbox runtime API).
type client struct {
	cfg  ClientConfig
	http *httpclient.Client
}

func newClient(cfg ClientConfig) *client {
	return &client{
		cfg:  cfg.withDefaults(),
		http: httpclient.New(httpclient.WithMaxRetries(2)),
	}
}

func (c *client) complete(ctx context.Context, messages []wireMessage, tools []wireTool) (wireMessage, string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Tools:       tools,
		ToolChoice:  "auto",
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return wireMessage{}, "", fmt.Errorf("deepagent: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return wireMessage{}, "", fmt.Errorf("deepagent: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(c.cfg.APIKey))

	resp, err := c.http.Do(req)
	if err != nil {
		return wireMessage{}, "", fmt.Errorf("deepagent: chat completion request: %w", err)
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return wireMessage{}, "", fmt.Errorf("deepagent: decode response: %w", err)
	}
	if out.Error != nil {
		return wireMessage{}, "", fmt.Errorf("deepagent: provider error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return wireMessage{}, "", fmt.Errorf("deepagent: empty choices in response")
	}
	return out.Choices[0].Message, out.Choices[0].FinishReason, nil
}
