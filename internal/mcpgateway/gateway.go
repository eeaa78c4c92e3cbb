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

// Package mcpgateway exposes a read-only subset of a session's sandbox
// tools (read_file, grep, glob, manifest — execute is intentionally never
// published here) over the Model Context Protocol, so external MCP-aware
// clients can inspect a session without going through the WebSocket
// protocol. Every call still passes through the same Policy Wrapper used
// by the agent's own tool surface, so it lands in the Tool Journal like
// any other sandbox access.
package mcpgateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/amicable/orchestrator/internal/sandbox"
)

// Backend is the read-only sandbox surface a gateway call may use. The
// policy wrapper satisfies this directly, so a *policy.Wrapper is the
// expected concrete type a Resolver hands back.
type Backend interface {
	Manifest(ctx context.Context, dir string) ([]sandbox.ManifestEntry, error)
	Read(ctx context.Context, filePath string, offset, limit int) (string, error)
	GrepRaw(ctx context.Context, pattern, scopePath, glob string) (string, error)
	GlobInfo(ctx context.Context, pattern, scopePath string) (string, error)
}

// Resolver looks up the policy-wrapped backend for a session_id, lazily
// provisioning it the same way the agent runtime's own tool calls do.
type Resolver func(ctx context.Context, sessionID string) (Backend, error)

// Gateway publishes the read-only tool subset as a single MCP server; every
// tool call takes a session_id argument since one gateway instance serves
// every session rather than one-per-connection.
type Gateway struct {
	Resolve Resolver
	Logger  *slog.Logger

	mcpServer *server.MCPServer
}

func (g *Gateway) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

// Routes mounts the streamable-HTTP MCP endpoint onto a chi router.
func (g *Gateway) Routes() chi.Router {
	g.mcpServer = server.NewMCPServer("orchestrator-sandbox-gateway", "1.0.0",
		server.WithToolCapabilities(false))

	g.mcpServer.AddTool(mcp.NewTool("read_file",
		mcp.WithDescription("Read a byte range of a file in a session's sandbox"),
		mcp.WithString("session_id", mcp.Required()),
		mcp.WithString("path", mcp.Required()),
		mcp.WithNumber("offset", mcp.DefaultNumber(0)),
		mcp.WithNumber("limit", mcp.DefaultNumber(2000)),
	), g.handleReadFile)

	g.mcpServer.AddTool(mcp.NewTool("grep",
		mcp.WithDescription("Search file contents in a session's sandbox"),
		mcp.WithString("session_id", mcp.Required()),
		mcp.WithString("pattern", mcp.Required()),
		mcp.WithString("path"),
		mcp.WithString("glob"),
	), g.handleGrep)

	g.mcpServer.AddTool(mcp.NewTool("glob",
		mcp.WithDescription("List files in a session's sandbox matching a glob pattern"),
		mcp.WithString("session_id", mcp.Required()),
		mcp.WithString("pattern", mcp.Required()),
		mcp.WithString("path"),
	), g.handleGlob)

	g.mcpServer.AddTool(mcp.NewTool("manifest",
		mcp.WithDescription("List every file, directory, and symlink under a directory in a session's sandbox"),
		mcp.WithString("session_id", mcp.Required()),
		mcp.WithString("dir", mcp.DefaultString("/")),
	), g.handleManifest)

	httpServer := server.NewStreamableHTTPServer(g.mcpServer)

	r := chi.NewRouter()
	r.Handle("/mcp", httpServer)
	r.Handle("/mcp/*", httpServer)
	return r
}

// argString/argInt extract a tool argument from the request's raw
// arguments map, the same way the teacher's own MCP client parses
// untyped JSON-RPC payloads rather than relying on SDK-generated
// accessors that may not exist on every mcp-go version.
func argString(args map[string]any, key, def string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return def
}

func argInt(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

func (g *Gateway) backend(ctx context.Context, args map[string]any) (Backend, error) {
	sessionID := argString(args, "session_id", "")
	if sessionID == "" {
		return nil, fmt.Errorf("missing required argument: session_id")
	}
	b, err := g.Resolve(ctx, sessionID)
	if err != nil {
		g.logger().Warn("mcp gateway: backend resolution failed", "session_id", sessionID, "error", err)
		return nil, fmt.Errorf("session %q: %w", sessionID, err)
	}
	return b, nil
}

func (g *Gateway) handleReadFile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.Params.Arguments.(map[string]any)
	b, err := g.backend(ctx, args)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	path := argString(args, "path", "")
	if path == "" {
		return mcp.NewToolResultError("missing required argument: path"), nil
	}
	offset := argInt(args, "offset", 0)
	limit := argInt(args, "limit", 2000)

	out, err := b.Read(ctx, path, offset, limit)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(out), nil
}

func (g *Gateway) handleGrep(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.Params.Arguments.(map[string]any)
	b, err := g.backend(ctx, args)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	pattern := argString(args, "pattern", "")
	if pattern == "" {
		return mcp.NewToolResultError("missing required argument: pattern"), nil
	}
	scopePath := argString(args, "path", "")
	glob := argString(args, "glob", "")

	out, err := b.GrepRaw(ctx, pattern, scopePath, glob)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(out), nil
}

func (g *Gateway) handleGlob(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.Params.Arguments.(map[string]any)
	b, err := g.backend(ctx, args)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	pattern := argString(args, "pattern", "")
	if pattern == "" {
		return mcp.NewToolResultError("missing required argument: pattern"), nil
	}
	scopePath := argString(args, "path", "")

	out, err := b.GlobInfo(ctx, pattern, scopePath)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(out), nil
}

func (g *Gateway) handleManifest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.Params.Arguments.(map[string]any)
	b, err := g.backend(ctx, args)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	dir := argString(args, "dir", "/")

	entries, err := b.Manifest(ctx, dir)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("%s\t%s\t%d", e.Kind, e.Path, e.Size))
	}
	return mcp.NewToolResultText(joinLines(lines)), nil
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}
