package mcpgateway

import (
	"context"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amicable/orchestrator/internal/sandbox"
)

type fakeBackend struct {
	manifest []sandbox.ManifestEntry
	readOut  string
	grepOut  string
	globOut  string
	err      error
}

func (f *fakeBackend) Manifest(context.Context, string) ([]sandbox.ManifestEntry, error) {
	return f.manifest, f.err
}

func (f *fakeBackend) Read(context.Context, string, int, int) (string, error) {
	return f.readOut, f.err
}

func (f *fakeBackend) GrepRaw(context.Context, string, string, string) (string, error) {
	return f.grepOut, f.err
}

func (f *fakeBackend) GlobInfo(context.Context, string, string) (string, error) {
	return f.globOut, f.err
}

func callRequest(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, res.Content, 1)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content")
	return tc.Text
}

func TestHandleReadFileResolvesSessionAndReturnsContent(t *testing.T) {
	backend := &fakeBackend{readOut: "package main\n"}
	g := &Gateway{Resolve: func(ctx context.Context, sessionID string) (Backend, error) {
		assert.Equal(t, "sess-1", sessionID)
		return backend, nil
	}}

	res, err := g.handleReadFile(t.Context(), callRequest(map[string]any{
		"session_id": "sess-1",
		"path":       "/src/main.go",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Equal(t, "package main\n", textOf(t, res))
}

func TestHandleReadFileSurfacesResolverError(t *testing.T) {
	g := &Gateway{Resolve: func(ctx context.Context, sessionID string) (Backend, error) {
		return nil, errors.New("sandbox not ready")
	}}

	res, err := g.handleReadFile(t.Context(), callRequest(map[string]any{
		"session_id": "sess-missing",
		"path":       "/src/main.go",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestHandleGrepForwardsPatternAndScope(t *testing.T) {
	backend := &fakeBackend{grepOut: "src/app.go:3:func main()"}
	g := &Gateway{Resolve: func(context.Context, string) (Backend, error) { return backend, nil }}

	res, err := g.handleGrep(t.Context(), callRequest(map[string]any{
		"session_id": "sess-1",
		"pattern":    "func main",
		"path":       "/src",
	}))
	require.NoError(t, err)
	assert.Equal(t, "src/app.go:3:func main()", textOf(t, res))
}

func TestHandleManifestFormatsEntries(t *testing.T) {
	backend := &fakeBackend{manifest: []sandbox.ManifestEntry{
		{Path: "src/app.go", Kind: "file", Size: 120},
		{Path: "src", Kind: "dir", Size: 0},
	}}
	g := &Gateway{Resolve: func(context.Context, string) (Backend, error) { return backend, nil }}

	res, err := g.handleManifest(t.Context(), callRequest(map[string]any{
		"session_id": "sess-1",
		"dir":        "/",
	}))
	require.NoError(t, err)
	out := textOf(t, res)
	assert.Contains(t, out, "file\tsrc/app.go\t120")
	assert.Contains(t, out, "dir\tsrc\t0")
}

func TestRoutesMountsMCPEndpoint(t *testing.T) {
	g := &Gateway{Resolve: func(context.Context, string) (Backend, error) { return &fakeBackend{}, nil }}
	router := g.Routes()
	require.NotNil(t, router)
	require.NotNil(t, g.mcpServer)
}
