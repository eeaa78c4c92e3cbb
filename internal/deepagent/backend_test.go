package deepagent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amicable/orchestrator/internal/agentrt"
	"github.com/amicable/orchestrator/internal/hitl"
	"github.com/amicable/orchestrator/internal/policy"
	"github.com/amicable/orchestrator/internal/sandbox"
)

// scriptedLLM serves fixed chat-completion responses in order, one per call.
func scriptedLLM(t *testing.T, replies ...chatResponse) *httptest.Server {
	t.Helper()
	i := 0
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Less(t, i, len(replies), "unexpected extra LLM call")
		resp := replies[i]
		i++
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func toolCallResponse(name string, args map[string]any) chatResponse {
	raw, _ := json.Marshal(args)
	return chatResponse{Choices: []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	}{
		{
			Message: wireMessage{
				Role: "assistant",
				ToolCalls: []wireToolCall{{
					ID:   "call_1",
					Type: "function",
					Function: wireToolCallFunc{
						Name:      name,
						Arguments: string(raw),
					},
				}},
			},
			FinishReason: "tool_calls",
		},
	}}
}

func finalResponse(text string) chatResponse {
	return chatResponse{Choices: []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	}{
		{Message: wireMessage{Role: "assistant", Content: text}, FinishReason: "stop"},
	}}
}

type fakeExecutor struct {
	executed []string
}

func (f *fakeExecutor) Execute(_ context.Context, cmd string) (sandbox.ExecResult, error) {
	f.executed = append(f.executed, cmd)
	return sandbox.ExecResult{Stdout: "ok", ExitCode: 0}, nil
}
func (f *fakeExecutor) UploadFiles(context.Context, map[string][]byte) error { return nil }
func (f *fakeExecutor) Manifest(context.Context, string) ([]sandbox.ManifestEntry, error) {
	return nil, nil
}
func (f *fakeExecutor) Read(context.Context, string, int, int) (string, error) { return "", nil }
func (f *fakeExecutor) GrepRaw(context.Context, string, string, string) (string, error) {
	return "", nil
}
func (f *fakeExecutor) GlobInfo(context.Context, string, string) (string, error) { return "", nil }
func (f *fakeExecutor) DownloadFiles(context.Context, []string) ([]sandbox.DownloadResult, error) {
	return nil, nil
}

func drain(ch <-chan agentrt.UpstreamEvent) []agentrt.UpstreamEvent {
	var out []agentrt.UpstreamEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestStreamNonDestructiveToolCallRunsAndFinishes(t *testing.T) {
	srv := scriptedLLM(t, toolCallResponse("execute", map[string]any{"command": "npm test"}), finalResponse("tests passed"))
	defer srv.Close()

	exec := &fakeExecutor{}
	b := NewBackend(ClientConfig{BaseURL: srv.URL}, agentrt.CompactionConfig{}, func(context.Context, string) (policy.Backend, error) {
		return exec, nil
	}, func(string) string { return hitl.ModeDefault })

	events, err := b.Stream(context.Background(), "t1", []agentrt.Message{{Role: "user", Content: "run tests"}})
	require.NoError(t, err)

	all := drain(events)
	require.NotEmpty(t, all)
	assert.Equal(t, []string{"npm test"}, exec.executed)

	last := all[len(all)-1]
	assert.Equal(t, agentrt.UpstreamChainEnd, last.Type)
	require.NotNil(t, last.FinalOutput)
	assert.Equal(t, "tests passed", last.FinalOutput.Content)
}

func TestStreamDestructiveCallRaisesInterruptWithoutExecuting(t *testing.T) {
	srv := scriptedLLM(t, toolCallResponse("execute", map[string]any{"command": "rm -rf build"}))
	defer srv.Close()

	exec := &fakeExecutor{}
	b := NewBackend(ClientConfig{BaseURL: srv.URL}, agentrt.CompactionConfig{}, func(context.Context, string) (policy.Backend, error) {
		return exec, nil
	}, func(string) string { return hitl.ModeDefault })

	events, err := b.Stream(context.Background(), "t2", []agentrt.Message{{Role: "user", Content: "clean up"}})
	require.NoError(t, err)

	all := drain(events)
	require.Empty(t, exec.executed, "destructive command must not run before approval")

	var interrupted bool
	for _, ev := range all {
		if ev.Type == agentrt.UpstreamChainStream && ev.Interrupt != nil {
			interrupted = true
			payload, ok := ev.Interrupt.Value.(agentrt.HITLPayload)
			require.True(t, ok)
			require.Len(t, payload.ActionRequests, 1)
			assert.Equal(t, "execute", payload.ActionRequests[0].Name)
		}
	}
	assert.True(t, interrupted, "expected a chain_stream interrupt event")
}

func TestResolveApprovedCallThenResumeExecutesAndFinishes(t *testing.T) {
	srv := scriptedLLM(t,
		toolCallResponse("execute", map[string]any{"command": "rm -rf build"}),
		finalResponse("cleaned"),
	)
	defer srv.Close()

	exec := &fakeExecutor{}
	b := NewBackend(ClientConfig{BaseURL: srv.URL}, agentrt.CompactionConfig{}, func(context.Context, string) (policy.Backend, error) {
		return exec, nil
	}, func(string) string { return hitl.ModeDefault })

	events, err := b.Stream(context.Background(), "t3", []agentrt.Message{{Role: "user", Content: "clean up"}})
	require.NoError(t, err)
	drain(events)
	require.Empty(t, exec.executed)

	err = b.Resolve(context.Background(), "t3", []hitl.Decision{{Type: "approve"}})
	require.NoError(t, err)

	events2, err := b.Stream(context.Background(), "t3", []agentrt.Message{{Role: "user", Content: "clean up"}})
	require.NoError(t, err)
	all := drain(events2)

	assert.Equal(t, []string{"rm -rf build"}, exec.executed)
	last := all[len(all)-1]
	assert.Equal(t, agentrt.UpstreamChainEnd, last.Type)
	assert.Equal(t, "cleaned", last.FinalOutput.Content)
}

func TestResolveRejectedCallSkipsExecution(t *testing.T) {
	srv := scriptedLLM(t,
		toolCallResponse("db_drop_table", map[string]any{"table": "users"}),
		finalResponse("did not drop the table"),
	)
	defer srv.Close()

	exec := &fakeExecutor{}
	b := NewBackend(ClientConfig{BaseURL: srv.URL}, agentrt.CompactionConfig{}, func(context.Context, string) (policy.Backend, error) {
		return exec, nil
	}, func(string) string { return hitl.ModeDefault })

	events, err := b.Stream(context.Background(), "t4", nil)
	require.NoError(t, err)
	drain(events)

	err = b.Resolve(context.Background(), "t4", []hitl.Decision{{Type: "reject", Message: "no"}})
	require.NoError(t, err)

	events2, err := b.Stream(context.Background(), "t4", nil)
	require.NoError(t, err)
	drain(events2)

	assert.Empty(t, exec.executed)
}

func TestResolveWithoutPendingTurnErrors(t *testing.T) {
	b := NewBackend(ClientConfig{}, agentrt.CompactionConfig{}, func(context.Context, string) (policy.Backend, error) {
		return &fakeExecutor{}, nil
	}, func(string) string { return hitl.ModeDefault })

	err := b.Resolve(context.Background(), "never-started", []hitl.Decision{{Type: "approve"}})
	assert.Error(t, err)
}

// TestStreamCompactsLongHistoryBeforeInvokingLLM drives a >50-message
// history through the live Stream path and asserts compaction actually ran:
// one extra completion call summarizes the dropped turns, and the turn's
// own completion call sees only the system prompt, the compacted summary,
// and the retained tail rather than the full 60-message history.
func TestStreamCompactsLongHistoryBeforeInvokingLLM(t *testing.T) {
	var requests []chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		requests = append(requests, req)

		if len(req.Tools) == 0 {
			_ = json.NewEncoder(w).Encode(finalResponse("forty prior turns discussed, nothing outstanding"))
			return
		}
		_ = json.NewEncoder(w).Encode(finalResponse("done"))
	}))
	defer srv.Close()

	b := NewBackend(ClientConfig{BaseURL: srv.URL}, agentrt.CompactionConfig{}, func(context.Context, string) (policy.Backend, error) {
		return &fakeExecutor{}, nil
	}, func(string) string { return hitl.ModeDefault })

	history := make([]agentrt.Message, 60)
	for i := range history {
		history[i] = agentrt.Message{Role: "user", Content: "turn"}
	}

	events, err := b.Stream(context.Background(), "t5", history)
	require.NoError(t, err)
	all := drain(events)
	last := all[len(all)-1]
	assert.Equal(t, agentrt.UpstreamChainEnd, last.Type)
	assert.Equal(t, "done", last.FinalOutput.Content)

	require.Len(t, requests, 2, "expected one summarization call and one turn completion call")
	summarizeReq := requests[0]
	assert.Contains(t, summarizeReq.Messages[0].Content, "Summarize")

	turnReq := requests[1]
	require.Len(t, turnReq.Messages, 22, "system prompt + compacted summary + 20 retained turns")
	assert.Contains(t, turnReq.Messages[1].Content, "Compacted conversation context")
	assert.Contains(t, turnReq.Messages[1].Content, "forty prior turns discussed")
}

func TestToolSchemasRawCompilesWithHITL(t *testing.T) {
	schemas, err := hitl.CompileSchemas(ToolSchemasRaw())
	require.NoError(t, err)
	assert.Contains(t, schemas, "execute")
	assert.Contains(t, schemas, "db_drop_table")
}
