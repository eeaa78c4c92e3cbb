package agentrt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapperTokenStreamDebounces(t *testing.T) {
	m := NewMapper(50*time.Millisecond, nil)

	first := m.Map(UpstreamEvent{Type: UpstreamTokenStream, Delta: "hel"})
	require.Len(t, first, 1)
	assert.Equal(t, "hel", first[0].Text)

	immediate := m.Map(UpstreamEvent{Type: UpstreamTokenStream, Delta: "lo"})
	assert.Empty(t, immediate, "second delta within the debounce window must not emit")

	time.Sleep(60 * time.Millisecond)
	later := m.Map(UpstreamEvent{Type: UpstreamTokenStream, Delta: "!"})
	require.Len(t, later, 1)
	assert.Equal(t, "hello!", later[0].Text, "buffer accumulates every delta even when not emitted")
}

func TestMapperToolStartEmitsTraceAndUpdateFile(t *testing.T) {
	m := NewMapper(time.Millisecond, func() string { return "trace-1" })
	frames := m.Map(UpstreamEvent{
		Type:      UpstreamToolStart,
		ToolName:  "execute",
		ToolInput: map[string]any{"command": "npm test"},
	})
	require.Len(t, frames, 2)
	assert.Equal(t, DownTraceEvent, frames[0].Type)
	assert.Equal(t, "tool_start", frames[0].Trace.Phase)
	assert.Equal(t, "trace-1", frames[0].Trace.TraceID)
	assert.Equal(t, DownUpdateFile, frames[1].Type)
	assert.Equal(t, "Running npm test", frames[1].Label)
}

func TestMapperToolStartForNonFileToolOnlyTraces(t *testing.T) {
	m := NewMapper(time.Millisecond, nil)
	frames := m.Map(UpstreamEvent{Type: UpstreamToolStart, ToolName: "grep", ToolInput: map[string]any{}})
	require.Len(t, frames, 1)
	assert.Equal(t, DownTraceEvent, frames[0].Type)
}

func TestMapperRedactsSecretsInTrace(t *testing.T) {
	m := NewMapper(time.Millisecond, nil)
	frames := m.Map(UpstreamEvent{
		Type:      UpstreamToolEnd,
		ToolName:  "execute",
		ToolInput: map[string]any{"command": "curl"},
		ToolOutput: map[string]any{
			"token":  "sk-abcdefghijklmnopqrstuvwxyz0123456789",
			"stdout": "ok",
		},
	})
	require.Len(t, frames, 1)
	out, ok := frames[0].Trace.Output.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "[REDACTED]", out["token"])
	assert.Equal(t, "ok", out["stdout"])
}

func TestMapperInterruptBreaksPipeline(t *testing.T) {
	m := NewMapper(time.Millisecond, nil)
	frames := m.Map(UpstreamEvent{
		Type:      UpstreamChainStream,
		Interrupt: &InterruptPayload{InterruptID: "int-1"},
	})
	require.True(t, m.Interrupted())
	require.Len(t, frames, 2)
	assert.Equal(t, DownHITLRequest, frames[0].Type)
	assert.Equal(t, DownAgentFinal, frames[1].Type)
	assert.Equal(t, "Awaiting approval…", frames[1].Text)
}

func TestMapperFinishFallsBackToChainEndMessage(t *testing.T) {
	m := NewMapper(time.Millisecond, nil)
	m.Map(UpstreamEvent{Type: UpstreamChainEnd, FinalOutput: &Message{Role: "assistant", Content: "final answer"}})

	frame := m.Finish()
	assert.Equal(t, "final answer", frame.Text)
	assert.Equal(t, "final answer", m.FinalText())
}

func TestMapperFinishPrefersStreamedBufferOverChainEnd(t *testing.T) {
	m := NewMapper(time.Millisecond, nil)
	m.Map(UpstreamEvent{Type: UpstreamTokenStream, Delta: "streamed"})
	m.Map(UpstreamEvent{Type: UpstreamChainEnd, FinalOutput: &Message{Role: "assistant", Content: "different"}})

	assert.Equal(t, "streamed", m.FinalText())
}
