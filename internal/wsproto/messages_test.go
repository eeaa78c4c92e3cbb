package wsproto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTripsUserPayload(t *testing.T) {
	raw := `{"type":"USER","payload":{"text":"add a login page"}}`
	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))
	assert.Equal(t, InboundUser, env.Type)

	var payload UserPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "add a login page", payload.Text)
}

func TestEnvelopeRoundTripsHITLResponse(t *testing.T) {
	raw := `{
		"type": "HITL_RESPONSE",
		"payload": {
			"interrupt_id": "int-1",
			"decisions": [{"type": "reject", "message": "too risky"}]
		}
	}`
	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))
	assert.Equal(t, InboundHITLResponse, env.Type)

	var payload HITLResponsePayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "int-1", payload.InterruptID)
	require.Len(t, payload.Decisions, 1)
	assert.Equal(t, "reject", payload.Decisions[0].Type)
	assert.Nil(t, payload.Decisions[0].EditedAction)
}

func TestOutFrameMarshalsTraceEvent(t *testing.T) {
	frame := OutFrame{
		Type: OutTraceEvent,
		Data: TraceData{Phase: "tool_start", ToolName: "execute", TraceID: "t-1"},
	}
	out, err := json.Marshal(frame)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"TRACE_EVENT","data":{"phase":"tool_start","tool_name":"execute","trace_id":"t-1"}}`, string(out))
}
