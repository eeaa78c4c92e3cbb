package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecordAndScrape(t *testing.T) {
	m := New()
	m.IncSessionsActive()
	m.RecordSessionCreated()
	m.RecordRunStarted()
	m.RecordRunCompleted("completed", 2*time.Second)
	m.RecordQAResult("lint", true, 500*time.Millisecond)
	m.RecordHITLRaised("execute")
	m.RecordHITLResolved("execute", "approve")
	m.RecordGitPush("success")
	m.RecordGitConflict()
	m.RecordSandboxExec(100*time.Millisecond, 0)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "orchestrator_session_active 1")
	assert.Contains(t, body, `orchestrator_controller_runs_started_total 1`)
	assert.Contains(t, body, `orchestrator_qa_results_total{classification="lint",passed="true"} 1`)
	assert.Contains(t, body, `orchestrator_hitl_interrupts_resolved_total{action_name="execute",decision="approve"} 1`)
	assert.Contains(t, body, `orchestrator_git_conflicts_total 1`)
}

func TestNopRecorderHandlerReturnsServiceUnavailable(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	NopRecorder{}.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "not enabled"))
}

func TestInitTracerNoopWithoutEndpoint(t *testing.T) {
	shutdown, err := InitTracer(t.Context(), "", "orchestrator")
	require.NoError(t, err)
	require.NoError(t, shutdown(t.Context()))
}
