package controller

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amicable/orchestrator/internal/agentrt"
	"github.com/amicable/orchestrator/internal/checkpoint"
	"github.com/amicable/orchestrator/internal/qa"
	"github.com/amicable/orchestrator/internal/sandbox"
)

type fakeAgent struct {
	invocations int
	interrupt   *Interrupt
}

func (f *fakeAgent) Invoke(_ context.Context, _ string, messages []agentrt.Message) (AgentResult, error) {
	f.invocations++
	if f.interrupt != nil && f.invocations == 1 {
		return AgentResult{Interrupt: f.interrupt}, nil
	}
	out := append(append([]agentrt.Message{}, messages...), agentrt.Message{Role: "assistant", Content: "done editing"})
	return AgentResult{Messages: out}, nil
}

type fakeGitSync struct {
	calls  int
	pushed bool
	err    error
}

func (f *fakeGitSync) Push(_ context.Context, _ PushRequest) (PushResult, error) {
	f.calls++
	if f.err != nil {
		return PushResult{}, f.err
	}
	return PushResult{Pushed: f.pushed}, nil
}

type scriptedQABackend struct {
	results []sandbox.ExecResult
	idx     int
}

func (b *scriptedQABackend) Execute(_ context.Context, _ string) (sandbox.ExecResult, error) {
	r := b.results[b.idx]
	if b.idx < len(b.results)-1 {
		b.idx++
	}
	return r, nil
}

func baseDeps(t *testing.T, backend qa.Backend) Deps {
	store := checkpoint.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	return Deps{
		Checkpoints: store,
		QABackend:   backend,
		QARegistry:  qa.DefaultRegistry(),
		QAConfig:    qa.Config{Enabled: true, RunTests: true, TimeoutS: 5 * time.Second, MaxOutputChars: 2000},
		Manifest: func(context.Context) ([]qa.ManifestEntry, error) {
			return []qa.ManifestEntry{{Path: "/app/package.json", Content: `{"scripts":{"lint":"eslint ."}}`}}, nil
		},
	}
}

func TestRunHappyPathReachesGitSyncOnFirstPass(t *testing.T) {
	agent := &fakeAgent{}
	git := &fakeGitSync{pushed: true}
	deps := baseDeps(t, &scriptedQABackend{results: []sandbox.ExecResult{{ExitCode: 0}}})
	deps.Agent = agent
	deps.GitSync = git

	out, err := Run(t.Context(), deps, State{ThreadID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, PhaseDone, out.Phase)
	assert.Equal(t, StatusSuccess, out.State.FinalStatus)
	assert.True(t, out.State.GitPushed)
	assert.Equal(t, 1, agent.invocations)
	assert.Equal(t, 1, git.calls)
}

func TestRunHealsOnFixableFailureThenPasses(t *testing.T) {
	agent := &fakeAgent{}
	git := &fakeGitSync{pushed: true}
	deps := baseDeps(t, &scriptedQABackend{results: []sandbox.ExecResult{
		{ExitCode: 1, Stderr: "lint error: missing semicolon"},
		{ExitCode: 0},
	}})
	deps.Agent = agent
	deps.GitSync = git

	out, err := Run(t.Context(), deps, State{ThreadID: "t2", MaxRounds: 3})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, out.State.FinalStatus)
	assert.Equal(t, 1, out.State.Attempt)
	assert.Equal(t, 2, agent.invocations, "one initial edit plus one post-heal edit")

	var sawHealMessage bool
	for _, m := range out.State.Messages {
		if m.Role == "user" && m.Content != "" {
			sawHealMessage = true
		}
	}
	assert.True(t, sawHealMessage)
}

func TestRunGivesUpAfterMaxRoundsOnFixableFailure(t *testing.T) {
	agent := &fakeAgent{}
	git := &fakeGitSync{pushed: true}
	results := make([]sandbox.ExecResult, 0)
	for i := 0; i < 10; i++ {
		results = append(results, sandbox.ExecResult{ExitCode: 1, Stderr: "lint error: still broken"})
	}
	deps := baseDeps(t, &scriptedQABackend{results: results})
	deps.Agent = agent
	deps.GitSync = git

	out, err := Run(t.Context(), deps, State{ThreadID: "t3", MaxRounds: 2})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.State.FinalStatus)
	assert.Equal(t, 2, out.State.Attempt)
	assert.True(t, out.State.GitPushed, "git sync still runs after a qa_fail_summary")

	var sawFailSummary bool
	for _, m := range out.State.Messages {
		if m.Role == "assistant" && len(m.Content) > 0 {
			sawFailSummary = true
		}
	}
	assert.True(t, sawFailSummary)
}

func TestRunRoutesToFailSummaryImmediatelyOnEnvironmentalFailure(t *testing.T) {
	agent := &fakeAgent{}
	git := &fakeGitSync{pushed: true}
	deps := baseDeps(t, &scriptedQABackend{results: []sandbox.ExecResult{
		{ExitCode: 127, Stderr: "sh: npm: command not found"},
	}})
	deps.Agent = agent
	deps.GitSync = git

	out, err := Run(t.Context(), deps, State{ThreadID: "t4", MaxRounds: 3})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.State.FinalStatus)
	assert.Equal(t, 0, out.State.Attempt, "environmental failures never trigger self-heal")
	assert.Equal(t, 1, agent.invocations)
}

func TestRunSuspendsOnHITLInterrupt(t *testing.T) {
	interrupt := &Interrupt{ID: "int-1", ActionRequests: []ActionRequestView{{Name: "execute", Description: "rm -rf /tmp/x"}}}
	agent := &fakeAgent{interrupt: interrupt}
	deps := baseDeps(t, &scriptedQABackend{results: []sandbox.ExecResult{{ExitCode: 0}}})
	deps.Agent = agent

	out, err := Run(t.Context(), deps, State{ThreadID: "t5"})
	require.NoError(t, err)
	assert.Equal(t, PhaseAwaitApproval, out.Phase)
	require.NotNil(t, out.Interrupt)
	assert.Equal(t, "int-1", out.Interrupt.ID)
}

func TestRunSafetyNetGitSyncsOnAgentException(t *testing.T) {
	failingAgent := agentRunnerFunc(func(context.Context, string, []agentrt.Message) (AgentResult, error) {
		return AgentResult{}, fmt.Errorf("boom")
	})
	git := &fakeGitSync{pushed: true}
	deps := baseDeps(t, &scriptedQABackend{results: []sandbox.ExecResult{{ExitCode: 0}}})
	deps.Agent = failingAgent
	deps.GitSync = git

	out, err := Run(t.Context(), deps, State{ThreadID: "t6"})
	require.Error(t, err)
	assert.True(t, out.State.ControllerFailed)
	assert.Equal(t, StatusFailed, out.State.FinalStatus)
	assert.Equal(t, 1, git.calls, "safety-net git sync must still run")
}

func TestRunDisabledQAAlwaysPasses(t *testing.T) {
	agent := &fakeAgent{}
	git := &fakeGitSync{pushed: true}
	deps := baseDeps(t, &scriptedQABackend{})
	deps.QAConfig = qa.Config{Enabled: false}
	deps.Agent = agent
	deps.GitSync = git

	out, err := Run(t.Context(), deps, State{ThreadID: "t7"})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, out.State.FinalStatus)
	assert.True(t, out.State.QAPassed)
}

type agentRunnerFunc func(context.Context, string, []agentrt.Message) (AgentResult, error)

func (f agentRunnerFunc) Invoke(ctx context.Context, threadID string, messages []agentrt.Message) (AgentResult, error) {
	return f(ctx, threadID, messages)
}
