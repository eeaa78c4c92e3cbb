package qa

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amicable/orchestrator/internal/sandbox"
)

type stepBackend struct {
	results []sandbox.ExecResult
	calls   []string
	idx     int
}

func (b *stepBackend) Execute(_ context.Context, cmd string) (sandbox.ExecResult, error) {
	b.calls = append(b.calls, cmd)
	r := b.results[b.idx]
	if b.idx < len(b.results)-1 {
		b.idx++
	}
	return r, nil
}

func TestRunStopsOnFirstFailure(t *testing.T) {
	backend := &stepBackend{results: []sandbox.ExecResult{
		{ExitCode: 0},
		{ExitCode: 1, Stderr: "lint failed"},
	}}
	manifest := []ManifestEntry{{Path: "/app/package.json", Content: `{"scripts":{"lint":"eslint .","test":"x","build":"y"}}`}}

	res := Run(t.Context(), backend, manifest, DefaultRegistry(), Config{
		Enabled: true, RunTests: true, TimeoutS: 5 * time.Second, MaxOutputChars: 1000,
	})
	require.False(t, res.Passed)
	require.NotNil(t, res.Failed)
	assert.Len(t, backend.calls, 2, "must stop after first non-zero exit")
}

func TestRunClassifiesEnvironmentalFailure(t *testing.T) {
	backend := &stepBackend{results: []sandbox.ExecResult{
		{ExitCode: 127, Stderr: "sh: npm: command not found"},
	}}
	manifest := []ManifestEntry{{Path: "/app/package.json", Content: `{"scripts":{"lint":"eslint ."}}`}}

	res := Run(t.Context(), backend, manifest, DefaultRegistry(), Config{
		Enabled: true, TimeoutS: 5 * time.Second, MaxOutputChars: 1000,
	})
	assert.True(t, res.Environmental)
	assert.Equal(t, "environmental", res.Classification)
}

func TestRunDisabledShortCircuits(t *testing.T) {
	res := Run(t.Context(), &stepBackend{}, nil, DefaultRegistry(), Config{Enabled: false})
	assert.True(t, res.Passed)
}

func TestRunCommandsCSVOverridesDetection(t *testing.T) {
	backend := &stepBackend{results: []sandbox.ExecResult{{ExitCode: 0}}}
	res := Run(t.Context(), backend, nil, DefaultRegistry(), Config{
		Enabled: true, CommandsCSV: "echo hi", TimeoutS: 5 * time.Second, MaxOutputChars: 100,
	})
	assert.True(t, res.Passed)
	assert.Contains(t, backend.calls[0], "echo hi")
}

func TestRunTestsFalseExcludesTestCommand(t *testing.T) {
	backend := &stepBackend{results: []sandbox.ExecResult{{ExitCode: 0}, {ExitCode: 0}}}
	manifest := []ManifestEntry{{Path: "/app/package.json", Content: `{"scripts":{"lint":"x","test":"y","build":"z"}}`}}

	res := Run(t.Context(), backend, manifest, DefaultRegistry(), Config{
		Enabled: true, RunTests: false, TimeoutS: 5 * time.Second, MaxOutputChars: 100,
	})
	require.True(t, res.Passed)
	for _, c := range backend.calls {
		assert.NotContains(t, c, "run -s test")
	}
}

func TestHealGateRespectsDedupeAndMaxAttempts(t *testing.T) {
	gate := NewHealGate(HealConfig{Enabled: true, CooldownS: 0, DedupeWindowS: time.Minute, MaxAttemptsPerFingerprint: 2})
	now := time.Unix(1000, 0)

	d := gate.Allow("fp1", now)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Attempts)
	gate.Record("fp1", now)

	d = gate.Allow("fp1", now.Add(time.Second))
	assert.False(t, d.Allowed, "within dedupe window")
	assert.Equal(t, HealReasonDedupe, d.Reason)

	later := now.Add(2 * time.Minute)
	d = gate.Allow("fp1", later)
	assert.True(t, d.Allowed)
	gate.Record("fp1", later)

	evenLater := later.Add(2 * time.Minute)
	d = gate.Allow("fp1", evenLater)
	assert.False(t, d.Allowed, "max attempts reached")
	assert.Equal(t, HealReasonMaxAttempts, d.Reason)
}

func TestHealGateDisabledNeverAllows(t *testing.T) {
	gate := NewHealGate(HealConfig{Enabled: false})
	d := gate.Allow("fp1", time.Now())
	assert.False(t, d.Allowed)
	assert.Equal(t, HealReasonDisabled, d.Reason)
}

func TestHealGateMissingFingerprintNeverAllows(t *testing.T) {
	gate := NewHealGate(HealConfig{Enabled: true, MaxAttemptsPerFingerprint: 2})
	d := gate.Allow("   ", time.Now())
	assert.False(t, d.Allowed)
	assert.Equal(t, HealReasonMissingFingerprint, d.Reason)
	assert.Equal(t, 0, d.Attempts)
}
