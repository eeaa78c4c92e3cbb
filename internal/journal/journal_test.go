package journal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amicable/orchestrator/internal/policy"
)

func TestAuditFuncAppendsPerThread(t *testing.T) {
	j := New()
	fn := j.AuditFunc("session-a")
	fn(policy.AuditEntry{Op: "execute", Target: "npm run build", Allowed: true})
	fn(policy.AuditEntry{Op: "execute", Target: "rm -rf /", Allowed: false, Reason: "policy denied"})

	notes := j.Drain("session-a")
	assert.Contains(t, notes, "execute npm run build (ok)")
	assert.Contains(t, notes, "execute rm -rf / (denied: policy denied)")
}

func TestDrainIsOneShot(t *testing.T) {
	j := New()
	j.Append("s1", Entry{Op: "read_file", Target: "/a.ts", Allowed: true})
	first := j.Drain("s1")
	require.NotEmpty(t, first)
	require.Empty(t, j.Drain("s1"))
}

func TestDrainEmptyThreadReturnsEmptyString(t *testing.T) {
	j := New()
	assert.Equal(t, "", j.Drain("never-touched"))
}

func TestClearDiscardsWithoutDraining(t *testing.T) {
	j := New()
	j.Append("s1", Entry{Op: "execute", Target: "true", Allowed: true})
	j.Clear("s1")
	assert.Equal(t, "", j.Drain("s1"))
}
