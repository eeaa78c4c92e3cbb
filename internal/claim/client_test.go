package claim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

func TestClaimNameDeterministicAndValid(t *testing.T) {
	n1 := ClaimName("sbx", "session-123")
	n2 := ClaimName("sbx", "session-123")
	assert.Equal(t, n1, n2, "claim name must be a pure function of session_id")
	assert.Regexp(t, `^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`, n1)
	assert.True(t, len(n1) <= 63)
}

func TestClaimNameDiffersPerSession(t *testing.T) {
	a := ClaimName("sbx", "session-a")
	b := ClaimName("sbx", "session-b")
	assert.NotEqual(t, a, b)
}

func TestClaimNameFallsBackForInvalidPrefix(t *testing.T) {
	n := ClaimName("Invalid_Prefix!", "session-x")
	assert.Regexp(t, `^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`, n)
}

func TestIsReady(t *testing.T) {
	ready := map[string]interface{}{
		"status": map[string]interface{}{
			"conditions": []interface{}{
				map[string]interface{}{"type": "Ready", "status": "True"},
			},
		},
	}
	notReady := map[string]interface{}{
		"status": map[string]interface{}{
			"conditions": []interface{}{
				map[string]interface{}{"type": "Ready", "status": "False"},
			},
		},
	}
	missing := map[string]interface{}{"status": map[string]interface{}{}}

	assert.True(t, isReady(&unstructured.Unstructured{Object: ready}))
	assert.False(t, isReady(&unstructured.Unstructured{Object: notReady}))
	assert.False(t, isReady(&unstructured.Unstructured{Object: missing}))
}
