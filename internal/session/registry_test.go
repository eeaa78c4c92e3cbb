package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateIdempotent(t *testing.T) {
	r := NewRegistry()
	s1, created1 := r.GetOrCreate(CreateRequest{SessionID: "sess-A", UserSub: "u1"})
	assert.True(t, created1)

	s2, created2 := r.GetOrCreate(CreateRequest{SessionID: "sess-A", UserSub: "ignored"})
	assert.False(t, created2)
	assert.Same(t, s1, s2)
	assert.Equal(t, "u1", s2.UserSub(), "second create must not overwrite the existing session")
}

func TestGetNotFound(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPendingHITLLifecycle(t *testing.T) {
	r := NewRegistry()
	s, _ := r.GetOrCreate(CreateRequest{SessionID: "sess-B"})

	assert.Nil(t, s.PendingHITLRequest())

	p := &PendingHITL{InterruptID: "int-1"}
	s.SetPendingHITL(p)
	require.NotNil(t, s.PendingHITLRequest())
	assert.Equal(t, "int-1", s.PendingHITLRequest().InterruptID)

	s.ClearPendingHITL()
	assert.Nil(t, s.PendingHITLRequest())
}

func TestHistoryCap(t *testing.T) {
	r := NewRegistry()
	s, _ := r.GetOrCreate(CreateRequest{SessionID: "sess-C"})
	for i := 0; i < 5; i++ {
		s.AppendHistory("user", "msg")
	}
	assert.Len(t, s.History(0), 5)
	assert.Len(t, s.History(2), 2)
}

func TestDeleteRemovesSessionAndLock(t *testing.T) {
	r := NewRegistry()
	r.GetOrCreate(CreateRequest{SessionID: "sess-D"})
	r.Delete("sess-D")
	_, err := r.Get("sess-D")
	assert.ErrorIs(t, err, ErrNotFound)
}
