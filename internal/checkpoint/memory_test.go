package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorePutGetLatestWins(t *testing.T) {
	s := NewMemoryStore()
	ctx := t.Context()

	require.NoError(t, s.Put(ctx, Write{ThreadID: "t1", Namespace: "controller", StepID: "1", Channel: "messages", ValueJSON: []byte(`"a"`)}))
	require.NoError(t, s.Put(ctx, Write{ThreadID: "t1", Namespace: "controller", StepID: "1", Channel: "messages", ValueJSON: []byte(`"b"`)}))

	w, ok, err := s.Get(ctx, "t1", "controller", "messages")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `"b"`, string(w.ValueJSON), "second Put for the same step/channel must overwrite")
}

func TestMemoryStoreNamespaceIsolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := t.Context()

	require.NoError(t, s.Put(ctx, Write{ThreadID: "t1", Namespace: "controller", StepID: "1", Channel: "x", ValueJSON: []byte("1")}))
	require.NoError(t, s.Put(ctx, Write{ThreadID: "t1", Namespace: "deep_agent", StepID: "1", Channel: "x", ValueJSON: []byte("2")}))

	cw, _, _ := s.Get(ctx, "t1", "controller", "x")
	dw, _, _ := s.Get(ctx, "t1", "deep_agent", "x")
	assert.Equal(t, "1", string(cw.ValueJSON))
	assert.Equal(t, "2", string(dw.ValueJSON))
}

func TestMemoryStoreListWritesOrdered(t *testing.T) {
	s := NewMemoryStore()
	ctx := t.Context()

	require.NoError(t, s.Put(ctx, Write{ThreadID: "t1", Namespace: "controller", StepID: "2", Channel: "x", ValueJSON: []byte("b")}))
	require.NoError(t, s.Put(ctx, Write{ThreadID: "t1", Namespace: "controller", StepID: "1", Channel: "y", ValueJSON: []byte("a")}))

	writes, err := s.ListWrites(ctx, "t1", "controller")
	require.NoError(t, err)
	require.Len(t, writes, 2)
	assert.Equal(t, "1", writes[0].StepID)
	assert.Equal(t, "2", writes[1].StepID)
}

func TestMemoryStoreDelete(t *testing.T) {
	s := NewMemoryStore()
	ctx := t.Context()

	require.NoError(t, s.Put(ctx, Write{ThreadID: "t1", Namespace: "controller", StepID: "1", Channel: "x", ValueJSON: []byte("a")}))
	require.NoError(t, s.Delete(ctx, "t1"))

	_, ok, err := s.Get(ctx, "t1", "controller", "x")
	require.NoError(t, err)
	assert.False(t, ok)
}
