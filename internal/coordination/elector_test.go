package coordination

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNopElectorRunsFnUnconditionally(t *testing.T) {
	var ran bool
	err := (NopElector{}).RunExclusive(t.Context(), "recover-startup", func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestNewDefaultsToNopElector(t *testing.T) {
	e, err := New("", nil, nil)
	require.NoError(t, err)
	_, ok := e.(NopElector)
	assert.True(t, ok)

	e, err = New("none", nil, nil)
	require.NoError(t, err)
	_, ok = e.(NopElector)
	assert.True(t, ok)
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	_, err := New("zookeeper", nil, nil)
	require.Error(t, err)
}

func TestNewEtcdElectorConstructsWithoutDialing(t *testing.T) {
	// clientv3.New only validates config and starts background dialing;
	// it does not block on reachability, so this exercises construction
	// without requiring a live etcd cluster in the test environment.
	e, err := New("etcd", []string{"127.0.0.1:2379"}, nil)
	require.NoError(t, err)
	require.NoError(t, e.Close())
}
