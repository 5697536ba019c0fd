// Package database provides test database helpers. Each test gets its own
// store backed by a throwaway temp directory so tests stay isolated and can
// run in parallel.
package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleettools/squawk/pkg/store"
)

// NewTestStore opens a migrated store in a per-test temp directory. The
// directory and the connection are cleaned up when the test ends.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(context.Background(), store.Config{
		DataRoot: t.TempDir(),
	})
	require.NoError(t, err)
	require.Equal(t, store.ModeFile, st.Mode)

	t.Cleanup(func() {
		_ = st.Close()
	})
	return st
}
