package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/agency-core/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	assert.NoError(t, st.Migrate(context.Background()))
}

func TestSQLite_DuplicateAttemptRejected(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	a := attempt("dup", "p1", model.OutcomeSuccess, base)
	require.NoError(t, st.AppendAttempt(ctx, a))
	err := st.AppendAttempt(ctx, a)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sqlite: append attempt dup")
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	require.NoError(t, st.AppendAttempt(ctx, attempt("a1", "p1", model.OutcomeSuccess, base)))
	require.NoError(t, st.Close())

	st, err = NewSQLite(dbPath)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	got, err := st.ListAttempts(ctx, AttemptFilter{ProviderID: "p1"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestSQLite_ClosedStoreErrors(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Close())

	_, err := st.ListAttempts(context.Background(), AttemptFilter{})
	assert.Error(t, err)
}
