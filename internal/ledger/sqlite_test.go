package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLedger(t *testing.T) *SQLiteLedger {
	t.Helper()
	l, err := OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAppendVersionAssignsMonotonicVersions(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	v1, err := l.AppendVersion(ctx, "node-1", "Greeter", "python", "print('hi')\n", "ada")
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
	assert.Len(t, v1.SourceHash, 64)

	v2, err := l.AppendVersion(ctx, "node-1", "", "python", "print('hello')\nprint('bye')\n", "ada")
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	latest, err := l.GetNodeSource(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, "Greeter", latest.Label, "label survives an append without one")

	old, err := l.GetNodeVersion(ctx, "node-1", 1)
	require.NoError(t, err)
	assert.Equal(t, "print('hi')\n", old.Source)
}

func TestGetNodeSourceNotFound(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	_, err := l.GetNodeSource(ctx, "missing")
	assert.ErrorIs(t, err, ErrNodeNotFound)

	_, err = l.AppendVersion(ctx, "node-1", "", "go", "package main\n", "")
	require.NoError(t, err)
	_, err = l.GetNodeVersion(ctx, "node-1", 9)
	assert.ErrorIs(t, err, ErrVersionNotFound)
}

func TestListVersionsCarriesDiffStats(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	_, err := l.AppendVersion(ctx, "node-1", "", "python", "a = 1\nb = 2\n", "")
	require.NoError(t, err)
	_, err = l.AppendVersion(ctx, "node-1", "", "python", "a = 1\nc = 3\nd = 4\n", "")
	require.NoError(t, err)

	versions, err := l.ListVersions(ctx, "node-1")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 2, versions[0].Version, "newest first")
	assert.Equal(t, 2, versions[0].LinesAdded)
	assert.Equal(t, 1, versions[0].LinesRemoved)
	assert.Equal(t, 2, versions[1].LinesAdded, "first version counts every line as added")
}

func TestRecordAndListExecutions(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	_, err := l.AppendVersion(ctx, "node-1", "", "go", "package main\n", "")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		err := l.RecordExecution(ctx, ExecutionRecord{
			NodeID:     "node-1",
			Version:    1,
			Address:    "i1",
			Success:    i != 1,
			Output:     "done",
			Duration:   25 * time.Millisecond,
			ExecutedAt: time.Date(2026, 3, 1, 12, 0, i, 0, time.UTC),
		})
		require.NoError(t, err)
	}

	execs, err := l.ListExecutions(ctx, "node-1", 2)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.True(t, execs[0].ExecutedAt.After(execs[1].ExecutedAt), "newest first")
	assert.EqualValues(t, 25, execs[0].DurationMS)
	assert.False(t, execs[1].Success)
}
