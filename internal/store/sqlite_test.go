package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/branchmonkey/bridge/internal/models"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	return s
}

func TestDevServerCRUD(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	rec := &models.DevServerRecord{
		RunID:        "run-42",
		TaskID:       "task-abc",
		TaskNumber:   42,
		Port:         6042,
		WorktreePath: "/tmp/worktrees/task-42",
		StartedAt:    time.Now().UTC().Truncate(time.Second),
		PID:          12345,
	}
	require.NoError(t, s.SaveDevServer(ctx, rec))

	got, err := s.GetDevServer(ctx, "run-42")
	require.NoError(t, err)
	assert.Equal(t, rec.RunID, got.RunID)
	assert.Equal(t, rec.Port, got.Port)
	assert.Equal(t, rec.TaskNumber, got.TaskNumber)
	assert.Equal(t, rec.WorktreePath, got.WorktreePath)
	assert.Equal(t, rec.PID, got.PID)

	list, err := s.ListDevServers(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteDevServer(ctx, "run-42"))
	_, err = s.GetDevServer(ctx, "run-42")
	assert.ErrorContains(t, err, "not found")
}

func TestSaveDevServer_Upsert(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	rec := &models.DevServerRecord{RunID: "run-1", TaskNumber: 1, Port: 6001, StartedAt: time.Now().UTC()}
	require.NoError(t, s.SaveDevServer(ctx, rec))

	rec.Port = 6002
	require.NoError(t, s.SaveDevServer(ctx, rec))

	got, err := s.GetDevServer(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 6002, got.Port)

	list, err := s.ListDevServers(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDeleteDevServer_Missing(t *testing.T) {
	s := setupTestStore(t)
	// Deleting a row that does not exist is not an error.
	require.NoError(t, s.DeleteDevServer(context.Background(), "nope"))
}
