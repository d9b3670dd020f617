package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/approval-engine/types"
)

func TestSQLiteStorage(t *testing.T) {
	testStorage(t, func(t *testing.T) Storage {
		store, err := NewSQLiteStorage(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		return store
	})

	t.Run("SurvivesReopen", func(t *testing.T) {
		dsn := filepath.Join(t.TempDir(), "approval.db")
		ctx := context.Background()

		store, err := NewSQLiteStorage(dsn)
		require.NoError(t, err)
		require.NoError(t, store.Commit(ctx, Batch{
			Instances: []types.Instance{newInstance("i1", types.InstanceRunning)},
			Tasks:     []types.Task{newTask("t1", "i1", 1)},
		}))
		require.NoError(t, store.Close())

		reopened, err := NewSQLiteStorage(dsn)
		require.NoError(t, err)
		defer reopened.Close()

		state, err := reopened.Load(ctx)
		require.NoError(t, err)
		assert.Len(t, state.Tasks, 1)
		assert.Equal(t, "lead", state.Instances["i1"].CurrentNodeID)
	})

	t.Run("ClearTerminated", func(t *testing.T) {
		store, err := NewSQLiteStorage(":memory:")
		require.NoError(t, err)
		defer store.Close()
		ctx := context.Background()

		require.NoError(t, store.Commit(ctx, Batch{
			Instances: []types.Instance{newInstance("i1", types.InstanceRunning), newInstance("i2", types.InstanceApproved)},
			Tasks:     []types.Task{newTask("t1", "i1", 1), newTask("t2", "i2", 2)},
		}))
		require.NoError(t, store.ClearTerminated(ctx))

		state, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Len(t, state.Instances, 1)
		require.Len(t, state.Tasks, 1)
		assert.Equal(t, "t1", state.Tasks[0].ID)
	})
}
