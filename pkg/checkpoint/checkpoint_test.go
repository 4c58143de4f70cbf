package checkpoint

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointManager(t *testing.T) {
	dir := t.TempDir()

	t.Run("StartAndLoad", func(t *testing.T) {
		mgr, err := NewManagerAt(dir, "t1")
		require.NoError(t, err)

		cp, err := mgr.Start("t1", 12)
		require.NoError(t, err)
		assert.Equal(t, StateStarting, cp.State)
		assert.Equal(t, os.Getpid(), cp.PID)

		loaded, err := mgr.Load()
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, "t1", loaded.Tenant)
		assert.Equal(t, 12, loaded.Total)
		assert.Equal(t, Version, loaded.Version)
	})

	t.Run("SaveProgress", func(t *testing.T) {
		mgr, err := NewManagerAt(dir, "t2")
		require.NoError(t, err)
		cp, err := mgr.Start("t2", 3)
		require.NoError(t, err)

		next := time.Date(2024, 5, 10, 12, 30, 0, 0, time.UTC)
		cp.State = StateSleeping
		cp.CurrentTarget = "jane"
		cp.NextActionAt = next
		cp.Sent = 2
		cp.Position = 2
		require.NoError(t, mgr.Save(cp))

		loaded, err := mgr.Load()
		require.NoError(t, err)
		assert.Equal(t, StateSleeping, loaded.State)
		assert.Equal(t, "jane", loaded.CurrentTarget)
		assert.True(t, next.Equal(loaded.NextActionAt))
		assert.Equal(t, 2, loaded.Sent)
	})

	t.Run("Delete", func(t *testing.T) {
		mgr, err := NewManagerAt(dir, "t3")
		require.NoError(t, err)
		_, err = mgr.Start("t3", 0)
		require.NoError(t, err)
		assert.True(t, mgr.Exists())

		require.NoError(t, mgr.Delete())
		assert.False(t, mgr.Exists())
		require.NoError(t, mgr.Delete(), "deleting twice is fine")

		cp, err := mgr.Load()
		require.NoError(t, err)
		assert.Nil(t, cp)
	})

	t.Run("AtomicWrite", func(t *testing.T) {
		mgr, err := NewManagerAt(dir, "t4")
		require.NoError(t, err)
		_, err = mgr.Start("t4", 1)
		require.NoError(t, err)

		_, err = os.Stat(mgr.Path() + ".tmp")
		assert.True(t, os.IsNotExist(err), "temporary file must not remain")
	})

	t.Run("Corrupt", func(t *testing.T) {
		mgr, err := NewManagerAt(dir, "t5")
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(mgr.Path(), []byte("{not json"), 0644))
		_, err = mgr.Load()
		assert.Error(t, err)
	})
}

func TestStale(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

	cp := &Checkpoint{State: StateSending, UpdatedAt: now.Add(-10 * time.Minute)}
	assert.True(t, cp.Stale(now, 5*time.Minute))

	cp.NextActionAt = now.Add(20 * time.Minute)
	assert.False(t, cp.Stale(now, 5*time.Minute), "a sleeping loop is not stale before it is due")

	cp = &Checkpoint{State: StateDone, UpdatedAt: now.Add(-time.Hour)}
	assert.False(t, cp.Stale(now, time.Minute))
}

func TestGetDataDirectory(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("XDG layout only applies on linux")
	}
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	dir, err := getDataDirectory()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(os.Getenv("XDG_DATA_HOME"), "igoutreach"), dir)
	assert.DirExists(t, dir)
}
