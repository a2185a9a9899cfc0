package pidfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "balloon.pid")

	require.NoError(t, Write(path, 4242))
	pid, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestWriteInvalidPID(t *testing.T) {
	assert.Error(t, Write(filepath.Join(t.TempDir(), "x.pid"), 0))
}

func TestReadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Read(filepath.Join(dir, "missing.pid"))
	assert.ErrorIs(t, err, ErrNoMarker)

	bad := filepath.Join(dir, "bad.pid")
	require.NoError(t, os.WriteFile(bad, []byte("not-a-pid\n"), 0o644))
	_, err = Read(bad)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoMarker)
}

func TestRemoveMissing(t *testing.T) {
	assert.NoError(t, Remove(filepath.Join(t.TempDir(), "missing.pid")))
}

func TestAlive(t *testing.T) {
	assert.True(t, Alive(os.Getpid()))
	assert.False(t, Alive(0))
	assert.False(t, Alive(-1))
}

func TestCheck(t *testing.T) {
	dir := t.TempDir()

	t.Run("no marker", func(t *testing.T) {
		pid, err := Check(filepath.Join(dir, "none.pid"))
		require.NoError(t, err)
		assert.Zero(t, pid)
	})

	t.Run("live marker", func(t *testing.T) {
		path := filepath.Join(dir, "live.pid")
		require.NoError(t, Write(path, os.Getpid()))

		pid, err := Check(path)
		require.NoError(t, err)
		assert.Equal(t, os.Getpid(), pid)
		assert.FileExists(t, path)
		assert.True(t, Running(path))
	})

	t.Run("malformed marker is discarded", func(t *testing.T) {
		path := filepath.Join(dir, "garbage.pid")
		require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))

		pid, err := Check(path)
		require.NoError(t, err)
		assert.Zero(t, pid)
		assert.NoFileExists(t, path)
		assert.False(t, Running(path))
	})
}
