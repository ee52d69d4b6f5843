package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := ResolvePath("~/projects/app")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "projects", "app"), got)

	got, err = ResolvePath("~")
	require.NoError(t, err)
	assert.Equal(t, home, got)

	got, err = ResolvePath("/tmp//x/../y")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/y", got)

	_, err = ResolvePath("")
	assert.Error(t, err)
}

func TestDirAndFileExists(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	assert.True(t, DirExists(dir))
	assert.False(t, DirExists(file))
	assert.True(t, FileExists(file))
	assert.False(t, FileExists(dir))
	assert.False(t, FileExists(filepath.Join(dir, "missing")))
}

func TestEnsureParent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "c.json")
	require.NoError(t, EnsureParent(path))
	assert.True(t, DirExists(filepath.Dir(path)))
}

func TestFileHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	got, err := FileHash(path)
	require.NoError(t, err)
	// sha256("hello")
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", got)

	_, err = FileHash(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
