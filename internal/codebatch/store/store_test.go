package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time       { return f.t }
func (f fixedClock) RandHex(n int) string { return "00000000"[:n*2] }

func TestInitCreatesLayoutAndMeta(t *testing.T) {
	root := t.TempDir()
	c := fixedClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}

	meta, err := Init(root, false, c)
	require.NoError(t, err)
	assert.Equal(t, "codebatch.store", meta.SchemaName)
	assert.Equal(t, SchemaVersion, meta.Version)

	assert.DirExists(t, filepath.Join(root, "objects", "sha256"))
	assert.DirExists(t, filepath.Join(root, "snapshots"))
	assert.DirExists(t, filepath.Join(root, "batches"))
	assert.FileExists(t, filepath.Join(root, "store.json"))
}

func TestInitTwiceFails(t *testing.T) {
	root := t.TempDir()
	c := fixedClock{t: time.Now()}
	_, err := Init(root, false, c)
	require.NoError(t, err)

	_, err = Init(root, false, c)
	assert.Error(t, err)
}

func TestInitNonEmptyDirFailsWithoutAllowReinit(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "stray.txt"), []byte("x"), 0o644))

	_, err := Init(root, false, fixedClock{t: time.Now()})
	assert.Error(t, err)

	_, err = Init(root, true, fixedClock{t: time.Now()})
	assert.NoError(t, err)
}

func TestLoadMissingStoreReturnsInvalidStore(t *testing.T) {
	root := t.TempDir()
	_, err := Load(root)
	assert.Error(t, err)
}

func TestIsValidStore(t *testing.T) {
	root := t.TempDir()
	assert.False(t, IsValid(root))
	_, err := Init(root, false, fixedClock{t: time.Now()})
	require.NoError(t, err)
	assert.True(t, IsValid(root))
}

func TestHasOnlyAllowedTopLevelEntries(t *testing.T) {
	root := t.TempDir()
	_, err := Init(root, false, fixedClock{t: time.Now()})
	require.NoError(t, err)

	ok, err := HasOnlyAllowedTopLevelEntries(root)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, os.WriteFile(filepath.Join(root, "rogue"), []byte("x"), 0o644))
	ok, err = HasOnlyAllowedTopLevelEntries(root)
	require.NoError(t, err)
	assert.False(t, ok)
}
