package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct {
	t   time.Time
	hex string
}

func (f fixedClock) Now() time.Time        { return f.t }
func (f fixedClock) RandHex(n int) string  { return f.hex[:n*2] }

func TestBuildProducesSortedDeterministicIndex(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "b.py"), []byte("print(1)"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.go"), []byte("package a"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(src, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, ".git", "HEAD"), []byte("ref: x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, ".hidden"), []byte("skip"), 0o644))

	storeRoot := t.TempDir()
	c := fixedClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), hex: "deadbeefdeadbeef"}
	b := NewBuilder(storeRoot, c)

	id, err := b.Build(src, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "snap-20260102-030405-deadbeef", id)

	records, err := b.LoadFileIndex(id)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a.go", records[0].Path)
	assert.Equal(t, "go", records[0].LangHint)
	assert.Equal(t, "b.py", records[1].Path)
	assert.Equal(t, "python", records[1].LangHint)

	for i := 1; i < len(records); i++ {
		assert.LessOrEqual(t, records[i-1].PathKey, records[i].PathKey)
	}

	meta, err := b.Load(id)
	require.NoError(t, err)
	assert.Equal(t, 2, meta.FileCount)
}

func TestBuildDedupsIdenticalContentInCAS(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "one.txt"), []byte("same"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "two.txt"), []byte("same"), 0o644))

	storeRoot := t.TempDir()
	b := NewBuilder(storeRoot, fixedClock{t: time.Now(), hex: "0000000000000000"})

	id, err := b.Build(src, "fixed-id", nil)
	require.NoError(t, err)

	records, err := b.LoadFileIndex(id)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, records[0].Object, records[1].Object)
}

func TestLoadMissingSnapshotReturnsNotFound(t *testing.T) {
	storeRoot := t.TempDir()
	b := NewBuilder(storeRoot, fixedClock{t: time.Now(), hex: "00000000"})
	_, err := b.Load("snap-does-not-exist")
	assert.Error(t, err)
}

func TestDetectLangHintUnknownExtension(t *testing.T) {
	assert.Equal(t, "", DetectLangHint("file.unknownext"))
	assert.Equal(t, "rust", DetectLangHint("main.rs"))
}
