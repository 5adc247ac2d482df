package cas

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutIsContentAddressedAndIdempotent(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)

	ref1, err := store.Put([]byte("hello world"))
	require.NoError(t, err)
	ref2, err := store.Put([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, ref1, ref2)

	data, err := store.Get(string(ref1))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestPutShardsByFirstTwoHexChars(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)

	ref, err := store.Put([]byte("shard me"))
	require.NoError(t, err)

	_, hexHash, err := Parse(string(ref))
	require.NoError(t, err)

	want := filepath.Join(dir, "objects", "sha256", hexHash[0:2], hexHash[2:4], hexHash)
	assert.FileExists(t, want)
	assert.Equal(t, want, store.PathOf(string(ref)))
}

func TestPutLeavesNoTempFileOnSuccess(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)

	ref, err := store.Put([]byte("no leftovers"))
	require.NoError(t, err)

	shardDir := filepath.Dir(store.PathOf(string(ref)))
	entries, err := os.ReadDir(shardDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestHasReportsPresenceWithoutReading(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)

	ref, err := store.Put([]byte("present"))
	require.NoError(t, err)

	assert.True(t, store.Has(string(ref)))
	assert.False(t, store.Has("sha256:"+string(ref)[7:62]+"0000000000000000000000"))
}

func TestGetMissingObjectReturnsObjectNotFound(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)

	missing := "sha256:" + "0000000000000000000000000000000000000000000000000000000000000000"[:64]
	_, err := store.Get(missing)
	require.Error(t, err)
}

func TestParseRejectsMalformedRefs(t *testing.T) {
	_, _, err := Parse("md5:deadbeef")
	assert.Error(t, err)

	_, _, err = Parse("sha256:nothex")
	assert.Error(t, err)

	_, _, err = Parse("sha256:abc")
	assert.Error(t, err)
}

func TestShardPrefixMatchesHashPrefix(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)
	ref, err := store.Put([]byte("shard prefix"))
	require.NoError(t, err)

	prefix, err := ShardPrefix(string(ref))
	require.NoError(t, err)
	assert.Len(t, prefix, 2)
	assert.True(t, string(ref)[7:9] == prefix)
}
