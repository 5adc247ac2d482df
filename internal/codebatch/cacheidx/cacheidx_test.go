package cacheidx

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codebatch/internal/codebatch/batch"
	"codebatch/internal/codebatch/exec"
	"codebatch/internal/codebatch/runner"
	"codebatch/internal/codebatch/snapshot"
)

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time       { return f.t }
func (f fixedClock) RandHex(n int) string { return "eeeeeeeeeeeeeeee"[:n*2] }

func buildFixture(t *testing.T, files map[string]string) (storeRoot, batchID string, mgr *batch.Manager, snapBuilder *snapshot.Builder) {
	t.Helper()
	storeRoot = t.TempDir()
	c := fixedClock{t: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}

	src := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(src, name), []byte(content), 0o644))
	}

	snapBuilder = snapshot.NewBuilder(storeRoot, c)
	snapshotID, err := snapBuilder.Build(src, "", nil)
	require.NoError(t, err)

	mgr = batch.NewManager(storeRoot, c)
	batchID, err = mgr.InitBatch(snapshotID, "full", "", nil)
	require.NoError(t, err)

	r := runner.New(storeRoot, c)
	reg := exec.NewRegistry()
	plan, err := mgr.LoadPlan(batchID)
	require.NoError(t, err)
	for _, td := range plan.Tasks {
		e, ok := reg.Get(td.Type)
		require.True(t, ok)
		for _, shardID := range batch.ShardIDs() {
			_, err := r.RunShard(batchID, td.TaskID, shardID, e)
			require.NoError(t, err)
		}
	}

	return storeRoot, batchID, mgr, snapBuilder
}

func TestMakeAndParseCacheKeyRoundTrip(t *testing.T) {
	key := MakeCacheKey("snap-1", "batch-1", "01_parse", "ast", "a.py")
	assert.Equal(t, "v1\x1fsnap-1\x1fbatch-1\x1f01_parse\x1fast\x1fa.py", string(key))

	parts := ParseCacheKey(key)
	assert.Equal(t, []string{"snap-1", "batch-1", "01_parse", "ast", "a.py"}, parts)
}

func TestEncodeDecodeCounterRoundTrip(t *testing.T) {
	encoded := EncodeCounter(42)
	assert.Len(t, encoded, 8)
	assert.Equal(t, uint64(42), DecodeCounter(encoded))
}

func TestBuildIndexIngestsFilesAndOutputsAndStats(t *testing.T) {
	storeRoot, batchID, mgr, snapBuilder := buildFixture(t, map[string]string{
		"a.py":   "x = 1   \n",
		"main.go": "package main\n\nfunc main() {}\n",
	})

	c := fixedClock{t: time.Date(2026, 5, 1, 1, 0, 0, 0, time.UTC)}
	stats, err := BuildIndex(storeRoot, mgr, snapBuilder, batchID, false, c)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.FilesIndexed)
	assert.Greater(t, stats.OutputsIndexed, 0)
	assert.NotEmpty(t, stats.SourceFingerprint)

	meta, err := mgr.LoadBatch(batchID)
	require.NoError(t, err)

	env := NewEnv(storeRoot, true)
	require.NoError(t, env.Open())
	defer env.Close()

	loadedMeta, err := env.LoadMeta()
	require.NoError(t, err)
	require.NotNil(t, loadedMeta)
	assert.Equal(t, meta.SnapshotID, loadedMeta.SnapshotID)
	assert.Equal(t, batchID, loadedMeta.BatchID)

	reader := NewReader(env)

	fileInfo, err := reader.GetFile(meta.SnapshotID, "a.py")
	require.NoError(t, err)
	require.NotNil(t, fileInfo)
	assert.Equal(t, "python", fileInfo.Lang)

	outputs, err := reader.IterOutputsByKind(meta.SnapshotID, batchID, "01_parse", "ast")
	require.NoError(t, err)
	assert.Len(t, outputs, 2)

	diagnostics, err := reader.IterDiagnosticsBySeverity(meta.SnapshotID, batchID, "04_lint", "")
	require.NoError(t, err)
	assert.NotEmpty(t, diagnostics)

	statEntries, err := reader.IterStats(meta.SnapshotID, batchID, "01_parse", "kind")
	require.NoError(t, err)
	assert.NotEmpty(t, statEntries)

	count, err := reader.GetStat(meta.SnapshotID, batchID, "01_parse", "kind", "ast")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)
}

func TestIsCacheValidDetectsStaleFingerprintAfterOutputsChange(t *testing.T) {
	storeRoot, batchID, mgr, snapBuilder := buildFixture(t, map[string]string{
		"a.py": "x = 1\n",
	})

	c := fixedClock{t: time.Date(2026, 5, 1, 1, 0, 0, 0, time.UTC)}
	_, err := BuildIndex(storeRoot, mgr, snapBuilder, batchID, false, c)
	require.NoError(t, err)

	meta, err := mgr.LoadBatch(batchID)
	require.NoError(t, err)
	plan, err := mgr.LoadPlan(batchID)
	require.NoError(t, err)
	taskIDs := make([]string, len(plan.Tasks))
	for i, td := range plan.Tasks {
		taskIDs[i] = td.TaskID
	}

	env := NewEnv(storeRoot, true)
	require.NoError(t, env.Open())
	cacheMeta, err := env.LoadMeta()
	require.NoError(t, err)
	env.Close()

	valid, err := IsCacheValid(cacheMeta, storeRoot, meta.SnapshotID, batchID, taskIDs)
	require.NoError(t, err)
	assert.True(t, valid)

	// Mutate a shard's committed outputs.index.jsonl on disk directly and
	// confirm the previously built cache is now detected as stale.
	shardDir := mgr.ShardDir(batchID, "01_parse", "00")
	outputsPath := filepath.Join(shardDir, "outputs.index.jsonl")
	require.NoError(t, os.WriteFile(outputsPath, []byte("{\"path\":\"x.py\",\"kind\":\"ast\"}\n"), 0o644))

	valid, err = IsCacheValid(cacheMeta, storeRoot, meta.SnapshotID, batchID, taskIDs)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestTryOpenCacheReturnsNilWhenNoCacheBuilt(t *testing.T) {
	storeRoot, batchID, mgr, _ := buildFixture(t, map[string]string{
		"a.py": "x = 1\n",
	})

	reader, env, err := TryOpenCache(storeRoot, mgr, batchID)
	require.NoError(t, err)
	assert.Nil(t, reader)
	assert.Nil(t, env)
}

func TestTryOpenCacheReturnsReaderWhenValid(t *testing.T) {
	storeRoot, batchID, mgr, snapBuilder := buildFixture(t, map[string]string{
		"a.py": "x = 1\n",
	})

	c := fixedClock{t: time.Date(2026, 5, 1, 1, 0, 0, 0, time.UTC)}
	_, err := BuildIndex(storeRoot, mgr, snapBuilder, batchID, false, c)
	require.NoError(t, err)

	reader, env, err := TryOpenCache(storeRoot, mgr, batchID)
	require.NoError(t, err)
	require.NotNil(t, reader)
	require.NotNil(t, env)
	defer env.Close()
}

func TestBuildIndexRebuildWipesExistingCache(t *testing.T) {
	storeRoot, batchID, mgr, snapBuilder := buildFixture(t, map[string]string{
		"a.py": "x = 1\n",
	})

	c := fixedClock{t: time.Date(2026, 5, 1, 1, 0, 0, 0, time.UTC)}
	_, err := BuildIndex(storeRoot, mgr, snapBuilder, batchID, false, c)
	require.NoError(t, err)

	stats, err := BuildIndex(storeRoot, mgr, snapBuilder, batchID, true, c)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FilesIndexed)
}
