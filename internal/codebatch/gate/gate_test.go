package gate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codebatch/internal/codebatch/batch"
	"codebatch/internal/codebatch/snapshot"
)

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time       { return f.t }
func (f fixedClock) RandHex(n int) string { return "ffffffffffffffff"[:n*2] }

func buildFixture(t *testing.T, files map[string]string) (storeRoot, batchID string, deps *Deps) {
	t.Helper()
	storeRoot = t.TempDir()
	c := fixedClock{t: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)}

	src := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(src, name), []byte(content), 0o644))
	}

	snapBuilder := snapshot.NewBuilder(storeRoot, c)
	snapshotID, err := snapBuilder.Build(src, "", nil)
	require.NoError(t, err)

	mgr := batch.NewManager(storeRoot, c)
	batchID, err = mgr.InitBatch(snapshotID, "full", "", nil)
	require.NoError(t, err)

	deps = NewDeps(storeRoot, c)

	plan, err := mgr.LoadPlan(batchID)
	require.NoError(t, err)
	for _, td := range plan.Tasks {
		e, ok := deps.Executors.Get(td.Type)
		require.True(t, ok)
		for _, shardID := range batch.ShardIDs() {
			_, err := deps.Runner.RunShard(batchID, td.TaskID, shardID, e)
			require.NoError(t, err)
		}
	}

	return storeRoot, batchID, deps
}

func TestRegistryGetByIDAndAlias(t *testing.T) {
	r := DefaultRegistry()

	def, ok := r.Get("store-layout")
	require.True(t, ok)
	assert.Equal(t, "store-layout", def.GateID)

	aliased, ok := r.Get("L1")
	require.True(t, ok)
	assert.Same(t, def, aliased)

	_, ok = r.Get("no-such-gate")
	assert.False(t, ok)
}

func TestRegistryListByTagAndStatus(t *testing.T) {
	r := DefaultRegistry()

	phase1 := r.ListByTag("phase1")
	require.Len(t, phase1, 2)

	phase3 := r.ListByTag("phase3")
	require.Len(t, phase3, 3)

	enforced := r.ListByStatus(StatusEnforced)
	assert.Len(t, enforced, 7)

	assert.Len(t, r.ListAll(), 7)
}

func TestSuggestSimilarReturnsCloseMatch(t *testing.T) {
	r := DefaultRegistry()
	suggestions := r.SuggestSimilar("store-layut", 3)
	assert.Contains(t, suggestions, "store-layout")
}

func TestRunUnknownGateReturnsDidYouMeanError(t *testing.T) {
	storeRoot, _, deps := buildFixture(t, map[string]string{"a.py": "x = 1\n"})
	_ = storeRoot
	gr := NewRunner(DefaultRegistry(), deps)

	_, err := gr.Run(context.Background(), "store-layut", "", "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did you mean")
}

func TestStoreLayoutGatePassesOnFreshStore(t *testing.T) {
	_, _, deps := buildFixture(t, map[string]string{"a.py": "x = 1\n"})
	gr := NewRunner(DefaultRegistry(), deps)

	res, err := gr.Run(context.Background(), "store-layout", "", "", nil)
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Equal(t, StatusEnforced, res.Status)
	assert.Empty(t, res.Failures)
}

func TestStoreLayoutGateFailsOnUnexpectedTopLevelEntry(t *testing.T) {
	storeRoot, _, deps := buildFixture(t, map[string]string{"a.py": "x = 1\n"})
	require.NoError(t, os.WriteFile(filepath.Join(storeRoot, "rogue.txt"), []byte("nope"), 0o644))

	gr := NewRunner(DefaultRegistry(), deps)
	res, err := gr.Run(context.Background(), "L1", "", "", nil)
	require.NoError(t, err)
	assert.False(t, res.Passed)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "rogue.txt", res.Failures[0].Location)
}

func TestTruthGuardGatePassesOnFreshStore(t *testing.T) {
	_, _, deps := buildFixture(t, map[string]string{"a.py": "x = 1\n"})
	gr := NewRunner(DefaultRegistry(), deps)

	res, err := gr.Run(context.Background(), "TG1", "", "", nil)
	require.NoError(t, err)
	assert.True(t, res.Passed)
}

func TestTruthGuardGateFailsOnPathOutsideAllowedDirs(t *testing.T) {
	storeRoot, _, deps := buildFixture(t, map[string]string{"a.py": "x = 1\n"})
	require.NoError(t, os.Mkdir(filepath.Join(storeRoot, "scratch"), 0o755))

	gr := NewRunner(DefaultRegistry(), deps)
	res, err := gr.Run(context.Background(), "truth-guard", "", "", nil)
	require.NoError(t, err)
	assert.False(t, res.Passed)
}

func TestRetryDeterminismGatePassesAfterFullRun(t *testing.T) {
	_, batchID, deps := buildFixture(t, map[string]string{
		"a.py":    "x = 1\n",
		"main.go": "package main\n\nfunc main() {}\n",
	})
	gr := NewRunner(DefaultRegistry(), deps)

	res, err := gr.Run(context.Background(), "RD1", batchID, "", nil)
	require.NoError(t, err)
	assert.True(t, res.Passed, "unexpected failures: %+v", res.Failures)

	state, err := deps.Batches.LoadShardState(batchID, "01_parse", "00")
	require.NoError(t, err)
	assert.Equal(t, "done", state.Status)
}

func TestEventsIndependenceGatePassesAfterDeletingEvents(t *testing.T) {
	_, batchID, deps := buildFixture(t, map[string]string{"bad.txt": "trailing   \n"})
	gr := NewRunner(DefaultRegistry(), deps)

	res, err := gr.Run(context.Background(), "EI1", batchID, "", nil)
	require.NoError(t, err)
	assert.True(t, res.Passed, "unexpected failures: %+v", res.Failures)

	_, err = os.Stat(filepath.Join(deps.Batches.BatchDir(batchID), "events.jsonl"))
	assert.True(t, os.IsNotExist(err))
}

func TestCacheEquivalenceGatePassesAfterRebuild(t *testing.T) {
	_, batchID, deps := buildFixture(t, map[string]string{
		"a.py":    "x = 1\n",
		"main.go": "package main\n\nfunc main() {}\n",
	})
	gr := NewRunner(DefaultRegistry(), deps)

	res, err := gr.Run(context.Background(), "CE1", batchID, "", nil)
	require.NoError(t, err)
	assert.True(t, res.Passed, "unexpected failures: %+v", res.Failures)
}

func TestCacheDeletionEquivalenceGatePasses(t *testing.T) {
	storeRoot, batchID, deps := buildFixture(t, map[string]string{"a.py": "x = 1\n"})
	gr := NewRunner(DefaultRegistry(), deps)

	res, err := gr.Run(context.Background(), "CDE1", batchID, "", nil)
	require.NoError(t, err)
	assert.True(t, res.Passed, "unexpected failures: %+v", res.Failures)

	_, err = os.Stat(filepath.Join(storeRoot, "indexes"))
	assert.True(t, os.IsNotExist(err))
}

func TestRebuildDeterminismGatePasses(t *testing.T) {
	_, batchID, deps := buildFixture(t, map[string]string{
		"a.py": "x = 1\n",
		"b.py": "y = 2\n",
	})
	gr := NewRunner(DefaultRegistry(), deps)

	res, err := gr.Run(context.Background(), "RB1", batchID, "", nil)
	require.NoError(t, err)
	assert.True(t, res.Passed, "unexpected failures: %+v", res.Failures)
}

func TestRunBundlePhase1PassesOnFreshStore(t *testing.T) {
	_, _, deps := buildFixture(t, map[string]string{"a.py": "x = 1\n"})
	gr := NewRunner(DefaultRegistry(), deps)

	br := gr.RunBundle(context.Background(), "phase1", "", "", nil, false)
	assert.True(t, br.Passed)
	assert.Equal(t, 2, br.Total)
	assert.Equal(t, 2, br.PassedCount)
	assert.Equal(t, 0, br.FailedCount)
}

func TestRunBundleSkipsGatesMissingRequiredBatchInput(t *testing.T) {
	_, _, deps := buildFixture(t, map[string]string{"a.py": "x = 1\n"})
	gr := NewRunner(DefaultRegistry(), deps)

	br := gr.RunBundle(context.Background(), "phase2", "", "", nil, false)
	assert.Equal(t, 2, br.Total)
	assert.Equal(t, 2, br.SkippedCount)
	assert.True(t, br.Passed, "a bundle with only skipped gates has no enforced failures")
}

func TestRunBundleReleaseRunsAllSevenEnforcedGates(t *testing.T) {
	_, batchID, deps := buildFixture(t, map[string]string{
		"a.py":    "x = 1\n",
		"main.go": "package main\n\nfunc main() {}\n",
	})
	gr := NewRunner(DefaultRegistry(), deps)

	br := gr.RunBundle(context.Background(), "release", batchID, "", nil, false)
	assert.Equal(t, 7, br.Total)
	assert.True(t, br.Passed, "unexpected bundle failures: %+v", br.Results)
}

func TestGateResultArtifactsSurfaceWrittenFiles(t *testing.T) {
	storeRoot, _, deps := buildFixture(t, map[string]string{"a.py": "x = 1\n"})
	_ = storeRoot

	def, ok := DefaultRegistry().Get("store-layout")
	require.True(t, ok)

	gctx := &Context{StoreRoot: deps.StoreRoot, RunID: "run0001"}
	path, err := gctx.WriteArtifactJSON(def.GateID, "debug.json", map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.FileExists(t, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "\"k\": \"v\"")
}

func TestLevenshteinDistanceMatchesKnownCases(t *testing.T) {
	assert.Equal(t, 0, levenshteinDistance("same", "same"))
	assert.Equal(t, 3, levenshteinDistance("kitten", "sitting"))
	assert.Equal(t, 4, levenshteinDistance("", "gate"))
}

func TestRunShardNotDoneFailsRetryDeterminism(t *testing.T) {
	_, batchID, deps := buildFixture(t, map[string]string{"a.py": "x = 1\n"})

	// Force one shard back to a non-done status so the gate reports a
	// clear precondition failure instead of silently skipping it.
	require.NoError(t, forceShardReady(deps.Batches, batchID, "01_parse", "00"))

	gr := NewRunner(DefaultRegistry(), deps)
	res, err := gr.Run(context.Background(), "retry-determinism", batchID, "", nil)
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.NotEmpty(t, res.Failures)
}
