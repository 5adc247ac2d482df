package batch

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codebatch/internal/codebatch/errs"
	"codebatch/internal/codebatch/snapshot"
)

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time       { return f.t }
func (f fixedClock) RandHex(n int) string { return "11112222"[:n*2] }

func setupSnapshot(t *testing.T, storeRoot string) string {
	t.Helper()
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.py"), []byte("x = 1"), 0o644))
	builder := snapshot.NewBuilder(storeRoot, fixedClock{t: time.Now()})
	id, err := builder.Build(src, "", nil)
	require.NoError(t, err)
	return id
}

func TestInitBatchFullPipelineCreatesCompleteSkeleton(t *testing.T) {
	storeRoot := t.TempDir()
	snapID := setupSnapshot(t, storeRoot)

	c := fixedClock{t: time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)}
	mgr := NewManager(storeRoot, c)

	batchID, err := mgr.InitBatch(snapID, "full", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "batch-20260304-050607-11112222", batchID)

	taskIDs, err := mgr.GetTaskIDs(batchID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"01_parse", "02_analyze", "03_symbols", "04_lint"}, taskIDs)

	task, err := mgr.LoadTask(batchID, "02_analyze")
	require.NoError(t, err)
	assert.Equal(t, []string{"01_parse"}, task.Inputs.Tasks)
	assert.Equal(t, 256, task.Sharding.ShardCount)
	assert.Len(t, task.Sharding.ShardIDs, 256)

	state, err := mgr.LoadShardState(batchID, "01_parse", "00")
	require.NoError(t, err)
	assert.Equal(t, "ready", state.Status)
	assert.Equal(t, 0, state.Attempt)

	assert.FileExists(t, filepath.Join(mgr.ShardDir(batchID, "01_parse", "00"), "outputs.index.jsonl"))
	assert.FileExists(t, filepath.Join(mgr.TaskDir(batchID, "01_parse"), "events.jsonl"))
	assert.FileExists(t, filepath.Join(mgr.BatchDir(batchID), "events.jsonl"))
}

func TestInitBatchUnknownPipelineFails(t *testing.T) {
	storeRoot := t.TempDir()
	snapID := setupSnapshot(t, storeRoot)
	mgr := NewManager(storeRoot, fixedClock{t: time.Now()})

	_, err := mgr.InitBatch(snapID, "nonexistent", "", nil)
	assert.Error(t, err)
}

func TestInitBatchMissingSnapshotFails(t *testing.T) {
	storeRoot := t.TempDir()
	mgr := NewManager(storeRoot, fixedClock{t: time.Now()})

	_, err := mgr.InitBatch("snap-does-not-exist", "parse", "", nil)
	assert.Error(t, err)
}

func TestInitBatchDuplicateBatchIDRejected(t *testing.T) {
	storeRoot := t.TempDir()
	snapID := setupSnapshot(t, storeRoot)
	mgr := NewManager(storeRoot, fixedClock{t: time.Now()})

	_, err := mgr.InitBatch(snapID, "parse", "batch-dup", nil)
	require.NoError(t, err)

	_, err = mgr.InitBatch(snapID, "parse", "batch-dup", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.New(errs.CodeBatchExists, "", ""))
}

func TestPlanPreservesTopologicalTaskOrder(t *testing.T) {
	storeRoot := t.TempDir()
	snapID := setupSnapshot(t, storeRoot)
	mgr := NewManager(storeRoot, fixedClock{t: time.Now()})

	batchID, err := mgr.InitBatch(snapID, "analyze", "", nil)
	require.NoError(t, err)

	plan, err := mgr.LoadPlan(batchID)
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 2)
	assert.Equal(t, "01_parse", plan.Tasks[0].TaskID)
	assert.Equal(t, "02_analyze", plan.Tasks[1].TaskID)
	assert.Equal(t, []string{"01_parse"}, plan.Tasks[1].DependsOn)
}

func TestListBatches(t *testing.T) {
	storeRoot := t.TempDir()
	snapID := setupSnapshot(t, storeRoot)
	mgr := NewManager(storeRoot, fixedClock{t: time.Now()})

	ids, err := mgr.ListBatches()
	require.NoError(t, err)
	assert.Empty(t, ids)

	batchID, err := mgr.InitBatch(snapID, "parse", "", nil)
	require.NoError(t, err)

	ids, err = mgr.ListBatches()
	require.NoError(t, err)
	assert.Equal(t, []string{batchID}, ids)
}

func TestBatchMetaRoundTripsThroughJSON(t *testing.T) {
	storeRoot := t.TempDir()
	snapID := setupSnapshot(t, storeRoot)
	mgr := NewManager(storeRoot, fixedClock{t: time.Now()})

	batchID, err := mgr.InitBatch(snapID, "lint", "my-batch", map[string]interface{}{"note": "x"})
	require.NoError(t, err)
	assert.Equal(t, "my-batch", batchID)

	meta, err := mgr.LoadBatch(batchID)
	require.NoError(t, err)
	assert.Equal(t, "pending", meta.Status)
	assert.Equal(t, "lint", meta.Pipeline)

	raw, err := os.ReadFile(filepath.Join(mgr.BatchDir(batchID), "batch.json"))
	require.NoError(t, err)
	var generic map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &generic))
	assert.Equal(t, "codebatch.batch", generic["schema_name"])
}
