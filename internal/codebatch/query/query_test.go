package query

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codebatch/internal/codebatch/batch"
	"codebatch/internal/codebatch/runner"
	"codebatch/internal/codebatch/snapshot"
)

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time       { return f.t }
func (f fixedClock) RandHex(n int) string { return "bbbbbbbb"[:n*2] }

func buildFixture(t *testing.T) (storeRoot, batchID string) {
	t.Helper()
	storeRoot = t.TempDir()
	c := fixedClock{t: time.Now()}

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.py"), []byte("x = 1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "b.go"), []byte("package b\n"), 0o644))

	snapBuilder := snapshot.NewBuilder(storeRoot, c)
	snapshotID, err := snapBuilder.Build(src, "", nil)
	require.NoError(t, err)

	mgr := batch.NewManager(storeRoot, c)
	batchID, err = mgr.InitBatch(snapshotID, "lint", "", nil)
	require.NoError(t, err)

	records, err := snapBuilder.LoadFileIndex(snapshotID)
	require.NoError(t, err)

	r := runner.New(storeRoot, c)
	for _, shardID := range batch.ShardIDs() {
		_, err := r.RunShard(batchID, "01_parse", shardID, func(cfg map[string]interface{}, files []snapshot.FileRecord, h *runner.Handle) ([]runner.OutputRecord, error) {
			var out []runner.OutputRecord
			for _, f := range files {
				out = append(out, runner.OutputRecord{Path: f.Path, Kind: "ast"})
			}
			return out, nil
		})
		require.NoError(t, err)
	}

	for _, shardID := range batch.ShardIDs() {
		_, err := r.RunShard(batchID, "04_lint", shardID, func(cfg map[string]interface{}, files []snapshot.FileRecord, h *runner.Handle) ([]runner.OutputRecord, error) {
			var out []runner.OutputRecord
			for _, f := range files {
				out = append(out, runner.OutputRecord{Path: f.Path, Kind: "diagnostic", Severity: "warning", Code: "L001"})
			}
			return out, nil
		})
		require.NoError(t, err)
	}

	_ = records
	return storeRoot, batchID
}

func TestQueryOutputsFiltersByKindAndPath(t *testing.T) {
	storeRoot, batchID := buildFixture(t)
	e := New(storeRoot)

	outputs, err := e.QueryOutputs(batchID, "01_parse", "ast", "")
	require.NoError(t, err)
	assert.Len(t, outputs, 2)

	outputs, err = e.QueryOutputs(batchID, "01_parse", "ast", "a.py")
	require.NoError(t, err)
	assert.Len(t, outputs, 1)
}

func TestQueryDiagnosticsFiltersBySeverity(t *testing.T) {
	storeRoot, batchID := buildFixture(t)
	e := New(storeRoot)

	diags, err := e.QueryDiagnostics(batchID, "04_lint", "warning", "", "")
	require.NoError(t, err)
	assert.Len(t, diags, 2)

	diags, err = e.QueryDiagnostics(batchID, "04_lint", "error", "", "")
	require.NoError(t, err)
	assert.Empty(t, diags)
}

func TestQueryStatsGroupByLangJoinsSnapshotHint(t *testing.T) {
	storeRoot, batchID := buildFixture(t)
	e := New(storeRoot)

	stats, err := e.QueryStats(batchID, "01_parse", GroupByLang)
	require.NoError(t, err)
	assert.Equal(t, 1, stats["python"])
	assert.Equal(t, 1, stats["go"])
}

func TestQueryStatsGroupByKind(t *testing.T) {
	storeRoot, batchID := buildFixture(t)
	e := New(storeRoot)

	stats, err := e.QueryStats(batchID, "04_lint", GroupByKind)
	require.NoError(t, err)
	assert.Equal(t, 2, stats["diagnostic"])
}

func TestQueryFailedFilesEmptyWhenNoErrors(t *testing.T) {
	storeRoot, batchID := buildFixture(t)
	e := New(storeRoot)

	failed, err := e.QueryFailedFiles(batchID, "04_lint")
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestGetTaskSummary(t *testing.T) {
	storeRoot, batchID := buildFixture(t)
	e := New(storeRoot)

	summary, err := e.GetTaskSummary(batchID, "04_lint")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalOutputs)
	assert.Equal(t, 2, summary.FilesWithOutputs)
	assert.Equal(t, 0, summary.FilesWithErrors)
}

func TestQueryOutputsOnMissingTaskReturnsEmpty(t *testing.T) {
	storeRoot, batchID := buildFixture(t)
	e := New(storeRoot)

	outputs, err := e.QueryOutputs(batchID, "no_such_task", "", "")
	require.NoError(t, err)
	assert.Empty(t, outputs)
}
