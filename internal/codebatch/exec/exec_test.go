package exec

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
func (f fixedClock) RandHex(n int) string { return "cccccccccccccccc"[:n*2] }

func buildFixture(t *testing.T, files map[string]string) (storeRoot, batchID string, r *runner.Runner) {
	t.Helper()
	storeRoot = t.TempDir()
	c := fixedClock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}

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

	return storeRoot, batchID, runner.New(storeRoot, c)
}

func runAllShards(t *testing.T, r *runner.Runner, batchID, taskID string, e runner.Executor) {
	t.Helper()
	for _, shardID := range batch.ShardIDs() {
		_, err := r.RunShard(batchID, taskID, shardID, e)
		require.NoError(t, err)
	}
}

func gatherOutputs(t *testing.T, r *runner.Runner, batchID, taskID string) []runner.OutputRecord {
	t.Helper()
	var all []runner.OutputRecord
	for _, shardID := range batch.ShardIDs() {
		records, err := r.GetOutputs(batchID, taskID, shardID)
		require.NoError(t, err)
		all = append(all, records...)
	}
	return all
}

func TestRegistryResolvesAllFourBuiltins(t *testing.T) {
	reg := NewRegistry()
	for _, taskType := range []string{"parse", "analyze", "symbols", "lint"} {
		_, ok := reg.Get(taskType)
		assert.True(t, ok, "expected executor registered for %s", taskType)
	}
	_, ok := reg.Get("no_such_type")
	assert.False(t, ok)
}

func TestParseExecutorEmitsASTForGoFile(t *testing.T) {
	storeRoot, batchID, r := buildFixture(t, map[string]string{
		"main.go": "package main\n\nfunc main() {\n\tif true {\n\t\tprintln(\"hi\")\n\t}\n}\n",
	})
	_ = storeRoot

	runAllShards(t, r, batchID, "01_parse", ParseExecutor)

	outputs := gatherOutputs(t, r, batchID, "01_parse")
	var astOutputs []runner.OutputRecord
	for _, o := range outputs {
		if o.Kind == "ast" {
			astOutputs = append(astOutputs, o)
		}
	}
	require.Len(t, astOutputs, 1)
	assert.Equal(t, "main.go", astOutputs[0].Path)
	assert.NotEmpty(t, astOutputs[0].Object)
	assert.Equal(t, "json", astOutputs[0].Format)
}

func TestParseExecutorFallsBackToTextStatsForUnknownLanguage(t *testing.T) {
	_, batchID, r := buildFixture(t, map[string]string{
		"data.unknownext": "hello world\nsecond line\n",
	})

	runAllShards(t, r, batchID, "01_parse", ParseExecutor)

	outputs := gatherOutputs(t, r, batchID, "01_parse")
	require.Len(t, outputs, 1)
	assert.Equal(t, "ast", outputs[0].Kind)
}

func TestAnalyzeExecutorEmitsBasicMetricsForEveryFile(t *testing.T) {
	_, batchID, r := buildFixture(t, map[string]string{
		"a.py": "x = 1\ny = 2\n",
	})

	runAllShards(t, r, batchID, "01_parse", ParseExecutor)
	runAllShards(t, r, batchID, "02_analyze", AnalyzeExecutor)

	outputs := gatherOutputs(t, r, batchID, "02_analyze")
	byMetric := map[string]bool{}
	for _, o := range outputs {
		if o.Kind != "metric" {
			continue
		}
		byMetric[o.Metric] = true
	}
	assert.True(t, byMetric["bytes"])
	assert.True(t, byMetric["loc"])
	assert.True(t, byMetric["lang"])
}

func TestAnalyzeExecutorComputesComplexityFromParsedAST(t *testing.T) {
	_, batchID, r := buildFixture(t, map[string]string{
		"main.go": "package main\n\nfunc f(x int) int {\n\tif x > 0 {\n\t\treturn x\n\t}\n\treturn 0\n}\n",
	})

	runAllShards(t, r, batchID, "01_parse", ParseExecutor)
	runAllShards(t, r, batchID, "02_analyze", AnalyzeExecutor)

	outputs := gatherOutputs(t, r, batchID, "02_analyze")
	found := false
	for _, o := range outputs {
		if o.Kind == "metric" && o.Metric == "function_count" {
			found = true
			assert.EqualValues(t, 1, o.Value)
		}
	}
	assert.True(t, found, "expected a function_count metric")
}

func TestSymbolsExecutorEmitsFunctionSymbolFromParsedAST(t *testing.T) {
	_, batchID, r := buildFixture(t, map[string]string{
		"main.go": "package main\n\nfunc Hello() {\n}\n",
	})

	runAllShards(t, r, batchID, "01_parse", ParseExecutor)
	runAllShards(t, r, batchID, "03_symbols", SymbolsExecutor)

	outputs := gatherOutputs(t, r, batchID, "03_symbols")
	var symbols []runner.OutputRecord
	for _, o := range outputs {
		if o.Kind == "symbol" {
			symbols = append(symbols, o)
		}
	}
	require.NotEmpty(t, symbols)
	assert.Equal(t, "function", symbols[0].SymbolType)
}

func TestSymbolsExecutorSkipsFilesWithoutParsedAST(t *testing.T) {
	_, batchID, r := buildFixture(t, map[string]string{
		"main.go": "package main\n",
	})

	// Deliberately skip 01_parse -- symbols has no prior outputs to read.
	outputs := gatherOutputs(t, r, batchID, "03_symbols")
	assert.Empty(t, outputs)
}

func TestLintExecutorDetectsTrailingWhitespaceAndMissingNewline(t *testing.T) {
	_, batchID, r := buildFixture(t, map[string]string{
		"bad.txt": "line one   \nline two",
	})

	runAllShards(t, r, batchID, "04_lint", LintExecutor)

	outputs := gatherOutputs(t, r, batchID, "04_lint")
	codes := map[string]int{}
	for _, o := range outputs {
		codes[o.Code]++
	}
	assert.Equal(t, 1, codes["L001"])
	assert.Equal(t, 1, codes["L005"])
}

func TestLintExecutorDetectsTodoAndTabsAndLongLines(t *testing.T) {
	longLine := ""
	for i := 0; i < 130; i++ {
		longLine += "x"
	}
	_, batchID, r := buildFixture(t, map[string]string{
		"bad.txt": "\tindented\n// TODO: fix this\n" + longLine + "\n",
	})

	runAllShards(t, r, batchID, "04_lint", LintExecutor)

	outputs := gatherOutputs(t, r, batchID, "04_lint")
	codes := map[string]int{}
	for _, o := range outputs {
		codes[o.Code]++
	}
	assert.Equal(t, 1, codes["L004"])
	assert.Equal(t, 1, codes["L003"])
	assert.Equal(t, 1, codes["L002"])
}

func TestLintExecutorConfigDisablesRules(t *testing.T) {
	_, batchID, r := buildFixture(t, map[string]string{
		"bad.txt": "line with trailing space   \n",
	})

	wrapped := func(config map[string]interface{}, files []snapshot.FileRecord, h *runner.Handle) ([]runner.OutputRecord, error) {
		cfg := map[string]interface{}{"check_trailing_whitespace": false}
		return LintExecutor(cfg, files, h)
	}
	runAllShards(t, r, batchID, "04_lint", wrapped)

	outputs := gatherOutputs(t, r, batchID, "04_lint")
	for _, o := range outputs {
		assert.NotEqual(t, "L001", o.Code)
	}
}
