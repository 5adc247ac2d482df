package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/go-cmp/cmp"

	"codebatch/internal/codebatch/batch"
	"codebatch/internal/codebatch/cacheidx"
	"codebatch/internal/codebatch/mangle"
	"codebatch/internal/codebatch/query"
	"codebatch/internal/codebatch/runner"
	"codebatch/internal/codebatch/store"
)

// outputKinds enumerates every kind the four built-in executors emit, used
// by gates that need to enumerate cache-supported queries exhaustively.
var outputKinds = []string{"ast", "metric", "symbol", "edge", "diagnostic"}

// storeLayoutSchema declares the one-rule Datalog program the store-layout
// and truth-guard gates both evaluate: an observed entry is ok exactly when
// it is also a declared allowed name. Violations are whatever observed
// entries did NOT come back from the ok(Name) query -- computed as a plain
// Go set difference rather than through Datalog negation, since the positive
// join is all either gate's check needs.
const storeLayoutSchema = `
Decl allowed(name: string).
Decl entry(name: string).
Decl ok(name: string).
ok(Name) :- entry(Name), allowed(Name).
`

func evaluateAgainstAllowed(ctx context.Context, allowed, entries []string) (map[string]bool, error) {
	eng := mangle.NewEngine()
	defer eng.Close()
	if err := eng.LoadSchemaString(storeLayoutSchema); err != nil {
		return nil, err
	}
	for _, name := range allowed {
		if err := eng.AddFact("allowed", name); err != nil {
			return nil, err
		}
	}
	for _, name := range entries {
		if err := eng.AddFact("entry", name); err != nil {
			return nil, err
		}
	}
	rows, err := eng.Query(ctx, "ok(Name)")
	if err != nil {
		return nil, err
	}
	okSet := make(map[string]bool, len(rows))
	for _, row := range rows {
		if name, ok := row["Name"].(string); ok {
			okSet[name] = true
		}
	}
	return okSet, nil
}

// storeLayoutGate checks that every entry directly under the store root is
// either store.json or one of the four allow-listed top-level directories.
func storeLayoutGate(ctx context.Context, gctx *Context, deps *Deps) (*Result, error) {
	res := NewResult("store-layout", StatusEnforced)

	dirEntries, err := os.ReadDir(gctx.StoreRoot)
	if err != nil {
		return nil, err
	}
	var entries []string
	for _, e := range dirEntries {
		entries = append(entries, e.Name())
	}

	allowed := append([]string{"store.json"}, store.TopLevelDirs()...)
	okSet, err := evaluateAgainstAllowed(ctx, allowed, entries)
	if err != nil {
		return nil, err
	}

	res.Details["entries"] = entries
	for _, name := range entries {
		if !okSet[name] {
			res.AddFailure(Failure{
				Message:  fmt.Sprintf("unexpected top-level store entry %q", name),
				Location: name,
			})
		}
	}
	return res, nil
}

// truthGuardGate checks that every top-level directory under the store
// root (excluding the two top-level metadata files) is one of the four
// directories a run is allowed to create: objects, snapshots, batches, or
// indexes.
func truthGuardGate(ctx context.Context, gctx *Context, deps *Deps) (*Result, error) {
	res := NewResult("truth-guard", StatusEnforced)

	dirEntries, err := os.ReadDir(gctx.StoreRoot)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, e := range dirEntries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}

	okSet, err := evaluateAgainstAllowed(ctx, store.TopLevelDirs(), dirs)
	if err != nil {
		return nil, err
	}

	res.Details["directories"] = dirs
	for _, name := range dirs {
		if !okSet[name] {
			res.AddFailure(Failure{
				Message:  fmt.Sprintf("path created outside objects/snapshots/batches/indexes: %q", name),
				Location: name,
			})
		}
	}
	return res, nil
}

// forceShardReady writes a shard's state.json directly to status=ready,
// preserving its attempt counter. Runner.ResetShard refuses to do this for
// a "done" shard (only a "failed" shard may legally retry); this gate
// probes the stronger invariant spec.md names -- that a shard's outputs are
// reproducible regardless of how it got back to ready -- so it reaches past
// the production single-attempt-retry API to force the transition.
func forceShardReady(mgr *batch.Manager, batchID, taskID, shardID string) error {
	state, err := mgr.LoadShardState(batchID, taskID, shardID)
	if err != nil {
		return err
	}
	state.Status = "ready"
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	path := filepath.Join(mgr.ShardDir(batchID, taskID, shardID), "state.json")
	return os.WriteFile(path, data, 0o644)
}

func canonicalOutputs(records []runner.OutputRecord) []runner.OutputRecord {
	out := make([]runner.OutputRecord, len(records))
	for i, r := range records {
		r.TS = ""
		out[i] = r
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Code < out[j].Code
	})
	return out
}

// retryDeterminismGate runs every shard to done, forces it back to ready,
// reruns it, and checks the rerun produces the same record count and the
// same output set modulo timestamps.
func retryDeterminismGate(ctx context.Context, gctx *Context, deps *Deps) (*Result, error) {
	res := NewResult("retry-determinism", StatusEnforced)

	plan, err := deps.Batches.LoadPlan(gctx.BatchID)
	if err != nil {
		return nil, err
	}

	for _, td := range plan.Tasks {
		executor, ok := deps.Executors.Get(td.Type)
		if !ok {
			continue
		}
		for _, shardID := range batch.ShardIDs() {
			state, err := deps.Batches.LoadShardState(gctx.BatchID, td.TaskID, shardID)
			if err != nil {
				return nil, err
			}
			if state.Status != "done" {
				res.AddFailure(Failure{Message: fmt.Sprintf(
					"shard %s/%s must be done before a retry-determinism check, was %q", td.TaskID, shardID, state.Status)})
				continue
			}

			before, err := deps.Runner.GetOutputs(gctx.BatchID, td.TaskID, shardID)
			if err != nil {
				return nil, err
			}

			if err := forceShardReady(deps.Batches, gctx.BatchID, td.TaskID, shardID); err != nil {
				return nil, err
			}

			after, err := deps.Runner.RunShard(gctx.BatchID, td.TaskID, shardID, executor)
			if err != nil {
				return nil, err
			}
			if after.Status != "done" {
				res.AddFailure(Failure{Message: fmt.Sprintf("shard %s/%s did not return to done on rerun", td.TaskID, shardID)})
				continue
			}

			rerun, err := deps.Runner.GetOutputs(gctx.BatchID, td.TaskID, shardID)
			if err != nil {
				return nil, err
			}

			if len(before) != len(rerun) {
				res.AddFailure(Failure{
					Message:  fmt.Sprintf("shard %s/%s record count changed on rerun", td.TaskID, shardID),
					Expected: len(before),
					Actual:   len(rerun),
				})
				continue
			}
			if diff := cmp.Diff(canonicalOutputs(before), canonicalOutputs(rerun)); diff != "" {
				res.AddFailure(Failure{
					Message:  fmt.Sprintf("shard %s/%s outputs diverged on rerun", td.TaskID, shardID),
					Location: diff,
				})
			}
		}
	}
	return res, nil
}

// eventsIndependenceGate snapshots every task's query results, deletes
// every events.jsonl under the batch, and checks the same queries return
// byte-equal results -- proving the query surface never reads events.jsonl.
func eventsIndependenceGate(ctx context.Context, gctx *Context, deps *Deps) (*Result, error) {
	res := NewResult("events-independence", StatusEnforced)

	plan, err := deps.Batches.LoadPlan(gctx.BatchID)
	if err != nil {
		return nil, err
	}

	type taskSnapshot struct {
		taskID      string
		outputs     []runner.OutputRecord
		diagnostics []runner.OutputRecord
		stats       map[string]int
	}

	before := make([]taskSnapshot, 0, len(plan.Tasks))
	for _, td := range plan.Tasks {
		outs, err := deps.Query.QueryOutputs(gctx.BatchID, td.TaskID, "", "")
		if err != nil {
			return nil, err
		}
		diags, err := deps.Query.QueryDiagnostics(gctx.BatchID, td.TaskID, "", "", "")
		if err != nil {
			return nil, err
		}
		stats, err := deps.Query.QueryStats(gctx.BatchID, td.TaskID, query.GroupByKind)
		if err != nil {
			return nil, err
		}
		before = append(before, taskSnapshot{td.TaskID, outs, diags, stats})
	}

	batchEvents := filepath.Join(deps.Batches.BatchDir(gctx.BatchID), "events.jsonl")
	if err := os.Remove(batchEvents); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, td := range plan.Tasks {
		taskEvents := filepath.Join(deps.Batches.TaskDir(gctx.BatchID, td.TaskID), "events.jsonl")
		if err := os.Remove(taskEvents); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}

	for _, snap := range before {
		outs, err := deps.Query.QueryOutputs(gctx.BatchID, snap.taskID, "", "")
		if err != nil {
			return nil, err
		}
		diags, err := deps.Query.QueryDiagnostics(gctx.BatchID, snap.taskID, "", "", "")
		if err != nil {
			return nil, err
		}
		stats, err := deps.Query.QueryStats(gctx.BatchID, snap.taskID, query.GroupByKind)
		if err != nil {
			return nil, err
		}

		if diff := cmp.Diff(snap.outputs, outs); diff != "" {
			res.AddFailure(Failure{Message: fmt.Sprintf("task %s outputs changed after deleting events", snap.taskID), Location: diff})
		}
		if diff := cmp.Diff(snap.diagnostics, diags); diff != "" {
			res.AddFailure(Failure{Message: fmt.Sprintf("task %s diagnostics changed after deleting events", snap.taskID), Location: diff})
		}
		if diff := cmp.Diff(snap.stats, stats); diff != "" {
			res.AddFailure(Failure{Message: fmt.Sprintf("task %s stats changed after deleting events", snap.taskID), Location: diff})
		}
	}
	return res, nil
}

// comparableOutput is the projection both a query.Engine scan and a
// cacheidx.Reader lookup are reduced to before comparison, since their
// native record types differ (runner.OutputRecord vs. cacheidx.OutputInfo).
type comparableOutput struct {
	Path, Kind, Object, Format string
}

func fromScanOutputs(kind string, in []runner.OutputRecord) []comparableOutput {
	out := make([]comparableOutput, len(in))
	for i, o := range in {
		out[i] = comparableOutput{Path: o.Path, Kind: kind, Object: o.Object, Format: o.Format}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func fromCacheOutputs(in []cacheidx.OutputInfo) []comparableOutput {
	out := make([]comparableOutput, len(in))
	for i, o := range in {
		out[i] = comparableOutput{Path: o.Path, Kind: o.Kind, Object: o.Object, Format: o.Format}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// cacheEquivalenceGate rebuilds the cache and checks that, for every task
// and output kind present, a scan query and the equivalent cache lookup
// return the same records under canonicalization, and that kind-grouped
// stats agree too.
func cacheEquivalenceGate(ctx context.Context, gctx *Context, deps *Deps) (*Result, error) {
	res := NewResult("cache-equivalence", StatusEnforced)

	plan, err := deps.Batches.LoadPlan(gctx.BatchID)
	if err != nil {
		return nil, err
	}
	meta, err := deps.Batches.LoadBatch(gctx.BatchID)
	if err != nil {
		return nil, err
	}

	if _, err := cacheidx.BuildIndex(gctx.StoreRoot, deps.Batches, deps.Snapshots, gctx.BatchID, true, deps.Clock); err != nil {
		return nil, err
	}
	reader, env, err := cacheidx.TryOpenCache(gctx.StoreRoot, deps.Batches, gctx.BatchID)
	if err != nil {
		return nil, err
	}
	if reader == nil {
		res.AddFailure(Failure{Message: "cache reported invalid immediately after a fresh rebuild"})
		return res, nil
	}
	defer env.Close()

	for _, td := range plan.Tasks {
		for _, kind := range outputKinds {
			scanList, err := deps.Query.QueryOutputs(gctx.BatchID, td.TaskID, kind, "")
			if err != nil {
				return nil, err
			}
			cacheList, err := reader.IterOutputsByKind(meta.SnapshotID, gctx.BatchID, td.TaskID, kind)
			if err != nil {
				return nil, err
			}
			if diff := cmp.Diff(fromScanOutputs(kind, scanList), fromCacheOutputs(cacheList)); diff != "" {
				res.AddFailure(Failure{
					Message:  fmt.Sprintf("task %s kind %s: scan and cache disagree", td.TaskID, kind),
					Location: diff,
				})
			}
		}

		scanStats, err := deps.Query.QueryStats(gctx.BatchID, td.TaskID, query.GroupByKind)
		if err != nil {
			return nil, err
		}
		cacheStatEntries, err := reader.IterStats(meta.SnapshotID, gctx.BatchID, td.TaskID, "kind")
		if err != nil {
			return nil, err
		}
		cacheStats := make(map[string]int, len(cacheStatEntries))
		for _, se := range cacheStatEntries {
			cacheStats[se.Value] = int(se.Count)
		}
		if diff := cmp.Diff(scanStats, cacheStats); diff != "" {
			res.AddFailure(Failure{
				Message:  fmt.Sprintf("task %s: scan and cache kind-stat counts disagree", td.TaskID),
				Location: diff,
			})
		}
	}
	return res, nil
}

// cacheDeletionEquivalenceGate builds the cache, records what it returns
// for every task/kind pair with outputs, deletes indexes/ entirely, and
// checks the plain scan query now returns the same records -- the cache
// carried no information the authoritative outputs didn't already have.
func cacheDeletionEquivalenceGate(ctx context.Context, gctx *Context, deps *Deps) (*Result, error) {
	res := NewResult("cache-deletion-equivalence", StatusEnforced)

	plan, err := deps.Batches.LoadPlan(gctx.BatchID)
	if err != nil {
		return nil, err
	}
	meta, err := deps.Batches.LoadBatch(gctx.BatchID)
	if err != nil {
		return nil, err
	}

	if _, err := cacheidx.BuildIndex(gctx.StoreRoot, deps.Batches, deps.Snapshots, gctx.BatchID, true, deps.Clock); err != nil {
		return nil, err
	}
	reader, env, err := cacheidx.TryOpenCache(gctx.StoreRoot, deps.Batches, gctx.BatchID)
	if err != nil {
		return nil, err
	}
	if reader == nil {
		res.AddFailure(Failure{Message: "cache reported invalid immediately after a fresh rebuild"})
		return res, nil
	}

	type before struct {
		taskID, kind string
		outputs      []comparableOutput
	}
	var snapshots []before
	for _, td := range plan.Tasks {
		for _, kind := range outputKinds {
			cacheList, err := reader.IterOutputsByKind(meta.SnapshotID, gctx.BatchID, td.TaskID, kind)
			if err != nil {
				env.Close()
				return nil, err
			}
			if len(cacheList) > 0 {
				snapshots = append(snapshots, before{td.TaskID, kind, fromCacheOutputs(cacheList)})
			}
		}
	}
	env.Close()

	if err := os.RemoveAll(filepath.Join(gctx.StoreRoot, "indexes")); err != nil {
		return nil, err
	}

	for _, snap := range snapshots {
		scanList, err := deps.Query.QueryOutputs(gctx.BatchID, snap.taskID, snap.kind, "")
		if err != nil {
			return nil, err
		}
		if diff := cmp.Diff(snap.outputs, fromScanOutputs(snap.kind, scanList)); diff != "" {
			res.AddFailure(Failure{
				Message:  fmt.Sprintf("task %s kind %s diverged after cache deletion", snap.taskID, snap.kind),
				Location: diff,
			})
		}
	}
	return res, nil
}

// rebuildDeterminismGate rebuilds the cache twice from the same
// authoritative outputs and checks every cache-supported query returns the
// same results both times.
func rebuildDeterminismGate(ctx context.Context, gctx *Context, deps *Deps) (*Result, error) {
	res := NewResult("rebuild-determinism", StatusEnforced)

	plan, err := deps.Batches.LoadPlan(gctx.BatchID)
	if err != nil {
		return nil, err
	}
	meta, err := deps.Batches.LoadBatch(gctx.BatchID)
	if err != nil {
		return nil, err
	}

	if _, err := cacheidx.BuildIndex(gctx.StoreRoot, deps.Batches, deps.Snapshots, gctx.BatchID, true, deps.Clock); err != nil {
		return nil, err
	}
	firstReader, firstEnv, err := cacheidx.TryOpenCache(gctx.StoreRoot, deps.Batches, gctx.BatchID)
	if err != nil {
		return nil, err
	}
	if firstReader == nil {
		res.AddFailure(Failure{Message: "cache reported invalid immediately after the first build"})
		return res, nil
	}

	type before struct {
		taskID, kind string
		outputs      []comparableOutput
	}
	var snapshots []before
	for _, td := range plan.Tasks {
		for _, kind := range outputKinds {
			cacheList, err := firstReader.IterOutputsByKind(meta.SnapshotID, gctx.BatchID, td.TaskID, kind)
			if err != nil {
				firstEnv.Close()
				return nil, err
			}
			snapshots = append(snapshots, before{td.TaskID, kind, fromCacheOutputs(cacheList)})
		}
	}
	firstEnv.Close()

	if _, err := cacheidx.BuildIndex(gctx.StoreRoot, deps.Batches, deps.Snapshots, gctx.BatchID, true, deps.Clock); err != nil {
		return nil, err
	}
	secondReader, secondEnv, err := cacheidx.TryOpenCache(gctx.StoreRoot, deps.Batches, gctx.BatchID)
	if err != nil {
		return nil, err
	}
	if secondReader == nil {
		res.AddFailure(Failure{Message: "cache reported invalid immediately after the second build"})
		return res, nil
	}
	defer secondEnv.Close()

	for _, snap := range snapshots {
		cacheList, err := secondReader.IterOutputsByKind(meta.SnapshotID, gctx.BatchID, snap.taskID, snap.kind)
		if err != nil {
			return nil, err
		}
		if diff := cmp.Diff(snap.outputs, fromCacheOutputs(cacheList)); diff != "" {
			res.AddFailure(Failure{
				Message:  fmt.Sprintf("task %s kind %s diverged between two cache rebuilds", snap.taskID, snap.kind),
				Location: diff,
			})
		}
	}
	return res, nil
}

// DefaultRegistry registers the seven gates spec.md's gate catalogue names,
// with their aliases and phase/bundle tags.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	defs := []*Definition{
		{
			GateID:         "store-layout",
			Title:          "Store top-level layout",
			Description:    "Every top-level store entry is store.json or an allow-listed directory.",
			Status:         StatusEnforced,
			RequiredInputs: []string{"store"},
			Tags:           []string{"phase1"},
			Aliases:        []string{"L1"},
			Entrypoint:     storeLayoutGate,
		},
		{
			GateID:         "truth-guard",
			Title:          "Truth-store path guard",
			Description:    "Every path a run creates lives under objects/, snapshots/, batches/, or indexes/.",
			Status:         StatusEnforced,
			RequiredInputs: []string{"store"},
			Tags:           []string{"phase1"},
			Aliases:        []string{"TG1"},
			Entrypoint:     truthGuardGate,
		},
		{
			GateID:         "retry-determinism",
			Title:          "Shard retry determinism",
			Description:    "A done shard forced back to ready and rerun reproduces the same outputs.",
			Status:         StatusEnforced,
			RequiredInputs: []string{"store", "batch"},
			Tags:           []string{"phase2"},
			Aliases:        []string{"RD1"},
			Entrypoint:     retryDeterminismGate,
		},
		{
			GateID:         "events-independence",
			Title:          "Query/events independence",
			Description:    "Deleting every events.jsonl under a batch leaves every query byte-equal.",
			Status:         StatusEnforced,
			RequiredInputs: []string{"store", "batch"},
			Tags:           []string{"phase2"},
			Aliases:        []string{"EI1"},
			Entrypoint:     eventsIndependenceGate,
		},
		{
			GateID:         "cache-equivalence",
			Title:          "Cache/scan equivalence",
			Description:    "Every cache-supported query returns the same result as a plain scan.",
			Status:         StatusEnforced,
			RequiredInputs: []string{"store", "batch"},
			Tags:           []string{"phase3"},
			Aliases:        []string{"CE1"},
			Entrypoint:     cacheEquivalenceGate,
		},
		{
			GateID:         "cache-deletion-equivalence",
			Title:          "Cache deletion equivalence",
			Description:    "Deleting the cache and falling back to scans reproduces the prior cached results.",
			Status:         StatusEnforced,
			RequiredInputs: []string{"store", "batch"},
			Tags:           []string{"phase3"},
			Aliases:        []string{"CDE1"},
			Entrypoint:     cacheDeletionEquivalenceGate,
		},
		{
			GateID:         "rebuild-determinism",
			Title:          "Cache rebuild determinism",
			Description:    "Rebuilding the cache from the same outputs twice returns identical query results.",
			Status:         StatusEnforced,
			RequiredInputs: []string{"store", "batch"},
			Tags:           []string{"phase3"},
			Aliases:        []string{"RB1"},
			Entrypoint:     rebuildDeterminismGate,
		},
	}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
	return r
}
