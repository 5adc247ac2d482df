// Package workflow orchestrates batch execution on top of the batch and
// runner primitives: sequential-by-default, idempotently resumable, with
// an opt-in bounded-parallel mode (C7).
package workflow

import (
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"

	"codebatch/internal/codebatch/batch"
	"codebatch/internal/codebatch/cas"
	"codebatch/internal/codebatch/exec"
	"codebatch/internal/codebatch/query"
	"codebatch/internal/codebatch/runner"
	"codebatch/internal/codebatch/snapshot"
)

// ShardProgress is the progress of a single shard.
type ShardProgress struct {
	ShardID        string
	Status         string
	FilesProcessed int
	OutputsWritten int
	Error          string
}

// TaskProgress is the progress of a single task.
type TaskProgress struct {
	TaskID      string
	TaskType    string
	Status      string
	ShardsTotal int
	ShardsDone  int
	ShardsReady int
	ShardsFailed int
}

// BatchProgress is the overall progress of a batch.
type BatchProgress struct {
	BatchID      string
	SnapshotID   string
	Pipeline     string
	Status       string
	Tasks        []TaskProgress
	TotalShards  int
	DoneShards   int
	FailedShards int
}

// RunResult summarizes one Run or Resume invocation.
type RunResult struct {
	BatchID         string
	Success         bool
	TasksCompleted  int
	TasksFailed     int
	ShardsCompleted int
	ShardsFailed    int
	Error           string
}

// ShardCallback observes a shard transition during Run/Resume.
type ShardCallback func(batchID, taskID, shardID string)

// ShardDoneCallback observes a shard's final state during Run/Resume.
type ShardDoneCallback func(batchID, taskID, shardID string, state *batch.ShardState)

// Runner orchestrates batch execution, composing the batch, runner, and
// exec-registry primitives.
type Runner struct {
	storeRoot string
	batches   *batch.Manager
	runner    *runner.Runner
	snapshots *snapshot.Builder
	executors *exec.Registry
}

// New returns a workflow Runner rooted at storeRoot, using the given
// executor registry to dispatch task types to concrete Executors.
func New(storeRoot string, batches *batch.Manager, r *runner.Runner, snapshots *snapshot.Builder, executors *exec.Registry) *Runner {
	return &Runner{storeRoot: storeRoot, batches: batches, runner: r, snapshots: snapshots, executors: executors}
}

func (w *Runner) shardsWithFiles(snapshotID string) (map[string]bool, error) {
	records, err := w.snapshots.LoadFileIndex(snapshotID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	for _, r := range records {
		prefix, err := cas.ShardPrefix(r.Object)
		if err != nil {
			continue
		}
		out[prefix] = true
	}
	return out, nil
}

func sortedShardIDs(set map[string]bool) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// dependenciesComplete mirrors runner's own gate, used here only to decide
// whether to skip a shard (to avoid generating a noisy error) before even
// calling RunShard.
func (w *Runner) dependenciesComplete(batchID, shardID string, dependsOn []string) bool {
	for _, dep := range dependsOn {
		state, err := w.batches.LoadShardState(batchID, dep, shardID)
		if err != nil || state.Status != "done" {
			return false
		}
	}
	return true
}

// RunOptions configures a Run/Resume invocation.
type RunOptions struct {
	TaskFilter  string
	Parallel    int // 0 or 1 = sequential
	OnStart     ShardCallback
	OnComplete  ShardDoneCallback
}

// Run executes every task/shard of a batch in plan order. Shards already
// marked done are skipped (this makes Run and Resume the same operation).
func (w *Runner) Run(batchID string, opts RunOptions) (*RunResult, error) {
	batchMeta, err := w.batches.LoadBatch(batchID)
	if err != nil {
		return nil, err
	}
	plan, err := w.batches.LoadPlan(batchID)
	if err != nil {
		return nil, err
	}

	shardSet, err := w.shardsWithFiles(batchMeta.SnapshotID)
	if err != nil {
		return nil, err
	}
	shardIDs := sortedShardIDs(shardSet)

	result := &RunResult{BatchID: batchID, Success: true}

	for _, taskDef := range plan.Tasks {
		if opts.TaskFilter != "" && taskDef.TaskID != opts.TaskFilter {
			continue
		}

		executor, ok := w.executors.Get(taskDef.Type)
		if !ok {
			result.Error = "unknown executor type: " + taskDef.Type
			result.Success = false
			return result, nil
		}

		taskFailed, completed, failed := w.runTask(batchID, taskDef.TaskID, taskDef.DependsOn, shardIDs, executor, opts)
		result.ShardsCompleted += completed
		result.ShardsFailed += failed
		if taskFailed {
			result.TasksFailed++
		} else {
			result.TasksCompleted++
		}
	}

	result.Success = result.TasksFailed == 0
	return result, nil
}

func (w *Runner) runTask(batchID, taskID string, dependsOn, shardIDs []string, executor runner.Executor, opts RunOptions) (taskFailed bool, completed, failed int) {
	parallel := opts.Parallel
	if parallel < 1 {
		parallel = 1
	}

	type outcome struct {
		done bool
		ok   bool
	}
	outcomes := make([]outcome, len(shardIDs))

	runOne := func(i int) error {
		shardID := shardIDs[i]

		state, err := w.batches.LoadShardState(batchID, taskID, shardID)
		if err != nil {
			return nil // shard doesn't exist for this task; skip
		}
		if state.Status == "done" {
			outcomes[i] = outcome{done: true, ok: true}
			return nil
		}
		if len(dependsOn) > 0 && !w.dependenciesComplete(batchID, shardID, dependsOn) {
			return nil
		}

		if opts.OnStart != nil {
			opts.OnStart(batchID, taskID, shardID)
		}

		final, err := w.runner.RunShard(batchID, taskID, shardID, executor)
		if err != nil {
			final, _ = w.batches.LoadShardState(batchID, taskID, shardID)
		}
		if opts.OnComplete != nil && final != nil {
			opts.OnComplete(batchID, taskID, shardID, final)
		}
		if final != nil && final.Status == "done" {
			outcomes[i] = outcome{done: true, ok: true}
		} else {
			outcomes[i] = outcome{done: true, ok: false}
		}
		return nil
	}

	if parallel == 1 {
		for i := range shardIDs {
			_ = runOne(i)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(parallel)
		for i := range shardIDs {
			i := i
			g.Go(func() error { return runOne(i) })
		}
		_ = g.Wait()
	}

	for _, o := range outcomes {
		if !o.done {
			continue
		}
		if o.ok {
			completed++
		} else {
			failed++
			taskFailed = true
		}
	}
	return taskFailed, completed, failed
}

// Resume is an alias for Run: Run already skips shards already marked done,
// so resuming a partially-completed batch is the same operation.
func (w *Runner) Resume(batchID string, opts RunOptions) (*RunResult, error) {
	return w.Run(batchID, opts)
}

// Status reports the current progress of every task and shard in a batch.
func (w *Runner) Status(batchID string) (*BatchProgress, error) {
	batchMeta, err := w.batches.LoadBatch(batchID)
	if err != nil {
		return nil, err
	}
	plan, err := w.batches.LoadPlan(batchID)
	if err != nil {
		return nil, err
	}

	progress := &BatchProgress{
		BatchID:    batchID,
		SnapshotID: batchMeta.SnapshotID,
		Pipeline:   batchMeta.Pipeline,
		Status:     "pending",
	}

	for _, taskDef := range plan.Tasks {
		tp, err := w.taskProgress(batchID, taskDef.TaskID, taskDef.Type)
		if err != nil {
			return nil, err
		}
		progress.Tasks = append(progress.Tasks, *tp)
		progress.TotalShards += tp.ShardsTotal
		progress.DoneShards += tp.ShardsDone
		progress.FailedShards += tp.ShardsFailed
	}

	switch {
	case progress.FailedShards > 0:
		progress.Status = "failed"
	case progress.TotalShards > 0 && progress.DoneShards == progress.TotalShards:
		progress.Status = "done"
	case progress.DoneShards > 0:
		progress.Status = "running"
	default:
		progress.Status = "pending"
	}

	return progress, nil
}

func (w *Runner) taskProgress(batchID, taskID, taskType string) (*TaskProgress, error) {
	tp := &TaskProgress{TaskID: taskID, TaskType: taskType, Status: "pending"}

	shardsDir := filepath.Join(w.batches.TaskDir(batchID, taskID), "shards")
	entries, err := os.ReadDir(shardsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return tp, nil
		}
		return nil, err
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		state, err := w.batches.LoadShardState(batchID, taskID, e.Name())
		if err != nil {
			continue
		}
		tp.ShardsTotal++
		switch state.Status {
		case "done":
			tp.ShardsDone++
		case "failed":
			tp.ShardsFailed++
		case "ready":
			tp.ShardsReady++
		}
	}

	switch {
	case tp.ShardsFailed > 0:
		tp.Status = "failed"
	case tp.ShardsTotal > 0 && tp.ShardsDone == tp.ShardsTotal:
		tp.Status = "done"
	case tp.ShardsDone > 0:
		tp.Status = "running"
	case tp.ShardsReady > 0:
		tp.Status = "ready"
	}

	return tp, nil
}

// ShardsForTask returns per-shard progress details for a task, sorted by
// shard ID.
func (w *Runner) ShardsForTask(batchID, taskID string) ([]ShardProgress, error) {
	shardsDir := filepath.Join(w.batches.TaskDir(batchID, taskID), "shards")
	entries, err := os.ReadDir(shardsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []ShardProgress
	for _, shardID := range names {
		state, err := w.batches.LoadShardState(batchID, taskID, shardID)
		if err != nil {
			continue
		}
		sp := ShardProgress{ShardID: shardID, Status: state.Status, Error: state.Error}
		out = append(out, sp)
	}
	return out, nil
}

// OutputSummary reports output counts by kind and diagnostic counts by
// severity, across every task in a batch (or a single task if taskFilter
// is non-empty).
type OutputSummary struct {
	BatchID string
	Tasks   map[string]TaskOutputSummary
	Totals  Totals
}

// TaskOutputSummary is the per-task slice of an OutputSummary.
type TaskOutputSummary struct {
	OutputsByKind         map[string]int
	DiagnosticsBySeverity map[string]int
	TotalOutputs          int
}

// Totals aggregates an OutputSummary across every included task.
type Totals struct {
	Outputs     int
	Diagnostics int
	Errors      int
	Warnings    int
}

// GetOutputSummary builds an OutputSummary by delegating aggregate counts
// to the query engine.
func GetOutputSummary(storeRoot string, batches *batch.Manager, batchID, taskFilter string) (*OutputSummary, error) {
	engine := query.New(storeRoot)

	plan, err := batches.LoadPlan(batchID)
	if err != nil {
		return nil, err
	}

	summary := &OutputSummary{BatchID: batchID, Tasks: make(map[string]TaskOutputSummary)}

	for _, taskDef := range plan.Tasks {
		if taskFilter != "" && taskDef.TaskID != taskFilter {
			continue
		}

		kindStats, err := engine.QueryStats(batchID, taskDef.TaskID, query.GroupByKind)
		if err != nil {
			return nil, err
		}
		sevStats, err := engine.QueryStats(batchID, taskDef.TaskID, query.GroupBySeverity)
		if err != nil {
			return nil, err
		}
		// QueryStats files every record without a severity (all non-diagnostic
		// outputs) under "none"; those are not diagnostics.
		delete(sevStats, "none")

		total := 0
		for _, n := range kindStats {
			total += n
		}

		summary.Tasks[taskDef.TaskID] = TaskOutputSummary{
			OutputsByKind:         kindStats,
			DiagnosticsBySeverity: sevStats,
			TotalOutputs:          total,
		}
		summary.Totals.Outputs += total

		for sev, n := range sevStats {
			switch sev {
			case "error":
				summary.Totals.Errors += n
			case "warning":
				summary.Totals.Warnings += n
			}
			summary.Totals.Diagnostics += n
		}
	}

	return summary, nil
}

// PipelineInfo is the summary form of a registered pipeline.
type PipelineInfo struct {
	Name        string
	Description string
	TaskIDs     []string
}

// ListPipelines returns every registered pipeline in name-sorted order.
func ListPipelines() []PipelineInfo {
	names := batch.PipelineNames()
	out := make([]PipelineInfo, 0, len(names))
	for _, name := range names {
		p := batch.Pipelines[name]
		ids := make([]string, len(p.Tasks))
		for i, t := range p.Tasks {
			ids[i] = t.TaskID
		}
		out = append(out, PipelineInfo{Name: p.Name, Description: p.Description, TaskIDs: ids})
	}
	return out
}
