// Package runner implements the per-shard state machine: the atomic
// ready -> running -> done|failed transitions and the durable commit of a
// shard's outputs (C6).
package runner

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"codebatch/internal/codebatch/batch"
	"codebatch/internal/codebatch/cas"
	"codebatch/internal/codebatch/clock"
	"codebatch/internal/codebatch/errs"
	"codebatch/internal/codebatch/snapshot"
)

// OutputRecord is one entry of a shard's outputs.index.jsonl: an envelope
// carrying the fields every kind shares plus a typed field per kind
// (diagnostic: Message/Line/Col; metric: Metric/Value; symbol:
// Name/SymbolType/Scope/Line/Col; edge: EdgeType/Target/Line; ast: Format).
// Each lives as its own top-level JSON key rather than nested under a
// generic sub-object. Extra carries any key this schema doesn't know
// about, so a record produced by a newer schema round-trips through a
// load-mutate-save cycle (RunShard, ResetShard) without losing data.
type OutputRecord struct {
	SchemaVersion string `json:"schema_version,omitempty"`
	SnapshotID    string `json:"snapshot_id,omitempty"`
	BatchID       string `json:"batch_id,omitempty"`
	TaskID        string `json:"task_id,omitempty"`
	ShardID       string `json:"shard_id,omitempty"`
	Path          string `json:"path"`
	Kind          string `json:"kind"`
	Object        string `json:"object,omitempty"`
	Severity      string `json:"severity,omitempty"`
	Code          string `json:"code,omitempty"`
	TS            string `json:"ts,omitempty"`

	// diagnostic
	Message string `json:"message,omitempty"`
	Line    int    `json:"line,omitempty"`
	Col     int    `json:"col,omitempty"`

	// metric
	Metric string      `json:"metric,omitempty"`
	Value  interface{} `json:"value,omitempty"`

	// symbol
	Name       string `json:"name,omitempty"`
	SymbolType string `json:"symbol_type,omitempty"`
	Scope      string `json:"scope,omitempty"`

	// edge
	EdgeType string `json:"edge_type,omitempty"`
	Target   string `json:"target,omitempty"`

	// ast
	Format string `json:"format,omitempty"`

	Extra map[string]interface{} `json:"-"`
}

var outputRecordKnownKeys = map[string]bool{
	"schema_version": true, "snapshot_id": true, "batch_id": true, "task_id": true,
	"shard_id": true, "path": true, "kind": true, "object": true, "severity": true,
	"code": true, "ts": true, "message": true, "line": true, "col": true,
	"metric": true, "value": true, "name": true, "symbol_type": true, "scope": true,
	"edge_type": true, "target": true, "format": true,
}

// MarshalJSON flattens Extra's keys alongside the named fields so unknown
// data added by a newer producer survives even when this record only
// passes through, unread, on its way back to disk.
func (r OutputRecord) MarshalJSON() ([]byte, error) {
	type alias OutputRecord
	base, err := json.Marshal(alias(r))
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return base, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(base, &m); err != nil {
		return nil, err
	}
	for k, v := range r.Extra {
		if _, exists := m[k]; !exists {
			m[k] = v
		}
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes the known fields normally and stashes any key this
// schema doesn't recognize into Extra.
func (r *OutputRecord) UnmarshalJSON(data []byte) error {
	type alias OutputRecord
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*r = OutputRecord(a)

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	extra := make(map[string]interface{})
	for k, v := range m {
		if !outputRecordKnownKeys[k] {
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		r.Extra = extra
	}
	return nil
}

// Event is one line of a task or batch events.jsonl.
type Event struct {
	SchemaVersion string          `json:"schema_version"`
	TS            string          `json:"ts"`
	Event         string          `json:"event"`
	BatchID       string          `json:"batch_id"`
	TaskID        string          `json:"task_id,omitempty"`
	ShardID       string          `json:"shard_id,omitempty"`
	Attempt       int             `json:"attempt,omitempty"`
	DurationMs    int64           `json:"duration_ms,omitempty"`
	Error         *ErrorInfo      `json:"error,omitempty"`
	Stats         *ShardRunStats  `json:"stats,omitempty"`
}

// ErrorInfo is the {code, message} shape recorded on a failed shard.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ShardRunStats summarizes one shard execution.
type ShardRunStats struct {
	FilesProcessed int `json:"files_processed"`
	OutputsWritten int `json:"outputs_written"`
}

// Executor processes the files assigned to a shard and returns its output
// records. It receives task config, the shard's file records, and a Handle
// giving access to the store's blob contents and prior-task outputs.
type Executor func(config map[string]interface{}, files []snapshot.FileRecord, handle *Handle) ([]OutputRecord, error)

// Handle is the collaborator surface an Executor gets: CAS reads and access
// to a prior task's already-committed outputs, scoped to the running shard.
type Handle struct {
	Objects    *cas.Store
	runner     *Runner
	batchID    string
	taskID     string
	shardID    string
}

// Get reads a CAS blob by reference.
func (h *Handle) Get(ref string) ([]byte, error) { return h.Objects.Get(ref) }

// Put stores data in the CAS and returns its reference.
func (h *Handle) Put(data []byte) (cas.Ref, error) { return h.Objects.Put(data) }

// IterPriorOutputs returns every output record a dependency task previously
// wrote for this same shard, so a downstream task can consume an upstream
// task's results without re-deriving them.
func (h *Handle) IterPriorOutputs(priorTaskID string) ([]OutputRecord, error) {
	return h.runner.GetOutputs(h.batchID, priorTaskID, h.shardID)
}

// Runner runs individual shards with state management and atomic output commits.
type Runner struct {
	storeRoot string
	batches   *batch.Manager
	snapshots *snapshot.Builder
	objects   *cas.Store
	clock     clock.Clock
}

// New returns a Runner rooted at storeRoot.
func New(storeRoot string, c clock.Clock) *Runner {
	return &Runner{
		storeRoot: storeRoot,
		batches:   batch.NewManager(storeRoot, c),
		snapshots: snapshot.NewBuilder(storeRoot, c),
		objects:   cas.New(storeRoot),
		clock:     c,
	}
}

func (r *Runner) shardDir(batchID, taskID, shardID string) string {
	return r.batches.ShardDir(batchID, taskID, shardID)
}

func (r *Runner) taskEventsPath(batchID, taskID string) string {
	return filepath.Join(r.batches.TaskDir(batchID, taskID), "events.jsonl")
}

func (r *Runner) batchEventsPath(batchID string) string {
	return filepath.Join(r.batches.BatchDir(batchID), "events.jsonl")
}

func loadState(path string) (*batch.ShardState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s batch.ShardState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func saveState(path string, s *batch.ShardState) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func appendEvent(path string, e Event) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = f.Write(data)
	return err
}

// dependenciesComplete reports whether every task in depends_on has written
// a "done" state for this exact shard. This gate lives inside RunShard
// itself rather than only in the caller (see DESIGN.md's C6 entry).
func (r *Runner) dependenciesComplete(batchID, shardID string, dependsOn []string) (bool, string, error) {
	for _, dep := range dependsOn {
		state, err := r.batches.LoadShardState(batchID, dep, shardID)
		if err != nil {
			return false, dep, err
		}
		if state.Status != "done" {
			return false, dep, nil
		}
	}
	return true, "", nil
}

// RunShard executes one shard through its full state transition. If the
// shard is already done, it returns the existing state unchanged
// (idempotent resume). If any declared dependency has not completed this
// shard, the attempt is still recorded (status=running, shard_started
// appended) and then failed via failShard with CodeDependenciesIncomplete,
// the same as any other mid-run failure.
func (r *Runner) RunShard(batchID, taskID, shardID string, exec Executor) (*batch.ShardState, error) {
	shardDir := r.shardDir(batchID, taskID, shardID)
	statePath := filepath.Join(shardDir, "state.json")

	state, err := loadState(statePath)
	if err != nil {
		return nil, errs.Wrap(errs.CodeBatchNotFound, shardID, err)
	}

	if state.Status == "done" {
		return state, nil
	}

	task, err := r.batches.LoadTask(batchID, taskID)
	if err != nil {
		return nil, err
	}

	state.Attempt++
	attempt := state.Attempt
	state.Status = "running"
	state.StartedAt = clock.RFC3339Z(r.clock.Now())
	state.EndedAt = ""
	state.Error = ""
	if err := saveState(statePath, state); err != nil {
		return nil, err
	}

	taskEvents := r.taskEventsPath(batchID, taskID)
	_ = appendEvent(taskEvents, Event{
		SchemaVersion: batch.SchemaVersion,
		TS:            clock.RFC3339Z(r.clock.Now()),
		Event:         "shard_started",
		BatchID:       batchID,
		TaskID:        taskID,
		ShardID:       shardID,
		Attempt:       attempt,
	})

	start := r.clock.Now()

	if ok, dep, err := r.dependenciesComplete(batchID, shardID, task.Inputs.Tasks); err != nil {
		return nil, err
	} else if !ok {
		cause := errs.New(errs.CodeDependenciesIncomplete, taskID,
			fmt.Sprintf("dependency %q has not completed shard %s", dep, shardID))
		if _, ferr := r.failShard(statePath, taskEvents, state, batchID, taskID, shardID, attempt, start, cause); ferr != nil {
			return nil, ferr
		}
		return nil, cause
	}

	batchMeta, err := r.batches.LoadBatch(batchID)
	if err != nil {
		return nil, err
	}
	snapshotID := batchMeta.SnapshotID

	shardFiles, err := r.shardFiles(snapshotID, shardID)
	if err != nil {
		return r.failShard(statePath, taskEvents, state, batchID, taskID, shardID, attempt, start, err)
	}

	execConfig := make(map[string]interface{}, len(task.Config)+2)
	for k, v := range task.Config {
		execConfig[k] = v
	}
	execConfig["_batch_id"] = batchID
	execConfig["_shard_id"] = shardID

	handle := &Handle{Objects: r.objects, runner: r, batchID: batchID, taskID: taskID, shardID: shardID}
	outputs, err := func() (out []OutputRecord, err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("executor panic: %v", p)
			}
		}()
		return exec(execConfig, shardFiles, handle)
	}()
	if err != nil {
		return r.failShard(statePath, taskEvents, state, batchID, taskID, shardID, attempt, start, err)
	}

	now := r.clock.Now()
	for i := range outputs {
		if outputs[i].SchemaVersion == "" {
			outputs[i].SchemaVersion = batch.SchemaVersion
		}
		if outputs[i].SnapshotID == "" {
			outputs[i].SnapshotID = snapshotID
		}
		outputs[i].BatchID = batchID
		outputs[i].TaskID = taskID
		outputs[i].ShardID = shardID
		if outputs[i].TS == "" {
			outputs[i].TS = clock.RFC3339Z(now)
		}
	}

	if err := writeOutputs(filepath.Join(shardDir, "outputs.index.jsonl"), outputs); err != nil {
		return r.failShard(statePath, taskEvents, state, batchID, taskID, shardID, attempt, start, err)
	}

	durationMs := now.Sub(start).Milliseconds()

	stats := ShardRunStats{FilesProcessed: len(shardFiles), OutputsWritten: len(outputs)}
	state.Status = "done"
	state.EndedAt = clock.RFC3339Z(now)
	if err := saveState(statePath, state); err != nil {
		return nil, err
	}

	_ = appendEvent(taskEvents, Event{
		SchemaVersion: batch.SchemaVersion,
		TS:            clock.RFC3339Z(now),
		Event:         "shard_completed",
		BatchID:       batchID,
		TaskID:        taskID,
		ShardID:       shardID,
		Attempt:       attempt,
		DurationMs:    durationMs,
		Stats:         &stats,
	})

	return state, nil
}

func (r *Runner) failShard(statePath, taskEvents string, state *batch.ShardState, batchID, taskID, shardID string, attempt int, start time.Time, cause error) (*batch.ShardState, error) {
	now := r.clock.Now()
	durationMs := now.Sub(start).Milliseconds()

	errInfo := ErrorInfo{Code: errorCode(cause), Message: cause.Error()}
	state.Status = "failed"
	state.EndedAt = clock.RFC3339Z(now)
	state.Error = errInfo.Message
	if err := saveState(statePath, state); err != nil {
		return nil, err
	}

	_ = appendEvent(taskEvents, Event{
		SchemaVersion: batch.SchemaVersion,
		TS:            clock.RFC3339Z(now),
		Event:         "shard_failed",
		BatchID:       batchID,
		TaskID:        taskID,
		ShardID:       shardID,
		Attempt:       attempt,
		DurationMs:    durationMs,
		Error:         &errInfo,
	})

	return state, nil
}

func errorCode(err error) string {
	var e *errs.Error
	if as, ok := err.(*errs.Error); ok {
		e = as
		return string(e.Code)
	}
	return "ExecutorError"
}

func writeOutputs(path string, records []OutputRecord) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func (r *Runner) shardFiles(snapshotID, shardID string) ([]snapshot.FileRecord, error) {
	records, err := r.snapshots.LoadFileIndex(snapshotID)
	if err != nil {
		return nil, err
	}
	var out []snapshot.FileRecord
	for _, rec := range records {
		prefix, err := cas.ShardPrefix(rec.Object)
		if err != nil {
			continue
		}
		if prefix == shardID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ResetShard transitions a failed shard back to ready, preserving its
// attempt counter, and emits a shard_retrying event. Only failed shards may
// be reset.
func (r *Runner) ResetShard(batchID, taskID, shardID string) (*batch.ShardState, error) {
	shardDir := r.shardDir(batchID, taskID, shardID)
	statePath := filepath.Join(shardDir, "state.json")

	state, err := loadState(statePath)
	if err != nil {
		return nil, err
	}
	if state.Status != "failed" {
		return nil, errs.New(errs.CodeShardRetryIllegal, shardID,
			fmt.Sprintf("can only reset failed shards, current status: %s", state.Status))
	}

	newState := &batch.ShardState{
		SchemaName: "codebatch.shard_state",
		Version:    batch.SchemaVersion,
		ShardID:    shardID,
		TaskID:     taskID,
		BatchID:    batchID,
		Status:     "ready",
		Attempt:    state.Attempt,
	}
	if err := saveState(statePath, newState); err != nil {
		return nil, err
	}

	taskEvents := r.taskEventsPath(batchID, taskID)
	_ = appendEvent(taskEvents, Event{
		SchemaVersion: batch.SchemaVersion,
		TS:            clock.RFC3339Z(r.clock.Now()),
		Event:         "shard_retrying",
		BatchID:       batchID,
		TaskID:        taskID,
		ShardID:       shardID,
		Attempt:       state.Attempt + 1,
	})

	return newState, nil
}

// GetOutputs reads every output record a shard has committed. It returns
// an empty slice (not an error) if the shard has no outputs yet.
func (r *Runner) GetOutputs(batchID, taskID, shardID string) ([]OutputRecord, error) {
	path := filepath.Join(r.shardDir(batchID, taskID, shardID), "outputs.index.jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var records []OutputRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec OutputRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
