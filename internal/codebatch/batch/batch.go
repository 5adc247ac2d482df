// Package batch materializes a pipeline definition into the on-disk
// batch/task/shard skeleton (C5).
package batch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"codebatch/internal/codebatch/clock"
	"codebatch/internal/codebatch/errs"
	"codebatch/internal/codebatch/snapshot"
)

// SchemaVersion is the schema_version stamped into batch/task/shard metadata.
const SchemaVersion = "1.0"

// ShardCount is the fixed number of shards ("00".."ff") every task gets.
const ShardCount = 256

// TaskDef is one task entry of a registered pipeline.
type TaskDef struct {
	TaskID     string
	Type       string
	DependsOn  []string
	Config     map[string]interface{}
}

// Pipeline is a named, ordered list of task definitions.
type Pipeline struct {
	Name        string
	Description string
	Tasks       []TaskDef
}

// Pipelines is the registry of named pipelines this port ships, supplementing
// the reference implementation's parse/analyze-only set with symbols, lint,
// and full (see DESIGN.md).
var Pipelines = map[string]Pipeline{
	"parse": {
		Name:        "parse",
		Description: "Parse source files and emit AST + diagnostics",
		Tasks: []TaskDef{
			{TaskID: "01_parse", Type: "parse", Config: parseConfig()},
		},
	},
	"analyze": {
		Name:        "analyze",
		Description: "Parse and compute per-file metrics",
		Tasks: []TaskDef{
			{TaskID: "01_parse", Type: "parse", Config: parseConfig()},
			{TaskID: "02_analyze", Type: "analyze", DependsOn: []string{"01_parse"}, Config: map[string]interface{}{}},
		},
	},
	"symbols": {
		Name:        "symbols",
		Description: "Parse and extract symbol tables and import edges",
		Tasks: []TaskDef{
			{TaskID: "01_parse", Type: "parse", Config: parseConfig()},
			{TaskID: "03_symbols", Type: "symbols", DependsOn: []string{"01_parse"}, Config: map[string]interface{}{}},
		},
	},
	"lint": {
		Name:        "lint",
		Description: "Parse and run lint rules",
		Tasks: []TaskDef{
			{TaskID: "01_parse", Type: "parse", Config: parseConfig()},
			{TaskID: "04_lint", Type: "lint", DependsOn: []string{"01_parse"}, Config: map[string]interface{}{}},
		},
	},
	"full": {
		Name:        "full",
		Description: "Parse, analyze, extract symbols, and lint",
		Tasks: []TaskDef{
			{TaskID: "01_parse", Type: "parse", Config: parseConfig()},
			{TaskID: "02_analyze", Type: "analyze", DependsOn: []string{"01_parse"}, Config: map[string]interface{}{}},
			{TaskID: "03_symbols", Type: "symbols", DependsOn: []string{"01_parse"}, Config: map[string]interface{}{}},
			{TaskID: "04_lint", Type: "lint", DependsOn: []string{"01_parse"}, Config: map[string]interface{}{}},
		},
	},
}

func parseConfig() map[string]interface{} {
	return map[string]interface{}{
		"languages":        []string{"python", "javascript", "typescript", "go", "rust"},
		"emit_ast":         true,
		"emit_diagnostics": true,
	}
}

// PipelineNames returns the sorted list of registered pipeline names.
func PipelineNames() []string {
	return []string{"analyze", "full", "lint", "parse", "symbols"}
}

// ShardIDs returns the 256 fixed shard IDs, "00".."ff".
func ShardIDs() []string {
	ids := make([]string, ShardCount)
	for i := 0; i < ShardCount; i++ {
		ids[i] = fmt.Sprintf("%02x", i)
	}
	return ids
}

// Meta is the contents of a batch's batch.json. Extra preserves any key a
// newer schema_version wrote that this version doesn't recognize, so a
// load-mutate-save cycle never silently drops it.
type Meta struct {
	SchemaName string                 `json:"schema_name"`
	Version    string                 `json:"schema_version"`
	BatchID    string                 `json:"batch_id"`
	SnapshotID string                 `json:"snapshot_id"`
	CreatedAt  string                 `json:"created_at"`
	Pipeline   string                 `json:"pipeline"`
	Status     string                 `json:"status"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Extra      map[string]interface{} `json:"-"`
}

var metaKnownKeys = map[string]bool{
	"schema_name": true, "schema_version": true, "batch_id": true, "snapshot_id": true,
	"created_at": true, "pipeline": true, "status": true, "metadata": true,
}

func (m Meta) MarshalJSON() ([]byte, error) {
	type alias Meta
	return marshalWithExtra(alias(m), m.Extra)
}

func (m *Meta) UnmarshalJSON(data []byte) error {
	type alias Meta
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*m = Meta(a)
	extra, err := unmarshalExtra(data, metaKnownKeys)
	if err != nil {
		return err
	}
	m.Extra = extra
	return nil
}

// Plan is the contents of a batch's plan.json.
type Plan struct {
	SchemaName string                 `json:"schema_name"`
	Version    string                 `json:"schema_version"`
	BatchID    string                 `json:"batch_id"`
	Tasks      []PlanTaskDef          `json:"tasks"`
	Extra      map[string]interface{} `json:"-"`
}

var planKnownKeys = map[string]bool{
	"schema_name": true, "schema_version": true, "batch_id": true, "tasks": true,
}

func (p Plan) MarshalJSON() ([]byte, error) {
	type alias Plan
	return marshalWithExtra(alias(p), p.Extra)
}

func (p *Plan) UnmarshalJSON(data []byte) error {
	type alias Plan
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*p = Plan(a)
	extra, err := unmarshalExtra(data, planKnownKeys)
	if err != nil {
		return err
	}
	p.Extra = extra
	return nil
}

// marshalWithExtra marshals v (expected to be a plain alias of a record
// struct, not the struct itself, to avoid infinite MarshalJSON recursion)
// and merges extra's keys in without overwriting any key v already set.
func marshalWithExtra(v interface{}, extra map[string]interface{}) ([]byte, error) {
	base, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return base, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(base, &m); err != nil {
		return nil, err
	}
	for k, val := range extra {
		if _, exists := m[k]; !exists {
			m[k] = val
		}
	}
	return json.Marshal(m)
}

// unmarshalExtra decodes data into a generic map and returns whatever keys
// aren't in known, or nil if there are none.
func unmarshalExtra(data []byte, known map[string]bool) (map[string]interface{}, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	extra := make(map[string]interface{})
	for k, v := range m {
		if !known[k] {
			extra[k] = v
		}
	}
	if len(extra) == 0 {
		return nil, nil
	}
	return extra, nil
}

// PlanTaskDef is the wire shape of one plan task entry.
type PlanTaskDef struct {
	TaskID    string                 `json:"task_id"`
	Type      string                 `json:"type"`
	DependsOn []string               `json:"depends_on,omitempty"`
	Config    map[string]interface{} `json:"config"`
}

// Sharding describes a task's shard layout.
type Sharding struct {
	Strategy   string   `json:"strategy"`
	ShardCount int      `json:"shard_count"`
	ShardIDs   []string `json:"shard_ids"`
}

// Inputs describes what a task consumes.
type Inputs struct {
	Snapshot bool     `json:"snapshot"`
	Tasks    []string `json:"tasks"`
}

// TaskMeta is the contents of a task's task.json.
type TaskMeta struct {
	SchemaName string                 `json:"schema_name"`
	Version    string                 `json:"schema_version"`
	TaskID     string                 `json:"task_id"`
	BatchID    string                 `json:"batch_id"`
	Type       string                 `json:"type"`
	Sharding   Sharding               `json:"sharding"`
	Inputs     Inputs                 `json:"inputs"`
	Config     map[string]interface{} `json:"config"`
	Status     string                 `json:"status"`
	Extra      map[string]interface{} `json:"-"`
}

var taskMetaKnownKeys = map[string]bool{
	"schema_name": true, "schema_version": true, "task_id": true, "batch_id": true,
	"type": true, "sharding": true, "inputs": true, "config": true, "status": true,
}

func (t TaskMeta) MarshalJSON() ([]byte, error) {
	type alias TaskMeta
	return marshalWithExtra(alias(t), t.Extra)
}

func (t *TaskMeta) UnmarshalJSON(data []byte) error {
	type alias TaskMeta
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*t = TaskMeta(a)
	extra, err := unmarshalExtra(data, taskMetaKnownKeys)
	if err != nil {
		return err
	}
	t.Extra = extra
	return nil
}

// ShardState is the contents of a shard's state.json. This type goes
// through a load-mutate-save cycle on every RunShard/ResetShard call, so
// Extra matters here more than anywhere else in this package.
type ShardState struct {
	SchemaName string                 `json:"schema_name"`
	Version    string                 `json:"schema_version"`
	ShardID    string                 `json:"shard_id"`
	TaskID     string                 `json:"task_id"`
	BatchID    string                 `json:"batch_id"`
	Status     string                 `json:"status"`
	Attempt    int                    `json:"attempt"`
	StartedAt  string                 `json:"started_at,omitempty"`
	EndedAt    string                 `json:"ended_at,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Extra      map[string]interface{} `json:"-"`
}

var shardStateKnownKeys = map[string]bool{
	"schema_name": true, "schema_version": true, "shard_id": true, "task_id": true,
	"batch_id": true, "status": true, "attempt": true, "started_at": true,
	"ended_at": true, "error": true,
}

func (s ShardState) MarshalJSON() ([]byte, error) {
	type alias ShardState
	return marshalWithExtra(alias(s), s.Extra)
}

func (s *ShardState) UnmarshalJSON(data []byte) error {
	type alias ShardState
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*s = ShardState(a)
	extra, err := unmarshalExtra(data, shardStateKnownKeys)
	if err != nil {
		return err
	}
	s.Extra = extra
	return nil
}

// Manager creates and loads batches under storeRoot/batches.
type Manager struct {
	storeRoot string
	snapshots *snapshot.Builder
	clock     clock.Clock
}

// NewManager returns a Manager rooted at storeRoot.
func NewManager(storeRoot string, c clock.Clock) *Manager {
	return &Manager{storeRoot: storeRoot, snapshots: snapshot.NewBuilder(storeRoot, c), clock: c}
}

func (m *Manager) batchesDir() string { return filepath.Join(m.storeRoot, "batches") }

func (m *Manager) batchDir(batchID string) string { return filepath.Join(m.batchesDir(), batchID) }

// GenerateID produces a batch ID of the form batch-YYYYMMDD-HHMMSS-<rand8>.
func GenerateID(c clock.Clock) string {
	now := c.Now()
	return fmt.Sprintf("batch-%s-%s", now.Format("20060102-150405"), c.RandHex(4))
}

// InitBatch verifies the snapshot and pipeline exist and materializes the
// full batch/task/shard skeleton on disk.
func (m *Manager) InitBatch(snapshotID, pipelineName, batchID string, metadata map[string]interface{}) (string, error) {
	if _, err := m.snapshots.Load(snapshotID); err != nil {
		return "", errs.New(errs.CodeSnapshotNotFound, snapshotID, "snapshot not found")
	}

	pipeline, ok := Pipelines[pipelineName]
	if !ok {
		return "", errs.New(errs.CodePipelineNotFound, pipelineName, "unknown pipeline")
	}

	if batchID == "" {
		batchID = GenerateID(m.clock)
	}

	bDir := m.batchDir(batchID)
	if _, err := os.Stat(bDir); err == nil {
		return "", errs.New(errs.CodeBatchExists, batchID, "batch already exists")
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("stat batch dir: %w", err)
	}
	if err := os.MkdirAll(bDir, 0o755); err != nil {
		return "", fmt.Errorf("create batch dir: %w", err)
	}

	meta := Meta{
		SchemaName: "codebatch.batch",
		Version:    SchemaVersion,
		BatchID:    batchID,
		SnapshotID: snapshotID,
		CreatedAt:  clock.RFC3339Z(m.clock.Now()),
		Pipeline:   pipelineName,
		Status:     "pending",
		Metadata:   metadata,
	}
	if err := writeJSON(filepath.Join(bDir, "batch.json"), meta); err != nil {
		return "", err
	}

	planTasks := make([]PlanTaskDef, len(pipeline.Tasks))
	for i, td := range pipeline.Tasks {
		planTasks[i] = PlanTaskDef{TaskID: td.TaskID, Type: td.Type, DependsOn: td.DependsOn, Config: td.Config}
	}
	plan := Plan{SchemaName: "codebatch.plan", Version: SchemaVersion, BatchID: batchID, Tasks: planTasks}
	if err := writeJSON(filepath.Join(bDir, "plan.json"), plan); err != nil {
		return "", err
	}

	if err := touch(filepath.Join(bDir, "events.jsonl")); err != nil {
		return "", err
	}

	tasksDir := filepath.Join(bDir, "tasks")
	if err := os.MkdirAll(tasksDir, 0o755); err != nil {
		return "", err
	}

	shardIDs := ShardIDs()
	for _, td := range pipeline.Tasks {
		taskDir := filepath.Join(tasksDir, td.TaskID)
		if err := os.MkdirAll(taskDir, 0o755); err != nil {
			return "", err
		}

		taskMeta := TaskMeta{
			SchemaName: "codebatch.task",
			Version:    SchemaVersion,
			TaskID:     td.TaskID,
			BatchID:    batchID,
			Type:       td.Type,
			Sharding:   Sharding{Strategy: "hash_prefix", ShardCount: ShardCount, ShardIDs: shardIDs},
			Inputs:     Inputs{Snapshot: true, Tasks: td.DependsOn},
			Config:     td.Config,
			Status:     "pending",
		}
		if err := writeJSON(filepath.Join(taskDir, "task.json"), taskMeta); err != nil {
			return "", err
		}
		if err := touch(filepath.Join(taskDir, "events.jsonl")); err != nil {
			return "", err
		}

		shardsDir := filepath.Join(taskDir, "shards")
		if err := os.MkdirAll(shardsDir, 0o755); err != nil {
			return "", err
		}
		for _, shardID := range shardIDs {
			shardDir := filepath.Join(shardsDir, shardID)
			if err := os.MkdirAll(shardDir, 0o755); err != nil {
				return "", err
			}
			state := ShardState{
				SchemaName: "codebatch.shard_state",
				Version:    SchemaVersion,
				ShardID:    shardID,
				TaskID:     td.TaskID,
				BatchID:    batchID,
				Status:     "ready",
				Attempt:    0,
			}
			if err := writeJSON(filepath.Join(shardDir, "state.json"), state); err != nil {
				return "", err
			}
			if err := touch(filepath.Join(shardDir, "outputs.index.jsonl")); err != nil {
				return "", err
			}
		}
	}

	return batchID, nil
}

// LoadBatch reads a batch's batch.json.
func (m *Manager) LoadBatch(batchID string) (*Meta, error) {
	var meta Meta
	if err := readJSON(filepath.Join(m.batchDir(batchID), "batch.json"), &meta, errs.CodeBatchNotFound, batchID); err != nil {
		return nil, err
	}
	return &meta, nil
}

// LoadPlan reads a batch's plan.json.
func (m *Manager) LoadPlan(batchID string) (*Plan, error) {
	var plan Plan
	if err := readJSON(filepath.Join(m.batchDir(batchID), "plan.json"), &plan, errs.CodeBatchNotFound, batchID); err != nil {
		return nil, err
	}
	return &plan, nil
}

// LoadTask reads a task's task.json.
func (m *Manager) LoadTask(batchID, taskID string) (*TaskMeta, error) {
	var t TaskMeta
	path := filepath.Join(m.batchDir(batchID), "tasks", taskID, "task.json")
	if err := readJSON(path, &t, errs.CodeTaskNotFound, taskID); err != nil {
		return nil, err
	}
	return &t, nil
}

// LoadShardState reads a shard's state.json.
func (m *Manager) LoadShardState(batchID, taskID, shardID string) (*ShardState, error) {
	var s ShardState
	path := filepath.Join(m.batchDir(batchID), "tasks", taskID, "shards", shardID, "state.json")
	if err := readJSON(path, &s, errs.CodeBatchNotFound, shardID); err != nil {
		return nil, err
	}
	return &s, nil
}

// ShardDir returns the on-disk directory for a given shard.
func (m *Manager) ShardDir(batchID, taskID, shardID string) string {
	return filepath.Join(m.batchDir(batchID), "tasks", taskID, "shards", shardID)
}

// TaskDir returns the on-disk directory for a given task.
func (m *Manager) TaskDir(batchID, taskID string) string {
	return filepath.Join(m.batchDir(batchID), "tasks", taskID)
}

// BatchDir exposes the on-disk directory for a batch.
func (m *Manager) BatchDir(batchID string) string { return m.batchDir(batchID) }

// ListBatches returns every batch ID with a valid batch.json.
func (m *Manager) ListBatches() ([]string, error) {
	entries, err := os.ReadDir(m.batchesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(m.batchesDir(), e.Name(), "batch.json")); err == nil {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// GetTaskIDs returns every task ID under a batch with a valid task.json.
func (m *Manager) GetTaskIDs(batchID string) ([]string, error) {
	tasksDir := filepath.Join(m.batchDir(batchID), "tasks")
	entries, err := os.ReadDir(tasksDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(tasksDir, e.Name(), "task.json")); err == nil {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, v interface{}, notFoundCode errs.Code, identifier string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errs.New(notFoundCode, identifier, "not found")
		}
		return err
	}
	return json.Unmarshal(data, v)
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}
