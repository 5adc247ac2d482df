// Package query answers questions over a batch's committed output indexes
// by scanning outputs.index.jsonl files. It never opens events.jsonl: the
// events log and the query surface are independent by construction (C8).
package query

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"codebatch/internal/codebatch/batch"
	"codebatch/internal/codebatch/runner"
	"codebatch/internal/codebatch/snapshot"
)

// Engine answers queries over a batch's committed task outputs.
type Engine struct {
	storeRoot string
	snapshots *snapshot.Builder
	batches   *batch.Manager
}

// New returns an Engine rooted at storeRoot.
func New(storeRoot string) *Engine {
	return &Engine{
		storeRoot: storeRoot,
		snapshots: snapshot.NewBuilder(storeRoot, nil),
		batches:   batch.NewManager(storeRoot, nil),
	}
}

func (e *Engine) shardsDir(batchID, taskID string) string {
	return filepath.Join(e.storeRoot, "batches", batchID, "tasks", taskID, "shards")
}

// iterShardOutputs reads every output record across all shards of a task,
// in shard-ID sorted order. Missing shard directories yield no records,
// never an error.
func (e *Engine) iterShardOutputs(batchID, taskID string) ([]runner.OutputRecord, error) {
	shardsDir := e.shardsDir(batchID, taskID)
	entries, err := os.ReadDir(shardsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, en := range entries {
		if en.IsDir() {
			names = append(names, en.Name())
		}
	}
	sort.Strings(names)

	var all []runner.OutputRecord
	for _, shardID := range names {
		path := filepath.Join(shardsDir, shardID, "outputs.index.jsonl")
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var rec runner.OutputRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				f.Close()
				return nil, err
			}
			all = append(all, rec)
		}
		scanErr := scanner.Err()
		f.Close()
		if scanErr != nil {
			return nil, scanErr
		}
	}
	return all, nil
}

// QueryOutputs returns every output record for a task, optionally filtered
// by kind and a case-insensitive path substring.
func (e *Engine) QueryOutputs(batchID, taskID, kind, pathPattern string) ([]runner.OutputRecord, error) {
	records, err := e.iterShardOutputs(batchID, taskID)
	if err != nil {
		return nil, err
	}
	var out []runner.OutputRecord
	for _, r := range records {
		if kind != "" && r.Kind != kind {
			continue
		}
		if pathPattern != "" && !strings.Contains(strings.ToLower(r.Path), strings.ToLower(pathPattern)) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// QueryDiagnostics returns diagnostic-kind output records, optionally
// filtered by severity, code, and a case-insensitive path substring.
func (e *Engine) QueryDiagnostics(batchID, taskID, severity, code, pathPattern string) ([]runner.OutputRecord, error) {
	records, err := e.iterShardOutputs(batchID, taskID)
	if err != nil {
		return nil, err
	}
	var out []runner.OutputRecord
	for _, r := range records {
		if r.Kind != "diagnostic" {
			continue
		}
		if severity != "" && r.Severity != severity {
			continue
		}
		if code != "" && r.Code != code {
			continue
		}
		if pathPattern != "" && !strings.Contains(strings.ToLower(r.Path), strings.ToLower(pathPattern)) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// QueryFailedFiles returns the sorted, deduplicated paths of files that
// produced an error-severity diagnostic.
func (e *Engine) QueryFailedFiles(batchID, taskID string) ([]string, error) {
	records, err := e.iterShardOutputs(batchID, taskID)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{})
	for _, r := range records {
		if r.Kind == "diagnostic" && r.Severity == "error" {
			set[r.Path] = struct{}{}
		}
	}
	return sortedKeys(set), nil
}

// QueryFilesWithOutputs returns the sorted, deduplicated paths of files
// that produced an output of the given kind.
func (e *Engine) QueryFilesWithOutputs(batchID, taskID, kind string) ([]string, error) {
	records, err := e.iterShardOutputs(batchID, taskID)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{})
	for _, r := range records {
		if r.Kind == kind {
			set[r.Path] = struct{}{}
		}
	}
	return sortedKeys(set), nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// GroupBy names the field QueryStats aggregates counts over.
type GroupBy string

const (
	GroupByKind     GroupBy = "kind"
	GroupBySeverity GroupBy = "severity"
	GroupByCode     GroupBy = "code"
	GroupByLang     GroupBy = "lang"
)

// QueryStats returns aggregate counts of output records grouped by the
// given field. group_by="lang" joins each record's path against the
// batch's snapshot file index to read its recorded lang_hint -- matching
// the acceleration cache's own index-build join (see DESIGN.md's C8 entry)
// rather than deriving language from the output record's path extension.
func (e *Engine) QueryStats(batchID, taskID string, groupBy GroupBy) (map[string]int, error) {
	records, err := e.iterShardOutputs(batchID, taskID)
	if err != nil {
		return nil, err
	}

	var langByPath map[string]string
	if groupBy == GroupByLang {
		langByPath, err = e.langHintIndex(batchID)
		if err != nil {
			return nil, err
		}
	}

	counts := make(map[string]int)
	for _, r := range records {
		var value string
		switch groupBy {
		case GroupByKind:
			value = orDefault(r.Kind, "unknown")
		case GroupBySeverity:
			value = orDefault(r.Severity, "none")
		case GroupByCode:
			value = orDefault(r.Code, "none")
		case GroupByLang:
			if hint, ok := langByPath[r.Path]; ok && hint != "" {
				value = hint
			} else {
				value = "unknown"
			}
		default:
			value = "unknown"
		}
		counts[value]++
	}
	return counts, nil
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func (e *Engine) langHintIndex(batchID string) (map[string]string, error) {
	meta, err := e.batches.LoadBatch(batchID)
	if err != nil {
		return nil, err
	}
	records, err := e.snapshots.LoadFileIndex(meta.SnapshotID)
	if err != nil {
		return nil, err
	}
	index := make(map[string]string, len(records))
	for _, rec := range records {
		index[rec.Path] = rec.LangHint
	}
	return index, nil
}

// TaskSummary aggregates output counts for a task by kind and severity.
type TaskSummary struct {
	TotalOutputs     int            `json:"total_outputs"`
	ByKind           map[string]int `json:"by_kind"`
	BySeverity       map[string]int `json:"by_severity"`
	FilesWithOutputs int            `json:"files_with_outputs"`
	FilesWithErrors  int            `json:"files_with_errors"`
}

// GetTaskSummary summarizes a task's committed outputs.
func (e *Engine) GetTaskSummary(batchID, taskID string) (*TaskSummary, error) {
	records, err := e.iterShardOutputs(batchID, taskID)
	if err != nil {
		return nil, err
	}

	byKind := make(map[string]int)
	bySeverity := make(map[string]int)
	filesWithOutputs := make(map[string]struct{})
	filesWithErrors := make(map[string]struct{})

	for _, r := range records {
		kind := orDefault(r.Kind, "unknown")
		byKind[kind]++
		if kind == "diagnostic" {
			sev := orDefault(r.Severity, "unknown")
			bySeverity[sev]++
			if sev == "error" {
				filesWithErrors[r.Path] = struct{}{}
			}
		}
		filesWithOutputs[r.Path] = struct{}{}
	}

	return &TaskSummary{
		TotalOutputs:     len(records),
		ByKind:           byKind,
		BySeverity:       bySeverity,
		FilesWithOutputs: len(filesWithOutputs),
		FilesWithErrors:  len(filesWithErrors),
	}, nil
}
