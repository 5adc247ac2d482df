// Package cacheidx implements the acceleration cache (C9): a derived,
// rebuildable bbolt index over a batch's authoritative JSONL outputs. The
// cache is never truth -- every bucket it maintains can be reconstructed
// from snapshots/ and batches/ alone, and a source fingerprint detects when
// that reconstruction is overdue.
package cacheidx

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"codebatch/internal/codebatch/batch"
	"codebatch/internal/codebatch/cas"
	"codebatch/internal/codebatch/clock"
	"codebatch/internal/codebatch/errs"
	"codebatch/internal/codebatch/runner"
	"codebatch/internal/codebatch/snapshot"
)

// CacheSchemaVersion is bumped whenever the bucket layout or key grammar
// changes incompatibly.
const CacheSchemaVersion = 1

// KeyDelimiter separates key components; KeyPrefix versions the grammar.
// Both byte-for-byte match the source this cache format is ported from.
const (
	KeyDelimiter = "\x1f"
	KeyPrefix    = "v1"
)

var producer = map[string]interface{}{"name": "codebatch", "version": "0.1.0"}

// Bucket names, one bbolt bucket per LMDB "DBI" in the source layout.
var (
	bucketMeta          = []byte("meta")
	bucketFilesByPath    = []byte("files_by_path")
	bucketOutputsByKind  = []byte("outputs_by_kind")
	bucketDiagsBySev     = []byte("diags_by_sev")
	bucketDiagsByCode    = []byte("diags_by_code")
	bucketStats          = []byte("stats")
)

var allBuckets = [][]byte{
	bucketMeta, bucketFilesByPath, bucketOutputsByKind,
	bucketDiagsBySev, bucketDiagsByCode, bucketStats,
}

// MakeCacheKey joins parts with the unit-separator delimiter behind a
// version prefix, e.g. MakeCacheKey("snap-1", "a.py") -> "v1\x1fsnap-1\x1fa.py".
func MakeCacheKey(parts ...string) []byte {
	out := KeyPrefix
	for _, p := range parts {
		out += KeyDelimiter + p
	}
	return []byte(out)
}

// ParseCacheKey splits a key back into its parts, dropping the version prefix.
func ParseCacheKey(key []byte) []string {
	parts := splitDelimiter(string(key))
	if len(parts) > 0 && parts[0] == KeyPrefix {
		return parts[1:]
	}
	return parts
}

func splitDelimiter(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\x1f' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// EncodeCounter encodes a non-negative counter as 8-byte big-endian.
func EncodeCounter(value uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, value)
	return buf
}

// DecodeCounter decodes an 8-byte big-endian counter.
func DecodeCounter(data []byte) uint64 {
	return binary.BigEndian.Uint64(data)
}

// Meta is the on-disk cache_meta.json shape.
type Meta struct {
	SchemaName        string                 `json:"schema_name"`
	CacheSchemaVersion int                   `json:"cache_schema_version"`
	SnapshotID         string                `json:"snapshot_id"`
	BatchID            string                `json:"batch_id"`
	TasksIndexed       []string              `json:"tasks_indexed"`
	SourceFingerprint  string                `json:"source_fingerprint"`
	BuiltAt            string                `json:"built_at"`
	Producer           map[string]interface{} `json:"producer"`
}

// CreateCacheMeta builds fresh cache metadata for a completed build.
func CreateCacheMeta(snapshotID, batchID string, taskIDs []string, fingerprint string, builtAt string) *Meta {
	sorted := append([]string(nil), taskIDs...)
	sort.Strings(sorted)
	return &Meta{
		SchemaName:         "codebatch.cache_meta",
		CacheSchemaVersion: CacheSchemaVersion,
		SnapshotID:         snapshotID,
		BatchID:            batchID,
		TasksIndexed:       sorted,
		SourceFingerprint:  fingerprint,
		BuiltAt:            builtAt,
		Producer:           producer,
	}
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ComputeSourceFingerprint hashes every authoritative JSONL source a cache
// build reads: the snapshot's files.index.jsonl, plus every indexed task's
// every shard's outputs.index.jsonl, in task-ID then shard-dir sorted
// order. Any change to those inputs changes the fingerprint.
func ComputeSourceFingerprint(storeRoot, snapshotID, batchID string, taskIDs []string) (string, error) {
	h := sha256.New()

	snapIndex := filepath.Join(storeRoot, "snapshots", snapshotID, "files.index.jsonl")
	if _, err := os.Stat(snapIndex); err == nil {
		fh, err := hashFile(snapIndex)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "snapshot:%s:%s", snapshotID, fh)
	}

	sorted := append([]string(nil), taskIDs...)
	sort.Strings(sorted)

	for _, taskID := range sorted {
		shardsDir := filepath.Join(storeRoot, "batches", batchID, "tasks", taskID, "shards")
		entries, err := os.ReadDir(shardsDir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", err
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if e.IsDir() {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)

		for _, shardID := range names {
			outputsPath := filepath.Join(shardsDir, shardID, "outputs.index.jsonl")
			if _, err := os.Stat(outputsPath); err != nil {
				continue
			}
			fh, err := hashFile(outputsPath)
			if err != nil {
				return "", err
			}
			fmt.Fprintf(h, "outputs:%s:%s:%s", taskID, shardID, fh)
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// IsCacheValid checks schema version, identifiers, the indexed task set
// (compared as sets, not order), and the source fingerprint.
func IsCacheValid(meta *Meta, storeRoot, snapshotID, batchID string, taskIDs []string) (bool, error) {
	if meta.CacheSchemaVersion != CacheSchemaVersion {
		return false, nil
	}
	if meta.SnapshotID != snapshotID || meta.BatchID != batchID {
		return false, nil
	}
	if !sameSet(meta.TasksIndexed, taskIDs) {
		return false, nil
	}

	current, err := ComputeSourceFingerprint(storeRoot, snapshotID, batchID, taskIDs)
	if err != nil {
		return false, err
	}
	return meta.SourceFingerprint == current, nil
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; !ok {
			return false
		}
		delete(set, v)
	}
	return len(set) == 0
}

// Env wraps a bbolt environment rooted at <store>/indexes/lmdb -- named
// lmdb for on-disk layout compatibility with the source even though this
// port backs it with bbolt, not LMDB.
type Env struct {
	storeRoot string
	cacheDir  string
	metaPath  string
	readonly  bool
	db        *bolt.DB
}

// NewEnv returns an Env for storeRoot. readonly=true is the query path;
// readonly=false is the build path (creates the directory and buckets).
func NewEnv(storeRoot string, readonly bool) *Env {
	dir := filepath.Join(storeRoot, "indexes", "lmdb")
	return &Env{
		storeRoot: storeRoot,
		cacheDir:  dir,
		metaPath:  filepath.Join(dir, "cache_meta.json"),
		readonly:  readonly,
	}
}

func (e *Env) dbPath() string { return filepath.Join(e.cacheDir, "cache.db") }

// Exists reports whether a cache database is already present on disk.
func (e *Env) Exists() bool {
	_, err := os.Stat(e.dbPath())
	return err == nil
}

// Open opens the bbolt database, creating the directory and every bucket
// when not readonly.
func (e *Env) Open() error {
	if e.db != nil {
		return nil
	}
	if !e.Exists() && e.readonly {
		return errs.New(errs.CodeCacheCorrupt, e.cacheDir, "cache not found")
	}
	if !e.readonly {
		if err := os.MkdirAll(e.cacheDir, 0o755); err != nil {
			return err
		}
	}

	opts := &bolt.Options{ReadOnly: e.readonly}
	db, err := bolt.Open(e.dbPath(), 0o644, opts)
	if err != nil {
		return err
	}
	e.db = db

	if !e.readonly {
		err := db.Update(func(tx *bolt.Tx) error {
			for _, b := range allBuckets {
				if _, err := tx.CreateBucketIfNotExists(b); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			db.Close()
			e.db = nil
			return err
		}
	}
	return nil
}

// Close closes the bbolt database, if open.
func (e *Env) Close() error {
	if e.db == nil {
		return nil
	}
	err := e.db.Close()
	e.db = nil
	return err
}

// LoadMeta reads cache_meta.json, or returns (nil, nil) if absent.
func (e *Env) LoadMeta() (*Meta, error) {
	data, err := os.ReadFile(e.metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// SaveMeta writes cache_meta.json, overwriting any existing file.
func (e *Env) SaveMeta(meta *Meta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	tmp := e.metaPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, e.metaPath)
}

// Delete closes the environment and removes the entire cache directory.
func (e *Env) Delete() error {
	_ = e.Close()
	if _, err := os.Stat(e.cacheDir); err != nil {
		return nil
	}
	return os.RemoveAll(e.cacheDir)
}

// fileValue is the msgpack payload stored per files_by_path entry.
type fileValue struct {
	Lang      string `msgpack:"lang"`
	Size      int64  `msgpack:"size"`
	PathKey   string `msgpack:"path_key"`
	ObjPrefix string `msgpack:"obj_prefix"`
}

// outputValue is the msgpack payload stored per outputs_by_kind entry.
type outputValue struct {
	Object string                 `msgpack:"object"`
	Format string                 `msgpack:"format"`
	Extra  map[string]interface{} `msgpack:"extra,omitempty"`
}

// diagnosticValue is the msgpack payload stored per diagnostic entry.
type diagnosticValue struct {
	Message string `msgpack:"message"`
}

// Writer builds a cache inside an Env opened in write mode. Stats counters
// are accumulated in memory and written in one batch by FlushStats,
// matching the source writer's buffering.
type Writer struct {
	env    *Env
	counts map[string]uint64
}

// NewWriter returns a Writer over an already-open, writable Env.
func NewWriter(env *Env) *Writer {
	return &Writer{env: env, counts: make(map[string]uint64)}
}

// PutFile indexes one snapshot file record.
func (w *Writer) PutFile(snapshotID, path, langHint string, size int64, pathKey, objPrefix string) error {
	key := MakeCacheKey(snapshotID, path)
	value, err := msgpack.Marshal(fileValue{Lang: langHint, Size: size, PathKey: pathKey, ObjPrefix: objPrefix})
	if err != nil {
		return err
	}
	return w.env.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFilesByPath).Put(key, value)
	})
}

// PutOutput indexes one committed task output record. extra carries
// kind-specific fields (e.g. a metric's name/value) not otherwise captured
// by the key.
func (w *Writer) PutOutput(snapshotID, batchID, taskID, kind, path, objectRef, format string, extra map[string]interface{}) error {
	key := MakeCacheKey(snapshotID, batchID, taskID, kind, path)
	value, err := msgpack.Marshal(outputValue{Object: objectRef, Format: format, Extra: extra})
	if err != nil {
		return err
	}
	return w.env.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOutputsByKind).Put(key, value)
	})
}

// PutDiagnostic indexes a diagnostic output under both severity and code buckets.
func (w *Writer) PutDiagnostic(snapshotID, batchID, taskID, severity, code, path string, line, col int, message string) error {
	value, err := msgpack.Marshal(diagnosticValue{Message: message})
	if err != nil {
		return err
	}
	keySev := MakeCacheKey(snapshotID, batchID, taskID, severity, code, path, itoa(line), itoa(col))
	keyCode := MakeCacheKey(snapshotID, batchID, taskID, code, severity, path, itoa(line), itoa(col))

	return w.env.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketDiagsBySev).Put(keySev, value); err != nil {
			return err
		}
		return tx.Bucket(bucketDiagsByCode).Put(keyCode, value)
	})
}

// IncrementStat accumulates an in-memory counter to be written by FlushStats.
func (w *Writer) IncrementStat(snapshotID, batchID, taskID, group, value string) {
	key := string(MakeCacheKey(snapshotID, batchID, taskID, "count", group, value))
	w.counts[key]++
}

// FlushStats writes every accumulated counter in one transaction and clears
// the in-memory accumulator.
func (w *Writer) FlushStats() error {
	if len(w.counts) == 0 {
		return nil
	}
	err := w.env.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketStats)
		for key, count := range w.counts {
			if err := bucket.Put([]byte(key), EncodeCounter(count)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	w.counts = make(map[string]uint64)
	return nil
}

func itoa(n int) string { return fmt.Sprintf("%d", n) }

// FileInfo is the decoded form of a files_by_path entry.
type FileInfo struct {
	Lang      string
	Size      int64
	PathKey   string
	ObjPrefix string
}

// OutputInfo is the decoded form of an outputs_by_kind entry.
type OutputInfo struct {
	SnapshotID, BatchID, TaskID, Kind, Path, Object, Format string
}

// DiagnosticInfo is the decoded form of a diags_by_sev entry.
type DiagnosticInfo struct {
	SnapshotID, BatchID, TaskID, Severity, Code, Path, Message string
	Line, Col                                                  int
}

// Reader answers queries against a read-only (or just-built) Env.
type Reader struct {
	env *Env
}

// NewReader returns a Reader over env.
func NewReader(env *Env) *Reader {
	return &Reader{env: env}
}

// GetFile returns the indexed info for a file, or nil if absent.
func (r *Reader) GetFile(snapshotID, path string) (*FileInfo, error) {
	key := MakeCacheKey(snapshotID, path)
	var result *FileInfo
	err := r.env.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(bucketFilesByPath).Get(key)
		if value == nil {
			return nil
		}
		var fv fileValue
		if err := msgpack.Unmarshal(value, &fv); err != nil {
			return err
		}
		result = &FileInfo{Lang: fv.Lang, Size: fv.Size, PathKey: fv.PathKey, ObjPrefix: fv.ObjPrefix}
		return nil
	})
	return result, err
}

// IterOutputsByKind returns every output under snapshot/batch/task,
// optionally filtered to one kind.
func (r *Reader) IterOutputsByKind(snapshotID, batchID, taskID, kind string) ([]OutputInfo, error) {
	var prefix []byte
	if kind != "" {
		prefix = MakeCacheKey(snapshotID, batchID, taskID, kind)
	} else {
		prefix = MakeCacheKey(snapshotID, batchID, taskID)
	}

	var out []OutputInfo
	err := r.env.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOutputsByKind).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			parts := ParseCacheKey(k)
			if len(parts) < 5 {
				continue
			}
			var ov outputValue
			if err := msgpack.Unmarshal(v, &ov); err != nil {
				return err
			}
			out = append(out, OutputInfo{
				SnapshotID: parts[0], BatchID: parts[1], TaskID: parts[2], Kind: parts[3], Path: parts[4],
				Object: ov.Object, Format: ov.Format,
			})
		}
		return nil
	})
	return out, err
}

// IterDiagnosticsBySeverity returns every diagnostic under snapshot/batch/task,
// optionally filtered to one severity.
func (r *Reader) IterDiagnosticsBySeverity(snapshotID, batchID, taskID, severity string) ([]DiagnosticInfo, error) {
	var prefix []byte
	if severity != "" {
		prefix = MakeCacheKey(snapshotID, batchID, taskID, severity)
	} else {
		prefix = MakeCacheKey(snapshotID, batchID, taskID)
	}

	var out []DiagnosticInfo
	err := r.env.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDiagsBySev).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			parts := ParseCacheKey(k)
			if len(parts) < 8 {
				continue
			}
			var dv diagnosticValue
			if err := msgpack.Unmarshal(v, &dv); err != nil {
				return err
			}
			out = append(out, DiagnosticInfo{
				SnapshotID: parts[0], BatchID: parts[1], TaskID: parts[2], Severity: parts[3],
				Code: parts[4], Path: parts[5], Line: atoi(parts[6]), Col: atoi(parts[7]),
				Message: dv.Message,
			})
		}
		return nil
	})
	return out, err
}

// GetStat returns one counter's value, 0 if absent.
func (r *Reader) GetStat(snapshotID, batchID, taskID, group, value string) (uint64, error) {
	key := MakeCacheKey(snapshotID, batchID, taskID, "count", group, value)
	var result uint64
	err := r.env.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketStats).Get(key)
		if data == nil {
			return nil
		}
		result = DecodeCounter(data)
		return nil
	})
	return result, err
}

// StatEntry is one (value, count) pair returned by IterStats.
type StatEntry struct {
	Value string
	Count uint64
}

// IterStats returns every counter for a stat group, e.g. "kind" or "lang".
func (r *Reader) IterStats(snapshotID, batchID, taskID, group string) ([]StatEntry, error) {
	prefix := MakeCacheKey(snapshotID, batchID, taskID, "count", group)
	var out []StatEntry
	err := r.env.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketStats).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			parts := ParseCacheKey(k)
			if len(parts) < 6 {
				continue
			}
			out = append(out, StatEntry{Value: parts[5], Count: DecodeCounter(v)})
		}
		return nil
	})
	return out, err
}

func hasPrefix(key, prefix []byte) bool {
	if len(key) < len(prefix) {
		return false
	}
	for i := range prefix {
		if key[i] != prefix[i] {
			return false
		}
	}
	return true
}

func atoi(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return n
		}
		n = n*10 + int(c-'0')
	}
	return n
}

// BuildStats summarizes one BuildIndex run.
type BuildStats struct {
	SnapshotID          string
	BatchID             string
	Tasks               []string
	FilesIndexed        int
	OutputsIndexed      int
	DiagnosticsIndexed  int
	SourceFingerprint   string
}

// BuildIndex (re)builds the acceleration cache for a batch: it ingests the
// snapshot's file index, then every task's every shard's committed
// outputs, then computes and persists a source fingerprint. rebuild=true
// wipes any existing cache first instead of updating it in place.
func BuildIndex(storeRoot string, batches *batch.Manager, snapshots *snapshot.Builder, batchID string, rebuild bool, c clock.Clock) (*BuildStats, error) {
	meta, err := batches.LoadBatch(batchID)
	if err != nil {
		return nil, err
	}
	plan, err := batches.LoadPlan(batchID)
	if err != nil {
		return nil, err
	}
	snapshotID := meta.SnapshotID
	taskIDs := make([]string, len(plan.Tasks))
	for i, t := range plan.Tasks {
		taskIDs[i] = t.TaskID
	}

	env := NewEnv(storeRoot, false)
	if rebuild && env.Exists() {
		if err := env.Delete(); err != nil {
			return nil, err
		}
	}
	if err := env.Open(); err != nil {
		return nil, err
	}
	defer env.Close()

	writer := NewWriter(env)
	stats := &BuildStats{SnapshotID: snapshotID, BatchID: batchID, Tasks: taskIDs}

	fileRecords, err := snapshots.LoadFileIndex(snapshotID)
	if err != nil {
		return nil, err
	}

	langByPath := make(map[string]string, len(fileRecords))
	for _, rec := range fileRecords {
		lang := rec.LangHint
		if lang == "" {
			lang = "unknown"
		}
		langByPath[rec.Path] = lang

		objPrefix, err := cas.ShardPrefix(rec.Object)
		if err != nil {
			objPrefix = ""
		}
		pathKey := rec.PathKey
		if pathKey == "" {
			pathKey = rec.Path
		}
		if err := writer.PutFile(snapshotID, rec.Path, lang, rec.Size, pathKey, objPrefix); err != nil {
			return nil, err
		}
		stats.FilesIndexed++
	}

	for _, taskID := range taskIDs {
		outputs, err := iterShardOutputs(storeRoot, batchID, taskID)
		if err != nil {
			return nil, err
		}
		for _, rec := range outputs {
			kind := rec.Kind
			if kind == "" {
				kind = "unknown"
			}

			var extra map[string]interface{}
			if kind == "metric" && rec.Metric != "" {
				extra = map[string]interface{}{"metric": rec.Metric, "value": rec.Value}
			}

			if err := writer.PutOutput(snapshotID, batchID, taskID, kind, rec.Path, rec.Object, rec.Format, extra); err != nil {
				return nil, err
			}
			stats.OutputsIndexed++

			writer.IncrementStat(snapshotID, batchID, taskID, "kind", kind)

			lang, ok := langByPath[rec.Path]
			if !ok {
				lang = "unknown"
			}
			writer.IncrementStat(snapshotID, batchID, taskID, "lang", lang)

			if kind == "diagnostic" {
				severity := orUnknown(rec.Severity)
				code := orUnknown(rec.Code)
				line, col := rec.Line, rec.Col
				if col == 0 {
					if v, ok := rec.Extra["column"]; ok {
						col = fieldInt(map[string]interface{}{"column": v}, "column")
					}
				}
				message := rec.Message

				if err := writer.PutDiagnostic(snapshotID, batchID, taskID, severity, code, rec.Path, line, col, message); err != nil {
					return nil, err
				}
				stats.DiagnosticsIndexed++

				writer.IncrementStat(snapshotID, batchID, taskID, "severity", severity)
				writer.IncrementStat(snapshotID, batchID, taskID, "code", code)
			}
		}
	}

	if err := writer.FlushStats(); err != nil {
		return nil, err
	}

	fingerprint, err := ComputeSourceFingerprint(storeRoot, snapshotID, batchID, taskIDs)
	if err != nil {
		return nil, err
	}
	stats.SourceFingerprint = fingerprint

	cacheMeta := CreateCacheMeta(snapshotID, batchID, taskIDs, fingerprint, clock.RFC3339Z(c.Now()))
	if err := env.SaveMeta(cacheMeta); err != nil {
		return nil, err
	}

	return stats, nil
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func fieldInt(fields map[string]interface{}, key string) int {
	switch v := fields[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func iterShardOutputs(storeRoot, batchID, taskID string) ([]runner.OutputRecord, error) {
	shardsDir := filepath.Join(storeRoot, "batches", batchID, "tasks", taskID, "shards")
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

	var all []runner.OutputRecord
	for _, shardID := range names {
		path := filepath.Join(shardsDir, shardID, "outputs.index.jsonl")
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, line := range splitLines(data) {
			if len(line) == 0 {
				continue
			}
			var rec runner.OutputRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				return nil, err
			}
			all = append(all, rec)
		}
	}
	return all, nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

// TryOpenCache opens a batch's cache for querying if one exists and is
// still valid; it returns (nil, nil, nil) otherwise. The caller must Close
// the returned Env when done.
func TryOpenCache(storeRoot string, batches *batch.Manager, batchID string) (*Reader, *Env, error) {
	env := NewEnv(storeRoot, true)
	if !env.Exists() {
		return nil, nil, nil
	}

	if err := env.Open(); err != nil {
		return nil, nil, nil
	}

	meta, err := env.LoadMeta()
	if err != nil || meta == nil {
		env.Close()
		return nil, nil, nil
	}

	batchMeta, err := batches.LoadBatch(batchID)
	if err != nil {
		env.Close()
		return nil, nil, nil
	}
	plan, err := batches.LoadPlan(batchID)
	if err != nil {
		env.Close()
		return nil, nil, nil
	}
	taskIDs := make([]string, len(plan.Tasks))
	for i, t := range plan.Tasks {
		taskIDs[i] = t.TaskID
	}

	valid, err := IsCacheValid(meta, storeRoot, batchMeta.SnapshotID, batchID, taskIDs)
	if err != nil || !valid {
		env.Close()
		return nil, nil, nil
	}

	return NewReader(env), env, nil
}
