// Package snapshot builds and loads immutable snapshots: frozen,
// content-addressed views of a directory tree at a point in time.
package snapshot

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"codebatch/internal/codebatch/cas"
	"codebatch/internal/codebatch/clock"
	"codebatch/internal/codebatch/errs"
	"codebatch/internal/codebatch/paths"
)

// SchemaVersion is the on-disk schema version stamped into every snapshot
// and file-index record this package writes.
const SchemaVersion = "1.0"

// LangHints maps a lowercase file extension (with leading dot) to the
// language hint recorded on a file's index entry.
var LangHints = map[string]string{
	".py": "python", ".js": "javascript", ".ts": "typescript", ".tsx": "typescript",
	".jsx": "javascript", ".cs": "csharp", ".java": "java", ".go": "go", ".rs": "rust",
	".c": "c", ".cpp": "cpp", ".cc": "cpp", ".h": "c", ".hpp": "cpp",
	".rb": "ruby", ".php": "php", ".swift": "swift", ".kt": "kotlin", ".scala": "scala",
	".r": "r", ".sql": "sql", ".sh": "shell", ".bash": "shell", ".zsh": "shell",
	".ps1": "powershell", ".md": "markdown", ".json": "json", ".yaml": "yaml", ".yml": "yaml",
	".xml": "xml", ".html": "html", ".css": "css", ".scss": "scss", ".sass": "sass", ".less": "less",
}

// DetectLangHint returns the language hint for path's extension, or "" if unknown.
func DetectLangHint(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	return LangHints[ext]
}

// FileRecord is one entry of a snapshot's files.index.jsonl, sorted by PathKey.
type FileRecord struct {
	SchemaVersion string `json:"schema_version"`
	Path          string `json:"path"`
	PathKey       string `json:"path_key"`
	Object        string `json:"object"`
	Size          int64  `json:"size"`
	LangHint      string `json:"lang_hint,omitempty"`
}

// Source describes where a snapshot's files came from.
type Source struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

// Meta is the contents of a snapshot's snapshot.json.
type Meta struct {
	SchemaName string                 `json:"schema_name"`
	Version    string                 `json:"schema_version"`
	SnapshotID string                 `json:"snapshot_id"`
	CreatedAt  string                 `json:"created_at"`
	Source     Source                 `json:"source"`
	FileCount  int                    `json:"file_count"`
	TotalBytes int64                  `json:"total_bytes"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Builder constructs immutable snapshots under storeRoot/snapshots.
type Builder struct {
	storeRoot string
	objects   *cas.Store
	clock     clock.Clock
}

// NewBuilder returns a Builder rooted at storeRoot.
func NewBuilder(storeRoot string, c clock.Clock) *Builder {
	return &Builder{storeRoot: storeRoot, objects: cas.New(storeRoot), clock: c}
}

func (b *Builder) snapshotsDir() string {
	return filepath.Join(b.storeRoot, "snapshots")
}

// GenerateID produces a snapshot ID of the form snap-YYYYMMDD-HHMMSS-<rand8>.
func GenerateID(c clock.Clock) string {
	now := c.Now()
	return fmt.Sprintf("snap-%s-%s", now.Format("20060102-150405"), c.RandHex(4))
}

func (b *Builder) walk(sourceDir string) ([]string, error) {
	var rels []string
	err := filepath.Walk(sourceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if path != sourceDir && strings.HasPrefix(info.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(info.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return nil
		}
		rels = append(rels, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rels, nil
}

// Build walks sourceDir, stores every regular file's contents in the CAS,
// and writes an immutable snapshot. Paths that fail canonicalization or
// can't be read are silently skipped, matching the reference builder.
func (b *Builder) Build(sourceDir string, snapshotID string, metadata map[string]interface{}) (string, error) {
	info, err := os.Stat(sourceDir)
	if err != nil || !info.IsDir() {
		return "", errs.New(errs.CodeInvalidArgument, sourceDir, "source is not a directory")
	}

	if snapshotID == "" {
		snapshotID = GenerateID(b.clock)
	}

	snapDir := filepath.Join(b.snapshotsDir(), snapshotID)
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}

	rels, err := b.walk(sourceDir)
	if err != nil {
		return "", fmt.Errorf("walk source: %w", err)
	}

	var records []FileRecord
	var totalBytes int64

	for _, rel := range rels {
		canonical, key, err := paths.CanonicalizeWithKey(rel, "")
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(sourceDir, filepath.FromSlash(rel)))
		if err != nil {
			continue
		}
		ref, err := b.objects.Put(data)
		if err != nil {
			return "", fmt.Errorf("store object for %s: %w", canonical, err)
		}
		size := int64(len(data))
		totalBytes += size

		records = append(records, FileRecord{
			SchemaVersion: SchemaVersion,
			Path:          canonical,
			PathKey:       key,
			Object:        string(ref),
			Size:          size,
			LangHint:      DetectLangHint(canonical),
		})
	}

	sort.Slice(records, func(i, j int) bool { return records[i].PathKey < records[j].PathKey })

	if err := writeIndex(filepath.Join(snapDir, "files.index.jsonl"), records); err != nil {
		return "", err
	}

	absSource, err := filepath.Abs(sourceDir)
	if err != nil {
		absSource = sourceDir
	}

	meta := Meta{
		SchemaName: "codebatch.snapshot",
		Version:    SchemaVersion,
		SnapshotID: snapshotID,
		CreatedAt:  clock.RFC3339Z(b.clock.Now()),
		Source:     Source{Type: "directory", Path: absSource},
		FileCount:  len(records),
		TotalBytes: totalBytes,
		Metadata:   metadata,
	}

	if err := writeMeta(filepath.Join(snapDir, "snapshot.json"), meta); err != nil {
		return "", err
	}

	return snapshotID, nil
}

func writeIndex(path string, records []FileRecord) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create index temp file: %w", err)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("encode file record: %w", err)
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

func writeMeta(path string, meta Meta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot meta: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot meta: %w", err)
	}
	return os.Rename(tmp, path)
}

// Load reads a snapshot's metadata.
func (b *Builder) Load(snapshotID string) (*Meta, error) {
	data, err := os.ReadFile(filepath.Join(b.snapshotsDir(), snapshotID, "snapshot.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.CodeSnapshotNotFound, snapshotID, "snapshot not found")
		}
		return nil, err
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse snapshot meta: %w", err)
	}
	return &meta, nil
}

// LoadFileIndex reads every record of a snapshot's files.index.jsonl, in
// the on-disk (already path_key-sorted) order.
func (b *Builder) LoadFileIndex(snapshotID string) ([]FileRecord, error) {
	path := filepath.Join(b.snapshotsDir(), snapshotID, "files.index.jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.CodeSnapshotNotFound, snapshotID, "snapshot not found")
		}
		return nil, err
	}
	defer f.Close()

	var records []FileRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r FileRecord
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, fmt.Errorf("parse file index line: %w", err)
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
