// Package store initializes and validates the top-level CodeBatch store
// directory layout.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"

	"codebatch/internal/codebatch/clock"
	"codebatch/internal/codebatch/errs"
)

// SchemaVersion is the integer store.json schema version this package writes
// and accepts.
const SchemaVersion = 1

// Producer identifies the implementation that created store records.
type Producer struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

var producer = Producer{Name: "codebatch", Version: "0.1.0"}

// Meta is the contents of a store's store.json.
type Meta struct {
	SchemaName string   `json:"schema_name"`
	Version    int      `json:"schema_version"`
	Producer   Producer `json:"producer"`
	CreatedAt  string   `json:"created_at"`
}

// topLevelDirs is the allow-list of directories a valid store may contain
// directly under its root.
var topLevelDirs = []string{"objects", "snapshots", "batches", "indexes"}

func storeJSONPath(root string) string { return filepath.Join(root, "store.json") }

// Init creates a new store at root. If allowReinit is true, an existing
// empty directory (or one with only a partial layout and no store.json) may
// be reinitialized; otherwise a non-empty root is rejected.
func Init(root string, allowReinit bool, c clock.Clock) (*Meta, error) {
	if _, err := os.Stat(storeJSONPath(root)); err == nil {
		return nil, errs.New(errs.CodeStoreExists, root, "store already exists")
	}

	if info, err := os.Stat(root); err == nil && info.IsDir() {
		entries, err := os.ReadDir(root)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 && !allowReinit {
			return nil, errs.New(errs.CodeStoreExists, root, "directory is non-empty")
		}
	}

	if err := os.MkdirAll(filepath.Join(root, "objects", "sha256"), 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(root, "snapshots"), 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(root, "batches"), 0o755); err != nil {
		return nil, err
	}

	meta := &Meta{
		SchemaName: "codebatch.store",
		Version:    SchemaVersion,
		Producer:   producer,
		CreatedAt:  clock.RFC3339Z(c.Now()),
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, err
	}
	data = append(data, '\n')

	if err := os.WriteFile(storeJSONPath(root), data, 0o644); err != nil {
		return nil, err
	}
	return meta, nil
}

// Load reads and validates a store's store.json.
func Load(root string) (*Meta, error) {
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return nil, errs.New(errs.CodeInvalidStore, root, "directory does not exist")
	}

	data, err := os.ReadFile(storeJSONPath(root))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.CodeInvalidStore, root, "missing store.json")
		}
		return nil, err
	}

	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, errs.New(errs.CodeInvalidStore, root, "invalid JSON in store.json")
	}

	if meta.SchemaName != "codebatch.store" {
		return nil, errs.New(errs.CodeInvalidStore, root, "invalid schema_name: "+meta.SchemaName)
	}
	if meta.Version == 0 {
		return nil, errs.New(errs.CodeInvalidStore, root, "invalid schema_version")
	}

	return &meta, nil
}

// Ensure returns the store at root, initializing it if store.json is absent.
func Ensure(root string, c clock.Clock) (*Meta, error) {
	if _, err := os.Stat(storeJSONPath(root)); err == nil {
		return Load(root)
	}
	return Init(root, false, c)
}

// IsValid reports whether root is a valid CodeBatch store.
func IsValid(root string) bool {
	_, err := Load(root)
	return err == nil
}

// TopLevelDirs returns the allow-listed top-level directory names a store
// root may contain.
func TopLevelDirs() []string {
	out := make([]string, len(topLevelDirs))
	copy(out, topLevelDirs)
	return out
}

// HasOnlyAllowedTopLevelEntries reports whether every entry directly under
// root is either store.json or one of the allow-listed top-level
// directories.
func HasOnlyAllowedTopLevelEntries(root string) (bool, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return false, err
	}
	allowed := map[string]bool{"store.json": true}
	for _, d := range topLevelDirs {
		allowed[d] = true
	}
	for _, e := range entries {
		if !allowed[e.Name()] {
			return false, nil
		}
	}
	return true, nil
}
