// Package paths canonicalizes and validates file paths for the snapshot and
// store layers. Every persisted path goes through Canonicalize before it is
// recorded anywhere.
package paths

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"codebatch/internal/codebatch/errs"
)

// invalidChars matches control characters and the Windows-reserved
// punctuation that cannot appear in a portable path component.
var invalidChars = regexp.MustCompile(`[\x00-\x1f<>:"|?*]`)

var reservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// Canonicalize normalizes path into UTF-8, '/'-separated, '.'/'..'-free form.
// If root is non-empty, the resolved path is additionally verified not to
// escape root on the filesystem.
func Canonicalize(path string, root string) (string, error) {
	if path == "" {
		return "", errs.New(errs.CodeInvalidPath, path, "empty path")
	}
	if invalidChars.MatchString(path) {
		return "", errs.New(errs.CodeInvalidPath, path, "contains invalid characters")
	}

	normalized := strings.ReplaceAll(path, "\\", "/")
	normalized = strings.TrimSpace(normalized)
	normalized = strings.TrimRight(normalized, "/")
	if normalized == "" {
		return "", errs.New(errs.CodeInvalidPath, path, "path is empty after normalization")
	}

	parts := strings.Split(normalized, "/")
	resolved := make([]string, 0, len(parts))
	for _, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			if len(resolved) == 0 {
				return "", errs.New(errs.CodePathEscape, path, "attempts to go above root")
			}
			resolved = resolved[:len(resolved)-1]
		default:
			base := part
			if i := strings.Index(base, "."); i >= 0 {
				base = base[:i]
			}
			if reservedNames[strings.ToUpper(base)] {
				return "", errs.New(errs.CodeInvalidPath, path, fmt.Sprintf("contains reserved name: %s", part))
			}
			resolved = append(resolved, part)
		}
	}

	if len(resolved) == 0 {
		return "", errs.New(errs.CodeInvalidPath, path, "path resolves to root")
	}

	canonical := strings.Join(resolved, "/")

	if root != "" {
		full := filepath.Join(root, filepath.FromSlash(canonical))
		rootAbs, err := filepath.Abs(root)
		if err == nil {
			fullAbs, err := filepath.Abs(full)
			if err == nil {
				rel, err := filepath.Rel(rootAbs, fullAbs)
				if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
					return "", errs.New(errs.CodePathEscape, path, "resolved path escapes root")
				}
			}
		}
	}

	return canonical, nil
}

// PathKey returns the lowercase form of an already-canonical path, used for
// case-insensitive collision detection.
func PathKey(canonical string) string {
	return strings.ToLower(canonical)
}

// CanonicalizeWithKey canonicalizes path and computes its key in one call.
func CanonicalizeWithKey(path, root string) (canonical, key string, err error) {
	canonical, err = Canonicalize(path, root)
	if err != nil {
		return "", "", err
	}
	return canonical, PathKey(canonical), nil
}

// IsSafe reports whether path canonicalizes without error.
func IsSafe(path, root string) bool {
	_, err := Canonicalize(path, root)
	return err == nil
}

// CollisionPair is an unordered pair of paths sharing a path_key.
type CollisionPair struct {
	A, B string
}

// DetectCaseCollisions returns every unordered pair of canonical paths that
// share a path_key. It is a library function: the snapshot builder exposes
// it but never calls it itself (see DESIGN.md open-question resolutions).
func DetectCaseCollisions(paths []string) []CollisionPair {
	byKey := make(map[string][]string)
	for _, p := range paths {
		key := PathKey(p)
		byKey[key] = append(byKey[key], p)
	}

	var collisions []CollisionPair
	for _, group := range byKey {
		if len(group) < 2 {
			continue
		}
		for i, a := range group {
			for _, b := range group[i+1:] {
				collisions = append(collisions, CollisionPair{A: a, B: b})
			}
		}
	}
	return collisions
}
