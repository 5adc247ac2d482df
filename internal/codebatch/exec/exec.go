// Package exec provides the task executor registry: the four concrete
// Executor implementations (parse, analyze, symbols, lint) a workflow
// dispatches by task type, grounded on a generic tree-sitter AST envelope
// shared across every supported language (C11).
package exec

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"codebatch/internal/codebatch/runner"
	"codebatch/internal/codebatch/snapshot"
)

// Registry resolves a task type to its Executor.
type Registry struct {
	executors map[string]runner.Executor
}

// NewRegistry returns a Registry with the four built-in executors wired in.
func NewRegistry() *Registry {
	return &Registry{
		executors: map[string]runner.Executor{
			"parse":   ParseExecutor,
			"analyze": AnalyzeExecutor,
			"symbols": SymbolsExecutor,
			"lint":    LintExecutor,
		},
	}
}

// Get returns the executor registered for taskType, if any.
func (reg *Registry) Get(taskType string) (runner.Executor, bool) {
	e, ok := reg.executors[taskType]
	return e, ok
}

// Register adds or replaces the executor for a task type.
func (reg *Registry) Register(taskType string, e runner.Executor) {
	reg.executors[taskType] = e
}

func configInt(config map[string]interface{}, key string, def int) int {
	v, ok := config[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return def
	}
}

func configBool(config map[string]interface{}, key string, def bool) bool {
	v, ok := config[key]
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

const defaultChunkThreshold = 16 * 1024 * 1024

// ParseExecutor parses every text file in the shard with the tree-sitter
// grammar matching its lang_hint and emits a kind=ast output holding the
// generic node envelope, plus kind=diagnostic records for decode/parse
// failures. Unsupported languages fall back to a plain text-stats envelope
// rather than being skipped.
func ParseExecutor(config map[string]interface{}, files []snapshot.FileRecord, h *runner.Handle) ([]runner.OutputRecord, error) {
	chunkThreshold := configInt(config, "chunk_threshold", defaultChunkThreshold)
	emitAST := configBool(config, "emit_ast", true)
	emitDiagnostics := configBool(config, "emit_diagnostics", true)

	var outputs []runner.OutputRecord

	for _, f := range files {
		data, err := h.Get(f.Object)
		if err != nil {
			if emitDiagnostics {
				outputs = append(outputs, diagnosticRecord(f.Path, "error", "E9999", fmt.Sprintf("read error: %v", err), 1, 1))
			}
			continue
		}
		if !utf8.Valid(data) {
			continue
		}

		envelope, supported, err := buildASTEnvelope(f.LangHint, data)
		if err != nil {
			if emitDiagnostics {
				outputs = append(outputs, diagnosticRecord(f.Path, "error", "E0002", fmt.Sprintf("parse error: %v", err), 1, 1))
			}
			continue
		}

		var astBytes []byte
		if supported {
			astBytes, err = json.Marshal(envelope)
		} else {
			astBytes, err = json.Marshal(textStatsEnvelope(data))
		}
		if err != nil {
			continue
		}

		if !emitAST {
			continue
		}

		if len(astBytes) > chunkThreshold {
			manifestRef, err := writeChunkManifest(h, astBytes, chunkThreshold)
			if err != nil {
				continue
			}
			outputs = append(outputs, runner.OutputRecord{
				Path: f.Path, Kind: "ast", Object: manifestRef,
				Format: "json+chunks",
			})
			continue
		}

		ref, err := h.Put(astBytes)
		if err != nil {
			continue
		}
		outputs = append(outputs, runner.OutputRecord{
			Path: f.Path, Kind: "ast", Object: string(ref),
			Format: "json",
		})
	}

	return outputs, nil
}

// textEnvelope is the fallback kind=ast payload for languages with no
// registered tree-sitter grammar: plain line/word/char statistics instead
// of a structural tree.
type textEnvelope struct {
	Type  string         `json:"type"`
	Mode  string         `json:"ast_mode"`
	Stats map[string]int `json:"stats"`
}

func textStatsEnvelope(data []byte) *textEnvelope {
	content := string(data)
	lines := strings.Split(content, "\n")
	nonEmpty := 0
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			nonEmpty++
		}
	}
	return &textEnvelope{
		Type: "TextInfo",
		Mode: "text_stats",
		Stats: map[string]int{
			"lines": len(lines), "words": len(strings.Fields(content)),
			"characters": len(content), "non_empty_lines": nonEmpty,
		},
	}
}

// chunkRef is one entry of a chunkManifest.
type chunkRef struct {
	Object string `json:"object"`
	Size   int    `json:"size"`
	Index  int    `json:"index"`
}

// chunkManifest is the kind=ast payload when a parsed file's JSON exceeds
// the chunk threshold: the blob lives as fixed-size chunks in the CAS and
// this manifest lists them in order.
type chunkManifest struct {
	Type       string     `json:"type"`
	Format     string     `json:"format"`
	TotalBytes int        `json:"total_bytes"`
	ChunkSize  int        `json:"chunk_size"`
	Chunks     []chunkRef `json:"chunks"`
}

func writeChunkManifest(h *runner.Handle, data []byte, chunkSize int) (string, error) {
	var chunks []chunkRef
	for i := 0; i < len(data); i += chunkSize {
		end := i + chunkSize
		if end > len(data) {
			end = len(data)
		}
		ref, err := h.Put(data[i:end])
		if err != nil {
			return "", err
		}
		chunks = append(chunks, chunkRef{Object: string(ref), Size: end - i, Index: len(chunks)})
	}
	manifest := chunkManifest{
		Type: "chunk_manifest", Format: "json", TotalBytes: len(data),
		ChunkSize: chunkSize, Chunks: chunks,
	}
	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		return "", err
	}
	ref, err := h.Put(manifestBytes)
	if err != nil {
		return "", err
	}
	return string(ref), nil
}

func diagnosticRecord(path, severity, code, message string, line, col int) runner.OutputRecord {
	return runner.OutputRecord{
		Path: path, Kind: "diagnostic", Severity: severity, Code: code,
		Message: message, Line: line, Col: col,
	}
}

func metricRecord(path, metric string, value interface{}) runner.OutputRecord {
	return runner.OutputRecord{
		Path: path, Kind: "metric",
		Metric: metric, Value: value,
	}
}
