package exec

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"codebatch/internal/codebatch/runner"
	"codebatch/internal/codebatch/snapshot"
)

const defaultMaxLineLength = 120

// todoPatterns are matched case-insensitively; only the first match per
// line is reported, mirroring the reference rule's one-diagnostic-per-line
// behavior.
var todoPatterns = []string{"TODO", "FIXME", "XXX", "HACK"}

// lintTrailingWhitespace is L001.
func lintTrailingWhitespace(lines []string, path string) []runner.OutputRecord {
	var out []runner.OutputRecord
	for i, line := range lines {
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed != strings.TrimRight(trimmed, " \t") {
			col := len(strings.TrimRight(trimmed, " \t")) + 1
			out = append(out, diagnosticRecord(path, "warning", "L001", "trailing whitespace", i+1, col))
		}
	}
	return out
}

// lintLineTooLong is L002.
func lintLineTooLong(lines []string, path string, maxLength int) []runner.OutputRecord {
	var out []runner.OutputRecord
	for i, line := range lines {
		trimmed := strings.TrimRight(line, "\r\n")
		if len(trimmed) > maxLength {
			msg := fmt.Sprintf("line too long (%d > %d)", len(trimmed), maxLength)
			out = append(out, diagnosticRecord(path, "warning", "L002", msg, i+1, maxLength+1))
		}
	}
	return out
}

// lintTodoFixme is L003.
func lintTodoFixme(lines []string, path string) []runner.OutputRecord {
	var out []runner.OutputRecord
	for i, line := range lines {
		upper := strings.ToUpper(line)
		for _, pattern := range todoPatterns {
			if idx := strings.Index(upper, pattern); idx >= 0 {
				out = append(out, diagnosticRecord(path, "info", "L003", fmt.Sprintf("found %s comment", pattern), i+1, idx+1))
				break
			}
		}
	}
	return out
}

// lintTabIndentation is L004.
func lintTabIndentation(lines []string, path string) []runner.OutputRecord {
	var out []runner.OutputRecord
	for i, line := range lines {
		if strings.HasPrefix(line, "\t") {
			out = append(out, diagnosticRecord(path, "warning", "L004", "tab indentation (prefer spaces)", i+1, 1))
		}
	}
	return out
}

// lintMissingFinalNewline is L005.
func lintMissingFinalNewline(content, path string) []runner.OutputRecord {
	if content == "" || strings.HasSuffix(content, "\n") {
		return nil
	}
	lines := strings.Split(content, "\n")
	return []runner.OutputRecord{
		diagnosticRecord(path, "warning", "L005", "missing newline at end of file", len(lines), len(lines[len(lines)-1])+1),
	}
}

func lintContent(content, path string, config map[string]interface{}) []runner.OutputRecord {
	lines := strings.Split(content, "\n")
	maxLineLength := configInt(config, "max_line_length", defaultMaxLineLength)

	var out []runner.OutputRecord
	if configBool(config, "check_trailing_whitespace", true) {
		out = append(out, lintTrailingWhitespace(lines, path)...)
	}
	if configBool(config, "check_line_length", true) {
		out = append(out, lintLineTooLong(lines, path, maxLineLength)...)
	}
	if configBool(config, "check_todo", true) {
		out = append(out, lintTodoFixme(lines, path)...)
	}
	if configBool(config, "check_tab_indentation", true) {
		out = append(out, lintTabIndentation(lines, path)...)
	}
	if configBool(config, "check_final_newline", true) {
		out = append(out, lintMissingFinalNewline(content, path)...)
	}
	return out
}

// LintExecutor runs text-based rule checks (L001-L005) over every file in
// the shard's raw content. It does not depend on 01_parse: every file gets
// linted directly from the snapshot's CAS blob.
func LintExecutor(config map[string]interface{}, files []snapshot.FileRecord, h *runner.Handle) ([]runner.OutputRecord, error) {
	var outputs []runner.OutputRecord
	for _, f := range files {
		data, err := h.Get(f.Object)
		if err != nil {
			outputs = append(outputs, diagnosticRecord(f.Path, "error", "L999", fmt.Sprintf("lint error: %v", err), 1, 1))
			continue
		}
		if !utf8.Valid(data) {
			continue
		}
		outputs = append(outputs, lintContent(string(data), f.Path, config)...)
	}
	return outputs, nil
}
