package exec

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"codebatch/internal/codebatch/runner"
	"codebatch/internal/codebatch/snapshot"
)

// branchNodeTypes are tree-sitter node kinds across the supported grammars
// that each contribute one decision point to cyclomatic complexity: an
// if/ternary, a loop, an exception handler, or an assertion/comprehension.
var branchNodeTypes = map[string]bool{
	"if_statement": true, "elif_clause": true, "ternary_expression": true,
	"conditional_expression": true, "if_expression": true,
	"for_statement": true, "for_in_statement": true, "while_statement": true,
	"except_clause": true, "catch_clause": true, "rescue_clause": true,
	"assert_statement": true, "assert_macro": true,
	"list_comprehension": true, "set_comprehension": true,
	"dictionary_comprehension": true, "generator_expression": true,
}

// functionNodeTypes are node kinds treated as a function/method boundary
// for per-function complexity and function_count.
var functionNodeTypes = map[string]bool{
	"function_declaration": true, "function_definition": true,
	"method_declaration": true, "method_definition": true,
	"func_literal": true, "arrow_function": true, "function_expression": true,
}

var classNodeTypes = map[string]bool{
	"class_declaration": true, "class_definition": true, "struct_type": true,
}

var importNodeTypes = map[string]bool{
	"import_statement": true, "import_declaration": true, "import_spec": true,
	"use_declaration": true,
}

// booleanOperatorTypes add one complexity point per extra operand the way
// a chain of &&/and / ||/or does, mirroring a Python BoolOp node.
var booleanOperatorTypes = map[string]bool{
	"binary_expression": true, "boolean_operator": true,
}

func countLines(content string) int {
	n := 0
	for _, line := range strings.Split(content, "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n
}

// complexityOf returns the decision-point contribution of a single node and
// its descendants, recursing through every child (the generic envelope has
// no named-field distinction worth special-casing beyond node type).
func complexityOf(n astNode) int {
	c := 0
	if branchNodeTypes[n.Type] {
		c++
	}
	if booleanOperatorTypes[n.Type] {
		c += booleanOperandBonus(n)
	}
	for _, child := range n.Children {
		c += complexityOf(child)
	}
	return c
}

// booleanOperandBonus approximates Python's "len(values)-1" BoolOp rule: a
// binary boolean node with one extra named operand beyond the usual two
// contributes nothing more; chained operators are already separate nested
// nodes in tree-sitter grammars, so this only guards against double-count.
func booleanOperandBonus(n astNode) int {
	if len(n.Children) <= 2 {
		return 0
	}
	return len(n.Children) - 2
}

func functionComplexity(fn astNode) int {
	complexity := 1
	for _, child := range fn.Children {
		complexity += complexityOf(child)
	}
	return complexity
}

type complexityTotals struct {
	totalComplexity int
	maxComplexity   int
	functionCount   int
	classCount      int
	importCount     int
}

func (t *complexityTotals) walk(n astNode) {
	switch {
	case functionNodeTypes[n.Type]:
		t.functionCount++
		fc := functionComplexity(n)
		t.totalComplexity += fc
		if fc > t.maxComplexity {
			t.maxComplexity = fc
		}
		for _, child := range n.Children {
			t.walk(child)
		}
		return
	case classNodeTypes[n.Type]:
		t.classCount++
		for _, child := range n.Children {
			t.walk(child)
		}
		return
	case importNodeTypes[n.Type]:
		t.importCount++
	}
	for _, child := range n.Children {
		t.walk(child)
	}
}

func extractComplexityMetrics(envelope *astEnvelope, path string) []runner.OutputRecord {
	totals := &complexityTotals{}
	for _, node := range envelope.Body {
		totals.walk(node)
	}
	return []runner.OutputRecord{
		metricRecord(path, "complexity", totals.totalComplexity),
		metricRecord(path, "max_complexity", totals.maxComplexity),
		metricRecord(path, "function_count", totals.functionCount),
		metricRecord(path, "class_count", totals.classCount),
		metricRecord(path, "import_count", totals.importCount),
	}
}

// AnalyzeExecutor emits cheap, stable file-level metrics (bytes, loc, lang)
// for every file in the shard, and -- for files with a structural AST from
// 01_parse available via IterPriorOutputs -- cyclomatic complexity metrics
// derived by walking the generic node envelope.
func AnalyzeExecutor(config map[string]interface{}, files []snapshot.FileRecord, h *runner.Handle) ([]runner.OutputRecord, error) {
	var outputs []runner.OutputRecord

	priorOutputs, err := h.IterPriorOutputs("01_parse")
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	for _, ast := range priorOutputs {
		if ast.Kind != "ast" || ast.Object == "" || seen[ast.Path] {
			continue
		}
		if ast.Format == "json+chunks" {
			continue
		}
		data, err := h.Get(ast.Object)
		if err != nil {
			continue
		}
		var envelope astEnvelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}
		if envelope.Type != "Module" {
			continue
		}
		outputs = append(outputs, extractComplexityMetrics(&envelope, ast.Path)...)
		seen[ast.Path] = true
	}

	for _, f := range files {
		data, err := h.Get(f.Object)
		if err != nil {
			outputs = append(outputs, metricRecord(f.Path, "error", err.Error()))
			continue
		}
		outputs = append(outputs, metricRecord(f.Path, "bytes", len(data)))
		if utf8.Valid(data) {
			outputs = append(outputs, metricRecord(f.Path, "loc", countLines(string(data))))
		}
		lang := f.LangHint
		if lang == "" {
			lang = "unknown"
		}
		outputs = append(outputs, metricRecord(f.Path, "lang", lang))
	}

	return outputs, nil
}
