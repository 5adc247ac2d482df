package exec

import (
	"encoding/json"

	"codebatch/internal/codebatch/runner"
	"codebatch/internal/codebatch/snapshot"
)

func symbolRecord(path, name, symbolType, scope string, line, col int) runner.OutputRecord {
	return runner.OutputRecord{
		Path: path, Kind: "symbol",
		Name: name, SymbolType: symbolType, Scope: scope,
		Line: line, Col: col,
	}
}

func edgeRecord(path, edgeType, target string, line int) runner.OutputRecord {
	return runner.OutputRecord{
		Path: path, Kind: "edge",
		EdgeType: edgeType, Target: target, Line: line,
	}
}

// extractSymbols walks a parsed file's generic node envelope and emits one
// symbol record per function/method/class definition found at any depth,
// and one edge record per import, carrying a best-effort name read from the
// node's text (tree-sitter leaves source text on identifier children, so a
// real name is usually available, unlike the Python-ast summary form this
// is grounded on).
func extractSymbols(envelope *astEnvelope, path string) []runner.OutputRecord {
	var out []runner.OutputRecord
	for _, node := range envelope.Body {
		walkSymbols(node, path, "module", &out)
	}
	return out
}

func walkSymbols(n astNode, path, scope string, out *[]runner.OutputRecord) {
	line := n.StartRow + 1
	switch {
	case functionNodeTypes[n.Type]:
		*out = append(*out, symbolRecord(path, nodeName(n, "function"), "function", scope, line, n.StartCol+1))
		for _, child := range n.Children {
			walkSymbols(child, path, "local", out)
		}
		return
	case classNodeTypes[n.Type]:
		*out = append(*out, symbolRecord(path, nodeName(n, "class"), "class", scope, line, n.StartCol+1))
		for _, child := range n.Children {
			walkSymbols(child, path, "member", out)
		}
		return
	case importNodeTypes[n.Type]:
		*out = append(*out, edgeRecord(path, "imports", nodeName(n, "module"), line))
	}
	for _, child := range n.Children {
		walkSymbols(child, path, scope, out)
	}
}

// nodeName returns the first identifier-shaped child's text, or kind itself
// when no literal name is recoverable.
func nodeName(n astNode, kind string) string {
	for _, child := range n.Children {
		if child.Type == "identifier" || child.Type == "field_identifier" ||
			child.Type == "type_identifier" || child.Type == "property_identifier" {
			if child.Text != "" {
				return child.Text
			}
		}
	}
	return kind
}

// SymbolsExecutor consumes the 01_parse kind=ast outputs for this shard and
// emits a kind=symbol/kind=edge record per recognizable definition. Files
// whose AST is chunked, text-stats-only, or unreadable are skipped rather
// than erroring, matching the reference implementation's lenient behavior.
func SymbolsExecutor(config map[string]interface{}, files []snapshot.FileRecord, h *runner.Handle) ([]runner.OutputRecord, error) {
	priorOutputs, err := h.IterPriorOutputs("01_parse")
	if err != nil {
		return nil, err
	}

	var outputs []runner.OutputRecord
	for _, ast := range priorOutputs {
		if ast.Kind != "ast" || ast.Path == "" || ast.Object == "" {
			continue
		}
		if ast.Format == "json+chunks" {
			continue
		}

		data, err := h.Get(ast.Object)
		if err != nil {
			outputs = append(outputs, diagnosticRecord(ast.Path, "warning", "SYMBOLS_EXTRACT_ERROR", err.Error(), 1, 1))
			continue
		}

		var envelope astEnvelope
		if err := json.Unmarshal(data, &envelope); err != nil || envelope.Type != "Module" {
			continue
		}
		outputs = append(outputs, extractSymbols(&envelope, ast.Path)...)
	}

	return outputs, nil
}
