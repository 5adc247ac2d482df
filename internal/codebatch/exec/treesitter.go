package exec

import (
	"context"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// languageByHint maps a snapshot lang_hint to the tree-sitter grammar used
// to parse it. Languages absent from this table have no grammar: 01_parse
// emits a plain text-stats envelope for their files instead of a syntax tree.
var languageByHint = map[string]func() *sitter.Language{
	"go":         golang.GetLanguage,
	"python":     python.GetLanguage,
	"javascript": javascript.GetLanguage,
	"typescript": typescript.GetLanguage,
	"rust":       rust.GetLanguage,
}

// astNode is the JSON-serializable, generic tree-sitter node envelope.
type astNode struct {
	Type     string    `json:"type"`
	StartRow int       `json:"start_row"`
	StartCol int       `json:"start_col"`
	EndRow   int       `json:"end_row"`
	EndCol   int       `json:"end_col"`
	Text     string    `json:"text,omitempty"`
	Children []astNode `json:"children,omitempty"`
}

// astEnvelope is the on-disk shape of a kind=ast CAS blob.
type astEnvelope struct {
	Type     string    `json:"type"`
	Language string    `json:"language"`
	Body     []astNode `json:"body"`
}

// leafTextTypes are node kinds worth inlining source text for (identifiers
// and literals); everything else is structural and text is omitted to keep
// the envelope compact.
var leafTextTypes = map[string]bool{
	"identifier": true, "field_identifier": true, "type_identifier": true,
	"property_identifier": true, "string": true, "string_fragment": true,
	"interpreted_string_literal": true, "raw_string_literal": true,
	"number": true, "integer": true, "float": true,
}

func parseTree(language string, content []byte) (*sitter.Tree, bool, error) {
	newLang, ok := languageByHint[language]
	if !ok {
		return nil, false, nil
	}
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(newLang())

	tree, err := parser.ParseCtx(context.Background(), nil, content)
	if err != nil {
		return nil, true, err
	}
	return tree, true, nil
}

func convertNode(n *sitter.Node, content []byte, depth int) astNode {
	const maxDepth = 200
	out := astNode{
		Type:     n.Type(),
		StartRow: int(n.StartPoint().Row),
		StartCol: int(n.StartPoint().Column),
		EndRow:   int(n.EndPoint().Row),
		EndCol:   int(n.EndPoint().Column),
	}
	if leafTextTypes[n.Type()] || (n.ChildCount() == 0 && n.IsNamed()) {
		out.Text = n.Content(content)
	}
	if depth >= maxDepth {
		return out
	}
	count := int(n.ChildCount())
	for i := 0; i < count; i++ {
		child := n.Child(i)
		if child == nil || !child.IsNamed() {
			continue
		}
		out.Children = append(out.Children, convertNode(child, content, depth+1))
	}
	return out
}

// buildASTEnvelope parses content in the given language and returns the
// generic JSON envelope, or ok=false if the language is unsupported.
func buildASTEnvelope(language string, content []byte) (*astEnvelope, bool, error) {
	tree, ok, err := parseTree(language, content)
	if err != nil || !ok {
		return nil, ok, err
	}
	defer tree.Close()

	root := tree.RootNode()
	envelope := &astEnvelope{
		Type:     "Module",
		Language: language,
		Body:     []astNode{convertNode(root, content, 0)},
	}
	return envelope, true, nil
}
