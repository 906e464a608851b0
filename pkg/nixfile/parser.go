// Package nixfile parses Nix expression files with tree-sitter and extracts the
// facts the ratchet checks need: top-level bindings, their callPackage shape, and
// the byte ranges a migration may rewrite.
package nixfile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/alexaandru/go-sitter-forest/nix"
	sitter "github.com/alexaandru/go-tree-sitter-bare"
)

// Sentinel errors for parser operations.
var (
	ErrSyntax     = errors.New("nix syntax error")
	errNoRootNode = errors.New("nix parser: no root node")
	errPoolType   = errors.New("nix parser: pool returned unexpected type")
)

// Tree-sitter node types of the Nix grammar used by the extractor.
const (
	nodeSourceCode    = "source_code"
	nodeAttrset       = "attrset_expression"
	nodeRecAttrset    = "rec_attrset_expression"
	nodeBindingSet    = "binding_set"
	nodeBinding       = "binding"
	nodeAttrpath      = "attrpath"
	nodeApply         = "apply_expression"
	nodeVariable      = "variable_expression"
	nodeSelect        = "select_expression"
	nodePath          = "path_expression"
	nodeInterpolation = "interpolation"
	nodeParenthesized = "parenthesized_expression"
	nodeFunction      = "function_expression"
	nodeWith          = "with_expression"
	nodeLet           = "let_expression"
	nodeAssert        = "assert_expression"
	nodeComment       = "comment"
	nodeError         = "ERROR"
)

// Tree-sitter field names of the Nix grammar.
const (
	fieldBody       = "body"
	fieldFunction   = "function"
	fieldArgument   = "argument"
	fieldAttrpath   = "attrpath"
	fieldExpression = "expression"
)

var nixLanguage = sync.OnceValue(func() *sitter.Language {
	return sitter.NewLanguage(nix.GetLanguage())
})

// Parser turns Nix source into a File. It is safe for concurrent use.
type Parser struct {
	pool sync.Pool
}

// NewParser creates a Parser backed by a pool of tree-sitter parsers.
func NewParser() *Parser {
	lang := nixLanguage()

	return &Parser{
		pool: sync.Pool{
			New: func() any {
				tsParser := sitter.NewParser()
				tsParser.SetLanguage(lang)

				return tsParser
			},
		},
	}
}

// Parse parses content as the Nix file at path.
func (p *Parser) Parse(ctx context.Context, path string, content []byte) (*File, error) {
	tsParser, ok := p.pool.Get().(*sitter.Parser)
	if !ok {
		return nil, errPoolType
	}

	defer p.pool.Put(tsParser)

	tree, err := tsParser.ParseString(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("nix parser: failed to parse %s: %w", path, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.IsNull() {
		return nil, errNoRootNode
	}

	if errNode := findError(root); !errNode.IsNull() {
		return nil, fmt.Errorf("%w in %s at line %d", ErrSyntax, path, toInt(errNode.StartPoint().Row)+1)
	}

	ext := &extractor{content: content}

	file := &File{
		Path:    path,
		Content: content,
	}
	file.setBindings(ext.topLevelBindings(root))

	return file, nil
}

// findError returns the first ERROR node in document order, or a null node.
func findError(n sitter.Node) sitter.Node {
	if n.Type() == nodeError {
		return n
	}

	for idx := range n.ChildCount() {
		if found := findError(n.Child(idx)); !found.IsNull() {
			return found
		}
	}

	return sitter.Node{}
}

func toInt(v uint) int {
	if v > uint(^uint(0)>>1) {
		panic("nixfile: offset overflows int")
	}

	return int(v)
}
