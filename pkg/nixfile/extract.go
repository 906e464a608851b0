package nixfile

import (
	"strings"

	sitter "github.com/alexaandru/go-tree-sitter-bare"
)

// callPackageFunctions are the function expressions recognised as callPackage.
var callPackageFunctions = map[string]bool{
	"callPackage":      true,
	"pkgs.callPackage": true,
	"self.callPackage": true,
}

type extractor struct {
	content []byte
}

func (e *extractor) text(n sitter.Node) string {
	return string(e.content[toInt(n.StartByte()):toInt(n.EndByte())])
}

// topLevelBindings returns the bindings of the outermost attribute set.
func (e *extractor) topLevelBindings(root sitter.Node) []Binding {
	attrs := outermostAttrset(root)
	if attrs.IsNull() {
		return nil
	}

	var bindings []Binding

	for idx := range attrs.NamedChildCount() {
		set := attrs.NamedChild(idx)
		if set.Type() != nodeBindingSet {
			continue
		}

		for bidx := range set.NamedChildCount() {
			node := set.NamedChild(bidx)
			if node.Type() != nodeBinding {
				continue
			}

			bindings = append(bindings, e.binding(node))
		}
	}

	return bindings
}

// outermostAttrset follows the structural wrappers of a file (lambdas, with, let,
// assert, parentheses) down to the attribute set it evaluates to.
func outermostAttrset(n sitter.Node) sitter.Node {
	for !n.IsNull() {
		switch n.Type() {
		case nodeAttrset, nodeRecAttrset:
			return n
		case nodeSourceCode, nodeParenthesized:
			n = nthNamed(n, 0)
		case nodeFunction, nodeWith, nodeLet, nodeAssert:
			n = n.ChildByFieldName(fieldBody)
		default:
			return sitter.Node{}
		}
	}

	return sitter.Node{}
}

func (e *extractor) binding(n sitter.Node) Binding {
	start := toInt(n.StartByte())
	end := toInt(n.EndByte())

	b := Binding{
		Line:  toInt(n.StartPoint().Row) + 1,
		Start: start,
		End:   end,
	}
	b.DeleteStart, b.DeleteEnd = ownedLines(e.content, start, end)

	attrpath := field(n, fieldAttrpath, 0)
	if attrpath.Type() == nodeAttrpath {
		b.Name = e.text(attrpath)
	}

	expr := field(n, fieldExpression, 1)
	if !expr.IsNull() {
		b.Call = e.callPackage(expr)
	}

	return b
}

// callPackage matches `F PATH ARG` where F is a callPackage function.
func (e *extractor) callPackage(expr sitter.Node) *CallPackage {
	expr = unwrapParens(expr)
	if expr.Type() != nodeApply {
		return nil
	}

	inner := field(expr, fieldFunction, 0)
	outerArg := field(expr, fieldArgument, 1)

	if inner.Type() != nodeApply || outerArg.IsNull() {
		return nil
	}

	fn := field(inner, fieldFunction, 0)
	firstArg := field(inner, fieldArgument, 1)

	if fn.Type() != nodeVariable && fn.Type() != nodeSelect {
		return nil
	}

	fnName := strings.Join(strings.Fields(e.text(fn)), "")
	if !callPackageFunctions[fnName] || firstArg.IsNull() {
		return nil
	}

	call := &CallPackage{
		Function: fnName,
		Start:    toInt(expr.StartByte()),
		End:      toInt(expr.EndByte()),
		ArgStart: toInt(outerArg.StartByte()),
		ArgEnd:   toInt(outerArg.EndByte()),
		ArgText:  e.text(outerArg),
		EmptyArg: isEmptyAttrset(outerArg),
	}

	if firstArg.Type() == nodePath && !hasNamedChild(firstArg, nodeInterpolation) {
		call.Path = &PathArgument{
			Text:  e.text(firstArg),
			Start: toInt(firstArg.StartByte()),
			End:   toInt(firstArg.EndByte()),
		}
	}

	return call
}

func isEmptyAttrset(n sitter.Node) bool {
	n = unwrapParens(n)
	if n.Type() != nodeAttrset {
		return false
	}

	return !hasNamedChild(n, nodeBindingSet)
}

func unwrapParens(n sitter.Node) sitter.Node {
	for n.Type() == nodeParenthesized {
		n = nthNamed(n, 0)
	}

	return n
}

// field returns the child stored under name, falling back to the idx-th named
// non-comment child for grammar revisions without field names.
func field(n sitter.Node, name string, idx int) sitter.Node {
	if child := n.ChildByFieldName(name); !child.IsNull() {
		return child
	}

	return nthNamed(n, idx)
}

// nthNamed returns the idx-th named child that is not a comment.
func nthNamed(n sitter.Node, idx int) sitter.Node {
	seen := 0

	for i := range n.NamedChildCount() {
		child := n.NamedChild(i)
		if child.Type() == nodeComment {
			continue
		}

		if seen == idx {
			return child
		}

		seen++
	}

	return sitter.Node{}
}

func hasNamedChild(n sitter.Node, typ string) bool {
	for i := range n.NamedChildCount() {
		if n.NamedChild(i).Type() == typ {
			return true
		}
	}

	return false
}

// ownedLines widens [start, end) to whole lines when nothing but indentation
// shares those lines. Otherwise the range is returned unchanged.
func ownedLines(content []byte, start, end int) (int, int) {
	lineStart := start
	for lineStart > 0 && isBlank(content[lineStart-1]) {
		lineStart--
	}

	if lineStart > 0 && content[lineStart-1] != '\n' {
		return start, end
	}

	lineEnd := end
	for lineEnd < len(content) && isBlank(content[lineEnd]) {
		lineEnd++
	}

	switch {
	case lineEnd == len(content):
	case content[lineEnd] == '\n':
		lineEnd++
	default:
		return start, end
	}

	return lineStart, lineEnd
}

func isBlank(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r'
}
