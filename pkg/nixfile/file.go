package nixfile

import (
	"bytes"
	"path/filepath"
	"strings"
)

// File is a parsed Nix file. Files are immutable once parsed.
type File struct {
	Path    string
	Content []byte

	bindings []Binding
	byName   map[string][]int
}

// Binding is one `name = expression;` entry of the top-level attribute set.
type Binding struct {
	// Name is the attribute path as written, e.g. `hello` or `python3Packages.foo`.
	Name string
	// Line is the 1-based line the binding starts on.
	Line int
	// Start and End delimit the binding including its trailing semicolon.
	Start int
	End   int
	// DeleteStart and DeleteEnd cover the whole lines of the binding when it
	// owns them, so deleting the range leaves no blank line behind.
	DeleteStart int
	DeleteEnd   int
	// Call is set when the bound expression is a callPackage application.
	Call *CallPackage
}

// CallPackage describes `callPackage PATH ARG`.
type CallPackage struct {
	Function string
	Start    int
	End      int
	// Path is nil when the first argument is not a literal path.
	Path     *PathArgument
	ArgStart int
	ArgEnd   int
	ArgText  string
	// EmptyArg is set when ARG is syntactically `{ }`.
	EmptyArg bool
}

// PathArgument is the literal path passed as the first callPackage argument.
type PathArgument struct {
	Text  string
	Start int
	End   int
}

func (f *File) setBindings(bindings []Binding) {
	f.bindings = bindings
	f.byName = make(map[string][]int, len(bindings))

	for i, b := range bindings {
		f.byName[b.Name] = append(f.byName[b.Name], i)
	}
}

// Bindings returns the top-level bindings in source order.
func (f *File) Bindings() []Binding {
	return append([]Binding(nil), f.bindings...)
}

// Binding finds the binding of name starting at line. A non-positive line
// matches the first binding of that name.
func (f *File) Binding(name string, line int) (Binding, bool) {
	for _, idx := range f.byName[name] {
		b := f.bindings[idx]
		if line <= 0 || b.Line == line {
			return b, true
		}
	}

	return Binding{}, false
}

// Text returns the source between two byte offsets.
func (f *File) Text(start, end int) string {
	return string(f.Content[start:end])
}

// LineOf returns the 1-based line containing the byte offset.
func (f *File) LineOf(offset int) int {
	if offset > len(f.Content) {
		offset = len(f.Content)
	}

	return bytes.Count(f.Content[:offset], []byte{'\n'}) + 1
}

// ResolvePath resolves a Nix path literal relative to the directory of the file.
// Absolute and search paths are returned cleaned but otherwise unchanged.
func (f *File) ResolvePath(literal string) string {
	if filepath.IsAbs(literal) || strings.HasPrefix(literal, "<") {
		return filepath.Clean(literal)
	}

	return filepath.Join(filepath.Dir(f.Path), literal)
}

// PathLiteral renders target as a Nix path literal relative to the file's directory.
func (f *File) PathLiteral(target string) (string, error) {
	rel, err := filepath.Rel(filepath.Dir(f.Path), target)
	if err != nil {
		return "", err
	}

	rel = filepath.ToSlash(rel)
	if !strings.HasPrefix(rel, "../") {
		rel = "./" + rel
	}

	return rel, nil
}
