// Package snapshot stores ratchet snapshots as JSON or YAML fact files, so the
// previous state of a tree can be kept around instead of re-scanned.
package snapshot

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/Sumatoshi-tech/nixvet/pkg/ratchet"
)

// Sentinel errors for snapshot encoding.
var (
	ErrUnknownFormat      = errors.New("unknown snapshot format")
	ErrInvalidState       = errors.New("invalid ratchet state")
	ErrUnsupportedVersion = errors.New("unsupported snapshot version")
	ErrSchemaViolation    = errors.New("snapshot does not match its schema")
)

//go:embed schema.json
var schemaJSON []byte

var schema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
})

// Version is the schema version written into every snapshot.
const Version = 1

// Format is a snapshot serialization format.
type Format string

// Supported formats.
const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat validates a format name.
func ParseFormat(name string) (Format, error) {
	switch Format(strings.ToLower(name)) {
	case FormatJSON:
		return FormatJSON, nil
	case FormatYAML, "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, name)
	}
}

// FormatFromPath picks the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" {
		return "", fmt.Errorf("%w: %s has no extension", ErrUnknownFormat, path)
	}

	return ParseFormat(ext)
}

// IsSnapshotPath reports whether path looks like a snapshot file rather than a tree.
func IsSnapshotPath(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}

	_, err = FormatFromPath(path)

	return err == nil
}

type document struct {
	Version  int             `json:"version"  yaml:"version"`
	Packages []packageRecord `json:"packages" yaml:"packages"`
}

type packageRecord struct {
	Name             string                                       `json:"name"              yaml:"name"`
	ManualDefinition stateRecord[ratchet.ManualDefinitionContext] `json:"manual_definition" yaml:"manual_definition"`
	UsesByName       stateRecord[ratchet.UsesByNameContext]       `json:"uses_by_name"      yaml:"uses_by_name"`
}

type stateRecord[C any] struct {
	State   string `json:"state"             yaml:"state"`
	Context *C     `json:"context,omitempty" yaml:"context,omitempty"`
}

func recordOf[C any](state ratchet.State[C]) stateRecord[C] {
	rec := stateRecord[C]{State: state.Kind().String()}

	if ctx, ok := state.Context(); ok {
		rec.Context = &ctx
	}

	return rec
}

func (r stateRecord[C]) state(check string) (ratchet.State[C], error) {
	switch r.State {
	case ratchet.KindTight.String():
		return ratchet.Tight[C](), nil
	case ratchet.KindNonApplicable.String(), "":
		return ratchet.NonApplicable[C](), nil
	case ratchet.KindLoose.String():
		if r.Context == nil {
			return ratchet.State[C]{}, fmt.Errorf("%w: %s is loose without context", ErrInvalidState, check)
		}

		return ratchet.Loose(*r.Context), nil
	default:
		return ratchet.State[C]{}, fmt.Errorf("%w: %s has state %q", ErrInvalidState, check, r.State)
	}
}

// Encode writes n to w.
func Encode(w io.Writer, format Format, n *ratchet.Nixpkgs) error {
	doc := document{Version: Version, Packages: make([]packageRecord, 0, n.Len())}

	for _, name := range n.Names() {
		pkg, _ := n.Package(name)
		doc.Packages = append(doc.Packages, packageRecord{
			Name:             name,
			ManualDefinition: recordOf(pkg.ManualDefinition),
			UsesByName:       recordOf(pkg.UsesByName),
		})
	}

	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encode json snapshot: %w", err)
		}

		return nil
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)

		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encode yaml snapshot: %w", err)
		}

		if err := enc.Close(); err != nil {
			return fmt.Errorf("encode yaml snapshot: %w", err)
		}

		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// Decode reads a snapshot from r. The document is checked against the
// embedded schema before any package is loaded.
func Decode(r io.Reader, format Format) (*ratchet.Nixpkgs, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var (
		raw any
		doc document
	)

	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()

		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode json snapshot: %w", err)
		}

		if err := validate(raw); err != nil {
			return nil, err
		}

		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode json snapshot: %w", err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decode yaml snapshot: %w", err)
		}

		if err := validate(raw); err != nil {
			return nil, err
		}

		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode yaml snapshot: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	if doc.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, doc.Version)
	}

	n := ratchet.NewNixpkgs()

	for _, rec := range doc.Packages {
		manual, err := rec.ManualDefinition.state(ratchet.ManualDefinitionName)
		if err != nil {
			return nil, fmt.Errorf("package %s: %w", rec.Name, err)
		}

		uses, err := rec.UsesByName.state(ratchet.UsesByNameName)
		if err != nil {
			return nil, fmt.Errorf("package %s: %w", rec.Name, err)
		}

		if err := n.Add(rec.Name, ratchet.Package{ManualDefinition: manual, UsesByName: uses}); err != nil {
			return nil, err
		}
	}

	return n, nil
}

func validate(raw any) error {
	compiled, err := schema()
	if err != nil {
		return fmt.Errorf("load snapshot schema: %w", err)
	}

	result, err := compiled.Validate(gojsonschema.NewGoLoader(raw))
	if err != nil {
		return fmt.Errorf("validate snapshot: %w", err)
	}

	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, verr := range result.Errors() {
		details = append(details, verr.Field()+": "+verr.Description())
	}

	return fmt.Errorf("%w: %s", ErrSchemaViolation, strings.Join(details, "; "))
}

// ReadFile loads a snapshot, picking the format from the extension.
func ReadFile(path string) (*ratchet.Nixpkgs, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	n, err := Decode(f, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return n, nil
}

// WriteFile stores a snapshot, picking the format from the extension.
func WriteFile(path string, n *ratchet.Nixpkgs) (err error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}

	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("close snapshot: %w", closeErr))
		}
	}()

	return Encode(f, format, n)
}
