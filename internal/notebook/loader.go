package notebook

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DefaultBundleName is the parameter that receives the whole value mapping
// when it is declared as a dict and no value of that name is configured.
const DefaultBundleName = "config"

// Template is a parsed notebook and its parameter schema. It is immutable:
// Instantiate always works on a fresh decode of the original bytes.
type Template struct {
	path       string
	raw        []byte
	cell       int
	params     []Parameter
	bundleName string
}

// ParseFile reads and parses the notebook at path.
func ParseFile(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read notebook %s: %w", path, err)
	}
	tmpl, err := NewTemplate(path, data)
	if err != nil {
		return nil, fmt.Errorf("parse notebook %s: %w", path, err)
	}
	return tmpl, nil
}

// NewTemplate parses notebook bytes. path is informational.
func NewTemplate(path string, data []byte) (*Template, error) {
	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}
	tmpl := &Template{
		path:       path,
		raw:        append([]byte(nil), data...),
		cell:       parametersCell(doc),
		bundleName: DefaultBundleName,
	}
	if tmpl.cell >= 0 {
		tmpl.params = parseParameters(doc.Cells[tmpl.cell].Source.Lines())
	}
	return tmpl, nil
}

// parametersCell picks the first code cell tagged "parameters", falling back
// to the first code cell. It returns -1 for notebooks without code.
func parametersCell(doc *Document) int {
	first := -1
	for i, cell := range doc.Cells {
		if cell.CellType != CellCode {
			continue
		}
		if cell.HasTag(ParametersTag) {
			return i
		}
		if first < 0 {
			first = i
		}
	}
	return first
}

// Path returns the file the template was read from.
func (t *Template) Path() string {
	return t.path
}

// Name is the notebook file name without extension.
func (t *Template) Name() string {
	return strings.TrimSuffix(filepath.Base(t.path), filepath.Ext(t.path))
}

// Parameters returns a copy of the declared parameters.
func (t *Template) Parameters() []Parameter {
	return append([]Parameter(nil), t.params...)
}

// Validate checks values against the declared schema without building a document.
func (t *Template) Validate(values map[string]any) error {
	_, err := t.bind(values)
	return err
}

// Instantiate returns a new document whose parameter cell binds every declared
// parameter present in values. Parameters without a value keep their default.
func (t *Template) Instantiate(values map[string]any) (*Document, error) {
	doc, err := Parse(t.raw)
	if err != nil {
		return nil, fmt.Errorf("reparse template: %w", err)
	}
	if t.cell < 0 {
		return doc, nil
	}
	bound, err := t.bind(values)
	if err != nil {
		return nil, err
	}
	lines := doc.Cells[t.cell].Source.Lines()
	for _, p := range t.params {
		literal, ok := bound[p.Name]
		if !ok {
			continue
		}
		line := p.Name + " = " + literal
		if p.Comment != "" {
			line += "  " + p.Comment
		}
		if strings.HasSuffix(lines[p.line], "\n") {
			line += "\n"
		}
		lines[p.line] = line
	}
	doc.Cells[t.cell].Source = Source(strings.Join(lines, ""))
	return doc, nil
}

// bind validates and renders the overriding values keyed by parameter name.
func (t *Template) bind(values map[string]any) (map[string]string, error) {
	bound := make(map[string]string)
	for _, p := range t.params {
		value, ok := values[p.Name]
		if !ok {
			if p.Type != TypeDict || p.Name != t.bundleName || len(values) == 0 {
				continue
			}
			value = values
		}
		coerced, err := p.coerce(value)
		if err != nil {
			return nil, fmt.Errorf("bind %s: %w", t.Name(), err)
		}
		literal, err := render(coerced)
		if err != nil {
			return nil, fmt.Errorf("bind %s: %w", t.Name(), err)
		}
		bound[p.Name] = literal
	}
	return bound, nil
}

// Loader reads notebooks from disk and binds configuration values.
type Loader struct {
	values map[string]any
}

// NewLoader captures the values injected into every loaded notebook.
func NewLoader(values map[string]any) *Loader {
	cp := make(map[string]any, len(values))
	for k, v := range values {
		cp[k] = v
	}
	return &Loader{values: cp}
}

// Load reads path and returns a parameterized document.
func (l *Loader) Load(path string) (*Document, error) {
	tmpl, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	return tmpl.Instantiate(l.values)
}

// Template reads path and validates the configured values against its schema.
func (l *Loader) Template(path string) (*Template, error) {
	tmpl, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	if err := tmpl.Validate(l.values); err != nil {
		return nil, err
	}
	return tmpl, nil
}

// Values returns the configured parameter values.
func (l *Loader) Values() map[string]any {
	return l.values
}
