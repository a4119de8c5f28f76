package notebook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrNotFound signals that the notebook path does not resolve.
	ErrNotFound = errors.New("notebook not found")
	// ErrMalformedDocument signals that a file is not a readable nbformat v4 notebook.
	ErrMalformedDocument = errors.New("malformed notebook document")
)

// Cell types defined by nbformat.
const (
	CellCode     = "code"
	CellMarkdown = "markdown"
	CellRaw      = "raw"
)

const minNBFormat = 4

// Source is nbformat's multiline string: either one string or a list of lines.
type Source string

// UnmarshalJSON accepts both encodings.
func (s *Source) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = Source(single)
		return nil
	}
	var lines []string
	if err := json.Unmarshal(data, &lines); err != nil {
		return fmt.Errorf("decode source: %w", err)
	}
	*s = Source(strings.Join(lines, ""))
	return nil
}

// MarshalJSON writes the list form, each element keeping its trailing newline.
func (s Source) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(s.Lines())
	if err != nil {
		return nil, fmt.Errorf("encode source: %w", err)
	}
	return data, nil
}

// Lines splits the source after every newline.
func (s Source) Lines() []string {
	if s == "" {
		return []string{}
	}
	lines := strings.SplitAfter(string(s), "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// Cell is one notebook cell. Fields this package does not interpret are kept
// verbatim so a rewritten notebook round-trips without loss.
type Cell struct {
	CellType string
	Source   Source
	Metadata map[string]json.RawMessage

	extra map[string]json.RawMessage
}

// Tags returns metadata.tags, or nil when absent.
func (c Cell) Tags() []string {
	raw, ok := c.Metadata["tags"]
	if !ok {
		return nil
	}
	var tags []string
	if err := json.Unmarshal(raw, &tags); err != nil {
		return nil
	}
	return tags
}

// HasTag reports whether metadata.tags contains tag.
func (c Cell) HasTag(tag string) bool {
	for _, t := range c.Tags() {
		if t == tag {
			return true
		}
	}
	return false
}

// UnmarshalJSON decodes known fields and stashes everything else.
func (c *Cell) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("decode cell: %w", err)
	}
	if raw, ok := fields["cell_type"]; ok {
		if err := json.Unmarshal(raw, &c.CellType); err != nil {
			return fmt.Errorf("decode cell_type: %w", err)
		}
		delete(fields, "cell_type")
	}
	if raw, ok := fields["source"]; ok {
		if err := json.Unmarshal(raw, &c.Source); err != nil {
			return err
		}
		delete(fields, "source")
	}
	if raw, ok := fields["metadata"]; ok {
		if err := json.Unmarshal(raw, &c.Metadata); err != nil {
			return fmt.Errorf("decode cell metadata: %w", err)
		}
		delete(fields, "metadata")
	}
	c.extra = fields
	return nil
}

// MarshalJSON re-assembles the cell including preserved fields.
func (c Cell) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.extra)+3)
	for k, v := range c.extra {
		out[k] = v
	}
	out["cell_type"] = c.CellType
	out["source"] = c.Source
	meta := c.Metadata
	if meta == nil {
		meta = map[string]json.RawMessage{}
	}
	out["metadata"] = meta
	if c.CellType == CellCode {
		if _, ok := out["outputs"]; !ok {
			out["outputs"] = []any{}
		}
		if _, ok := out["execution_count"]; !ok {
			out["execution_count"] = nil
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode cell: %w", err)
	}
	return data, nil
}

// Output is one entry of a code cell's outputs list. Only the fields needed to
// surface kernel errors are decoded.
type Output struct {
	OutputType string   `json:"output_type"`
	EName      string   `json:"ename,omitempty"`
	EValue     string   `json:"evalue,omitempty"`
	Traceback  []string `json:"traceback,omitempty"`
}

// Outputs decodes the cell's outputs list. Non-code cells return nil.
func (c Cell) Outputs() []Output {
	raw, ok := c.extra["outputs"]
	if !ok {
		return nil
	}
	var outs []Output
	if err := json.Unmarshal(raw, &outs); err != nil {
		return nil
	}
	return outs
}

// Document is an in-memory nbformat v4 notebook.
type Document struct {
	Cells         []Cell
	NBFormat      int
	NBFormatMinor int

	extra map[string]json.RawMessage
}

// Parse decodes an nbformat document. Anything that is not a v4+ notebook with
// a cells list fails with ErrMalformedDocument.
func Parse(data []byte) (*Document, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	doc := &Document{}
	rawCells, ok := fields["cells"]
	if !ok {
		return nil, fmt.Errorf("%w: missing cells", ErrMalformedDocument)
	}
	if err := json.Unmarshal(rawCells, &doc.Cells); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	if err := decodeInt(fields, "nbformat", &doc.NBFormat); err != nil {
		return nil, err
	}
	if err := decodeInt(fields, "nbformat_minor", &doc.NBFormatMinor); err != nil {
		return nil, err
	}
	if doc.NBFormat < minNBFormat {
		return nil, fmt.Errorf("%w: nbformat %d is not supported", ErrMalformedDocument, doc.NBFormat)
	}
	delete(fields, "cells")
	delete(fields, "nbformat")
	delete(fields, "nbformat_minor")
	doc.extra = fields
	return doc, nil
}

func decodeInt(fields map[string]json.RawMessage, key string, dst *int) error {
	raw, ok := fields[key]
	if !ok {
		return fmt.Errorf("%w: missing %s", ErrMalformedDocument, key)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedDocument, key, err)
	}
	return nil
}

// MarshalJSON encodes the document in nbformat layout.
func (d *Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.extra)+3)
	for k, v := range d.extra {
		out[k] = v
	}
	if _, ok := out["metadata"]; !ok {
		out["metadata"] = map[string]any{}
	}
	cells := d.Cells
	if cells == nil {
		cells = []Cell{}
	}
	out["cells"] = cells
	out["nbformat"] = d.NBFormat
	out["nbformat_minor"] = d.NBFormatMinor
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode notebook: %w", err)
	}
	return data, nil
}

// Encode writes the document as indented JSON.
func (d *Document) Encode(w io.Writer) error {
	data, err := d.MarshalJSON()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", " "); err != nil {
		return fmt.Errorf("indent notebook: %w", err)
	}
	buf.WriteByte('\n')
	if _, err := buf.WriteTo(w); err != nil {
		return fmt.Errorf("write notebook: %w", err)
	}
	return nil
}

// FirstError returns the index and output of the first error output in the
// document, or -1 when every cell ran cleanly.
func (d *Document) FirstError() (int, Output) {
	for i, cell := range d.Cells {
		if cell.CellType != CellCode {
			continue
		}
		for _, out := range cell.Outputs() {
			if out.OutputType == "error" {
				return i, out
			}
		}
	}
	return -1, Output{}
}
