// Package schema models the target-table column set and its additive
// evolution. Columns are never reordered, removed, or retyped; evolution only
// appends nullable columns.
package schema

import (
	"encoding/json"
	"fmt"
	"os"
)

// Kind is a column's primitive type. The string values match the warehouse
// type names so conversion at the warehouse boundary stays mechanical.
type Kind string

const (
	KindBool      Kind = "BOOLEAN"
	KindInt       Kind = "INTEGER"
	KindFloat     Kind = "FLOAT"
	KindString    Kind = "STRING"
	KindTimestamp Kind = "TIMESTAMP"
	KindStruct    Kind = "RECORD"
)

// Column describes one target-table column.
type Column struct {
	Name     string   `json:"name"`
	Type     Kind     `json:"type"`
	Repeated bool     `json:"-"`
	Fields   []Column `json:"fields,omitempty"`
}

// Schema is an ordered column sequence. Names are unique per nesting level.
type Schema []Column

// Names returns the top-level column names in order.
func (s Schema) Names() []string {
	names := make([]string, len(s))
	for i, c := range s {
		names[i] = c.Name
	}
	return names
}

// Column returns the top-level column with the given name.
func (s Schema) Column(name string) (Column, bool) {
	for _, c := range s {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Has reports whether a top-level column exists.
func (s Schema) Has(name string) bool {
	_, ok := s.Column(name)
	return ok
}

// Diff returns the candidate field names absent from the schema's top level,
// preserving candidate order.
func (s Schema) Diff(candidateFields []string) []string {
	var missing []string
	for _, f := range candidateFields {
		if !s.Has(f) {
			missing = append(missing, f)
		}
	}
	return missing
}

// Merge returns a new schema with the given columns appended. Columns whose
// names already exist are dropped; existing columns keep their position and
// type.
func (s Schema) Merge(cols []Column) Schema {
	merged := make(Schema, len(s), len(s)+len(cols))
	copy(merged, s)
	for _, c := range cols {
		if !merged.Has(c.Name) {
			merged = append(merged, c)
		}
	}
	return merged
}

// IncompatibleError reports a target table whose critical columns do not match
// the expected types, or a pre-existing table the pipeline refuses to touch.
// It aborts the load for that table only.
type IncompatibleError struct {
	Table  string
	Reason string
}

func (e *IncompatibleError) Error() string {
	return fmt.Sprintf("table %s has incompatible schema: %s", e.Table, e.Reason)
}

// ValidateCritical checks that each critical column present in the expected
// schema exists in s with the same type. A mismatch on a critical column means
// the table predates this pipeline's format; evolution is refused rather than
// risking silent corruption.
func (s Schema) ValidateCritical(table string, expected Schema, critical ...string) error {
	for _, name := range critical {
		want, ok := expected.Column(name)
		if !ok {
			continue
		}
		got, ok := s.Column(name)
		if !ok {
			return &IncompatibleError{
				Table:  table,
				Reason: fmt.Sprintf("critical column %q is missing", name),
			}
		}
		if got.Type != want.Type {
			return &IncompatibleError{
				Table:  table,
				Reason: fmt.Sprintf("critical column %q has type %s, expected %s", name, got.Type, want.Type),
			}
		}
	}
	return nil
}

// fileColumn is the on-disk representation; mode REPEATED maps to Repeated.
type fileColumn struct {
	Name   string       `json:"name"`
	Type   Kind         `json:"type"`
	Mode   string       `json:"mode"`
	Fields []fileColumn `json:"fields"`
}

func (fc fileColumn) toColumn() Column {
	c := Column{
		Name:     fc.Name,
		Type:     fc.Type,
		Repeated: fc.Mode == "REPEATED",
	}
	for _, nested := range fc.Fields {
		c.Fields = append(c.Fields, nested.toColumn())
	}
	return c
}

// LoadFile reads a schema from a JSON file holding either a column array or a
// single column object.
func LoadFile(path string) (Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}

	var cols []fileColumn
	if err := json.Unmarshal(data, &cols); err != nil {
		var single fileColumn
		if err2 := json.Unmarshal(data, &single); err2 != nil {
			return nil, fmt.Errorf("parse schema file %s: %w", path, err)
		}
		cols = []fileColumn{single}
	}

	s := make(Schema, 0, len(cols))
	for _, fc := range cols {
		s = append(s, fc.toColumn())
	}
	return s, nil
}
