// Package metadata describes the tables and fields a client queries.
//
// A Table is built once, validated at construction and then treated as
// read-only shared state. Identifier configuration (FMTID/FMFID) is held on
// the Table itself rather than in the field namespace, so a field named "id"
// can never collide with the table's stable identifier.
package metadata

import (
	"slices"

	"github.com/nlstn/go-fmodata/internal/fmerrors"
)

// SelectMode selects how a query picks its fields when Select is never called.
type SelectMode int

const (
	// SelectAll omits $select so the server returns every column.
	SelectAll SelectMode = iota
	// SelectSchema selects every declared, non-container field.
	SelectSchema
	// SelectList selects an explicit list of fields.
	SelectList
)

// DefaultSelect is the default field-selection policy of a table.
type DefaultSelect struct {
	Mode   SelectMode
	Fields []string
}

// Table describes a table occurrence exposed over OData.
type Table struct {
	name          string
	id            string
	fields        []Field
	index         map[string]int
	navigation    []string
	defaultSelect DefaultSelect
	dynamic       bool
}

// TableOption customises a Table at construction.
type TableOption func(*Table)

// WithTableID sets the stable table identifier (FMTID).
func WithTableID(id string) TableOption {
	return func(t *Table) { t.id = id }
}

// WithNavigation declares the relations that may be expanded from this table.
func WithNavigation(relations ...string) TableOption {
	return func(t *Table) { t.navigation = append(t.navigation, relations...) }
}

// WithDefaultSelect sets the default field-selection policy.
func WithDefaultSelect(mode SelectMode, fields ...string) TableOption {
	return func(t *Table) {
		t.defaultSelect = DefaultSelect{Mode: mode, Fields: append([]string(nil), fields...)}
	}
}

// NewTable validates and builds a table descriptor. Identifiers must be
// configured for the table and every field, or for none of them.
func NewTable(name string, fields []Field, opts ...TableOption) (*Table, error) {
	if name == "" {
		return nil, fmerrors.Configf("table name is required")
	}

	t := &Table{
		name:   name,
		fields: append([]Field(nil), fields...),
		index:  make(map[string]int, len(fields)),
	}
	for _, opt := range opts {
		opt(t)
	}

	withIDs := 0
	for i, f := range t.fields {
		if f.Name == "" {
			return nil, fmerrors.Configf("table %q: field %d has no name", name, i)
		}
		if _, dup := t.index[f.Name]; dup {
			return nil, fmerrors.Configf("table %q: duplicate field %q", name, f.Name)
		}
		t.index[f.Name] = i
		if f.ID != "" {
			withIDs++
		}
	}

	switch {
	case t.id == "" && withIDs > 0:
		return nil, fmerrors.Configf("table %q: fields declare identifiers but the table has no FMTID", name)
	case t.id != "" && withIDs != len(t.fields):
		missing := make([]string, 0)
		for _, f := range t.fields {
			if f.ID == "" {
				missing = append(missing, f.Name)
			}
		}
		return nil, fmerrors.Configf("table %q: identifiers missing for fields %v", name, missing)
	}

	if t.defaultSelect.Mode == SelectList {
		for _, field := range t.defaultSelect.Fields {
			f, ok := t.Field(field)
			if !ok {
				return nil, fmerrors.Configf("table %q: default select references unknown field %q", name, field)
			}
			if !f.Selectable() {
				return nil, fmerrors.Configf("table %q: container field %q cannot be selected in bulk", name, field)
			}
		}
	}

	seen := make(map[string]bool, len(t.navigation))
	for _, rel := range t.navigation {
		if seen[rel] {
			return nil, fmerrors.Configf("table %q: duplicate navigation %q", name, rel)
		}
		seen[rel] = true
	}

	return t, nil
}

// MustTable is like NewTable but panics on configuration errors.
func MustTable(name string, fields []Field, opts ...TableOption) *Table {
	t, err := NewTable(name, fields, opts...)
	if err != nil {
		panic(err)
	}
	return t
}

// Dynamic returns an untyped table that accepts any field or relation name.
func Dynamic(name string) *Table {
	return &Table{name: name, index: map[string]int{}, dynamic: true}
}

// Name returns the logical table name.
func (t *Table) Name() string { return t.name }

// ID returns the stable table identifier, if any.
func (t *Table) ID() string { return t.id }

// HasIDs reports whether the table carries full identifier coverage.
func (t *Table) HasIDs() bool { return t.id != "" }

// IsDynamic reports whether the table accepts undeclared names.
func (t *Table) IsDynamic() bool { return t.dynamic }

// Fields returns a copy of the declared fields in declaration order.
func (t *Table) Fields() []Field { return slices.Clone(t.fields) }

// Field finds a field by logical name.
func (t *Table) Field(name string) (Field, bool) {
	i, ok := t.index[name]
	if !ok {
		return Field{}, false
	}
	return t.fields[i], true
}

// HasField reports whether name may be referenced on this table.
func (t *Table) HasField(name string) bool {
	if t.dynamic {
		return true
	}
	_, ok := t.index[name]
	return ok
}

// Navigation returns the declared navigable relations.
func (t *Table) Navigation() []string { return slices.Clone(t.navigation) }

// CanNavigate reports whether relation may be expanded from this table.
func (t *Table) CanNavigate(relation string) bool {
	return t.dynamic || slices.Contains(t.navigation, relation)
}

// DefaultSelect returns the default field-selection policy.
func (t *Table) DefaultSelect() DefaultSelect {
	return DefaultSelect{Mode: t.defaultSelect.Mode, Fields: slices.Clone(t.defaultSelect.Fields)}
}

// SchemaFields returns the declared selectable field names, deduplicated, in
// declaration order. The result may be empty.
func (t *Table) SchemaFields() []string {
	names := make([]string, 0, len(t.fields))
	seen := make(map[string]bool, len(t.fields))
	for _, f := range t.fields {
		if !f.Selectable() || seen[f.Name] {
			continue
		}
		seen[f.Name] = true
		names = append(names, f.Name)
	}
	return names
}

// PrimaryKey returns the primary key field, if one is declared.
func (t *Table) PrimaryKey() (Field, bool) {
	for _, f := range t.fields {
		if f.PrimaryKey {
			return f, true
		}
	}
	return Field{}, false
}
