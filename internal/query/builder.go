package query

import (
	"fmt"

	"github.com/nlstn/go-fmodata/internal/filter"
	"github.com/nlstn/go-fmodata/internal/metadata"
	"github.com/nlstn/go-fmodata/internal/response"
)

// DefaultTop bounds list queries that never call Top, so a forgotten page
// size cannot turn into a full table scan on the server.
const DefaultTop = 1000

// OrderBy is one $orderby item.
type OrderBy struct {
	Field string
	Desc  bool
}

// Expand is one $expand item with its nested options.
type Expand struct {
	Relation string
	Query    Builder
}

// Builder accumulates OData query options for one table. Builders are
// values: every method returns an updated copy and never modifies the
// receiver, so a Builder can be reused as a template.
//
// Mistakes such as selecting an unknown field are recorded on the builder
// and returned by Build.
type Builder struct {
	table       *metadata.Table
	selects     []response.Selected
	selected    bool
	filter      filter.Expr
	orderBys    []OrderBy
	top         *int
	skip        *int
	expands     []Expand
	single      response.SingleMode
	useIDs      *bool
	key         any
	hasKey      bool
	count       bool
	annotations bool
	err         error
}

// New creates a builder for table.
func New(table *metadata.Table) Builder {
	b := Builder{table: table}
	if table == nil {
		b.err = fmt.Errorf("query: table is required")
	}
	return b
}

// Table returns the table the builder targets.
func (b Builder) Table() *metadata.Table { return b.table }

// Err returns the first error recorded while composing the query.
func (b Builder) Err() error { return b.err }

// clone creates a copy whose slices do not share backing arrays with b.
func (b Builder) clone() Builder {
	c := b
	c.selects = append([]response.Selected{}, b.selects...)
	c.orderBys = append([]OrderBy{}, b.orderBys...)
	c.expands = append([]Expand{}, b.expands...)
	if b.top != nil {
		top := *b.top
		c.top = &top
	}
	if b.skip != nil {
		skip := *b.skip
		c.skip = &skip
	}
	if b.useIDs != nil {
		useIDs := *b.useIDs
		c.useIDs = &useIDs
	}
	return c
}

func (b Builder) fail(err error) Builder {
	if b.err == nil {
		b.err = err
	}
	return b
}

func (b Builder) checkSelectable(name string) error {
	if !b.table.HasField(name) {
		return fmt.Errorf("query: unknown field %q on table %q", name, b.table.Name())
	}
	if f, ok := b.table.Field(name); ok && !f.Selectable() {
		return fmt.Errorf("query: container field %q must be fetched individually", name)
	}
	return nil
}

// Select replaces the selection with the named fields.
func (b Builder) Select(fields ...string) Builder {
	pairs := make([]response.Selected, 0, len(fields))
	for _, f := range fields {
		pairs = append(pairs, response.Selected{Output: f, Source: f})
	}
	return b.SelectAs(pairs...)
}

// Alias returns a selection of source returned under output.
func Alias(output, source string) response.Selected {
	return response.Selected{Output: output, Source: source}
}

// SelectAs replaces the selection with aliased fields.
func (b Builder) SelectAs(fields ...response.Selected) Builder {
	if b.err != nil {
		return b
	}
	c := b.clone()
	seen := make(map[string]bool, len(fields))
	c.selects = c.selects[:0]
	for _, f := range fields {
		if f.Output == "" {
			f.Output = f.Source
		}
		if err := c.checkSelectable(f.Source); err != nil {
			return c.fail(err)
		}
		if seen[f.Output] {
			return c.fail(fmt.Errorf("query: duplicate output name %q", f.Output))
		}
		seen[f.Output] = true
		c.selects = append(c.selects, f)
	}
	c.selected = true
	return c
}

// Filter replaces the filter expression.
func (b Builder) Filter(expr filter.Expr) Builder {
	c := b.clone()
	c.filter = expr
	return c
}

// Where adds expr to the filter with and.
func (b Builder) Where(expr filter.Expr) Builder {
	c := b.clone()
	if c.filter == nil {
		c.filter = expr
	} else {
		c.filter = filter.And(c.filter, expr)
	}
	return c
}

func (b Builder) orderBy(field string, desc bool) Builder {
	if b.err != nil {
		return b
	}
	if !b.table.HasField(field) {
		return b.fail(fmt.Errorf("query: cannot order by unknown field %q", field))
	}
	c := b.clone()
	c.orderBys = append(c.orderBys, OrderBy{Field: field, Desc: desc})
	return c
}

// OrderBy appends an ascending sort key.
func (b Builder) OrderBy(field string) Builder { return b.orderBy(field, false) }

// OrderByDesc appends a descending sort key.
func (b Builder) OrderByDesc(field string) Builder { return b.orderBy(field, true) }

// Top limits the number of records returned.
func (b Builder) Top(n int) Builder {
	if n < 0 {
		return b.fail(fmt.Errorf("query: negative top %d", n))
	}
	c := b.clone()
	c.top = &n
	return c
}

// Skip skips the first n records.
func (b Builder) Skip(n int) Builder {
	if n < 0 {
		return b.fail(fmt.Errorf("query: negative skip %d", n))
	}
	c := b.clone()
	c.skip = &n
	return c
}

// Expand includes related records. configure receives a builder for target
// and returns the nested options; it may be nil. A nil target expands an
// untyped relation, which is only allowed from dynamic tables.
func (b Builder) Expand(relation string, target *metadata.Table, configure func(Builder) Builder) Builder {
	if b.err != nil {
		return b
	}
	if !b.table.CanNavigate(relation) {
		return b.fail(fmt.Errorf("query: %q is not a navigation of table %q", relation, b.table.Name()))
	}
	if target == nil {
		target = metadata.Dynamic(relation)
	}

	nested := New(target)
	if configure != nil {
		nested = configure(nested)
	}
	if nested.err != nil {
		return b.fail(fmt.Errorf("query: expand %q: %w", relation, nested.err))
	}
	if nested.table != target {
		return b.fail(fmt.Errorf("query: expand %q: configure returned a builder for %q", relation, nested.table.Name()))
	}

	c := b.clone()
	c.expands = append(c.expands, Expand{Relation: relation, Query: nested})
	return c
}

// Single requires exactly one matching record.
func (b Builder) Single() Builder {
	c := b.clone()
	c.single = response.ExactlyOne
	return c
}

// MaybeSingle allows zero or one matching record.
func (b Builder) MaybeSingle() Builder {
	c := b.clone()
	c.single = response.MaybeOne
	return c
}

// Mode returns the cardinality mode.
func (b Builder) Mode() response.SingleMode { return b.single }

// UseIDs overrides the database default for this query.
func (b Builder) UseIDs(enabled bool) Builder {
	c := b.clone()
	c.useIDs = &enabled
	return c
}

// Key addresses a single record by primary key, as in contacts(42).
func (b Builder) Key(value any) Builder {
	c := b.clone()
	c.key = value
	c.hasKey = true
	c.single = response.ExactlyOne
	return c
}

// Count turns the query into a $count request.
func (b Builder) Count() Builder {
	c := b.clone()
	c.count = true
	return c
}

// IsCount reports whether the query is a $count request.
func (b Builder) IsCount() bool { return b.count }

// WithAnnotations keeps @odata.* annotations in the returned records.
func (b Builder) WithAnnotations() Builder {
	c := b.clone()
	c.annotations = true
	return c
}

// selection resolves the fields a query returns. An empty result means the
// query selects everything and no $select is emitted.
func (b Builder) selection() []response.Selected {
	if b.selected {
		return b.selects
	}

	var names []string
	policy := b.table.DefaultSelect()
	switch policy.Mode {
	case metadata.SelectSchema:
		names = b.table.SchemaFields()
	case metadata.SelectList:
		names = policy.Fields
	default:
		return nil
	}

	out := make([]response.Selected, 0, len(names))
	for _, n := range names {
		out = append(out, response.Selected{Output: n, Source: n})
	}
	return out
}
