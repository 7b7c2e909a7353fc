package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nlstn/go-fmodata/internal/filter"
	"github.com/nlstn/go-fmodata/internal/ids"
	"github.com/nlstn/go-fmodata/internal/response"
)

// Option is one query option in emission order.
type Option struct {
	Name  string
	Value string
}

// Compiled is the wire form of a query.
type Compiled struct {
	// Path is relative to the database root, e.g. "contacts(12)".
	Path    string
	Options []Option
	Shape   response.Shape
	Mode    response.SingleMode
	UseIDs  bool
	Count   bool
}

// Option returns the value of the named option.
func (c *Compiled) Option(name string) (string, bool) {
	for _, o := range c.Options {
		if o.Name == name {
			return o.Value, true
		}
	}
	return "", false
}

// RawQuery returns the encoded query string, without the leading '?'.
func (c *Compiled) RawQuery() string {
	parts := make([]string, 0, len(c.Options))
	for _, o := range c.Options {
		parts = append(parts, o.Name+"="+escapeValue(o.Value))
	}
	return strings.Join(parts, "&")
}

// String returns the path and encoded query string.
func (c *Compiled) String() string {
	if len(c.Options) == 0 {
		return c.Path
	}
	return c.Path + "?" + c.RawQuery()
}

// OData values keep their readable separators; only characters that would
// break the URL or the query string are escaped.
var valueEscaper = strings.NewReplacer(
	"%", "%25",
	" ", "%20",
	"&", "%26",
	"#", "%23",
	"+", "%2B",
	"?", "%3F",
	`"`, "%22",
)

func escapeValue(v string) string {
	return valueEscaper.Replace(v)
}

// Build compiles the query. defaultUseIDs is the database-level identifier
// setting; a per-query UseIDs call overrides it.
func (b Builder) Build(defaultUseIDs bool) (*Compiled, error) {
	if b.err != nil {
		return nil, b.err
	}

	useIDs := b.effectiveIDs(defaultUseIDs)
	if err := checkIDs(b, useIDs); err != nil {
		return nil, err
	}

	compiled := &Compiled{
		Mode:   b.single,
		UseIDs: useIDs,
		Count:  b.count,
	}

	path, err := b.path(useIDs)
	if err != nil {
		return nil, err
	}
	compiled.Path = path

	if b.count {
		if b.filter != nil {
			f, err := filter.Compile(b.filter, b.table, useIDs)
			if err != nil {
				return nil, err
			}
			compiled.Options = append(compiled.Options, Option{Name: "$filter", Value: f})
		}
		compiled.Shape = response.Shape{Table: b.table, UseIDs: useIDs}
		return compiled, nil
	}

	opts, shape, err := b.compileOptions(useIDs, !b.hasKey)
	if err != nil {
		return nil, err
	}
	if !b.hasKey && b.top == nil {
		opts = insertTop(opts, DefaultTop)
	}
	compiled.Options = opts
	compiled.Shape = shape
	return compiled, nil
}

// Resource resolves the path and identifier mode without compiling any
// options. Inserts, updates and deletes address records this way.
func (b Builder) Resource(defaultUseIDs bool) (string, bool, error) {
	if b.err != nil {
		return "", false, b.err
	}
	useIDs := b.effectiveIDs(defaultUseIDs)
	if err := ids.Check(b.table, useIDs); err != nil {
		return "", false, err
	}
	path, err := b.path(useIDs)
	return path, useIDs, err
}

func (b Builder) effectiveIDs(defaultUseIDs bool) bool {
	switch {
	case b.useIDs != nil:
		return *b.useIDs
	case b.table.IsDynamic():
		return false
	}
	return defaultUseIDs
}

// checkIDs makes sure no table reached by the query would fall back to
// names while others use identifiers.
func checkIDs(b Builder, useIDs bool) error {
	if !useIDs {
		return nil
	}
	if err := ids.Check(b.table, useIDs); err != nil {
		return err
	}
	for _, e := range b.expands {
		if err := checkIDs(e.Query, useIDs); err != nil {
			return err
		}
	}
	return nil
}

func (b Builder) path(useIDs bool) (string, error) {
	p := ids.Table(b.table, useIDs)
	if b.hasKey {
		kind := filter.Untyped
		if pk, ok := b.table.PrimaryKey(); ok {
			kind = pk.Kind
		}
		lit, err := filter.Literal(b.key, kind)
		if err != nil {
			return "", fmt.Errorf("query: key: %w", err)
		}
		p += "(" + escapeValue(lit) + ")"
	}
	if b.count {
		p += "/$count"
	}
	return p, nil
}

// compileOptions emits $select, $filter, $orderby, $top, $skip and $expand
// in that order and returns the matching response shape. The same list
// serves top-level queries and the inside of an expand's parentheses.
func (b Builder) compileOptions(useIDs bool, collection bool) ([]Option, response.Shape, error) {
	shape := response.Shape{
		Table:              b.table,
		UseIDs:             useIDs,
		IncludeAnnotations: b.annotations,
	}
	var opts []Option

	sel := b.selection()
	if len(sel) > 0 {
		shape.Fields = sel
		opts = append(opts, Option{Name: "$select", Value: b.selectValue(sel, useIDs)})
	}

	if collection {
		if b.filter != nil {
			f, err := filter.Compile(b.filter, b.table, useIDs)
			if err != nil {
				return nil, shape, err
			}
			opts = append(opts, Option{Name: "$filter", Value: f})
		}
		if len(b.orderBys) > 0 {
			items := make([]string, 0, len(b.orderBys))
			for _, o := range b.orderBys {
				item := ids.Field(b.table, o.Field, useIDs)
				if o.Desc {
					item += " desc"
				}
				items = append(items, item)
			}
			opts = append(opts, Option{Name: "$orderby", Value: strings.Join(items, ",")})
		}
		if b.top != nil {
			opts = append(opts, Option{Name: "$top", Value: strconv.Itoa(*b.top)})
		}
		if b.skip != nil {
			opts = append(opts, Option{Name: "$skip", Value: strconv.Itoa(*b.skip)})
		}
	}

	if len(b.expands) > 0 {
		items := make([]string, 0, len(b.expands))
		for _, e := range b.expands {
			item, expShape, err := e.compile(useIDs)
			if err != nil {
				return nil, shape, err
			}
			items = append(items, item)
			shape.Expands = append(shape.Expands, expShape)
		}
		opts = append(opts, Option{Name: "$expand", Value: strings.Join(items, ",")})
	}

	return opts, shape, nil
}

func (b Builder) selectValue(sel []response.Selected, useIDs bool) string {
	seen := make(map[string]bool, len(sel))
	names := make([]string, 0, len(sel))
	for _, s := range sel {
		if seen[s.Source] {
			continue
		}
		seen[s.Source] = true
		names = append(names, ids.Field(b.table, s.Source, useIDs))
	}
	return strings.Join(names, ",")
}

// insertTop places a default $top where an explicit one would go.
func insertTop(opts []Option, top int) []Option {
	out := make([]Option, 0, len(opts)+1)
	inserted := false
	for _, o := range opts {
		if !inserted && (o.Name == "$skip" || o.Name == "$expand") {
			out = append(out, Option{Name: "$top", Value: strconv.Itoa(top)})
			inserted = true
		}
		out = append(out, o)
	}
	if !inserted {
		out = append(out, Option{Name: "$top", Value: strconv.Itoa(top)})
	}
	return out
}

// wireName is the relation as it appears in $expand and in the response.
func (e Expand) wireName(useIDs bool) string {
	if useIDs && e.Query.table.HasIDs() {
		return e.Query.table.ID()
	}
	return e.Relation
}

// compile serializes one expand. Without nested options it is the bare
// relation; otherwise relation(opt;opt;...) with nested expands recursing
// through compileOptions.
func (e Expand) compile(useIDs bool) (string, response.ExpandShape, error) {
	name := e.wireName(useIDs)

	opts, shape, err := e.Query.compileOptions(useIDs, true)
	if err != nil {
		return "", response.ExpandShape{}, fmt.Errorf("query: expand %q: %w", e.Relation, err)
	}
	expShape := response.ExpandShape{Relation: e.Relation, WireName: name, Shape: shape}

	if len(opts) == 0 {
		return name, expShape, nil
	}
	parts := make([]string, 0, len(opts))
	for _, o := range opts {
		parts = append(parts, o.Name+"="+o.Value)
	}
	return name + "(" + strings.Join(parts, ";") + ")", expShape, nil
}
