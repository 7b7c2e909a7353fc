package query

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/nlstn/go-fmodata/internal/filter"
	"github.com/nlstn/go-fmodata/internal/metadata"
	"github.com/nlstn/go-fmodata/internal/response"
)

func contactsTable() *metadata.Table {
	return metadata.MustTable("contacts", []metadata.Field{
		metadata.Text("id").AsPrimaryKey(),
		metadata.Text("name"),
		metadata.Number("age"),
		metadata.Container("photo"),
	}, metadata.WithNavigation("users", "notes"))
}

func usersTable() *metadata.Table {
	return metadata.MustTable("users", []metadata.Field{
		metadata.Text("login"),
		metadata.Text("email"),
	}, metadata.WithNavigation("notes"))
}

func notesTable(policy metadata.SelectMode, fields ...metadata.Field) *metadata.Table {
	return metadata.MustTable("notes", fields, metadata.WithDefaultSelect(policy))
}

func mustBuild(t *testing.T, b Builder) *Compiled {
	t.Helper()
	c, err := b.Build(false)
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}
	return c
}

func TestBuilder_BasicList(t *testing.T) {
	c := mustBuild(t, New(contactsTable()))
	if c.Path != "contacts" {
		t.Errorf("Path = %q", c.Path)
	}
	if got := c.String(); got != "contacts?$top=1000" {
		t.Errorf("String() = %q", got)
	}
}

func TestBuilder_AllOptions(t *testing.T) {
	b := New(contactsTable()).
		Select("name", "age").
		Where(filter.Eq("name", "Ada Lovelace")).
		Where(filter.Gt("age", 30)).
		OrderBy("name").
		OrderByDesc("age").
		Top(10).
		Skip(20)

	c := mustBuild(t, b)
	want := []Option{
		{Name: "$select", Value: "name,age"},
		{Name: "$filter", Value: "name eq 'Ada Lovelace' and age gt 30"},
		{Name: "$orderby", Value: "name,age desc"},
		{Name: "$top", Value: "10"},
		{Name: "$skip", Value: "20"},
	}
	if !reflect.DeepEqual(c.Options, want) {
		t.Errorf("Options = %v, want %v", c.Options, want)
	}
	wantQuery := "$select=name,age&$filter=name%20eq%20'Ada%20Lovelace'%20and%20age%20gt%2030&$orderby=name,age%20desc&$top=10&$skip=20"
	if got := c.RawQuery(); got != wantQuery {
		t.Errorf("RawQuery() = %q, want %q", got, wantQuery)
	}
}

func TestBuilder_DefaultTopPlacement(t *testing.T) {
	c := mustBuild(t, New(contactsTable()).Skip(5).Expand("users", usersTable(), nil))
	want := []Option{
		{Name: "$top", Value: "1000"},
		{Name: "$skip", Value: "5"},
		{Name: "$expand", Value: "users"},
	}
	if !reflect.DeepEqual(c.Options, want) {
		t.Errorf("Options = %v, want %v", c.Options, want)
	}
}

func TestBuilder_Immutability(t *testing.T) {
	base := New(contactsTable()).Select("name")
	a := base.Where(filter.Eq("name", "a")).Top(1)
	b := base.OrderBy("age")

	if _, ok := mustBuild(t, base).Option("$filter"); ok {
		t.Error("base must not see a's filter")
	}
	if v, _ := mustBuild(t, base).Option("$top"); v != "1000" {
		t.Errorf("base must keep the default top, got %q", v)
	}
	if _, ok := mustBuild(t, a).Option("$orderby"); ok {
		t.Error("a must not see b's orderby")
	}
	if _, ok := mustBuild(t, b).Option("$filter"); ok {
		t.Error("b must not see a's filter")
	}
}

func TestBuilder_SchemaSelectionNeverEmpty(t *testing.T) {
	onlyContainers := metadata.MustTable("files", []metadata.Field{metadata.Container("blob")},
		metadata.WithDefaultSelect(metadata.SelectSchema), metadata.WithNavigation("files"))
	noFields := metadata.MustTable("empty", nil, metadata.WithDefaultSelect(metadata.SelectSchema))

	tests := []struct {
		name string
		b    Builder
	}{
		{"top level", New(onlyContainers)},
		{"no declared fields", New(noFields)},
		{"inside expand", New(contactsTable()).Expand("notes", noFields, nil)},
		{"inside expand with options", New(contactsTable()).Expand("notes", noFields, func(q Builder) Builder { return q.Top(3) })},
		{"nested expand", New(onlyContainers).Expand("files", onlyContainers, func(q Builder) Builder {
			return q.Expand("files", onlyContainers, nil)
		})},
		{"explicit empty select", New(contactsTable()).Select()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := mustBuild(t, tt.b)
			s := c.String()
			if strings.Contains(s, "$select=&") || strings.Contains(s, "$select=;") ||
				strings.Contains(s, "$select=)") || strings.HasSuffix(s, "$select=") {
				t.Errorf("empty $select emitted: %q", s)
			}
			if _, ok := c.Option("$select"); ok {
				t.Errorf("expected no top-level $select in %q", s)
			}
		})
	}
}

func TestBuilder_SchemaSelection(t *testing.T) {
	table := metadata.MustTable("contacts", []metadata.Field{
		metadata.Text("name"), metadata.Container("photo"), metadata.Number("age"),
	}, metadata.WithDefaultSelect(metadata.SelectSchema))

	c := mustBuild(t, New(table))
	if v, _ := c.Option("$select"); v != "name,age" {
		t.Errorf("$select = %q", v)
	}
	if len(c.Shape.Fields) != 2 {
		t.Errorf("shape fields = %v", c.Shape.Fields)
	}
}

func TestBuilder_AliasesDriveShape(t *testing.T) {
	c := mustBuild(t, New(contactsTable()).SelectAs(Alias("fullName", "name"), Alias("years", "age"), Alias("label", "name")))

	if v, _ := c.Option("$select"); v != "name,age" {
		t.Errorf("$select should list each source once, got %q", v)
	}
	want := []response.Selected{{Output: "fullName", Source: "name"}, {Output: "years", Source: "age"}, {Output: "label", Source: "name"}}
	if !reflect.DeepEqual(c.Shape.Fields, want) {
		t.Errorf("Shape.Fields = %v", c.Shape.Fields)
	}
}

func TestBuilder_ExpandSerialization(t *testing.T) {
	b := New(contactsTable()).
		Top(5).
		Expand("users", usersTable(), func(q Builder) Builder {
			return q.Select("login").
				Where(filter.Eq("login", "ada")).
				OrderByDesc("email").
				Top(2).
				Skip(1).
				Expand("notes", notesTable(metadata.SelectAll, metadata.Text("body")), func(n Builder) Builder {
					return n.Select("body")
				})
		}).
		Expand("notes", notesTable(metadata.SelectAll, metadata.Text("body")), nil)

	c := mustBuild(t, b)
	got, _ := c.Option("$expand")
	want := "users($select=login;$filter=login eq 'ada';$orderby=email desc;$top=2;$skip=1;$expand=notes($select=body)),notes"
	if got != want {
		t.Errorf("$expand = %q\nwant      %q", got, want)
	}
	if len(c.Shape.Expands) != 2 || c.Shape.Expands[0].Shape.Expands[0].Relation != "notes" {
		t.Errorf("unexpected expand shape %+v", c.Shape.Expands)
	}
}

func TestBuilder_ExpandErrors(t *testing.T) {
	t.Run("undeclared relation", func(t *testing.T) {
		_, err := New(contactsTable()).Expand("invoices", nil, nil).Build(false)
		if err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("dynamic tables accept any relation", func(t *testing.T) {
		c := mustBuild(t, New(metadata.Dynamic("contacts")).Expand("invoices", nil, nil))
		if v, _ := c.Option("$expand"); v != "invoices" {
			t.Errorf("$expand = %q", v)
		}
	})

	t.Run("wrong table returned", func(t *testing.T) {
		_, err := New(contactsTable()).Expand("users", usersTable(), func(Builder) Builder {
			return New(contactsTable())
		}).Build(false)
		if err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("nested error surfaces", func(t *testing.T) {
		_, err := New(contactsTable()).Expand("users", usersTable(), func(q Builder) Builder {
			return q.Select("missing")
		}).Build(false)
		if err == nil || !strings.Contains(err.Error(), "missing") {
			t.Fatalf("expected nested error, got %v", err)
		}
	})
}

func TestBuilder_SelectErrors(t *testing.T) {
	if _, err := New(contactsTable()).Select("photo").Build(false); err == nil {
		t.Error("container fields must be rejected in bulk selects")
	}
	if _, err := New(contactsTable()).Select("missing").Build(false); err == nil {
		t.Error("unknown fields must be rejected")
	}
	if _, err := New(contactsTable()).Top(-1).Build(false); err == nil {
		t.Error("negative top must be rejected")
	}
	if _, err := New(contactsTable()).OrderBy("missing").Build(false); err == nil {
		t.Error("unknown orderby field must be rejected")
	}
	if _, err := New(contactsTable()).Where(filter.Eq("missing", 1)).Build(false); err == nil {
		t.Error("unknown filter field must be rejected")
	}
}

func TestBuilder_KeyAndCount(t *testing.T) {
	c := mustBuild(t, New(contactsTable()).Key("abc 1").Select("name"))
	if c.String() != "contacts('abc%201')?$select=name" {
		t.Errorf("key query = %q", c.String())
	}
	if c.Mode != response.ExactlyOne {
		t.Errorf("key queries expect exactly one record")
	}

	numeric := metadata.MustTable("invoices", []metadata.Field{metadata.Number("id").AsPrimaryKey()})
	if got := mustBuild(t, New(numeric).Key(42)).String(); got != "invoices(42)" {
		t.Errorf("numeric key = %q", got)
	}

	if got := mustBuild(t, New(numeric).Key(json.Number("42"))).String(); got != "invoices(42)" {
		t.Errorf("decoded numeric key = %q", got)
	}
	if got := mustBuild(t, New(metadata.Dynamic("invoices")).Key(json.Number("7"))).String(); got != "invoices(7)" {
		t.Errorf("dynamic numeric key = %q", got)
	}

	count := mustBuild(t, New(contactsTable()).Where(filter.Eq("name", "x")).Select("name").Count())
	if count.String() != "contacts/$count?$filter=name%20eq%20'x'" {
		t.Errorf("count query = %q", count.String())
	}
}

func TestBuilder_IdentifierSubstitution(t *testing.T) {
	users := metadata.MustTable("users", []metadata.Field{
		metadata.Text("login").WithID("FMFID:20"),
	}, metadata.WithTableID("FMTID:2"))
	contacts := metadata.MustTable("contacts", []metadata.Field{
		metadata.Text("name").WithID("FMFID:10"),
		metadata.Number("age").WithID("FMFID:11"),
	}, metadata.WithTableID("FMTID:1"), metadata.WithNavigation("users"))

	b := New(contacts).
		Select("name").
		Where(filter.Gt("age", 1)).
		OrderBy("name").
		Expand("users", users, func(q Builder) Builder { return q.Select("login") })

	c, err := b.Build(true)
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}
	want := "FMTID:1?$select=FMFID:10&$filter=FMFID:11%20gt%201&$orderby=FMFID:10&$top=1000&$expand=FMTID:2($select=FMFID:20)"
	if got := c.String(); got != want {
		t.Errorf("String() = %q\nwant       %q", got, want)
	}
	if !c.UseIDs || !c.Shape.UseIDs || c.Shape.Expands[0].WireName != "FMTID:2" {
		t.Errorf("shape must carry identifier mode: %+v", c.Shape)
	}

	off, err := b.UseIDs(false).Build(true)
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}
	if !strings.HasPrefix(off.String(), "contacts?$select=name") {
		t.Errorf("override must disable identifiers: %q", off.String())
	}

	plainTarget := metadata.MustTable("users", []metadata.Field{metadata.Text("login")})
	if _, err := New(contacts).Expand("users", plainTarget, nil).Build(true); err == nil {
		t.Error("expanding a table without identifiers in identifier mode must fail")
	}
}

// expandNode is a parsed $expand item, used to check that serialization
// preserves relation names and nesting.
type expandNode struct {
	Name     string
	Children []expandNode
}

func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth, start := 0, 0
	inString := false
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\'':
			inString = !inString
		case inString:
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == sep && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

func parseExpand(t *testing.T, s string) []expandNode {
	t.Helper()
	var nodes []expandNode
	for _, item := range splitTopLevel(s, ',') {
		open := strings.IndexByte(item, '(')
		if open < 0 {
			nodes = append(nodes, expandNode{Name: item})
			continue
		}
		if !strings.HasSuffix(item, ")") {
			t.Fatalf("unbalanced expand item %q", item)
		}
		node := expandNode{Name: item[:open]}
		for _, opt := range splitTopLevel(item[open+1:len(item)-1], ';') {
			if strings.HasPrefix(opt, "$expand=") {
				node.Children = parseExpand(t, strings.TrimPrefix(opt, "$expand="))
			}
		}
		nodes = append(nodes, node)
	}
	return nodes
}

func TestBuilder_DeepExpandRoundTrip(t *testing.T) {
	chain := metadata.MustTable("node", []metadata.Field{metadata.Text("v")}, metadata.WithNavigation("child", "sibling"))

	for depth := 1; depth <= 6; depth++ {
		t.Run(fmt.Sprintf("depth %d", depth), func(t *testing.T) {
			var nest func(level int) func(Builder) Builder
			nest = func(level int) func(Builder) Builder {
				return func(q Builder) Builder {
					q = q.Where(filter.Eq("v", fmt.Sprintf("a,(b);%d", level)))
					if level < depth {
						q = q.Expand("child", chain, nest(level+1))
					}
					return q
				}
			}

			c := mustBuild(t, New(chain).Expand("child", chain, nest(1)).Expand("sibling", chain, nil))
			raw, _ := c.Option("$expand")
			nodes := parseExpand(t, raw)

			if len(nodes) != 2 || nodes[1].Name != "sibling" {
				t.Fatalf("unexpected top level %+v", nodes)
			}
			got := 0
			for n := nodes[0]; ; n = n.Children[0] {
				if n.Name != "child" {
					t.Fatalf("unexpected relation %q at depth %d", n.Name, got)
				}
				got++
				if len(n.Children) == 0 {
					break
				}
			}
			if got != depth {
				t.Errorf("parsed depth %d, want %d", got, depth)
			}
		})
	}
}

func TestBuilder_ReusesDecodedValues(t *testing.T) {
	invoices := metadata.MustTable("invoices", []metadata.Field{
		metadata.Number("id").AsPrimaryKey(),
		metadata.Number("total"),
	})
	recs, err := response.Process([]byte(`{"value":[{"id":42,"total":9.5}]}`), response.Shape{Table: invoices}, response.Many)
	if err != nil {
		t.Fatalf("Process() failed: %v", err)
	}
	rec := recs[0]

	list := mustBuild(t, New(invoices).Where(filter.Eq("total", rec["total"])))
	if got, want := list.String(), "invoices?$filter=total%20eq%209.5&$top=1000"; got != want {
		t.Errorf("filter = %q, want %q", got, want)
	}
	byKey := mustBuild(t, New(invoices).Key(rec["id"]))
	if got := byKey.String(); got != "invoices(42)" {
		t.Errorf("key = %q, want invoices(42)", got)
	}
}
