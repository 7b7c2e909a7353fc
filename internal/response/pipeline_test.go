package response

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/nlstn/go-fmodata/internal/fmerrors"
	"github.com/nlstn/go-fmodata/internal/metadata"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"object and array", `{"a":1,"b":?,"c":[1,?,3]}`, `{"a":1,"b":null,"c":[1,null,3]}`},
		{"adjacent array values", `[?,?,?]`, `[null,null,null]`},
		{"last object value", `{"a": ? }`, `{"a": null }`},
		{"whitespace", "{\"a\":\n ?\n,\"b\":1}", "{\"a\":\n null\n,\"b\":1}"},
		{"question mark in string untouched", `{"q":"why?"}`, `{"q":"why?"}`},
		{"valid json untouched", `{"value":[]}`, `{"value":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(Sanitize([]byte(tt.in))); got != tt.want {
				t.Errorf("Sanitize() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseSanitizedDocument(t *testing.T) {
	got, err := Parse([]byte(`{"a":1,"b":?,"c":[1,?,3]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := map[string]any{
		"a": json.Number("1"),
		"b": nil,
		"c": []any{json.Number("1"), nil, json.Number("3")},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Parse() = %#v, want %#v", got, want)
	}
}

func TestParseError(t *testing.T) {
	_, err := Parse([]byte(`{"a":?x}`))
	var parseErr *fmerrors.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if parseErr.Sanitized != `{"a":?x}` {
		t.Errorf("expected sanitized text in error, got %q", parseErr.Sanitized)
	}

	if _, err := Parse([]byte(`{} {}`)); !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError for trailing data, got %v", err)
	}
}

func TestExtractCardinality(t *testing.T) {
	zero := map[string]any{"value": []any{}}
	one := map[string]any{"value": []any{map[string]any{"id": "1"}}}
	two := map[string]any{"value": []any{map[string]any{"id": "1"}, map[string]any{"id": "2"}}}

	tests := []struct {
		name         string
		data         any
		mode         SingleMode
		wantLen      int
		wantExpected string
		wantReceived int
		wantMismatch bool
	}{
		{name: "exactly one over zero", data: zero, mode: ExactlyOne, wantMismatch: true, wantExpected: "one", wantReceived: 0},
		{name: "exactly one over two", data: two, mode: ExactlyOne, wantMismatch: true, wantExpected: "one", wantReceived: 2},
		{name: "exactly one over one", data: one, mode: ExactlyOne, wantLen: 1},
		{name: "maybe one over zero", data: zero, mode: MaybeOne, wantLen: 0},
		{name: "maybe one over two", data: two, mode: MaybeOne, wantMismatch: true, wantExpected: "at-most-one", wantReceived: 2},
		{name: "list never errors", data: two, mode: Many, wantLen: 2},
		{name: "list without value", data: map[string]any{}, mode: Many, wantLen: 0},
		{name: "unwrapped single", data: map[string]any{"id": "9"}, mode: ExactlyOne, wantLen: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := Extract(tt.data, tt.mode)
			if tt.wantMismatch {
				var mismatch *fmerrors.RecordCountMismatchError
				if !errors.As(err, &mismatch) {
					t.Fatalf("expected RecordCountMismatchError, got %v", err)
				}
				if mismatch.Expected != tt.wantExpected || mismatch.Received != tt.wantReceived {
					t.Errorf("got expected=%q received=%d", mismatch.Expected, mismatch.Received)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(rows) != tt.wantLen {
				t.Errorf("got %d rows, want %d", len(rows), tt.wantLen)
			}
		})
	}
}

func TestExtractStructureErrors(t *testing.T) {
	var structure *fmerrors.ResponseStructureError
	if _, err := Extract([]any{}, Many); !errors.As(err, &structure) {
		t.Errorf("expected structure error for top-level array, got %v", err)
	}
	if _, err := Extract(map[string]any{"value": "nope"}, Many); !errors.As(err, &structure) {
		t.Errorf("expected structure error for non-array value, got %v", err)
	}
}

func upperValidator() metadata.Validator {
	return metadata.ValidatorFunc(func(v any) (any, []fmerrors.Issue) {
		s, ok := v.(string)
		if !ok {
			return nil, []fmerrors.Issue{{Message: "expected string"}}
		}
		return strings.ToUpper(s), nil
	})
}

func TestProcessRenameAfterValidation(t *testing.T) {
	var seen []any
	table := metadata.MustTable("contacts", []metadata.Field{
		metadata.Text("name_first").ReadWith(metadata.ValidatorFunc(func(v any) (any, []fmerrors.Issue) {
			seen = append(seen, v)
			return v.(string) + "!", nil
		})),
	})
	shape := Shape{Table: table, Fields: []Selected{{Output: "firstName", Source: "name_first"}}}

	rows, err := Process([]byte(`{"value":[{"name_first":"ada","@odata.id":"x"}]}`), shape, Many)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(seen) != 1 || seen[0] != "ada" {
		t.Fatalf("validator should see the raw source value, saw %v", seen)
	}
	want := []Record{{"firstName": "ada!"}}
	if !reflect.DeepEqual(rows, want) {
		t.Errorf("Process() = %v, want %v", rows, want)
	}
}

func TestProcessAggregatesIssues(t *testing.T) {
	table := metadata.MustTable("contacts", []metadata.Field{
		metadata.Text("a").ReadWith(upperValidator()),
		metadata.Text("b").ReadWith(upperValidator()),
	})
	shape := Shape{Table: table}

	_, err := Process([]byte(`{"value":[{"a":1,"b":2},{"a":"ok","b":3}]}`), shape, Many)
	var vErr *fmerrors.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(vErr.Issues) != 3 {
		t.Fatalf("expected 3 issues, got %d: %v", len(vErr.Issues), vErr.Issues)
	}
	if vErr.Value == nil {
		t.Error("expected the raw value on the error")
	}
}

func TestProcessExpandRecursion(t *testing.T) {
	users := metadata.MustTable("users", []metadata.Field{
		metadata.Text("login").ReadWith(upperValidator()),
	})
	contacts := metadata.MustTable("contacts", []metadata.Field{metadata.Text("name")}, metadata.WithNavigation("users"))

	shape := Shape{
		Table: contacts,
		Expands: []ExpandShape{{
			Relation: "users",
			WireName: "users",
			Shape: Shape{
				Table:  users,
				Fields: []Selected{{Output: "handle", Source: "login"}},
			},
		}},
	}

	rows, err := Process([]byte(`{"value":[{"name":"x","users":[{"login":"ada"},{"login":"bob"}]}]}`), shape, Many)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := rows[0]["users"].([]Record)
	want := []Record{{"handle": "ADA"}, {"handle": "BOB"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expanded = %v, want %v", got, want)
	}

	_, err = Process([]byte(`{"value":[{"name":"x","users":[{"login":5}]}]}`), shape, Many)
	var vErr *fmerrors.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError from nested record, got %v", err)
	}
	if got := vErr.Issues[0].String(); got != "0.users.0.login: expected string" {
		t.Errorf("unexpected issue path %q", got)
	}
}

func TestProcessReversesIdentifiers(t *testing.T) {
	users := metadata.MustTable("users", []metadata.Field{
		metadata.Text("login").WithID("FMFID:20"),
	}, metadata.WithTableID("FMTID:2"))
	contacts := metadata.MustTable("contacts", []metadata.Field{
		metadata.Text("name").WithID("FMFID:10"),
	}, metadata.WithTableID("FMTID:1"), metadata.WithNavigation("users"))

	shape := Shape{
		Table:  contacts,
		UseIDs: true,
		Expands: []ExpandShape{{
			Relation: "users",
			WireName: "FMTID:2",
			Shape:    Shape{Table: users, UseIDs: true},
		}},
	}

	rows, err := Process([]byte(`{"FMFID:10":"ada","FMTID:2":[{"FMFID:20":"a1"}]}`), shape, ExactlyOne)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []Record{{"name": "ada", "users": []Record{{"login": "a1"}}}}
	if !reflect.DeepEqual(rows, want) {
		t.Errorf("Process() = %v, want %v", rows, want)
	}
}

func TestValidateInput(t *testing.T) {
	table := metadata.MustTable("contacts", []metadata.Field{
		metadata.Text("name").WithID("FMFID:1").NotNull().WriteWith(metadata.TrimValidator),
		metadata.Number("serial").WithID("FMFID:2").AsReadOnly(),
		metadata.Container("photo").WithID("FMFID:3"),
	}, metadata.WithTableID("FMTID:1"))

	body, err := ValidateInput(table, Record{"name": "  ada "}, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(body, Record{"FMFID:1": "ada"}) {
		t.Errorf("unexpected body %v", body)
	}

	_, err = ValidateInput(table, Record{"name": nil, "serial": 1, "photo": "x", "other": 1}, false)
	var vErr *fmerrors.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(vErr.Issues) != 4 {
		t.Errorf("expected 4 issues, got %v", vErr.Issues)
	}
}

func TestParseCount(t *testing.T) {
	n, err := ParseCount([]byte(" 42\n"))
	if err != nil || n != 42 {
		t.Fatalf("got %d, %v", n, err)
	}
	if _, err := ParseCount([]byte("x")); err == nil {
		t.Fatal("expected error")
	}
}
