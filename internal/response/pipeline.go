package response

import (
	"strconv"
	"strings"

	"github.com/nlstn/go-fmodata/internal/fmerrors"
	"github.com/nlstn/go-fmodata/internal/ids"
	"github.com/nlstn/go-fmodata/internal/metadata"
)

// Record is one decoded row.
type Record = map[string]any

// SingleMode constrains how many records a query may return.
type SingleMode int

const (
	// Many returns every record without a cardinality check.
	Many SingleMode = iota
	// MaybeOne returns zero or one record.
	MaybeOne
	// ExactlyOne returns exactly one record.
	ExactlyOne
)

// String returns the name used in cardinality errors.
func (m SingleMode) String() string {
	switch m {
	case MaybeOne:
		return "at-most-one"
	case ExactlyOne:
		return "one"
	default:
		return "many"
	}
}

// Selected maps a source field to the key it is returned under.
type Selected struct {
	Output string
	Source string
}

// Shape describes what a query asked for. It is computed once by the query
// builder and drives both the outgoing $select and the incoming key mapping.
type Shape struct {
	Table *metadata.Table
	// Fields is empty when the query selects every column.
	Fields  []Selected
	Expands []ExpandShape
	UseIDs  bool
	// IncludeAnnotations keeps @odata.* keys in the output.
	IncludeAnnotations bool
}

// ExpandShape is the shape of one expanded relation.
type ExpandShape struct {
	Relation string
	// WireName is the relation as sent to the server (its FMTID when
	// identifiers are in use).
	WireName string
	Shape    Shape
}

// Process runs the pipeline on a raw body: sanitize, parse, extract,
// identifier reversal, validation and alias renaming.
func Process(raw []byte, shape Shape, mode SingleMode) ([]Record, error) {
	data, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	rows, err := Extract(data, mode)
	if err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(rows))
	var issues []fmerrors.Issue
	for i, row := range rows {
		prefix := []string(nil)
		if mode == Many {
			prefix = []string{strconv.Itoa(i)}
		}
		rec, recIssues := transform(row, shape, prefix)
		issues = append(issues, recIssues...)
		out = append(out, rec)
	}

	if len(issues) > 0 {
		return nil, &fmerrors.ValidationError{Issues: issues, Value: data}
	}
	return out, nil
}

// Extract pulls records out of a decoded body and enforces mode.
func Extract(data any, mode SingleMode) ([]Record, error) {
	obj, ok := data.(map[string]any)
	if !ok {
		return nil, &fmerrors.ResponseStructureError{Expected: "object", Received: data}
	}

	var rows []Record
	if value, has := obj["value"]; has {
		list, ok := value.([]any)
		if !ok {
			return nil, &fmerrors.ResponseStructureError{Expected: "array in value", Received: value}
		}
		rows = make([]Record, 0, len(list))
		for _, item := range list {
			rec, ok := item.(map[string]any)
			if !ok {
				return nil, &fmerrors.ResponseStructureError{Expected: "object in value", Received: item}
			}
			rows = append(rows, rec)
		}
	} else if mode == Many {
		rows = []Record{}
	} else {
		rows = []Record{obj}
	}

	switch mode {
	case ExactlyOne:
		if len(rows) != 1 {
			return nil, &fmerrors.RecordCountMismatchError{Expected: mode.String(), Received: len(rows)}
		}
	case MaybeOne:
		if len(rows) > 1 {
			return nil, &fmerrors.RecordCountMismatchError{Expected: mode.String(), Received: len(rows)}
		}
	}
	return rows, nil
}

func isAnnotation(key string) bool {
	return strings.HasPrefix(key, "@") || strings.Contains(key, "@odata.")
}

// transform validates one record against shape and applies aliases.
// Validators see source names; aliases are applied last.
func transform(row Record, shape Shape, path []string) (Record, []fmerrors.Issue) {
	var reverse map[string]string
	if shape.UseIDs && shape.Table != nil {
		reverse = ids.Reverse(shape.Table)
	}

	expands := make(map[string]ExpandShape, len(shape.Expands)*2)
	for _, e := range shape.Expands {
		expands[e.Relation] = e
		if e.WireName != "" {
			expands[e.WireName] = e
		}
	}

	aliases := make(map[string][]string, len(shape.Fields))
	for _, sel := range shape.Fields {
		aliases[sel.Source] = append(aliases[sel.Source], sel.Output)
	}

	out := make(Record, len(row))
	var issues []fmerrors.Issue
	for key, value := range row {
		if isAnnotation(key) {
			if shape.IncludeAnnotations {
				out[key] = value
			}
			continue
		}

		if e, ok := expands[key]; ok {
			sub, subIssues := transformExpand(value, e, append(clonePath(path), e.Relation))
			issues = append(issues, subIssues...)
			out[e.Relation] = sub
			continue
		}

		name := key
		if logical, ok := reverse[key]; ok {
			name = logical
		}

		if shape.Table != nil {
			if f, ok := shape.Table.Field(name); ok && f.ReadValidator != nil {
				validated, fieldIssues := f.ReadValidator.Validate(value)
				if len(fieldIssues) > 0 {
					issues = append(issues, prefixIssues(fieldIssues, append(clonePath(path), name))...)
					continue
				}
				value = validated
			}
		}

		outputs, aliased := aliases[name]
		if !aliased {
			out[name] = value
			continue
		}
		for _, output := range outputs {
			out[output] = value
		}
	}
	return out, issues
}

func transformExpand(value any, e ExpandShape, path []string) (any, []fmerrors.Issue) {
	switch v := value.(type) {
	case nil:
		return []Record{}, nil
	case []any:
		records := make([]Record, 0, len(v))
		var issues []fmerrors.Issue
		for i, item := range v {
			row, ok := item.(map[string]any)
			if !ok {
				issues = append(issues, fmerrors.Issue{
					Path:    append(clonePath(path), strconv.Itoa(i)),
					Message: "expanded item is not an object",
				})
				continue
			}
			rec, recIssues := transform(row, e.Shape, append(clonePath(path), strconv.Itoa(i)))
			issues = append(issues, recIssues...)
			records = append(records, rec)
		}
		return records, issues
	case map[string]any:
		// Single-valued navigation.
		return transform(v, e.Shape, path)
	default:
		return nil, []fmerrors.Issue{{Path: path, Message: "expanded relation is not an object or array"}}
	}
}

func prefixIssues(issues []fmerrors.Issue, path []string) []fmerrors.Issue {
	out := make([]fmerrors.Issue, 0, len(issues))
	for _, is := range issues {
		out = append(out, fmerrors.Issue{Path: append(clonePath(path), is.Path...), Message: is.Message})
	}
	return out
}

func clonePath(path []string) []string {
	return append([]string(nil), path...)
}
