// Package filter compiles predicate trees into OData $filter expressions.
//
// Grouping is explicit in the tree: composite operands of and/or are always
// parenthesised, so no precedence is ever inferred from string order.
package filter

import (
	"fmt"
	"strings"

	"github.com/nlstn/go-fmodata/internal/ids"
	"github.com/nlstn/go-fmodata/internal/metadata"
)

// Operator is a comparison operator.
type Operator int

const (
	OpEqual Operator = iota
	OpNotEqual
	OpLessThan
	OpLessThanOrEqual
	OpGreaterThan
	OpGreaterThanOrEqual
)

// String returns the OData spelling of the operator.
func (o Operator) String() string {
	switch o {
	case OpEqual:
		return "eq"
	case OpNotEqual:
		return "ne"
	case OpLessThan:
		return "lt"
	case OpLessThanOrEqual:
		return "le"
	case OpGreaterThan:
		return "gt"
	case OpGreaterThanOrEqual:
		return "ge"
	default:
		return "unknown"
	}
}

// Expr is a node of a predicate tree.
type Expr interface {
	compile(c *compiler) (string, error)
	composite() bool
}

// Comparison compares a field against a literal.
type Comparison struct {
	Field string
	Op    Operator
	Value any
}

// Function applies a string function (contains, startswith, endswith).
type Function struct {
	Name  string
	Field string
	Value any
}

// Logical joins operands with and/or.
type Logical struct {
	Or       bool
	Operands []Expr
}

// Negation negates its operand.
type Negation struct {
	Operand Expr
}

// RawExpr is passed through verbatim.
type RawExpr string

func Eq(field string, value any) Expr { return Comparison{Field: field, Op: OpEqual, Value: value} }
func Ne(field string, value any) Expr { return Comparison{Field: field, Op: OpNotEqual, Value: value} }
func Lt(field string, value any) Expr { return Comparison{Field: field, Op: OpLessThan, Value: value} }
func Le(field string, value any) Expr {
	return Comparison{Field: field, Op: OpLessThanOrEqual, Value: value}
}
func Gt(field string, value any) Expr { return Comparison{Field: field, Op: OpGreaterThan, Value: value} }
func Ge(field string, value any) Expr {
	return Comparison{Field: field, Op: OpGreaterThanOrEqual, Value: value}
}

// IsNull matches records where field is empty.
func IsNull(field string) Expr { return Comparison{Field: field, Op: OpEqual, Value: nil} }

// Contains matches records where field contains value.
func Contains(field string, value string) Expr {
	return Function{Name: "contains", Field: field, Value: value}
}

// StartsWith matches records where field starts with value.
func StartsWith(field string, value string) Expr {
	return Function{Name: "startswith", Field: field, Value: value}
}

// EndsWith matches records where field ends with value.
func EndsWith(field string, value string) Expr {
	return Function{Name: "endswith", Field: field, Value: value}
}

// And requires every operand. Nil operands are ignored.
func And(operands ...Expr) Expr { return Logical{Operands: operands} }

// Or requires any operand. Nil operands are ignored.
func Or(operands ...Expr) Expr { return Logical{Or: true, Operands: operands} }

// Not negates operand.
func Not(operand Expr) Expr { return Negation{Operand: operand} }

// Raw embeds an already-encoded filter fragment.
func Raw(fragment string) Expr { return RawExpr(fragment) }

type compiler struct {
	table  *metadata.Table
	useIDs bool
}

// Compile renders expr as a $filter value for table. Field names are passed
// through the identifier resolver.
func Compile(expr Expr, table *metadata.Table, useIDs bool) (string, error) {
	if expr == nil {
		return "", nil
	}
	c := &compiler{table: table, useIDs: useIDs}
	return expr.compile(c)
}

func (c *compiler) field(name string) (string, metadata.Kind, error) {
	if name == "" {
		return "", 0, fmt.Errorf("filter: empty field name")
	}
	if !c.table.HasField(name) {
		return "", 0, fmt.Errorf("filter: unknown field %q on table %q", name, c.table.Name())
	}
	kind := Untyped
	if f, ok := c.table.Field(name); ok {
		if f.Kind == metadata.KindContainer {
			return "", 0, fmt.Errorf("filter: container field %q cannot be filtered", name)
		}
		kind = f.Kind
	}
	return ids.Field(c.table, name, c.useIDs), kind, nil
}

func (e Comparison) compile(c *compiler) (string, error) {
	name, kind, err := c.field(e.Field)
	if err != nil {
		return "", err
	}
	lit, err := Literal(e.Value, kind)
	if err != nil {
		return "", fmt.Errorf("filter: field %q: %w", e.Field, err)
	}
	return name + " " + e.Op.String() + " " + lit, nil
}

func (Comparison) composite() bool { return false }

func (e Function) compile(c *compiler) (string, error) {
	switch e.Name {
	case "contains", "startswith", "endswith":
	default:
		return "", fmt.Errorf("filter: unsupported function %q", e.Name)
	}
	name, _, err := c.field(e.Field)
	if err != nil {
		return "", err
	}
	lit, err := Literal(e.Value, metadata.KindString)
	if err != nil {
		return "", fmt.Errorf("filter: field %q: %w", e.Field, err)
	}
	return e.Name + "(" + name + "," + lit + ")", nil
}

func (Function) composite() bool { return false }

func (e Logical) compile(c *compiler) (string, error) {
	op := " and "
	if e.Or {
		op = " or "
	}

	parts := make([]string, 0, len(e.Operands))
	for _, operand := range e.Operands {
		if operand == nil {
			continue
		}
		s, err := operand.compile(c)
		if err != nil {
			return "", err
		}
		if operand.composite() {
			s = "(" + s + ")"
		}
		parts = append(parts, s)
	}

	if len(parts) == 0 {
		return "", fmt.Errorf("filter: %s without operands", strings.TrimSpace(op))
	}
	return strings.Join(parts, op), nil
}

func (e Logical) composite() bool {
	n := 0
	for _, operand := range e.Operands {
		if operand != nil {
			n++
		}
	}
	return n > 1
}

func (e Negation) compile(c *compiler) (string, error) {
	if e.Operand == nil {
		return "", fmt.Errorf("filter: not without operand")
	}
	s, err := e.Operand.compile(c)
	if err != nil {
		return "", err
	}
	return "not (" + s + ")", nil
}

func (Negation) composite() bool { return false }

func (e RawExpr) compile(*compiler) (string, error) {
	if strings.TrimSpace(string(e)) == "" {
		return "", fmt.Errorf("filter: empty raw expression")
	}
	return string(e), nil
}

// Raw fragments are opaque, so they are always grouped.
func (RawExpr) composite() bool { return true }
