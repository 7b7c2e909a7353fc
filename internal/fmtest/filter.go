package fmtest

import (
	"fmt"
	"strconv"
	"strings"
)

// sqlClause is a translated $filter expression.
type sqlClause struct {
	sql  string
	args []any
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokNumber
	tokBare // dates and times, which OData writes unquoted
	tokLParen
	tokRParen
	tokComma
	tokEOF
)

type token struct {
	kind tokenKind
	text string
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9' || c == ':'
}

func lex(input string) ([]token, error) {
	var toks []token
	for i := 0; i < len(input); {
		c := input[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen})
			i++
		case c == ',':
			toks = append(toks, token{kind: tokComma})
			i++
		case c == '\'':
			var sb strings.Builder
			i++
			for {
				if i >= len(input) {
					return nil, fmt.Errorf("unterminated string literal")
				}
				if input[i] == '\'' {
					if i+1 < len(input) && input[i+1] == '\'' {
						sb.WriteByte('\'')
						i += 2
						continue
					}
					i++
					break
				}
				sb.WriteByte(input[i])
				i++
			}
			toks = append(toks, token{kind: tokString, text: sb.String()})
		case c == '-' || c >= '0' && c <= '9':
			start := i
			i++
			for i < len(input) && strings.IndexByte("0123456789.:-+TZ", input[i]) >= 0 {
				i++
			}
			text := input[start:i]
			if _, err := strconv.ParseFloat(text, 64); err == nil {
				toks = append(toks, token{kind: tokNumber, text: text})
			} else {
				toks = append(toks, token{kind: tokBare, text: text})
			}
		case isIdentStart(c):
			start := i
			for i < len(input) && isIdentPart(input[i]) {
				i++
			}
			toks = append(toks, token{kind: tokIdent, text: input[start:i]})
		default:
			return nil, fmt.Errorf("unexpected character %q at %d", c, i)
		}
	}
	return append(toks, token{kind: tokEOF}), nil
}

// filterParser translates the $filter subset the client emits into SQL over
// the JSON documents of the store.
type filterParser struct {
	toks  []token
	pos   int
	field func(string) string
}

func translateFilter(input string, field func(string) string) (*sqlClause, error) {
	toks, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &filterParser{toks: toks, field: field}
	clause, err := p.or()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("unexpected trailing input in filter")
	}
	return clause, nil
}

func (p *filterParser) peek() token { return p.toks[p.pos] }

func (p *filterParser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *filterParser) keyword(word string) bool {
	t := p.peek()
	if t.kind == tokIdent && t.text == word {
		p.pos++
		return true
	}
	return false
}

func join(op string, left, right *sqlClause) *sqlClause {
	return &sqlClause{
		sql:  "(" + left.sql + " " + op + " " + right.sql + ")",
		args: append(append([]any{}, left.args...), right.args...),
	}
}

func (p *filterParser) or() (*sqlClause, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.keyword("or") {
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		left = join("OR", left, right)
	}
	return left, nil
}

func (p *filterParser) and() (*sqlClause, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for p.keyword("and") {
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		left = join("AND", left, right)
	}
	return left, nil
}

func (p *filterParser) unary() (*sqlClause, error) {
	if p.keyword("not") {
		inner, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &sqlClause{sql: "NOT " + inner.sql, args: inner.args}, nil
	}
	return p.primary()
}

var comparisons = map[string]string{
	"eq": "=", "ne": "<>", "lt": "<", "le": "<=", "gt": ">", "ge": ">=",
}

func (p *filterParser) primary() (*sqlClause, error) {
	t := p.next()
	switch t.kind {
	case tokLParen:
		inner, err := p.or()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		return &sqlClause{sql: "(" + inner.sql + ")", args: inner.args}, nil
	case tokIdent:
		if p.peek().kind == tokLParen {
			return p.function(t.text)
		}
		return p.comparison(t.text)
	default:
		return nil, fmt.Errorf("unexpected token %q", t.text)
	}
}

func (p *filterParser) comparison(field string) (*sqlClause, error) {
	opTok := p.next()
	op, ok := comparisons[opTok.text]
	if opTok.kind != tokIdent || !ok {
		return nil, fmt.Errorf("unsupported operator %q", opTok.text)
	}
	expr := fieldExpr(p.field(field))

	value, isNull, err := p.literal()
	if err != nil {
		return nil, err
	}
	if isNull {
		switch op {
		case "=":
			return &sqlClause{sql: expr + " IS NULL"}, nil
		case "<>":
			return &sqlClause{sql: expr + " IS NOT NULL"}, nil
		default:
			return nil, fmt.Errorf("null only supports eq and ne")
		}
	}
	return &sqlClause{sql: expr + " " + op + " ?", args: []any{value}}, nil
}

func (p *filterParser) function(name string) (*sqlClause, error) {
	p.next() // (
	fieldTok := p.next()
	if fieldTok.kind != tokIdent {
		return nil, fmt.Errorf("%s: expected field", name)
	}
	if p.next().kind != tokComma {
		return nil, fmt.Errorf("%s: expected comma", name)
	}
	value, isNull, err := p.literal()
	if err != nil {
		return nil, err
	}
	if isNull {
		return nil, fmt.Errorf("%s: null argument", name)
	}
	if p.next().kind != tokRParen {
		return nil, fmt.Errorf("%s: missing closing parenthesis", name)
	}

	expr := fieldExpr(p.field(fieldTok.text))
	switch name {
	case "contains":
		return &sqlClause{sql: "instr(" + expr + ", ?) > 0", args: []any{value}}, nil
	case "startswith":
		return &sqlClause{sql: "substr(" + expr + ", 1, length(?)) = ?", args: []any{value, value}}, nil
	case "endswith":
		return &sqlClause{sql: "substr(" + expr + ", -length(?)) = ?", args: []any{value, value}}, nil
	default:
		return nil, fmt.Errorf("unsupported function %q", name)
	}
}

func (p *filterParser) literal() (any, bool, error) {
	t := p.next()
	switch t.kind {
	case tokString, tokBare:
		return t.text, false, nil
	case tokNumber:
		if n, err := strconv.ParseInt(t.text, 10, 64); err == nil {
			return n, false, nil
		}
		f, err := strconv.ParseFloat(t.text, 64)
		return f, false, err
	case tokIdent:
		switch t.text {
		case "null":
			return nil, true, nil
		case "true":
			return 1, false, nil
		case "false":
			return 0, false, nil
		}
	}
	return nil, false, fmt.Errorf("invalid literal %q", t.text)
}

// parseKey decodes the literal inside table(...).
func parseKey(raw string) (any, error) {
	toks, err := lex(raw)
	if err != nil {
		return nil, err
	}
	p := &filterParser{toks: toks}
	v, isNull, err := p.literal()
	if err != nil {
		return nil, err
	}
	if isNull || p.peek().kind != tokEOF {
		return nil, fmt.Errorf("invalid key %q", raw)
	}
	return v, nil
}
