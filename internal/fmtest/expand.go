package fmtest

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
)

type expandItem struct {
	name    string
	options map[string]string
}

// splitTopLevel splits s on sep outside parentheses and string literals.
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

func parseExpand(raw string) ([]expandItem, error) {
	if raw == "" {
		return nil, nil
	}
	var items []expandItem
	for _, part := range splitTopLevel(raw, ',') {
		item := expandItem{options: map[string]string{}}
		open := strings.IndexByte(part, '(')
		if open < 0 {
			item.name = strings.TrimSpace(part)
			items = append(items, item)
			continue
		}
		if !strings.HasSuffix(part, ")") {
			return nil, fmt.Errorf("malformed $expand item %q", part)
		}
		item.name = strings.TrimSpace(part[:open])
		for _, opt := range splitTopLevel(part[open+1:len(part)-1], ';') {
			key, value, ok := strings.Cut(opt, "=")
			if !ok {
				return nil, fmt.Errorf("malformed $expand option %q", opt)
			}
			item.options[key] = value
		}
		items = append(items, item)
	}
	return items, nil
}

// relation resolves a navigation by name or by the target's FMTID.
func (s *Server) relation(t *Table, name string) (Relation, *Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rel, ok := t.Relations[name]
	if !ok {
		logical, isID := s.byID[name]
		if isID {
			for _, candidate := range t.Relations {
				if candidate.Target == logical {
					rel, ok = candidate, true
					break
				}
			}
		}
	}
	if !ok {
		return Relation{}, nil, fmt.Errorf("%q is not a navigation of %q", name, t.Name)
	}
	target, ok := s.tables[rel.Target]
	if !ok {
		return Relation{}, nil, fmt.Errorf("navigation %q targets unknown table %q", name, rel.Target)
	}
	return rel, target, nil
}

func (s *Server) shapeRows(tx *gorm.DB, t *Table, rows []row, opts map[string]string, idMode bool) ([]map[string]any, error) {
	var sel []string
	if v := opts["$select"]; v != "" {
		for _, f := range strings.Split(v, ",") {
			sel = append(sel, t.fromWire(strings.TrimSpace(f)))
		}
	}
	expands, err := parseExpand(opts["$expand"])
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			return nil, err
		}
		wire := s.toWireRecord(t, project(rec, sel), idMode)

		for _, e := range expands {
			rel, target, err := s.relation(t, e.name)
			if err != nil {
				return nil, err
			}
			related, err := s.related(tx, rel, target, rec, e.options)
			if err != nil {
				return nil, err
			}
			shaped, err := s.shapeRows(tx, target, related, e.options, idMode)
			if err != nil {
				return nil, err
			}
			wire[e.name] = shaped
		}
		out = append(out, wire)
	}
	return out, nil
}

func project(rec map[string]any, sel []string) map[string]any {
	if len(sel) == 0 {
		return rec
	}
	out := make(map[string]any, len(sel))
	for _, f := range sel {
		out[f] = rec[f]
	}
	return out
}

func (s *Server) related(tx *gorm.DB, rel Relation, target *Table, rec map[string]any, opts map[string]string) ([]row, error) {
	where := &sqlClause{sql: fieldExpr(rel.ForeignField) + " = ?", args: []any{rec[rel.LocalField]}}
	if f := opts["$filter"]; f != "" {
		nested, err := translateFilter(f, target.fromWire)
		if err != nil {
			return nil, err
		}
		where = join("AND", where, nested)
	}
	lq := listQuery{where: where}
	var err error
	if lq.top, err = intOption(opts, "$top"); err != nil {
		return nil, err
	}
	if lq.skip, err = intOption(opts, "$skip"); err != nil {
		return nil, err
	}
	if v := opts["$orderby"]; v != "" {
		for _, item := range strings.Split(v, ",") {
			field, dir, _ := strings.Cut(strings.TrimSpace(item), " ")
			lq.orderBy = append(lq.orderBy, orderItem{field: target.fromWire(field), desc: dir == "desc"})
		}
	}
	return list(tx, target.Name, lq)
}
