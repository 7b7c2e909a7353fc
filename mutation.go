package fmodata

import (
	"context"
	"fmt"
	"net/http"

	"github.com/nlstn/go-fmodata/internal/filter"
	"github.com/nlstn/go-fmodata/internal/query"
	"github.com/nlstn/go-fmodata/internal/response"
	"github.com/nlstn/go-fmodata/internal/transport"
)

type mutationKind int

const (
	kindInsert mutationKind = iota
	kindUpdate
	kindDelete
	kindDeleteWhere
)

func (k mutationKind) method() string {
	switch k {
	case kindInsert:
		return http.MethodPost
	case kindUpdate:
		return http.MethodPatch
	default:
		return http.MethodDelete
	}
}

// Mutation inserts, updates or deletes records.
type Mutation struct {
	db     *Database
	kind   mutationKind
	table  *Table
	key    any
	where  Expr
	record Record
	// returnRecord is nil when the database default applies.
	returnRecord *bool
	useIDs       *bool
}

// Insert creates a record. Fields are validated with the table's write
// validators before anything is sent.
func (d *Database) Insert(table *Table, record Record) *Mutation {
	return &Mutation{db: d, kind: kindInsert, table: table, record: record}
}

// Update patches the record with the given primary key.
func (d *Database) Update(table *Table, key any, record Record) *Mutation {
	return &Mutation{db: d, kind: kindUpdate, table: table, key: key, record: record}
}

// Delete removes the record with the given primary key.
func (d *Database) Delete(table *Table, key any) *Mutation {
	return &Mutation{db: d, kind: kindDelete, table: table, key: key}
}

// DeleteWhere removes every record matching where.
func (d *Database) DeleteWhere(table *Table, where Expr) *Mutation {
	return &Mutation{db: d, kind: kindDeleteWhere, table: table, where: where}
}

// ReturnRecord asks the server to answer with the written record
// (return=representation) or with no body (return=minimal).
func (m *Mutation) ReturnRecord(enabled bool) *Mutation {
	c := *m
	c.returnRecord = &enabled
	return &c
}

// UseEntityIDs overrides the database identifier mode for this mutation.
func (m *Mutation) UseEntityIDs(enabled bool) *Mutation {
	c := *m
	c.useIDs = &enabled
	return &c
}

// Execute sends the mutation.
func (m *Mutation) Execute(ctx context.Context) (*Result, error) {
	return m.db.execute(ctx, m)
}

func (m *Mutation) returnsRecord(d *Database) bool {
	if m.returnRecord != nil {
		return *m.returnRecord
	}
	return m.kind == kindInsert && !d.minimal
}

func (m *Mutation) prepare(d *Database) (*prepared, error) {
	if m.table == nil {
		return nil, configf("mutation without a table")
	}

	b := query.New(m.table)
	if m.useIDs != nil {
		b = b.UseIDs(*m.useIDs)
	}
	if m.kind == kindUpdate || m.kind == kindDelete {
		b = b.Key(m.key)
	}
	path, useIDs, err := b.Resource(d.useIDs)
	if err != nil {
		return nil, err
	}

	target := d.baseURL + path
	if m.kind == kindDeleteWhere {
		if m.where == nil {
			return nil, configf("delete on %q requires a filter", m.table.Name())
		}
		f, err := filter.Compile(m.where, m.table, useIDs)
		if err != nil {
			return nil, err
		}
		c := query.Compiled{Path: path, Options: []query.Option{{Name: "$filter", Value: f}}}
		target = d.baseURL + c.String()
	}

	var req transport.Request
	if m.kind == kindInsert || m.kind == kindUpdate {
		body, err := response.ValidateInput(m.table, m.record, useIDs)
		if err != nil {
			return nil, err
		}
		if req, err = transport.NewJSONRequest(m.kind.method(), target, body); err != nil {
			return nil, fmt.Errorf("fmodata: %w", err)
		}
	} else {
		req = transport.NewRequest(m.kind.method(), target)
	}

	var extra []string
	switch {
	case m.kind == kindDelete || m.kind == kindDeleteWhere:
	case m.returnsRecord(d):
		extra = append(extra, "return=representation")
	default:
		extra = append(extra, "return=minimal")
	}
	if p := prefer(useIDs, extra...); p != "" {
		req.Header.Set(transport.HeaderPrefer, p)
	}

	shape := response.Shape{Table: m.table, UseIDs: useIDs}
	return &prepared{
		req: req,
		decode: func(resp *transport.Response) (*Result, error) {
			res := &Result{Affected: affectedRows(resp), StatusCode: resp.StatusCode}
			if resp.StatusCode == http.StatusNoContent || len(resp.Body) == 0 {
				return res, nil
			}
			records, err := response.Process(resp.Body, shape, response.ExactlyOne)
			if err != nil {
				return nil, err
			}
			res.Records = records
			if res.Affected < 0 {
				res.Affected = 1
			}
			return res, nil
		},
	}, nil
}
