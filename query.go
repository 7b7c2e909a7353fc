package fmodata

import (
	"context"
	"net/http"

	"github.com/nlstn/go-fmodata/internal/query"
	"github.com/nlstn/go-fmodata/internal/response"
	"github.com/nlstn/go-fmodata/internal/transport"
)

// Operation is a request that can be executed alone or as part of a batch.
// Queries and mutations implement it.
type Operation interface {
	prepare(d *Database) (*prepared, error)
}

// prepared is an operation turned into a request, together with the
// decoder for its response. In a batch each sub-response is handed to the
// decoder of the operation that produced the request.
type prepared struct {
	req    transport.Request
	decode func(resp *transport.Response) (*Result, error)
}

func (d *Database) execute(ctx context.Context, op Operation) (*Result, error) {
	p, err := op.prepare(d)
	if err != nil {
		return nil, err
	}
	resp, err := d.conn.client.Send(ctx, p.req)
	if err != nil {
		return nil, err
	}
	return p.decode(resp)
}

// Query reads records from one table. Like the builder behind it, a Query
// is a value: every method returns an updated copy.
type Query struct {
	db *Database
	b  query.Builder
}

// From starts a query on table. The table does not have to be registered
// with the database; dynamic tables from DynamicTable are accepted.
func (d *Database) From(table *Table) Query {
	return Query{db: d, b: query.New(table)}
}

func (q Query) with(b query.Builder) Query {
	q.b = b
	return q
}

// Select restricts the returned fields. Container fields cannot be
// selected.
func (q Query) Select(fields ...string) Query { return q.with(q.b.Select(fields...)) }

// SelectAs selects fields under different output keys. See Alias.
func (q Query) SelectAs(fields ...Selected) Query { return q.with(q.b.SelectAs(fields...)) }

// Filter replaces the filter.
func (q Query) Filter(expr Expr) Query { return q.with(q.b.Filter(expr)) }

// Where adds expr to the filter with and.
func (q Query) Where(expr Expr) Query { return q.with(q.b.Where(expr)) }

// OrderBy appends an ascending sort key.
func (q Query) OrderBy(field string) Query { return q.with(q.b.OrderBy(field)) }

// OrderByDesc appends a descending sort key.
func (q Query) OrderByDesc(field string) Query { return q.with(q.b.OrderByDesc(field)) }

// Top limits the number of records. Without it list queries are limited to
// DefaultTop.
func (q Query) Top(n int) Query { return q.with(q.b.Top(n)) }

// Skip skips the first n records.
func (q Query) Skip(n int) Query { return q.with(q.b.Skip(n)) }

// Expand includes related records from target through relation. configure
// may narrow the nested query; it receives a Builder for target.
//
//	db.From(contacts).Expand("invoices", invoices, func(b fmodata.Builder) fmodata.Builder {
//	    return b.Select("total").OrderByDesc("date").Top(5)
//	})
func (q Query) Expand(relation string, target *Table, configure func(Builder) Builder) Query {
	return q.with(q.b.Expand(relation, target, configure))
}

// Single requires exactly one record; anything else is a
// *RecordCountMismatchError.
func (q Query) Single() Query { return q.with(q.b.Single()) }

// MaybeSingle allows zero or one record.
func (q Query) MaybeSingle() Query { return q.with(q.b.MaybeSingle()) }

// UseEntityIDs overrides the database identifier mode for this query.
func (q Query) UseEntityIDs(enabled bool) Query { return q.with(q.b.UseIDs(enabled)) }

// WithAnnotations keeps @odata.* keys in the returned records.
func (q Query) WithAnnotations() Query { return q.with(q.b.WithAnnotations()) }

// ByKey addresses one record by primary key.
func (q Query) ByKey(key any) Query { return q.with(q.b.Key(key)) }

// Counting turns the query into a $count request. Execute then fills
// Result.Count.
func (q Query) Counting() Query { return q.with(q.b.Count()) }

// URL compiles the query and returns the full request URL.
func (q Query) URL() (string, error) {
	c, err := q.b.Build(q.db.useIDs)
	if err != nil {
		return "", err
	}
	return q.db.baseURL + c.String(), nil
}

// Execute sends the query.
func (q Query) Execute(ctx context.Context) (*Result, error) {
	return q.db.execute(ctx, q)
}

// Count returns the number of records matching the filter.
func (q Query) Count(ctx context.Context) (int64, error) {
	res, err := q.db.execute(ctx, q.Counting())
	if err != nil {
		return 0, err
	}
	return res.Count, nil
}

// Get fetches the record with the given primary key. A missing record is
// an error matching ErrNotFound.
func (q Query) Get(ctx context.Context, key any) (Record, error) {
	res, err := q.db.execute(ctx, q.ByKey(key))
	if err != nil {
		return nil, err
	}
	rec, _ := res.One()
	return rec, nil
}

func (q Query) prepare(d *Database) (*prepared, error) {
	c, err := q.b.Build(d.useIDs)
	if err != nil {
		return nil, err
	}

	req := transport.NewRequest(http.MethodGet, d.baseURL+c.String())
	if p := prefer(c.UseIDs); p != "" {
		req.Header.Set(transport.HeaderPrefer, p)
	}

	return &prepared{
		req: req,
		decode: func(resp *transport.Response) (*Result, error) {
			if c.Count {
				n, err := response.ParseCount(resp.Body)
				if err != nil {
					return nil, err
				}
				return &Result{Count: n, Affected: -1, StatusCode: resp.StatusCode}, nil
			}
			records, err := response.Process(resp.Body, c.Shape, c.Mode)
			if err != nil {
				return nil, err
			}
			return &Result{Records: records, Affected: -1, StatusCode: resp.StatusCode}, nil
		},
	}, nil
}
