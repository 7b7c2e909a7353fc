package fmodata

import (
	"context"
	"fmt"
	"net/http"

	"github.com/nlstn/go-fmodata/internal/batch"
	"github.com/nlstn/go-fmodata/internal/fmerrors"
	"github.com/nlstn/go-fmodata/internal/observability"
	"github.com/nlstn/go-fmodata/internal/transport"
)

// BatchResult is the outcome of one operation of a batch. Exactly one of
// Result and Err is set.
type BatchResult struct {
	Result *Result
	Err    error
}

// Batch sends ops in one $batch request and returns one BatchResult per
// operation, in order.
//
// Consecutive mutations are sent as one changeset. A failing operation only
// sets the Err of its own slot. Batch itself fails when an operation cannot
// be built, when the exchange fails, or when the server answers with a
// different number of responses than requests, which is how FileMaker
// reports a rolled back changeset.
func (d *Database) Batch(ctx context.Context, ops ...Operation) ([]BatchResult, error) {
	if len(ops) == 0 {
		return nil, &fmerrors.BatchError{Message: "no operations"}
	}

	preps := make([]*prepared, len(ops))
	reqs := make([]transport.Request, len(ops))
	for i, op := range ops {
		p, err := op.prepare(d)
		if err != nil {
			return nil, &fmerrors.BatchError{Message: fmt.Sprintf("operation %d could not be built", i), Err: err}
		}
		preps[i] = p
		reqs[i] = p.req
	}

	obs := d.conn.obs
	ctx, span := obs.Tracer().StartBatch(ctx, len(ops))
	obs.Metrics().RecordBatchSize(ctx, len(ops))

	results, status, err := d.sendBatch(ctx, preps, reqs)
	observability.EndSpan(span, status, err)
	return results, err
}

func (d *Database) sendBatch(ctx context.Context, preps []*prepared, reqs []transport.Request) ([]BatchResult, int, error) {
	env, err := batch.Encode(reqs)
	if err != nil {
		return nil, 0, err
	}

	req := transport.NewRequest(http.MethodPost, d.baseURL+"$batch")
	req.Header.Set("Content-Type", env.ContentType())
	req.Header.Set("Accept", "multipart/mixed")
	req.Body = env.Body

	resp, err := d.conn.client.Send(ctx, req)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, status, err
	}

	subs, err := batch.Decode(resp.Body, resp.Header.Get("Content-Type"), len(reqs))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	d.conn.logger.Debug("Batch decoded", "boundary", env.Boundary, "parts", len(subs))

	results := make([]BatchResult, len(subs))
	for i, sub := range subs {
		sr := sub.Response()
		if err := transport.Classify(sr, preps[i].req.URL); err != nil {
			results[i].Err = err
			continue
		}
		res, err := preps[i].decode(sr)
		if err != nil {
			results[i].Err = err
			continue
		}
		results[i].Result = res
	}
	return results, resp.StatusCode, nil
}
