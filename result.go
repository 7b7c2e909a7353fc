package fmodata

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nlstn/go-fmodata/internal/transport"
)

// Result is the outcome of one operation.
type Result struct {
	// Records holds the decoded rows. Mutations that return a
	// representation hold the written record.
	Records []Record

	// Count is set by count queries.
	Count int64

	// Affected is the number of rows touched by a mutation, as reported by
	// the server. It is -1 when the server did not report it.
	Affected int

	// StatusCode is the HTTP status of the response.
	StatusCode int
}

// One returns the first record.
func (r *Result) One() (Record, bool) {
	if r == nil || len(r.Records) == 0 {
		return nil, false
	}
	return r.Records[0], true
}

// affectedRows reads the affected-rows header of a mutation response.
func affectedRows(resp *transport.Response) int {
	raw := resp.Header.Get(transport.HeaderAffectedRows)
	if raw == "" {
		return -1
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return n
}

// DecodeRecords converts records into values of T through their JSON form,
// so T's json tags apply. Aliased keys are matched like any other key.
func DecodeRecords[T any](records []Record) ([]T, error) {
	out := make([]T, 0, len(records))
	for i, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("fmodata: encode record %d: %w", i, err)
		}
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("fmodata: decode record %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}
