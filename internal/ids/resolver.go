// Package ids maps logical table and field names to FileMaker's stable
// identifiers (FMTID/FMFID).
package ids

import (
	"github.com/nlstn/go-fmodata/internal/fmerrors"
	"github.com/nlstn/go-fmodata/internal/metadata"
)

// PreferHeader is the Prefer token asking the server to speak in identifiers.
const PreferHeader = "fmodata.entity-ids"

// Table returns the name to put on the wire for t.
func Table(t *metadata.Table, useIDs bool) string {
	if useIDs && t.HasIDs() {
		return t.ID()
	}
	return t.Name()
}

// Field returns the name to put on the wire for field name on t. Unknown
// fields (dynamic tables) are returned unchanged.
func Field(t *metadata.Table, name string, useIDs bool) string {
	if !useIDs {
		return name
	}
	if f, ok := t.Field(name); ok && f.ID != "" {
		return f.ID
	}
	return name
}

// Check rejects enabling identifiers for a table that has none, which would
// produce a URL mixing identifiers with plain names.
func Check(t *metadata.Table, useIDs bool) error {
	if useIDs && !t.HasIDs() {
		return fmerrors.Configf("identifiers requested for table %q, which declares none", t.Name())
	}
	return nil
}

// Resolve computes the database-wide default. When pinned is nil, the tables
// must agree: all with identifiers or all without. A pinned true requires
// every table to carry identifiers.
func Resolve(tables []*metadata.Table, pinned *bool) (bool, error) {
	var with, without []string
	for _, t := range tables {
		if t == nil {
			return false, fmerrors.Configf("nil table")
		}
		if t.IsDynamic() {
			continue
		}
		if t.HasIDs() {
			with = append(with, t.Name())
		} else {
			without = append(without, t.Name())
		}
	}

	if pinned != nil {
		if *pinned && len(without) > 0 {
			return false, fmerrors.Configf("entity identifiers enabled but tables %v declare none", without)
		}
		return *pinned, nil
	}

	if len(with) > 0 && len(without) > 0 {
		return false, fmerrors.Configf("tables %v use identifiers but %v do not; set UseEntityIDs explicitly", with, without)
	}
	return len(with) > 0, nil
}

// Reverse returns a map from field identifier to logical name.
func Reverse(t *metadata.Table) map[string]string {
	fields := t.Fields()
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		if f.ID != "" {
			out[f.ID] = f.Name
		}
	}
	return out
}
