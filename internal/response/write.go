package response

import (
	"sort"

	"github.com/nlstn/go-fmodata/internal/fmerrors"
	"github.com/nlstn/go-fmodata/internal/ids"
	"github.com/nlstn/go-fmodata/internal/metadata"
)

// ValidateInput prepares an insert or update body: unknown and read-only
// fields are rejected, write validators run, and keys are translated to
// identifiers when useIDs is set. Every issue is reported at once.
func ValidateInput(table *metadata.Table, input Record, useIDs bool) (Record, error) {
	keys := make([]string, 0, len(input))
	for key := range input {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make(Record, len(input))
	var issues []fmerrors.Issue
	for _, key := range keys {
		value := input[key]
		if !table.HasField(key) {
			issues = append(issues, fmerrors.Issue{Path: []string{key}, Message: "unknown field"})
			continue
		}

		f, declared := table.Field(key)
		if declared {
			if f.ReadOnly {
				issues = append(issues, fmerrors.Issue{Path: []string{key}, Message: "field is read-only"})
				continue
			}
			if f.Kind == metadata.KindContainer {
				issues = append(issues, fmerrors.Issue{Path: []string{key}, Message: "container fields must be uploaded separately"})
				continue
			}
			if value == nil && !f.Nullable {
				issues = append(issues, fmerrors.Issue{Path: []string{key}, Message: "required"})
				continue
			}
			if f.WriteValidator != nil {
				validated, fieldIssues := f.WriteValidator.Validate(value)
				if len(fieldIssues) > 0 {
					issues = append(issues, prefixIssues(fieldIssues, []string{key})...)
					continue
				}
				value = validated
			}
		}

		out[ids.Field(table, key, useIDs)] = value
	}

	if len(issues) > 0 {
		return nil, &fmerrors.ValidationError{Issues: issues, Value: input}
	}
	return out, nil
}
