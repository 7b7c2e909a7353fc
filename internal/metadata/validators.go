package metadata

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/nlstn/go-fmodata/internal/fmerrors"
)

func issue(format string, args ...any) []fmerrors.Issue {
	return []fmerrors.Issue{{Message: fmt.Sprintf(format, args...)}}
}

// DecimalValidator converts numeric values to decimal.Decimal without going
// through float64. Nil passes through untouched.
var DecimalValidator Validator = ValidatorFunc(func(value any) (any, []fmerrors.Issue) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case decimal.Decimal:
		return v, nil
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		if err != nil {
			return nil, issue("invalid number %q", v.String())
		}
		return d, nil
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case string:
		// FileMaker returns "" for empty number fields on some layouts.
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return nil, issue("invalid number %q", v)
		}
		return d, nil
	default:
		return nil, issue("expected number, got %T", value)
	}
})

// TrimValidator trims surrounding whitespace from string values.
var TrimValidator Validator = ValidatorFunc(func(value any) (any, []fmerrors.Issue) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		return strings.TrimSpace(v), nil
	default:
		return nil, issue("expected string, got %T", value)
	}
})

// RequiredValidator rejects nil and empty string values.
var RequiredValidator Validator = ValidatorFunc(func(value any) (any, []fmerrors.Issue) {
	if value == nil {
		return nil, issue("required")
	}
	if s, ok := value.(string); ok && s == "" {
		return nil, issue("required")
	}
	return value, nil
})

// Chain runs validators in order, feeding each the previous output. It stops
// at the first validator reporting issues.
func Chain(validators ...Validator) Validator {
	return ValidatorFunc(func(value any) (any, []fmerrors.Issue) {
		for _, v := range validators {
			var issues []fmerrors.Issue
			value, issues = v.Validate(value)
			if len(issues) > 0 {
				return nil, issues
			}
		}
		return value, nil
	})
}
