package filter

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nlstn/go-fmodata/internal/metadata"
)

// Untyped marks a value compared with a field whose kind is not declared,
// such as any field of a dynamic table. Literals are then formatted from the
// Go type alone.
const Untyped metadata.Kind = -1

// Literal encodes value as an OData literal for a field of the given kind.
// Strings compared with date, time and timestamp fields must already be in
// the wire format and are emitted bare. Times are formatted according to the
// kind and cannot be compared with text or number fields.
func Literal(value any, kind metadata.Kind) (string, error) {
	switch v := value.(type) {
	case nil:
		return "null", nil
	case string:
		return formatString(v, kind)
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.Itoa(v), nil
	case int8:
		return strconv.FormatInt(int64(v), 10), nil
	case int16:
		return strconv.FormatInt(int64(v), 10), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case float32:
		return formatFloat(float64(v))
	case float64:
		return formatFloat(v)
	case json.Number:
		// Result records decode numbers this way.
		d, err := decimal.NewFromString(v.String())
		if err != nil {
			return "", fmt.Errorf("invalid number %q", v.String())
		}
		return d.String(), nil
	case decimal.Decimal:
		return v.String(), nil
	case uuid.UUID:
		return quote(v.String()), nil
	case time.Time:
		return formatTime(v, kind)
	case fmt.Stringer:
		return quote(v.String()), nil
	default:
		return "", fmt.Errorf("unsupported literal type %T", value)
	}
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func formatFloat(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("non-finite number %v", f)
	}
	return strconv.FormatFloat(f, 'f', -1, 64), nil
}

func formatString(s string, kind metadata.Kind) (string, error) {
	var layout string
	switch kind {
	case metadata.KindDate:
		layout = time.DateOnly
	case metadata.KindTime:
		layout = time.TimeOnly
	case metadata.KindTimestamp:
		layout = time.RFC3339
	default:
		return quote(s), nil
	}
	if _, err := time.Parse(layout, s); err != nil {
		return "", fmt.Errorf("%q is not a valid %s value (want %s)", s, kind, layout)
	}
	return s, nil
}

func formatTime(t time.Time, kind metadata.Kind) (string, error) {
	switch kind {
	case metadata.KindDate:
		return t.Format(time.DateOnly), nil
	case metadata.KindTime:
		return t.Format(time.TimeOnly), nil
	case metadata.KindTimestamp, Untyped:
		return t.Format(time.RFC3339), nil
	default:
		return "", fmt.Errorf("time value cannot be compared with a %s field", kind)
	}
}
