// Package response turns raw server payloads into validated records.
package response

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/nlstn/go-fmodata/internal/fmerrors"
)

// FileMaker emits a bare ? for some empty values (calculations with an
// invalid result, unset repetitions) where JSON requires null.
var (
	bareObjectValue = regexp.MustCompile(`(:\s*)\?(\s*[,}\]])`)
	bareArrayValue  = regexp.MustCompile(`([\[,]\s*)\?(\s*[,\]])`)
)

// maxSanitizePasses bounds the rewrite loop; each pass only shrinks the
// number of bare tokens.
const maxSanitizePasses = 64

// Sanitize replaces bare ? values with null.
func Sanitize(raw []byte) []byte {
	out := raw
	for i := 0; i < maxSanitizePasses; i++ {
		next := bareObjectValue.ReplaceAll(out, []byte("${1}null${2}"))
		next = bareArrayValue.ReplaceAll(next, []byte("${1}null${2}"))
		if bytes.Equal(next, out) {
			break
		}
		out = next
	}
	return out
}

// Parse sanitizes raw and decodes it. Numbers are kept as json.Number so no
// precision is lost before validators run.
func Parse(raw []byte) (any, error) {
	sanitized := Sanitize(raw)

	dec := json.NewDecoder(bytes.NewReader(sanitized))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, &fmerrors.ParseError{Sanitized: string(sanitized), Err: err}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &fmerrors.ParseError{Sanitized: string(sanitized), Err: errors.New("unexpected data after JSON value")}
	}
	return v, nil
}

// ParseCount decodes a $count response, which is a bare integer.
func ParseCount(raw []byte) (int64, error) {
	text := strings.TrimSpace(string(raw))
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, &fmerrors.ParseError{Sanitized: text, Err: err}
	}
	return n, nil
}
