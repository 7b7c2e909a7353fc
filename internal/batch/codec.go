// Package batch encodes requests into an OData $batch body and decodes the
// multipart response.
//
// Consecutive non-GET requests are grouped into a changeset, which the server
// applies atomically. GET requests are sent as individual parts under the
// outer boundary.
package batch

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/textproto"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/nlstn/go-fmodata/internal/fmerrors"
	"github.com/nlstn/go-fmodata/internal/transport"
)

const (
	crlf = "\r\n"

	batchPrefix     = "batch_"
	changesetPrefix = "changeset_"

	// boundaryAttempts bounds how often a boundary is regenerated when it
	// happens to occur in a request body.
	boundaryAttempts = 3
)

// Envelope is an encoded batch request body.
type Envelope struct {
	Boundary string
	Body     []byte
	// Parts is the number of requests in the envelope.
	Parts int
}

// ContentType returns the Content-Type header for the envelope.
func (e *Envelope) ContentType() string {
	return "multipart/mixed; boundary=" + e.Boundary
}

// SubResponse is one decoded response, in request order.
type SubResponse struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
}

// newBoundary returns prefix followed by 32 random hex digits.
func newBoundary(prefix string) string {
	id := uuid.New()
	return prefix + hex.EncodeToString(id[:])
}

func collides(boundary string, reqs []transport.Request) bool {
	for _, r := range reqs {
		if bytes.Contains(r.Body, []byte(boundary)) {
			return true
		}
	}
	return false
}

// Encode packs reqs into one multipart/mixed body.
func Encode(reqs []transport.Request) (*Envelope, error) {
	if len(reqs) == 0 {
		return nil, &fmerrors.BatchError{Message: "no requests to encode"}
	}

	var lastErr error
	for attempt := 0; attempt < boundaryAttempts; attempt++ {
		env, err := encode(reqs)
		if err == nil {
			return env, nil
		}
		lastErr = err
	}
	return nil, &fmerrors.BatchError{Message: "could not choose a boundary absent from all bodies", Err: lastErr}
}

var errBoundaryCollision = errors.New("batch: boundary occurs in request body")

func encode(reqs []transport.Request) (*Envelope, error) {
	boundary := newBoundary(batchPrefix)
	if collides(boundary, reqs) {
		return nil, errBoundaryCollision
	}

	var buf bytes.Buffer
	var changeset []transport.Request
	flush := func() error {
		if len(changeset) == 0 {
			return nil
		}
		csBoundary := newBoundary(changesetPrefix)
		if collides(csBoundary, changeset) {
			return errBoundaryCollision
		}
		buf.WriteString("--" + boundary + crlf)
		buf.WriteString("Content-Type: multipart/mixed; boundary=" + csBoundary + crlf)
		buf.WriteString(crlf)
		for _, r := range changeset {
			buf.WriteString("--" + csBoundary + crlf)
			writePart(&buf, r)
		}
		buf.WriteString("--" + csBoundary + "--" + crlf)
		changeset = changeset[:0]
		return nil
	}

	for _, r := range reqs {
		if r.Method == http.MethodGet {
			if err := flush(); err != nil {
				return nil, err
			}
			buf.WriteString("--" + boundary + crlf)
			writePart(&buf, r)
			continue
		}
		changeset = append(changeset, r)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	buf.WriteString("--" + boundary + "--" + crlf)

	return &Envelope{Boundary: boundary, Body: buf.Bytes(), Parts: len(reqs)}, nil
}

// writePart writes one application/http part. A request with a body gets a
// single blank line, the body and the line break that belongs to the next
// boundary marker. A request without a body gets two blank lines.
func writePart(buf *bytes.Buffer, r transport.Request) {
	buf.WriteString("Content-Type: application/http" + crlf)
	buf.WriteString("Content-Transfer-Encoding: binary" + crlf)
	buf.WriteString(crlf)

	buf.WriteString(r.Method + " " + r.URL + " HTTP/1.1" + crlf)
	keys := make([]string, 0, len(r.Header))
	for key := range r.Header {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		for _, v := range r.Header[key] {
			buf.WriteString(key + ": " + v + crlf)
		}
	}

	if r.HasBody() {
		buf.WriteString(crlf)
		buf.Write(r.Body)
		buf.WriteString(crlf)
		return
	}
	buf.WriteString(crlf)
	buf.WriteString(crlf)
}

var statusLine = regexp.MustCompile(`^HTTP/\d(?:\.\d)?\s+(\d{3})(?:\s+(.*))?$`)

// Decode splits a $batch response body into n sub-responses. The outer
// boundary is read from the first marker line of the body, which does not
// necessarily match the boundary the request proposed; contentType is only
// consulted when the body has no leading marker.
func Decode(body []byte, contentType string, n int) ([]SubResponse, error) {
	text := normalizeNewlines(string(body))

	boundary := leadingBoundary(text)
	if boundary == "" {
		_, params, err := mime.ParseMediaType(contentType)
		if err == nil {
			boundary = params["boundary"]
		}
	}
	if boundary == "" {
		return nil, &fmerrors.BatchError{Message: "response has no multipart boundary", Expected: n, Received: n}
	}

	out, err := decodeParts(text, boundary, true)
	if err != nil {
		return nil, &fmerrors.BatchError{Message: "malformed response", Expected: n, Received: n, Err: err}
	}
	if len(out) != n {
		return nil, &fmerrors.BatchError{Message: "response count mismatch", Expected: n, Received: len(out)}
	}
	return out, nil
}

func normalizeNewlines(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

// leadingBoundary returns the boundary of the first "--" line, skipping
// leading blank lines.
func leadingBoundary(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "--") {
			return ""
		}
		return strings.TrimSuffix(strings.TrimPrefix(line, "--"), "--")
	}
	return ""
}

// decodeParts splits text on boundary. Nested multipart parts are expanded
// when allowNested is set; the vendor only nests one level.
func decodeParts(text, boundary string, allowNested bool) ([]SubResponse, error) {
	var out []SubResponse
	for _, part := range strings.Split(text, "--"+boundary) {
		trimmed := strings.TrimLeft(part, "\n")
		if strings.TrimSpace(trimmed) == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}

		header, rest := splitPartHeader(trimmed)
		mediaType, params, _ := mime.ParseMediaType(header.Get("Content-Type"))
		if strings.HasPrefix(mediaType, "multipart/") {
			if !allowNested {
				return nil, fmt.Errorf("changeset nested deeper than one level")
			}
			inner := leadingBoundary(rest)
			if inner == "" {
				inner = params["boundary"]
			}
			if inner == "" {
				return nil, fmt.Errorf("changeset without boundary")
			}
			nested, err := decodeParts(rest, inner, false)
			if err != nil {
				return nil, err
			}
			out = append(out, nested...)
			continue
		}

		sub, err := parseResponse(rest)
		if err != nil {
			return nil, fmt.Errorf("part %d: %w", len(out), err)
		}
		out = append(out, sub)
	}
	return out, nil
}

// splitPartHeader separates MIME part headers from the part content. Parts
// that start directly with a status line have no MIME headers.
func splitPartHeader(part string) (textproto.MIMEHeader, string) {
	header := textproto.MIMEHeader{}
	if statusLine.MatchString(firstLine(part)) {
		return header, part
	}
	head, rest, found := strings.Cut(part, "\n\n")
	if !found {
		return header, part
	}
	for _, line := range strings.Split(head, "\n") {
		if key, value, ok := strings.Cut(line, ":"); ok {
			header.Add(strings.TrimSpace(key), strings.TrimSpace(value))
		}
	}
	return header, strings.TrimLeft(rest, "\n")
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return strings.TrimSpace(line)
}

// parseResponse reads an embedded HTTP response: status line, headers up to
// the first blank line, then the body.
func parseResponse(content string) (SubResponse, error) {
	content = strings.TrimLeft(content, "\n")
	line, rest, _ := strings.Cut(content, "\n")
	m := statusLine.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return SubResponse{}, fmt.Errorf("invalid status line %q", strings.TrimSpace(line))
	}
	code, _ := strconv.Atoi(m[1])

	header := http.Header{}
	lines := strings.Split(rest, "\n")
	i := 0
	for ; i < len(lines); i++ {
		l := strings.TrimSpace(lines[i])
		if l == "" {
			i++
			break
		}
		key, value, ok := strings.Cut(l, ":")
		if !ok || !isHeaderName(key) {
			// Some parts omit the blank line before the body.
			break
		}
		header.Add(key, strings.TrimSpace(value))
	}
	body := ""
	if i < len(lines) {
		body = strings.Join(lines[i:], "\n")
	}

	payload := []byte(strings.TrimSpace(body))
	status := strings.TrimSpace(m[2])
	if code == http.StatusNoContent && len(payload) > 0 {
		code = http.StatusOK
		status = http.StatusText(http.StatusOK)
	}
	if status == "" {
		status = http.StatusText(code)
	}
	return SubResponse{StatusCode: code, Status: status, Header: header, Body: payload}, nil
}

func isHeaderName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r == '-' || r == '_' || r == '.' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' {
			continue
		}
		return false
	}
	return true
}

// Response converts a sub-response into a transport.Response.
func (s SubResponse) Response() *transport.Response {
	return &transport.Response{
		StatusCode: s.StatusCode,
		Status:     strconv.Itoa(s.StatusCode) + " " + s.Status,
		Header:     s.Header,
		Body:       s.Body,
	}
}
