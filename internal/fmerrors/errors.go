// Package fmerrors defines the error taxonomy shared by the fmodata client.
//
// Runtime failures (HTTP status, OData error bodies, malformed responses,
// validation issues, cardinality violations, batch framing) are returned as
// values. Configuration problems are reported through ConfigError by
// constructors, before any request is sent.
package fmerrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// SchemaLockedCode is the FileMaker error code reported while the database
// schema is being modified by another session.
const SchemaLockedCode = "303"

var (
	// ErrNotFound matches HTTP 404 responses.
	ErrNotFound = errors.New("fmodata: not found")

	// ErrUnauthorized matches HTTP 401 responses.
	ErrUnauthorized = errors.New("fmodata: unauthorized")

	// ErrForbidden matches HTTP 403 responses.
	ErrForbidden = errors.New("fmodata: forbidden")

	// ErrClient matches every 4xx response.
	ErrClient = errors.New("fmodata: client error")

	// ErrServer matches every 5xx response.
	ErrServer = errors.New("fmodata: server error")

	// ErrConfig matches every ConfigError.
	ErrConfig = errors.New("fmodata: invalid configuration")
)

// HTTPError represents a non-2xx response from the server.
type HTTPError struct {
	StatusCode int
	Status     string
	URL        string
	Body       []byte
}

func (e *HTTPError) Error() string {
	status := e.Status
	if status == "" {
		status = http.StatusText(e.StatusCode)
	}
	if e.URL == "" {
		return fmt.Sprintf("fmodata: HTTP %d %s", e.StatusCode, status)
	}
	return fmt.Sprintf("fmodata: HTTP %d %s (%s)", e.StatusCode, status, e.URL)
}

// Is reports whether target is one of the status sentinels matching this error.
func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrForbidden:
		return e.StatusCode == http.StatusForbidden
	case ErrClient:
		return e.StatusCode >= 400 && e.StatusCode < 500
	case ErrServer:
		return e.StatusCode >= 500
	}
	return false
}

// ODataError is a non-2xx response carrying a {"error":{"code","message"}} body.
type ODataError struct {
	HTTPError
	Code    string
	Message string
	Target  string
}

func (e *ODataError) Error() string {
	return fmt.Sprintf("fmodata: OData error %s: %s (HTTP %d)", e.Code, e.Message, e.StatusCode)
}

// Unwrap exposes the underlying HTTP error so status sentinels still match.
func (e *ODataError) Unwrap() error {
	return &e.HTTPError
}

// SchemaLockedError is returned when the server reports that the schema is
// locked by another session.
type SchemaLockedError struct {
	ODataError
}

func (e *SchemaLockedError) Error() string {
	return fmt.Sprintf("fmodata: schema locked: %s", e.Message)
}

// Unwrap exposes the OData error.
func (e *SchemaLockedError) Unwrap() error {
	return &e.ODataError
}

// ProtocolError is a non-2xx response whose body carries an error member
// that does not follow the OData error format.
type ProtocolError struct {
	HTTPError
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("fmodata: malformed OData error body: %s (HTTP %d)", e.Reason, e.StatusCode)
}

// Unwrap exposes the underlying HTTP error so status sentinels still match.
func (e *ProtocolError) Unwrap() error {
	return &e.HTTPError
}

// Issue is one problem reported by a validator.
type Issue struct {
	Path    []string
	Message string
}

func (i Issue) String() string {
	if len(i.Path) == 0 {
		return i.Message
	}
	return strings.Join(i.Path, ".") + ": " + i.Message
}

// ValidationError aggregates every issue found while validating one payload.
type ValidationError struct {
	Issues []Issue
	// Value is the raw value that failed validation.
	Value any
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "fmodata: validation failed"
	}
	if len(e.Issues) == 1 {
		return "fmodata: validation failed: " + e.Issues[0].String()
	}
	messages := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		messages = append(messages, "  - "+issue.String())
	}
	return "fmodata: validation failed:\n" + strings.Join(messages, "\n")
}

// ResponseStructureError reports a response body with an unexpected shape.
type ResponseStructureError struct {
	Expected string
	Received any
}

func (e *ResponseStructureError) Error() string {
	return fmt.Sprintf("fmodata: invalid response structure: expected %s, got %T", e.Expected, e.Received)
}

// RecordCountMismatchError reports a single-result query that matched the
// wrong number of records. Expected is "one" or "at-most-one".
type RecordCountMismatchError struct {
	Expected string
	Received int
}

func (e *RecordCountMismatchError) Error() string {
	return fmt.Sprintf("fmodata: expected %s record, received %d", e.Expected, e.Received)
}

// BatchError reports a batch that could not be executed or decoded as a whole.
type BatchError struct {
	Message  string
	Expected int
	Received int
	Err      error
}

func (e *BatchError) Error() string {
	msg := "fmodata: batch failed: " + e.Message
	if e.Expected != e.Received {
		msg = fmt.Sprintf("%s (expected %d responses, received %d)", msg, e.Expected, e.Received)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// ConfigError is a programming mistake detectable before any I/O.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return "fmodata: configuration error: " + e.Message
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig
}

// Configf builds a ConfigError.
func Configf(format string, args ...any) *ConfigError {
	return &ConfigError{Message: fmt.Sprintf(format, args...)}
}

// ParseError reports a body that is not valid JSON after sanitization.
type ParseError struct {
	Sanitized string
	Err       error
}

func (e *ParseError) Error() string {
	return "fmodata: failed to parse response: " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

type odataErrorBody struct {
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
	Target  string          `json:"target"`
}

// FromResponse classifies a non-2xx response. Bodies shaped like an OData
// error are promoted to ODataError, and the schema-locked code to
// SchemaLockedError. A JSON body whose error member has any other shape is
// a ProtocolError.
func FromResponse(statusCode int, status, url string, body []byte) error {
	httpErr := HTTPError{StatusCode: statusCode, Status: status, URL: url, Body: body}

	var envelope map[string]json.RawMessage
	if len(body) == 0 || json.Unmarshal(body, &envelope) != nil {
		return &httpErr
	}
	raw, ok := envelope["error"]
	if !ok {
		return &httpErr
	}

	var parsed odataErrorBody
	if err := json.Unmarshal(raw, &parsed); err != nil || string(raw) == "null" {
		return &ProtocolError{HTTPError: httpErr, Reason: "error member is not a {code, message} object"}
	}
	code, ok := decodeCode(parsed.Code)
	if !ok {
		return &ProtocolError{HTTPError: httpErr, Reason: "error code is neither a string nor a number"}
	}
	if code == "" && parsed.Message == "" {
		return &ProtocolError{HTTPError: httpErr, Reason: "error member has no code or message"}
	}

	odataErr := ODataError{
		HTTPError: httpErr,
		Code:      code,
		Message:   parsed.Message,
		Target:    parsed.Target,
	}
	if odataErr.Code == SchemaLockedCode {
		return &SchemaLockedError{ODataError: odataErr}
	}
	return &odataErr
}

// decodeCode accepts both "303" and 303, the server is not consistent.
func decodeCode(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return "", false
}
