// Package fmtest runs an in-process fake of the FileMaker OData API.
//
// Records are stored as JSON documents in an in-memory SQLite database
// through gorm. The server speaks enough of the dialect for the client's
// integration tests, including its quirks: bare ? tokens for null values,
// 204 responses carrying a body inside a batch, batch response boundaries
// that differ from the Content-Type header, and the schema-locked error.
package fmtest

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"gorm.io/gorm"
)

// ODataPrefix is the path prefix of every OData endpoint.
const ODataPrefix = "/fmi/odata/v4/"

// Table describes a table served by the fake.
type Table struct {
	Name string
	// ID is the table's FMTID, used when clients ask for entity IDs.
	ID string
	// Key is the primary key field. Inserts without it get a numeric key.
	Key string
	// FieldIDs maps field names to FMFIDs.
	FieldIDs map[string]string
	// Relations maps navigation names to related tables.
	Relations map[string]Relation
}

// Relation joins records where the target's ForeignField equals the
// source's LocalField.
type Relation struct {
	Target       string
	LocalField   string
	ForeignField string
}

// Quirks toggles vendor behaviours.
type Quirks struct {
	// QuestionMarkNulls writes null values as a bare ?.
	QuestionMarkNulls bool
	// NoContentWithBody answers PATCH inside a batch with 204 and a body.
	NoContentWithBody bool
	// MismatchedBoundary advertises a different boundary in the batch
	// response Content-Type than the one used in the body.
	MismatchedBoundary bool
}

// RecordedRequest is a request received by the fake, batch parts included.
type RecordedRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Server is the fake OData server.
type Server struct {
	*httptest.Server

	database string
	db       *gorm.DB
	logger   *slog.Logger
	quirks   Quirks
	token    string
	username string
	password string

	mu           sync.Mutex
	tables       map[string]*Table
	byID         map[string]string
	schemaLocked bool
	requests     []RecordedRequest
}

// Option configures a Server.
type Option func(*Server)

// WithDatabase sets the database name served under ODataPrefix. Defaults to
// "test".
func WithDatabase(name string) Option {
	return func(s *Server) { s.database = name }
}

// WithToken requires a bearer token.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithBasicAuth requires basic credentials.
func WithBasicAuth(username, password string) Option {
	return func(s *Server) { s.username, s.password = username, password }
}

// WithQuirks enables vendor quirks.
func WithQuirks(q Quirks) Option {
	return func(s *Server) { s.quirks = q }
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New starts a server that is closed when the test ends.
func New(t testing.TB, opts ...Option) *Server {
	t.Helper()
	db, err := openStore()
	if err != nil {
		t.Fatalf("fmtest: %v", err)
	}
	s := &Server{
		database: "test",
		db:       db,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		tables:   map[string]*Table{},
		byID:     map[string]string{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Server = httptest.NewServer(s)
	t.Cleanup(s.Close)
	return s
}

// Database returns the served database name.
func (s *Server) Database() string { return s.database }

// BaseURL returns the OData root of the served database.
func (s *Server) BaseURL() string {
	return s.URL + ODataPrefix + url.PathEscape(s.database) + "/"
}

// DefineTable registers a table.
func (s *Server) DefineTable(t Table) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := t
	s.tables[t.Name] = &copied
	if t.ID != "" {
		s.byID[t.ID] = t.Name
	}
}

// Seed inserts records keyed by field name.
func (s *Server) Seed(t testing.TB, table string, records ...map[string]any) {
	t.Helper()
	for _, rec := range records {
		if _, err := insert(s.db, table, rec); err != nil {
			t.Fatalf("fmtest: seed %s: %v", table, err)
		}
	}
}

// Records returns the stored records of table in insertion order.
func (s *Server) Records(t testing.TB, table string) []map[string]any {
	t.Helper()
	rows, err := list(s.db, table, listQuery{})
	if err != nil {
		t.Fatalf("fmtest: list %s: %v", table, err)
	}
	out := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, rec)
	}
	return out
}

// SetSchemaLocked makes every request fail with the schema-locked error.
func (s *Server) SetSchemaLocked(locked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemaLocked = locked
}

// Requests returns the requests received so far.
func (s *Server) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedRequest(nil), s.requests...)
}

func (s *Server) record(r *http.Request, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, RecordedRequest{
		Method: r.Method,
		URL:    r.URL.RequestURI(),
		Header: r.Header.Clone(),
		Body:   body,
	})
}

func (s *Server) authorized(r *http.Request) bool {
	switch {
	case s.token != "":
		return r.Header.Get("Authorization") == "Bearer "+s.token
	case s.username != "":
		user, pass, ok := r.BasicAuth()
		return ok && user == s.username && pass == s.password
	}
	return true
}

// ServeHTTP routes OData requests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "400", "unreadable body")
		return
	}
	s.record(r, body)

	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "212", "Invalid account/password")
		return
	}

	path, ok := s.resourcePath(r.URL.Path)
	if !ok {
		writeError(w, http.StatusNotFound, "802", "Unable to open file")
		return
	}

	if path == "$batch" {
		s.handleBatch(w, r, body)
		return
	}
	s.dispatch(w, r, s.db, path, body)
	s.logger.Debug("Handled request", "method", r.Method, "path", path)
}

func (s *Server) resourcePath(p string) (string, bool) {
	prefix := ODataPrefix + s.database + "/"
	if !strings.HasPrefix(p, prefix) {
		return "", false
	}
	return strings.TrimPrefix(p, prefix), true
}

// request is the decoded form of one OData request.
type request struct {
	table   *Table
	key     any
	hasKey  bool
	count   bool
	idMode  bool
	prefer  string
	options map[string]string
}

func (s *Server) parseRequest(r *http.Request, path string) (*request, int, error) {
	req := &request{prefer: r.Header.Get("Prefer")}
	req.idMode = strings.Contains(req.prefer, "fmodata.entity-ids")

	if strings.HasSuffix(path, "/$count") {
		req.count = true
		path = strings.TrimSuffix(path, "/$count")
	}
	name := path
	if open := strings.IndexByte(path, '('); open >= 0 {
		if !strings.HasSuffix(path, ")") {
			return nil, http.StatusBadRequest, fmt.Errorf("malformed key in %q", path)
		}
		key, err := parseKey(path[open+1 : len(path)-1])
		if err != nil {
			return nil, http.StatusBadRequest, err
		}
		name, req.key, req.hasKey = path[:open], key, true
	}

	s.mu.Lock()
	if logical, ok := s.byID[name]; ok {
		name = logical
	}
	table, ok := s.tables[name]
	s.mu.Unlock()
	if !ok {
		return nil, http.StatusNotFound, fmt.Errorf("table %q not found", name)
	}
	req.table = table

	opts, err := parseOptions(r.URL.RawQuery)
	if err != nil {
		return nil, http.StatusBadRequest, err
	}
	req.options = opts
	return req, 0, nil
}

// parseOptions splits a raw query string. url.ParseQuery is not used since
// it rejects the semicolons inside nested $expand options.
func parseOptions(raw string) (map[string]string, error) {
	opts := map[string]string{}
	if raw == "" {
		return opts, nil
	}
	for _, pair := range strings.Split(raw, "&") {
		key, value, _ := strings.Cut(pair, "=")
		decoded, err := url.PathUnescape(value)
		if err != nil {
			return nil, fmt.Errorf("invalid option %s: %w", key, err)
		}
		opts[key] = decoded
	}
	return opts, nil
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, tx *gorm.DB, path string, body []byte) {
	s.mu.Lock()
	locked := s.schemaLocked
	s.mu.Unlock()
	if locked {
		writeError(w, http.StatusInternalServerError, "303", "Database schema is in use by another user")
		return
	}

	req, status, err := s.parseRequest(r, path)
	if err != nil {
		writeError(w, status, strconv.Itoa(status), err.Error())
		return
	}

	switch {
	case r.Method == http.MethodGet && req.count:
		s.handleCount(w, tx, req)
	case r.Method == http.MethodGet && req.hasKey:
		s.handleEntity(w, tx, req)
	case r.Method == http.MethodGet:
		s.handleCollection(w, tx, req)
	case r.Method == http.MethodPost && !req.hasKey:
		s.handleInsert(w, tx, req, body)
	case r.Method == http.MethodPatch && req.hasKey:
		s.handleUpdate(w, tx, req, body)
	case r.Method == http.MethodDelete:
		s.handleDelete(w, tx, req)
	default:
		writeError(w, http.StatusMethodNotAllowed, "405", "method not allowed")
	}
}

// fromWire maps a field name or FMFID to the field name.
func (t *Table) fromWire(name string) string {
	for field, id := range t.FieldIDs {
		if id == name {
			return field
		}
	}
	return name
}

func (t *Table) toWire(name string, idMode bool) string {
	if idMode {
		if id, ok := t.FieldIDs[name]; ok {
			return id
		}
	}
	return name
}

func (s *Server) where(req *request) (*sqlClause, error) {
	raw, ok := req.options["$filter"]
	if !ok || raw == "" {
		return nil, nil
	}
	return translateFilter(raw, req.table.fromWire)
}

func (s *Server) handleCount(w http.ResponseWriter, tx *gorm.DB, req *request) {
	where, err := s.where(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "8309", err.Error())
		return
	}
	n, err := count(tx, req.table.Name, where)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "500", err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, strconv.FormatInt(n, 10))
}

func (s *Server) handleCollection(w http.ResponseWriter, tx *gorm.DB, req *request) {
	where, err := s.where(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "8309", err.Error())
		return
	}
	lq := listQuery{where: where}
	if v := req.options["$orderby"]; v != "" {
		for _, item := range strings.Split(v, ",") {
			field, dir, _ := strings.Cut(strings.TrimSpace(item), " ")
			lq.orderBy = append(lq.orderBy, orderItem{field: req.table.fromWire(field), desc: dir == "desc"})
		}
	}
	if lq.top, err = intOption(req.options, "$top"); err != nil {
		writeError(w, http.StatusBadRequest, "8309", err.Error())
		return
	}
	if lq.skip, err = intOption(req.options, "$skip"); err != nil {
		writeError(w, http.StatusBadRequest, "8309", err.Error())
		return
	}

	rows, err := list(tx, req.table.Name, lq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "500", err.Error())
		return
	}
	out, err := s.shapeRows(tx, req.table, rows, req.options, req.idMode)
	if err != nil {
		writeError(w, http.StatusBadRequest, "8309", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"@odata.context": "$metadata#" + req.table.Name,
		"value":          out,
	})
}

func intOption(opts map[string]string, name string) (int, error) {
	v, ok := opts[name]
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", name, v)
	}
	return n, nil
}

func (s *Server) handleEntity(w http.ResponseWriter, tx *gorm.DB, req *request) {
	if req.table.Key == "" {
		writeError(w, http.StatusBadRequest, "400", "table has no key")
		return
	}
	r, err := findByKey(tx, req.table.Name, req.table.Key, req.key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "500", err.Error())
		return
	}
	if r == nil {
		writeError(w, http.StatusNotFound, "101", "Record is missing")
		return
	}
	out, err := s.shapeRows(tx, req.table, []row{*r}, req.options, req.idMode)
	if err != nil {
		writeError(w, http.StatusBadRequest, "8309", err.Error())
		return
	}
	rec := out[0]
	rec["@odata.id"] = req.table.Name + "(" + fmt.Sprint(req.key) + ")"
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) decodeBody(t *Table, body []byte) (map[string]any, error) {
	var wire map[string]any
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	rec := make(map[string]any, len(wire))
	for k, v := range wire {
		rec[t.fromWire(k)] = v
	}
	return rec, nil
}

func (s *Server) handleInsert(w http.ResponseWriter, tx *gorm.DB, req *request, body []byte) {
	rec, err := s.decodeBody(req.table, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "400", err.Error())
		return
	}
	r, err := insert(tx, req.table.Name, rec)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "500", err.Error())
		return
	}
	if k := req.table.Key; k != "" && rec[k] == nil {
		rec[k] = r.ID
		if err := save(tx, r, rec); err != nil {
			writeError(w, http.StatusInternalServerError, "500", err.Error())
			return
		}
	}

	if strings.Contains(req.prefer, "return=minimal") {
		w.Header().Set("fmodata.affected_rows", "1")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	stored, _ := r.record()
	s.writeJSON(w, http.StatusCreated, s.toWireRecord(req.table, stored, req.idMode))
}

func (s *Server) handleUpdate(w http.ResponseWriter, tx *gorm.DB, req *request, body []byte) {
	patch, err := s.decodeBody(req.table, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "400", err.Error())
		return
	}
	r, err := findByKey(tx, req.table.Name, req.table.Key, req.key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "500", err.Error())
		return
	}
	if r == nil {
		writeError(w, http.StatusNotFound, "101", "Record is missing")
		return
	}
	rec, err := r.record()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "500", err.Error())
		return
	}
	for k, v := range patch {
		rec[k] = v
	}
	if err := save(tx, r, rec); err != nil {
		writeError(w, http.StatusInternalServerError, "500", err.Error())
		return
	}

	wire := s.toWireRecord(req.table, rec, req.idMode)
	w.Header().Set("fmodata.affected_rows", "1")
	switch {
	case strings.Contains(req.prefer, "return=representation"):
		s.writeJSON(w, http.StatusOK, wire)
	case s.quirks.NoContentWithBody:
		s.writeJSON(w, http.StatusNoContent, wire)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, tx *gorm.DB, req *request) {
	var where *sqlClause
	if req.hasKey {
		where = &sqlClause{sql: fieldExpr(req.table.Key) + " = ?", args: []any{req.key}}
	} else {
		var err error
		if where, err = s.where(req); err != nil {
			writeError(w, http.StatusBadRequest, "8309", err.Error())
			return
		}
		if where == nil {
			writeError(w, http.StatusBadRequest, "400", "refusing to delete without a filter")
			return
		}
	}
	n, err := remove(tx, req.table.Name, where)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "500", err.Error())
		return
	}
	if req.hasKey && n == 0 {
		writeError(w, http.StatusNotFound, "101", "Record is missing")
		return
	}
	w.Header().Set("fmodata.affected_rows", strconv.FormatInt(n, 10))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) toWireRecord(t *Table, rec map[string]any, idMode bool) map[string]any {
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		out[t.toWire(k, idMode)] = v
	}
	return out
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "500", err.Error())
		return
	}
	if s.quirks.QuestionMarkNulls {
		data = []byte(strings.ReplaceAll(string(data), ":null", ":?"))
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	data, _ := json.Marshal(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
