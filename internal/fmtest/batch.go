package fmtest

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"

	"gorm.io/gorm"
)

// batchRequest is a single request within a batch.
type batchRequest struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte
}

// batchResponse is a single response within a batch. Changeset responses
// are nested under their own boundary.
type batchResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Changeset  []batchResponse
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request, body []byte) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "405", "Only POST is supported for $batch")
		return
	}

	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		writeError(w, http.StatusBadRequest, "400", "$batch requests must use multipart/mixed with a boundary")
		return
	}

	reader := multipart.NewReader(bytes.NewReader(body), params["boundary"])
	var responses []batchResponse
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "400", fmt.Sprintf("Failed to read batch part: %v", err))
			return
		}

		partType, partParams, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			responses = append(responses, errorResponse(http.StatusBadRequest, "Invalid part Content-Type"))
			continue
		}

		if strings.HasPrefix(partType, "multipart/") {
			responses = append(responses, batchResponse{Changeset: s.processChangeset(r, part, partParams["boundary"])})
			continue
		}

		req, err := parseHTTPRequest(part)
		if err != nil {
			responses = append(responses, errorResponse(http.StatusBadRequest, fmt.Sprintf("Failed to parse request: %v", err)))
			continue
		}
		responses = append(responses, s.executeRequest(r, req, s.db))
	}

	s.writeBatchResponse(w, responses)
}

// processChangeset runs every request of a changeset in one transaction.
// Processing stops at the first failure, the transaction is rolled back and
// the failing response replaces the whole changeset.
func (s *Server) processChangeset(parent *http.Request, r io.Reader, boundary string) []batchResponse {
	reader := multipart.NewReader(r, boundary)
	var responses []batchResponse

	tx := s.db.Begin()
	if tx.Error != nil {
		return []batchResponse{errorResponse(http.StatusInternalServerError, "Failed to start transaction")}
	}

	hasError := false
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			hasError = true
			responses = append(responses, errorResponse(http.StatusBadRequest, fmt.Sprintf("Failed to read changeset part: %v", err)))
			break
		}

		req, err := parseHTTPRequest(part)
		if err != nil {
			hasError = true
			responses = append(responses, errorResponse(http.StatusBadRequest, fmt.Sprintf("Failed to parse request: %v", err)))
			break
		}

		resp := s.executeRequest(parent, req, tx)
		responses = append(responses, resp)
		if resp.StatusCode >= 400 {
			hasError = true
			break
		}
	}

	if hasError {
		tx.Rollback()
		return responses[len(responses)-1:]
	}
	if err := tx.Commit().Error; err != nil {
		tx.Rollback()
		return []batchResponse{errorResponse(http.StatusInternalServerError, "Failed to commit transaction")}
	}
	return responses
}

// parseHTTPRequest parses an HTTP request from a multipart part.
func parseHTTPRequest(r io.Reader) (*batchRequest, error) {
	reader := bufio.NewReader(r)

	requestLine, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read request line: %w", err)
	}
	requestLine = strings.TrimRight(requestLine, "\r\n")
	if requestLine == "" {
		return nil, fmt.Errorf("empty request")
	}

	method, rest, ok := strings.Cut(requestLine, " ")
	if !ok {
		return nil, fmt.Errorf("invalid request line: %s", requestLine)
	}
	reqURL := rest
	if lastSpace := strings.LastIndexByte(rest, ' '); lastSpace != -1 && strings.HasPrefix(rest[lastSpace+1:], "HTTP/") {
		reqURL = rest[:lastSpace]
	}
	if reqURL == "" {
		return nil, fmt.Errorf("invalid request line: %s", requestLine)
	}

	tp := textproto.NewReader(reader)
	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read headers: %w", err)
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}

	return &batchRequest{
		Method:  method,
		URL:     reqURL,
		Headers: http.Header(mimeHeader),
		Body:    bytes.TrimSpace(body),
	}, nil
}

// executeRequest runs one sub-request against tx and records the response.
func (s *Server) executeRequest(parent *http.Request, req *batchRequest, tx *gorm.DB) batchResponse {
	httpReq := httptest.NewRequest(req.Method, req.URL, bytes.NewReader(req.Body))
	for key, values := range req.Headers {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	if httpReq.Header.Get("Authorization") == "" {
		httpReq.Header.Set("Authorization", parent.Header.Get("Authorization"))
	}
	s.record(httpReq, req.Body)

	recorder := httptest.NewRecorder()
	path, ok := s.resourcePath(httpReq.URL.Path)
	if !ok {
		writeError(recorder, http.StatusNotFound, "802", "Unable to open file")
	} else {
		s.dispatch(recorder, httpReq, tx, path, req.Body)
	}

	return batchResponse{
		StatusCode: recorder.Code,
		Headers:    recorder.Header(),
		Body:       recorder.Body.Bytes(),
	}
}

func errorResponse(statusCode int, message string) batchResponse {
	rec := httptest.NewRecorder()
	writeError(rec, statusCode, fmt.Sprint(statusCode), message)
	return batchResponse{StatusCode: statusCode, Headers: rec.Header(), Body: rec.Body.Bytes()}
}

// writeBatchResponse writes the multipart response. The body uses its own
// boundary; with MismatchedBoundary the header advertises another one.
func (s *Server) writeBatchResponse(w http.ResponseWriter, responses []batchResponse) {
	boundary := "batchresponse_" + generateBoundary()
	advertised := boundary
	if s.quirks.MismatchedBoundary {
		advertised = "batchresponse_" + generateBoundary()
	}

	var buf bytes.Buffer
	for _, resp := range responses {
		fmt.Fprintf(&buf, "--%s\r\n", boundary)
		if resp.Changeset != nil {
			cs := "changesetresponse_" + generateBoundary()
			fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%s\r\n\r\n", cs)
			for _, inner := range resp.Changeset {
				fmt.Fprintf(&buf, "--%s\r\n", cs)
				writeResponsePart(&buf, inner)
			}
			fmt.Fprintf(&buf, "--%s--\r\n", cs)
			continue
		}
		writeResponsePart(&buf, resp)
	}
	fmt.Fprintf(&buf, "--%s--\r\n", boundary)

	w.Header().Set("Content-Type", "multipart/mixed; boundary="+advertised)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.logger.Error("Error writing batch response", "error", err)
	}
}

func writeResponsePart(buf *bytes.Buffer, resp batchResponse) {
	buf.WriteString("Content-Type: application/http\r\n")
	buf.WriteString("Content-Transfer-Encoding: binary\r\n\r\n")
	fmt.Fprintf(buf, "HTTP/1.1 %d %s\r\n", resp.StatusCode, http.StatusText(resp.StatusCode))
	for key, values := range resp.Headers {
		for _, value := range values {
			fmt.Fprintf(buf, "%s: %s\r\n", key, value)
		}
	}
	buf.WriteString("\r\n")
	buf.Write(resp.Body)
	buf.WriteString("\r\n")
}

// generateBoundary generates a random boundary string.
func generateBoundary() string {
	buf := make([]byte, 12)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
