// Package transport sends requests to the OData API through an injectable
// HTTP client.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	servertiming "github.com/mitchellh/go-server-timing"

	"github.com/nlstn/go-fmodata/internal/fmerrors"
	"github.com/nlstn/go-fmodata/internal/observability"
)

// Header names used by the vendor API.
const (
	HeaderPrefer       = "Prefer"
	HeaderAffectedRows = "fmodata.affected_rows"
	HeaderServerTiming = "Server-Timing"
)

// Doer executes HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// DoerFunc adapts a function to Doer.
type DoerFunc func(req *http.Request) (*http.Response, error)

// Do calls f(req).
func (f DoerFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }

// Request is a fully built request: the unit both Send and the batch codec
// operate on.
type Request struct {
	Method string
	// URL is absolute.
	URL    string
	Header http.Header
	Body   []byte
}

// NewRequest builds a request with an empty header set.
func NewRequest(method, url string) Request {
	return Request{Method: method, URL: url, Header: http.Header{}}
}

// NewJSONRequest builds a request with a JSON body.
func NewJSONRequest(method, url string, body any) (Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return Request{}, fmt.Errorf("transport: encode body: %w", err)
	}
	req := NewRequest(method, url)
	req.Header.Set("Content-Type", "application/json")
	req.Body = data
	return req, nil
}

// HasBody reports whether the request carries a body.
func (r Request) HasBody() bool { return len(r.Body) > 0 }

// Response is a fully read response.
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
}

// Auth decorates outgoing requests with credentials.
type Auth interface {
	Apply(req *http.Request)
}

// BasicAuth authenticates with a FileMaker account.
type BasicAuth struct {
	Username string
	Password string
}

// Apply sets the Authorization header.
func (a BasicAuth) Apply(req *http.Request) { req.SetBasicAuth(a.Username, a.Password) }

// BearerAuth authenticates with an API key, such as an OttoFMS data key.
type BearerAuth struct {
	Token string
}

// Apply sets the Authorization header.
func (a BearerAuth) Apply(req *http.Request) { req.Header.Set("Authorization", "Bearer "+a.Token) }

// Client sends requests and classifies failures.
type Client struct {
	doer          Doer
	auth          Auth
	logger        *slog.Logger
	observability *observability.Config
}

// NewClient creates a client. A nil doer uses http.DefaultClient; a nil
// auth sends no credentials.
func NewClient(doer Doer, auth Auth) *Client {
	if doer == nil {
		doer = http.DefaultClient
	}
	return &Client{doer: doer, auth: auth, logger: slog.Default()}
}

// SetLogger sets the logger for the client.
func (c *Client) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	c.logger = logger
}

// SetObservability configures tracing and metrics.
func (c *Client) SetObservability(cfg *observability.Config) {
	c.observability = cfg
}

// Send executes req. Transport failures are returned as is; non-2xx
// responses are returned together with their classified error.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	ctx, span := c.observability.Tracer().StartRequest(ctx, req.Method, pathOf(req.URL))
	start := time.Now()

	resp, err := c.do(ctx, req)
	elapsed := time.Since(start)

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	c.observability.Metrics().RecordRequest(ctx, req.Method, status, elapsed)

	if err != nil {
		c.logger.Error("Request failed", "method", req.Method, "url", req.URL, "error", err)
		observability.EndSpan(span, status, err)
		return nil, err
	}

	c.logger.Debug("Request completed",
		"method", req.Method,
		"url", req.URL,
		"status", resp.StatusCode,
		"duration", elapsed,
	)
	c.logServerTiming(resp.Header)

	err = Classify(resp, req.URL)
	observability.EndSpan(span, status, err)
	return resp, err
}

func (c *Client) do(ctx context.Context, req Request) (*Response, error) {
	var body io.Reader
	if req.HasBody() {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	if c.auth != nil {
		c.auth.Apply(httpReq)
	}

	httpResp, err := c.doer.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("transport: %s %s: %w", req.Method, req.URL, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: read response: %w", err)
	}
	return &Response{
		StatusCode: httpResp.StatusCode,
		Status:     httpResp.Status,
		Header:     httpResp.Header,
		Body:       data,
	}, nil
}

func (c *Client) logServerTiming(header http.Header) {
	raw := header.Get(HeaderServerTiming)
	if raw == "" {
		return
	}
	parsed, err := servertiming.ParseHeader(raw)
	if err != nil {
		c.logger.Debug("Ignoring malformed Server-Timing header", "error", err)
		return
	}
	for _, m := range parsed.Metrics {
		c.logger.Debug("Server timing", "name", m.Name, "duration", m.Duration, "desc", m.Desc)
	}
}

// Classify returns nil for 2xx responses and a typed error otherwise.
func Classify(resp *Response, url string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmerrors.FromResponse(resp.StatusCode, resp.Status, url, resp.Body)
}

func pathOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.RawQuery == "" {
		return u.Path
	}
	return u.Path + "?" + u.RawQuery
}
