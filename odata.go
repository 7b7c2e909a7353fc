// Package fmodata is a client for the OData API of FileMaker Server.
//
// Tables are described once with NewTable and typed fields, grouped into a
// Database, and queried with an immutable builder:
//
//	conn, err := fmodata.NewConnection(fmodata.ConnectionConfig{
//	    ServerURL: "https://fm.example.com",
//	    Auth:      fmodata.BearerAuth{Token: os.Getenv("OTTO_API_KEY")},
//	})
//	contacts := fmodata.MustTable("contacts", []fmodata.Field{
//	    fmodata.Text("id").AsPrimaryKey(),
//	    fmodata.Text("name"),
//	})
//	db, err := conn.Database("CRM", []*fmodata.Table{contacts})
//	res, err := db.From(contacts).Where(fmodata.Eq("name", "Ada")).Execute(ctx)
//
// # Entity IDs
//
// Tables may carry FileMaker's stable identifiers (FMTID for the table,
// FMFID for each field). When every table of a database declares them, the
// client addresses tables and fields by identifier so that renames in the
// FileMaker schema do not break queries, and maps the identifier-keyed
// responses back to field names. Identifier coverage is all-or-nothing per
// table and is checked when the table is built.
//
// # Errors
//
// Every operation returns (value, error). HTTP failures are *HTTPError
// and match ErrNotFound, ErrUnauthorized and the other sentinels with
// errors.Is. OData error bodies become *ODataError, and the schema-locked
// code becomes *SchemaLockedError. Response problems are reported as
// *ParseError, *ResponseStructureError, *RecordCountMismatchError or
// *ValidationError.
//
// # Batches
//
// Database.Batch sends several operations in one $batch request. Runs of
// inserts, updates and deletes are grouped into changesets that the server
// applies atomically. Each operation's result is decoded by that operation,
// so one failing slot does not affect the others.
package fmodata

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/nlstn/go-fmodata/internal/ids"
	"github.com/nlstn/go-fmodata/internal/metadata"
	"github.com/nlstn/go-fmodata/internal/observability"
	"github.com/nlstn/go-fmodata/internal/transport"
)

// DefaultTimeout is the request timeout of the HTTP client created when
// ConnectionConfig.HTTPClient is nil.
const DefaultTimeout = 30 * time.Second

// odataPath is the path of the OData API below the server URL.
const odataPath = "/fmi/odata/v4/"

type (
	// Doer executes HTTP requests. *http.Client satisfies it.
	Doer = transport.Doer
	// DoerFunc adapts a function to Doer.
	DoerFunc = transport.DoerFunc
	// Auth decorates outgoing requests with credentials.
	Auth = transport.Auth
	// BasicAuth authenticates with a FileMaker account.
	BasicAuth = transport.BasicAuth
	// BearerAuth authenticates with an API key, such as an OttoFMS data key.
	BearerAuth = transport.BearerAuth
)

// ConnectionConfig configures a Connection.
type ConnectionConfig struct {
	// ServerURL is the scheme and host of the FileMaker server, for example
	// "https://fm.example.com". Required.
	ServerURL string

	// Auth supplies credentials. Nil sends unauthenticated requests.
	Auth Auth

	// HTTPClient executes requests. Defaults to an *http.Client with
	// DefaultTimeout.
	HTTPClient Doer

	// Logger receives request logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// Connection is a connection to one FileMaker server. It is safe for
// concurrent use.
type Connection struct {
	serverURL string
	client    *transport.Client
	logger    *slog.Logger
	obs       *observability.Config
}

// NewConnection validates cfg and creates a connection.
func NewConnection(cfg ConnectionConfig) (*Connection, error) {
	if cfg.ServerURL == "" {
		return nil, configf("server URL is required")
	}
	u, err := url.Parse(cfg.ServerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, configf("invalid server URL %q", cfg.ServerURL)
	}

	doer := cfg.HTTPClient
	if doer == nil {
		doer = &http.Client{Timeout: DefaultTimeout}
	}

	c := &Connection{
		serverURL: strings.TrimRight(cfg.ServerURL, "/"),
		client:    transport.NewClient(doer, cfg.Auth),
	}
	if err := c.SetLogger(cfg.Logger); err != nil {
		return nil, err
	}
	return c, nil
}

// MustConnection is like NewConnection but panics on configuration errors.
func MustConnection(cfg ConnectionConfig) *Connection {
	c, err := NewConnection(cfg)
	if err != nil {
		panic(err)
	}
	return c
}

// SetLogger sets the logger used for request logs. Nil restores
// slog.Default().
func (c *Connection) SetLogger(logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	c.logger = logger
	c.client.SetLogger(logger)
	return nil
}

// ObservabilityConfig configures OpenTelemetry instrumentation.
type ObservabilityConfig struct {
	// TracerProvider supplies the tracer. Defaults to the global provider.
	TracerProvider trace.TracerProvider

	// MeterProvider supplies the meter. Defaults to the global provider.
	MeterProvider metric.MeterProvider

	// ServiceName is reported as service.name on spans.
	ServiceName string

	// ServiceVersion is reported as service.version on spans.
	ServiceVersion string
}

// SetObservability enables tracing and metrics for every request sent
// through the connection.
//
// Requests produce "fmodata.request" spans and batches "fmodata.batch"
// spans. The counter fmodata.client.requests and the histograms
// fmodata.client.duration and fmodata.client.batch.size are recorded on
// the meter.
//
// Example:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	defer tp.Shutdown(ctx)
//
//	err := conn.SetObservability(fmodata.ObservabilityConfig{
//	    TracerProvider: tp,
//	    ServiceName:    "crm-sync",
//	})
func (c *Connection) SetObservability(cfg ObservabilityConfig) error {
	opts := []observability.Option{observability.WithLogger(c.logger)}
	if cfg.TracerProvider != nil {
		opts = append(opts, observability.WithTracerProvider(cfg.TracerProvider))
	}
	if cfg.MeterProvider != nil {
		opts = append(opts, observability.WithMeterProvider(cfg.MeterProvider))
	}
	if cfg.ServiceName != "" {
		opts = append(opts, observability.WithServiceName(cfg.ServiceName))
	}
	if cfg.ServiceVersion != "" {
		opts = append(opts, observability.WithServiceVersion(cfg.ServiceVersion))
	}

	obsCfg := observability.NewConfig(opts...)
	if err := obsCfg.Initialize(); err != nil {
		return fmt.Errorf("fmodata: failed to initialize observability: %w", err)
	}
	c.obs = obsCfg
	c.client.SetObservability(obsCfg)

	c.logger.Info("Observability configured",
		"tracing_enabled", cfg.TracerProvider != nil,
		"metrics_enabled", cfg.MeterProvider != nil,
		"service_name", cfg.ServiceName,
	)
	return nil
}

// DatabaseOption configures a Database.
type DatabaseOption func(*databaseOptions)

type databaseOptions struct {
	useEntityIDs *bool
	minimal      bool
}

// WithEntityIDs pins the identifier mode instead of deriving it from the
// tables. Enabling it requires every table to declare identifiers;
// disabling it allows a database to mix tables with and without them.
func WithEntityIDs(enabled bool) DatabaseOption {
	return func(o *databaseOptions) { o.useEntityIDs = &enabled }
}

// WithReturnMinimal asks the server not to echo inserted records.
func WithReturnMinimal() DatabaseOption {
	return func(o *databaseOptions) { o.minimal = true }
}

// Database binds a connection to one FileMaker file and its tables.
type Database struct {
	conn    *Connection
	name    string
	baseURL string
	tables  map[string]*metadata.Table
	useIDs  bool
	minimal bool
}

// Database validates the identifier configuration of tables and returns a
// handle for the named database. Mixing tables with and without
// identifiers is a *ConfigError unless WithEntityIDs(false) is given.
func (c *Connection) Database(name string, tables []*Table, opts ...DatabaseOption) (*Database, error) {
	if name == "" {
		return nil, configf("database name is required")
	}
	var o databaseOptions
	for _, opt := range opts {
		opt(&o)
	}

	useIDs, err := ids.Resolve(tables, o.useEntityIDs)
	if err != nil {
		return nil, err
	}

	registry := make(map[string]*metadata.Table, len(tables))
	for _, t := range tables {
		if _, dup := registry[t.Name()]; dup {
			return nil, configf("database %q: duplicate table %q", name, t.Name())
		}
		registry[t.Name()] = t
	}

	c.logger.Debug("Database configured", "database", name, "tables", len(tables), "entity_ids", useIDs)
	return &Database{
		conn:    c,
		name:    name,
		baseURL: c.serverURL + odataPath + url.PathEscape(name) + "/",
		tables:  registry,
		useIDs:  useIDs,
		minimal: o.minimal,
	}, nil
}

// Name returns the database name.
func (d *Database) Name() string { return d.name }

// BaseURL returns the OData root of the database, ending in a slash.
func (d *Database) BaseURL() string { return d.baseURL }

// UsesEntityIDs reports the database-wide identifier mode.
func (d *Database) UsesEntityIDs() bool { return d.useIDs }

// Table returns a registered table by name.
func (d *Database) Table(name string) (*Table, bool) {
	t, ok := d.tables[name]
	return t, ok
}

// prefer builds the Prefer header value.
func prefer(useIDs bool, extra ...string) string {
	var parts []string
	if useIDs {
		parts = append(parts, ids.PreferHeader)
	}
	parts = append(parts, extra...)
	return strings.Join(parts, ", ")
}
