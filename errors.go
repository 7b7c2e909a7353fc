package fmodata

import "github.com/nlstn/go-fmodata/internal/fmerrors"

type (
	HTTPError                = fmerrors.HTTPError
	ODataError               = fmerrors.ODataError
	SchemaLockedError        = fmerrors.SchemaLockedError
	ProtocolError            = fmerrors.ProtocolError
	ValidationError          = fmerrors.ValidationError
	Issue                    = fmerrors.Issue
	ResponseStructureError   = fmerrors.ResponseStructureError
	RecordCountMismatchError = fmerrors.RecordCountMismatchError
	BatchError               = fmerrors.BatchError
	ConfigError              = fmerrors.ConfigError
	ParseError               = fmerrors.ParseError
)

var (
	ErrNotFound     = fmerrors.ErrNotFound
	ErrUnauthorized = fmerrors.ErrUnauthorized
	ErrForbidden    = fmerrors.ErrForbidden
	ErrClient       = fmerrors.ErrClient
	ErrServer       = fmerrors.ErrServer
	ErrConfig       = fmerrors.ErrConfig
)

// SchemaLockedCode is the FileMaker error code for a locked schema.
const SchemaLockedCode = fmerrors.SchemaLockedCode

func configf(format string, args ...any) error {
	return fmerrors.Configf(format, args...)
}
