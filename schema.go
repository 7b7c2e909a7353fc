package fmodata

import (
	"github.com/nlstn/go-fmodata/internal/filter"
	"github.com/nlstn/go-fmodata/internal/metadata"
	"github.com/nlstn/go-fmodata/internal/query"
	"github.com/nlstn/go-fmodata/internal/response"
)

// Table and field descriptors.
type (
	Table         = metadata.Table
	TableOption   = metadata.TableOption
	Field         = metadata.Field
	Kind          = metadata.Kind
	Validator     = metadata.Validator
	ValidatorFunc = metadata.ValidatorFunc
	SelectMode    = metadata.SelectMode
)

const (
	SelectAll    = metadata.SelectAll
	SelectSchema = metadata.SelectSchema
	SelectList   = metadata.SelectList
)

var (
	NewTable          = metadata.NewTable
	MustTable         = metadata.MustTable
	DynamicTable      = metadata.Dynamic
	WithTableID       = metadata.WithTableID
	WithNavigation    = metadata.WithNavigation
	WithDefaultSelect = metadata.WithDefaultSelect
	Text              = metadata.Text
	Number            = metadata.Number
	Date              = metadata.Date
	Time              = metadata.Time
	Timestamp         = metadata.Timestamp
	Container         = metadata.Container
	Chain             = metadata.Chain
	DecimalValidator  = metadata.DecimalValidator
	TrimValidator     = metadata.TrimValidator
	RequiredValidator = metadata.RequiredValidator
)

// Filter expressions.
type Expr = filter.Expr

var (
	Eq         = filter.Eq
	Ne         = filter.Ne
	Lt         = filter.Lt
	Le         = filter.Le
	Gt         = filter.Gt
	Ge         = filter.Ge
	IsNull     = filter.IsNull
	Contains   = filter.Contains
	StartsWith = filter.StartsWith
	EndsWith   = filter.EndsWith
	And        = filter.And
	Or         = filter.Or
	Not        = filter.Not
	Raw        = filter.Raw
)

// Builder configures a nested expand. See Query.Expand.
type Builder = query.Builder

// Selected maps a source field to its output key.
type Selected = response.Selected

// Alias selects source and returns it under output.
func Alias(output, source string) Selected { return query.Alias(output, source) }

// Record is one decoded row, keyed by field name or alias.
type Record = response.Record

// DefaultTop is the page size of list queries that never call Top.
const DefaultTop = query.DefaultTop
