package metadata

import "github.com/nlstn/go-fmodata/internal/fmerrors"

// Kind is the declared value type of a field.
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindDate
	KindTime
	KindTimestamp
	// KindContainer holds binary data. Container fields must be fetched one
	// record at a time and are never part of a bulk selection.
	KindContainer
)

// String returns the FileMaker name of the kind.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "text"
	case KindNumber:
		return "number"
	case KindDate:
		return "date"
	case KindTime:
		return "time"
	case KindTimestamp:
		return "timestamp"
	case KindContainer:
		return "container"
	default:
		return "unknown"
	}
}

// Validator validates and transforms a single value. It returns the
// transformed value, or the issues found.
type Validator interface {
	Validate(value any) (any, []fmerrors.Issue)
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(value any) (any, []fmerrors.Issue)

// Validate calls f(value).
func (f ValidatorFunc) Validate(value any) (any, []fmerrors.Issue) {
	return f(value)
}

// Field describes one column of a table. Option methods use value receivers
// and return modified copies, so a Field can be shared freely.
type Field struct {
	Name       string
	Kind       Kind
	Nullable   bool
	PrimaryKey bool
	ReadOnly   bool
	// ID is the stable FMFID identifier, empty when not configured.
	ID      string
	Comment string

	// ReadValidator runs on values coming back from the server.
	ReadValidator Validator
	// WriteValidator runs on values sent in insert and update bodies.
	WriteValidator Validator
}

func newField(name string, kind Kind) Field {
	return Field{Name: name, Kind: kind, Nullable: true}
}

// Text declares a text field.
func Text(name string) Field { return newField(name, KindString) }

// Number declares a number field.
func Number(name string) Field { return newField(name, KindNumber) }

// Date declares a date field.
func Date(name string) Field { return newField(name, KindDate) }

// Time declares a time-of-day field.
func Time(name string) Field { return newField(name, KindTime) }

// Timestamp declares a timestamp field.
func Timestamp(name string) Field { return newField(name, KindTimestamp) }

// Container declares a container (binary) field.
func Container(name string) Field { return newField(name, KindContainer) }

// WithID sets the stable field identifier.
func (f Field) WithID(id string) Field {
	f.ID = id
	return f
}

// NotNull marks the field as required.
func (f Field) NotNull() Field {
	f.Nullable = false
	return f
}

// AsPrimaryKey marks the field as the primary key. Primary keys are not null.
func (f Field) AsPrimaryKey() Field {
	f.PrimaryKey = true
	f.Nullable = false
	return f
}

// AsReadOnly marks the field as read-only (calculations, auto-enter serials).
func (f Field) AsReadOnly() Field {
	f.ReadOnly = true
	return f
}

// WithComment attaches a free-text annotation.
func (f Field) WithComment(comment string) Field {
	f.Comment = comment
	return f
}

// ReadWith sets the read validator.
func (f Field) ReadWith(v Validator) Field {
	f.ReadValidator = v
	return f
}

// WriteWith sets the write validator.
func (f Field) WriteWith(v Validator) Field {
	f.WriteValidator = v
	return f
}

// Selectable reports whether the field may appear in a bulk $select.
func (f Field) Selectable() bool {
	return f.Kind != KindContainer
}
