package iso8583

import (
	"errors"
	"fmt"
)

var (
	// ErrSchemaNotFound indicates a registry lookup for an unknown schema.
	ErrSchemaNotFound = errors.New("schema not found")

	// ErrNoSchema indicates a codec operation on a message without a schema.
	ErrNoSchema = errors.New("message has no schema")

	// ErrFieldNotSet indicates a read of an absent field.
	ErrFieldNotSet = errors.New("field not set")

	// ErrTrailingBytes indicates undecoded bytes after the last field.
	ErrTrailingBytes = errors.New("trailing bytes after message")

	// ErrValueTooLong indicates a value that exceeds its field capacity.
	ErrValueTooLong = errors.New("value exceeds field capacity")

	// ErrMissingRequired indicates a required field with no value and no
	// schema default.
	ErrMissingRequired = errors.New("required field missing")
)

// ParseError reports a structural decode failure with the byte offset
// where the input stopped making sense.
type ParseError struct {
	Offset   int
	Expected string
	Got      string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at offset %d: expected %s, got %s", e.Offset, e.Expected, e.Got)
}

// BitmapError reports an invalid bitmap operation or rendering.
type BitmapError struct {
	Field  int
	Reason string
}

func (e *BitmapError) Error() string {
	if e.Field != 0 {
		return fmt.Sprintf("bitmap field %d: %s", e.Field, e.Reason)
	}
	return "bitmap: " + e.Reason
}

// FieldError wraps a per-field encode or decode failure with the field
// identity so callers can report which element of the message failed.
type FieldError struct {
	Id     string
	Number int
	Op     string
	Err    error
}

func (e *FieldError) Error() string {
	if e.Number > 0 {
		return fmt.Sprintf("field %d (%s): %s: %v", e.Number, e.Id, e.Op, e.Err)
	}
	return fmt.Sprintf("field %s: %s: %v", e.Id, e.Op, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}
