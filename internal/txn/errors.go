package txn

import (
	"errors"
	"fmt"
)

// Category classifies a failure for the pipeline boundary, where each
// category maps to a wire response code and an audit treatment.
type Category int

const (
	// CategoryParse is a malformed wire message. Fatal, never retried.
	CategoryParse Category = iota
	// CategoryValidation is a field constraint violation.
	CategoryValidation
	// CategorySecurity is a PIN, MAC or key failure. Fatal, never retried.
	CategorySecurity
	// CategoryRouting means no rule matched and no default exists.
	CategoryRouting
	// CategoryTimeout is a deadline expiry awaiting the destination.
	CategoryTimeout
	// CategoryDuplicate is a re-submission inside the dedup window.
	CategoryDuplicate
	// CategorySystem is everything unexpected.
	CategorySystem
)

// String returns the audit name of the category.
func (c Category) String() string {
	switch c {
	case CategoryParse:
		return "PARSE"
	case CategoryValidation:
		return "VALIDATION"
	case CategorySecurity:
		return "SECURITY"
	case CategoryRouting:
		return "ROUTING"
	case CategoryTimeout:
		return "TIMEOUT"
	case CategoryDuplicate:
		return "DUPLICATE"
	default:
		return "SYSTEM"
	}
}

// defaultCodes is the boundary mapping for errors that do not carry an
// explicit code.
var defaultCodes = map[Category]ResponseCode{
	CategoryParse:      CodeFormatError,
	CategoryValidation: CodeInvalidTxn,
	CategorySecurity:   CodeSystemMalfunction,
	CategoryRouting:    CodeNotPermitted,
	CategoryTimeout:    CodeNoResponse,
	CategoryDuplicate:  CodeDuplicate,
	CategorySystem:     CodeSystemMalfunction,
}

// Error is a categorized failure. The pipeline maps it to a response
// code at its boundary; everything beneath just wraps and rethrows.
type Error struct {
	Category Category
	Code     ResponseCode // "" means use the category default
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Category, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Category, e.Err)
	default:
		return e.Category.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ResponseCode returns the wire code for this error.
func (e *Error) ResponseCode() ResponseCode {
	if e.Code != "" {
		return e.Code
	}
	return defaultCodes[e.Category]
}

// Errorf builds a categorized error with the category's default code.
func Errorf(cat Category, format string, args ...any) *Error {
	return &Error{Category: cat, Msg: fmt.Sprintf(format, args...)}
}

// WrapErr categorizes an underlying error.
func WrapErr(cat Category, msg string, err error) *Error {
	return &Error{Category: cat, Msg: msg, Err: err}
}

// CodedErr builds a categorized error with an explicit response code,
// for validators that know the precise decline (14, 54, 61, ...).
func CodedErr(cat Category, code ResponseCode, msg string) *Error {
	return &Error{Category: cat, Code: code, Msg: msg}
}

// CategoryOf extracts the category of any error; non-categorized errors
// are SYSTEM.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return CategorySystem
}

// CodeFor maps any error to the response code the caller should see.
func CodeFor(err error) ResponseCode {
	var e *Error
	if errors.As(err, &e) {
		return e.ResponseCode()
	}
	return CodeSystemMalfunction
}

// Retryable reports whether the error should go through the retry
// policy: timeouts retry, everything categorized else is final, and
// uncategorized errors are treated as system faults that do not retry.
func Retryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Category == CategoryTimeout || e.ResponseCode().Retryable()
	}
	return false
}
