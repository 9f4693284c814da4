// Package apperr defines the error taxonomy shared by the media pipeline.
package apperr

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Match them with errors.Is.
var (
	ErrUnsupportedSource = errors.New("unsupported source")
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrOutOfBounds       = errors.New("out of bounds")
	ErrDuplicateVariant  = errors.New("duplicate variant")
	ErrAlreadyOptimizing = errors.New("already optimizing")
	ErrBlobWriteFailed   = errors.New("blob write failed")
	ErrBlobReadFailed    = errors.New("blob read failed")
	ErrNotFound          = errors.New("not found")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInvalidState      = errors.New("invalid state")
)

var kinds = []error{
	ErrUnsupportedSource,
	ErrUnsupportedFormat,
	ErrOutOfBounds,
	ErrDuplicateVariant,
	ErrAlreadyOptimizing,
	ErrBlobWriteFailed,
	ErrBlobReadFailed,
	ErrNotFound,
	ErrInvalidArgument,
	ErrInvalidState,
}

// Error is the structured error returned by pipeline components.
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New builds an *Error of the given kind. err may be nil.
func New(op string, kind error, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Newf builds an *Error whose cause is a formatted message.
func Newf(op string, kind error, format string, args ...any) *Error {
	return &Error{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Kind returns the sentinel kind carried by err, or nil.
func Kind(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Retryable reports whether err is a transient infrastructure failure.
func Retryable(err error) bool {
	return errors.Is(err, ErrBlobWriteFailed) || errors.Is(err, ErrBlobReadFailed)
}

// Code is the stable machine-readable name of err's kind.
func Code(err error) string {
	switch Kind(err) {
	case ErrUnsupportedSource:
		return "unsupported_source"
	case ErrUnsupportedFormat:
		return "unsupported_format"
	case ErrOutOfBounds:
		return "out_of_bounds"
	case ErrDuplicateVariant:
		return "duplicate_variant"
	case ErrAlreadyOptimizing:
		return "already_optimizing"
	case ErrBlobWriteFailed:
		return "blob_write_failed"
	case ErrBlobReadFailed:
		return "blob_read_failed"
	case ErrNotFound:
		return "not_found"
	case ErrInvalidArgument:
		return "invalid_argument"
	case ErrInvalidState:
		return "invalid_state"
	}
	return "internal_error"
}
