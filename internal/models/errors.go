package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every error that leaves a pipeline component matches exactly one of
// these through errors.Is.
var (
	ErrValidation           = errors.New("validation error")
	ErrTransientExternal    = errors.New("transient external error")
	ErrPermanentExternal    = errors.New("permanent external error")
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
	ErrStoreWrite           = errors.New("store write error")
	ErrStoreRead            = errors.New("store read error")
	ErrNotFound             = errors.New("not found")
	ErrDimensionMismatch    = errors.New("embedding dimension mismatch")
)

// Error tags an underlying cause with its kind and the operation or stage that failed.
type Error struct {
	Kind error
	Op   string
	Err  error
}

// NewError returns an *Error. A nil cause is allowed; the kind alone is then reported.
func NewError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	if e.Kind != nil {
		parts = append(parts, e.Kind.Error())
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// Validationf returns a validation error for op with a formatted cause.
func Validationf(op, format string, args ...any) error {
	return NewError(ErrValidation, op, fmt.Errorf(format, args...))
}

// Transient marks err as retryable.
func Transient(op string, err error) error {
	return NewError(ErrTransientExternal, op, err)
}

// Permanent marks err as not retryable.
func Permanent(op string, err error) error {
	return NewError(ErrPermanentExternal, op, err)
}

// EmbeddingUnavailableError is returned once the retry budget is spent.
type EmbeddingUnavailableError struct {
	Attempts int
	Err      error
}

func (e *EmbeddingUnavailableError) Error() string {
	return fmt.Sprintf("embedding unavailable after %d attempts: %v", e.Attempts, e.Err)
}

func (e *EmbeddingUnavailableError) Unwrap() []error {
	return []error{ErrEmbeddingUnavailable, e.Err}
}

// AtStage tags err with the pipeline stage it failed in, keeping err's kind.
func AtStage(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: stage, Err: err}
}

// Stage returns the operation recorded on the outermost *Error in err's chain.
func Stage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Op
	}
	return ""
}

// Reason returns a short machine-readable label for err's kind.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEmbeddingUnavailable):
		return "embedding_unavailable"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrPermanentExternal):
		return "permanent_external"
	case errors.Is(err, ErrTransientExternal):
		return "transient_external"
	case errors.Is(err, ErrStoreWrite):
		return "store_write"
	case errors.Is(err, ErrStoreRead):
		return "store_read"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}
