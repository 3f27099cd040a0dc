package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure. Kinds are comparable with errors.Is:
//
//	errors.Is(err, pipeline.ErrDecode)
type Kind string

const (
	ErrDecode                  Kind = "decode_error"
	ErrSegmentationUnavailable Kind = "segmentation_unavailable"
	ErrSegmentation            Kind = "segmentation_error"
	ErrDimensionMismatch       Kind = "dimension_mismatch"
	ErrUnknownStyle            Kind = "unknown_style"
	ErrEncode                  Kind = "encode_error"
)

func (k Kind) Error() string {
	return string(k)
}

// Error is returned by every stage. Op names the stage that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func errorf(kind Kind, op, format string, args ...any) *Error {
	return newError(kind, op, fmt.Errorf(format, args...))
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	kind, ok := target.(Kind)
	return ok && kind == e.Kind
}

// KindOf reports the kind carried by err, or "" if err did not come from a stage.
func KindOf(err error) Kind {
	var stageErr *Error
	if errors.As(err, &stageErr) {
		return stageErr.Kind
	}
	var kind Kind
	if errors.As(err, &kind) {
		return kind
	}
	return ""
}

// UserMessage maps a kind to the text shown to end users.
func UserMessage(kind Kind) string {
	switch kind {
	case ErrDecode:
		return "could not read your image"
	case ErrSegmentationUnavailable, ErrSegmentation, ErrDimensionMismatch:
		return "background removal is temporarily unavailable"
	case ErrUnknownStyle, ErrEncode:
		return "styling failed"
	default:
		return "something went wrong"
	}
}

// Retryable reports whether running the same input again may succeed.
func Retryable(kind Kind) bool {
	switch kind {
	case ErrSegmentationUnavailable, ErrSegmentation:
		return true
	default:
		return false
	}
}
