package job

import (
	"errors"
	"fmt"
)

// Kind classifies workflow failures. Each kind has a sentinel matched with errors.Is.
type Kind string

const (
	KindValidation Kind = "validation"
	KindUpload     Kind = "upload"
	KindProcessing Kind = "processing"
	KindCommit     Kind = "commit"
	KindExport     Kind = "export"
	KindState      Kind = "state"
	KindTimeout    Kind = "timeout"
	KindCanceled   Kind = "canceled"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrUpload     = errors.New("upload failed")
	ErrProcessing = errors.New("processing failed")
	ErrCommit     = errors.New("commit failed")
	ErrExport     = errors.New("export failed")
	ErrState      = errors.New("invalid workflow state")
	ErrTimeout    = errors.New("timed out waiting for job")
	ErrCanceled   = errors.New("canceled by caller")
)

var kindSentinels = map[Kind]error{
	KindValidation: ErrValidation,
	KindUpload:     ErrUpload,
	KindProcessing: ErrProcessing,
	KindCommit:     ErrCommit,
	KindExport:     ErrExport,
	KindState:      ErrState,
	KindTimeout:    ErrTimeout,
	KindCanceled:   ErrCanceled,
}

// Error is a typed workflow error. The underlying message is preserved in Err.
type Error struct {
	Kind   Kind
	Op     string
	Handle Handle
	Err    error
}

// NewError builds an Error; err may be nil.
func NewError(kind Kind, op string, h Handle, err error) *Error {
	return &Error{Kind: kind, Op: op, Handle: h, Err: err}
}

// Errorf builds an Error from a formatted message.
func Errorf(kind Kind, op string, h Handle, format string, args ...any) *Error {
	return NewError(kind, op, h, fmt.Errorf(format, args...))
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Handle != "" {
		msg += " (job " + string(e.Handle) + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
