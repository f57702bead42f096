package loom

import (
	"errors"
	"fmt"

	"github.com/ygrebnov/errorc"
)

// Namespace prefixes every sentinel error message produced by this package.
const Namespace = "loom"

// Error taxonomy surfaced at the runtime boundary (spec §6).
var (
	ErrCancelled        = errorc.New(Namespace + ": cancelled")
	ErrTimeout          = errorc.New(Namespace + ": timeout")
	ErrConnection       = errorc.New(Namespace + ": connection error")
	ErrSocketClosed     = errorc.New(Namespace + ": socket closed")
	ErrSocket           = errorc.New(Namespace + ": socket error")
	ErrStream           = errorc.New(Namespace + ": stream error")
	ErrPoolClosed       = errorc.New(Namespace + ": pool closed")
	ErrNotInTaskContext = errorc.New(Namespace + ": not in task context")
	ErrFile             = errorc.New(Namespace + ": file error")
	ErrConfig           = errorc.New(Namespace + ": invalid configuration")
)

// HTTPError carries the status code and/or underlying transport error for a
// failed HTTP request (spec §6).
type HTTPError struct {
	Status int
	Err    error
}

func (e *HTTPError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: http error (status=%d): %v", Namespace, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: http error (status=%d)", Namespace, e.Status)
}

func (e *HTTPError) Unwrap() error { return e.Err }

// taggedError attaches task correlation metadata (id, index) to an error,
// mirroring the teacher's TaskMetaError as a small hand-rolled wrapper
// struct (errorc is used only for the sentinel values). The combinators
// (combinators.go) tag each rejection with the index of the input callable
// that failed, so a caller can recover which one via ExtractTaskIndex.
type TaskMetaError interface {
	error
	Unwrap() error
	TaskID() (any, bool)
	TaskIndex() (int, bool)
}

type taggedError struct {
	err   error
	id    any
	index int
}

// tagTaskError wraps err with task id/index correlation metadata, preserving
// err's own message and Unwrap chain so wrapping is transparent to callers
// that only care about the underlying failure.
func tagTaskError(err error, id any, index int) error {
	if err == nil {
		return nil
	}
	return &taggedError{err: err, id: id, index: index}
}

func (e *taggedError) Error() string { return e.err.Error() }
func (e *taggedError) Unwrap() error { return e.err }

func (e *taggedError) TaskID() (any, bool) {
	if e.id == nil {
		return nil, false
	}
	return e.id, true
}

func (e *taggedError) TaskIndex() (int, bool) { return e.index, true }

// ExtractTaskID returns the task ID from err if present.
func ExtractTaskID(err error) (any, bool) {
	var tme TaskMetaError
	if errors.As(err, &tme) {
		return tme.TaskID()
	}
	return nil, false
}

// ExtractTaskIndex returns the task index from err if present.
func ExtractTaskIndex(err error) (int, bool) {
	var tme TaskMetaError
	if errors.As(err, &tme) {
		return tme.TaskIndex()
	}
	return 0, false
}
