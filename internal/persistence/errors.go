package persistence

import (
	"errors"
	"fmt"
)

// StorageOp classifies a storage failure.
type StorageOp string

const (
	OpWriteFailed      StorageOp = "WRITE_FAILED"
	OpReadFailed       StorageOp = "READ_FAILED"
	OpSchemaInitFailed StorageOp = "SCHEMA_INIT_FAILED"
)

var (
	// ErrWriteFailed matches any StorageError with Op == OpWriteFailed via errors.Is.
	ErrWriteFailed = errors.New("storage write failed")
	// ErrReadFailed matches any StorageError with Op == OpReadFailed via errors.Is.
	ErrReadFailed = errors.New("storage read failed")
	// ErrSchemaInitFailed matches any StorageError with Op == OpSchemaInitFailed via errors.Is.
	ErrSchemaInitFailed = errors.New("storage schema init failed")

	// ErrTaskNotFound is returned by FindTaskOutputsFrom when the anchor task id
	// is not in the store. It is distinct from an empty store, which yields an
	// empty slice and no error.
	ErrTaskNotFound = errors.New("task not found")

	// ErrDuplicateTask is returned when a (kickoff_id, task_id) pair already exists.
	ErrDuplicateTask = errors.New("task already recorded for kickoff")
)

// StorageError wraps an underlying driver error with the failed operation and
// the table (or file) it targeted.
type StorageError struct {
	Op     StorageOp
	Target string
	Err    error
}

func (e *StorageError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrWriteFailed) and friends match on the operation.
func (e *StorageError) Is(target error) bool {
	switch target {
	case ErrWriteFailed:
		return e.Op == OpWriteFailed
	case ErrReadFailed:
		return e.Op == OpReadFailed
	case ErrSchemaInitFailed:
		return e.Op == OpSchemaInitFailed
	}
	return false
}

func writeErr(target string, err error) error {
	return &StorageError{Op: OpWriteFailed, Target: target, Err: err}
}

func readErr(target string, err error) error {
	return &StorageError{Op: OpReadFailed, Target: target, Err: err}
}

func schemaErr(target string, err error) error {
	return &StorageError{Op: OpSchemaInitFailed, Target: target, Err: err}
}
