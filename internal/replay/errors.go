package replay

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a replay failure.
type ErrorKind int

const (
	// UnknownTask: the anchor task id is not in the store.
	UnknownTask ErrorKind = iota + 1
	// ExecutionFailed: the executor failed a task, or its output was rejected.
	ExecutionFailed
)

func (k ErrorKind) String() string {
	switch k {
	case UnknownTask:
		return "unknown_task"
	case ExecutionFailed:
		return "execution_failed"
	}
	return "unknown"
}

var (
	// ErrUnknownTask matches any *Error of kind UnknownTask.
	ErrUnknownTask = errors.New("unknown task")
	// ErrExecutionFailed matches any *Error of kind ExecutionFailed.
	ErrExecutionFailed = errors.New("task execution failed")
)

// Error is returned by Engine.Replay for replay-level failures. Storage
// failures are returned as the underlying persistence error instead.
type Error struct {
	Kind   ErrorKind
	TaskID string
	Err    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case UnknownTask:
		return fmt.Sprintf("replay: task %q not found in stored task outputs", e.TaskID)
	case ExecutionFailed:
		return fmt.Sprintf("replay: task %q failed: %v", e.TaskID, e.Err)
	}
	return fmt.Sprintf("replay: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrUnknownTask:
		return e.Kind == UnknownTask
	case ErrExecutionFailed:
		return e.Kind == ExecutionFailed
	}
	return false
}
