// Package lifecycle owns task state transitions and read-time
// reconciliation of tasks whose workers died.
package lifecycle

import "fmt"

// ValidationError rejects a request whose inputs are malformed or violate
// a precondition that is the caller's fault (HTTP 400).
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...interface{}) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ConflictError rejects a transition that is not legal from the task's
// current state (HTTP 409).
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return e.Msg }

func conflictf(format string, args ...interface{}) error {
	return &ConflictError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a missing task, execution, or referenced entity
// (HTTP 404).
type NotFoundError struct {
	Msg string
}

func (e *NotFoundError) Error() string { return e.Msg }

func notFoundf(format string, args ...interface{}) error {
	return &NotFoundError{Msg: fmt.Sprintf(format, args...)}
}
