package models

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks input rejected before any side effect.
	ErrValidation = errors.New("validation failed")
	// ErrDuplicate is a validation failure caused by a name already in use.
	ErrDuplicate = fmt.Errorf("%w: already exists", ErrValidation)
	// ErrNotFound is returned for unknown modules and instances, and for
	// instances that exist but cannot be activated.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a lifecycle change is not allowed
	// from the row's current state.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrTimeout is returned when an activation exceeds its deadline.
	ErrTimeout = errors.New("timed out")
)

// Validationf builds an ErrValidation with a formatted reason.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// BuildError is a permanent failure while producing an image: repository
// fetch, missing file, image build or publish. The owning entity moves to
// Failed and the work item is acknowledged.
type BuildError struct {
	Op  string
	Err error
}

func (e *BuildError) Error() string { return fmt.Sprintf("build: %s: %v", e.Op, e.Err) }
func (e *BuildError) Unwrap() error { return e.Err }

// TransientError means a broker, store or container engine could not be
// reached. Entity state is left unchanged and the work is retried.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %s: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// RuntimeError is a container run that failed to start or exited non-zero.
type RuntimeError struct {
	Op       string
	ExitCode int64
	Err      error
}

func (e *RuntimeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("runtime: %s: exit code %d", e.Op, e.ExitCode)
	}
	return fmt.Sprintf("runtime: %s: %v", e.Op, e.Err)
}
func (e *RuntimeError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError unless it is nil or already one.
func Transient(op string, err error) error {
	if err == nil || IsTransient(err) {
		return err
	}
	return &TransientError{Op: op, Err: err}
}

func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

func IsBuildError(err error) bool {
	var b *BuildError
	return errors.As(err, &b)
}

func IsRuntimeError(err error) bool {
	var r *RuntimeError
	return errors.As(err, &r)
}
