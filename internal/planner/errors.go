package planner

import (
	"errors"
	"fmt"
)

// ErrPersistence marks a run aborted because the store could not be read or
// written. Nothing from the run is recorded and it is not retried.
var ErrPersistence = errors.New("persistence failure")

type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }
