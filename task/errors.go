package task

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyQueue = errors.New("queue is empty")
	ErrBusy       = errors.New("a run is in progress")
	ErrNotRunning = errors.New("no run in progress")
)

// LaunchError means the encoder process never started.
type LaunchError struct {
	Task *Task
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Task.Name, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// RuntimeFailure means the process started but did not finish cleanly.
// Diagnostic holds whatever the process wrote to its error stream.
type RuntimeFailure struct {
	Task       *Task
	Diagnostic string
	Err        error
}

func (e *RuntimeFailure) Error() string {
	return fmt.Sprintf("encode %s: %v", e.Task.Name, e.Err)
}

func (e *RuntimeFailure) Unwrap() error { return e.Err }
