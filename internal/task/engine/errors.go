package engine

import (
	"errors"
	"fmt"
)

var (
	ErrStopped   = errors.New("worker pool stopped")
	ErrStopping  = errors.New("worker pool stopping")
	ErrQueueFull = errors.New("worker pool queue full")
)

// PanicError is the error a task resolves to when its Run panics.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }
