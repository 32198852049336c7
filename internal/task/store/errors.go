package store

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownJob        = errors.New("unknown job")
	ErrUnknownTrigger    = errors.New("unknown trigger")
	ErrDuplicateIdentity = errors.New("identity already in use")
	ErrScheduleExhausted = errors.New("schedule has no future fire time")

	ErrMisfireThresholdExceeded = errors.New("misfire threshold exceeded")
	ErrJobExecutionFault        = errors.New("job execution fault")
)

// MisfireError describes a late trigger. It is delivered to trigger
// listeners as event payload, never returned to callers.
type MisfireError struct {
	Trigger  Key
	Due      time.Time
	Detected time.Time
	Lateness time.Duration
	Backlog  int
	Policy   MisfirePolicy
}

func (e *MisfireError) Error() string {
	return fmt.Sprintf("trigger %s misfired: due %s, late %s, backlog %d, policy %s",
		e.Trigger, e.Due.Format(time.RFC3339), e.Lateness, e.Backlog, e.Policy)
}

func (e *MisfireError) Unwrap() error { return ErrMisfireThresholdExceeded }

// JobExecutionFault wraps an error returned or a panic raised by a job body.
type JobExecutionFault struct {
	Job     Key
	Trigger Key
	FireID  string
	At      time.Time
	Err     error
	Panic   any
	Stack   string
}

func (e *JobExecutionFault) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("job %s panicked: %v", e.Job, e.Panic)
	}
	return fmt.Sprintf("job %s failed: %v", e.Job, e.Err)
}

func (e *JobExecutionFault) Unwrap() error { return e.Err }

func (e *JobExecutionFault) Is(target error) bool { return target == ErrJobExecutionFault }

// CompletionInstruction tells the dispatch loop what to do with a trigger
// once its execution is over.
type CompletionInstruction int

const (
	Noop CompletionInstruction = iota
	ReExecute
	SetTriggerComplete
	DeleteTrigger
	SetAllJobTriggersComplete
)

func (c CompletionInstruction) String() string {
	switch c {
	case ReExecute:
		return "RE_EXECUTE_JOB"
	case SetTriggerComplete:
		return "SET_TRIGGER_COMPLETE"
	case DeleteTrigger:
		return "DELETE_TRIGGER"
	case SetAllJobTriggersComplete:
		return "SET_ALL_JOB_TRIGGERS_COMPLETE"
	default:
		return "NOOP"
	}
}

// RefireImmediately asks the scheduler to run the job again right away
// with the same execution context.
//
//	return store.RefireImmediately(fmt.Errorf("lock busy: %w", err))
func RefireImmediately(err error) error { return wrapInstruction(err, ReExecute) }

// UnscheduleFiringTrigger completes the trigger that fired this execution.
func UnscheduleFiringTrigger(err error) error { return wrapInstruction(err, SetTriggerComplete) }

// UnscheduleAllTriggers completes every trigger of the job.
func UnscheduleAllTriggers(err error) error {
	return wrapInstruction(err, SetAllJobTriggersComplete)
}

// InstructionOf returns the instruction carried by err, or Noop.
func InstructionOf(err error) CompletionInstruction {
	var e instructionError
	if errors.As(err, &e) {
		return e.code
	}
	return Noop
}

func wrapInstruction(err error, code CompletionInstruction) error {
	if err == nil {
		return nil
	}
	return instructionError{err: err, code: code}
}

type instructionError struct {
	err  error
	code CompletionInstruction
}

func (e instructionError) Error() string { return fmt.Sprintf("%s: %v", e.code, e.err) }
func (e instructionError) Unwrap() error { return e.err }
