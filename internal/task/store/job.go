package store

import (
	"context"
	"time"
)

// DataMap is the key/value payload attached to jobs and triggers.
type DataMap map[string]any

func (m DataMap) Clone() DataMap {
	if m == nil {
		return DataMap{}
	}
	out := make(DataMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge returns job data overlaid with trigger data. Trigger values win.
func Merge(job, trigger DataMap) DataMap {
	out := job.Clone()
	for k, v := range trigger {
		out[k] = v
	}
	return out
}

func (m DataMap) String(key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// Job is the body executed when a trigger fires.
type Job interface {
	Execute(ctx context.Context, ec *ExecutionContext) error
}

// JobFunc adapts a plain function to Job.
type JobFunc func(ctx context.Context, ec *ExecutionContext) error

func (f JobFunc) Execute(ctx context.Context, ec *ExecutionContext) error { return f(ctx, ec) }

// JobDetail is a registered job definition.
type JobDetail struct {
	Key         Key
	Description string

	// Durable jobs stay registered with no triggers left.
	Durable bool
	// RequestsRecovery jobs are re-fired after an interrupted execution.
	RequestsRecovery bool

	Data DataMap
	Body Job
}

func (j *JobDetail) clone() *JobDetail {
	if j == nil {
		return nil
	}
	c := *j
	c.Data = j.Data.Clone()
	return &c
}

// ExecutionContext is handed to a job body for one execution.
//
// Data is a private copy of the job data merged with the trigger data;
// changes to it are not written back.
type ExecutionContext struct {
	FireID     string
	JobKey     Key
	TriggerKey Key
	Data       DataMap

	// ScheduledFire is the slot the trigger was due at; Fired is when it
	// was actually dispatched.
	ScheduledFire time.Time
	Fired         time.Time
	PrevFire      time.Time
	NextFire      time.Time

	RefireCount int

	// Recovering is set on executions re-fired after an interrupted run.
	// Recovered carries the scheduled fire time of that interrupted run.
	Recovering bool
	Recovered  time.Time

	// Result is an optional value a job can hand back to listeners.
	Result any
}
