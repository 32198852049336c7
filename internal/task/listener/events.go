package listener

import (
	"time"

	"chronod/internal/task/store"
)

type SchedulerEventType string

const (
	SchedulerStarted      SchedulerEventType = "started"
	SchedulerStandby      SchedulerEventType = "standby"
	SchedulerPaused       SchedulerEventType = "paused"
	SchedulerResumed      SchedulerEventType = "resumed"
	SchedulerShuttingDown SchedulerEventType = "shutting_down"
	SchedulerShutdown     SchedulerEventType = "shutdown"
	SchedulerError        SchedulerEventType = "error"
	JobAdded              SchedulerEventType = "job_added"
	JobDeleted            SchedulerEventType = "job_deleted"
	JobScheduled          SchedulerEventType = "job_scheduled"
	JobUnscheduled        SchedulerEventType = "job_unscheduled"
	TriggerFinalized      SchedulerEventType = "trigger_finalized"
)

// SchedulerEvent is a scheduler-level notification. Job and Trigger are set
// for the job/trigger lifecycle types.
type SchedulerEvent struct {
	Type    SchedulerEventType
	At      time.Time
	Job     store.Key
	Trigger store.Key
	Err     error
}

type JobEventType string

const (
	JobToBeExecuted    JobEventType = "to_be_executed"
	JobWasExecuted     JobEventType = "was_executed"
	JobExecutionVetoed JobEventType = "execution_vetoed"
)

// JobEvent concerns one execution. Fault is set on a failed WasExecuted.
type JobEvent struct {
	Type     JobEventType
	At       time.Time
	Exec     *store.ExecutionContext
	Fault    *store.JobExecutionFault
	Duration time.Duration
}

type TriggerEventType string

const (
	TriggerFired     TriggerEventType = "fired"
	TriggerMisfired  TriggerEventType = "misfired"
	TriggerCompleted TriggerEventType = "completed"
)

// TriggerEvent concerns one trigger. Misfire is set for TriggerMisfired,
// Instruction for TriggerCompleted.
type TriggerEvent struct {
	Type        TriggerEventType
	At          time.Time
	Trigger     store.Trigger
	Exec        *store.ExecutionContext
	Misfire     *store.MisfireError
	Instruction store.CompletionInstruction
}

// Verdict is a listener's answer to JobToBeExecuted and TriggerFired.
// It is ignored for every other event.
type Verdict int

const (
	Proceed Verdict = iota
	Veto
)

type SchedulerListener interface {
	OnSchedulerEvent(SchedulerEvent)
}

type JobListener interface {
	OnJobEvent(JobEvent) Verdict
}

type TriggerListener interface {
	OnTriggerEvent(TriggerEvent) Verdict
}

type SchedulerFunc func(SchedulerEvent)

func (f SchedulerFunc) OnSchedulerEvent(e SchedulerEvent) { f(e) }

type JobFunc func(JobEvent) Verdict

func (f JobFunc) OnJobEvent(e JobEvent) Verdict { return f(e) }

type TriggerFunc func(TriggerEvent) Verdict

func (f TriggerFunc) OnTriggerEvent(e TriggerEvent) Verdict { return f(e) }
