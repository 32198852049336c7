package scheduler

import (
	"errors"
	"time"

	"github.com/jonboulle/clockwork"

	"chronod/internal/eventbus"
	"chronod/internal/storage"
	"chronod/internal/task/engine"
	"chronod/internal/task/listener"
	"chronod/internal/task/store"
)

// Config controls the scheduler.
//
// The app layer maps config.scheduler into this struct.
type Config struct {
	InstanceName string

	// MisfireThreshold is how late a trigger may fire before it counts as
	// misfired. Default 60s.
	MisfireThreshold time.Duration

	// MaxCoalescedBacklog makes FireAndProceed behave like DoNothing once
	// more than this many slots were missed. 0 means unlimited.
	MaxCoalescedBacklog int

	// IdleWait bounds how long the loop sleeps without a wake-up. Default 30s.
	IdleWait time.Duration

	// Location is used for triggers built from textual schedules.
	Location *time.Location

	// HistorySize bounds the retained fault history. Default 100.
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.InstanceName == "" {
		c.InstanceName = "chronod"
	}
	if c.MisfireThreshold <= 0 {
		c.MisfireThreshold = 60 * time.Second
	}
	if c.MaxCoalescedBacklog < 0 {
		c.MaxCoalescedBacklog = 0
	}
	if c.IdleWait <= 0 {
		c.IdleWait = 30 * time.Second
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	return c
}

// Option wires optional collaborators.
type Option func(*Scheduler)

// WithClock replaces the wall clock (tests use a fake one).
func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithJournal enables execution journaling and recovery.
func WithJournal(j storage.Journal) Option { return func(s *Scheduler) { s.journal = j } }

// WithEventBus publishes scheduler diagnostics ("scheduler.*") on bus.
func WithEventBus(bus eventbus.Bus) Option { return func(s *Scheduler) { s.bus = bus } }

var ErrShutdownInProgress = errors.New("scheduler is shutting down")

// Re-export the store and listener vocabulary so callers only import this
// package.
type (
	Key              = store.Key
	JobDetail        = store.JobDetail
	Trigger          = store.Trigger
	DataMap          = store.DataMap
	Job              = store.Job
	JobFunc          = store.JobFunc
	ExecutionContext = store.ExecutionContext
	TriggerState     = store.TriggerState
	MisfirePolicy    = store.MisfirePolicy

	MisfireError      = store.MisfireError
	JobExecutionFault = store.JobExecutionFault

	SchedulerListener = listener.SchedulerListener
	JobListener       = listener.JobListener
	TriggerListener   = listener.TriggerListener
	FaultRecord       = listener.FaultRecord

	HistoryItem = engine.HistoryItem
)

var (
	ErrUnknownJob               = store.ErrUnknownJob
	ErrUnknownTrigger           = store.ErrUnknownTrigger
	ErrDuplicateIdentity        = store.ErrDuplicateIdentity
	ErrScheduleExhausted        = store.ErrScheduleExhausted
	ErrMisfireThresholdExceeded = store.ErrMisfireThresholdExceeded
	ErrJobExecutionFault        = store.ErrJobExecutionFault

	NewKey             = store.NewKey
	ParseMisfirePolicy = store.ParseMisfirePolicy
)

const (
	FireAndProceed     = store.FireAndProceed
	DoNothing          = store.DoNothing
	FireAllImmediately = store.FireAllImmediately
)

// State is the scheduler lifecycle state.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateStandby
	StateShuttingDown
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStandby:
		return "standby"
	case StateShuttingDown:
		return "shutting_down"
	case StateShutdown:
		return "shutdown"
	default:
		return "created"
	}
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	InstanceName string
	State        string
	Started      time.Time
	Timezone     string

	MisfireThreshold    time.Duration
	MaxCoalescedBacklog int

	Jobs     int
	Triggers map[string]int
	InFlight int64
	Fired    uint64
	Misfired uint64
	Vetoed   uint64
	Faults   uint64

	ListenerPanics uint64
	Pool           engine.Snapshot
}
