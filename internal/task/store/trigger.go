package store

import (
	"fmt"
	"strings"
	"time"

	"chronod/internal/task/schedule"
)

// DefaultPriority is applied when a trigger is stored with priority 0.
const DefaultPriority = 5

type TriggerState int

const (
	StateWaiting TriggerState = iota
	StateAcquired
	// StateFired means fired and waiting for the execution to complete.
	// Only fixed-delay triggers stay in this state.
	StateFired
	StateComplete
	StatePaused
	StateError
)

func (s TriggerState) String() string {
	switch s {
	case StateWaiting:
		return "WAITING"
	case StateAcquired:
		return "ACQUIRED"
	case StateFired:
		return "FIRED"
	case StateComplete:
		return "COMPLETE"
	case StatePaused:
		return "PAUSED"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}

// MisfirePolicy decides what a late trigger does with its backlog.
type MisfirePolicy int

const (
	// FireAndProceed fires once for the whole backlog, then resumes the
	// normal cadence.
	FireAndProceed MisfirePolicy = iota
	// DoNothing skips the backlog and waits for the next regular slot.
	DoNothing
	// FireAllImmediately fires once per missed slot, back to back.
	FireAllImmediately
)

func (p MisfirePolicy) String() string {
	switch p {
	case DoNothing:
		return "do_nothing"
	case FireAllImmediately:
		return "fire_all"
	default:
		return "fire_and_proceed"
	}
}

// ParseMisfirePolicy accepts the config spelling of a policy. Empty means
// FireAndProceed.
func ParseMisfirePolicy(v string) (MisfirePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "fire_and_proceed", "fire_once_now", "smart":
		return FireAndProceed, nil
	case "do_nothing", "ignore":
		return DoNothing, nil
	case "fire_all", "fire_all_immediately":
		return FireAllImmediately, nil
	default:
		return FireAndProceed, fmt.Errorf("unknown misfire policy %q", v)
	}
}

// Trigger describes when a job fires.
//
// The fields below the blank line are runtime state owned by the dispatch
// loop; callers building a new trigger leave them zero.
type Trigger struct {
	Key         Key
	JobKey      Key
	Description string
	Priority    int
	Schedule    schedule.Schedule
	Misfire     MisfirePolicy
	Start       time.Time
	End         time.Time
	Data        DataMap

	// Retain keeps the trigger in the store in COMPLETE state once its
	// schedule is exhausted.
	Retain bool

	NextFire   time.Time
	PrevFire   time.Time
	Completed  time.Time
	TimesFired int
	State      TriggerState

	// Recovering marks a one-shot trigger synthesized by recovery.
	// RecoveredFire is the scheduled time of the interrupted execution.
	Recovering    bool
	RecoveredFire time.Time

	gen uint64
}

func (t *Trigger) Validate() error {
	if t.Key.IsZero() {
		return fmt.Errorf("trigger name required")
	}
	if t.JobKey.IsZero() {
		return fmt.Errorf("trigger %s: job name required", t.Key)
	}
	if t.Schedule == nil {
		return fmt.Errorf("trigger %s: schedule required", t.Key)
	}
	if v, ok := t.Schedule.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("trigger %s: %w", t.Key, err)
		}
	}
	if !t.End.IsZero() && !t.Start.IsZero() && t.End.Before(t.Start) {
		return fmt.Errorf("trigger %s: end %s before start %s", t.Key, t.End.Format(time.RFC3339), t.Start.Format(time.RFC3339))
	}
	return nil
}

// Progress is the schedule's view of the trigger's firings so far.
func (t *Trigger) Progress() schedule.Progress {
	return schedule.Progress{Start: t.Start, Prev: t.PrevFire, Completed: t.Completed, Fired: t.TimesFired}
}

// FireTimeAfter asks the schedule for the next slot given p and applies the
// trigger's end time.
func (t *Trigger) FireTimeAfter(p schedule.Progress, now time.Time) (time.Time, bool) {
	next, ok := t.Schedule.Next(p, now)
	if !ok {
		return time.Time{}, false
	}
	if !t.End.IsZero() && next.After(t.End) {
		return time.Time{}, false
	}
	return next, true
}

// FixedDelay reports whether the next fire time depends on completion.
func (t *Trigger) FixedDelay() bool {
	switch s := t.Schedule.(type) {
	case schedule.Simple:
		return s.Mode == schedule.FixedDelay && s.Repeat != 0
	case *schedule.Simple:
		return s != nil && s.Mode == schedule.FixedDelay && s.Repeat != 0
	}
	return false
}

func (t *Trigger) clone() Trigger {
	c := *t
	if t.Data != nil {
		c.Data = t.Data.Clone()
	}
	return c
}
