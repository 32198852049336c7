package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("journal closed")

// Config configures the execution journal.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Execution is one journaled run of a recoverable job.
type Execution struct {
	FireID        string    `json:"fire_id"`
	JobName       string    `json:"job_name"`
	JobGroup      string    `json:"job_group"`
	TriggerName   string    `json:"trigger_name"`
	TriggerGroup  string    `json:"trigger_group"`
	Priority      int       `json:"priority"`
	ScheduledFire time.Time `json:"scheduled_fire"`
	Started       time.Time `json:"started"`
	Finished      time.Time `json:"finished,omitzero"`
	Recovered     time.Time `json:"recovered,omitzero"`
}

// Interrupted reports whether the execution began but neither finished nor
// was handed to recovery.
func (e Execution) Interrupted() bool {
	return e.Finished.IsZero() && e.Recovered.IsZero()
}

// Journal is the execution journal used by the scheduler and the recovery
// manager.
type Journal interface {
	Begin(ctx context.Context, e Execution) error
	Finish(ctx context.Context, fireID string, at time.Time) error
	// Interrupted lists executions that began and never finished nor were
	// recovered, oldest first.
	Interrupted(ctx context.Context) ([]Execution, error)
	MarkRecovered(ctx context.Context, fireID string, at time.Time) error
	Close() error
}
