package engine

import (
	"context"
	"time"
)

// Config controls the worker pool.
//
// The app layer maps config.thread_pool into this struct.
type Config struct {
	Workers int

	// QueueSize caps the number of queued (not yet running) tasks.
	// 0 means unbounded.
	QueueSize int

	// NamePrefix names the workers: "<prefix>-1", "<prefix>-2", ...
	NamePrefix string

	// Priority is a scheduling hint carried over from thread-based pools.
	// Goroutines have no priority; it is recorded for diagnostics only.
	Priority int

	// DefaultTimeout is used when Task.Timeout is 0. 0 means no timeout.
	DefaultTimeout time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.QueueSize < 0 {
		c.QueueSize = 0
	}
	if c.NamePrefix == "" {
		c.NamePrefix = "worker"
	}
	if c.Priority == 0 {
		c.Priority = 5
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Task is a unit of work executed by the pool.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) (any, error)
}

// Result is what a Future resolves to.
type Result struct {
	Value      any
	Err        error
	Worker     string
	Started    time.Time
	Finished   time.Time
	QueueDelay time.Duration
}

func (r Result) Duration() time.Duration {
	if r.Started.IsZero() || r.Finished.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

type HistoryItem struct {
	ID         string
	Name       string
	Worker     string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Worker     string        `json:"worker,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running    bool
	Workers    int
	NamePrefix string
	Priority   int
	Busy       int
	QueueLen   int
	QueueCap   int // 0 = unbounded

	Completed uint64
	Failed    uint64
	Dropped   uint64

	DefaultTimeout time.Duration
	History        []HistoryItem
}
