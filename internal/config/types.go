package config

// Config is the daemon configuration file.
type Config struct {
	Scheduler  SchedulerConfig  `json:"scheduler"`
	ThreadPool ThreadPoolConfig `json:"thread_pool"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    *StorageConfig   `json:"storage,omitempty"`
	Jobs       []JobConfig      `json:"jobs,omitempty"`
}

type SchedulerConfig struct {
	InstanceName string `json:"instance_name"`

	// MisfireThreshold is a Go duration ("60s"). Empty means 60s.
	MisfireThreshold string `json:"misfire_threshold"`

	// MaxCoalescedBacklog: fire_and_proceed triggers that missed more slots
	// than this skip the backlog instead. 0 means unlimited.
	MaxCoalescedBacklog int `json:"max_coalesced_backlog"`

	IdleWait string `json:"idle_wait"`

	// Timezone is an IANA zone used for cron schedules. Empty means local.
	Timezone string `json:"timezone"`

	// HistorySize bounds the retained job fault history.
	HistorySize int `json:"history_size"`
}

type ThreadPoolConfig struct {
	ThreadCount      int    `json:"thread_count"`
	ThreadPriority   int    `json:"thread_priority"`
	ThreadNamePrefix string `json:"thread_name_prefix"`

	// QueueSize caps queued executions. 0 means unbounded.
	QueueSize      int    `json:"queue_size"`
	HistorySize    int    `json:"history_size"`
	DefaultTimeout string `json:"default_timeout"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig configures the execution journal used for job recovery.
// A missing section means an in-memory journal.
type StorageConfig struct {
	Driver      string `json:"driver"` // memory | file | sqlite
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
}

// JobConfig declares a job and its triggers.
type JobConfig struct {
	Name        string `json:"name"`
	Group       string `json:"group,omitempty"`
	Description string `json:"description,omitempty"`

	// Kind selects the job body: "log" or "sleep".
	Kind string `json:"kind"`

	Durable          bool           `json:"durable,omitempty"`
	RequestsRecovery bool           `json:"requests_recovery,omitempty"`
	Data             map[string]any `json:"data,omitempty"`

	Triggers []TriggerConfig `json:"triggers,omitempty"`
}

type TriggerConfig struct {
	Name  string `json:"name"`
	Group string `json:"group,omitempty"`

	// Schedule is a cron expression ("0/2 * * * * ?"), an interval ("55m",
	// "00:50") or a prefixed form ("cron:...", "every:...").
	Schedule string `json:"schedule"`

	// FixedDelay measures intervals from the end of the previous run.
	// Only valid with an interval schedule.
	FixedDelay bool `json:"fixed_delay,omitempty"`
	// Repeat limits interval schedules to Repeat+1 firings. Nil means forever.
	Repeat *int `json:"repeat,omitempty"`

	StartDelay string `json:"start_delay,omitempty"`
	EndAfter   string `json:"end_after,omitempty"`

	Misfire     string         `json:"misfire,omitempty"`
	Priority    int            `json:"priority,omitempty"`
	Description string         `json:"description,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}
