package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"chronod/internal/task/schedule"
	"chronod/internal/task/store"
)

// JobKinds lists the job bodies the daemon knows how to build.
var JobKinds = []string{"log", "sleep"}

// Validate checks the whole file and reports every problem it finds.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	_, err := ParseDurationField("scheduler.misfire_threshold", c.Scheduler.MisfireThreshold)
	add(err)
	_, err = ParseDurationField("scheduler.idle_wait", c.Scheduler.IdleWait)
	add(err)
	if c.Scheduler.MaxCoalescedBacklog < 0 {
		add(errors.New("scheduler.max_coalesced_backlog must be >= 0"))
	}
	loc, err := LoadLocation(c.Scheduler.Timezone)
	add(err)

	if c.ThreadPool.ThreadCount < 0 {
		add(errors.New("thread_pool.thread_count must be >= 0"))
	}
	if c.ThreadPool.QueueSize < 0 {
		add(errors.New("thread_pool.queue_size must be >= 0"))
	}
	_, err = ParseDurationField("thread_pool.default_timeout", c.ThreadPool.DefaultTimeout)
	add(err)

	if c.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "memory", "mem":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(c.Storage.Path) == "" {
				add(fmt.Errorf("storage.path required for driver %q", c.Storage.Driver))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
		}
		_, err = ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
		add(err)
	}

	jobs := map[store.Key]bool{}
	triggers := map[store.Key]bool{}
	for i, j := range c.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		if strings.TrimSpace(j.Name) == "" {
			add(fmt.Errorf("%s.name required", path))
			continue
		}
		jk := store.NewKey(j.Name, j.Group)
		path = "jobs." + jk.String()
		if jobs[jk] {
			add(fmt.Errorf("%s: duplicate job", path))
		}
		jobs[jk] = true
		if !knownKind(j.Kind) {
			add(fmt.Errorf("%s.kind: unknown job kind %q (want one of %s)", path, j.Kind, strings.Join(JobKinds, ", ")))
		}
		if len(j.Triggers) == 0 && !j.Durable {
			add(fmt.Errorf("%s: a job without triggers must be durable", path))
		}
		for k, t := range j.Triggers {
			add(t.validate(fmt.Sprintf("%s.triggers[%d]", path, k), loc, triggers))
		}
	}
	return errors.Join(errs...)
}

func (t TriggerConfig) validate(path string, loc *time.Location, seen map[store.Key]bool) error {
	var errs []error
	if strings.TrimSpace(t.Name) == "" {
		errs = append(errs, fmt.Errorf("%s.name required", path))
	} else {
		tk := store.NewKey(t.Name, t.Group)
		if seen[tk] {
			errs = append(errs, fmt.Errorf("%s: duplicate trigger %s", path, tk))
		}
		seen[tk] = true
	}
	if loc == nil {
		loc = time.Local
	}
	sch, err := schedule.Parse(t.Schedule, loc)
	if err != nil {
		errs = append(errs, fmt.Errorf("%s.schedule: %w", path, err))
	} else if _, simple := sch.(schedule.Simple); !simple && (t.FixedDelay || t.Repeat != nil) {
		errs = append(errs, fmt.Errorf("%s: fixed_delay and repeat need an interval schedule", path))
	}
	if t.Repeat != nil && *t.Repeat < schedule.RepeatForever {
		errs = append(errs, fmt.Errorf("%s.repeat must be >= -1", path))
	}
	if _, err := ParseDurationField(path+".start_delay", t.StartDelay); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField(path+".end_after", t.EndAfter); err != nil {
		errs = append(errs, err)
	}
	if _, err := store.ParseMisfirePolicy(t.Misfire); err != nil {
		errs = append(errs, fmt.Errorf("%s.misfire: %w", path, err))
	}
	if t.Priority < 0 {
		errs = append(errs, fmt.Errorf("%s.priority must be >= 0", path))
	}
	return errors.Join(errs...)
}

func knownKind(kind string) bool {
	kind = strings.ToLower(strings.TrimSpace(kind))
	for _, k := range JobKinds {
		if k == kind {
			return true
		}
	}
	return false
}
