package config

import (
	"reflect"
	"sort"

	"chronod/internal/task/store"
	logx "chronod/pkg/logx"
)

// Change summarizes a reload.
type Change struct {
	// Sections lists the top-level sections that differ.
	Sections []string
	// Fields are log attributes describing the new values of changed sections.
	Fields []logx.Field

	// Jobs whose declaration (body, data or triggers) changed, were added,
	// or were removed.
	AddedJobs   []store.Key
	ChangedJobs []store.Key
	RemovedJobs []store.Key
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// NeedsRestart reports whether a section that is only read at startup
// changed.
func (c Change) NeedsRestart() bool {
	for _, s := range c.Sections {
		switch s {
		case "scheduler", "thread_pool", "storage":
			return true
		}
	}
	return false
}

// Diff compares two configs section by section.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change

	if oldCfg.Scheduler != newCfg.Scheduler {
		ch.Sections = append(ch.Sections, "scheduler")
		ch.Fields = append(ch.Fields,
			logx.String("scheduler.misfire_threshold", newCfg.Scheduler.MisfireThreshold),
			logx.Int("scheduler.max_coalesced_backlog", newCfg.Scheduler.MaxCoalescedBacklog),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}
	if oldCfg.ThreadPool != newCfg.ThreadPool {
		ch.Sections = append(ch.Sections, "thread_pool")
		ch.Fields = append(ch.Fields,
			logx.Int("thread_pool.thread_count", newCfg.ThreadPool.ThreadCount),
			logx.Int("thread_pool.queue_size", newCfg.ThreadPool.QueueSize),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		ch.Sections = append(ch.Sections, "logging")
		ch.Fields = append(ch.Fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if derefStorage(oldCfg.Storage) != derefStorage(newCfg.Storage) {
		ch.Sections = append(ch.Sections, "storage")
		ch.Fields = append(ch.Fields, logx.String("storage.driver", derefStorage(newCfg.Storage).Driver))
	}

	oldJobs, newJobs := indexJobs(oldCfg.Jobs), indexJobs(newCfg.Jobs)
	for k, nj := range newJobs {
		oj, ok := oldJobs[k]
		switch {
		case !ok:
			ch.AddedJobs = append(ch.AddedJobs, k)
		case !reflect.DeepEqual(oj, nj):
			ch.ChangedJobs = append(ch.ChangedJobs, k)
		}
	}
	for k := range oldJobs {
		if _, ok := newJobs[k]; !ok {
			ch.RemovedJobs = append(ch.RemovedJobs, k)
		}
	}
	if n := len(ch.AddedJobs) + len(ch.ChangedJobs) + len(ch.RemovedJobs); n > 0 {
		sortKeys(ch.AddedJobs)
		sortKeys(ch.ChangedJobs)
		sortKeys(ch.RemovedJobs)
		ch.Sections = append(ch.Sections, "jobs")
		ch.Fields = append(ch.Fields,
			logx.Int("jobs.added", len(ch.AddedJobs)),
			logx.Int("jobs.changed", len(ch.ChangedJobs)),
			logx.Int("jobs.removed", len(ch.RemovedJobs)),
		)
	}
	return ch
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func indexJobs(jobs []JobConfig) map[store.Key]JobConfig {
	out := make(map[store.Key]JobConfig, len(jobs))
	for _, j := range jobs {
		out[store.NewKey(j.Name, j.Group)] = j
	}
	return out
}

func sortKeys(keys []store.Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
}
