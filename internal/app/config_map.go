package app

import (
	"strings"
	"time"

	"chronod/internal/config"
	"chronod/internal/storage"
	"chronod/internal/task/engine"
	"chronod/internal/task/scheduler"
	logx "chronod/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	threshold, err := config.ParseDurationOrDefault("scheduler.misfire_threshold", sc.MisfireThreshold, 60*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("scheduler.idle_wait", sc.IdleWait, 30*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	loc, err := config.LoadLocation(sc.Timezone)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		InstanceName:        strings.TrimSpace(sc.InstanceName),
		MisfireThreshold:    threshold,
		MaxCoalescedBacklog: sc.MaxCoalescedBacklog,
		IdleWait:            idle,
		Location:            loc,
		HistorySize:         sc.HistorySize,
	}, nil
}

// mapPoolConfig names workers after the instance unless a prefix is set.
func mapPoolConfig(cfg *config.Config) (engine.Config, error) {
	tp := cfg.ThreadPool
	timeout, err := config.ParseDurationField("thread_pool.default_timeout", tp.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	prefix := strings.TrimSpace(tp.ThreadNamePrefix)
	if prefix == "" {
		if name := strings.TrimSpace(cfg.Scheduler.InstanceName); name != "" {
			prefix = name + "_Worker"
		}
	}
	return engine.Config{
		Workers:        tp.ThreadCount,
		QueueSize:      tp.QueueSize,
		NamePrefix:     prefix,
		Priority:       tp.ThreadPriority,
		DefaultTimeout: timeout,
		HistorySize:    tp.HistorySize,
	}, nil
}

// mapStorageConfig maps a missing section to the memory journal.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "memory"
	}
	out := storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path)}
	if driver == "sqlite" || driver == "sqlite3" {
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		out.BusyTimeout = busy
	}
	return out, nil
}
