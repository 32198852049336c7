package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"chronod/internal/config"
	"chronod/internal/eventbus"
	rtsup "chronod/internal/runtime/supervisor"
	"chronod/internal/storage"
	"chronod/internal/task/engine"
	"chronod/internal/task/listener"
	"chronod/internal/task/scheduler"
	logx "chronod/pkg/logx"
	"chronod/pkg/systemd"
)

// Listener names installed by the app.
const (
	jobHistoryListener       = "job-history"
	triggerHistoryListener   = "trigger-history"
	schedulerHistoryListener = "scheduler-history"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	journal storage.Journal

	pool  *engine.Service
	sched *scheduler.Scheduler

	// WaitForJobs makes Stop let running jobs finish.
	WaitForJobs bool
}

// New loads the config file and builds every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.Nop())
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{cfgm: cfgm, log: log.With(logx.String("comp", "app")), logs: logSvc, WaitForJobs: true}
	if err := a.build(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	sc, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	pc, err := mapPoolConfig(cfg)
	if err != nil {
		return err
	}
	jc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}

	root := a.logs.Logger()
	a.bus = eventbus.New()
	a.journal, err = storage.Open(jc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	a.pool = engine.New(pc, root.With(logx.String("comp", "pool")), a.bus)
	a.sched = scheduler.New(sc, a.pool, root.With(logx.String("comp", "scheduler")),
		scheduler.WithJournal(a.journal),
		scheduler.WithEventBus(a.bus),
	)

	if err := a.installListeners(); err != nil {
		return err
	}
	now := time.Now()
	for _, j := range cfg.Jobs {
		if err := a.addJob(j, now); err != nil {
			_ = a.journal.Close()
			return err
		}
	}
	a.log.Info("app configured",
		logx.String("instance", a.sched.Config().InstanceName),
		logx.String("journal", jc.Driver),
		logx.Int("jobs", len(cfg.Jobs)),
		logx.Int("workers", a.pool.Config().Workers),
	)
	return nil
}

func (a *App) installListeners() error {
	root := a.logs.Logger()
	return errors.Join(
		a.sched.AddJobListener(jobHistoryListener, listener.NewJobHistory(root)),
		a.sched.AddTriggerListener(triggerHistoryListener, listener.NewTriggerHistory(root, time.Second, 5)),
		a.sched.AddSchedulerListener(schedulerHistoryListener, listener.NewSchedulerHistory(root)),
	)
}

func (a *App) addJob(j config.JobConfig, now time.Time) error {
	job, triggers, err := buildJob(j, a.sched.Config().Location, now, a.logs.Logger().With(logx.String("comp", "job")))
	if err != nil {
		return err
	}
	next, err := scheduleJob(a.sched, job, triggers)
	if err != nil {
		return fmt.Errorf("schedule job %s: %w", job.Key, err)
	}
	if !next.IsZero() {
		a.log.Debug("job registered", logx.Stringer("job", job.Key), logx.Int("triggers", len(triggers)), logx.Time("next", next))
	}
	return nil
}

func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Done is closed when the app supervisor ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the scheduler, the config watcher and the systemd
// notifications.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		rtsup.WithCancelOnError(true),
	)
	a.cfgm.SetValidator(a.validate)

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}

	events, unsub := a.bus.Subscribe(128, "task.", "scheduler.")
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	updates := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(updates)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-updates:
				if !ok {
					return nil
				}
				a.apply(last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if every, err := systemd.WatchdogInterval(); err != nil {
		a.log.Warn("systemd watchdog unavailable", logx.Err(err))
	} else if every > 0 {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			return systemd.RunWatchdog(c, every, a.healthy)
		})
	}
	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if sent {
		jobs := len(a.sched.ListJobs(""))
		_, _ = systemd.Status(fmt.Sprintf("scheduling %d jobs", jobs))
	}
	a.log.Info("app started")
	return nil
}

func (a *App) healthy() bool {
	switch a.sched.State() {
	case scheduler.StateRunning, scheduler.StateStandby:
		return true
	}
	return false
}

// validate rejects a reloaded config whose jobs cannot be built.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	var errs []error
	now := time.Now()
	for _, j := range cfg.Jobs {
		if _, _, err := buildJob(j, a.sched.Config().Location, now, logx.Nop()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// apply brings the running app in line with a reloaded config. Logging and
// jobs change live; scheduler, pool and storage settings need a restart.
func (a *App) apply(oldCfg, newCfg *config.Config) {
	ch := config.Diff(oldCfg, newCfg)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	a.logs.Apply(mapLoggingConfig(newCfg))

	declared := map[scheduler.Key]config.JobConfig{}
	for _, j := range newCfg.Jobs {
		declared[scheduler.NewKey(j.Name, j.Group)] = j
	}
	for _, k := range slices.Concat(ch.RemovedJobs, ch.ChangedJobs) {
		if _, err := a.sched.DeleteJob(k); err != nil {
			a.log.Warn("job removal failed", logx.Stringer("job", k), logx.Err(err))
		}
	}
	now := time.Now()
	for _, k := range slices.Concat(ch.ChangedJobs, ch.AddedJobs) {
		if err := a.addJob(declared[k], now); err != nil {
			a.log.Warn("job registration failed", logx.Stringer("job", k), logx.Err(err))
		}
	}
	if ch.NeedsRestart() {
		a.log.Warn("config change needs a restart to take effect", logx.String("changed", strings.Join(ch.Sections, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts the scheduler down (waiting for running jobs when WaitForJobs
// is set), closes the journal and waits for background goroutines.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		err := errors.Join(a.sched.Shutdown(ctx, false), a.journal.Close())
		_ = a.logs.Close()
		return err
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		c, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(c); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("scheduler", 20*time.Second, func(c context.Context) error {
		return a.sched.Shutdown(c, a.WaitForJobs)
	})
	a.sup.Cancel()
	step("journal", time.Second, func(context.Context) error { return a.journal.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	snap := a.sched.Snapshot()
	a.log.Info("stopped",
		logx.Uint64("fired", snap.Fired),
		logx.Uint64("misfired", snap.Misfired),
		logx.Uint64("faults", snap.Faults),
	)
	_ = a.logs.Close()
	return errors.Join(errs...)
}
