package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"chronod/internal/task/listener"
	"chronod/internal/task/schedule"
	"chronod/internal/task/store"
	logx "chronod/pkg/logx"
)

// ManualGroup is the trigger group of TriggerJob firings.
const ManualGroup = "MANUAL_TRIGGER"

// AddJob registers a job without a trigger. Such a job must be durable,
// otherwise nothing would keep it alive.
func (s *Scheduler) AddJob(job *JobDetail, replace bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("add job: job required")
	}
	if !job.Durable {
		return fmt.Errorf("add job %s: a job without triggers must be durable", job.Key)
	}
	if err := s.store.StoreJob(job, replace); err != nil {
		return fmt.Errorf("add job: %w", err)
	}
	key := store.NewKey(job.Key.Name, job.Key.Group)
	s.log.Debug("job added", logx.Stringer("job", key), logx.Bool("durable", job.Durable), logx.Bool("recoverable", job.RequestsRecovery))
	s.notify(listener.SchedulerEvent{Type: listener.JobAdded, Job: key})
	return nil
}

// ScheduleJob registers job together with its first trigger and returns the
// first fire time.
func (s *Scheduler) ScheduleJob(job *JobDetail, t Trigger) (time.Time, error) {
	if err := s.checkOpen(); err != nil {
		return time.Time{}, err
	}
	if job == nil {
		return time.Time{}, fmt.Errorf("schedule job: job required")
	}
	t.JobKey = job.Key
	if err := s.prepare(&t); err != nil {
		return time.Time{}, fmt.Errorf("schedule job %s: %w", job.Key, err)
	}
	if err := s.store.StoreJobAndTrigger(job, t, false); err != nil {
		return time.Time{}, fmt.Errorf("schedule job %s: %w", job.Key, err)
	}
	jk := store.NewKey(job.Key.Name, job.Key.Group)
	tk := store.NewKey(t.Key.Name, t.Key.Group)
	s.logScheduled(tk, jk, t)
	s.notify(listener.SchedulerEvent{Type: listener.JobAdded, Job: jk})
	s.notify(listener.SchedulerEvent{Type: listener.JobScheduled, Job: jk, Trigger: tk})
	s.signal()
	return t.NextFire, nil
}

// ScheduleTrigger adds a trigger for an already registered job.
func (s *Scheduler) ScheduleTrigger(t Trigger) (time.Time, error) {
	if err := s.checkOpen(); err != nil {
		return time.Time{}, err
	}
	if err := s.prepare(&t); err != nil {
		return time.Time{}, fmt.Errorf("schedule trigger %s: %w", t.Key, err)
	}
	if err := s.store.StoreTrigger(t, false); err != nil {
		return time.Time{}, fmt.Errorf("schedule trigger: %w", err)
	}
	jk := store.NewKey(t.JobKey.Name, t.JobKey.Group)
	tk := store.NewKey(t.Key.Name, t.Key.Group)
	s.logScheduled(tk, jk, t)
	s.notify(listener.SchedulerEvent{Type: listener.JobScheduled, Job: jk, Trigger: tk})
	s.signal()
	return t.NextFire, nil
}

// ScheduleWithFixedDelay registers body as a non-durable job with a
// fixed-delay trigger of the same key: the first run starts after
// initialDelay, each following one interval after the previous run
// completed. repeat is the number of runs after the first one
// (schedule.RepeatForever for no limit).
func (s *Scheduler) ScheduleWithFixedDelay(key Key, body Job, initialDelay, interval time.Duration, repeat int, data DataMap) (time.Time, error) {
	job := &JobDetail{Key: key, Description: "fixed delay " + interval.String(), Data: data, Body: body}
	return s.ScheduleJob(job, Trigger{
		Key:      key,
		Schedule: schedule.WithFixedDelay(initialDelay, interval, repeat),
		Misfire:  store.FireAndProceed,
	})
}

// RescheduleTrigger replaces the trigger at key with t, keeping its job.
// t gets key when it has none of its own.
func (s *Scheduler) RescheduleTrigger(key Key, t Trigger) (time.Time, error) {
	if err := s.checkOpen(); err != nil {
		return time.Time{}, err
	}
	old, ok := s.store.GetTrigger(key)
	if !ok {
		return time.Time{}, fmt.Errorf("reschedule %s: %w", key, ErrUnknownTrigger)
	}
	if t.Key.IsZero() {
		t.Key = old.Key
	}
	t.JobKey = old.JobKey
	if err := s.prepare(&t); err != nil {
		return time.Time{}, fmt.Errorf("reschedule %s: %w", key, err)
	}
	newKey := store.NewKey(t.Key.Name, t.Key.Group)
	if err := s.store.StoreTrigger(t, newKey == old.Key); err != nil {
		return time.Time{}, fmt.Errorf("reschedule %s: %w", key, err)
	}
	if newKey != old.Key {
		s.store.RemoveTrigger(old.Key)
		s.notify(listener.SchedulerEvent{Type: listener.JobUnscheduled, Job: old.JobKey, Trigger: old.Key})
	}
	s.log.Info("trigger rescheduled", logx.Stringer("trigger", old.Key), logx.Stringer("new_trigger", newKey), logx.Time("next", t.NextFire))
	s.notify(listener.SchedulerEvent{Type: listener.JobScheduled, Job: old.JobKey, Trigger: newKey})
	s.signal()
	return t.NextFire, nil
}

// TriggerJob fires a registered job once, now, with data overlaid on the
// job data.
func (s *Scheduler) TriggerJob(jobKey Key, data DataMap) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, ok := s.store.GetJob(jobKey); !ok {
		return fmt.Errorf("trigger job %s: %w", jobKey, ErrUnknownJob)
	}
	t := Trigger{
		Key:      store.NewKey("MT_"+strings.ReplaceAll(uuid.NewString(), "-", ""), ManualGroup),
		JobKey:   jobKey,
		Schedule: schedule.Once(0),
		Data:     data,
	}
	if err := s.prepare(&t); err != nil {
		return fmt.Errorf("trigger job %s: %w", jobKey, err)
	}
	if err := s.store.StoreTrigger(t, false); err != nil {
		return fmt.Errorf("trigger job %s: %w", jobKey, err)
	}
	s.log.Debug("job triggered manually", logx.Stringer("job", jobKey), logx.Stringer("trigger", t.Key))
	s.signal()
	return nil
}

// DeleteJob removes a job and all its triggers. Executions already running
// finish normally.
func (s *Scheduler) DeleteJob(key Key) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	triggers, ok := s.store.RemoveJob(key)
	if !ok {
		return false, nil
	}
	jk := store.NewKey(key.Name, key.Group)
	for _, tk := range triggers {
		s.notify(listener.SchedulerEvent{Type: listener.JobUnscheduled, Job: jk, Trigger: tk})
	}
	s.log.Debug("job deleted", logx.Stringer("job", jk), logx.Int("triggers", len(triggers)))
	s.notify(listener.SchedulerEvent{Type: listener.JobDeleted, Job: jk})
	s.signal()
	return true, nil
}

// DeleteTrigger removes a trigger; its job goes too when it is not durable
// and has no other trigger.
func (s *Scheduler) DeleteTrigger(key Key) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	t, ok := s.store.GetTrigger(key)
	if !ok {
		return false, nil
	}
	removed, jobRemoved := s.store.RemoveTrigger(key)
	if !removed {
		return false, nil
	}
	s.log.Debug("trigger deleted", logx.Stringer("trigger", t.Key), logx.Bool("job_removed", jobRemoved))
	s.notify(listener.SchedulerEvent{Type: listener.JobUnscheduled, Job: t.JobKey, Trigger: t.Key})
	if jobRemoved {
		s.notify(listener.SchedulerEvent{Type: listener.JobDeleted, Job: t.JobKey})
	}
	s.signal()
	return true, nil
}

func (s *Scheduler) PauseTrigger(key Key) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.store.PauseTrigger(key); err != nil {
		return fmt.Errorf("pause trigger: %w", err)
	}
	s.notify(listener.SchedulerEvent{Type: listener.SchedulerPaused, Trigger: store.NewKey(key.Name, key.Group)})
	return nil
}

func (s *Scheduler) PauseJob(key Key) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.store.PauseJob(key); err != nil {
		return fmt.Errorf("pause job: %w", err)
	}
	s.notify(listener.SchedulerEvent{Type: listener.SchedulerPaused, Job: store.NewKey(key.Name, key.Group)})
	return nil
}

// PauseAll pauses every trigger, including ones added later, until
// ResumeAll.
func (s *Scheduler) PauseAll() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.store.PauseAll()
	s.log.Info("all triggers paused")
	s.notify(listener.SchedulerEvent{Type: listener.SchedulerPaused})
	return nil
}

// ResumeTrigger puts a paused trigger back on the queue. Slots missed while
// paused go through the misfire policy.
func (s *Scheduler) ResumeTrigger(key Key) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.store.ResumeTrigger(key); err != nil {
		return fmt.Errorf("resume trigger: %w", err)
	}
	s.notify(listener.SchedulerEvent{Type: listener.SchedulerResumed, Trigger: store.NewKey(key.Name, key.Group)})
	s.signal()
	return nil
}

func (s *Scheduler) ResumeJob(key Key) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.store.ResumeJob(key); err != nil {
		return fmt.Errorf("resume job: %w", err)
	}
	s.notify(listener.SchedulerEvent{Type: listener.SchedulerResumed, Job: store.NewKey(key.Name, key.Group)})
	s.signal()
	return nil
}

func (s *Scheduler) ResumeAll() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.store.ResumeAll()
	s.log.Info("all triggers resumed")
	s.notify(listener.SchedulerEvent{Type: listener.SchedulerResumed})
	s.signal()
	return nil
}

// ---- listeners ----

// Listeners can be added and removed until shutdown starts.

func (s *Scheduler) AddSchedulerListener(name string, l SchedulerListener) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.listeners.AddSchedulerListener(name, l)
}

func (s *Scheduler) AddJobListener(name string, l JobListener) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.listeners.AddJobListener(name, l)
}

func (s *Scheduler) AddTriggerListener(name string, l TriggerListener) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.listeners.AddTriggerListener(name, l)
}

func (s *Scheduler) RemoveSchedulerListener(name string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	return s.listeners.RemoveSchedulerListener(name), nil
}

func (s *Scheduler) RemoveJobListener(name string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	return s.listeners.RemoveJobListener(name), nil
}

func (s *Scheduler) RemoveTriggerListener(name string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	return s.listeners.RemoveTriggerListener(name), nil
}

// ---- queries ----

func (s *Scheduler) GetTrigger(key Key) (Trigger, bool) { return s.store.GetTrigger(key) }

func (s *Scheduler) GetJob(key Key) (*JobDetail, bool) { return s.store.GetJob(key) }

// ListTriggers returns trigger keys of group, or of every group when group
// is empty.
func (s *Scheduler) ListTriggers(group string) []Key { return s.store.TriggerKeys(group) }

func (s *Scheduler) ListJobs(group string) []Key { return s.store.JobKeys(group) }

func (s *Scheduler) TriggersOfJob(key Key) []Trigger { return s.store.TriggersOfJob(key) }

// LastFault returns the most recent retained execution fault of a job.
func (s *Scheduler) LastFault(job Key) (FaultRecord, bool) { return s.listeners.LastFault(job) }

// Faults returns the retained execution faults, oldest first.
func (s *Scheduler) Faults() []FaultRecord { return s.listeners.Faults() }

// prepare resets the runtime fields of a new trigger and computes its first
// fire time.
func (s *Scheduler) prepare(t *Trigger) error {
	if t.Schedule == nil {
		return errors.New("schedule required")
	}
	now := s.clock.Now()
	if t.Start.IsZero() {
		t.Start = now
	}
	t.PrevFire, t.Completed, t.TimesFired = time.Time{}, time.Time{}, 0
	t.State = store.StateWaiting
	t.Recovering, t.RecoveredFire = false, time.Time{}
	if err := t.Validate(); err != nil {
		return err
	}
	next, ok := t.FireTimeAfter(t.Progress(), now)
	if !ok {
		return ErrScheduleExhausted
	}
	t.NextFire = next
	return nil
}

func (s *Scheduler) logScheduled(tk, jk Key, t Trigger) {
	s.log.Info("trigger scheduled",
		logx.Stringer("trigger", tk),
		logx.Stringer("job", jk),
		logx.Stringer("schedule", t.Schedule),
		logx.String("misfire", t.Misfire.String()),
		logx.Int("priority", t.Priority),
		logx.Time("next", t.NextFire),
	)
}
