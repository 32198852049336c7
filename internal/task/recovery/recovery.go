// Package recovery re-fires recoverable jobs whose last execution was cut
// short, based on the execution journal.
package recovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"

	"chronod/internal/storage"
	"chronod/internal/task/schedule"
	"chronod/internal/task/store"
	logx "chronod/pkg/logx"
)

// Group holds the one-shot triggers created by recovery.
const Group = "RECOVERING_JOBS"

// Data keys added to a recovery trigger.
const (
	DataOrigTrigger   = "recovery.trigger"
	DataOrigFireID    = "recovery.fire_id"
	DataOrigScheduled = "recovery.scheduled"
)

type Manager struct {
	journal storage.Journal
	store   *store.Store
	clock   clockwork.Clock
	log     logx.Logger
}

func New(j storage.Journal, st *store.Store, clock clockwork.Clock, log logx.Logger) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{journal: j, store: st, clock: clock, log: log.With(logx.String("comp", "recovery"))}
}

// Report summarizes one recovery pass.
type Report struct {
	Found    int
	Skipped  int
	Triggers []store.Key
}

// Recover turns every interrupted execution into a one-shot trigger that
// fires immediately, then marks the execution recovered. Executions whose
// job is gone or no longer requests recovery are marked and skipped.
//
// Running it again finds nothing: marked executions are never returned by
// the journal, and a recovery trigger that is still pending blocks a second
// one through its key.
func (m *Manager) Recover(ctx context.Context) (Report, error) {
	var rep Report
	if m.journal == nil {
		return rep, nil
	}
	execs, err := m.journal.Interrupted(ctx)
	if err != nil {
		return rep, fmt.Errorf("read interrupted executions: %w", err)
	}
	rep.Found = len(execs)
	now := m.clock.Now()

	var errs []error
	for _, e := range execs {
		jobKey := store.NewKey(e.JobName, e.JobGroup)
		job, ok := m.store.GetJob(jobKey)
		if !ok || !job.RequestsRecovery {
			rep.Skipped++
			m.log.Info("interrupted execution not recoverable", logx.Stringer("job", jobKey), logx.String("fire_id", e.FireID), logx.Bool("job_exists", ok))
			if err := m.journal.MarkRecovered(ctx, e.FireID, now); err != nil {
				errs = append(errs, err)
			}
			continue
		}

		orig := store.NewKey(e.TriggerName, e.TriggerGroup)
		t := store.Trigger{
			Key:         store.NewKey("recover_"+e.FireID, Group),
			JobKey:      jobKey,
			Description: "recovery of " + orig.String(),
			Priority:    e.Priority,
			Schedule:    schedule.Once(0),
			Misfire:     store.FireAndProceed,
			Start:       now,
			NextFire:    now,
			Data: store.DataMap{
				DataOrigTrigger:   orig.String(),
				DataOrigFireID:    e.FireID,
				DataOrigScheduled: e.ScheduledFire,
			},
			Recovering:    true,
			RecoveredFire: e.ScheduledFire,
		}
		switch err := m.store.StoreTrigger(t, false); {
		case errors.Is(err, store.ErrDuplicateIdentity):
			m.log.Debug("recovery trigger already pending", logx.Stringer("trigger", t.Key))
		case err != nil:
			errs = append(errs, fmt.Errorf("recover %s: %w", e.FireID, err))
			continue
		default:
			rep.Triggers = append(rep.Triggers, t.Key)
			m.log.Info("recovering job",
				logx.Stringer("job", jobKey),
				logx.Stringer("orig_trigger", orig),
				logx.Time("orig_scheduled", e.ScheduledFire),
			)
		}
		if err := m.journal.MarkRecovered(ctx, e.FireID, now); err != nil {
			errs = append(errs, err)
		}
	}
	return rep, errors.Join(errs...)
}
