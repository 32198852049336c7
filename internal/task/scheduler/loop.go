package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"chronod/internal/storage"
	"chronod/internal/task/engine"
	"chronod/internal/task/listener"
	"chronod/internal/task/schedule"
	"chronod/internal/task/store"
	logx "chronod/pkg/logx"
)

// completion is what a worker reports back to the loop after an execution.
type completion struct {
	t        store.Trigger
	ec       *store.ExecutionContext
	fault    *store.JobExecutionFault
	instr    store.CompletionInstruction
	hold     bool // fixed-delay trigger parked in FIRED until now
	finished time.Time
}

// loop is the dispatch goroutine.
func (s *Scheduler) loop(ctx context.Context) error {
	s.log.Debug("dispatch loop started")
	defer s.log.Debug("dispatch loop stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		state, graceful := s.lifecycle()
		switch {
		case state == StateShutdown:
			return nil
		case state == StateShuttingDown && !graceful:
			return nil
		case state == StateShuttingDown && s.inflight.Load() == 0:
			return nil
		}

		wait := s.cfg.IdleWait
		if state == StateRunning && !s.blocked {
			s.fireDue(s.clock.Now())
			if next, ok := s.store.NextFireTime(); ok && !s.blocked {
				if d := next.Sub(s.clock.Now()); d < wait {
					wait = d
				}
			}
		}
		if wait <= 0 {
			s.drainCompletions()
			continue
		}

		var freed <-chan struct{}
		if s.blocked {
			freed = s.pool.Freed()
		}
		timer := s.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-s.wake:
		case c := <-s.completions:
			s.inflight.Add(-1)
			s.complete(c)
		case <-freed:
		case <-timer.Chan():
		}
		timer.Stop()
		// Any wake-up is a reason to try the pool again.
		s.blocked = false
	}
}

func (s *Scheduler) drainCompletions() {
	for {
		select {
		case c := <-s.completions:
			s.inflight.Add(-1)
			s.complete(c)
		default:
			return
		}
	}
}

// fireDue fires every trigger due at or before now. When the pool queue
// fills up, the remaining triggers go back untouched and the loop waits for
// capacity.
func (s *Scheduler) fireDue(now time.Time) {
	due := s.store.Acquire(now, 0)
	for i, t := range due {
		if s.pool.Saturated() {
			for _, r := range due[i:] {
				r.State = store.StateWaiting
				s.store.Update(r)
			}
			s.blocked = true
			s.log.Debug("worker pool saturated, deferring triggers", logx.Int("deferred", len(due)-i))
			return
		}
		s.fireSafely(t, now)
	}
}

// fireSafely keeps a broken trigger from taking the loop down: the trigger
// is parked in ERROR instead.
func (s *Scheduler) fireSafely(t store.Trigger, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("trigger firing panicked",
				logx.Stringer("trigger", t.Key),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			s.store.SetError(t)
			s.notify(listener.SchedulerEvent{
				Type:    listener.SchedulerError,
				Job:     t.JobKey,
				Trigger: t.Key,
				Err:     fmt.Errorf("firing trigger %s: panic: %v", t.Key, r),
			})
		}
	}()
	s.fire(t, now)
}

func (s *Scheduler) fire(t store.Trigger, now time.Time) {
	due := t.NextFire
	p := t.Progress()

	var misfire *store.MisfireError
	if late := now.Sub(due); late > s.cfg.MisfireThreshold {
		policy := t.Misfire
		backlog := schedule.Missed(t.Schedule, p, due, now)
		if policy == store.FireAndProceed && s.cfg.MaxCoalescedBacklog > 0 && backlog > s.cfg.MaxCoalescedBacklog {
			policy = store.DoNothing
		}
		misfire = &store.MisfireError{Trigger: t.Key, Due: due, Detected: now, Lateness: late, Backlog: backlog, Policy: policy}
		s.misfired.Add(1)
		s.listeners.NotifyTrigger(listener.TriggerEvent{Type: listener.TriggerMisfired, At: now, Trigger: t, Misfire: misfire})
		s.publish("scheduler.misfire", misfire)
	}

	var (
		q    schedule.Progress
		next time.Time
		ok   bool
	)
	switch {
	case misfire != nil && misfire.Policy != store.FireAllImmediately:
		next, q, ok = schedule.FirstAfter(t.Schedule, p, due, now)
		if ok && !t.End.IsZero() && next.After(t.End) {
			next, ok = time.Time{}, false
		}
	case misfire != nil:
		// The successor of the missed slot may still be in the past; the
		// backlog then drains one firing per pass.
		q = firedAt(p, due)
		next, ok = t.FireTimeAfter(q, q.Prev)
	default:
		q = firedAt(p, due)
		next, ok = t.FireTimeAfter(q, now)
	}

	prev := t.PrevFire
	t.PrevFire, t.Completed, t.TimesFired = q.Prev, q.Completed, q.Fired

	if misfire != nil && misfire.Policy == store.DoNothing {
		s.advance(t, next, ok)
		return
	}

	job, found := s.store.GetJob(t.JobKey)
	if !found {
		s.log.Warn("trigger references a missing job, removing it", logx.Stringer("trigger", t.Key), logx.Stringer("job", t.JobKey))
		s.finalize(t, true)
		return
	}

	hold := ok && t.FixedDelay()
	ec := &store.ExecutionContext{
		FireID:        uuid.NewString(),
		JobKey:        job.Key,
		TriggerKey:    t.Key,
		Data:          store.Merge(job.Data, t.Data),
		ScheduledFire: due,
		Fired:         now,
		PrevFire:      prev,
		Recovering:    t.Recovering,
		Recovered:     t.RecoveredFire,
	}
	if ok && !hold {
		ec.NextFire = next
	}
	s.fired.Add(1)

	verdict := s.listeners.NotifyTrigger(listener.TriggerEvent{Type: listener.TriggerFired, At: now, Trigger: t, Exec: ec})
	if verdict == listener.Proceed {
		verdict = s.listeners.NotifyJob(listener.JobEvent{Type: listener.JobToBeExecuted, At: now, Exec: ec})
	}
	if verdict == listener.Veto {
		s.vetoed.Add(1)
		s.log.Debug("execution vetoed", logx.Stringer("job", job.Key), logx.Stringer("trigger", t.Key))
		s.listeners.NotifyJob(listener.JobEvent{Type: listener.JobExecutionVetoed, At: now, Exec: ec})
		if hold {
			t.Completed = now
			next, ok = t.FireTimeAfter(t.Progress(), now)
		}
		t = s.advance(t, next, ok)
		s.listeners.NotifyTrigger(listener.TriggerEvent{Type: listener.TriggerCompleted, At: s.clock.Now(), Trigger: t, Exec: ec, Instruction: store.Noop})
		return
	}

	if hold {
		t.State, t.NextFire = store.StateFired, time.Time{}
		if !s.store.Update(t) {
			s.log.Debug("trigger changed while firing", logx.Stringer("trigger", t.Key))
		}
	} else {
		t = s.advance(t, next, ok)
	}
	s.submit(job, t, ec, hold)
}

func firedAt(p schedule.Progress, due time.Time) schedule.Progress {
	p.Prev = due
	p.Fired++
	return p
}

// advance re-queues t at next, or finalizes it when its schedule is done.
func (s *Scheduler) advance(t store.Trigger, next time.Time, ok bool) store.Trigger {
	if !ok {
		t.NextFire, t.State = time.Time{}, store.StateComplete
		s.finalize(t, false)
		return t
	}
	t.NextFire, t.State = next, store.StateWaiting
	if !s.store.Update(t) {
		s.log.Debug("trigger changed while firing", logx.Stringer("trigger", t.Key))
	}
	return t
}

// finalize completes t in the store and tells scheduler listeners.
func (s *Scheduler) finalize(t store.Trigger, remove bool) {
	ok, jobRemoved := s.store.Complete(t, remove)
	if !ok {
		return
	}
	s.log.Debug("trigger finalized", logx.Stringer("trigger", t.Key), logx.Int("times_fired", t.TimesFired))
	s.notify(listener.SchedulerEvent{Type: listener.TriggerFinalized, Job: t.JobKey, Trigger: t.Key})
	if jobRemoved {
		s.notify(listener.SchedulerEvent{Type: listener.JobDeleted, Job: t.JobKey})
	}
}

func (s *Scheduler) submit(job *store.JobDetail, t store.Trigger, ec *store.ExecutionContext, hold bool) {
	_, err := s.pool.Submit(engine.Task{
		ID:   ec.FireID,
		Name: job.Key.String(),
		Run: func(ctx context.Context) (any, error) {
			return s.execute(ctx, job, t, ec, hold)
		},
	})
	if err == nil {
		s.inflight.Add(1)
		return
	}

	now := s.clock.Now()
	s.log.Warn("execution not submitted", logx.Stringer("job", job.Key), logx.Stringer("trigger", t.Key), logx.Err(err))
	fault := &store.JobExecutionFault{Job: job.Key, Trigger: t.Key, FireID: ec.FireID, At: now, Err: err}
	s.faults.Add(1)
	s.listeners.NotifyJob(listener.JobEvent{Type: listener.JobWasExecuted, At: now, Exec: ec, Fault: fault})
	s.complete(completion{t: t, ec: ec, fault: fault, hold: hold, finished: now})
}

// execute runs on a pool worker. It journals recoverable jobs, handles
// refire requests and reports the outcome to the loop.
func (s *Scheduler) execute(ctx context.Context, job *store.JobDetail, t store.Trigger, ec *store.ExecutionContext, hold bool) (any, error) {
	journaled := s.journal != nil && job.RequestsRecovery
	if journaled {
		err := s.journal.Begin(ctx, storage.Execution{
			FireID:        ec.FireID,
			JobName:       job.Key.Name,
			JobGroup:      job.Key.Group,
			TriggerName:   t.Key.Name,
			TriggerGroup:  t.Key.Group,
			Priority:      t.Priority,
			ScheduledFire: ec.ScheduledFire,
			Started:       s.clock.Now(),
		})
		if err != nil {
			s.log.Warn("journal begin failed", logx.String("fire_id", ec.FireID), logx.Err(err))
		}
	}

	var (
		fault *store.JobExecutionFault
		instr store.CompletionInstruction
	)
	for {
		started := s.clock.Now()
		fault = s.runBody(ctx, job, t, ec)
		instr = store.Noop
		if fault != nil {
			instr = store.InstructionOf(fault.Err)
			s.faults.Add(1)
		}
		s.listeners.NotifyJob(listener.JobEvent{Type: listener.JobWasExecuted, At: s.clock.Now(), Exec: ec, Fault: fault, Duration: s.clock.Since(started)})
		if instr != store.ReExecute || ctx.Err() != nil {
			break
		}
		ec.RefireCount++
		if s.listeners.NotifyJob(listener.JobEvent{Type: listener.JobToBeExecuted, At: s.clock.Now(), Exec: ec}) == listener.Veto {
			s.vetoed.Add(1)
			s.listeners.NotifyJob(listener.JobEvent{Type: listener.JobExecutionVetoed, At: s.clock.Now(), Exec: ec})
			break
		}
	}
	if instr == store.ReExecute {
		instr = store.Noop
	}

	finished := s.clock.Now()
	// A run cut short by cancellation stays open in the journal so the
	// next start recovers it.
	if journaled && ctx.Err() == nil {
		if err := s.journal.Finish(ctx, ec.FireID, finished); err != nil {
			s.log.Warn("journal finish failed", logx.String("fire_id", ec.FireID), logx.Err(err))
		}
	}

	c := completion{t: t, ec: ec, fault: fault, instr: instr, hold: hold, finished: finished}
	select {
	case s.completions <- c:
	case <-s.done:
	}
	if fault != nil {
		return ec.Result, fault
	}
	return ec.Result, nil
}

func (s *Scheduler) runBody(ctx context.Context, job *store.JobDetail, t store.Trigger, ec *store.ExecutionContext) (fault *store.JobExecutionFault) {
	defer func() {
		if r := recover(); r != nil {
			fault = &store.JobExecutionFault{
				Job:     job.Key,
				Trigger: t.Key,
				FireID:  ec.FireID,
				At:      s.clock.Now(),
				Err:     fmt.Errorf("panic: %v", r),
				Panic:   r,
				Stack:   string(debug.Stack()),
			}
		}
	}()
	if err := job.Body.Execute(ctx, ec); err != nil {
		return &store.JobExecutionFault{Job: job.Key, Trigger: t.Key, FireID: ec.FireID, At: s.clock.Now(), Err: err}
	}
	return nil
}

// complete applies a completion instruction on the loop goroutine and
// notifies trigger listeners.
func (s *Scheduler) complete(c completion) {
	instr := c.instr
	t := c.t
	switch instr {
	case store.SetTriggerComplete:
		s.finalize(t, false)
	case store.DeleteTrigger:
		s.finalize(t, true)
	case store.SetAllJobTriggersComplete:
		keys, jobRemoved := s.store.CompleteJobTriggers(t.JobKey)
		for _, k := range keys {
			s.notify(listener.SchedulerEvent{Type: listener.TriggerFinalized, Job: t.JobKey, Trigger: k})
		}
		if jobRemoved {
			s.notify(listener.SchedulerEvent{Type: listener.JobDeleted, Job: t.JobKey})
		}
	default:
		switch {
		case c.hold:
			t.Completed = c.finished
			next, ok := t.FireTimeAfter(t.Progress(), c.finished)
			t = s.advance(t, next, ok)
			if !ok {
				instr = store.DeleteTrigger
			}
		case t.State == store.StateComplete:
			instr = store.DeleteTrigger
		}
	}
	if cur, ok := s.store.GetTrigger(t.Key); ok {
		t = cur
	}
	s.listeners.NotifyTrigger(listener.TriggerEvent{Type: listener.TriggerCompleted, At: s.clock.Now(), Trigger: t, Exec: c.ec, Instruction: instr})
}
