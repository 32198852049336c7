package listener

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	logx "chronod/pkg/logx"
)

// JobHistory logs every job event.
type JobHistory struct {
	log logx.Logger
}

func NewJobHistory(log logx.Logger) *JobHistory {
	return &JobHistory{log: log.With(logx.String("comp", "job-history"))}
}

func (h *JobHistory) OnJobEvent(e JobEvent) Verdict {
	fields := []logx.Field{logx.String("event", string(e.Type))}
	if ec := e.Exec; ec != nil {
		fields = append(fields,
			logx.Stringer("job", ec.JobKey),
			logx.Stringer("trigger", ec.TriggerKey),
			logx.String("fire_id", ec.FireID),
			logx.Time("scheduled", ec.ScheduledFire),
			logx.Int("refire", ec.RefireCount),
		)
		if ec.Recovering {
			fields = append(fields, logx.Bool("recovering", true))
		}
	}
	switch e.Type {
	case JobToBeExecuted:
		h.log.Info("job about to execute", fields...)
	case JobExecutionVetoed:
		h.log.Info("job execution vetoed", fields...)
	case JobWasExecuted:
		fields = append(fields, logx.Duration("dur", e.Duration))
		if e.Fault != nil {
			h.log.Warn("job execution failed", append(fields, logx.Err(e.Fault))...)
		} else {
			h.log.Info("job executed", fields...)
		}
	}
	return Proceed
}

// TriggerHistory logs every trigger event. Misfires can come in bursts after
// a stall, so their log lines are rate limited; the number of suppressed
// lines is reported with the next one that gets through.
type TriggerHistory struct {
	log        logx.Logger
	misfires   *rate.Limiter
	suppressed atomic.Uint64
}

// NewTriggerHistory allows burst misfire lines, then one per every.
// every <= 0 disables the limit.
func NewTriggerHistory(log logx.Logger, every time.Duration, burst int) *TriggerHistory {
	lim := rate.NewLimiter(rate.Inf, 0)
	if every > 0 {
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Every(every), burst)
	}
	return &TriggerHistory{log: log.With(logx.String("comp", "trigger-history")), misfires: lim}
}

// Suppressed is the number of misfire lines dropped so far.
func (h *TriggerHistory) Suppressed() uint64 { return h.suppressed.Load() }

func (h *TriggerHistory) OnTriggerEvent(e TriggerEvent) Verdict {
	t := e.Trigger
	fields := []logx.Field{
		logx.Stringer("trigger", t.Key),
		logx.Stringer("job", t.JobKey),
		logx.Time("next", t.NextFire),
	}
	switch e.Type {
	case TriggerFired:
		h.log.Info("trigger fired", append(fields, logx.Int("fired", t.TimesFired))...)
	case TriggerMisfired:
		if !h.misfires.Allow() {
			h.suppressed.Add(1)
			return Proceed
		}
		if n := h.suppressed.Swap(0); n > 0 {
			fields = append(fields, logx.Uint64("suppressed", n))
		}
		if m := e.Misfire; m != nil {
			fields = append(fields,
				logx.Time("due", m.Due),
				logx.Duration("late", m.Lateness),
				logx.Int("backlog", m.Backlog),
				logx.String("policy", m.Policy.String()),
			)
		}
		h.log.Warn("trigger misfired", fields...)
	case TriggerCompleted:
		h.log.Info("trigger completed", append(fields, logx.String("instruction", e.Instruction.String()))...)
	}
	return Proceed
}

// SchedulerHistory logs scheduler-level events.
type SchedulerHistory struct {
	log logx.Logger
}

func NewSchedulerHistory(log logx.Logger) *SchedulerHistory {
	return &SchedulerHistory{log: log.With(logx.String("comp", "scheduler-history"))}
}

func (h *SchedulerHistory) OnSchedulerEvent(e SchedulerEvent) {
	fields := []logx.Field{logx.String("event", string(e.Type))}
	if !e.Job.IsZero() {
		fields = append(fields, logx.Stringer("job", e.Job))
	}
	if !e.Trigger.IsZero() {
		fields = append(fields, logx.Stringer("trigger", e.Trigger))
	}
	if e.Err != nil {
		h.log.Error("scheduler error", append(fields, logx.Err(e.Err))...)
		return
	}
	h.log.Info("scheduler event", fields...)
}
