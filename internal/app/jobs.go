package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chronod/internal/config"
	"chronod/internal/task/schedule"
	"chronod/internal/task/scheduler"
	logx "chronod/pkg/logx"
)

const defaultSleep = time.Second

// newBody builds the job body for a config kind.
func newBody(kind string, log logx.Logger) (scheduler.Job, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "log":
		return logBody(log), nil
	case "sleep":
		return sleepBody(log), nil
	default:
		return nil, fmt.Errorf("unknown job kind %q", kind)
	}
}

// logBody logs the jobDesc entry of the merged job data.
func logBody(log logx.Logger) scheduler.JobFunc {
	return func(_ context.Context, ec *scheduler.ExecutionContext) error {
		fields := []logx.Field{
			logx.String("desc", ec.Data.String("jobDesc")),
			logx.Stringer("job", ec.JobKey),
			logx.Stringer("trigger", ec.TriggerKey),
			logx.Time("scheduled", ec.ScheduledFire),
			logx.Time("fired", ec.Fired),
		}
		if !ec.NextFire.IsZero() {
			fields = append(fields, logx.Time("next", ec.NextFire))
		}
		if ec.Recovering {
			fields = append(fields, logx.Time("recovered_fire", ec.Recovered))
		}
		log.Info("job running", fields...)
		return nil
	}
}

// sleepBody waits for the "sleep" data entry ("1500ms", or seconds as a
// number) and gives up early when the execution is canceled.
func sleepBody(log logx.Logger) scheduler.JobFunc {
	return func(ctx context.Context, ec *scheduler.ExecutionContext) error {
		d, err := sleepFor(ec.Data)
		if err != nil {
			return err
		}
		log.Debug("job sleeping", logx.Stringer("job", ec.JobKey), logx.Duration("for", d))
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		ec.Result = d.String()
		return nil
	}
}

func sleepFor(data scheduler.DataMap) (time.Duration, error) {
	switch v := data["sleep"].(type) {
	case nil:
		return defaultSleep, nil
	case string:
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil || d < 0 {
			return 0, fmt.Errorf("sleep: invalid duration %q", v)
		}
		return d, nil
	case int:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("sleep: unsupported value %v", v)
	}
}

// buildJob turns a declared job into its detail and triggers. Trigger start
// and end offsets are taken relative to now.
func buildJob(jc config.JobConfig, loc *time.Location, now time.Time, log logx.Logger) (*scheduler.JobDetail, []scheduler.Trigger, error) {
	key := scheduler.NewKey(jc.Name, jc.Group)
	body, err := newBody(jc.Kind, log.With(logx.String("kind", jc.Kind)))
	if err != nil {
		return nil, nil, fmt.Errorf("job %s: %w", key, err)
	}
	job := &scheduler.JobDetail{
		Key:              key,
		Description:      jc.Description,
		Durable:          jc.Durable,
		RequestsRecovery: jc.RequestsRecovery,
		Data:             scheduler.DataMap(jc.Data),
		Body:             body,
	}
	triggers := make([]scheduler.Trigger, 0, len(jc.Triggers))
	var errs []error
	for _, tc := range jc.Triggers {
		t, err := buildTrigger(key, tc, loc, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", key, err))
			continue
		}
		triggers = append(triggers, t)
	}
	if len(errs) > 0 {
		return nil, nil, errors.Join(errs...)
	}
	return job, triggers, nil
}

func buildTrigger(job scheduler.Key, tc config.TriggerConfig, loc *time.Location, now time.Time) (scheduler.Trigger, error) {
	key := scheduler.NewKey(tc.Name, tc.Group)
	sch, err := schedule.Parse(tc.Schedule, loc)
	if err != nil {
		return scheduler.Trigger{}, fmt.Errorf("trigger %s: %w", key, err)
	}
	if simple, ok := sch.(schedule.Simple); ok {
		if tc.FixedDelay {
			simple.Mode = schedule.FixedDelay
		}
		if tc.Repeat != nil {
			simple.Repeat = *tc.Repeat
		}
		sch = simple
	} else if tc.FixedDelay || tc.Repeat != nil {
		return scheduler.Trigger{}, fmt.Errorf("trigger %s: fixed_delay and repeat need an interval schedule", key)
	}
	misfire, err := scheduler.ParseMisfirePolicy(tc.Misfire)
	if err != nil {
		return scheduler.Trigger{}, fmt.Errorf("trigger %s: %w", key, err)
	}
	delay, err := config.ParseDurationField("start_delay", tc.StartDelay)
	if err != nil {
		return scheduler.Trigger{}, fmt.Errorf("trigger %s: %w", key, err)
	}
	endAfter, err := config.ParseDurationField("end_after", tc.EndAfter)
	if err != nil {
		return scheduler.Trigger{}, fmt.Errorf("trigger %s: %w", key, err)
	}
	t := scheduler.Trigger{
		Key:         key,
		JobKey:      job,
		Description: tc.Description,
		Priority:    tc.Priority,
		Schedule:    sch,
		Misfire:     misfire,
		Start:       now.Add(delay),
		Data:        scheduler.DataMap(tc.Data),
	}
	if endAfter > 0 {
		t.End = now.Add(endAfter)
	}
	return t, nil
}

// scheduleJob registers a declared job. The first trigger is stored with
// the job, the rest are added to it.
func scheduleJob(s *scheduler.Scheduler, job *scheduler.JobDetail, triggers []scheduler.Trigger) (time.Time, error) {
	if len(triggers) == 0 {
		return time.Time{}, s.AddJob(job, false)
	}
	first, err := s.ScheduleJob(job, triggers[0])
	if err != nil {
		return time.Time{}, err
	}
	for _, t := range triggers[1:] {
		next, err := s.ScheduleTrigger(t)
		if err != nil {
			return first, err
		}
		if next.Before(first) {
			first = next
		}
	}
	return first, nil
}
