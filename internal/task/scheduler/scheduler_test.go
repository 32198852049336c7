package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"chronod/internal/storage"
	"chronod/internal/task/engine"
	"chronod/internal/task/listener"
	"chronod/internal/task/schedule"
	"chronod/internal/task/store"
	logx "chronod/pkg/logx"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type harness struct {
	t     *testing.T
	s     *Scheduler
	clock *clockwork.FakeClock
}

// newHarness builds a scheduler whose loop is not running; tests drive it
// with fireDue and settle.
func newHarness(t *testing.T, cfg Config, pcfg engine.Config, opts ...Option) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	pool := engine.New(pcfg, logx.Nop(), nil)
	s := New(cfg, pool, logx.Nop(), append([]Option{WithClock(clock)}, opts...)...)
	pool.Start(context.Background())
	t.Cleanup(func() { _ = pool.Stop(context.Background(), false) })
	return &harness{t: t, s: s, clock: clock}
}

// settle processes completions until nothing is in flight.
func (h *harness) settle() {
	h.t.Helper()
	deadline := time.After(5 * time.Second)
	for h.s.inflight.Load() > 0 {
		select {
		case c := <-h.s.completions:
			h.s.inflight.Add(-1)
			h.s.complete(c)
		case <-deadline:
			h.t.Fatalf("%d executions still in flight", h.s.inflight.Load())
		}
	}
}

func (h *harness) step() {
	h.t.Helper()
	h.s.fireDue(h.clock.Now())
	h.settle()
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) watch(t *testing.T, s *Scheduler) {
	t.Helper()
	err := s.AddTriggerListener("rec", listener.TriggerFunc(func(e listener.TriggerEvent) listener.Verdict {
		if e.Type == listener.TriggerCompleted {
			r.add("trigger.%s(%s)", e.Type, e.Instruction)
		} else {
			r.add("trigger.%s", e.Type)
		}
		return listener.Proceed
	}))
	if err != nil {
		t.Fatal(err)
	}
	err = s.AddJobListener("rec", listener.JobFunc(func(e listener.JobEvent) listener.Verdict {
		r.add("job.%s", e.Type)
		return listener.Proceed
	}))
	if err != nil {
		t.Fatal(err)
	}
}

func counter(n *atomic.Int32) JobFunc {
	return func(context.Context, *ExecutionContext) error {
		n.Add(1)
		return nil
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestMisfirePolicies(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		policy   MisfirePolicy
		maxBack  int
		runs     int32
		misfires int
	}{
		{name: "do_nothing", policy: DoNothing, runs: 0, misfires: 1},
		{name: "fire_and_proceed", policy: FireAndProceed, runs: 1, misfires: 1},
		{name: "fire_and_proceed_over_cap", policy: FireAndProceed, maxBack: 2, runs: 0, misfires: 1},
		{name: "fire_all", policy: FireAllImmediately, runs: 3, misfires: 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, Config{MaxCoalescedBacklog: tc.maxBack}, engine.Config{Workers: 2})

			var backlog []int
			var mu sync.Mutex
			_ = h.s.AddTriggerListener("misfire", listener.TriggerFunc(func(e listener.TriggerEvent) listener.Verdict {
				if e.Type == listener.TriggerMisfired {
					mu.Lock()
					backlog = append(backlog, e.Misfire.Backlog)
					mu.Unlock()
					if !errors.Is(e.Misfire, ErrMisfireThresholdExceeded) {
						t.Errorf("misfire payload does not match ErrMisfireThresholdExceeded")
					}
				}
				return listener.Proceed
			}))

			var runs atomic.Int32
			next, err := h.s.ScheduleJob(
				&JobDetail{Key: NewKey("tick", ""), Durable: true, Body: counter(&runs)},
				Trigger{Key: NewKey("tick", ""), Schedule: schedule.MustCron("0 * * * * ?", time.UTC), Misfire: tc.policy},
			)
			if err != nil {
				t.Fatal(err)
			}
			if want := t0.Add(time.Minute); !next.Equal(want) {
				t.Fatalf("first fire = %s, want %s", next, want)
			}

			// Stall past three slots: 00:01, 00:02, 00:03.
			h.clock.Advance(3*time.Minute + 30*time.Second)
			for i := 0; i < 5; i++ {
				h.step()
			}

			if got := runs.Load(); got != tc.runs {
				t.Fatalf("runs = %d, want %d", got, tc.runs)
			}
			mu.Lock()
			defer mu.Unlock()
			if len(backlog) != tc.misfires || backlog[0] != 3 {
				t.Fatalf("misfire backlogs = %v, want %d events starting with 3", backlog, tc.misfires)
			}
			tr, ok := h.s.GetTrigger(NewKey("tick", ""))
			if !ok {
				t.Fatal("trigger gone")
			}
			if want := t0.Add(4 * time.Minute); !tr.NextFire.Equal(want) {
				t.Fatalf("next fire = %s, want %s", tr.NextFire, want)
			}
			if tr.State != store.StateWaiting {
				t.Fatalf("state = %s", tr.State)
			}
		})
	}
}

func TestNotificationOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, engine.Config{Workers: 1})
	rec := &recorder{}
	rec.watch(t, h.s)

	var runs atomic.Int32
	_, err := h.s.ScheduleJob(
		&JobDetail{Key: NewKey("tick", ""), Body: counter(&runs)},
		Trigger{Key: NewKey("tick", ""), Schedule: schedule.MustCron("0 * * * * ?", time.UTC)},
	)
	if err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(3*time.Minute + 30*time.Second)
	h.step()

	want := []string{
		"trigger.misfired",
		"trigger.fired",
		"job.to_be_executed",
		"job.was_executed",
		"trigger.completed(NOOP)",
	}
	if got := rec.list(); !equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestVetoSkipsExecutionButAdvances(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, engine.Config{Workers: 1})
	rec := &recorder{}
	rec.watch(t, h.s)
	_ = h.s.AddTriggerListener("veto", listener.TriggerFunc(func(e listener.TriggerEvent) listener.Verdict {
		if e.Type == listener.TriggerFired {
			return listener.Veto
		}
		return listener.Proceed
	}))

	var runs atomic.Int32
	_, err := h.s.ScheduleJob(
		&JobDetail{Key: NewKey("poll", ""), Body: counter(&runs)},
		Trigger{Key: NewKey("poll", ""), Schedule: schedule.Every(10 * time.Second)},
	)
	if err != nil {
		t.Fatal(err)
	}
	h.step()

	if runs.Load() != 0 {
		t.Fatalf("vetoed job ran")
	}
	want := []string{"trigger.fired", "job.execution_vetoed", "trigger.completed(NOOP)"}
	if got := rec.list(); !equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	tr, _ := h.s.GetTrigger(NewKey("poll", ""))
	if want := t0.Add(10 * time.Second); !tr.NextFire.Equal(want) || tr.TimesFired != 1 {
		t.Fatalf("trigger = next %s fired %d, want next %s fired 1", tr.NextFire, tr.TimesFired, want)
	}
}

func TestDeleteWhileAcquired(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, engine.Config{Workers: 1})
	key := NewKey("poll", "")
	_ = h.s.AddTriggerListener("deleter", listener.TriggerFunc(func(e listener.TriggerEvent) listener.Verdict {
		if e.Type == listener.TriggerFired {
			if ok, err := h.s.DeleteTrigger(key); !ok || err != nil {
				t.Errorf("DeleteTrigger = %v, %v", ok, err)
			}
		}
		return listener.Proceed
	}))

	var runs atomic.Int32
	_, err := h.s.ScheduleJob(&JobDetail{Key: key, Body: counter(&runs)}, Trigger{Key: key, Schedule: schedule.Every(10 * time.Second)})
	if err != nil {
		t.Fatal(err)
	}
	h.step()
	if runs.Load() != 1 {
		t.Fatalf("the firing in progress should still execute, runs = %d", runs.Load())
	}
	if _, ok := h.s.GetTrigger(key); ok {
		t.Fatal("deleted trigger came back")
	}
	if _, ok := h.s.store.NextFireTime(); ok {
		t.Fatal("stale queue entry left behind")
	}
	for i := 0; i < 3; i++ {
		h.clock.Advance(10 * time.Second)
		h.step()
	}
	if runs.Load() != 1 {
		t.Fatalf("deleted trigger fired again, runs = %d", runs.Load())
	}
}

func TestDurableJobSurvivesLastTrigger(t *testing.T) {
	t.Parallel()
	for _, durable := range []bool{true, false} {
		t.Run(fmt.Sprintf("durable=%v", durable), func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, Config{}, engine.Config{Workers: 1})
			rec := &recorder{}
			rec.watch(t, h.s)
			deleted := make(chan Key, 1)
			_ = h.s.AddSchedulerListener("deleted", listener.SchedulerFunc(func(e listener.SchedulerEvent) {
				if e.Type == listener.JobDeleted {
					deleted <- e.Job
				}
			}))

			var runs atomic.Int32
			key := NewKey("once", "reports")
			_, err := h.s.ScheduleJob(&JobDetail{Key: key, Durable: durable, Body: counter(&runs)}, Trigger{Key: key, Schedule: schedule.Once(0)})
			if err != nil {
				t.Fatal(err)
			}
			h.step()

			if runs.Load() != 1 {
				t.Fatalf("runs = %d", runs.Load())
			}
			if _, ok := h.s.GetTrigger(key); ok {
				t.Fatal("exhausted trigger still stored")
			}
			_, jobKept := h.s.GetJob(key)
			if jobKept != durable {
				t.Fatalf("job kept = %v, want %v", jobKept, durable)
			}
			if !durable && len(deleted) != 1 {
				t.Fatal("no job_deleted event for the non-durable job")
			}
			events := rec.list()
			if last := events[len(events)-1]; last != "trigger.completed(DELETE_TRIGGER)" {
				t.Fatalf("last event = %s", last)
			}
		})
	}
}

func TestFaultsAreCaptured(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, engine.Config{Workers: 2})
	boom := errors.New("boom")

	_, err := h.s.ScheduleJob(
		&JobDetail{Key: NewKey("fails", ""), Durable: true, Body: JobFunc(func(context.Context, *ExecutionContext) error { return boom })},
		Trigger{Key: NewKey("fails", ""), Schedule: schedule.Every(time.Second)},
	)
	if err != nil {
		t.Fatal(err)
	}
	_, err = h.s.ScheduleJob(
		&JobDetail{Key: NewKey("panics", ""), Durable: true, Body: JobFunc(func(context.Context, *ExecutionContext) error { panic("kaboom") })},
		Trigger{Key: NewKey("panics", ""), Schedule: schedule.Every(time.Second)},
	)
	if err != nil {
		t.Fatal(err)
	}
	h.step()
	h.clock.Advance(time.Second)
	h.step()

	rec, ok := h.s.LastFault(NewKey("fails", ""))
	if !ok || !errors.Is(rec.Fault, boom) || !errors.Is(rec.Fault, ErrJobExecutionFault) {
		t.Fatalf("fails fault = %+v, %v", rec, ok)
	}
	rec, ok = h.s.LastFault(NewKey("panics", ""))
	if !ok || rec.Fault.Panic != "kaboom" || rec.Fault.Stack == "" {
		t.Fatalf("panics fault = %+v, %v", rec, ok)
	}
	if n := len(h.s.Faults()); n != 4 {
		t.Fatalf("retained faults = %d, want 4", n)
	}
	tr, _ := h.s.GetTrigger(NewKey("panics", ""))
	if tr.State != store.StateWaiting || tr.TimesFired != 2 {
		t.Fatalf("panicking job's trigger = %s fired %d", tr.State, tr.TimesFired)
	}
}

func TestFixedDelayRunsFromCompletion(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, engine.Config{Workers: 1})

	var mu sync.Mutex
	var fired []time.Time
	body := JobFunc(func(_ context.Context, ec *ExecutionContext) error {
		mu.Lock()
		fired = append(fired, ec.ScheduledFire)
		mu.Unlock()
		h.clock.Advance(time.Second) // one second of work
		return nil
	})
	key := NewKey("delay", "")
	if _, err := h.s.ScheduleWithFixedDelay(key, body, 0, 5*time.Second, 3, nil); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 6; i++ {
		tr, ok := h.s.GetTrigger(key)
		if !ok {
			break
		}
		if tr.State == store.StateFired {
			t.Fatalf("trigger still FIRED between executions")
		}
		if d := tr.NextFire.Sub(h.clock.Now()); d > 0 {
			h.clock.Advance(d)
		}
		h.step()
	}

	mu.Lock()
	defer mu.Unlock()
	want := []time.Time{t0, t0.Add(6 * time.Second), t0.Add(12 * time.Second), t0.Add(18 * time.Second)}
	if len(fired) != len(want) {
		t.Fatalf("fired %d times at %v, want %v", len(fired), fired, want)
	}
	for i := range want {
		if !fired[i].Equal(want[i]) {
			t.Fatalf("fire %d at %s, want %s", i, fired[i], want[i])
		}
	}
	if _, ok := h.s.GetJob(key); ok {
		t.Fatal("non-durable fixed-delay job outlived its trigger")
	}
}

func TestCompletionInstructions(t *testing.T) {
	t.Parallel()

	t.Run("refire", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{}, engine.Config{Workers: 1})
		var refires []int
		var mu sync.Mutex
		body := JobFunc(func(_ context.Context, ec *ExecutionContext) error {
			mu.Lock()
			refires = append(refires, ec.RefireCount)
			mu.Unlock()
			if ec.RefireCount == 0 {
				return store.RefireImmediately(errors.New("transient"))
			}
			return nil
		})
		key := NewKey("flaky", "")
		if _, err := h.s.ScheduleJob(&JobDetail{Key: key, Body: body}, Trigger{Key: key, Schedule: schedule.Once(0)}); err != nil {
			t.Fatal(err)
		}
		h.step()
		mu.Lock()
		defer mu.Unlock()
		if len(refires) != 2 || refires[1] != 1 {
			t.Fatalf("refire counts = %v, want [0 1]", refires)
		}
	})

	t.Run("unschedule_all", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{}, engine.Config{Workers: 1})
		key := NewKey("stop", "")
		body := JobFunc(func(context.Context, *ExecutionContext) error {
			return store.UnscheduleAllTriggers(errors.New("done for good"))
		})
		if _, err := h.s.ScheduleJob(&JobDetail{Key: key, Body: body}, Trigger{Key: NewKey("a", ""), Schedule: schedule.Every(time.Second)}); err != nil {
			t.Fatal(err)
		}
		if _, err := h.s.ScheduleTrigger(Trigger{Key: NewKey("b", ""), JobKey: key, Schedule: schedule.Every(time.Hour), Start: t0.Add(time.Hour)}); err != nil {
			t.Fatal(err)
		}
		h.step()
		if keys := h.s.ListTriggers(""); len(keys) != 0 {
			t.Fatalf("triggers left = %v", keys)
		}
		if _, ok := h.s.GetJob(key); ok {
			t.Fatal("non-durable job left without triggers")
		}
	})

	t.Run("unschedule_firing", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{}, engine.Config{Workers: 1})
		key := NewKey("stop", "")
		body := JobFunc(func(context.Context, *ExecutionContext) error {
			return store.UnscheduleFiringTrigger(errors.New("enough"))
		})
		if _, err := h.s.ScheduleJob(&JobDetail{Key: key, Durable: true, Body: body}, Trigger{Key: key, Schedule: schedule.Every(time.Second)}); err != nil {
			t.Fatal(err)
		}
		h.step()
		if _, ok := h.s.GetTrigger(key); ok {
			t.Fatal("trigger not completed")
		}
		if _, ok := h.s.GetJob(key); !ok {
			t.Fatal("durable job removed")
		}
	})
}

func TestSaturatedPoolDefersTriggers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, engine.Config{Workers: 1, QueueSize: 1})

	started := make(chan struct{}, 3)
	release := make(chan struct{})
	body := JobFunc(func(context.Context, *ExecutionContext) error {
		started <- struct{}{}
		<-release
		return nil
	})
	mk := func(name string) {
		key := NewKey(name, "")
		if _, err := h.s.ScheduleJob(&JobDetail{Key: key, Body: body}, Trigger{Key: key, Schedule: schedule.Once(0)}); err != nil {
			t.Fatal(err)
		}
	}

	mk("a")
	h.s.fireDue(h.clock.Now())
	<-started // a is running, the queue is empty again

	mk("b")
	mk("c")
	h.s.fireDue(h.clock.Now())
	if !h.s.blocked {
		t.Fatal("loop not blocked on a full queue")
	}
	tr, ok := h.s.GetTrigger(NewKey("c", ""))
	if !ok || tr.State != store.StateWaiting || !tr.NextFire.Equal(t0) || tr.TimesFired != 0 {
		t.Fatalf("deferred trigger = %+v, %v", tr, ok)
	}

	close(release)
	h.settle()
	h.s.blocked = false
	h.step()
	if _, ok := h.s.GetTrigger(NewKey("c", "")); ok {
		t.Fatal("deferred trigger never fired")
	}
}

func TestRegistrationErrors(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, engine.Config{Workers: 1})
	noop := JobFunc(func(context.Context, *ExecutionContext) error { return nil })

	if _, err := h.s.ScheduleTrigger(Trigger{Key: NewKey("t", ""), JobKey: NewKey("ghost", ""), Schedule: schedule.Every(time.Second)}); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("unknown job: %v", err)
	}
	if err := h.s.AddJob(&JobDetail{Key: NewKey("loose", ""), Body: noop}, false); err == nil {
		t.Fatal("non-durable job without trigger accepted")
	}
	if err := h.s.AddJob(&JobDetail{Key: NewKey("kept", ""), Durable: true, Body: noop}, false); err != nil {
		t.Fatal(err)
	}
	if err := h.s.AddJob(&JobDetail{Key: NewKey("kept", ""), Durable: true, Body: noop}, false); !errors.Is(err, ErrDuplicateIdentity) {
		t.Fatalf("duplicate job: %v", err)
	}
	_, err := h.s.ScheduleTrigger(Trigger{
		Key:      NewKey("too-late", ""),
		JobKey:   NewKey("kept", ""),
		Schedule: schedule.Once(2 * time.Hour),
		End:      t0.Add(time.Hour),
	})
	if !errors.Is(err, ErrScheduleExhausted) {
		t.Fatalf("exhausted schedule: %v", err)
	}
	if err := h.s.TriggerJob(NewKey("ghost", ""), nil); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("TriggerJob unknown: %v", err)
	}
	if _, err := h.s.RescheduleTrigger(NewKey("ghost", ""), Trigger{Schedule: schedule.Once(0)}); !errors.Is(err, ErrUnknownTrigger) {
		t.Fatalf("Reschedule unknown: %v", err)
	}
}

func TestTriggerJobAndReschedule(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, engine.Config{Workers: 1})

	var mu sync.Mutex
	var seen []string
	body := JobFunc(func(_ context.Context, ec *ExecutionContext) error {
		mu.Lock()
		seen = append(seen, ec.Data.String("who"))
		mu.Unlock()
		return nil
	})
	key := NewKey("greet", "")
	if err := h.s.AddJob(&JobDetail{Key: key, Durable: true, Data: DataMap{"who": "job"}, Body: body}, false); err != nil {
		t.Fatal(err)
	}
	if err := h.s.TriggerJob(key, DataMap{"who": "manual"}); err != nil {
		t.Fatal(err)
	}
	h.step()

	if _, err := h.s.ScheduleTrigger(Trigger{Key: NewKey("hourly", ""), JobKey: key, Schedule: schedule.Every(time.Hour), Start: t0.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}
	next, err := h.s.RescheduleTrigger(NewKey("hourly", ""), Trigger{Schedule: schedule.Once(time.Minute)})
	if err != nil {
		t.Fatal(err)
	}
	if want := t0.Add(time.Minute); !next.Equal(want) {
		t.Fatalf("rescheduled next = %s, want %s", next, want)
	}
	h.clock.Advance(time.Minute)
	h.step()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != "manual" || seen[1] != "job" {
		t.Fatalf("seen = %v", seen)
	}
	if keys := h.s.ListTriggers(ManualGroup); len(keys) != 0 {
		t.Fatalf("manual triggers left = %v", keys)
	}
}

func TestPauseAndResume(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, engine.Config{Workers: 1})
	var runs atomic.Int32
	key := NewKey("poll", "")
	if _, err := h.s.ScheduleJob(&JobDetail{Key: key, Body: counter(&runs)}, Trigger{Key: key, Schedule: schedule.Every(10 * time.Second), Misfire: DoNothing}); err != nil {
		t.Fatal(err)
	}
	if err := h.s.PauseJob(key); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(5 * time.Minute)
	h.step()
	if runs.Load() != 0 {
		t.Fatal("paused trigger fired")
	}
	if err := h.s.ResumeJob(key); err != nil {
		t.Fatal(err)
	}
	h.step()
	if runs.Load() != 0 {
		t.Fatal("do_nothing trigger fired its backlog after resume")
	}
	tr, _ := h.s.GetTrigger(key)
	if !tr.NextFire.After(h.clock.Now()) {
		t.Fatalf("next fire %s not after now", tr.NextFire)
	}
	if err := h.s.PauseTrigger(NewKey("ghost", "")); !errors.Is(err, ErrUnknownTrigger) {
		t.Fatalf("pause unknown: %v", err)
	}
}

func TestLifecycleWithLoop(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClockAt(t0)
	s := New(Config{InstanceName: "test"}, engine.New(engine.Config{Workers: 2}, logx.Nop(), nil), logx.Nop(), WithClock(clock))
	rec := &recorder{}
	_ = s.AddSchedulerListener("rec", listener.SchedulerFunc(func(e listener.SchedulerEvent) {
		rec.add("%s", e.Type)
	}))

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	key := NewKey("slow", "")
	body := JobFunc(func(context.Context, *ExecutionContext) error {
		close(started)
		<-release
		return nil
	})
	_ = s.AddTriggerListener("done", listener.TriggerFunc(func(e listener.TriggerEvent) listener.Verdict {
		if e.Type == listener.TriggerCompleted {
			close(done)
		}
		return listener.Proceed
	}))
	if _, err := s.ScheduleJob(&JobDetail{Key: key, Body: body}, Trigger{Key: key, Schedule: schedule.Once(0)}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}

	shut := make(chan error, 1)
	go func() { shut <- s.Shutdown(ctx, true) }()
	select {
	case err := <-shut:
		t.Fatalf("graceful shutdown returned before the job finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case err := <-shut:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown hung")
	}
	select {
	case <-done:
	default:
		t.Fatal("completion not processed before shutdown returned")
	}

	if _, err := s.ScheduleJob(&JobDetail{Key: NewKey("late", ""), Body: body}, Trigger{Key: NewKey("late", ""), Schedule: schedule.Once(0)}); !errors.Is(err, ErrShutdownInProgress) {
		t.Fatalf("schedule after shutdown: %v", err)
	}
	if err := s.Start(ctx); !errors.Is(err, ErrShutdownInProgress) {
		t.Fatalf("start after shutdown: %v", err)
	}
	if err := s.Shutdown(ctx, true); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	want := []string{"job_added", "job_scheduled", "started", "trigger_finalized", "job_deleted", "shutting_down", "shutdown"}
	if got := rec.list(); !equal(got, want) {
		t.Fatalf("scheduler events = %v, want %v", got, want)
	}
	if snap := s.Snapshot(); snap.State != "shutdown" || snap.Fired != 1 || snap.InFlight != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestImmediateShutdownCancels(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClockAt(t0)
	s := New(Config{}, engine.New(engine.Config{Workers: 1}, logx.Nop(), nil), logx.Nop(), WithClock(clock))

	started := make(chan struct{})
	canceled := make(chan struct{})
	key := NewKey("stuck", "")
	body := JobFunc(func(ctx context.Context, _ *ExecutionContext) error {
		close(started)
		<-ctx.Done()
		close(canceled)
		return ctx.Err()
	})
	if _, err := s.ScheduleJob(&JobDetail{Key: key, Body: body}, Trigger{Key: key, Schedule: schedule.Once(0)}); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	<-started

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.Shutdown(sctx, false); err != nil {
		t.Fatal(err)
	}
	select {
	case <-canceled:
	case <-time.After(5 * time.Second):
		t.Fatal("running job was not canceled")
	}
	if s.State() != StateShutdown {
		t.Fatalf("state = %s", s.State())
	}
}

func TestRecoveryRefiresOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	j := storage.NewMemory()
	scheduled := t0.Add(-time.Hour)
	err := j.Begin(ctx, storage.Execution{
		FireID: "crashed", JobName: "report", JobGroup: store.DefaultGroup,
		TriggerName: "nightly", TriggerGroup: store.DefaultGroup, Priority: 7,
		ScheduledFire: scheduled, Started: scheduled,
	})
	if err != nil {
		t.Fatal(err)
	}

	run := func(wait time.Duration) []*ExecutionContext {
		clock := clockwork.NewFakeClockAt(t0)
		s := New(Config{}, engine.New(engine.Config{Workers: 1}, logx.Nop(), nil), logx.Nop(), WithClock(clock), WithJournal(j))
		got := make(chan *ExecutionContext, 4)
		body := JobFunc(func(_ context.Context, ec *ExecutionContext) error {
			got <- ec
			return nil
		})
		if err := s.AddJob(&JobDetail{Key: NewKey("report", ""), Durable: true, RequestsRecovery: true, Body: body}, false); err != nil {
			t.Fatal(err)
		}
		if err := s.Start(ctx); err != nil {
			t.Fatal(err)
		}
		var out []*ExecutionContext
		select {
		case ec := <-got:
			out = append(out, ec)
		case <-time.After(wait):
		}
		if err := s.Shutdown(ctx, true); err != nil {
			t.Fatal(err)
		}
		return out
	}

	first := run(5 * time.Second)
	if len(first) != 1 {
		t.Fatalf("first start ran %d recoveries, want 1", len(first))
	}
	ec := first[0]
	if !ec.Recovering || !ec.Recovered.Equal(scheduled) || ec.TriggerKey.Group != "RECOVERING_JOBS" {
		t.Fatalf("recovery context = %+v", ec)
	}
	if second := run(100 * time.Millisecond); len(second) != 0 {
		t.Fatalf("second start re-ran recovery %d times", len(second))
	}
	left, err := j.Interrupted(ctx)
	if err != nil || len(left) != 0 {
		t.Fatalf("interrupted after recovery = %v, %v", left, err)
	}
}

func TestStandbyBeforeStart(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClockAt(t0)
	s := New(Config{}, engine.New(engine.Config{Workers: 1}, logx.Nop(), nil), logx.Nop(), WithClock(clock))
	ran := make(chan struct{}, 1)
	key := NewKey("early", "")
	body := JobFunc(func(context.Context, *ExecutionContext) error {
		ran <- struct{}{}
		return nil
	})
	if _, err := s.ScheduleJob(&JobDetail{Key: key, Body: body}, Trigger{Key: key, Schedule: schedule.Once(0)}); err != nil {
		t.Fatal(err)
	}
	if err := s.Standby(); err != nil {
		t.Fatal(err)
	}
	if s.State() != StateStandby {
		t.Fatalf("state = %s", s.State())
	}

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatalf("job never ran after Standby then Start (state=%s)", s.State())
	}

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.Shutdown(sctx, true); err != nil {
		t.Fatal(err)
	}
}

func TestStandbyHoldsTriggersUntilStart(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClockAt(t0)
	s := New(Config{}, engine.New(engine.Config{Workers: 1}, logx.Nop(), nil), logx.Nop(), WithClock(clock))
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Shutdown(context.Background(), false) })
	if err := s.Standby(); err != nil {
		t.Fatal(err)
	}

	var runs atomic.Int32
	key := NewKey("held", "")
	if _, err := s.ScheduleJob(&JobDetail{Key: key, Body: counter(&runs)}, Trigger{Key: key, Schedule: schedule.Once(0)}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if runs.Load() != 0 {
		t.Fatal("trigger fired in standby")
	}

	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("trigger did not fire after resuming")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestShutdownNeverStartedStandby(t *testing.T) {
	t.Parallel()
	for _, wait := range []bool{true, false} {
		t.Run(fmt.Sprintf("wait=%v", wait), func(t *testing.T) {
			s := New(Config{}, engine.New(engine.Config{Workers: 1}, logx.Nop(), nil), logx.Nop())
			if err := s.Standby(); err != nil {
				t.Fatal(err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.Shutdown(ctx, wait); err != nil {
				t.Fatal(err)
			}
			if s.State() != StateShutdown {
				t.Fatalf("state = %s", s.State())
			}
		})
	}
}

func TestStartContextDoesNotCancelExecutions(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClockAt(t0)
	s := New(Config{}, engine.New(engine.Config{Workers: 1}, logx.Nop(), nil), logx.Nop(), WithClock(clock))

	started := make(chan struct{})
	release := make(chan struct{})
	result := make(chan error, 1)
	key := NewKey("long", "")
	body := JobFunc(func(ctx context.Context, _ *ExecutionContext) error {
		close(started)
		select {
		case <-ctx.Done():
			result <- ctx.Err()
			return ctx.Err()
		case <-release:
			result <- nil
			return nil
		}
	})
	if _, err := s.ScheduleJob(&JobDetail{Key: key, Body: body}, Trigger{Key: key, Schedule: schedule.Once(0)}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	<-started
	cancel()
	time.Sleep(50 * time.Millisecond)
	if s.State() != StateRunning {
		t.Fatalf("state after Start ctx canceled = %s", s.State())
	}

	shut := make(chan error, 1)
	go func() { shut <- s.Shutdown(context.Background(), true) }()
	close(release)
	select {
	case err := <-shut:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("graceful shutdown hung")
	}
	if err := <-result; err != nil {
		t.Fatalf("execution ended with %v, want a normal finish", err)
	}
}

func TestMutatorsRejectedAfterShutdown(t *testing.T) {
	t.Parallel()
	s := New(Config{}, engine.New(engine.Config{Workers: 1}, logx.Nop(), nil), logx.Nop())
	key := NewKey("j", "")
	if err := s.AddJob(&JobDetail{Key: key, Durable: true, Body: JobFunc(func(context.Context, *ExecutionContext) error { return nil })}, false); err != nil {
		t.Fatal(err)
	}
	if err := s.Shutdown(context.Background(), true); err != nil {
		t.Fatal(err)
	}

	ops := map[string]func() error{
		"PauseTrigger":  func() error { return s.PauseTrigger(key) },
		"PauseJob":      func() error { return s.PauseJob(key) },
		"PauseAll":      s.PauseAll,
		"ResumeTrigger": func() error { return s.ResumeTrigger(key) },
		"ResumeJob":     func() error { return s.ResumeJob(key) },
		"ResumeAll":     s.ResumeAll,
		"AddJobListener": func() error {
			return s.AddJobListener("x", listener.JobFunc(func(listener.JobEvent) listener.Verdict { return listener.Proceed }))
		},
		"AddTriggerListener": func() error {
			return s.AddTriggerListener("x", listener.TriggerFunc(func(listener.TriggerEvent) listener.Verdict { return listener.Proceed }))
		},
		"AddSchedulerListener": func() error {
			return s.AddSchedulerListener("x", listener.SchedulerFunc(func(listener.SchedulerEvent) {}))
		},
		"RemoveJobListener": func() error {
			_, err := s.RemoveJobListener("x")
			return err
		},
		"RemoveTriggerListener": func() error {
			_, err := s.RemoveTriggerListener("x")
			return err
		},
		"RemoveSchedulerListener": func() error {
			_, err := s.RemoveSchedulerListener("x")
			return err
		},
	}
	for name, op := range ops {
		if err := op(); !errors.Is(err, ErrShutdownInProgress) {
			t.Errorf("%s after shutdown = %v, want ErrShutdownInProgress", name, err)
		}
	}
}
