package listener

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"chronod/internal/task/store"
	logx "chronod/pkg/logx"
)

func TestNotifyInInsertionOrder(t *testing.T) {
	t.Parallel()
	b := New(logx.Nop(), 0)
	var calls []string
	add := func(name, tag string) {
		if err := b.AddSchedulerListener(name, SchedulerFunc(func(SchedulerEvent) { calls = append(calls, tag) })); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}
	add("a", "a1")
	add("b", "b1")
	add("c", "c1")
	add("a", "a2") // replaced in place

	if !b.RemoveSchedulerListener("b") {
		t.Fatalf("remove b reported absent")
	}
	if b.RemoveSchedulerListener("missing") {
		t.Fatalf("removing an unknown listener must be a no-op")
	}

	b.NotifyScheduler(SchedulerEvent{Type: SchedulerStarted})
	if got := strings.Join(calls, ","); got != "a2,c1" {
		t.Fatalf("call order = %s, want a2,c1", got)
	}
	names, _, _ := b.Names()
	if strings.Join(names, ",") != "a,c" {
		t.Fatalf("names = %v", names)
	}
}

func TestPanickingListenerIsIsolated(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	b := New(logx.NewWriter(&buf, "debug"), 0)

	reached := false
	_ = b.AddTriggerListener("boom", TriggerFunc(func(TriggerEvent) Verdict { panic("listener bug") }))
	_ = b.AddTriggerListener("veto", TriggerFunc(func(TriggerEvent) Verdict { return Veto }))
	_ = b.AddTriggerListener("after", TriggerFunc(func(TriggerEvent) Verdict {
		reached = true
		return Proceed
	}))

	if v := b.NotifyTrigger(TriggerEvent{Type: TriggerFired}); v != Veto {
		t.Fatalf("verdict = %v, want Veto", v)
	}
	if !reached {
		t.Fatalf("listener after a panicking one was skipped")
	}
	if b.ListenerPanics() != 1 {
		t.Fatalf("panics = %d, want 1", b.ListenerPanics())
	}
	if !strings.Contains(buf.String(), "listener panicked") {
		t.Fatalf("panic not logged: %s", buf.String())
	}
}

func TestJobVetoAggregation(t *testing.T) {
	t.Parallel()
	b := New(logx.Nop(), 0)
	_ = b.AddJobListener("ok", JobFunc(func(JobEvent) Verdict { return Proceed }))
	if v := b.NotifyJob(JobEvent{Type: JobToBeExecuted}); v != Proceed {
		t.Fatalf("verdict = %v, want Proceed", v)
	}
	_ = b.AddJobListener("no", JobFunc(func(e JobEvent) Verdict {
		if e.Type == JobToBeExecuted {
			return Veto
		}
		return Proceed
	}))
	if v := b.NotifyJob(JobEvent{Type: JobToBeExecuted}); v != Veto {
		t.Fatalf("verdict = %v, want Veto", v)
	}
}

func TestFaultHistoryBounded(t *testing.T) {
	t.Parallel()
	b := New(logx.Nop(), 3)
	a := store.NewKey("a", "")
	c := store.NewKey("c", "")

	for i := 0; i < 5; i++ {
		job := a
		if i == 1 {
			job = c
		}
		b.NotifyJob(JobEvent{
			Type:  JobWasExecuted,
			Fault: &store.JobExecutionFault{Job: job, FireID: string(rune('0' + i)), Err: errors.New("boom")},
		})
	}
	b.NotifyJob(JobEvent{Type: JobWasExecuted}) // success, not retained

	if got := len(b.Faults()); got != 3 {
		t.Fatalf("retained %d faults, want 3", got)
	}
	last, ok := b.LastFault(store.Key{Name: "a"})
	if !ok || last.FireID != "4" {
		t.Fatalf("LastFault(a) = %+v (ok=%v)", last, ok)
	}
	if _, ok := b.LastFault(c); ok {
		t.Fatalf("fault of c should have been evicted")
	}
}

func TestAddRejectsBadInput(t *testing.T) {
	t.Parallel()
	b := New(logx.Nop(), 0)
	if err := b.AddJobListener(" ", JobFunc(func(JobEvent) Verdict { return Proceed })); err == nil {
		t.Fatalf("blank name accepted")
	}
	if err := b.AddJobListener("nil", nil); err == nil {
		t.Fatalf("nil listener accepted")
	}
}

func TestTriggerHistoryThrottlesMisfires(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewTriggerHistory(logx.NewWriter(&buf, "info"), time.Hour, 1)

	ev := TriggerEvent{
		Type:    TriggerMisfired,
		Trigger: store.Trigger{Key: store.NewKey("t", ""), JobKey: store.NewKey("j", "")},
		Misfire: &store.MisfireError{Backlog: 3, Lateness: 5 * time.Minute},
	}
	for i := 0; i < 3; i++ {
		h.OnTriggerEvent(ev)
	}
	if n := strings.Count(buf.String(), "trigger misfired"); n != 1 {
		t.Fatalf("logged %d misfire lines, want 1", n)
	}
	if h.Suppressed() != 2 {
		t.Fatalf("suppressed = %d, want 2", h.Suppressed())
	}

	h.OnTriggerEvent(TriggerEvent{Type: TriggerCompleted, Trigger: ev.Trigger, Instruction: store.DeleteTrigger})
	if !strings.Contains(buf.String(), "DELETE_TRIGGER") {
		t.Fatalf("completion not logged: %s", buf.String())
	}
}

func TestJobHistoryLogsFault(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewJobHistory(logx.NewWriter(&buf, "info"))
	ec := &store.ExecutionContext{JobKey: store.NewKey("j", ""), TriggerKey: store.NewKey("t", ""), FireID: "f1"}

	h.OnJobEvent(JobEvent{Type: JobToBeExecuted, Exec: ec})
	h.OnJobEvent(JobEvent{Type: JobWasExecuted, Exec: ec, Fault: &store.JobExecutionFault{Job: ec.JobKey, Err: errors.New("disk full")}})

	out := buf.String()
	if !strings.Contains(out, "job about to execute") || !strings.Contains(out, "disk full") {
		t.Fatalf("unexpected history output: %s", out)
	}
}
