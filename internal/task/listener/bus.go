package listener

import (
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chronod/internal/task/store"
	logx "chronod/pkg/logx"
)

const defaultHistorySize = 100

// registry is an insertion-ordered name -> listener map.
type registry[T any] struct {
	names  []string
	byName map[string]T
}

func (r *registry[T]) add(name string, l T) {
	if r.byName == nil {
		r.byName = map[string]T{}
	}
	if _, ok := r.byName[name]; !ok {
		r.names = append(r.names, name)
	}
	r.byName[name] = l
}

func (r *registry[T]) remove(name string) bool {
	if _, ok := r.byName[name]; !ok {
		return false
	}
	delete(r.byName, name)
	for i, n := range r.names {
		if n == name {
			r.names = append(r.names[:i:i], r.names[i+1:]...)
			break
		}
	}
	return true
}

type entry[T any] struct {
	name string
	l    T
}

func (r *registry[T]) snapshot() []entry[T] {
	out := make([]entry[T], 0, len(r.names))
	for _, n := range r.names {
		out = append(out, entry[T]{name: n, l: r.byName[n]})
	}
	return out
}

// FaultRecord is one retained job failure.
type FaultRecord struct {
	At      time.Time
	Job     store.Key
	Trigger store.Key
	FireID  string
	Error   string
	Fault   *store.JobExecutionFault
}

// Bus holds the three listener channels and the fault history.
type Bus struct {
	log logx.Logger

	mu        sync.RWMutex
	scheduler registry[SchedulerListener]
	job       registry[JobListener]
	trigger   registry[TriggerListener]

	hmu         sync.Mutex
	historySize int
	faults      []FaultRecord

	listenerPanics atomic.Uint64
}

// New returns a bus retaining up to historySize faults (default 100).
func New(log logx.Logger, historySize int) *Bus {
	if log.IsZero() {
		log = logx.Nop()
	}
	if historySize <= 0 {
		historySize = defaultHistorySize
	}
	return &Bus{log: log, historySize: historySize}
}

// AddSchedulerListener registers l under name. Re-using a name replaces the
// listener in place, keeping its position.
func (b *Bus) AddSchedulerListener(name string, l SchedulerListener) error {
	if err := checkName(name, l == nil); err != nil {
		return err
	}
	b.mu.Lock()
	b.scheduler.add(name, l)
	b.mu.Unlock()
	return nil
}

func (b *Bus) AddJobListener(name string, l JobListener) error {
	if err := checkName(name, l == nil); err != nil {
		return err
	}
	b.mu.Lock()
	b.job.add(name, l)
	b.mu.Unlock()
	return nil
}

func (b *Bus) AddTriggerListener(name string, l TriggerListener) error {
	if err := checkName(name, l == nil); err != nil {
		return err
	}
	b.mu.Lock()
	b.trigger.add(name, l)
	b.mu.Unlock()
	return nil
}

// RemoveSchedulerListener reports whether name was registered.
func (b *Bus) RemoveSchedulerListener(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scheduler.remove(name)
}

func (b *Bus) RemoveJobListener(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.job.remove(name)
}

func (b *Bus) RemoveTriggerListener(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trigger.remove(name)
}

// Names lists registered listeners per channel, in call order.
func (b *Bus) Names() (scheduler, job, trigger []string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.scheduler.names...),
		append([]string(nil), b.job.names...),
		append([]string(nil), b.trigger.names...)
}

func (b *Bus) NotifyScheduler(e SchedulerEvent) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.RLock()
	ls := b.scheduler.snapshot()
	b.mu.RUnlock()
	for _, it := range ls {
		b.guard("scheduler", it.name, string(e.Type), func() Verdict {
			it.l.OnSchedulerEvent(e)
			return Proceed
		})
	}
}

// NotifyJob calls every job listener and returns Veto if any of them vetoed.
// A failed JobWasExecuted is also added to the fault history.
func (b *Bus) NotifyJob(e JobEvent) Verdict {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if e.Type == JobWasExecuted && e.Fault != nil {
		b.recordFault(e)
	}
	b.mu.RLock()
	ls := b.job.snapshot()
	b.mu.RUnlock()
	verdict := Proceed
	for _, it := range ls {
		if b.guard("job", it.name, string(e.Type), func() Verdict { return it.l.OnJobEvent(e) }) == Veto {
			verdict = Veto
		}
	}
	return verdict
}

// NotifyTrigger calls every trigger listener and returns Veto if any of
// them vetoed.
func (b *Bus) NotifyTrigger(e TriggerEvent) Verdict {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.RLock()
	ls := b.trigger.snapshot()
	b.mu.RUnlock()
	verdict := Proceed
	for _, it := range ls {
		if b.guard("trigger", it.name, string(e.Type), func() Verdict { return it.l.OnTriggerEvent(e) }) == Veto {
			verdict = Veto
		}
	}
	return verdict
}

// guard runs one listener call. A panic counts as Proceed.
func (b *Bus) guard(channel, name, event string, fn func() Verdict) (v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			b.listenerPanics.Add(1)
			b.log.Error("listener panicked",
				logx.String("channel", channel),
				logx.String("listener", name),
				logx.String("event", event),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			v = Proceed
		}
	}()
	return fn()
}

// ListenerPanics counts recovered listener panics.
func (b *Bus) ListenerPanics() uint64 { return b.listenerPanics.Load() }

func (b *Bus) recordFault(e JobEvent) {
	rec := FaultRecord{At: e.At, Fault: e.Fault, Job: e.Fault.Job, Trigger: e.Fault.Trigger, FireID: e.Fault.FireID, Error: e.Fault.Error()}
	b.hmu.Lock()
	b.faults = append(b.faults, rec)
	if len(b.faults) > b.historySize {
		b.faults = b.faults[len(b.faults)-b.historySize:]
	}
	b.hmu.Unlock()
}

// LastFault returns the most recent retained fault of a job.
func (b *Bus) LastFault(job store.Key) (FaultRecord, bool) {
	job = store.NewKey(job.Name, job.Group)
	b.hmu.Lock()
	defer b.hmu.Unlock()
	for i := len(b.faults) - 1; i >= 0; i-- {
		if b.faults[i].Job == job {
			return b.faults[i], true
		}
	}
	return FaultRecord{}, false
}

// Faults returns the retained faults, oldest first.
func (b *Bus) Faults() []FaultRecord {
	b.hmu.Lock()
	defer b.hmu.Unlock()
	out := make([]FaultRecord, len(b.faults))
	copy(out, b.faults)
	return out
}

func checkName(name string, nilListener bool) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("listener name required")
	}
	if nilListener {
		return fmt.Errorf("listener %q is nil", name)
	}
	return nil
}
