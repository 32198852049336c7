package store

import (
	"container/heap"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store is an in-memory job and trigger store.
//
// All structural mutations take the store mutex. Heap entries carry the
// version of the trigger record they were pushed for; pausing, deleting or
// re-queuing a trigger bumps the version so stale entries are skipped when
// they surface.
type Store struct {
	mu sync.Mutex

	jobs     map[Key]*JobDetail
	triggers map[Key]*triggerRec
	byJob    map[Key]map[Key]struct{}
	queue    fireQueue

	gen       uint64
	pausedAll bool
}

type triggerRec struct {
	t   Trigger
	ver uint64
	// pausePending is set when a trigger is paused while a firing holds it.
	pausePending bool
}

func New() *Store {
	return &Store{
		jobs:     map[Key]*JobDetail{},
		triggers: map[Key]*triggerRec{},
		byJob:    map[Key]map[Key]struct{}{},
	}
}

// StoreJob registers a job. An existing job with the same key is replaced
// only when replace is true.
func (s *Store) StoreJob(j *JobDetail, replace bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeJobLocked(j, replace)
}

// StoreTrigger registers a trigger for an existing job.
func (s *Store) StoreTrigger(t Trigger, replace bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeTriggerLocked(t, replace)
}

// StoreJobAndTrigger registers both atomically.
func (s *Store) StoreJobAndTrigger(j *JobDetail, t Trigger, replace bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j == nil {
		return fmt.Errorf("job required")
	}
	jk := j.Key.normalize()
	tk := t.Key.normalize()
	if _, ok := s.jobs[jk]; ok && !replace {
		return fmt.Errorf("job %s: %w", jk, ErrDuplicateIdentity)
	}
	if _, ok := s.triggers[tk]; ok && !replace {
		return fmt.Errorf("trigger %s: %w", tk, ErrDuplicateIdentity)
	}
	t.JobKey = jk
	if err := t.Validate(); err != nil {
		return err
	}
	if err := s.storeJobLocked(j, replace); err != nil {
		return err
	}
	return s.storeTriggerLocked(t, replace)
}

func (s *Store) storeJobLocked(j *JobDetail, replace bool) error {
	if j == nil {
		return fmt.Errorf("job required")
	}
	c := j.clone()
	c.Key = c.Key.normalize()
	if c.Key.IsZero() {
		return fmt.Errorf("job name required")
	}
	if c.Body == nil {
		return fmt.Errorf("job %s: body required", c.Key)
	}
	if _, ok := s.jobs[c.Key]; ok && !replace {
		return fmt.Errorf("job %s: %w", c.Key, ErrDuplicateIdentity)
	}
	s.jobs[c.Key] = c
	return nil
}

func (s *Store) storeTriggerLocked(t Trigger, replace bool) error {
	t.Key = t.Key.normalize()
	t.JobKey = t.JobKey.normalize()
	if err := t.Validate(); err != nil {
		return err
	}
	if _, ok := s.jobs[t.JobKey]; !ok {
		return fmt.Errorf("trigger %s: job %s: %w", t.Key, t.JobKey, ErrUnknownJob)
	}
	if old, ok := s.triggers[t.Key]; ok {
		if !replace {
			return fmt.Errorf("trigger %s: %w", t.Key, ErrDuplicateIdentity)
		}
		s.unlinkLocked(old.t.Key, old.t.JobKey)
	}
	if t.Priority == 0 {
		t.Priority = DefaultPriority
	}
	if t.State == StateWaiting && s.pausedAll {
		t.State = StatePaused
	}
	s.gen++
	t.gen = s.gen

	rec := &triggerRec{t: t.clone()}
	s.triggers[t.Key] = rec
	set := s.byJob[t.JobKey]
	if set == nil {
		set = map[Key]struct{}{}
		s.byJob[t.JobKey] = set
	}
	set[t.Key] = struct{}{}
	if rec.t.State == StateWaiting {
		s.pushLocked(rec)
	}
	return nil
}

// RemoveTrigger deletes a trigger. A non-durable job left without triggers
// is deleted with it; jobRemoved reports that case.
func (s *Store) RemoveTrigger(k Key) (removed, jobRemoved bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeTriggerLocked(k.normalize())
}

func (s *Store) removeTriggerLocked(k Key) (removed, jobRemoved bool) {
	rec, ok := s.triggers[k]
	if !ok {
		return false, false
	}
	delete(s.triggers, k)
	s.bumpLocked(rec)
	jk := rec.t.JobKey
	s.unlinkLocked(k, jk)

	if j, ok := s.jobs[jk]; ok && !j.Durable && len(s.byJob[jk]) == 0 {
		delete(s.jobs, jk)
		delete(s.byJob, jk)
		jobRemoved = true
	}
	return true, jobRemoved
}

func (s *Store) unlinkLocked(k, jobKey Key) {
	if set := s.byJob[jobKey]; set != nil {
		delete(set, k)
		if len(set) == 0 {
			delete(s.byJob, jobKey)
		}
	}
}

// RemoveJob deletes a job and every trigger bound to it.
func (s *Store) RemoveJob(k Key) (triggers []Key, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k = k.normalize()
	if _, ok := s.jobs[k]; !ok {
		return nil, false
	}
	for tk := range s.byJob[k] {
		if rec := s.triggers[tk]; rec != nil {
			s.bumpLocked(rec)
		}
		delete(s.triggers, tk)
		triggers = append(triggers, tk)
	}
	delete(s.byJob, k)
	delete(s.jobs, k)
	sortKeys(triggers)
	return triggers, true
}

func (s *Store) GetJob(k Key) (*JobDetail, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[k.normalize()]
	if !ok {
		return nil, false
	}
	return j.clone(), true
}

func (s *Store) GetTrigger(k Key) (Trigger, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.triggers[k.normalize()]
	if !ok {
		return Trigger{}, false
	}
	return rec.t.clone(), true
}

// TriggersOfJob returns the job's triggers ordered by key.
func (s *Store) TriggersOfJob(k Key) []Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.byJob[k.normalize()]
	out := make([]Trigger, 0, len(set))
	for tk := range set {
		if rec := s.triggers[tk]; rec != nil {
			out = append(out, rec.t.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out
}

// TriggerKeys lists trigger keys in group, or all of them when group is empty.
func (s *Store) TriggerKeys(group string) []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Key, 0, len(s.triggers))
	for k := range s.triggers {
		if group == "" || k.Group == group {
			out = append(out, k)
		}
	}
	sortKeys(out)
	return out
}

// JobKeys lists job keys in group, or all of them when group is empty.
func (s *Store) JobKeys(group string) []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Key, 0, len(s.jobs))
	for k := range s.jobs {
		if group == "" || k.Group == group {
			out = append(out, k)
		}
	}
	sortKeys(out)
	return out
}

// Counts returns the number of jobs and triggers per state.
func (s *Store) Counts() (jobs int, states map[TriggerState]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	states = map[TriggerState]int{}
	for _, rec := range s.triggers {
		states[rec.t.State]++
	}
	return len(s.jobs), states
}

// PauseTrigger stops a trigger from being acquired. A trigger held by an
// in-flight firing becomes PAUSED when the firing hands it back.
func (s *Store) PauseTrigger(k Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.triggers[k.normalize()]
	if !ok {
		return fmt.Errorf("trigger %s: %w", k, ErrUnknownTrigger)
	}
	s.pauseLocked(rec)
	return nil
}

func (s *Store) PauseJob(k Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k = k.normalize()
	if _, ok := s.jobs[k]; !ok {
		return fmt.Errorf("job %s: %w", k, ErrUnknownJob)
	}
	for tk := range s.byJob[k] {
		s.pauseLocked(s.triggers[tk])
	}
	return nil
}

// PauseAll pauses every trigger. Triggers added afterwards start paused
// until ResumeAll.
func (s *Store) PauseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pausedAll = true
	for _, rec := range s.triggers {
		s.pauseLocked(rec)
	}
}

func (s *Store) pauseLocked(rec *triggerRec) {
	if rec == nil {
		return
	}
	switch rec.t.State {
	case StateWaiting:
		rec.t.State = StatePaused
		s.bumpLocked(rec)
	case StateAcquired, StateFired:
		rec.pausePending = true
	}
}

// ResumeTrigger puts a paused trigger back in the queue. A next fire time
// that has passed in the meantime is handled as a misfire by the loop.
func (s *Store) ResumeTrigger(k Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.triggers[k.normalize()]
	if !ok {
		return fmt.Errorf("trigger %s: %w", k, ErrUnknownTrigger)
	}
	s.resumeLocked(rec)
	return nil
}

func (s *Store) ResumeJob(k Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k = k.normalize()
	if _, ok := s.jobs[k]; !ok {
		return fmt.Errorf("job %s: %w", k, ErrUnknownJob)
	}
	for tk := range s.byJob[k] {
		s.resumeLocked(s.triggers[tk])
	}
	return nil
}

func (s *Store) ResumeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pausedAll = false
	for _, rec := range s.triggers {
		s.resumeLocked(rec)
	}
}

func (s *Store) resumeLocked(rec *triggerRec) {
	if rec == nil {
		return
	}
	rec.pausePending = false
	if rec.t.State == StatePaused {
		rec.t.State = StateWaiting
		s.pushLocked(rec)
	}
}

// NextFireTime peeks at the earliest waiting trigger.
func (s *Store) NextFireTime() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.queue.Len() > 0 {
		e := s.queue[0]
		if s.liveLocked(e) {
			return e.at, true
		}
		heap.Pop(&s.queue)
	}
	return time.Time{}, false
}

// Acquire pops every waiting trigger due at or before now, in firing order,
// and marks them ACQUIRED. max <= 0 means no limit.
func (s *Store) Acquire(now time.Time, max int) []Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Trigger
	for s.queue.Len() > 0 {
		if max > 0 && len(out) >= max {
			break
		}
		e := s.queue[0]
		if !s.liveLocked(e) {
			heap.Pop(&s.queue)
			continue
		}
		if e.at.After(now) {
			break
		}
		heap.Pop(&s.queue)
		rec := s.triggers[e.key]
		rec.t.State = StateAcquired
		s.bumpLocked(rec)
		out = append(out, rec.t.clone())
	}
	return out
}

// Update writes the runtime fields of a trigger held by the loop back to
// the store. It returns false when the trigger was deleted, replaced or
// completed by someone else in the meantime.
//
// State WAITING re-queues the trigger (or parks it PAUSED if a pause came in
// while it was held). State COMPLETE finishes it; see Complete.
func (s *Store) Update(t Trigger) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.ownedLocked(t)
	if !ok {
		return false
	}
	if t.State == StateComplete {
		s.completeLocked(rec, t, false)
		return true
	}
	s.copyRuntime(rec, t)
	if t.State == StateWaiting || t.State == StatePaused {
		if rec.pausePending {
			rec.t.State = StatePaused
		}
		rec.pausePending = false
	}
	s.bumpLocked(rec)
	if rec.t.State == StateWaiting {
		s.pushLocked(rec)
	}
	return true
}

// Complete finishes a trigger: it is deleted when remove is set or the
// trigger is not retained, otherwise kept in COMPLETE state. jobRemoved
// reports whether a non-durable job went with it.
func (s *Store) Complete(t Trigger, remove bool) (ok, jobRemoved bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.ownedLocked(t)
	if !ok {
		return false, false
	}
	return true, s.completeLocked(rec, t, remove)
}

func (s *Store) completeLocked(rec *triggerRec, t Trigger, remove bool) (jobRemoved bool) {
	if remove || !rec.t.Retain {
		_, jobRemoved = s.removeTriggerLocked(rec.t.Key)
		return jobRemoved
	}
	s.copyRuntime(rec, t)
	rec.t.State = StateComplete
	rec.t.NextFire = time.Time{}
	rec.pausePending = false
	s.bumpLocked(rec)
	return false
}

// CompleteJobTriggers completes every trigger of a job, including ones
// currently held by other firings. It returns the affected keys.
func (s *Store) CompleteJobTriggers(jobKey Key) (keys []Key, jobRemoved bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobKey = jobKey.normalize()
	for tk := range s.byJob[jobKey] {
		keys = append(keys, tk)
	}
	sortKeys(keys)
	for _, tk := range keys {
		rec := s.triggers[tk]
		if rec == nil {
			continue
		}
		if s.completeLocked(rec, rec.t, false) {
			jobRemoved = true
		}
	}
	return keys, jobRemoved
}

// SetError parks a trigger in ERROR state; it is not fired again until it
// is replaced.
func (s *Store) SetError(t Trigger) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.ownedLocked(t)
	if !ok {
		return false
	}
	rec.t.State = StateError
	rec.pausePending = false
	s.bumpLocked(rec)
	return true
}

// ownedLocked returns the record t was cloned from, if it is still the live
// one and has not been completed behind the caller's back.
func (s *Store) ownedLocked(t Trigger) (*triggerRec, bool) {
	rec, ok := s.triggers[t.Key.normalize()]
	if !ok || rec.t.gen != t.gen || rec.t.State == StateComplete || rec.t.State == StateError {
		return nil, false
	}
	return rec, true
}

func (s *Store) copyRuntime(rec *triggerRec, t Trigger) {
	rec.t.NextFire = t.NextFire
	rec.t.PrevFire = t.PrevFire
	rec.t.Completed = t.Completed
	rec.t.TimesFired = t.TimesFired
	rec.t.State = t.State
}

func (s *Store) pushLocked(rec *triggerRec) {
	if rec.t.NextFire.IsZero() {
		return
	}
	s.bumpLocked(rec)
	heap.Push(&s.queue, queueEntry{key: rec.t.Key, at: rec.t.NextFire, prio: rec.t.Priority, ver: rec.ver})
}

// bumpLocked invalidates every queue entry of rec. Versions come from the
// store-wide counter so a replaced record never matches its predecessor's
// entries.
func (s *Store) bumpLocked(rec *triggerRec) {
	s.gen++
	rec.ver = s.gen
}

func (s *Store) liveLocked(e queueEntry) bool {
	rec, ok := s.triggers[e.key]
	return ok && rec.ver == e.ver && rec.t.State == StateWaiting
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
}

type queueEntry struct {
	key  Key
	at   time.Time
	prio int
	ver  uint64
}

// fireQueue orders by fire time, then higher priority, then key.
type fireQueue []queueEntry

func (q fireQueue) Len() int { return len(q) }

func (q fireQueue) Less(i, j int) bool {
	if !q[i].at.Equal(q[j].at) {
		return q[i].at.Before(q[j].at)
	}
	if q[i].prio != q[j].prio {
		return q[i].prio > q[j].prio
	}
	return q[i].key.Less(q[j].key)
}

func (q fireQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *fireQueue) Push(x any) { *q = append(*q, x.(queueEntry)) }

func (q *fireQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	*q = old[:n-1]
	return e
}
