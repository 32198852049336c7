package schedule

import (
	"errors"
	"time"
)

// RepeatForever is the Simple repeat count for an unbounded schedule.
const RepeatForever = -1

// maxBacklogScan bounds the slot walk for schedules without a fixed interval.
const maxBacklogScan = 10_000

var ErrInvalid = errors.New("invalid schedule")

// Progress is what a schedule needs to know about a trigger's past firings.
//
// Prev is the last scheduled fire time (zero before the first firing),
// Completed is when the last execution finished (fixed-delay anchor).
type Progress struct {
	Start     time.Time
	Prev      time.Time
	Completed time.Time
	Fired     int
}

// Schedule computes the next fire time for a trigger.
//
// Next must be pure: the same Progress and now always yield the same answer.
// The boolean is false when the schedule is exhausted.
type Schedule interface {
	Next(p Progress, now time.Time) (time.Time, bool)
	String() string
}

// Successor returns the slot that follows p.Prev, ignoring the wall clock.
func Successor(s Schedule, p Progress) (time.Time, bool) {
	return s.Next(p, p.Prev)
}

// Missed counts the slots in [due, now] for a trigger whose next slot is due.
// p describes the trigger before slot due fires.
func Missed(s Schedule, p Progress, due, now time.Time) int {
	if s == nil || now.Before(due) {
		return 0
	}
	if sm, ok := asSimple(s); ok && sm.Interval > 0 {
		n := int(now.Sub(due)/sm.Interval) + 1
		if sm.Repeat >= 0 {
			remaining := sm.Repeat + 1 - p.Fired
			if remaining < 0 {
				remaining = 0
			}
			if n > remaining {
				n = remaining
			}
		}
		return n
	}

	n := 0
	q := p
	t := due
	for !t.After(now) && n < maxBacklogScan {
		n++
		q.Prev, q.Completed = t, t
		q.Fired++
		next, ok := s.Next(q, t)
		if !ok {
			break
		}
		t = next
	}
	return n
}

// FirstAfter consumes every slot in [due, now] and returns the first slot
// strictly after now together with the progress that produced it.
func FirstAfter(s Schedule, p Progress, due, now time.Time) (time.Time, Progress, bool) {
	k := Missed(s, p, due, now)
	q := p
	q.Fired += k
	if sm, ok := asSimple(s); ok && sm.Interval > 0 && k > 0 {
		q.Prev = due.Add(time.Duration(k-1) * sm.Interval)
		q.Completed = q.Prev
		next, ok := s.Next(q, now)
		return next, q, ok
	}
	if k > 0 {
		q.Prev, q.Completed = due, due
	}
	next, ok := s.Next(q, now)
	return next, q, ok
}

func asSimple(s Schedule) (Simple, bool) {
	switch v := s.(type) {
	case Simple:
		return v, true
	case *Simple:
		if v != nil {
			return *v, true
		}
	}
	return Simple{}, false
}
