package schedule

import (
	"fmt"
	"time"
)

// Mode selects the anchor of a Simple schedule.
type Mode int

const (
	// FixedRate: next = last scheduled fire time + interval.
	FixedRate Mode = iota
	// FixedDelay: next = last completion time + interval.
	FixedDelay
)

func (m Mode) String() string {
	if m == FixedDelay {
		return "fixed-delay"
	}
	return "fixed-rate"
}

// Simple is an interval schedule.
//
// Repeat is the number of repeats after the first firing; RepeatForever
// (-1) never exhausts. Repeat 3 therefore fires 4 times in total.
type Simple struct {
	InitialDelay time.Duration
	Interval     time.Duration
	Repeat       int
	Mode         Mode
}

// Every builds an unbounded fixed-rate schedule.
func Every(d time.Duration) Simple {
	return Simple{Interval: d, Repeat: RepeatForever}
}

// Once builds a schedule that fires a single time after delay.
func Once(delay time.Duration) Simple {
	return Simple{InitialDelay: delay, Repeat: 0}
}

// WithFixedDelay mirrors scheduleWithFixedDelay(initialDelay, period, unit, repeat).
// The unit granularity is carried by the durations themselves.
func WithFixedDelay(initialDelay, interval time.Duration, repeat int) Simple {
	return Simple{InitialDelay: initialDelay, Interval: interval, Repeat: repeat, Mode: FixedDelay}
}

func (s Simple) Validate() error {
	if s.Interval <= 0 && s.Repeat != 0 {
		return fmt.Errorf("%w: interval must be > 0 for a repeating schedule", ErrInvalid)
	}
	if s.Repeat < RepeatForever {
		return fmt.Errorf("%w: repeat must be >= -1", ErrInvalid)
	}
	if s.InitialDelay < 0 {
		return fmt.Errorf("%w: initial delay must be >= 0", ErrInvalid)
	}
	return nil
}

func (s Simple) Next(p Progress, now time.Time) (time.Time, bool) {
	if p.Fired == 0 {
		start := p.Start
		if start.IsZero() {
			start = now
		}
		return start.Add(s.InitialDelay), true
	}
	if s.Repeat >= 0 && p.Fired > s.Repeat {
		return time.Time{}, false
	}
	anchor := p.Prev
	if s.Mode == FixedDelay && !p.Completed.IsZero() {
		anchor = p.Completed
	}
	return anchor.Add(s.Interval), true
}

func (s Simple) String() string {
	rep := "forever"
	if s.Repeat >= 0 {
		rep = fmt.Sprintf("%dx", s.Repeat)
	}
	return fmt.Sprintf("%s(every %s, delay %s, repeat %s)", s.Mode, s.Interval, s.InitialDelay, rep)
}
