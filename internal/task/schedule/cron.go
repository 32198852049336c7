package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Cron is a calendar schedule.
type Cron struct {
	expr  string
	loc   *time.Location
	sched cron.Schedule
}

// ParseCron parses a cron expression.
//
// Accepted forms:
//   - 5 fields: "*/5 * * * *"
//   - 6 fields (seconds first): "0/2 * * * * ?"
//   - 7 fields when the trailing year is "*" or "?" (it is dropped)
//   - descriptors: "@hourly", "@every 30s"
//
// A nil loc means time.Local.
func ParseCron(expr string, loc *time.Location) (*Cron, error) {
	raw := strings.TrimSpace(expr)
	if raw == "" {
		return nil, fmt.Errorf("%w: cron expression required", ErrInvalid)
	}
	norm := raw
	if f := strings.Fields(raw); len(f) == 7 {
		if f[6] != "*" && f[6] != "?" {
			return nil, fmt.Errorf("%w: year field %q not supported in %q", ErrInvalid, f[6], raw)
		}
		norm = strings.Join(f[:6], " ")
	}
	sched, err := parser.Parse(norm)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalid, raw, err)
	}
	if loc == nil {
		loc = time.Local
	}
	return &Cron{expr: raw, loc: loc, sched: sched}, nil
}

// MustCron is ParseCron for static expressions; it panics on error.
func MustCron(expr string, loc *time.Location) *Cron {
	c, err := ParseCron(expr, loc)
	if err != nil {
		panic(err)
	}
	return c
}

// Next returns the smallest matching instant strictly after max(p.Prev, now),
// never earlier than p.Start.
func (c *Cron) Next(p Progress, now time.Time) (time.Time, bool) {
	base := now
	if p.Prev.After(base) {
		base = p.Prev
	}
	if !p.Start.IsZero() {
		if s := p.Start.Add(-time.Nanosecond); s.After(base) {
			base = s
		}
	}
	// robfig returns the zero time when nothing matches within five years.
	t := c.sched.Next(base.In(c.loc))
	if t.IsZero() {
		return time.Time{}, false
	}
	return t, true
}

func (c *Cron) Location() *time.Location { return c.loc }

func (c *Cron) String() string { return "cron(" + c.expr + ")" }
