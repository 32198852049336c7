package schedule

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// Parse turns a schedule string into a Schedule.
//
// Supported forms:
//   - Cron: "0/2 * * * * ?", "*/5 * * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing
//
// Intervals come back as unbounded fixed-rate Simple schedules.
func Parse(raw string, loc *time.Location) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("%w: schedule required", ErrInvalid)
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return ParseCron(s[len("cron:"):], loc)
	case strings.HasPrefix(low, "interval:"):
		return parseEvery(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseEvery(s[len("every:"):])
	}

	// Any whitespace or leading '@' => cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return ParseCron(s, loc)
	}
	if d, err := ParseInterval(s); err == nil {
		return Every(d), nil
	}
	return nil, fmt.Errorf(
		"%w: %q (use cron like '0/2 * * * * ?', HH:MM like '02:30', or duration like '55m')",
		ErrInvalid, raw,
	)
}

func parseEvery(v string) (Schedule, error) {
	d, err := ParseInterval(v)
	if err != nil {
		return nil, err
	}
	return Every(d), nil
}

// ParseInterval accepts a Go duration ("90s") or HH:MM ("01:30").
func ParseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("%w: interval required", ErrInvalid)
	}
	if m := reHHMM.FindStringSubmatch(v); len(m) == 3 {
		var hh int
		for i := 0; i < len(m[1]); i++ {
			hh = hh*10 + int(m[1][i]-'0')
		}
		mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
		if mm > 59 {
			return 0, fmt.Errorf("%w: invalid minutes in %q", ErrInvalid, v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return 0, fmt.Errorf("%w: interval must be > 0", ErrInvalid)
		}
		return d, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid interval %q (use HH:MM or Go duration like '55m')", ErrInvalid, v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: interval must be > 0", ErrInvalid)
	}
	return d, nil
}
