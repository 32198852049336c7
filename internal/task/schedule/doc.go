// Package schedule computes trigger fire times.
//
// Two variants implement Schedule:
//   - Cron: calendar expressions parsed by robfig/cron (seconds optional, Quartz-style '?')
//   - Simple: initial delay + interval + repeat count, fixed-rate or fixed-delay
//
// Every Schedule is a pure function of its inputs. Backlog handling (Missed,
// FirstAfter) is recomputed on demand from the trigger's progress.
package schedule
