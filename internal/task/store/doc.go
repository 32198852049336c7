// Package store holds job and trigger definitions for the scheduler.
//
// Jobs and triggers reference each other by Key only. The store owns both
// and keeps a heap of waiting triggers ordered by next fire time, priority
// and key. The dispatch loop is the only writer of a trigger's runtime
// fields (NextFire, PrevFire, TimesFired, State); everyone else goes through
// the structural operations (store, remove, pause, resume).
package store
