// Package scheduler is the public face of the engine: it owns the job and
// trigger stores, the dispatch loop and the listener bus, and delegates
// execution to internal/task/engine.
//
// The dispatch loop is a single goroutine and the only writer of a
// trigger's runtime fields (next fire time, state, fire count). API calls
// mutate the stores directly and wake the loop.
package scheduler
