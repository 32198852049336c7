// Package listener fans scheduler, job and trigger events out to registered
// observers.
//
// Each channel keeps its listeners in registration order and calls them
// synchronously. A panicking listener is logged and skipped; the others
// still run and the firing carries on.
package listener
