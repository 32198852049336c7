package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"chronod/internal/eventbus"
	logx "chronod/pkg/logx"
)

func (s *Service) worker(ctx context.Context, name string, notify, quit <-chan struct{}) {
	for {
		// A canceled context wins over queued work.
		if ctx.Err() != nil {
			return
		}
		if qt, ok := s.pop(); ok {
			signal(s.freed)
			s.execOne(ctx, name, qt)
			signal(s.freed)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-quit:
			if s.queueLen() == 0 {
				return
			}
		case <-notify:
		}
	}
}

func (s *Service) execOne(ctx context.Context, worker string, qt queuedTask) {
	start := time.Now()
	queueDelay := start.Sub(qt.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}

	s.log.Debug("task.started", logx.String("task", qt.task.Name), logx.String("worker", worker), logx.Duration("queue_delay", queueDelay))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "task.started", Time: start, Data: TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Worker: worker, Started: start, QueueDelay: queueDelay}})
	}

	atomic.AddInt32(&s.busy, 1)
	runCtx := ctx
	var cancel context.CancelFunc
	if qt.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
	}
	var (
		value any
		err   error
	)
	// A panicking task resolves its future with a PanicError; the worker
	// keeps going.
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = &PanicError{Value: r, Stack: string(debug.Stack())}
				s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		value, err = qt.task.Run(runCtx)
	}()
	if cancel != nil {
		cancel()
	}
	atomic.AddInt32(&s.busy, -1)

	finished := time.Now()
	dur := finished.Sub(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Worker: worker, Started: start, QueueDelay: queueDelay, Duration: dur}
	ev := TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Worker: worker, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		atomic.AddUint64(&s.failed, 1)
		s.log.Warn("task.failed", logx.String("task", qt.task.Name), logx.String("worker", worker), logx.Err(err), logx.Duration("dur", dur))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "task.failed", Time: finished, Data: ev})
		}
	} else {
		atomic.AddUint64(&s.completed, 1)
		if dur >= 750*time.Millisecond {
			s.log.Info("task.completed", logx.String("task", qt.task.Name), logx.String("worker", worker), logx.Duration("dur", dur))
		} else {
			s.log.Debug("task.completed", logx.String("task", qt.task.Name), logx.String("worker", worker), logx.Duration("dur", dur))
		}
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "task.finished", Time: finished, Data: ev})
		}
	}
	s.record(item)

	qt.fut.resolve(Result{Value: value, Err: err, Worker: worker, Started: start, Finished: finished, QueueDelay: queueDelay})
}

// String is used in logs and snapshots.
func (s Snapshot) String() string {
	qc := "unbounded"
	if s.QueueCap > 0 {
		qc = fmt.Sprint(s.QueueCap)
	}
	return fmt.Sprintf("workers=%d busy=%d queue=%d/%s done=%d failed=%d dropped=%d",
		s.Workers, s.Busy, s.QueueLen, qc, s.Completed, s.Failed, s.Dropped)
}
