package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chronod/internal/eventbus"
	rtsup "chronod/internal/runtime/supervisor"
	logx "chronod/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service is a fixed-size worker pool.
//
// Submissions never block: they are queued (without bound unless
// Config.QueueSize is set) and picked up by the first idle worker.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	running  bool
	stopping bool
	queue    []queuedTask

	notify chan struct{} // a task was queued
	quit   chan struct{} // closed on graceful stop: exit once the queue is empty
	freed  chan struct{} // a task left the queue or finished

	sup *rtsup.Supervisor

	busy      int32
	completed uint64
	failed    uint64
	dropped   uint64
	idSeq     uint64

	hmu     sync.Mutex
	history []HistoryItem

	lastQueueFullWarnAt int64
}

type queuedTask struct {
	task       Task
	fut        *Future
	enqueuedAt time.Time
	timeout    time.Duration
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg.withDefaults(),
		log:   log,
		bus:   bus,
		freed: make(chan struct{}, 1),
	}
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Supervisor returns the pool's supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Freed signals (coalesced) that queue capacity or a worker became
// available. Callers that got ErrQueueFull wait on it before retrying.
func (s *Service) Freed() <-chan struct{} { return s.freed }

// Start launches the workers. It is a no-op while running.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.running = true
	s.stopping = false
	s.notify = make(chan struct{}, 1)
	s.quit = make(chan struct{})
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "pool"))),
		// A broken worker must not take the scheduler down.
		rtsup.WithCancelOnError(false),
	)
	sup, notify, quit := s.sup, s.notify, s.quit
	s.mu.Unlock()

	for i := 1; i <= cfg.Workers; i++ {
		name := fmt.Sprintf("%s-%d", cfg.NamePrefix, i)
		sup.GoRestart(name, func(c context.Context) error {
			s.worker(c, name, notify, quit)
			select {
			case <-quit:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		},
			rtsup.WithPublishFirstError(true),
		)
	}

	queueCap := "unbounded"
	if cfg.QueueSize > 0 {
		queueCap = fmt.Sprint(cfg.QueueSize)
	}
	s.log.Info("worker pool started",
		logx.Int("workers", cfg.Workers),
		logx.String("prefix", cfg.NamePrefix),
		logx.Int("priority", cfg.Priority),
		logx.String("queue", queueCap),
	)
}

// Stop shuts the pool down.
//
// With wait, queued tasks still run and Stop returns once every worker is
// idle (or ctx ends, in which case the rest is canceled). Without wait, run
// contexts are canceled, queued futures fail with ErrStopped and Stop
// returns immediately.
func (s *Service) Stop(ctx context.Context, wait bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.running || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	sup, quit := s.sup, s.quit
	s.mu.Unlock()

	start := time.Now()
	var err error
	if wait {
		close(quit)
		if err = sup.Wait(ctx); err != nil && ctx.Err() != nil {
			s.log.Warn("worker pool drain timed out", logx.Err(ctx.Err()))
		} else {
			err = nil
		}
	} else {
		close(quit)
	}
	sup.Cancel()

	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.running = false
	s.stopping = false
	s.mu.Unlock()

	for _, qt := range pending {
		s.onDropped(qt, ErrStopped)
	}
	s.log.Info("worker pool stopped",
		logx.Bool("graceful", wait),
		logx.Int("discarded", len(pending)),
		logx.Duration("took", time.Since(start)),
	)
	return err
}

// Submit queues t and returns its future. It never blocks.
func (s *Service) Submit(t Task) (*Future, error) {
	if t.Run == nil {
		return nil, fmt.Errorf("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		t.Name = "task"
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = s.newTaskID(now)
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	if s.stopping {
		s.mu.Unlock()
		return nil, ErrStopping
	}
	cfg := s.cfg
	if cfg.QueueSize > 0 && len(s.queue) >= cfg.QueueSize {
		ql := len(s.queue)
		s.mu.Unlock()
		s.onQueueFull(now, t, ql, cfg.QueueSize)
		return nil, ErrQueueFull
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	fut := newFuture(t.ID, t.Name)
	s.queue = append(s.queue, queuedTask{task: t, fut: fut, enqueuedAt: now, timeout: timeout})
	notify := s.notify
	s.mu.Unlock()

	signal(notify)
	return fut, nil
}

// Saturated reports whether a Submit would currently fail with ErrQueueFull.
// Only a single submitter can rely on the answer until its next Submit.
func (s *Service) Saturated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.QueueSize > 0 && len(s.queue) >= s.cfg.QueueSize
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	running := s.running
	ql := len(s.queue)
	s.mu.Unlock()

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Running:        running,
		Workers:        cfg.Workers,
		NamePrefix:     cfg.NamePrefix,
		Priority:       cfg.Priority,
		Busy:           int(atomic.LoadInt32(&s.busy)),
		QueueLen:       ql,
		QueueCap:       cfg.QueueSize,
		Completed:      atomic.LoadUint64(&s.completed),
		Failed:         atomic.LoadUint64(&s.failed),
		Dropped:        atomic.LoadUint64(&s.dropped),
		DefaultTimeout: cfg.DefaultTimeout,
		History:        h,
	}
}

// pop takes the oldest queued task. If more are left it passes the wake-up
// on, since notify only holds one signal.
func (s *Service) pop() (queuedTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return queuedTask{}, false
	}
	qt := s.queue[0]
	s.queue[0] = queuedTask{}
	s.queue = s.queue[1:]
	if len(s.queue) > 0 {
		signal(s.notify)
	}
	return qt, true
}

func (s *Service) queueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) newTaskID(now time.Time) string {
	seq := atomic.AddUint64(&s.idSeq, 1)
	return fmt.Sprintf("tsk-%x-%x", now.UnixNano(), seq)
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}

func (s *Service) onQueueFull(now time.Time, t Task, ql, qc int) {
	atomic.AddUint64(&s.dropped, 1)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "task.dropped", Time: now, Data: TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "queue_full"}})
	}
	if s.shouldWarn(&s.lastQueueFullWarnAt, now) {
		s.log.Warn("task rejected: queue full",
			logx.String("task", t.Name),
			logx.String("id", t.ID),
			logx.Int("queue_len", ql),
			logx.Int("queue_cap", qc),
			logx.Uint64("dropped", atomic.LoadUint64(&s.dropped)),
		)
	}
}

func (s *Service) onDropped(qt queuedTask, err error) {
	now := time.Now()
	atomic.AddUint64(&s.dropped, 1)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "task.dropped", Time: now, Data: TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: now, QueueDelay: now.Sub(qt.enqueuedAt), Error: err.Error()}})
	}
	qt.fut.resolve(Result{Err: err, Finished: now, QueueDelay: now.Sub(qt.enqueuedAt)})
}

func signal(ch chan struct{}) {
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}
