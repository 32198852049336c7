package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memJournal struct {
	mu     sync.Mutex
	execs  map[string]Execution
	closed bool
}

// NewMemory returns a process-local journal.
func NewMemory() Journal {
	return &memJournal{execs: map[string]Execution{}}
}

func (m *memJournal) Begin(_ context.Context, e Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.execs[e.FireID] = e
	return nil
}

func (m *memJournal) Finish(_ context.Context, fireID string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	// Finished executions are of no further interest.
	delete(m.execs, fireID)
	return nil
}

func (m *memJournal) Interrupted(context.Context) ([]Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return sortedInterrupted(m.execs), nil
}

func (m *memJournal) MarkRecovered(_ context.Context, fireID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if e, ok := m.execs[fireID]; ok {
		e.Recovered = at
		m.execs[fireID] = e
	}
	return nil
}

func (m *memJournal) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func sortedInterrupted(execs map[string]Execution) []Execution {
	out := make([]Execution, 0, len(execs))
	for _, e := range execs {
		if e.Interrupted() {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Started.Equal(out[j].Started) {
			return out[i].Started.Before(out[j].Started)
		}
		return out[i].FireID < out[j].FireID
	})
	return out
}
