package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "chronod/pkg/logx"
)

const compactEvery = 1000

// fileJournal is a dependency-free journal.
//
// Files:
//   - <prefix>.exec.snapshot.json (open executions at the last compaction)
//   - <prefix>.exec.journal.jsonl (append-only operations since then)
//
// Finished executions are dropped from memory; every compactEvery writes
// the live set is written to the snapshot and the journal is truncated.
type fileJournal struct {
	log logx.Logger

	mu           sync.Mutex
	snapshotPath string
	journal      *os.File
	execs        map[string]Execution
	writes       int
}

type journalOp struct {
	Op   string     `json:"op"` // begin | finish | recovered
	ID   string     `json:"id"`
	At   time.Time  `json:"at"`
	Exec *Execution `json:"exec,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Journal, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".exec.snapshot.json"
	journalPath := prefix + ".exec.journal.jsonl"

	execs := map[string]Execution{}
	if err := loadSnapshot(snapPath, execs); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("execution snapshot unreadable", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, execs); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("execution journal replay failed", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileJournal{log: log, snapshotPath: snapPath, journal: jf, execs: execs}, nil
}

func (f *fileJournal) Begin(_ context.Context, e Execution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.appendLocked(journalOp{Op: "begin", ID: e.FireID, At: e.Started, Exec: &e}); err != nil {
		return err
	}
	f.execs[e.FireID] = e
	return nil
}

func (f *fileJournal) Finish(_ context.Context, fireID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.appendLocked(journalOp{Op: "finish", ID: fireID, At: at}); err != nil {
		return err
	}
	delete(f.execs, fireID)
	return nil
}

func (f *fileJournal) MarkRecovered(_ context.Context, fireID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.appendLocked(journalOp{Op: "recovered", ID: fireID, At: at}); err != nil {
		return err
	}
	if e, ok := f.execs[fireID]; ok {
		e.Recovered = at
		f.execs[fireID] = e
	}
	return nil
}

func (f *fileJournal) Interrupted(context.Context) ([]Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.journal == nil {
		return nil, ErrClosed
	}
	return sortedInterrupted(f.execs), nil
}

func (f *fileJournal) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.journal == nil {
		return nil
	}
	err := f.journal.Close()
	f.journal = nil
	return err
}

func (f *fileJournal) appendLocked(op journalOp) error {
	if f.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(f.journal).Encode(op); err != nil {
		return err
	}
	f.writes++
	if f.writes%compactEvery == 0 {
		// Best-effort: the journal stays valid if compaction fails.
		if err := f.compactLocked(); err != nil {
			f.log.Debug("execution journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (f *fileJournal) compactLocked() error {
	// Recovered executions are settled; only interrupted ones matter after a restart.
	live := map[string]Execution{}
	for id, e := range f.execs {
		if e.Recovered.IsZero() {
			live[id] = e
		}
	}
	f.execs = live

	tmp := f.snapshotPath + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(out).Encode(live); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, f.snapshotPath); err != nil {
		return err
	}
	if err := f.journal.Truncate(0); err != nil {
		return err
	}
	_, err = f.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]Execution) error {
	fh, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fh.Close()
	var m map[string]Execution
	if err := json.NewDecoder(fh).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]Execution) error {
	fh, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fh.Close()
	sc := bufio.NewScanner(fh)
	for sc.Scan() {
		var op journalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil || op.ID == "" {
			// A torn last line after a crash is expected.
			continue
		}
		switch op.Op {
		case "begin":
			if op.Exec != nil {
				out[op.ID] = *op.Exec
			}
		case "finish":
			delete(out, op.ID)
		case "recovered":
			if e, ok := out[op.ID]; ok {
				e.Recovered = op.At
				out[op.ID] = e
			}
		}
	}
	return sc.Err()
}
