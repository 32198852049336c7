package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	logx "chronod/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteJournal struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Journal, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	j := &sqliteJournal{db: db, log: log, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := j.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *sqliteJournal) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = j.db.ExecContext(ctx, string(b))
	return err
}

func (j *sqliteJournal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func (j *sqliteJournal) Begin(ctx context.Context, e Execution) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO executions(fire_id, job_name, job_group, trigger_name, trigger_group, priority, scheduled_at, started_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(fire_id) DO NOTHING`,
		e.FireID, e.JobName, e.JobGroup, e.TriggerName, e.TriggerGroup, e.Priority,
		e.ScheduledFire.UnixNano(), e.Started.UnixNano(),
	)
	return err
}

func (j *sqliteJournal) Finish(ctx context.Context, fireID string, at time.Time) error {
	_, err := j.db.ExecContext(ctx, `UPDATE executions SET finished_at = ? WHERE fire_id = ?`, at.UnixNano(), fireID)
	if err == nil && j.opCount.Add(1)%j.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := j.prune(pctx); perr != nil {
			j.log.Debug("execution journal prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (j *sqliteJournal) MarkRecovered(ctx context.Context, fireID string, at time.Time) error {
	_, err := j.db.ExecContext(ctx,
		`UPDATE executions SET recovered_at = ? WHERE fire_id = ? AND recovered_at IS NULL`,
		at.UnixNano(), fireID,
	)
	return err
}

func (j *sqliteJournal) Interrupted(ctx context.Context) ([]Execution, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT fire_id, job_name, job_group, trigger_name, trigger_group, priority, scheduled_at, started_at
		 FROM executions
		 WHERE finished_at IS NULL AND recovered_at IS NULL
		 ORDER BY started_at, fire_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var (
			e                  Execution
			scheduled, started int64
		)
		if err := rows.Scan(&e.FireID, &e.JobName, &e.JobGroup, &e.TriggerName, &e.TriggerGroup, &e.Priority, &scheduled, &started); err != nil {
			return nil, err
		}
		e.ScheduledFire = time.Unix(0, scheduled)
		e.Started = time.Unix(0, started)
		out = append(out, e)
	}
	return out, rows.Err()
}

// prune drops settled rows.
func (j *sqliteJournal) prune(ctx context.Context) error {
	_, err := j.db.ExecContext(ctx, `DELETE FROM executions WHERE finished_at IS NOT NULL OR recovered_at IS NOT NULL`)
	return err
}
