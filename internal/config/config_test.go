package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chronod/internal/task/store"
	logx "chronod/pkg/logx"
)

const sampleYAML = `
scheduler:
  instance_name: demo
  misfire_threshold: 60s
  timezone: UTC
thread_pool:
  thread_count: 4
  thread_name_prefix: demo-worker
logging:
  level: debug
  console: true
storage:
  driver: file
  path: ./data/journal
jobs:
  - name: hello
    group: demo
    kind: log
    durable: true
    requests_recovery: true
    data:
      jobDesc: say hello
    triggers:
      - name: every-2s
        schedule: "0/2 * * * * ?"
        misfire: fire_and_proceed
        start_delay: 3s
  - name: nap
    kind: sleep
    data:
      sleep: 1s
    triggers:
      - name: nap-delay
        schedule: 5s
        fixed_delay: true
        repeat: 3
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "chronod.yaml", sampleYAML)
	cfg, err := NewManager(p, logx.Nop()).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.InstanceName != "demo" || cfg.ThreadPool.ThreadCount != 4 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if len(cfg.Jobs) != 2 || cfg.Jobs[0].Data["jobDesc"] != "say hello" {
		t.Fatalf("jobs = %+v", cfg.Jobs)
	}
	tr := cfg.Jobs[1].Triggers[0]
	if !tr.FixedDelay || tr.Repeat == nil || *tr.Repeat != 3 {
		t.Fatalf("trigger = %+v", tr)
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name, file, body string
	}{
		{"unknown json key", "c.json", `{"scheduler":{"bogus":1}}`},
		{"unknown yaml key", "c.yaml", "logging:\n  colour: true\n"},
		{"trailing json", "c.json", `{} {}`},
		{"bad yaml", "c.yml", "scheduler: [\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.file, []byte(tc.body)); err == nil {
				t.Fatalf("Decode(%s) accepted %q", tc.file, tc.body)
			}
		})
	}
	if cfg, err := Decode("empty.yaml", nil); err != nil || cfg == nil {
		t.Fatalf("empty yaml: %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	two := 2
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"bad threshold", Config{Scheduler: SchedulerConfig{MisfireThreshold: "soon"}}, "scheduler.misfire_threshold"},
		{"bad timezone", Config{Scheduler: SchedulerConfig{Timezone: "Mars/Olympus"}}, "scheduler.timezone"},
		{"file needs path", Config{Storage: &StorageConfig{Driver: "file"}}, "storage.path"},
		{"unknown driver", Config{Storage: &StorageConfig{Driver: "redis"}}, "storage.driver"},
		{"unknown kind", Config{Jobs: []JobConfig{{Name: "a", Kind: "email", Durable: true}}}, "kind"},
		{"orphan job", Config{Jobs: []JobConfig{{Name: "a", Kind: "log"}}}, "must be durable"},
		{"duplicate job", Config{Jobs: []JobConfig{
			{Name: "a", Kind: "log", Durable: true},
			{Name: "a", Kind: "log", Durable: true},
		}}, "duplicate job"},
		{"bad schedule", Config{Jobs: []JobConfig{{Name: "a", Kind: "log", Triggers: []TriggerConfig{
			{Name: "t", Schedule: "whenever"},
		}}}}, "schedule"},
		{"repeat on cron", Config{Jobs: []JobConfig{{Name: "a", Kind: "log", Triggers: []TriggerConfig{
			{Name: "t", Schedule: "*/5 * * * *", Repeat: &two},
		}}}}, "interval schedule"},
		{"bad misfire", Config{Jobs: []JobConfig{{Name: "a", Kind: "log", Triggers: []TriggerConfig{
			{Name: "t", Schedule: "1m", Misfire: "sometimes"},
		}}}}, "misfire"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate() = %v, want error mentioning %q", err, tc.want)
			}
		})
	}

	ok := Config{Jobs: []JobConfig{{Name: "a", Kind: "sleep", Triggers: []TriggerConfig{
		{Name: "t", Schedule: "every:30s", FixedDelay: true, Repeat: &two},
	}}}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Logging: LoggingConfig{Level: "info"},
		Jobs: []JobConfig{
			{Name: "keep", Kind: "log", Durable: true},
			{Name: "edit", Kind: "log", Durable: true},
			{Name: "drop", Kind: "log", Durable: true},
		},
	}
	newCfg := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Jobs: []JobConfig{
			{Name: "keep", Kind: "log", Durable: true},
			{Name: "edit", Kind: "sleep", Durable: true},
			{Name: "new", Kind: "log", Durable: true},
		},
	}
	ch := Diff(oldCfg, newCfg)
	if strings.Join(ch.Sections, ",") != "logging,jobs" {
		t.Fatalf("sections = %v", ch.Sections)
	}
	if ch.NeedsRestart() {
		t.Fatal("logging and jobs apply live")
	}
	key := func(n string) store.Key { return store.NewKey(n, "") }
	if len(ch.AddedJobs) != 1 || ch.AddedJobs[0] != key("new") {
		t.Fatalf("added = %v", ch.AddedJobs)
	}
	if len(ch.ChangedJobs) != 1 || ch.ChangedJobs[0] != key("edit") {
		t.Fatalf("changed = %v", ch.ChangedJobs)
	}
	if len(ch.RemovedJobs) != 1 || ch.RemovedJobs[0] != key("drop") {
		t.Fatalf("removed = %v", ch.RemovedJobs)
	}

	ch = Diff(newCfg, &Config{Logging: newCfg.Logging, Jobs: newCfg.Jobs, ThreadPool: ThreadPoolConfig{ThreadCount: 2}})
	if !ch.NeedsRestart() {
		t.Fatal("thread_pool change should need a restart")
	}
	if !Diff(newCfg, newCfg).Empty() {
		t.Fatal("identical configs should not differ")
	}
}

func TestWatchPublishesValidReloads(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "chronod.json", `{"logging":{"level":"info"}}`)
	m := NewManager(p, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Logging.Level == "forbidden" {
			return os.ErrPermission
		}
		return nil
	})
	updates := m.Subscribe(4)
	t.Cleanup(func() { m.Unsubscribe(updates) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "chronod.json", `{"logging":{"level":"forbidden"}}`)
	time.Sleep(2 * reloadDebounce)
	writeFile(t, dir, "chronod.json", `{"logging":{"level":"debug"}}`)

	select {
	case cfg := <-updates:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level %q", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload published")
	}
	if got := m.Get().Logging.Level; got != "debug" {
		t.Fatalf("Get().Logging.Level = %q", got)
	}
}
