package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const sampleJSON = `{
  "logging": {"level": "DEBUG"},
  "storage": {"path": "/var/lib/coordd/coord.db", "busy_timeout": "2s"},
  "scheduler": {"workers": 8, "node_id": "node-1", "claim_lease": "30s"},
  "search": {"retention": "2h", "flush_interval": "5s", "candidate_limit": 10}
}`

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.json", sampleJSON))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Logging.Level != "DEBUG" {
		t.Fatalf("logging.level = %q", cfg.Logging.Level)
	}

	sc, err := cfg.StorageConfig()
	if err != nil {
		t.Fatalf("StorageConfig: %v", err)
	}
	if sc.Path != "/var/lib/coordd/coord.db" || sc.BusyTimeout != 2*time.Second {
		t.Fatalf("storage config = %+v", sc)
	}

	sch, err := cfg.SchedConfig()
	if err != nil {
		t.Fatalf("SchedConfig: %v", err)
	}
	if sch.Workers != 8 || sch.NodeID != "node-1" || sch.ClaimLease != 30*time.Second {
		t.Fatalf("scheduler config = %+v", sch)
	}

	se, err := cfg.SearchConfig()
	if err != nil {
		t.Fatalf("SearchConfig: %v", err)
	}
	if se.Retention != 2*time.Hour || se.FlushInterval != 5*time.Second || se.CandidateLimit != 10 {
		t.Fatalf("search config = %+v", se)
	}

	if m.Get() != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.yaml", `
logging:
  level: INFO
  console: false
storage:
  path: ./coord.db
search:
  retention: 90m
`))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Console == nil || *cfg.Logging.Console {
		t.Fatal("logging.console=false not decoded")
	}
	se, err := cfg.SearchConfig()
	if err != nil {
		t.Fatalf("SearchConfig: %v", err)
	}
	if se.Retention != 90*time.Minute {
		t.Fatalf("retention = %v", se.Retention)
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.json", `{"storage": {"path": "a.db"}, "shedular": {}}`))
	if _, err := m.Load(); err == nil {
		t.Fatal("misspelled section should fail to load")
	}
}

func TestTrailingDataRejected(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.json", `{"storage": {"path": "a.db"}}{}`))
	if _, err := m.Load(); err == nil {
		t.Fatal("trailing JSON should fail to load")
	}
}

func TestBadDurationSurfacesFieldPath(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.json", `{"storage": {"path": "a.db"}, "search": {"retention": "soon"}}`))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := cfg.SearchConfig(); err == nil {
		t.Fatal("invalid duration should be rejected")
	}
}

func TestStoragePathRequired(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.json", `{}`))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := cfg.StorageConfig(); err == nil {
		t.Fatal("missing storage.path should be rejected")
	}
}

func TestSearchDefaultsWhenOmitted(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.json", `{"storage": {"path": "a.db"}}`))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	se, err := cfg.SearchConfig()
	if err != nil {
		t.Fatalf("SearchConfig: %v", err)
	}
	// Zero values here; the search package applies its own defaults.
	if se.Retention != 0 || se.CandidateLimit != 0 {
		t.Fatalf("expected zero-value search config, got %+v", se)
	}
}

func TestSubscribePublishAndUnsubscribe(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.json", sampleJSON))
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	ch := m.Subscribe(1)
	next := &Config{}
	m.publish(next)

	select {
	case got := <-ch:
		if got != next {
			t.Fatal("subscriber received wrong config")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the update")
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed by Unsubscribe")
	}
}
