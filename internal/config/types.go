package config

import (
	"fmt"
	"strings"
	"time"

	"searchcoord/internal/sched"
	"searchcoord/internal/search"
	"searchcoord/internal/storage"
	logx "searchcoord/pkg/logx"
)

// Config is the daemon's on-disk configuration.
//
// All duration fields are Go duration strings (e.g. "500ms", "10s", "1h").
// Unknown fields are rejected so typos fail loudly at startup.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Search    SearchConfig    `json:"search"`
}

type LoggingConfig struct {
	Level string `json:"level,omitempty"`
	// Console is a pointer so "omitted" (default true) is distinguishable
	// from an explicit false.
	Console *bool      `json:"console,omitempty"`
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SchedulerConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
	NodeID        string `json:"node_id,omitempty"`
	ClaimLease    string `json:"claim_lease,omitempty"`
	StartupSpread bool   `json:"startup_spread,omitempty"`
}

// SearchConfig tunes the coordination store. Defaults (when omitted):
//   - retention: "1h"
//   - flush_interval: "10s"
//   - claim_expiry: "1m"
//   - reap_interval: "10s"
//   - candidate_limit: 20
type SearchConfig struct {
	Retention      string `json:"retention,omitempty"`
	FlushInterval  string `json:"flush_interval,omitempty"`
	ClaimExpiry    string `json:"claim_expiry,omitempty"`
	ReapInterval   string `json:"reap_interval,omitempty"`
	CandidateLimit int    `json:"candidate_limit,omitempty"`
}

func (c *Config) LogxConfig() logx.Config {
	console := true
	if c.Logging.Console != nil {
		console = *c.Logging.Console
	}
	return logx.Config{
		Level:   c.Logging.Level,
		Console: console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
	}
}

func (c *Config) StorageConfig() (storage.Config, error) {
	if strings.TrimSpace(c.Storage.Path) == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required")
	}
	busy, err := durationOrDefault("storage.busy_timeout", c.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: c.Storage.Path, BusyTimeout: busy}, nil
}

func (c *Config) SchedConfig() (sched.Config, error) {
	lease, err := durationField("scheduler.claim_lease", c.Scheduler.ClaimLease)
	if err != nil {
		return sched.Config{}, err
	}
	return sched.Config{
		Workers:       c.Scheduler.Workers,
		QueueSize:     c.Scheduler.QueueSize,
		Timezone:      c.Scheduler.Timezone,
		NodeID:        c.Scheduler.NodeID,
		ClaimLease:    lease,
		StartupSpread: c.Scheduler.StartupSpread,
	}, nil
}

func (c *Config) SearchConfig() (search.Config, error) {
	retention, err := durationField("search.retention", c.Search.Retention)
	if err != nil {
		return search.Config{}, err
	}
	flush, err := durationField("search.flush_interval", c.Search.FlushInterval)
	if err != nil {
		return search.Config{}, err
	}
	claim, err := durationField("search.claim_expiry", c.Search.ClaimExpiry)
	if err != nil {
		return search.Config{}, err
	}
	reap, err := durationField("search.reap_interval", c.Search.ReapInterval)
	if err != nil {
		return search.Config{}, err
	}
	return search.Config{
		Retention:      retention,
		FlushInterval:  flush,
		ClaimExpiry:    claim,
		ReapInterval:   reap,
		CandidateLimit: c.Search.CandidateLimit,
	}, nil
}

// durationField parses one duration-string config value. Empty means "unset"
// (zero), letting each component apply its own default; the field path makes
// the error message point at the offending key.
func durationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func durationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := durationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
