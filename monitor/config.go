package monitor

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/pagewatch/jobq"
	"github.com/hazyhaar/pagewatch/monitor/internal/fetch"
	"github.com/hazyhaar/pagewatch/monitor/internal/scheduler"
)

// Config is the top-level monitor configuration.
type Config struct {
	// DatabasePath is the SQLite file holding pages, baselines, and logs.
	DatabasePath string `yaml:"database_path"`

	Fetch     FetchConfig     `yaml:"fetch"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Queue     QueueConfig     `yaml:"queue"`

	// DefaultInterval applies to pages added without an explicit interval.
	DefaultInterval time.Duration `yaml:"default_interval"`
	// ReportFirstFetch makes the first observation of a page report every
	// segment as added instead of silently seeding the baseline.
	ReportFirstFetch bool `yaml:"report_first_fetch"`
	// Retention bounds the change and fetch logs. 0 keeps everything.
	Retention time.Duration `yaml:"retention"`

	Sinks []SinkConfig `yaml:"sinks"`
}

// FetchConfig controls the HTTP fetcher.
type FetchConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	MaxBytes  int64         `yaml:"max_bytes"`
	UserAgent string        `yaml:"user_agent"`
}

// SchedulerConfig controls the due-page sweep.
type SchedulerConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MaxFailCount  int           `yaml:"max_fail_count"`
}

// QueueConfig controls the check-job queue and its consumers.
type QueueConfig struct {
	Visibility   time.Duration `yaml:"visibility"`
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	Workers      int           `yaml:"workers"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// SinkConfig defines an output backend for rendered reports.
type SinkConfig struct {
	Type string `yaml:"type"` // stdout | webhook
	URL  string `yaml:"url"`  // for webhook
}

// LoadConfigFile reads a YAML configuration file and applies defaults.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("monitor: read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("monitor: parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DatabasePath == "" {
		c.DatabasePath = "pagewatch.db"
	}
	if c.Fetch.Timeout <= 0 {
		c.Fetch.Timeout = 30 * time.Second
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 10 * 1024 * 1024
	}
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = "pagewatch/1.0"
	}
	if c.Scheduler.SweepInterval <= 0 {
		c.Scheduler.SweepInterval = 30 * time.Second
	}
	if c.Scheduler.MaxFailCount <= 0 {
		c.Scheduler.MaxFailCount = 10
	}
	if c.Queue.Visibility <= 0 {
		c.Queue.Visibility = 60 * time.Second
	}
	if c.Queue.PollInterval <= 0 {
		c.Queue.PollInterval = time.Second
	}
	if c.Queue.BatchSize <= 0 {
		c.Queue.BatchSize = 8
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = 5
	}
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = 15 * time.Minute
	}
	if len(c.Sinks) == 0 {
		c.Sinks = []SinkConfig{{Type: "stdout"}}
	}
}

func (c *Config) fetchConfig() fetch.Config {
	return fetch.Config{
		Timeout:   c.Fetch.Timeout,
		MaxBytes:  c.Fetch.MaxBytes,
		UserAgent: c.Fetch.UserAgent,
	}
}

func (c *Config) schedulerConfig() scheduler.Config {
	return scheduler.Config{
		SweepInterval: c.Scheduler.SweepInterval,
		MaxFailCount:  c.Scheduler.MaxFailCount,
	}
}

func (c *Config) queueOptions() jobq.Options {
	return jobq.Options{
		Visibility:   c.Queue.Visibility,
		PollInterval: c.Queue.PollInterval,
		MaxAttempts:  c.Queue.MaxAttempts,
	}
}
