// Package config loads the optional YAML configuration file. Every field
// has a sensible default so the binary runs with no file at all.
package config

import (
	"fmt"
	"os"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if dur < 0 {
		return fmt.Errorf("duration must be >= 0, got %q", s)
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	// DefaultTimezone applies to tasks created without one. Empty keeps
	// the process timezone.
	DefaultTimezone string `yaml:"default_timezone"`

	// MaxLogsPerTask caps each task's retained log history.
	MaxLogsPerTask int `yaml:"max_logs_per_task"`

	Cron    CronConfig    `yaml:"cron"`
	Workers WorkersConfig `yaml:"workers"`
	Probe   ProbeConfig   `yaml:"probe"`
	Alerts  AlertsConfig  `yaml:"alerts"`
}

// CronConfig is the minimum-frequency policy applied at task validation.
type CronConfig struct {
	MinInterval Duration `yaml:"min_interval"`
	Samples     int      `yaml:"samples"`
}

// WorkersConfig sizes the three worker pools.
type WorkersConfig struct {
	Execute  int `yaml:"execute"`
	WriteLog int `yaml:"write_log"`
	Notify   int `yaml:"notify"`
}

type ProbeConfig struct {
	Timeout      Duration `yaml:"timeout"`
	MaxBodyBytes int64    `yaml:"max_body_bytes"`
}

type AlertsConfig struct {
	Webhooks []string `yaml:"webhooks"`
	Timeout  Duration `yaml:"timeout"`
}

func Default() Config {
	return Config{
		MaxLogsPerTask: 10,
		Cron: CronConfig{
			MinInterval: Duration(time.Minute),
			Samples:     1,
		},
		Workers: WorkersConfig{
			Execute:  1,
			WriteLog: 1,
			Notify:   1,
		},
		Probe: ProbeConfig{
			Timeout:      Duration(30 * time.Second),
			MaxBodyBytes: 10 << 20,
		},
		Alerts: AlertsConfig{
			Timeout: Duration(10 * time.Second),
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path yields
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.MaxLogsPerTask < 1 {
		return fmt.Errorf("max_logs_per_task must be >= 1, got %d", c.MaxLogsPerTask)
	}
	if c.Cron.MinInterval.Std() < time.Second {
		return fmt.Errorf("cron.min_interval must be >= 1s, got %s", c.Cron.MinInterval.Std())
	}
	if c.Cron.Samples < 1 {
		return fmt.Errorf("cron.samples must be >= 1, got %d", c.Cron.Samples)
	}
	if c.Workers.Execute < 1 || c.Workers.WriteLog < 1 || c.Workers.Notify < 1 {
		return fmt.Errorf("worker pool sizes must be >= 1")
	}
	return nil
}
