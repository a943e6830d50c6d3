// Package config loads graphflow engine settings from YAML or TOML files.
//
// A file looks like:
//
//	engine:
//	  max_concurrency: 8
//	  node_timeout: 30s
//	  total_timeout: 10m
//	  parallel: true
//	  routing_strategy: first
//	retry:
//	  max_attempts: 3
//	  base_delay: 100ms
//	  max_delay: 30s
//	resources:
//	  cpu_cores: 8
//	  memory: 4GiB
//	checkpoint:
//	  enabled: true
//	  backend: sqlite
//	  path: /var/lib/graphflow/checkpoints.db
//	  compression: zstd
//	log:
//	  level: info
//	  format: json
//
// Durations use time.ParseDuration syntax. Sizes accept units such as
// "512MiB" or "2g"; every unit is a binary multiple.
package config

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/dshills/graphflow/graph"
)

// Config is the root of a configuration file.
type Config struct {
	Engine     EngineConfig     `yaml:"engine" toml:"engine" json:"engine"`
	Retry      RetryConfig      `yaml:"retry" toml:"retry" json:"retry"`
	Resources  ResourceConfig   `yaml:"resources" toml:"resources" json:"resources"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" toml:"scheduler" json:"scheduler"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" toml:"checkpoint" json:"checkpoint"`
	Log        LogConfig        `yaml:"log" toml:"log" json:"log"`
}

// EngineConfig maps onto graph.Options.
type EngineConfig struct {
	MaxConcurrency  int      `yaml:"max_concurrency" toml:"max_concurrency" json:"max_concurrency"`
	NodeTimeout     Duration `yaml:"node_timeout" toml:"node_timeout" json:"node_timeout"`
	TotalTimeout    Duration `yaml:"total_timeout" toml:"total_timeout" json:"total_timeout"`
	MaxNodeTime     Duration `yaml:"max_node_time" toml:"max_node_time" json:"max_node_time"`
	Parallel        bool     `yaml:"parallel" toml:"parallel" json:"parallel"`
	Streaming       bool     `yaml:"streaming" toml:"streaming" json:"streaming"`
	StopOnError     bool     `yaml:"stop_on_error" toml:"stop_on_error" json:"stop_on_error"`
	MaxSteps        int      `yaml:"max_steps" toml:"max_steps" json:"max_steps"`
	MaxNodes        int      `yaml:"max_nodes" toml:"max_nodes" json:"max_nodes"`
	RoutingStrategy string   `yaml:"routing_strategy" toml:"routing_strategy" json:"routing_strategy"`
	Seed            int64    `yaml:"seed" toml:"seed" json:"seed"`
}

// RetryConfig maps onto graph.RetryPolicy.
type RetryConfig struct {
	MaxAttempts  int      `yaml:"max_attempts" toml:"max_attempts" json:"max_attempts"`
	BaseDelay    Duration `yaml:"base_delay" toml:"base_delay" json:"base_delay"`
	MaxDelay     Duration `yaml:"max_delay" toml:"max_delay" json:"max_delay"`
	Multiplier   float64  `yaml:"multiplier" toml:"multiplier" json:"multiplier"`
	JitterFactor float64  `yaml:"jitter_factor" toml:"jitter_factor" json:"jitter_factor"`
}

// ResourceConfig maps onto graph.ResourceLimits. Zero fields are unlimited.
type ResourceConfig struct {
	CPUCores    int64              `yaml:"cpu_cores" toml:"cpu_cores" json:"cpu_cores"`
	Memory      ByteSize           `yaml:"memory" toml:"memory" json:"memory"`
	Disk        ByteSize           `yaml:"disk" toml:"disk" json:"disk"`
	NetworkMbps float64            `yaml:"network_mbps" toml:"network_mbps" json:"network_mbps"`
	Custom      map[string]float64 `yaml:"custom,omitempty" toml:"custom,omitempty" json:"custom,omitempty"`
}

// SchedulerConfig configures admission quotas.
type SchedulerConfig struct {
	DefaultQuota QuotaConfig            `yaml:"default_quota" toml:"default_quota" json:"default_quota"`
	Users        map[string]QuotaConfig `yaml:"users,omitempty" toml:"users,omitempty" json:"users,omitempty"`
}

// QuotaConfig maps onto graph.UserQuota.
type QuotaConfig struct {
	MaxConcurrent int `yaml:"max_concurrent" toml:"max_concurrent" json:"max_concurrent"`
	MaxPerHour    int `yaml:"max_per_hour" toml:"max_per_hour" json:"max_per_hour"`
}

// CheckpointConfig selects and tunes the checkpoint backend.
type CheckpointConfig struct {
	Enabled  bool     `yaml:"enabled" toml:"enabled" json:"enabled"`
	Interval Duration `yaml:"interval" toml:"interval" json:"interval"`

	// Backend is one of memory, file, sqlite or mysql.
	Backend string `yaml:"backend" toml:"backend" json:"backend"`

	// Path is the directory (file) or database file (sqlite).
	Path string `yaml:"path" toml:"path" json:"path"`

	// DSN is the MySQL data source name.
	DSN string `yaml:"dsn,omitempty" toml:"dsn,omitempty" json:"dsn,omitempty"`

	MaxCheckpoints int    `yaml:"max_checkpoints" toml:"max_checkpoints" json:"max_checkpoints"`
	Format         string `yaml:"format" toml:"format" json:"format"`
	Compression    string `yaml:"compression" toml:"compression" json:"compression"`

	// EncryptionKeyEnv names an environment variable holding a hex-encoded
	// 32-byte key. Empty disables encryption.
	EncryptionKeyEnv string `yaml:"encryption_key_env,omitempty" toml:"encryption_key_env,omitempty" json:"encryption_key_env,omitempty"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level" toml:"level" json:"level"`

	// Format is json or console.
	Format string `yaml:"format" toml:"format" json:"format"`
}

// Default returns the configuration matching graph.DefaultOptions, with an
// in-memory checkpoint backend and info-level JSON logs.
func Default() *Config {
	opts := graph.DefaultOptions()
	return &Config{
		Engine: EngineConfig{
			MaxConcurrency:  opts.MaxConcurrency,
			NodeTimeout:     Duration{opts.NodeTimeout},
			StopOnError:     opts.StopOnError,
			MaxSteps:        opts.MaxSteps,
			RoutingStrategy: opts.RoutingStrategy.String(),
		},
		Retry: RetryConfig{
			MaxAttempts:  opts.Retry.MaxAttempts,
			BaseDelay:    Duration{opts.Retry.BaseDelay},
			MaxDelay:     Duration{opts.Retry.MaxDelay},
			Multiplier:   opts.Retry.Multiplier,
			JitterFactor: opts.Retry.JitterFactor,
		},
		Checkpoint: CheckpointConfig{
			Backend:        "memory",
			MaxCheckpoints: 10,
			Format:         "json",
			Compression:    "none",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path on top of Default. The format follows the extension:
// .yaml/.yml or .toml. Unknown keys are errors.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg *Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		cfg, err = ParseYAML(data)
	case ".toml":
		cfg, err = ParseTOML(data)
	default:
		return nil, fmt.Errorf("config %s: unsupported extension %q", path, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseYAML decodes a YAML document on top of Default and validates it.
func ParseYAML(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseTOML decodes a TOML document on top of Default and validates it.
func ParseTOML(data []byte) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("decode toml: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var err error
	if _, e := c.EngineOptions(); e != nil {
		err = multierr.Append(err, e)
	}
	switch c.Checkpoint.Backend {
	case "memory":
	case "file", "sqlite":
		if c.Checkpoint.Path == "" {
			err = multierr.Append(err, fmt.Errorf("checkpoint.path is required for the %s backend", c.Checkpoint.Backend))
		}
	case "mysql":
		if c.Checkpoint.DSN == "" {
			err = multierr.Append(err, errors.New("checkpoint.dsn is required for the mysql backend"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("checkpoint.backend %q is not one of memory, file, sqlite, mysql", c.Checkpoint.Backend))
	}
	if c.Checkpoint.MaxCheckpoints < 0 {
		err = multierr.Append(err, errors.New("checkpoint.max_checkpoints cannot be negative"))
	}
	if c.Checkpoint.Interval.Duration < 0 {
		err = multierr.Append(err, errors.New("checkpoint.interval cannot be negative"))
	}
	if _, e := c.checkpointOptions(); e != nil {
		err = multierr.Append(err, e)
	}
	if _, e := parseLevel(c.Log.Level); e != nil {
		err = multierr.Append(err, e)
	}
	if f := c.Log.Format; f != "" && f != "json" && f != "console" {
		err = multierr.Append(err, fmt.Errorf("log.format %q is not json or console", f))
	}
	for user, q := range c.Scheduler.Users {
		if q.MaxConcurrent < 0 || q.MaxPerHour < 0 {
			err = multierr.Append(err, fmt.Errorf("scheduler.users.%s: quotas cannot be negative", user))
		}
	}
	return err
}

// RetryPolicy converts the retry section.
func (c *Config) RetryPolicy() graph.RetryPolicy {
	return graph.RetryPolicy{
		MaxAttempts:  c.Retry.MaxAttempts,
		BaseDelay:    c.Retry.BaseDelay.Duration,
		MaxDelay:     c.Retry.MaxDelay.Duration,
		Multiplier:   c.Retry.Multiplier,
		JitterFactor: c.Retry.JitterFactor,
	}
}

// ResourceLimits converts the resources section.
func (c *Config) ResourceLimits() graph.ResourceLimits {
	return graph.ResourceLimits{
		CPUCores:    float64(c.Resources.CPUCores),
		MemoryBytes: int64(c.Resources.Memory),
		DiskBytes:   int64(c.Resources.Disk),
		NetworkMbps: c.Resources.NetworkMbps,
		Custom:      c.Resources.Custom,
	}
}

// EngineOptions converts the engine, retry and resources sections into
// validated graph.Options. Checkpointing is enabled separately by passing
// graph.WithCheckpointManager.
func (c *Config) EngineOptions() (graph.Options, error) {
	strategy, err := graph.ParseRoutingStrategy(c.Engine.RoutingStrategy)
	if err != nil {
		return graph.Options{}, fmt.Errorf("engine.routing_strategy: %w", err)
	}
	opts := graph.Options{
		MaxConcurrency:     c.Engine.MaxConcurrency,
		NodeTimeout:        c.Engine.NodeTimeout.Duration,
		TotalTimeout:       c.Engine.TotalTimeout.Duration,
		ParallelExecution:  c.Engine.Parallel,
		CheckpointInterval: c.Checkpoint.Interval.Duration,
		StreamingEnabled:   c.Engine.Streaming,
		Retry:              c.RetryPolicy(),
		ResourceLimits:     c.ResourceLimits(),
		MaxNodeTime:        c.Engine.MaxNodeTime.Duration,
		MaxNodes:           c.Engine.MaxNodes,
		MaxSteps:           c.Engine.MaxSteps,
		StopOnError:        c.Engine.StopOnError,
		RoutingStrategy:    strategy,
		Seed:               c.Engine.Seed,
	}
	if err := opts.Validate(); err != nil {
		return graph.Options{}, err
	}
	return opts, nil
}

// SchedulerOptions converts the scheduler section.
func (c *Config) SchedulerOptions() []graph.SchedulerOption {
	opts := []graph.SchedulerOption{
		graph.WithDefaultQuota(graph.UserQuota(c.Scheduler.DefaultQuota)),
	}
	for user, q := range c.Scheduler.Users {
		opts = append(opts, graph.WithUserQuota(user, graph.UserQuota(q)))
	}
	return opts
}

func encryptionKey(env string) ([]byte, error) {
	if env == "" {
		return nil, nil
	}
	raw := strings.TrimSpace(os.Getenv(env))
	if raw == "" {
		return nil, fmt.Errorf("checkpoint.encryption_key_env: %s is not set", env)
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("checkpoint.encryption_key_env: %s is not hex: %w", env, err)
	}
	return key, nil
}

// Duration is a time.Duration written as a string such as "250ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler, used by the TOML
// decoder.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" || s == "0" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// ByteSize is a size in bytes written with a unit suffix.
type ByteSize int64

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *ByteSize) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*b = 0
		return nil
	}
	v, err := units.RAMInBytes(s)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", s, err)
	}
	if v < 0 {
		return fmt.Errorf("invalid size %q: negative", s)
	}
	*b = ByteSize(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	return b.UnmarshalText([]byte(node.Value))
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (any, error) {
	return b.String(), nil
}

func (b ByteSize) String() string {
	if b == 0 {
		return "0"
	}
	return units.BytesSize(float64(b))
}
