package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of engine tunables. Field tags mirror the dotted
// option names (parallel.max_workers, cache.ttl_seconds, ...).
type Config struct {
	// MAINTAINER NOTE: If you add/change/remove fields here, keep in sync:
	// - defaults in New
	// - CLI overrides in internal/cli/run.go
	Parallel   Parallel   `yaml:"parallel"`
	Git        Git        `yaml:"git"`
	Cache      Cache      `yaml:"cache"`
	Memory     Memory     `yaml:"memory"`
	API        API        `yaml:"api"`
	Monitoring Monitoring `yaml:"monitoring"`
	Runtime    Runtime    `yaml:"-"`
}

type Parallel struct {
	// MaxWorkers is the worker pool size. Zero means "auto" (one per CPU).
	MaxWorkers WorkerCount `yaml:"max_workers"`

	// WorkerTimeoutSeconds bounds each work item.
	WorkerTimeoutSeconds int `yaml:"worker_timeout_seconds"`

	// RunTimeoutSeconds bounds the whole run. Zero disables the run timeout.
	RunTimeoutSeconds int `yaml:"run_timeout_seconds"`
}

type Git struct {
	// ShallowDepth is the history depth used for shallow clones. Zero disables
	// shallow cloning.
	ShallowDepth int `yaml:"shallow_depth"`

	// UseReferenceRepos enables shared object stores for forks of one source.
	UseReferenceRepos bool `yaml:"use_reference_repos"`

	// ReferenceDir holds the shared bare object stores.
	ReferenceDir string `yaml:"reference_dir"`

	// WorkDir holds the materialized clones.
	WorkDir string `yaml:"work_dir"`
}

type Cache struct {
	Enabled        bool   `yaml:"enabled"`
	Directory      string `yaml:"directory"`
	TTLSeconds     int    `yaml:"ttl_seconds"`
	MaxSizeBytes   int64  `yaml:"max_size_bytes"`
	MaxEntries     int    `yaml:"max_entries"`
	EvictionPolicy string `yaml:"eviction_policy"`
	Shards         int    `yaml:"shards"`
}

type Memory struct {
	MaxRepoBytes         int64   `yaml:"max_repo_bytes"`
	StreamThresholdBytes int64   `yaml:"stream_threshold_bytes"`
	LimitBytes           uint64  `yaml:"limit_bytes"`
	PressureFraction     float64 `yaml:"pressure_fraction"`
	PressureGraceSeconds int     `yaml:"pressure_grace_seconds"`
	GCEveryItems         int     `yaml:"gc_every_items"`
	SampleIntervalMillis int     `yaml:"sample_interval_ms"`
}

type API struct {
	BatchSize         int     `yaml:"batch_size"`
	BatchWindowMillis int     `yaml:"batch_window_ms"`
	ParallelRequests  int     `yaml:"parallel_requests"`
	RetryAttempts     int     `yaml:"retry_attempts"`
	RetryBackoff      string  `yaml:"retry_backoff"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

type Monitoring struct {
	SlowThresholdSeconds float64 `yaml:"slow_threshold_seconds"`
	SlowMultiplier       float64 `yaml:"slow_multiplier"`
	MinCacheHitRate      float64 `yaml:"min_cache_hit_rate"`
	RetentionDays        int     `yaml:"retention_days"`
}

// Runtime holds CLI-only settings that never come from the config file.
type Runtime struct {
	Verbose     bool
	NoConsole   bool
	Report      string
	MetricsAddr string
	RecentOnly  bool
	// Emit lists machine-readable stdout streams: json and/or ndjson.
	Emit []string
}

// WorkerCount accepts either an integer or the string "auto".
type WorkerCount int

func (w *WorkerCount) UnmarshalYAML(node *yaml.Node) error {
	v := strings.TrimSpace(node.Value)
	if strings.EqualFold(v, "auto") || v == "" {
		*w = 0
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("parallel.max_workers: expected integer or \"auto\", got %q", node.Value)
	}
	*w = WorkerCount(n)
	return nil
}

func (w WorkerCount) MarshalYAML() (any, error) {
	if w == 0 {
		return "auto", nil
	}
	return int(w), nil
}

// Resolve returns the effective pool size.
func (w WorkerCount) Resolve() int {
	if w <= 0 {
		return runtime.NumCPU()
	}
	return int(w)
}

func New() *Config {
	base := defaultCacheDir()
	return &Config{
		Parallel: Parallel{
			WorkerTimeoutSeconds: 300,
		},
		Git: Git{
			ShallowDepth:      50,
			UseReferenceRepos: true,
		},
		Cache: Cache{
			Enabled:        true,
			Directory:      base,
			TTLSeconds:     86400,
			MaxSizeBytes:   256 << 20,
			EvictionPolicy: "lru",
			Shards:         16,
		},
		Memory: Memory{
			MaxRepoBytes:         2 << 30,
			StreamThresholdBytes: 8 << 20,
			PressureFraction:     0.85,
			PressureGraceSeconds: 120,
			GCEveryItems:         10,
			SampleIntervalMillis: 500,
		},
		API: API{
			BatchSize:         20,
			BatchWindowMillis: 50,
			ParallelRequests:  8,
			RetryAttempts:     3,
			RetryBackoff:      "exponential",
		},
		Monitoring: Monitoring{
			SlowThresholdSeconds: 60,
			SlowMultiplier:       3,
			MinCacheHitRate:      0.5,
			RetentionDays:        30,
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns defaults.
func Load(path string) (*Config, error) {
	cfg := New()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	// Parallel
	if c.Parallel.MaxWorkers < 0 {
		return errors.New("parallel.max_workers must be >= 1 or \"auto\"")
	}
	if c.Parallel.WorkerTimeoutSeconds <= 0 {
		return errors.New("parallel.worker_timeout_seconds must be > 0")
	}
	if c.Parallel.RunTimeoutSeconds < 0 {
		return errors.New("parallel.run_timeout_seconds must be >= 0")
	}

	// Cache
	c.Cache.EvictionPolicy = normalizeEnumValue(c.Cache.EvictionPolicy)
	if c.Cache.EvictionPolicy == "" {
		c.Cache.EvictionPolicy = "lru"
	}
	if c.Cache.EvictionPolicy != "lru" && c.Cache.EvictionPolicy != "lfu" && c.Cache.EvictionPolicy != "fifo" {
		return fmt.Errorf("unsupported cache.eviction_policy: %s (must be one of: lru, lfu, fifo)", c.Cache.EvictionPolicy)
	}
	if c.Cache.TTLSeconds <= 0 {
		return errors.New("cache.ttl_seconds must be > 0")
	}
	if c.Cache.MaxSizeBytes < 0 {
		return errors.New("cache.max_size_bytes must be >= 0")
	}
	if c.Cache.MaxEntries < 0 {
		return errors.New("cache.max_entries must be >= 0")
	}
	if c.Cache.Shards <= 0 {
		c.Cache.Shards = 16
	}
	if c.Cache.Enabled && strings.TrimSpace(c.Cache.Directory) == "" {
		return errors.New("cache.directory is required when cache.enabled is true")
	}

	// Git
	if c.Git.ShallowDepth < 0 {
		return errors.New("git.shallow_depth must be >= 0")
	}
	if c.Git.ReferenceDir == "" {
		c.Git.ReferenceDir = filepath.Join(c.Cache.Directory, "references")
	}
	if c.Git.WorkDir == "" {
		c.Git.WorkDir = filepath.Join(c.Cache.Directory, "clones")
	}

	// Memory
	if c.Memory.StreamThresholdBytes <= 0 {
		return errors.New("memory.stream_threshold_bytes must be > 0")
	}
	if c.Memory.MaxRepoBytes < 0 {
		return errors.New("memory.max_repo_bytes must be >= 0")
	}
	if c.Memory.PressureFraction <= 0 || c.Memory.PressureFraction > 1 {
		return fmt.Errorf("memory.pressure_fraction must be in (0, 1], got %v", c.Memory.PressureFraction)
	}
	if c.Memory.PressureGraceSeconds < 0 {
		return errors.New("memory.pressure_grace_seconds must be >= 0")
	}
	if c.Memory.GCEveryItems <= 0 {
		c.Memory.GCEveryItems = 10
	}
	if c.Memory.SampleIntervalMillis <= 0 {
		c.Memory.SampleIntervalMillis = 500
	}

	// API
	if c.API.BatchSize <= 0 {
		return errors.New("api.batch_size must be >= 1")
	}
	if c.API.BatchWindowMillis < 0 {
		return errors.New("api.batch_window_ms must be >= 0")
	}
	if c.API.ParallelRequests <= 0 {
		return errors.New("api.parallel_requests must be >= 1")
	}
	if c.API.RetryAttempts < 0 {
		return errors.New("api.retry_attempts must be >= 0")
	}
	c.API.RetryBackoff = normalizeEnumValue(c.API.RetryBackoff)
	if c.API.RetryBackoff == "" {
		c.API.RetryBackoff = "exponential"
	}
	if c.API.RetryBackoff != "linear" && c.API.RetryBackoff != "exponential" {
		return fmt.Errorf("unsupported api.retry_backoff: %s (must be one of: linear, exponential)", c.API.RetryBackoff)
	}
	if c.API.RequestsPerSecond < 0 {
		return errors.New("api.requests_per_second must be >= 0")
	}

	// Monitoring
	if c.Monitoring.SlowThresholdSeconds < 0 {
		return errors.New("monitoring.slow_threshold_seconds must be >= 0")
	}
	if c.Monitoring.SlowMultiplier < 1 {
		c.Monitoring.SlowMultiplier = 3
	}
	if c.Monitoring.MinCacheHitRate < 0 || c.Monitoring.MinCacheHitRate > 1 {
		return fmt.Errorf("monitoring.min_cache_hit_rate must be in [0, 1], got %v", c.Monitoring.MinCacheHitRate)
	}
	if c.Monitoring.RetentionDays < 0 {
		return errors.New("monitoring.retention_days must be >= 0")
	}

	// Runtime
	for i, e := range c.Runtime.Emit {
		e = normalizeEnumValue(e)
		if e != "json" && e != "ndjson" {
			return fmt.Errorf("unsupported emit format: %s (must be one of: json, ndjson)", c.Runtime.Emit[i])
		}
		c.Runtime.Emit[i] = e
	}

	return nil
}

// Convenience accessors in time.Duration.

func (c *Config) WorkerTimeout() time.Duration {
	return time.Duration(c.Parallel.WorkerTimeoutSeconds) * time.Second
}

func (c *Config) RunTimeout() time.Duration {
	return time.Duration(c.Parallel.RunTimeoutSeconds) * time.Second
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

func (c *Config) BatchWindow() time.Duration {
	return time.Duration(c.API.BatchWindowMillis) * time.Millisecond
}

func (c *Config) PressureGrace() time.Duration {
	return time.Duration(c.Memory.PressureGraceSeconds) * time.Second
}

func (c *Config) SampleInterval() time.Duration {
	return time.Duration(c.Memory.SampleIntervalMillis) * time.Millisecond
}

func (c *Config) SlowThreshold() time.Duration {
	return time.Duration(c.Monitoring.SlowThresholdSeconds * float64(time.Second))
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.Monitoring.RetentionDays) * 24 * time.Hour
}

func normalizeEnumValue(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil && dir != "" {
		return filepath.Join(dir, "repopulse")
	}
	return filepath.Join(os.TempDir(), "repopulse")
}
