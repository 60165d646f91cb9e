// Copyright 2025 The AgentFlow Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config defines the daemon and CLI configuration model.
//
// Precedence, lowest to highest: built-in defaults, the YAML config
// file, AFL_* environment variables, command-line flags. Flags are
// applied by the commands layer after Load returns.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Store backend types.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreMongo  = "mongo"
)

// Config is the complete AgentFlow configuration.
type Config struct {
	Store   StoreConfig   `yaml:"store"`
	Runner  RunnerConfig  `yaml:"runner"`
	Agent   AgentConfig   `yaml:"agent"`
	Log     LogConfig     `yaml:"log"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// StoreConfig selects and parameterizes the persistence backend.
type StoreConfig struct {
	// Type is the backend: memory, sqlite, or mongo.
	// Default: memory
	Type string `yaml:"type"`

	// Path is the database file for the sqlite backend.
	// Default: afl.db
	Path string `yaml:"path,omitempty"`

	// URL is the connection string for the mongo backend.
	// Environment: AFL_STORE_URL
	URL string `yaml:"url,omitempty"`

	// Database is the database name for the mongo backend.
	// Environment: AFL_STORE_DB
	Database string `yaml:"database,omitempty"`
}

// RunnerConfig configures the runner service daemon.
type RunnerConfig struct {
	// TaskList is the queue polled for afl:execute and afl:resume.
	// Default: default
	TaskList string `yaml:"task_list,omitempty"`

	// PollInterval is the sleep between empty claim attempts.
	// Default: 1s
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`

	// HeartbeatInterval is the server ping cadence.
	// Default: 10s
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval,omitempty"`

	// Concurrency caps concurrently evaluated runners.
	// Default: 4
	Concurrency int `yaml:"concurrency,omitempty"`

	// LockLease is the runner key-lock lease duration. It must exceed
	// the expected iteration time; the lock keeper extends it while an
	// evaluation runs.
	// Default: 30s
	LockLease time.Duration `yaml:"lock_lease,omitempty"`

	// JanitorInterval is the stale-task sweep cadence.
	// Default: 60s
	JanitorInterval time.Duration `yaml:"janitor_interval,omitempty"`

	// StaleAfter marks a server failed when its last ping is older
	// than this; the janitor re-pends its running tasks.
	// Default: 30s
	StaleAfter time.Duration `yaml:"stale_after,omitempty"`
}

// AgentConfig configures the agent poller daemon.
type AgentConfig struct {
	// TaskList is the queue polled for domain facet tasks.
	// Default: default
	TaskList string `yaml:"task_list,omitempty"`

	// PollInterval is the sleep between drain cycles.
	// Default: 1s
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`

	// MaxConcurrent caps in-flight handler executions.
	// Default: 8
	MaxConcurrent int `yaml:"max_concurrent,omitempty"`

	// HeartbeatInterval is the server ping cadence.
	// Default: 10s
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval,omitempty"`

	// RegistryRefresh is the handler-registry reload cadence.
	// Default: 30s
	RegistryRefresh time.Duration `yaml:"registry_refresh,omitempty"`

	// Topics restricts claimed facets to these glob patterns. Empty
	// means no restriction.
	Topics []string `yaml:"topics,omitempty"`

	// Handlers are artifact-backed handlers this agent announces to the
	// registry at startup.
	Handlers []HandlerConfig `yaml:"handlers,omitempty"`

	// CacheDir stores downloaded handler artifacts.
	// Environment: AFL_CACHE_DIR
	// Default: <user cache dir>/agentflow/handlers
	CacheDir string `yaml:"cache_dir,omitempty"`

	// ArtifactRepo is the base URL mvn: coordinates resolve against.
	// Environment: AFL_ARTIFACT_REPO
	ArtifactRepo string `yaml:"artifact_repo,omitempty"`

	// JavaCmd launches JVM-based artifact handlers.
	// Environment: AFL_JAVA_CMD
	// Default: java
	JavaCmd string `yaml:"java_cmd,omitempty"`

	// ClaimRate bounds claim attempts per second across the drain loop.
	// Default: 10
	ClaimRate float64 `yaml:"claim_rate,omitempty"`

	// HandlerTimeout bounds handler execution when the registration
	// carries no timeout of its own.
	// Default: 60s
	HandlerTimeout time.Duration `yaml:"handler_timeout,omitempty"`
}

// HandlerConfig declares one artifact-backed handler an agent serves.
type HandlerConfig struct {
	// Facet is the facet name the handler executes.
	Facet string `yaml:"facet"`

	// ModuleURI locates the artifact (file://, https://, mvn:).
	ModuleURI string `yaml:"module_uri"`

	// Entrypoint is the class or symbol invoked inside the artifact.
	Entrypoint string `yaml:"entrypoint,omitempty"`

	// TimeoutMS bounds one execution, in milliseconds.
	TimeoutMS int64 `yaml:"timeout_ms,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is the minimum level: trace, debug, info, warn, error.
	// Default: info
	Level string `yaml:"level,omitempty"`

	// Format is json or text.
	// Default: json
	Format string `yaml:"format,omitempty"`

	// Source adds file and line information to records.
	Source bool `yaml:"source,omitempty"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	// Enabled turns on the stdout span exporter.
	Enabled bool `yaml:"enabled"`

	// SampleRate is the fraction of traces recorded (0.0 - 1.0).
	// Default: 1.0
	SampleRate float64 `yaml:"sample_rate,omitempty"`

	// AlwaysSampleErrors records error traces regardless of rate.
	// Default: true
	AlwaysSampleErrors bool `yaml:"always_sample_errors,omitempty"`

	// PrettyPrint formats exported spans for human reading.
	PrettyPrint bool `yaml:"pretty_print,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the address serving /metrics and /healthz. Empty
	// disables the endpoint.
	Listen string `yaml:"listen,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Type: StoreMemory,
			Path: "afl.db",
		},
		Runner: RunnerConfig{
			TaskList:          "default",
			PollInterval:      time.Second,
			HeartbeatInterval: 10 * time.Second,
			Concurrency:       4,
			LockLease:         30 * time.Second,
			JanitorInterval:   60 * time.Second,
			StaleAfter:        30 * time.Second,
		},
		Agent: AgentConfig{
			TaskList:          "default",
			PollInterval:      time.Second,
			MaxConcurrent:     8,
			HeartbeatInterval: 10 * time.Second,
			RegistryRefresh:   30 * time.Second,
			JavaCmd:           "java",
			ClaimRate:         10,
			HandlerTimeout:    60 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:            false,
			SampleRate:         1.0,
			AlwaysSampleErrors: true,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file,
// and environment variables, in that order. An empty path skips the
// file stage.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("loading config from %s: %w", configPath, err)
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromFile overlays file values onto the receiver.
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}
	return nil
}

// applyDefaults fills zero values a minimal file left behind.
func (c *Config) applyDefaults() {
	def := Default()

	if c.Store.Type == "" {
		c.Store.Type = def.Store.Type
	}
	if c.Store.Path == "" {
		c.Store.Path = def.Store.Path
	}

	if c.Runner.TaskList == "" {
		c.Runner.TaskList = def.Runner.TaskList
	}
	if c.Runner.PollInterval <= 0 {
		c.Runner.PollInterval = def.Runner.PollInterval
	}
	if c.Runner.HeartbeatInterval <= 0 {
		c.Runner.HeartbeatInterval = def.Runner.HeartbeatInterval
	}
	if c.Runner.Concurrency <= 0 {
		c.Runner.Concurrency = def.Runner.Concurrency
	}
	if c.Runner.LockLease <= 0 {
		c.Runner.LockLease = def.Runner.LockLease
	}
	if c.Runner.JanitorInterval <= 0 {
		c.Runner.JanitorInterval = def.Runner.JanitorInterval
	}
	if c.Runner.StaleAfter <= 0 {
		c.Runner.StaleAfter = def.Runner.StaleAfter
	}

	if c.Agent.TaskList == "" {
		c.Agent.TaskList = def.Agent.TaskList
	}
	if c.Agent.PollInterval <= 0 {
		c.Agent.PollInterval = def.Agent.PollInterval
	}
	if c.Agent.MaxConcurrent <= 0 {
		c.Agent.MaxConcurrent = def.Agent.MaxConcurrent
	}
	if c.Agent.HeartbeatInterval <= 0 {
		c.Agent.HeartbeatInterval = def.Agent.HeartbeatInterval
	}
	if c.Agent.RegistryRefresh <= 0 {
		c.Agent.RegistryRefresh = def.Agent.RegistryRefresh
	}
	if c.Agent.JavaCmd == "" {
		c.Agent.JavaCmd = def.Agent.JavaCmd
	}
	if c.Agent.ClaimRate <= 0 {
		c.Agent.ClaimRate = def.Agent.ClaimRate
	}
	if c.Agent.HandlerTimeout <= 0 {
		c.Agent.HandlerTimeout = def.Agent.HandlerTimeout
	}
	if c.Agent.CacheDir == "" {
		c.Agent.CacheDir = DefaultCacheDir()
	}

	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}

	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = def.Tracing.SampleRate
	}
}

// loadFromEnv applies AFL_* environment overrides.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("AFL_STORE_TYPE"); val != "" {
		c.Store.Type = strings.ToLower(val)
	}
	if val := os.Getenv("AFL_STORE_URL"); val != "" {
		c.Store.URL = val
	}
	if val := os.Getenv("AFL_STORE_DB"); val != "" {
		c.Store.Database = val
	}
	if val := os.Getenv("AFL_STORE_PATH"); val != "" {
		c.Store.Path = val
	}
	if val := os.Getenv("AFL_TASK_LIST"); val != "" {
		c.Runner.TaskList = val
		c.Agent.TaskList = val
	}
	if val := os.Getenv("AFL_CACHE_DIR"); val != "" {
		c.Agent.CacheDir = val
	}
	if val := os.Getenv("AFL_ARTIFACT_REPO"); val != "" {
		c.Agent.ArtifactRepo = val
	}
	if val := os.Getenv("AFL_JAVA_CMD"); val != "" {
		c.Agent.JavaCmd = val
	}
	if val := os.Getenv("AFL_METRICS_LISTEN"); val != "" {
		c.Metrics.Listen = val
	}
	if val := os.Getenv("AFL_TRACING_ENABLED"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			c.Tracing.Enabled = enabled
		}
	}
	if val := os.Getenv("AFL_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
}

// Validate checks cross-field constraints. All failures wrap
// ErrInvalidConfig.
func (c *Config) Validate() error {
	switch c.Store.Type {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("%w: sqlite store requires store.path", ErrInvalidConfig)
		}
	case StoreMongo:
		if c.Store.URL == "" {
			return fmt.Errorf("%w: mongo store requires store.url", ErrInvalidConfig)
		}
		if c.Store.Database == "" {
			return fmt.Errorf("%w: mongo store requires store.database", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store.type %q", ErrInvalidConfig, c.Store.Type)
	}

	if c.Runner.Concurrency < 1 {
		return fmt.Errorf("%w: runner.concurrency must be at least 1", ErrInvalidConfig)
	}
	if c.Agent.MaxConcurrent < 1 {
		return fmt.Errorf("%w: agent.max_concurrent must be at least 1", ErrInvalidConfig)
	}
	if c.Agent.ClaimRate <= 0 {
		return fmt.Errorf("%w: agent.claim_rate must be positive", ErrInvalidConfig)
	}
	for i, h := range c.Agent.Handlers {
		if h.Facet == "" {
			return fmt.Errorf("%w: agent.handlers[%d] missing facet", ErrInvalidConfig, i)
		}
		if h.ModuleURI == "" {
			return fmt.Errorf("%w: agent.handlers[%d] (%s) missing module_uri", ErrInvalidConfig, i, h.Facet)
		}
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("%w: tracing.sample_rate must be within [0, 1]", ErrInvalidConfig)
	}

	switch c.Log.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("%w: log.format must be json or text", ErrInvalidConfig)
	}

	return nil
}

// DefaultCacheDir returns the per-user artifact cache directory.
func DefaultCacheDir() string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "agentflow", "handlers")
}
