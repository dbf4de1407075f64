// Copyright 2025 Tom Barlow
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

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/northvane/durable/internal/util"
	durerrors "github.com/northvane/durable/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the complete daemon configuration: how it listens, which
// durable.Storage backend it runs against, and how the engine/executor/
// hook resolvers it wires are tuned.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Daemon  DaemonConfig  `yaml:"daemon"`
	Backend BackendConfig `yaml:"backend"`
	World   WorldConfig   `yaml:"world"`

	Observability ObservabilityConfig `yaml:"observability,omitempty"`
	Security      SecurityConfig      `yaml:"security,omitempty"`
}

// SecurityConfig configures at-rest encryption of run input/output.
type SecurityConfig struct {
	// MasterKeyEnv names the environment variable the daemon reads its
	// run-encryption master key from. Unset or empty at startup disables
	// encryption: runs are dehydrated in plaintext, same as today.
	MasterKeyEnv string `yaml:"master_key_env,omitempty"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	// Environment: LOG_LEVEL
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	// Environment: LOG_FORMAT
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	// Environment: LOG_SOURCE
	AddSource bool `yaml:"add_source"`
}

// DaemonConfig configures the HTTP surface the daemon listens on.
type DaemonConfig struct {
	// ListenAddr is the TCP address the control-plane queue/webhook
	// surface binds to (e.g. ":8080").
	// Environment: DURABLE_LISTEN_ADDR
	ListenAddr string `yaml:"listen_addr,omitempty"`

	// PIDFile is the path to the PID file. Empty means no PID file.
	PIDFile string `yaml:"pid_file,omitempty"`

	// ShutdownTimeout bounds how long Shutdown waits for the HTTP
	// server to stop accepting and finish in-flight requests.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`

	// DrainTimeout bounds how long Shutdown waits for in-flight
	// workflow/step handler invocations to finish before forcing close.
	DrainTimeout time.Duration `yaml:"drain_timeout,omitempty"`
}

// BackendConfig selects and configures the durable.Storage implementation.
type BackendConfig struct {
	// Type is the backend type: "memory" or "sqlite".
	Type string `yaml:"type,omitempty"`

	// SQLitePath is the database file path (for type=sqlite).
	SQLitePath string `yaml:"sqlite_path,omitempty"`
}

// WorldConfig tunes the queue/stream side channels every Engine and
// Executor runs against.
type WorldConfig struct {
	// QueueVisibilityTimeout is how long a dequeued message stays
	// invisible to other consumers before being eligible for redelivery.
	QueueVisibilityTimeout time.Duration `yaml:"queue_visibility_timeout,omitempty"`

	// MaxStepRetries is the retry budget the daemon passes to the step
	// executor as Executor.MaxRetries; zero leaves the executor on
	// stepexec.DefaultMaxRetries.
	MaxStepRetries int `yaml:"max_step_retries,omitempty"`

	// MaxSleepDuration is loaded and defaulted with the rest of the
	// config but is not enforced: Context.Sleep accepts any duration.
	MaxSleepDuration time.Duration `yaml:"max_sleep_duration,omitempty"`

	// StepRateLimit caps how many step function invocations per second
	// this process's executor makes, across all steps. Zero disables
	// the limiter.
	StepRateLimit float64 `yaml:"step_rate_limit,omitempty"`

	// StepRateBurst is the token-bucket burst size paired with
	// StepRateLimit. Ignored when StepRateLimit is zero.
	StepRateBurst int `yaml:"step_rate_burst,omitempty"`
}

// ObservabilityConfig configures tracing and metrics.
type ObservabilityConfig struct {
	// Enabled activates OTel tracing.
	Enabled bool `yaml:"enabled"`

	// ServiceName identifies this service in traces and metrics.
	ServiceName string `yaml:"service_name,omitempty"`

	// MetricsAddr is the TCP address the Prometheus /metrics endpoint
	// binds to, separate from the daemon's control-plane listener.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Daemon: DaemonConfig{
			ListenAddr:      ":8080",
			ShutdownTimeout: 30 * time.Second,
			DrainTimeout:    30 * time.Second,
		},
		Backend: BackendConfig{
			Type:       "memory",
			SQLitePath: defaultDataDir() + "/durable.db",
		},
		World: WorldConfig{
			QueueVisibilityTimeout: 30 * time.Second,
			MaxStepRetries:         3,
			MaxSleepDuration:       7 * 24 * time.Hour,
			StepRateLimit:          0,
			StepRateBurst:          0,
		},
		Observability: ObservabilityConfig{
			Enabled:     false,
			ServiceName: "durable",
			MetricsAddr: ":9090",
		},
		Security: SecurityConfig{
			MasterKeyEnv: "DURABLE_MASTER_KEY",
		},
	}
}

// Load loads configuration from defaults, an optional YAML file, then
// environment variables, in that order of increasing precedence.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &durerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &durerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// loadFromEnv overrides the current configuration with environment
// variables. Env vars always take precedence over file configuration.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}

	if val := os.Getenv("DURABLE_LISTEN_ADDR"); val != "" {
		c.Daemon.ListenAddr = val
	}
	if val := os.Getenv("DURABLE_PID_FILE"); val != "" {
		c.Daemon.PIDFile = val
	}
	if val := os.Getenv("DURABLE_SHUTDOWN_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Daemon.ShutdownTimeout = d
		}
	}
	if val := os.Getenv("DURABLE_DRAIN_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Daemon.DrainTimeout = d
		}
	}

	if val := os.Getenv("DURABLE_BACKEND"); val != "" {
		c.Backend.Type = val
	}
	if val := os.Getenv("DURABLE_SQLITE_PATH"); val != "" {
		c.Backend.SQLitePath = val
	}

	if val := os.Getenv("DURABLE_QUEUE_VISIBILITY_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.World.QueueVisibilityTimeout = d
		}
	}
	if val := os.Getenv("DURABLE_MAX_STEP_RETRIES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.World.MaxStepRetries = n
		}
	}
	if val := os.Getenv("DURABLE_STEP_RATE_LIMIT"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			c.World.StepRateLimit = f
		}
	}
	if val := os.Getenv("DURABLE_STEP_RATE_BURST"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.World.StepRateBurst = n
		}
	}

	if val := os.Getenv("DURABLE_OBSERVABILITY_ENABLED"); val != "" {
		c.Observability.Enabled = val == "1" || strings.ToLower(val) == "true"
	}
	if val := os.Getenv("DURABLE_METRICS_ADDR"); val != "" {
		c.Observability.MetricsAddr = val
	}
	if val := os.Getenv("DURABLE_MASTER_KEY_ENV"); val != "" {
		c.Security.MasterKeyEnv = val
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	var errs []string

	validLevels := []string{"debug", "info", "warn", "warning", "error"}
	if !util.Contains(validLevels, c.Log.Level) {
		errs = append(errs, fmt.Sprintf("log.level must be one of [debug, info, warn, warning, error], got %q", c.Log.Level))
	}
	validFormats := []string{"json", "text"}
	if !util.Contains(validFormats, c.Log.Format) {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	validBackends := []string{"memory", "sqlite"}
	if !util.Contains(validBackends, c.Backend.Type) {
		errs = append(errs, fmt.Sprintf("backend.type must be one of [memory, sqlite], got %q", c.Backend.Type))
	}
	if c.Backend.Type == "sqlite" && c.Backend.SQLitePath == "" {
		errs = append(errs, "backend.sqlite_path is required when backend.type is \"sqlite\"")
	}

	if c.World.QueueVisibilityTimeout <= 0 {
		errs = append(errs, "world.queue_visibility_timeout must be positive")
	}
	if c.World.MaxStepRetries < 0 {
		errs = append(errs, "world.max_step_retries must be non-negative")
	}
	if c.World.StepRateLimit < 0 {
		errs = append(errs, "world.step_rate_limit must be non-negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}

// defaultDataDir returns the default data directory, preferring
// XDG_DATA_HOME and falling back to ~/.durable/data.
func defaultDataDir() string {
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, "durable")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/durable-data"
	}
	return filepath.Join(home, ".durable", "data")
}
