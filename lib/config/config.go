// Copyright 2025 Gravitational, Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates the configuration of a chime
// process.
//
// Configuration is layered: a YAML file supplies the base, environment
// variables override the file, and CLI flags override both. Every
// layer is optional except the sink URL, which has no sensible
// default.
package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/gravitational/chime/lib/defaults"
	"github.com/gravitational/chime/lib/policy"
)

// Storage backend names accepted by StorageConfig.Backend.
const (
	// StorageBackendMemory keeps occurrences in process memory. Single
	// instance only; state is lost on restart.
	StorageBackendMemory = "memory"
	// StorageBackendPostgres stores occurrences in PostgreSQL.
	StorageBackendPostgres = "postgres"
)

// Queue backend names accepted by QueueConfig.Backend.
const (
	// QueueBackendMemory is the in-process execution queue.
	QueueBackendMemory = "memory"
	// QueueBackendSQS publishes execution tasks to AWS SQS.
	QueueBackendSQS = "sqs"
	// QueueBackendRedis publishes execution tasks to a Redis stream.
	QueueBackendRedis = "redis"
)

// Environment variables recognized by ApplyEnvironment.
const (
	// EnvSchedulerTickInterval overrides scheduler.tick_interval.
	EnvSchedulerTickInterval = "SCHEDULER_TICK_INTERVAL"
	// EnvSchedulerBatchSize overrides scheduler.batch_size.
	EnvSchedulerBatchSize = "SCHEDULER_BATCH_SIZE"
	// EnvExecutorMaxRetries overrides executor.max_retries.
	EnvExecutorMaxRetries = "EXECUTOR_MAX_RETRIES"
	// EnvExecutorDeliveryTimeout overrides executor.delivery_timeout.
	EnvExecutorDeliveryTimeout = "EXECUTOR_DELIVERY_TIMEOUT"
	// EnvExecutorLeaseDuration overrides executor.lease_duration.
	EnvExecutorLeaseDuration = "EXECUTOR_LEASE_DURATION"
	// EnvRecoveryBatchLimit overrides recovery.batch_limit.
	EnvRecoveryBatchLimit = "RECOVERY_BATCH_LIMIT"
	// EnvBirthdayDeliveryTime overrides birthday.delivery_time.
	EnvBirthdayDeliveryTime = "BIRTHDAY_DELIVERY_TIME"
	// EnvFastTestDeliveryOffset overrides
	// birthday.fast_test_delivery_offset.
	EnvFastTestDeliveryOffset = "FAST_TEST_DELIVERY_OFFSET"
)

// CLIConf holds the parsed command line of the chime binary.
type CLIConf struct {
	// ConfigPath is the path of the YAML configuration file.
	ConfigPath string
	// Debug enables verbose logging.
	Debug bool
	// DiagAddr overrides the diagnostics listen address.
	DiagAddr string
}

// Config is the root configuration of a chime process.
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler,omitempty"`
	Executor  ExecutorConfig  `yaml:"executor,omitempty"`
	Recovery  RecoveryConfig  `yaml:"recovery,omitempty"`
	Birthday  BirthdayConfig  `yaml:"birthday,omitempty"`
	Storage   StorageConfig   `yaml:"storage,omitempty"`
	Queue     QueueConfig     `yaml:"queue,omitempty"`
	Sink      SinkConfig      `yaml:"sink,omitempty"`

	// Debug enables verbose logging.
	Debug bool `yaml:"debug"`
	// DiagAddr is the listen address of the diagnostics endpoint
	// serving /healthz, /readyz and /metrics.
	DiagAddr string `yaml:"diag_addr,omitempty"`
}

// SchedulerConfig tunes the periodic claimer.
type SchedulerConfig struct {
	// TickInterval is the cadence of claim ticks.
	TickInterval time.Duration `yaml:"tick_interval,omitempty"`
	// BatchSize caps how many due occurrences one tick claims.
	BatchSize int `yaml:"batch_size,omitempty"`
}

// ExecutorConfig tunes the delivery workers.
type ExecutorConfig struct {
	// MaxRetries bounds delivery attempts per occurrence.
	MaxRetries int `yaml:"max_retries,omitempty"`
	// DeliveryTimeout bounds a single sink call.
	DeliveryTimeout time.Duration `yaml:"delivery_timeout,omitempty"`
	// LeaseDuration is how long a PROCESSING occurrence stays owned
	// before recovery may reclaim it.
	LeaseDuration time.Duration `yaml:"lease_duration,omitempty"`
	// Concurrency is the number of delivery workers.
	Concurrency int `yaml:"concurrency,omitempty"`
}

// RecoveryConfig tunes the missed-occurrence scanner.
type RecoveryConfig struct {
	// Interval is the cadence of the missed scan and the lease sweep.
	Interval time.Duration `yaml:"interval,omitempty"`
	// RepairInterval is the cadence of the repair scan that
	// regenerates occurrences for users without a pending one.
	RepairInterval time.Duration `yaml:"repair_interval,omitempty"`
	// BatchLimit caps rows handled by a single scan.
	BatchLimit int `yaml:"batch_limit,omitempty"`
	// DetectOnly disables enqueueing: missed occurrences are logged
	// and counted but execution is left to the scheduler.
	DetectOnly bool `yaml:"detect_only"`
}

// BirthdayConfig tunes the birthday event policy.
type BirthdayConfig struct {
	// DeliveryTime is the local wall-clock delivery time in the
	// user's zone, "HH:MM" or "HH:MM:SS". Defaults to 09:00:00.
	DeliveryTime string `yaml:"delivery_time,omitempty"`
	// FastTestDeliveryOffset, when positive, schedules the next
	// occurrence this far from now instead of on the anniversary.
	// Test deployments only.
	FastTestDeliveryOffset time.Duration `yaml:"fast_test_delivery_offset,omitempty"`
}

// StorageConfig selects and tunes the occurrence store.
type StorageConfig struct {
	// Backend is one of "memory" or "postgres". Defaults to memory.
	Backend string `yaml:"backend,omitempty"`
	// ConnString is the PostgreSQL connection string. Required for
	// the postgres backend.
	ConnString string `yaml:"conn_string,omitempty"`
	// PoolMaxConns caps the PostgreSQL connection pool.
	PoolMaxConns int `yaml:"pool_max_conns,omitempty"`
}

// QueueConfig selects and tunes the execution queue.
type QueueConfig struct {
	// Backend is one of "memory", "sqs" or "redis". Defaults to
	// memory.
	Backend string `yaml:"backend,omitempty"`
	// SQS configures the sqs backend.
	SQS SQSConfig `yaml:"sqs,omitempty"`
	// Redis configures the redis backend.
	Redis RedisConfig `yaml:"redis,omitempty"`
}

// SQSConfig points the sqs queue backend at its AWS queue.
type SQSConfig struct {
	// QueueURL is the SQS queue URL. Required for the sqs backend.
	QueueURL string `yaml:"queue_url,omitempty"`
	// Region overrides the AWS region from the environment.
	Region string `yaml:"region,omitempty"`
}

// RedisConfig points the redis queue backend at its stream.
type RedisConfig struct {
	// Addr is the host:port of the Redis server. Required for the
	// redis backend.
	Addr string `yaml:"addr,omitempty"`
	// Password authenticates to the Redis server, if set.
	Password string `yaml:"password,omitempty"`
	// Stream is the stream execution tasks are appended to.
	Stream string `yaml:"stream,omitempty"`
	// Group is the consumer group executors read through.
	Group string `yaml:"group,omitempty"`
}

// SinkConfig points the delivery sink at its receiver.
type SinkConfig struct {
	// WebhookURL is the endpoint deliveries are POSTed to. Required.
	WebhookURL string `yaml:"webhook_url,omitempty"`
	// Timeout bounds a single delivery attempt end to end.
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// CheckAndSetDefaults validates the merged configuration and fills in
// defaults. Component-level defaults (tick interval, batch size and so
// on) are left at zero here; the owning component applies them so that
// the defaults live in one place.
func (c *Config) CheckAndSetDefaults() error {
	if c.Scheduler.TickInterval < 0 {
		return trace.BadParameter("scheduler.tick_interval must not be negative")
	}
	if c.Scheduler.BatchSize < 0 {
		return trace.BadParameter("scheduler.batch_size must not be negative")
	}
	if c.Executor.MaxRetries < 0 {
		return trace.BadParameter("executor.max_retries must not be negative")
	}
	if c.Executor.DeliveryTimeout < 0 {
		return trace.BadParameter("executor.delivery_timeout must not be negative")
	}
	if c.Executor.LeaseDuration < 0 {
		return trace.BadParameter("executor.lease_duration must not be negative")
	}
	if c.Recovery.BatchLimit < 0 {
		return trace.BadParameter("recovery.batch_limit must not be negative")
	}
	if c.Birthday.DeliveryTime != "" {
		if _, err := policy.ParseWallClock(c.Birthday.DeliveryTime); err != nil {
			return trace.Wrap(err, "birthday.delivery_time")
		}
	}
	if c.Birthday.FastTestDeliveryOffset < 0 {
		return trace.BadParameter("birthday.fast_test_delivery_offset must not be negative")
	}

	switch c.Storage.Backend {
	case "":
		c.Storage.Backend = StorageBackendMemory
	case StorageBackendMemory:
	case StorageBackendPostgres:
		if c.Storage.ConnString == "" {
			return trace.BadParameter("storage.conn_string is required for the postgres backend")
		}
	default:
		return trace.BadParameter("unknown storage backend %q, expected one of %q or %q",
			c.Storage.Backend, StorageBackendMemory, StorageBackendPostgres)
	}

	switch c.Queue.Backend {
	case "":
		c.Queue.Backend = QueueBackendMemory
	case QueueBackendMemory:
	case QueueBackendSQS:
		if c.Queue.SQS.QueueURL == "" {
			return trace.BadParameter("queue.sqs.queue_url is required for the sqs backend")
		}
	case QueueBackendRedis:
		if c.Queue.Redis.Addr == "" {
			return trace.BadParameter("queue.redis.addr is required for the redis backend")
		}
		if c.Queue.Redis.Stream == "" {
			c.Queue.Redis.Stream = defaults.RedisStream
		}
		if c.Queue.Redis.Group == "" {
			c.Queue.Redis.Group = defaults.RedisGroup
		}
	default:
		return trace.BadParameter("unknown queue backend %q, expected one of %q, %q or %q",
			c.Queue.Backend, QueueBackendMemory, QueueBackendSQS, QueueBackendRedis)
	}

	if c.Sink.WebhookURL == "" {
		return trace.BadParameter("sink.webhook_url is required")
	}

	if c.DiagAddr == "" {
		c.DiagAddr = defaults.DiagnosticsAddr
	}
	return nil
}

// ApplyEnvironment overlays recognized environment variables onto the
// configuration. getenv is os.Getenv outside of tests. Unset and empty
// variables leave the corresponding field untouched.
func (c *Config) ApplyEnvironment(getenv func(string) string) error {
	if v := getenv(EnvSchedulerTickInterval); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return trace.BadParameter("invalid %s %q: %v", EnvSchedulerTickInterval, v, err)
		}
		c.Scheduler.TickInterval = d
	}
	if v := getenv(EnvSchedulerBatchSize); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return trace.BadParameter("invalid %s %q: %v", EnvSchedulerBatchSize, v, err)
		}
		c.Scheduler.BatchSize = n
	}
	if v := getenv(EnvExecutorMaxRetries); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return trace.BadParameter("invalid %s %q: %v", EnvExecutorMaxRetries, v, err)
		}
		c.Executor.MaxRetries = n
	}
	if v := getenv(EnvExecutorDeliveryTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return trace.BadParameter("invalid %s %q: %v", EnvExecutorDeliveryTimeout, v, err)
		}
		c.Executor.DeliveryTimeout = d
	}
	if v := getenv(EnvExecutorLeaseDuration); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return trace.BadParameter("invalid %s %q: %v", EnvExecutorLeaseDuration, v, err)
		}
		c.Executor.LeaseDuration = d
	}
	if v := getenv(EnvRecoveryBatchLimit); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return trace.BadParameter("invalid %s %q: %v", EnvRecoveryBatchLimit, v, err)
		}
		c.Recovery.BatchLimit = n
	}
	if v := getenv(EnvBirthdayDeliveryTime); v != "" {
		c.Birthday.DeliveryTime = v
	}
	if v := getenv(EnvFastTestDeliveryOffset); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return trace.BadParameter("invalid %s %q: %v", EnvFastTestDeliveryOffset, v, err)
		}
		c.Birthday.FastTestDeliveryOffset = d
	}
	return nil
}

// FromCLIConf builds the effective configuration from CLI parameters,
// loading the configuration file when one is specified and overlaying
// the environment and CLI flags on top. CheckAndSetDefaults is called
// on the result.
func FromCLIConf(cf *CLIConf, logger *slog.Logger) (*Config, error) {
	var cfg *Config
	var err error

	if cf.ConfigPath != "" {
		cfg, err = ReadConfigFromFile(cf.ConfigPath)
		if err != nil {
			return nil, trace.Wrap(err, "loading config from %s", cf.ConfigPath)
		}
	} else {
		cfg = &Config{}
	}

	if err := cfg.ApplyEnvironment(os.Getenv); err != nil {
		return nil, trace.Wrap(err)
	}

	if cf.Debug {
		cfg.Debug = true
	}
	if cf.DiagAddr != "" {
		if cfg.DiagAddr != "" {
			logger.Warn("CLI parameters are overriding the diagnostics address from the config file.")
		}
		cfg.DiagAddr = cf.DiagAddr
	}

	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err, "validating merged config")
	}
	return cfg, nil
}

// ReadConfigFromFile reads and parses a YAML config from a file.
func ReadConfigFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer f.Close()
	return ReadConfig(f)
}

// ReadConfig parses a YAML config from a reader. Unknown fields are
// rejected so that typos surface at startup instead of silently
// running on defaults.
func ReadConfig(reader io.Reader) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, trace.BadParameter("failed parsing config file: %s", strings.ReplaceAll(err.Error(), "\n", " "))
	}
	return &cfg, nil
}
