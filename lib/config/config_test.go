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

package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/chime/lib/defaults"
)

const exampleConfig = `
scheduler:
  tick_interval: 30s
  batch_size: 50
executor:
  max_retries: 5
  delivery_timeout: 15s
  lease_duration: 2m
  concurrency: 8
recovery:
  interval: 45s
  repair_interval: 30m
  batch_limit: 500
  detect_only: true
birthday:
  delivery_time: "08:30"
  fast_test_delivery_offset: 90s
storage:
  backend: postgres
  conn_string: postgres://chime@localhost/chime
  pool_max_conns: 10
queue:
  backend: redis
  redis:
    addr: localhost:6379
    stream: custom:stream
    group: custom-group
sink:
  webhook_url: https://hooks.example.com/chime
  timeout: 5s
debug: true
diag_addr: 0.0.0.0:3030
`

func TestReadConfig(t *testing.T) {
	t.Parallel()

	cfg, err := ReadConfig(strings.NewReader(exampleConfig))
	require.NoError(t, err)

	require.Equal(t, 30*time.Second, cfg.Scheduler.TickInterval)
	require.Equal(t, 50, cfg.Scheduler.BatchSize)
	require.Equal(t, 5, cfg.Executor.MaxRetries)
	require.Equal(t, 15*time.Second, cfg.Executor.DeliveryTimeout)
	require.Equal(t, 2*time.Minute, cfg.Executor.LeaseDuration)
	require.Equal(t, 8, cfg.Executor.Concurrency)
	require.Equal(t, 45*time.Second, cfg.Recovery.Interval)
	require.Equal(t, 30*time.Minute, cfg.Recovery.RepairInterval)
	require.Equal(t, 500, cfg.Recovery.BatchLimit)
	require.True(t, cfg.Recovery.DetectOnly)
	require.Equal(t, "08:30", cfg.Birthday.DeliveryTime)
	require.Equal(t, 90*time.Second, cfg.Birthday.FastTestDeliveryOffset)
	require.Equal(t, StorageBackendPostgres, cfg.Storage.Backend)
	require.Equal(t, "postgres://chime@localhost/chime", cfg.Storage.ConnString)
	require.Equal(t, 10, cfg.Storage.PoolMaxConns)
	require.Equal(t, QueueBackendRedis, cfg.Queue.Backend)
	require.Equal(t, "localhost:6379", cfg.Queue.Redis.Addr)
	require.Equal(t, "custom:stream", cfg.Queue.Redis.Stream)
	require.Equal(t, "custom-group", cfg.Queue.Redis.Group)
	require.Equal(t, "https://hooks.example.com/chime", cfg.Sink.WebhookURL)
	require.Equal(t, 5*time.Second, cfg.Sink.Timeout)
	require.True(t, cfg.Debug)
	require.Equal(t, "0.0.0.0:3030", cfg.DiagAddr)

	require.NoError(t, cfg.CheckAndSetDefaults())
}

func TestReadConfigRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := ReadConfig(strings.NewReader(`
schedler:
  tick_interval: 30s
`))
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)

	_, err = ReadConfig(strings.NewReader(`
scheduler:
  tick_intervall: 30s
`))
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
}

func TestCheckAndSetDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Sink: SinkConfig{WebhookURL: "https://hooks.example.com/chime"},
	}
	require.NoError(t, cfg.CheckAndSetDefaults())

	require.Equal(t, StorageBackendMemory, cfg.Storage.Backend)
	require.Equal(t, QueueBackendMemory, cfg.Queue.Backend)
	require.Equal(t, defaults.DiagnosticsAddr, cfg.DiagAddr)

	// Component tunables stay at zero; the owning component applies
	// its own defaults.
	require.Zero(t, cfg.Scheduler.TickInterval)
	require.Zero(t, cfg.Executor.MaxRetries)
}

func TestCheckAndSetDefaultsValidation(t *testing.T) {
	t.Parallel()

	sink := SinkConfig{WebhookURL: "https://hooks.example.com/chime"}
	tests := []struct {
		name string
		cfg  Config
	}{
		{
			name: "missing sink URL",
			cfg:  Config{},
		},
		{
			name: "postgres without conn string",
			cfg: Config{
				Storage: StorageConfig{Backend: StorageBackendPostgres},
				Sink:    sink,
			},
		},
		{
			name: "unknown storage backend",
			cfg: Config{
				Storage: StorageConfig{Backend: "etcd"},
				Sink:    sink,
			},
		},
		{
			name: "sqs without queue URL",
			cfg: Config{
				Queue: QueueConfig{Backend: QueueBackendSQS},
				Sink:  sink,
			},
		},
		{
			name: "redis without addr",
			cfg: Config{
				Queue: QueueConfig{Backend: QueueBackendRedis},
				Sink:  sink,
			},
		},
		{
			name: "unknown queue backend",
			cfg: Config{
				Queue: QueueConfig{Backend: "kafka"},
				Sink:  sink,
			},
		},
		{
			name: "malformed delivery time",
			cfg: Config{
				Birthday: BirthdayConfig{DeliveryTime: "9 o'clock"},
				Sink:     sink,
			},
		},
		{
			name: "negative tick interval",
			cfg: Config{
				Scheduler: SchedulerConfig{TickInterval: -time.Second},
				Sink:      sink,
			},
		},
		{
			name: "negative fast test offset",
			cfg: Config{
				Birthday: BirthdayConfig{FastTestDeliveryOffset: -time.Minute},
				Sink:     sink,
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.cfg.CheckAndSetDefaults()
			require.Error(t, err)
			require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
		})
	}
}

func TestRedisQueueDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Queue: QueueConfig{
			Backend: QueueBackendRedis,
			Redis:   RedisConfig{Addr: "localhost:6379"},
		},
		Sink: SinkConfig{WebhookURL: "https://hooks.example.com/chime"},
	}
	require.NoError(t, cfg.CheckAndSetDefaults())
	require.Equal(t, defaults.RedisStream, cfg.Queue.Redis.Stream)
	require.Equal(t, defaults.RedisGroup, cfg.Queue.Redis.Group)
}

func TestApplyEnvironment(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		EnvSchedulerTickInterval:   "20s",
		EnvSchedulerBatchSize:      "25",
		EnvExecutorMaxRetries:      "7",
		EnvExecutorDeliveryTimeout: "3s",
		EnvExecutorLeaseDuration:   "4m",
		EnvRecoveryBatchLimit:      "200",
		EnvBirthdayDeliveryTime:    "10:15:30",
		EnvFastTestDeliveryOffset:  "45s",
	}
	getenv := func(key string) string { return env[key] }

	var cfg Config
	require.NoError(t, cfg.ApplyEnvironment(getenv))

	require.Equal(t, 20*time.Second, cfg.Scheduler.TickInterval)
	require.Equal(t, 25, cfg.Scheduler.BatchSize)
	require.Equal(t, 7, cfg.Executor.MaxRetries)
	require.Equal(t, 3*time.Second, cfg.Executor.DeliveryTimeout)
	require.Equal(t, 4*time.Minute, cfg.Executor.LeaseDuration)
	require.Equal(t, 200, cfg.Recovery.BatchLimit)
	require.Equal(t, "10:15:30", cfg.Birthday.DeliveryTime)
	require.Equal(t, 45*time.Second, cfg.Birthday.FastTestDeliveryOffset)
}

func TestApplyEnvironmentOverridesFile(t *testing.T) {
	t.Parallel()

	cfg, err := ReadConfig(strings.NewReader(exampleConfig))
	require.NoError(t, err)

	env := map[string]string{EnvSchedulerTickInterval: "10s"}
	require.NoError(t, cfg.ApplyEnvironment(func(key string) string { return env[key] }))

	require.Equal(t, 10*time.Second, cfg.Scheduler.TickInterval)
	// Unset variables leave file values alone.
	require.Equal(t, 50, cfg.Scheduler.BatchSize)
}

func TestApplyEnvironmentRejectsMalformedValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		key   string
		value string
	}{
		{EnvSchedulerTickInterval, "soon"},
		{EnvSchedulerBatchSize, "many"},
		{EnvExecutorMaxRetries, "1.5"},
		{EnvExecutorDeliveryTimeout, "10"},
		{EnvExecutorLeaseDuration, "2 minutes"},
		{EnvRecoveryBatchLimit, "-"},
		{EnvFastTestDeliveryOffset, "90"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.key, func(t *testing.T) {
			t.Parallel()

			var cfg Config
			err := cfg.ApplyEnvironment(func(key string) string {
				if key == tt.key {
					return tt.value
				}
				return ""
			})
			require.Error(t, err)
			require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
		})
	}
}

func TestFromCLIConf(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chime.yaml")
	require.NoError(t, os.WriteFile(path, []byte(exampleConfig), 0o600))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg, err := FromCLIConf(&CLIConf{ConfigPath: path}, logger)
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, cfg.Scheduler.TickInterval)
	require.True(t, cfg.Debug)

	// CLI flags override the file.
	cfg, err = FromCLIConf(&CLIConf{
		ConfigPath: path,
		DiagAddr:   "127.0.0.1:9999",
	}, logger)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9999", cfg.DiagAddr)

	// The environment overrides the file but not the CLI.
	t.Setenv(EnvSchedulerBatchSize, "77")
	cfg, err = FromCLIConf(&CLIConf{ConfigPath: path}, logger)
	require.NoError(t, err)
	require.Equal(t, 77, cfg.Scheduler.BatchSize)

	// No config file at all fails validation on the missing sink.
	_, err = FromCLIConf(&CLIConf{}, logger)
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
}

func TestReadConfigFromFileMissing(t *testing.T) {
	t.Parallel()

	_, err := ReadConfigFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)
}
