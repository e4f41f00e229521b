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

// Package service assembles a running chime instance from its
// configuration: it builds the store, queue, sink and event policies,
// wires the notification bus to the coordinator and supervises the
// scheduler, executor and recovery loops until the context is
// canceled.
package service

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/gravitational/chime"
	"github.com/gravitational/chime/lib/bus"
	"github.com/gravitational/chime/lib/config"
	"github.com/gravitational/chime/lib/coordinator"
	"github.com/gravitational/chime/lib/defaults"
	"github.com/gravitational/chime/lib/executor"
	"github.com/gravitational/chime/lib/generator"
	"github.com/gravitational/chime/lib/policy"
	"github.com/gravitational/chime/lib/queue"
	"github.com/gravitational/chime/lib/queue/memqueue"
	"github.com/gravitational/chime/lib/queue/redisqueue"
	"github.com/gravitational/chime/lib/queue/sqsqueue"
	"github.com/gravitational/chime/lib/recovery"
	"github.com/gravitational/chime/lib/scheduler"
	"github.com/gravitational/chime/lib/sink"
	"github.com/gravitational/chime/lib/store"
	"github.com/gravitational/chime/lib/store/memstore"
	"github.com/gravitational/chime/lib/store/pgstore"
	"github.com/gravitational/chime/lib/utils"
	"github.com/gravitational/chime/types"
)

// Config holds process-level dependencies.
type Config struct {
	// Config is the validated process configuration.
	Config *config.Config
	// Clock overrides the wall clock in tests.
	Clock clockwork.Clock
	// Logger is the root logger components derive theirs from.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Config == nil {
		return trace.BadParameter("process config: missing Config")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Process is one running chime instance. It owns the backends chosen
// by the configuration and the background loops working against them.
type Process struct {
	cfg Config
	log *slog.Logger

	store       store.Store
	queue       queue.Queue
	bus         *bus.Bus
	registry    *policy.Registry
	generator   *generator.Generator
	scheduler   *scheduler.Scheduler
	executor    *executor.Executor
	recovery    *recovery.Recovery
	coordinator *coordinator.Coordinator

	// closers tear down owned backends, in order.
	closers []io.Closer

	ready atomic.Bool
	diag  diagServer
}

// New builds a process from config. The context bounds backend
// initialization such as the PostgreSQL migration; it does not bound
// the lifetime of the process.
func New(ctx context.Context, cfg Config) (*Process, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	p := &Process{
		cfg: cfg,
		log: cfg.Logger.With(chime.ComponentKey, chime.ComponentService),
	}
	if err := p.init(ctx); err != nil {
		// Release whatever was wired before the failure.
		return nil, trace.NewAggregate(err, p.Close())
	}
	return p, nil
}

func (p *Process) init(ctx context.Context) error {
	fileConfig := p.cfg.Config

	if err := p.initStore(ctx, fileConfig); err != nil {
		return trace.Wrap(err)
	}
	if err := p.initQueue(ctx, fileConfig); err != nil {
		return trace.Wrap(err)
	}

	webhook, err := sink.NewWebhook(sink.WebhookConfig{
		URL:     fileConfig.Sink.WebhookURL,
		Timeout: fileConfig.Sink.Timeout,
		Logger:  p.cfg.Logger.With(chime.ComponentKey, chime.ComponentSink),
	})
	if err != nil {
		return trace.Wrap(err)
	}

	p.registry = policy.NewRegistry()
	birthdayConfig := policy.BirthdayConfig{
		FastTestOffset: fileConfig.Birthday.FastTestDeliveryOffset,
	}
	if fileConfig.Birthday.DeliveryTime != "" {
		deliveryTime, err := policy.ParseWallClock(fileConfig.Birthday.DeliveryTime)
		if err != nil {
			return trace.Wrap(err)
		}
		birthdayConfig.DeliveryTime = &deliveryTime
	}
	birthday, err := policy.NewBirthday(birthdayConfig)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := p.registry.Register(types.EventTypeBirthday, birthday); err != nil {
		return trace.Wrap(err)
	}

	p.generator, err = generator.New(generator.Config{
		Registry: p.registry,
		Clock:    p.cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	p.bus, err = bus.New(bus.Config{
		Logger: p.cfg.Logger.With(chime.ComponentKey, chime.ComponentBus),
	})
	if err != nil {
		return trace.Wrap(err)
	}

	p.coordinator, err = coordinator.New(coordinator.Config{
		Store:     p.store,
		Registry:  p.registry,
		Generator: p.generator,
		Clock:     p.cfg.Clock,
		Logger:    p.cfg.Logger.With(chime.ComponentKey, chime.ComponentCoordinator),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if err := p.bus.Subscribe(chime.ComponentCoordinator, p.coordinator.HandleNotification); err != nil {
		return trace.Wrap(err)
	}

	p.scheduler, err = scheduler.New(scheduler.Config{
		Store:        p.store,
		Queue:        p.queue,
		TickInterval: fileConfig.Scheduler.TickInterval,
		BatchSize:    fileConfig.Scheduler.BatchSize,
		Clock:        p.cfg.Clock,
		Logger:       p.cfg.Logger.With(chime.ComponentKey, chime.ComponentScheduler),
	})
	if err != nil {
		return trace.Wrap(err)
	}

	p.executor, err = executor.New(executor.Config{
		Store:           p.store,
		Queue:           p.queue,
		Sink:            webhook,
		Generator:       p.generator,
		Registry:        p.registry,
		MaxRetries:      fileConfig.Executor.MaxRetries,
		DeliveryTimeout: fileConfig.Executor.DeliveryTimeout,
		Concurrency:     fileConfig.Executor.Concurrency,
		Clock:           p.cfg.Clock,
		Logger:          p.cfg.Logger.With(chime.ComponentKey, chime.ComponentExecutor),
	})
	if err != nil {
		return trace.Wrap(err)
	}

	p.recovery, err = recovery.New(recovery.Config{
		Store:          p.store,
		Queue:          p.queue,
		Registry:       p.registry,
		Generator:      p.generator,
		Interval:       fileConfig.Recovery.Interval,
		RepairInterval: fileConfig.Recovery.RepairInterval,
		BatchLimit:     fileConfig.Recovery.BatchLimit,
		LeaseDuration:  fileConfig.Executor.LeaseDuration,
		MaxRetries:     fileConfig.Executor.MaxRetries,
		DetectOnly:     fileConfig.Recovery.DetectOnly,
		Clock:          p.cfg.Clock,
		Logger:         p.cfg.Logger.With(chime.ComponentKey, chime.ComponentRecovery),
	})
	if err != nil {
		return trace.Wrap(err)
	}

	p.diag = diagServer{
		addr:         fileConfig.DiagAddr,
		pprofEnabled: fileConfig.Debug,
		ready:        &p.ready,
		log:          p.log,
	}
	return nil
}

func (p *Process) initStore(ctx context.Context, fileConfig *config.Config) error {
	switch fileConfig.Storage.Backend {
	case config.StorageBackendMemory:
		memory, err := memstore.New(memstore.Config{Clock: p.cfg.Clock})
		if err != nil {
			return trace.Wrap(err)
		}
		p.store = memory
	case config.StorageBackendPostgres:
		// The database frequently lags process startup in container
		// deployments, so connection problems are retried for a
		// bounded window. Anything else fails startup immediately.
		retry, err := utils.NewLinear(utils.LinearConfig{
			Step:   defaults.StorageConnectRetryStep,
			Max:    defaults.StorageConnectRetryMax,
			Jitter: utils.NewHalfJitter(),
			Clock:  p.cfg.Clock,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		connectCtx, cancel := context.WithTimeout(ctx, defaults.StorageConnectTimeout)
		defer cancel()
		var pg *pgstore.Store
		err = retry.For(connectCtx, func() error {
			var err error
			pg, err = pgstore.New(connectCtx, pgstore.Config{
				ConnString:   fileConfig.Storage.ConnString,
				PoolMaxConns: fileConfig.Storage.PoolMaxConns,
				Clock:        p.cfg.Clock,
				Logger:       p.cfg.Logger.With(chime.ComponentKey, chime.ComponentStore),
			})
			if err != nil && !trace.IsConnectionProblem(err) {
				return utils.PermanentRetryError(err)
			}
			return trace.Wrap(err)
		})
		if err != nil {
			return trace.Wrap(err)
		}
		p.store = pg
	default:
		return trace.BadParameter("unknown storage backend %q", fileConfig.Storage.Backend)
	}
	p.closers = append(p.closers, p.store)
	return nil
}

func (p *Process) initQueue(ctx context.Context, fileConfig *config.Config) error {
	queueLogger := p.cfg.Logger.With(chime.ComponentKey, chime.ComponentQueue)

	switch fileConfig.Queue.Backend {
	case config.QueueBackendMemory:
		memory, err := memqueue.New(memqueue.Config{
			Clock:  p.cfg.Clock,
			Logger: queueLogger,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		p.queue = memory
	case config.QueueBackendSQS:
		var optFns []func(*awsconfig.LoadOptions) error
		if region := fileConfig.Queue.SQS.Region; region != "" {
			optFns = append(optFns, awsconfig.WithRegion(region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
		if err != nil {
			return trace.Wrap(err, "loading AWS config")
		}
		sqsQueue, err := sqsqueue.New(sqsqueue.Config{
			QueueURL: fileConfig.Queue.SQS.QueueURL,
			Client:   sqs.NewFromConfig(awsCfg),
			Clock:    p.cfg.Clock,
			Logger:   queueLogger,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		p.queue = sqsQueue
	case config.QueueBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     fileConfig.Queue.Redis.Addr,
			Password: fileConfig.Queue.Redis.Password,
		})
		redisQueue, err := redisqueue.New(ctx, redisqueue.Config{
			Client: client,
			Stream: fileConfig.Queue.Redis.Stream,
			Group:  fileConfig.Queue.Redis.Group,
			Logger: queueLogger,
		})
		if err != nil {
			return trace.NewAggregate(trace.Wrap(err), client.Close())
		}
		p.queue = redisQueue
		p.closers = append(p.closers, redisQueue, client)
		return nil
	default:
		return trace.BadParameter("unknown queue backend %q", fileConfig.Queue.Backend)
	}
	p.closers = append(p.closers, p.queue)
	return nil
}

// Bus returns the in-process notification bus. The user-management
// context publishes lifecycle notifications through it.
func (p *Process) Bus() *bus.Bus {
	return p.bus
}

// Store returns the occurrence store of the process.
func (p *Process) Store() store.Store {
	return p.store
}

// DiagnosticsAddr returns the bound address of the diagnostics
// endpoint, or the empty string before Run has started serving it.
func (p *Process) DiagnosticsAddr() string {
	return p.diag.boundAddr()
}

// Scan runs a single recovery scan against the configured store and
// returns its summary without starting the background loops.
func (p *Process) Scan(ctx context.Context) (recovery.Summary, error) {
	summary, err := p.recovery.Scan(ctx)
	return summary, trace.Wrap(err)
}

// Run starts all background loops and blocks until the context is
// canceled or one of the loops fails. Owned backends stay open after
// Run returns; release them with Close.
func (p *Process) Run(ctx context.Context) error {
	p.log.InfoContext(ctx, "Chime is starting.",
		"version", chime.Version,
		"storage", p.cfg.Config.Storage.Backend,
		"queue", p.cfg.Config.Queue.Backend,
	)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return trace.Wrap(p.scheduler.Run(ctx))
	})
	group.Go(func() error {
		return trace.Wrap(p.executor.Run(ctx))
	})
	group.Go(func() error {
		return trace.Wrap(p.recovery.Run(ctx))
	})
	group.Go(func() error {
		return trace.Wrap(p.diag.run(ctx))
	})

	p.ready.Store(true)
	err := group.Wait()
	p.ready.Store(false)
	p.log.InfoContext(ctx, "Chime stopped.")
	return trace.Wrap(err)
}

// Close releases the backends owned by the process. Safe to call after
// a failed New and more than once.
func (p *Process) Close() error {
	var errors []error
	// Close in reverse initialization order so that consumers go
	// before the stores they drain into.
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i].Close(); err != nil {
			errors = append(errors, err)
		}
	}
	p.closers = nil
	return trace.NewAggregate(errors...)
}
