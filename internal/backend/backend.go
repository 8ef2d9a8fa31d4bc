// Copyright (c) 2026 John Earle
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

// Package backend opens the queue and store selected by configuration and
// collects the health checks and cleanup hooks that go with them.
package backend

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/logpipe/internal/config"
	"github.com/bcem/logpipe/internal/ingest"
	"github.com/bcem/logpipe/internal/queue"
	"github.com/bcem/logpipe/internal/redact"
	"github.com/bcem/logpipe/internal/store"
	"github.com/bcem/logpipe/internal/worker"
)

// Queue is what the binaries need from a queue backing.
type Queue interface {
	queue.Queue
	queue.DeadLetterQueue
	Stats(ctx context.Context) (queue.Stats, error)
}

// Backends holds opened connections.
type Backends struct {
	Queue  Queue
	Store  store.Store
	Checks []ingest.HealthCheck

	closers []func()
}

// Close releases every connection in reverse order of opening.
func (b *Backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

// Open connects to the configured queue and, when withStore is set, the
// configured store. On error anything already opened is closed.
func Open(ctx context.Context, cfg *config.Config, withStore bool) (*Backends, error) {
	b := &Backends{}
	if err := b.openQueue(ctx, cfg); err != nil {
		b.Close()
		return nil, err
	}
	if withStore {
		if err := b.openStore(ctx, cfg); err != nil {
			b.Close()
			return nil, err
		}
	}
	return b, nil
}

func (b *Backends) openQueue(ctx context.Context, cfg *config.Config) error {
	opts := queue.Options{
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		MaxReceiveCount:   cfg.Queue.MaxReceiveCount,
		RetryDelay:        cfg.Queue.RetryDelay,
		PollInterval:      cfg.Queue.PollInterval,
	}

	if len(cfg.DeadLetter.KafkaBrokers) > 0 {
		sink, err := queue.NewKafkaDeadLetterSink(cfg.DeadLetter.KafkaBrokers, cfg.DeadLetter.KafkaTopic)
		if err != nil {
			return err
		}
		b.closers = append(b.closers, func() {
			if err := sink.Close(); err != nil {
				slog.Warn("closing kafka dead-letter writer", "error", err)
			}
		})
		opts.DeadLetterSink = sink
		slog.Info("dead letters mirrored to kafka",
			"brokers", cfg.DeadLetter.KafkaBrokers,
			"topic", cfg.DeadLetter.KafkaTopic,
		)
	}

	switch cfg.Queue.Backend {
	case config.BackendMemory:
		b.Queue = queue.NewMemoryQueue(opts)
		slog.Info("using in-process queue")
		return nil
	case config.BackendRedis:
	default:
		return fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}

	opt, err := redis.ParseURL(cfg.Queue.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	b.closers = append(b.closers, func() { rdb.Close() })

	rq := queue.NewRedisQueue(rdb, cfg.Queue.Name, opts)
	if err := rq.Ping(ctx); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	slog.Info("connected to Redis", "queue", cfg.Queue.Name)

	b.Queue = rq
	b.Checks = append(b.Checks, ingest.HealthCheck{Name: "redis", Pinger: rq})
	return nil
}

func (b *Backends) openStore(ctx context.Context, cfg *config.Config) error {
	if err := cfg.RequireDatabase(); err != nil {
		return err
	}

	switch cfg.Store.Backend {
	case config.BackendMemory:
		b.Store = store.NewMemoryStore()
		slog.Info("using in-process store")
		return nil
	case config.BackendPostgres:
	default:
		return fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	pool, err := pgxpool.New(ctx, cfg.Store.DatabaseURL)
	if err != nil {
		return fmt.Errorf("create postgres pool: %w", err)
	}
	b.closers = append(b.closers, pool.Close)

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	slog.Info("connected to PostgreSQL")

	ps, err := store.NewPostgresStore(ctx, pool, cfg.Store.Table)
	if err != nil {
		return err
	}
	b.Store = ps
	b.Checks = append(b.Checks, ingest.HealthCheck{Name: "postgres", Pinger: ps})
	return nil
}

// Pool builds the consumer pool over the opened queue and store.
func (b *Backends) Pool(cfg *config.Config) *worker.Pool {
	var cost worker.CostModel = worker.NoCost{}
	if cfg.Worker.CostPerByte > 0 {
		cost = worker.PerByteDelay{PerByte: cfg.Worker.CostPerByte, Max: cfg.Worker.MaxCost}
	}
	return worker.NewPool(worker.PoolConfig{
		Queue:             b.Queue,
		Store:             b.Store,
		Redactor:          redact.NewRedactor(cfg.RedactionPatterns),
		Cost:              cost,
		Concurrency:       cfg.Worker.Concurrency,
		BatchSize:         cfg.Worker.BatchSize,
		LongPoll:          cfg.Worker.LongPoll,
		ReceiveBackoff:    cfg.Worker.ReceiveBackoff,
		MessageTimeout:    cfg.Worker.MessageTimeout,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		IDPrefix:          cfg.Worker.IDPrefix,
	})
}
