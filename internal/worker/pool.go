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

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/bcem/logpipe/internal/queue"
	"github.com/bcem/logpipe/internal/store"
)

// PoolConfig configures a pool of concurrent consumers.
type PoolConfig struct {
	Queue    queue.Queue
	Store    store.Store
	Redactor Redactor
	Cost     CostModel

	Concurrency    int
	BatchSize      int
	LongPoll       time.Duration // max wait per receive
	ReceiveBackoff time.Duration // pause after a receive error
	MessageTimeout time.Duration

	// VisibilityTimeout must match the queue's; it bounds each batch.
	VisibilityTimeout time.Duration

	// IDPrefix prefixes each consumer's worker ID. Defaults to the hostname.
	IDPrefix string
}

// Pool runs Concurrency independent consumers. Consumers share no state
// beyond the queue and store clients.
type Pool struct {
	cfg        PoolConfig
	processors []*Processor
}

// NewPool creates a pool, applying defaults for unset fields.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.ReceiveBackoff <= 0 {
		cfg.ReceiveBackoff = 5 * time.Second
	}
	if cfg.IDPrefix == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		cfg.IDPrefix = host
	}

	p := &Pool{cfg: cfg}
	for i := 1; i <= cfg.Concurrency; i++ {
		p.processors = append(p.processors, NewProcessor(ProcessorConfig{
			Queue:             cfg.Queue,
			Store:             cfg.Store,
			Redactor:          cfg.Redactor,
			Cost:              cfg.Cost,
			WorkerID:          fmt.Sprintf("%s-%d", cfg.IDPrefix, i),
			MessageTimeout:    cfg.MessageTimeout,
			VisibilityTimeout: cfg.VisibilityTimeout,
		}))
	}
	return p
}

// Run blocks until ctx is cancelled and every consumer has returned.
func (p *Pool) Run(ctx context.Context) {
	slog.Info("starting worker pool",
		"concurrency", p.cfg.Concurrency,
		"batch_size", p.cfg.BatchSize,
		"long_poll", p.cfg.LongPoll,
	)

	var wg sync.WaitGroup
	for _, proc := range p.processors {
		wg.Add(1)
		go func(proc *Processor) {
			defer wg.Done()
			slog.Info("worker started", "worker_id", proc.WorkerID())
			p.consume(ctx, proc)
			slog.Info("worker stopped", "worker_id", proc.WorkerID())
		}(proc)
	}
	wg.Wait()
	slog.Info("worker pool stopped")
}

func (p *Pool) consume(ctx context.Context, proc *Processor) {
	for {
		if ctx.Err() != nil {
			return
		}

		batch, err := p.cfg.Queue.Receive(ctx, p.cfg.BatchSize, p.cfg.LongPoll)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			slog.Error("receive failed",
				"worker_id", proc.WorkerID(),
				"error", err,
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.ReceiveBackoff):
			}
			continue
		}
		if len(batch) == 0 {
			if p.cfg.LongPoll <= 0 {
				// Avoid spinning on an empty queue.
				select {
				case <-ctx.Done():
					return
				case <-time.After(queue.DefaultPollInterval):
				}
			}
			continue
		}

		proc.ProcessBatch(ctx, batch)
	}
}
