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

// logpipe: Worker
//
// Standalone consumer process. It receives batches from the shared queue,
// redacts each log, writes the processed record to the store and acks or
// fails every message individually. Run as many replicas as needed.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bcem/logpipe/internal/backend"
	"github.com/bcem/logpipe/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	if cfg.Queue.Backend == config.BackendMemory {
		slog.Error("a standalone worker needs a shared queue; the memory queue is in-process only")
		os.Exit(1)
	}

	slog.Info("starting logpipe worker",
		"queue", cfg.Queue.Name,
		"concurrency", cfg.Worker.Concurrency,
		"visibility_timeout", cfg.Queue.VisibilityTimeout,
		"max_receive_count", cfg.Queue.MaxReceiveCount,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	backends, err := backend.Open(ctx, cfg, true)
	if err != nil {
		slog.Error("failed to open backends", "error", err)
		os.Exit(1)
	}
	defer backends.Close()

	backends.Pool(cfg).Run(ctx)

	slog.Info("worker stopped")
}
