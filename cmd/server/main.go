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

// logpipe: Ingest Gateway
//
// Entry point for the HTTP ingest gateway. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to the queue (Redis) and the record store (PostgreSQL)
//  3. Optionally runs the worker pool in-process (worker.embedded)
//  4. Serves POST /ingest, the tenant read routes and /health
//  5. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/bcem/logpipe/internal/backend"
	"github.com/bcem/logpipe/internal/config"
	"github.com/bcem/logpipe/internal/ingest"
	"github.com/bcem/logpipe/internal/normalize"
)

func main() {
	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("starting logpipe ingest gateway",
		"port", cfg.Port,
		"queue_backend", cfg.Queue.Backend,
		"store_backend", cfg.Store.Backend,
		"embedded_workers", cfg.Worker.Embedded,
	)

	if cfg.Queue.Backend == config.BackendMemory && !cfg.Worker.Embedded {
		slog.Error("the memory queue is only reachable in-process; set worker.embedded")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// --- Connect to backends ---
	backends, err := backend.Open(ctx, cfg, true)
	if err != nil {
		slog.Error("failed to open backends", "error", err)
		os.Exit(1)
	}
	defer backends.Close()

	// --- Embedded workers ---
	var wg sync.WaitGroup
	if cfg.Worker.Embedded {
		pool := backends.Pool(cfg)
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.Run(ctx)
		}()
	}

	// --- HTTP server ---
	handler := ingest.NewHandler(ingest.HandlerConfig{
		Normalizer:   normalize.New(),
		Queue:        backends.Queue,
		Records:      backends.Store,
		MaxBodyBytes: cfg.MaxBodyBytes,
		HealthChecks: backends.Checks,
	})
	ready, done, err := ingest.Serve(ctx, cfg.Port, handler.Routes())
	if err != nil {
		slog.Error("failed to start ingest server", "error", err)
		os.Exit(1)
	}
	<-ready

	<-ctx.Done()
	slog.Info("received shutdown signal")
	<-done
	wg.Wait()

	slog.Info("ingest gateway stopped")
}
