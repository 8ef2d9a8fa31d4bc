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

// logpipe: Dead-Letter Tool
//
// Operator CLI for messages that exhausted their receive count. It lists the
// dead-letter channel or moves messages back onto the main queue with a fresh
// receive count.
//
// Usage:
//
//	go run ./cmd/deadletter/ --list [--limit 50]
//	go run ./cmd/deadletter/ --redrive <message-id>
//	go run ./cmd/deadletter/ --redrive-all [--limit 500]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/bcem/logpipe/internal/backend"
	"github.com/bcem/logpipe/internal/config"
	"github.com/bcem/logpipe/internal/queue"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	listFlag := flag.Bool("list", false, "Print dead-lettered messages as JSON lines")
	limitFlag := flag.Int("limit", 100, "Maximum messages to list, or to redrive when given with --redrive-all (0 = all)")
	redriveFlag := flag.String("redrive", "", "Message ID to move back to the main queue")
	redriveAllFlag := flag.Bool("redrive-all", false, "Move every dead-lettered message back to the main queue")
	flag.Parse()

	actions := 0
	for _, set := range []bool{*listFlag, *redriveFlag != "", *redriveAllFlag} {
		if set {
			actions++
		}
	}
	if actions != 1 {
		fmt.Fprintf(os.Stderr, "Error: exactly one of --list, --redrive or --redrive-all is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.Queue.Backend == config.BackendMemory {
		slog.Error("the memory queue is in-process only; nothing to inspect")
		os.Exit(1)
	}

	ctx := context.Background()
	backends, err := backend.Open(ctx, cfg, false)
	if err != nil {
		slog.Error("failed to open queue", "error", err)
		os.Exit(1)
	}
	defer backends.Close()
	q := backends.Queue

	switch {
	case *listFlag:
		dead, err := q.DeadLetters(ctx, *limitFlag)
		if err != nil {
			slog.Error("failed to list dead letters", "error", err)
			os.Exit(1)
		}
		enc := json.NewEncoder(os.Stdout)
		for _, dl := range dead {
			if err := enc.Encode(dl); err != nil {
				slog.Error("failed to write dead letter", "error", err)
				os.Exit(1)
			}
		}
		stats, err := q.Stats(ctx)
		if err == nil {
			slog.Info("queue depth", "ready", stats.Ready, "in_flight", stats.InFlight, "dead", stats.Dead)
		}

	case *redriveFlag != "":
		if err := q.Redrive(ctx, *redriveFlag); err != nil {
			slog.Error("redrive failed", "message_id", *redriveFlag, "error", err)
			os.Exit(1)
		}
		slog.Info("message redriven", "message_id", *redriveFlag)

	case *redriveAllFlag:
		// Without an explicit --limit every dead letter is redriven.
		limit := 0
		flag.Visit(func(f *flag.Flag) {
			if f.Name == "limit" {
				limit = *limitFlag
			}
		})
		redriven, failed, err := redriveAll(ctx, q, limit)
		if err != nil {
			slog.Error("failed to list dead letters", "error", err)
			os.Exit(1)
		}
		slog.Info("redrive complete", "redriven", redriven, "failed", failed)
		if failed > 0 {
			os.Exit(1)
		}
	}
}

// redriveAll moves up to limit dead letters (all when limit is 0) back onto
// the main queue. A failed redrive is logged and counted; it does not stop
// the rest.
func redriveAll(ctx context.Context, q queue.DeadLetterQueue, limit int) (redriven, failed int, err error) {
	dead, err := q.DeadLetters(ctx, limit)
	if err != nil {
		return 0, 0, err
	}
	for _, dl := range dead {
		if err := q.Redrive(ctx, dl.MessageID); err != nil {
			slog.Error("redrive failed", "message_id", dl.MessageID, "error", err)
			failed++
			continue
		}
		redriven++
	}
	return redriven, failed, nil
}
