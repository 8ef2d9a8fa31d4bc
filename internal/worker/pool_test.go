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
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bcem/logpipe/internal/queue"
	"github.com/bcem/logpipe/internal/store"
)

// unreliableQueue fails the first few receives before delegating.
type unreliableQueue struct {
	*queue.MemoryQueue

	mu       sync.Mutex
	failures int
}

func (q *unreliableQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]queue.Delivery, error) {
	q.mu.Lock()
	if q.failures > 0 {
		q.failures--
		q.mu.Unlock()
		return nil, &queue.TransportError{Op: "receive", Err: errors.New("connection refused")}
	}
	q.mu.Unlock()
	return q.MemoryQueue.Receive(ctx, max, wait)
}

func waitForRecords(t *testing.T, st store.Store, tenantID string, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		records, err := st.Query(context.Background(), tenantID)
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(records) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d records of %s", want, tenantID)
}

// TestPool_ProcessesEverything verifies concurrent consumers drain the queue
// and stop when the context ends.
func TestPool_ProcessesEverything(t *testing.T) {
	q := queue.NewMemoryQueue(queue.Options{PollInterval: 5 * time.Millisecond})
	st := store.NewMemoryStore()

	const total = 40
	for i := 0; i < total; i++ {
		tenant := "acme"
		if i%2 == 1 {
			tenant = "beta_inc"
		}
		q.Enqueue(context.Background(), textMessage(tenant, fmt.Sprintf("log-%02d", i), "call 555-0199"))
	}

	pool := NewPool(PoolConfig{
		Queue:       q,
		Store:       st,
		Concurrency: 4,
		BatchSize:   3,
		LongPoll:    20 * time.Millisecond,
		IDPrefix:    "test",
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	waitForRecords(t, st, "acme", total/2)
	waitForRecords(t, st, "beta_inc", total/2)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after cancel")
	}

	records, _ := st.Query(context.Background(), "acme")
	for _, r := range records {
		if !strings.HasPrefix(r.WorkerID, "test-") {
			t.Errorf("worker_id = %q, want test-<n>", r.WorkerID)
		}
		if r.ModifiedData != "call [REDACTED]" {
			t.Errorf("modified_data = %q", r.ModifiedData)
		}
		if r.TenantID != "acme" {
			t.Errorf("tenant = %q in acme partition", r.TenantID)
		}
	}

	stats, _ := q.Stats(context.Background())
	if stats != (queue.Stats{}) {
		t.Errorf("queue stats = %+v, want drained", stats)
	}
}

// TestPool_RecoversFromReceiveErrors verifies consumers back off and retry.
func TestPool_RecoversFromReceiveErrors(t *testing.T) {
	q := &unreliableQueue{
		MemoryQueue: queue.NewMemoryQueue(queue.Options{PollInterval: 5 * time.Millisecond}),
		failures:    3,
	}
	st := store.NewMemoryStore()
	q.Enqueue(context.Background(), textMessage("acme", "log-1", "hello"))

	pool := NewPool(PoolConfig{
		Queue:          q,
		Store:          st,
		ReceiveBackoff: 5 * time.Millisecond,
		LongPoll:       10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	waitForRecords(t, st, "acme", 1)
}

// TestNewPool_Defaults verifies worker identities and defaults.
func TestNewPool_Defaults(t *testing.T) {
	pool := NewPool(PoolConfig{IDPrefix: "host", Concurrency: 3})

	if pool.cfg.BatchSize != 10 {
		t.Errorf("batch size = %d, want 10", pool.cfg.BatchSize)
	}
	if len(pool.processors) != 3 {
		t.Fatalf("processors = %d, want 3", len(pool.processors))
	}
	for i, p := range pool.processors {
		if want := fmt.Sprintf("host-%d", i+1); p.WorkerID() != want {
			t.Errorf("worker %d id = %q, want %q", i, p.WorkerID(), want)
		}
	}

	if single := NewPool(PoolConfig{}); len(single.processors) != 1 || single.cfg.IDPrefix == "" {
		t.Errorf("default pool = %d processors, prefix %q", len(single.processors), single.cfg.IDPrefix)
	}
}
