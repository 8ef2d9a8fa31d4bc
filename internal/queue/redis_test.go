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

package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisTestQueue(t *testing.T, opts Options, clock *fakeClock) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	q := NewRedisQueue(rdb, "logs", opts)
	q.now = clock.Now
	return q, mr
}

// TestRedisQueue runs the shared delivery contract against miniredis.
func TestRedisQueue(t *testing.T) {
	runQueueSuite(t, func(t *testing.T, opts Options, clock *fakeClock) testQueue {
		q, _ := newRedisTestQueue(t, opts, clock)
		return q
	})
}

// TestRedisQueue_KeyLayout verifies where an enqueued message lives.
func TestRedisQueue_KeyLayout(t *testing.T) {
	ctx := context.Background()
	q, mr := newRedisTestQueue(t, Options{}, newFakeClock())

	id, err := q.Enqueue(ctx, testMessage("log-1"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ready, err := mr.List("logs:ready")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ready) != 1 || ready[0] != id {
		t.Errorf("ready list = %v, want [%s]", ready, id)
	}
	if body := mr.HGet("logs:bodies", id); body == "" {
		t.Error("message body not stored")
	}

	d := receiveOne(t, q)
	if !mr.Exists("logs:inflight") {
		t.Error("in-flight set missing after receive")
	}
	if err := q.Ack(ctx, d); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if body := mr.HGet("logs:bodies", id); body != "" {
		t.Error("message body kept after ack")
	}
}

// TestRedisQueue_UndecodableBody verifies a corrupt body is still delivered
// so the worker can fail it toward the dead-letter channel.
func TestRedisQueue_UndecodableBody(t *testing.T) {
	q, mr := newRedisTestQueue(t, Options{}, newFakeClock())

	mr.HSet("logs:bodies", "corrupt", "{not json")
	mr.Push("logs:ready", "corrupt")

	d := receiveOne(t, q)
	if d.MessageID != "corrupt" {
		t.Errorf("message ID = %q, want corrupt", d.MessageID)
	}
	if d.Message.TenantID != "" || d.Message.Text != "" {
		t.Errorf("message = %+v, want zero value", d.Message)
	}
}

// TestRedisQueue_TransportError verifies backend failures are wrapped.
func TestRedisQueue_TransportError(t *testing.T) {
	ctx := context.Background()
	q, mr := newRedisTestQueue(t, Options{}, newFakeClock())
	mr.Close()

	_, err := q.Enqueue(ctx, testMessage("log-1"))
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("error = %v, want *TransportError", err)
	}
	if terr.Op != "enqueue" {
		t.Errorf("op = %q, want enqueue", terr.Op)
	}

	if _, err := q.Receive(ctx, 1, 0); !errors.As(err, &terr) {
		t.Errorf("Receive error = %v, want *TransportError", err)
	}
	if err := q.Ping(ctx); err == nil {
		t.Error("Ping expected error after close")
	}
}
