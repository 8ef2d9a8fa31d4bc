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
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bcem/logpipe/internal/models"
)

type memoryEntry struct {
	msg       models.Message
	seq       uint64
	count     int
	inFlight  bool
	visibleAt time.Time
}

// MemoryQueue is an in-process Queue with the same redelivery and
// dead-letter semantics as RedisQueue. It is used by tests and by the
// single-process development mode.
type MemoryQueue struct {
	opts Options
	now  func() time.Time

	mu      sync.Mutex
	seq     uint64
	entries map[string]*memoryEntry
	dead    []DeadLetter
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue(opts Options) *MemoryQueue {
	return &MemoryQueue{
		opts:    opts.withDefaults(),
		now:     time.Now,
		entries: make(map[string]*memoryEntry),
	}
}

// SetClock replaces the clock used for visibility deadlines.
func (q *MemoryQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(_ context.Context, msg models.Message) (string, error) {
	id := uuid.New().String()

	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.entries[id] = &memoryEntry{msg: msg, seq: q.seq}
	return id, nil
}

// Receive implements Queue.
func (q *MemoryQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(wait)
	for {
		deliveries, dead := q.receiveOnce(max)
		q.notifyDead(ctx, dead)
		if len(deliveries) > 0 {
			return deliveries, nil
		}
		if wait <= 0 || !time.Now().Before(deadline) {
			return nil, nil
		}
		if err := sleepCtx(ctx, q.opts.PollInterval); err != nil {
			return nil, err
		}
	}
}

func (q *MemoryQueue) receiveOnce(max int) ([]Delivery, []DeadLetter) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var dead []DeadLetter
	ready := make([]string, 0, len(q.entries))
	for id, e := range q.entries {
		if e.visibleAt.After(now) {
			continue
		}
		if e.count >= q.opts.MaxReceiveCount {
			dl := DeadLetter{
				MessageID:      id,
				Message:        e.msg,
				ReceiveCount:   e.count,
				DeadLetteredAt: now,
			}
			q.dead = append(q.dead, dl)
			dead = append(dead, dl)
			delete(q.entries, id)
			continue
		}
		ready = append(ready, id)
	}

	sort.Slice(ready, func(i, j int) bool {
		return q.entries[ready[i]].seq < q.entries[ready[j]].seq
	})
	if len(ready) > max {
		ready = ready[:max]
	}

	deliveries := make([]Delivery, 0, len(ready))
	for _, id := range ready {
		e := q.entries[id]
		e.count++
		e.inFlight = true
		e.visibleAt = now.Add(q.opts.VisibilityTimeout)
		deliveries = append(deliveries, Delivery{
			MessageID: id,
			Message:   e.msg,
			Count:     e.count,
			Receipt:   receipt(id, e.count),
		})
	}
	return deliveries, dead
}

func (q *MemoryQueue) notifyDead(ctx context.Context, dead []DeadLetter) {
	for _, dl := range dead {
		slog.Warn("message moved to dead-letter channel",
			"message_id", dl.MessageID,
			"tenant", dl.Message.TenantID,
			"log_id", dl.Message.LogID,
			"receive_count", dl.ReceiveCount,
		)
		if q.opts.DeadLetterSink == nil {
			continue
		}
		if err := q.opts.DeadLetterSink.PublishDeadLetter(ctx, dl); err != nil {
			slog.Error("dead-letter sink publish failed",
				"message_id", dl.MessageID,
				"error", err,
			)
		}
	}
}

// lookup returns the in-flight entry a receipt refers to. Callers hold mu.
func (q *MemoryQueue) lookup(d Delivery) (string, *memoryEntry, error) {
	id, count, err := parseReceipt(d.Receipt)
	if err != nil {
		return "", nil, err
	}
	e, ok := q.entries[id]
	if !ok || !e.inFlight || e.count != count {
		return "", nil, ErrStaleReceipt
	}
	return id, e, nil
}

// Ack implements Queue.
func (q *MemoryQueue) Ack(_ context.Context, d Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	id, _, err := q.lookup(d)
	if err != nil {
		return err
	}
	delete(q.entries, id)
	return nil
}

// Fail implements Queue.
func (q *MemoryQueue) Fail(_ context.Context, d Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, e, err := q.lookup(d)
	if err != nil {
		return err
	}
	e.inFlight = false
	e.visibleAt = q.now().Add(q.opts.RetryDelay)
	return nil
}

// DeadLetters implements DeadLetterQueue.
func (q *MemoryQueue) DeadLetters(_ context.Context, limit int) ([]DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.dead)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]DeadLetter, n)
	copy(out, q.dead[:n])
	return out, nil
}

// Redrive implements DeadLetterQueue. The message gets a fresh receive
// budget.
func (q *MemoryQueue) Redrive(_ context.Context, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, dl := range q.dead {
		if dl.MessageID != messageID {
			continue
		}
		q.dead = append(q.dead[:i], q.dead[i+1:]...)
		q.seq++
		q.entries[messageID] = &memoryEntry{msg: dl.Message, seq: q.seq}
		return nil
	}
	return ErrNotDeadLettered
}

// Stats returns the current queue depth. Messages hidden by a visibility
// timeout or retry delay count as in flight.
func (q *MemoryQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s Stats
	now := q.now()
	for _, e := range q.entries {
		if e.visibleAt.After(now) {
			s.InFlight++
		} else {
			s.Ready++
		}
	}
	s.Dead = len(q.dead)
	return s, nil
}

var (
	_ Queue           = (*MemoryQueue)(nil)
	_ DeadLetterQueue = (*MemoryQueue)(nil)
)
