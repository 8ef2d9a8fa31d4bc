// Copyright (c) 2026 John Earle
//
// Licensed under the Business Source License 1.1 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://github.com/yourusername/bcem/blob/main/LICENSE
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/logpipe/internal/models"
)

// Redis key layout for a queue named "logs":
//
//	logs:ready     LIST  message IDs eligible for delivery
//	logs:inflight  ZSET  message ID -> visibility deadline (unix ms)
//	logs:counts    HASH  message ID -> receive count
//	logs:bodies    HASH  message ID -> JSON-encoded models.Message
//	logs:dead      LIST  dead-lettered message IDs
//	logs:dead_at   HASH  message ID -> dead-letter time (unix ms)
type redisKeys struct {
	ready, inFlight, counts, bodies, dead, deadAt string
}

func newRedisKeys(name string) redisKeys {
	return redisKeys{
		ready:    name + ":ready",
		inFlight: name + ":inflight",
		counts:   name + ":counts",
		bodies:   name + ":bodies",
		dead:     name + ":dead",
		deadAt:   name + ":dead_at",
	}
}

// receiveScript reclaims expired in-flight messages (dead-lettering the ones
// that used up their receive budget) and then leases up to ARGV[3] ready
// messages. It returns {deadIDs, {id, count, body, ...}}.
var receiveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local visibility = tonumber(ARGV[2])
local batch = tonumber(ARGV[3])
local maxReceives = tonumber(ARGV[4])

local dead = {}
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now)
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[2], id)
  local n = tonumber(redis.call('HGET', KEYS[3], id) or '0')
  if n >= maxReceives then
    redis.call('RPUSH', KEYS[5], id)
    redis.call('HSET', KEYS[6], id, ARGV[1])
    table.insert(dead, id)
  else
    redis.call('RPUSH', KEYS[1], id)
  end
end

local out = {}
for i = 1, batch do
  local id = redis.call('LPOP', KEYS[1])
  if not id then break end
  local body = redis.call('HGET', KEYS[4], id)
  if body then
    local n = redis.call('HINCRBY', KEYS[3], id, 1)
    redis.call('ZADD', KEYS[2], now + visibility, id)
    table.insert(out, id)
    table.insert(out, tostring(n))
    table.insert(out, body)
  else
    redis.call('HDEL', KEYS[3], id)
  end
end

return {dead, out}
`)

// ackScript deletes a message if the receipt still matches its current
// lease. KEYS: inflight, counts, bodies. ARGV: id, count.
var ackScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then return 0 end
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then return 0 end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
return 1
`)

// failScript moves a leased message's visibility deadline to ARGV[3].
// KEYS: inflight, counts. ARGV: id, count, visibleAt.
var failScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then return 0 end
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then return 0 end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

// redriveScript moves a dead-lettered message back to the ready list with a
// reset receive count. KEYS: dead, dead_at, counts, ready. ARGV: id.
var redriveScript = redis.NewScript(`
if redis.call('LREM', KEYS[1], 0, ARGV[1]) == 0 then return 0 end
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('RPUSH', KEYS[4], ARGV[1])
return 1
`)

// RedisQueue is a Queue backed by Redis. Every state transition runs as a
// single Lua script, so concurrent consumers never lease the same message
// twice within one visibility window.
type RedisQueue struct {
	rdb  redis.UniversalClient
	name string
	keys redisKeys
	opts Options
	now  func() time.Time
}

// NewRedisQueue creates a queue stored under the given key prefix.
func NewRedisQueue(rdb redis.UniversalClient, name string, opts Options) *RedisQueue {
	return &RedisQueue{
		rdb:  rdb,
		name: name,
		keys: newRedisKeys(name),
		opts: opts.withDefaults(),
		now:  time.Now,
	}
}

// Enqueue implements Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, msg models.Message) (string, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}

	id := uuid.New().String()
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.keys.bodies, id, body)
		pipe.RPush(ctx, q.keys.ready, id)
		return nil
	})
	if err != nil {
		return "", &TransportError{Op: "enqueue", Err: err}
	}

	slog.Info("published log message to queue",
		"message_id", id,
		"tenant", msg.TenantID,
		"log_id", msg.LogID,
		"request_id", msg.RequestID,
		"queue", q.name,
	)
	return id, nil
}

// Receive implements Queue.
func (q *RedisQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(wait)
	for {
		deliveries, err := q.receiveOnce(ctx, max)
		if err != nil {
			return nil, err
		}
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

func (q *RedisQueue) receiveOnce(ctx context.Context, max int) ([]Delivery, error) {
	now := q.now()
	res, err := receiveScript.Run(ctx, q.rdb,
		[]string{q.keys.ready, q.keys.inFlight, q.keys.counts, q.keys.bodies, q.keys.dead, q.keys.deadAt},
		now.UnixMilli(), q.opts.VisibilityTimeout.Milliseconds(), max, q.opts.MaxReceiveCount,
	).Slice()
	if err != nil {
		return nil, &TransportError{Op: "receive", Err: err}
	}
	if len(res) != 2 {
		return nil, &TransportError{Op: "receive", Err: fmt.Errorf("unexpected script reply of length %d", len(res))}
	}

	deadIDs, _ := res[0].([]interface{})
	if len(deadIDs) > 0 {
		q.notifyDead(ctx, deadIDs, now)
	}

	flat, _ := res[1].([]interface{})
	deliveries := make([]Delivery, 0, len(flat)/3)
	for i := 0; i+2 < len(flat); i += 3 {
		id, _ := flat[i].(string)
		countStr, _ := flat[i+1].(string)
		body, _ := flat[i+2].(string)

		count, err := strconv.Atoi(countStr)
		if err != nil {
			return nil, &TransportError{Op: "receive", Err: fmt.Errorf("bad receive count %q for %s", countStr, id)}
		}

		var msg models.Message
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			// Delivered anyway: the worker rejects the empty message and
			// the queue dead-letters it once the budget is spent.
			slog.Warn("queued message body is not valid JSON",
				"message_id", id,
				"error", err,
			)
		}

		deliveries = append(deliveries, Delivery{
			MessageID: id,
			Message:   msg,
			Count:     count,
			Receipt:   receipt(id, count),
		})
	}
	return deliveries, nil
}

func (q *RedisQueue) notifyDead(ctx context.Context, ids []interface{}, at time.Time) {
	for _, raw := range ids {
		id, _ := raw.(string)
		dl := DeadLetter{MessageID: id, DeadLetteredAt: at, ReceiveCount: q.opts.MaxReceiveCount}
		if body, err := q.rdb.HGet(ctx, q.keys.bodies, id).Result(); err == nil {
			_ = json.Unmarshal([]byte(body), &dl.Message)
		}

		slog.Warn("message moved to dead-letter channel",
			"message_id", id,
			"tenant", dl.Message.TenantID,
			"log_id", dl.Message.LogID,
			"queue", q.name,
		)

		if q.opts.DeadLetterSink == nil {
			continue
		}
		if err := q.opts.DeadLetterSink.PublishDeadLetter(ctx, dl); err != nil {
			slog.Error("dead-letter sink publish failed",
				"message_id", id,
				"error", err,
			)
		}
	}
}

// Ack implements Queue.
func (q *RedisQueue) Ack(ctx context.Context, d Delivery) error {
	id, count, err := parseReceipt(d.Receipt)
	if err != nil {
		return err
	}
	ok, err := ackScript.Run(ctx, q.rdb,
		[]string{q.keys.inFlight, q.keys.counts, q.keys.bodies},
		id, strconv.Itoa(count),
	).Int()
	if err != nil {
		return &TransportError{Op: "ack", Err: err}
	}
	if ok == 0 {
		return ErrStaleReceipt
	}
	return nil
}

// Fail implements Queue.
func (q *RedisQueue) Fail(ctx context.Context, d Delivery) error {
	id, count, err := parseReceipt(d.Receipt)
	if err != nil {
		return err
	}
	visibleAt := q.now().Add(q.opts.RetryDelay).UnixMilli()
	ok, err := failScript.Run(ctx, q.rdb,
		[]string{q.keys.inFlight, q.keys.counts},
		id, strconv.Itoa(count), visibleAt,
	).Int()
	if err != nil {
		return &TransportError{Op: "fail", Err: err}
	}
	if ok == 0 {
		return ErrStaleReceipt
	}
	return nil
}

// DeadLetters implements DeadLetterQueue.
func (q *RedisQueue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := q.rdb.LRange(ctx, q.keys.dead, 0, stop).Result()
	if err != nil {
		return nil, &TransportError{Op: "list dead letters", Err: err}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	bodies, err := q.rdb.HMGet(ctx, q.keys.bodies, ids...).Result()
	if err != nil {
		return nil, &TransportError{Op: "list dead letters", Err: err}
	}
	counts, err := q.rdb.HMGet(ctx, q.keys.counts, ids...).Result()
	if err != nil {
		return nil, &TransportError{Op: "list dead letters", Err: err}
	}
	deadAt, err := q.rdb.HMGet(ctx, q.keys.deadAt, ids...).Result()
	if err != nil {
		return nil, &TransportError{Op: "list dead letters", Err: err}
	}

	out := make([]DeadLetter, 0, len(ids))
	for i, id := range ids {
		dl := DeadLetter{MessageID: id}
		if s, ok := bodies[i].(string); ok {
			if err := json.Unmarshal([]byte(s), &dl.Message); err != nil {
				slog.Warn("dead letter body is not valid JSON", "message_id", id, "error", err)
			}
		}
		if s, ok := counts[i].(string); ok {
			dl.ReceiveCount, _ = strconv.Atoi(s)
		}
		if s, ok := deadAt[i].(string); ok {
			if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
				dl.DeadLetteredAt = time.UnixMilli(ms).UTC()
			}
		}
		out = append(out, dl)
	}
	return out, nil
}

// Redrive implements DeadLetterQueue.
func (q *RedisQueue) Redrive(ctx context.Context, messageID string) error {
	ok, err := redriveScript.Run(ctx, q.rdb,
		[]string{q.keys.dead, q.keys.deadAt, q.keys.counts, q.keys.ready},
		messageID,
	).Int()
	if err != nil {
		return &TransportError{Op: "redrive", Err: err}
	}
	if ok == 0 {
		return ErrNotDeadLettered
	}
	slog.Info("redrove dead-lettered message", "message_id", messageID, "queue", q.name)
	return nil
}

// Stats returns the current queue depth.
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	var ready, inFlight, dead *redis.IntCmd
	_, err := q.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		ready = pipe.LLen(ctx, q.keys.ready)
		inFlight = pipe.ZCard(ctx, q.keys.inFlight)
		dead = pipe.LLen(ctx, q.keys.dead)
		return nil
	})
	if err != nil {
		return Stats{}, &TransportError{Op: "stats", Err: err}
	}
	return Stats{
		Ready:    int(ready.Val()),
		InFlight: int(inFlight.Val()),
		Dead:     int(dead.Val()),
	}, nil
}

// Ping checks the Redis connection.
func (q *RedisQueue) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return q.rdb.Ping(ctx).Err()
}

var (
	_ Queue           = (*RedisQueue)(nil)
	_ DeadLetterQueue = (*RedisQueue)(nil)
)
