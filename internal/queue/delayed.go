// Package queue implements a durable, time-ordered delayed work queue on
// Redis sorted sets.
//
// Each topic is one sorted set whose members are JSON task envelopes and
// whose scores are the unix-millisecond time at which the task becomes due.
// Claiming is atomic (a Lua script pops all due members), which gives
// at-least-once delivery across competing consumers. The queue is treated as
// a re-creatable cache of "what to do next": the job store stays
// authoritative, and the recovery sweep can rebuild queue state from it after
// a crash.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Topics used by the dispatch pipeline.
const (
	TopicSend   = "campaign.send"
	TopicDelete = "campaign.delete"
)

const keyPrefix = "dispatch:queue:"

// envelope wraps a task body with delivery bookkeeping.
type envelope struct {
	ID          string          `json:"id"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	Body        json.RawMessage `json:"body"`
}

// Delivery is one claimed task handed to a consumer. Attempt starts at 1.
type Delivery struct {
	ID          string
	Attempt     int
	MaxAttempts int
	Body        json.RawMessage

	raw string
}

// Final reports whether this delivery is the task's last allowed attempt.
func (d *Delivery) Final() bool { return d.Attempt >= d.MaxAttempts }

// Decode unmarshals the task body into v.
func (d *Delivery) Decode(v interface{}) error {
	return json.Unmarshal(d.Body, v)
}

// Delayed is a Redis-backed delayed queue. Safe for concurrent use.
type Delayed struct {
	rdb *redis.Client
}

// NewDelayed creates a delayed queue on the given Redis client.
func NewDelayed(rdb *redis.Client) *Delayed {
	return &Delayed{rdb: rdb}
}

// Enqueue schedules a task on the topic, due after the given delay.
// maxAttempts bounds how often a failing task is redelivered; values < 1 are
// clamped to 1. Negative delays are allowed: the task is immediately due, and
// overdue tasks keep their relative time order against each other.
func (q *Delayed) Enqueue(ctx context.Context, topic string, body interface{}, delay time.Duration, maxAttempts int) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal task body: %w", err)
	}
	env := envelope{
		ID:          uuid.New().String(),
		Attempt:     1,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  time.Now().UTC(),
		Body:        raw,
	}
	member, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	score := float64(time.Now().Add(delay).UnixMilli())
	if err := q.rdb.ZAdd(ctx, keyPrefix+topic, redis.Z{Score: score, Member: string(member)}).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", topic, err)
	}
	return nil
}

// claimScript atomically pops all members due at or before ARGV[1],
// up to ARGV[2] of them.
var claimScript = redis.NewScript(`
	local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
	if #due > 0 then
		redis.call("ZREM", KEYS[1], unpack(due))
	end
	return due
`)

// Claim pops up to limit due tasks from the topic. Tasks whose envelopes
// fail to parse are dropped (they can never be processed).
func (q *Delayed) Claim(ctx context.Context, topic string, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UnixMilli()

	res, err := claimScript.Run(ctx, q.rdb, []string{keyPrefix + topic}, now, limit).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("claim %s: %w", topic, err)
	}

	deliveries := make([]Delivery, 0, len(res))
	for _, raw := range res {
		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			continue
		}
		deliveries = append(deliveries, Delivery{
			ID:          env.ID,
			Attempt:     env.Attempt,
			MaxAttempts: env.MaxAttempts,
			Body:        env.Body,
			raw:         raw,
		})
	}
	return deliveries, nil
}

// Requeue puts a failed delivery back on the topic after the given delay,
// with its attempt counter bumped. It returns false without enqueueing when
// the delivery has no attempts left.
func (q *Delayed) Requeue(ctx context.Context, topic string, d Delivery, delay time.Duration) (bool, error) {
	if d.Final() {
		return false, nil
	}

	env := envelope{
		ID:          d.ID,
		Attempt:     d.Attempt + 1,
		MaxAttempts: d.MaxAttempts,
		EnqueuedAt:  time.Now().UTC(),
		Body:        d.Body,
	}
	member, err := json.Marshal(env)
	if err != nil {
		return false, fmt.Errorf("marshal envelope: %w", err)
	}

	score := float64(time.Now().Add(delay).UnixMilli())
	if err := q.rdb.ZAdd(ctx, keyPrefix+topic, redis.Z{Score: score, Member: string(member)}).Err(); err != nil {
		return false, fmt.Errorf("requeue %s: %w", topic, err)
	}
	return true, nil
}

// Depth returns the number of tasks (due or not) waiting on the topic.
func (q *Delayed) Depth(ctx context.Context, topic string) (int64, error) {
	return q.rdb.ZCard(ctx, keyPrefix+topic).Result()
}

// Purge removes every task on the topic. Used by tests and by operators
// resetting a wedged queue; normal operation never calls it.
func (q *Delayed) Purge(ctx context.Context, topic string) error {
	return q.rdb.Del(ctx, keyPrefix+topic).Err()
}
