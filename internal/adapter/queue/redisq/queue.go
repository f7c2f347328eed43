// Package redisq implements the task queue on Redis sorted sets.
//
// Semantics follow a single-tube FIFO priority broker: lower priority
// values reserve first, ties break by submission order. Reserved
// entries carry a visibility deadline that the holder extends with
// Touch; entries whose deadline lapses are returned to the ready set so
// another slave can pick them up. Durability is best-effort - the
// results store remains the source of truth.
package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/disttest/internal/domain"
)

const (
	keySeq      = "disttest:seq"
	keyReady    = "disttest:ready"
	keyReserved = "disttest:reserved"
	keyEntries  = "disttest:entries"
	keyWaiting  = "disttest:waiting"

	pollInterval = 500 * time.Millisecond
)

// entry is the stored form of a queue element. The original priority is
// kept so Release can re-rank the entry correctly.
type entry struct {
	Priority uint32          `json:"priority"`
	Task     json.RawMessage `json:"task"`
}

// Queue is a TaskQueue on a single Redis connection. Calls are
// serialized through a mutex; use one Queue per process.
type Queue struct {
	mu         sync.Mutex
	rdb        *redis.Client
	reserveTTL time.Duration
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, addr string, reserveTTL time.Duration) (*Queue, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("op=queue.connect: %w", err)
	}
	if reserveTTL <= 0 {
		reserveTTL = 30 * time.Second
	}
	return &Queue{rdb: rdb, reserveTTL: reserveTTL}, nil
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(rdb *redis.Client, reserveTTL time.Duration) *Queue {
	return &Queue{rdb: rdb, reserveTTL: reserveTTL}
}

// Close releases the underlying connection.
func (q *Queue) Close() error { return q.rdb.Close() }

// Submit enqueues a serialized task descriptor at the given priority.
func (q *Queue) Submit(ctx domain.Context, task domain.Task, priority uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	body, err := task.Marshal()
	if err != nil {
		return fmt.Errorf("op=queue.submit: %w", err)
	}
	seq, err := q.rdb.Incr(ctx, keySeq).Result()
	if err != nil {
		return fmt.Errorf("op=queue.submit: %w", err)
	}
	// The sequence prefix makes same-priority entries pop in FIFO
	// order (redis breaks score ties lexically by member).
	member := fmt.Sprintf("%020d.%s", seq, uuid.New().String())
	ent, err := json.Marshal(entry{Priority: priority, Task: body})
	if err != nil {
		return fmt.Errorf("op=queue.submit: %w", err)
	}
	if err := q.rdb.HSet(ctx, keyEntries, member, string(ent)).Err(); err != nil {
		return fmt.Errorf("op=queue.submit: %w", err)
	}
	if err := q.rdb.ZAdd(ctx, keyReady, redis.Z{Score: float64(priority), Member: member}).Err(); err != nil {
		return fmt.Errorf("op=queue.submit: %w", err)
	}
	slog.Debug("enqueued task", slog.String("task", task.ID()), slog.Uint64("priority", uint64(priority)))
	return nil
}

// Reserve blocks until an entry is available or ctx is done.
func (q *Queue) Reserve(ctx domain.Context) (domain.Reservation, error) {
	q.incrWaiting(ctx)
	defer q.decrWaiting(ctx)

	for {
		res, err := q.tryReserve(ctx)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (q *Queue) tryReserve(ctx context.Context) (domain.Reservation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.reclaimExpired(ctx); err != nil {
		return nil, err
	}
	popped, err := q.rdb.ZPopMin(ctx, keyReady, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("op=queue.reserve: %w", err)
	}
	if len(popped) == 0 {
		return nil, nil
	}
	member := popped[0].Member.(string)
	raw, err := q.rdb.HGet(ctx, keyEntries, member).Result()
	if err != nil {
		return nil, fmt.Errorf("op=queue.reserve: entry %s: %w", member, err)
	}
	var ent entry
	if err := json.Unmarshal([]byte(raw), &ent); err != nil {
		return nil, fmt.Errorf("op=queue.reserve: entry %s: %w", member, err)
	}
	task, err := domain.UnmarshalTask(ent.Task)
	if err != nil {
		return nil, fmt.Errorf("op=queue.reserve: entry %s: %w", member, err)
	}
	deadline := time.Now().Add(q.reserveTTL).Unix()
	if err := q.rdb.ZAdd(ctx, keyReserved, redis.Z{Score: float64(deadline), Member: member}).Err(); err != nil {
		return nil, fmt.Errorf("op=queue.reserve: %w", err)
	}
	return &reservation{q: q, member: member, priority: ent.Priority, task: task}, nil
}

// reclaimExpired moves lapsed reservations back to the ready set.
func (q *Queue) reclaimExpired(ctx context.Context) error {
	now := float64(time.Now().Unix())
	expired, err := q.rdb.ZRangeByScore(ctx, keyReserved, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return fmt.Errorf("op=queue.reclaim: %w", err)
	}
	for _, member := range expired {
		removed, err := q.rdb.ZRem(ctx, keyReserved, member).Result()
		if err != nil {
			return fmt.Errorf("op=queue.reclaim: %w", err)
		}
		if removed == 0 {
			continue
		}
		raw, err := q.rdb.HGet(ctx, keyEntries, member).Result()
		if err != nil {
			continue
		}
		var ent entry
		if err := json.Unmarshal([]byte(raw), &ent); err != nil {
			continue
		}
		slog.Warn("reservation expired, returning entry to ready set", slog.String("member", member))
		if err := q.rdb.ZAdd(ctx, keyReady, redis.Z{Score: float64(ent.Priority), Member: member}).Err(); err != nil {
			return fmt.Errorf("op=queue.reclaim: %w", err)
		}
	}
	return nil
}

// Stats returns ready/reserved/waiting counts.
func (q *Queue) Stats(ctx domain.Context) (domain.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ready, err := q.rdb.ZCard(ctx, keyReady).Result()
	if err != nil {
		return domain.QueueStats{}, fmt.Errorf("op=queue.stats: %w", err)
	}
	reserved, err := q.rdb.ZCard(ctx, keyReserved).Result()
	if err != nil {
		return domain.QueueStats{}, fmt.Errorf("op=queue.stats: %w", err)
	}
	waiting, err := q.rdb.Get(ctx, keyWaiting).Int()
	if err != nil && err != redis.Nil {
		return domain.QueueStats{}, fmt.Errorf("op=queue.stats: %w", err)
	}
	if waiting < 0 {
		waiting = 0
	}
	return domain.QueueStats{Ready: int(ready), Reserved: int(reserved), Waiting: waiting}, nil
}

func (q *Queue) incrWaiting(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.rdb.Incr(ctx, keyWaiting).Err(); err != nil {
		slog.Debug("failed to bump waiting counter", slog.Any("error", err))
	}
}

func (q *Queue) decrWaiting(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	// Decrement with a background context so a canceled Reserve still
	// rebalances the gauge.
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if err := q.rdb.Decr(ctx, keyWaiting).Err(); err != nil {
		slog.Debug("failed to drop waiting counter", slog.Any("error", err))
	}
}

// reservation is a leased entry.
type reservation struct {
	q        *Queue
	member   string
	priority uint32
	task     domain.Task
}

func (r *reservation) Task() domain.Task { return r.task }

// Touch extends the visibility deadline.
func (r *reservation) Touch(ctx domain.Context) error {
	r.q.mu.Lock()
	defer r.q.mu.Unlock()

	if err := r.q.rdb.ZScore(ctx, keyReserved, r.member).Err(); err != nil {
		if err == redis.Nil {
			return fmt.Errorf("op=queue.touch: %w: reservation lapsed", domain.ErrNotFound)
		}
		return fmt.Errorf("op=queue.touch: %w", err)
	}
	deadline := time.Now().Add(r.q.reserveTTL).Unix()
	if err := r.q.rdb.ZAdd(ctx, keyReserved, redis.Z{Score: float64(deadline), Member: r.member}).Err(); err != nil {
		return fmt.Errorf("op=queue.touch: %w", err)
	}
	return nil
}

// Delete permanently removes the reserved entry.
func (r *reservation) Delete(ctx domain.Context) error {
	r.q.mu.Lock()
	defer r.q.mu.Unlock()

	if err := r.q.rdb.ZRem(ctx, keyReserved, r.member).Err(); err != nil {
		return fmt.Errorf("op=queue.delete: %w", err)
	}
	if err := r.q.rdb.HDel(ctx, keyEntries, r.member).Err(); err != nil {
		return fmt.Errorf("op=queue.delete: %w", err)
	}
	return nil
}

// Release returns the entry to the ready set at its original priority.
func (r *reservation) Release(ctx domain.Context) error {
	r.q.mu.Lock()
	defer r.q.mu.Unlock()

	removed, err := r.q.rdb.ZRem(ctx, keyReserved, r.member).Result()
	if err != nil {
		return fmt.Errorf("op=queue.release: %w", err)
	}
	if removed == 0 {
		// Deadline already lapsed and someone else reclaimed it.
		return nil
	}
	if err := r.q.rdb.ZAdd(ctx, keyReady, redis.Z{Score: float64(r.priority), Member: r.member}).Err(); err != nil {
		return fmt.Errorf("op=queue.release: %w", err)
	}
	return nil
}
